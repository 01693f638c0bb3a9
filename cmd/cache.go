package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
)

var (
	cacheGetName  string
	cacheGetOrgnr string
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage the profile cache",
}

var cacheLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List cached profiles, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		backend, err := initCacheBackend(cmd.Context())
		if err != nil {
			return err
		}
		defer backend.Close()

		keys, err := backend.Keys(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "cache: list keys")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tSTORED AT")
		for _, k := range keys {
			fmt.Fprintf(w, "%s\t%s\n", k.Key, k.StoredAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var cacheGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Look up a cached profile by company identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		c, err := initCache(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		id := model.Identity{
			DisplayName:        cacheGetName,
			RegistrationNumber: cacheGetOrgnr,
		}
		prof, ok, err := c.Get(cmd.Context(), id)
		if err != nil {
			return eris.Wrap(err, "cache: get")
		}
		if !ok {
			return eris.Errorf("no cached profile for %q", cacheGetName)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(prof)
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all cached profiles",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("cache"); err != nil {
			return err
		}
		c, err := initCache(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		n, err := c.Len(cmd.Context())
		if err != nil {
			return eris.Wrap(err, "cache: count entries")
		}
		if err := c.Clear(cmd.Context()); err != nil {
			return eris.Wrap(err, "cache: clear")
		}
		zap.L().Info("cache cleared", zap.Int("entries", n))
		return nil
	},
}

func init() {
	cacheGetCmd.Flags().StringVar(&cacheGetName, "name", "", "company display name (required)")
	cacheGetCmd.Flags().StringVar(&cacheGetOrgnr, "orgnr", "", "organization number")
	_ = cacheGetCmd.MarkFlagRequired("name")

	cacheCmd.AddCommand(cacheLsCmd, cacheGetCmd, cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
