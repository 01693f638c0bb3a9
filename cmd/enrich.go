package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/pipeline"
)

var (
	enrichName   string
	enrichOrgnr  string
	enrichStages string
)

var enrichCmd = &cobra.Command{
	Use:   "enrich",
	Short: "Enrich a single company profile",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if enrichStages != "" {
			cfg.Pipeline.StageSet = enrichStages
		}
		env, err := initEnrichment(ctx, "enrich")
		if err != nil {
			return err
		}
		defer env.Close()

		id := model.Identity{
			DisplayName:        enrichName,
			RegistrationNumber: enrichOrgnr,
		}

		// Drain progressive snapshots while the run is in flight.
		snapshots := pipeline.NewSnapshots()
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for snap := range snapshots {
				zap.L().Info("stage complete",
					zap.String("run_id", snap.RunID),
					zap.Int("fields", len(snap.Fields)),
					zap.Int("links", len(snap.Links)),
					zap.String("status", string(snap.Status)),
				)
			}
		}()

		prof, runErr := env.Pipeline.Enrich(ctx, id, env.Stages, snapshots)
		<-drained

		if prof != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(prof); err != nil {
				return eris.Wrap(err, "encode profile")
			}
		}
		if runErr != nil {
			return eris.Wrap(runErr, "enrichment run")
		}

		zap.L().Info("enrichment complete",
			zap.String("company", id.DisplayName),
			zap.String("status", string(prof.Status)),
			zap.Int("fields_found", len(prof.Fields)),
		)
		return nil
	},
}

func init() {
	enrichCmd.Flags().StringVar(&enrichName, "name", "", "company display name (required)")
	enrichCmd.Flags().StringVar(&enrichOrgnr, "orgnr", "", "organization number, any common formatting")
	enrichCmd.Flags().StringVar(&enrichStages, "stages", "", "stage set name (default from config)")
	_ = enrichCmd.MarkFlagRequired("name")
	rootCmd.AddCommand(enrichCmd)
}
