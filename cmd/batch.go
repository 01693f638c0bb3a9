package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/pipeline"
)

var (
	batchCSV         string
	batchLimit       int
	batchOutput      string
	batchConcurrency int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Batch enrich companies from a CSV file",
	Long: `Reads a CSV of companies (columns: name, orgnr) and enriches them
concurrently. All runs share one dispatch queue, so per-service rate
budgets hold across the whole batch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		ids, err := parseCompaniesCSV(batchCSV)
		if err != nil {
			return eris.Wrap(err, "batch: parse csv")
		}
		zap.L().Info("parsed csv", zap.Int("companies", len(ids)))

		env, err := initEnrichment(ctx, "batch")
		if err != nil {
			return err
		}
		defer env.Close()

		concurrency := batchConcurrency
		if concurrency == 0 {
			concurrency = cfg.Batch.MaxConcurrentCompanies
		}

		results, err := processBatch(ctx, ids, batchLimit, concurrency,
			func(ctx context.Context, id model.Identity) (*model.Profile, error) {
				snapshots := pipeline.NewSnapshots()
				go func() {
					for range snapshots {
						// Progress is logged per run; batch only needs terminal state.
					}
				}()
				return env.Pipeline.Enrich(ctx, id, env.Stages, snapshots)
			})
		if err != nil {
			return err
		}

		return writeProfiles(results, batchOutput)
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchCSV, "csv", "", "path to companies CSV (required)")
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max companies to process (0 = all)")
	batchCmd.Flags().StringVar(&batchOutput, "output", "", "write profiles JSON to file (default: stdout)")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "max companies enriched concurrently (default from config)")
	_ = batchCmd.MarkFlagRequired("csv")
	rootCmd.AddCommand(batchCmd)
}

// parseCompaniesCSV reads identities from a CSV with columns name,orgnr.
// A header row is skipped when the first cell reads "name".
func parseCompaniesCSV(path string) ([]model.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrap(err, "open csv")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var ids []model.Identity
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "read csv line %d", line)
		}
		if len(rec) == 0 {
			continue
		}
		name := strings.TrimSpace(rec[0])
		if line == 1 && strings.EqualFold(name, "name") {
			continue
		}
		if name == "" {
			continue
		}
		id := model.Identity{DisplayName: name}
		if len(rec) > 1 {
			id.RegistrationNumber = strings.TrimSpace(rec[1])
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// enrichFunc is the callback signature for enriching one identity.
type enrichFunc func(ctx context.Context, id model.Identity) (*model.Profile, error)

// processBatch applies limit, then enriches identities concurrently.
// Individual failures are logged and counted, never abort the batch.
func processBatch(ctx context.Context, ids []model.Identity, limit, concurrency int, enrich enrichFunc) ([]*model.Profile, error) {
	if len(ids) == 0 {
		zap.L().Info("no companies to process")
		return nil, nil
	}

	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	if concurrency < 1 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("companies", len(ids)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var mu sync.Mutex
	var results []*model.Profile
	var succeeded, failed atomic.Int64

	for _, id := range ids {
		g.Go(func() error {
			log := zap.L().With(zap.String("company", id.DisplayName))

			prof, err := enrich(gctx, id)
			if err != nil {
				failed.Add(1)
				log.Error("enrichment failed", zap.Error(err))
				if prof != nil {
					mu.Lock()
					results = append(results, prof)
					mu.Unlock()
				}
				return nil // don't abort batch on individual failure
			}

			succeeded.Add(1)
			log.Info("enrichment complete",
				zap.String("status", string(prof.Status)),
				zap.Int("fields_found", len(prof.Fields)),
			)
			mu.Lock()
			results = append(results, prof)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, eris.Wrap(err, "batch processing")
	}

	zap.L().Info("batch complete",
		zap.Int64("succeeded", succeeded.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return results, nil
}

// writeProfiles writes profiles to the output file or stdout.
func writeProfiles(profiles []*model.Profile, output string) error {
	var w *os.File
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return eris.Wrap(err, "batch: create output file")
		}
		defer f.Close() //nolint:errcheck
		w = f
	} else {
		w = os.Stdout
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(profiles)
}
