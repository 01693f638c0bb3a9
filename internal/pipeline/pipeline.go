// Package pipeline runs staged enrichment: a required identity stage gated
// on a checksum-valid organization number, then best-effort stages whose
// failures degrade the result instead of aborting it.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/enrich-cli/internal/cache"
	"github.com/sells-group/enrich-cli/internal/model"
	"github.com/sells-group/enrich-cli/internal/provider"
	"github.com/sells-group/enrich-cli/internal/queue"
	"github.com/sells-group/enrich-cli/internal/resilience"
)

// SnapshotBuffer is the capacity used for snapshot channels created by
// NewSnapshots. A small buffer keeps a slow consumer from stalling the run
// between stages.
const SnapshotBuffer = 4

// NewSnapshots returns a bounded snapshot channel sized for one run.
func NewSnapshots() chan model.Profile {
	return make(chan model.Profile, SnapshotBuffer)
}

// Options tunes a Pipeline.
type Options struct {
	// InterStageCooldown is slept between consecutive stages. Default: 2s.
	InterStageCooldown time.Duration

	// MaxStageAttempts bounds retry attempts inside one stage call.
	// Default: resilience's own default.
	MaxStageAttempts int

	// StageBackoff is the initial backoff between retry attempts inside a
	// stage call. Default: resilience's own default.
	StageBackoff time.Duration
}

// Pipeline orchestrates enrichment runs. It owns nothing it is handed: the
// queue, cache, and registry are injected and shared across runs.
type Pipeline struct {
	queue    *queue.Queue
	cache    *cache.ProfileCache
	registry *provider.Registry
	opts     Options
	now      func() time.Time
}

// New creates a Pipeline. cache may be nil to disable caching.
func New(q *queue.Queue, c *cache.ProfileCache, reg *provider.Registry, opts Options) *Pipeline {
	if opts.InterStageCooldown == 0 {
		opts.InterStageCooldown = 2 * time.Second
	}
	return &Pipeline{queue: q, cache: c, registry: reg, opts: opts, now: time.Now}
}

// stageResult is what one successful stage call produces.
type stageResult struct {
	payload  *stagePayload
	sources  []model.SourceLink
	attempts int
}

// Enrich runs the stage set for one identity. A snapshot of the profile is
// sent after every stage (and once on a cache hit); the channel is closed
// before Enrich returns. The returned profile is always non-nil once the
// identity validates: an aborted run carries its terminal status and reason.
func (p *Pipeline) Enrich(ctx context.Context, id model.Identity, stages []Stage, snapshots chan<- model.Profile) (*model.Profile, error) {
	if snapshots != nil {
		defer close(snapshots)
	}
	if id.IsZero() {
		return nil, eris.New("pipeline: identity has neither name nor registration number")
	}
	if len(stages) == 0 {
		stages = DefaultStages()
	}
	if err := ValidateStages(stages); err != nil {
		return nil, err
	}

	log := zap.L().With(zap.String("company", id.DisplayName))

	if p.cache != nil {
		hit, ok, err := p.cache.Get(ctx, id)
		if err != nil {
			log.Warn("pipeline: cache lookup failed", zap.Error(err))
		} else if ok {
			log.Info("pipeline: cache hit", zap.String("run_id", hit.RunID))
			emitSnapshot(ctx, snapshots, hit)
			return hit, nil
		}
	}

	prof := model.NewProfile(uuid.New().String(), id)
	log = log.With(zap.String("run_id", prof.RunID))

	for i, st := range stages {
		if i > 0 && p.opts.InterStageCooldown > 0 {
			if err := sleepCtx(ctx, p.opts.InterStageCooldown); err != nil {
				prof.Status = model.StatusIncomplete
				prof.Reason = "run cancelled between stages"
				prof.EnrichedAt = p.now().UTC()
				return prof, err
			}
		}

		result, err := p.runStage(ctx, st, prof)
		if err != nil {
			attempts := 1
			if result != nil && result.attempts > 0 {
				attempts = result.attempts
			}
			prof.Failures = append(prof.Failures, model.StageFailure{
				Stage:    st.Name,
				Reason:   err.Error(),
				Attempts: attempts,
			})
			if st.Required {
				log.Error("pipeline: required stage failed", zap.String("stage", st.Name), zap.Error(err))
				// A fatal classification (auth, bad input) marks the run
				// failed; anything else is incomplete and worth retrying
				// later.
				prof.Status = model.StatusIncomplete
				if resilience.Classify(err).Kind == resilience.KindFatal {
					prof.Status = model.StatusFailed
				}
				prof.Reason = fmt.Sprintf("required stage %s failed", st.Name)
				prof.EnrichedAt = p.now().UTC()
				emitSnapshot(ctx, snapshots, prof)
				return prof, err
			}
			log.Warn("pipeline: stage failed, continuing", zap.String("stage", st.Name), zap.Error(err))
			emitSnapshot(ctx, snapshots, prof)
			continue
		}

		result.payload.apply(prof, result.sources)
		if st.GateIdentifier {
			// The closure already validated; keep the identity in sync with
			// the discovered canonical number.
			prof.Identity.RegistrationNumber = prof.Field(model.FieldOrgNumber)
		}
		log.Info("pipeline: stage complete", zap.String("stage", st.Name), zap.Int("attempts", result.attempts))
		emitSnapshot(ctx, snapshots, prof)
	}

	prof.EnrichedAt = p.now().UTC()
	if len(prof.Failures) == 0 {
		prof.Status = model.StatusComplete
	} else {
		prof.Status = model.StatusIncomplete
		prof.Reason = fmt.Sprintf("%d of %d stages failed", len(prof.Failures), len(stages))
	}

	if prof.Status == model.StatusComplete && p.cache != nil {
		if err := p.cache.Put(ctx, prof); err != nil {
			log.Warn("pipeline: cache write failed", zap.Error(err))
		}
	}
	return prof, nil
}

// runStage submits one stage through the queue and waits for its outcome.
func (p *Pipeline) runStage(ctx context.Context, st Stage, prof *model.Profile) (*stageResult, error) {
	req, err := st.buildRequest(prof)
	if err != nil {
		return nil, err
	}
	comp := p.registry.Completion(st.Service)
	if comp == nil {
		return nil, eris.Errorf("pipeline: no completion adapter registered for service %s", st.Service)
	}

	attempts := 0
	call := p.makeCall(st, req, comp, prof.Identity.RegistrationNumber, &attempts)

	execOpts := resilience.ExecOptions[*stageResult]{
		Service:        st.Service,
		MaxAttempts:    p.opts.MaxStageAttempts,
		InitialBackoff: p.opts.StageBackoff,
		EnableSearch:   st.EnableSearch,
	}
	if fb := p.registry.Fallback(st.Service); fb != nil {
		execOpts.FallbackService = p.registry.FallbackName(st.Service)
		execOpts.Fallback = p.makeCall(st, req, fb, prof.Identity.RegistrationNumber, &attempts)
	}

	out := <-p.queue.Submit(ctx, st.Service, st.Priority, func(ctx context.Context) (any, error) {
		return resilience.Execute(ctx, execOpts, call)
	})
	if out.Err != nil {
		return &stageResult{attempts: attempts}, out.Err
	}
	res := out.Value.(*stageResult)
	res.attempts = attempts
	return res, nil
}

// makeCall builds the attemptable closure for one adapter. Payload parsing
// and the identifier gate live inside the closure so a malformed or
// checksum-failing response classifies as invalid data and earns exactly one
// rerun.
func (p *Pipeline) makeCall(st Stage, req provider.CompletionRequest, comp provider.Completion, knownOrgNumber string, attempts *int) resilience.Call[*stageResult] {
	return func(ctx context.Context, searchEnabled bool) (*stageResult, error) {
		*attempts++
		r := req
		r.EnableSearch = r.EnableSearch && searchEnabled

		res, err := comp.Complete(ctx, r)
		if err != nil {
			return nil, err
		}

		payload, err := parseStagePayload(res.Text)
		if err != nil {
			return nil, &resilience.ProviderError{
				Provider: comp.Name(),
				Kind:     resilience.KindDataInvalid,
				Err:      err,
			}
		}

		if st.GateIdentifier {
			candidate := payload.Fields[model.FieldOrgNumber]
			if !model.Populated(candidate) {
				candidate = knownOrgNumber
			}
			norm, nerr := model.NormalizeOrgNumber(candidate)
			if nerr != nil {
				return nil, &resilience.ProviderError{
					Provider: comp.Name(),
					Kind:     resilience.KindDataInvalid,
					Err:      eris.Wrapf(nerr, "pipeline: stage %s produced no valid organization number", st.Name),
				}
			}
			if payload.Fields == nil {
				payload.Fields = make(map[string]string)
			}
			payload.Fields[model.FieldOrgNumber] = norm
		}
		return &stageResult{payload: payload, sources: res.Sources}, nil
	}
}

// emitSnapshot sends a value copy of the current profile state; a cancelled
// run stops blocking on a full channel.
func emitSnapshot(ctx context.Context, snapshots chan<- model.Profile, prof *model.Profile) {
	if snapshots == nil {
		return
	}
	select {
	case snapshots <- *prof.Clone():
	case <-ctx.Done():
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
