package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Yumeko/common/retry"
	"github.com/bdobrica/Yumeko/internal/yumeko/config"
	"github.com/bdobrica/Yumeko/internal/yumeko/dedup"
)

const (
	// DefaultStartupDelay gives the platform connection time to settle
	// before history is fetched.
	DefaultStartupDelay = 30 * time.Second

	// DefaultPlannerDelay separates batch ingestion from the planning-pass
	// signal, so the host sees the full batch in its history before
	// deciding whether it warrants a reaction.
	DefaultPlannerDelay = 3 * time.Second

	// retryDelay is the backoff before the single retry of a transient
	// fetch failure.
	retryDelay = 2 * time.Second
)

// HistoryFetcher pulls up to limit recent events for a room from the
// platform, oldest first. Implemented by the Matrix client.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, group string, limit int) ([]InboundEvent, error)
}

// Intake receives an admitted batch for persistence into the host's message
// history. Implemented by the agent host.
type Intake interface {
	IngestBatch(ctx context.Context, batch *Batch) error
}

// Planner is signalled exactly once per non-empty batch, never once per
// message — the anti-spam boundary that keeps a replayed backlog from
// triggering a burst of reactions. Implemented by the agent host.
type Planner interface {
	RequestPlanningPass(ctx context.Context, group string)
}

// Settings supplies the current replay knobs; implemented by
// *config.Resolver.
type Settings interface {
	Replay(ctx context.Context) config.ReplaySettings
}

// EngineConfig wires the engine's dependencies and knobs.
type EngineConfig struct {
	// Groups are the rooms replayed, each exactly once per process start.
	Groups []string

	// SelfID is the agent's own platform identity; its events never replay.
	SelfID string

	// StartupDelay postpones the first fetch; 0 means DefaultStartupDelay,
	// negative means none.
	StartupDelay time.Duration

	// PlannerDelay is the beat between ingestion and the planning-pass
	// signal; 0 means DefaultPlannerDelay, negative means none.
	PlannerDelay time.Duration

	// DedupeMode selects identity or fingerprint keys; TimestampBucket
	// tunes fingerprint timestamp granularity (0 means the dedup default).
	DedupeMode      dedup.Mode
	TimestampBucket time.Duration

	Fetcher  HistoryFetcher
	Intake   Intake
	Planner  Planner
	Settings Settings
	Dedup    *dedup.Store

	// ShouldRetry classifies a fetch failure as transient; a transient
	// fetch is retried once after a short backoff. nil retries nothing
	// (credential rejections must surface immediately).
	ShouldRetry func(error) bool
}

// Status is a point-in-time view of the engine for health output.
type Status struct {
	Completed  bool
	Groups     int
	Admitted   int
	Skipped    int
	Failures   int
	FinishedAt time.Time // zero until completed
}

// Engine performs the one-shot offline replay across all configured rooms.
type Engine struct {
	cfg EngineConfig

	mu         sync.Mutex
	completed  bool
	admitted   int
	skipped    int
	failures   int
	finishedAt time.Time
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.StartupDelay == 0 {
		cfg.StartupDelay = DefaultStartupDelay
	}
	if cfg.StartupDelay < 0 {
		cfg.StartupDelay = 0
	}
	if cfg.PlannerDelay == 0 {
		cfg.PlannerDelay = DefaultPlannerDelay
	}
	if cfg.PlannerDelay < 0 {
		cfg.PlannerDelay = 0
	}
	return &Engine{cfg: cfg}
}

// Run waits out the startup delay, then replays every configured room
// concurrently and returns when all of them finished. One room's failure is
// logged and counted; it never stops the others.
func (e *Engine) Run(ctx context.Context) {
	if len(e.cfg.Groups) == 0 {
		slog.Info("offline replay skipped, no rooms configured")
		e.finish()
		return
	}

	if e.cfg.StartupDelay > 0 {
		slog.Info("offline replay waiting for connection to settle", "delay", e.cfg.StartupDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.cfg.StartupDelay):
		}
	}

	var wg sync.WaitGroup
	for _, group := range e.cfg.Groups {
		wg.Add(1)
		go func(group string) {
			defer wg.Done()
			if _, err := e.ReplayGroup(ctx, group); err != nil {
				slog.Error("offline replay failed", "group", group, "err", err)
				e.mu.Lock()
				e.failures++
				e.mu.Unlock()
			}
		}(group)
	}
	wg.Wait()
	e.finish()
}

// ReplayGroup fetches, filters and ingests one room's backlog. It returns
// the ingested batch, or nil when every fetched event was already admitted
// (then nothing is ingested and no planning pass fires).
func (e *Engine) ReplayGroup(ctx context.Context, group string) (*Batch, error) {
	settings := e.cfg.Settings.Replay(ctx)

	var events []InboundEvent
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  2,
		InitialDelay: retryDelay,
		MaxDelay:     retryDelay,
		ShouldRetry:  e.shouldRetry,
	}, func() error {
		var fetchErr error
		events, fetchErr = e.cfg.Fetcher.FetchHistory(ctx, group, settings.FetchCount)
		return fetchErr
	})
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}

	batch := e.filter(group, events, settings.Markers)
	if batch == nil {
		slog.Info("offline replay found nothing new", "group", group, "fetched", len(events))
		return nil, nil
	}

	if err := e.cfg.Intake.IngestBatch(ctx, batch); err != nil {
		return nil, fmt.Errorf("ingest batch: %w", err)
	}

	e.mu.Lock()
	e.admitted += len(batch.Events)
	e.mu.Unlock()

	slog.Info("offline replay ingested batch",
		"group", group,
		"batch_id", batch.ID,
		"events", len(batch.Events),
		"fetched", len(events))

	if e.cfg.Planner != nil {
		// One signal per batch, after a beat, so the host reads settled
		// history.
		if e.cfg.PlannerDelay > 0 {
			select {
			case <-ctx.Done():
				return batch, nil
			case <-time.After(e.cfg.PlannerDelay):
			}
		}
		e.cfg.Planner.RequestPlanningPass(ctx, group)
	}
	return batch, nil
}

// filter walks the fetched events chronologically and keeps only the new
// ones: not the agent's own, not empty, not already admitted — checking both
// the durable dedup store and the batch itself, so an API that returns the
// same event twice in one fetch still yields it once. Kept events are marked
// admitted immediately. Returns nil when nothing survives.
func (e *Engine) filter(group string, events []InboundEvent, markers bool) *Batch {
	ordered := make([]InboundEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Time.Before(ordered[j].Time)
	})

	var (
		kept    []InboundEvent
		inBatch = make(map[dedup.Key]struct{})
		skipped int
	)
	for _, evt := range ordered {
		if e.cfg.SelfID != "" && evt.Sender == e.cfg.SelfID {
			continue
		}
		if evt.Body == "" {
			continue
		}
		key := dedup.KeyFor(e.cfg.DedupeMode, evt.ID, evt.Sender, evt.Body, evt.Time, e.cfg.TimestampBucket)
		if _, dup := inBatch[key]; dup {
			skipped++
			continue
		}
		if !e.cfg.Dedup.IsNew(group, key) {
			skipped++
			continue
		}
		inBatch[key] = struct{}{}
		e.cfg.Dedup.MarkAdmitted(group, key)
		kept = append(kept, evt)
	}

	e.mu.Lock()
	e.skipped += skipped
	e.mu.Unlock()

	if len(kept) == 0 {
		return nil
	}
	return &Batch{
		ID:      uuid.New().String(),
		Group:   group,
		Events:  kept,
		Markers: markers,
	}
}

// Status returns the engine's current counters.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Completed:  e.completed,
		Groups:     len(e.cfg.Groups),
		Admitted:   e.admitted,
		Skipped:    e.skipped,
		Failures:   e.failures,
		FinishedAt: e.finishedAt,
	}
}

func (e *Engine) shouldRetry(err error) bool {
	return e.cfg.ShouldRetry != nil && e.cfg.ShouldRetry(err)
}

func (e *Engine) finish() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completed = true
	e.finishedAt = time.Now()
	slog.Info("offline replay completed",
		"groups", len(e.cfg.Groups),
		"admitted", e.admitted,
		"skipped", e.skipped,
		"failures", e.failures)
}
