// Package agent implements the host-pipeline boundary: live and replayed
// messages funnel through the Host into the durable history, and the host's
// planning path defers to dream generation through the shared activity gate.
//
// The full reply engine sits behind RequestPlanningPass and is deliberately
// not implemented here; the boundary itself is real, counted, and logged so
// the rest of the system can be built and observed against it.
package agent

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Yumeko/internal/yumeko/dedup"
	"github.com/bdobrica/Yumeko/internal/yumeko/dream"
	"github.com/bdobrica/Yumeko/internal/yumeko/replay"
	"github.com/bdobrica/Yumeko/internal/yumeko/store"
)

// markerSkew offsets the synthetic marker rows' timestamps just outside the
// replayed span, so chronological reads keep the brackets around the batch.
const markerSkew = 100 * time.Millisecond

// Config wires the Host.
type Config struct {
	// SelfID is the agent's own platform identity. Its messages are
	// filtered before ingest, and marker rows are attributed to it.
	SelfID string

	// DedupeMode and TimestampBucket mirror the replay engine's key
	// derivation, so live traffic and replay share one admission space.
	DedupeMode      dedup.Mode
	TimestampBucket time.Duration
}

// Status is a point-in-time view of the host's counters for /status.
type Status struct {
	LiveIngested      int
	ReplayedIngested  int
	Batches           int
	PlanningRequested int
	PlanningSkipped   int
}

// Host is the intake and planning boundary. It implements replay.Intake and
// replay.Planner.
type Host struct {
	cfg   Config
	store *store.Store
	dedup *dedup.Store
	gate  *dream.Mutex

	mu                sync.Mutex
	liveIngested      int
	replayedIngested  int
	batches           int
	planningRequested int
	planningSkipped   int
	lastPlan          map[string]time.Time
}

var (
	_ replay.Intake  = (*Host)(nil)
	_ replay.Planner = (*Host)(nil)
)

// NewHost creates a Host writing through st, sharing the admission space in
// ds and the activity gate in gate.
func NewHost(cfg Config, st *store.Store, ds *dedup.Store, gate *dream.Mutex) *Host {
	return &Host{
		cfg:      cfg,
		store:    st,
		dedup:    ds,
		gate:     gate,
		lastPlan: make(map[string]time.Time),
	}
}

// HandleLive ingests one live message: the agent's own messages and already
// admitted deliveries are dropped, everything else lands in the history and
// is marked admitted so a later replay cannot re-inject it.
func (h *Host) HandleLive(ctx context.Context, group, eventID, sender, body string, ts time.Time) error {
	if sender == h.cfg.SelfID {
		return nil
	}
	if body == "" {
		return nil
	}

	key := dedup.KeyFor(h.cfg.DedupeMode, eventID, sender, body, ts, h.cfg.TimestampBucket)
	if !h.dedup.IsNew(group, key) {
		slog.Debug("dropping already admitted live message", "group", group, "event_id", eventID)
		return nil
	}

	msg := &store.Message{
		RoomID:   group,
		Sender:   sender,
		Body:     body,
		OriginTS: ts,
	}
	if eventID != "" {
		msg.EventID = sql.NullString{String: eventID, Valid: true}
	}
	if _, err := h.store.InsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("ingest live message: %w", err)
	}
	h.dedup.MarkAdmitted(group, key)

	h.mu.Lock()
	h.liveIngested++
	h.mu.Unlock()
	return nil
}

// IngestBatch persists a replayed batch as one unit: an opening marker row
// (when enabled), every event in order, a closing marker row. All rows carry
// the batch ID; replay insertion is idempotent thanks to the store's unique
// event-ID index.
func (h *Host) IngestBatch(ctx context.Context, batch *replay.Batch) error {
	if len(batch.Events) == 0 {
		return nil
	}

	first := batch.Events[0].Time
	last := batch.Events[len(batch.Events)-1].Time

	if batch.Markers {
		if err := h.insertMarker(ctx, batch, replay.MarkerBegin, first.Add(-markerSkew)); err != nil {
			return err
		}
	}

	for _, evt := range batch.Events {
		msg := &store.Message{
			RoomID:   batch.Group,
			Sender:   evt.Sender,
			Body:     evt.Body,
			OriginTS: evt.Time,
			Replayed: true,
			BatchID:  sql.NullString{String: batch.ID, Valid: true},
		}
		if evt.ID != "" {
			msg.EventID = sql.NullString{String: evt.ID, Valid: true}
		}
		if _, err := h.store.InsertMessage(ctx, msg); err != nil {
			return fmt.Errorf("ingest replayed message: %w", err)
		}
	}

	if batch.Markers {
		if err := h.insertMarker(ctx, batch, replay.MarkerEnd, last.Add(markerSkew)); err != nil {
			return err
		}
	}

	h.mu.Lock()
	h.replayedIngested += len(batch.Events)
	h.batches++
	h.mu.Unlock()
	return nil
}

// RequestPlanningPass notes that a room's backlog warrants a reply
// evaluation. While a dream is in flight the pass is skipped, not queued:
// dream generation may take seconds, and a stale planning pass afterwards is
// worth less than an unblocked scheduler.
func (h *Host) RequestPlanningPass(ctx context.Context, group string) {
	if !h.gate.IsFree() {
		h.mu.Lock()
		h.planningSkipped++
		h.mu.Unlock()
		slog.Info("planning pass skipped, dream in flight", "group", group)
		return
	}

	h.mu.Lock()
	h.planningRequested++
	h.lastPlan[group] = time.Now()
	h.mu.Unlock()
	slog.Info("planning pass requested", "group", group)
}

// Status returns the host's current counters.
func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Status{
		LiveIngested:      h.liveIngested,
		ReplayedIngested:  h.replayedIngested,
		Batches:           h.batches,
		PlanningRequested: h.planningRequested,
		PlanningSkipped:   h.planningSkipped,
	}
}

// insertMarker writes one synthetic marker row attributed to the agent.
func (h *Host) insertMarker(ctx context.Context, batch *replay.Batch, text string, ts time.Time) error {
	_, err := h.store.InsertMessage(ctx, &store.Message{
		RoomID:   batch.Group,
		Sender:   h.cfg.SelfID,
		Body:     text,
		OriginTS: ts,
		Replayed: true,
		BatchID:  sql.NullString{String: batch.ID, Valid: true},
	})
	if err != nil {
		return fmt.Errorf("ingest batch marker: %w", err)
	}
	return nil
}
