package agent_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/bdobrica/Yumeko/internal/yumeko/agent"
	"github.com/bdobrica/Yumeko/internal/yumeko/dedup"
	"github.com/bdobrica/Yumeko/internal/yumeko/dream"
	"github.com/bdobrica/Yumeko/internal/yumeko/replay"
	appstore "github.com/bdobrica/Yumeko/internal/yumeko/store"
)

const (
	testRoom = "!lounge:example.com"
	selfID   = "@yumeko:example.com"
)

// hostFixture bundles a Host with its store, dedup space and gate.
type hostFixture struct {
	host  *agent.Host
	store *appstore.Store
	dedup *dedup.Store
	gate  *dream.Mutex
}

func newHost(t *testing.T) *hostFixture {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "yumeko-agent-test-*.db")
	if err != nil {
		t.Fatalf("create temp db file: %v", err)
	}
	f.Close()

	st, err := appstore.New(f.Name())
	if err != nil {
		t.Fatalf("appstore.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fix := &hostFixture{
		store: st,
		dedup: dedup.NewStore(0),
		gate:  dream.NewMutex(),
	}
	fix.host = agent.NewHost(agent.Config{SelfID: selfID}, st, fix.dedup, fix.gate)
	return fix
}

// ts builds an instant offset minutes into a fixed hour.
func ts(minutes int) time.Time {
	return time.Date(2025, 6, 14, 9, minutes, 0, 0, time.UTC)
}

// TestIngestBatchWithMarkers verifies that a batch lands as one bracketed
// unit: opening marker, events in order, closing marker, all replayed and
// tagged with the batch ID.
func TestIngestBatchWithMarkers(t *testing.T) {
	f := newHost(t)
	ctx := context.Background()

	batch := &replay.Batch{
		ID:    "batch-1",
		Group: testRoom,
		Events: []replay.InboundEvent{
			{ID: "$a", Sender: "@alice:example.com", Body: "first", Time: ts(1)},
			{ID: "$b", Sender: "@bob:example.com", Body: "second", Time: ts(2)},
			{ID: "$c", Sender: "@carol:example.com", Body: "third", Time: ts(3)},
		},
		Markers: true,
	}

	if err := f.host.IngestBatch(ctx, batch); err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}

	msgs, err := f.store.RecentMessages(ctx, testRoom, 50)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("stored %d rows, want 5 (two markers + three events)", len(msgs))
	}

	if msgs[0].Body != replay.MarkerBegin {
		t.Errorf("first row = %q, want the begin marker", msgs[0].Body)
	}
	if msgs[0].Sender != selfID {
		t.Errorf("marker sender = %q, want the agent itself", msgs[0].Sender)
	}
	if msgs[4].Body != replay.MarkerEnd {
		t.Errorf("last row = %q, want the end marker", msgs[4].Body)
	}
	for i, want := range []string{replay.MarkerBegin, "first", "second", "third", replay.MarkerEnd} {
		if msgs[i].Body != want {
			t.Errorf("row %d = %q, want %q", i, msgs[i].Body, want)
		}
		if !msgs[i].Replayed {
			t.Errorf("row %d should be marked replayed", i)
		}
		if !msgs[i].BatchID.Valid || msgs[i].BatchID.String != "batch-1" {
			t.Errorf("row %d batch ID = %+v, want batch-1", i, msgs[i].BatchID)
		}
	}

	status := f.host.Status()
	if status.ReplayedIngested != 3 {
		t.Errorf("ReplayedIngested = %d, want 3 (markers are not events)", status.ReplayedIngested)
	}
	if status.Batches != 1 {
		t.Errorf("Batches = %d, want 1", status.Batches)
	}
}

// TestIngestBatchWithoutMarkers verifies the markers=false path stores
// events only.
func TestIngestBatchWithoutMarkers(t *testing.T) {
	f := newHost(t)
	ctx := context.Background()

	batch := &replay.Batch{
		ID:    "batch-2",
		Group: testRoom,
		Events: []replay.InboundEvent{
			{ID: "$a", Sender: "@alice:example.com", Body: "only", Time: ts(1)},
		},
	}

	if err := f.host.IngestBatch(ctx, batch); err != nil {
		t.Fatalf("IngestBatch: %v", err)
	}

	msgs, err := f.store.RecentMessages(ctx, testRoom, 50)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Body != "only" {
		t.Fatalf("stored %d rows, want exactly the bare event", len(msgs))
	}
}

// TestHandleLiveStoresAndAdmits verifies live intake: the row lands, the
// counter moves, and the event's key is admitted so replay cannot re-inject
// it later.
func TestHandleLiveStoresAndAdmits(t *testing.T) {
	f := newHost(t)
	ctx := context.Background()

	err := f.host.HandleLive(ctx, testRoom, "$live1", "@alice:example.com", "good morning", ts(5))
	if err != nil {
		t.Fatalf("HandleLive: %v", err)
	}

	n, err := f.store.MessageCount(ctx, testRoom)
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("stored %d rows, want 1", n)
	}
	if f.host.Status().LiveIngested != 1 {
		t.Errorf("LiveIngested = %d, want 1", f.host.Status().LiveIngested)
	}
	if f.dedup.IsNew(testRoom, dedup.Identity("$live1")) {
		t.Error("live event's key should be admitted after ingest")
	}
}

// TestHandleLiveFiltersOwnMessages verifies the agent never ingests itself.
func TestHandleLiveFiltersOwnMessages(t *testing.T) {
	f := newHost(t)
	ctx := context.Background()

	if err := f.host.HandleLive(ctx, testRoom, "$own", selfID, "my own words", ts(5)); err != nil {
		t.Fatalf("HandleLive: %v", err)
	}

	n, err := f.store.MessageCount(ctx, testRoom)
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if n != 0 {
		t.Errorf("stored %d rows, want 0", n)
	}
	if f.host.Status().LiveIngested != 0 {
		t.Error("own messages must not count as ingested")
	}
}

// TestHandleLiveDropsRedelivery verifies that a platform re-delivery of the
// same event is ingested once.
func TestHandleLiveDropsRedelivery(t *testing.T) {
	f := newHost(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.host.HandleLive(ctx, testRoom, "$dup", "@alice:example.com", "hello", ts(5)); err != nil {
			t.Fatalf("HandleLive(%d): %v", i, err)
		}
	}

	n, err := f.store.MessageCount(ctx, testRoom)
	if err != nil {
		t.Fatalf("MessageCount: %v", err)
	}
	if n != 1 {
		t.Errorf("stored %d rows, want 1", n)
	}
	if got := f.host.Status().LiveIngested; got != 1 {
		t.Errorf("LiveIngested = %d, want 1", got)
	}
}

// TestPlanningPassDefersToDreaming verifies the gate check: a held gate
// skips the pass (never blocks), a free gate records it.
func TestPlanningPassDefersToDreaming(t *testing.T) {
	f := newHost(t)
	ctx := context.Background()

	if !f.gate.TryAcquire() {
		t.Fatal("setup: TryAcquire")
	}
	f.host.RequestPlanningPass(ctx, testRoom)

	status := f.host.Status()
	if status.PlanningSkipped != 1 || status.PlanningRequested != 0 {
		t.Errorf("with gate held: requested=%d skipped=%d, want 0/1",
			status.PlanningRequested, status.PlanningSkipped)
	}

	f.gate.Release()
	f.host.RequestPlanningPass(ctx, testRoom)

	status = f.host.Status()
	if status.PlanningSkipped != 1 || status.PlanningRequested != 1 {
		t.Errorf("with gate free: requested=%d skipped=%d, want 1/1",
			status.PlanningRequested, status.PlanningSkipped)
	}
}
