package dream_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Yumeko/internal/yumeko/config"
	"github.com/bdobrica/Yumeko/internal/yumeko/dream"
	appstore "github.com/bdobrica/Yumeko/internal/yumeko/store"
)

// fixedSettings is a SettingsSource returning a constant snapshot.
type fixedSettings struct {
	s config.DreamSettings
}

func (f *fixedSettings) Dream(ctx context.Context) config.DreamSettings { return f.s }

// fakeProvider counts calls, captures the last request, and returns a canned
// dream or error.
type fakeProvider struct {
	calls   int
	lastReq dream.GenerateRequest
	content string
	err     error
}

func (p *fakeProvider) GenerateDream(ctx context.Context, req dream.GenerateRequest) (string, error) {
	p.calls++
	p.lastReq = req
	if p.err != nil {
		return "", p.err
	}
	return p.content, nil
}

// fakeSender records delivered dreams and can simulate delivery failure.
type fakeSender struct {
	calls   int
	room    string
	title   string
	content string
	err     error
}

func (s *fakeSender) SendDream(ctx context.Context, room, title, content string) error {
	s.calls++
	s.room, s.title, s.content = room, title, content
	return s.err
}

// fakeArchive serves canned history and collects dream records in memory.
type fakeArchive struct {
	messages []*appstore.Message
	dreams   []*appstore.DreamRecord
}

func (a *fakeArchive) RecentMessages(ctx context.Context, roomID string, limit int) ([]*appstore.Message, error) {
	if limit < len(a.messages) {
		return a.messages[len(a.messages)-limit:], nil
	}
	return a.messages, nil
}

func (a *fakeArchive) InsertDream(ctx context.Context, rec *appstore.DreamRecord) error {
	a.dreams = append(a.dreams, rec)
	return nil
}

// schedulerFixture bundles a scheduler with its fakes at a fixed clock
// inside the 03:00-04:00 window.
type schedulerFixture struct {
	sched    *dream.Scheduler
	ledger   *dream.Ledger
	mutex    *dream.Mutex
	provider *fakeProvider
	sender   *fakeSender
	archive  *fakeArchive
	settings *fixedSettings
	now      time.Time
}

func newFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	f := &schedulerFixture{
		ledger:   dream.NewLedger(nil, time.UTC),
		mutex:    dream.NewMutex(),
		provider: &fakeProvider{content: "I floated over a sea of unread messages. Waking, I wondered who sent them."},
		sender:   &fakeSender{},
		archive:  &fakeArchive{},
		settings: &fixedSettings{s: nightSettings(t, "03:00-04:00", 1, time.Hour)},
		now:      clock(14, 3, 10),
	}
	f.sched = dream.NewScheduler(dream.SchedulerConfig{
		Groups:   []string{testRoom},
		BotName:  "Yumeko",
		Settings: f.settings,
		Ledger:   f.ledger,
		Mutex:    f.mutex,
		Provider: f.provider,
		Archive:  f.archive,
		Sender:   f.sender,
		Now:      func() time.Time { return f.now },
	})
	return f
}

// TestTickEmitsDream verifies the full IDLE→ELIGIBLE→GENERATING→EMITTING
// pass: one dream delivered, quota counted, record logged, gate released.
func TestTickEmitsDream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sched.Tick(ctx)

	if f.provider.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", f.provider.calls)
	}
	if f.sender.calls != 1 {
		t.Fatalf("sender calls = %d, want 1", f.sender.calls)
	}
	if f.sender.room != testRoom {
		t.Errorf("dream sent to %q, want %q", f.sender.room, testRoom)
	}
	if f.sender.title != "Yumeko's dream" {
		t.Errorf("title = %q, want %q", f.sender.title, "Yumeko's dream")
	}
	if !f.mutex.IsFree() {
		t.Error("gate should be free after a completed dream")
	}

	snap, err := f.ledger.Snapshot(ctx, testRoom, f.now)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.CountToday != 1 {
		t.Errorf("CountToday = %d, want 1", snap.CountToday)
	}

	if len(f.archive.dreams) != 1 {
		t.Fatalf("dream records = %d, want 1", len(f.archive.dreams))
	}
	if f.archive.dreams[0].Forced {
		t.Error("scheduled dream should not be marked forced")
	}
	if f.archive.dreams[0].RoomID != testRoom {
		t.Errorf("dream record room = %q, want %q", f.archive.dreams[0].RoomID, testRoom)
	}
}

// TestTickRespectsQuota verifies that a second tick in the same night is a
// no-op once the daily quota is spent.
func TestTickRespectsQuota(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.sched.Tick(ctx)
	f.now = clock(14, 3, 30)
	f.sched.Tick(ctx)

	if f.sender.calls != 1 {
		t.Errorf("sender calls = %d, want 1 (quota spent)", f.sender.calls)
	}
}

// TestTickDisabled verifies that the enabled flag short-circuits the tick.
func TestTickDisabled(t *testing.T) {
	f := newFixture(t)
	f.settings.s.Enabled = false

	f.sched.Tick(context.Background())

	if f.provider.calls != 0 {
		t.Errorf("provider calls = %d, want 0 when disabled", f.provider.calls)
	}
}

// TestTickSkipsWhileGateHeld verifies that a held gate defers, not
// disqualifies: the room dreams on the next tick after release.
func TestTickSkipsWhileGateHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if !f.mutex.TryAcquire() {
		t.Fatal("setup: TryAcquire")
	}
	f.sched.Tick(ctx)
	if f.provider.calls != 0 {
		t.Fatalf("provider calls = %d, want 0 while gate held", f.provider.calls)
	}

	f.mutex.Release()
	f.sched.Tick(ctx)
	if f.provider.calls != 1 {
		t.Errorf("provider calls = %d, want 1 after gate released", f.provider.calls)
	}
}

// TestGenerationFailure verifies the failure contract: no emission, no quota
// consumed, gate released, and the room retried on a later tick.
func TestGenerationFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.provider.err = errors.New("model unavailable")

	f.sched.Tick(ctx)

	if f.sender.calls != 0 {
		t.Error("failed generation must not emit")
	}
	if !f.mutex.IsFree() {
		t.Error("gate must be released after a failed generation")
	}
	snap, err := f.ledger.Snapshot(ctx, testRoom, f.now)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.CountToday != 0 {
		t.Errorf("CountToday = %d, want 0 (failure consumes no quota)", snap.CountToday)
	}

	// Recovery: the provider comes back, the same night's quota is intact.
	f.provider.err = nil
	f.now = clock(14, 3, 20)
	f.sched.Tick(ctx)
	if f.sender.calls != 1 {
		t.Errorf("sender calls after recovery = %d, want 1", f.sender.calls)
	}
}

// TestEmitFailure verifies that a delivery failure behaves like a generation
// failure: gate released, quota untouched.
func TestEmitFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.sender.err = errors.New("send failed")

	f.sched.Tick(ctx)

	if !f.mutex.IsFree() {
		t.Error("gate must be released after a failed emission")
	}
	snap, err := f.ledger.Snapshot(ctx, testRoom, f.now)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.CountToday != 0 {
		t.Errorf("CountToday = %d, want 0 (failed emission consumes no quota)", snap.CountToday)
	}
	if len(f.archive.dreams) != 0 {
		t.Error("failed emission must not be logged as a dream")
	}
}

// TestForceDream verifies the admin test path: it ignores window, quota and
// spacing, emits, is logged as forced, and consumes no quota.
func TestForceDream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Daytime, far outside the 03:00-04:00 window.
	f.now = clock(14, 12, 0)

	if err := f.sched.ForceDream(ctx, testRoom); err != nil {
		t.Fatalf("ForceDream: %v", err)
	}

	if f.sender.calls != 1 {
		t.Fatalf("sender calls = %d, want 1", f.sender.calls)
	}
	if !f.mutex.IsFree() {
		t.Error("gate should be free after a forced dream")
	}

	snap, err := f.ledger.Snapshot(ctx, testRoom, f.now)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.CountToday != 0 {
		t.Errorf("CountToday = %d, want 0 (forced dreams are free)", snap.CountToday)
	}

	if len(f.archive.dreams) != 1 || !f.archive.dreams[0].Forced {
		t.Error("forced dream should be logged with the forced flag")
	}
}

// TestForceDreamBusy verifies ErrBusy while another dream holds the gate.
func TestForceDreamBusy(t *testing.T) {
	f := newFixture(t)

	if !f.mutex.TryAcquire() {
		t.Fatal("setup: TryAcquire")
	}
	defer f.mutex.Release()

	if err := f.sched.ForceDream(context.Background(), testRoom); !errors.Is(err, dream.ErrBusy) {
		t.Errorf("ForceDream = %v, want ErrBusy", err)
	}
}

// TestForceDreamWithoutProvider verifies the descriptive failure (and gate
// release) when no generation backend is configured.
func TestForceDreamWithoutProvider(t *testing.T) {
	f := newFixture(t)
	f.sched = dream.NewScheduler(dream.SchedulerConfig{
		Groups:   []string{testRoom},
		BotName:  "Yumeko",
		Settings: f.settings,
		Ledger:   f.ledger,
		Mutex:    f.mutex,
		Archive:  f.archive,
		Sender:   f.sender,
		Now:      func() time.Time { return f.now },
	})

	err := f.sched.ForceDream(context.Background(), testRoom)
	if err == nil {
		t.Fatal("expected error with no provider configured")
	}
	if errors.Is(err, dream.ErrBusy) {
		t.Error("missing provider should not masquerade as ErrBusy")
	}
	if !f.mutex.IsFree() {
		t.Error("gate must be released after the failed attempt")
	}
}

// TestChatContextDigest seeds history and inspects the prompt digest handed
// to the provider: oldest-first "sender: body" lines, empty bodies dropped,
// long bodies truncated, capped at the configured line count.
func TestChatContextDigest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := clock(14, 2, 0)
	for i := 0; i < 12; i++ {
		f.archive.messages = append(f.archive.messages, &appstore.Message{
			RoomID:   testRoom,
			Sender:   "@alice:example.com",
			Body:     fmt.Sprintf("message %d", i),
			OriginTS: base.Add(time.Duration(i) * time.Minute),
		})
	}
	// An empty body and an overlong one, most recent.
	f.archive.messages = append(f.archive.messages,
		&appstore.Message{RoomID: testRoom, Sender: "@bob:example.com", Body: "   ", OriginTS: base.Add(13 * time.Minute)},
		&appstore.Message{RoomID: testRoom, Sender: "@bob:example.com", Body: strings.Repeat("x", 80), OriginTS: base.Add(14 * time.Minute)},
	)

	f.sched.Tick(ctx)

	digest := f.provider.lastReq.ChatContext
	lines := strings.Split(digest, "\n")
	if len(lines) != 10 {
		t.Fatalf("digest has %d lines, want 10:\n%s", len(lines), digest)
	}
	if strings.Contains(digest, "message 0") {
		t.Error("oldest lines beyond the cap should be dropped")
	}
	last := lines[len(lines)-1]
	if !strings.HasPrefix(last, "bob: ") {
		t.Errorf("last line = %q, want bob's message last (oldest-first order)", last)
	}
	if !strings.HasSuffix(last, "…") {
		t.Errorf("last line = %q, want truncated body with ellipsis", last)
	}
	if strings.Contains(digest, "@alice:example.com") {
		t.Error("digest should use localparts, not full MXIDs")
	}
	if f.provider.lastReq.BotName != "Yumeko" {
		t.Errorf("BotName = %q, want Yumeko", f.provider.lastReq.BotName)
	}
}
