package eventfabric

import (
	"testing"

	"github.com/srcp/kernel/internal/adapters"
	"github.com/srcp/kernel/internal/identity"
	"github.com/srcp/kernel/internal/kernelerr"
)

func newTestFabric(t *testing.T) *Fabric {
	t.Helper()
	f, err := New(Options{Adapters: adapters.Set{
		Clock:  adapters.NewTestClock(1),
		Nonce:  adapters.NewTestNonce(0),
		Logger: adapters.NopLogger{},
	}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return f
}

// Priority dispatch: enqueue LOW, CRITICAL, NORMAL, HIGH; flush must deliver
// them to a global subscriber as CRITICAL, HIGH, NORMAL, LOW.
func TestFlushDispatchesByPriority(t *testing.T) {
	f := newTestFabric(t)
	var seen []Priority
	f.Subscribe(GlobalPattern{}, func(e Event) { seen = append(seen, e.Priority) }, SubscribeOptions{})

	low, crit, normal, high := PriorityLow, PriorityCritical, PriorityNormal, PriorityHigh
	if _, err := f.Emit(CategoryApp, "a", nil, EmitOptions{Priority: &low}); err != nil {
		t.Fatalf("emit low: %v", err)
	}
	if _, err := f.Emit(CategoryApp, "b", nil, EmitOptions{Priority: &crit}); err != nil {
		t.Fatalf("emit crit: %v", err)
	}
	if _, err := f.Emit(CategoryApp, "c", nil, EmitOptions{Priority: &normal}); err != nil {
		t.Fatalf("emit normal: %v", err)
	}
	if _, err := f.Emit(CategoryApp, "d", nil, EmitOptions{Priority: &high}); err != nil {
		t.Fatalf("emit high: %v", err)
	}

	f.Flush()

	want := []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
	if len(seen) != len(want) {
		t.Fatalf("dispatched %d events, want %d", len(seen), len(want))
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("dispatch order[%d] = %v, want %v (full: %v)", i, seen[i], want[i], seen)
		}
	}
}

func TestSubscriptionMatchPreferenceOrder(t *testing.T) {
	f := newTestFabric(t)
	var order []string
	f.Subscribe(GlobalPattern{}, func(Event) { order = append(order, "global") }, SubscribeOptions{})
	f.Subscribe(CategoryPattern{Category: CategoryApp}, func(Event) { order = append(order, "category") }, SubscribeOptions{})
	f.Subscribe(ExactPattern{Category: CategoryApp, Type: "ping"}, func(Event) { order = append(order, "exact") }, SubscribeOptions{})

	if _, err := f.Emit(CategoryApp, "ping", nil, EmitOptions{}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	f.Flush()

	want := []string{"exact", "category", "global"}
	if len(order) != len(want) {
		t.Fatalf("invocations = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order[%d] = %s, want %s (full: %v)", i, order[i], want[i], order)
		}
	}
}

// Rate limiting: one event per tick for n ticks with rate_limit_ticks=k
// yields ceil(n/k) invocations.
func TestRateLimitingCapsInvocations(t *testing.T) {
	f := newTestFabric(t)
	var invocations int
	f.Subscribe(GlobalPattern{}, func(Event) { invocations++ }, SubscribeOptions{RateLimitTicks: 3})

	const n = 10
	for i := 0; i < n; i++ {
		if _, err := f.Emit(CategoryApp, "tick", i, EmitOptions{}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
		f.Flush()
	}

	want := ceilDiv(n, 3)
	if invocations != want {
		t.Fatalf("invocations = %d, want %d", invocations, want)
	}
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func TestEmitFailsAfterSeal(t *testing.T) {
	f := newTestFabric(t)
	f.Seal()

	_, err := f.Emit(CategoryApp, "x", nil, EmitOptions{})
	if err == nil {
		t.Fatal("expected SEALED error after seal")
	}
	if !kernelerr.Is(err, kernelerr.KindSealed) {
		t.Fatalf("err kind = %v, want SEALED", err)
	}
}

func TestFlushAndReplayRemainAllowedAfterSeal(t *testing.T) {
	f := newTestFabric(t)
	var count int
	f.Subscribe(GlobalPattern{}, func(Event) { count++ }, SubscribeOptions{})

	if _, err := f.Emit(CategoryApp, "before-seal", nil, EmitOptions{}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	f.Seal()
	f.Flush()
	if count != 1 {
		t.Fatalf("flush after seal: count = %d, want 1", count)
	}

	f.Replay()
	if count != 2 {
		t.Fatalf("replay after seal: count = %d, want 2", count)
	}
}

func TestReplayMarksEventsAsReplayWithoutReenqueue(t *testing.T) {
	f := newTestFabric(t)
	var replayed []bool
	f.Subscribe(GlobalPattern{}, func(e Event) { replayed = append(replayed, e.IsReplay) }, SubscribeOptions{})

	if _, err := f.Emit(CategoryApp, "x", nil, EmitOptions{}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	f.Flush()
	f.Replay()

	if len(replayed) != 2 {
		t.Fatalf("got %d invocations, want 2", len(replayed))
	}
	if replayed[0] != false || replayed[1] != true {
		t.Fatalf("replay flags = %v, want [false true]", replayed)
	}

	// Replay must not enqueue: a subsequent flush with no new emits invokes
	// nothing further.
	before := len(replayed)
	f.Flush()
	if len(replayed) != before {
		t.Fatal("flush after replay must not re-dispatch anything")
	}
}

func TestHandlerPanicIsIsolated(t *testing.T) {
	f := newTestFabric(t)
	var secondRan bool
	f.Subscribe(GlobalPattern{}, func(Event) { panic("boom") }, SubscribeOptions{})
	f.Subscribe(GlobalPattern{}, func(Event) { secondRan = true }, SubscribeOptions{})

	if _, err := f.Emit(CategoryApp, "x", nil, EmitOptions{}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	f.Flush()

	if !secondRan {
		t.Fatal("a panicking handler must not prevent later handlers from running")
	}
}

func TestQueryFiltersByCategoryAndTimeRange(t *testing.T) {
	f := newTestFabric(t)
	for i := 0; i < 5; i++ {
		if _, err := f.Emit(CategoryApp, "tick", i, EmitOptions{}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
	if _, err := f.Emit(CategoryLedger, "append", nil, EmitOptions{}); err != nil {
		t.Fatalf("emit ledger event: %v", err)
	}

	app := CategoryApp
	results := f.Query(Query{Category: &app})
	if len(results) != 5 {
		t.Fatalf("category filter: got %d, want 5", len(results))
	}

	start := int64(2)
	end := int64(4)
	ranged := f.Query(Query{Category: &app, StartTime: &start, EndTime: &end})
	if len(ranged) != 3 {
		t.Fatalf("time range filter: got %d, want 3", len(ranged))
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	f := newTestFabric(t)
	for i := 0; i < 3; i++ {
		if _, err := f.Emit(CategoryApp, "x", i, EmitOptions{}); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
	}
	f.Flush()
	blob := f.Export()
	if blob.Metrics.EmittedTotal != 3 {
		t.Fatalf("emitted total = %v, want 3", blob.Metrics.EmittedTotal)
	}

	f2 := newTestFabric(t)
	f2.Import(blob)
	if len(f2.Query(Query{})) != 3 {
		t.Fatalf("imported log length = %d, want 3", len(f2.Query(Query{})))
	}
	if f2.Export().Metrics.EmittedTotal != 3 {
		t.Fatal("imported metrics must carry over")
	}
}

func TestSignedEventsVerifyUnderIssuerPublicKey(t *testing.T) {
	id, err := identity.Create("fabric-signer")
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	f, err := New(Options{
		Adapters: adapters.Set{Clock: adapters.NewTestClock(1), Nonce: adapters.NewTestNonce(0), Logger: adapters.NopLogger{}},
		Signer:   id,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	e, err := f.Emit(CategoryApp, "signed", "payload", EmitOptions{})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if e.Signature == nil {
		t.Fatal("expected a signature when a signer is configured")
	}
	if !identity.Verify(id.PublicKey(), hashEvent(e), *e.Signature) {
		t.Fatal("event signature must verify under the issuer's public key")
	}
}
