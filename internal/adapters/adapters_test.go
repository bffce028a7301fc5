package adapters

import (
	"testing"

	"github.com/srcp/kernel/internal/kernelerr"
)

func TestTestClockIsMonotonic(t *testing.T) {
	clock := NewTestClock(1000)
	first := clock.Now()
	if first != 1000 {
		t.Fatalf("first tick = %d, want 1000", first)
	}
	for i := 0; i < 10; i++ {
		prev := clock.Now()
		next := clock.Now()
		if next <= prev {
			t.Fatalf("clock regressed: %d then %d", prev, next)
		}
	}
}

func TestTestNonceSequence(t *testing.T) {
	nonce := NewTestNonce(0)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		v := nonce.Generate()
		if seen[v] {
			t.Fatalf("duplicate nonce %q at iteration %d", v, i)
		}
		seen[v] = true
	}
}

func TestConstantNonceReusesToken(t *testing.T) {
	nonce := ConstantNonce{Token: "test_nonce_123"}
	if nonce.Generate() != nonce.Generate() {
		t.Fatal("ConstantNonce must return the same token every call")
	}
}

func TestLockGuardsClockWhenEngaged(t *testing.T) {
	lock := NewLock()
	if err := lock.GuardClock(); err != nil {
		t.Fatalf("unexpected error before engage: %v", err)
	}

	lock.EngageDate()
	err := lock.GuardClock()
	if err == nil {
		t.Fatal("expected SUBSTRATE_VIOLATION after EngageDate")
	}
	if !kernelerr.Is(err, kernelerr.KindSubstrateViolation) {
		t.Fatalf("wrong error kind: %v", err)
	}

	// GuardRand must be unaffected by the date guard.
	if err := lock.GuardRand(); err != nil {
		t.Fatalf("GuardRand should be independent of date guard: %v", err)
	}

	lock.Release()
	if err := lock.GuardClock(); err != nil {
		t.Fatalf("expected guard cleared after Release, got %v", err)
	}
}

func TestLockGuardsMathWhenEngaged(t *testing.T) {
	lock := NewLock()
	lock.EngageMath()
	if err := lock.GuardRand(); err == nil {
		t.Fatal("expected SUBSTRATE_VIOLATION after EngageMath")
	}
	if err := lock.GuardClock(); err != nil {
		t.Fatalf("GuardClock should be independent of math guard: %v", err)
	}
}

func TestBufferLoggerRecordsInOrder(t *testing.T) {
	logger := &BufferLogger{}
	logger.Log("boot", nil)
	logger.Warn("slow", map[string]any{"ms": 10})
	logger.Error("fail", nil)

	if len(logger.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(logger.Entries))
	}
	wantLevels := []string{"info", "warn", "error"}
	for i, e := range logger.Entries {
		if e.Level != wantLevels[i] {
			t.Fatalf("entry %d level = %s, want %s", i, e.Level, wantLevels[i])
		}
	}
}
