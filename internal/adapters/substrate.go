package adapters

import (
	"sync/atomic"

	"github.com/srcp/kernel/internal/kernelerr"
)

// Lock enforces the substrate-violation discipline: while engaged, any call
// through GuardClock/GuardRand fails closed instead of touching the host's
// ambient wall clock or RNG. The kernel's boot options (LockDate / LockMath)
// decide whether to engage it; core code never checks the
// flag itself, it only ever calls through the guards below.
type Lock struct {
	dateLocked int32
	mathLocked int32
}

// NewLock returns a Lock with both guards disengaged.
func NewLock() *Lock { return &Lock{} }

// EngageDate forbids ambient wall-clock reads through GuardClock.
func (l *Lock) EngageDate() { atomic.StoreInt32(&l.dateLocked, 1) }

// EngageMath forbids ambient RNG reads through GuardRand.
func (l *Lock) EngageMath() { atomic.StoreInt32(&l.mathLocked, 1) }

// Release restores both guards to their disengaged state. Hosts must call
// this on shutdown so a later process-lifetime reuse of the same Lock value
// does not inherit a stale engagement.
func (l *Lock) Release() {
	atomic.StoreInt32(&l.dateLocked, 0)
	atomic.StoreInt32(&l.mathLocked, 0)
}

// GuardClock returns a SUBSTRATE_VIOLATION error when the date guard is
// engaged. Any bridge between core code and a host's ambient wall clock must
// call this first.
func (l *Lock) GuardClock() error {
	if atomic.LoadInt32(&l.dateLocked) == 1 {
		return kernelerr.Wrap(kernelerr.KindSubstrateViolation, "ambient wall-clock access", nil)
	}
	return nil
}

// GuardRand returns a SUBSTRATE_VIOLATION error when the math guard is
// engaged. Any bridge between core code and a host's ambient RNG must call
// this first.
func (l *Lock) GuardRand() error {
	if atomic.LoadInt32(&l.mathLocked) == 1 {
		return kernelerr.Wrap(kernelerr.KindSubstrateViolation, "ambient RNG access", nil)
	}
	return nil
}

// DateLocked reports whether the date guard is currently engaged.
func (l *Lock) DateLocked() bool { return atomic.LoadInt32(&l.dateLocked) == 1 }

// MathLocked reports whether the math guard is currently engaged.
func (l *Lock) MathLocked() bool { return atomic.LoadInt32(&l.mathLocked) == 1 }
