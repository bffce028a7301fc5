// Package adapters defines the only entry points through which the kernel,
// ledger, identity and event-fabric packages may observe non-determinism:
// logical time, fresh nonces, and logging. Nothing above this package may
// call time.Now, math/rand or crypto/rand directly (identity's key
// generation and signing randomness are the sanctioned exception,
// documented there) — every
// other call site goes through a Clock or Nonce supplied at boot.
package adapters

import (
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Clock supplies monotonically non-decreasing logical time.
type Clock interface {
	Now() int64
}

// Nonce supplies a fresh, unique token on every call.
type Nonce interface {
	Generate() string
}

// Logger is a side-effect-only, order-preserving sink. Fields are optional
// structured context, matching logrus's WithFields convention.
type Logger interface {
	Log(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// Set bundles the three capabilities a Kernel or Fabric must be booted with.
type Set struct {
	Clock  Clock
	Nonce  Nonce
	Logger Logger
}

// ---------------------------------------------------------------------
// Test adapters — deterministic, seeded counters. Names match the spec's
// scenario fixtures (TestClock(1000), TestNonce(0)) exactly.
// ---------------------------------------------------------------------

// TestClock is a deterministic logical clock that increments by one tick per
// call to Now, starting at the seed.
type TestClock struct {
	counter int64
}

// NewTestClock seeds a TestClock at start - 1, so the first Now() call
// returns start.
func NewTestClock(start int64) *TestClock {
	return &TestClock{counter: start - 1}
}

func (c *TestClock) Now() int64 {
	return atomic.AddInt64(&c.counter, 1)
}

// TestNonce produces sequential tokens derived from a numeric seed, useful
// for replay-protection tests that need predictable, inspectable nonces.
type TestNonce struct {
	prefix  string
	counter int64
}

// NewTestNonce seeds a TestNonce; Generate returns "<seed>-<n>" for
// increasing n, starting at 0.
func NewTestNonce(seed int64) *TestNonce {
	return &TestNonce{prefix: formatSeed(seed), counter: -1}
}

func (n *TestNonce) Generate() string {
	next := atomic.AddInt64(&n.counter, 1)
	return n.prefix + "-" + formatSeed(next)
}

// ConstantNonce always returns the same token — used to exercise the
// REPLAY_ATTACK path deterministically.
type ConstantNonce struct {
	Token string
}

func (n ConstantNonce) Generate() string { return n.Token }

func formatSeed(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits [20]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	s := string(digits[i:])
	if neg {
		return "-" + s
	}
	return s
}

// ---------------------------------------------------------------------
// Production adapters
// ---------------------------------------------------------------------

// SystemClock is a monotonically increasing logical clock driven entirely by
// call count, never by the host's wall clock — a host that wants logical
// time to track real time ticks this itself (e.g. from its own event loop)
// rather than the clock reading time.Now internally.
type SystemClock struct {
	counter int64
}

// NewSystemClock starts the clock's counter at the given initial value;
// every Now call increments it first, so the first Now returns start+1.
func NewSystemClock(start int64) *SystemClock {
	return &SystemClock{counter: start}
}

func (c *SystemClock) Now() int64 {
	return atomic.AddInt64(&c.counter, 1)
}

// UUIDNonce generates fresh nonces from github.com/google/uuid. The UUID
// generator itself draws on crypto/rand, which is sanctioned here as the
// single production entropy source for nonces (never read directly by
// kernel/ledger/eventfabric code).
type UUIDNonce struct{}

func (UUIDNonce) Generate() string {
	return uuid.New().String()
}

// LogrusLogger adapts a *logrus.Logger to the Logger interface.
type LogrusLogger struct {
	L *log.Logger
}

// NewLogrusLogger wraps l, or a freshly constructed default logger if l is
// nil.
func NewLogrusLogger(l *log.Logger) *LogrusLogger {
	if l == nil {
		l = log.New()
	}
	return &LogrusLogger{L: l}
}

func (a *LogrusLogger) Log(msg string, fields map[string]any) {
	a.L.WithFields(log.Fields(fields)).Info(msg)
}

func (a *LogrusLogger) Warn(msg string, fields map[string]any) {
	a.L.WithFields(log.Fields(fields)).Warn(msg)
}

func (a *LogrusLogger) Error(msg string, fields map[string]any) {
	a.L.WithFields(log.Fields(fields)).Error(msg)
}

// NopLogger discards everything. Useful as a default when a host does not
// care about kernel logging.
type NopLogger struct{}

func (NopLogger) Log(string, map[string]any)   {}
func (NopLogger) Warn(string, map[string]any)  {}
func (NopLogger) Error(string, map[string]any) {}

// BufferLogger records every call in order, for tests that assert on log
// content.
type BufferLogger struct {
	Entries []LogEntry
}

// LogEntry is one recorded BufferLogger call.
type LogEntry struct {
	Level  string
	Msg    string
	Fields map[string]any
}

func (b *BufferLogger) Log(msg string, fields map[string]any) {
	b.Entries = append(b.Entries, LogEntry{Level: "info", Msg: msg, Fields: fields})
}

func (b *BufferLogger) Warn(msg string, fields map[string]any) {
	b.Entries = append(b.Entries, LogEntry{Level: "warn", Msg: msg, Fields: fields})
}

func (b *BufferLogger) Error(msg string, fields map[string]any) {
	b.Entries = append(b.Entries, LogEntry{Level: "error", Msg: msg, Fields: fields})
}
