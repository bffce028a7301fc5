// Package eventfabric implements the deterministic, priority-ordered,
// pattern-matched pub/sub fabric: emit, flush/dispatch, replay, query,
// export/import, seal.
//
// Grounded on the teacher's core/event_management.go EventManager (the
// Emit/List/Get shape) generalized from a single-consumer,
// ledger-state-backed log into an in-memory, priority-dispatched fabric;
// event IDs here come from the Nonce adapter, not from a hash. The queue is
// four FIFO buckets rather than a heap. The golang.org/x/time/rate-driven
// limiter is carried from the teacher's core/virtual_machine.go gas-metering
// limiter, adapted to tick-driven synthetic time instead of wall time.
package eventfabric

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/srcp/kernel/internal/adapters"
	"github.com/srcp/kernel/internal/canon"
	"github.com/srcp/kernel/internal/identity"
	"github.com/srcp/kernel/internal/kernelerr"
)

// Priority is the fabric's closed priority set, ordered CRITICAL first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

const priorityBuckets = 4

// Category is the fabric's closed event-category set.
type Category string

const (
	CategoryKernel   Category = "KERNEL"
	CategoryLedger   Category = "LEDGER"
	CategoryIdentity Category = "IDENTITY"
	CategoryEconomic Category = "ECONOMIC"
	CategoryApp      Category = "APP"
	CategorySecurity Category = "SECURITY"
)

// Event is a single routed message. Signature is nil when the fabric is not
// signing, never an empty string.
type Event struct {
	ID        string   `json:"id"`
	Category  Category `json:"category"`
	Type      string   `json:"type"`
	Payload   any      `json:"payload"`
	Timestamp int64    `json:"timestamp"`
	Priority  Priority `json:"priority"`
	IssuerDID string   `json:"issuerDID,omitempty"`
	Signature *string  `json:"signature,omitempty"`
	IsReplay  bool     `json:"isReplay"`

	enqueueSeq uint64
}

func hashEvent(e Event) string {
	return canon.Hash(canon.Fields{
		"category":  string(e.Category),
		"type":      e.Type,
		"payload":   e.Payload,
		"timestamp": e.Timestamp,
		"priority":  int(e.Priority),
	})
}

// EmitOptions customises a single Emit call.
type EmitOptions struct {
	Priority *Priority
}

// Pattern is a tagged variant matched against an Event: exact, category
// wildcard, or global. Match order (exact > category > global) is enforced
// by Flush and Replay sorting subscriptions by pattern specificity, not by
// Match itself.
type Pattern interface {
	Match(e Event) bool
	specificity() int
	String() string
}

// ExactPattern matches a single category+type pair.
type ExactPattern struct {
	Category Category
	Type     string
}

func (p ExactPattern) Match(e Event) bool { return e.Category == p.Category && e.Type == p.Type }
func (p ExactPattern) specificity() int   { return 2 }
func (p ExactPattern) String() string     { return string(p.Category) + "." + p.Type }

// CategoryPattern matches every event in a category.
type CategoryPattern struct {
	Category Category
}

func (p CategoryPattern) Match(e Event) bool { return e.Category == p.Category }
func (p CategoryPattern) specificity() int   { return 1 }
func (p CategoryPattern) String() string     { return string(p.Category) + ".*" }

// GlobalPattern matches every event.
type GlobalPattern struct{}

func (GlobalPattern) Match(Event) bool { return true }
func (GlobalPattern) specificity() int { return 0 }
func (GlobalPattern) String() string   { return "*" }

// Handler is invoked synchronously, in pattern-specificity order (exact,
// category, global) and then subscription-registration order, once per
// matching event per flush unless its rate limit suppresses it.
type Handler func(e Event)

// SubscribeOptions configures a Subscription's rate limiting.
type SubscribeOptions struct {
	// RateLimitTicks, if positive, caps invocation to once per this many
	// logical ticks; suppressed invocations are not retried. Zero or a
	// negative value means no limit.
	RateLimitTicks int64
}

type subscription struct {
	id          int
	pattern     Pattern
	handler     Handler
	limiter     *rate.Limiter
	rateTicks   int64
	lastTick    int64
	invoked     bool
}

// Fabric is the event routing and dispatch engine.
type Fabric struct {
	mu sync.Mutex

	adapters adapters.Set
	signer   *identity.Identity
	sign     bool

	state string // "stopped" | "running" | "sealed"

	buckets  [priorityBuckets][]Event
	nextSeq  uint64
	log      []Event
	subs     []*subscription
	nextSubID int

	metrics *metrics
}

// metrics pairs real prometheus.Counters (for a host's /metrics exposition)
// with plain atomic mirrors, since reading a Counter's current value back
// out for Export requires either the client_model protobuf type or
// prometheus/client_golang/prometheus/testutil — both heavier than a mirror
// kept in lockstep at every Inc/Add call site.
type metrics struct {
	registry *prometheus.Registry

	emittedTotal       prometheus.Counter
	dispatchedTotal    prometheus.Counter
	rateLimitedTotal   prometheus.Counter
	handlerErrorsTotal prometheus.Counter

	emittedCount       atomic.Uint64
	dispatchedCount    atomic.Uint64
	rateLimitedCount   atomic.Uint64
	handlerErrorsCount atomic.Uint64
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		emittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventfabric_emitted_total",
			Help: "Total events emitted.",
		}),
		dispatchedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventfabric_dispatched_total",
			Help: "Total handler invocations dispatched.",
		}),
		rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventfabric_rate_limited_total",
			Help: "Total invocations suppressed by a subscription rate limit.",
		}),
		handlerErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventfabric_handler_errors_total",
			Help: "Total handler panics/errors caught during dispatch.",
		}),
	}
	reg.MustRegister(m.emittedTotal, m.dispatchedTotal, m.rateLimitedTotal, m.handlerErrorsTotal)
	return m
}

func (m *metrics) incEmitted()       { m.emittedTotal.Inc(); m.emittedCount.Add(1) }
func (m *metrics) incDispatched()    { m.dispatchedTotal.Inc(); m.dispatchedCount.Add(1) }
func (m *metrics) incRateLimited()   { m.rateLimitedTotal.Inc(); m.rateLimitedCount.Add(1) }
func (m *metrics) incHandlerErrors() { m.handlerErrorsTotal.Inc(); m.handlerErrorsCount.Add(1) }

func (m *metrics) addEmitted(n float64)       { m.emittedTotal.Add(n); m.emittedCount.Add(uint64(n)) }
func (m *metrics) addDispatched(n float64)    { m.dispatchedTotal.Add(n); m.dispatchedCount.Add(uint64(n)) }
func (m *metrics) addRateLimited(n float64)   { m.rateLimitedTotal.Add(n); m.rateLimitedCount.Add(uint64(n)) }
func (m *metrics) addHandlerErrors(n float64) { m.handlerErrorsTotal.Add(n); m.handlerErrorsCount.Add(uint64(n)) }

// Registry exposes the fabric's private prometheus registry, so a host can
// expose it on its own /metrics mux without colliding with other fabrics.
func (f *Fabric) Registry() *prometheus.Registry { return f.metrics.registry }

// Options configures New.
type Options struct {
	Adapters adapters.Set
	// Signer, if non-nil, causes every emitted event to be signed.
	Signer *identity.Identity
}

// New constructs a running Fabric.
func New(opts Options) (*Fabric, error) {
	if opts.Adapters.Clock == nil || opts.Adapters.Nonce == nil || opts.Adapters.Logger == nil {
		return nil, kernelerr.Wrap(kernelerr.KindAdapterMissing, "clock, nonce and logger adapters are all required", nil)
	}
	return &Fabric{
		adapters: opts.Adapters,
		signer:   opts.Signer,
		sign:     opts.Signer != nil,
		state:    "running",
		metrics:  newMetrics(),
	}, nil
}

// Subscribe registers handler against pattern, returning a subscription ID
// usable with Unsubscribe. Later-registered subscriptions with identical
// pattern specificity still preserve registration order at dispatch time.
func (f *Fabric) Subscribe(pattern Pattern, handler Handler, opts SubscribeOptions) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextSubID++
	sub := &subscription{id: f.nextSubID, pattern: pattern, handler: handler, rateTicks: opts.RateLimitTicks}
	if opts.RateLimitTicks > 0 {
		sub.limiter = rate.NewLimiter(rate.Every(time.Duration(opts.RateLimitTicks)*time.Second), 1)
	}
	f.subs = append(f.subs, sub)
	return sub.id
}

// Unsubscribe removes a subscription by ID.
func (f *Fabric) Unsubscribe(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.subs {
		if s.id == id {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			return
		}
	}
}

// Emit assigns id/timestamp/priority, optionally signs, appends to the log,
// and enqueues into the priority bucket.
func (f *Fabric) Emit(category Category, typ string, payload any, opts EmitOptions) (Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == "sealed" {
		return Event{}, kernelerr.ErrSealed
	}

	priority := PriorityNormal
	if opts.Priority != nil {
		priority = *opts.Priority
	}

	e := Event{
		ID:        f.adapters.Nonce.Generate(),
		Category:  category,
		Type:      typ,
		Payload:   payload,
		Timestamp: f.adapters.Clock.Now(),
		Priority:  priority,
	}

	if f.sign {
		e.IssuerDID = f.signer.DID()
		sig, err := f.signer.Sign(hashEvent(e))
		if err != nil {
			return Event{}, err
		}
		e.Signature = &sig
	}

	e.enqueueSeq = f.nextSeq
	f.nextSeq++

	f.log = append(f.log, e)
	f.buckets[e.Priority] = append(f.buckets[e.Priority], e)
	f.metrics.incEmitted()
	return e, nil
}

// Flush drains the priority queue lowest-numeric-priority first, FIFO
// within each bucket, invoking every matching subscription (exact >
// category > global, then registration order) whose rate limit permits.
// Handlers return nothing; a handler panic is recovered, logged and counted
// in handler_errors, and never halts dispatch.
func (f *Fabric) Flush() {
	f.mu.Lock()
	drained := f.buckets
	f.buckets = [priorityBuckets][]Event{}
	subsSnapshot := make([]*subscription, len(f.subs))
	copy(subsSnapshot, f.subs)
	f.mu.Unlock()

	orderedSubs := sortBySpecificity(subsSnapshot)

	for priority := 0; priority < priorityBuckets; priority++ {
		for _, e := range drained[priority] {
			f.dispatchOne(e, orderedSubs)
		}
	}
}

func sortBySpecificity(subs []*subscription) []*subscription {
	out := make([]*subscription, len(subs))
	copy(out, subs)
	for i := 1; i < len(out); i++ {
		j := i
		for j > 0 && out[j-1].pattern.specificity() < out[j].pattern.specificity() {
			out[j-1], out[j] = out[j], out[j-1]
			j--
		}
	}
	return out
}

func (f *Fabric) dispatchOne(e Event, subs []*subscription) {
	for _, sub := range subs {
		if !sub.pattern.Match(e) {
			continue
		}
		if !f.allow(sub, e.Timestamp) {
			f.metrics.incRateLimited()
			continue
		}
		f.invoke(sub, e)
	}
}

// allow reports whether sub's rate limit permits invocation at tick. A
// synthetic time.Unix(tick, 0) drives rate.Limiter.AllowN so the decision is
// a pure function of the logical tick, never of wall time.
func (f *Fabric) allow(sub *subscription, tick int64) bool {
	if sub.limiter == nil {
		return true
	}
	if !sub.invoked {
		sub.invoked = true
		sub.lastTick = tick
		return true
	}
	if tick-sub.lastTick < sub.rateTicks {
		return false
	}
	if !sub.limiter.AllowN(time.Unix(tick, 0), 1) {
		return false
	}
	sub.lastTick = tick
	return true
}

func (f *Fabric) invoke(sub *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			f.metrics.incHandlerErrors()
			f.adapters.Logger.Error("event handler panicked", map[string]any{"pattern": sub.pattern.String(), "panic": fmt.Sprint(r)})
		}
	}()
	sub.handler(e)
	f.metrics.incDispatched()
}

// Replay re-dispatches every logged event to current subscribers with
// IsReplay set, without touching the queue or re-emitting. Per the fabric's
// replay rule there is no enqueue path here at all.
func (f *Fabric) Replay() {
	f.mu.Lock()
	logSnapshot := make([]Event, len(f.log))
	copy(logSnapshot, f.log)
	subsSnapshot := make([]*subscription, len(f.subs))
	copy(subsSnapshot, f.subs)
	f.mu.Unlock()

	orderedSubs := sortBySpecificity(subsSnapshot)
	for _, e := range logSnapshot {
		replayEvent := e
		replayEvent.IsReplay = true
		f.dispatchOne(replayEvent, orderedSubs)
	}
}

// Query filters the event log by category/type/time range, inclusive on
// both ends.
type Query struct {
	Category  *Category
	Type      *string
	StartTime *int64
	EndTime   *int64
}

// Query returns every logged event matching q.
func (f *Fabric) Query(q Query) []Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []Event
	for _, e := range f.log {
		if q.Category != nil && e.Category != *q.Category {
			continue
		}
		if q.Type != nil && e.Type != *q.Type {
			continue
		}
		if q.StartTime != nil && e.Timestamp < *q.StartTime {
			continue
		}
		if q.EndTime != nil && e.Timestamp > *q.EndTime {
			continue
		}
		out = append(out, e)
	}
	return out
}

// ExportBlob is a portable snapshot of the fabric's log and metric counts.
// Subscriptions are never exported — import attaches a fresh log to
// whatever subscriptions the importing fabric already has.
type ExportBlob struct {
	Version string          `json:"version"`
	Events  []Event         `json:"events"`
	Metrics MetricsSnapshot `json:"metrics"`
}

// MetricsSnapshot is a point-in-time read of the fabric's counters.
type MetricsSnapshot struct {
	EmittedTotal       float64 `json:"emittedTotal"`
	DispatchedTotal    float64 `json:"dispatchedTotal"`
	RateLimitedTotal   float64 `json:"rateLimitedTotal"`
	HandlerErrorsTotal float64 `json:"handlerErrorsTotal"`
}

const exportVersion = "1.0.0"

// Export produces a portable ExportBlob of the log and current metrics.
func (f *Fabric) Export() ExportBlob {
	f.mu.Lock()
	defer f.mu.Unlock()

	events := make([]Event, len(f.log))
	copy(events, f.log)
	return ExportBlob{
		Version: exportVersion,
		Events:  events,
		Metrics: MetricsSnapshot{
			EmittedTotal:       float64(f.metrics.emittedCount.Load()),
			DispatchedTotal:    float64(f.metrics.dispatchedCount.Load()),
			RateLimitedTotal:   float64(f.metrics.rateLimitedCount.Load()),
			HandlerErrorsTotal: float64(f.metrics.handlerErrorsCount.Load()),
		},
	}
}

// Import replaces the event log and metric counters from blob. Current
// subscriptions are left untouched.
func (f *Fabric) Import(blob ExportBlob) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.log = make([]Event, len(blob.Events))
	copy(f.log, blob.Events)
	var maxSeq uint64
	for i := range f.log {
		f.log[i].enqueueSeq = uint64(i)
		if uint64(i) > maxSeq {
			maxSeq = uint64(i)
		}
	}
	f.nextSeq = maxSeq + 1

	f.metrics = newMetrics()
	f.metrics.addEmitted(blob.Metrics.EmittedTotal)
	f.metrics.addDispatched(blob.Metrics.DispatchedTotal)
	f.metrics.addRateLimited(blob.Metrics.RateLimitedTotal)
	f.metrics.addHandlerErrors(blob.Metrics.HandlerErrorsTotal)
}

// Seal prevents further Emit calls. Dispatch of already-enqueued events,
// Flush, and Replay remain allowed.
func (f *Fabric) Seal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = "sealed"
}

// Sealed reports whether the fabric has been sealed.
func (f *Fabric) Sealed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == "sealed"
}
