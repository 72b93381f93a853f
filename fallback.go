package offlinekit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// OnlineState is the connectivity state of a fallback chain.
type OnlineState string

const (
	// StateOnline means the primary tier is attempted first.
	StateOnline OnlineState = "online"

	// StateOffline means calls cascade straight to the offline tiers.
	StateOffline OnlineState = "offline"
)

// FallbackOutcome identifies which tier served a tool call.
type FallbackOutcome string

const (
	// OutcomePrimary means the live primary callable served the call.
	OutcomePrimary FallbackOutcome = "primary"

	// OutcomeCached means an unexpired cache entry served the call.
	OutcomeCached FallbackOutcome = "cached"

	// OutcomeLocal means the local offline alternative served the call.
	OutcomeLocal FallbackOutcome = "local"

	// OutcomeQueued means the call was queued for later replay.
	OutcomeQueued FallbackOutcome = "queued"

	// OutcomeFailed means every enabled tier was exhausted.
	OutcomeFailed FallbackOutcome = "failed"
)

// ToolFunc is a caller-supplied implementation of a tool. It must return a
// value or an error; the chain never interprets the value.
type ToolFunc func(ctx context.Context, args CallArgs) (any, error)

// FallbackStrategy is the per-tool fallback configuration. It is immutable
// after registration.
type FallbackStrategy struct {
	// Tool is the identifier this strategy applies to.
	Tool string `json:"tool" yaml:"tool"`

	// EnableCache enables the cached-response tier.
	EnableCache bool `json:"enable_cache" yaml:"enableCache"`

	// EnableLocal enables the local-alternative tier.
	EnableLocal bool `json:"enable_local" yaml:"enableLocal"`

	// EnableQueue enables queueing when all other tiers fail.
	EnableQueue bool `json:"enable_queue" yaml:"enableQueue"`

	// CacheTTL is how long a cached response remains valid.
	CacheTTL time.Duration `json:"cache_ttl" yaml:"cacheTTL"`

	// MaxQueueSize bounds the replay queue; the oldest call is evicted
	// on overflow.
	MaxQueueSize int `json:"max_queue_size" yaml:"maxQueueSize"`

	// BreakerThreshold is the number of consecutive primary failures that
	// opens the circuit breaker. Zero disables the breaker.
	BreakerThreshold int `json:"breaker_threshold,omitempty" yaml:"breakerThreshold,omitempty"`

	// BreakerResetTimeout is how long an open breaker rejects primary
	// calls before allowing a probe.
	BreakerResetTimeout time.Duration `json:"breaker_reset_timeout,omitempty" yaml:"breakerResetTimeout,omitempty"`
}

// DefaultFallbackStrategy returns a strategy with caching and queueing
// enabled, a one-hour cache TTL, and a queue capacity of 100 calls.
func DefaultFallbackStrategy(tool string) FallbackStrategy {
	return FallbackStrategy{
		Tool:         tool,
		EnableCache:  true,
		EnableLocal:  false,
		EnableQueue:  true,
		CacheTTL:     time.Hour,
		MaxQueueSize: 100,
	}
}

func (s FallbackStrategy) validate() error {
	if s.Tool == "" {
		return fmt.Errorf("%w: tool id is required", ErrInvalidStrategy)
	}
	if s.EnableCache && s.CacheTTL <= 0 {
		return fmt.Errorf("%w: cache enabled with non-positive TTL", ErrInvalidStrategy)
	}
	if s.EnableQueue && s.MaxQueueSize <= 0 {
		return fmt.Errorf("%w: queue enabled with non-positive capacity", ErrInvalidStrategy)
	}
	return nil
}

// QueuedCall is a deferred tool call waiting to be replayed.
type QueuedCall struct {
	Tool     string    `json:"tool"`
	Args     CallArgs  `json:"args"`
	QueuedAt time.Time `json:"queued_at"`
}

// FallbackResult is the outcome of one pass through the fallback chain.
// It is immutable once produced.
type FallbackResult struct {
	// Outcome identifies the tier that served the call.
	Outcome FallbackOutcome `json:"outcome"`

	// Tool is the tool that was invoked.
	Tool string `json:"tool"`

	// Value is the produced value. Nil for queued and failed outcomes.
	Value any `json:"value,omitempty"`

	// ServedAt is when the result was produced.
	ServedAt time.Time `json:"served_at"`

	// CacheAge is the cached entry's age when Outcome is OutcomeCached.
	CacheAge time.Duration `json:"cache_age,omitempty"`

	// Error carries a diagnostic message when Outcome is OutcomeFailed.
	Error string `json:"error,omitempty"`
}

// ToolCallStats counts call outcomes for one tool.
type ToolCallStats struct {
	Primary int `json:"primary"`
	Cached  int `json:"cached"`
	Local   int `json:"local"`
	Queued  int `json:"queued"`
	Failed  int `json:"failed"`
}

// StateListener is notified on every SetState call, including same-state
// transitions.
type StateListener func(previous, current OnlineState)

// FallbackChain executes named tool calls through the best available tier
// for the current connectivity state. Each chain instance owns its own
// state, so independent chains can coexist in one process.
//
// It is safe for concurrent use. No internal lock is held across a call
// into a caller-supplied ToolFunc.
type FallbackChain struct {
	mu        sync.Mutex
	state     OnlineState
	tools     map[string]*toolEntry
	listeners []StateListener
}

type toolEntry struct {
	strategy FallbackStrategy
	primary  ToolFunc
	local    ToolFunc
	cache    *responseCache
	queue    *callQueue
	breaker  *CircuitBreaker
	stats    ToolCallStats
}

// NewFallbackChain creates a fallback chain starting in the online state.
func NewFallbackChain() *FallbackChain {
	return &FallbackChain{
		state: StateOnline,
		tools: make(map[string]*toolEntry),
	}
}

// Register binds a tool to its strategy and implementations. The local
// alternative may be nil. Registering the same tool id twice fails with
// ErrDuplicateTool.
func (c *FallbackChain) Register(strategy FallbackStrategy, primary, local ToolFunc) error {
	if err := strategy.validate(); err != nil {
		return err
	}
	if primary == nil {
		return fmt.Errorf("%w: primary callable is required", ErrInvalidStrategy)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.tools[strategy.Tool]; ok {
		return fmt.Errorf("register %q: %w", strategy.Tool, ErrDuplicateTool)
	}

	entry := &toolEntry{
		strategy: strategy,
		primary:  primary,
		local:    local,
		cache:    newResponseCache(strategy.CacheTTL),
		queue:    newCallQueue(strategy.MaxQueueSize),
	}
	if strategy.BreakerThreshold > 0 {
		entry.breaker = NewCircuitBreaker(strategy.BreakerThreshold, strategy.BreakerResetTimeout)
	}
	c.tools[strategy.Tool] = entry
	return nil
}

// SetState transitions the chain's connectivity state. Setting the current
// state again is a no-op for counters but still notifies listeners.
func (c *FallbackChain) SetState(state OnlineState) {
	c.mu.Lock()
	previous := c.state
	c.state = state
	listeners := make([]StateListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(previous, state)
	}
}

// OnStateChange registers a listener invoked on every SetState call.
func (c *FallbackChain) OnStateChange(fn StateListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State returns the current connectivity state.
func (c *FallbackChain) State() OnlineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsOnline reports whether the chain is in the online state.
func (c *FallbackChain) IsOnline() bool {
	return c.State() == StateOnline
}

// Call executes a tool call, cascading through fallback tiers as needed.
// Tier failures are never surfaced; they only drive the cascade. The
// returned error is non-nil only for structural misuse (unknown tool).
func (c *FallbackChain) Call(ctx context.Context, tool string, args CallArgs) (FallbackResult, error) {
	c.mu.Lock()
	entry, ok := c.tools[tool]
	if !ok {
		c.mu.Unlock()
		return FallbackResult{}, fmt.Errorf("call %q: %w", tool, ErrUnknownTool)
	}
	strategy := entry.strategy
	primary := entry.primary
	local := entry.local
	breaker := entry.breaker
	online := c.state == StateOnline
	c.mu.Unlock()

	key := args.Fingerprint()

	if online {
		value, err := c.tryPrimary(ctx, breaker, primary, args)
		if err == nil {
			c.mu.Lock()
			if strategy.EnableCache {
				entry.cache.put(key, value)
			}
			entry.stats.Primary++
			c.mu.Unlock()
			return FallbackResult{
				Outcome:  OutcomePrimary,
				Tool:     tool,
				Value:    value,
				ServedAt: time.Now().UTC(),
			}, nil
		}
	}

	// Offline or primary failed — cascade.
	if strategy.EnableCache {
		c.mu.Lock()
		value, age, hit := entry.cache.get(key)
		if hit {
			entry.stats.Cached++
		}
		c.mu.Unlock()
		if hit {
			return FallbackResult{
				Outcome:  OutcomeCached,
				Tool:     tool,
				Value:    value,
				ServedAt: time.Now().UTC(),
				CacheAge: age,
			}, nil
		}
	}

	if strategy.EnableLocal && local != nil {
		if value, err := local(ctx, args); err == nil {
			c.mu.Lock()
			entry.stats.Local++
			c.mu.Unlock()
			return FallbackResult{
				Outcome:  OutcomeLocal,
				Tool:     tool,
				Value:    value,
				ServedAt: time.Now().UTC(),
			}, nil
		}
	}

	if strategy.EnableQueue {
		c.mu.Lock()
		entry.queue.push(QueuedCall{Tool: tool, Args: args, QueuedAt: time.Now().UTC()})
		entry.stats.Queued++
		c.mu.Unlock()
		return FallbackResult{
			Outcome:  OutcomeQueued,
			Tool:     tool,
			ServedAt: time.Now().UTC(),
		}, nil
	}

	c.mu.Lock()
	entry.stats.Failed++
	c.mu.Unlock()
	return FallbackResult{
		Outcome:  OutcomeFailed,
		Tool:     tool,
		ServedAt: time.Now().UTC(),
		Error:    fmt.Sprintf("all fallback tiers exhausted for tool %q", tool),
	}, nil
}

// tryPrimary invokes the primary callable, routing through the breaker when
// one is configured. An open breaker counts as a primary failure.
func (c *FallbackChain) tryPrimary(ctx context.Context, breaker *CircuitBreaker, primary ToolFunc, args CallArgs) (any, error) {
	if breaker == nil {
		return primary(ctx, args)
	}
	var value any
	err := breaker.Execute(func() error {
		var callErr error
		value, callErr = primary(ctx, args)
		return callErr
	})
	return value, err
}

// FlushQueue replays every call queued for the tool at flush start, in FIFO
// order. Calls that fail and re-queue during the flush are left for a later
// flush, so a single flush never loops.
func (c *FallbackChain) FlushQueue(ctx context.Context, tool string) ([]FallbackResult, error) {
	c.mu.Lock()
	entry, ok := c.tools[tool]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("flush %q: %w", tool, ErrUnknownTool)
	}
	drained := entry.queue.drainAll()
	c.mu.Unlock()

	results := make([]FallbackResult, 0, len(drained))
	for _, queued := range drained {
		res, err := c.Call(ctx, tool, queued.Args)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// QueueSize returns the number of queued calls for the tool, or zero when
// the tool is unknown.
func (c *FallbackChain) QueueSize(tool string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.tools[tool]
	if !ok {
		return 0
	}
	return entry.queue.len()
}

// CallStats returns outcome counters for the tool. Unknown tools report
// zero counts.
func (c *FallbackChain) CallStats(tool string) ToolCallStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.tools[tool]
	if !ok {
		return ToolCallStats{}
	}
	return entry.stats
}

// --- responseCache: per-tool TTL response cache ---

type cachedResponse struct {
	value    any
	storedAt time.Time
	ttl      time.Duration
	hits     int64
}

func (e *cachedResponse) expired(now time.Time) bool {
	return now.Sub(e.storedAt) > e.ttl
}

func (e *cachedResponse) age(now time.Time) time.Duration {
	return now.Sub(e.storedAt)
}

// responseCache stores tool responses keyed by argument fingerprint. The
// caller is responsible for locking.
type responseCache struct {
	ttl     time.Duration
	entries map[string]*cachedResponse
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{
		ttl:     ttl,
		entries: make(map[string]*cachedResponse),
	}
}

func (rc *responseCache) put(key string, value any) {
	rc.entries[key] = &cachedResponse{
		value:    value,
		storedAt: time.Now().UTC(),
		ttl:      rc.ttl,
	}
}

// get returns the cached value and its age. Expired entries are evicted on
// lookup and reported as misses.
func (rc *responseCache) get(key string) (any, time.Duration, bool) {
	entry, ok := rc.entries[key]
	if !ok {
		return nil, 0, false
	}
	now := time.Now().UTC()
	if entry.expired(now) {
		delete(rc.entries, key)
		return nil, 0, false
	}
	entry.hits++
	return entry.value, entry.age(now), true
}

func (rc *responseCache) len() int {
	return len(rc.entries)
}

// --- callQueue: bounded FIFO queue of deferred calls ---

// callQueue retains queued calls in insertion order. When full, pushing
// evicts the oldest call. The caller is responsible for locking.
type callQueue struct {
	items []QueuedCall
	max   int
}

func newCallQueue(max int) *callQueue {
	return &callQueue{max: max}
}

func (q *callQueue) push(call QueuedCall) {
	if q.max > 0 && len(q.items) >= q.max {
		q.items = q.items[1:]
	}
	q.items = append(q.items, call)
}

func (q *callQueue) drainAll() []QueuedCall {
	drained := q.items
	q.items = nil
	return drained
}

func (q *callQueue) snapshot() []QueuedCall {
	items := make([]QueuedCall, len(q.items))
	copy(items, q.items)
	return items
}

func (q *callQueue) len() int {
	return len(q.items)
}
