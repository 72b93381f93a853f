package offlinekit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func succeedingTool(value any) ToolFunc {
	return func(ctx context.Context, args CallArgs) (any, error) {
		return value, nil
	}
}

func failingTool(msg string) ToolFunc {
	return func(ctx context.Context, args CallArgs) (any, error) {
		return nil, errors.New(msg)
	}
}

func TestFallbackChain_Register(t *testing.T) {
	chain := NewFallbackChain()

	if err := chain.Register(DefaultFallbackStrategy("weather"), succeedingTool("sunny"), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	t.Run("Duplicate", func(t *testing.T) {
		err := chain.Register(DefaultFallbackStrategy("weather"), succeedingTool("sunny"), nil)
		if !errors.Is(err, ErrDuplicateTool) {
			t.Errorf("expected ErrDuplicateTool, got %v", err)
		}
	})

	t.Run("MissingPrimary", func(t *testing.T) {
		err := chain.Register(DefaultFallbackStrategy("other"), nil, nil)
		if !errors.Is(err, ErrInvalidStrategy) {
			t.Errorf("expected ErrInvalidStrategy, got %v", err)
		}
	})

	t.Run("MissingTool", func(t *testing.T) {
		err := chain.Register(FallbackStrategy{}, succeedingTool("x"), nil)
		if !errors.Is(err, ErrInvalidStrategy) {
			t.Errorf("expected ErrInvalidStrategy, got %v", err)
		}
	})
}

func TestFallbackChain_UnknownTool(t *testing.T) {
	chain := NewFallbackChain()

	_, err := chain.Call(context.Background(), "nope", Args())
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("Call: expected ErrUnknownTool, got %v", err)
	}

	_, err = chain.FlushQueue(context.Background(), "nope")
	if !errors.Is(err, ErrUnknownTool) {
		t.Errorf("FlushQueue: expected ErrUnknownTool, got %v", err)
	}
}

func TestFallbackChain_PrimaryOnline(t *testing.T) {
	chain := NewFallbackChain()
	if err := chain.Register(DefaultFallbackStrategy("weather"), succeedingTool("sunny"), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := chain.Call(context.Background(), "weather", Args("London"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Outcome != OutcomePrimary {
		t.Errorf("expected primary outcome, got %s", res.Outcome)
	}
	if res.Value != "sunny" {
		t.Errorf("expected value 'sunny', got %v", res.Value)
	}
}

func TestFallbackChain_CachePopulation(t *testing.T) {
	chain := NewFallbackChain()
	if err := chain.Register(DefaultFallbackStrategy("weather"), succeedingTool("sunny"), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Online call populates the cache.
	if _, err := chain.Call(context.Background(), "weather", Args("London")); err != nil {
		t.Fatalf("online Call: %v", err)
	}

	chain.SetState(StateOffline)

	res, err := chain.Call(context.Background(), "weather", Args("London"))
	if err != nil {
		t.Fatalf("offline Call: %v", err)
	}
	if res.Outcome != OutcomeCached {
		t.Errorf("expected cached outcome, got %s", res.Outcome)
	}
	if res.Value != "sunny" {
		t.Errorf("expected cached value 'sunny', got %v", res.Value)
	}
	if res.CacheAge < 0 {
		t.Errorf("expected non-negative cache age, got %v", res.CacheAge)
	}
}

func TestFallbackChain_CacheIsolationByArguments(t *testing.T) {
	chain := NewFallbackChain()
	strategy := DefaultFallbackStrategy("weather")
	strategy.EnableQueue = false
	if err := chain.Register(strategy, succeedingTool("sunny"), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := chain.Call(context.Background(), "weather", Args("London")); err != nil {
		t.Fatalf("Call: %v", err)
	}
	chain.SetState(StateOffline)

	// Different arguments must not share the cache entry.
	res, err := chain.Call(context.Background(), "weather", Args("Paris"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("expected failed outcome for uncached args, got %s", res.Outcome)
	}
}

func TestFallbackChain_CacheExpiry(t *testing.T) {
	chain := NewFallbackChain()
	strategy := DefaultFallbackStrategy("weather")
	strategy.CacheTTL = time.Millisecond
	strategy.EnableQueue = false
	if err := chain.Register(strategy, succeedingTool("sunny"), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := chain.Call(context.Background(), "weather", Args("London")); err != nil {
		t.Fatalf("Call: %v", err)
	}
	chain.SetState(StateOffline)

	time.Sleep(5 * time.Millisecond)

	res, err := chain.Call(context.Background(), "weather", Args("London"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("expected failed outcome after expiry, got %s", res.Outcome)
	}
}

func TestFallbackChain_CascadeOrdering(t *testing.T) {
	var tiers []string

	chain := NewFallbackChain()
	strategy := DefaultFallbackStrategy("api")
	strategy.EnableLocal = true
	primary := func(ctx context.Context, args CallArgs) (any, error) {
		tiers = append(tiers, "primary")
		return nil, errors.New("down")
	}
	local := func(ctx context.Context, args CallArgs) (any, error) {
		tiers = append(tiers, "local")
		return nil, errors.New("also down")
	}
	if err := chain.Register(strategy, primary, local); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := chain.Call(context.Background(), "api", Args("x"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Outcome != OutcomeQueued {
		t.Errorf("expected queued outcome, got %s", res.Outcome)
	}

	// Cache tier runs between primary and local; it produces no callable
	// invocation, so only primary and local appear here, in order.
	if len(tiers) != 2 || tiers[0] != "primary" || tiers[1] != "local" {
		t.Errorf("expected tier order [primary local], got %v", tiers)
	}
}

func TestFallbackChain_LocalFallback(t *testing.T) {
	chain := NewFallbackChain()
	strategy := DefaultFallbackStrategy("weather")
	strategy.EnableLocal = true
	if err := chain.Register(strategy, failingTool("down"), succeedingTool("stub")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	chain.SetState(StateOffline)

	res, err := chain.Call(context.Background(), "weather", Args("Oslo"))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if res.Outcome != OutcomeLocal {
		t.Errorf("expected local outcome, got %s", res.Outcome)
	}
	if res.Value != "stub" {
		t.Errorf("expected value 'stub', got %v", res.Value)
	}
}

func TestFallbackChain_PrimaryErrorNotPropagated(t *testing.T) {
	chain := NewFallbackChain()
	strategy := DefaultFallbackStrategy("api")
	strategy.EnableCache = false
	strategy.EnableQueue = false
	if err := chain.Register(strategy, failingTool("boom"), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := chain.Call(context.Background(), "api", Args())
	if err != nil {
		t.Fatalf("Call must not propagate tier failures, got %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Errorf("expected failed outcome, got %s", res.Outcome)
	}
	if res.Error == "" {
		t.Errorf("expected a diagnostic error message")
	}
}

func TestFallbackChain_QueueFIFO(t *testing.T) {
	var replayed []string

	chain := NewFallbackChain()
	strategy := DefaultFallbackStrategy("sender")
	strategy.EnableCache = false
	primary := func(ctx context.Context, args CallArgs) (any, error) {
		replayed = append(replayed, args.Positional[0].(string))
		return "sent", nil
	}
	if err := chain.Register(strategy, primary, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	chain.SetState(StateOffline)
	for _, msg := range []string{"A", "B", "C"} {
		res, err := chain.Call(context.Background(), "sender", Args(msg))
		if err != nil {
			t.Fatalf("Call(%s): %v", msg, err)
		}
		if res.Outcome != OutcomeQueued {
			t.Fatalf("expected queued outcome for %s, got %s", msg, res.Outcome)
		}
	}
	if size := chain.QueueSize("sender"); size != 3 {
		t.Fatalf("expected queue size 3, got %d", size)
	}

	chain.SetState(StateOnline)
	results, err := chain.FlushQueue(context.Background(), "sender")
	if err != nil {
		t.Fatalf("FlushQueue: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Outcome != OutcomePrimary {
			t.Errorf("result %d: expected primary outcome, got %s", i, res.Outcome)
		}
	}
	if len(replayed) != 3 || replayed[0] != "A" || replayed[1] != "B" || replayed[2] != "C" {
		t.Errorf("expected replay order [A B C], got %v", replayed)
	}
	if size := chain.QueueSize("sender"); size != 0 {
		t.Errorf("expected empty queue after flush, got %d", size)
	}
}

func TestFallbackChain_FlushWhileStillOffline(t *testing.T) {
	chain := NewFallbackChain()
	strategy := DefaultFallbackStrategy("sender")
	strategy.EnableCache = false
	if err := chain.Register(strategy, failingTool("down"), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	chain.SetState(StateOffline)
	for i := 0; i < 2; i++ {
		if _, err := chain.Call(context.Background(), "sender", Args(i)); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}

	// Still offline: flushed calls re-queue, and the flush must terminate
	// after exactly the calls present at flush start.
	results, err := chain.FlushQueue(context.Background(), "sender")
	if err != nil {
		t.Fatalf("FlushQueue: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for i, res := range results {
		if res.Outcome != OutcomeQueued {
			t.Errorf("result %d: expected queued outcome, got %s", i, res.Outcome)
		}
	}
	if size := chain.QueueSize("sender"); size != 2 {
		t.Errorf("expected 2 re-queued calls, got %d", size)
	}
}

func TestFallbackChain_QueueEviction(t *testing.T) {
	chain := NewFallbackChain()
	strategy := DefaultFallbackStrategy("sender")
	strategy.EnableCache = false
	strategy.MaxQueueSize = 2
	if err := chain.Register(strategy, failingTool("down"), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	chain.SetState(StateOffline)

	for i := 0; i < 3; i++ {
		if _, err := chain.Call(context.Background(), "sender", Args(i)); err != nil {
			t.Fatalf("Call: %v", err)
		}
	}
	if size := chain.QueueSize("sender"); size != 2 {
		t.Fatalf("expected bounded queue size 2, got %d", size)
	}

	// The oldest call (0) was evicted; 1 and 2 remain in order.
	chain.mu.Lock()
	drained := chain.tools["sender"].queue.snapshot()
	chain.mu.Unlock()
	if len(drained) != 2 {
		t.Fatalf("expected 2 queued calls, got %d", len(drained))
	}
	if drained[0].Args.Positional[0] != 1 || drained[1].Args.Positional[0] != 2 {
		t.Errorf("expected oldest call evicted, got %v then %v",
			drained[0].Args.Positional[0], drained[1].Args.Positional[0])
	}
}

func TestFallbackChain_CallStats(t *testing.T) {
	chain := NewFallbackChain()
	strategy := DefaultFallbackStrategy("weather")
	if err := chain.Register(strategy, succeedingTool("sunny"), nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	chain.Call(context.Background(), "weather", Args("London"))
	chain.SetState(StateOffline)
	chain.Call(context.Background(), "weather", Args("London")) // cached
	chain.Call(context.Background(), "weather", Args("Paris"))  // queued

	stats := chain.CallStats("weather")
	if stats.Primary != 1 {
		t.Errorf("expected 1 primary, got %d", stats.Primary)
	}
	if stats.Cached != 1 {
		t.Errorf("expected 1 cached, got %d", stats.Cached)
	}
	if stats.Queued != 1 {
		t.Errorf("expected 1 queued, got %d", stats.Queued)
	}
	if stats.Failed != 0 {
		t.Errorf("expected 0 failed, got %d", stats.Failed)
	}

	if got := chain.CallStats("unknown"); got != (ToolCallStats{}) {
		t.Errorf("expected zero stats for unknown tool, got %+v", got)
	}
}

func TestFallbackChain_StateListeners(t *testing.T) {
	chain := NewFallbackChain()

	var transitions []string
	chain.OnStateChange(func(previous, current OnlineState) {
		transitions = append(transitions, fmt.Sprintf("%s->%s", previous, current))
	})

	chain.SetState(StateOffline)
	chain.SetState(StateOffline) // same-state set still notifies
	chain.SetState(StateOnline)

	want := []string{"online->offline", "offline->offline", "offline->online"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d notifications, got %d: %v", len(want), len(transitions), transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("notification %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}

	if !chain.IsOnline() {
		t.Errorf("expected chain to be online")
	}
}

func TestFallbackChain_CircuitBreaker(t *testing.T) {
	primaryCalls := 0

	chain := NewFallbackChain()
	strategy := DefaultFallbackStrategy("flaky")
	strategy.EnableCache = false
	strategy.BreakerThreshold = 2
	strategy.BreakerResetTimeout = time.Hour
	primary := func(ctx context.Context, args CallArgs) (any, error) {
		primaryCalls++
		return nil, errors.New("down")
	}
	if err := chain.Register(strategy, primary, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Two failures trip the breaker.
	chain.Call(context.Background(), "flaky", Args(1))
	chain.Call(context.Background(), "flaky", Args(2))
	if primaryCalls != 2 {
		t.Fatalf("expected 2 primary invocations, got %d", primaryCalls)
	}

	// Breaker open: the chain stays online but the primary is skipped.
	res, err := chain.Call(context.Background(), "flaky", Args(3))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if primaryCalls != 2 {
		t.Errorf("expected breaker to skip primary, got %d invocations", primaryCalls)
	}
	if res.Outcome != OutcomeQueued {
		t.Errorf("expected queued outcome with open breaker, got %s", res.Outcome)
	}
}

func TestFallbackChain_EndToEnd(t *testing.T) {
	chain := NewFallbackChain()

	weather := DefaultFallbackStrategy("weather")
	weather.CacheTTL = 3600 * time.Second
	weather.EnableLocal = true
	if err := chain.Register(weather, succeedingTool("live"), succeedingTool("stub")); err != nil {
		t.Fatalf("Register weather: %v", err)
	}

	notify := DefaultFallbackStrategy("notify")
	notify.EnableCache = false
	if err := chain.Register(notify, succeedingTool("delivered"), nil); err != nil {
		t.Fatalf("Register notify: %v", err)
	}

	// Online call is served live.
	res, _ := chain.Call(context.Background(), "weather", Args("London"))
	if res.Outcome != OutcomePrimary {
		t.Fatalf("expected primary, got %s", res.Outcome)
	}

	chain.SetState(StateOffline)

	// Same arguments hit the cache.
	res, _ = chain.Call(context.Background(), "weather", Args("London"))
	if res.Outcome != OutcomeCached {
		t.Fatalf("expected cached, got %s", res.Outcome)
	}

	// New arguments fall through to the local alternative.
	res, _ = chain.Call(context.Background(), "weather", Args("Tokyo"))
	if res.Outcome != OutcomeLocal {
		t.Fatalf("expected local, got %s", res.Outcome)
	}

	// The cacheless tool queues while offline.
	res, _ = chain.Call(context.Background(), "notify", Args("hello"))
	if res.Outcome != OutcomeQueued {
		t.Fatalf("expected queued, got %s", res.Outcome)
	}

	// Back online, the flush replays against the primary.
	chain.SetState(StateOnline)
	results, err := chain.FlushQueue(context.Background(), "notify")
	if err != nil {
		t.Fatalf("FlushQueue: %v", err)
	}
	if len(results) != 1 || results[0].Outcome != OutcomePrimary {
		t.Fatalf("expected one primary replay, got %+v", results)
	}
}
