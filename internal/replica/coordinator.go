package replica

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/perigeelabs/driftsync/internal/todos"
	"go.uber.org/zap"
)

var (
	errMissingStore     = errors.New("local store is required")
	errMissingTransport = errors.New("transport is required")
	errAlreadyStarted   = errors.New("coordinator already started")
)

const (
	defaultPullInterval  = 30 * time.Second
	defaultRetryDelay    = 5 * time.Second
	defaultPriorityDelay = 750 * time.Millisecond
)

// CoordinatorConfig describes one tenant session's sync dependencies.
type CoordinatorConfig struct {
	Store     *Store
	Transport Transport
	Logger    *zap.Logger

	// PullInterval is the fallback poll covering missed change signals.
	PullInterval time.Duration
	// RetryDelay spaces retries after a failed pull or push.
	RetryDelay time.Duration
	// PriorityDelay spaces the unrestricted follow-up pull behind the
	// active-only bootstrap pull.
	PriorityDelay time.Duration
	// BatchLimit caps pull pages and push batches alike.
	BatchLimit int
}

// Coordinator keeps one replica's local store converged with the central
// store. Pulls are serialized on a single loop so no two pull cycles advance
// the same checkpoint; pushes run on an independent loop and never block a
// concurrently triggered pull.
type Coordinator struct {
	store      *Store
	transport  Transport
	logger     *zap.Logger
	interval   time.Duration
	retryDelay time.Duration
	priority   time.Duration
	batchLimit int

	mu         sync.Mutex
	checkpoint int64
	started    bool
	closed     bool
	cancel     context.CancelFunc

	pullSignal chan struct{}
	pushSignal chan struct{}
	wg         sync.WaitGroup
}

// NewCoordinator validates the configuration and constructs a stopped coordinator.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.PullInterval
	if interval <= 0 {
		interval = defaultPullInterval
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	priority := cfg.PriorityDelay
	if priority <= 0 {
		priority = defaultPriorityDelay
	}
	batchLimit := cfg.BatchLimit
	if batchLimit <= 0 {
		batchLimit = todos.DefaultPullLimit
	}
	return &Coordinator{
		store:      cfg.Store,
		transport:  cfg.Transport,
		logger:     logger,
		interval:   interval,
		retryDelay: retryDelay,
		priority:   priority,
		batchLimit: batchLimit,
		pullSignal: make(chan struct{}, 1),
		pushSignal: make(chan struct{}, 1),
	}, nil
}

// TenantID returns the tenant this session syncs.
func (c *Coordinator) TenantID() string {
	return c.store.TenantID()
}

// Store exposes the session's local store for UI subscriptions and mutations.
func (c *Coordinator) Store() *Store {
	return c.store
}

// Checkpoint reports the last confirmed pull position.
func (c *Coordinator) Checkpoint() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.checkpoint
}

// Start launches the pull, push, and notification loops. The session runs
// until Close or until the parent context ends.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errAlreadyStarted
	}
	c.started = true
	sessionCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(3)
	go c.pullLoop(sessionCtx)
	go c.pushLoop(sessionCtx)
	go c.notificationLoop(sessionCtx)
	return nil
}

// Close tears the session down: all timers and subscriptions stop, and
// results of in-flight requests are discarded.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if !c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()
	cancel()
	c.wg.Wait()
}

// TriggerPull requests an extra pull cycle; concurrent requests coalesce.
func (c *Coordinator) TriggerPull() {
	select {
	case c.pullSignal <- struct{}{}:
	default:
	}
}

// TriggerPush requests an extra push cycle; concurrent requests coalesce.
func (c *Coordinator) TriggerPush() {
	select {
	case c.pushSignal <- struct{}{}:
	default:
	}
}

func (c *Coordinator) pullLoop(ctx context.Context) {
	defer c.wg.Done()

	// Two-phase bootstrap: actionable records first, completeness shortly
	// after via an unrestricted pull from the same checkpoint.
	c.runPull(ctx, true)
	priorityTimer := time.NewTimer(c.priority)
	defer priorityTimer.Stop()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-priorityTimer.C:
			c.runPull(ctx, false)
		case <-c.pullSignal:
			c.runPull(ctx, false)
		case <-ticker.C:
			c.runPull(ctx, false)
		}
	}
}

func (c *Coordinator) runPull(ctx context.Context, activeOnly bool) {
	c.mu.Lock()
	since := c.checkpoint
	c.mu.Unlock()

	response, err := c.transport.Pull(ctx, PullRequest{
		Checkpoint: since,
		ActiveOnly: activeOnly,
		Limit:      c.batchLimit,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("pull failed",
			zap.String("tenant_id", c.TenantID()),
			zap.Error(err))
		time.AfterFunc(c.retryDelay, c.TriggerPull)
		return
	}
	if ctx.Err() != nil {
		// Session ended while the request was in flight; drop the results.
		return
	}

	for _, record := range response.Records {
		c.store.ApplyRemote(record)
	}

	if activeOnly {
		// The bootstrap page withholds done and deleted records, so its
		// checkpoint must not advance past them; the unrestricted follow-up
		// re-reads from the same position.
		return
	}

	c.mu.Lock()
	if response.Checkpoint > c.checkpoint {
		c.checkpoint = response.Checkpoint
	}
	c.mu.Unlock()

	if len(response.Records) == c.batchLimit {
		// Full page: more may remain behind the new checkpoint.
		c.TriggerPull()
	}
}

func (c *Coordinator) pushLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.store.LocalEdits():
			c.runPush(ctx)
		case <-c.pushSignal:
			c.runPush(ctx)
		}
	}
}

func (c *Coordinator) runPush(ctx context.Context) {
	pending := c.store.Pending()
	if len(pending) == 0 {
		return
	}
	batch := pending
	if len(batch) > c.batchLimit {
		batch = batch[:c.batchLimit]
	}

	if err := c.transport.Push(ctx, batch); err != nil {
		if ctx.Err() != nil {
			return
		}
		// The records stay pending; the next attempt resends them.
		c.logger.Warn("push failed",
			zap.String("tenant_id", c.TenantID()),
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		time.AfterFunc(c.retryDelay, c.TriggerPush)
		return
	}
	if ctx.Err() != nil {
		return
	}

	c.store.MarkSynced(batch)
	if len(pending) > len(batch) {
		c.TriggerPush()
	}
	// Pull right away to observe the server-confirmed state.
	c.TriggerPull()
}

func (c *Coordinator) notificationLoop(ctx context.Context) {
	defer c.wg.Done()
	signals := c.transport.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case _, open := <-signals:
			if !open {
				return
			}
			c.TriggerPull()
		}
	}
}
