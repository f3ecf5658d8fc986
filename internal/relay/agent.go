package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/reqsniffer/pkg/types"
)

// State is the agent's settings-load state.
type State int

const (
	Uninitialized State = iota
	AwaitingFirstSettings
	Loaded
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "UNINITIALIZED"
	case AwaitingFirstSettings:
		return "AWAITING_FIRST_SETTINGS"
	case Loaded:
		return "LOADED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

const (
	DefaultGracePeriod = 2 * time.Second
	DefaultQueueSize   = 256
	DefaultCallTimeout = 5 * time.Second
)

var ErrAlreadyStarted = errors.New("agent already started")

// Applier receives settings. *intercept.Policy satisfies it.
type Applier interface {
	Apply(types.Settings)
}

type queued struct {
	exchange types.CapturedExchange
	flushed  chan struct{}
}

// Agent is the page-context end of the relay. It keeps the interceptor's settings current and
// forwards captured exchanges to the hub in emit order.
type Agent struct {
	ch          Channel
	applier     Applier
	logger      *zap.Logger
	grace       time.Duration
	callTimeout time.Duration
	queue       chan queued

	mu     sync.Mutex
	state  State
	closed bool
	loaded chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type AgentOption func(*Agent)

func WithGracePeriod(d time.Duration) AgentOption {
	return func(a *Agent) { a.grace = d }
}

func WithQueueSize(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.queue = make(chan queued, n)
		}
	}
}

func WithCallTimeout(d time.Duration) AgentOption {
	return func(a *Agent) { a.callTimeout = d }
}

func WithAgentLogger(l *zap.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

func NewAgent(ch Channel, applier Applier, opts ...AgentOption) *Agent {
	a := &Agent{
		ch:          ch,
		applier:     applier,
		logger:      zap.NewNop(),
		grace:       DefaultGracePeriod,
		callTimeout: DefaultCallTimeout,
		queue:       make(chan queued, DefaultQueueSize),
		loaded:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("relay.agent")
	return a
}

// Start moves the agent to AWAITING_FIRST_SETTINGS and arms the grace timer. The agent runs
// until ctx ends or Close is called.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.state != Uninitialized {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.state = AwaitingFirstSettings
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.mu.Unlock()

	a.logger.Debug("agent started", zap.Duration("grace", a.grace))
	a.wg.Add(3)
	go a.receive()
	go a.awaitGrace()
	go a.send()
	return nil
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Loaded is closed once the agent reaches LOADED.
func (a *Agent) Loaded() <-chan struct{} {
	return a.loaded
}

func (a *Agent) receive() {
	defer a.wg.Done()
	pushes := a.ch.Pushes()
	for {
		select {
		case <-a.ctx.Done():
			return
		case env, ok := <-pushes:
			if !ok {
				return
			}
			if env.Action != ActionSettingsChanged || env.Settings == nil {
				a.logger.Debug("ignoring push", zap.String("action", string(env.Action)))
				continue
			}
			a.load(*env.Settings, "push")
		}
	}
}

func (a *Agent) awaitGrace() {
	defer a.wg.Done()
	timer := time.NewTimer(a.grace)
	defer timer.Stop()
	select {
	case <-a.ctx.Done():
		return
	case <-a.loaded:
		return
	case <-timer.C:
	}

	a.logger.Debug("no settings pushed within grace period, pulling")
	ctx, cancel := context.WithTimeout(a.ctx, a.callTimeout)
	reply, err := a.ch.Call(ctx, Envelope{Action: ActionGetSettings})
	cancel()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == Loaded {
		// a push arrived while the pull was in flight and is at least as fresh
		return
	}
	s := types.DefaultSettings()
	switch {
	case err != nil:
		a.logger.Warn("settings pull failed, using defaults", zap.Error(err))
	case reply.Settings == nil:
		a.logger.Warn("settings pull returned no settings, using defaults")
	default:
		s = *reply.Settings
	}
	a.applyLocked(s, "pull")
}

func (a *Agent) load(s types.Settings, source string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applyLocked(s, source)
}

func (a *Agent) applyLocked(s types.Settings, source string) {
	a.applier.Apply(s)
	if a.state != Loaded {
		a.state = Loaded
		close(a.loaded)
	}
	a.logger.Debug("settings loaded",
		zap.String("source", source),
		zap.Bool("enabled", s.Enabled),
		zap.String("urlPattern", s.URLPattern),
	)
}

// Emit queues e for delivery to the hub. It never blocks: when the queue is full or the agent
// is closed the exchange is dropped with a warning.
func (a *Agent) Emit(e types.CapturedExchange) {
	if err := a.enqueue(queued{exchange: e}); err != nil {
		a.logger.Warn("exchange dropped", zap.String("id", e.ID), zap.String("url", e.URL), zap.Error(err))
	}
}

func (a *Agent) enqueue(q queued) error {
	if a.closing() {
		return ErrClosed
	}
	select {
	case a.queue <- q:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Agent) closing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed || (a.ctx != nil && a.ctx.Err() != nil)
}

// Flush waits until every exchange emitted before the call has been handed to the hub.
func (a *Agent) Flush(ctx context.Context) error {
	if a.closing() {
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case a.queue <- queued{flushed: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Agent) send() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case q := <-a.queue:
			if q.flushed != nil {
				close(q.flushed)
				continue
			}
			a.deliver(q.exchange)
		}
	}
}

func (a *Agent) deliver(e types.CapturedExchange) {
	ctx, cancel := context.WithTimeout(a.ctx, a.callTimeout)
	defer cancel()
	if _, err := a.ch.Call(ctx, Envelope{Action: ActionLogRequest, Exchange: &e}); err != nil {
		if !errors.Is(err, ErrDelivery) {
			err = fmt.Errorf("%w: %w", ErrDelivery, err)
		}
		a.logger.Warn("exchange not delivered", zap.String("id", e.ID), zap.String("url", e.URL), zap.Error(err))
	}
}

// Close stops the agent and its channel. Queued exchanges are not delivered.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	return a.ch.Close()
}
