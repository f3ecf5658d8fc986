package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/reqsniffer/internal/store"
	"github.com/yourorg/reqsniffer/pkg/types"
)

const subscriberBuffer = 16

// ReadFilter transforms exchanges on their way out of the hub, e.g. to redact secrets.
type ReadFilter func(types.CapturedExchange) types.CapturedExchange

// Hub is the long-lived relay end. It is the only writer of the capture store.
type Hub struct {
	captures *store.CaptureStore
	settings store.SettingsStore
	logger   *zap.Logger
	now      func() time.Time
	filter   ReadFilter

	mu sync.Mutex

	subMu      sync.Mutex
	subs       map[int]chan Envelope
	nextSub    int
	lastPushed *types.Settings
	closed     bool
}

type HubOption func(*Hub)

// WithReadFilter applies f to every exchange returned by Requests and getRequests.
func WithReadFilter(f ReadFilter) HubOption {
	return func(h *Hub) { h.filter = f }
}

// WithHubClock replaces time.Now, for tests.
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) { h.now = now }
}

func NewHub(captures *store.CaptureStore, settings store.SettingsStore, logger *zap.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		captures: captures,
		settings: settings,
		logger:   logger.Named("relay.hub"),
		now:      time.Now,
		subs:     map[int]chan Envelope{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle serves one envelope to completion. Failures come back as a Reply with OK false.
func (h *Hub) Handle(ctx context.Context, env Envelope) Reply {
	switch env.Action {
	case ActionUpdateSettings:
		if env.Settings == nil {
			return errorReply(fmt.Errorf("%w: %s without settings", ErrBadEnvelope, env.Action))
		}
		s, err := h.UpdateSettings(ctx, types.SettingsUpdate{Enabled: &env.Settings.Enabled, URLPattern: &env.Settings.URLPattern})
		if err != nil {
			return errorReply(err)
		}
		return Reply{OK: true, Settings: &s}
	case ActionLogRequest:
		if env.Exchange == nil {
			return errorReply(fmt.Errorf("%w: %s without data", ErrBadEnvelope, env.Action))
		}
		h.Log(env.Sender, *env.Exchange)
		return Reply{OK: true}
	case ActionGetRequests:
		return Reply{OK: true, Requests: h.Requests()}
	case ActionClearRequests:
		h.Clear()
		return Reply{OK: true}
	case ActionGetSettings:
		s, err := h.Settings(ctx)
		if err != nil {
			return errorReply(err)
		}
		return Reply{OK: true, Settings: &s}
	default:
		return errorReply(fmt.Errorf("%w: %q", ErrUnknownAction, env.Action))
	}
}

// UpdateSettings persists u and pushes the resulting settings to every subscriber.
func (h *Hub) UpdateSettings(ctx context.Context, u types.SettingsUpdate) (types.Settings, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, err := h.settings.Set(ctx, u)
	if err != nil {
		return types.Settings{}, fmt.Errorf("update settings: %w", err)
	}
	h.logger.Info("settings updated", zap.Bool("enabled", s.Enabled), zap.String("urlPattern", s.URLPattern))
	h.broadcast(s, true)
	return s, nil
}

// Settings returns the persisted settings.
func (h *Hub) Settings(ctx context.Context) (types.Settings, error) {
	s, err := h.settings.Get(ctx)
	if err != nil {
		return types.Settings{}, fmt.Errorf("get settings: %w", err)
	}
	return s, nil
}

// Log stamps e with its capture time and sender, then appends it. Exchanges are kept whatever
// the enabled flag currently says, so a call captured just before a disable still lands.
func (h *Hub) Log(sender *Sender, e types.CapturedExchange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e.CapturedAt = h.now().UTC()
	if sender != nil {
		e.TabContext = &types.TabContext{TabID: sender.TabID, URL: sender.URL}
	}
	h.captures.Append(e)
	h.logger.Debug("exchange logged",
		zap.String("id", e.ID),
		zap.String("method", e.Method),
		zap.String("url", e.URL),
		zap.Int("status", e.StatusCode),
	)
}

// Requests returns held exchanges, newest first.
func (h *Hub) Requests() []types.CapturedExchange {
	list := h.captures.List()
	if h.filter != nil {
		for i := range list {
			list[i] = h.filter(list[i])
		}
	}
	return list
}

func (h *Hub) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.captures.Clear()
	h.logger.Info("captured requests cleared")
}

// Subscribe returns a feed of settingsChanged envelopes. The latest known settings, if any, are
// delivered first. Call cancel to unsubscribe; it closes the feed.
func (h *Hub) Subscribe() (<-chan Envelope, func()) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	ch := make(chan Envelope, subscriberBuffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	if h.lastPushed != nil {
		ch <- SettingsChanged(*h.lastPushed)
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.subMu.Lock()
			defer h.subMu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// broadcast pushes s to every subscriber. Unless force is set, settings equal to the last push
// are not sent again.
func (h *Hub) broadcast(s types.Settings, force bool) {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if !force && h.lastPushed != nil && *h.lastPushed == s {
		return
	}
	h.lastPushed = &s
	env := SettingsChanged(s)
	for id, ch := range h.subs {
		select {
		case ch <- env:
		default:
			h.logger.Warn("subscriber slow, settings push dropped", zap.Int("subscriber", id))
		}
	}
}

// Run relays settings changes made by any writer of the settings store until ctx ends.
func (h *Hub) Run(ctx context.Context) error {
	changes, stop := h.settings.Watch()
	defer stop()

	if s, err := h.settings.Get(ctx); err == nil {
		h.broadcast(s, false)
	} else {
		h.logger.Warn("initial settings read failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-changes:
			if !ok {
				return nil
			}
			h.logger.Debug("settings store changed", zap.String("key", c.Key), zap.Any("old", c.OldValue), zap.Any("new", c.NewValue))
			s, err := h.settings.Get(ctx)
			if err != nil {
				h.logger.Warn("settings read after change failed", zap.Error(err))
				continue
			}
			h.broadcast(s, false)
		}
	}
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.subMu.Lock()
	defer h.subMu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
