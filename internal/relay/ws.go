package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HTTP paths served by the hub.
const (
	CallPath = "/api/relay"
	PushPath = "/api/relay/ws"
)

const (
	defaultMinBackoff = 100 * time.Millisecond
	defaultMaxBackoff = 5 * time.Second
	maxReplyBytes     = 32 << 20
)

// WSChannel reaches a hub over HTTP: calls are POSTed to CallPath and pushes arrive on a
// websocket at PushPath. The hub may not be up yet, so the websocket is redialled with
// backoff until Close.
type WSChannel struct {
	callURL string
	pushURL string
	sender  Sender
	client  *http.Client
	dialer  *websocket.Dialer
	logger  *zap.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	pushes chan Envelope
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ Channel = (*WSChannel)(nil)

type WSOption func(*WSChannel)

func WithHTTPClient(c *http.Client) WSOption {
	return func(w *WSChannel) { w.client = c }
}

func WithBackoff(lo, hi time.Duration) WSOption {
	return func(w *WSChannel) { w.minBackoff, w.maxBackoff = lo, hi }
}

func WithWSLogger(l *zap.Logger) WSOption {
	return func(w *WSChannel) { w.logger = l }
}

// DialWS starts a channel to the hub at hubURL (http or https). It returns without waiting for
// the websocket; pushes start flowing once a connection succeeds.
func DialWS(hubURL string, sender Sender, opts ...WSOption) (*WSChannel, error) {
	base, err := url.Parse(strings.TrimRight(hubURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse hub url: %w", err)
	}
	push := *base
	switch base.Scheme {
	case "http":
		push.Scheme = "ws"
	case "https":
		push.Scheme = "wss"
	default:
		return nil, fmt.Errorf("hub url %q: scheme must be http or https", hubURL)
	}
	push.Path = base.Path + PushPath
	q := push.Query()
	if sender.TabID != "" {
		q.Set("tabId", sender.TabID)
	}
	push.RawQuery = q.Encode()

	ctx, cancel := context.WithCancel(context.Background())
	w := &WSChannel{
		callURL:    base.String() + CallPath,
		pushURL:    push.String(),
		sender:     sender,
		client:     &http.Client{Timeout: 10 * time.Second},
		dialer:     websocket.DefaultDialer,
		logger:     zap.NewNop(),
		minBackoff: defaultMinBackoff,
		maxBackoff: defaultMaxBackoff,
		pushes:     make(chan Envelope, subscriberBuffer),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.Named("relay.ws")
	go w.readLoop()
	return w, nil
}

func (w *WSChannel) Call(ctx context.Context, env Envelope) (Reply, error) {
	if w.ctx.Err() != nil {
		return Reply{}, ErrClosed
	}
	if env.Sender == nil {
		s := w.sender
		env.Sender = &s
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return Reply{}, fmt.Errorf("encode envelope: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.callURL, bytes.NewReader(payload))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %w", ErrDelivery, err)
	}
	defer resp.Body.Close()

	var reply Reply
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplyBytes)).Decode(&reply); err != nil {
		return Reply{}, fmt.Errorf("%w: decode reply (status %d): %w", ErrDelivery, resp.StatusCode, err)
	}
	return checkReply(reply)
}

func (w *WSChannel) Pushes() <-chan Envelope {
	return w.pushes
}

func (w *WSChannel) Close() error {
	w.cancel()
	w.mu.Lock()
	if w.conn != nil {
		_ = w.conn.Close()
	}
	w.mu.Unlock()
	<-w.done
	w.client.CloseIdleConnections()
	return nil
}

func (w *WSChannel) readLoop() {
	defer close(w.done)
	defer close(w.pushes)

	backoff := w.minBackoff
	for {
		conn, _, err := w.dialer.DialContext(w.ctx, w.pushURL, nil)
		if err != nil {
			if w.ctx.Err() != nil {
				return
			}
			w.logger.Debug("push channel unavailable, retrying", zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-time.After(backoff):
			case <-w.ctx.Done():
				return
			}
			backoff = min(backoff*2, w.maxBackoff)
			continue
		}
		backoff = w.minBackoff
		if !w.setConn(conn) {
			_ = conn.Close()
			return
		}
		w.logger.Debug("push channel connected", zap.String("url", w.pushURL))
		w.read(conn)
		w.setConn(nil)
		_ = conn.Close()
		if w.ctx.Err() != nil {
			return
		}
	}
}

// setConn records the live connection. It reports false once the channel is closing.
func (w *WSChannel) setConn(c *websocket.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c != nil && w.ctx.Err() != nil {
		return false
	}
	w.conn = c
	return true
}

func (w *WSChannel) read(conn *websocket.Conn) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if w.ctx.Err() == nil {
				w.logger.Debug("push channel dropped", zap.Error(err))
			}
			return
		}
		select {
		case w.pushes <- env:
		case <-w.ctx.Done():
			return
		}
	}
}
