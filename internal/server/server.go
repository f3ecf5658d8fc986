package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yourorg/reqsniffer/internal/config"
	"github.com/yourorg/reqsniffer/internal/filter"
	"github.com/yourorg/reqsniffer/internal/har"
	"github.com/yourorg/reqsniffer/internal/pattern"
	"github.com/yourorg/reqsniffer/internal/relay"
	"github.com/yourorg/reqsniffer/pkg/types"
)

const maxSettingsBody = 64 << 10

// Version is reported by /healthz and written into HAR exports.
var Version = "dev"

// Server exposes the relay hub and the control API over HTTP.
type Server struct {
	cfg      *config.Config
	hub      *relay.Hub
	logger   *zap.Logger
	mux      *http.ServeMux
	upgrader *websocket.Upgrader
	started  time.Time
}

// New constructs a new Server with routes registered.
func New(cfg *config.Config, hub *relay.Hub, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if hub == nil {
		return nil, errors.New("hub is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	srv := &Server{
		cfg:     cfg,
		hub:     hub,
		logger:  logger.Named("server"),
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	srv.upgrader = &websocket.Upgrader{CheckOrigin: srv.checkOrigin}
	srv.registerRoutes()
	return srv, nil
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve accepts connections on l until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	hs := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(l) }()
	s.logger.Info("listening", zap.String("addr", l.Addr().String()))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	<-errc
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.Handle(relay.CallPath, s.withCORS(relay.CallHandler(s.hub)))
	s.mux.Handle(relay.PushPath, relay.PushHandler(s.hub, s.upgrader, s.logger))

	s.mux.HandleFunc("/api/requests", s.handleRequests)
	s.mux.HandleFunc("/api/requests.har", s.handleHAR)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.HandleFunc("/healthz", s.handleHealth)
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORS(w, s.cfg.Server.CORSExtensionID)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRequests(w http.ResponseWriter, r *http.Request) {
	setCORS(w, s.cfg.Server.CORSExtensionID)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		criteria, err := criteriaFromQuery(r.URL.Query())
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		list := filter.Apply(s.hub.Requests(), criteria)
		if v, _ := strconv.ParseBool(r.URL.Query().Get("group")); v {
			writeJSON(w, http.StatusOK, filter.Group(list))
			return
		}
		writeJSON(w, http.StatusOK, list)
	case http.MethodDelete:
		s.hub.Clear()
		writeJSON(w, http.StatusOK, relay.Reply{OK: true})
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (s *Server) handleHAR(w http.ResponseWriter, r *http.Request) {
	setCORS(w, s.cfg.Server.CORSExtensionID)
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	criteria, err := criteriaFromQuery(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	f, err := har.Export(filter.Apply(s.hub.Requests(), criteria), har.Creator{Name: "reqsniffer", Version: Version})
	if err != nil {
		s.logger.Error("har export failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="reqsniffer.har"`)
	writeJSON(w, http.StatusOK, f)
}

type settingsReply struct {
	OK       bool            `json:"ok"`
	Settings *types.Settings `json:"settings,omitempty"`
	Warning  string          `json:"warning,omitempty"`
}

func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	setCORS(w, s.cfg.Server.CORSExtensionID)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		settings, err := s.hub.Settings(r.Context())
		if err != nil {
			s.logger.Error("read settings", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, settings)
	case http.MethodPut, http.MethodPost:
		var upd types.SettingsUpdate
		if err := json.NewDecoder(io.LimitReader(r.Body, maxSettingsBody)).Decode(&upd); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json: %w", err))
			return
		}
		if upd.Enabled == nil && upd.URLPattern == nil {
			writeError(w, http.StatusBadRequest, errors.New("enabled or urlPattern required"))
			return
		}
		settings, err := s.hub.UpdateSettings(r.Context(), upd)
		if err != nil {
			s.logger.Error("update settings", zap.Error(err))
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		reply := settingsReply{OK: true, Settings: &settings}
		if err := pattern.Validate(settings.URLPattern); err != nil {
			reply.Warning = fmt.Sprintf("urlPattern does not compile, every URL will match: %v", err)
		}
		writeJSON(w, http.StatusOK, reply)
	default:
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"version":  Version,
		"uptime":   time.Since(s.started).Round(time.Second).String(),
		"captured": len(s.hub.Requests()),
	})
}

// checkOrigin admits non-browser clients, same-host pages and the configured extension.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	if u.Scheme != "chrome-extension" {
		return false
	}
	id := s.cfg.Server.CORSExtensionID
	return id == "" || u.Host == id
}

func criteriaFromQuery(q url.Values) (filter.Criteria, error) {
	c := filter.Criteria{
		URLContains:      q.Get("q"),
		Methods:          splitList(q.Get("method")),
		ContentTypes:     splitList(q.Get("contentType")),
		IgnoreExtensions: splitList(q.Get("ignoreExt")),
	}
	for _, k := range splitList(q.Get("type")) {
		c.Kinds = append(c.Kinds, types.Kind(strings.ToLower(k)))
	}
	status, err := filter.ParseStatus(q.Get("status"))
	if err != nil {
		return filter.Criteria{}, err
	}
	c.Status = status
	if v := q.Get("failed"); v != "" {
		if c.FailedOnly, err = strconv.ParseBool(v); err != nil {
			return filter.Criteria{}, fmt.Errorf("invalid failed flag %q", v)
		}
	}
	if v := q.Get("limit"); v != "" {
		if c.Limit, err = strconv.Atoi(v); err != nil || c.Limit < 0 {
			return filter.Criteria{}, fmt.Errorf("invalid limit %q", v)
		}
	}
	return c, nil
}

func splitList(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, relay.Reply{OK: false, Error: err.Error()})
}

func setCORS(w http.ResponseWriter, extensionID string) {
	origin := "*"
	if extensionID != "" {
		origin = "chrome-extension://" + extensionID
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}
