package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/reqsniffer/internal/config"
	"github.com/yourorg/reqsniffer/internal/filter"
	"github.com/yourorg/reqsniffer/internal/har"
	"github.com/yourorg/reqsniffer/internal/observability"
	"github.com/yourorg/reqsniffer/internal/relay"
	"github.com/yourorg/reqsniffer/internal/server"
	"github.com/yourorg/reqsniffer/internal/store"
	"github.com/yourorg/reqsniffer/pkg/types"
)

const defaultConfigContent = `server:
  host: "127.0.0.1"
  port: 3100
  cors_extension_id: ""

capture:
  capacity: 100
  max_body_bytes: 1048576

relay:
  hub_url: "http://127.0.0.1:3100"
  grace_period: 2s
  queue_size: 256
  call_timeout: 5s

settings:
  db_path: ""

sanitize:
  enabled: false
  headers:
    - Authorization
    - Cookie
    - Set-Cookie
    - X-Api-Key
    - X-Auth-Token
  body_fields:
    - password
    - secret
    - token
    - api_key
    - access_token
    - refresh_token
    - credential
  replacement: "***REDACTED***"

log:
  level: "info"
  format: "console"
  file: ""
`

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	var debug bool

	root := &cobra.Command{
		Use:           "reqsniffer",
		Short:         "Capture fetch/XHR traffic from page contexts into a relay hub",
		Version:       server.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug output")

	load := func() (*config.Config, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		if debug {
			cfg.Log.Level = "debug"
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		observability.InitializeLogger(cfg.Log)
		return cfg, nil
	}

	root.AddCommand(newInitCmd())
	root.AddCommand(newServeCmd(load))
	root.AddCommand(newSettingsCmd(load))
	root.AddCommand(newRequestsCmd(load))
	root.AddCommand(newExportCmd(load))
	root.AddCommand(newImportCmd(load))
	root.AddCommand(newFetchCmd(load))

	return root
}

type loader func() (*config.Config, error)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize ~/.reqsniffer directory and default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgFile, err := config.DefaultPath()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(cfgFile), 0o755); err != nil {
				return err
			}

			if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(cfgFile, []byte(defaultConfigContent), 0o644); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "created", cfgFile)
			} else if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "exists", cfgFile)
			} else {
				return err
			}

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			s, err := store.NewSQLiteSettings(cfg.Settings.DBPath)
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "settings database ready", cfg.Settings.DBPath)
			return nil
		},
	}
}

func newServeCmd(load loader) *cobra.Command {
	var host string
	var port int
	cmd := &cobra.Command{Use: "serve", Short: "Start the relay hub and control API", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("host") {
			cfg.Server.Host = host
		}
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = port
		}
		if err := cfg.ValidateServe(); err != nil {
			return err
		}
		logger := observability.GetLogger()
		defer observability.Sync()

		settings, err := store.NewSQLiteSettings(cfg.Settings.DBPath)
		if err != nil {
			return fmt.Errorf("open settings store: %w", err)
		}
		defer settings.Close()

		var opts []relay.HubOption
		if cfg.Sanitize.Enabled {
			opts = append(opts, relay.WithReadFilter(filter.NewSanitizer(cfg.Sanitize).Exchange))
		}
		hub := relay.NewHub(store.NewCaptureStore(cfg.Capture.Capacity), settings, logger, opts...)
		defer hub.Close()

		srv, err := server.New(cfg, hub, logger)
		if err != nil {
			return err
		}
		l, err := net.Listen("tcp", cfg.Addr())
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Addr(), err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return hub.Run(gctx) })
		g.Go(func() error { return srv.Serve(gctx, l) })
		return g.Wait()
	}}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "server host")
	cmd.Flags().IntVar(&port, "port", 3100, "server port")
	return cmd
}

func newSettingsCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{Use: "settings", Short: "Read or change capture settings"}

	cmd.AddCommand(&cobra.Command{Use: "get", Short: "Print current settings", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		var s types.Settings
		if err := newHubClient(cfg).getJSON(cmd.Context(), "/api/settings", nil, &s); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), s)
	}})

	var enabled bool
	var urlPattern string
	set := &cobra.Command{Use: "set", Short: "Update capture settings", RunE: func(cmd *cobra.Command, args []string) error {
		var upd types.SettingsUpdate
		if cmd.Flags().Changed("enabled") {
			upd.Enabled = &enabled
		}
		if cmd.Flags().Changed("pattern") {
			upd.URLPattern = &urlPattern
		}
		if upd.Enabled == nil && upd.URLPattern == nil {
			return errors.New("nothing to set: pass --enabled and/or --pattern")
		}
		cfg, err := load()
		if err != nil {
			return err
		}
		var reply struct {
			Settings types.Settings `json:"settings"`
			Warning  string         `json:"warning"`
		}
		if err := newHubClient(cfg).sendJSON(cmd.Context(), http.MethodPut, "/api/settings", upd, &reply); err != nil {
			return err
		}
		if reply.Warning != "" {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning:", reply.Warning)
		}
		return printJSON(cmd.OutOrStdout(), reply.Settings)
	}}
	set.Flags().BoolVar(&enabled, "enabled", false, "enable or disable capture")
	set.Flags().StringVar(&urlPattern, "pattern", "", "URL regular expression to capture")
	cmd.AddCommand(set)

	return cmd
}

func newRequestsCmd(load loader) *cobra.Command {
	cmd := &cobra.Command{Use: "requests", Short: "Inspect captured requests"}

	var asJSON, group, failed bool
	var q requestQuery
	list := &cobra.Command{Use: "list", Short: "List captured requests, newest first", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		params := q.values()
		if failed {
			params.Set("failed", "true")
		}
		c := newHubClient(cfg)
		if group {
			params.Set("group", "true")
			var endpoints []filter.Endpoint
			if err := c.getJSON(cmd.Context(), "/api/requests", params, &endpoints); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), endpoints)
			}
			return printEndpoints(cmd.OutOrStdout(), endpoints)
		}
		var exchanges []types.CapturedExchange
		if err := c.getJSON(cmd.Context(), "/api/requests", params, &exchanges); err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), exchanges)
		}
		return printExchanges(cmd.OutOrStdout(), exchanges)
	}}
	list.Flags().BoolVar(&asJSON, "json", false, "print raw JSON")
	list.Flags().BoolVar(&group, "group", false, "group by endpoint")
	list.Flags().BoolVar(&failed, "failed", false, "only calls that failed without a response")
	q.bind(list)
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{Use: "clear", Short: "Empty the capture store", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		if err := newHubClient(cfg).sendJSON(cmd.Context(), http.MethodDelete, "/api/requests", nil, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "cleared")
		return nil
	}})

	return cmd
}

func newExportCmd(load loader) *cobra.Command {
	var harPath string
	var q requestQuery
	cmd := &cobra.Command{Use: "export", Short: "Export captured requests as HAR", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		var f har.File
		if err := newHubClient(cfg).getJSON(cmd.Context(), "/api/requests.har", q.values(), &f); err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if harPath != "-" {
			file, err := os.Create(harPath)
			if err != nil {
				return err
			}
			defer file.Close()
			out = file
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(f); err != nil {
			return fmt.Errorf("write har: %w", err)
		}
		if harPath != "-" {
			fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d entries to %s\n", len(f.Log.Entries), harPath)
		}
		return nil
	}}
	cmd.Flags().StringVar(&harPath, "har", "", "HAR file path, - for stdout")
	q.bind(cmd)
	_ = cmd.MarkFlagRequired("har")
	return cmd
}

func newImportCmd(load loader) *cobra.Command {
	var harPath, tabID string
	cmd := &cobra.Command{Use: "import", Short: "Replay a HAR file into the hub", RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := load()
		if err != nil {
			return err
		}
		list, err := har.Parse(harPath)
		if err != nil {
			return err
		}
		logger := observability.GetLogger()
		defer observability.Sync()

		sender := relay.Sender{TabID: tabID}
		ch, err := relay.DialWS(cfg.Relay.HubURL, sender, relay.WithWSLogger(logger))
		if err != nil {
			return err
		}
		defer ch.Close()

		for i := range list {
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Relay.CallTimeout)
			_, err := ch.Call(ctx, relay.Envelope{Action: relay.ActionLogRequest, Sender: &sender, Exchange: &list[i]})
			cancel()
			if err != nil {
				return fmt.Errorf("import entry %d: %w", i, err)
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d entries\n", len(list))
		return nil
	}}
	cmd.Flags().StringVar(&harPath, "har", "", "HAR file path")
	cmd.Flags().StringVar(&tabID, "tab", "har-import", "tab id recorded on imported exchanges")
	_ = cmd.MarkFlagRequired("har")
	return cmd
}

func newFetchCmd(load loader) *cobra.Command {
	var method, data, page, tabID string
	var headers []string
	var useXHR bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "fetch URL",
		Short: "Issue one request from a page context, capturing it through the hub",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			defer observability.Sync()

			if page == "" {
				page = args[0]
			}
			if tabID == "" {
				tabID = uuid.NewString()
			}
			header, err := parseHeaders(headers)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pc, err := newPageContext(ctx, cfg, logger, relay.Sender{TabID: tabID, URL: page})
			if err != nil {
				return err
			}
			defer pc.Close()

			select {
			case <-pc.agent.Loaded():
			case <-ctx.Done():
				return ctx.Err()
			}
			logger.Debug("page context ready", zap.String("tab", tabID), zap.Bool("enabled", pc.policy.Settings().Enabled))

			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			var status int
			var body string
			if useXHR {
				status, body, err = pc.xhr(callCtx, method, args[0], header, data)
			} else {
				status, body, err = pc.fetch(callCtx, method, args[0], header, data)
			}
			// failed calls are captured too, so flush before reporting
			flushCtx, cancelFlush := context.WithTimeout(ctx, cfg.Relay.CallTimeout)
			defer cancelFlush()
			if ferr := pc.agent.Flush(flushCtx); ferr != nil {
				logger.Warn("flush to hub failed", zap.Error(ferr))
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.ErrOrStderr(), "status", status)
			fmt.Fprintln(cmd.OutOrStdout(), body)
			return nil
		},
	}
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "request method")
	cmd.Flags().StringVarP(&data, "data", "d", "", "request body")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, `request header as "Name: value"`)
	cmd.Flags().StringVar(&page, "page", "", "page URL relative targets resolve against (defaults to URL)")
	cmd.Flags().StringVar(&tabID, "tab", "", "tab id (random when empty)")
	cmd.Flags().BoolVar(&useXHR, "xhr", false, "use the callback-style primitive instead of fetch")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}

func parseHeaders(lines []string) (http.Header, error) {
	h := make(http.Header)
	for _, line := range lines {
		name, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", line)
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printExchanges(w io.Writer, list []types.CapturedExchange) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tMETHOD\tSTATUS\tTIME\tURL")
	for _, e := range list {
		status := fmt.Sprint(e.StatusCode)
		if e.Failed() {
			status = "ERR"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%dms\t%s\n", e.ID, e.Kind, e.Method, status, e.ResponseTime, e.URL)
	}
	return tw.Flush()
}

func printEndpoints(w io.Writer, list []filter.Endpoint) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "METHOD\tENDPOINT\tCOUNT\tSTATUSES\tERRORS")
	for _, ep := range list {
		fmt.Fprintf(tw, "%s\t%s%s\t%d\t%v\t%d\n", ep.Method, ep.BaseURL, ep.Path, ep.Count, ep.Statuses, ep.Errors)
	}
	return tw.Flush()
}
