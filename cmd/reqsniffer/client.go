package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourorg/reqsniffer/internal/config"
	"github.com/yourorg/reqsniffer/internal/intercept"
	"github.com/yourorg/reqsniffer/internal/relay"
)

// hubClient talks to the control API of a running hub.
type hubClient struct {
	base   string
	client *http.Client
}

func newHubClient(cfg *config.Config) *hubClient {
	return &hubClient{
		base:   strings.TrimRight(cfg.Relay.HubURL, "/"),
		client: &http.Client{Timeout: cfg.Relay.CallTimeout},
	}
}

func (c *hubClient) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *hubClient) sendJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	return c.do(ctx, method, path, body, out)
}

func (c *hubClient) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("hub unreachable at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var reply relay.Reply
		if err := json.NewDecoder(resp.Body).Decode(&reply); err == nil && reply.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, reply.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// requestQuery holds the list filters shared by "requests list" and "export".
type requestQuery struct {
	grep        string
	methods     []string
	kinds       []string
	contentType []string
	ignoreExt   []string
	status      string
	limit       int
}

func (q *requestQuery) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&q.grep, "grep", "", "only URLs containing this text")
	cmd.Flags().StringSliceVar(&q.methods, "method", nil, "only these methods")
	cmd.Flags().StringSliceVar(&q.kinds, "type", nil, "only these primitives (fetch, xhr)")
	cmd.Flags().StringSliceVar(&q.contentType, "content-type", nil, "only these response content types (image/* style wildcards allowed)")
	cmd.Flags().StringSliceVar(&q.ignoreExt, "ignore-ext", nil, "skip paths ending in these extensions")
	cmd.Flags().StringVar(&q.status, "status", "", `status filter: "404", "4xx" or "200-299"`)
	cmd.Flags().IntVar(&q.limit, "limit", 0, "maximum number of results")
}

func (q *requestQuery) values() url.Values {
	v := url.Values{}
	setIf := func(key, val string) {
		if val != "" {
			v.Set(key, val)
		}
	}
	setIf("q", q.grep)
	setIf("method", strings.Join(q.methods, ","))
	setIf("type", strings.Join(q.kinds, ","))
	setIf("contentType", strings.Join(q.contentType, ","))
	setIf("ignoreExt", strings.Join(q.ignoreExt, ","))
	setIf("status", q.status)
	if q.limit > 0 {
		v.Set("limit", fmt.Sprint(q.limit))
	}
	return v
}

// pageContext is one agent plus interceptor pair, the CLI's stand-in for a browser tab.
type pageContext struct {
	policy *intercept.Policy
	agent  *relay.Agent
	ic     *intercept.Interceptor
	client *http.Client
}

func newPageContext(ctx context.Context, cfg *config.Config, logger *zap.Logger, sender relay.Sender) (*pageContext, error) {
	policy := intercept.NewPolicy(logger)
	ch, err := relay.DialWS(cfg.Relay.HubURL, sender,
		relay.WithWSLogger(logger),
		relay.WithHTTPClient(&http.Client{Timeout: cfg.Relay.CallTimeout}),
	)
	if err != nil {
		return nil, err
	}
	agent := relay.NewAgent(ch, policy,
		relay.WithGracePeriod(cfg.Relay.GracePeriod),
		relay.WithQueueSize(cfg.Relay.QueueSize),
		relay.WithCallTimeout(cfg.Relay.CallTimeout),
		relay.WithAgentLogger(logger),
	)
	if err := agent.Start(ctx); err != nil {
		_ = ch.Close()
		return nil, err
	}
	ic := intercept.New(policy, agent,
		intercept.WithLogger(logger),
		intercept.WithPageURL(sender.URL),
		intercept.WithMaxBodyBytes(cfg.Capture.MaxBodyBytes),
	)
	client := &http.Client{}
	ic.Install(client)
	return &pageContext{policy: policy, agent: agent, ic: ic, client: client}, nil
}

func (p *pageContext) fetch(ctx context.Context, method, target string, header http.Header, data string) (int, string, error) {
	init := &intercept.FetchInit{Method: method, Header: header}
	if data != "" {
		init.Body = strings.NewReader(data)
	}
	resp, err := p.ic.Fetch(ctx, p.client, target, init)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, "", fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

func (p *pageContext) xhr(ctx context.Context, method, target string, header http.Header, data string) (int, string, error) {
	req := intercept.NewRequest(p.client, p.ic.PageURL())
	x := p.ic.WrapXHR(req)
	if err := x.Open(method, target); err != nil {
		return 0, "", err
	}
	for name, values := range header {
		for _, v := range values {
			if err := x.SetRequestHeader(name, v); err != nil {
				return 0, "", err
			}
		}
	}
	var payload any
	if data != "" {
		payload = data
	}
	if err := x.Send(payload); err != nil {
		return 0, "", err
	}
	if err := req.Wait(ctx); err != nil {
		req.Abort()
		return 0, "", err
	}
	return x.Status(), x.ResponseText(), nil
}

func (p *pageContext) Close() {
	_ = p.agent.Close()
	p.client.CloseIdleConnections()
}
