package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/trafficlaw/internal/protocol"
)

type options struct {
	baseURL        string
	sessionID      string
	transport      string
	turns          int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	queries        []string
	verbose        bool
}

type chatRequest struct {
	SessionID string `json:"session_id"`
	Query     string `json:"query"`
}

type chatResponse struct {
	Answer        string   `json:"answer"`
	RetrievedDocs []string `json:"retrieved_docs"`
}

type wsEnvelope struct {
	Type          string   `json:"type"`
	RequestID     string   `json:"request_id,omitempty"`
	Code          string   `json:"code,omitempty"`
	Detail        string   `json:"detail,omitempty"`
	Answer        string   `json:"answer,omitempty"`
	RetrievedDocs []string `json:"retrieved_docs,omitempty"`
}

type turnResult struct {
	Query   string
	Latency time.Duration
	Docs    int
	Err     error
}

type summary struct {
	Turns  int
	Failed int
	P50    time.Duration
	P95    time.Duration
	Max    time.Duration
}

var defaultQueries = []string{
	"What is the penalty for driving without a license?",
	"What is the blood alcohol limit for private motorists?",
	"Is using a phone while driving allowed?",
	"What are the seatbelt requirements for passengers?",
}

// chatter sends one query and reports how many documents grounded the answer.
type chatter interface {
	Chat(ctx context.Context, query string) (int, error)
	Close() error
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "perfchat: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var queriesRaw string
	var interTurnMS int
	var turnTimeoutMS int

	fs := flag.NewFlagSet("perfchat", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8000", "trafficlaw base URL")
	fs.StringVar(&cfg.sessionID, "session-id", "", "session_id for the replay (random when empty)")
	fs.StringVar(&cfg.transport, "transport", "http", "transport to exercise: http or ws")
	fs.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 100, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 45000, "timeout per turn in milliseconds")
	fs.StringVar(&queriesRaw, "queries", "", "questions separated by '|' (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	cfg.transport = strings.ToLower(strings.TrimSpace(cfg.transport))
	if cfg.transport != "http" && cfg.transport != "ws" {
		return options{}, fmt.Errorf("transport must be http or ws")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	cfg.sessionID = strings.TrimSpace(cfg.sessionID)
	if cfg.sessionID == "" {
		cfg.sessionID = "perf-" + uuid.NewString()
	}

	cfg.queries = splitQueries(queriesRaw)
	if strings.TrimSpace(queriesRaw) != "" && len(cfg.queries) == 0 {
		return options{}, fmt.Errorf("queries produced no non-empty questions")
	}
	if len(cfg.queries) == 0 {
		cfg.queries = append([]string(nil), defaultQueries...)
	}
	return cfg, nil
}

func splitQueries(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if q := strings.TrimSpace(part); q != "" {
			out = append(out, q)
		}
	}
	return out
}

func run(cfg options, out io.Writer) error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: cfg.turnTimeout}
	var c chatter
	switch cfg.transport {
	case "ws":
		wc, err := dialWS(ctx, cfg.baseURL, cfg.sessionID)
		if err != nil {
			return fmt.Errorf("open websocket: %w", err)
		}
		c = wc
	default:
		c = &httpChatter{client: httpClient, baseURL: cfg.baseURL, sessionID: cfg.sessionID}
	}
	defer c.Close()
	defer func() {
		_ = clearSession(context.Background(), httpClient, cfg.baseURL, cfg.sessionID)
	}()

	if cfg.verbose {
		fmt.Fprintf(out, "perfchat: session=%s transport=%s turns=%d\n", cfg.sessionID, cfg.transport, cfg.turns)
	}

	results := make([]turnResult, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		query := cfg.queries[i%len(cfg.queries)]
		turnCtx, turnCancel := context.WithTimeout(ctx, cfg.turnTimeout)
		started := time.Now()
		docs, err := c.Chat(turnCtx, query)
		turnCancel()
		res := turnResult{Query: query, Latency: time.Since(started), Docs: docs, Err: err}
		results = append(results, res)
		if cfg.verbose {
			if err != nil {
				fmt.Fprintf(out, "perfchat: turn %d/%d failed after %s: %v\n", i+1, cfg.turns, res.Latency.Round(time.Millisecond), err)
			} else {
				fmt.Fprintf(out, "perfchat: turn %d/%d %s docs=%d query=%q\n", i+1, cfg.turns, res.Latency.Round(time.Millisecond), docs, query)
			}
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

	s := summarize(results)
	fmt.Fprintf(out, "perfchat: turns=%d failed=%d p50=%s p95=%s max=%s\n",
		s.Turns, s.Failed, s.P50.Round(time.Millisecond), s.P95.Round(time.Millisecond), s.Max.Round(time.Millisecond))
	if stages, err := fetchStageLatency(ctx, httpClient, cfg.baseURL); err == nil {
		fmt.Fprintf(out, "perfchat: server stages %s\n", stages)
	}
	if s.Failed == s.Turns {
		return fmt.Errorf("all %d turns failed", s.Turns)
	}
	return nil
}

// summarize computes latency percentiles over successful turns only.
func summarize(results []turnResult) summary {
	s := summary{Turns: len(results)}
	latencies := make([]time.Duration, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			s.Failed++
			continue
		}
		latencies = append(latencies, r.Latency)
	}
	if len(latencies) == 0 {
		return s
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	s.P50 = percentile(latencies, 0.50)
	s.P95 = percentile(latencies, 0.95)
	s.Max = latencies[len(latencies)-1]
	return s
}

// percentile uses nearest-rank over an ascending slice.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

type httpChatter struct {
	client    *http.Client
	baseURL   string
	sessionID string
}

func (h *httpChatter) Chat(ctx context.Context, query string) (int, error) {
	payload, err := json.Marshal(chatRequest{SessionID: h.sessionID, Query: query})
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/chat", bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := h.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	if res.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out chatResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, err
	}
	if strings.TrimSpace(out.Answer) == "" {
		return 0, fmt.Errorf("empty answer")
	}
	return len(out.RetrievedDocs), nil
}

func (h *httpChatter) Close() error { return nil }

type wsChatter struct {
	conn      *websocket.Conn
	sessionID string
	seq       int
}

func dialWS(ctx context.Context, baseURL, sessionID string) (*wsChatter, error) {
	wsURL, err := wsURLFor(baseURL)
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, err
	}
	return &wsChatter{conn: conn, sessionID: sessionID}, nil
}

func (w *wsChatter) Chat(ctx context.Context, query string) (int, error) {
	w.seq++
	requestID := fmt.Sprintf("perf-%d", w.seq)
	if err := w.conn.WriteJSON(protocol.ChatRequest{
		Type:      protocol.TypeChatRequest,
		RequestID: requestID,
		SessionID: w.sessionID,
		Query:     query,
	}); err != nil {
		return 0, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = w.conn.SetReadDeadline(deadline)
		defer func() { _ = w.conn.SetReadDeadline(time.Time{}) }()
	}
	for {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.RequestID != requestID {
			continue
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeChatResponse:
			return len(env.RetrievedDocs), nil
		case protocol.TypeErrorEvent:
			return 0, fmt.Errorf("error_event code=%s detail=%s", env.Code, env.Detail)
		}
	}
}

func (w *wsChatter) Close() error { return w.conn.Close() }

func wsURLFor(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/ws"
	return u.String(), nil
}

func clearSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func fetchStageLatency(ctx context.Context, client *http.Client, baseURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/v1/perf/latency", nil)
	if err != nil {
		return "", err
	}
	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", res.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}
