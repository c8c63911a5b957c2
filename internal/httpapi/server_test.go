package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/trafficlaw/internal/config"
	"github.com/ent0n29/trafficlaw/internal/corpus"
	"github.com/ent0n29/trafficlaw/internal/embedding"
	"github.com/ent0n29/trafficlaw/internal/generation"
	"github.com/ent0n29/trafficlaw/internal/memory"
	"github.com/ent0n29/trafficlaw/internal/observability"
	"github.com/ent0n29/trafficlaw/internal/prompt"
	"github.com/ent0n29/trafficlaw/internal/rag"
)

var metricsSeq atomic.Int64

// newTestMetrics registers a fresh namespace; promauto panics on duplicates.
func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics(fmt.Sprintf("test_httpapi_%d_%d", time.Now().UnixNano(), metricsSeq.Add(1)))
}

func testConfig() config.Config {
	return config.Config{
		AllowedOrigins: []string{"http://localhost:3000"},
		RetrievalTopK:  20,
	}
}

func newPipeline(t *testing.T) (*rag.Orchestrator, *corpus.InMemoryStore) {
	t.Helper()
	emb := embedding.NewHashProvider(64)
	store := corpus.NewInMemoryStore(64)
	vec, err := emb.Embed(context.Background(), "BAC limit is 0.05% for private drivers")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if _, err := store.Add(corpus.Chunk{Content: "BAC limit is 0.05% for private drivers", Source: "RA10586.pdf"}, vec); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	orch, err := rag.New(rag.Deps{
		Memory:    memory.NewStore(10),
		Retriever: corpus.NewRetriever(emb, store, time.Second, nil, nil),
		Composer:  prompt.NewComposer(6),
		Generator: generation.NewMockGenerator(),
	}, rag.Options{TopK: 20})
	if err != nil {
		t.Fatalf("rag.New() error = %v", err)
	}
	return orch, store
}

func newTestServer(t *testing.T, cfg config.Config, chat ChatService, ready Readiness) *httptest.Server {
	t.Helper()
	srv := New(cfg, Deps{Chat: chat, Corpus: ready, Metrics: newTestMetrics()})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body string) *http.Response {
	t.Helper()
	res, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response) map[string]any {
	t.Helper()
	defer res.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestChatAndClearSession(t *testing.T) {
	orch, store := newPipeline(t)
	ts := newTestServer(t, testConfig(), orch, store)

	res := postJSON(t, ts.URL+"/chat", `{"session_id":"sess-1","query":"What is the BAC limit?"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("POST /chat status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if res.Header.Get("X-Turn-ID") == "" {
		t.Fatalf("missing X-Turn-ID header")
	}
	body := decodeBody(t, res)
	if answer, _ := body["answer"].(string); answer == "" {
		t.Fatalf("empty answer in %v", body)
	}
	docs, ok := body["retrieved_docs"].([]any)
	if !ok || len(docs) != 1 || docs[0] != "BAC limit is 0.05% for private drivers" {
		t.Fatalf("retrieved_docs = %v", body["retrieved_docs"])
	}

	for i, want := range []struct {
		cleared bool
		message string
	}{
		{true, "Session memory cleared."},
		{false, "Session ID not found."},
	} {
		req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/sess-1", nil)
		delRes, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("DELETE error = %v", err)
		}
		if delRes.StatusCode != http.StatusOK {
			t.Fatalf("DELETE #%d status = %d, want 200", i, delRes.StatusCode)
		}
		got := decodeBody(t, delRes)
		if got["cleared"] != want.cleared || got["message"] != want.message {
			t.Fatalf("DELETE #%d = %v, want cleared=%v message=%q", i, got, want.cleared, want.message)
		}
	}
}

func TestChatValidationFailures(t *testing.T) {
	orch, store := newPipeline(t)
	ts := newTestServer(t, testConfig(), orch, store)

	res := postJSON(t, ts.URL+"/chat", `{"session_id":"../etc","query":"hi"}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
	body := decodeBody(t, res)
	if body["code"] != "validation_failed" {
		t.Fatalf("code = %v, want validation_failed", body["code"])
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "session_id") {
		t.Fatalf("error = %q, want a session_id reason", msg)
	}

	res = postJSON(t, ts.URL+"/chat", `{"session_id":`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", res.StatusCode)
	}
	if body := decodeBody(t, res); body["code"] != "invalid_request" {
		t.Fatalf("code = %v, want invalid_request", body["code"])
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/sessions/bad%20id", nil)
	delRes, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE error = %v", err)
	}
	if delRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("DELETE bad id status = %d, want 400", delRes.StatusCode)
	}
	delRes.Body.Close()
}

type failingChat struct {
	err error
}

func (f failingChat) Respond(context.Context, rag.ChatRequest) (rag.Response, error) {
	return rag.Response{}, f.err
}

func (f failingChat) ClearSession(string) (rag.ClearResult, error) {
	return rag.ClearResult{}, nil
}

func TestChatFailureIsGeneric(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("%w: %w", rag.ErrGenerationFailed, errors.New("groq: 401 invalid api key sk-secret")), "generation_failed"},
		{fmt.Errorf("%w: boom", rag.ErrMemoryFailed), "memory_failed"},
	}
	for _, tc := range cases {
		ts := newTestServer(t, testConfig(), failingChat{err: tc.err}, nil)
		res := postJSON(t, ts.URL+"/chat", `{"session_id":"s","query":"q"}`)
		if res.StatusCode != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", res.StatusCode)
		}
		body := decodeBody(t, res)
		if body["error"] != "Failed to generate response" || body["code"] != tc.code {
			t.Fatalf("body = %v, want generic %s", body, tc.code)
		}
	}
}

func TestCORS(t *testing.T) {
	orch, store := newPipeline(t)
	ts := newTestServer(t, testConfig(), orch, store)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d, want 204", res.StatusCode)
	}
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("Access-Control-Allow-Origin = %q", got)
	}
	if got := res.Header.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Fatalf("Access-Control-Allow-Credentials = %q", got)
	}

	req, _ = http.NewRequest(http.MethodOptions, ts.URL+"/chat", nil)
	req.Header.Set("Origin", "http://evil.example")
	res, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS error = %v", err)
	}
	res.Body.Close()
	if got := res.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Access-Control-Allow-Origin = %q for disallowed origin", got)
	}
}

func TestChatRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 1
	orch, store := newPipeline(t)
	ts := newTestServer(t, cfg, orch, store)

	first := postJSON(t, ts.URL+"/chat", `{"session_id":"s","query":"q"}`)
	first.Body.Close()
	if first.StatusCode != http.StatusOK {
		t.Fatalf("first status = %d, want 200", first.StatusCode)
	}
	second := postJSON(t, ts.URL+"/chat", `{"session_id":"s","query":"q"}`)
	if second.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", second.StatusCode)
	}
	if second.Header.Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
	if body := decodeBody(t, second); body["code"] != "rate_limited" {
		t.Fatalf("code = %v, want rate_limited", body["code"])
	}
}

type downCorpus struct{}

func (downCorpus) Ping(context.Context) error            { return errors.New("dial tcp: refused") }
func (downCorpus) Count(context.Context) (int64, error) { return 0, errors.New("dial tcp: refused") }

func TestHealthAndReadiness(t *testing.T) {
	orch, store := newPipeline(t)
	ts := newTestServer(t, testConfig(), orch, store)

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", res.StatusCode)
	}
	res.Body.Close()

	res, err = http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	body := decodeBody(t, res)
	if res.StatusCode != http.StatusOK || body["corpus_chunks"] != float64(1) {
		t.Fatalf("readyz = %d %v", res.StatusCode, body)
	}

	down := newTestServer(t, testConfig(), orch, downCorpus{})
	res, err = http.Get(down.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz error = %v", err)
	}
	body = decodeBody(t, res)
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", res.StatusCode)
	}
	if strings.Contains(fmt.Sprint(body), "refused") {
		t.Fatalf("readyz leaked storage detail: %v", body)
	}

	res, err = http.Get(ts.URL + "/v1/perf/latency")
	if err != nil {
		t.Fatalf("GET /v1/perf/latency error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d", res.StatusCode)
	}
	res.Body.Close()
}

func TestChatWebSocket(t *testing.T) {
	orch, store := newPipeline(t)
	ts := newTestServer(t, testConfig(), orch, store)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://localhost:3000"}})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	send := func(v any) {
		if err := conn.WriteJSON(v); err != nil {
			t.Fatalf("WriteJSON() error = %v", err)
		}
	}
	read := func() map[string]any {
		var out map[string]any
		if err := conn.ReadJSON(&out); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		return out
	}

	send(map[string]any{"type": "chat_request", "request_id": "r1", "session_id": "ws-1", "query": "What is the BAC limit?"})
	got := read()
	if got["type"] != "chat_response" || got["request_id"] != "r1" || got["answer"] == "" {
		t.Fatalf("chat reply = %v", got)
	}

	send(map[string]any{"type": "chat_request", "request_id": "r2", "session_id": "../etc", "query": "q"})
	got = read()
	if got["type"] != "error_event" || got["code"] != "validation_failed" || got["retryable"] != false {
		t.Fatalf("invalid reply = %v", got)
	}

	send(map[string]any{"type": "clear_session", "request_id": "r3", "session_id": "ws-1"})
	got = read()
	if got["type"] != "session_cleared" || got["cleared"] != true {
		t.Fatalf("clear reply = %v", got)
	}

	send(map[string]any{"type": "bogus"})
	got = read()
	if got["type"] != "error_event" || got["code"] != "invalid_client_message" {
		t.Fatalf("bogus reply = %v", got)
	}
}

func TestChatWebSocketRejectsForeignOrigin(t *testing.T) {
	orch, store := newPipeline(t)
	ts := newTestServer(t, testConfig(), orch, store)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/chat/ws"
	_, res, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"http://evil.example"}})
	if err == nil {
		t.Fatalf("Dial() succeeded for foreign origin")
	}
	if res == nil || res.StatusCode != http.StatusForbidden {
		t.Fatalf("response = %v, want 403", res)
	}
}
