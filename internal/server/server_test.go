package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chattyhq/chatty/chat"
	"github.com/chattyhq/chatty/internal/metrics"
	"github.com/chattyhq/chatty/llm"
)

type fakeChatter struct {
	events  []chat.StreamEvent
	lastReq chat.Request
}

func (f *fakeChatter) Chat(_ context.Context, req chat.Request) <-chan chat.StreamEvent {
	f.lastReq = req
	ch := make(chan chat.StreamEvent, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch
}

type fakeHistory struct {
	msgs []llm.Message
}

func (f *fakeHistory) SessionMessages(context.Context, string, int) ([]llm.Message, error) {
	return f.msgs, nil
}

func newTestServer(chatter Chatter, history HistoryLoader) *Server {
	return New(Config{Addr: ":0", RatePerSecond: 1000, RateBurst: 1000},
		chatter, history, nil, nil, metrics.NewCollector(), zap.NewNop())
}

func postChat(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat", strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:12345"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func parseSSE(t *testing.T, body string) []chat.StreamEvent {
	t.Helper()
	var events []chat.StreamEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			continue
		}
		var ev chat.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(data), &ev))
		events = append(events, ev)
	}
	return events
}

func TestHandleChatStreamsEvents(t *testing.T) {
	chatter := &fakeChatter{events: []chat.StreamEvent{
		{Type: chat.EventThinking, Content: "hmm"},
		{Type: chat.EventContent, Content: "hello"},
	}}
	srv := newTestServer(chatter, nil)

	w := postChat(t, srv.Handler(), `{"session_id":"s1","query":"hi"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), "data: [DONE]")

	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 2)
	assert.Equal(t, chat.EventThinking, events[0].Type)
	assert.Equal(t, "hello", events[1].Content)

	assert.Equal(t, "s1", chatter.lastReq.SessionID)
	assert.Equal(t, "hi", chatter.lastReq.Query)
}

func TestHandleChatLoadsSessionHistory(t *testing.T) {
	chatter := &fakeChatter{}
	history := &fakeHistory{msgs: []llm.Message{
		{Role: llm.RoleUser, Content: "earlier"},
		{Role: llm.RoleAssistant, Content: "reply"},
	}}
	srv := newTestServer(chatter, history)

	postChat(t, srv.Handler(), `{"session_id":"s1","query":"next"}`)

	require.Len(t, chatter.lastReq.History, 2)
	assert.Equal(t, "earlier", chatter.lastReq.History[0].Content)
}

func TestHandleChatValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing query", `{"session_id":"s1"}`},
		{"missing session", `{"query":"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeChatter{}, nil)
			w := postChat(t, srv.Handler(), tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), "error")
		})
	}
}

func TestHandleChatTerminalError(t *testing.T) {
	chatter := &fakeChatter{events: []chat.StreamEvent{
		{Type: chat.EventError, Error: &chat.ErrorInfo{
			Code: chat.ErrCodeModelFailure, Message: "bad gateway",
		}},
	}}
	srv := newTestServer(chatter, nil)

	w := postChat(t, srv.Handler(), `{"session_id":"s1","query":"hi"}`)

	// The stream already started, so the failure arrives as a terminal
	// event on a 200 response.
	assert.Equal(t, http.StatusOK, w.Code)
	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 1)
	assert.Equal(t, chat.EventError, events[0].Type)
	assert.Equal(t, chat.ErrCodeModelFailure, events[0].Error.Code)
}

func TestRateLimiting(t *testing.T) {
	srv := New(Config{Addr: ":0", RatePerSecond: 0.001, RateBurst: 1},
		&fakeChatter{}, nil, nil, nil, nil, zap.NewNop())

	first := postChat(t, srv.Handler(), `{"session_id":"s1","query":"hi"}`)
	assert.Equal(t, http.StatusOK, first.Code)

	second := postChat(t, srv.Handler(), `{"session_id":"s1","query":"hi"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestRateLimitIsPerIP(t *testing.T) {
	srv := New(Config{Addr: ":0", RatePerSecond: 0.001, RateBurst: 1},
		&fakeChatter{}, nil, nil, nil, nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat",
			strings.NewReader(`{"session_id":"s1","query":"hi"}`))
		req.RemoteAddr = fmt.Sprintf("10.0.0.%d:1000", i)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestGlobalRateLimitSpansIPs(t *testing.T) {
	srv := New(Config{Addr: ":0", RatePerSecond: 1000, RateBurst: 1000,
		GlobalRatePerSecond: 0.001, GlobalBurst: 2},
		&fakeChatter{}, nil, nil, nil, nil, zap.NewNop())

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat",
			strings.NewReader(`{"session_id":"s1","query":"hi"}`))
		req.RemoteAddr = fmt.Sprintf("10.0.0.%d:1000", i)
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestHealthzWithoutProvider(t *testing.T) {
	srv := newTestServer(&fakeChatter{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(&fakeChatter{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
