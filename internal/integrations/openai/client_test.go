package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"places-agent/internal/domain"
)

func TestChatURL(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"https://api.openai.com/v1", "https://api.openai.com/v1/chat/completions"},
		{"https://api.openai.com/v1/", "https://api.openai.com/v1/chat/completions"},
		{"http://localhost:8080", "http://localhost:8080/v1/chat/completions"},
		{"", "https://api.openai.com/v1/chat/completions"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, chatURL(tc.base), "base=%q", tc.base)
	}
}

func TestModerationURL(t *testing.T) {
	require.Equal(t, "https://api.openai.com/v1/moderations", moderationURL(""))
	require.Equal(t, "http://localhost:8080/v1/moderations", moderationURL("http://localhost:8080/"))
}

func TestNewClient_NilGetter(t *testing.T) {
	_, err := NewClient(nil, "/places-agent")
	require.ErrorContains(t, err, "nil")
}

func TestNewClient_Valid(t *testing.T) {
	c, err := NewClient(&fakeGetter{}, "/places-agent/")
	require.NoError(t, err)
	require.Equal(t, "https://api.openai.com/v1", c.baseURL)
	require.Equal(t, "/places-agent/open-ai-token", c.tokenParameterName())
}

// fakeGetter is a minimal paramstore.Getter stub for use within this package.
type fakeGetter struct {
	val    string
	err    error
	onCall func(name string)
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	if f.onCall != nil {
		f.onCall(name)
	}
	return f.val, f.err
}

func TestResolveAPIKey_FetchedOnce(t *testing.T) {
	calls := 0
	var asked string
	g := &fakeGetter{val: `{"token":"sk-from-ssm"}`}
	g.onCall = func(name string) {
		calls++
		asked = name
	}
	c, err := NewClient(g, "/places-agent")
	require.NoError(t, err)

	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-from-ssm", key)
	require.Equal(t, "/places-agent/open-ai-token", asked)

	_, _ = c.resolveAPIKey(context.Background())
	require.Equal(t, 1, calls, "the key must only be fetched once per process lifetime")
}

func TestResolveAPIKey_Error(t *testing.T) {
	c, err := NewClient(&fakeGetter{err: errors.New("ssm unavailable")}, "/places-agent")
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), "gpt-mock", nil, domain.ChatParams{})
	require.ErrorContains(t, err, "ssm unavailable")
}

func TestResolveAPIKey_RetriesAfterError(t *testing.T) {
	g := &fakeGetter{err: errors.New("throttled")}
	c, err := NewClient(g, "/places-agent")
	require.NoError(t, err)

	_, err = c.resolveAPIKey(context.Background())
	require.ErrorContains(t, err, "throttled")

	g.err, g.val = nil, "sk-later"
	key, err := c.resolveAPIKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-later", key)
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(
		&fakeGetter{val: `{"token":"sk-test"}`},
		"/places-agent",
		WithBaseURL(srv.URL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	)
	require.NoError(t, err)
	return c
}

func TestClient_Chat_HappyPath(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.Contains(t, string(body), `"response_format":{"type":"json_object"}`)
		require.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-123",
			"object": "chat.completion",
			"created": 1670000000,
			"choices": [{
				"index": 0,
				"message": { "role": "assistant", "content": "Hello from mock" }
			}]
		}`))
	}))
	defer srv.Close()

	temp := 0.3
	c := newTestClient(t, srv)
	resp, err := c.Chat(context.Background(), "gpt-mock",
		[]domain.ChatMessage{{Role: "user", Content: "hi"}},
		domain.ChatParams{Temperature: &temp, MaxTokens: 200, JSONObject: true},
	)
	require.NoError(t, err)
	require.Equal(t, "Hello from mock", resp)
	require.Equal(t, "gpt-mock", got.Model)
	require.Equal(t, 200, got.MaxTokens)
	require.InDelta(t, 0.3, *got.Temperature, 1e-9)
}

func TestClient_Chat_OmitsOptionalFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		require.NotContains(t, string(body), "response_format")
		require.NotContains(t, string(body), "temperature")
		require.NotContains(t, string(body), "max_tokens")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Chat(context.Background(), "gpt-mock", nil, domain.ChatParams{})
	require.NoError(t, err)
}

func TestClient_Chat_Errors(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{name: "bad request", status: 400, body: `{"error":"bad request"}`, wantErr: "unexpected status 400"},
		{name: "rate limited", status: 429, body: `{"error":"rate limited"}`, wantErr: "429"},
		{name: "server error", status: 500, body: `{"error":"boom"}`, wantErr: "500"},
		{name: "invalid json", status: 200, body: `not-a-json`, wantErr: "decode response"},
		{name: "no choices", status: 200, body: `{"choices":[]}`, wantErr: "no choices"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			_, err := c.Chat(context.Background(), "gpt-mock", nil, domain.ChatParams{})
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestClient_Chat_StatusErrorIsInspectable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Chat(context.Background(), "gpt-mock", nil, domain.ChatParams{})
	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
}

func TestClient_Chat_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.httpClient = &http.Client{Timeout: 50 * time.Millisecond}
	_, err := c.Chat(context.Background(), "gpt-mock", nil, domain.ChatParams{})
	require.Error(t, err)
}

func TestClient_Chat_EmptyModel(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"sk-test"}`}, "/places-agent")
	require.NoError(t, err)
	_, err = c.Chat(context.Background(), "", nil, domain.ChatParams{})
	require.ErrorContains(t, err, "model")
}

func TestClient_Moderate(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		flagged bool
		wantErr string
	}{
		{name: "not flagged", status: 200, body: `{"results":[{"flagged":false}]}`},
		{name: "flagged", status: 200, body: `{"results":[{"flagged":true}]}`, flagged: true},
		{name: "rate limited", status: 429, body: `{}`, wantErr: "429"},
		{name: "malformed", status: 200, body: `not-json`, wantErr: "decode moderation response"},
		{name: "empty results", status: 200, body: `{"results":[]}`, wantErr: "no results"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/v1/moderations", r.URL.Path)
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			flagged, err := c.Moderate(context.Background(), "hello")
			if tc.wantErr != "" {
				require.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.flagged, flagged)
		})
	}
}

func TestClient_Moderate_NetworkError(t *testing.T) {
	c, err := NewClient(&fakeGetter{val: `{"token":"sk-test"}`}, "/places-agent")
	require.NoError(t, err)
	c.baseURL = "http://127.0.0.1:1"
	c.httpClient = &http.Client{Timeout: 100 * time.Millisecond}

	_, err = c.Moderate(context.Background(), "hello")
	require.ErrorContains(t, err, "request failed")
}
