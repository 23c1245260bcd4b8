package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/promptrelay/internal/control"
	"github.com/stupiduntilnot/promptrelay/internal/conversation"
	"github.com/stupiduntilnot/promptrelay/internal/dummy"
	"github.com/stupiduntilnot/promptrelay/internal/ratelimit"
	"github.com/stupiduntilnot/promptrelay/internal/relay"
	"github.com/stupiduntilnot/promptrelay/internal/session"
)

type wordCounter struct{}

func (wordCounter) Count(text string) (int, error) {
	return len(strings.Fields(text)), nil
}

type stack struct {
	srv      *Server
	http     *httptest.Server
	client   *http.Client
	provider *dummy.Provider
	sessions *session.MemoryStore
	svc      *relay.Service
}

func newStack(t *testing.T, script string, rate ratelimit.Rate) *stack {
	t.Helper()
	provider, err := dummy.NewProvider("test", script)
	require.NoError(t, err)
	svc := relay.NewService(
		conversation.NewWindow(wordCounter{}, conversation.EvictPair),
		nil, provider,
		control.NewCircuitBreaker(2, time.Hour),
		nil,
		relay.Options{SystemPrompt: "sys", Budget: conversation.Budget{MaxContextTokens: 50, ResponseReserve: 10}},
		zerolog.Nop(),
	)
	sessions := session.NewMemoryStore()
	srv := New(svc, sessions, ratelimit.New(rate), Options{SessionIdle: time.Hour}, zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return &stack{
		srv:      srv,
		http:     ts,
		client:   &http.Client{Jar: jar, Timeout: 5 * time.Second},
		provider: provider,
		sessions: sessions,
		svc:      svc,
	}
}

var unlimited = ratelimit.Rate{}

func (s *stack) post(t *testing.T, body string) (int, map[string]string, http.Header) {
	t.Helper()
	resp, err := s.client.Post(s.http.URL+"/openai-completion", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]string{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out, resp.Header
}

func TestCompletion_OK(t *testing.T) {
	s := newStack(t, "msg:{\"answer\":42}", unlimited)

	status, body, header := s.post(t, `{"user_id": 1, "prompt": "what is it"}`)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, `{"answer":42}`, body["response"])
	assert.Contains(t, header.Get("Set-Cookie"), SessionCookie+"=")
	assert.Equal(t, "application/json", header.Get("Content-Type"))
}

func TestCompletion_SessionCarriesConversation(t *testing.T) {
	s := newStack(t, "echo", unlimited)

	status, _, _ := s.post(t, `{"user_id": 1, "prompt": "first"}`)
	require.Equal(t, http.StatusOK, status)
	status, body, _ := s.post(t, `{"user_id": 1, "prompt": "second"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "second", body["response"])

	reqs := s.provider.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 4)
	assert.Equal(t, 1, s.sessions.Len())
}

func TestCompletion_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"not json", `{"user_id": 1, "prompt": `, msgInvalidRequest},
		{"missing prompt", `{"user_id": 1}`, msgInvalidRequest},
		{"empty prompt", `{"user_id": 1, "prompt": ""}`, msgInvalidRequest},
		{"prompt not string", `{"user_id": 1, "prompt": 5}`, msgInvalidRequest},
		{"null body", `null`, msgInvalidRequest},
		{"missing user_id", `{"prompt": "hi"}`, msgInvalidUserID},
		{"string user_id", `{"user_id": "1", "prompt": "hi"}`, msgInvalidUserID},
		{"float user_id", `{"user_id": 1.5, "prompt": "hi"}`, msgInvalidUserID},
		{"null user_id", `{"user_id": null, "prompt": "hi"}`, msgInvalidUserID},
		{"bool user_id", `{"user_id": true, "prompt": "hi"}`, msgInvalidUserID},
	}
	s := newStack(t, "ok", unlimited)
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			status, body, _ := s.post(t, c.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, c.want, body["error"])
		})
	}
	assert.Empty(t, s.provider.Requests())
	assert.Zero(t, s.sessions.Len(), "rejected requests start no session")
}

func TestCompletion_RateLimited(t *testing.T) {
	s := newStack(t, "ok", ratelimit.Rate{Count: 2, Period: time.Hour})

	for i := 0; i < 2; i++ {
		status, _, _ := s.post(t, `{"user_id": 1, "prompt": "hi"}`)
		require.Equal(t, http.StatusOK, status)
	}
	status, body, header := s.post(t, `{"user_id": 1, "prompt": "hi"}`)
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, msgRateLimited, body["error"])
	assert.NotEmpty(t, header.Get("Retry-After"))
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 0, retryAfterSeconds(0))
	assert.Equal(t, 0, retryAfterSeconds(-time.Second))
	assert.Equal(t, 1, retryAfterSeconds(100*time.Millisecond))
	assert.Equal(t, 1, retryAfterSeconds(time.Second))
	assert.Equal(t, 2, retryAfterSeconds(1001*time.Millisecond))
	assert.Equal(t, 360, retryAfterSeconds(6*time.Minute))
}

func TestWriteError_RetryAfterRoundsUpSubSecondWaits(t *testing.T) {
	s := newStack(t, "ok", unlimited)
	rec := httptest.NewRecorder()

	s.srv.writeError(rec, &control.LimitError{Type: control.LimitRate, Key: "1.2.3.4", RetryIn: 300 * time.Millisecond, Threshold: 4})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCompletion_PromptTooLarge(t *testing.T) {
	s := newStack(t, "ok", unlimited)
	prompt := strings.Repeat("word ", 60)
	status, body, _ := s.post(t, `{"user_id": 1, "prompt": "`+prompt+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)
	assert.Equal(t, msgTooLarge, body["error"])
}

func TestCompletion_ProviderFailureThenCircuitOpen(t *testing.T) {
	s := newStack(t, "err:boom", unlimited)

	for i := 0; i < 2; i++ {
		status, body, _ := s.post(t, `{"user_id": 1, "prompt": "hi"}`)
		assert.Equal(t, http.StatusInternalServerError, status)
		assert.Equal(t, msgInternal, body["error"])
	}
	status, body, _ := s.post(t, `{"user_id": 1, "prompt": "hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, msgUnavailable, body["error"])
}

func TestEndSession(t *testing.T) {
	s := newStack(t, "ok", unlimited)
	status, _, _ := s.post(t, `{"user_id": 1, "prompt": "hi"}`)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1, s.sessions.Len())

	req, err := http.NewRequest(http.MethodDelete, s.http.URL+"/session", nil)
	require.NoError(t, err)
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Zero(t, s.sessions.Len())

	status, _, _ = s.post(t, `{"user_id": 1, "prompt": "again"}`)
	require.Equal(t, http.StatusOK, status)
	reqs := s.provider.Requests()
	assert.Len(t, reqs[len(reqs)-1].Messages, 2, "fresh conversation")
}

func TestHealthz(t *testing.T) {
	s := newStack(t, "ok", unlimited)
	resp, err := s.client.Get(s.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	s := newStack(t, "ok", unlimited)
	resp, err := s.client.Get(s.http.URL + "/openai-completion")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestClientKey(t *testing.T) {
	srv := &Server{}
	r := httptest.NewRequest(http.MethodPost, "/openai-completion", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "10.1.2.3", srv.clientKey(r))

	srv.opts.TrustProxy = true
	assert.Equal(t, "203.0.113.9", srv.clientKey(r))

	r.Header.Del("X-Forwarded-For")
	assert.Equal(t, "10.1.2.3", srv.clientKey(r))
}

func TestParseUserID(t *testing.T) {
	cases := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{"7", 7, true},
		{" -3 ", -3, true},
		{"0", 0, true},
		{`"7"`, 0, false},
		{"7.0", 0, false},
		{"1e3", 0, false},
		{"null", 0, false},
		{"", 0, false},
		{"[1]", 0, false},
	}
	for _, c := range cases {
		got, ok := parseUserID(json.RawMessage(c.raw))
		assert.Equal(t, c.ok, ok, "raw=%q", c.raw)
		assert.Equal(t, c.want, got, "raw=%q", c.raw)
	}
}

func TestSweep(t *testing.T) {
	s := newStack(t, "ok", ratelimit.Rate{Count: 5, Period: time.Millisecond})
	s.srv.opts.SessionIdle = time.Millisecond
	status, _, _ := s.post(t, `{"user_id": 1, "prompt": "hi"}`)
	require.Equal(t, http.StatusOK, status)

	time.Sleep(10 * time.Millisecond)
	s.srv.Sweep()
	assert.Zero(t, s.sessions.Len())
}

func TestSweeperSchedule(t *testing.T) {
	srv := New(nil, session.NewMemoryStore(), ratelimit.New(unlimited), Options{SweepSchedule: "not a schedule"}, zerolog.Nop())
	require.Error(t, srv.StartSweeper())

	srv = New(nil, session.NewMemoryStore(), ratelimit.New(unlimited), Options{}, zerolog.Nop())
	require.NoError(t, srv.StartSweeper())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	srv.StopSweeper(ctx)
}
