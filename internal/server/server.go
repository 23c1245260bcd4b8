// Package server exposes the relay over HTTP and WebSocket.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/promptrelay/internal/control"
	"github.com/stupiduntilnot/promptrelay/internal/ratelimit"
	"github.com/stupiduntilnot/promptrelay/internal/relay"
	"github.com/stupiduntilnot/promptrelay/internal/session"
)

// SessionCookie carries the session id between requests.
const SessionCookie = "relay_session"

const (
	msgInvalidRequest = `Invalid JSON data or missing "prompt" field or missing "user_id" field`
	msgInvalidUserID  = `Missing or invalid "user_id" field`
	msgRateLimited    = "Rate limit exceeded. Please try again later."
	msgTooLarge       = "Prompt is too long for the model context window."
	msgUnavailable    = "Service temporarily unavailable. Please try again later."
	msgInternal       = "Internal server error. Please try again later."
)

// Completer runs one prompt through a session.
type Completer interface {
	Complete(ctx context.Context, sess *session.Session, userID int64, prompt string) (relay.Result, error)
}

// Options configures a Server.
type Options struct {
	// TrustProxy keys rate limits on the first X-Forwarded-For address.
	TrustProxy    bool
	CookieSecure  bool
	SessionIdle   time.Duration
	SweepSchedule string
	// MaxBodyBytes bounds request bodies and WebSocket frames.
	MaxBodyBytes int64
}

// Server routes requests to the relay.
type Server struct {
	relay    Completer
	sessions session.Store
	limiter  *ratelimit.Limiter
	opts     Options
	log      zerolog.Logger

	mux  *http.ServeMux
	cron *cron.Cron
}

func New(completer Completer, sessions session.Store, limiter *ratelimit.Limiter, opts Options, log zerolog.Logger) *Server {
	if opts.SessionIdle <= 0 {
		opts.SessionIdle = 30 * time.Minute
	}
	if opts.SweepSchedule == "" {
		opts.SweepSchedule = "@every 1m"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		relay:    completer,
		sessions: sessions,
		limiter:  limiter,
		opts:     opts,
		log:      log,
		mux:      http.NewServeMux(),
	}
	s.mux.Handle("POST /openai-completion", s.logged(s.handleCompletion))
	s.mux.Handle("DELETE /session", s.logged(s.handleEndSession))
	s.mux.Handle("GET /healthz", s.logged(s.handleHealth))
	s.mux.HandleFunc("GET /ws", s.handleWS)
	return s
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type completionRequest struct {
	UserID json.RawMessage `json:"user_id"`
	Prompt json.RawMessage `json:"prompt"`
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	key := s.clientKey(r)
	if err := s.limiter.Check(key); err != nil {
		s.writeError(w, err)
		return
	}

	var req completionRequest
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgInvalidRequest})
		return
	}
	var prompt string
	if len(req.Prompt) == 0 || json.Unmarshal(req.Prompt, &prompt) != nil || prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgInvalidRequest})
		return
	}
	userID, ok := parseUserID(req.UserID)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msgInvalidUserID})
		return
	}

	sess := s.session(w, r)
	res, err := s.relay.Complete(r.Context(), sess, userID, prompt)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": res.Content})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(SessionCookie); err == nil {
		s.sessions.Delete(c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// session returns the caller's session, starting one when the cookie is
// missing or names an expired session.
func (s *Server) session(w http.ResponseWriter, r *http.Request) *session.Session {
	if c, err := r.Cookie(SessionCookie); err == nil {
		if sess, ok := s.sessions.Get(c.Value); ok {
			return sess
		}
	}
	sess := s.sessions.Create()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    sess.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return sess
}

// parseUserID accepts a JSON integer and nothing else.
func parseUserID(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] == '"' {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	id, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// errorResponse maps a relay error to a status code and client message.
func errorResponse(err error) (int, string) {
	switch {
	case errors.Is(err, relay.ErrEmptyPrompt):
		return http.StatusBadRequest, msgInvalidRequest
	case errors.Is(err, control.ErrLimited):
		return http.StatusTooManyRequests, msgRateLimited
	case errors.Is(err, relay.ErrPromptTooLarge):
		return http.StatusRequestEntityTooLarge, msgTooLarge
	case errors.Is(err, relay.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, msgUnavailable
	default:
		return http.StatusInternalServerError, msgInternal
	}
}

// retryAfterSeconds rounds d up to whole seconds so clients never retry early.
func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, msg := errorResponse(err)
	var le *control.LimitError
	if errors.As(err, &le) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(le.RetryIn)))
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		s.log.Info().Err(err).Int("status", status).Msg("request rejected")
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// clientKey identifies the caller for rate limiting.
func (s *Server) clientKey(r *http.Request) string {
	if s.opts.TrustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logged(h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// Sweep drops idle sessions and rate limiter entries.
func (s *Server) Sweep() {
	sessions := s.sessions.Sweep(s.opts.SessionIdle)
	clients := s.limiter.Sweep(s.opts.SessionIdle)
	if sessions > 0 || clients > 0 {
		s.log.Debug().Int("sessions", sessions).Int("clients", clients).Msg("swept idle state")
	}
}

// StartSweeper runs Sweep on the configured cron schedule.
func (s *Server) StartSweeper() error {
	c := cron.New()
	if _, err := c.AddFunc(s.opts.SweepSchedule, s.Sweep); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.opts.SweepSchedule, err)
	}
	c.Start()
	s.cron = c
	return nil
}

// StopSweeper stops the schedule and waits for a running sweep.
func (s *Server) StopSweeper(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Serve runs an HTTP server on ln until ctx ends, then shuts it down
// within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("shutdown incomplete")
		return err
	}
	return nil
}
