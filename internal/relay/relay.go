// Package relay runs one prompt through a session's conversation: it
// rehydrates history, fits the context window, calls the completion
// provider and hands the exchange to the background writer.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/promptrelay/internal/control"
	"github.com/stupiduntilnot/promptrelay/internal/conversation"
	"github.com/stupiduntilnot/promptrelay/internal/db"
	"github.com/stupiduntilnot/promptrelay/internal/model"
	"github.com/stupiduntilnot/promptrelay/internal/openai"
	"github.com/stupiduntilnot/promptrelay/internal/session"
)

var (
	// ErrEmptyPrompt rejects a blank prompt before any work is done.
	ErrEmptyPrompt = errors.New("prompt is empty")
	// ErrPromptTooLarge wraps conversation.ErrUntrimmable: the prompt
	// alone does not fit the context window.
	ErrPromptTooLarge = errors.New("prompt does not fit the context window")
	// ErrUpstreamUnavailable is returned while the circuit is open.
	ErrUpstreamUnavailable = errors.New("completion service unavailable")
	// ErrCompletion wraps a failed provider call.
	ErrCompletion = errors.New("completion failed")
)

// Recorder accepts writes that must not block the caller.
type Recorder interface {
	Submit(ex db.Exchange) bool
	Record(eventType string, payload map[string]any) bool
}

// Options configures a Service.
type Options struct {
	SystemPrompt     string
	Budget           conversation.Budget
	HistoryExchanges int
	// CapResponseTokens caps the reply at the room left in the context
	// window after the fitted prompt.
	CapResponseTokens bool
	JSONResponse      bool
}

// Result is a completed exchange.
type Result struct {
	Content      string
	Available    int
	Evicted      int
	InputTokens  int
	OutputTokens int
}

// Service orchestrates completions. It is safe for concurrent use;
// requests on one session are serialised by the session lock.
type Service struct {
	Window     *conversation.Window
	History    conversation.Provider
	Assembler  conversation.Assembler
	Compressor conversation.Compressor
	Model      model.Provider
	Breaker    *control.CircuitBreaker
	Recorder   Recorder
	Opts       Options
	Log        zerolog.Logger

	now func() time.Time
}

// NewService wires a Service with the standard assembler and a turn
// cap compressor derived from opts.Budget.
func NewService(window *conversation.Window, history conversation.Provider, provider model.Provider,
	breaker *control.CircuitBreaker, recorder Recorder, opts Options, log zerolog.Logger) *Service {
	return &Service{
		Window:     window,
		History:    history,
		Assembler:  &conversation.StandardAssembler{},
		Compressor: &conversation.TurnCapCompressor{MaxTurns: opts.Budget.MaxTurnCount},
		Model:      provider,
		Breaker:    breaker,
		Recorder:   recorder,
		Opts:       opts,
		Log:        log,
		now:        time.Now,
	}
}

// Complete appends prompt to the session's conversation, fits it to the
// budget and asks the model for a reply. The session only changes when
// the completion succeeds.
func (s *Service) Complete(ctx context.Context, sess *session.Session, userID int64, prompt string) (Result, error) {
	if strings.TrimSpace(prompt) == "" {
		return Result{}, ErrEmptyPrompt
	}

	sess.Lock()
	defer sess.Unlock()

	// History is loaded once, for the user the session started with.
	// Every exchange is stored under the user id of its own request.
	fresh := !sess.Initialized()
	var msgs []conversation.Message
	if fresh {
		msgs = s.bootstrap(ctx, userID)
	} else {
		msgs = sess.Messages()
	}
	working := append(msgs, conversation.Message{Role: conversation.RoleUser, Content: prompt})

	capped := working
	if s.Compressor != nil {
		capped = s.Compressor.Compress(working)
	}
	fitted, available, err := s.Window.FitBudget(capped, s.Opts.Budget.MaxContextTokens, s.Opts.Budget.ResponseReserve)
	if err != nil {
		if errors.Is(err, conversation.ErrUntrimmable) {
			s.record(db.EventContextUntrimmable, map[string]any{"user_id": userID, "error": err.Error()})
			return Result{}, fmt.Errorf("%w: %w", ErrPromptTooLarge, err)
		}
		return Result{}, fmt.Errorf("fit context: %w", err)
	}
	evicted := len(working) - len(fitted)
	if evicted > 0 {
		s.Log.Debug().Int64("user_id", userID).Int("evicted", evicted).Int("available", available).Msg("context trimmed")
		s.record(db.EventContextTrimmed, map[string]any{
			"user_id":   userID,
			"evicted":   evicted,
			"turns":     len(fitted),
			"available": available,
		})
	}

	if s.Breaker != nil && !s.Breaker.Allow(s.now()) {
		return Result{}, fmt.Errorf("%w: circuit open after %s errors", ErrUpstreamUnavailable, s.Breaker.OpenedClass())
	}

	req := model.Request{
		Messages:     fitted,
		JSONResponse: s.Opts.JSONResponse,
		User:         strconv.FormatInt(userID, 10),
	}
	if s.Opts.CapResponseTokens {
		req.MaxTokens = available + s.Opts.Budget.ResponseReserve
	}
	resp, err := s.Model.ChatCompletion(ctx, req)
	if err != nil {
		return Result{}, s.completionFailed(ctx, userID, err)
	}
	if s.Breaker != nil && s.Breaker.RecordSuccess() {
		s.Log.Info().Msg("circuit closed")
		s.record(db.EventCircuitClosed, nil)
	}

	committed := append(conversation.Clone(fitted), conversation.Message{Role: conversation.RoleAssistant, Content: resp.Content})
	owner := userID
	if !fresh {
		owner = sess.UserID()
	}
	sess.Commit(owner, committed)
	if fresh {
		s.record(db.EventSessionStarted, map[string]any{"session_id": sess.ID, "user_id": userID, "turns": len(msgs) - 1})
	}
	if s.Recorder != nil {
		s.Recorder.Submit(db.Exchange{UserID: userID, Prompt: prompt, Response: resp.Content, CreatedAt: s.now()})
	}

	return Result{
		Content:      resp.Content,
		Available:    available,
		Evicted:      evicted,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}, nil
}

// bootstrap builds the opening conversation: the system turn plus, for a
// known user, the most recent stored exchanges. A history lookup failure
// degrades to a conversation without history.
func (s *Service) bootstrap(ctx context.Context, userID int64) []conversation.Message {
	var history []conversation.Message
	if userID != 0 && s.History != nil && s.Opts.HistoryExchanges > 0 {
		h, err := s.History.GetHistory(ctx, userID, s.Opts.HistoryExchanges)
		if err != nil {
			s.Log.Warn().Err(err).Int64("user_id", userID).Msg("history lookup failed, starting fresh")
		} else {
			history = h
		}
	}
	return s.Assembler.Assemble(s.Opts.SystemPrompt, history, "")
}

func (s *Service) completionFailed(ctx context.Context, userID int64, err error) error {
	if ctx.Err() != nil {
		if s.Breaker != nil {
			s.Breaker.CancelProbe()
		}
		return fmt.Errorf("%w: %w", ErrCompletion, ctx.Err())
	}
	class := ErrorClass(err)
	s.Log.Error().Err(err).Str("class", class).Int64("user_id", userID).Msg("OpenAI API error")
	s.record(db.EventCompletionFailed, map[string]any{"user_id": userID, "class": class, "error": err.Error()})
	if s.Breaker != nil && s.Breaker.RecordFailure(class, s.now()) {
		s.Log.Warn().Str("class", class).Dur("cooldown", s.Breaker.Cooldown).Msg("circuit opened")
		s.record(db.EventCircuitOpened, map[string]any{"class": class})
	}
	return fmt.Errorf("%w: %w", ErrCompletion, err)
}

func (s *Service) record(eventType string, payload map[string]any) {
	if s.Recorder != nil {
		s.Recorder.Record(eventType, payload)
	}
}

// ErrorClass buckets provider errors for the circuit breaker.
func ErrorClass(err error) string {
	switch code := openai.StatusCode(err); {
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "auth"
	case code >= 500:
		return "server"
	case code >= 400:
		return "request"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "provider_api"
}
