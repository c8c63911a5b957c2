// Package rag coordinates one grounded answer: memory, retrieval, prompt,
// generation and the memory update, in that order.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ent0n29/trafficlaw/internal/corpus"
	"github.com/ent0n29/trafficlaw/internal/generation"
	"github.com/ent0n29/trafficlaw/internal/memory"
	"github.com/ent0n29/trafficlaw/internal/observability"
	"github.com/ent0n29/trafficlaw/internal/policy"
	"github.com/ent0n29/trafficlaw/internal/prompt"
	"github.com/ent0n29/trafficlaw/internal/reliability"
)

var (
	ErrGenerationFailed = errors.New("generation failed")
	ErrMemoryFailed     = errors.New("conversation memory failed")
	ErrComposeFailed    = errors.New("prompt composition failed")
)

// State is a request's position in the pipeline.
type State string

const (
	StateReceived       State = "RECEIVED"
	StateMemoryResolved State = "MEMORY_RESOLVED"
	StateRetrieved      State = "RETRIEVED"
	StatePrompted       State = "PROMPTED"
	StateGenerated      State = "GENERATED"
	StateMemoryUpdated  State = "MEMORY_UPDATED"
	StateResponded      State = "RESPONDED"
	StateFailed         State = "FAILED"
)

const (
	clearedMessage  = "Session memory cleared."
	notFoundMessage = "Session ID not found."
	queryPreviewLen = 120
)

// SessionStore is the slice of memory.Store the orchestrator needs.
type SessionStore interface {
	Acquire(sessionID string) (*memory.Handle, error)
	Clear(sessionID string) bool
	ActiveCount() int
}

type Retriever interface {
	Search(ctx context.Context, query string, k int) corpus.Result
}

type Composer interface {
	Compose(query string, chunks []corpus.Chunk, history []memory.Turn) string
}

type Deps struct {
	Memory         SessionStore
	Retriever      Retriever
	Composer       Composer
	Generator      generation.Generator
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	TracerProvider trace.TracerProvider
}

type Options struct {
	TopK int
}

type Response struct {
	TurnID        string   `json:"turn_id"`
	Answer        string   `json:"answer"`
	RetrievedDocs []string `json:"retrieved_docs"`
}

type ClearResult struct {
	Cleared bool   `json:"cleared"`
	Message string `json:"message"`
}

type Orchestrator struct {
	memory    SessionStore
	retriever Retriever
	composer  Composer
	generator generation.Generator
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    trace.Tracer
	topK      int
}

func New(deps Deps, opts Options) (*Orchestrator, error) {
	switch {
	case deps.Memory == nil:
		return nil, errors.New("rag: memory store is required")
	case deps.Retriever == nil:
		return nil, errors.New("rag: retriever is required")
	case deps.Composer == nil:
		return nil, errors.New("rag: composer is required")
	case deps.Generator == nil:
		return nil, errors.New("rag: generator is required")
	}
	if opts.TopK <= 0 {
		return nil, fmt.Errorf("rag: top-k must be positive, got %d", opts.TopK)
	}
	logger := deps.Logger
	if logger == nil {
		logger = observability.DiscardLogger()
	}
	tp := deps.TracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Orchestrator{
		memory:    deps.Memory,
		retriever: deps.Retriever,
		composer:  deps.Composer,
		generator: deps.Generator,
		logger:    logger.With("component", "rag"),
		metrics:   deps.Metrics,
		tracer:    tp.Tracer("github.com/ent0n29/trafficlaw/internal/rag"),
		topK:      opts.TopK,
	}, nil
}

// Respond answers one question. Invalid input fails with *ValidationError
// before any stage runs. Other failures wrap ErrMemoryFailed,
// ErrComposeFailed or ErrGenerationFailed; their detail is for logs only.
// Conversation turns are recorded only after a successful generation.
func (o *Orchestrator) Respond(ctx context.Context, req ChatRequest) (Response, error) {
	started := time.Now()

	req, err := req.Normalize()
	if err != nil {
		o.countOutcome("invalid")
		return Response{}, err
	}

	turnID := uuid.NewString()
	ctx, span := o.tracer.Start(ctx, "rag.respond", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("turn.id", turnID),
		attribute.Int("rag.top_k", o.topK),
	))
	defer span.End()

	logger := o.logger.With("session_id", req.SessionID, "turn_id", turnID)
	t := &turn{o: o, span: span, logger: logger, state: StateReceived}
	logger.Info("chat request received", "query_preview", policy.LogPreview(req.Query, queryPreviewLen))

	handle, err := o.memory.Acquire(req.SessionID)
	if err != nil {
		return Response{}, t.fail("memory_failed", fmt.Errorf("%w: acquire session: %w", ErrMemoryFailed, err))
	}
	defer handle.Release()
	history := handle.History()
	t.advance(StateMemoryResolved, "history_turns", len(history))

	result := o.retrieve(ctx, req.Query)
	t.advance(StateRetrieved, "chunks", len(result.Chunks), "degraded", result.Degraded())

	composeStart := time.Now()
	_, composeSpan := o.tracer.Start(ctx, "rag.compose")
	promptText := o.composer.Compose(req.Query, prompt.Chunks(result.Chunks), history)
	composeSpan.SetAttributes(attribute.Int("prompt.chars", len(promptText)))
	composeSpan.End()
	o.metrics.ObserveStage(observability.StageCompose, time.Since(composeStart))
	if strings.TrimSpace(promptText) == "" {
		return Response{}, t.fail("compose_failed", fmt.Errorf("%w: empty prompt", ErrComposeFailed))
	}
	t.advance(StatePrompted, "prompt_chars", len(promptText))

	answer, err := o.generate(ctx, promptText)
	if err != nil {
		return Response{}, t.fail("generation_failed", fmt.Errorf("%w: %w", ErrGenerationFailed, err))
	}
	t.advance(StateGenerated, "answer_chars", len(answer))

	if err := handle.Append(
		memory.Turn{Role: memory.RoleUser, Content: req.Query},
		memory.Turn{Role: memory.RoleAssistant, Content: answer},
	); err != nil {
		return Response{}, t.fail("memory_failed", fmt.Errorf("%w: record turns: %w", ErrMemoryFailed, err))
	}
	t.advance(StateMemoryUpdated)
	if o.metrics != nil {
		o.metrics.SessionEvents.WithLabelValues("turn_recorded").Inc()
		o.metrics.ActiveSessions.Set(float64(o.memory.ActiveCount()))
	}

	docs := result.Contents()
	o.metrics.ObserveStage(observability.StageTurnTotal, time.Since(started))
	o.countOutcome("ok")
	t.advance(StateResponded, "retrieved_docs", len(docs), "elapsed_ms", time.Since(started).Milliseconds())
	span.SetStatus(codes.Ok, "")

	return Response{TurnID: turnID, Answer: answer, RetrievedDocs: docs}, nil
}

// ClearSession drops a session's memory. Only a malformed id is an error.
func (o *Orchestrator) ClearSession(sessionID string) (ClearResult, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return ClearResult{}, err
	}
	cleared := o.memory.Clear(sessionID)
	event := "cleared"
	msg := clearedMessage
	if !cleared {
		event = "clear_missing"
		msg = notFoundMessage
	}
	if o.metrics != nil {
		o.metrics.SessionEvents.WithLabelValues(event).Inc()
		o.metrics.ActiveSessions.Set(float64(o.memory.ActiveCount()))
	}
	o.logger.Info("session clear requested", "session_id", sessionID, "cleared", cleared)
	return ClearResult{Cleared: cleared, Message: msg}, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, query string) corpus.Result {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "rag.retrieve")
	defer span.End()

	result := o.retriever.Search(ctx, query, o.topK)
	if len(result.Chunks) > o.topK {
		result.Chunks = result.Chunks[:o.topK]
	}
	span.SetAttributes(
		attribute.Int("retrieval.chunks", len(result.Chunks)),
		attribute.Bool("retrieval.degraded", result.Degraded()),
	)
	if result.Degraded() {
		span.SetAttributes(attribute.String("retrieval.degraded_reason", result.Reason))
		o.metrics.ObserveIndicator(observability.IndicatorRetrievalDegraded)
	}
	if len(result.Chunks) == 0 {
		o.metrics.ObserveIndicator(observability.IndicatorNoContext)
	}
	o.metrics.ObserveStage(observability.StageRetrieve, time.Since(start))
	return result
}

func (o *Orchestrator) generate(ctx context.Context, promptText string) (string, error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "rag.generate", trace.WithAttributes(
		attribute.String("generation.provider", o.generator.Name()),
	))
	defer span.End()

	answer, err := o.generator.Complete(ctx, promptText)
	o.metrics.ObserveStage(observability.StageGenerate, time.Since(start))
	if err == nil && strings.TrimSpace(answer) == "" {
		err = generation.ErrEmptyCompletion
	}
	if err != nil {
		code := errorCode(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, code)
		if o.metrics != nil {
			o.metrics.ProviderErrors.WithLabelValues(o.generator.Name(), code).Inc()
		}
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

func (o *Orchestrator) countOutcome(outcome string) {
	if o.metrics != nil {
		o.metrics.ChatRequests.WithLabelValues(outcome).Inc()
	}
}

// ErrorCode labels a pipeline failure for metrics and client hints.
func ErrorCode(err error) string {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return "validation_failed"
	case errors.Is(err, ErrMemoryFailed):
		return "memory_failed"
	case errors.Is(err, ErrComposeFailed):
		return "compose_failed"
	case errors.Is(err, ErrGenerationFailed):
		return "generation_failed"
	default:
		return "internal_error"
	}
}

// Retryable reports whether resubmitting the same request may succeed.
func Retryable(err error) bool {
	if !errors.Is(err, ErrGenerationFailed) {
		return false
	}
	return reliability.IsRetryable(err)
}

func errorCode(err error) string {
	if errors.Is(err, generation.ErrEmptyCompletion) {
		return "empty_completion"
	}
	return reliability.ErrorCode(err)
}

// turn tracks one request's state transitions for logs and the trace.
type turn struct {
	o      *Orchestrator
	span   trace.Span
	logger *slog.Logger
	state  State
}

func (t *turn) advance(next State, attrs ...any) {
	t.state = next
	t.span.AddEvent(string(next))
	t.logger.Debug("turn state", append([]any{"state", next}, attrs...)...)
}

func (t *turn) fail(outcome string, err error) error {
	t.span.RecordError(err)
	t.span.SetStatus(codes.Error, outcome)
	t.span.SetAttributes(attribute.String("rag.failed_after", string(t.state)))
	t.logger.Error("chat request failed", "state", StateFailed, "failed_after", t.state, "outcome", outcome, "error", err)
	t.o.countOutcome(outcome)
	t.state = StateFailed
	return err
}
