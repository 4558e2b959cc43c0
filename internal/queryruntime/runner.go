package queryruntime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kandev/relaygate/internal/platform/logger"
	"github.com/kandev/relaygate/internal/provider"
)

// textEmitInterval and textEmitMinLength bound how often a partial text
// segment is surfaced to the transport: at most once per interval, and only
// once the segment has accumulated enough characters to be worth showing.
const (
	textEmitInterval  = 500 * time.Millisecond
	textEmitMinLength = 20
)

// ErrAbortRequested and ErrGenerationMismatch are the two "expected" query
// outcomes the Session swallows rather than surfaces as a crash.
var (
	ErrAbortRequested     = errors.New("ABORT_REQUESTED")
	ErrGenerationMismatch = errors.New("GENERATION_MISMATCH")
)

// Options is the enumerated set of inputs to one Execute call.
type Options struct {
	PrimaryProviderID  string
	FallbackProviderID string
	Input              provider.Input

	QueryGeneration      uint64
	GetCurrentGeneration func() uint64
	ShouldStop           func() bool

	OnSessionID          func(providerSessionID string, resumed bool)
	FormatToolDisplay    func(toolName string, payload any) string
	RefreshContextUsage  func() (used, max int, ok bool)
}

// Result is what one Execute call hands back to the Session.
type Result struct {
	Text          string
	Usage         provider.Usage
	ContextUsed   int
	ContextMax    int
	ToolDurations map[string]time.Duration
	ProviderID    string
	Attempts      int
	DoneReason    provider.DoneReason
}

// Runner drives one provider streaming call end to end.
type Runner struct {
	orchestrator *provider.Orchestrator
	validator    *SafetyValidator
	logger       *logger.Logger
	tracer       trace.Tracer
}

// New creates a Runner bound to a Provider Orchestrator and safety
// validator.
func New(orchestrator *provider.Orchestrator, validator *SafetyValidator, log *logger.Logger) *Runner {
	return &Runner{
		orchestrator: orchestrator,
		validator:    validator,
		logger:       log.With(zap.String("component", "query-runtime")),
		tracer:       otel.Tracer("relaygate/queryruntime"),
	}
}

// Execute runs exactly one query, translating provider.Events into
// StatusEvents delivered to statusCallback in order, and returns the
// accumulated result once the provider reports done.
func (r *Runner) Execute(ctx context.Context, opts Options, hooks Hooks, statusCallback StatusCallback) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "queryruntime.Execute",
		trace.WithAttributes(
			attribute.String("provider.primary", opts.PrimaryProviderID),
			attribute.Int64("query.generation", int64(opts.QueryGeneration)),
		))
	defer span.End()

	loop := &eventLoop{
		opts:      opts,
		hooks:     hooks,
		validator: r.validator,
		logger:    r.logger,
		callback:  statusCallback,
		durations: make(map[string]time.Duration),
	}

	res, err := r.orchestrator.ExecuteProviderQuery(ctx, provider.Query{
		PrimaryProviderID:  opts.PrimaryProviderID,
		FallbackProviderID: opts.FallbackProviderID,
		Input:              opts.Input,
		OnEvent:            loop.handle,
	})

	result := Result{
		Text:          loop.fullText.String(),
		Usage:         loop.usage,
		ContextUsed:   loop.contextUsed,
		ContextMax:    loop.contextMax,
		ToolDurations: loop.durations,
		ProviderID:    res.ProviderID,
		Attempts:      res.Attempts,
		DoneReason:    loop.doneReason,
	}

	if err == nil {
		return result, nil
	}
	if errors.Is(err, ErrAbortRequested) || errors.Is(err, ErrGenerationMismatch) {
		span.AddEvent("suppressed expected error", trace.WithAttributes(attribute.String("error", err.Error())))
		return result, nil
	}
	span.RecordError(err)
	return result, fmt.Errorf("query runtime: %w", err)
}

// eventLoop holds the per-call mutable state the provider.Handler closes
// over. It is not safe for concurrent use; the orchestrator calls it
// sequentially by contract.
type eventLoop struct {
	opts      Options
	hooks     Hooks
	validator *SafetyValidator
	logger    *logger.Logger
	callback  StatusCallback

	sessionSeen  bool
	segment      strings.Builder
	fullText     strings.Builder
	lastTextEmit time.Time

	toolOpen  bool
	toolName  string
	toolStart time.Time
	durations map[string]time.Duration

	usage       provider.Usage
	contextUsed int
	contextMax  int
	doneReason  provider.DoneReason
}

func (l *eventLoop) handle(evt provider.Event) error {
	if l.opts.ShouldStop != nil && l.opts.ShouldStop() {
		return ErrAbortRequested
	}
	firstSession := evt.Kind == provider.EventSession && !l.sessionSeen
	if firstSession {
		l.sessionSeen = true
	}
	if l.sessionSeen && l.opts.GetCurrentGeneration != nil &&
		l.opts.QueryGeneration != l.opts.GetCurrentGeneration() {
		return ErrGenerationMismatch
	}
	if firstSession && l.opts.OnSessionID != nil {
		l.opts.OnSessionID(evt.ProviderSessionID, evt.Resumed)
	}

	switch evt.Kind {
	case provider.EventSession:
		// handled above; nothing further to do.

	case provider.EventTool:
		if evt.ToolPhase == provider.ToolStart {
			l.flushSegment(false)
			l.closeToolInterval()

			// Validation and PreTool rejections surface as a BLOCKED
			// status event but do not fail the whole query: the remote
			// agent process owns the tool's actual execution and observes
			// its own result independently of this event stream, so the
			// Runner cannot raise the rejection into it. It records the
			// block and keeps listening.
			if l.validator != nil {
				if payload, ok := evt.ToolPayload.(map[string]any); ok {
					if err := l.validator.ValidateToolCall(evt.ToolName, payload); err != nil {
						return l.emit(StatusEvent{Type: StatusTool, Content: fmt.Sprintf("BLOCKED: %v", err)})
					}
				}
			}
			if err := l.hooks.PreTool(context.Background(), ToolCall{Name: evt.ToolName, Payload: evt.ToolPayload}); err != nil {
				return l.emit(StatusEvent{Type: StatusTool, Content: fmt.Sprintf("BLOCKED: %v", err)})
			}

			l.toolOpen, l.toolName, l.toolStart = true, evt.ToolName, time.Now()
			display := evt.ToolName
			if l.opts.FormatToolDisplay != nil {
				display = l.opts.FormatToolDisplay(evt.ToolName, evt.ToolPayload)
			}
			return l.emit(StatusEvent{Type: StatusTool, Content: display})
		}

		l.closeToolInterval()
		if msg, ok := l.hooks.PostTool(context.Background(), ToolCall{Name: evt.ToolName, Payload: evt.ToolPayload}); ok {
			return l.emit(StatusEvent{Type: StatusSystem, Content: msg})
		}
		return nil

	case provider.EventText:
		l.closeToolInterval()
		l.segment.WriteString(evt.Delta)
		l.fullText.WriteString(evt.Delta)
		if l.segment.Len() > textEmitMinLength && time.Since(l.lastTextEmit) >= textEmitInterval {
			l.lastTextEmit = time.Now()
			return l.emit(StatusEvent{Type: StatusText, Content: l.segment.String()})
		}
		return nil

	case provider.EventThinking:
		return l.emit(StatusEvent{Type: StatusThinking, Content: evt.Delta})

	case provider.EventUsage:
		mergeUsage(&l.usage, evt.Usage)
		if evt.Usage.ContextWindowSize > 0 {
			l.contextMax = evt.Usage.ContextWindowSize
		}
		return nil

	case provider.EventContext:
		l.contextUsed = evt.UsedTokens
		if evt.MaxTokens > 0 {
			l.contextMax = evt.MaxTokens
		}
		return nil

	case provider.EventDone:
		l.closeToolInterval()
		l.flushSegment(true)
		l.doneReason = evt.Reason
		if l.contextUsed == 0 && l.opts.RefreshContextUsage != nil {
			if used, max, ok := l.opts.RefreshContextUsage(); ok {
				l.contextUsed, l.contextMax = used, max
			}
		}
		return l.emit(StatusEvent{Type: StatusDone, Metadata: map[string]any{"reason": string(evt.Reason)}})
	}
	return nil
}

func (l *eventLoop) flushSegment(terminal bool) {
	if l.segment.Len() == 0 {
		return
	}
	_ = l.emit(StatusEvent{Type: StatusSegmentEnd, Content: l.segment.String()})
	l.segment.Reset()
	_ = terminal
}

func (l *eventLoop) closeToolInterval() {
	if !l.toolOpen {
		return
	}
	l.durations[l.toolName] += time.Since(l.toolStart)
	l.toolOpen = false
}

func (l *eventLoop) emit(evt StatusEvent) error {
	if l.callback == nil {
		return nil
	}
	return l.callback(evt)
}

func mergeUsage(dst *provider.Usage, src provider.Usage) {
	if src.InputTokens != 0 {
		dst.InputTokens = src.InputTokens
	}
	if src.OutputTokens != 0 {
		dst.OutputTokens = src.OutputTokens
	}
	if src.CacheReadInputTokens != 0 {
		dst.CacheReadInputTokens = src.CacheReadInputTokens
	}
	if src.CacheCreationInputTokens != 0 {
		dst.CacheCreationInputTokens = src.CacheCreationInputTokens
	}
	if src.ContextWindowSize != 0 {
		dst.ContextWindowSize = src.ContextWindowSize
	}
}
