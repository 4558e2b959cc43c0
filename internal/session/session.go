// Package session implements the per-conversation Session: the single
// boundary the transport layer sees, owning one conversation's state
// machine, steering buffer, and provider session id.
package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/relaygate/internal/eventbus"
	"github.com/kandev/relaygate/internal/identity"
	"github.com/kandev/relaygate/internal/platform/logger"
	"github.com/kandev/relaygate/internal/provider"
	"github.com/kandev/relaygate/internal/queryruntime"
	"github.com/kandev/relaygate/internal/ratelimit"
	"github.com/kandev/relaygate/internal/sessionstate"
	"github.com/kandev/relaygate/internal/steering"
)

// ModelContext is the caller-supplied hint for which prompt-assembly path
// SendMessageStreaming takes.
type ModelContext string

const (
	ContextGeneral ModelContext = "general"
	ContextSummary ModelContext = "summary"
	ContextCron    ModelContext = "cron"
)

// StopResult is the outcome of Stop.
type StopResult string

const (
	StopStopped StopResult = "stopped"
	StopPending StopResult = "pending"
	StopNone    StopResult = ""
)

// ModelOverride is a temporary model substitution with an expiry.
type ModelOverride struct {
	Model   string
	ResetAt time.Time
}

// PromptState is a pending interactive prompt (a direct-input request or a
// choice keyboard) awaiting the user's reply. States older than
// promptStateTTL are treated as expired and discarded on read.
type PromptState struct {
	Prompt    string
	Options   []string
	ChatID    string
	MessageID int64
	CreatedAt time.Time
}

const promptStateTTL = 5 * time.Minute

// Snapshot is the on-disk representation of a Session.
type Snapshot struct {
	SessionID          string    `json:"session_id"`
	SavedAt            time.Time `json:"saved_at"`
	WorkingDir         string    `json:"working_dir"`
	ContextWindowUsage int       `json:"contextWindowUsage,omitempty"`
	ContextWindowSize  int       `json:"contextWindowSize,omitempty"`
	TotalInputTokens   int       `json:"totalInputTokens,omitempty"`
	TotalOutputTokens  int       `json:"totalOutputTokens,omitempty"`
	TotalQueries       int       `json:"totalQueries,omitempty"`
	SessionStartTime   time.Time `json:"sessionStartTime,omitempty"`
}

// SnapshotWriter persists a Session's Snapshot under its storage partition
// key. Implemented by internal/statestore.
type SnapshotWriter interface {
	WriteSessionSnapshot(key string, snap Snapshot) error
}

// Config is the enumerated set of tunables a Session needs from process
// configuration.
type Config struct {
	ContextWindowSize  int
	SteeringBufferCap  int
	StopWaitTimeout    time.Duration
	ProcessingLockTTL  time.Duration
	WarningCooldown    int
	PrimaryProviderID  string
	FallbackProviderID string

	// RateLimitCapacity/RateLimitWindow configure the per-session request
	// bucket. Zero values fall back to ratelimit.Default().
	RateLimitCapacity int
	RateLimitWindow   time.Duration

	// Bus, if set, receives every StatusEvent the Session emits during a
	// query, in addition to the caller's own statusCallback — it lets other
	// in-process consumers (audit logging, a second transport) observe the
	// same stream without the Session needing to know about them.
	Bus eventbus.Bus
}

// RateLimitError is returned by SendMessageStreaming when the session's
// request bucket has no tokens available.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// warningThresholds are the context-window percentages that fire a one-shot
// warning event.
var warningThresholds = [3]int{70, 85, 95}

// staleSessionMarkers identify provider failures caused by a resume-session
// id the upstream runtime no longer recognizes. The Session reacts by
// dropping its provider session id and retrying the same prompt once as a
// fresh conversation.
var staleSessionMarkers = []string{
	"session not found",
	"no conversation found",
	"unknown session",
}

// Session owns one conversation's state machine, steering buffer, and
// provider session id. It is exclusively mutated through its own methods;
// the Session Manager borrows references but never reaches into its fields.
type Session struct {
	mu sync.Mutex

	id         identity.Identity
	key        string
	workingDir string

	cfg       Config
	runner    *queryruntime.Runner
	snapshots SnapshotWriter
	logger    *logger.Logger

	state     sessionstate.State
	steering  *steering.Buffer
	abortCh   chan struct{}
	rateLimit *ratelimit.Bucket

	providerSessionID string
	lastError         error
	nextQueryContext  string

	queryStarted time.Time
	currentTool  string

	totalInputTokens  int
	totalOutputTokens int
	totalQueries      int
	sessionStartTime  time.Time

	contextWindowUsage int
	contextWindowSize  int
	toolDurations      map[string]time.Duration

	warnedAt            [3]bool
	queriesSinceRestore int
	consecutiveFailures int
	tempOverride        *ModelOverride

	pendingDirectInput *PromptState
	choiceState        *PromptState
	parseTextChoice    *PromptState
}

// New creates a Session bound to identity id, rooted at workingDir.
func New(id identity.Identity, workingDir string, cfg Config, runner *queryruntime.Runner, snapshots SnapshotWriter, log *logger.Logger) *Session {
	rateLimit := ratelimit.Default()
	if cfg.RateLimitCapacity > 0 && cfg.RateLimitWindow > 0 {
		rateLimit = ratelimit.NewBucket(cfg.RateLimitCapacity, cfg.RateLimitWindow)
	}
	if cfg.ProcessingLockTTL <= 0 {
		cfg.ProcessingLockTTL = 60 * time.Second
	}
	return &Session{
		id:               id,
		key:              id.Key(),
		workingDir:       workingDir,
		cfg:              cfg,
		runner:           runner,
		snapshots:        snapshots,
		logger:           log.With(zap.String("session_key", id.Key())),
		state:            sessionstate.New(),
		steering:         steering.New(cfg.SteeringBufferCap),
		rateLimit:        rateLimit,
		toolDurations:    make(map[string]time.Duration),
		sessionStartTime: time.Now(),
	}
}

// Key returns the session's routing key ("tenant:channel:thread").
func (s *Session) Key() string { return s.key }

// WorkingDir returns the session's working directory.
func (s *Session) WorkingDir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingDir
}

// Steering exposes the steering buffer for transport-facing enqueue and
// recovery operations.
func (s *Session) Steering() *steering.Buffer { return s.steering }

// IsBusy reports whether a query is currently in flight. Transports use it
// to decide between dispatching a message and enqueueing it as steering.
func (s *Session) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.IsQueryRunning()
}

// ActivityState returns the user-observable status string.
func (s *Session) ActivityState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Activity.String()
}

// CurrentTool returns the display name of the tool the in-flight query is
// executing, or "" when none is.
func (s *Session) CurrentTool() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentTool
}

// LastError returns the most recent query failure, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// MarkInterruptFlag records that the next SendMessageStreaming call is an
// interrupt (the transport strips a leading "!" and calls this first).
func (s *Session) MarkInterruptFlag() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = sessionstate.MarkInterruptFlag(s.state)
}

// BeginInterrupt marks the session as mid-interrupt. Idempotent: a second
// call while one interrupt is still in progress returns false, so two racing
// "!" messages stop the running query only once.
func (s *Session) BeginInterrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	started, next := sessionstate.BeginInterrupt(s.state)
	s.state = next
	return started
}

// EndInterrupt clears the mid-interrupt marker set by BeginInterrupt.
func (s *Session) EndInterrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = sessionstate.EndInterrupt(s.state)
}

// SetNextQueryContext stores boot-time recovery text to prepend to the next
// query.
func (s *Session) SetNextQueryContext(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextQueryContext = text
}

// SetTempModelOverride installs a temporary model override expiring at
// resetAt.
func (s *Session) SetTempModelOverride(model string, resetAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tempOverride = &ModelOverride{Model: model, ResetAt: resetAt}
}

// SetPendingDirectInput records a direct-input request awaiting the user's
// next free-form reply.
func (s *Session) SetPendingDirectInput(p PromptState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.CreatedAt = time.Now()
	s.pendingDirectInput = &p
}

// TakePendingDirectInput returns and clears the pending direct-input
// request, or false if none is active or it has expired.
func (s *Session) TakePendingDirectInput() (PromptState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := freshPrompt(&s.pendingDirectInput)
	if p == nil {
		return PromptState{}, false
	}
	out := *p
	s.pendingDirectInput = nil
	return out, true
}

// SetChoiceState records an outstanding choice keyboard.
func (s *Session) SetChoiceState(p PromptState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.CreatedAt = time.Now()
	s.choiceState = &p
}

// ChoiceState returns the outstanding choice keyboard, or false if none is
// active or it has expired.
func (s *Session) ChoiceState() (PromptState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := freshPrompt(&s.choiceState)
	if p == nil {
		return PromptState{}, false
	}
	return *p, true
}

// ClearChoiceState discards the outstanding choice keyboard.
func (s *Session) ClearChoiceState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.choiceState = nil
}

// SetParseTextChoiceState records a text-parsed choice prompt (the variant
// where the user answers by typing an option rather than pressing a button).
func (s *Session) SetParseTextChoiceState(p PromptState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.CreatedAt = time.Now()
	s.parseTextChoice = &p
}

// ParseTextChoiceState returns the outstanding text-parsed choice prompt,
// or false if none is active or it has expired.
func (s *Session) ParseTextChoiceState() (PromptState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := freshPrompt(&s.parseTextChoice)
	if p == nil {
		return PromptState{}, false
	}
	return *p, true
}

// ClearParseTextChoiceState discards the outstanding text-parsed choice
// prompt.
func (s *Session) ClearParseTextChoiceState() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parseTextChoice = nil
}

// freshPrompt expires *slot in place and returns the surviving state.
// Caller must hold s.mu.
func freshPrompt(slot **PromptState) *PromptState {
	p := *slot
	if p == nil {
		return nil
	}
	if time.Since(p.CreatedAt) > promptStateTTL {
		*slot = nil
		return nil
	}
	return p
}

// SendMessageStreaming is the Session's single public entry point for
// driving one query. No other SendMessageStreaming may be concurrent on the
// same session; callers must serialize via the query state machine. A
// second concurrent call is a programmer error and panics, unless the
// previous query has been stuck past ProcessingLockTTL, in which case the
// lock is force-released first.
func (s *Session) SendMessageStreaming(ctx context.Context, prompt string, modelCtx ModelContext, statusCallback queryruntime.StatusCallback, chatID string) (string, error) {
	if allowed, retryAfter := s.rateLimit.Allow(); !allowed {
		return "", &RateLimitError{RetryAfter: retryAfter}
	}

	statusCallback = s.instrumentCallback(ctx, statusCallback)

	assembled, generation, abortCh, err := s.beginQuery(prompt)
	if err != nil {
		return "", err
	}

	result, runErr := s.execute(ctx, assembled, generation, abortCh, statusCallback)

	if runErr != nil && s.isStaleSessionError(runErr) {
		s.logger.Warn("provider session no longer valid upstream, retrying as fresh conversation", zap.Error(runErr))
		s.mu.Lock()
		s.providerSessionID = ""
		s.mu.Unlock()
		result, runErr = s.execute(ctx, assembled, generation, abortCh, statusCallback)
	}

	return s.finishQuery(result, runErr, statusCallback)
}

func (s *Session) execute(ctx context.Context, assembled string, generation uint64, abortCh chan struct{}, statusCallback queryruntime.StatusCallback) (queryruntime.Result, error) {
	opts := queryruntime.Options{
		PrimaryProviderID:  s.cfg.PrimaryProviderID,
		FallbackProviderID: s.cfg.FallbackProviderID,
		Input: provider.Input{
			WorkingDir:      s.WorkingDir(),
			ResumeSessionID: s.getProviderSessionID(),
			Prompt:          assembled,
			AbortSignal:     abortCh,
			Model:           s.currentModel(),
		},
		QueryGeneration:      generation,
		GetCurrentGeneration: s.currentGeneration,
		ShouldStop:           func() bool { return s.isStopRequested() },
		OnSessionID:          s.setProviderSessionIDOnce,
		RefreshContextUsage:  s.lastKnownContextUsage,
	}
	return s.runner.Execute(ctx, opts, s, statusCallback)
}

func (s *Session) isStaleSessionError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range staleSessionMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// instrumentCallback wraps callback so that every StatusEvent also updates
// the session's current-tool marker and, when a bus is configured, is
// fanned out onto it under this session's subject. Publish failures are
// logged, never propagated: the bus is an additional observer, not the
// primary delivery path.
func (s *Session) instrumentCallback(ctx context.Context, callback queryruntime.StatusCallback) queryruntime.StatusCallback {
	subject := "session." + s.key + ".status"
	return func(evt queryruntime.StatusEvent) error {
		switch evt.Type {
		case queryruntime.StatusTool:
			s.mu.Lock()
			s.currentTool = evt.Content
			s.mu.Unlock()
		case queryruntime.StatusText, queryruntime.StatusSegmentEnd, queryruntime.StatusDone:
			s.mu.Lock()
			s.currentTool = ""
			s.mu.Unlock()
		}
		if s.cfg.Bus != nil {
			if err := s.cfg.Bus.Publish(ctx, subject, eventbus.NewEvent(subject, evt)); err != nil {
				s.logger.Debug("event bus publish failed", zap.Error(err))
			}
		}
		if callback != nil {
			return callback(evt)
		}
		return nil
	}
}

// beginQuery assembles the outgoing prompt (restored steering, buffered
// steering, boot context, fresh-conversation header) and moves the state
// machine into running, returning the generation this query is pinned to
// and its abort channel.
func (s *Session) beginQuery(prompt string) (assembled string, generation uint64, abortCh chan struct{}, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.IsQueryRunning() {
		if !s.queryStarted.IsZero() && time.Since(s.queryStarted) > s.cfg.ProcessingLockTTL {
			s.logger.Warn("processing lock held past TTL, force releasing",
				zap.Duration("held", time.Since(s.queryStarted)))
			s.state = sessionstate.FinalizeQuery(s.state)
		} else {
			panic(fmt.Sprintf("session %s: SendMessageStreaming called while query is %s", s.key, s.state.Query))
		}
	}

	if wasInterrupted, next := sessionstate.ConsumeInterruptFlag(s.state); wasInterrupted {
		s.state = next
	}

	s.steering.RestoreInjected()
	assembled = prompt
	if drained := s.steering.Consume(); drained != nil {
		assembled = fmt.Sprintf("[MESSAGES SENT DURING PREVIOUS EXECUTION]\n%s\n[END PREVIOUS MESSAGES]\n\n%s", *drained, assembled)
	}
	if s.nextQueryContext != "" {
		assembled = s.nextQueryContext + "\n\n" + assembled
		s.nextQueryContext = ""
	}
	if s.providerSessionID == "" {
		assembled = fmt.Sprintf("[%s]\n\n%s", time.Now().Format(time.RFC1123), assembled)
	}
	if s.tempOverride != nil && !s.tempOverride.ResetAt.IsZero() && time.Now().After(s.tempOverride.ResetAt) {
		s.tempOverride = nil
		s.consecutiveFailures = 0
	}

	s.state = sessionstate.StartProcessing(s.state)
	s.state = sessionstate.StartQuery(s.state)
	s.abortCh = make(chan struct{})
	s.queryStarted = time.Now()

	return assembled, s.state.Generation, s.abortCh, nil
}

func (s *Session) finishQuery(result queryruntime.Result, runErr error, statusCallback queryruntime.StatusCallback) (string, error) {
	s.mu.Lock()

	s.totalQueries++
	s.totalInputTokens += result.Usage.InputTokens
	s.totalOutputTokens += result.Usage.OutputTokens
	for name, d := range result.ToolDurations {
		s.toolDurations[name] += d
	}
	if result.ContextMax > 0 {
		s.contextWindowSize = result.ContextMax
	}
	if result.ContextUsed > 0 {
		s.contextWindowUsage = result.ContextUsed
	}
	if runErr == nil {
		s.consecutiveFailures = 0
	} else {
		s.lastError = runErr
		s.consecutiveFailures++
	}
	s.queriesSinceRestore++

	pendingCount := s.steering.Len()
	var pendingContent string
	if p := s.steering.Peek(); p != nil {
		pendingContent = *p
	}

	s.state = sessionstate.CompleteQuery(s.state)
	s.state = sessionstate.FinalizeQuery(s.state)
	s.abortCh = nil
	s.queryStarted = time.Time{}
	s.currentTool = ""
	s.mu.Unlock()

	if s.snapshots != nil && result.ProviderID != "" {
		if err := s.snapshots.WriteSessionSnapshot(s.key, s.Snapshot()); err != nil {
			s.logger.Warn("session snapshot write failed", zap.Error(err))
		}
	}

	s.emitWarnings(statusCallback)

	// A non-empty buffer here means the query ended without a tool boundary
	// to inject through (a text-only response); surface the still-buffered
	// content so the transport can tell the user it will ride the next query.
	if pendingCount > 0 && statusCallback != nil {
		_ = statusCallback(queryruntime.StatusEvent{
			Type:     queryruntime.StatusSteeringPending,
			Content:  pendingContent,
			Metadata: map[string]any{"steeringCount": pendingCount},
		})
	}

	if runErr != nil {
		return result.Text, runErr
	}
	if result.Text == "" {
		return "No response from Claude.", nil
	}
	return result.Text, nil
}

func (s *Session) emitWarnings(statusCallback queryruntime.StatusCallback) {
	s.mu.Lock()
	size := s.contextWindowSize
	used := s.contextWindowUsage
	cooldownActive := s.queriesSinceRestore <= 0
	var toFire []int
	if size > 0 && !cooldownActive {
		pct := used * 100 / size
		for i, threshold := range warningThresholds {
			if pct >= threshold && !s.warnedAt[i] {
				s.warnedAt[i] = true
				toFire = append(toFire, threshold)
			}
		}
	}
	s.mu.Unlock()

	if statusCallback == nil {
		return
	}
	for _, threshold := range toFire {
		_ = statusCallback(queryruntime.StatusEvent{
			Type:     queryruntime.StatusSystem,
			Content:  fmt.Sprintf("Context window at %d%%", threshold),
			Metadata: map[string]any{"contextWindowThreshold": threshold},
		})
	}
}

// Kill increments the generation fence, requests stop, aborts the in-flight
// query, extracts any buffered steering messages, and resets all counters
// except the generation. Idempotent.
func (s *Session) Kill() (count int, messages []steering.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = sessionstate.IncrementGeneration(s.state)
	s.state = sessionstate.RequestStopDuringRunning(s.state)
	if s.abortCh != nil {
		select {
		case <-s.abortCh:
		default:
			close(s.abortCh)
		}
	}

	messages = s.steering.Extract()
	s.providerSessionID = ""
	s.nextQueryContext = ""
	s.totalInputTokens, s.totalOutputTokens, s.totalQueries = 0, 0, 0
	s.contextWindowUsage, s.contextWindowSize = 0, 0
	s.toolDurations = make(map[string]time.Duration)
	s.warnedAt = [3]bool{}
	s.queriesSinceRestore = 0
	s.consecutiveFailures = 0
	s.tempOverride = nil
	s.lastError = nil
	s.queryStarted = time.Time{}
	s.currentTool = ""
	s.pendingDirectInput = nil
	s.choiceState = nil
	s.parseTextChoice = nil
	s.state = sessionstate.Reset(s.state)

	return len(messages), messages
}

// Stop requests a running query to stop, waiting up to cfg.StopWaitTimeout
// for it to observe the abort signal. During preparing it only marks
// stopRequested and returns pending, since no provider call has started yet.
func (s *Session) Stop() StopResult {
	s.mu.Lock()
	if s.state.Query == sessionstate.QueryIdle {
		s.mu.Unlock()
		return StopNone
	}
	if s.state.Query == sessionstate.QueryPreparing {
		s.state = sessionstate.RequestStopDuringPreparing(s.state)
		s.mu.Unlock()
		return StopPending
	}
	s.state = sessionstate.RequestStopDuringRunning(s.state)
	abortCh := s.abortCh
	if abortCh != nil {
		select {
		case <-abortCh:
		default:
			close(abortCh)
		}
	}
	timeout := s.cfg.StopWaitTimeout
	s.mu.Unlock()

	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		idle := s.state.Query == sessionstate.QueryIdle
		s.mu.Unlock()
		if idle {
			return StopStopped
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.logger.Warn("stop timed out waiting for query to settle")
	return StopStopped
}

// PreTool implements queryruntime.Hooks: it fails whenever a stop has been
// requested, causing the provider to observe a failed tool rather than run
// it.
func (s *Session) PreTool(ctx context.Context, call queryruntime.ToolCall) error {
	if s.isStopRequested() {
		return fmt.Errorf("ABORT_REQUESTED")
	}
	return nil
}

// PostTool implements queryruntime.Hooks: it drains the steering buffer into
// the shadow list and returns the formatted envelope for injection into the
// current provider turn.
func (s *Session) PostTool(ctx context.Context, call queryruntime.ToolCall) (string, bool) {
	drained := s.steering.Peek()
	if drained == nil {
		return "", false
	}
	s.steering.TrackForInjection()
	return fmt.Sprintf("[USER SENT MESSAGE DURING EXECUTION]\n%s\n[END USER MESSAGE]", *drained), true
}

// MarkRestored clears all warning flags and starts a cooldown of
// cfg.WarningCooldown accumulations before warnings can fire again.
func (s *Session) MarkRestored() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnedAt = [3]bool{}
	s.queriesSinceRestore = -s.cfg.WarningCooldown
}

// NeedsWarning70/85/95 report whether the corresponding context-window
// threshold has fired and not yet been cleared by MarkRestored.
func (s *Session) NeedsWarning70() bool { return s.warningState(0) }
func (s *Session) NeedsWarning85() bool { return s.warningState(1) }
func (s *Session) NeedsWarning95() bool { return s.warningState(2) }

func (s *Session) warningState(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warnedAt[i]
}

// ContextWindowUsage returns the last observed (used, max) token counts.
func (s *Session) ContextWindowUsage() (used, max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextWindowUsage, s.contextWindowSize
}

// ToolDurations returns a copy of the accumulated tool-duration ledger.
func (s *Session) ToolDurations() map[string]time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Duration, len(s.toolDurations))
	for k, v := range s.toolDurations {
		out[k] = v
	}
	return out
}

// Snapshot captures the Session's persisted fields.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:          s.providerSessionID,
		SavedAt:            time.Now(),
		WorkingDir:         s.workingDir,
		ContextWindowUsage: s.contextWindowUsage,
		ContextWindowSize:  s.contextWindowSize,
		TotalInputTokens:   s.totalInputTokens,
		TotalOutputTokens:  s.totalOutputTokens,
		TotalQueries:       s.totalQueries,
		SessionStartTime:   s.sessionStartTime,
	}
}

// RestoreFromData reloads counters and the provider session id from a
// snapshot, refusing the resume if the stored working directory no longer
// matches this session's.
func (s *Session) RestoreFromData(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.WorkingDir != "" && snap.WorkingDir != s.workingDir {
		return fmt.Errorf("snapshot working dir %q does not match session working dir %q", snap.WorkingDir, s.workingDir)
	}
	s.providerSessionID = snap.SessionID
	s.contextWindowUsage = snap.ContextWindowUsage
	s.contextWindowSize = snap.ContextWindowSize
	s.totalInputTokens = snap.TotalInputTokens
	s.totalOutputTokens = snap.TotalOutputTokens
	s.totalQueries = snap.TotalQueries
	if !snap.SessionStartTime.IsZero() {
		s.sessionStartTime = snap.SessionStartTime
	}
	return nil
}

// ResumeLast re-applies the session's own last-known snapshot; a helper
// over RestoreFromData for callers that already hold it.
func (s *Session) ResumeLast(snap Snapshot) error { return s.RestoreFromData(snap) }

// lastKnownContextUsage is the best-effort fallback the runtime consults
// when a query's terminal event carried no context accounting: reuse the
// last values observed for this conversation rather than reporting zero.
func (s *Session) lastKnownContextUsage() (used, max int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.contextWindowUsage == 0 {
		return 0, 0, false
	}
	return s.contextWindowUsage, s.contextWindowSize, true
}

func (s *Session) isStopRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.StopRequested
}

func (s *Session) currentGeneration() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Generation
}

func (s *Session) getProviderSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.providerSessionID
}

func (s *Session) setProviderSessionIDOnce(id string, resumed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.providerSessionID == "" {
		s.providerSessionID = id
	}
}

func (s *Session) currentModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tempOverride != nil {
		return s.tempOverride.Model
	}
	return ""
}
