// Package session implements the per-call orchestrator that couples the
// telephony media leg and the speech-model leg.
//
// Each call gets one Session and one loop goroutine: [Session.Run] multiplexes
// both legs' inbound events and all timers onto a single loop, so the
// transcript accumulator and every lifecycle flag are mutated from one place
// and need no locking. Blocking work — tool batches, the transfer REST call —
// runs off-loop and reports back through channels, never by touching these
// fields directly. The cart is not touched by the loop at all: the tool
// router mutates it on the tool-batch worker goroutine.
package session

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/kilobco/sb-voice-gateway/internal/observe"
	"github.com/kilobco/sb-voice-gateway/internal/store"
	"github.com/kilobco/sb-voice-gateway/internal/telephony"
	"github.com/kilobco/sb-voice-gateway/internal/tools"
	"github.com/kilobco/sb-voice-gateway/pkg/audio"
	"github.com/kilobco/sb-voice-gateway/pkg/genai"
)

// transferPhrase is the literal token the agent emits in its speech
// transcript to request cold escalation to a human.
const transferPhrase = "TRANSFER_TO_HUMAN"

const (
	// defaultFarewellDelay leaves the agent time to read the order number
	// back to the caller after a successful order before the session ends.
	defaultFarewellDelay = 22 * time.Second

	// defaultTeardownGrace is how long a media-side hang-up defers teardown
	// while an order persistence pipeline is still in flight.
	defaultTeardownGrace = 8 * time.Second
)

// MediaSender is the outbound half of the telephony leg.
type MediaSender interface {
	SendMedia(ctx context.Context, payload []byte) error
	SendClear(ctx context.Context) error
	Close()
}

// ModelSender is the outbound half of the model leg.
type ModelSender interface {
	SendAudio(ctx context.Context, chunk []byte) error
	SendToolResponse(ctx context.Context, responses []genai.ToolResponse) error
	Close()
}

// ToolDispatcher executes one tool call and returns its response payload.
type ToolDispatcher interface {
	Dispatch(ctx context.Context, name string, args map[string]any) map[string]any
}

// Transferer performs the out-of-band call transfer.
type Transferer interface {
	Transfer(ctx context.Context, callID, number string) error
}

// Compile-time checks against the concrete legs.
var (
	_ MediaSender = (*telephony.MediaLeg)(nil)
	_ ModelSender = (*genai.Leg)(nil)
	_ Transferer  = (*telephony.TransferController)(nil)
)

// Config assembles a session's collaborators. MediaEvents and ModelEvents
// must be the inbound streams of the same legs passed as senders.
type Config struct {
	CallID      string
	StreamID    string
	CallerPhone string

	Media       MediaSender
	MediaEvents <-chan telephony.Event
	Model       ModelSender
	ModelEvents <-chan genai.Event

	Dispatcher ToolDispatcher
	Gateway    store.Gateway
	Transfer   Transferer

	// TransferNumber is the restaurant's human line in E.164 form.
	TransferNumber string

	// CallRef is the persisted call row identity; the zero value means the
	// insert failed. Terminal writes are still issued by call id; with no row
	// behind them the store reports ErrNotFound, which teardown logs.
	CallRef store.CallRef

	Registry *Registry
	Metrics  *observe.Metrics // may be nil in tests

	// FarewellDelay and TeardownGrace override the production timers in
	// tests. Zero means the defaults.
	FarewellDelay time.Duration
	TeardownGrace time.Duration
}

// toolBatchResult carries a finished tool batch from its worker goroutine
// back onto the session loop.
type toolBatchResult struct {
	responses      []genai.ToolResponse
	orderSucceeded bool
}

// Session is the per-call runtime object. All fields are confined to the
// Run goroutine.
type Session struct {
	cfg Config

	// Lifecycle flags, exactly the orthogonal sub-states of the call:
	agentSpeaking      bool
	toolCallInProgress bool
	wasInterrupted     bool
	orderInProgress    bool
	transferTriggered  bool

	transcript strings.Builder

	toolDone     chan toolBatchResult
	transferDone chan error

	farewellTimer <-chan time.Time
	teardownTimer <-chan time.Time

	terminalWritten bool
	closing         bool
	failureReason   string
}

// New creates a session for a started call.
func New(cfg Config) *Session {
	if cfg.FarewellDelay <= 0 {
		cfg.FarewellDelay = defaultFarewellDelay
	}
	if cfg.TeardownGrace <= 0 {
		cfg.TeardownGrace = defaultTeardownGrace
	}
	return &Session{
		cfg:          cfg,
		toolDone:     make(chan toolBatchResult, 1),
		transferDone: make(chan error, 1),
	}
}

// Run drives the session until the first terminal signal (either leg ending,
// the farewell or grace timer, or ctx), then closes both legs and writes the
// terminal status. It must be called exactly once.
func (s *Session) Run(ctx context.Context) {
	if s.cfg.Registry != nil {
		s.cfg.Registry.Insert(s.cfg.CallID, s)
		defer s.cfg.Registry.Remove(s.cfg.CallID)
	}
	if m := s.cfg.Metrics; m != nil {
		m.ActiveSessions.Add(ctx, 1)
		defer m.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}
	defer s.teardown(ctx)

	for {
		select {
		case <-ctx.Done():
			s.failureReason = "server shutdown"
			return

		case ev, ok := <-s.cfg.MediaEvents:
			if !ok {
				return
			}
			if done := s.handleMediaEvent(ctx, ev); done {
				return
			}

		case ev, ok := <-s.cfg.ModelEvents:
			if !ok {
				s.failureReason = "model stream ended"
				return
			}
			if done := s.handleModelEvent(ctx, ev); done {
				return
			}

		case res := <-s.toolDone:
			if done := s.handleToolDone(ctx, res); done {
				return
			}

		case err := <-s.transferDone:
			if err != nil {
				// Roll the latch back so a normal terminal can still apply.
				slog.Error("transfer failed, rolling back", "call_id", s.cfg.CallID, "err", err)
				s.transferTriggered = false
			} else if m := s.cfg.Metrics; m != nil {
				m.TransfersTriggered.Add(ctx, 1)
			}

		case <-s.farewellTimer:
			slog.Info("farewell window elapsed, ending session", "call_id", s.cfg.CallID)
			return

		case <-s.teardownTimer:
			slog.Warn("teardown grace expired with order still in flight", "call_id", s.cfg.CallID)
			return
		}
	}
}

// ── Media events ──────────────────────────────────────────────────────────────

func (s *Session) handleMediaEvent(ctx context.Context, ev telephony.Event) (done bool) {
	switch ev.Kind {
	case telephony.EventMedia:
		s.forwardCallerAudio(ctx, ev.Payload)

	case telephony.EventStop:
		slog.Info("caller stream stopped", "call_id", s.cfg.CallID)
		return s.beginClose()

	case telephony.EventClosed:
		if ev.Err != nil {
			slog.Warn("media socket error", "call_id", s.cfg.CallID, "err", ev.Err)
			s.failureReason = "media socket error"
		}
		return s.beginClose()

	case telephony.EventStart:
		// Identity was consumed before the session started; a duplicate is
		// a protocol oddity worth a log line and nothing else.
		slog.Debug("duplicate start event", "call_id", s.cfg.CallID)
	}
	return false
}

// forwardCallerAudio transcodes one caller frame and pushes it to the model.
// Frames are dropped while a tool batch is in flight: interleaving realtime
// input with a pending tool response is a protocol violation on the model
// side.
func (s *Session) forwardCallerAudio(ctx context.Context, payload []byte) {
	if s.closing || s.toolCallInProgress {
		s.countDrop(ctx, "tool_call_gate")
		return
	}

	pcm, err := audio.MediaToModel(payload)
	if err != nil {
		slog.Debug("caller frame conversion failed", "call_id", s.cfg.CallID, "err", err)
		s.countDrop(ctx, "convert_error")
		return
	}
	if err := s.cfg.Model.SendAudio(ctx, pcm); err != nil {
		slog.Debug("model send failed", "call_id", s.cfg.CallID, "err", err)
	}
}

// ── Model events ──────────────────────────────────────────────────────────────

func (s *Session) handleModelEvent(ctx context.Context, ev genai.Event) (done bool) {
	switch ev.Kind {
	case genai.EventOpen:
		slog.Info("model session open", "call_id", s.cfg.CallID)

	case genai.EventAudio:
		s.forwardModelAudio(ctx, ev.Audio)

	case genai.EventOutputTranscript:
		// The accumulator is never reset: the transfer phrase may straddle
		// fragment boundaries, and the full text is scanned per turn.
		s.transcript.WriteString(ev.Transcript)

	case genai.EventInputTranscript:
		slog.Debug("caller said", "call_id", s.cfg.CallID, "text", ev.Transcript)

	case genai.EventInterrupted:
		// Barge-in: stop forwarding immediately and flush the provider's
		// queued audio so the caller is not talked over.
		s.agentSpeaking = false
		s.wasInterrupted = true
		_ = s.cfg.Media.SendClear(ctx)

	case genai.EventTurnComplete:
		s.agentSpeaking = false
		s.wasInterrupted = false
		s.checkTransferPhrase(ctx)

	case genai.EventToolCall:
		s.startToolBatch(ctx, ev.ToolCalls)

	case genai.EventClosed:
		if s.closing {
			return false // already tearing down; the media path decides
		}
		if ev.Err != nil {
			slog.Warn("model session lost", "call_id", s.cfg.CallID, "err", ev.Err)
			s.failureReason = "model session lost"
		}
		return s.beginClose()
	}
	return false
}

func (s *Session) forwardModelAudio(ctx context.Context, fragment []byte) {
	if !s.agentSpeaking {
		if s.wasInterrupted {
			// Fragments still in flight from a cancelled turn.
			s.countDrop(ctx, "interrupted")
			return
		}
		s.agentSpeaking = true
	}

	mulaw, err := audio.ModelToMedia(fragment)
	if err != nil {
		slog.Debug("model fragment conversion failed", "call_id", s.cfg.CallID, "err", err)
		s.countDrop(ctx, "convert_error")
		return
	}
	_ = s.cfg.Media.SendMedia(ctx, mulaw)
}

// checkTransferPhrase scans the accumulated transcript at each turn boundary
// and latches the transfer at most once per session.
func (s *Session) checkTransferPhrase(ctx context.Context) {
	if s.transferTriggered || !strings.Contains(s.transcript.String(), transferPhrase) {
		return
	}
	s.transferTriggered = true

	slog.Info("transfer phrase detected, escalating",
		"call_id", s.cfg.CallID,
		"number", s.cfg.TransferNumber,
	)
	go func() {
		err := s.cfg.Transfer.Transfer(ctx, s.cfg.CallID, s.cfg.TransferNumber)
		select {
		case s.transferDone <- err:
		case <-ctx.Done():
		}
	}()
}

// ── Tool batches ──────────────────────────────────────────────────────────────

// startToolBatch latches the tool gate and runs the batch off-loop. Calls are
// dispatched in the order the model listed them; the responses go back in the
// same order as one batch.
func (s *Session) startToolBatch(ctx context.Context, calls []genai.ToolCall) {
	if s.toolCallInProgress {
		slog.Warn("tool batch while previous batch in flight", "call_id", s.cfg.CallID)
	}
	s.toolCallInProgress = true
	for _, c := range calls {
		if c.Name == tools.ToolCompleteOrder {
			s.orderInProgress = true
		}
	}

	go func() {
		var res toolBatchResult
		for _, c := range calls {
			payload := s.cfg.Dispatcher.Dispatch(ctx, c.Name, c.Args)
			if c.Name == tools.ToolCompleteOrder && payload["orderId"] != nil {
				res.orderSucceeded = true
			}
			res.responses = append(res.responses, genai.ToolResponse{
				ID:       c.ID,
				Name:     c.Name,
				Response: payload,
			})
		}
		select {
		case s.toolDone <- res:
		case <-ctx.Done():
		}
	}()
}

func (s *Session) handleToolDone(ctx context.Context, res toolBatchResult) (done bool) {
	s.toolCallInProgress = false
	s.orderInProgress = false

	if s.wasInterrupted {
		// The turn that issued this batch was cancelled; acknowledging it
		// now would close the model session with a protocol error.
		slog.Info("skipping tool response after interruption", "call_id", s.cfg.CallID)
		s.wasInterrupted = false
	} else if err := s.cfg.Model.SendToolResponse(ctx, res.responses); err != nil {
		slog.Warn("tool response send failed", "call_id", s.cfg.CallID, "err", err)
	}

	if res.orderSucceeded {
		// Give the agent time to read the order number back, then hang up.
		s.farewellTimer = time.After(s.cfg.FarewellDelay)
	}

	if s.closing {
		// A hang-up arrived while the batch ran; the grace window was only
		// for the order write, which is now settled.
		return true
	}
	return false
}

// ── Teardown ──────────────────────────────────────────────────────────────────

// beginClose reacts to a terminal signal from either leg. It returns true
// when the loop should exit now, or arms the grace timer when an order write
// is still in flight.
func (s *Session) beginClose() (exitNow bool) {
	if s.closing {
		return s.teardownTimer == nil
	}
	s.closing = true

	if s.orderInProgress {
		slog.Info("deferring teardown for in-flight order", "call_id", s.cfg.CallID)
		s.teardownTimer = time.After(s.cfg.TeardownGrace)
		return false
	}
	return true
}

// teardown closes both legs and applies the terminal persistence status
// exactly once. Persistence failures are logged and swallowed.
func (s *Session) teardown(ctx context.Context) {
	if s.terminalWritten {
		return
	}
	s.terminalWritten = true

	s.cfg.Media.Close()
	s.cfg.Model.Close()

	// Terminal writes happen even when the run context is gone.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	var err error
	var terminal string
	switch {
	case s.transferTriggered:
		terminal = store.StatusEscalated
		err = s.cfg.Gateway.EscalateCall(writeCtx, s.cfg.CallID)
	case s.failureReason != "":
		terminal = store.StatusFailed
		err = s.cfg.Gateway.FailCall(writeCtx, s.cfg.CallID, s.failureReason)
	default:
		terminal = store.StatusCompleted
		err = s.cfg.Gateway.CompleteCall(writeCtx, s.cfg.CallID, s.cfg.CallRef.StartedAt)
	}
	if err != nil {
		slog.Error("terminal status write failed",
			"call_id", s.cfg.CallID,
			"status", terminal,
			"err", err,
		)
	}

	slog.Info("session closed",
		"call_id", s.cfg.CallID,
		"status", terminal,
		"transcript_chars", s.transcript.Len(),
	)
}

func (s *Session) countDrop(ctx context.Context, reason string) {
	if m := s.cfg.Metrics; m != nil {
		m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}
