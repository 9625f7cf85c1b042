// Package genai implements the duplex session with the generative speech
// service over its BidiGenerateContent WebSocket protocol.
//
// Audio flows in as base64 linear PCM at 16 kHz and comes back as 24 kHz
// fragments inside model turns. Tool calls, transcripts, interruption and
// turn boundaries are all multiplexed over the same message stream; the leg
// decodes them into typed [Event] values delivered in wire order on a single
// channel, leaving all policy to the owning session.
package genai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultModel   = "gemini-2.0-flash-live-001"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	// greetingDelay is the pause between the socket opening and the greeting
	// injection. Sending client content immediately after open is observed to
	// trigger an abnormal server-side close on some deployments; this delay is
	// an empirical work-around for that handshake race.
	greetingDelay = 500 * time.Millisecond

	// maxPreGreetingReconnects bounds how often an abnormal close before the
	// greeting is retried before the session gives up.
	maxPreGreetingReconnects = 2
	reconnectDelay           = time.Second

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// ── Configuration ─────────────────────────────────────────────────────────────

// ToolDeclaration describes one callable function offered to the model.
// Parameters is a JSON-schema object in the service's native map form.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Config fixes the session behaviour at connect time.
type Config struct {
	APIKey       string
	Model        string // defaults to defaultModel
	Voice        string
	Instructions string
	Tools        []ToolDeclaration

	// Greeting is the injected user-role turn that forces the agent to speak
	// first. Sent once, greetingDelay after the socket opens.
	Greeting string
}

// Option is a functional option for configuring a [Leg].
type Option func(*Leg)

// WithBaseURL overrides the service endpoint. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(l *Leg) { l.baseURL = url }
}

// WithGreetingDelay overrides the pre-greeting pause. Used in tests to keep
// suite execution fast.
func WithGreetingDelay(d time.Duration) Option {
	return func(l *Leg) { l.greetingDelay = d }
}

// WithReconnectDelay overrides the pause between pre-greeting reconnect
// attempts.
func WithReconnectDelay(d time.Duration) Option {
	return func(l *Leg) { l.reconnectDelay = d }
}

// ── Events ────────────────────────────────────────────────────────────────────

// EventKind discriminates the events a [Leg] delivers.
type EventKind int

const (
	// EventOpen fires after each successful connect and setup.
	EventOpen EventKind = iota

	// EventAudio carries one decoded 24 kHz PCM fragment of model speech.
	EventAudio

	// EventOutputTranscript carries a fragment of the model's own speech
	// transcription.
	EventOutputTranscript

	// EventInputTranscript carries a fragment of the caller-speech
	// transcription.
	EventInputTranscript

	// EventInterrupted signals the model is cancelling its current turn.
	EventInterrupted

	// EventTurnComplete marks the end of the current model turn.
	EventTurnComplete

	// EventToolCall carries one batch of function calls to dispatch.
	EventToolCall

	// EventClosed reports the session is gone; Err is nil on a clean close.
	EventClosed
)

// ToolCall is one model-issued function invocation.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

// ToolResponse answers one ToolCall.
type ToolResponse struct {
	ID       string
	Name     string
	Response map[string]any
}

// Event is one inbound occurrence on the model leg.
type Event struct {
	Kind       EventKind
	Audio      []byte
	Transcript string
	ToolCalls  []ToolCall
	Err        error
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model               string              `json:"model"`
	GenerationConfig    generationConfig    `json:"generationConfig"`
	SystemInstruction   *systemInstruction  `json:"systemInstruction,omitempty"`
	Tools               []toolBlock         `json:"tools,omitempty"`
	RealtimeInputConfig realtimeInputConfig `json:"realtimeInputConfig"`
	InputTranscription  *struct{}           `json:"inputAudioTranscription,omitempty"`
	OutputTranscription *struct{}           `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type toolBlock struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// realtimeInputConfig tunes the server-side voice activity detector for
// telephony noise: eager onset, lazy offset.
type realtimeInputConfig struct {
	AutomaticActivityDetection automaticActivityDetection `json:"automaticActivityDetection"`
}

type automaticActivityDetection struct {
	StartOfSpeechSensitivity string `json:"startOfSpeechSensitivity"`
	EndOfSpeechSensitivity   string `json:"endOfSpeechSensitivity"`
	PrefixPaddingMs          int    `json:"prefixPaddingMs"`
	SilenceDurationMs        int    `json:"silenceDurationMs"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type clientContentMessage struct {
	ClientContent clientContent `json:"clientContent"`
}

type clientContent struct {
	Turns        []contentTurn `json:"turns"`
	TurnComplete bool          `json:"turnComplete"`
}

type contentTurn struct {
	Role  string `json:"role"`
	Parts []part `json:"parts"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ── Leg ───────────────────────────────────────────────────────────────────────

// Leg is the model side of a call session. Create one per call with [NewLeg],
// start it with [Leg.Run], and consume [Leg.Events] until EventClosed.
// The send methods are safe to call from the owning session's loop while Run
// executes; sends during a reconnect window fail softly with an error.
type Leg struct {
	cfg            Config
	baseURL        string
	greetingDelay  time.Duration
	reconnectDelay time.Duration

	events chan Event

	mu      sync.Mutex
	conn    *websocket.Conn
	greeted bool
	closed  bool
}

// NewLeg creates a leg with the given session configuration.
func NewLeg(cfg Config, opts ...Option) *Leg {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	l := &Leg{
		cfg:            cfg,
		baseURL:        defaultBaseURL,
		greetingDelay:  greetingDelay,
		reconnectDelay: reconnectDelay,
		events:         make(chan Event, 128),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Events returns the inbound event stream. It is closed after EventClosed.
func (l *Leg) Events() <-chan Event { return l.events }

// Run owns the connection: it dials, performs setup, schedules the greeting
// injection, and reads until the session ends. An abnormal close before the
// greeting has been sent is retried up to maxPreGreetingReconnects times;
// any later close is terminal. Run returns after emitting EventClosed.
func (l *Leg) Run(ctx context.Context) {
	defer close(l.events)

	attempts := 0
	for {
		err := l.runOnce(ctx)
		if ctx.Err() != nil || err == nil || l.isClosed() {
			l.deliver(ctx, Event{Kind: EventClosed})
			return
		}
		if l.greetingSent() {
			l.deliver(ctx, Event{Kind: EventClosed, Err: err})
			return
		}
		attempts++
		if attempts > maxPreGreetingReconnects {
			l.deliver(ctx, Event{Kind: EventClosed, Err: fmt.Errorf("genai: reconnect attempts exhausted: %w", err)})
			return
		}

		slog.Warn("model leg closed before greeting, reconnecting",
			"attempt", attempts,
			"max_attempts", maxPreGreetingReconnects,
			"err", err,
		)
		select {
		case <-ctx.Done():
			l.deliver(ctx, Event{Kind: EventClosed})
			return
		case <-time.After(l.reconnectDelay):
		}
	}
}

// runOnce performs one dial/setup/read cycle. A nil return means the session
// ended cleanly (peer normal close or context cancellation).
func (l *Leg) runOnce(ctx context.Context) error {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		l.baseURL, l.cfg.APIKey,
	)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("genai: dial: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "session ended")
	}()

	if err := l.writeJSON(ctx, l.setupMessage()); err != nil {
		return fmt.Errorf("genai: setup: %w", err)
	}
	l.deliver(ctx, Event{Kind: EventOpen})

	greetCtx, cancelGreet := context.WithCancel(ctx)
	defer cancelGreet()
	go l.greetAfterDelay(greetCtx)
	go l.keepaliveLoop(greetCtx, conn)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("genai: read: %w", err)
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("model leg: discarding malformed frame", "err", err)
			continue
		}
		l.handleServerMessage(ctx, &msg)
	}
}

func (l *Leg) setupMessage() setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", l.cfg.Model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
			RealtimeInputConfig: realtimeInputConfig{
				AutomaticActivityDetection: automaticActivityDetection{
					StartOfSpeechSensitivity: "START_SENSITIVITY_HIGH",
					EndOfSpeechSensitivity:   "END_SENSITIVITY_LOW",
					PrefixPaddingMs:          200,
					SilenceDurationMs:        600,
				},
			},
			InputTranscription:  &struct{}{},
			OutputTranscription: &struct{}{},
		},
	}

	if l.cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: l.cfg.Instructions}},
		}
	}
	if l.cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: l.cfg.Voice},
			},
		}
	}
	if len(l.cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(l.cfg.Tools))
		for i, t := range l.cfg.Tools {
			decls[i] = functionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			}
		}
		msg.Setup.Tools = []toolBlock{{FunctionDeclarations: decls}}
	}
	return msg
}

// greetAfterDelay injects the greeting turn once the handshake race window
// has passed. The greeted latch flips only after a successful send so that
// a close during the window still qualifies for reconnection.
func (l *Leg) greetAfterDelay(ctx context.Context) {
	if l.cfg.Greeting == "" {
		return
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(l.greetingDelay):
	}

	if err := l.SendClientContent(ctx, l.cfg.Greeting); err != nil {
		slog.Warn("model leg: greeting injection failed", "err", err)
		return
	}
	l.mu.Lock()
	l.greeted = true
	l.mu.Unlock()
}

func (l *Leg) greetingSent() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.greeted
}

func (l *Leg) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *Leg) keepaliveLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, keepaliveTimeout)
			_ = conn.Ping(pingCtx)
			cancel()
		}
	}
}

func (l *Leg) handleServerMessage(ctx context.Context, msg *serverMessage) {
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil {
					continue
				}
				audio, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil || len(audio) == 0 {
					continue
				}
				l.deliver(ctx, Event{Kind: EventAudio, Audio: audio})
			}
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			l.deliver(ctx, Event{Kind: EventOutputTranscript, Transcript: sc.OutputTranscription.Text})
		}
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			l.deliver(ctx, Event{Kind: EventInputTranscript, Transcript: sc.InputTranscription.Text})
		}
		if sc.Interrupted {
			l.deliver(ctx, Event{Kind: EventInterrupted})
		}
		if sc.TurnComplete {
			l.deliver(ctx, Event{Kind: EventTurnComplete})
		}
	}

	if tc := msg.ToolCall; tc != nil && len(tc.FunctionCalls) > 0 {
		calls := make([]ToolCall, len(tc.FunctionCalls))
		for i, fc := range tc.FunctionCalls {
			calls[i] = ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}
		}
		l.deliver(ctx, Event{Kind: EventToolCall, ToolCalls: calls})
	}
}

func (l *Leg) deliver(ctx context.Context, ev Event) {
	select {
	case l.events <- ev:
	case <-ctx.Done():
	}
}

// ── Outbound operations ───────────────────────────────────────────────────────

// SendAudio delivers one 16 kHz linear PCM chunk of caller audio.
func (l *Leg) SendAudio(ctx context.Context, chunk []byte) error {
	return l.writeJSON(ctx, realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{
				{MIMEType: "audio/pcm;rate=16000", Data: base64.StdEncoding.EncodeToString(chunk)},
			},
		},
	})
}

// SendClientContent injects a user-role turn, forcing the agent to speak next.
func (l *Leg) SendClientContent(ctx context.Context, text string) error {
	return l.writeJSON(ctx, clientContentMessage{
		ClientContent: clientContent{
			Turns:        []contentTurn{{Role: "user", Parts: []part{{Text: text}}}},
			TurnComplete: true,
		},
	})
}

// SendToolResponse answers a prior tool-call batch. Responses are sent as a
// single message in the order given.
func (l *Leg) SendToolResponse(ctx context.Context, responses []ToolResponse) error {
	frs := make([]functionResponse, len(responses))
	for i, r := range responses {
		frs[i] = functionResponse{ID: r.ID, Name: r.Name, Response: r.Response}
	}
	return l.writeJSON(ctx, toolResponseMessage{
		ToolResponse: toolResponse{FunctionResponses: frs},
	})
}

func (l *Leg) writeJSON(ctx context.Context, v any) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("genai: not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("genai: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// Close terminates the session. Errors from the peer are ignored; the leg is
// already being torn down when Close is called.
func (l *Leg) Close() {
	l.mu.Lock()
	conn := l.conn
	l.closed = true
	l.mu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "session ended")
	}
}
