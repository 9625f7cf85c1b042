// Package telephony owns the provider-facing surfaces of the gateway: the
// media stream leg carried over the caller's WebSocket, the directive
// document returned to the provider's webhook, and the REST transfer action.
package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// EventKind discriminates the events a [MediaLeg] delivers.
type EventKind int

const (
	// EventStart opens the stream and carries the call identity.
	EventStart EventKind = iota

	// EventMedia carries one µ-law audio frame from the caller.
	EventMedia

	// EventStop is the provider's orderly end of stream.
	EventStop

	// EventClosed reports that the underlying socket is gone. Err is nil
	// for a clean peer close.
	EventClosed
)

// StartInfo is the identity block of a start event. Missing custom
// parameters degrade to "unknown" rather than failing the call.
type StartInfo struct {
	CallID          string
	StreamID        string
	CallerPhone     string
	RestaurantPhone string
}

// Event is one inbound occurrence on the media leg.
type Event struct {
	Kind    EventKind
	Start   StartInfo // set for EventStart
	Payload []byte    // decoded µ-law, set for EventMedia
	Err     error     // set for EventClosed on abnormal close
}

// inboundFrame is the provider's wire envelope. Every event type shares the
// one JSON shape with optional sub-objects.
type inboundFrame struct {
	Event string `json:"event"`
	Start *struct {
		CallSid          string            `json:"callSid"`
		StreamSid        string            `json:"streamSid"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`
	Media *struct {
		Payload string `json:"payload"`
	} `json:"media"`
}

type outboundMedia struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid"`
	Media     mediaPayload `json:"media"`
}

type mediaPayload struct {
	Payload string `json:"payload"`
}

type outboundClear struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// MediaLeg is the framed duplex channel to the telephony provider. Reading
// happens on the goroutine that calls [MediaLeg.Run]; writes may come from
// the owning session's loop. A send after the socket left the open state is
// skipped with a warning rather than surfaced as an error.
type MediaLeg struct {
	conn   *websocket.Conn
	events chan Event

	started bool // start frame seen; media before it is dropped

	mu       sync.Mutex
	streamID string // written by the read loop, read by senders

	open atomic.Bool
}

// NewMediaLeg wraps an accepted WebSocket connection.
func NewMediaLeg(conn *websocket.Conn) *MediaLeg {
	leg := &MediaLeg{
		conn:   conn,
		events: make(chan Event, 64),
	}
	leg.open.Store(true)
	return leg
}

// Events returns the inbound event stream. It is closed after EventClosed.
func (l *MediaLeg) Events() <-chan Event { return l.events }

// Run reads frames until the socket closes, delivering events in wire order.
// Non-JSON and malformed frames are discarded without terminating the leg.
func (l *MediaLeg) Run(ctx context.Context) {
	defer close(l.events)
	defer l.open.Store(false)

	for {
		_, data, err := l.conn.Read(ctx)
		if err != nil {
			l.open.Store(false)
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || ctx.Err() != nil {
				err = nil
			}
			l.deliver(ctx, Event{Kind: EventClosed, Err: err})
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("media leg: discarding non-JSON frame", "bytes", len(data))
			continue
		}

		switch frame.Event {
		case "start":
			l.handleStart(ctx, &frame)
		case "media":
			l.handleMedia(ctx, &frame)
		case "stop":
			l.deliver(ctx, Event{Kind: EventStop})
		case "dtmf", "connected":
			slog.Debug("media leg: ignoring event", "event", frame.Event)
		default:
			slog.Debug("media leg: unknown event", "event", frame.Event)
		}
	}
}

func (l *MediaLeg) handleStart(ctx context.Context, frame *inboundFrame) {
	info := StartInfo{CallerPhone: "unknown", RestaurantPhone: "unknown"}
	if frame.Start != nil {
		info.CallID = frame.Start.CallSid
		info.StreamID = frame.Start.StreamSid
		if v := frame.Start.CustomParameters["callerPhone"]; v != "" {
			info.CallerPhone = v
		}
		if v := frame.Start.CustomParameters["restaurantPhone"]; v != "" {
			info.RestaurantPhone = v
		}
	}

	l.started = true
	l.mu.Lock()
	l.streamID = info.StreamID
	l.mu.Unlock()
	l.deliver(ctx, Event{Kind: EventStart, Start: info})
}

func (l *MediaLeg) handleMedia(ctx context.Context, frame *inboundFrame) {
	if !l.started {
		// Race tolerance: the provider may flush media ahead of start.
		return
	}
	if frame.Media == nil || frame.Media.Payload == "" {
		return
	}
	payload, err := base64.StdEncoding.DecodeString(frame.Media.Payload)
	if err != nil {
		slog.Debug("media leg: undecodable media payload", "err", err)
		return
	}
	l.deliver(ctx, Event{Kind: EventMedia, Payload: payload})
}

func (l *MediaLeg) deliver(ctx context.Context, ev Event) {
	select {
	case l.events <- ev:
	case <-ctx.Done():
	}
}

// SendMedia pushes one µ-law frame toward the caller.
func (l *MediaLeg) SendMedia(ctx context.Context, payload []byte) error {
	return l.send(ctx, outboundMedia{
		Event:     "media",
		StreamSid: l.currentStreamID(),
		Media:     mediaPayload{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

// SendClear asks the provider to flush any queued caller-directed audio.
// Used on barge-in so the caller does not hear stale agent speech.
func (l *MediaLeg) SendClear(ctx context.Context) error {
	return l.send(ctx, outboundClear{Event: "clear", StreamSid: l.currentStreamID()})
}

func (l *MediaLeg) currentStreamID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streamID
}

func (l *MediaLeg) send(ctx context.Context, v any) error {
	if !l.open.Load() {
		slog.Warn("media leg: skipping send on closed socket")
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("media leg: marshal: %w", err)
	}
	if err := l.conn.Write(ctx, websocket.MessageText, data); err != nil {
		l.open.Store(false)
		slog.Warn("media leg: send failed", "err", err)
		return nil
	}
	return nil
}

// Close tears the socket down. Safe to call more than once.
func (l *MediaLeg) Close() {
	l.open.Store(false)
	_ = l.conn.Close(websocket.StatusNormalClosure, "session ended")
}
