package telephony_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kilobco/sb-voice-gateway/internal/telephony"
)

// legPair accepts one WebSocket connection, wraps it in a MediaLeg, starts
// its read loop, and returns the provider-side client connection plus the
// leg's event stream.
func legPair(t *testing.T) (*websocket.Conn, *telephony.MediaLeg, <-chan telephony.Event) {
	t.Helper()

	legCh := make(chan *telephony.MediaLeg, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		leg := telephony.NewMediaLeg(conn)
		legCh <- leg
		leg.Run(context.Background())
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	client, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close(websocket.StatusNormalClosure, "test done") })

	leg := <-legCh
	return client, leg, leg.Events()
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("send: %v", err)
	}
}

func sendRaw(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Fatalf("sendRaw: %v", err)
	}
}

func recv(t *testing.T, events <-chan telephony.Event) telephony.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return telephony.Event{}
	}
}

func startFrame(params map[string]string) map[string]any {
	start := map[string]any{"callSid": "CA1", "streamSid": "MZ1"}
	if params != nil {
		start["customParameters"] = params
	}
	return map[string]any{"event": "start", "start": start}
}

func TestStartEventCarriesIdentity(t *testing.T) {
	t.Parallel()

	client, _, events := legPair(t)
	send(t, client, startFrame(map[string]string{
		"callerPhone":     "+15551230001",
		"restaurantPhone": "+15559990002",
	}))

	ev := recv(t, events)
	if ev.Kind != telephony.EventStart {
		t.Fatalf("Kind = %v, want EventStart", ev.Kind)
	}
	if ev.Start.CallID != "CA1" || ev.Start.StreamID != "MZ1" {
		t.Errorf("identity = %+v", ev.Start)
	}
	if ev.Start.CallerPhone != "+15551230001" || ev.Start.RestaurantPhone != "+15559990002" {
		t.Errorf("phones = %+v", ev.Start)
	}
}

func TestStartWithoutCustomParametersDefaultsUnknown(t *testing.T) {
	t.Parallel()

	client, _, events := legPair(t)
	send(t, client, startFrame(nil))

	ev := recv(t, events)
	if ev.Start.CallerPhone != "unknown" || ev.Start.RestaurantPhone != "unknown" {
		t.Errorf("phones = %+v, want unknown/unknown", ev.Start)
	}
}

func TestMediaBeforeStartIsDropped(t *testing.T) {
	t.Parallel()

	client, _, events := legPair(t)
	payload := base64.StdEncoding.EncodeToString([]byte{0x7F, 0x80})

	send(t, client, map[string]any{"event": "media", "media": map[string]any{"payload": payload}})
	send(t, client, startFrame(nil))
	send(t, client, map[string]any{"event": "media", "media": map[string]any{"payload": payload}})

	// The pre-start media frame must not surface; the first event is start.
	if ev := recv(t, events); ev.Kind != telephony.EventStart {
		t.Fatalf("first event Kind = %v, want EventStart", ev.Kind)
	}
	ev := recv(t, events)
	if ev.Kind != telephony.EventMedia {
		t.Fatalf("second event Kind = %v, want EventMedia", ev.Kind)
	}
	if len(ev.Payload) != 2 || ev.Payload[0] != 0x7F {
		t.Errorf("payload = %v", ev.Payload)
	}
}

func TestMalformedJSONDoesNotTerminateLeg(t *testing.T) {
	t.Parallel()

	client, _, events := legPair(t)
	sendRaw(t, client, "{not json")
	sendRaw(t, client, "garbage")
	send(t, client, startFrame(nil))

	if ev := recv(t, events); ev.Kind != telephony.EventStart {
		t.Fatalf("Kind = %v, want EventStart after garbage frames", ev.Kind)
	}
}

func TestUnknownAndDTMFEventsIgnored(t *testing.T) {
	t.Parallel()

	client, _, events := legPair(t)
	send(t, client, map[string]any{"event": "connected"})
	send(t, client, map[string]any{"event": "dtmf"})
	send(t, client, map[string]any{"event": "mystery"})
	send(t, client, startFrame(nil))

	if ev := recv(t, events); ev.Kind != telephony.EventStart {
		t.Fatalf("Kind = %v, want EventStart", ev.Kind)
	}
}

func TestStopAndCloseEvents(t *testing.T) {
	t.Parallel()

	client, _, events := legPair(t)
	send(t, client, startFrame(nil))
	recv(t, events)

	send(t, client, map[string]any{"event": "stop"})
	if ev := recv(t, events); ev.Kind != telephony.EventStop {
		t.Fatalf("Kind = %v, want EventStop", ev.Kind)
	}

	client.Close(websocket.StatusNormalClosure, "caller hung up")
	ev := recv(t, events)
	if ev.Kind != telephony.EventClosed {
		t.Fatalf("Kind = %v, want EventClosed", ev.Kind)
	}
	if ev.Err != nil {
		t.Errorf("Err = %v, want nil for clean close", ev.Err)
	}
}

func TestSendMediaReachesProvider(t *testing.T) {
	t.Parallel()

	client, leg, events := legPair(t)
	send(t, client, startFrame(nil))
	recv(t, events)

	if err := leg.SendMedia(context.Background(), []byte{0x01, 0x02, 0x03}); err != nil {
		t.Fatalf("SendMedia() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}

	var frame struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
		Media     struct {
			Payload string `json:"payload"`
		} `json:"media"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Event != "media" || frame.StreamSid != "MZ1" {
		t.Errorf("frame = %+v", frame)
	}
	if frame.Media.Payload != base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0x03}) {
		t.Errorf("payload = %q", frame.Media.Payload)
	}
}

func TestSendClearShape(t *testing.T) {
	t.Parallel()

	client, leg, events := legPair(t)
	send(t, client, startFrame(nil))
	recv(t, events)

	if err := leg.SendClear(context.Background()); err != nil {
		t.Fatalf("SendClear() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var frame struct {
		Event     string `json:"event"`
		StreamSid string `json:"streamSid"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Event != "clear" || frame.StreamSid != "MZ1" {
		t.Errorf("frame = %+v", frame)
	}
}

func TestSendAfterCloseIsSkipped(t *testing.T) {
	t.Parallel()

	client, leg, events := legPair(t)
	send(t, client, startFrame(nil))
	recv(t, events)

	leg.Close()
	if ev := recv(t, events); ev.Kind != telephony.EventClosed {
		t.Fatalf("Kind = %v, want EventClosed", ev.Kind)
	}
	client.Close(websocket.StatusNormalClosure, "")

	// Skipped, not an error.
	if err := leg.SendMedia(context.Background(), []byte{0x01}); err != nil {
		t.Errorf("SendMedia after close error = %v, want nil", err)
	}
}
