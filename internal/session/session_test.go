package session_test

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/kilobco/sb-voice-gateway/internal/order"
	"github.com/kilobco/sb-voice-gateway/internal/resilience"
	"github.com/kilobco/sb-voice-gateway/internal/session"
	"github.com/kilobco/sb-voice-gateway/internal/store"
	storemock "github.com/kilobco/sb-voice-gateway/internal/store/mock"
	"github.com/kilobco/sb-voice-gateway/internal/telephony"
	"github.com/kilobco/sb-voice-gateway/internal/tools"
	"github.com/kilobco/sb-voice-gateway/pkg/genai"
)

// ── Mocks ─────────────────────────────────────────────────────────────────────

type mediaMock struct {
	mu     sync.Mutex
	sent   [][]byte
	clears int
	closed bool
}

func (m *mediaMock) SendMedia(_ context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, payload)
	return nil
}

func (m *mediaMock) SendClear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clears++
	return nil
}

func (m *mediaMock) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *mediaMock) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mediaMock) clearCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clears
}

type modelMock struct {
	mu        sync.Mutex
	audio     [][]byte
	responses [][]genai.ToolResponse
	closed    bool
}

func (m *modelMock) SendAudio(_ context.Context, chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audio = append(m.audio, chunk)
	return nil
}

func (m *modelMock) SendToolResponse(_ context.Context, rs []genai.ToolResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, rs)
	return nil
}

func (m *modelMock) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func (m *modelMock) responseBatches() [][]genai.ToolResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]genai.ToolResponse, len(m.responses))
	copy(out, m.responses)
	return out
}

func (m *modelMock) audioCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.audio)
}

type transferMock struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (m *transferMock) Transfer(_ context.Context, _, number string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.calls = append(m.calls, number)
	return nil
}

func (m *transferMock) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// ── Harness ───────────────────────────────────────────────────────────────────

type harness struct {
	mediaCh  chan telephony.Event
	modelCh  chan genai.Event
	media    *mediaMock
	model    *modelMock
	transfer *transferMock
	gw       *storemock.Gateway
	cart     *order.Cart
	done     chan struct{}
}

func newHarness(t *testing.T, mutate func(*session.Config)) *harness {
	t.Helper()

	h := &harness{
		mediaCh:  make(chan telephony.Event, 64),
		modelCh:  make(chan genai.Event, 64),
		media:    &mediaMock{},
		model:    &modelMock{},
		transfer: &transferMock{},
		gw:       storemock.NewGateway(),
		cart:     order.NewCart(),
		done:     make(chan struct{}),
	}

	router := tools.New(tools.Config{
		Cart:         h.cart,
		Gateway:      h.gw,
		RestaurantID: "saffron-bistro-irvine",
		CallID:       "CA1",
		Retry:        resilience.Policy{MaxAttempts: 3, Backoff: time.Millisecond},
	})

	cfg := session.Config{
		CallID:         "CA1",
		StreamID:       "MZ1",
		CallerPhone:    "+15551230001",
		Media:          h.media,
		MediaEvents:    h.mediaCh,
		Model:          h.model,
		ModelEvents:    h.modelCh,
		Dispatcher:     router,
		Gateway:        h.gw,
		Transfer:       h.transfer,
		TransferNumber: "+15559990000",
		CallRef:        store.CallRef{StartedAt: time.Now()},
		Registry:       session.NewRegistry(),
		FarewellDelay:  40 * time.Millisecond,
		TeardownGrace:  200 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	s := session.New(cfg)
	go func() {
		defer close(h.done)
		s.Run(context.Background())
	}()
	return h
}

func (h *harness) waitDone(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("session did not terminate")
	}
}

// waitResponses blocks until the model mock has seen n tool-response batches.
func (h *harness) waitResponses(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(h.model.responseBatches()) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d tool response batches", n)
}

func toolCall(name string, args map[string]any) genai.Event {
	return genai.Event{Kind: genai.EventToolCall, ToolCalls: []genai.ToolCall{
		{ID: "fc-" + name, Name: name, Args: args},
	}}
}

func addCall(item string, qty int, price float64) genai.Event {
	return toolCall(tools.ToolManageOrder, map[string]any{
		"action": "add", "itemName": item, "quantity": float64(qty), "price": price,
	})
}

// ── Scenarios ─────────────────────────────────────────────────────────────────

// Happy path: two items, completeOrder, farewell, completed terminal.
func TestHappyPathTwoItems(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.modelCh <- addCall("Masala Dosa", 1, 11.49)
	h.waitResponses(t, 1)
	h.modelCh <- addCall("Mango Lassi", 1, 6.49)
	h.waitResponses(t, 2)
	h.modelCh <- toolCall(tools.ToolCompleteOrder, map[string]any{
		"customerName": "Ada", "phoneNumber": "5551234567",
	})
	h.waitResponses(t, 3)

	// The farewell timer ends the session without a caller hang-up.
	h.waitDone(t)

	if len(h.gw.Orders) != 1 {
		t.Fatalf("orders = %d, want 1", len(h.gw.Orders))
	}
	o := h.gw.Orders[0]
	if want := order.Total(17.98); o.Order.TotalAmount != want {
		t.Errorf("total = %v, want %v", o.Order.TotalAmount, want)
	}
	if len(h.gw.ItemsByOrder[o.ID]) != 2 {
		t.Errorf("order items = %d, want 2", len(h.gw.ItemsByOrder[o.ID]))
	}
	if len(h.gw.Customers) != 1 {
		t.Errorf("customers = %d, want 1", len(h.gw.Customers))
	}

	batches := h.model.responseBatches()
	last := batches[len(batches)-1][0].Response
	num, _ := last["orderNumber"].(string)
	if ok, _ := regexp.MatchString(`^SB-IRV-[0-9A-F]{6}$`, num); !ok {
		t.Errorf("orderNumber = %q", num)
	}

	if h.cart.ItemCount() != 0 {
		t.Errorf("cart not emptied")
	}

	terms := h.gw.TerminalsFor("CA1")
	if len(terms) != 1 || terms[0].Status != store.StatusCompleted {
		t.Errorf("terminals = %+v, want one completed", terms)
	}
}

// Price-map override: the cart reflects the authoritative price.
func TestPriceMapOverride(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.modelCh <- addCall("Masala Dosa", 2, 9.99)
	h.waitResponses(t, 1)

	items := h.cart.Items()
	if len(items) != 1 || items[0].UnitPrice != 11.49 || items[0].Quantity != 2 {
		t.Errorf("cart = %+v, want Masala Dosa x2 at 11.49", items)
	}

	h.mediaCh <- telephony.Event{Kind: telephony.EventStop}
	h.waitDone(t)
}

// Caller audio is transcoded and forwarded to the model.
func TestCallerAudioForwarded(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.mediaCh <- telephony.Event{Kind: telephony.EventMedia, Payload: []byte{0x9A, 0x3C, 0xE1, 0x00}}

	deadline := time.Now().Add(time.Second)
	for h.model.audioCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if h.model.audioCount() != 1 {
		t.Fatalf("model audio frames = %d, want 1", h.model.audioCount())
	}
	h.model.mu.Lock()
	got := len(h.model.audio[0])
	h.model.mu.Unlock()
	// 4 µ-law bytes → 8 samples at 16 kHz → 16 bytes PCM.
	if got != 16 {
		t.Errorf("forwarded frame = %d bytes, want 16", got)
	}

	h.mediaCh <- telephony.Event{Kind: telephony.EventStop}
	h.waitDone(t)
}

// Caller media is not forwarded while a tool batch is in flight.
func TestMediaGatedDuringToolCall(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	slow := dispatcherFunc(func(context.Context, string, map[string]any) map[string]any {
		<-release
		return map[string]any{"result": "ok"}
	})

	h := newHarness(t, func(cfg *session.Config) { cfg.Dispatcher = slow })

	h.modelCh <- toolCall(tools.ToolSearchMenu, map[string]any{"query": "Idli"})
	time.Sleep(20 * time.Millisecond) // batch now in flight

	h.mediaCh <- telephony.Event{Kind: telephony.EventMedia, Payload: []byte{0x9A, 0x3C}}
	time.Sleep(20 * time.Millisecond)
	if n := h.model.audioCount(); n != 0 {
		t.Errorf("audio forwarded during tool call: %d frames", n)
	}

	close(release)
	h.waitResponses(t, 1)

	h.mediaCh <- telephony.Event{Kind: telephony.EventMedia, Payload: []byte{0x9A, 0x3C}}
	deadline := time.Now().Add(time.Second)
	for h.model.audioCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if h.model.audioCount() != 1 {
		t.Errorf("audio not forwarded after batch completion")
	}

	h.mediaCh <- telephony.Event{Kind: telephony.EventStop}
	h.waitDone(t)
}

// Barge-in: interrupted clears agentSpeaking, flushes the media queue, and
// the pending tool batch's response is skipped.
func TestBargeIn(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)

	// Model speaks: a 24 kHz fragment is forwarded as µ-law.
	h.modelCh <- genai.Event{Kind: genai.EventAudio, Audio: make([]byte, 6)}
	deadline := time.Now().Add(time.Second)
	for h.media.sentCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if h.media.sentCount() != 1 {
		t.Fatalf("media frames = %d, want 1", h.media.sentCount())
	}

	// Caller barges in.
	h.modelCh <- genai.Event{Kind: genai.EventInterrupted}
	// A fragment still in flight from the cancelled turn must be dropped.
	h.modelCh <- genai.Event{Kind: genai.EventAudio, Audio: make([]byte, 6)}
	// The tool call raised by the cancelled turn must not be acknowledged.
	h.modelCh <- toolCall(tools.ToolSearchMenu, map[string]any{"query": "Idli"})

	time.Sleep(50 * time.Millisecond)
	if h.media.clearCount() != 1 {
		t.Errorf("clear frames = %d, want 1", h.media.clearCount())
	}
	if h.media.sentCount() != 1 {
		t.Errorf("media frames = %d, want still 1 after barge-in", h.media.sentCount())
	}
	if n := len(h.model.responseBatches()); n != 0 {
		t.Errorf("tool responses = %d, want 0 after interruption", n)
	}

	// After the cancelled turn's boundary, the next turn flows again.
	h.modelCh <- genai.Event{Kind: genai.EventTurnComplete}
	h.modelCh <- genai.Event{Kind: genai.EventAudio, Audio: make([]byte, 6)}
	deadline = time.Now().Add(time.Second)
	for h.media.sentCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if h.media.sentCount() != 2 {
		t.Errorf("media frames = %d, want 2 after recovery", h.media.sentCount())
	}

	h.mediaCh <- telephony.Event{Kind: telephony.EventStop}
	h.waitDone(t)
}

// Transfer phrase: fires exactly once, terminal is escalated.
func TestTransferPhrase(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.modelCh <- genai.Event{Kind: genai.EventOutputTranscript, Transcript: "Let me get a team member. TRANSFER_"}
	h.modelCh <- genai.Event{Kind: genai.EventOutputTranscript, Transcript: "TO_HUMAN right away."}
	h.modelCh <- genai.Event{Kind: genai.EventTurnComplete}
	h.modelCh <- genai.Event{Kind: genai.EventTurnComplete} // a later turn must not re-fire

	deadline := time.Now().Add(time.Second)
	for h.transfer.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	if h.transfer.count() != 1 {
		t.Fatalf("transfers = %d, want exactly 1", h.transfer.count())
	}
	h.transfer.mu.Lock()
	number := h.transfer.calls[0]
	h.transfer.mu.Unlock()
	if number != "+15559990000" {
		t.Errorf("transfer number = %q", number)
	}

	h.mediaCh <- telephony.Event{Kind: telephony.EventClosed}
	h.waitDone(t)

	terms := h.gw.TerminalsFor("CA1")
	if len(terms) != 1 || terms[0].Status != store.StatusEscalated {
		t.Errorf("terminals = %+v, want one escalated", terms)
	}
}

// Transfer REST failure rolls the latch back so a normal terminal applies.
func TestTransferFailureRollsBack(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.transfer.err = context.DeadlineExceeded

	h.modelCh <- genai.Event{Kind: genai.EventOutputTranscript, Transcript: "TRANSFER_TO_HUMAN"}
	h.modelCh <- genai.Event{Kind: genai.EventTurnComplete}
	time.Sleep(50 * time.Millisecond)

	h.mediaCh <- telephony.Event{Kind: telephony.EventStop}
	h.waitDone(t)

	terms := h.gw.TerminalsFor("CA1")
	if len(terms) != 1 || terms[0].Status != store.StatusCompleted {
		t.Errorf("terminals = %+v, want one completed after rollback", terms)
	}
}

// A model-leg loss mid-call fails the call.
func TestModelLossFailsCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.modelCh <- genai.Event{Kind: genai.EventClosed, Err: context.DeadlineExceeded}
	h.waitDone(t)

	terms := h.gw.TerminalsFor("CA1")
	if len(terms) != 1 || terms[0].Status != store.StatusFailed {
		t.Errorf("terminals = %+v, want one failed", terms)
	}
}

// A hang-up during an in-flight order defers teardown until the write lands.
func TestHangupDefersTeardownForOrder(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	gw := storemock.NewGateway()
	cart := order.NewCart()
	cart.Add("Idli", 1, 7.99, "")

	slow := dispatcherFunc(func(ctx context.Context, name string, args map[string]any) map[string]any {
		once.Do(func() { close(started) })
		<-release
		return map[string]any{"result": "ok", "orderId": "deadbeef"}
	})

	h := newHarness(t, func(cfg *session.Config) {
		cfg.Dispatcher = slow
		cfg.Gateway = gw
	})
	h.gw = gw

	h.modelCh <- toolCall(tools.ToolCompleteOrder, map[string]any{
		"customerName": "Ada", "phoneNumber": "5551234567",
	})
	<-started

	// Caller hangs up while the order pipeline runs.
	h.mediaCh <- telephony.Event{Kind: telephony.EventClosed}

	select {
	case <-h.done:
		t.Fatal("session tore down before the order settled")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	h.waitDone(t)

	terms := gw.TerminalsFor("CA1")
	if len(terms) != 1 {
		t.Errorf("terminals = %+v, want exactly one", terms)
	}
}

// Terminal status is written exactly once even when both legs close.
func TestTerminalWrittenOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.modelCh <- genai.Event{Kind: genai.EventClosed}
	h.mediaCh <- telephony.Event{Kind: telephony.EventClosed}
	h.waitDone(t)

	if terms := h.gw.TerminalsFor("CA1"); len(terms) != 1 {
		t.Errorf("terminals = %+v, want exactly one", terms)
	}
}

// dispatcherFunc adapts a func to session.ToolDispatcher.
type dispatcherFunc func(ctx context.Context, name string, args map[string]any) map[string]any

func (f dispatcherFunc) Dispatch(ctx context.Context, name string, args map[string]any) map[string]any {
	return f(ctx, name, args)
}
