package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/kilobco/sb-voice-gateway/internal/order"
	"github.com/kilobco/sb-voice-gateway/internal/resilience"
	"github.com/kilobco/sb-voice-gateway/internal/session"
	"github.com/kilobco/sb-voice-gateway/internal/telephony"
	"github.com/kilobco/sb-voice-gateway/internal/tools"
	"github.com/kilobco/sb-voice-gateway/pkg/genai"
)

// startTimeout bounds how long a freshly opened stream may sit without a
// start event before the socket is dropped.
const startTimeout = 15 * time.Second

// handleTwiml answers the telephony provider's call webhook with the
// directive that opens the media stream back to this host.
func (a *App) handleTwiml(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}
	caller := r.PostFormValue("From")
	restaurant := r.PostFormValue("To")

	slog.Info("inbound call webhook", "caller", caller, "restaurant", restaurant)

	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	_, _ = w.Write([]byte(telephony.StreamDirective(a.cfg.Server.PublicHost, caller, restaurant)))
}

// handleStream upgrades the media WebSocket and drives one call session to
// completion. The handler blocks for the lifetime of the call.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("stream accept failed", "err", err)
		return
	}

	a.wg.Add(1)
	defer a.wg.Done()

	// The session outlives the request context by design: a server shutdown
	// drains it through sessionsCtx, not through the HTTP machinery.
	ctx, cancel := context.WithCancel(a.sessionsCtx)
	defer cancel()

	leg := telephony.NewMediaLeg(conn)
	go leg.Run(ctx)

	start, ok := awaitStart(ctx, leg)
	if !ok {
		leg.Close()
		return
	}

	slog.Info("call started",
		"call_id", start.CallID,
		"stream_id", start.StreamID,
		"caller", start.CallerPhone,
	)
	a.runSession(ctx, leg, start)
}

// awaitStart consumes leg events until the identity-bearing start event
// arrives. Media before start is already dropped inside the leg.
func awaitStart(ctx context.Context, leg *telephony.MediaLeg) (telephony.StartInfo, bool) {
	timeout := time.After(startTimeout)
	for {
		select {
		case <-ctx.Done():
			return telephony.StartInfo{}, false
		case <-timeout:
			slog.Warn("stream opened but no start event")
			return telephony.StartInfo{}, false
		case ev, open := <-leg.Events():
			if !open || ev.Kind == telephony.EventClosed || ev.Kind == telephony.EventStop {
				return telephony.StartInfo{}, false
			}
			if ev.Kind == telephony.EventStart {
				return ev.Start, true
			}
		}
	}
}

// runSession assembles the per-call object graph and blocks until teardown.
func (a *App) runSession(ctx context.Context, leg *telephony.MediaLeg, start telephony.StartInfo) {
	a.metrics.CallsStarted.Add(ctx, 1)

	// The call row precedes everything else; a failed insert is logged and
	// the call proceeds regardless.
	ref, err := a.gateway.CreateCall(ctx, start.CallID, start.StreamID, start.CallerPhone, start.RestaurantPhone)
	if err != nil {
		slog.Error("call record insert failed", "call_id", start.CallID, "err", err)
	}

	cart := order.NewCart()
	router := tools.New(tools.Config{
		Cart:         cart,
		Gateway:      a.gateway,
		RestaurantID: a.cfg.Restaurant.ID,
		CallID:       start.CallID,
		Retry:        resilience.Policy{MaxAttempts: 3, Backoff: time.Second},
		Metrics:      a.metrics,
	})

	modelLeg := genai.NewLeg(genai.Config{
		APIKey:       a.cfg.Model.APIKey,
		Model:        a.cfg.Model.Model,
		Voice:        a.cfg.Model.Voice,
		Instructions: agentInstructions(),
		Tools:        tools.Declarations(),
		Greeting:     greetingPrompt,
	})
	go modelLeg.Run(ctx)

	sess := session.New(session.Config{
		CallID:         start.CallID,
		StreamID:       start.StreamID,
		CallerPhone:    start.CallerPhone,
		Media:          leg,
		MediaEvents:    leg.Events(),
		Model:          modelLeg,
		ModelEvents:    modelLeg.Events(),
		Dispatcher:     router,
		Gateway:        a.gateway,
		Transfer:       a.transfer,
		TransferNumber: a.cfg.Restaurant.TransferNumber,
		CallRef:        ref,
		Registry:       a.registry,
		Metrics:        a.metrics,
	})
	sess.Run(ctx)
}
