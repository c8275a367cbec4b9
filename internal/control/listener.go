// Package control receives subscribe/unsubscribe commands from the bus
// and drives the venue adapter. The control plane is declarative: commands
// carry no reply channel and outcomes surface in logs and metrics only.
package control

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"md-gateway/internal/adapter"
	"md-gateway/internal/bus"
	"md-gateway/internal/metrics"
	"md-gateway/internal/schema"
)

// Listener consumes one venue's control channel and dispatches each
// command to the adapter as a fire-and-forget task.
type Listener struct {
	venue      string
	sub        bus.Subscriber
	ad         adapter.Adapter
	retryDelay time.Duration

	wg sync.WaitGroup
}

// NewListener builds a listener for the venue's control channel.
func NewListener(venue string, sub bus.Subscriber, ad adapter.Adapter) *Listener {
	return &Listener{
		venue:      venue,
		sub:        sub,
		ad:         ad,
		retryDelay: time.Second,
	}
}

// Channel returns the bus channel the listener consumes.
func (l *Listener) Channel() string {
	return l.venue + ":control"
}

// Run consumes the control channel until ctx is cancelled. Subscribe
// failures and dropped streams re-enter the loop after a short delay;
// in-flight command handlers are awaited before returning.
func (l *Listener) Run(ctx context.Context) {
	defer l.wg.Wait()
	for {
		msgs, err := l.sub.Subscribe(ctx, l.Channel())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().
				Err(err).
				Str("venue", l.venue).
				Str("channel", l.Channel()).
				Msg("Control channel subscribe failed, retrying")
			if !l.sleep(ctx) {
				return
			}
			continue
		}
		log.Info().
			Str("venue", l.venue).
			Str("channel", l.Channel()).
			Msg("Control listener started")

		for payload := range msgs {
			l.dispatch(ctx, payload)
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn().
			Str("venue", l.venue).
			Str("channel", l.Channel()).
			Msg("Control channel closed, resubscribing")
		if !l.sleep(ctx) {
			return
		}
	}
}

func (l *Listener) sleep(ctx context.Context) bool {
	select {
	case <-time.After(l.retryDelay):
		return true
	case <-ctx.Done():
		return false
	}
}

// dispatch validates the raw command and hands it to a handler goroutine.
// A malformed command never takes the listener down.
func (l *Listener) dispatch(ctx context.Context, payload []byte) {
	cmd, err := schema.DecodeControlCommand(payload)
	if err != nil {
		metrics.RecordControlCommand(l.venue, "invalid", "rejected")
		log.Warn().Err(err).Str("venue", l.venue).Msg("Control command rejected")
		return
	}
	if cmd.Action != schema.ActionSubscribe && cmd.Action != schema.ActionUnsubscribe {
		metrics.RecordControlCommand(l.venue, cmd.Action, "rejected")
		log.Warn().Str("venue", l.venue).Str("action", cmd.Action).Msg("Unknown control action")
		return
	}
	if len(cmd.Symbols) == 0 {
		metrics.RecordControlCommand(l.venue, cmd.Action, "rejected")
		log.Warn().Str("venue", l.venue).Str("action", cmd.Action).Msg("Control command without symbols")
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.handle(ctx, cmd)
	}()
}

func (l *Listener) handle(ctx context.Context, cmd schema.ControlCommand) {
	var err error
	switch cmd.Action {
	case schema.ActionSubscribe:
		err = l.ad.Subscribe(ctx, cmd.Symbols, cmd.StreamType, cmd.MarketType, cmd.RequestID)
	case schema.ActionUnsubscribe:
		err = l.ad.Unsubscribe(ctx, cmd.Symbols, cmd.StreamType, cmd.MarketType, cmd.RequestID)
	}

	outcome := "ok"
	ev := log.Info()
	if err != nil {
		outcome = "error"
		ev = log.Error().Err(err)
	}
	ev = ev.
		Str("venue", l.venue).
		Str("action", cmd.Action).
		Str("market", cmd.MarketType).
		Str("stream_type", cmd.StreamType).
		Strs("symbols", cmd.Symbols)
	// Commands without a caller request id still get a traceable id in logs.
	if len(cmd.RequestID) > 0 {
		ev = ev.RawJSON("request_id", cmd.RequestID)
	} else {
		ev = ev.Str("correlation_id", uuid.NewString())
	}
	if err != nil {
		ev.Msg("Control command failed")
	} else {
		ev.Msg("Control command applied")
	}
	metrics.RecordControlCommand(l.venue, cmd.Action, outcome)
}
