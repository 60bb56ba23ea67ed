package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
)

const (
	wsHandshakeTimeout = 15 * time.Second

	// wsPongWait is the time allowed between server pings; the futures
	// stream pings every 3 minutes.
	wsPongWait = 5 * time.Minute

	// listenKeyKeepAlive renews the user-data stream lease; the venue
	// expires keys after 60 minutes.
	listenKeyKeepAlive = 30 * time.Minute
)

// MarkPriceHandler receives mark-price ticks.
type MarkPriceHandler func(MarkPriceEvent)

// OrderUpdateHandler receives fill/cancel events from the user-data stream.
type OrderUpdateHandler func(OrderEvent)

// Stream consumes the futures market and user-data WebSocket streams for
// one symbol. It owns reconnection: each stream runs in its own loop and
// redials with exponential backoff until the context is cancelled.
type Stream struct {
	wsURL  string
	symbol string
	rest   *Client
	logger *slog.Logger

	onMarkPrice   MarkPriceHandler
	onOrderUpdate OrderUpdateHandler
}

// NewStream creates a stream consumer. rest is used to manage the
// user-data listen key.
func NewStream(wsURL, symbol string, rest *Client, logger *slog.Logger) *Stream {
	return &Stream{
		wsURL:  strings.TrimSuffix(wsURL, "/"),
		symbol: symbol,
		rest:   rest,
		logger: logger.With(slog.String("component", "binance_ws")),
	}
}

// OnMarkPrice registers the mark-price handler. Must be called before Run.
func (s *Stream) OnMarkPrice(h MarkPriceHandler) { s.onMarkPrice = h }

// OnOrderUpdate registers the order-update handler. Must be called before Run.
func (s *Stream) OnOrderUpdate(h OrderUpdateHandler) { s.onOrderUpdate = h }

// Run blocks, maintaining both streams until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) error {
	errc := make(chan error, 2)
	go func() { errc <- s.runMarkPriceStream(ctx) }()
	go func() { errc <- s.runUserDataStream(ctx) }()

	<-ctx.Done()
	return ctx.Err()
}

// runMarkPriceStream consumes <symbol>@markPrice@1s, reconnecting forever.
func (s *Stream) runMarkPriceStream(ctx context.Context) error {
	streamURL := fmt.Sprintf("%s/ws/%s@markPrice@1s", s.wsURL, strings.ToLower(s.symbol))
	backoffCfg := backoff.NewExponentialBackOff()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := s.consume(ctx, streamURL, func(msg []byte) {
			var tick wsMarkPrice
			if json.Unmarshal(msg, &tick) != nil || tick.EventType != "markPriceUpdate" {
				return
			}
			if s.onMarkPrice != nil {
				s.onMarkPrice(tick.toEvent())
			}
		})
		if errors.Is(err, context.Canceled) {
			return err
		}
		if err != nil {
			s.logger.WarnContext(ctx, "mark price stream dropped",
				slog.String("error", err.Error()))
		}

		sleep := backoffCfg.NextBackOff()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// runUserDataStream obtains a listen key, consumes the user-data stream,
// and keeps the key alive; on any failure it starts over with a fresh key.
func (s *Stream) runUserDataStream(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		listenKey, err := s.rest.ListenKey(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "listen key unavailable",
				slog.String("error", err.Error()))
		} else {
			backoffCfg.Reset()

			streamCtx, cancel := context.WithCancel(ctx)
			go s.keepAliveLoop(streamCtx)

			err = s.consume(streamCtx, s.wsURL+"/ws/"+listenKey, func(msg []byte) {
				s.dispatchUserData(msg)
			})
			cancel()
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				s.logger.WarnContext(ctx, "user data stream dropped",
					slog.String("error", err.Error()))
			}
		}

		sleep := backoffCfg.NextBackOff()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (s *Stream) dispatchUserData(msg []byte) {
	var env wsEnvelope
	if json.Unmarshal(msg, &env) != nil {
		return
	}
	if env.EventType != "ORDER_TRADE_UPDATE" {
		return
	}
	var upd wsOrderUpdate
	if json.Unmarshal(msg, &upd) != nil {
		return
	}
	if upd.Order.Symbol != s.symbol {
		return
	}
	if s.onOrderUpdate != nil {
		s.onOrderUpdate(upd.toEvent())
	}
}

func (s *Stream) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.rest.KeepAliveListenKey(ctx); err != nil {
				s.logger.WarnContext(ctx, "listen key keepalive failed",
					slog.String("error", err.Error()))
			}
		}
	}
}

// consume dials one stream and pumps messages into handle until the
// connection drops or ctx is cancelled.
func (s *Stream) consume(ctx context.Context, streamURL string, handle func([]byte)) error {
	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return fmt.Errorf("read: %w", err)
		}
		handle(msg)
	}
}
