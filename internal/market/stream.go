package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signal-engine/pkg/logger"
)

// StreamFeed consumes a venue websocket and adapts it to the Feed
// interface. The wire contract is small: after connecting it sends one
// subscribe frame naming the symbols, then reads JSON tick objects.
// Frames without a symbol (acks, heartbeats) are skipped. Lost
// connections redial with capped backoff and resubscribe; the feed
// gives up only when ctx ends.
type StreamFeed struct {
	URL     string
	Symbols []string
	Log     *logger.Logger

	Dialer       *websocket.Dialer
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	ReadTimeout  time.Duration
}

type streamSubscribe struct {
	Op      string   `json:"op"`
	Symbols []string `json:"symbols"`
}

// streamTick tolerates venues that quote numbers as strings.
type streamTick struct {
	Symbol string `json:"symbol"`
	Price  any    `json:"price"`
	Qty    any    `json:"qty"`
	Ts     any    `json:"ts"`
}

func (f *StreamFeed) Run(ctx context.Context, out chan<- Tick) error {
	if f.URL == "" {
		return fmt.Errorf("stream feed needs a websocket url")
	}
	log := f.Log
	if log == nil {
		log = logger.NewNop()
	}
	readTimeout := f.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 75 * time.Second
	}
	minBackoff := f.ReconnectMin
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	maxBackoff := f.ReconnectMax
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = minBackoff
	}

	backoff := minBackoff
	for {
		n, err := f.runConn(ctx, out, log, readTimeout)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if n > 0 {
			backoff = minBackoff
		}
		log.Warn("market stream disconnected",
			zap.String("url", f.URL),
			zap.Int("ticks", n),
			zap.Duration("retry_in", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// runConn serves one connection until it drops, reporting how many
// ticks got through so the caller can reset its backoff.
func (f *StreamFeed) runConn(ctx context.Context, out chan<- Tick, log *logger.Logger, readTimeout time.Duration) (int, error) {
	dialer := f.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, f.URL, nil)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// Closing the conn is what unblocks ReadMessage when ctx ends.
	go func() {
		<-connCtx.Done()
		conn.Close()
	}()

	if err := conn.WriteJSON(streamSubscribe{Op: "subscribe", Symbols: f.Symbols}); err != nil {
		return 0, err
	}

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go func() {
		ticker := time.NewTicker(readTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	n := 0
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			return n, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var frame streamTick
		if err := json.Unmarshal(msg, &frame); err != nil {
			log.Warn("market stream frame rejected", zap.Error(err))
			continue
		}
		if frame.Symbol == "" {
			continue
		}
		price := numf(frame.Price)
		if price <= 0 {
			continue
		}
		ts := time.Now()
		if ms := numi(frame.Ts); ms > 0 {
			ts = time.UnixMilli(ms)
		}
		t := Tick{
			Symbol: strings.ToUpper(frame.Symbol),
			Price:  price,
			Volume: numf(frame.Qty),
			Ts:     ts,
		}
		select {
		case out <- t:
			n++
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
}

func numf(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}

func numi(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
