package api

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"signal-engine/internal/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// streamTopics maps wire names to bus events. Clients pick topics with
// ?topics=a,b,c; with no selection they get every topic except
// market.tick, which must be requested explicitly.
var streamTopics = map[string]events.Event{
	"market.tick":               events.EventMarketTick,
	"signal_generated":          events.EventSignalGenerated,
	"order_created":             events.EventOrderCreated,
	"order_updated":             events.EventOrderUpdated,
	"position_updated":          events.EventPositionUpdated,
	"position_closed":           events.EventPositionClosed,
	"strategy.state_transition": events.EventStateTransition,
	"risk_alert":                events.EventRiskAlert,
	"session.state_changed":     events.EventSessionState,
	"position.corrected":        events.EventPositionCorrect,
}

type streamFrame struct {
	Topic string `json:"topic"`
	Data  any    `json:"data"`
}

func defaultTopics() []events.Event {
	out := make([]events.Event, 0, len(streamTopics)-1)
	for _, e := range streamTopics {
		if e == events.EventMarketTick {
			continue
		}
		out = append(out, e)
	}
	return out
}

func requestedTopics(raw string) ([]events.Event, error) {
	if strings.TrimSpace(raw) == "" {
		return defaultTopics(), nil
	}
	var out []events.Event
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		e, ok := streamTopics[name]
		if !ok {
			return nil, fmt.Errorf("unknown topic %q", name)
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		return defaultTopics(), nil
	}
	return out, nil
}

func (s *Server) websocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	topics, err := requestedTopics(c.Query("topics"))
	if err != nil {
		_ = conn.WriteJSON(gin.H{"code": "validation_error", "error": err.Error()})
		return
	}

	frames := make(chan streamFrame, 64)
	done := make(chan struct{})

	var wg sync.WaitGroup
	unsubs := make([]func(), 0, len(topics))
	for _, topic := range topics {
		ch, unsub := s.bus.Subscribe(topic, 32)
		unsubs = append(unsubs, unsub)
		wg.Add(1)
		go func(topic events.Event, ch <-chan any) {
			defer wg.Done()
			for msg := range ch {
				select {
				case frames <- streamFrame{Topic: string(topic), Data: msg}:
				case <-done:
					return
				}
			}
		}(topic, ch)
	}
	go func() {
		wg.Wait()
		close(frames)
	}()
	defer func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}()

	// Inbound frames are discarded; the read pump exists to surface the
	// peer close. It owns done, and the deferred conn.Close unblocks it
	// on every exit path.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}
