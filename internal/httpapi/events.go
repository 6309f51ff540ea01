package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dshills/taskd/internal/event"
	"github.com/dshills/taskd/internal/task"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 120 * time.Second
	pingPeriod = pongWait / 2
	eventQueue = 256
)

// handleEvents streams bus events to a websocket client. The optional
// topic query parameter narrows the stream with a topic pattern.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "event stream is disabled")
		return
	}
	pattern := event.Topic(event.WildcardMulti)
	if v := r.URL.Query().Get("topic"); v != "" {
		pattern = event.Topic(v)
		if !pattern.IsValid() {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid topic pattern")
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan eventView, eventQueue)
	sub, err := s.bus.Subscribe(pattern, func(_ context.Context, env event.Envelope) {
		select {
		case outbound <- viewEnvelope(env):
		default:
			// Keep writes single-threaded; drop if the client is too slow.
			s.logger.Debug("dropping %s for slow event client", env.Topic)
		}
	})
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		return
	}
	defer sub.Unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(ev); err != nil {
					cancel()
					return
				}
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	<-writerDone
}

func viewEnvelope(env event.Envelope) eventView {
	v := eventView{Topic: string(env.Topic), Timestamp: env.Time}
	switch p := env.Payload.(type) {
	case task.Event:
		v.Kind = string(p.Kind)
		v.RunID = p.RunID
		if p.Task != nil {
			tv := viewTask(p.Task)
			v.Task = &tv
		}
		if !p.Timestamp.IsZero() {
			v.Timestamp = p.Timestamp
		}
		v.Duration = p.Duration.Milliseconds()
		v.ExitCode = p.ExitCode
		v.ProcessID = p.ProcessID
		if p.Kind == task.EventTerminated {
			v.Reason = p.Reason.String()
		}
		if p.Kind == task.EventStart {
			v.Source = p.Source.String()
		}
	case []string:
		v.Paths = p
	}
	return v
}
