package operations

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/nats-io/nats.go"

	"github.com/fyrsmithlabs/depdeck/internal/broker"
)

// HeartbeatInterval is how often idle SSE streams send a comment frame.
var HeartbeatInterval = 30 * time.Second

// ResyncInterval is how often a live stream reconciles with the backlog.
// NATS drops messages for a slow reader, terminal events included.
var ResyncInterval = time.Second

// subscriptionBuffer is sized so a burst of install output does not trip
// the slow-consumer limit while the backlog is being replayed.
const subscriptionBuffer = 1024

// PrepareSSE sets the event-stream headers and flushes them.
func PrepareSSE(c echo.Context) {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set(echo.HeaderCacheControl, "no-cache")
	h.Set(echo.HeaderConnection, "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	c.Response().Flush()
}

// WriteEvent writes one SSE frame and flushes it.
func WriteEvent(c echo.Context, event string, data []byte) error {
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// WriteHeartbeat writes an SSE comment frame.
func WriteHeartbeat(c echo.Context) error {
	if _, err := fmt.Fprint(c.Response(), ": heartbeat\n\n"); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

// HandleSSE streams an operation's events.
//
// Retained lines are replayed first, then live events follow until the
// operation completes, fails, or the client disconnects. The live
// subscription is opened before the backlog is read so nothing is lost in
// between; lines already replayed are skipped by sequence number. Every
// ResyncInterval the stream also reads the backlog again, so lines and the
// terminal event dropped by the subscription still reach the client.
//
//	GET /api/v1/operations/:id/events
//
//	event: line
//	data: {"id":"...","seq":1,"source":"stdout","text":"added 3 packages"}
//
//	event: completed
//	data: {"id":"...","status":"completed",...}
func HandleSSE(c echo.Context, reg *Registry, nc *nats.Conn) error {
	id := c.Param("id")
	if _, err := reg.Get(id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "operation not found")
	}

	msgs := make(chan *nats.Msg, subscriptionBuffer)
	sub, err := nc.ChanSubscribe(broker.OperationWildcard(id), msgs)
	if err != nil {
		return fmt.Errorf("subscribing to operation %s: %w", id, err)
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flushing subscription: %w", err)
	}

	op, lines, err := reg.Backlog(id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "operation not found")
	}

	PrepareSSE(c)

	st := &stream{c: c}
	if done, err := st.catchUp(op, lines); done || err != nil {
		return err
	}

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()
	resync := time.NewTicker(ResyncInterval)
	defer resync.Stop()

	for {
		select {
		case msg := <-msgs:
			event := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]
			if event == EventLine {
				var l LineEvent
				if err := json.Unmarshal(msg.Data, &l); err != nil || l.Seq <= st.lastSeq {
					continue
				}
				st.lastSeq = l.Seq
			}
			if event == EventStarted && op.Status != StatusPending {
				continue
			}
			if err := WriteEvent(c, event, msg.Data); err != nil {
				return nil
			}
			if event == EventCompleted || event == EventError {
				return nil
			}

		case <-resync.C:
			op, lines, err := reg.Backlog(id)
			if err != nil {
				return nil
			}
			if done, err := st.catchUp(op, lines); done || err != nil {
				return err
			}

		case <-heartbeat.C:
			if err := WriteHeartbeat(c); err != nil {
				return nil
			}

		case <-c.Request().Context().Done():
			return nil
		}
	}
}

// stream tracks what one SSE client has been sent.
type stream struct {
	c       echo.Context
	lastSeq int
}

// catchUp sends the backlog lines the client has not seen, then the
// terminal event if op has finished. done reports that the stream is over,
// either because op finished or the client went away.
func (s *stream) catchUp(op Operation, lines []LineEvent) (done bool, err error) {
	for _, l := range lines {
		if l.Seq <= s.lastSeq {
			continue
		}
		data, err := json.Marshal(l)
		if err != nil {
			return true, err
		}
		if err := WriteEvent(s.c, EventLine, data); err != nil {
			return true, nil
		}
		s.lastSeq = l.Seq
	}
	// Lines evicted from the backlog are never sent; anything up to the
	// snapshot's count has been seen or is gone.
	s.lastSeq = max(s.lastSeq, op.Lines)

	if !op.Status.Terminal() {
		return false, nil
	}
	data, err := json.Marshal(op)
	if err != nil {
		return true, err
	}
	_ = WriteEvent(s.c, terminalEvent(op.Status), data)
	return true, nil
}

func terminalEvent(s Status) string {
	if s == StatusFailed {
		return EventError
	}
	return EventCompleted
}
