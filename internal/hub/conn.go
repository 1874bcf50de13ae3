// Package hub implements the bidirectional WebSocket RPC: the student
// hub, the teacher hub and the event broadcaster between them.
package hub

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/controledu/backend/internal/wire"
)

const (
	sendQueueSize = 64
	writeTimeout  = 10 * time.Second
	pingInterval  = 30 * time.Second
	readTimeout   = 90 * time.Second
)

// conn wraps one WebSocket session. Outbound envelopes go through a
// bounded queue so a slow consumer never blocks the sender.
type conn struct {
	id string
	ws *websocket.Conn

	sendCh chan wire.Envelope
	done   chan struct{}
	once   sync.Once
}

func newConn(id string, ws *websocket.Conn) *conn {
	c := &conn{
		id:     id,
		ws:     ws,
		sendCh: make(chan wire.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
	ws.SetReadLimit(wire.MaxHubMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(readTimeout))
	})
	go c.writeLoop()
	return c
}

// send queues an envelope; returns false when the queue is full or the
// connection is closed.
func (c *conn) send(env wire.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- env:
		return true
	default:
		return false
	}
}

func (c *conn) writeLoop() {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case env := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteJSON(env); err != nil {
				c.close()
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readEnvelope reads the next inbound envelope.
func (c *conn) readEnvelope() (wire.Envelope, error) {
	var env wire.Envelope
	if err := c.ws.ReadJSON(&env); err != nil {
		return wire.Envelope{}, err
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	return env, nil
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// event builds a server-initiated notification envelope.
func event(method string, v any) (wire.Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}
	return wire.Envelope{Method: method, Payload: payload}, nil
}

// reply builds a response envelope for a call.
func reply(callID string, v any) (wire.Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("failed to marshal reply payload: %w", err)
	}
	return wire.Envelope{ResponseTo: callID, Payload: payload}, nil
}

// replyError builds an error response envelope.
func replyError(callID, code, message string) wire.Envelope {
	return wire.Envelope{ResponseTo: callID, Error: &wire.HubError{Code: code, Message: message}}
}
