package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/controledu/backend/internal/observability"
	"github.com/controledu/backend/internal/wire"
)

const (
	hubDialTimeout   = 10 * time.Second
	hubWriteTimeout  = 10 * time.Second
	hubCallTimeout   = 15 * time.Second
	commandQueueSize = 128
)

var errHubClosed = errors.New("hub connection closed")

// hubClient is the agent side of the student hub: one WebSocket, a
// reader goroutine routing responses and server commands, and
// semaphore-bounded fire-and-forget notifications.
type hubClient struct {
	ws  *websocket.Conn
	log *observability.Logger
	sem *semaphore.Weighted

	writeMu sync.Mutex
	nextID  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]chan wire.Envelope

	commands chan wire.Envelope

	done chan struct{}
	once sync.Once
}

// hubURL converts the paired base URL into the student hub endpoint.
func hubURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("bad server base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/hubs/student"
	return u.String(), nil
}

func dialHub(ctx context.Context, baseURL string, maxInflight int64, log *observability.Logger) (*hubClient, error) {
	target, err := hubURL(baseURL)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, hubDialTimeout)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("hub dial failed: %w", err)
	}
	ws.SetReadLimit(wire.MaxHubMessageBytes)
	c := &hubClient{
		ws:       ws,
		log:      log.WithComponent("hubclient"),
		sem:      semaphore.NewWeighted(maxInflight),
		pending:  make(map[string]chan wire.Envelope),
		commands: make(chan wire.Envelope, commandQueueSize),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *hubClient) readLoop() {
	defer c.close()
	for {
		var env wire.Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			return
		}
		if env.ResponseTo != "" {
			c.pendingMu.Lock()
			ch, ok := c.pending[env.ResponseTo]
			delete(c.pending, env.ResponseTo)
			c.pendingMu.Unlock()
			if ok {
				ch <- env
			}
			continue
		}
		select {
		case c.commands <- env:
		default:
			c.log.Warn(fmt.Sprintf("command queue full, dropping %s", env.Method))
		}
	}
}

func (c *hubClient) write(env wire.Envelope) error {
	select {
	case <-c.done:
		return errHubClosed
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(hubWriteTimeout))
	return c.ws.WriteJSON(env)
}

// call sends a request and waits for its response envelope.
func (c *hubClient) call(ctx context.Context, method string, v any) (wire.Envelope, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return wire.Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}
	id := fmt.Sprintf("%s-%d", method, c.nextID.Add(1))
	ch := make(chan wire.Envelope, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.write(wire.Envelope{Method: method, ID: id, Payload: payload}); err != nil {
		return wire.Envelope{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, hubCallTimeout)
	defer cancel()
	select {
	case env := <-ch:
		if env.Error != nil {
			return env, fmt.Errorf("%s rejected: %s (%s)", method, env.Error.Message, env.Error.Code)
		}
		return env, nil
	case <-c.done:
		return wire.Envelope{}, errHubClosed
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

// notify sends a one-way envelope synchronously.
func (c *hubClient) notify(method string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}
	return c.write(wire.Envelope{Method: method, Payload: payload})
}

// notifyAsync sends a one-way envelope from a bounded background
// goroutine. When all send slots are busy the envelope is dropped.
func (c *hubClient) notifyAsync(method string, v any) {
	if !c.sem.TryAcquire(1) {
		c.log.Warn(fmt.Sprintf("send slots exhausted, dropping %s", method))
		return
	}
	go func() {
		defer c.sem.Release(1)
		if err := c.notify(method, v); err != nil && !errors.Is(err, errHubClosed) {
			c.log.Error(err, fmt.Sprintf("background %s failed", method))
		}
	}()
}

// nextCommand pops one queued server command without blocking.
func (c *hubClient) nextCommand() (wire.Envelope, bool) {
	select {
	case env := <-c.commands:
		return env, true
	default:
		return wire.Envelope{}, false
	}
}

func (c *hubClient) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *hubClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
