package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/metrics"
)

// Conn is one live tunnel to a gateway-hosted agent. Frame writes serialize
// on writeMu (the websocket admits a single writer); reads happen only on
// the connection's own loop goroutine.
type Conn struct {
	ID       string
	SubnetID string
	AgentID  string

	ws      *websocket.Conn
	writeMu sync.Mutex

	// pending maps request_id to the one-shot channel awaiting the agent's
	// a2a_response. Channels are buffered so a late response never blocks
	// the read loop.
	pendingMu sync.Mutex
	pending   map[string]chan *a2a.Message

	hbMu          sync.Mutex
	lastHeartbeat time.Time

	closeOnce sync.Once
	closedCh  chan struct{}

	openedAt time.Time
}

func newConn(id, subnetID, agentID string, ws *websocket.Conn) *Conn {
	now := time.Now().UTC()
	return &Conn{
		ID:            id,
		SubnetID:      subnetID,
		AgentID:       agentID,
		ws:            ws,
		pending:       make(map[string]chan *a2a.Message),
		lastHeartbeat: now,
		closedCh:      make(chan struct{}),
		openedAt:      now,
	}
}

// send writes one frame to the agent.
func (c *Conn) send(f *Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closedCh:
		return errs.EC(errs.ExternalUnavailable, errs.CodeConnectionClosed, "tunnel %s is closed", c.ID)
	default:
	}

	if err := c.ws.WriteJSON(f); err != nil {
		return errs.Wrap(errs.ExternalUnavailable, err, "tunnel write failed")
	}
	metrics.TunnelFramesTotal.WithLabelValues(f.Type, "out").Inc()
	return nil
}

// addPending installs a one-shot future for an outbound a2a_request.
func (c *Conn) addPending(requestID string) chan *a2a.Message {
	ch := make(chan *a2a.Message, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = ch
	c.pendingMu.Unlock()
	return ch
}

// removePending discards a future, used after timeout or delivery.
func (c *Conn) removePending(requestID string) {
	c.pendingMu.Lock()
	delete(c.pending, requestID)
	c.pendingMu.Unlock()
}

// resolvePending settles the future for requestID with the agent's reply.
// Exactly one waiter receives the message; an unmatched response reports
// false and the caller drops it.
func (c *Conn) resolvePending(requestID string, msg *a2a.Message) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.pendingMu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	return true
}

// pendingCount reports the number of in-flight forwards, used by tests and
// the dashboard aggregate.
func (c *Conn) pendingCount() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// touchHeartbeat records frame liveness for the staleness sweeper.
func (c *Conn) touchHeartbeat() {
	c.hbMu.Lock()
	c.lastHeartbeat = time.Now().UTC()
	c.hbMu.Unlock()
}

// heartbeatAge reports the time since the last heartbeat frame.
func (c *Conn) heartbeatAge() time.Duration {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	return time.Since(c.lastHeartbeat)
}

// close tears the tunnel down once: the websocket is closed and every
// pending future is abandoned so waiters fail with a connection error
// instead of hanging until their timeout.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		_ = c.ws.Close()

		c.pendingMu.Lock()
		c.pending = make(map[string]chan *a2a.Message)
		c.pendingMu.Unlock()
	})
}

// closed reports whether the tunnel has been torn down.
func (c *Conn) closed() bool {
	select {
	case <-c.closedCh:
		return true
	default:
		return false
	}
}
