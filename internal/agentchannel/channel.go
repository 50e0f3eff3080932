package agentchannel

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/google/uuid"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/logger"
	"github.com/strato-hq/strato/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 20 * time.Second
	maxMessageSize = 256 * 1024

	outboundQueueSize = 256
	inboundEventQueue = 256
)

// pending is one outstanding request awaiting its reply.
type pending struct {
	resultCh chan Result
	timer    *time.Timer
}

// Channel is the per-agent transport: one WebSocket connection, its
// correlation table, and its bounded send/event queues.
type Channel struct {
	AgentID string
	conn    *websocket.Conn

	mu         sync.Mutex
	correlations map[string]*pending
	closed     bool

	send   chan []byte
	events chan EventPayload

	onEvent     func(agentID string, ev EventPayload)
	onHeartbeat func(agentID string, hb HeartbeatFrame)
	onRegister  func(agentID string, reg RegisterFrame)
}

// HeartbeatFrame is heartbeat.payload.
type HeartbeatFrame struct {
	Available      models.Capacity `json:"available"`
	RunningVMCount int             `json:"running_vm_count"`
	Timestamp      time.Time       `json:"timestamp"`
}

// RegisterFrame is register.payload.
type RegisterFrame struct {
	Capabilities []string        `json:"capabilities"`
	Totals       models.Capacity `json:"totals"`
	Version      string          `json:"version"`
}

func newChannel(agentID string, conn *websocket.Conn, onEvent func(string, EventPayload), onHeartbeat func(string, HeartbeatFrame), onRegister func(string, RegisterFrame)) *Channel {
	return &Channel{
		AgentID:      agentID,
		conn:         conn,
		correlations: make(map[string]*pending),
		send:         make(chan []byte, outboundQueueSize),
		events:       make(chan EventPayload, inboundEventQueue),
		onEvent:      onEvent,
		onHeartbeat:  onHeartbeat,
		onRegister:   onRegister,
	}
}

// Send issues a command over the channel and blocks until the reply
// arrives, the per-command-class timeout elapses, or the channel closes.
func (c *Channel) Send(op string, vm json.RawMessage) (Result, error) {
	return c.SendWithTimeout(op, vm, timeoutFor(op))
}

// SendWithTimeout is Send with an explicit timeout override.
func (c *Channel) SendWithTimeout(op string, vm json.RawMessage, timeout time.Duration) (Result, error) {
	correlationID := uuid.New().String()
	payload, err := json.Marshal(CommandPayload{Op: op, VM: vm})
	if err != nil {
		return Result{}, apierr.Internal("marshaling command payload", err)
	}
	frame := Frame{Type: TypeCommand, ID: correlationID, AgentID: c.AgentID, Payload: payload}
	raw, err := json.Marshal(frame)
	if err != nil {
		return Result{}, apierr.Internal("marshaling command frame", err)
	}

	resultCh := make(chan Result, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{}, apierr.New(apierr.KindAgentDisconnected, "agent channel closed")
	}
	timer := time.AfterFunc(timeout, func() { c.resolveTimeout(correlationID) })
	c.correlations[correlationID] = &pending{resultCh: resultCh, timer: timer}
	c.mu.Unlock()

	select {
	case c.send <- raw:
	default:
		c.mu.Lock()
		delete(c.correlations, correlationID)
		c.mu.Unlock()
		timer.Stop()
		return Result{}, apierr.New(apierr.KindAgentBusy, "outbound queue full")
	}

	result := <-resultCh
	return result, nil
}

// deliverReply resolves the pending request matching frame's correlation
// id, enforcing at-most-one reply delivery per id.
func (c *Channel) deliverReply(correlationID string, payload ReplyPayload) {
	c.mu.Lock()
	p, ok := c.correlations[correlationID]
	if ok {
		delete(c.correlations, correlationID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	p.timer.Stop()
	outcome := OutcomeOK
	if payload.Status == ReplyError {
		outcome = OutcomeError
	}
	p.resultCh <- Result{Outcome: outcome, Reply: payload}
}

func (c *Channel) resolveTimeout(correlationID string) {
	c.mu.Lock()
	p, ok := c.correlations[correlationID]
	if ok {
		delete(c.correlations, correlationID)
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	p.resultCh <- Result{Outcome: OutcomeTimeout}
}

// deliverEvent enqueues an inbound event, dropping the oldest
// non-state-changing event if the queue is full.
func (c *Channel) deliverEvent(ev EventPayload) {
	select {
	case c.events <- ev:
		if c.onEvent != nil {
			c.onEvent(c.AgentID, ev)
		}
		return
	default:
	}

	if isStateChanging(ev.Kind) {
		logger.Channel().Warn().Str("agent_id", c.AgentID).Msg("event queue full, state-changing event dropped is not permitted; forcing delivery")
		<-c.events
		c.events <- ev
		if c.onEvent != nil {
			c.onEvent(c.AgentID, ev)
		}
		return
	}
	logger.Channel().Warn().Str("agent_id", c.AgentID).Str("kind", string(ev.Kind)).Msg("event queue full, dropping non-state-changing event")
}

func isStateChanging(kind EventKind) bool {
	switch kind {
	case EventVMRunning, EventVMStopped, EventVMFailed:
		return true
	default:
		return false
	}
}

// Events returns the channel's inbound event stream for a caller to drain.
func (c *Channel) Events() <-chan EventPayload { return c.events }

// close fails every outstanding request as Disconnected and stops pumps.
func (c *Channel) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pendingCopy := c.correlations
	c.correlations = make(map[string]*pending)
	c.mu.Unlock()

	for _, p := range pendingCopy {
		p.timer.Stop()
		p.resultCh <- Result{Outcome: OutcomeDisconnected}
	}

	_ = c.conn.Close()
}

// readPump reads frames off the WebSocket until error/close, dispatching
// replies and events. Must run in its own goroutine.
func (c *Channel) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			logger.Channel().Warn().Str("agent_id", c.AgentID).Msg("malformed frame")
			continue
		}

		switch frame.Type {
		case TypeReply:
			var payload ReplyPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				continue
			}
			c.deliverReply(frame.ID, payload)
		case TypeEvent:
			var payload EventPayload
			if err := json.Unmarshal(frame.Payload, &payload); err != nil {
				continue
			}
			c.deliverEvent(payload)
		case TypeHeartbeat:
			var hb HeartbeatFrame
			if err := json.Unmarshal(frame.Payload, &hb); err != nil {
				continue
			}
			if c.onHeartbeat != nil {
				c.onHeartbeat(c.AgentID, hb)
			}
		case TypeRegister:
			var reg RegisterFrame
			if err := json.Unmarshal(frame.Payload, &reg); err != nil {
				continue
			}
			if c.onRegister != nil {
				c.onRegister(c.AgentID, reg)
			}
		}
	}
}

// writePump drains the outbound queue and ping ticker onto the socket.
// Must run in its own goroutine.
func (c *Channel) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
