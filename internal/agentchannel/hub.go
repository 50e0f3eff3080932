package agentchannel

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/logger"
	"github.com/strato-hq/strato/internal/models"
)

// Registry is the subset of internal/registry.Registry the hub drives as
// agents connect, heartbeat, and disconnect.
type Registry interface {
	Register(agentID string, capabilities []string, total models.Capacity)
	Heartbeat(agentID string, available models.Capacity, at time.Time) error
	MarkOffline(agentID string)
}

// CertificateValidator is the subset of internal/ca.CA the hub uses to
// admit connections: a certificate's serial must map to an active,
// unexpired certificate for the connecting agent.
type CertificateValidator interface {
	IsActiveSerial(agentID, serial string) (bool, error)
}

// EventSink receives inbound agent events for fan-out (e.g. to the event
// bus) independent of any particular command's correlation id.
type EventSink interface {
	Publish(agentID string, ev EventPayload)
}

// Hub owns the map of connected agent Channels. Registry-global writer lock
// guards only insert/remove; each Channel guards its own correlation table.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]*Channel

	registry  Registry
	validator CertificateValidator
	sink      EventSink

	upgrader websocket.Upgrader
}

func NewHub(reg Registry, validator CertificateValidator, sink EventSink) *Hub {
	return &Hub{
		channels:  make(map[string]*Channel),
		registry:  reg,
		validator: validator,
		sink:      sink,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Get returns the current Channel for agentID, if connected.
func (h *Hub) Get(agentID string) (*Channel, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ch, ok := h.channels[agentID]
	return ch, ok
}

// IsConnected reports whether agentID currently has an open channel.
func (h *Hub) IsConnected(agentID string) bool {
	_, ok := h.Get(agentID)
	return ok
}

// HandleConnection upgrades the HTTP request to a WebSocket, validates the
// presented client certificate's serial against the CA, and — on success —
// registers the agent and starts its read/write pumps. On reconnect the
// previous channel (if any) is replaced, not merged: in-flight requests on
// the old channel resolve Disconnected rather than retrying.
func (h *Hub) HandleConnection(c *gin.Context) {
	agentID := c.Query("agent_id")
	serial := certificateSerial(c.Request)
	if agentID == "" || serial == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing agent identity"})
		return
	}

	active, err := h.validator.IsActiveSerial(agentID, serial)
	if err != nil || !active {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "certificate not active for agent"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Channel().Error().Err(err).Str("agent_id", agentID).Msg("websocket upgrade failed")
		return
	}

	channel := newChannel(agentID, conn, h.sink.Publish,
		func(id string, hb HeartbeatFrame) {
			ts := hb.Timestamp
			if ts.IsZero() {
				ts = time.Now()
			}
			if err := h.registry.Heartbeat(id, hb.Available, ts); err != nil {
				logger.Channel().Warn().Err(err).Str("agent_id", id).Msg("heartbeat rejected")
			}
		},
		func(id string, reg RegisterFrame) {
			h.registry.Register(id, reg.Capabilities, reg.Totals)
		},
	)

	h.mu.Lock()
	if old, ok := h.channels[agentID]; ok {
		old.close()
	}
	h.channels[agentID] = channel
	h.mu.Unlock()

	logger.Channel().Info().Str("agent_id", agentID).Msg("agent connected")

	go h.runReader(channel)
	go channel.writePump()
}

func (h *Hub) runReader(channel *Channel) {
	channel.readPump()

	h.mu.Lock()
	if h.channels[channel.AgentID] == channel {
		delete(h.channels, channel.AgentID)
	}
	h.mu.Unlock()

	h.registry.MarkOffline(channel.AgentID)
	logger.Channel().Warn().Str("agent_id", channel.AgentID).Msg("agent disconnected")
}

// ForceClose closes an agent's channel immediately, used when its
// certificate is revoked mid-session (S6): the channel must not survive to
// the next heartbeat window.
func (h *Hub) ForceClose(agentID string) {
	h.mu.Lock()
	ch, ok := h.channels[agentID]
	if ok {
		delete(h.channels, agentID)
	}
	h.mu.Unlock()

	if ok {
		ch.close()
		h.registry.MarkOffline(agentID)
	}
}

// Send is a convenience wrapper returning AgentDisconnected if the agent has
// no open channel.
func (h *Hub) Send(agentID, op string, vm []byte) (Result, error) {
	ch, ok := h.Get(agentID)
	if !ok {
		return Result{}, apierr.New(apierr.KindAgentDisconnected, "agent not connected")
	}
	return ch.Send(op, vm)
}

func certificateSerial(r *http.Request) string {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return ""
	}
	return r.TLS.PeerCertificates[0].SerialNumber.String()
}
