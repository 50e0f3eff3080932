// Package eventbus fans VM lifecycle and agent status events out over NATS,
// independent of the request/reply traffic carried on the Agent Channel.
// Subjects follow the trust domain so multiple control planes can share a
// cluster without subject collisions.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/strato-hq/strato/internal/agentchannel"
	"github.com/strato-hq/strato/internal/logger"
)

const (
	SubjectVMRunning = "strato.vm.running"
	SubjectVMStopped = "strato.vm.stopped"
	SubjectVMFailed  = "strato.vm.failed"
	SubjectAgentUp   = "strato.agent.up"
	SubjectAgentDown = "strato.agent.down"
)

// Envelope is the JSON body published for every VM event.
type Envelope struct {
	AgentID   string          `json:"agent_id"`
	Kind      string          `json:"kind"`
	VMID      string          `json:"vm_id"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Sink publishes VM lifecycle events to NATS and, if the client disconnects,
// degrades to a disabled no-op rather than blocking callers.
type Sink struct {
	conn    *nats.Conn
	enabled bool

	onEvent func(agentID string, ev agentchannel.EventPayload)
}

// Connect dials the NATS server. If url is empty or the dial fails, returns
// a disabled Sink: VM command/reply traffic on the Agent Channel is
// unaffected, only the fan-out side-channel is lost.
func Connect(url string) *Sink {
	if url == "" {
		logger.EventBus().Warn().Msg("NATS_URL not configured, event fan-out disabled")
		return &Sink{}
	}

	conn, err := nats.Connect(url,
		nats.Name("strato-controlplane"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.EventBus().Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.EventBus().Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		logger.EventBus().Warn().Err(err).Str("url", url).Msg("NATS connect failed, event fan-out disabled")
		return &Sink{}
	}

	logger.EventBus().Info().Str("url", conn.ConnectedUrl()).Msg("connected to NATS")
	return &Sink{conn: conn, enabled: true}
}

// OnLifecycleEvent registers the coordinator callback invoked after every
// Publish, so VM state advances before (and regardless of) NATS delivery.
func (s *Sink) OnLifecycleEvent(fn func(agentID string, ev agentchannel.EventPayload)) {
	s.onEvent = fn
}

// Publish implements agentchannel.EventSink: it is the callback the Hub
// invokes for every inbound agent event frame.
func (s *Sink) Publish(agentID string, ev agentchannel.EventPayload) {
	if s.onEvent != nil {
		s.onEvent(agentID, ev)
	}

	if !s.enabled {
		return
	}

	envelope := Envelope{AgentID: agentID, Kind: string(ev.Kind), VMID: ev.VMID, Details: ev.Details, Timestamp: time.Now()}
	body, err := json.Marshal(envelope)
	if err != nil {
		logger.EventBus().Error().Err(err).Msg("marshaling event envelope")
		return
	}

	if err := s.conn.Publish(subjectFor(ev.Kind), body); err != nil {
		logger.EventBus().Error().Err(err).Str("agent_id", agentID).Msg("publishing vm event failed")
	}
}

// PublishAgentStatus announces an agent's connect/disconnect transition.
func (s *Sink) PublishAgentStatus(agentID string, online bool) {
	if !s.enabled {
		return
	}
	subject := SubjectAgentDown
	if online {
		subject = SubjectAgentUp
	}
	body, _ := json.Marshal(map[string]any{"agent_id": agentID, "timestamp": time.Now()})
	if err := s.conn.Publish(subject, body); err != nil {
		logger.EventBus().Error().Err(err).Str("agent_id", agentID).Msg("publishing agent status failed")
	}
}

func subjectFor(kind agentchannel.EventKind) string {
	switch kind {
	case agentchannel.EventVMRunning:
		return SubjectVMRunning
	case agentchannel.EventVMStopped:
		return SubjectVMStopped
	case agentchannel.EventVMFailed:
		return SubjectVMFailed
	default:
		return fmt.Sprintf("strato.vm.%s", kind)
	}
}

// Close drains and closes the NATS connection.
func (s *Sink) Close() {
	if s.conn != nil {
		s.conn.Drain()
		s.conn.Close()
	}
}
