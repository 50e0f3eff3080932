// Package models defines the core data structures for the Strato control
// plane.
//
// This file models the hypervisor Agent: a host process that accepts VM
// lifecycle commands over the Agent Channel (internal/agentchannel) and
// reports capacity and liveness back to the Agent Registry
// (internal/registry).
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Capacity is a resource vector in the Agent Registry and Quota Ledger's
// three accounted dimensions.
type Capacity struct {
	CPU    int64 `json:"cpu"`
	Memory int64 `json:"memory"`
	Disk   int64 `json:"disk"`
}

// Sub returns c - other, component-wise.
func (c Capacity) Sub(other Capacity) Capacity {
	return Capacity{CPU: c.CPU - other.CPU, Memory: c.Memory - other.Memory, Disk: c.Disk - other.Disk}
}

// Add returns c + other, component-wise.
func (c Capacity) Add(other Capacity) Capacity {
	return Capacity{CPU: c.CPU + other.CPU, Memory: c.Memory + other.Memory, Disk: c.Disk + other.Disk}
}

// GreaterOrEqual reports whether every dimension of c is >= other's.
func (c Capacity) GreaterOrEqual(other Capacity) bool {
	return c.CPU >= other.CPU && c.Memory >= other.Memory && c.Disk >= other.Disk
}

// AnyNegative reports whether any dimension of c is negative.
func (c Capacity) AnyNegative() bool {
	return c.CPU < 0 || c.Memory < 0 || c.Disk < 0
}

// Capabilities is the append-only-during-a-connection set of hypervisor
// features an agent declares (e.g. "kvm", "hvf", "ovn").
type Capabilities []string

func (c Capabilities) Has(cap string) bool {
	for _, v := range c {
		if v == cap {
			return true
		}
	}
	return false
}

func (c Capabilities) Value() (driver.Value, error) { return json.Marshal(c) }

func (c *Capabilities) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, c)
}

// AgentStatus is the lifecycle status of an agent from the channel's
// perspective (see the state machine in the Agent Channel design).
type AgentStatus string

const (
	AgentConnecting AgentStatus = "connecting"
	AgentOnline     AgentStatus = "online"
	AgentOffline    AgentStatus = "offline"
	AgentError      AgentStatus = "error"
)

// Agent is a hypervisor host known to the control plane.
type Agent struct {
	ID               string       `json:"id" db:"id"`
	Name             string       `json:"name" db:"name"`
	Hostname         string       `json:"hostname" db:"hostname"`
	Version          string       `json:"version" db:"version"`
	Capabilities     Capabilities `json:"capabilities" db:"capabilities"`
	TotalCapacity    Capacity     `json:"total_capacity" db:"-"`
	AvailableCapacity Capacity    `json:"available_capacity" db:"-"`
	Status           AgentStatus  `json:"status" db:"status"`
	LastHeartbeat    time.Time    `json:"last_heartbeat" db:"last_heartbeat"`
	CertificateSerial string      `json:"certificate_serial" db:"certificate_serial"`
	CreatedAt        time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at" db:"updated_at"`
}

// RegisterAgentRequest is the payload of a "register" frame (§6 wire
// protocol).
type RegisterAgentRequest struct {
	Capabilities []string `json:"capabilities"`
	Totals       Capacity `json:"totals"`
	Version      string   `json:"version"`
}

// HeartbeatRequest is the payload of a "heartbeat" frame.
type HeartbeatRequest struct {
	Available      Capacity  `json:"available"`
	RunningVMCount int       `json:"running_vm_count"`
	Timestamp      time.Time `json:"timestamp"`
}

// AgentSnapshotEntry is one agent's view inside a Registry Snapshot, the
// immutable value the Scheduler filters and scores.
type AgentSnapshotEntry struct {
	AgentID           string
	Capabilities      Capabilities
	TotalCapacity     Capacity
	AvailableCapacity Capacity
	Status            AgentStatus
}

// Utilization computes the weighted overall utilization used by the
// least_loaded strategy: 0.4*cpu + 0.4*mem + 0.2*disk, each defined as
// 1 - available/total (0 if total is 0).
func (e AgentSnapshotEntry) Utilization() float64 {
	dim := func(avail, total int64) float64 {
		if total == 0 {
			return 0
		}
		return 1 - float64(avail)/float64(total)
	}
	return 0.4*dim(e.AvailableCapacity.CPU, e.TotalCapacity.CPU) +
		0.4*dim(e.AvailableCapacity.Memory, e.TotalCapacity.Memory) +
		0.2*dim(e.AvailableCapacity.Disk, e.TotalCapacity.Disk)
}
