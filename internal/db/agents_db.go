package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/strato-hq/strato/internal/models"
)

// AgentDB persists agent inventory and satisfies internal/registry.Store for
// restart recovery of status/heartbeat state.
type AgentDB struct {
	db *sql.DB
}

func NewAgentDB(db *sql.DB) *AgentDB {
	return &AgentDB{db: db}
}

// UpsertAgentConnecting implements internal/enrollment.Store: it records the
// agent as known (status=connecting) the moment its certificate is issued,
// before it ever opens a channel.
func (a *AgentDB) UpsertAgentConnecting(agentID string, req models.RegisterAgentRequest) error {
	capsJSON, err := json.Marshal(req.Capabilities)
	if err != nil {
		return err
	}
	_, err = a.db.Exec(
		`INSERT INTO agents (id, name, version, capabilities, total_cpu, total_memory, total_disk,
		                      available_cpu, available_memory, available_disk, status, created_at, updated_at)
		 VALUES ($1,$1,$2,$3,$4,$5,$6,$4,$5,$6,'connecting',$7,$7)
		 ON CONFLICT (id) DO UPDATE SET version = $2, capabilities = $3,
		   total_cpu = $4, total_memory = $5, total_disk = $6, status = 'connecting', updated_at = $7`,
		agentID, req.Version, capsJSON, req.Totals.CPU, req.Totals.Memory, req.Totals.Disk, time.Now())
	return err
}

func (a *AgentDB) UpdateAgentStatus(agentID string, status models.AgentStatus) error {
	_, err := a.db.Exec(`UPDATE agents SET status = $1, updated_at = $2 WHERE id = $3`, status, time.Now(), agentID)
	return err
}

func (a *AgentDB) UpdateAgentHeartbeat(agentID string, available models.Capacity, at time.Time) error {
	_, err := a.db.Exec(
		`UPDATE agents SET available_cpu = $1, available_memory = $2, available_disk = $3, last_heartbeat = $4, updated_at = $4 WHERE id = $5`,
		available.CPU, available.Memory, available.Disk, at, agentID)
	return err
}

func (a *AgentDB) UpdateRegistration(agentID string, capabilities []string, totals models.Capacity, version string) error {
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return err
	}
	_, err = a.db.Exec(
		`UPDATE agents SET capabilities = $1, total_cpu = $2, total_memory = $3, total_disk = $4,
		 available_cpu = $2, available_memory = $3, available_disk = $4, version = $5, updated_at = $6 WHERE id = $7`,
		capsJSON, totals.CPU, totals.Memory, totals.Disk, version, time.Now(), agentID)
	return err
}

func (a *AgentDB) SetCertificateSerial(agentID, serial string) error {
	_, err := a.db.Exec(`UPDATE agents SET certificate_serial = $1, updated_at = $2 WHERE id = $3`, serial, time.Now(), agentID)
	return err
}

func (a *AgentDB) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	agent := &models.Agent{}
	var capsJSON []byte
	var lastHeartbeat sql.NullTime
	err := a.db.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(hostname,''), COALESCE(version,''), capabilities,
		        total_cpu, total_memory, total_disk, available_cpu, available_memory, available_disk,
		        status, last_heartbeat, COALESCE(certificate_serial,''), created_at, updated_at
		 FROM agents WHERE id = $1`, id,
	).Scan(&agent.ID, &agent.Name, &agent.Hostname, &agent.Version, &capsJSON,
		&agent.TotalCapacity.CPU, &agent.TotalCapacity.Memory, &agent.TotalCapacity.Disk,
		&agent.AvailableCapacity.CPU, &agent.AvailableCapacity.Memory, &agent.AvailableCapacity.Disk,
		&agent.Status, &lastHeartbeat, &agent.CertificateSerial, &agent.CreatedAt, &agent.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastHeartbeat.Valid {
		agent.LastHeartbeat = lastHeartbeat.Time
	}
	if err := json.Unmarshal(capsJSON, &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshaling capabilities: %w", err)
	}
	return agent, nil
}

func (a *AgentDB) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT id, name, COALESCE(hostname,''), COALESCE(version,''), capabilities,
		        total_cpu, total_memory, total_disk, available_cpu, available_memory, available_disk,
		        status, last_heartbeat, COALESCE(certificate_serial,''), created_at, updated_at
		 FROM agents ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		agent := &models.Agent{}
		var capsJSON []byte
		var lastHeartbeat sql.NullTime
		if err := rows.Scan(&agent.ID, &agent.Name, &agent.Hostname, &agent.Version, &capsJSON,
			&agent.TotalCapacity.CPU, &agent.TotalCapacity.Memory, &agent.TotalCapacity.Disk,
			&agent.AvailableCapacity.CPU, &agent.AvailableCapacity.Memory, &agent.AvailableCapacity.Disk,
			&agent.Status, &lastHeartbeat, &agent.CertificateSerial, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
			return nil, err
		}
		if lastHeartbeat.Valid {
			agent.LastHeartbeat = lastHeartbeat.Time
		}
		if err := json.Unmarshal(capsJSON, &agent.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshaling capabilities: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}
