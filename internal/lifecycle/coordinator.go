// Package lifecycle implements the VM Lifecycle Coordinator: the single
// owner of the cross-cutting contract between authorization, the Quota
// Ledger, the Scheduler, the Agent Registry, and the Agent Channel for every
// VM operation.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/strato-hq/strato/internal/agentchannel"
	"github.com/strato-hq/strato/internal/apierr"
	"github.com/strato-hq/strato/internal/authz"
	"github.com/strato-hq/strato/internal/logger"
	"github.com/strato-hq/strato/internal/models"
)

const maxSchedulingRetries = 3

// Ledger is the subset of internal/quota.Ledger the coordinator drives.
type Ledger interface {
	Reserve(vmID, projectID, env string, spec models.Capacity) (string, error)
	Commit(handle string) error
	Release(handle string) error
}

// Registry is the subset of internal/registry.Registry the coordinator
// drives.
type Registry interface {
	Snapshot() []models.AgentSnapshotEntry
	Reserve(agentID string, delta models.Capacity) error
	Unreserve(agentID string, delta models.Capacity) error
}

// Scheduler is the subset of internal/scheduler.Scheduler the coordinator
// drives.
type Scheduler interface {
	SelectAgent(snapshot []models.AgentSnapshotEntry, requested models.Capacity, requiredCapability, strategyOverride string) (string, error)
}

// Authorizer is the subset of internal/authz.Client the coordinator drives.
type Authorizer interface {
	RequirePermission(ctx context.Context, subject, permission, resource string) error
}

// Channel is the subset of internal/agentchannel.Hub the coordinator drives.
type Channel interface {
	Send(agentID, op string, vm []byte) (agentchannel.Result, error)
}

// Store is the persistence boundary for VMs and their owning projects.
type Store interface {
	GetProject(projectID string) (*models.Project, error)
	SaveVM(vm *models.VM) error
	UpdateVM(vm *models.VM) error
	GetVM(id string) (*models.VM, error)
	ListActiveVMs() ([]*models.VM, error)
}

type Coordinator struct {
	ledger    Ledger
	registry  Registry
	scheduler Scheduler
	authz     Authorizer
	channel   Channel
	store     Store
}

func New(ledger Ledger, registry Registry, scheduler Scheduler, az Authorizer, channel Channel, store Store) *Coordinator {
	return &Coordinator{ledger: ledger, registry: registry, scheduler: scheduler, authz: az, channel: channel, store: store}
}

// commandVM is the wire shape sent as command.payload.vm.
type commandVM struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Environment string          `json:"environment"`
	Requested   models.Capacity `json:"requested"`
}

// CreateVM runs the full authz -> quota -> schedule -> command pipeline
// described for VM creation.
func (c *Coordinator) CreateVM(ctx context.Context, caller, projectID string, req *models.CreateVMRequest) (*models.VM, error) {
	if err := c.authz.RequirePermission(ctx, caller, authz.PermCreateResources, "project:"+projectID); err != nil {
		return nil, err
	}

	project, err := c.store.GetProject(projectID)
	if err != nil {
		return nil, apierr.PersistenceUnavailable(err)
	}
	if project == nil {
		return nil, apierr.NotFound("project")
	}
	if !project.HasEnvironment(req.Environment) {
		return nil, apierr.New(apierr.KindInvalidEnvironment, fmt.Sprintf("environment %q is not configured for this project", req.Environment))
	}

	spec := models.Capacity{CPU: req.CPU, Memory: req.Memory, Disk: req.Disk}
	vmID := uuid.New().String()

	handle, err := c.ledger.Reserve(vmID, projectID, req.Environment, spec)
	if err != nil {
		return nil, err
	}

	agentID, err := c.selectAndReserveAgent(spec, req.RequiredCapability, req.SchedulingStrategy)
	if err != nil {
		if releaseErr := c.ledger.Release(handle); releaseErr != nil {
			logger.Lifecycle().Error().Err(releaseErr).Str("handle", handle).Msg("ledger release failed after scheduling exhaustion")
		}
		return nil, err
	}

	vm := &models.VM{
		ID:                 vmID,
		Name:               req.Name,
		OwnerUserID:        caller,
		ProjectID:          projectID,
		Environment:        req.Environment,
		Requested:          spec,
		AssignedAgentID:    &agentID,
		State:              models.VMScheduled,
		ReservationHandle:  &handle,
		SchedulingStrategy: req.SchedulingStrategy,
	}
	if err := c.store.SaveVM(vm); err != nil {
		c.registry.Unreserve(agentID, spec)
		_ = c.ledger.Release(handle)
		return nil, apierr.PersistenceUnavailable(err)
	}

	payload, err := json.Marshal(commandVM{ID: vm.ID, Name: vm.Name, Environment: vm.Environment, Requested: vm.Requested})
	if err != nil {
		return nil, apierr.Internal("marshaling create_vm payload", err)
	}

	result, err := c.channel.Send(agentID, "create_vm", payload)
	if err != nil {
		c.failAndRelease(vm, handle, err.Error())
		return vm, err
	}

	switch result.Outcome {
	case agentchannel.OutcomeOK:
		vm.State = models.VMStarting
		if err := c.store.UpdateVM(vm); err != nil {
			return vm, apierr.PersistenceUnavailable(err)
		}
	default:
		reason := classifyOutcome(result)
		c.failAndRelease(vm, handle, reason)
	}

	return vm, nil
}

func (c *Coordinator) selectAndReserveAgent(spec models.Capacity, requiredCapability, strategyOverride string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < maxSchedulingRetries; attempt++ {
		snapshot := c.registry.Snapshot()
		agentID, err := c.scheduler.SelectAgent(snapshot, spec, requiredCapability, strategyOverride)
		if err != nil {
			return "", err
		}
		if err := c.registry.Reserve(agentID, spec); err != nil {
			lastErr = err
			continue
		}
		return agentID, nil
	}
	if lastErr == nil {
		lastErr = apierr.New(apierr.KindSchedulingContention, "exhausted scheduling retries")
	}
	return "", apierr.New(apierr.KindSchedulingContention, lastErr.Error())
}

func classifyOutcome(result agentchannel.Result) string {
	switch result.Outcome {
	case agentchannel.OutcomeTimeout:
		return "agent did not reply before command timeout"
	case agentchannel.OutcomeDisconnected:
		return "agent disconnected before replying"
	case agentchannel.OutcomeError:
		if result.Reply.Error != nil {
			return result.Reply.Error.Message
		}
		return "agent reported failure"
	default:
		return "unknown outcome"
	}
}

// failAndRelease unwinds a reservation when a command fails or times out.
func (c *Coordinator) failAndRelease(vm *models.VM, handle, reason string) {
	if vm.AssignedAgentID != nil {
		c.registry.Unreserve(*vm.AssignedAgentID, vm.Requested)
	}
	if err := c.ledger.Release(handle); err != nil {
		logger.Lifecycle().Error().Err(err).Str("handle", handle).Msg("ledger release failed during fail-and-release")
	}
	vm.State = models.VMFailed
	vm.FailureReason = reason
	if err := c.store.UpdateVM(vm); err != nil {
		logger.Lifecycle().Error().Err(err).Str("vm_id", vm.ID).Msg("persisting failed VM state")
	}
}

type controlOp struct {
	fromState  models.VMState
	toState    models.VMState
	op         string
	permission string
}

var controlOps = map[string]controlOp{
	"start":   {fromState: models.VMStopped, toState: models.VMStarting, op: "start", permission: authz.PermVMStart},
	"stop":    {fromState: models.VMRunning, toState: models.VMStopping, op: "stop", permission: authz.PermVMStop},
	"restart": {fromState: models.VMRunning, toState: models.VMStopping, op: "restart", permission: authz.PermVMRestart},
}

// ControlVM drives start/stop/restart: verifies the legal-transition
// precondition, sends the command, and advances persisted state on ack.
func (c *Coordinator) ControlVM(ctx context.Context, caller, vmID, op string) (*models.VM, error) {
	spec, ok := controlOps[op]
	if !ok {
		return nil, apierr.BadRequest("unknown control operation: " + op)
	}

	vm, err := c.mustGetVM(vmID)
	if err != nil {
		return nil, err
	}
	if err := c.authz.RequirePermission(ctx, caller, spec.permission, "vm:"+vmID); err != nil {
		return nil, err
	}
	if vm.State != spec.fromState || !models.CanTransition(vm.State, spec.toState) {
		return nil, apierr.InvalidStateTransition(string(vm.State), string(spec.toState))
	}

	payload, err := json.Marshal(commandVM{ID: vm.ID, Name: vm.Name, Environment: vm.Environment, Requested: vm.Requested})
	if err != nil {
		return nil, apierr.Internal("marshaling command payload", err)
	}
	result, err := c.channel.Send(*vm.AssignedAgentID, spec.op, payload)
	if err != nil {
		return nil, err
	}
	if result.Outcome != agentchannel.OutcomeOK {
		return nil, apierr.New(apierr.KindAgentDisconnected, classifyOutcome(result))
	}

	vm.State = spec.toState
	if err := c.store.UpdateVM(vm); err != nil {
		return nil, apierr.PersistenceUnavailable(err)
	}
	return vm, nil
}

// PauseVM and ResumeVM are agent-level operational controls orthogonal to
// the persisted VM state machine (no "paused" state exists): they require
// the VM be running and otherwise only relay the command.
func (c *Coordinator) PauseVM(ctx context.Context, caller, vmID string) error {
	return c.relayRunningOnlyCommand(ctx, caller, vmID, "pause", authz.PermVMPause)
}

func (c *Coordinator) ResumeVM(ctx context.Context, caller, vmID string) error {
	return c.relayRunningOnlyCommand(ctx, caller, vmID, "resume", authz.PermVMResume)
}

func (c *Coordinator) relayRunningOnlyCommand(ctx context.Context, caller, vmID, op, permission string) error {
	vm, err := c.mustGetVM(vmID)
	if err != nil {
		return err
	}
	if err := c.authz.RequirePermission(ctx, caller, permission, "vm:"+vmID); err != nil {
		return err
	}
	if vm.State != models.VMRunning {
		return apierr.InvalidStateTransition(string(vm.State), string(vm.State))
	}
	payload, err := json.Marshal(commandVM{ID: vm.ID, Name: vm.Name, Environment: vm.Environment, Requested: vm.Requested})
	if err != nil {
		return apierr.Internal("marshaling command payload", err)
	}
	result, err := c.channel.Send(*vm.AssignedAgentID, op, payload)
	if err != nil {
		return err
	}
	if result.Outcome != agentchannel.OutcomeOK {
		return apierr.New(apierr.KindAgentDisconnected, classifyOutcome(result))
	}
	return nil
}

// DeleteVM sends the delete command and, on ack, releases any outstanding
// registry/ledger holds and marks the VM deleted.
func (c *Coordinator) DeleteVM(ctx context.Context, caller, vmID string) error {
	vm, err := c.mustGetVM(vmID)
	if err != nil {
		return err
	}
	if err := c.authz.RequirePermission(ctx, caller, authz.PermVMDelete, "vm:"+vmID); err != nil {
		return err
	}
	if vm.State == models.VMDeleted {
		return apierr.InvalidStateTransition(string(vm.State), string(models.VMDeleted))
	}

	if vm.AssignedAgentID != nil {
		payload, err := json.Marshal(commandVM{ID: vm.ID, Name: vm.Name, Environment: vm.Environment, Requested: vm.Requested})
		if err != nil {
			return apierr.Internal("marshaling command payload", err)
		}
		result, err := c.channel.Send(*vm.AssignedAgentID, "delete", payload)
		if err != nil {
			return err
		}
		if result.Outcome != agentchannel.OutcomeOK {
			return apierr.New(apierr.KindAgentDisconnected, classifyOutcome(result))
		}
		c.registry.Unreserve(*vm.AssignedAgentID, vm.Requested)
	}

	if vm.ReservationHandle != nil {
		if err := c.ledger.Release(*vm.ReservationHandle); err != nil {
			logger.Lifecycle().Error().Err(err).Str("vm_id", vmID).Msg("ledger release on delete failed")
		}
	}

	vm.State = models.VMDeleted
	if err := c.store.UpdateVM(vm); err != nil {
		return apierr.PersistenceUnavailable(err)
	}
	return nil
}

// HandleAgentEvent applies an inbound vm_running/vm_stopped/vm_failed event
// to the persisted VM, committing the ledger reservation the first time a
// VM is observed running (commit-on-running policy).
func (c *Coordinator) HandleAgentEvent(ev agentchannel.EventPayload) {
	vm, err := c.store.GetVM(ev.VMID)
	if err != nil || vm == nil {
		logger.Lifecycle().Warn().Str("vm_id", ev.VMID).Msg("event for unknown VM")
		return
	}

	var target models.VMState
	switch ev.Kind {
	case agentchannel.EventVMRunning:
		target = models.VMRunning
	case agentchannel.EventVMStopped:
		target = models.VMStopped
	case agentchannel.EventVMFailed:
		target = models.VMFailed
	default:
		return
	}

	// A restart cycles running -> stopping -> stopped -> starting -> running;
	// the coordinator only persists the stopping hop synchronously, so a
	// vm_running event arriving from "stopped" is a legal continuation.
	from := vm.State
	if from == models.VMStopped && target == models.VMRunning {
		from = models.VMStarting
	}
	if !models.CanTransition(from, target) {
		logger.Lifecycle().Warn().Str("vm_id", ev.VMID).Str("from", string(vm.State)).Str("to", string(target)).Msg("dropping illegal event-driven transition")
		return
	}

	vm.State = target
	if target == models.VMFailed {
		vm.FailureReason = "agent reported vm_failed"
	}
	if err := c.store.UpdateVM(vm); err != nil {
		logger.Lifecycle().Error().Err(err).Str("vm_id", ev.VMID).Msg("persisting event-driven state")
		return
	}

	if target == models.VMRunning && vm.ReservationHandle != nil {
		if err := c.ledger.Commit(*vm.ReservationHandle); err != nil {
			logger.Lifecycle().Error().Err(err).Str("vm_id", ev.VMID).Msg("ledger commit-on-running failed")
		}
	}
}

func (c *Coordinator) mustGetVM(vmID string) (*models.VM, error) {
	vm, err := c.store.GetVM(vmID)
	if err != nil {
		return nil, apierr.PersistenceUnavailable(err)
	}
	if vm == nil {
		return nil, apierr.NotFound("vm")
	}
	return vm, nil
}

// Reconcile rebuilds Registry reservations from the persisted VM table on
// control-plane restart: every VM in running or starting state contributes
// its spec to its assigned agent's reservation once that agent reconnects
// and registers.
func (c *Coordinator) Reconcile() error {
	active, err := c.store.ListActiveVMs()
	if err != nil {
		return apierr.PersistenceUnavailable(err)
	}
	for _, vm := range active {
		if vm.AssignedAgentID == nil {
			continue
		}
		if err := c.registry.Reserve(*vm.AssignedAgentID, vm.Requested); err != nil {
			logger.Lifecycle().Warn().Err(err).Str("vm_id", vm.ID).Msg("reconciliation reserve deferred until agent reconnects")
		}
	}
	logger.Lifecycle().Info().Int("count", len(active)).Msg("reconciled active VMs against registry")
	return nil
}
