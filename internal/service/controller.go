package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xctf-platform/sandboxnet/internal/allocator"
	"github.com/xctf-platform/sandboxnet/internal/logx"
	"github.com/xctf-platform/sandboxnet/internal/model"
	"github.com/xctf-platform/sandboxnet/internal/nft"
	"github.com/xctf-platform/sandboxnet/internal/store"
)

// SandboxController orchestrates provisioning and teardown of network
// sandboxes: reserving host ports, installing packet-filter routes and
// persisting the resulting mappings.
//
// A provision either completes fully or leaves nothing behind: partial
// exposure of a challenge container is never acceptable.
type SandboxController struct {
	alloc        *allocator.PortAllocator
	rules        *nft.RuleSetManager
	mappingStore *store.MappingStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSandboxController(alloc *allocator.PortAllocator, rules *nft.RuleSetManager, mappingStore *store.MappingStore) *SandboxController {
	return &SandboxController{
		alloc:        alloc,
		rules:        rules,
		mappingStore: mappingStore,
		locks:        make(map[string]*sync.Mutex),
	}
}

// instanceLock returns the mutex guarding one instance ID. Provision and
// Teardown for the same instance are mutually exclusive; different
// instances proceed concurrently.
func (c *SandboxController) instanceLock(instanceID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[instanceID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[instanceID] = lock
	}
	return lock
}

// Provision publishes a running container: reserves one host port per spec,
// installs the packet-filter routes, and records the mappings. The store is
// written only after every rule is confirmed applied, so a crash
// mid-provision never leaves a store entry with no matching rule.
func (c *SandboxController) Provision(ctx context.Context, req *model.ProvisionRequest) (*model.Instance, error) {
	lock := c.instanceLock(req.InstanceID)
	lock.Lock()
	defer lock.Unlock()

	logger := logx.LoggerWithRequestID(ctx).With("component", "sandbox_controller", "instance_id", req.InstanceID)

	existing, err := c.mappingStore.ListByInstance(ctx, req.InstanceID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("instance %s already provisioned", req.InstanceID)
	}

	// Allocating: reserve every requested port before touching the kernel.
	reserved := make([]int, 0, len(req.Ports))
	releaseReserved := func() {
		for _, p := range reserved {
			c.alloc.Release(p)
		}
	}
	for _, spec := range req.Ports {
		port, err := c.alloc.Reserve(allocator.Request{
			Static:        spec.Static,
			PreferredPort: spec.PreferredPublicPort,
		})
		if err != nil {
			releaseReserved()
			logger.Warn("port reservation failed", "error", err)
			return nil, err
		}
		reserved = append(reserved, port)
	}

	if err := c.rules.EnsureBase(ctx); err != nil {
		releaseReserved()
		return nil, err
	}

	applied := make([]int, 0, len(reserved))
	rollbackRules := func() {
		for _, p := range applied {
			if err := c.rules.RemoveMapping(ctx, p); err != nil {
				logger.Warn("rollback rule removal failed", "public_port", p, "error", err)
			}
		}
	}
	for i, spec := range req.Ports {
		port := reserved[i]
		var ruleErr error
		if spec.Static {
			ruleErr = c.rules.AddStaticPort(ctx, port)
		} else {
			ruleErr = c.rules.AddMapping(ctx, nft.Mapping{PublicPort: port, ContainerIP: req.ContainerIP})
		}
		if ruleErr != nil {
			rollbackRules()
			releaseReserved()
			logger.Error("rule apply failed, provision rolled back", "public_port", port, "error", ruleErr)
			return nil, ruleErr
		}
		applied = append(applied, port)
	}

	now := time.Now().UTC()
	records := make([]store.MappingRecord, 0, len(reserved))
	mappings := make([]model.PortMapping, 0, len(reserved))
	for i, spec := range req.Ports {
		records = append(records, store.MappingRecord{
			PublicPort:    reserved[i],
			InstanceID:    req.InstanceID,
			ContainerIP:   req.ContainerIP,
			ContainerPort: spec.ContainerPort,
			IsStatic:      spec.Static,
			CreatedAt:     now,
		})
		mappings = append(mappings, model.PortMapping{
			PublicPort:    reserved[i],
			ContainerPort: spec.ContainerPort,
			ContainerIP:   req.ContainerIP,
			IsStatic:      spec.Static,
		})
	}
	if err := c.mappingStore.CreateBatch(ctx, records); err != nil {
		rollbackRules()
		releaseReserved()
		return nil, err
	}

	logger.Info("instance provisioned", "container_ip", req.ContainerIP, "ports", reserved)
	return &model.Instance{
		InstanceID:  req.InstanceID,
		ContainerIP: req.ContainerIP,
		State:       model.InstanceStateActive,
		Ports:       mappings,
		CreatedAt:   now,
	}, nil
}

// Teardown destroys an instance's network exposure: rules removed, ports
// released, store entries deleted. Idempotent: unknown or already-destroyed
// instances succeed without error, and instances that died mid-allocation
// are cleaned up the same way.
func (c *SandboxController) Teardown(ctx context.Context, instanceID string) error {
	lock := c.instanceLock(instanceID)
	lock.Lock()
	defer lock.Unlock()

	return c.teardownLocked(ctx, instanceID)
}

func (c *SandboxController) teardownLocked(ctx context.Context, instanceID string) error {
	logger := logx.LoggerWithRequestID(ctx).With("component", "sandbox_controller", "instance_id", instanceID)

	recs, err := c.mappingStore.ListByInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		logger.Debug("teardown for unknown or already-destroyed instance")
		return nil
	}

	for _, rec := range recs {
		if err := c.rules.RemoveMapping(ctx, rec.PublicPort); err != nil {
			// Never fatal to the caller: the sweeper retries leftover rules.
			logger.Warn("failed to remove mapping during teardown", "public_port", rec.PublicPort, "error", err)
		}
		c.alloc.Release(rec.PublicPort)
	}

	if err := c.mappingStore.DeleteByInstance(ctx, instanceID); err != nil {
		return err
	}
	logger.Info("instance destroyed", "ports_released", len(recs))
	return nil
}

// Get returns the active view of one instance, or nil when unknown.
func (c *SandboxController) Get(ctx context.Context, instanceID string) (*model.Instance, error) {
	recs, err := c.mappingStore.ListByInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return instanceFromRecords(instanceID, recs), nil
}

// List returns every active instance.
func (c *SandboxController) List(ctx context.Context) (*model.InstanceListResponse, error) {
	all, err := c.mappingStore.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	byInstance := make(map[string][]store.MappingRecord)
	order := []string{}
	for _, rec := range all {
		if _, ok := byInstance[rec.InstanceID]; !ok {
			order = append(order, rec.InstanceID)
		}
		byInstance[rec.InstanceID] = append(byInstance[rec.InstanceID], rec)
	}

	items := make([]model.Instance, 0, len(order))
	for _, id := range order {
		items = append(items, *instanceFromRecords(id, byInstance[id]))
	}
	return &model.InstanceListResponse{Items: items}, nil
}

// Recover rebuilds allocator state from the mapping store after a restart
// and re-asserts the base ruleset. Must run before the controller accepts
// new Provision calls.
func (c *SandboxController) Recover(ctx context.Context) error {
	recs, err := c.mappingStore.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload mapping store: %w", err)
	}
	for _, rec := range recs {
		if err := c.alloc.Restore(rec.PublicPort); err != nil {
			return fmt.Errorf("failed to restore port lease: %w", err)
		}
	}
	if err := c.rules.EnsureBase(ctx); err != nil {
		return err
	}
	logx.LoggerWithRequestID(ctx).Info("controller state recovered",
		"component", "sandbox_controller", "mappings", len(recs))
	return nil
}

func instanceFromRecords(instanceID string, recs []store.MappingRecord) *model.Instance {
	inst := &model.Instance{
		InstanceID: instanceID,
		State:      model.InstanceStateActive,
	}
	for _, rec := range recs {
		inst.ContainerIP = rec.ContainerIP
		if inst.CreatedAt.IsZero() || rec.CreatedAt.Before(inst.CreatedAt) {
			inst.CreatedAt = rec.CreatedAt
		}
		inst.Ports = append(inst.Ports, model.PortMapping{
			PublicPort:    rec.PublicPort,
			ContainerPort: rec.ContainerPort,
			ContainerIP:   rec.ContainerIP,
			IsStatic:      rec.IsStatic,
		})
	}
	return inst
}
