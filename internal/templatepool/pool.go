// Package templatepool implements the Template Instance Pool of spec §4.5:
// it expands BackendConfig templates per session, coalesces shareable
// instances, and evicts idle ones.
package templatepool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"mcpproxy/internal/config"
	"mcpproxy/internal/events"
	"mcpproxy/internal/outbound"
	"mcpproxy/internal/template"
	"mcpproxy/pkg/logging"

	"golang.org/x/sync/singleflight"
)

// EventInstanceEvicted fires with the templateName whenever the reaper
// removes an idle instance, so the capability aggregator can recompute its
// snapshot (spec §4.5 "Eviction").
const EventInstanceEvicted = "template-instance-evicted"

const (
	DefaultReapInterval = 30 * time.Second
	DefaultIdleTimeout  = 5 * time.Minute
)

// InstanceStatus mirrors an instance's reference-counted lifecycle.
type InstanceStatus string

const (
	InstanceActive InstanceStatus = "active"
	InstanceIdle   InstanceStatus = "idle"
)

// Instance is one realized template: a started outbound.Connection plus the
// bookkeeping the pool needs for sharing and eviction.
type Instance struct {
	mu sync.Mutex

	InstanceID   string
	TemplateName string
	VariableHash string
	Connection   *outbound.Connection
	CreatedAt    time.Time

	status        InstanceStatus
	refCount      int
	lastAccessed  time.Time
	holders       map[string]struct{} // sessionId -> held
}

func (i *Instance) Status() InstanceStatus {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.status
}

func (i *Instance) ReferenceCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.refCount
}

// ResourceExhaustedError is returned when maxInstances is reached for a
// templateName.
type ResourceExhaustedError struct {
	TemplateName string
	MaxInstances int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("template %q reached its limit of %d instances", e.TemplateName, e.MaxInstances)
}

// starter is the subset of outbound.Manager the pool needs to bring a
// rendered template instance online.
type starter interface {
	AddBackend(ctx context.Context, cfg config.BackendConfig) error
	Get(name string) (*outbound.Connection, bool)
	RemoveBackend(name string)
}

// Pool manages TemplateInstances keyed by (templateName, variableHash).
type Pool struct {
	mu        sync.Mutex
	instances map[string]*Instance // instanceKey -> instance
	manager   starter
	events    *events.Bus
	engine    *template.Engine

	creating singleflight.Group

	idleTimeout  time.Duration
	reapInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool builds a template instance pool bound to manager for starting and
// stopping realized instances.
func NewPool(manager starter, bus *events.Bus) *Pool {
	return &Pool{
		instances:    make(map[string]*Instance),
		manager:      manager,
		events:       bus,
		engine:       template.New(),
		idleTimeout:  DefaultIdleTimeout,
		reapInterval: DefaultReapInterval,
	}
}

// Start launches the background reaper. The ticker does not keep the
// process alive on its own: callers must cancel via Stop on shutdown.
func (p *Pool) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.wg.Add(1)
	go p.reapLoop(runCtx)
}

func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func instanceKey(templateName, variableHash string) string {
	return templateName + "\x00" + variableHash
}

// GetOrCreate renders tmpl against ctx, then returns a (possibly shared)
// instance per spec §4.5 steps 1-5.
func (p *Pool) GetOrCreate(ctx context.Context, templateName string, tmpl config.BackendConfig, tctx template.Context, sessionID string) (*Instance, error) {
	rendered, err := renderBackend(p.engine, tmpl, tctx)
	if err != nil {
		return nil, fmt.Errorf("render template %q: %w", templateName, err)
	}

	hash, err := variableHash(rendered)
	if err != nil {
		return nil, fmt.Errorf("hash template %q: %w", templateName, err)
	}

	block := tmpl.Template
	if block == nil {
		block = &config.TemplateBlock{}
	}

	if block.PerClient {
		return p.createInstance(ctx, templateName, hash, rendered, sessionID, block)
	}

	if block.Shareable {
		if inst, ok := p.lookup(templateName, hash); ok {
			p.acquire(inst, sessionID)
			return inst, nil
		}
	}

	key := instanceKey(templateName, hash)
	result, err, _ := p.creating.Do(key, func() (interface{}, error) {
		if block.Shareable {
			if inst, ok := p.lookup(templateName, hash); ok {
				return inst, nil
			}
		}
		return p.createInstance(ctx, templateName, hash, rendered, sessionID, block)
	})
	if err != nil {
		return nil, err
	}
	inst := result.(*Instance)
	if block.Shareable {
		p.acquire(inst, sessionID)
	}
	return inst, nil
}

func (p *Pool) lookup(templateName, hash string) (*Instance, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[instanceKey(templateName, hash)]
	return inst, ok
}

func (p *Pool) acquire(inst *Instance, sessionID string) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.holders == nil {
		inst.holders = make(map[string]struct{})
	}
	if _, already := inst.holders[sessionID]; !already {
		inst.holders[sessionID] = struct{}{}
		inst.refCount++
	}
	inst.status = InstanceActive
}

func (p *Pool) createInstance(ctx context.Context, templateName, hash string, rendered config.BackendConfig, sessionID string, block *config.TemplateBlock) (*Instance, error) {
	p.mu.Lock()
	count := 0
	for _, inst := range p.instances {
		if inst.TemplateName == templateName {
			count++
		}
	}
	p.mu.Unlock()

	if block.MaxInstances > 0 && count >= block.MaxInstances {
		return nil, &ResourceExhaustedError{TemplateName: templateName, MaxInstances: block.MaxInstances}
	}

	instanceID := fmt.Sprintf("%s-%s", templateName, hash[:12])
	key := instanceKey(templateName, hash)
	if block.PerClient {
		instanceID += "-" + sessionID
		key += "\x00" + sessionID
	}
	rendered.Name = instanceID

	if err := p.manager.AddBackend(ctx, rendered); err != nil {
		return nil, fmt.Errorf("start template instance %q: %w", instanceID, err)
	}
	conn, _ := p.manager.Get(instanceID)

	inst := &Instance{
		InstanceID:   instanceID,
		TemplateName: templateName,
		VariableHash: hash,
		Connection:   conn,
		CreatedAt:    time.Now(),
		status:       InstanceActive,
		refCount:     1,
		holders:      map[string]struct{}{sessionID: {}},
	}

	p.mu.Lock()
	p.instances[key] = inst
	p.mu.Unlock()

	return inst, nil
}

// Release decrements sessionID's hold on instanceKey. At refCount 0 the
// instance becomes idle and records lastAccessed (spec §4.5 "Reference
// counting").
func (p *Pool) Release(templateName, variableHash, sessionID string) {
	p.mu.Lock()
	inst, ok := p.instances[instanceKey(templateName, variableHash)+"\x00"+sessionID]
	if !ok {
		inst, ok = p.instances[instanceKey(templateName, variableHash)]
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	inst.mu.Lock()
	if _, held := inst.holders[sessionID]; held {
		delete(inst.holders, sessionID)
		inst.refCount--
	}
	if inst.refCount <= 0 {
		inst.refCount = 0
		inst.status = InstanceIdle
		inst.lastAccessed = time.Now()
	}
	inst.mu.Unlock()
}

// Reap evicts every instance idle for at least idleTimeout, stopping its
// backend and removing it from the pool. Returns the number removed.
func (p *Pool) Reap(now time.Time) int {
	p.mu.Lock()
	var toEvict []*Instance
	for key, inst := range p.instances {
		inst.mu.Lock()
		idle := inst.status == InstanceIdle && now.Sub(inst.lastAccessed) >= p.idleTimeout
		inst.mu.Unlock()
		if idle {
			toEvict = append(toEvict, inst)
			delete(p.instances, key)
		}
	}
	p.mu.Unlock()

	for _, inst := range toEvict {
		p.manager.RemoveBackend(inst.InstanceID)
		logging.Info("TemplatePool", "evicted idle instance %q (template %q)", inst.InstanceID, inst.TemplateName)
		p.events.Emit(EventInstanceEvicted, inst.TemplateName)
	}
	return len(toEvict)
}

func (p *Pool) reapLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Reap(time.Now())
		}
	}
}

// renderBackend applies the template engine to every string-valued field of
// tmpl that may carry expressions, returning a concrete BackendConfig.
func renderBackend(engine *template.Engine, tmpl config.BackendConfig, tctx template.Context) (config.BackendConfig, error) {
	rendered := tmpl
	rendered.Template = nil

	var err error
	if rendered.Command, err = engine.Render(tmpl.Command, tctx); err != nil {
		return config.BackendConfig{}, err
	}
	if rendered.URL, err = engine.Render(tmpl.URL, tctx); err != nil {
		return config.BackendConfig{}, err
	}
	if rendered.Cwd, err = engine.Render(tmpl.Cwd, tctx); err != nil {
		return config.BackendConfig{}, err
	}

	rendered.Args = make([]string, len(tmpl.Args))
	for i, a := range tmpl.Args {
		if rendered.Args[i], err = engine.Render(a, tctx); err != nil {
			return config.BackendConfig{}, err
		}
	}

	rendered.Env = make(map[string]string, len(tmpl.Env))
	for k, v := range tmpl.Env {
		if rendered.Env[k], err = engine.Render(v, tctx); err != nil {
			return config.BackendConfig{}, err
		}
	}

	return rendered, nil
}

// variableHash computes a stable hash of the rendered transport fields
// (kind, command, args, env, url, headers, cwd). The name and the other
// fields, which rendering leaves unchanged, are not hashed.
func variableHash(cfg config.BackendConfig) (string, error) {
	cfg.Name = ""
	keys := make([]string, 0, len(cfg.Env))
	for k := range cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data, err := json.Marshal(struct {
		Kind    config.Kind
		Command string
		Args    []string
		EnvKeys []string
		Env     map[string]string
		URL     string
		Headers map[string]string
		Cwd     string
	}{
		Kind:    cfg.Kind,
		Command: cfg.Command,
		Args:    cfg.Args,
		EnvKeys: keys,
		Env:     cfg.Env,
		URL:     cfg.URL,
		Headers: cfg.Headers,
		Cwd:     cfg.Cwd,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
