package agentconfig

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/callflow/commbus"
)

// ErrAgentNotFound is matched by AgentNotFoundError via errors.Is.
var ErrAgentNotFound = errors.New("agent configuration not found")

// AgentNotFoundError is returned when an agent id cannot be resolved.
type AgentNotFoundError struct {
	AgentID string
	Cause   error
}

func (e *AgentNotFoundError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("agent configuration not found: %s: %v", e.AgentID, e.Cause)
	}
	return fmt.Sprintf("agent configuration not found: %s", e.AgentID)
}

func (e *AgentNotFoundError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is ErrAgentNotFound.
func (e *AgentNotFoundError) Is(target error) bool {
	return target == ErrAgentNotFound
}

// NewAgentNotFoundError creates a new AgentNotFoundError.
func NewAgentNotFoundError(agentID string) *AgentNotFoundError {
	return &AgentNotFoundError{AgentID: agentID}
}

// Provider resolves an agent's configuration.
// Implementations must be safe for concurrent use. Returned configs are
// owned by the caller.
type Provider interface {
	GetAgentConfig(ctx context.Context, agentID string) (*AgentConfig, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, agentID string) (*AgentConfig, error)

// GetAgentConfig implements Provider.
func (f ProviderFunc) GetAgentConfig(ctx context.Context, agentID string) (*AgentConfig, error) {
	return f(ctx, agentID)
}

// =============================================================================
// Static Provider
// =============================================================================

// StaticProvider serves configs registered in memory.
type StaticProvider struct {
	configs map[string]*AgentConfig
	mu      sync.RWMutex
}

// NewStaticProvider creates a provider seeded with configs.
// Configs are validated; the first invalid config is returned as an error.
func NewStaticProvider(configs ...*AgentConfig) (*StaticProvider, error) {
	p := &StaticProvider{configs: make(map[string]*AgentConfig, len(configs))}
	for _, cfg := range configs {
		if err := p.Put(cfg); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Put validates and stores a copy of cfg, replacing any prior config.
func (p *StaticProvider) Put(cfg *AgentConfig) error {
	if cfg == nil {
		return fmt.Errorf("agent config is nil")
	}
	clone := cfg.Clone()
	if err := clone.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.configs[clone.AgentID] = clone
	return nil
}

// Remove deletes an agent's config.
func (p *StaticProvider) Remove(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.configs, agentID)
}

// AgentIDs returns every registered agent id.
func (p *StaticProvider) AgentIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.configs))
	for id := range p.configs {
		ids = append(ids, id)
	}
	return ids
}

// GetAgentConfig implements Provider.
func (p *StaticProvider) GetAgentConfig(_ context.Context, agentID string) (*AgentConfig, error) {
	p.mu.RLock()
	cfg, ok := p.configs[agentID]
	p.mu.RUnlock()

	if !ok {
		return nil, NewAgentNotFoundError(agentID)
	}
	return cfg.Clone(), nil
}

// =============================================================================
// Caching Provider
// =============================================================================

type cacheEntry struct {
	config    *AgentConfig
	expiresAt time.Time
}

// CachingProvider memoizes another provider for a fixed TTL.
// Lookup failures are not cached.
type CachingProvider struct {
	next    Provider
	ttl     time.Duration
	now     func() time.Time
	entries map[string]cacheEntry
	mu      sync.RWMutex
}

// NewCachingProvider wraps next with a TTL cache.
func NewCachingProvider(next Provider, ttl time.Duration) *CachingProvider {
	return &CachingProvider{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// WithClock replaces the time source. Intended for tests.
func (c *CachingProvider) WithClock(now func() time.Time) *CachingProvider {
	c.now = now
	return c
}

// GetAgentConfig implements Provider.
func (c *CachingProvider) GetAgentConfig(ctx context.Context, agentID string) (*AgentConfig, error) {
	now := c.now()

	c.mu.RLock()
	entry, ok := c.entries[agentID]
	c.mu.RUnlock()

	if ok && now.Before(entry.expiresAt) {
		return entry.config.Clone(), nil
	}

	cfg, err := c.next.GetAgentConfig(ctx, agentID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[agentID] = cacheEntry{config: cfg.Clone(), expiresAt: now.Add(c.ttl)}
	c.mu.Unlock()

	return cfg, nil
}

// Invalidate drops one agent's cached config, or all when agentID is empty.
func (c *CachingProvider) Invalidate(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if agentID == "" {
		c.entries = make(map[string]cacheEntry)
		return
	}
	delete(c.entries, agentID)
}

// HandleInvalidate serves the InvalidateAgentConfig command.
func (c *CachingProvider) HandleInvalidate(_ context.Context, message commbus.Message) (any, error) {
	cmd, ok := message.(*commbus.InvalidateAgentConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected message type %T", message)
	}
	if cmd.AgentID == nil {
		c.Invalidate("")
	} else {
		c.Invalidate(*cmd.AgentID)
	}
	return nil, nil
}

// Len returns the number of cached entries, expired or not.
func (c *CachingProvider) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// =============================================================================
// Bus Provider
// =============================================================================

// BusProvider resolves configs through a GetAgentConfig query so the host
// application can own configuration storage.
type BusProvider struct {
	bus commbus.CommBus
}

// NewBusProvider creates a provider backed by bus.
func NewBusProvider(bus commbus.CommBus) *BusProvider {
	return &BusProvider{bus: bus}
}

// GetAgentConfig implements Provider.
func (p *BusProvider) GetAgentConfig(ctx context.Context, agentID string) (*AgentConfig, error) {
	result, err := p.bus.QuerySync(ctx, &commbus.GetAgentConfig{AgentID: agentID})
	if err != nil {
		return nil, fmt.Errorf("query agent config %s: %w", agentID, err)
	}

	switch cfg := result.(type) {
	case *AgentConfig:
		if cfg == nil {
			return nil, NewAgentNotFoundError(agentID)
		}
		return cfg.Clone(), nil
	case nil:
		return nil, NewAgentNotFoundError(agentID)
	default:
		return nil, fmt.Errorf("unexpected GetAgentConfig response %T", result)
	}
}

// ServeQueries registers p's configs as the bus's GetAgentConfig handler.
func (p *StaticProvider) ServeQueries(bus commbus.CommBus) error {
	return bus.RegisterHandler("GetAgentConfig", func(ctx context.Context, message commbus.Message) (any, error) {
		query, ok := message.(*commbus.GetAgentConfig)
		if !ok {
			return nil, fmt.Errorf("unexpected message type %T", message)
		}
		return p.GetAgentConfig(ctx, query.AgentID)
	})
}

// Ensure providers implement Provider.
var (
	_ Provider = (*StaticProvider)(nil)
	_ Provider = (*CachingProvider)(nil)
	_ Provider = (*BusProvider)(nil)
	_ Provider = ProviderFunc(nil)
)
