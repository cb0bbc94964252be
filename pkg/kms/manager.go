package kms

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultManager is the default Manager implementation. It validates
// configurations, delegates reconciliation to the registered provider,
// and records applied deployments in the state store.
type DefaultManager struct {
	registry *Registry
	state    StateStore
	log      zerolog.Logger
}

// ManagerOption configures the DefaultManager.
type ManagerOption func(*DefaultManager)

// WithRegistry sets the provider registry.
func WithRegistry(r *Registry) ManagerOption {
	return func(m *DefaultManager) {
		m.registry = r
	}
}

// WithStateStore sets the state store.
func WithStateStore(s StateStore) ManagerOption {
	return func(m *DefaultManager) {
		m.state = s
	}
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) ManagerOption {
	return func(m *DefaultManager) {
		m.log = log
	}
}

// NewManager creates a new DefaultManager with the given options.
func NewManager(opts ...ManagerOption) *DefaultManager {
	m := &DefaultManager{
		registry: DefaultRegistry,
		state:    NewMemoryStateStore(),
		log:      zerolog.Nop(),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Apply implements Manager.
func (m *DefaultManager) Apply(ctx context.Context, cfg *Config, opts ApplyOptions) (*Outputs, error) {
	if err := cfg.Validate(); err != nil {
		return nil, ErrValidation(err.Error()).WithOperation("apply")
	}

	provider, err := m.registry.GetLifecycleProvider(providerOf(cfg))
	if err != nil {
		return nil, err
	}

	m.log.Info().
		Str("provider", string(providerOf(cfg))).
		Str("keyring", cfg.Keyring.Name).
		Str("location", cfg.Keyring.Location).
		Bool("dry_run", opts.DryRun).
		Int("keys", len(cfg.Keys)).
		Msg("applying keyring configuration")

	outputs, err := provider.Apply(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}

	if !opts.DryRun {
		if err := m.state.Save(ctx, outputs.Ref); err != nil {
			// The resources exist; a state write failure is not fatal.
			m.log.Warn().Err(err).Str("id", outputs.Ref.ID).Msg("failed to save deployment state")
		}
	}

	return outputs, nil
}

// Validate implements Manager.
func (m *DefaultManager) Validate(ctx context.Context, ref ResourceRef, opts ValidateOptions) (*ValidationReport, error) {
	provider, err := m.registry.GetLifecycleProvider(ref.Provider)
	if err != nil {
		return nil, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	return provider.Validate(ctx, ref, opts)
}

// Destroy implements Manager.
func (m *DefaultManager) Destroy(ctx context.Context, cfg *Config, opts DestroyOptions) error {
	if err := cfg.Validate(); err != nil {
		return ErrValidation(err.Error()).WithOperation("destroy")
	}

	provider, err := m.registry.GetLifecycleProvider(providerOf(cfg))
	if err != nil {
		return err
	}

	// Ownership gate: without Force, only deployments recorded in the
	// state store may be torn down.
	keyringID := fmt.Sprintf("projects/%s/locations/%s/keyRings/%s",
		cfg.Project, cfg.Keyring.Location, cfg.Keyring.Name)
	ref, err := m.state.FindByResource(ctx, keyringID)
	if err != nil {
		if !opts.Force {
			return ErrPermission("deployment not tracked in state; use Force to override").
				WithResource("keyring", keyringID)
		}
	}

	if opts.Confirm != nil && !opts.DryRun {
		plan := Plan{
			Actions: []PlannedAction{
				{
					Operation:    "delete",
					ResourceType: "iam-and-tag-bindings",
					ResourceID:   keyringID,
					Details:      map[string]interface{}{"keys": len(cfg.Keys)},
					Reversible:   false,
				},
			},
			Summary: fmt.Sprintf("Remove asserted bindings from %s and %d keys", keyringID, len(cfg.Keys)),
		}
		if !opts.Confirm(plan) {
			return ErrValidation("destroy cancelled by user")
		}
	}

	if err := provider.Destroy(ctx, cfg, opts); err != nil {
		return err
	}

	if !opts.DryRun && ref != nil {
		if err := m.state.Delete(ctx, ref.ID); err != nil {
			m.log.Warn().Err(err).Str("id", ref.ID).Msg("failed to remove deployment from state")
		}
	}

	return nil
}

// Get implements Manager.
func (m *DefaultManager) Get(ctx context.Context, id string) (*ResourceRef, error) {
	return m.state.Get(ctx, id)
}

// List implements Manager.
func (m *DefaultManager) List(ctx context.Context, filter ListFilter) ([]ResourceRef, error) {
	return m.state.List(ctx, filter)
}

func providerOf(cfg *Config) CloudProvider {
	if cfg.Provider != "" {
		return cfg.Provider
	}
	return ProviderGCP
}

// GenerateDeploymentID generates a unique ID for a deployment.
func GenerateDeploymentID(kind ResourceKind, provider CloudProvider) string {
	return fmt.Sprintf("%s-%s-%s", kind, provider, uuid.New().String()[:8])
}

// NewResourceRef creates a ResourceRef with standard fields populated.
func NewResourceRef(kind ResourceKind, provider CloudProvider, owned bool, resourceIDs map[string]string) ResourceRef {
	return ResourceRef{
		ID:          GenerateDeploymentID(kind, provider),
		Kind:        kind,
		Provider:    provider,
		ResourceIDs: resourceIDs,
		CreatedAt:   time.Now(),
		Owned:       owned,
		Version:     1,
	}
}

// Top-level convenience functions

// Apply reconciles a configuration using the default manager.
func Apply(ctx context.Context, cfg *Config, opts ...ApplyOptions) (*Outputs, error) {
	opt := ApplyOptions{}
	if len(opts) > 0 {
		opt = opts[0]
	}
	return globalManager.Apply(ctx, cfg, opt)
}

// Validate validates a deployment using the default manager.
func Validate(ctx context.Context, ref ResourceRef, opts ...ValidateOptions) (*ValidationReport, error) {
	opt := ValidateOptions{}
	if len(opts) > 0 {
		opt = opts[0]
	}
	return globalManager.Validate(ctx, ref, opt)
}

// Destroy tears down a configuration's owned surface using the default manager.
func Destroy(ctx context.Context, cfg *Config, opts ...DestroyOptions) error {
	opt := DestroyOptions{}
	if len(opts) > 0 {
		opt = opts[0]
	}
	return globalManager.Destroy(ctx, cfg, opt)
}

// globalManager is the default manager instance.
var globalManager = NewManager()

// SetGlobalManager replaces the global manager (useful for testing).
func SetGlobalManager(m *DefaultManager) {
	globalManager = m
}

// GetGlobalManager returns the global manager.
func GetGlobalManager() *DefaultManager {
	return globalManager
}
