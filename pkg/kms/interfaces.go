package kms

import (
	"context"
)

// Manager provides lifecycle operations for keyring deployments.
// This is the primary interface for driving a configuration.
type Manager interface {
	// Apply reconciles the configuration against the cloud provider.
	// If DryRun is set in options, returns a Plan without making changes.
	//
	// Apply is designed to be idempotent: applying the same Config twice
	// results in the same end state.
	Apply(ctx context.Context, cfg *Config, opts ApplyOptions) (*Outputs, error)

	// Validate checks whether an applied deployment still matches its
	// declared shape. Returns a detailed ValidationReport.
	Validate(ctx context.Context, ref ResourceRef, opts ValidateOptions) (*ValidationReport, error)

	// Destroy removes the deployment's owned surface: asserted IAM
	// members and tag bindings. Keyrings and crypto keys cannot be
	// deleted by the provider API and are left in place.
	//
	// Destroy is designed to be idempotent.
	Destroy(ctx context.Context, cfg *Config, opts DestroyOptions) error

	// Get retrieves a deployment reference by ID.
	Get(ctx context.Context, id string) (*ResourceRef, error)

	// List returns all deployments matching the given filter.
	List(ctx context.Context, filter ListFilter) ([]ResourceRef, error)
}

// ListFilter specifies criteria for listing deployments.
type ListFilter struct {
	// Kind filters by deployment kind.
	Kind ResourceKind

	// Provider filters by cloud provider.
	Provider CloudProvider

	// Limit is the maximum number of results to return.
	Limit int

	// Offset is the starting index for pagination.
	Offset int
}

// Provider is the base interface for cloud provider implementations.
// Providers handle authentication and API interactions with a specific cloud.
type Provider interface {
	// Name returns the provider identifier.
	Name() CloudProvider

	// Capabilities returns the features supported by this provider.
	Capabilities() []Capability

	// HasCapability checks if the provider supports a specific capability.
	HasCapability(cap Capability) bool
}

// LifecycleProvider extends Provider with deployment lifecycle operations.
type LifecycleProvider interface {
	Provider

	// Apply reconciles the configuration's resources.
	Apply(ctx context.Context, cfg *Config, opts ApplyOptions) (*Outputs, error)

	// Validate checks the deployed resources.
	Validate(ctx context.Context, ref ResourceRef, opts ValidateOptions) (*ValidationReport, error)

	// Destroy removes the configuration's owned surface.
	Destroy(ctx context.Context, cfg *Config, opts DestroyOptions) error
}

// ProviderFactory creates provider instances.
type ProviderFactory interface {
	// Create creates a new provider instance with the given configuration.
	Create(ctx context.Context, config map[string]interface{}) (Provider, error)
}
