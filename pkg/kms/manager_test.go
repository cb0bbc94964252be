package kms

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider is a LifecycleProvider recording calls for manager tests.
type stubProvider struct {
	applyCalls   int
	destroyCalls int
	applyErr     error
}

func (s *stubProvider) Name() CloudProvider        { return ProviderGCP }
func (s *stubProvider) Capabilities() []Capability { return []Capability{CapabilityApply} }
func (s *stubProvider) HasCapability(cap Capability) bool {
	return cap == CapabilityApply
}

func (s *stubProvider) Apply(ctx context.Context, cfg *Config, opts ApplyOptions) (*Outputs, error) {
	s.applyCalls++
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	keyringID := "projects/" + cfg.Project + "/locations/" + cfg.Keyring.Location + "/keyRings/" + cfg.Keyring.Name
	return &Outputs{
		Ref: NewResourceRef(KindKeyring, ProviderGCP, true, map[string]string{
			"keyring": keyringID,
		}),
		KeyringID: keyringID,
		Location:  cfg.Keyring.Location,
		Name:      cfg.Keyring.Name,
	}, nil
}

func (s *stubProvider) Validate(ctx context.Context, ref ResourceRef, opts ValidateOptions) (*ValidationReport, error) {
	return RunValidation(ctx, ref, nil), nil
}

func (s *stubProvider) Destroy(ctx context.Context, cfg *Config, opts DestroyOptions) error {
	s.destroyCalls++
	return nil
}

func managerConfig() *Config {
	return &Config{
		Project: "project-id",
		Keyring: KeyringDescriptor{Location: "europe-west1", Name: "test"},
		Keys:    map[string]*KeyOptions{"key-a": nil},
	}
}

func newTestManager(t *testing.T) (*DefaultManager, *stubProvider) {
	t.Helper()
	registry := NewRegistry()
	provider := &stubProvider{}
	require.NoError(t, registry.Register(provider))
	manager := NewManager(
		WithRegistry(registry),
		WithStateStore(NewMemoryStateStore()),
	)
	return manager, provider
}

func TestManagerApply_TracksState(t *testing.T) {
	ctx := context.Background()
	manager, provider := newTestManager(t)

	outputs, err := manager.Apply(ctx, managerConfig(), ApplyOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.applyCalls)

	got, err := manager.Get(ctx, outputs.Ref.ID)
	require.NoError(t, err)
	assert.Equal(t, outputs.Ref.ID, got.ID)

	refs, err := manager.List(ctx, ListFilter{Provider: ProviderGCP})
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestManagerApply_DryRunSkipsState(t *testing.T) {
	ctx := context.Background()
	manager, _ := newTestManager(t)

	outputs, err := manager.Apply(ctx, managerConfig(), ApplyOptions{DryRun: true})
	require.NoError(t, err)

	_, err = manager.Get(ctx, outputs.Ref.ID)
	require.Error(t, err)
}

func TestManagerApply_RejectsInvalidConfig(t *testing.T) {
	ctx := context.Background()
	manager, provider := newTestManager(t)

	cfg := managerConfig()
	cfg.Project = ""

	_, err := manager.Apply(ctx, cfg, ApplyOptions{})
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategoryValidation))
	assert.Equal(t, 0, provider.applyCalls)
}

func TestManagerApply_UnknownProvider(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(
		WithRegistry(NewRegistry()),
		WithStateStore(NewMemoryStateStore()),
	)

	_, err := manager.Apply(ctx, managerConfig(), ApplyOptions{})
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategoryNotFound))
}

func TestManagerDestroy_OwnershipGate(t *testing.T) {
	ctx := context.Background()
	manager, provider := newTestManager(t)

	// Untracked deployment: refused without Force.
	err := manager.Destroy(ctx, managerConfig(), DestroyOptions{})
	require.Error(t, err)
	assert.True(t, IsCategory(err, ErrCategoryPermission))
	assert.Equal(t, 0, provider.destroyCalls)

	// Force overrides the gate.
	require.NoError(t, manager.Destroy(ctx, managerConfig(), DestroyOptions{Force: true}))
	assert.Equal(t, 1, provider.destroyCalls)
}

func TestManagerDestroy_TrackedDeployment(t *testing.T) {
	ctx := context.Background()
	manager, provider := newTestManager(t)

	outputs, err := manager.Apply(ctx, managerConfig(), ApplyOptions{})
	require.NoError(t, err)

	require.NoError(t, manager.Destroy(ctx, managerConfig(), DestroyOptions{}))
	assert.Equal(t, 1, provider.destroyCalls)

	// State entry removed after destroy.
	_, err = manager.Get(ctx, outputs.Ref.ID)
	require.Error(t, err)
}

func TestManagerDestroy_ConfirmCallback(t *testing.T) {
	ctx := context.Background()
	manager, provider := newTestManager(t)

	_, err := manager.Apply(ctx, managerConfig(), ApplyOptions{})
	require.NoError(t, err)

	declined := false
	err = manager.Destroy(ctx, managerConfig(), DestroyOptions{
		Confirm: func(plan Plan) bool {
			declined = true
			return false
		},
	})
	require.Error(t, err)
	assert.True(t, declined)
	assert.Equal(t, 0, provider.destroyCalls)

	require.NoError(t, manager.Destroy(ctx, managerConfig(), DestroyOptions{
		Confirm: func(plan Plan) bool { return true },
	}))
	assert.Equal(t, 1, provider.destroyCalls)
}

func TestGenerateDeploymentID(t *testing.T) {
	a := GenerateDeploymentID(KindKeyring, ProviderGCP)
	b := GenerateDeploymentID(KindKeyring, ProviderGCP)
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "kms_keyring-gcp-")
}
