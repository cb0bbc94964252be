// Package gcp reconciles keyring deployments against Google Cloud KMS.
package gcp

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/iam/apiv1/iampb"
	"cloud.google.com/go/kms/apiv1/kmspb"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/erabusi/cloud-foundation-fabric/pkg/kms"
)

// KeyManagementClient abstracts the Cloud KMS admin surface. The concrete
// cloud.google.com/go/kms/apiv1 client satisfies it directly.
type KeyManagementClient interface {
	GetKeyRing(ctx context.Context, req *kmspb.GetKeyRingRequest, opts ...gax.CallOption) (*kmspb.KeyRing, error)
	CreateKeyRing(ctx context.Context, req *kmspb.CreateKeyRingRequest, opts ...gax.CallOption) (*kmspb.KeyRing, error)
	GetCryptoKey(ctx context.Context, req *kmspb.GetCryptoKeyRequest, opts ...gax.CallOption) (*kmspb.CryptoKey, error)
	CreateCryptoKey(ctx context.Context, req *kmspb.CreateCryptoKeyRequest, opts ...gax.CallOption) (*kmspb.CryptoKey, error)
	GetIamPolicy(ctx context.Context, req *iampb.GetIamPolicyRequest, opts ...gax.CallOption) (*iampb.Policy, error)
	SetIamPolicy(ctx context.Context, req *iampb.SetIamPolicyRequest, opts ...gax.CallOption) (*iampb.Policy, error)
}

// TagBindingsClient abstracts Resource Manager tag binding operations,
// hiding the long-running operation plumbing of the real client.
type TagBindingsClient interface {
	// CreateTagBinding binds a tag value to the resource identified by
	// parent and returns the binding's resource name.
	CreateTagBinding(ctx context.Context, parent, tagValue string) (string, error)

	// DeleteTagBinding removes a tag binding by resource name.
	DeleteTagBinding(ctx context.Context, name string) error

	// ListTagBindings returns the tag values bound to the resource.
	ListTagBindings(ctx context.Context, parent string) ([]string, error)
}

// Provider implements kms.LifecycleProvider for Google Cloud KMS.
type Provider struct {
	kmsClient KeyManagementClient
	tagClient TagBindingsClient
}

// ProviderOption configures the Provider.
type ProviderOption func(*Provider)

// WithKeyManagementClient sets the Cloud KMS client.
func WithKeyManagementClient(client KeyManagementClient) ProviderOption {
	return func(p *Provider) {
		p.kmsClient = client
	}
}

// WithTagBindingsClient sets the tag bindings client.
func WithTagBindingsClient(client TagBindingsClient) ProviderOption {
	return func(p *Provider) {
		p.tagClient = client
	}
}

// New creates a new GCP provider.
func New(opts ...ProviderOption) *Provider {
	p := &Provider{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements kms.Provider.
func (p *Provider) Name() kms.CloudProvider {
	return kms.ProviderGCP
}

// Capabilities implements kms.Provider.
func (p *Provider) Capabilities() []kms.Capability {
	return []kms.Capability{
		kms.CapabilityApply,
		kms.CapabilityValidate,
		kms.CapabilityDestroy,
		kms.CapabilityDryRun,
		kms.CapabilityTagBindings,
	}
}

// HasCapability implements kms.Provider.
func (p *Provider) HasCapability(cap kms.Capability) bool {
	for _, c := range p.Capabilities() {
		if c == cap {
			return true
		}
	}
	return false
}

// Resource name helpers.

func locationName(project, location string) string {
	return fmt.Sprintf("projects/%s/locations/%s", project, location)
}

func keyRingName(project, location, name string) string {
	return fmt.Sprintf("%s/keyRings/%s", locationName(project, location), name)
}

func cryptoKeyName(ring, key string) string {
	return fmt.Sprintf("%s/cryptoKeys/%s", ring, key)
}

// tagParent is the full resource ID format the tag binding API expects.
func tagParent(resourceName string) string {
	return "//cloudkms.googleapis.com/" + resourceName
}

// tagBindingName computes the resource name of a tag binding without a
// list call: tagBindings/{url-encoded parent}/{tagValue}.
func tagBindingName(parent, tagValue string) string {
	return fmt.Sprintf("tagBindings/%s/%s", url.PathEscape(parent), tagValue)
}

// Apply implements kms.LifecycleProvider.
//
// Reconciliation order: keyring resolution, key declaration, IAM binding
// application (keyring then keys), tag bindings. Each step is idempotent.
func (p *Provider) Apply(ctx context.Context, cfg *kms.Config, opts kms.ApplyOptions) (*kms.Outputs, error) {
	if p.kmsClient == nil && !opts.DryRun {
		return nil, kms.ErrValidation("GCP KMS client not configured").
			WithProvider(kms.ProviderGCP).
			WithDetail("hint", "Configure GCP credentials or use --dry-run")
	}

	var plan kms.Plan
	ringName := keyRingName(cfg.Project, cfg.Keyring.Location, cfg.Keyring.Name)
	resourceIDs := map[string]string{"keyring": ringName}

	ring, createdRing, err := p.resolveKeyRing(ctx, cfg, ringName, opts.DryRun, &plan)
	if err != nil {
		return nil, err
	}

	keys := make(map[string]*kmspb.CryptoKey, len(cfg.Keys))
	keyIDs := make(map[string]string, len(cfg.Keys))
	for _, name := range cfg.KeyNames() {
		key, err := p.declareKey(ctx, cfg, ringName, name, opts, &plan)
		if err != nil {
			return nil, err
		}
		keyName := cryptoKeyName(ringName, name)
		keys[name] = key
		keyIDs[name] = keyName
		resourceIDs["key:"+name] = keyName
	}

	if err := p.applyIAM(ctx, ringName, cfg.KeyringBindings(), opts.DryRun, &plan); err != nil {
		return nil, err
	}

	keyBindings := cfg.KeyBindings()
	for _, name := range sortedKeys(keyBindings) {
		if err := p.applyIAM(ctx, cryptoKeyName(ringName, name), keyBindings[name], opts.DryRun, &plan); err != nil {
			return nil, err
		}
	}

	if err := p.applyTags(ctx, cfg, ringName, opts.DryRun, &plan, resourceIDs); err != nil {
		return nil, err
	}

	ref := kms.NewResourceRef(kms.KindKeyring, kms.ProviderGCP, createdRing || cfg.CreateKeyring(), resourceIDs)

	outputs := &kms.Outputs{
		Ref:       ref,
		KeyringID: ringName,
		KeyIDs:    keyIDs,
		Keyring:   ring,
		Keys:      keys,
		Location:  cfg.Keyring.Location,
		Name:      cfg.Keyring.Name,
	}

	if opts.DryRun {
		plan.Summary = fmt.Sprintf("Would create/update %d resources under %s", len(plan.Actions), ringName)
		outputs.Plan = &plan
	}

	return outputs, nil
}

// resolveKeyRing selects between declaring a new keyring and looking up
// an existing one. Both paths yield the same identifying attributes, so
// everything downstream is indifferent to which one ran.
func (p *Provider) resolveKeyRing(ctx context.Context, cfg *kms.Config, ringName string, dryRun bool, plan *kms.Plan) (*kmspb.KeyRing, bool, error) {
	var ring *kmspb.KeyRing
	if p.kmsClient != nil {
		existing, err := p.kmsClient.GetKeyRing(ctx, &kmspb.GetKeyRingRequest{Name: ringName})
		switch {
		case err == nil:
			ring = existing
		case !isNotFound(err):
			return nil, false, kms.ErrPermission("failed to look up keyring").
				WithCause(err).WithProvider(kms.ProviderGCP).WithResource("keyring", ringName)
		}
	}

	if ring != nil {
		return ring, false, nil
	}

	if !cfg.CreateKeyring() {
		if dryRun && p.kmsClient == nil {
			return &kmspb.KeyRing{Name: ringName}, false, nil
		}
		return nil, false, kms.ErrNotFound("keyring", ringName).WithProvider(kms.ProviderGCP)
	}

	plan.Actions = append(plan.Actions, kms.PlannedAction{
		Operation:    "create",
		ResourceType: "keyring",
		ResourceID:   ringName,
		Details: map[string]interface{}{
			"location": cfg.Keyring.Location,
			"project":  cfg.Project,
		},
		Reversible: false,
	})

	if dryRun {
		return &kmspb.KeyRing{Name: ringName}, true, nil
	}

	created, err := p.kmsClient.CreateKeyRing(ctx, &kmspb.CreateKeyRingRequest{
		Parent:    locationName(cfg.Project, cfg.Keyring.Location),
		KeyRingId: cfg.Keyring.Name,
		KeyRing:   &kmspb.KeyRing{},
	})
	if err != nil {
		if isAlreadyExists(err) {
			// Raced with another writer; re-read and continue.
			existing, gerr := p.kmsClient.GetKeyRing(ctx, &kmspb.GetKeyRingRequest{Name: ringName})
			if gerr != nil {
				return nil, false, kms.ErrPermission("failed to re-read keyring").WithCause(gerr)
			}
			return existing, false, nil
		}
		return nil, false, kms.ErrPermission("failed to create keyring").
			WithCause(err).WithProvider(kms.ProviderGCP).WithResource("keyring", ringName)
	}
	return created, true, nil
}

// declareKey ensures one crypto key exists under the keyring with the
// declared purpose, rotation, and labels.
func (p *Provider) declareKey(ctx context.Context, cfg *kms.Config, ringName, name string, opts kms.ApplyOptions, plan *kms.Plan) (*kmspb.CryptoKey, error) {
	keyName := cryptoKeyName(ringName, name)

	desired, err := buildCryptoKey(cfg, name, opts.Labels)
	if err != nil {
		return nil, kms.ErrValidation(err.Error()).WithResource("crypto-key", keyName)
	}

	if p.kmsClient != nil {
		existing, err := p.kmsClient.GetCryptoKey(ctx, &kmspb.GetCryptoKeyRequest{Name: keyName})
		switch {
		case err == nil:
			// Purpose is immutable; a mismatch is a conflict, not drift.
			if existing.GetPurpose() != desired.GetPurpose() {
				return nil, kms.ErrConflict("crypto-key", keyName).
					WithDetail("existing_purpose", existing.GetPurpose().String()).
					WithDetail("declared_purpose", desired.GetPurpose().String())
			}
			return existing, nil
		case !isNotFound(err):
			return nil, kms.ErrPermission("failed to look up crypto key").
				WithCause(err).WithProvider(kms.ProviderGCP).WithResource("crypto-key", keyName)
		}
	}

	plan.Actions = append(plan.Actions, kms.PlannedAction{
		Operation:    "create",
		ResourceType: "crypto-key",
		ResourceID:   keyName,
		Details: map[string]interface{}{
			"purpose": desired.GetPurpose().String(),
		},
		Reversible: false,
	})

	if opts.DryRun {
		desired.Name = keyName
		return desired, nil
	}

	created, err := p.kmsClient.CreateCryptoKey(ctx, &kmspb.CreateCryptoKeyRequest{
		Parent:      ringName,
		CryptoKeyId: name,
		CryptoKey:   desired,
	})
	if err != nil {
		if isAlreadyExists(err) {
			existing, gerr := p.kmsClient.GetCryptoKey(ctx, &kmspb.GetCryptoKeyRequest{Name: keyName})
			if gerr != nil {
				return nil, kms.ErrPermission("failed to re-read crypto key").WithCause(gerr)
			}
			return existing, nil
		}
		return nil, kms.ErrPermission("failed to create crypto key").
			WithCause(err).WithProvider(kms.ProviderGCP).WithResource("crypto-key", keyName)
	}
	return created, nil
}

// buildCryptoKey maps the declared key attributes onto the provider's
// resource type. Nil options mean no rotation and no labels.
func buildCryptoKey(cfg *kms.Config, name string, extraLabels map[string]string) (*kmspb.CryptoKey, error) {
	purpose, err := cfg.PurposeFor(name)
	if err != nil {
		return nil, err
	}

	purposeEnum, ok := kmspb.CryptoKey_CryptoKeyPurpose_value[purpose.Purpose]
	if !ok {
		return nil, fmt.Errorf("key %s: unknown purpose: %s", name, purpose.Purpose)
	}

	key := &kmspb.CryptoKey{
		Purpose: kmspb.CryptoKey_CryptoKeyPurpose(purposeEnum),
	}

	if vt := purpose.VersionTemplate; vt != nil {
		tmpl := &kmspb.CryptoKeyVersionTemplate{}
		if vt.Algorithm != "" {
			algo, ok := kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm_value[vt.Algorithm]
			if !ok {
				return nil, fmt.Errorf("key %s: unknown algorithm: %s", name, vt.Algorithm)
			}
			tmpl.Algorithm = kmspb.CryptoKeyVersion_CryptoKeyVersionAlgorithm(algo)
		}
		if vt.ProtectionLevel != "" {
			level, ok := kmspb.ProtectionLevel_value[vt.ProtectionLevel]
			if !ok {
				return nil, fmt.Errorf("key %s: unknown protection level: %s", name, vt.ProtectionLevel)
			}
			tmpl.ProtectionLevel = kmspb.ProtectionLevel(level)
		}
		key.VersionTemplate = tmpl
	}

	if kopts := cfg.Keys[name]; kopts != nil {
		if kopts.RotationPeriod != "" {
			period, err := time.ParseDuration(kopts.RotationPeriod)
			if err != nil {
				return nil, fmt.Errorf("key %s: invalid rotation_period: %w", name, err)
			}
			key.RotationSchedule = &kmspb.CryptoKey_RotationPeriod{
				RotationPeriod: durationpb.New(period),
			}
			// The API rejects a rotation period without a first rotation time.
			key.NextRotationTime = timestamppb.New(time.Now().Add(period))
		}
		if len(kopts.Labels) > 0 {
			key.Labels = make(map[string]string, len(kopts.Labels))
			for k, v := range kopts.Labels {
				key.Labels[k] = v
			}
		}
	}

	if len(extraLabels) > 0 {
		if key.Labels == nil {
			key.Labels = make(map[string]string, len(extraLabels))
		}
		for k, v := range extraLabels {
			if _, set := key.Labels[k]; !set {
				key.Labels[k] = v
			}
		}
	}

	return key, nil
}

// applyIAM reconciles the assembled bindings for one target with a
// read-modify-write of its IAM policy.
func (p *Provider) applyIAM(ctx context.Context, resource string, bindings []kms.RoleBinding, dryRun bool, plan *kms.Plan) error {
	if len(bindings) == 0 {
		return nil
	}

	policy := &iampb.Policy{}
	if p.kmsClient != nil {
		existing, err := p.kmsClient.GetIamPolicy(ctx, &iampb.GetIamPolicyRequest{Resource: resource})
		switch {
		case err == nil:
			policy = existing
		case dryRun && isNotFound(err):
			// Planning against a resource that does not exist yet.
		default:
			return kms.ErrPermission("failed to get IAM policy").
				WithCause(err).WithProvider(kms.ProviderGCP).WithResource("iam-policy", resource)
		}
	}

	changed := MergeBindings(policy, bindings)
	if !changed {
		return nil
	}

	plan.Actions = append(plan.Actions, kms.PlannedAction{
		Operation:    "update",
		ResourceType: "iam-policy",
		ResourceID:   resource,
		Details: map[string]interface{}{
			"roles": len(bindings),
		},
		Reversible: true,
	})

	if dryRun {
		return nil
	}

	if _, err := p.kmsClient.SetIamPolicy(ctx, &iampb.SetIamPolicyRequest{
		Resource: resource,
		Policy:   policy,
	}); err != nil {
		return kms.ErrPermission("failed to set IAM policy").
			WithCause(err).WithProvider(kms.ProviderGCP).WithResource("iam-policy", resource)
	}
	return nil
}

// MergeBindings folds assembled role bindings into an existing policy.
// Authoritative bindings replace the role's member set exactly; additive
// bindings union members in without removing anyone else's. Bindings are
// kept sorted by role so the result is deterministic. Reports whether
// the policy changed.
func MergeBindings(policy *iampb.Policy, bindings []kms.RoleBinding) bool {
	changed := false

	for _, b := range bindings {
		idx := -1
		for i, existing := range policy.Bindings {
			if existing.GetRole() == b.Role {
				idx = i
				break
			}
		}

		switch b.Mode {
		case kms.BindingAuthoritative:
			if idx < 0 {
				if len(b.Members) == 0 {
					continue
				}
				policy.Bindings = append(policy.Bindings, &iampb.Binding{
					Role:    b.Role,
					Members: append([]string(nil), b.Members...),
				})
				changed = true
				continue
			}
			if len(b.Members) == 0 {
				policy.Bindings = append(policy.Bindings[:idx], policy.Bindings[idx+1:]...)
				changed = true
				continue
			}
			if !equalMembers(policy.Bindings[idx].Members, b.Members) {
				policy.Bindings[idx].Members = append([]string(nil), b.Members...)
				changed = true
			}

		case kms.BindingAdditive:
			if idx < 0 {
				policy.Bindings = append(policy.Bindings, &iampb.Binding{
					Role:    b.Role,
					Members: append([]string(nil), b.Members...),
				})
				changed = true
				continue
			}
			existing := policy.Bindings[idx]
			have := make(map[string]bool, len(existing.Members))
			for _, m := range existing.Members {
				have[m] = true
			}
			for _, m := range b.Members {
				if !have[m] {
					existing.Members = append(existing.Members, m)
					changed = true
				}
			}
			sort.Strings(existing.Members)
		}
	}

	sort.Slice(policy.Bindings, func(i, j int) bool {
		return policy.Bindings[i].GetRole() < policy.Bindings[j].GetRole()
	})

	return changed
}

// RemoveBindings strips the members asserted by the given bindings from
// a policy, dropping role entries that end up empty. Members granted out
// of band are preserved. Reports whether the policy changed.
func RemoveBindings(policy *iampb.Policy, bindings []kms.RoleBinding) bool {
	changed := false

	for _, b := range bindings {
		asserted := make(map[string]bool, len(b.Members))
		for _, m := range b.Members {
			asserted[m] = true
		}

		for i, existing := range policy.Bindings {
			if existing.GetRole() != b.Role {
				continue
			}
			kept := existing.Members[:0]
			for _, m := range existing.Members {
				if asserted[m] {
					changed = true
					continue
				}
				kept = append(kept, m)
			}
			existing.Members = kept
			if len(kept) == 0 {
				policy.Bindings = append(policy.Bindings[:i], policy.Bindings[i+1:]...)
			}
			break
		}
	}

	return changed
}

func equalMembers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// applyTags binds declared tag values to keys.
func (p *Provider) applyTags(ctx context.Context, cfg *kms.Config, ringName string, dryRun bool, plan *kms.Plan, resourceIDs map[string]string) error {
	if len(cfg.TagBindings) == 0 {
		return nil
	}
	if p.tagClient == nil && !dryRun {
		return kms.ErrValidation("GCP tag bindings client not configured").
			WithProvider(kms.ProviderGCP).
			WithDetail("hint", "Configure the Resource Manager tag client or drop tag_bindings")
	}

	for _, name := range sortedKeys(cfg.TagBindings) {
		tagValue := cfg.TagBindings[name]
		parent := tagParent(cryptoKeyName(ringName, name))

		plan.Actions = append(plan.Actions, kms.PlannedAction{
			Operation:    "create",
			ResourceType: "tag-binding",
			ResourceID:   tagBindingName(parent, tagValue),
			Details: map[string]interface{}{
				"key":       name,
				"tag_value": tagValue,
			},
			Reversible: true,
		})

		if dryRun {
			continue
		}

		bindingName, err := p.tagClient.CreateTagBinding(ctx, parent, tagValue)
		if err != nil {
			if isAlreadyExists(err) {
				resourceIDs["tag_binding:"+name] = tagBindingName(parent, tagValue)
				continue
			}
			return kms.ErrPermission("failed to create tag binding").
				WithCause(err).WithProvider(kms.ProviderGCP).WithResource("tag-binding", parent)
		}
		resourceIDs["tag_binding:"+name] = bindingName
	}

	return nil
}

// Validate implements kms.LifecycleProvider.
func (p *Provider) Validate(ctx context.Context, ref kms.ResourceRef, opts kms.ValidateOptions) (*kms.ValidationReport, error) {
	var validators []kms.Validator

	if ringName := ref.ResourceIDs["keyring"]; ringName != "" {
		validators = append(validators, &keyRingExistsValidator{client: p.kmsClient, name: ringName})
	}
	for id, name := range ref.ResourceIDs {
		switch {
		case strings.HasPrefix(id, "key:"):
			validators = append(validators, &cryptoKeyExistsValidator{client: p.kmsClient, name: name})
		case strings.HasPrefix(id, "tag_binding:"):
			validators = append(validators, &tagBindingExistsValidator{client: p.tagClient, name: name})
		}
	}

	validators = kms.FilterValidators(validators, opts.CheckIDs)
	return kms.RunValidation(ctx, ref, validators), nil
}

// Destroy implements kms.LifecycleProvider.
//
// Cloud KMS keyrings and crypto keys cannot be deleted, so Destroy only
// removes the surface this configuration asserted: IAM members and tag
// bindings. Keys keep their versions and rotation schedule.
func (p *Provider) Destroy(ctx context.Context, cfg *kms.Config, opts kms.DestroyOptions) error {
	if opts.DryRun {
		return nil
	}
	if p.kmsClient == nil {
		return kms.ErrValidation("GCP KMS client not configured").
			WithProvider(kms.ProviderGCP)
	}

	ringName := keyRingName(cfg.Project, cfg.Keyring.Location, cfg.Keyring.Name)

	if err := p.removeIAM(ctx, ringName, cfg.KeyringBindings()); err != nil {
		return err
	}

	keyBindings := cfg.KeyBindings()
	for _, name := range sortedKeys(keyBindings) {
		if err := p.removeIAM(ctx, cryptoKeyName(ringName, name), keyBindings[name]); err != nil {
			return err
		}
	}

	if p.tagClient != nil {
		for _, name := range sortedKeys(cfg.TagBindings) {
			parent := tagParent(cryptoKeyName(ringName, name))
			binding := tagBindingName(parent, cfg.TagBindings[name])
			if err := p.tagClient.DeleteTagBinding(ctx, binding); err != nil && !isNotFound(err) {
				return kms.ErrPermission("failed to delete tag binding").
					WithCause(err).WithProvider(kms.ProviderGCP).WithResource("tag-binding", binding)
			}
		}
	}

	return nil
}

func (p *Provider) removeIAM(ctx context.Context, resource string, bindings []kms.RoleBinding) error {
	if len(bindings) == 0 {
		return nil
	}

	policy, err := p.kmsClient.GetIamPolicy(ctx, &iampb.GetIamPolicyRequest{Resource: resource})
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return kms.ErrPermission("failed to get IAM policy").
			WithCause(err).WithProvider(kms.ProviderGCP).WithResource("iam-policy", resource)
	}

	if !RemoveBindings(policy, bindings) {
		return nil
	}

	if _, err := p.kmsClient.SetIamPolicy(ctx, &iampb.SetIamPolicyRequest{
		Resource: resource,
		Policy:   policy,
	}); err != nil {
		return kms.ErrPermission("failed to set IAM policy").
			WithCause(err).WithProvider(kms.ProviderGCP).WithResource("iam-policy", resource)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	return status.Code(err) == codes.NotFound ||
		kms.IsCategory(err, kms.ErrCategoryNotFound)
}

func isAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	return status.Code(err) == codes.AlreadyExists ||
		kms.IsCategory(err, kms.ErrCategoryConflict)
}

func init() {
	// Register with default registry
	kms.Register(New())
}
