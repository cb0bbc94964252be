package gcp

import (
	"context"
	"sync"
	"testing"

	"cloud.google.com/go/iam/apiv1/iampb"
	"cloud.google.com/go/kms/apiv1/kmspb"
	gax "github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/erabusi/cloud-foundation-fabric/pkg/kms"
)

// fakeKMSClient is an in-memory KeyManagementClient.
type fakeKMSClient struct {
	mu       sync.Mutex
	rings    map[string]*kmspb.KeyRing
	keys     map[string]*kmspb.CryptoKey
	policies map[string]*iampb.Policy

	createRingCalls int
	createKeyCalls  int
	setPolicyCalls  int
}

func newFakeKMSClient() *fakeKMSClient {
	return &fakeKMSClient{
		rings:    make(map[string]*kmspb.KeyRing),
		keys:     make(map[string]*kmspb.CryptoKey),
		policies: make(map[string]*iampb.Policy),
	}
}

func (f *fakeKMSClient) GetKeyRing(ctx context.Context, req *kmspb.GetKeyRingRequest, opts ...gax.CallOption) (*kmspb.KeyRing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ring, ok := f.rings[req.GetName()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "keyring %s not found", req.GetName())
	}
	return ring, nil
}

func (f *fakeKMSClient) CreateKeyRing(ctx context.Context, req *kmspb.CreateKeyRingRequest, opts ...gax.CallOption) (*kmspb.KeyRing, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createRingCalls++
	name := req.GetParent() + "/keyRings/" + req.GetKeyRingId()
	if _, ok := f.rings[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "keyring %s exists", name)
	}
	ring := &kmspb.KeyRing{Name: name}
	f.rings[name] = ring
	return ring, nil
}

func (f *fakeKMSClient) GetCryptoKey(ctx context.Context, req *kmspb.GetCryptoKeyRequest, opts ...gax.CallOption) (*kmspb.CryptoKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[req.GetName()]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "crypto key %s not found", req.GetName())
	}
	return key, nil
}

func (f *fakeKMSClient) CreateCryptoKey(ctx context.Context, req *kmspb.CreateCryptoKeyRequest, opts ...gax.CallOption) (*kmspb.CryptoKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createKeyCalls++
	name := req.GetParent() + "/cryptoKeys/" + req.GetCryptoKeyId()
	if _, ok := f.keys[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "crypto key %s exists", name)
	}
	key := req.GetCryptoKey()
	key.Name = name
	f.keys[name] = key
	return key, nil
}

func (f *fakeKMSClient) GetIamPolicy(ctx context.Context, req *iampb.GetIamPolicyRequest, opts ...gax.CallOption) (*iampb.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	policy, ok := f.policies[req.GetResource()]
	if !ok {
		policy = &iampb.Policy{}
		f.policies[req.GetResource()] = policy
	}
	return policy, nil
}

func (f *fakeKMSClient) SetIamPolicy(ctx context.Context, req *iampb.SetIamPolicyRequest, opts ...gax.CallOption) (*iampb.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setPolicyCalls++
	f.policies[req.GetResource()] = req.GetPolicy()
	return req.GetPolicy(), nil
}

// fakeTagClient is an in-memory TagBindingsClient.
type fakeTagClient struct {
	mu       sync.Mutex
	bindings map[string]string // binding name -> tag value
}

func newFakeTagClient() *fakeTagClient {
	return &fakeTagClient{bindings: make(map[string]string)}
}

func (f *fakeTagClient) CreateTagBinding(ctx context.Context, parent, tagValue string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := tagBindingName(parent, tagValue)
	if _, ok := f.bindings[name]; ok {
		return "", status.Errorf(codes.AlreadyExists, "tag binding %s exists", name)
	}
	f.bindings[name] = tagValue
	return name, nil
}

func (f *fakeTagClient) DeleteTagBinding(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.bindings[name]; !ok {
		return status.Errorf(codes.NotFound, "tag binding %s not found", name)
	}
	delete(f.bindings, name)
	return nil
}

func (f *fakeTagClient) ListTagBindings(ctx context.Context, parent string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var values []string
	for name, value := range f.bindings {
		got, _, err := splitTagBindingName(name)
		if err != nil {
			return nil, err
		}
		if got == parent {
			values = append(values, value)
		}
	}
	return values, nil
}

func boolPtr(b bool) *bool { return &b }

func testConfig() *kms.Config {
	return &kms.Config{
		Project: "project-id",
		Keyring: kms.KeyringDescriptor{Location: "europe-west1", Name: "test"},
		Keys: map[string]*kms.KeyOptions{
			"key-a": nil,
			"key-b": {RotationPeriod: "2160h"},
			"key-c": nil,
		},
		KeyPurpose: map[string]kms.PurposeSpec{
			"key-c": {
				Purpose:         "ASYMMETRIC_SIGN",
				VersionTemplate: &kms.VersionTemplate{Algorithm: "EC_SIGN_P384_SHA384"},
			},
		},
	}
}

const testRing = "projects/project-id/locations/europe-west1/keyRings/test"

func TestApply_CreatesKeyringAndKeys(t *testing.T) {
	client := newFakeKMSClient()
	p := New(WithKeyManagementClient(client))

	outputs, err := p.Apply(context.Background(), testConfig(), kms.ApplyOptions{})
	require.NoError(t, err)

	assert.Equal(t, 1, client.createRingCalls)
	assert.Equal(t, 3, client.createKeyCalls)
	assert.Equal(t, testRing, outputs.KeyringID)
	assert.Equal(t, map[string]string{
		"key-a": testRing + "/cryptoKeys/key-a",
		"key-b": testRing + "/cryptoKeys/key-b",
		"key-c": testRing + "/cryptoKeys/key-c",
	}, outputs.KeyIDs)
	assert.True(t, outputs.Ref.Owned)

	keyA := client.keys[testRing+"/cryptoKeys/key-a"]
	require.NotNil(t, keyA)
	assert.Equal(t, kmspb.CryptoKey_ENCRYPT_DECRYPT, keyA.GetPurpose())

	keyB := client.keys[testRing+"/cryptoKeys/key-b"]
	require.NotNil(t, keyB)
	assert.Equal(t, "2160h0m0s", keyB.GetRotationPeriod().AsDuration().String())
	assert.NotNil(t, keyB.GetNextRotationTime())

	keyC := client.keys[testRing+"/cryptoKeys/key-c"]
	require.NotNil(t, keyC)
	assert.Equal(t, kmspb.CryptoKey_ASYMMETRIC_SIGN, keyC.GetPurpose())
	assert.Equal(t, kmspb.CryptoKeyVersion_EC_SIGN_P384_SHA384, keyC.GetVersionTemplate().GetAlgorithm())
}

func TestApply_ReferencesExistingKeyring(t *testing.T) {
	client := newFakeKMSClient()
	client.rings[testRing] = &kmspb.KeyRing{Name: testRing}

	cfg := testConfig()
	cfg.KeyringCreate = boolPtr(false)

	p := New(WithKeyManagementClient(client))
	outputs, err := p.Apply(context.Background(), cfg, kms.ApplyOptions{})
	require.NoError(t, err)

	assert.Equal(t, 0, client.createRingCalls)
	assert.Equal(t, 3, client.createKeyCalls)
	assert.Equal(t, testRing, outputs.KeyringID)
	assert.Equal(t, testRing+"/cryptoKeys/key-a", outputs.KeyIDs["key-a"])
}

func TestApply_MissingKeyringWhenCreateDisabled(t *testing.T) {
	client := newFakeKMSClient()
	cfg := testConfig()
	cfg.KeyringCreate = boolPtr(false)

	p := New(WithKeyManagementClient(client))
	_, err := p.Apply(context.Background(), cfg, kms.ApplyOptions{})
	require.Error(t, err)
	assert.True(t, kms.IsCategory(err, kms.ErrCategoryNotFound))
	assert.Equal(t, 0, client.createRingCalls)
	assert.Equal(t, 0, client.createKeyCalls)
}

func TestApply_Idempotent(t *testing.T) {
	client := newFakeKMSClient()
	cfg := testConfig()
	cfg.IAM = map[string][]string{
		"roles/cloudkms.admin": {"group:owners@example.com"},
	}

	p := New(WithKeyManagementClient(client))
	_, err := p.Apply(context.Background(), cfg, kms.ApplyOptions{})
	require.NoError(t, err)

	ringCalls, keyCalls, policyCalls := client.createRingCalls, client.createKeyCalls, client.setPolicyCalls

	_, err = p.Apply(context.Background(), cfg, kms.ApplyOptions{})
	require.NoError(t, err)

	assert.Equal(t, ringCalls, client.createRingCalls, "keyring created once")
	assert.Equal(t, keyCalls, client.createKeyCalls, "keys created once")
	assert.Equal(t, policyCalls, client.setPolicyCalls, "policy not rewritten when unchanged")
}

func TestApply_PurposeConflict(t *testing.T) {
	client := newFakeKMSClient()
	p := New(WithKeyManagementClient(client))

	_, err := p.Apply(context.Background(), testConfig(), kms.ApplyOptions{})
	require.NoError(t, err)

	// Redeclaring key-c with the default purpose collides with the
	// immutable purpose of the existing key.
	cfg := testConfig()
	delete(cfg.KeyPurpose, "key-c")
	_, err = p.Apply(context.Background(), cfg, kms.ApplyOptions{})
	require.Error(t, err)
	assert.True(t, kms.IsCategory(err, kms.ErrCategoryConflict))
}

func TestApply_IAMBindings(t *testing.T) {
	client := newFakeKMSClient()
	// Pre-existing members on the keyring policy.
	client.policies[testRing] = &iampb.Policy{
		Bindings: []*iampb.Binding{
			{Role: "roles/cloudkms.admin", Members: []string{"user:legacy@example.com"}},
			{Role: "roles/cloudkms.viewer", Members: []string{"user:other@example.com"}},
		},
	}

	cfg := testConfig()
	cfg.IAM = map[string][]string{
		"roles/cloudkms.admin": {"group:owners@example.com"},
	}
	cfg.IAMAdditive = map[string][]string{
		"roles/cloudkms.viewer": {"group:auditors@example.com"},
	}
	cfg.KeyIAM = map[string]map[string][]string{
		"key-a": {
			"roles/cloudkms.cryptoKeyEncrypterDecrypter": {"serviceAccount:app@example.iam.gserviceaccount.com"},
		},
	}

	p := New(WithKeyManagementClient(client))
	_, err := p.Apply(context.Background(), cfg, kms.ApplyOptions{})
	require.NoError(t, err)

	ringPolicy := client.policies[testRing]
	require.Len(t, ringPolicy.Bindings, 2)

	// Authoritative: legacy member replaced.
	assert.Equal(t, "roles/cloudkms.admin", ringPolicy.Bindings[0].Role)
	assert.Equal(t, []string{"group:owners@example.com"}, ringPolicy.Bindings[0].Members)

	// Additive: existing member kept, new member unioned in.
	assert.Equal(t, "roles/cloudkms.viewer", ringPolicy.Bindings[1].Role)
	assert.Equal(t, []string{"group:auditors@example.com", "user:other@example.com"}, ringPolicy.Bindings[1].Members)

	keyPolicy := client.policies[testRing+"/cryptoKeys/key-a"]
	require.NotNil(t, keyPolicy)
	require.Len(t, keyPolicy.Bindings, 1)
	assert.Equal(t, []string{"serviceAccount:app@example.iam.gserviceaccount.com"}, keyPolicy.Bindings[0].Members)
}

func TestApply_TagBindings(t *testing.T) {
	client := newFakeKMSClient()
	tags := newFakeTagClient()

	cfg := testConfig()
	cfg.TagBindings = map[string]string{"key-a": "tagValues/123456"}

	p := New(WithKeyManagementClient(client), WithTagBindingsClient(tags))
	outputs, err := p.Apply(context.Background(), cfg, kms.ApplyOptions{})
	require.NoError(t, err)

	parent := tagParent(testRing + "/cryptoKeys/key-a")
	bound, err := tags.ListTagBindings(context.Background(), parent)
	require.NoError(t, err)
	assert.Equal(t, []string{"tagValues/123456"}, bound)
	assert.Contains(t, outputs.Ref.ResourceIDs, "tag_binding:key-a")

	// Second apply tolerates the existing binding.
	_, err = p.Apply(context.Background(), cfg, kms.ApplyOptions{})
	require.NoError(t, err)
}

func TestApply_DryRun(t *testing.T) {
	client := newFakeKMSClient()
	cfg := testConfig()
	cfg.IAM = map[string][]string{
		"roles/cloudkms.admin": {"group:owners@example.com"},
	}
	cfg.TagBindings = map[string]string{"key-a": "tagValues/123456"}

	p := New(WithKeyManagementClient(client))
	outputs, err := p.Apply(context.Background(), cfg, kms.ApplyOptions{DryRun: true})
	require.NoError(t, err)

	require.NotNil(t, outputs.Plan)
	// 1 keyring + 3 keys + 1 policy + 1 tag binding.
	assert.Len(t, outputs.Plan.Actions, 6)
	assert.Equal(t, 0, client.createRingCalls)
	assert.Equal(t, 0, client.createKeyCalls)
	assert.Equal(t, 0, client.setPolicyCalls)
	assert.Empty(t, client.rings)
	assert.Empty(t, client.keys)

	// Outputs still expose the would-be identifiers.
	assert.Equal(t, testRing, outputs.KeyringID)
	assert.Equal(t, testRing+"/cryptoKeys/key-a", outputs.KeyIDs["key-a"])
}

func TestApply_NoClientOutsideDryRun(t *testing.T) {
	p := New()
	_, err := p.Apply(context.Background(), testConfig(), kms.ApplyOptions{})
	require.Error(t, err)
	assert.True(t, kms.IsCategory(err, kms.ErrCategoryValidation))

	_, err = p.Apply(context.Background(), testConfig(), kms.ApplyOptions{DryRun: true})
	require.NoError(t, err)
}

func TestDestroy_RemovesAssertedSurfaceOnly(t *testing.T) {
	client := newFakeKMSClient()
	tags := newFakeTagClient()

	cfg := testConfig()
	cfg.IAM = map[string][]string{
		"roles/cloudkms.admin": {"group:owners@example.com"},
	}
	cfg.IAMAdditive = map[string][]string{
		"roles/cloudkms.viewer": {"group:auditors@example.com"},
	}
	cfg.TagBindings = map[string]string{"key-a": "tagValues/123456"}

	p := New(WithKeyManagementClient(client), WithTagBindingsClient(tags))
	_, err := p.Apply(context.Background(), cfg, kms.ApplyOptions{})
	require.NoError(t, err)

	// A member granted out of band after apply must survive destroy.
	ringPolicy := client.policies[testRing]
	for _, b := range ringPolicy.Bindings {
		if b.Role == "roles/cloudkms.viewer" {
			b.Members = append(b.Members, "user:other@example.com")
		}
	}

	require.NoError(t, p.Destroy(context.Background(), cfg, kms.DestroyOptions{}))

	ringPolicy = client.policies[testRing]
	require.Len(t, ringPolicy.Bindings, 1)
	assert.Equal(t, "roles/cloudkms.viewer", ringPolicy.Bindings[0].Role)
	assert.Equal(t, []string{"user:other@example.com"}, ringPolicy.Bindings[0].Members)

	bound, err := tags.ListTagBindings(context.Background(), tagParent(testRing+"/cryptoKeys/key-a"))
	require.NoError(t, err)
	assert.Empty(t, bound)

	// Keyring and keys survive: the provider cannot delete them.
	assert.Contains(t, client.rings, testRing)
	assert.Len(t, client.keys, 3)

	// Destroy again is a no-op.
	require.NoError(t, p.Destroy(context.Background(), cfg, kms.DestroyOptions{}))
}

func TestValidate_ReportsDeployedResources(t *testing.T) {
	client := newFakeKMSClient()
	tags := newFakeTagClient()

	cfg := testConfig()
	cfg.TagBindings = map[string]string{"key-a": "tagValues/123456"}

	p := New(WithKeyManagementClient(client), WithTagBindingsClient(tags))
	outputs, err := p.Apply(context.Background(), cfg, kms.ApplyOptions{})
	require.NoError(t, err)

	report, err := p.Validate(context.Background(), outputs.Ref, kms.ValidateOptions{})
	require.NoError(t, err)
	// 1 keyring + 3 keys + 1 tag binding.
	assert.Equal(t, 5, report.Summary.TotalChecks)
	assert.Equal(t, 5, report.Summary.PassedChecks)
	assert.True(t, report.Summary.IsValid)
}

func TestValidate_FailsAfterDrift(t *testing.T) {
	client := newFakeKMSClient()
	p := New(WithKeyManagementClient(client))

	outputs, err := p.Apply(context.Background(), testConfig(), kms.ApplyOptions{})
	require.NoError(t, err)

	// Simulate out-of-band removal.
	delete(client.keys, testRing+"/cryptoKeys/key-b")

	report, err := p.Validate(context.Background(), outputs.Ref, kms.ValidateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.FailedChecks)
	assert.False(t, report.Summary.IsValid)
}

func TestValidate_CheckFilter(t *testing.T) {
	client := newFakeKMSClient()
	p := New(WithKeyManagementClient(client))

	outputs, err := p.Apply(context.Background(), testConfig(), kms.ApplyOptions{})
	require.NoError(t, err)

	report, err := p.Validate(context.Background(), outputs.Ref, kms.ValidateOptions{
		CheckIDs: []string{"gcp_keyring_exists"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.TotalChecks)
}

func TestMergeBindings(t *testing.T) {
	policy := &iampb.Policy{
		Bindings: []*iampb.Binding{
			{Role: "roles/b", Members: []string{"user:keep@example.com"}},
		},
	}

	changed := MergeBindings(policy, []kms.RoleBinding{
		{Role: "roles/a", Members: []string{"user:new@example.com"}, Mode: kms.BindingAuthoritative},
		{Role: "roles/b", Members: []string{"user:add@example.com"}, Mode: kms.BindingAdditive},
	})
	require.True(t, changed)

	require.Len(t, policy.Bindings, 2)
	assert.Equal(t, "roles/a", policy.Bindings[0].Role)
	assert.Equal(t, []string{"user:add@example.com", "user:keep@example.com"}, policy.Bindings[1].Members)

	// Reapplying the same bindings reports no change.
	assert.False(t, MergeBindings(policy, []kms.RoleBinding{
		{Role: "roles/a", Members: []string{"user:new@example.com"}, Mode: kms.BindingAuthoritative},
		{Role: "roles/b", Members: []string{"user:add@example.com"}, Mode: kms.BindingAdditive},
	}))
}

func TestMergeBindings_AuthoritativeEmptyRemovesRole(t *testing.T) {
	policy := &iampb.Policy{
		Bindings: []*iampb.Binding{
			{Role: "roles/a", Members: []string{"user:gone@example.com"}},
		},
	}

	changed := MergeBindings(policy, []kms.RoleBinding{
		{Role: "roles/a", Members: nil, Mode: kms.BindingAuthoritative},
	})
	require.True(t, changed)
	assert.Empty(t, policy.Bindings)
}

func TestRemoveBindings(t *testing.T) {
	policy := &iampb.Policy{
		Bindings: []*iampb.Binding{
			{Role: "roles/a", Members: []string{"user:mine@example.com", "user:other@example.com"}},
			{Role: "roles/b", Members: []string{"user:mine@example.com"}},
		},
	}

	changed := RemoveBindings(policy, []kms.RoleBinding{
		{Role: "roles/a", Members: []string{"user:mine@example.com"}, Mode: kms.BindingAuthoritative},
		{Role: "roles/b", Members: []string{"user:mine@example.com"}, Mode: kms.BindingAdditive},
	})
	require.True(t, changed)

	require.Len(t, policy.Bindings, 1)
	assert.Equal(t, "roles/a", policy.Bindings[0].Role)
	assert.Equal(t, []string{"user:other@example.com"}, policy.Bindings[0].Members)
}

func TestTagBindingNameRoundTrip(t *testing.T) {
	parent := tagParent(testRing + "/cryptoKeys/key-a")
	name := tagBindingName(parent, "tagValues/123456")

	gotParent, gotValue, err := splitTagBindingName(name)
	require.NoError(t, err)
	assert.Equal(t, parent, gotParent)
	assert.Equal(t, "tagValues/123456", gotValue)
}

func TestProviderCapabilities(t *testing.T) {
	p := New()
	assert.Equal(t, kms.ProviderGCP, p.Name())
	assert.True(t, p.HasCapability(kms.CapabilityApply))
	assert.True(t, p.HasCapability(kms.CapabilityDryRun))
	assert.True(t, p.HasCapability(kms.CapabilityTagBindings))
	assert.False(t, p.HasCapability("replication"))
}
