package gcp

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/kms/apiv1/kmspb"

	"github.com/erabusi/cloud-foundation-fabric/pkg/kms"
)

// keyRingExistsValidator checks that the deployment's keyring is still
// reachable.
type keyRingExistsValidator struct {
	client KeyManagementClient
	name   string
}

func (v *keyRingExistsValidator) ID() string          { return "gcp_keyring_exists" }
func (v *keyRingExistsValidator) Name() string        { return "Keyring Exists" }
func (v *keyRingExistsValidator) Description() string { return "Checks if the keyring exists" }

func (v *keyRingExistsValidator) Validate(ctx context.Context, ref kms.ResourceRef) kms.ValidationCheck {
	start := time.Now()
	check := kms.ValidationCheck{
		ID:          v.ID(),
		Name:        v.Name(),
		Description: v.Description(),
		Severity:    kms.SeverityCritical,
		Evidence:    map[string]interface{}{"keyring": v.name},
	}

	if v.client == nil {
		check.Status = kms.CheckStatusSkipped
		check.Remediation = "Configure GCP credentials to run this check"
		check.Duration = time.Since(start)
		return check
	}

	ring, err := v.client.GetKeyRing(ctx, &kmspb.GetKeyRingRequest{Name: v.name})
	if err != nil {
		check.Status = kms.CheckStatusFailed
		check.Evidence["error"] = err.Error()
		check.Remediation = "Create the keyring or run apply again"
		check.Duration = time.Since(start)
		return check
	}

	check.Status = kms.CheckStatusPassed
	if ct := ring.GetCreateTime(); ct != nil {
		check.Evidence["create_time"] = ct.AsTime().Format(time.RFC3339)
	}
	check.Duration = time.Since(start)
	return check
}

// cryptoKeyExistsValidator checks that a declared crypto key is still
// reachable under the keyring.
type cryptoKeyExistsValidator struct {
	client KeyManagementClient
	name   string
}

func (v *cryptoKeyExistsValidator) ID() string   { return "gcp_crypto_key_exists" }
func (v *cryptoKeyExistsValidator) Name() string { return "Crypto Key Exists" }
func (v *cryptoKeyExistsValidator) Description() string {
	return "Checks if the crypto key exists"
}

func (v *cryptoKeyExistsValidator) Validate(ctx context.Context, ref kms.ResourceRef) kms.ValidationCheck {
	start := time.Now()
	check := kms.ValidationCheck{
		ID:          v.ID(),
		Name:        v.Name(),
		Description: v.Description(),
		Severity:    kms.SeverityCritical,
		Evidence:    map[string]interface{}{"crypto_key": v.name},
	}

	if v.client == nil {
		check.Status = kms.CheckStatusSkipped
		check.Remediation = "Configure GCP credentials to run this check"
		check.Duration = time.Since(start)
		return check
	}

	key, err := v.client.GetCryptoKey(ctx, &kmspb.GetCryptoKeyRequest{Name: v.name})
	if err != nil {
		check.Status = kms.CheckStatusFailed
		check.Evidence["error"] = err.Error()
		check.Remediation = "Create the crypto key or run apply again"
		check.Duration = time.Since(start)
		return check
	}

	check.Status = kms.CheckStatusPassed
	check.Evidence["purpose"] = key.GetPurpose().String()
	if rp := key.GetRotationPeriod(); rp != nil {
		check.Evidence["rotation_period"] = rp.AsDuration().String()
	}
	check.Duration = time.Since(start)
	return check
}

// tagBindingExistsValidator checks that a tag value is still bound to
// its key.
type tagBindingExistsValidator struct {
	client TagBindingsClient
	name   string
}

func (v *tagBindingExistsValidator) ID() string   { return "gcp_tag_binding_exists" }
func (v *tagBindingExistsValidator) Name() string { return "Tag Binding Exists" }
func (v *tagBindingExistsValidator) Description() string {
	return "Checks if the tag value is still bound to the key"
}

func (v *tagBindingExistsValidator) Validate(ctx context.Context, ref kms.ResourceRef) kms.ValidationCheck {
	start := time.Now()
	check := kms.ValidationCheck{
		ID:          v.ID(),
		Name:        v.Name(),
		Description: v.Description(),
		Severity:    kms.SeverityWarning,
		Evidence:    map[string]interface{}{"tag_binding": v.name},
	}

	if v.client == nil {
		check.Status = kms.CheckStatusSkipped
		check.Remediation = "Configure the Resource Manager tag client to run this check"
		check.Duration = time.Since(start)
		return check
	}

	parent, tagValue, err := splitTagBindingName(v.name)
	if err != nil {
		check.Status = kms.CheckStatusFailed
		check.Evidence["error"] = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	bound, err := v.client.ListTagBindings(ctx, parent)
	if err != nil {
		check.Status = kms.CheckStatusFailed
		check.Evidence["error"] = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	for _, tv := range bound {
		if tv == tagValue {
			check.Status = kms.CheckStatusPassed
			check.Duration = time.Since(start)
			return check
		}
	}

	check.Status = kms.CheckStatusFailed
	check.Remediation = "Re-run apply to restore the tag binding"
	check.Duration = time.Since(start)
	return check
}

// splitTagBindingName reverses tagBindingName. The escaped parent
// contains no raw slashes, so the first one ends it; the remainder is
// the tag value, which may itself contain slashes (tagValues/123).
func splitTagBindingName(name string) (parent, tagValue string, err error) {
	const prefix = "tagBindings/"
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok || rest == "" {
		return "", "", fmt.Errorf("malformed tag binding name: %s", name)
	}
	slash := strings.Index(rest, "/")
	if slash < 0 {
		return "", "", fmt.Errorf("malformed tag binding name: %s", name)
	}
	parent, err = url.PathUnescape(rest[:slash])
	if err != nil {
		return "", "", fmt.Errorf("malformed tag binding name: %s", name)
	}
	return parent, rest[slash+1:], nil
}
