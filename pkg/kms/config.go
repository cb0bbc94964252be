package kms

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"
)

// DefaultPurpose is the key purpose used when neither a per-key override
// nor a module-wide default specifies one.
const DefaultPurpose = "ENCRYPT_DECRYPT"

// validPurposes are the key purposes accepted by Config.Validate. Algorithm
// and protection-level strings are passed through to the provider API,
// which performs its own validation at apply time.
var validPurposes = map[string]bool{
	"ENCRYPT_DECRYPT":     true,
	"ASYMMETRIC_SIGN":     true,
	"ASYMMETRIC_DECRYPT":  true,
	"RAW_ENCRYPT_DECRYPT": true,
	"MAC":                 true,
}

// KeyringDescriptor identifies a keyring by location and name. Together
// with the project it is globally addressable.
type KeyringDescriptor struct {
	// Location is the keyring location, e.g. "europe-west1" or "global".
	Location string `json:"location"`

	// Name is the keyring's short name.
	Name string `json:"name"`
}

// KeyOptions holds the optional attributes of a declared key. A nil
// *KeyOptions in Config.Keys is valid and means provider-side defaults
// for rotation and no labels.
type KeyOptions struct {
	// RotationPeriod is the automatic rotation period in Go duration
	// syntax, e.g. "2160h" for 90 days. Empty means no rotation schedule.
	RotationPeriod string `json:"rotation_period,omitempty"`

	// Labels are attached to the key resource.
	Labels map[string]string `json:"labels,omitempty"`
}

// VersionTemplate describes the algorithm and protection level of new
// key versions.
type VersionTemplate struct {
	// Algorithm is the version algorithm, e.g. "EC_SIGN_P384_SHA384"
	// or "GOOGLE_SYMMETRIC_ENCRYPTION".
	Algorithm string `json:"algorithm,omitempty"`

	// ProtectionLevel is e.g. "SOFTWARE" or "HSM". Empty means the
	// provider default.
	ProtectionLevel string `json:"protection_level,omitempty"`
}

// PurposeSpec overrides the purpose and version template of a key.
type PurposeSpec struct {
	// Purpose is the key purpose. Empty means ENCRYPT_DECRYPT.
	Purpose string `json:"purpose,omitempty"`

	// VersionTemplate supplies the algorithm and protection level.
	// Required (with a non-empty algorithm) for non-default purposes.
	VersionTemplate *VersionTemplate `json:"version_template,omitempty"`
}

// IAMMemberGrant is a single-member additive grant on the keyring.
type IAMMemberGrant struct {
	// Member is the principal, e.g. "group:devs@example.com".
	Member string `json:"member"`

	// Role is the role to grant, e.g. "roles/cloudkms.cryptoKeyEncrypterDecrypter".
	Role string `json:"role"`
}

// KeyIAMMemberGrant is a single-member additive grant on one key.
type KeyIAMMemberGrant struct {
	// Key is the name of the target key in Config.Keys.
	Key string `json:"key"`

	// Member is the principal.
	Member string `json:"member"`

	// Role is the role to grant.
	Role string `json:"role"`
}

// Config is the full configuration surface of a keyring deployment.
// It is declarative: evaluation reshapes it into resource and binding
// declarations, and a LifecycleProvider reconciles those against the
// cloud provider.
type Config struct {
	// Provider selects the cloud provider. Defaults to "gcp".
	Provider CloudProvider `json:"provider,omitempty"`

	// Project is the project identifier the keyring lives in.
	Project string `json:"project"`

	// Keyring identifies the keyring to create or reference.
	Keyring KeyringDescriptor `json:"keyring"`

	// KeyringCreate selects between declaring a new keyring (true) and
	// referencing an existing one (false). Defaults to true; set
	// KeyringCreate explicitly via UnmarshalJSON semantics below.
	KeyringCreate *bool `json:"keyring_create,omitempty"`

	// Keys maps key name to optional attributes. Every entry produces
	// exactly one key under the resolved keyring. A nil value uses
	// provider-side defaults for rotation and omits labels.
	Keys map[string]*KeyOptions `json:"keys,omitempty"`

	// KeyPurpose maps key name to a purpose/algorithm override.
	KeyPurpose map[string]PurposeSpec `json:"key_purpose,omitempty"`

	// KeyPurposeDefaults is the fallback purpose/algorithm for keys
	// without an entry in KeyPurpose.
	KeyPurposeDefaults PurposeSpec `json:"key_purpose_defaults,omitempty"`

	// IAM is the authoritative role -> members map on the keyring.
	// Members listed here fully replace existing members for the role.
	IAM map[string][]string `json:"iam,omitempty"`

	// IAMAdditive is the additive role -> members map on the keyring.
	IAMAdditive map[string][]string `json:"iam_additive,omitempty"`

	// IAMMembers are single-member additive grants on the keyring,
	// keyed by an arbitrary caller-chosen label. The label carries no
	// meaning beyond making the set enumerable.
	IAMMembers map[string]IAMMemberGrant `json:"iam_members,omitempty"`

	// KeyIAM is the authoritative key -> role -> members map.
	KeyIAM map[string]map[string][]string `json:"key_iam,omitempty"`

	// KeyIAMAdditive is the additive key -> role -> members map.
	KeyIAMAdditive map[string]map[string][]string `json:"key_iam_additive,omitempty"`

	// KeyIAMMembers are single-member additive grants on keys, keyed by
	// an arbitrary caller-chosen label.
	KeyIAMMembers map[string]KeyIAMMemberGrant `json:"key_iam_members,omitempty"`

	// TagBindings maps key name to a tag value identifier, e.g.
	// "tagValues/123456789". Each entry binds the tag value to the key.
	TagBindings map[string]string `json:"tag_bindings,omitempty"`
}

var locationRegex = regexp.MustCompile(`^[a-z0-9-]+$`)

// CreateKeyring reports whether a new keyring should be declared rather
// than an existing one referenced.
func (c *Config) CreateKeyring() bool {
	return c.KeyringCreate == nil || *c.KeyringCreate
}

// Validate checks the configuration statically. All failures here are
// evaluation-time failures: nothing has been sent to the provider yet.
func (c *Config) Validate() error {
	if c.Project == "" {
		return fmt.Errorf("project is required")
	}
	if c.Keyring.Name == "" {
		return fmt.Errorf("keyring.name is required")
	}
	if c.Keyring.Location == "" {
		return fmt.Errorf("keyring.location is required")
	}
	if !locationRegex.MatchString(c.Keyring.Location) {
		return fmt.Errorf("invalid keyring location: %s", c.Keyring.Location)
	}
	if c.Provider != "" && c.Provider != ProviderGCP {
		return fmt.Errorf("unknown provider: %s", c.Provider)
	}

	for name, opts := range c.Keys {
		if name == "" {
			return fmt.Errorf("key names must not be empty")
		}
		if opts == nil || opts.RotationPeriod == "" {
			continue
		}
		if _, err := time.ParseDuration(opts.RotationPeriod); err != nil {
			return fmt.Errorf("key %s: invalid rotation_period: %w", name, err)
		}
	}

	for name, spec := range c.KeyPurpose {
		if _, ok := c.Keys[name]; !ok {
			return fmt.Errorf("key_purpose references undeclared key: %s", name)
		}
		if spec.Purpose != "" && !validPurposes[spec.Purpose] {
			return fmt.Errorf("key %s: unknown purpose: %s", name, spec.Purpose)
		}
	}
	if p := c.KeyPurposeDefaults.Purpose; p != "" && !validPurposes[p] {
		return fmt.Errorf("key_purpose_defaults: unknown purpose: %s", p)
	}

	// Cross-field invariant: a non-default purpose without an algorithm
	// from either the override or the defaults must fail fast instead of
	// silently defaulting.
	for name := range c.Keys {
		if _, err := c.PurposeFor(name); err != nil {
			return err
		}
	}

	for key := range c.KeyIAM {
		if _, ok := c.Keys[key]; !ok {
			return fmt.Errorf("key_iam references undeclared key: %s", key)
		}
	}
	for key := range c.KeyIAMAdditive {
		if _, ok := c.Keys[key]; !ok {
			return fmt.Errorf("key_iam_additive references undeclared key: %s", key)
		}
	}
	for label, grant := range c.KeyIAMMembers {
		if grant.Key == "" || grant.Member == "" || grant.Role == "" {
			return fmt.Errorf("key_iam_members[%s]: key, member, and role are required", label)
		}
		if _, ok := c.Keys[grant.Key]; !ok {
			return fmt.Errorf("key_iam_members[%s] references undeclared key: %s", label, grant.Key)
		}
	}
	for label, grant := range c.IAMMembers {
		if grant.Member == "" || grant.Role == "" {
			return fmt.Errorf("iam_members[%s]: member and role are required", label)
		}
	}
	for key := range c.TagBindings {
		if _, ok := c.Keys[key]; !ok {
			return fmt.Errorf("tag_bindings references undeclared key: %s", key)
		}
	}

	return nil
}

// PurposeFor resolves the effective purpose of a key: the per-key
// override when present, the module-wide default otherwise, and
// ENCRYPT_DECRYPT when neither is set. It returns a required-field
// violation when a non-default purpose lacks an algorithm.
func (c *Config) PurposeFor(name string) (PurposeSpec, error) {
	spec, ok := c.KeyPurpose[name]
	if !ok {
		spec = c.KeyPurposeDefaults
	}
	if spec.Purpose == "" {
		spec.Purpose = DefaultPurpose
	}
	if spec.Purpose != DefaultPurpose {
		if spec.VersionTemplate == nil || spec.VersionTemplate.Algorithm == "" {
			return PurposeSpec{}, fmt.Errorf(
				"key %s: purpose %s requires version_template.algorithm", name, spec.Purpose)
		}
	}
	return spec, nil
}

// KeyNames returns the declared key names in deterministic order.
func (c *Config) KeyNames() []string {
	names := make([]string, 0, len(c.Keys))
	for name := range c.Keys {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadConfig reads and parses a JSON configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config (JSON): %w", err)
	}
	if cfg.Provider == "" {
		cfg.Provider = ProviderGCP
	}
	return &cfg, nil
}
