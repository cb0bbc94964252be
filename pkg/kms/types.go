// Package kms provides core types and interfaces for declarative Cloud KMS
// provisioning.
//
// This package defines the fundamental abstractions for reconciling a
// declared keyring, its crypto keys, and access bindings against a cloud
// provider.
package kms

import (
	"encoding/json"
	"time"

	"cloud.google.com/go/kms/apiv1/kmspb"
)

// Capability represents a feature supported by a provider.
type Capability string

const (
	// CapabilityApply indicates support for resource reconciliation.
	CapabilityApply Capability = "apply"
	// CapabilityValidate indicates support for configuration validation.
	CapabilityValidate Capability = "validate"
	// CapabilityDestroy indicates support for tearing down owned resources.
	CapabilityDestroy Capability = "destroy"
	// CapabilityDryRun indicates support for dry-run mode.
	CapabilityDryRun Capability = "dry_run"
	// CapabilityTagBindings indicates support for resource tag bindings.
	CapabilityTagBindings Capability = "tag_bindings"
)

// CloudProvider identifies a cloud service provider.
type CloudProvider string

const (
	ProviderGCP CloudProvider = "gcp"
)

// ResourceKind identifies the kind of deployment a ResourceRef points at.
type ResourceKind string

const (
	// KindKeyring represents a keyring deployment: the keyring itself,
	// its crypto keys, and the bindings asserted on them.
	KindKeyring ResourceKind = "kms_keyring"
)

// ResourceRef is a stable reference to an applied deployment.
// It contains identifiers needed to validate or destroy the deployment.
type ResourceRef struct {
	// ID is a unique identifier for this deployment.
	ID string `json:"id"`

	// Kind identifies the deployment kind.
	Kind ResourceKind `json:"kind"`

	// Provider is the cloud provider managing the resources.
	Provider CloudProvider `json:"provider"`

	// ResourceIDs contains cloud-specific resource identifiers.
	// Keys are resource types (e.g., "keyring", "key:disk"), values are
	// fully-qualified resource names.
	ResourceIDs map[string]string `json:"resource_ids"`

	// CreatedAt is when this deployment was first applied.
	CreatedAt time.Time `json:"created_at"`

	// Owned indicates whether the keyring was created by this module
	// rather than referenced, and can be safely torn down.
	Owned bool `json:"owned"`

	// Version tracks schema version for migration purposes.
	Version int `json:"version"`
}

// String implements fmt.Stringer for ResourceRef.
func (r ResourceRef) String() string {
	data, _ := json.Marshal(r)
	return string(data)
}

// Outputs contains the values a deployment exposes to collaborators.
type Outputs struct {
	// Ref is the reference to the applied deployment.
	Ref ResourceRef `json:"ref"`

	// KeyringID is the fully-qualified keyring identifier, e.g.
	// projects/p/locations/l/keyRings/n.
	KeyringID string `json:"id"`

	// KeyIDs maps key name to fully-qualified key identifier.
	KeyIDs map[string]string `json:"key_ids,omitempty"`

	// Keyring is the raw keyring resource.
	Keyring *kmspb.KeyRing `json:"keyring,omitempty"`

	// Keys maps key name to the raw key resource.
	Keys map[string]*kmspb.CryptoKey `json:"keys,omitempty"`

	// Location is the keyring's location.
	Location string `json:"location"`

	// Name is the keyring's short name.
	Name string `json:"name"`

	// Plan is populated instead of live resources when DryRun is set.
	Plan *Plan `json:"plan,omitempty"`
}

// Plan represents a set of planned actions for dry-run mode.
type Plan struct {
	// Actions lists the planned operations.
	Actions []PlannedAction `json:"actions"`

	// Summary provides a human-readable summary.
	Summary string `json:"summary"`
}

// PlannedAction represents a single action that would be taken.
type PlannedAction struct {
	// Operation is the type of operation (create, update, delete).
	Operation string `json:"operation"`

	// ResourceType is the type of resource affected.
	ResourceType string `json:"resource_type"`

	// ResourceID is the ID of the resource (if known).
	ResourceID string `json:"resource_id,omitempty"`

	// Details contains operation-specific details.
	Details map[string]interface{} `json:"details,omitempty"`

	// Reversible indicates whether this action can be rolled back.
	Reversible bool `json:"reversible"`
}

// Severity indicates the severity level of a validation check.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// CheckStatus indicates the result of a validation check.
type CheckStatus string

const (
	CheckStatusPassed  CheckStatus = "passed"
	CheckStatusFailed  CheckStatus = "failed"
	CheckStatusSkipped CheckStatus = "skipped"
	CheckStatusUnknown CheckStatus = "unknown"
)

// ValidationCheck represents a single validation check result.
type ValidationCheck struct {
	// ID is a unique identifier for this check type.
	ID string `json:"id"`

	// Name is a human-readable name for the check.
	Name string `json:"name"`

	// Description explains what this check validates.
	Description string `json:"description"`

	// Status is the check result.
	Status CheckStatus `json:"status"`

	// Severity indicates how serious a failure would be.
	Severity Severity `json:"severity"`

	// Evidence contains data supporting the check result.
	Evidence map[string]interface{} `json:"evidence,omitempty"`

	// Remediation contains steps to fix a failed check.
	Remediation string `json:"remediation,omitempty"`

	// Duration is how long the check took to run.
	Duration time.Duration `json:"duration"`
}

// ValidationReport contains the results of validating a deployment.
type ValidationReport struct {
	// Ref identifies the validated deployment.
	Ref ResourceRef `json:"ref"`

	// Checks contains all validation check results.
	Checks []ValidationCheck `json:"checks"`

	// Summary provides aggregate status.
	Summary ValidationSummary `json:"summary"`

	// ValidatedAt is when validation was performed.
	ValidatedAt time.Time `json:"validated_at"`
}

// ValidationSummary provides aggregate validation statistics.
type ValidationSummary struct {
	TotalChecks   int  `json:"total_checks"`
	PassedChecks  int  `json:"passed_checks"`
	FailedChecks  int  `json:"failed_checks"`
	SkippedChecks int  `json:"skipped_checks"`
	IsValid       bool `json:"is_valid"`
}

// IsValid returns true if no check of error or critical severity failed.
func (r *ValidationReport) IsValid() bool {
	for _, check := range r.Checks {
		if check.Status != CheckStatusFailed {
			continue
		}
		if check.Severity == SeverityError || check.Severity == SeverityCritical {
			return false
		}
	}
	return true
}

// FailedChecks returns only the checks that failed.
func (r *ValidationReport) FailedChecks() []ValidationCheck {
	var failed []ValidationCheck
	for _, check := range r.Checks {
		if check.Status == CheckStatusFailed {
			failed = append(failed, check)
		}
	}
	return failed
}

// ApplyOptions configures an Apply operation.
type ApplyOptions struct {
	// DryRun if true, returns a Plan instead of making changes.
	DryRun bool

	// Labels to apply to created keys in addition to per-key labels.
	Labels map[string]string
}

// ValidateOptions configures a Validate operation.
type ValidateOptions struct {
	// CheckIDs limits validation to specific checks.
	CheckIDs []string

	// Timeout for the validation operation.
	Timeout time.Duration
}

// DestroyOptions configures a Destroy operation.
type DestroyOptions struct {
	// DryRun if true, returns without making changes.
	DryRun bool

	// Force if true, destroy even non-owned deployments.
	Force bool

	// Confirm is a callback that must return true to proceed.
	// Used for interactive confirmation.
	Confirm func(Plan) bool
}
