package kms

import (
	"context"
	"time"
)

// Validator performs validation checks on applied deployments.
type Validator interface {
	// ID returns the unique identifier for this validator.
	ID() string

	// Name returns a human-readable name.
	Name() string

	// Description returns what this validator checks.
	Description() string

	// Validate performs the validation check.
	Validate(ctx context.Context, ref ResourceRef) ValidationCheck
}

// RunValidation executes a set of validators and returns a report.
func RunValidation(ctx context.Context, ref ResourceRef, validators []Validator) *ValidationReport {
	report := &ValidationReport{
		Ref:         ref,
		Checks:      make([]ValidationCheck, 0, len(validators)),
		ValidatedAt: time.Now(),
	}

	for _, v := range validators {
		check := v.Validate(ctx, ref)
		report.Checks = append(report.Checks, check)

		switch check.Status {
		case CheckStatusPassed:
			report.Summary.PassedChecks++
		case CheckStatusFailed:
			report.Summary.FailedChecks++
		case CheckStatusSkipped:
			report.Summary.SkippedChecks++
		}
		report.Summary.TotalChecks++
	}

	report.Summary.IsValid = report.IsValid()
	return report
}

// FilterValidators narrows a validator set to the requested check IDs.
// An empty ID list keeps every validator.
func FilterValidators(validators []Validator, checkIDs []string) []Validator {
	if len(checkIDs) == 0 {
		return validators
	}

	checkSet := make(map[string]bool, len(checkIDs))
	for _, id := range checkIDs {
		checkSet[id] = true
	}

	filtered := make([]Validator, 0, len(validators))
	for _, v := range validators {
		if checkSet[v.ID()] {
			filtered = append(filtered, v)
		}
	}
	return filtered
}
