// Package kms provides declarative provisioning of Cloud KMS keyrings,
// crypto keys, and their access-control bindings.
//
// # Overview
//
// kms turns a single Config into a reconciled set of cloud resources: a
// keyring (created, or an existing one referenced by location and name),
// zero or more crypto keys under it, IAM bindings at keyring and key
// granularity, and optional tag bindings on keys.
//
// # Core Concepts
//
// # Config
//
// A Config is the full configuration surface. It is evaluated once per
// run: validation is static, evaluation is side-effect-free, and the
// actual create/update calls are delegated to a LifecycleProvider.
//
// # Binding modes
//
// Access control accepts three input shapes:
//   - Authoritative: role -> members, fully replacing any existing
//     members for that role on the target.
//   - Additive: role -> members, merged with whatever already exists.
//   - Per-member: single {member, role} grants keyed by an arbitrary
//     caller-chosen label, useful when member sets are computed.
//
// Authoritative entries always win: an additive or per-member grant for
// a role that also appears in an authoritative map is subsumed by the
// authoritative member set for that role.
//
// # Deployments and Refs
//
// Applying a Config yields Outputs plus a ResourceRef, a stable record
// of what was provisioned. The StateStore tracks refs and ownership so
// that only resources created here are torn down by default.
//
// # Usage
//
//	cfg := &kms.Config{
//	    Project: "my-project",
//	    Keyring: kms.KeyringDescriptor{Location: "europe-west1", Name: "vault"},
//	    Keys: map[string]*kms.KeyOptions{
//	        "disk": {RotationPeriod: "2160h"},
//	    },
//	    IAM: map[string][]string{
//	        "roles/cloudkms.admin": {"group:kms-admins@example.com"},
//	    },
//	}
//
//	out, err := kms.Apply(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(out.KeyringID)
//
// # Extension
//
// New providers can be added by implementing the LifecycleProvider
// interface and registering via kms.Register() or an init() function.
package kms
