package kms

import "sort"

// BindingMode distinguishes how a role binding is reconciled against the
// target's existing IAM policy.
type BindingMode string

const (
	// BindingAuthoritative replaces the complete member set for the role.
	// Destructive to members granted out of band.
	BindingAuthoritative BindingMode = "authoritative"

	// BindingAdditive merges members with the existing set, never
	// removing members it did not add.
	BindingAdditive BindingMode = "additive"
)

// RoleBinding is one assembled binding on a single target: a role, the
// members asserted for it, and the mode used to reconcile them.
type RoleBinding struct {
	Role    string      `json:"role"`
	Members []string    `json:"members"`
	Mode    BindingMode `json:"mode"`
}

// KeyringBindings assembles the keyring-granular binding inputs (the
// authoritative map, the additive map, and the per-member grants) into an
// ordered list of RoleBindings.
//
// Authoritative entries win: a role present in the authoritative map
// yields exactly its authoritative member set, and additive or per-member
// entries for that role are subsumed. The per-member grants' map labels
// carry no identity; duplicate (role, member) pairs collapse.
func (c *Config) KeyringBindings() []RoleBinding {
	additive := cloneRoleMembers(c.IAMAdditive)
	for _, grant := range c.IAMMembers {
		additive[grant.Role] = append(additive[grant.Role], grant.Member)
	}
	return assembleBindings(c.IAM, additive)
}

// KeyBindings assembles the key-granular binding inputs into per-key
// ordered RoleBinding lists, keyed by key name. Only keys with at least
// one binding appear in the result.
func (c *Config) KeyBindings() map[string][]RoleBinding {
	perKeyAdditive := make(map[string]map[string][]string)
	for key, roles := range c.KeyIAMAdditive {
		perKeyAdditive[key] = cloneRoleMembers(roles)
	}
	for _, grant := range c.KeyIAMMembers {
		if perKeyAdditive[grant.Key] == nil {
			perKeyAdditive[grant.Key] = make(map[string][]string)
		}
		perKeyAdditive[grant.Key][grant.Role] = append(perKeyAdditive[grant.Key][grant.Role], grant.Member)
	}

	out := make(map[string][]RoleBinding)
	for key := range c.Keys {
		bindings := assembleBindings(c.KeyIAM[key], perKeyAdditive[key])
		if len(bindings) > 0 {
			out[key] = bindings
		}
	}
	return out
}

// assembleBindings merges an authoritative and an additive role->members
// map into a deterministic binding list. Roles claimed authoritatively
// keep exactly their authoritative member set; remaining additive roles
// become additive bindings.
func assembleBindings(authoritative, additive map[string][]string) []RoleBinding {
	var bindings []RoleBinding

	for _, role := range sortedRoles(authoritative) {
		bindings = append(bindings, RoleBinding{
			Role:    role,
			Members: dedupMembers(authoritative[role]),
			Mode:    BindingAuthoritative,
		})
	}

	for _, role := range sortedRoles(additive) {
		if _, claimed := authoritative[role]; claimed {
			continue
		}
		members := dedupMembers(additive[role])
		if len(members) == 0 {
			continue
		}
		bindings = append(bindings, RoleBinding{
			Role:    role,
			Members: members,
			Mode:    BindingAdditive,
		})
	}

	return bindings
}

func cloneRoleMembers(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for role, members := range in {
		out[role] = append([]string(nil), members...)
	}
	return out
}

func sortedRoles(in map[string][]string) []string {
	roles := make([]string, 0, len(in))
	for role := range in {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

func dedupMembers(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, m := range in {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
