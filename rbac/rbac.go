// Package rbac gates the mutating API surface: manual dispatch, run
// cancellation, and secret management. Read endpoints are open.
package rbac

import (
	"database/sql"
	"slices"
	"strings"

	adapter "github.com/Blank-Xu/sql-adapter"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const (
	Model = `
[request_definition]
r = sub, dom, obj, act

[policy_definition]
p = sub, dom, obj, act

[role_definition]
g = _, _, _

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.act == p.act && r.dom == p.dom && r.obj == p.obj && g(r.sub, p.sub, r.dom)
`
)

// Domain is the single rbac domain; a loom instance is single-tenant.
const Domain = "loom"

type Enforcer struct {
	E *casbin.Enforcer
}

func NewEnforcer(path string) (*Enforcer, error) {
	m, err := model.NewModelFromString(Model)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1")
	if err != nil {
		return nil, err
	}

	a, err := adapter.NewAdapter(db, "sqlite3", "acl")
	if err != nil {
		return nil, err
	}

	e, err := casbin.NewEnforcer(m, a)
	if err != nil {
		return nil, err
	}

	e.EnableAutoSave(true)

	return &Enforcer{e}, nil
}

// Seed installs the role policies and registers the instance owner.
// Safe to call on every startup, casbin dedupes existing rules.
func (e *Enforcer) Seed(owner string) error {
	_, err := e.E.AddPolicies([][]string{
		{"loom:owner", Domain, Domain, "secrets:manage"},
		{"loom:owner", Domain, Domain, "member:invite"},
		{"loom:member", Domain, Domain, "run:dispatch"},
		{"loom:member", Domain, Domain, "run:cancel"},
	})
	if err != nil {
		return err
	}

	// all owners are also members
	_, err = e.E.AddGroupingPolicy("loom:owner", "loom:member", Domain)
	if err != nil {
		return err
	}

	return e.AddOwner(owner)
}

func (e *Enforcer) AddOwner(user string) error {
	_, err := e.E.AddGroupingPolicy(user, "loom:owner", Domain)
	return err
}

func (e *Enforcer) AddMember(user string) error {
	_, err := e.E.AddGroupingPolicy(user, "loom:member", Domain)
	return err
}

func (e *Enforcer) RemoveMember(user string) error {
	_, err := e.E.DeleteRolesForUserInDomain(user, Domain)
	return err
}

func (e *Enforcer) IsOwner(user string) (bool, error) {
	return e.isRole(user, "loom:owner")
}

func (e *Enforcer) IsMember(user string) (bool, error) {
	return e.isRole(user, "loom:member")
}

func (e *Enforcer) isRole(user, role string) (bool, error) {
	roles, err := e.E.GetImplicitRolesForUser(user, Domain)
	if err != nil {
		return false, err
	}
	return slices.Contains(roles, role), nil
}

func (e *Enforcer) IsDispatchAllowed(user string) (bool, error) {
	return e.E.Enforce(user, Domain, Domain, "run:dispatch")
}

func (e *Enforcer) IsCancelAllowed(user string) (bool, error) {
	return e.E.Enforce(user, Domain, Domain, "run:cancel")
}

func (e *Enforcer) IsSecretsManageAllowed(user string) (bool, error) {
	return e.E.Enforce(user, Domain, Domain, "secrets:manage")
}

func (e *Enforcer) IsInviteAllowed(user string) (bool, error) {
	return e.E.Enforce(user, Domain, Domain, "member:invite")
}

// Members lists every user granted a role, roles themselves filtered
// out. casbin does not differentiate users from roles here.
func (e *Enforcer) Members() ([]string, error) {
	users, err := e.E.GetImplicitUsersForRole("loom:member", Domain)
	if err != nil {
		return nil, err
	}

	var members []string
	for _, u := range users {
		if !strings.HasPrefix(u, "loom:") {
			members = append(members, u)
		}
	}

	slices.Sort(members)
	return slices.Compact(members), nil
}
