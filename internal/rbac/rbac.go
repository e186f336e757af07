package rbac

import (
	"context"
	"fmt"
	"time"

	"crmbridge.io/internal/store"
)

// Role is a dashboard principal's access level.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleAgent   Role = "agent"
)

// Actions evaluated against the permission matrix.
const (
	ActionRead   = "read"
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

var roleLevels = map[Role]int{
	RoleAdmin:   3,
	RoleManager: 2,
	RoleAgent:   1,
}

// Level returns the role's position in the hierarchy, 0 for unknown roles.
func (r Role) Level() int { return roleLevels[r] }

// Satisfies reports whether the role's level reaches the level of any of the
// acceptable roles.
func (r Role) Satisfies(acceptable ...Role) bool {
	level := r.Level()
	if level == 0 {
		return false
	}
	for _, a := range acceptable {
		if required := a.Level(); required > 0 && level >= required {
			return true
		}
	}
	return false
}

// Ownership is the (location, assignee) pair extracted from a candidate
// record. Empty fields mean the record carries no such scoping.
type Ownership struct {
	LocationID string
	AssignedTo string
}

// OwnershipOf extracts the ownership pair from a synchronized record.
func OwnershipOf(rec store.Record) Ownership {
	return Ownership{LocationID: rec.LocationID, AssignedTo: rec.AssignedTo}
}

// Decision is the outcome of a permission check. Reason explains denials and
// override hits.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow(reason string) Decision { return Decision{Allowed: true, Reason: reason} }
func deny(reason string) Decision  { return Decision{Allowed: false, Reason: reason} }

// UserContext is the per-request aggregate the engine evaluates: the user,
// the role defaults and the user's explicit overrides.
type UserContext struct {
	User      store.AppUser
	Role      Role
	Locations map[string]bool
	Team      map[string]bool
	Overrides []store.PermissionOverride
}

// Matrix holds per-role action defaults by entity type.
type Matrix map[Role]map[store.EntityType]map[string]bool

func actions(names ...string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

func allEntities(names ...string) map[store.EntityType]map[string]bool {
	out := make(map[store.EntityType]map[string]bool)
	for _, et := range []store.EntityType{
		store.EntityLocation, store.EntityPipelines, store.EntityCalendars,
		store.EntityUsers, store.EntityContacts, store.EntityOpportunities,
		store.EntityAppointments, store.EntityInvoices, store.EntityConversations,
	} {
		out[et] = actions(names...)
	}
	return out
}

// DefaultMatrix returns the role defaults. Admins may do everything;
// managers run their team's records; agents work their own pipeline and
// cannot delete.
func DefaultMatrix() Matrix {
	m := Matrix{
		RoleAdmin: allEntities(ActionRead, ActionCreate, ActionUpdate, ActionDelete),
		RoleManager: {
			store.EntityContacts:      actions(ActionRead, ActionCreate, ActionUpdate, ActionDelete),
			store.EntityOpportunities: actions(ActionRead, ActionCreate, ActionUpdate, ActionDelete),
			store.EntityAppointments:  actions(ActionRead, ActionCreate, ActionUpdate, ActionDelete),
			store.EntityConversations: actions(ActionRead, ActionUpdate, ActionDelete),
			store.EntityInvoices:      actions(ActionRead, ActionCreate, ActionUpdate),
			store.EntityCalendars:     actions(ActionRead, ActionUpdate),
			store.EntityPipelines:     actions(ActionRead),
			store.EntityUsers:         actions(ActionRead),
			store.EntityLocation:      actions(ActionRead),
		},
		RoleAgent: {
			store.EntityContacts:      actions(ActionRead, ActionCreate, ActionUpdate),
			store.EntityOpportunities: actions(ActionRead, ActionCreate, ActionUpdate),
			store.EntityAppointments:  actions(ActionRead, ActionCreate, ActionUpdate),
			store.EntityConversations: actions(ActionRead, ActionUpdate),
			store.EntityInvoices:      actions(ActionRead),
			store.EntityCalendars:     actions(ActionRead),
			store.EntityPipelines:     actions(ActionRead),
			store.EntityLocation:      actions(ActionRead),
		},
	}
	return m
}

// Engine decides whether a principal may perform an action on a record.
type Engine struct {
	users  store.UserStore
	matrix Matrix
	now    func() time.Time
}

type Option func(*Engine)

func WithMatrix(m Matrix) Option {
	return func(e *Engine) { e.matrix = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(users store.UserStore, opts ...Option) *Engine {
	e := &Engine{
		users:  users,
		matrix: DefaultMatrix(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BuildContext assembles the UserContext the pure checks evaluate.
func (e *Engine) BuildContext(ctx context.Context, userID string) (UserContext, error) {
	u, err := e.users.GetByID(ctx, userID)
	if err != nil {
		return UserContext{}, err
	}
	overrides, err := e.users.OverridesFor(ctx, userID)
	if err != nil {
		return UserContext{}, err
	}
	uc := UserContext{
		User:      u,
		Role:      Role(u.Role),
		Locations: make(map[string]bool, len(u.AssignedLocationIDs)),
		Team:      make(map[string]bool, len(u.TeamMemberIDs)),
		Overrides: overrides,
	}
	for _, id := range u.AssignedLocationIDs {
		uc.Locations[id] = true
	}
	for _, id := range u.TeamMemberIDs {
		uc.Team[id] = true
	}
	return uc, nil
}

// CheckPermission loads the user's context and evaluates one action against
// one optional ownership pair.
func (e *Engine) CheckPermission(ctx context.Context, userID string, et store.EntityType, action string, ownership *Ownership) (Decision, error) {
	uc, err := e.BuildContext(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	return e.Check(uc, et, action, ownership), nil
}

// Check evaluates one action for an already-built context. Overrides win
// outright; then role defaults; then location and assignee scoping for
// non-admins.
func (e *Engine) Check(uc UserContext, et store.EntityType, action string, ownership *Ownership) Decision {
	now := e.now()
	for _, o := range uc.Overrides {
		if o.EntityType != et || o.Action != action {
			continue
		}
		if o.ExpiresAt != nil && !o.ExpiresAt.After(now) {
			continue
		}
		reason := o.Reason
		if reason == "" {
			reason = "permission override"
		}
		return Decision{Allowed: o.Allowed, Reason: reason}
	}

	defaults, ok := e.matrix[uc.Role]
	if !ok {
		return deny(fmt.Sprintf("unknown role %q", uc.User.Role))
	}
	if !defaults[et][action] {
		return deny(fmt.Sprintf("role %s may not %s %s", uc.Role, action, et))
	}
	if ownership == nil {
		return allow("")
	}
	return e.checkOwnership(uc, *ownership)
}

// checkOwnership applies the location and assignee constraints. Admins are
// exempt; unassigned records are accessible to everyone whose location check
// passes.
func (e *Engine) checkOwnership(uc UserContext, ow Ownership) Decision {
	if uc.Role == RoleAdmin {
		return allow("")
	}
	if ow.LocationID != "" && !uc.Locations[ow.LocationID] {
		return deny(fmt.Sprintf("location %s is not assigned to user", ow.LocationID))
	}
	if ow.AssignedTo == "" {
		return allow("")
	}
	switch uc.Role {
	case RoleManager:
		if ow.AssignedTo == uc.User.CRMUserID || uc.Team[ow.AssignedTo] {
			return allow("")
		}
		return deny(fmt.Sprintf("record assignee %s is outside the manager's team", ow.AssignedTo))
	case RoleAgent:
		if ow.AssignedTo == uc.User.CRMUserID {
			return allow("")
		}
		return deny(fmt.Sprintf("record is assigned to %s", ow.AssignedTo))
	default:
		return deny(fmt.Sprintf("unknown role %q", uc.User.Role))
	}
}

// FilterByAccess drops the records the context's user may not see. It applies
// only the ownership constraints, for list endpoints that could not push the
// scoping into the query itself.
func (e *Engine) FilterByAccess(records []store.Record, uc UserContext) []store.Record {
	if uc.Role == RoleAdmin {
		return records
	}
	out := records[:0:0]
	for _, rec := range records {
		if e.checkOwnership(uc, OwnershipOf(rec)).Allowed {
			out = append(out, rec)
		}
	}
	return out
}
