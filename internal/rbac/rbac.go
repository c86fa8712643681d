package rbac

import "sort"

type Role string
type Action string
type Entity string

// Capability is one entity action, e.g. "deal:update". Build it with For
// so an unknown entity or action is a compile error.
type Capability string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

const (
	EntityPerson       Entity = "person"
	EntityOrganization Entity = "organization"
	EntityDeal         Entity = "deal"
	EntityLead         Entity = "lead"
	EntityActivity     Entity = "activity"
)

var (
	Entities = []Entity{EntityPerson, EntityOrganization, EntityDeal, EntityLead, EntityActivity}
	Actions  = []Action{ActionRead, ActionCreate, ActionUpdate, ActionDelete}
)

func For(entity Entity, action Action) Capability {
	return Capability(string(entity) + ":" + string(action))
}

// Set is the capabilities granted to one request.
type Set map[Capability]struct{}

func NewSet(caps ...Capability) Set {
	set := make(Set, len(caps))
	for _, c := range caps {
		set[c] = struct{}{}
	}
	return set
}

// Has is the single capability check.
func Has(set Set, c Capability) bool {
	_, ok := set[c]
	return ok
}

func (s Set) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Can reports whether role grants action on entity.
func Can(role Role, entity Entity, action Action) bool {
	switch role {
	case RoleAdmin, RoleEditor:
		return true
	case RoleViewer:
		return action == ActionRead
	default:
		return false
	}
}

// Permissions expands role into its capability set.
func Permissions(role Role) Set {
	set := make(Set)
	for _, entity := range Entities {
		for _, action := range Actions {
			if Can(role, entity, action) {
				set[For(entity, action)] = struct{}{}
			}
		}
	}
	return set
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}
