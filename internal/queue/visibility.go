package queue

import (
	"github.com/google/uuid"
)

type Role string

const (
	RoleAdmin          Role = "admin"
	RoleAdministrative Role = "administrativo"
	RoleDoctor         Role = "medico"
	RoleNurse          Role = "enfermeria"
	RoleScreen         Role = "pantalla"
)

// Manages reports whether the role sees and edits the whole queue.
func (r Role) Manages() bool {
	return r == RoleAdmin || r == RoleAdministrative
}

// Visibility is what one user may see of a queue.
type Visibility struct {
	Role            Role        `json:"role"`
	ProfessionalIDs []uuid.UUID `json:"professional_ids"`
	ServiceIDs      []uuid.UUID `json:"service_ids"`
}

// Allows reports whether the item is visible. Non-managing roles need a
// matching professional or service assignment; no assignments means nothing
// is visible.
func (v Visibility) Allows(it Item) bool {
	if v.Role.Manages() {
		return true
	}
	if it.ProfessionalID != nil {
		for _, id := range v.ProfessionalIDs {
			if id == *it.ProfessionalID {
				return true
			}
		}
	}
	for _, id := range v.ServiceIDs {
		if id == it.ServiceID {
			return true
		}
	}
	return false
}

// Project returns the visible subset of items in their original order. The
// input slice is never modified.
func Project(items []Item, v Visibility) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if v.Allows(it) {
			out = append(out, it)
		}
	}
	return out
}

// Filter narrows a queue view by the desk's selections. Nil fields and an
// empty Statuses list match everything.
type Filter struct {
	ServiceID      *uuid.UUID
	ProfessionalID *uuid.UUID
	RoomID         *uuid.UUID
	Statuses       []Status
}

func (f Filter) Matches(it Item) bool {
	if f.ServiceID != nil && it.ServiceID != *f.ServiceID {
		return false
	}
	if f.ProfessionalID != nil && (it.ProfessionalID == nil || *it.ProfessionalID != *f.ProfessionalID) {
		return false
	}
	if f.RoomID != nil && (it.RoomID == nil || *it.RoomID != *f.RoomID) {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if it.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

func (f Filter) Apply(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if f.Matches(it) {
			out = append(out, it)
		}
	}
	return out
}
