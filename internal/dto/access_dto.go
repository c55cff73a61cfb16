package dto

import "github.com/noah-isme/pickup-go-api/internal/models"

// ChildRef is the minimal child projection handed to clients.
type ChildRef struct {
	ID      uint   `json:"id"`
	Name    string `json:"name"`
	ClassID uint   `json:"class_id"`
	Status  string `json:"status"`
}

// NewChildRef converts a child model.
func NewChildRef(child models.Child) ChildRef {
	return ChildRef{ID: child.ID, Name: child.Name, ClassID: child.ClassID, Status: child.Status}
}

// AccessibleChildren is the access projection for one actor on one date.
type AccessibleChildren struct {
	AsOf               string     `json:"as_of"`
	OwnChildren        []ChildRef `json:"own_children"`
	AuthorizedChildren []ChildRef `json:"authorized_children"`
}

// ChildIDs returns own and authorized child ids.
func (a AccessibleChildren) ChildIDs() []uint {
	ids := make([]uint, 0, len(a.OwnChildren)+len(a.AuthorizedChildren))
	for _, child := range a.OwnChildren {
		ids = append(ids, child.ID)
	}
	for _, child := range a.AuthorizedChildren {
		ids = append(ids, child.ID)
	}
	return ids
}

// Contains reports whether childID is own or authorized.
func (a AccessibleChildren) Contains(childID uint) bool {
	for _, id := range a.ChildIDs() {
		if id == childID {
			return true
		}
	}
	return false
}

// ChildWindowFlags tells clients which affordances to show for a child today.
type ChildWindowFlags struct {
	ChildID               uint   `json:"child_id"`
	ClassID               uint   `json:"class_id"`
	AsOf                  string `json:"as_of"`
	PickupAuthorizedToday bool   `json:"pickup_authorized_today"`
	SelfCheckoutToday     bool   `json:"self_checkout_today"`
}
