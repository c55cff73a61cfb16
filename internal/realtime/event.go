package realtime

import (
	"fmt"
	"time"
)

// Tables that publish change events.
const (
	TablePickupRequests       = "pickup_requests"
	TablePickupAuthorizations = "pickup_authorizations"
	TableSelfCheckouts        = "self_checkout_authorizations"
)

// Change operations.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// ChangeEvent describes one row change. It carries enough of the row for a
// view to decide relevance without reading the store.
type ChangeEvent struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Table      string    `json:"table"`
	Op         string    `json:"op"`
	RowID      uint      `json:"row_id"`
	StudentID  uint      `json:"student_id,omitempty"`
	ClassID    uint      `json:"class_id,omitempty"`
	ActorID    uint      `json:"actor_id,omitempty"`
	OldStatus  string    `json:"old_status,omitempty"`
	NewStatus  string    `json:"new_status,omitempty"`
	Version    uint      `json:"version,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DedupKey identifies the row state an event describes. Two transports
// delivering the same transition produce the same key.
func (e ChangeEvent) DedupKey() string {
	if e.Version > 0 {
		return fmt.Sprintf("%s:%d:%d", e.Table, e.RowID, e.Version)
	}
	return e.Table + ":" + e.ID
}

// Subscriber delivers change events for the given tables until the returned
// cancel function is called. Cancel closes the channel.
type Subscriber interface {
	Subscribe(tables ...string) (<-chan ChangeEvent, func())
}

// Scope is the set of rows a view may see. It is a privacy boundary: events
// and rows outside it are never reconciled into the view.
type Scope struct {
	ActorID  uint   `json:"actor_id"`
	ClassIDs []uint `json:"class_ids,omitempty"`
	ChildIDs []uint `json:"child_ids,omitempty"`
	All      bool   `json:"all,omitempty"`
}

// Covers reports whether a row for the class/child pair is inside the scope.
func (s Scope) Covers(classID, childID uint) bool {
	if s.All {
		return true
	}
	for _, id := range s.ClassIDs {
		if id == classID {
			return true
		}
	}
	for _, id := range s.ChildIDs {
		if id == childID {
			return true
		}
	}
	return false
}

// Empty reports whether the scope admits nothing.
func (s Scope) Empty() bool {
	return !s.All && len(s.ClassIDs) == 0 && len(s.ChildIDs) == 0
}

// Relevance decides whether an event should trigger a refetch for a view
// currently holding scope.
type Relevance func(scope Scope, event ChangeEvent) bool

// PickupRelevance matches request events inside the scope that move a row into
// or out of one of the tracked statuses, and authorization events naming the
// viewer (their access set may have changed).
func PickupRelevance(tracked ...string) Relevance {
	watch := make(map[string]struct{}, len(tracked))
	for _, status := range tracked {
		watch[status] = struct{}{}
	}

	return func(scope Scope, event ChangeEvent) bool {
		switch event.Table {
		case TablePickupRequests:
			if !scope.Covers(event.ClassID, event.StudentID) {
				return false
			}
			if len(watch) == 0 {
				return true
			}
			_, before := watch[event.OldStatus]
			_, after := watch[event.NewStatus]
			return before || after
		case TablePickupAuthorizations:
			return event.ActorID != 0 && event.ActorID == scope.ActorID
		default:
			return false
		}
	}
}
