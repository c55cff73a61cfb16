package dto

import "time"

// Live command actions accepted on the websocket.
const (
	LiveActionRequest  = "request"
	LiveActionCall     = "call"
	LiveActionComplete = "complete"
	LiveActionCancel   = "cancel"
	LiveActionRefresh  = "refresh"
)

// LiveCommand is a client frame sent over the live websocket.
type LiveCommand struct {
	Action    string `json:"action"`
	RequestID uint   `json:"request_id,omitempty"`
	StudentID uint   `json:"student_id,omitempty"`
	Ref       string `json:"ref,omitempty"`
}

// LiveFrame is a server frame: either a snapshot or a command result.
type LiveFrame struct {
	Type       string                  `json:"type"`
	Seq        uint64                  `json:"seq,omitempty"`
	Items      []PickupRequestResponse `json:"items,omitempty"`
	Optimistic bool                    `json:"optimistic,omitempty"`
	FetchedAt  *time.Time              `json:"fetched_at,omitempty"`
	Ref        string                  `json:"ref,omitempty"`
	Error      string                  `json:"error,omitempty"`
	Code       string                  `json:"code,omitempty"`
}
