// Package transport exposes the capture queue to a single external
// consumer over a Unix socket.
//
// The protocol is newline-delimited JSON. Each request line is answered by
// exactly one response line:
//
//	{"op":"drain"}                    → {"records":[...]}
//	{"op":"drain","max":100}          → at most 100 records
//	{"op":"pop"}                      → {"records":[r]}, or {} when empty
//	{"op":"wait","timeout_ms":1000}   → drain once the queue is ready
//	{"op":"status"}                   → {"status":{...}}
//
// Errors are reported as {"error":"..."} and leave the connection open.
package transport

import (
	"github.com/mrzor/activity-monitor/internal/capture"
	"github.com/mrzor/activity-monitor/internal/event"
)

// Request operations.
const (
	OpDrain  = "drain"
	OpPop    = "pop"
	OpWait   = "wait"
	OpStatus = "status"
)

// Request is a consumer command.
type Request struct {
	Op        string `json:"op"`
	Max       int    `json:"max,omitempty"`
	TimeoutMS int    `json:"timeout_ms,omitempty"`
}

// Response answers one Request.
type Response struct {
	Records []event.Record `json:"records,omitempty"`
	Status  *Status        `json:"status,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Status describes the monitor as seen by the consumer.
type Status struct {
	Queue           capture.Stats `json:"queue"`
	Tracked         int           `json:"tracked"`
	Saturated       bool          `json:"saturated"`
	DispatchDropped uint64        `json:"dispatch_dropped"`
}
