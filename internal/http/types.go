package http

import "github.com/fyrsmithlabs/depdeck/internal/history"

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	// Stderr is the captured npm output of a failed install or audit.
	Stderr string `json:"stderr,omitempty"`
}

// ScanRequest is the request body for POST /api/v1/projects/scan.
type ScanRequest struct {
	Root string `json:"root"`
}

// ProjectRequest names the project of install, audit and watch requests.
type ProjectRequest struct {
	Project string `json:"project"`
}

// ApplyRequest is the request body for POST /api/v1/packages/apply.
type ApplyRequest struct {
	Project string       `json:"project"`
	Package string       `json:"package"`
	Version string       `json:"version"`
	Kind    history.Kind `json:"kind,omitempty"`
	Note    string       `json:"note,omitempty"`
}

// OperationResponse acknowledges a started long-running operation.
type OperationResponse struct {
	OperationID string `json:"operation_id"`
}

// WatchResponse reports the watched project; empty when idle.
type WatchResponse struct {
	Project string `json:"project"`
}

// RecordHistoryRequest is the request body for POST /api/v1/history.
type RecordHistoryRequest struct {
	Project string        `json:"project"`
	Package string        `json:"package"`
	Entry   history.Entry `json:"entry"`
}

// UpdateNoteRequest is the request body for PATCH /api/v1/history/note.
type UpdateNoteRequest struct {
	Project string `json:"project"`
	Package string `json:"package"`
	Note    string `json:"note"`
}

// WorkspaceResponse is the body of GET and PUT /api/v1/workspace.
type WorkspaceResponse struct {
	Root string `json:"root"`
}
