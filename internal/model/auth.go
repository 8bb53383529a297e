package model

// AuthContext carries the caller identity attached to an execution request.
// Authentication itself happens upstream; the orchestrator only uses this
// for priority scoring and program-generation context.
type AuthContext struct {
	UserID string `json:"user_id,omitempty"`
}

// Valid reports whether the context identifies an authenticated caller.
func (a AuthContext) Valid() bool {
	return a.UserID != ""
}
