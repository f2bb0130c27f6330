// Package room provisions the external media room a session's participants
// connect to. The core only keeps the opaque handle and join URL.
package room

import "context"

type ProvisionRequest struct {
	SessionID   string
	UserID      string
	CompanionID string
}

type ProvisionResult struct {
	Handle   string
	JoinURL  string
	PublicIP string
}

type ReleaseRequest struct {
	SessionID string
	Handle    string
}

type Provisioner interface {
	Provision(ctx context.Context, req ProvisionRequest) (ProvisionResult, error)
	Release(ctx context.Context, req ReleaseRequest) error
}
