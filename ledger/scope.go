package ledger

import (
	"github.com/warp/stock-ledger/branch"
)

// Scope carries the caller identity every mutation needs. It replaces any
// process-wide "current tenant/branch" state so tenants can run side by
// side in one process.
type Scope struct {
	TenantID string        `json:"tenantId"`
	Branch   branch.Branch `json:"branch"`
	DeviceID string        `json:"deviceId,omitempty"`
}

// Validate checks the identifiers a mutation requires.
func (s Scope) Validate() error {
	if s.TenantID == "" {
		return required("tenantId")
	}
	if s.Branch == "" {
		return required("branch")
	}
	return nil
}

// ScopeFor resolves the device's locally selected branch into a Scope.
func ScopeFor(binder *branch.Binder, tenantID, deviceID string) (Scope, error) {
	if tenantID == "" {
		return Scope{}, required("tenantId")
	}
	if deviceID == "" {
		return Scope{}, required("deviceId")
	}
	b, ok := binder.CurrentBranch(deviceID)
	if !ok {
		return Scope{}, ErrNoBranchSelected
	}
	return Scope{TenantID: tenantID, Branch: b, DeviceID: deviceID}, nil
}
