package domain

import "time"

// TokenRecord is the persisted, encrypted token set for one Xero tenant.
type TokenRecord struct {
	TenantID    string
	TokenSetEnc string
	ExpiresAt   time.Time
	UpdatedAt   time.Time
}
