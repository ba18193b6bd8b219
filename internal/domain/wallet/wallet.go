// Package wallet defines the tenant boundary (Wallet), membership, invites,
// and per-user wallet settings described in spec §3 and §4.6.
package wallet

import "time"

// Role is a membership's privilege level within a wallet.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Bypasses reports whether a role bypasses the permission matrix entirely
// (spec §3: "Owners/admins bypass the permission matrix").
func (r Role) Bypasses() bool { return r == RoleOwner || r == RoleAdmin }

// Wallet is a tenant boundary.
type Wallet struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	CreatedBy   string    `json:"created_by" db:"created_by"`
	Active      bool      `json:"active" db:"active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Membership is a (wallet, user, role) triple, unique per (wallet, user).
type Membership struct {
	WalletID  string    `json:"wallet_id" db:"wallet_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Role      Role      `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Invite is a short-lived opaque code tied to a wallet.
type Invite struct {
	Code      string     `json:"code" db:"code"`
	WalletID  string     `json:"wallet_id" db:"wallet_id"`
	CreatedBy string     `json:"created_by" db:"created_by"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt time.Time  `json:"expires_at" db:"expires_at"`
	ConsumedBy *string   `json:"consumed_by,omitempty" db:"consumed_by"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
}

// Expired reports whether the invite can no longer be consumed.
func (i Invite) Expired(now time.Time) bool { return now.After(i.ExpiresAt) }

// Consumed reports whether the invite has already been used.
func (i Invite) Consumed() bool { return i.ConsumedBy != nil }

// UserWalletSettings holds per-(user, wallet) defaults such as default
// contact groups for new contacts. The sync server's placement-on-create
// step does not read these settings: it passes no default groups to
// permission.PlacementGroups.
type UserWalletSettings struct {
	UserID                string   `json:"user_id" db:"user_id"`
	WalletID              string   `json:"wallet_id" db:"wallet_id"`
	DefaultContactGroupIDs []string `json:"default_contact_group_ids" db:"default_contact_group_ids"`
}
