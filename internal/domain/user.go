package domain

import "time"

// User is the full persisted user record. It contains credential
// material and therefore must never be serialised to a client; use
// Identity for anything that leaves the process.
type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Email        string     `json:"email"`
	PasswordHash string     `json:"-"`
	PasswordSalt string     `json:"-"`
	LastIP       string     `json:"-"`
	LastToken    string     `json:"-"`
	LastLogin    *time.Time `json:"lastLogin,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	Permissions  []string   `json:"permissions"`
}

// Identity is the sanitised envelope attached to authenticated requests
// and injected into WebSocket payloads. It is derived from a User and
// carries no credential material.
type Identity struct {
	UserID      string   `json:"id"`
	Username    string   `json:"username"`
	Email       string   `json:"email,omitempty"`
	Permissions []string `json:"permissions"`
}

// Identity derives the sanitised envelope for this user.
func (u *User) Identity() *Identity {
	perms := make([]string, len(u.Permissions))
	copy(perms, u.Permissions)
	return &Identity{
		UserID:      u.ID,
		Username:    u.Username,
		Email:       u.Email,
		Permissions: perms,
	}
}

// HasPermission reports whether the identity carries the permission.
func (id *Identity) HasPermission(perm string) bool {
	if id == nil {
		return false
	}
	for _, p := range id.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// Ban is a persisted account ban. A ban is active when it is permanent
// or its expiry is in the future.
type Ban struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Reason    string     `json:"reason"`
	BannedBy  string     `json:"bannedBy,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Permaban  bool       `json:"permaban"`
	BannedAt  time.Time  `json:"bannedAt"`
}

// Active reports whether the ban is currently in force.
func (b *Ban) Active(now time.Time) bool {
	if b.Permaban {
		return true
	}
	return b.ExpiresAt != nil && b.ExpiresAt.After(now)
}

// OAuthIdentity links a provider account to a local user.
type OAuthIdentity struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Provider   string    `json:"provider"`
	ProviderID string    `json:"providerId"`
	CreatedAt  time.Time `json:"createdAt"`
}
