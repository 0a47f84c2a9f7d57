// Package user defines the account record, its embedded collections and
// the user store interface.
package user

import (
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/xraph/custodian/claim"
)

// ErrNotFound is returned when an account lookup misses.
var ErrNotFound = errors.New("custodian: user not found")

// Login links an account to an external identity provider.
type Login struct {
	LoginProvider       string `json:"login_provider"`
	ProviderKey         string `json:"provider_key"`
	ProviderDisplayName string `json:"provider_display_name,omitempty"`
}

// Token is an authentication token stored on the account.
type Token struct {
	LoginProvider string `json:"login_provider"`
	Name          string `json:"name"`
	Value         string `json:"value"`
}

// User is an account record.
//
// Roles holds normalized role names. Metadata carries host-defined fields;
// backends persist them alongside the known fields.
type User[K comparable] struct {
	ID                   K              `json:"id"`
	UserName             string         `json:"user_name"`
	NormalizedUserName   string         `json:"normalized_user_name"`
	Email                string         `json:"email,omitempty"`
	NormalizedEmail      string         `json:"normalized_email,omitempty"`
	EmailConfirmed       bool           `json:"email_confirmed"`
	PasswordHash         string         `json:"-"`
	SecurityStamp        string         `json:"security_stamp"`
	ConcurrencyStamp     string         `json:"concurrency_stamp"`
	PhoneNumber          string         `json:"phone_number,omitempty"`
	PhoneNumberConfirmed bool           `json:"phone_number_confirmed"`
	TwoFactorEnabled     bool           `json:"two_factor_enabled"`
	LockoutEnd           *time.Time     `json:"lockout_end,omitempty"`
	LockoutEnabled       bool           `json:"lockout_enabled"`
	AccessFailedCount    int            `json:"access_failed_count"`
	Roles                []string       `json:"roles,omitempty"`
	Claims               []claim.Claim  `json:"claims,omitempty"`
	Logins               []Login        `json:"logins,omitempty"`
	Tokens               []Token        `json:"-"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// Key returns the account identifier.
func (u *User[K]) Key() K { return u.ID }

// SetKey assigns the account identifier.
func (u *User[K]) SetKey(k K) { u.ID = k }

// Stamp returns the concurrency stamp of the last read.
func (u *User[K]) Stamp() string { return u.ConcurrencyStamp }

// SetStamp replaces the concurrency stamp.
func (u *User[K]) SetStamp(s string) { u.ConcurrencyStamp = s }

// Clone returns a deep copy of u.
func (u *User[K]) Clone() *User[K] {
	cp := *u
	if u.LockoutEnd != nil {
		t := *u.LockoutEnd
		cp.LockoutEnd = &t
	}
	cp.Roles = slices.Clone(u.Roles)
	cp.Claims = claim.Clone(u.Claims)
	cp.Logins = slices.Clone(u.Logins)
	cp.Tokens = slices.Clone(u.Tokens)
	cp.Metadata = maps.Clone(u.Metadata)
	return &cp
}

// ──────────────────────────────────────────────────
// Staged mutations (persist with Store.Update)
// ──────────────────────────────────────────────────

// InRole reports whether the account references the normalized role name.
func (u *User[K]) InRole(normalizedRole string) bool {
	return slices.Contains(u.Roles, normalizedRole)
}

// AddRole adds a role reference if not already present.
func (u *User[K]) AddRole(normalizedRole string) {
	if !u.InRole(normalizedRole) {
		u.Roles = append(u.Roles, normalizedRole)
	}
}

// RemoveRole drops a role reference.
func (u *User[K]) RemoveRole(normalizedRole string) {
	u.Roles = slices.DeleteFunc(u.Roles, func(r string) bool { return r == normalizedRole })
}

// AddClaims adds claims not yet present.
func (u *User[K]) AddClaims(claims ...claim.Claim) {
	u.Claims = claim.Add(u.Claims, claims...)
}

// ReplaceClaim swaps old for replacement.
func (u *User[K]) ReplaceClaim(old, replacement claim.Claim) {
	u.Claims = claim.Replace(u.Claims, old, replacement)
}

// RemoveClaims drops the given claims.
func (u *User[K]) RemoveClaims(claims ...claim.Claim) {
	u.Claims = claim.Remove(u.Claims, claims...)
}

// AddLogin links an external login. An existing link for the same
// provider and key is replaced.
func (u *User[K]) AddLogin(l Login) {
	u.RemoveLogin(l.LoginProvider, l.ProviderKey)
	u.Logins = append(u.Logins, l)
}

// RemoveLogin unlinks an external login.
func (u *User[K]) RemoveLogin(provider, key string) {
	u.Logins = slices.DeleteFunc(u.Logins, func(l Login) bool {
		return l.LoginProvider == provider && l.ProviderKey == key
	})
}

// LoginsByProvider returns the logins for one provider.
func (u *User[K]) LoginsByProvider(provider string) []Login {
	var out []Login
	for _, l := range u.Logins {
		if l.LoginProvider == provider {
			out = append(out, l)
		}
	}
	return out
}

// SetToken stores a token, replacing one with the same provider and name.
func (u *User[K]) SetToken(provider, name, value string) {
	for i := range u.Tokens {
		if u.Tokens[i].LoginProvider == provider && u.Tokens[i].Name == name {
			u.Tokens[i].Value = value
			return
		}
	}
	u.Tokens = append(u.Tokens, Token{LoginProvider: provider, Name: name, Value: value})
}

// RemoveToken drops a token.
func (u *User[K]) RemoveToken(provider, name string) {
	u.Tokens = slices.DeleteFunc(u.Tokens, func(t Token) bool {
		return t.LoginProvider == provider && t.Name == name
	})
}

// Token returns the value of a stored token.
func (u *User[K]) Token(provider, name string) (string, bool) {
	for _, t := range u.Tokens {
		if t.LoginProvider == provider && t.Name == name {
			return t.Value, true
		}
	}
	return "", false
}

// IncrementAccessFailedCount records a failed sign-in and returns the new count.
func (u *User[K]) IncrementAccessFailedCount() int {
	u.AccessFailedCount++
	return u.AccessFailedCount
}

// ResetAccessFailedCount clears the failed sign-in counter.
func (u *User[K]) ResetAccessFailedCount() { u.AccessFailedCount = 0 }

// LockedOut reports whether the account is locked at t.
func (u *User[K]) LockedOut(t time.Time) bool {
	return u.LockoutEnabled && u.LockoutEnd != nil && u.LockoutEnd.After(t)
}
