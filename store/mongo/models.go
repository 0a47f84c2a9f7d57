package mongo

import (
	"fmt"
	"maps"
	"time"

	"github.com/xraph/grove"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/custodian/claim"
	"github.com/xraph/custodian/keytype"
	"github.com/xraph/custodian/migrate"
	"github.com/xraph/custodian/role"
	"github.com/xraph/custodian/user"
)

// ──────────────────────────────────────────────────
// Embedded models
// ──────────────────────────────────────────────────

// Embedded entries keep sub-fields they have no field for in Extra. The
// account types cannot carry them, so on read the whole entry is copied to
// a legacy array in the record's metadata and survives the next write.
const (
	legacyLoginsField = "legacy_logins"
	legacyTokensField = "legacy_tokens"
)

type claimModel struct {
	Type  string         `bson:"type"`
	Value string         `bson:"value"`
	Extra map[string]any `bson:",inline"`
}

type loginModel struct {
	LoginProvider       string         `bson:"login_provider"`
	ProviderKey         string         `bson:"provider_key"`
	ProviderDisplayName string         `bson:"provider_display_name,omitempty"`
	Extra               map[string]any `bson:",inline"`
}

type tokenModel struct {
	LoginProvider string         `bson:"login_provider"`
	Name          string         `bson:"name"`
	Value         string         `bson:"value"`
	Extra         map[string]any `bson:",inline"`
}

func claimsToModel(cs []claim.Claim) []claimModel {
	out := make([]claimModel, len(cs))
	for i, c := range cs {
		out[i] = claimModel{Type: c.Type, Value: c.Value}
	}
	return out
}

func claimsFromModel(ms []claimModel, meta map[string]any) ([]claim.Claim, map[string]any) {
	if len(ms) == 0 {
		return nil, meta
	}
	out := make([]claim.Claim, len(ms))
	for i, m := range ms {
		out[i] = claim.Claim{Type: m.Type, Value: m.Value}
		if len(m.Extra) > 0 {
			meta = keepLegacy(meta, migrate.LegacyClaimsField, m.Extra, bson.M{"type": m.Type, "value": m.Value})
		}
	}
	return out, meta
}

// keepLegacy appends the entry rebuilt from known and extra to the array
// under field.
func keepLegacy(meta map[string]any, field string, extra map[string]any, known bson.M) map[string]any {
	entry := make(bson.M, len(extra)+len(known))
	maps.Copy(entry, extra)
	maps.Copy(entry, known)

	if meta == nil {
		meta = make(map[string]any)
	}
	var list bson.A
	switch v := meta[field].(type) {
	case nil:
	case bson.A:
		list = v
	case []any:
		list = v
	default:
		list = bson.A{v}
	}
	meta[field] = append(list, entry)
	return meta
}

// ──────────────────────────────────────────────────
// User model
// ──────────────────────────────────────────────────

// The collection comes from Collections; the table tag only names the
// default. Extra holds fields this version does not know about.
type userModel struct {
	grove.BaseModel      `grove:"table:users" bson:"-"`
	ID                   any            `grove:"id,pk"                  bson:"_id"`
	UserName             string         `grove:"user_name"              bson:"user_name"`
	NormalizedUserName   string         `grove:"normalized_user_name"   bson:"normalized_user_name,omitempty"`
	Email                string         `grove:"email"                  bson:"email,omitempty"`
	NormalizedEmail      string         `grove:"normalized_email"       bson:"normalized_email,omitempty"`
	EmailConfirmed       bool           `grove:"email_confirmed"        bson:"email_confirmed"`
	PasswordHash         string         `grove:"password_hash"          bson:"password_hash,omitempty"`
	SecurityStamp        string         `grove:"security_stamp"         bson:"security_stamp,omitempty"`
	ConcurrencyStamp     string         `grove:"concurrency_stamp"      bson:"concurrency_stamp"`
	PhoneNumber          string         `grove:"phone_number"           bson:"phone_number,omitempty"`
	PhoneNumberConfirmed bool           `grove:"phone_number_confirmed" bson:"phone_number_confirmed"`
	TwoFactorEnabled     bool           `grove:"two_factor_enabled"     bson:"two_factor_enabled"`
	LockoutEnd           *time.Time     `grove:"lockout_end"            bson:"lockout_end,omitempty"`
	LockoutEnabled       bool           `grove:"lockout_enabled"        bson:"lockout_enabled"`
	AccessFailedCount    int            `grove:"access_failed_count"    bson:"access_failed_count"`
	Roles                []string       `grove:"roles"                  bson:"roles"`
	Claims               []claimModel   `grove:"claims"                 bson:"claims"`
	Logins               []loginModel   `grove:"logins"                 bson:"logins"`
	Tokens               []tokenModel   `grove:"tokens"                 bson:"tokens"`
	SchemaVersion        int            `grove:"schema_version"         bson:"schema_version"`
	Extra                map[string]any `grove:"-"                      bson:",inline"`
}

func userToModel[K comparable](u *user.User[K], keys keytype.Adapter[K], version int) *userModel {
	m := &userModel{
		ID:                   keys.Encode(u.ID),
		UserName:             u.UserName,
		NormalizedUserName:   u.NormalizedUserName,
		Email:                u.Email,
		NormalizedEmail:      u.NormalizedEmail,
		EmailConfirmed:       u.EmailConfirmed,
		PasswordHash:         u.PasswordHash,
		SecurityStamp:        u.SecurityStamp,
		ConcurrencyStamp:     u.ConcurrencyStamp,
		PhoneNumber:          u.PhoneNumber,
		PhoneNumberConfirmed: u.PhoneNumberConfirmed,
		TwoFactorEnabled:     u.TwoFactorEnabled,
		LockoutEnd:           u.LockoutEnd,
		LockoutEnabled:       u.LockoutEnabled,
		AccessFailedCount:    u.AccessFailedCount,
		Roles:                append([]string{}, u.Roles...),
		Claims:               claimsToModel(u.Claims),
		Logins:               make([]loginModel, len(u.Logins)),
		Tokens:               make([]tokenModel, len(u.Tokens)),
		SchemaVersion:        version,
		Extra:                maps.Clone(u.Metadata),
	}
	for i, l := range u.Logins {
		m.Logins[i] = loginModel{
			LoginProvider:       l.LoginProvider,
			ProviderKey:         l.ProviderKey,
			ProviderDisplayName: l.ProviderDisplayName,
		}
	}
	for i, t := range u.Tokens {
		m.Tokens[i] = tokenModel{LoginProvider: t.LoginProvider, Name: t.Name, Value: t.Value}
	}
	return m
}

func userFromModel[K comparable](m *userModel, keys keytype.Adapter[K]) (*user.User[K], error) {
	key, err := keys.Decode(m.ID)
	if err != nil {
		return nil, fmt.Errorf("decode user key %v: %w", m.ID, err)
	}
	u := &user.User[K]{
		ID:                   key,
		UserName:             m.UserName,
		NormalizedUserName:   m.NormalizedUserName,
		Email:                m.Email,
		NormalizedEmail:      m.NormalizedEmail,
		EmailConfirmed:       m.EmailConfirmed,
		PasswordHash:         m.PasswordHash,
		SecurityStamp:        m.SecurityStamp,
		ConcurrencyStamp:     m.ConcurrencyStamp,
		PhoneNumber:          m.PhoneNumber,
		PhoneNumberConfirmed: m.PhoneNumberConfirmed,
		TwoFactorEnabled:     m.TwoFactorEnabled,
		LockoutEnd:           m.LockoutEnd,
		LockoutEnabled:       m.LockoutEnabled,
		AccessFailedCount:    m.AccessFailedCount,
		Roles:                m.Roles,
	}

	var meta map[string]any
	if len(m.Extra) > 0 {
		meta = m.Extra
	}
	u.Claims, meta = claimsFromModel(m.Claims, meta)
	for _, l := range m.Logins {
		u.Logins = append(u.Logins, user.Login{
			LoginProvider:       l.LoginProvider,
			ProviderKey:         l.ProviderKey,
			ProviderDisplayName: l.ProviderDisplayName,
		})
		if len(l.Extra) > 0 {
			known := bson.M{"login_provider": l.LoginProvider, "provider_key": l.ProviderKey}
			if l.ProviderDisplayName != "" {
				known["provider_display_name"] = l.ProviderDisplayName
			}
			meta = keepLegacy(meta, legacyLoginsField, l.Extra, known)
		}
	}
	for _, t := range m.Tokens {
		u.Tokens = append(u.Tokens, user.Token{LoginProvider: t.LoginProvider, Name: t.Name, Value: t.Value})
		if len(t.Extra) > 0 {
			meta = keepLegacy(meta, legacyTokensField, t.Extra, bson.M{"login_provider": t.LoginProvider, "name": t.Name, "value": t.Value})
		}
	}
	u.Metadata = meta
	return u, nil
}

// ──────────────────────────────────────────────────
// Role model
// ──────────────────────────────────────────────────

type roleModel struct {
	grove.BaseModel  `grove:"table:roles" bson:"-"`
	ID               any            `grove:"id,pk"             bson:"_id"`
	Name             string         `grove:"name"              bson:"name"`
	NormalizedName   string         `grove:"normalized_name"   bson:"normalized_name"`
	ConcurrencyStamp string         `grove:"concurrency_stamp" bson:"concurrency_stamp"`
	Claims           []claimModel   `grove:"claims"            bson:"claims"`
	Extra            map[string]any `grove:"-"                 bson:",inline"`
}

func roleToModel[K comparable](r *role.Role[K], keys keytype.Adapter[K]) *roleModel {
	return &roleModel{
		ID:               keys.Encode(r.ID),
		Name:             r.Name,
		NormalizedName:   r.NormalizedName,
		ConcurrencyStamp: r.ConcurrencyStamp,
		Claims:           claimsToModel(r.Claims),
		Extra:            maps.Clone(r.Metadata),
	}
}

func roleFromModel[K comparable](m *roleModel, keys keytype.Adapter[K]) (*role.Role[K], error) {
	key, err := keys.Decode(m.ID)
	if err != nil {
		return nil, fmt.Errorf("decode role key %v: %w", m.ID, err)
	}
	r := &role.Role[K]{
		ID:               key,
		Name:             m.Name,
		NormalizedName:   m.NormalizedName,
		ConcurrencyStamp: m.ConcurrencyStamp,
	}
	var meta map[string]any
	if len(m.Extra) > 0 {
		meta = m.Extra
	}
	r.Claims, r.Metadata = claimsFromModel(m.Claims, meta)
	return r, nil
}
