package migrate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Built-in schema versions.
const (
	VersionEmbeddedRoles       = 1
	VersionClaimsField         = 2
	VersionAuthenticatorTokens = 3
)

// Token coordinates used by the authenticator_tokens step.
const (
	AuthenticatorProvider  = "[AspNetUserStore]"
	AuthenticatorKeyToken  = "AuthenticatorKey"
	RecoveryCodesToken     = "RecoveryCodes"
	recoveryCodesSeparator = ";"
)

// Fields that receive data a step could not map onto the current shape.
const (
	LegacyRolesField  = "legacy_roles"
	LegacyClaimsField = "legacy_claims"
)

var errNoRoles = errors.New("no role backend configured")

// DefaultGroup returns a fresh group holding the built-in steps.
func DefaultGroup() *Group {
	g := NewGroup("custodian")
	g.MustRegister(
		&Step{Version: VersionEmbeddedRoles, Name: "embedded_roles", Up: upEmbeddedRoles},
		&Step{Version: VersionClaimsField, Name: "claims_field", Up: upClaimsField},
		&Step{Version: VersionAuthenticatorTokens, Name: "authenticator_tokens", Up: upAuthenticatorTokens},
	)
	return g
}

// ──────────────────────────────────────────────────
// v1: embedded role documents become normalized names
// ──────────────────────────────────────────────────

var roleKeys = map[string]bool{
	"_id": true, "id": true, "Id": true,
	"name": true, "Name": true,
	"normalized_name": true, "normalizedName": true, "NormalizedName": true,
	"concurrency_stamp": true, "concurrencyStamp": true, "ConcurrencyStamp": true,
}

func upEmbeddedRoles(ctx context.Context, env *Env, doc bson.M) (bool, error) {
	raw, key, ok := lookup(doc, "roles", "Roles")
	if !ok {
		return false, nil
	}
	items, ok := asSlice(raw)
	if !ok {
		if raw == nil {
			delete(doc, key)
			doc["roles"] = bson.A{}
			return true, nil
		}
		return false, nil
	}

	changed := key != "roles"
	names := make(bson.A, 0, len(items))
	seen := make(map[string]bool, len(items))
	var leftovers bson.A

	add := func(name string) {
		if seen[name] {
			changed = true
			return
		}
		seen[name] = true
		names = append(names, name)
	}

	ensure := func(name, normalized string) error {
		if env.Roles == nil {
			return errNoRoles
		}
		if err := env.Roles.EnsureRole(ctx, name, normalized); err != nil {
			return fmt.Errorf("ensure role %q: %w", normalized, err)
		}
		return nil
	}

	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			// A plain entry may be a display name or a normalized one.
			normalized := env.Normalize(s)
			if normalized != s {
				changed = true
			}
			if err := ensure(s, normalized); err != nil {
				return false, err
			}
			add(normalized)
			continue
		}

		changed = true
		m, ok := asMap(item)
		if !ok {
			leftovers = append(leftovers, item)
			continue
		}
		name := stringField(m, "name", "Name")
		normalized := stringField(m, "normalized_name", "normalizedName", "NormalizedName")
		if name == "" && normalized == "" {
			leftovers = append(leftovers, item)
			continue
		}
		if normalized == "" {
			normalized = env.Normalize(name)
		}
		if name == "" {
			name = normalized
		}

		if err := ensure(name, normalized); err != nil {
			return false, err
		}
		add(normalized)

		// Keep whatever the name reference cannot carry.
		for k := range m {
			if !roleKeys[k] {
				leftovers = append(leftovers, item)
				break
			}
		}
	}

	if !changed {
		return false, nil
	}
	delete(doc, key)
	doc["roles"] = names
	appendLegacy(doc, LegacyRolesField, leftovers)
	return true, nil
}

// ──────────────────────────────────────────────────
// v2: claims move to claims: [{type, value}]
// ──────────────────────────────────────────────────

var claimTypeKeys = []string{"type", "claim_type", "claimType", "ClaimType", "Type"}
var claimValueKeys = []string{"value", "claim_value", "claimValue", "ClaimValue", "Value"}

func upClaimsField(_ context.Context, _ *Env, doc bson.M) (bool, error) {
	changed := false
	merged := make(bson.A, 0)
	seen := make(map[[2]string]bool)
	var leftovers bson.A

	collect := func(raw any) {
		items, ok := asSlice(raw)
		if !ok {
			if raw != nil {
				leftovers = append(leftovers, raw)
				changed = true
			}
			return
		}
		for _, item := range items {
			m, ok := asMap(item)
			if !ok {
				leftovers = append(leftovers, item)
				changed = true
				continue
			}
			typ, typKey := stringFieldKey(m, claimTypeKeys...)
			val, valKey := stringFieldKey(m, claimValueKeys...)
			if typ == "" {
				leftovers = append(leftovers, item)
				changed = true
				continue
			}
			// Sub-fields a claim cannot carry go to legacy_claims with the
			// whole entry.
			for field := range m {
				if field != typKey && field != valKey {
					leftovers = append(leftovers, item)
					changed = true
					break
				}
			}
			k := [2]string{typ, val}
			if seen[k] {
				changed = true
				continue
			}
			seen[k] = true

			if typKey != "type" || valKey != "value" {
				changed = true
			}
			merged = append(merged, bson.M{"type": typ, "value": val})
		}
	}

	if raw, ok := doc["claims"]; ok {
		collect(raw)
	}
	for _, key := range []string{"user_claims", "userClaims", "Claims"} {
		raw, ok := doc[key]
		if !ok {
			continue
		}
		changed = true
		collect(raw)
		delete(doc, key)
	}

	if !changed {
		return false, nil
	}
	doc["claims"] = merged
	appendLegacy(doc, LegacyClaimsField, leftovers)
	return true, nil
}

// ──────────────────────────────────────────────────
// v3: authenticator fields become tokens
// ──────────────────────────────────────────────────

func upAuthenticatorTokens(_ context.Context, _ *Env, doc bson.M) (bool, error) {
	changed := false

	tokens, ok := asSlice(doc["tokens"])
	if !ok {
		tokens = bson.A{}
	}

	move := func(key, name, value string) {
		for _, t := range tokens {
			m, ok := asMap(t)
			if !ok {
				continue
			}
			if stringField(m, "login_provider") == AuthenticatorProvider && stringField(m, "name") == name {
				if stringField(m, "value") == value {
					delete(doc, key)
					changed = true
				}
				// A different stored value wins; the legacy field stays put.
				return
			}
		}
		tokens = append(tokens, bson.M{
			"login_provider": AuthenticatorProvider,
			"name":           name,
			"value":          value,
		})
		delete(doc, key)
		changed = true
	}

	if raw, key, ok := lookup(doc, "authenticator_key", "authenticatorKey", "AuthenticatorKey"); ok {
		if s, ok := raw.(string); ok && s != "" {
			move(key, AuthenticatorKeyToken, s)
		} else if raw == nil || ok {
			delete(doc, key)
			changed = true
		}
	}

	if raw, key, ok := lookup(doc, "recovery_codes", "recoveryCodes", "RecoveryCodes"); ok {
		switch v := raw.(type) {
		case nil:
			delete(doc, key)
			changed = true
		case string:
			if v == "" {
				delete(doc, key)
				changed = true
			} else {
				move(key, RecoveryCodesToken, v)
			}
		default:
			if items, ok := asSlice(v); ok {
				codes := make([]string, 0, len(items))
				for _, item := range items {
					if s, ok := item.(string); ok && s != "" {
						codes = append(codes, s)
					}
				}
				if len(codes) == len(items) {
					if len(codes) == 0 {
						delete(doc, key)
						changed = true
					} else {
						move(key, RecoveryCodesToken, strings.Join(codes, recoveryCodesSeparator))
					}
				}
			}
		}
	}

	if changed {
		doc["tokens"] = tokens
	}
	return changed, nil
}

// ──────────────────────────────────────────────────
// Document helpers
// ──────────────────────────────────────────────────

func lookup(doc bson.M, keys ...string) (any, string, bool) {
	for _, k := range keys {
		if v, ok := doc[k]; ok {
			return v, k, true
		}
	}
	return nil, "", false
}

func asSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case bson.A:
		return s, true
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	default:
		return nil, false
	}
}

func asMap(v any) (bson.M, bool) {
	switch m := v.(type) {
	case bson.M:
		return m, true
	case map[string]any:
		return bson.M(m), true
	case bson.D:
		out := make(bson.M, len(m))
		for _, e := range m {
			out[e.Key] = e.Value
		}
		return out, true
	default:
		return nil, false
	}
}

func stringField(m bson.M, keys ...string) string {
	s, _ := stringFieldKey(m, keys...)
	return s
}

func stringFieldKey(m bson.M, keys ...string) (string, string) {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			return s, k
		}
	}
	return "", ""
}

func appendLegacy(doc bson.M, field string, items bson.A) {
	if len(items) == 0 {
		return
	}
	if existing, ok := asSlice(doc[field]); ok {
		items = append(bson.A(existing), items...)
	}
	doc[field] = items
}
