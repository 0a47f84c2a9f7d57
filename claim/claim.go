// Package claim defines the type/value pair attached to accounts and roles.
package claim

// Claim is a single statement about a subject.
type Claim struct {
	Type  string `json:"type" bson:"type"`
	Value string `json:"value" bson:"value"`
}

// New returns a claim.
func New(typ, value string) Claim { return Claim{Type: typ, Value: value} }

// Index returns the position of c in list, or -1.
func Index(list []Claim, c Claim) int {
	for i := range list {
		if list[i] == c {
			return i
		}
	}
	return -1
}

// Add appends the claims not yet present in list.
func Add(list []Claim, claims ...Claim) []Claim {
	for _, c := range claims {
		if Index(list, c) < 0 {
			list = append(list, c)
		}
	}
	return list
}

// Remove drops every occurrence of the given claims.
func Remove(list []Claim, claims ...Claim) []Claim {
	out := list[:0]
	for _, c := range list {
		if Index(claims, c) < 0 {
			out = append(out, c)
		}
	}
	return out
}

// Replace swaps every occurrence of old with replacement.
func Replace(list []Claim, old, replacement Claim) []Claim {
	for i := range list {
		if list[i] == old {
			list[i] = replacement
		}
	}
	return list
}

// Clone returns a copy of list.
func Clone(list []Claim) []Claim {
	if list == nil {
		return nil
	}
	out := make([]Claim, len(list))
	copy(out, list)
	return out
}
