package custodian

import "github.com/xraph/custodian/id"

// ID is the default identifier type for accounts and roles.
type ID = id.ID

// Prefix identifies the record kind encoded in an ID.
type Prefix = id.Prefix
