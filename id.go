package bastion

import "github.com/xraph/bastion/id"

// ID is the identifier type of security events, alerts, rules and role
// changes.
type ID = id.ID

// Prefix identifies the entity type encoded in an ID.
type Prefix = id.Prefix
