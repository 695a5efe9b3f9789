// Package store defines the aggregate persistence interface. Each subsystem
// (decision, secevent, alert, rolechange) defines its own store interface and
// the composite Store embeds them all.
// Backends: Memory, Postgres, SQLite and MongoDB.
package store

import (
	"context"

	"github.com/xraph/bastion/alert"
	"github.com/xraph/bastion/decision"
	"github.com/xraph/bastion/rolechange"
	"github.com/xraph/bastion/secevent"
)

// Store is the aggregate persistence interface. A single backend implements
// all subsystem stores.
type Store interface {
	decision.Store
	secevent.Store
	alert.Store
	rolechange.Store

	// Migrate runs all schema migrations.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close closes the store connection.
	Close() error
}
