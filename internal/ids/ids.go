// Package ids mints the identifiers checkoutd hands out: time-ordered UUIDv7
// values for durable entities and compact xids for short-lived tokens.
package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// New returns a UUIDv7 string. It panics only when the system entropy source
// fails.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Session returns a new checkout session id.
func Session() string { return New() }

// Order returns a new order id.
func Order() string { return "ord_" + New() }

// Token returns a random, sortable token used for lock ownership.
func Token() string { return xid.New().String() }
