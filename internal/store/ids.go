package store

import "github.com/google/uuid"

// NewID returns a fresh entity id. Exposed so intake can mint ids for rows
// it constructs before handing them to the store.
func NewID() string { return uuid.NewString() }

func newID() string { return NewID() }
