package account

import "github.com/google/uuid"

// ID represents an account ID
type ID string

// NewID generates a new account ID
func NewID() ID {
	return ID(uuid.Must(uuid.NewV7()).String())
}

// String implements fmt.Stringer
func (id ID) String() string { return string(id) }
