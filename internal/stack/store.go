// Package stack persists the record of what each named stack created.
//
// A record is created empty when a build starts, which reserves the name,
// saved once instances exist, and moved (never deleted) into a destroyed
// area when the stack is torn down.
package stack

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrExists      = errors.New("stack already exists")
	ErrNotFound    = errors.New("stack not found")
	ErrInvalidName = errors.New("invalid stack name")
)

// DestroyedDir is the area destroyed records are moved into.
const DestroyedDir = "destroyed"

// Handle refers to a record reserved by Create.
type Handle struct {
	Name string
}

// Entry is one active stack.
type Entry struct {
	Name   string
	Record *Record
}

// Store persists stack records.
type Store interface {
	// Create reserves name. It fails with ErrExists if a record is already
	// there, so two builds can never share a name.
	Create(ctx context.Context, name string) (*Handle, error)
	// Exists reports whether an active record exists for name.
	Exists(ctx context.Context, name string) (bool, error)
	// Save overwrites the record behind h.
	Save(ctx context.Context, h *Handle, r *Record) error
	// Load fails with ErrNotFound if there is no active record for name.
	Load(ctx context.Context, name string) (*Record, error)
	// Destroy moves the record into the destroyed area under a name that
	// embeds name and the current time, and returns where it went.
	Destroy(ctx context.Context, name string) (string, error)
	// List returns every active record sorted by name.
	List(ctx context.Context) ([]Entry, error)
}

// ValidateName rejects names that cannot be stored as a single record.
func ValidateName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: name must not be empty", ErrInvalidName)
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("%w %q: name must not contain path separators", ErrInvalidName, name)
	case strings.HasPrefix(name, "."):
		return fmt.Errorf("%w %q: name must not start with a dot", ErrInvalidName, name)
	case name == DestroyedDir || name == "scripts":
		return fmt.Errorf("%w %q: name is reserved", ErrInvalidName, name)
	}
	return nil
}

func destroyedName(name string, unix int64) string {
	return fmt.Sprintf("%s-%d", name, unix)
}
