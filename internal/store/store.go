package store

import (
	"context"
	"errors"

	"vpsforge/internal/instance"
)

var (
	// ErrNotFound is returned when no record matches the query
	ErrNotFound = errors.New("instance not found")
	// ErrAlreadyExists is returned when inserting a duplicate instance ID
	ErrAlreadyExists = errors.New("instance already exists")
)

// Store defines the persistence contract required by the orchestrator.
// Records are never deleted: termination is a status change.
type Store interface {
	Insert(ctx context.Context, rec *instance.Record) error
	Update(ctx context.Context, rec *instance.Record) error
	FindByID(ctx context.Context, id string) (*instance.Record, error)
	FindByExternalID(ctx context.Context, externalID string) (*instance.Record, error)
	List(ctx context.Context) ([]*instance.Record, error)
	Close() error
}
