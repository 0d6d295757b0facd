package remote

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnauthorized indicates that the remote store rejected the credentials.
	ErrUnauthorized = errors.New("remote: unauthorized")
	// ErrRejected indicates that the remote store refused the request payload.
	ErrRejected = errors.New("remote: request rejected")
	// ErrServerError indicates that the remote store failed to serve the request.
	ErrServerError = errors.New("remote: server error")
	// ErrNetworkFailure indicates that the remote store could not be reached.
	ErrNetworkFailure = errors.New("remote: network failure")
	// ErrInvalidResponse indicates that the remote store answered with an unexpected payload.
	ErrInvalidResponse = errors.New("remote: invalid response")
)

// RequestError describes a failed remote call.
type RequestError struct {
	Op     string
	Table  string
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s %s: status %d: %v", e.Op, e.Table, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Unsubscribe tears down a change-feed subscription. It is safe to call more than once.
type Unsubscribe func()

// Handlers receive change events of one table in the order they were published.
type Handlers[R any] struct {
	OnInsert func(row R)
	OnUpdate func(row R)
	OnDelete func(row R)
}

// Client is the remote store surface of one synced table.
type Client[R any] interface {
	// FetchAll returns every row owned by userID.
	FetchAll(ctx context.Context, userID string) ([]R, error)
	// Upsert writes rows keyed on the table's natural key. Re-sending a row is a no-op.
	Upsert(ctx context.Context, userID string, rows []R) error
	// Delete removes the row with the provided natural key.
	Delete(ctx context.Context, userID, key string) error
	// Subscribe delivers change events for userID until the returned func is called
	// or ctx ends.
	Subscribe(ctx context.Context, userID string, handlers Handlers[R]) (Unsubscribe, error)
}

// Resetter deletes every row of a user across all tables.
type Resetter interface {
	Reset(ctx context.Context, userID string) error
}

// ReconnectNotifier reports change-feed reconnects, after which events may have been missed.
type ReconnectNotifier interface {
	OnReconnect(userID string, fn func()) Unsubscribe
}
