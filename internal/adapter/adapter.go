// Package adapter defines the capability surface a vendor feed must provide.
// One concrete implementation exists per vendor, selected at construction
// time; callers never inspect the concrete type.
package adapter

import (
	"context"

	"github.com/marketcalls/tickstream/internal/schema"
)

// State describes the lifecycle of an upstream feed connection.
type State int32

const (
	// StateDisconnected means no connection exists and none is in progress.
	StateDisconnected State = iota
	// StateConnecting means the initial dial is in progress.
	StateConnecting
	// StateAuthenticating means the transport is up and the vendor may still
	// reject the presented credentials.
	StateAuthenticating
	// StateStreaming means the subscription set has been replayed and ticks
	// are flowing.
	StateStreaming
	// StateReconnecting means the connection was lost and a retry is pending.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateStreaming:
		return "STREAMING"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Feed is the vendor adapter capability interface. Subscribe and Unsubscribe
// accept batches and are idempotent: re-subscribing an active topic or
// unsubscribing an inactive one is a no-op. Decoded ticks are published to
// the bus the adapter was constructed with; delivery is fire-and-forget.
type Feed interface {
	// Connect dials and authenticates the vendor socket, returning once the
	// feed is streaming or the credentials were rejected. After a successful
	// Connect, transient disconnects are retried internally and the current
	// subscription set is replayed before the feed reports streaming again.
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topics []schema.Topic) error
	Unsubscribe(ctx context.Context, topics []schema.Topic) error
	State() State
	// Err returns the terminal failure that stopped the feed, if any.
	Err() error
	Close() error
}

// Credentials carries everything needed to open an authenticated vendor
// connection. Supplied by the surrounding platform.
type Credentials struct {
	APIKey     string
	ClientCode string
	AuthToken  string
	FeedToken  string
}

// CredentialResolver resolves the credential set for a platform user.
type CredentialResolver interface {
	ResolveCredentials(ctx context.Context, userID string) (Credentials, error)
}

// StaticCredentialResolver returns a fixed credential set for every user.
type StaticCredentialResolver struct {
	Credentials Credentials
}

// ResolveCredentials implements CredentialResolver.
func (r StaticCredentialResolver) ResolveCredentials(context.Context, string) (Credentials, error) {
	return r.Credentials, nil
}
