package types

import "errors"

// Sentinel errors shared across the core, checked with errors.Is. This
// follows the teacher's flat sentinel style (pkg/mcast/core/deliver.go,
// pkg/mcast/protocol.go) rather than a wrapped-error hierarchy.
var (
	ErrUnsupportedProtocol    = errors.New("pbft: protocol version not supported")
	ErrCommandUnknown         = errors.New("pbft: unknown operation applied to state machine")
	ErrSerializationFailure   = errors.New("pbft: malformed wire payload")
	ErrAuthenticationFailure  = errors.New("pbft: signature or peer identity rejected")
	ErrInvalidClusterParams   = errors.New("pbft: n must be >= 3f+1")
	ErrConnectionClosed       = errors.New("pbft: connection closed")
	ErrMismatchedDestination  = errors.New("pbft: header destination does not match local id")
	ErrQueueFull              = errors.New("pbft: bounded queue full")
	ErrNotLeader              = errors.New("pbft: local id is not the leader of this view")
)
