package types

import (
	"net"
	"time"
)

// TLSHandles bundles the already-configured acceptor/connector the
// core uses to upgrade a raw TCP connection, matching spec.md §1/§6:
// "TLS configuration construction... the core uses already-configured
// acceptors/connectors." A nil Wrap means plaintext (allowed only for
// the bootstrap handshake, per spec.md §6).
type TLSHandles struct {
	// Wrap upgrades an already-dialed/accepted net.Conn. Nil disables
	// TLS entirely.
	Wrap func(net.Conn) (net.Conn, error)
}

// Configuration enumerates every option from spec.md §6's
// configuration table. It generalizes the teacher's
// `types.Configuration`/`types.PeerConfiguration` split.
type Configuration struct {
	// Cluster sizing.
	N NodeId
	F int

	// Local identity and role boundary.
	ID          NodeId
	FirstClient NodeId

	// Peer addresses, indexed by NodeId for every replica in [0, N).
	PeerAddresses map[NodeId]string

	// Client-pool batcher tuning.
	BatchSize          int
	ClientsPerPool     int
	BatchTimeout       time.Duration
	BatchSleepBase     time.Duration

	// Synchronizer tuning.
	ViewChangeTimeout     time.Duration
	ClientRequestTimeout  time.Duration

	// Opaque to the core: directory for the persistent log.
	DBPath string

	// Externally-built TLS handles.
	TLS TLSHandles

	// ProtocolVersion is advertised in every wire header and checked
	// with go-version constraints during the handshake (SPEC_FULL.md
	// §3).
	ProtocolVersion string

	Logger Logger
}

// Params derives the quorum-sizing Params from N and F.
func (c Configuration) Params() (Params, error) {
	return NewParams(int(c.N), c.F)
}

// Validate implements the exit-code-1 check from spec.md §6: "n < 3f+1
// or id out of range".
func (c Configuration) Validate() error {
	if _, err := c.Params(); err != nil {
		return err
	}
	if c.ID >= c.N && c.ID < c.FirstClient {
		return ErrInvalidClusterParams
	}
	return nil
}

// BatchTimeoutMicros and BatchSleepMicros mirror the named options in
// spec.md §6's table verbatim (batch_timeout_micros,
// batch_sleep_micros), expressed as plain durations above for Go
// idiom; these accessors exist so callers that load the config from
// microsecond integers (e.g. the bootstrap CLI) have an obvious unit to
// target.
func (c Configuration) BatchTimeoutMicros() int64 { return c.BatchTimeout.Microseconds() }
func (c Configuration) BatchSleepMicros() int64    { return c.BatchSleepBase.Microseconds() }

// DefaultConfiguration returns sane defaults for a 4-node (f=1)
// cluster, mirroring the teacher's DefaultConfiguration helper.
func DefaultConfiguration() Configuration {
	return Configuration{
		N:                    4,
		F:                    1,
		FirstClient:          4,
		BatchSize:            32,
		ClientsPerPool:       32,
		BatchTimeout:         10 * time.Millisecond,
		BatchSleepBase:       100 * time.Microsecond,
		ViewChangeTimeout:     2 * time.Second,
		ClientRequestTimeout:  3 * time.Second,
		ProtocolVersion:       "1.0.0",
		Logger:                NewNopLogger(),
	}
}
