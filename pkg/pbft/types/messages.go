package types

// ConsensusPhase tags the three normal-case PBFT phases plus the
// leader's proposal (spec.md §3, §4.6).
type ConsensusPhase uint8

const (
	PrePrepare ConsensusPhase = iota
	Prepare
	Commit
)

func (c ConsensusPhase) String() string {
	switch c {
	case PrePrepare:
		return "PRE-PREPARE"
	case Prepare:
		return "PREPARE"
	case Commit:
		return "COMMIT"
	default:
		return "UNKNOWN"
	}
}

// ConsensusMessage is the payload variant carrying one phase of the
// three-phase protocol for a given (view, seq) pair (spec.md §3).
type ConsensusMessage struct {
	Seq    SeqNo
	View   SeqNo
	Kind   ConsensusPhase
	// BatchDigest is set on every phase. RequestDigests is only set on
	// PrePrepare, carrying the ordered list of request digests in the
	// proposed batch.
	BatchDigest    Digest
	RequestDigests []Digest
}

func (m ConsensusMessage) SequenceNumber() SeqNo { return m.Seq }

// ViewChangeKind tags the three view-change payload variants (spec.md
// §3, §4.7).
type ViewChangeKind uint8

const (
	Stop ViewChangeKind = iota
	StopData
	Sync
)

func (k ViewChangeKind) String() string {
	switch k {
	case Stop:
		return "STOP"
	case StopData:
		return "STOPDATA"
	case Sync:
		return "SYNC"
	default:
		return "UNKNOWN"
	}
}

// LastDecision captures the last batch a replica committed, carried in
// a StopData proof so the new view's primary can safely continue the
// log without losing an already-decided height.
type LastDecision struct {
	Seq         SeqNo
	BatchDigest Digest
	// CommitProof holds the quorum of commit votes backing the
	// decision: sender ids are enough, since the transport already
	// authenticates each peer link.
	CommitProof []NodeId
}

// NewViewProof is what SYNC carries: the chosen continuation prefix
// for the next view, i.e. the decision (if any) the new primary must
// re-propose before accepting fresh requests.
type NewViewProof struct {
	TargetView   SeqNo
	Continuation *LastDecision
	// StopDataQuorum records which replicas' STOPDATA contributed,
	// for auditability.
	StopDataQuorum []NodeId
}

// ViewChangeMessage is the payload variant for the synchronizer
// subprotocol (spec.md §3).
type ViewChangeMessage struct {
	Kind ViewChangeKind
	// Requests is carried by STOP: the request digests the sender has
	// seen but not yet had decided, so the new primary knows what to
	// re-propose.
	Requests []Digest
	// LastDecision is carried by STOPDATA.
	LastDecision *LastDecision
	// Proof is carried by SYNC.
	Proof *NewViewProof
}

// ClientRequest is a client's operation submission (spec.md §6).
type ClientRequest struct {
	Session   NodeId
	OpID      uint64
	Operation []byte
}

// Digest computes the request's digest, used for batching. No code
// checks it against a view's hash-space partition.
func (r ClientRequest) Digest() Digest {
	buf := make([]byte, 0, 12+len(r.Operation))
	buf = appendUint64(buf, uint64(r.Session))
	buf = appendUint64(buf, r.OpID)
	buf = append(buf, r.Operation...)
	return Sum(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	for i := 0; i < 8; i++ {
		buf = append(buf, byte(v>>(8*i)))
	}
	return buf
}

// ClientReply is the response delivered back to a client after its
// request is decided and executed (spec.md §6).
type ClientReply struct {
	Session NodeId
	OpID    uint64
	Reply   []byte
}

// ForwardedRequest re-transmits a client request on the synchronizer's
// behalf when the primary appears unresponsive (spec.md §4.7, §6).
type ForwardedRequest struct {
	Inner ClientRequest
}

// StateTransferMessage is opaque to the core; it is only routed, never
// interpreted (spec.md §6).
type StateTransferMessage struct {
	Payload []byte
}

// ObserverMessage implements the Observer wire kind: a watcher either
// registers itself, or is pushed a value that was just decided (spec.md
// §6, and the supplemented observer feature in SPEC_FULL.md §5).
type ObserverMessage struct {
	Register       bool
	ObservedHeight SeqNo
	ObservedValue  []byte
}
