package types

// Params bundles the static cluster sizing used to compute quorums,
// matching spec.md §3 ("params = {n, f, quorum = 2f+1}").
type Params struct {
	N       int
	F       int
	Quorum  int
}

// NewParams validates n >= 3f+1 and derives the quorum size.
func NewParams(n, f int) (Params, error) {
	if n < 3*f+1 {
		return Params{}, ErrInvalidClusterParams
	}
	return Params{N: n, F: f, Quorum: 2*f + 1}, nil
}

// HashSlice is a contiguous slice of the request-digest space assigned
// to one leader, expressed as [Low, High) over the first byte of a
// digest's numeric interpretation. It exists so that leaders in a
// multi-leader view cannot propose overlapping request sets in the
// same height (spec.md §3, §4.7).
type HashSlice struct {
	Low, High uint32
}

// Contains reports whether the digest's partition key falls in this
// leader's slice.
func (h HashSlice) Contains(partitionKey uint32) bool {
	return partitionKey >= h.Low && partitionKey < h.High
}

// View is the tuple (view_seq, primary, leader_set, params,
// hash_space_partition) from spec.md §3.
type View struct {
	Seq        SeqNo
	Primary    NodeId
	LeaderSet  []NodeId
	Params     Params
	Partition  map[NodeId]HashSlice
}

// NewSingleLeaderView builds the common-case PBFT view: one leader
// holding the entire hash space, chosen round-robin over n by the view
// sequence number.
func NewSingleLeaderView(seq SeqNo, params Params) View {
	primary := NodeId(int(seq) % params.N)
	return View{
		Seq:       seq,
		Primary:   primary,
		LeaderSet: []NodeId{primary},
		Params:    params,
		Partition: map[NodeId]HashSlice{
			primary: {Low: 0, High: ^uint32(0)},
		},
	}
}

// IsLeader reports whether id is a member of this view's leader set.
func (v View) IsLeader(id NodeId) bool {
	for _, l := range v.LeaderSet {
		if l == id {
			return true
		}
	}
	return false
}

// Targets returns every replica id governed by this view's params.
func (v View) Targets() []NodeId {
	return Targets(0, NodeId(v.Params.N))
}
