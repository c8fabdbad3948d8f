package types

import "fmt"

// NodeId tags a participant in the cluster. Replicas occupy
// [0, FirstClient); clients occupy [FirstClient, ^uint32(0)]. This
// partition governs TLS policy and routing (spec.md §3).
type NodeId uint32

func (n NodeId) String() string {
	return fmt.Sprintf("N%d", uint32(n))
}

// IsReplica reports whether this id falls below firstClient, and is
// therefore a member of the ordering protocol rather than a submitter
// of requests.
func (n NodeId) IsReplica(firstClient NodeId) bool {
	return n < firstClient
}

// Targets builds the contiguous id range [from, to).
func Targets(from, to NodeId) []NodeId {
	ids := make([]NodeId, 0, int(to)-int(from))
	for id := from; id < to; id++ {
		ids = append(ids, id)
	}
	return ids
}
