package types

// MessageKind tags which payload variant a Message carries (spec.md
// §6, "Message kinds").
type MessageKind uint8

const (
	KindConsensus MessageKind = iota
	KindViewChange
	KindClientRequest
	KindClientReply
	KindForwardedRequest
	KindStateTransfer
	KindObserver
)

// Message is the payload carried behind a Header: a tagged union over
// the seven wire message kinds from spec.md §6. Only the field
// matching Kind is populated; JSON is used for the wire encoding
// (following the teacher's transport.go, which marshals every message
// with encoding/json), so a struct with omitempty pointer/slice fields
// serializes compactly even though only one variant is ever set.
type Message struct {
	Kind MessageKind

	Consensus        *ConsensusMessage     `json:",omitempty"`
	ViewChange       *ViewChangeMessage    `json:",omitempty"`
	ClientRequest    *ClientRequest        `json:",omitempty"`
	ClientReply      *ClientReply          `json:",omitempty"`
	ForwardedRequest *ForwardedRequest     `json:",omitempty"`
	StateTransfer    *StateTransferMessage `json:",omitempty"`
	Observer         *ObserverMessage      `json:",omitempty"`
}

func ConsensusEnvelope(m ConsensusMessage) Message {
	return Message{Kind: KindConsensus, Consensus: &m}
}

func ViewChangeEnvelope(m ViewChangeMessage) Message {
	return Message{Kind: KindViewChange, ViewChange: &m}
}

func ClientRequestEnvelope(m ClientRequest) Message {
	return Message{Kind: KindClientRequest, ClientRequest: &m}
}

func ClientReplyEnvelope(m ClientReply) Message {
	return Message{Kind: KindClientReply, ClientReply: &m}
}

func ForwardedRequestEnvelope(m ForwardedRequest) Message {
	return Message{Kind: KindForwardedRequest, ForwardedRequest: &m}
}

func StateTransferEnvelope(m StateTransferMessage) Message {
	return Message{Kind: KindStateTransfer, StateTransfer: &m}
}

func ObserverEnvelope(m ObserverMessage) Message {
	return Message{Kind: KindObserver, Observer: &m}
}
