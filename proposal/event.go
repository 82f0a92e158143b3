package proposal

import (
	"encoding/json"
	"math/big"
)

// EventKind is the closed set of chain notifications the lifecycle understands.
type EventKind uint8

const (
	EventUnknown EventKind = iota
	EventRegistered
	EventVoteTallyMet
	EventExecuted
	EventRejectedOnChain
)

var eventKindNames = map[EventKind]string{
	EventUnknown:         "unknown",
	EventRegistered:      "registered",
	EventVoteTallyMet:    "voteTallyMet",
	EventExecuted:        "executed",
	EventRejectedOnChain: "rejectedOnChain",
}

// contract event names accepted as aliases of the lifecycle kinds
var eventKindAliases = map[string]EventKind{
	"ProposalCreated":  EventRegistered,
	"ProposalExecuted": EventExecuted,
}

func ParseEventKind(s string) EventKind {
	for k, name := range eventKindNames {
		if k != EventUnknown && name == s {
			return k
		}
	}
	if k, ok := eventKindAliases[s]; ok {
		return k
	}
	return EventUnknown
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return eventKindNames[EventUnknown]
}

// Target is the status an event of this kind moves a proposal to.
func (k EventKind) Target() (Status, bool) {
	switch k {
	case EventRegistered:
		return StatusOnChainPending, true
	case EventVoteTallyMet:
		return StatusActive, true
	case EventExecuted:
		return StatusExecuted, true
	case EventRejectedOnChain:
		return StatusRejected, true
	case EventUnknown:
		return "", false
	}
	return "", false
}

type ChainEvent struct {
	Kind EventKind
	// RawKind keeps the wire name, useful when Kind is EventUnknown.
	RawKind         string
	ChainProposalID *big.Int
	// ProposalID is the off-chain id, only carried by some registered events.
	ProposalID string
	TxRef      string
	Payload    json.RawMessage
	Source     Source
}
