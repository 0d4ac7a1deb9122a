// Package agentmsg defines the typed message envelope the Supervisor
// publishes as each pipeline stage hands its output to the next one,
// plus the bounded RingBuffer that backs its audit trail.
package agentmsg

import (
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates the payload carried by an AgentMessage.
type MessageType string

const (
	TypeMarketUpdate MessageType = "market_update"
	TypeSignal       MessageType = "signal"
	TypeDecision     MessageType = "decision"
	TypeVeto         MessageType = "veto"
	TypeExecution    MessageType = "execution"
	TypeRiskAlert    MessageType = "risk_alert"
	TypeStateUpdate  MessageType = "state_update"
	TypeError        MessageType = "error"
)

// Payload is implemented by exactly one concrete struct per MessageType,
// so a type switch at a consumer is exhaustive at compile time instead
// of keying off an untyped map.
type Payload interface {
	isPayload()
}

// Priority levels; 1 is highest, matching the source convention.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// Message is the structured envelope every component communicates with.
type Message struct {
	ID               string
	Type             MessageType
	Source           string
	Target           *string // nil means broadcast
	Timestamp        time.Time
	Payload          Payload
	Priority         int
	RequiresResponse bool
	CorrelationID    string
}

// New builds a broadcast message of the given type carrying payload p.
func New(source string, msgType MessageType, p Payload) Message {
	return Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Source:    source,
		Timestamp: time.Now(),
		Payload:   p,
		Priority:  PriorityDefault,
	}
}

// WithPriority returns a copy of the message with a different priority.
func (m Message) WithPriority(p int) Message {
	m.Priority = p
	return m
}

// WithTarget returns a copy of the message addressed to a specific component.
func (m Message) WithTarget(target string) Message {
	m.Target = &target
	return m
}

// WithCorrelation returns a copy of the message correlated to a prior one.
func (m Message) WithCorrelation(id string) Message {
	m.CorrelationID = id
	return m
}
