package match

import "time"

// EventType names a committed state transition.
type EventType string

const (
	EventMatchCreated         EventType = "MATCH_CREATED"
	EventMatchJoined          EventType = "MATCH_JOINED"
	EventResultSubmitted      EventType = "RESULT_SUBMITTED"
	EventMatchResolved        EventType = "MATCH_RESOLVED"
	EventStakeWithdrawn       EventType = "STAKE_WITHDRAWN"
	EventMatchRefunded        EventType = "MATCH_REFUNDED"
	EventResolverSet          EventType = "RESOLVER_SET"
	EventFeesUpdated          EventType = "FEES_UPDATED"
	EventOwnershipTransferred EventType = "OWNERSHIP_TRANSFERRED"
)

// Event is a notification for off-system observers. MatchID is zero for
// admin events.
type Event struct {
	Type    EventType `json:"type"`
	MatchID uint64    `json:"matchId,omitempty"`
	Actor   Address   `json:"actor"`
	At      time.Time `json:"at"`
	Payload any       `json:"payload,omitempty"`
}

type MatchCreated struct {
	Creator       Address   `json:"creator"`
	Opponent      Address   `json:"opponent,omitempty"`
	Token         string    `json:"token"`
	Stake         uint64    `json:"stake"`
	StartDeadline time.Time `json:"startDeadline"`
	Resolver      Address   `json:"resolver,omitempty"`
	FeeBps        uint32    `json:"feeBps"`
}

type MatchJoined struct {
	Opponent        Address   `json:"opponent"`
	ResolveDeadline time.Time `json:"resolveDeadline"`
}

type ResultSubmitted struct {
	Player        Address `json:"player"`
	ClaimedWinner Address `json:"claimedWinner"`
}

// ResolutionPath tells how a match was resolved.
type ResolutionPath string

const (
	PathMutual  ResolutionPath = "MUTUAL"
	PathReferee ResolutionPath = "REFEREE"
)

type MatchResolved struct {
	Winner       Address        `json:"winner"`
	Prize        uint64         `json:"prize"`
	Fee          uint64         `json:"fee"`
	FeeRecipient Address        `json:"feeRecipient,omitempty"`
	Path         ResolutionPath `json:"path"`
}

type StakeWithdrawn struct {
	Player Address `json:"player"`
	Amount uint64  `json:"amount"`
}

// RefundRail tells which deadline rail refunded a match.
type RefundRail string

const (
	RailUnjoined RefundRail = "UNJOINED"
	RailTimeout  RefundRail = "TIMEOUT"
)

type MatchRefunded struct {
	Rail   RefundRail `json:"rail"`
	Amount uint64     `json:"amount"`
}

type ResolverSet struct {
	Account Address `json:"account"`
	Allowed bool    `json:"allowed"`
}

type FeesUpdated struct {
	Recipient  Address `json:"recipient,omitempty"`
	DefaultBps uint32  `json:"defaultBps"`
	MaxBps     uint32  `json:"maxBps"`
}

type OwnershipTransferred struct {
	PreviousOwner Address `json:"previousOwner"`
	NewOwner      Address `json:"newOwner"`
}
