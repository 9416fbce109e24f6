package session

// State is the negotiation state of a session.
type State int32

const (
	StateIdle State = iota
	StateAuthenticating
	StateSignalingOpen
	// StateOfferPending: a publisher sent its offer and waits for the answer.
	StateOfferPending
	// StateAwaitingOffer: a subscriber sent its view request and waits for
	// the server's description.
	StateAwaitingOffer
	StateDescriptionExchanged
	StateConnected
	StateFailed
)

var stateNames = [...]string{
	StateIdle:                 "idle",
	StateAuthenticating:       "authenticating",
	StateSignalingOpen:        "signaling-open",
	StateOfferPending:         "offer-pending",
	StateAwaitingOffer:        "awaiting-offer",
	StateDescriptionExchanged: "description-exchanged",
	StateConnected:            "connected",
	StateFailed:               "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}
