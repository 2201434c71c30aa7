package negotiator

// State of a negotiation with one remote peer.
//
//	New -> OfferSent | OfferReceived -> Answered -> Connected
//
// Closed is terminal and reachable from any state.
type State int

const (
	StateNew State = iota
	StateOfferSent
	StateOfferReceived
	StateAnswered
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswered:
		return "answered"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}
