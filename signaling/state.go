package signaling

// State is the negotiation state of one connection. States only move
// forward and nothing leaves StateClosed.
type State int

const (
	StateInit State = iota
	StateNegotiating
	StateConnected
	StateEnding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateNegotiating:
		return "NEGOTIATING"
	case StateConnected:
		return "CONNECTED"
	case StateEnding:
		return "ENDING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}
