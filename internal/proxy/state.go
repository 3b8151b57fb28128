package proxy

// State is a step in a connection's lifecycle.
type State int

const (
	StateInit State = iota
	StateReadRequestLine
	StateParse
	StateRejected
	StateResolveTarget
	StateConnectUpstream
	StateFailed
	StateForwardRequest
	StateRelayResponse
	StateClosed
)

var stateNames = [...]string{
	StateInit:            "INIT",
	StateReadRequestLine: "READ_REQUEST_LINE",
	StateParse:           "PARSE",
	StateRejected:        "REJECTED",
	StateResolveTarget:   "RESOLVE_TARGET",
	StateConnectUpstream: "CONNECT_UPSTREAM",
	StateFailed:          "FAILED",
	StateForwardRequest:  "FORWARD_REQUEST",
	StateRelayResponse:   "RELAY_RESPONSE",
	StateClosed:          "CLOSED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateFailed || s == StateClosed
}
