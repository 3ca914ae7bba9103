package transport

// ConnState is the WebSocket lifecycle state from SPEC_FULL.md §4.4:
//
//	Disconnected -(connect)-> Handshaking -(ok)-> Authenticated -(keepalive)-> Authenticated
//	     ^                                            |
//	     +-------------- (fatal/close/auth-expired) --+
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateHandshaking
	StateAuthenticated
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}
