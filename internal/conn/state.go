package conn

// State enumerates the observed SMTP conversation states (spec §4.2). Any
// transition not listed here is a protocol violation and moves directly to
// Close.
type State int

const (
	StateBanner State = iota
	StateHeloIn
	StateHeloOut
	StateMailIn
	StateMailOut
	StateRcptIn
	StateRcptOut
	StateDataIn
	StateDataOut
	StateMessage
	StateReply
	StateClose
)

func (s State) String() string {
	switch s {
	case StateBanner:
		return "BANNER"
	case StateHeloIn:
		return "HELO_IN"
	case StateHeloOut:
		return "HELO_OUT"
	case StateMailIn:
		return "MAIL_IN"
	case StateMailOut:
		return "MAIL_OUT"
	case StateRcptIn:
		return "RCPT_IN"
	case StateRcptOut:
		return "RCPT_OUT"
	case StateDataIn:
		return "DATA_IN"
	case StateDataOut:
		return "DATA_OUT"
	case StateMessage:
		return "MESSAGE"
	case StateReply:
		return "REPLY"
	case StateClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}
