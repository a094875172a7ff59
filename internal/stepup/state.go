package stepup

type State int

const (
	StateIdle State = iota
	StateCredentialsSubmitted
	StateSecondFactorPending
	StateEstablished
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCredentialsSubmitted:
		return "credentials_submitted"
	case StateSecondFactorPending:
		return "second_factor_pending"
	case StateEstablished:
		return "established"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}
