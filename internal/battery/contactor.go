package battery

import "github.com/shaunagostinho/bms-emulator/internal/units"

// ContactorState is the reported position of the HV contactors.
type ContactorState int

const (
	Open ContactorState = iota
	Closed
)

func (c ContactorState) String() string {
	if c == Closed {
		return "closed"
	}
	return "open"
}

// Reason explains a gate decision.
type Reason int

const (
	ReasonAccepted Reason = iota
	ReasonOpenRequested
	ReasonIsolationFault
	ReasonSOCLow
	ReasonSOCHigh
)

func (r Reason) String() string {
	switch r {
	case ReasonAccepted:
		return "close accepted"
	case ReasonOpenRequested:
		return "open requested"
	case ReasonIsolationFault:
		return "close rejected: isolation fault"
	case ReasonSOCLow:
		return "close rejected: SOC too low"
	case ReasonSOCHigh:
		return "close rejected: SOC too high"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one contactor command.
type Decision struct {
	State   ContactorState
	Reasons []Reason
}

// Gate decides whether the pack may report its contactors closed. A close is
// granted only with good isolation and 100 < SOC < 9900; anything else opens.
type Gate struct{}

// Evaluate applies the rules to a single command.
func (Gate) Evaluate(closeReq, isolationOK bool, soc units.Centipercent) Decision {
	if !closeReq {
		return Decision{State: Open, Reasons: []Reason{ReasonOpenRequested}}
	}
	var reasons []Reason
	if !isolationOK {
		reasons = append(reasons, ReasonIsolationFault)
	}
	if soc <= contactorMinSOC {
		reasons = append(reasons, ReasonSOCLow)
	}
	if soc >= contactorMaxSOC {
		reasons = append(reasons, ReasonSOCHigh)
	}
	if len(reasons) > 0 {
		return Decision{State: Open, Reasons: reasons}
	}
	return Decision{State: Closed, Reasons: []Reason{ReasonAccepted}}
}
