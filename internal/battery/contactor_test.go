package battery

import (
	"reflect"
	"testing"

	"github.com/shaunagostinho/bms-emulator/internal/units"
)

func TestGate(t *testing.T) {
	cases := []struct {
		name      string
		closeReq  bool
		isolation bool
		soc       units.Centipercent
		state     ContactorState
		reasons   []Reason
	}{
		{"soc 0.5%", true, true, 50, Open, []Reason{ReasonSOCLow}},
		{"soc at lower bound", true, true, 100, Open, []Reason{ReasonSOCLow}},
		{"soc above lower bound", true, true, 101, Closed, []Reason{ReasonAccepted}},
		{"mid soc", true, true, 5000, Closed, []Reason{ReasonAccepted}},
		{"mid soc, isolation fault", true, false, 5000, Open, []Reason{ReasonIsolationFault}},
		{"soc below upper bound", true, true, 9899, Closed, []Reason{ReasonAccepted}},
		{"soc at upper bound", true, true, 9900, Open, []Reason{ReasonSOCHigh}},
		{"low soc and isolation fault", true, false, 50, Open, []Reason{ReasonIsolationFault, ReasonSOCLow}},
		{"open request", false, true, 5000, Open, []Reason{ReasonOpenRequested}},
	}
	for _, tc := range cases {
		d := Gate{}.Evaluate(tc.closeReq, tc.isolation, tc.soc)
		if d.State != tc.state || !reflect.DeepEqual(d.Reasons, tc.reasons) {
			t.Fatalf("%s: got %v %v, want %v %v", tc.name, d.State, d.Reasons, tc.state, tc.reasons)
		}
	}
}
