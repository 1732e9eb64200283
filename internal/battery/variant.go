package battery

import (
	"fmt"
	"sort"

	"github.com/shaunagostinho/bms-emulator/internal/units"
)

// MaxCells is the capacity of the cell voltage table.
const MaxCells = 108

// Variant describes one battery model. The engine is the same for every
// variant; only these numbers change.
type Variant struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`

	CellCount  int   `yaml:"cell_count" json:"cellCount"`
	CapacityWh int32 `yaml:"capacity_wh" json:"capacityWh"`

	MaxPackVoltage units.DeciVolt  `yaml:"max_pack_dv" json:"maxPackDv"`
	MinPackVoltage units.DeciVolt  `yaml:"min_pack_dv" json:"minPackDv"`
	MaxCellVoltage units.MilliVolt `yaml:"max_cell_mv" json:"maxCellMv"`
	MinCellVoltage units.MilliVolt `yaml:"min_cell_mv" json:"minCellMv"`
	MaxDeviation   units.MilliVolt `yaml:"max_deviation_mv" json:"maxDeviationMv"`

	// Cell model: avg = CellBase + CellRange*SOC/10000.
	CellBase    units.MilliVolt `yaml:"cell_base_mv" json:"cellBaseMv"`
	CellRange   units.MilliVolt `yaml:"cell_range_mv" json:"cellRangeMv"`
	CellNominal units.MilliVolt `yaml:"cell_nominal_mv" json:"cellNominalMv"`
}

var variants = map[string]Variant{
	"mgzs": {
		Name:           "mgzs",
		Description:    "MG ZS EV 44.5 kWh",
		CellCount:      96,
		CapacityWh:     44500,
		MaxPackVoltage: 4040,
		MinPackVoltage: 3100,
		MaxCellVoltage: 4250,
		MinCellVoltage: 2700,
		MaxDeviation:   150,
		CellBase:       3100,
		CellRange:      900,
		CellNominal:    3750,
	},
	"mgzs-lr": {
		Name:           "mgzs-lr",
		Description:    "MG ZS EV Long Range 64 kWh",
		CellCount:      96,
		CapacityWh:     64000,
		MaxPackVoltage: 4040,
		MinPackVoltage: 3100,
		MaxCellVoltage: 4250,
		MinCellVoltage: 2700,
		MaxDeviation:   150,
		CellBase:       3100,
		CellRange:      900,
		CellNominal:    3750,
	},
}

// DefaultVariant is used when the config names none.
const DefaultVariant = "mgzs"

// LookupVariant returns a preset by name.
func LookupVariant(name string) (Variant, error) {
	if name == "" {
		name = DefaultVariant
	}
	v, ok := variants[name]
	if !ok {
		return Variant{}, fmt.Errorf("battery: unknown variant %q (known: %v)", name, VariantNames())
	}
	return v, nil
}

// VariantNames lists the presets in stable order.
func VariantNames() []string {
	names := make([]string, 0, len(variants))
	for n := range variants {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks the variant can drive the simulator.
func (v Variant) Validate() error {
	if v.CellCount < 1 || v.CellCount > MaxCells {
		return fmt.Errorf("battery: cell count %d out of range 1..%d", v.CellCount, MaxCells)
	}
	if v.CapacityWh <= 0 {
		return fmt.Errorf("battery: capacity must be positive, got %d Wh", v.CapacityWh)
	}
	if v.MaxPackVoltage < v.MinPackVoltage {
		return fmt.Errorf("battery: max pack voltage %v below min %v", v.MaxPackVoltage, v.MinPackVoltage)
	}
	return nil
}
