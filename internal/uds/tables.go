package uds

import (
	"sort"

	"github.com/shaunagostinho/bms-emulator/internal/battery"
)

const pidBMSTime uint16 = 0xB06D

// entry is one readable parameter: its response length byte and a builder
// for the four value bytes.
type entry struct {
	name   string
	length uint8
	value  func(st *battery.PackState) [4]byte
}

func fixed(name string, length uint8, v [4]byte) entry {
	return entry{name: name, length: length, value: func(*battery.PackState) [4]byte { return v }}
}

func word(v uint16, b6, b7 byte) [4]byte {
	return [4]byte{byte(v >> 8), byte(v), b6, b7}
}

func defaultTables() map[Identity]map[uint16]entry {
	return map[Identity]map[uint16]entry{
		BMS: {
			0xB041: fixed("bus voltage", 0x04, [4]byte{0x06, 0x8F, 0xAA, 0xAA}),
			0xB042: {"pack voltage", 0x05, func(st *battery.PackState) [4]byte {
				return word(uint16(st.Voltage), 0xAA, 0xAA)
			}},
			0xB043: {"pack current", 0x05, func(st *battery.PackState) [4]byte {
				return word(uint16(int16(st.Current)*10), 0xAA, 0xAA)
			}},
			0xB045: fixed("resistance", 0x05, [4]byte{0x3F, 0xFD, 0xAA, 0xAA}),
			0xB046: {"soc", 0x05, func(st *battery.PackState) [4]byte {
				return word(uint16(st.SOC/25), 0xAA, 0xAA)
			}},
			0xB047: fixed("bms error", 0x05, [4]byte{}),
			0xB048: fixed("bms status", 0x04, [4]byte{0x03, 0xAA, 0xAA, 0xAA}),
			0xB049: fixed("main relay b", 0x05, [4]byte{0x01}),
			0xB04A: fixed("main relay g", 0x05, [4]byte{0x01}),
			0xB052: fixed("main relay p", 0x05, [4]byte{0x01}),
			0xB056: {"pack temperature", 0x04, func(st *battery.PackState) [4]byte {
				return [4]byte{byte(st.TempMax)}
			}},
			0xB058: {"max cell voltage", 0x06, func(st *battery.PackState) [4]byte {
				return word(uint16(st.CellMax), 0xFF, 0xAA)
			}},
			0xB059: {"min cell voltage", 0x06, func(st *battery.PackState) [4]byte {
				return word(uint16(st.CellMin), 0xFF, 0x00)
			}},
			0xB05C: fixed("coolant temperature", 0x04, [4]byte{0x6D, 0xAA, 0xAA, 0xAA}),
			0xB061: {"soh", 0x05, func(st *battery.PackState) [4]byte {
				return word(uint16(st.SOH), 0xAA, 0xAA)
			}},
		},
		DCDC: {
			0xB021: fixed("lv voltage", 0x05, [4]byte{0x00, 0x76, 0xAA, 0xAA}),
			0xB022: fixed("lv current", 0x05, [4]byte{0x00, 0x0C, 0xAA, 0xAA}),
			0xB025: fixed("power load", 0x05, [4]byte{0x00, 0x1B, 0xAA, 0xAA}),
			0xB026: fixed("dcdc temperature", 0x05, [4]byte{0x00, 0x4A, 0xAA, 0xAA}),
		},
		VCU: {
			0xBA00: fixed("vehicle speed", 0x05, [4]byte{0x59, 0x23}),
			0xB71B: fixed("charger connected", 0x04, [4]byte{}),
			0xB712: fixed("max charge rate", 0x05, [4]byte{0x01, 0x9C}),
			0xB702: fixed("bms running state", 0x04, [4]byte{0x03}),
			0xB703: {"hv contactors", 0x04, func(st *battery.PackState) [4]byte {
				if st.ContactorClosed {
					return [4]byte{0x01}
				}
				return [4]byte{}
			}},
			0xB705: {"battery voltage", 0x05, func(st *battery.PackState) [4]byte {
				return word(uint16(st.Voltage/10), 0x00, 0x00)
			}},
			0xB309: fixed("motor coolant", 0x04, [4]byte{0x4A}),
			0xB405: fixed("motor temperature", 0x04, [4]byte{0x4A}),
			0xB401: fixed("motor torque", 0x04, [4]byte{0x7F, 0xFF}),
			0xB402: fixed("motor speed", 0x05, [4]byte{0x7F, 0xFF}),
			0x0112: fixed("12v supply", 0x05, [4]byte{0x8E}),
			0xB18C: fixed("ignition", 0x04, [4]byte{0x02}),
		},
	}
}

func sortPIDs(pids []uint16) {
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
}
