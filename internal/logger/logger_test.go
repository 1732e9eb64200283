package logger

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shaunagostinho/bms-emulator/internal/battery"
	"github.com/shaunagostinho/bms-emulator/internal/emulator"
)

func testSnapshot() *emulator.Snapshot {
	v, _ := battery.LookupVariant("mgzs")
	st := battery.NewSimulator(v).State()
	return &emulator.Snapshot{UptimeMs: 1234, Pack: st, BMSStatus: "standby"}
}

func readRows(t *testing.T, dir string) [][]string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "bms_*.csv"))
	if err != nil || len(files) != 1 {
		t.Fatalf("log files = %v, %v", files, err)
	}
	f, err := os.Open(files[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rows
}

func TestRecordRespectsInterval(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 100})
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return clock }

	snap := testSnapshot()
	for _, step := range []time.Duration{0, 50 * time.Millisecond, 60 * time.Millisecond, 100 * time.Millisecond} {
		clock = clock.Add(step)
		l.Record(snap)
	}
	l.Close()

	rows := readRows(t, dir)
	// Header plus rows at 0, 110 and 210 ms.
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want 4", len(rows))
	}
	if len(rows[1]) != len(csvHeader) {
		t.Fatalf("row has %d columns, want %d", len(rows[1]), len(csvHeader))
	}
	want := map[string]string{
		"uptime_ms":       "1234",
		"soc_pct":         "75.00",
		"voltage_v":       "385.0",
		"charge_limit_w":  "50000",
		"temp_max_c":      "25.0",
		"isolation_ok":    "1",
		"contactor":       "0",
		"bms_status":      "standby",
		"display_soc_pct": "75.00",
	}
	for i, col := range csvHeader {
		if w, ok := want[col]; ok && rows[1][i] != w {
			t.Fatalf("%s = %q, want %q", col, rows[1][i], w)
		}
	}
}

func TestDisabledWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: false, Path: dir})
	l.Record(testSnapshot())
	l.Record(nil)
	files, _ := filepath.Glob(filepath.Join(dir, "*.csv"))
	if len(files) != 0 {
		t.Fatalf("disabled logger wrote %v", files)
	}

	l.SetEnabled(true)
	if !l.IsEnabled() {
		t.Fatalf("SetEnabled(true) not reflected")
	}
	l.Record(testSnapshot())
	l.SetEnabled(false)
	if rows := readRows(t, dir); len(rows) != 2 {
		t.Fatalf("got %d rows after enable, want 2", len(rows))
	}
}

func TestNewDefaults(t *testing.T) {
	l := New(Config{IntervalMs: 10})
	if l.dir != "/var/log/bmsemu" || l.interval != 100*time.Millisecond {
		t.Fatalf("defaults: dir=%q interval=%v", l.dir, l.interval)
	}
}
