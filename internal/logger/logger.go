// Package logger records pack snapshots to rotating CSV files.
package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/bms-emulator/internal/emulator"
)

// Logger writes one CSV row per snapshot, no more often than its interval.
type Logger struct {
	mu       sync.Mutex
	dir      string
	interval time.Duration
	enabled  bool
	now      func() time.Time

	file   *os.File
	writer *csv.Writer
	lastTs time.Time
	rows   int
}

// Config holds logger configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
	// Debug turns on per-frame logging in the engine.
	Debug bool `yaml:"debug" json:"debug"`
}

const (
	maxRowsPerFile = 100_000 // ~2.7 hrs at 10 Hz
)

var csvHeader = []string{
	"timestamp", "uptime_ms",
	"soc_pct", "display_soc_pct", "soh_pct",
	"voltage_v", "current_a", "lead_acid_v",
	"charge_limit_w", "discharge_limit_w",
	"cell_max_mv", "cell_max_idx", "cell_min_mv", "cell_min_idx",
	"temp_max_c", "temp_min_c",
	"contactor", "isolation_ok", "bms_status", "overrun",
	"frames_in", "frames_out", "uds_requests",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/bmsemu"
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < 50*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &Logger{
		dir:      cfg.Path,
		interval: interval,
		enabled:  cfg.Enabled,
		now:      time.Now,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes a snapshot if the minimum interval has elapsed.
func (l *Logger) Record(s *emulator.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || s == nil {
		return
	}

	now := l.now()
	if now.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = now

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(now); err != nil {
			log.Printf("[logger] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(now, s)); err != nil {
		log.Printf("[logger] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	// Nanoseconds keep names unique when rotation happens twice in a second.
	filename := fmt.Sprintf("bms_%s.csv", now.Format("2006-01-02_150405.000000000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[logger] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(ts time.Time, s *emulator.Snapshot) []string {
	p := s.Pack
	return []string{
		ts.Format(time.RFC3339Nano),
		strconv.FormatUint(s.UptimeMs, 10),
		fmt.Sprintf("%.2f", p.SOC.Percent()),
		fmt.Sprintf("%.2f", p.DisplaySOC.Percent()),
		fmt.Sprintf("%.2f", p.SOH.Percent()),
		fmt.Sprintf("%.1f", p.Voltage.Volts()),
		fmt.Sprintf("%.1f", p.Current.Amps()),
		fmt.Sprintf("%.1f", p.LeadAcidVoltage.Volts()),
		strconv.FormatUint(uint64(p.AllowedChargePower), 10),
		strconv.FormatUint(uint64(p.AllowedDischargePower), 10),
		strconv.Itoa(int(p.CellMax)),
		strconv.Itoa(int(p.CellMaxIndex)),
		strconv.Itoa(int(p.CellMin)),
		strconv.Itoa(int(p.CellMinIndex)),
		fmt.Sprintf("%.1f", p.TempMax.Celsius()),
		fmt.Sprintf("%.1f", p.TempMin.Celsius()),
		boolStr(p.ContactorClosed),
		boolStr(p.IsolationOK),
		s.BMSStatus,
		boolStr(s.Overrun),
		strconv.FormatUint(s.Stats.FramesIn, 10),
		strconv.FormatUint(s.Stats.FramesOut, 10),
		strconv.FormatUint(s.Stats.UDSRequests, 10),
	}
}

func boolStr(v bool) string {
	if v {
		return "1"
	}
	return "0"
}
