// Package server exposes the emulator over HTTP: the embedded status page, a
// WebSocket stream of pack snapshots and a small control API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/bms-emulator/internal/battery"
	"github.com/shaunagostinho/bms-emulator/internal/datalayer"
	"github.com/shaunagostinho/bms-emulator/internal/emulator"
	"github.com/shaunagostinho/bms-emulator/internal/logger"
	"github.com/shaunagostinho/bms-emulator/internal/units"
)

const (
	broadcastInterval = 100 * time.Millisecond
	socSaveInterval   = 30 * time.Second
)

// Server broadcasts runner snapshots to WebSocket clients and serves the API.
type Server struct {
	cfg     *Config
	runner  *emulator.Runner
	variant battery.Variant
	store   datalayer.Store
	webFS   fs.FS
	logger  *logger.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader

	socMu   sync.Mutex
	socPath string
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	BMS     *emulator.Snapshot `json:"bms,omitempty"`
	Variant *battery.Variant   `json:"variant,omitempty"`
	Store   string             `json:"store,omitempty"`
	Stamp   int64              `json:"stamp"` // Unix ms
}

// New creates a server and restores the SOC saved by a previous run. It must
// be called before the runner starts.
func New(cfg *Config, runner *emulator.Runner, store datalayer.Store, webFS fs.FS) *Server {
	socPath := filepath.Join(filepath.Dir(cfg.path), "soc.dat")
	if cfg.path == "" {
		socPath = filepath.Join(filepath.Dir(DefaultConfigPath), "soc.dat")
	}

	s := &Server{
		cfg:     cfg,
		runner:  runner,
		variant: runner.Engine().Variant(),
		store:   store,
		webFS:   webFS,
		logger:  logger.New(cfg.Logging),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		socPath: socPath,
	}
	s.loadSOC()
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/isolation", s.handleIsolation)
	mux.HandleFunc("/api/equipment-stop", s.handleEquipmentStop)
	return mux
}

// Run starts the HTTP server and the broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcastLoop(ctx)

	go func() {
		t := time.NewTicker(socSaveInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.saveSOC()
			}
		}
	}()

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown flushes the CSV log and persists the SOC. Call it after the runner
// has stopped so the saved value is final.
func (s *Server) Shutdown() {
	s.logger.Close()
	s.saveSOC()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	log.Printf("[ws] client connected (%d total)", n)

	// Greet with the pack model and the current snapshot.
	snap := s.runner.Snapshot()
	hello := Frame{BMS: &snap, Variant: &s.variant, Store: s.store.Name(), Stamp: time.Now().UnixMilli()}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			log.Printf("[config] save failed: %v", err)
		}
		s.cfg.mu.RLock()
		s.logger.SetEnabled(s.cfg.Logging.Enabled)
		s.cfg.mu.RUnlock()
		writeJSON(w, map[string]string{"status": "ok", "note": "transport and store changes apply on restart"})

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", 405)
		return
	}
	snap := s.runner.Snapshot()
	writeJSON(w, snap)
}

func (s *Server) handleIsolation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	var req struct {
		OK *bool `json:"ok"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OK == nil {
		http.Error(w, `expected {"ok": true|false}`, 400)
		return
	}
	if err := s.runner.SetIsolation(*req.OK); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]interface{}{"status": "ok", "isolationOk": *req.OK})
}

func (s *Server) handleEquipmentStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", 405)
		return
	}
	mem, ok := s.store.(*datalayer.MemoryStore)
	if !ok {
		http.Error(w, fmt.Sprintf("equipment stop is read from the %s store", s.store.Name()), http.StatusConflict)
		return
	}
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		http.Error(w, `expected {"active": true|false}`, 400)
		return
	}
	mem.SetEquipmentStop(*req.Active)
	log.Printf("[server] equipment stop set to %v", *req.Active)
	writeJSON(w, map[string]interface{}{"status": "ok", "active": *req.Active})
}

// broadcastLoop sends the latest snapshot to every client at 10 Hz and
// records it to the CSV log.
func (s *Server) broadcastLoop(ctx context.Context) {
	t := time.NewTicker(broadcastInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			snap := s.runner.Snapshot()
			s.broadcast(Frame{BMS: &snap, Stamp: time.Now().UnixMilli()})
			s.logger.Record(&snap)
		}
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// loadSOC restores the real SOC from the last run.
func (s *Server) loadSOC() {
	s.socMu.Lock()
	defer s.socMu.Unlock()

	data, err := os.ReadFile(s.socPath)
	if err != nil {
		log.Printf("[soc] no saved SOC at %s, starting at default", s.socPath)
		return
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 16)
	if err != nil {
		log.Printf("[soc] ignoring %s: %v", s.socPath, err)
		return
	}
	soc := units.Centipercent(n)
	if !s.runner.RestoreSOC(soc) {
		log.Printf("[soc] ignoring out of range value %d in %s", n, s.socPath)
		return
	}
	log.Printf("[soc] restored %v", soc)
}

// saveSOC persists the real SOC from the latest snapshot.
func (s *Server) saveSOC() {
	s.socMu.Lock()
	defer s.socMu.Unlock()

	soc := s.runner.Snapshot().Pack.SOC
	os.MkdirAll(filepath.Dir(s.socPath), 0755)
	if err := os.WriteFile(s.socPath, []byte(fmt.Sprintf("%d\n", uint16(soc))), 0644); err != nil {
		log.Printf("[soc] save failed: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}
