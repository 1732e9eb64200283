package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shaunagostinho/bms-emulator/internal/battery"
	"github.com/shaunagostinho/bms-emulator/internal/canbus"
	"github.com/shaunagostinho/bms-emulator/internal/datalayer"
	"github.com/shaunagostinho/bms-emulator/internal/emulator"
	"github.com/shaunagostinho/bms-emulator/internal/server"
	"github.com/shaunagostinho/bms-emulator/internal/vehicle"
	"github.com/shaunagostinho/bms-emulator/web"
)

func main() {
	configPath := flag.String("config", server.DefaultConfigPath, "Path to config file")
	demo := flag.Bool("demo", false, "Run on an in-process bus with a simulated vehicle")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("[main] bmsemu starting")

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.CAN.Type = "loopback"
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	variant, err := battery.LookupVariant(cfg.Battery.Variant)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	var loop *canbus.LoopbackBus
	if cfg.CAN.Type == "loopback" {
		loop = canbus.NewLoopbackBus()
	}
	tr, err := canbus.New(cfg.CAN, loop)
	if err != nil {
		log.Fatalf("[main] %v", err)
	}

	store := openStore(ctx, cfg.Store)

	engineCfg := cfg.Emulator
	engineCfg.Debug = cfg.Logging.Debug
	runner := emulator.NewRunner(variant, emulator.RunnerConfig{
		Engine:   engineCfg,
		UpdateMs: cfg.Store.UpdateMs,
	}, tr, store)

	// The server restores the saved SOC, so it has to exist before the
	// runner starts.
	srv := server.New(cfg, runner, store, web.FS)

	// Keep the bus connected; the emulator starts regardless.
	go superviseTransport(ctx, tr)

	if loop != nil {
		car := vehicle.NewDemo(loop.Open("vehicle"))
		go func() {
			if err := car.Run(ctx); err != nil {
				log.Printf("[demo] %v", err)
			}
		}()
	}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := runner.Run(ctx); err != nil {
			log.Printf("[main] emulator exited: %v", err)
		}
	}()

	if err := srv.Run(ctx); err != nil {
		log.Printf("[main] server exited: %v", err)
		cancel()
	}
	<-runDone

	srv.Shutdown()
	tr.Close()
	if loop != nil {
		loop.Close()
	}
	if err := store.Close(); err != nil {
		log.Printf("[store] close: %v", err)
	}
	log.Println("[main] stopped")
}

// openStore connects the configured status store. A Redis that cannot be
// reached falls back to the in-memory store so the bus side still runs.
func openStore(ctx context.Context, cfg server.StoreConfig) datalayer.Store {
	switch cfg.Type {
	case "redis":
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		rs, err := datalayer.NewRedisStore(pingCtx, cfg.Redis)
		if err == nil {
			log.Printf("[store] publishing to redis at %s", cfg.Redis.Addr)
			return rs
		}
		log.Printf("[store] %v, falling back to memory", err)
	case "", "memory":
	default:
		log.Printf("[store] unknown store type %q, using memory", cfg.Type)
	}
	return datalayer.NewMemoryStore()
}

const maxRetryDelay = 60 * time.Second

// superviseTransport connects the transport and reconnects it whenever it
// drops, until ctx is done.
func superviseTransport(ctx context.Context, tr canbus.Transport) {
	for connectWithRetry(ctx, tr, 10) {
		for tr.IsConnected() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
		log.Printf("[can] %s disconnected, reconnecting", tr.Name())
	}
}

// connectWithRetry calls Connect with a delay doubling from 1s to 60s. Every
// one of the first verbose failures is logged, then only every tenth. It
// returns false when ctx ends first.
func connectWithRetry(ctx context.Context, tr canbus.Transport, verbose int) bool {
	delay := time.Second
	for attempt := 1; ctx.Err() == nil; attempt++ {
		err := tr.Connect()
		if err == nil {
			log.Printf("[can] %s connected (attempt %d)", tr.Name(), attempt)
			return true
		}
		if attempt <= verbose || attempt%10 == 0 {
			log.Printf("[can] %s connect attempt %d failed: %v (retry in %v)", tr.Name(), attempt, err, delay)
		}
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		delay = min(delay*2, maxRetryDelay)
	}
	return false
}
