package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/shaunagostinho/pinlink/internal/bridge"
	"github.com/shaunagostinho/pinlink/internal/config"
	"github.com/shaunagostinho/pinlink/internal/console"
	"github.com/shaunagostinho/pinlink/internal/manager"
	"github.com/shaunagostinho/pinlink/internal/metrics"
	"github.com/shaunagostinho/pinlink/internal/recorder"
	"github.com/shaunagostinho/pinlink/internal/server"
	"github.com/shaunagostinho/pinlink/internal/session"
	"github.com/shaunagostinho/pinlink/internal/transport"
	"github.com/shaunagostinho/pinlink/web"
)

func main() {
	configPath := flag.String("config", "/etc/pinlink/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Use simulated TestBox boards instead of serial ports")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	interactive := flag.Bool("console", false, "Start the interactive console")
	listPorts := flag.Bool("list-ports", false, "List serial ports and exit")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)

	if *listPorts {
		ports, err := transport.ListPorts()
		if err != nil {
			log.Fatalf("[main] list ports: %v", err)
		}
		for _, p := range ports {
			if p.IsUSB {
				fmt.Printf("%s\tUSB %s:%s %s\n", p.Name, p.VID, p.PID, p.Product)
			} else {
				fmt.Println(p.Name)
			}
		}
		return
	}

	// Load config
	cfg := config.LoadConfig(*configPath)
	setupLogging(cfg.Logging, *interactive)
	log.Println("[main] pinlink starting")

	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("[main] received %v, shutting down", sig)
		cancel()
	}()

	opts := cfg.SessionOptions()
	mcfg := manager.Config{
		Slots:   cfg.Serial.MaxSlots,
		Opener:  transport.SerialOpener(cfg.Serial.BaudRate),
		Session: opts,
		Metrics: metrics.New(),
	}
	if *demo {
		mcfg.Opener, mcfg.Enumerate = demoPorts(cfg, opts)
	}
	mgr := manager.New(mcfg)
	defer mgr.CloseAll()

	rec := recorder.New(recorder.Config{
		Enabled: cfg.Recorder.Enabled,
		Path:    cfg.Recorder.Path,
		MaxRows: cfg.Recorder.MaxRows,
	})
	recEvents, stopRec := mgr.Subscribe(1024)
	defer stopRec()
	go rec.Run(ctx, recEvents)

	if cfg.MQTT.URL != "" {
		b, err := bridge.New(cfg.MQTT.URL, cfg.MQTT.ClientID, mgr)
		if err != nil {
			log.Printf("[main] mqtt disabled: %v", err)
		} else {
			mqttEvents, stopMQTT := mgr.Subscribe(1024)
			defer stopMQTT()
			go func() {
				if err := b.Run(ctx, mqttEvents); err != nil {
					log.Printf("[mqtt] %v", err)
				}
			}()
		}
	}

	// Open configured slots with backoff, and again whenever one drops
	autoOpen := make(map[int]string)
	for _, sc := range cfg.Slots {
		autoOpen[sc.Slot] = sc.Port
	}
	go reopenOnFailure(ctx, mgr, autoOpen)
	for slot, port := range autoOpen {
		go openWithRetry(ctx, mgr, slot, port, 10)
	}

	// Start server; it works immediately even if ports are still connecting
	srv := server.New(cfg, mgr, rec, mcfg.Metrics, web.FS)
	if !*interactive {
		if err := srv.Run(ctx); err != nil {
			log.Printf("[main] server exited: %v", err)
		}
		return
	}

	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Printf("[main] server exited: %v", err)
		}
	}()
	con := console.New(mgr)
	conEvents, stopWatch := mgr.Subscribe(256)
	defer stopWatch()
	go con.Watch(ctx, os.Stdout, conEvents)
	con.Run()
	cancel()
}

// setupLogging tees the standard logger into a rotating file when one is
// configured. The console owns the terminal, so in console mode logs go to
// the file only, or nowhere.
func setupLogging(cfg config.LoggingConfig, interactive bool) {
	var out io.Writer = os.Stderr
	if interactive {
		out = io.Discard
	}
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		if interactive {
			out = lj
		} else {
			out = io.MultiWriter(os.Stderr, lj)
		}
	}
	log.SetOutput(out)
}

// demoPorts serves one simulated board per slot, named sim1..simN. Slots
// without a configured port are pointed at their simulator.
func demoPorts(cfg *config.Config, opts session.Options) (transport.Opener, transport.Enumerator) {
	var ports []transport.PortDescriptor
	configured := make(map[int]bool)
	for _, sc := range cfg.Slots {
		configured[sc.Slot] = true
	}
	for n := 1; n <= cfg.Serial.MaxSlots; n++ {
		name := fmt.Sprintf("sim%d", n)
		ports = append(ports, transport.PortDescriptor{Name: name, Product: "TestBox simulator"})
		if !configured[n] {
			cfg.Slots = append(cfg.Slots, config.SlotConfig{Slot: n, Port: name})
		}
	}
	log.Printf("[main] demo mode: %d simulated boards", len(ports))
	return transport.SimOpener(opts.Codec, 100*time.Millisecond), func() ([]transport.PortDescriptor, error) {
		return ports, nil
	}
}

// reopenOnFailure restarts openWithRetry for auto-opened slots whose
// session ends with an error.
func reopenOnFailure(ctx context.Context, mgr *manager.Manager, ports map[int]string) {
	events, cancel := mgr.Subscribe(64)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if port, auto := ports[ev.Slot]; auto && ev.Kind == session.EventError {
				go openWithRetry(ctx, mgr, ev.Slot, port, 10)
			}
		}
	}
}

// openWithRetry attempts to open a slot with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func openWithRetry(ctx context.Context, mgr *manager.Manager, slot int, port string, maxAttempts int) {
	name := fmt.Sprintf("slot %d", slot)
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := mgr.Open(ctx, slot, port)
		if err == nil {
			log.Printf("[%s] %s opened (attempt %d)", name, port, attempt+1)
			return
		}
		if errors.Is(err, manager.ErrSlotBusy) || errors.Is(err, manager.ErrInvalidSlot) {
			log.Printf("[%s] not opening %s: %v", name, port, err)
			return
		}

		attempt++
		if attempt <= maxAttempts {
			log.Printf("[%s] open attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Printf("[%s] open attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
