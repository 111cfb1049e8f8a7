// Command keypad scans a 4x3 matrix keypad on GPIO and publishes key
// presses to MQTT.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"

	"github.com/sweeney/matrix-keypad/internal/gpio"
	"github.com/sweeney/matrix-keypad/internal/keypad"
	"github.com/sweeney/matrix-keypad/internal/mqtt"
	"github.com/sweeney/matrix-keypad/internal/sim"
	"github.com/sweeney/matrix-keypad/internal/status"
	"github.com/sweeney/matrix-keypad/internal/web"
)

type options struct {
	backend        string
	chip           string
	rows           []int
	cols           []int
	debounce       time.Duration
	settle         time.Duration
	releaseTimeout time.Duration
	broker         string
	clientID       string
	heartbeat      time.Duration
	httpAddr       string
	printState     bool
}

func main() {
	backend := flag.String("backend", "gpiocdev", "GPIO backend: gpiocdev, periph or sim")
	chip := flag.String("chip", gpio.DefaultChip, "GPIO chip for the gpiocdev backend")
	rows := flag.String("rows", joinPins(gpio.DefaultRowPins), "Comma-separated BCM pins of rows, top to bottom")
	cols := flag.String("cols", joinPins(gpio.DefaultColumnPins), "Comma-separated BCM pins of columns, left to right")
	debounce := flag.Duration("debounce", keypad.DefaultDebounce, "Column edge debounce")
	settle := flag.Duration("settle", keypad.DefaultSettle, "Contact settle time before scanning")
	releaseTimeout := flag.Duration("release-timeout", 0, "Longest wait for a key release (0 waits indefinitely)")
	broker := flag.String("broker", "", "MQTT broker address (empty to disable)")
	clientID := flag.String("client-id", "matrix-keypad", "MQTT client ID")
	heartbeat := flag.Duration("heartbeat", 15*time.Minute, "Heartbeat interval (0 to disable)")
	httpAddr := flag.String("http", "", "HTTP status address (empty to disable)")
	printState := flag.Bool("print-state", false, "Print the level of every keypad line and exit")

	flag.Parse()

	rowPins, err := parsePins(*rows)
	if err != nil {
		log.Fatalf("fatal: -rows: %v", err)
	}
	colPins, err := parsePins(*cols)
	if err != nil {
		log.Fatalf("fatal: -cols: %v", err)
	}

	opts := options{
		backend:        *backend,
		chip:           *chip,
		rows:           rowPins,
		cols:           colPins,
		debounce:       *debounce,
		settle:         *settle,
		releaseTimeout: *releaseTimeout,
		broker:         *broker,
		clientID:       *clientID,
		heartbeat:      *heartbeat,
		httpAddr:       *httpAddr,
		printState:     *printState,
	}
	if err := run(opts); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(opts options) error {
	cfg := keypad.DefaultConfig()
	cfg.Rows = opts.rows
	cfg.Columns = opts.cols
	cfg.Debounce = opts.debounce
	cfg.Settle = opts.settle
	cfg.ReleaseTimeout = opts.releaseTimeout

	ctrl, board, err := openController(opts.backend, opts.chip, cfg.Pins())
	if err != nil {
		return fmt.Errorf("init gpio: %w", err)
	}

	if opts.printState {
		return printState(os.Stdout, ctrl, cfg)
	}

	var simulator *sim.Sim
	if board != nil {
		screen, err := tcell.NewScreen()
		if err != nil {
			ctrl.Close()
			return fmt.Errorf("open terminal: %w", err)
		}
		simulator, err = sim.New(screen, board, cfg)
		if err != nil {
			ctrl.Close()
			return err
		}
		log.SetOutput(simulator)
		defer func() {
			log.SetOutput(os.Stderr)
			simulator.Close()
		}()
	}

	var publisher interface {
		mqtt.Publisher
		mqtt.ConnectionStatus
	} = mqtt.NopPublisher{}
	if opts.broker != "" {
		p, err := mqtt.NewRealPublisher(opts.broker, opts.clientID)
		if err != nil {
			ctrl.Close()
			return fmt.Errorf("init mqtt: %w", err)
		}
		publisher = p
	}
	defer publisher.Close()

	keys := make(chan keypad.Event, 16)
	scanner, err := keypad.New(ctrl, cfg, eventHandler(cfg.Layout, time.Now, keys))
	if err != nil {
		return fmt.Errorf("init keypad: %w", err)
	}
	defer scanner.Close()

	startTime := time.Now()
	tracker := status.NewTracker(startTime, status.Config{
		Backend:          opts.backend,
		RowPins:          cfg.Rows,
		ColumnPins:       cfg.Columns,
		Layout:           cfg.Layout,
		DebounceMs:       cfg.Debounce.Milliseconds(),
		SettleMs:         cfg.Settle.Milliseconds(),
		ReleaseTimeoutMs: cfg.ReleaseTimeout.Milliseconds(),
		HeartbeatMs:      opts.heartbeat.Milliseconds(),
		Broker:           opts.broker,
		HTTPAddr:         opts.httpAddr,
	})

	if opts.httpAddr != "" {
		srv := web.New(opts.httpAddr, tracker)
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("http server error: %v", err)
			}
		}()
		defer srv.Shutdown(context.Background())
		log.Printf("http status server listening on %s", opts.httpAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scanDone := make(chan struct{})
	var scanErr error
	go func() {
		scanErr = scanner.Run(ctx)
		close(scanDone)
	}()

	var quit chan struct{}
	if simulator != nil {
		quit = make(chan struct{})
		go func() {
			simulator.Run(ctx)
			close(quit)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	log.Printf("started: backend=%s rows=%v cols=%v debounce=%v settle=%v broker=%q heartbeat=%v",
		opts.backend, cfg.Rows, cfg.Columns, cfg.Debounce, cfg.Settle, opts.broker, opts.heartbeat)

	l := &loop{
		keys:       keys,
		scanner:    scanner,
		scanDone:   scanDone,
		publisher:  publisher,
		mqttStatus: publisher,
		tracker:    tracker,
		heartbeat:  status.NewHeartbeat(startTime, opts.heartbeat),
		now:        time.Now,
		tick:       ticker.C,
		sig:        sigCh,
		quit:       quit,
	}
	if simulator != nil {
		l.show = simulator.Show
	}
	l.announce("STARTUP", "")
	loopErr := l.run()

	// Run must return before the scanner is closed. The status server is
	// still up here and reports the closed scanner until it shuts down.
	cancel()
	<-scanDone
	if err := scanner.Close(); err != nil {
		log.Printf("keypad: close: %v", err)
	}
	tracker.Update(scanner.State(), scanner.Counts())
	if loopErr == nil {
		loopErr = scanErr
	}
	return loopErr
}

// openController opens the named backend over pins. The sim backend also
// returns its board.
func openController(backend, chip string, pins []int) (gpio.Controller, *gpio.FakeBoard, error) {
	switch backend {
	case "gpiocdev":
		c, err := gpio.NewRealController(chip, pins)
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	case "periph":
		c, err := gpio.NewPeriphController(pins)
		if err != nil {
			return nil, nil, err
		}
		return c, nil, nil
	case "sim":
		b := gpio.NewFakeBoard(pins...)
		b.Now = time.Now
		return b, b, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", backend)
}

// eventHandler returns a scanner handler that timestamps each key and hands
// it to the main loop without blocking the scan.
func eventHandler(layout keypad.Layout, now func() time.Time, keys chan<- keypad.Event) keypad.Handler {
	if layout == nil {
		layout = keypad.DefaultLayout
	}
	return func(k keypad.Key) {
		row, col, _ := layout.Position(k)
		ev := keypad.Event{Timestamp: now(), Key: k, Row: row, Column: col}
		select {
		case keys <- ev:
		default:
			log.Printf("keypad: key %s dropped, consumer busy", k)
		}
	}
}

// printState arms the keypad idle, so rows are driven low and columns pulled
// up, then prints every line and releases the controller. A column reading
// LOW means a key in it is held.
func printState(w io.Writer, ctrl gpio.Controller, cfg keypad.Config) error {
	scanner, err := keypad.New(ctrl, cfg, func(keypad.Key) {})
	if err != nil {
		return fmt.Errorf("init keypad: %w", err)
	}
	defer scanner.Close()
	return printLevels(w, ctrl, cfg)
}

// printLevels writes the current level of every keypad line.
func printLevels(w io.Writer, ctrl gpio.Controller, cfg keypad.Config) error {
	for i, p := range cfg.Rows {
		lvl, err := ctrl.Read(p)
		if err != nil {
			return fmt.Errorf("read row pin %d: %w", p, err)
		}
		fmt.Fprintf(w, "row %d (GPIO%d): %s\n", i, p, lvl)
	}
	for i, p := range cfg.Columns {
		lvl, err := ctrl.Read(p)
		if err != nil {
			return fmt.Errorf("read column pin %d: %w", p, err)
		}
		fmt.Fprintf(w, "column %d (GPIO%d): %s\n", i, p, lvl)
	}
	return nil
}

func parsePins(s string) ([]int, error) {
	var pins []int
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid pin %q", f)
		}
		pins = append(pins, n)
	}
	if len(pins) == 0 {
		return nil, errors.New("no pins")
	}
	return pins, nil
}

func joinPins(pins []int) string {
	parts := make([]string, len(pins))
	for i, p := range pins {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}
