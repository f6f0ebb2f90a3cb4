package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/telemetry.report/internal/analytics/anomaly"
	"github.com/banshee-data/telemetry.report/internal/analytics/correlation"
	"github.com/banshee-data/telemetry.report/internal/analytics/estimator"
	"github.com/banshee-data/telemetry.report/internal/analytics/limits"
	"github.com/banshee-data/telemetry.report/internal/analytics/performance"
	"github.com/banshee-data/telemetry.report/internal/analytics/pipeline"
	"github.com/banshee-data/telemetry.report/internal/api"
	"github.com/banshee-data/telemetry.report/internal/config"
	"github.com/banshee-data/telemetry.report/internal/db"
	"github.com/banshee-data/telemetry.report/internal/monitoring"
	"github.com/banshee-data/telemetry.report/internal/serialmux"
	"github.com/banshee-data/telemetry.report/internal/source"
	"github.com/banshee-data/telemetry.report/internal/stream"
	"github.com/banshee-data/telemetry.report/internal/telemetry"
	"github.com/banshee-data/telemetry.report/internal/version"
)

var (
	configPath  = flag.String("config", "", "Analytics config (.json, .yaml); empty uses the built-in defaults")
	sourceKind  = flag.String("source", "serial", "Sample source: serial, sim or replay")
	port        = flag.String("port", "/dev/ttyUSB0", "Serial port for -source serial")
	baud        = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	poll        = flag.Duration("poll", 200*time.Millisecond, "OBD PID poll interval (0 disables polling)")
	pcapPath    = flag.String("pcap", "", "Capture file for -source replay")
	pcapPort    = flag.Int("pcap-port", 0, "UDP destination port to replay (0 accepts all)")
	replaySpeed = flag.Float64("replay-speed", 1, "Replay speed multiplier (0 replays as fast as possible)")
	simDuration = flag.Duration("sim-duration", 0, "Length of the simulated drive (0 runs until interrupted)")
	dbPath      = flag.String("db", "telemetry.db", "SQLite database path (empty disables persistence)")
	listen      = flag.String("listen", ":8080", "HTTP listen address")
	grpcListen  = flag.String("grpc-listen", ":50051", "gRPC records stream address (empty disables)")
	speedUnits  = flag.String("units", "mph", "Speed units for the HTTP API: mph, kph or mps")
	wsInterval  = flag.Duration("ws-interval", 100*time.Millisecond, "Minimum interval between websocket record pushes")
	logOps      = flag.String("log-ops", "stderr", "Operational log: stderr, stdout, off or a file path")
	logDiag     = flag.String("log-diag", "off", "Diagnostic log: stderr, stdout, off or a file path")
	logTrace    = flag.String("log-trace", "off", "Per-sample trace log: stderr, stdout, off or a file path")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// simOrigin is where the simulated drive starts.
var simOrigin = telemetry.Geodetic{Lat: 45.5946, Lon: -122.6933, Alt: 10}

type sourceOptions struct {
	Port        string
	Baud        int
	Poll        time.Duration
	PcapPath    string
	PcapPort    int
	ReplaySpeed float64
	SimDuration time.Duration
}

// newSource builds the sample source named by kind. For the serial source
// the mux is returned too so its admin routes can be mounted; the caller
// owns closing it.
func newSource(kind string, o sourceOptions) (source.Source, serialmux.SerialMuxInterface, error) {
	switch kind {
	case "serial":
		if o.Port == "" {
			return nil, nil, errors.New("serial source needs -port")
		}
		mux, err := serialmux.NewRealSerialMux(o.Port, serialmux.PortOptions{BaudRate: o.Baud})
		if err != nil {
			return nil, nil, fmt.Errorf("open serial port %s: %w", o.Port, err)
		}
		return source.NewSerial(mux, o.Poll), mux, nil
	case "sim":
		return &source.Simulated{
			Origin:   simOrigin,
			Duration: o.SimDuration,
			Realtime: true,
			Noise:    1,
			Seed:     time.Now().UnixNano(),
		}, nil, nil
	case "replay":
		if o.PcapPath == "" {
			return nil, nil, errors.New("replay source needs -pcap")
		}
		return &source.Replay{Path: o.PcapPath, Port: o.PcapPort, SpeedMultiplier: o.ReplaySpeed}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown source %q (want serial, sim or replay)", kind)
	}
}

// openLogWriter resolves a -log-* flag value.
func openLogWriter(dest string) (io.Writer, func() error, error) {
	noop := func() error { return nil }
	switch dest {
	case "", "off":
		return io.Discard, noop, nil
	case "stderr":
		return os.Stderr, noop, nil
	case "stdout":
		return os.Stdout, noop, nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f.Close, nil
}

func loadConfig(path string) (*config.AnalyticsConfig, error) {
	if path == "" {
		cfg := config.DefaultAnalyticsConfig()
		return cfg, cfg.Validate()
	}
	return config.LoadAnalyticsConfig(path)
}

func setupLogging() func() {
	var closers []func() error
	open := func(name, dest string) io.Writer {
		w, closeFn, err := openLogWriter(dest)
		if err != nil {
			log.Fatalf("-%s: %v", name, err)
		}
		closers = append(closers, closeFn)
		return w
	}
	ops := open("log-ops", *logOps)
	diag := open("log-diag", *logDiag)
	trace := open("log-trace", *logTrace)

	estimator.SetLogWriters(ops, diag, trace)
	pipeline.SetLogWriters(ops, diag, trace)
	anomaly.SetLogWriters(ops, diag, trace)
	limits.SetLogWriters(ops, diag, trace)
	correlation.SetLogWriters(ops, diag, trace)
	performance.SetLogWriters(ops, diag)

	return func() {
		for _, c := range closers {
			_ = c()
		}
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	closeLogs := setupLogging()
	defer closeLogs()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	src, serialMux, err := newSource(*sourceKind, sourceOptions{
		Port:        *port,
		Baud:        *baud,
		Poll:        *poll,
		PcapPath:    *pcapPath,
		PcapPort:    *pcapPort,
		ReplaySpeed: *replaySpeed,
		SimDuration: *simDuration,
	})
	if err != nil {
		log.Fatalf("failed to create source: %v", err)
	}
	if serialMux != nil {
		defer serialMux.Close()
	}

	metrics := monitoring.NewMetrics()
	orch, err := pipeline.NewFromConfig(cfg, pipeline.Options{Metrics: metrics})
	if err != nil {
		log.Fatalf("failed to build pipeline: %v", err)
	}

	var (
		store    *db.DB
		session  *db.Session
		recorder *db.Recorder
	)
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()

		session, err = store.StartSession(src.Name(), time.Now())
		if err != nil {
			log.Fatalf("failed to start session: %v", err)
		}
		recorder = db.NewRecorder(store, session.ID, db.RecorderOptions{
			Drops: metrics.SinkDrops.WithLabelValues("db"),
		})
		orch.AddSink(recorder)
		log.Printf("recording session %s to %s", session.ID, store.Path())
	}

	hub := api.NewHub(*wsInterval, metrics.SinkDrops.WithLabelValues("websocket"))
	orch.AddSink(hub)

	var publisher *stream.Publisher
	if *grpcListen != "" {
		publisher = stream.NewPublisher(metrics.SinkDrops.WithLabelValues("grpc"))
		orch.AddSink(publisher)
	}

	log.Printf("%s starting: source=%s listen=%s", version.String(), src.Name(), *listen)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The recorder ignores ctx; the pipeline routine closes it after the
	// final drain.
	if recorder != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recorder.Run(context.Background()); err != nil {
				log.Printf("recorder stopped: %v", err)
			}
		}()
	}

	// pipeline routine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := orch.Run(ctx); err != nil {
			log.Printf("pipeline error: %v", err)
		}
		st := orch.Stats()
		log.Printf("pipeline stopped: processed=%d invalid=%d out_of_order=%d dropped=%d discarded=%d",
			st.Processed, st.Invalid, st.OutOfOrder, st.QueueDropped, st.Discarded)

		if recorder != nil {
			recorder.Close()
			written, dropped := recorder.Stats()
			log.Printf("recorder flushed: %d rows written, %d dropped", written, dropped)
		}
		if session != nil {
			rejected := int64(st.Invalid + st.OutOfOrder + st.QueueDropped + st.Discarded)
			if err := store.EndSession(session.ID, time.Now(), int64(st.Processed), rejected); err != nil {
				log.Printf("failed to end session: %v", err)
			}
		}
	}()

	// source routine: samples flow into the pipeline queue until the source
	// ends or ctx is cancelled
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := src.Run(ctx, orch.Submit)
		switch {
		case err == nil:
			log.Printf("%s source finished; serving results until interrupted", src.Name())
		case errors.Is(err, context.Canceled):
		default:
			log.Printf("%s source failed: %v", src.Name(), err)
		}
		orch.Close()
	}()

	// websocket hub
	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()

	if publisher != nil {
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			log.Fatalf("failed to listen on %s: %v", *grpcListen, err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := publisher.Serve(lis); err != nil {
				log.Printf("gRPC server error: %v", err)
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			publisher.Stop()
			log.Printf("gRPC stream stopped")
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(orch, store, hub, metrics, *speedUnits).ServeMux()
		if serialMux != nil {
			serialMux.AttachAdminRoutes(mux)
		}
		if store != nil {
			store.AttachAdminRoutes(mux)
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
			if err := server.Close(); err != nil {
				log.Printf("HTTP server force close error: %v", err)
			}
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	log.Printf("Graceful shutdown complete")
}
