package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"rtspview/internal/codec"
	"rtspview/internal/config"
	"rtspview/internal/database"
	"rtspview/internal/mjpeg"
	"rtspview/internal/services"
	"rtspview/internal/source"
	"rtspview/internal/stream"
	"rtspview/internal/ws"
)

func main() {
	// Define command line flags. Flags override the configuration file.
	var (
		configF = pflag.StringP("config", "c", "", "Path to the YAML configuration file")
		addrF   = pflag.String("addr", "", "Listen address (overrides server.addr)")
		dbF     = pflag.String("db", "", "SQLite database path (overrides database.path)")
		dsnF    = pflag.String("postgres", "", "PostgreSQL DSN, selects the postgres driver")
		noDBF   = pflag.Bool("no-db", false, "Run without the stream record store")
		ffmpegF = pflag.String("ffmpeg", "", "ffmpeg binary (overrides capture.ffmpeg)")
		dbgF    = pflag.Bool("debug", false, "Log every frame and dump ops requests")
	)
	pflag.Parse()

	// Setup logger.
	var (
		logger *log.Logger
	)
	{
		logger = log.New(os.Stderr, "[rtspview] ", log.Ltime)
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}
	if *addrF != "" {
		cfg.Server.Addr = *addrF
	}
	if *dbF != "" {
		cfg.Database.Path = *dbF
	}
	if *dsnF != "" {
		cfg.Database.Driver = database.DriverPostgres
		cfg.Database.DSN = *dsnF
	}
	if *noDBF {
		cfg.Database.Enabled = false
	}
	if *ffmpegF != "" {
		cfg.Capture.FFmpeg = *ffmpegF
	}
	if *dbgF {
		cfg.Logging.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	// Initialize the stream record store
	var (
		db    *database.Database
		store ws.Store
	)
	if cfg.Database.Enabled {
		db, err = database.Open(cfg.Database.Driver, cfg.Database.Source())
		if err != nil {
			logger.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			logger.Fatalf("failed to migrate database: %v", err)
		}
		if err := db.ResetActivity(); err != nil {
			logger.Printf("failed to reset stream activity: %v", err)
		}
		n, err := db.Seed(cfg.StreamRecords())
		if err != nil {
			logger.Fatalf("failed to store declared streams: %v", err)
		}
		store = db
		logger.Printf("%d stream records stored in %s database", n, db.Driver())
	} else if len(cfg.Streams) > 0 {
		logger.Printf("database disabled, ignoring %d declared streams", len(cfg.Streams))
	}

	// Initialize the stream processing core
	var (
		connector = source.NewConnector(cfg.SourceOptions())
		encoder   = codec.New(cfg.Codec.MaxWidth, cfg.Codec.Quality)
		registry  = stream.NewRegistry(connector, encoder, cfg.ProcessorOptions())
		hub       = ws.NewHub()
	)

	wsHandler := ws.NewHandler(registry, store, hub, ws.Options{
		ReadBufferSize:  cfg.Server.ReadBufferSize,
		WriteBufferSize: cfg.Server.WriteBufferSize,
		ReadLimit:       cfg.Server.ReadLimit,
		PingInterval:    cfg.Server.PingInterval,
		PongWait:        cfg.Server.PongWait,
		WriteTimeout:    cfg.Server.WriteTimeout,
	})

	var mjpegStore mjpeg.Store
	if db != nil {
		mjpegStore = db
	}
	mjpegHandler := mjpeg.NewHandler(registry, mjpegStore, cfg.Server.WriteTimeout)

	// Initialize the ops services.
	var (
		healthSvc *services.HealthImplementation
		streamSvc *services.StreamImplementation
	)
	{
		var pinger services.Pinger
		if db != nil {
			pinger = db
		}
		healthSvc = services.NewHealthService(pinger, registry, hub)
		streamSvc = services.NewStreamService(registry)
	}

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)

	// Setup interrupt handler. SIGINT and SIGTERM stop the service gracefully.
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	srv := &server{
		cfg:      cfg.Server,
		health:   healthSvc,
		streams:  streamSvc,
		ws:       wsHandler,
		mjpeg:    mjpegHandler,
		hub:      hub,
		registry: registry,
		logger:   logger,
		debug:    cfg.Logging.Debug,
	}
	srv.start(ctx, &wg, errc)

	// Wait for signal.
	logger.Printf("exiting (%v)", <-errc)

	// Send cancellation signal to the goroutines.
	cancel()

	wg.Wait()
	logger.Println("exited")
}
