package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/SimplyPrint/pcsc-agent/internal/api"
	"github.com/SimplyPrint/pcsc-agent/internal/config"
	"github.com/SimplyPrint/pcsc-agent/internal/core"
	"github.com/SimplyPrint/pcsc-agent/internal/driver"
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
	"github.com/SimplyPrint/pcsc-agent/internal/service"
	"github.com/SimplyPrint/pcsc-agent/internal/settings"
)

func main() {
	versionFlag := flag.Bool("version", false, "Print version information and exit")
	configFlag := flag.String("config", "", "Path to the TOML configuration file")
	driverFlag := flag.String("driver", "", "PC/SC driver to use (overrides the configuration)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "PC/SC Agent - Local smart card reader service\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  pcsc-agent [flags]\n")
		fmt.Fprintf(os.Stderr, "  pcsc-agent [flags] <command>\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  serve       Run the agent (default)\n")
		fmt.Fprintf(os.Stderr, "  readers     List readers and exit\n")
		fmt.Fprintf(os.Stderr, "  drivers     List available drivers\n")
		fmt.Fprintf(os.Stderr, "  install     Install auto-start service\n")
		fmt.Fprintf(os.Stderr, "  uninstall   Remove auto-start service\n")
		fmt.Fprintf(os.Stderr, "  version     Print version information\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables:\n")
		fmt.Fprintf(os.Stderr, "  PCSC_AGENT_CONFIG   Configuration file path\n")
		fmt.Fprintf(os.Stderr, "  PCSC_AGENT_PORT     Port to listen on (default: %d)\n", config.DefaultPort)
		fmt.Fprintf(os.Stderr, "  PCSC_AGENT_HOST     Host to bind to (default: %s)\n", config.DefaultHost)
		fmt.Fprintf(os.Stderr, "  PCSC_AGENT_DRIVER   PC/SC driver (default: auto)\n")
	}

	flag.Parse()

	if *versionFlag {
		printVersion()
		return
	}

	command := "serve"
	if args := flag.Args(); len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "version":
		printVersion()
		return
	case "drivers":
		for _, name := range driver.Names() {
			fmt.Println(name)
		}
		return
	case "install":
		if err := service.New().Install(); err != nil {
			log.Fatalf("Failed to install service: %v", err)
		}
		fmt.Println("Auto-start service installed successfully")
		return
	case "uninstall":
		if err := service.New().Uninstall(); err != nil {
			log.Fatalf("Failed to uninstall service: %v", err)
		}
		fmt.Println("Auto-start service removed successfully")
		return
	case "serve", "readers":
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *driverFlag != "" {
		cfg.Driver = *driverFlag
	}

	if command == "readers" {
		if err := listReaders(cfg); err != nil {
			log.Fatal(err)
		}
		return
	}
	if err := run(cfg); err != nil {
		log.Fatal(err)
	}
}

func printVersion() {
	fmt.Printf("pcsc-agent %s\n", api.Version)
	fmt.Printf("Build time: %s\n", api.BuildTime)
	fmt.Printf("Git commit: %s\n", api.GitCommit)
}

// openService opens the configured driver and establishes the agent's
// context on it.
func openService(cfg *config.Config) (*core.Service, error) {
	d, name, err := driver.Open(cfg.Driver)
	if err != nil {
		return nil, err
	}
	return core.NewService(d, name, core.Options{
		Scope:           cfg.Scope,
		ShareMode:       cfg.ShareMode,
		TransmitRetries: cfg.TransmitRetries,
		PollInterval:    cfg.PollInterval,
		Hidden:          settings.IsReaderHidden,
	})
}

func listReaders(cfg *config.Config) error {
	logging.Get().SetLevel(logging.LevelWarn)
	svc, err := openService(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	readers, err := svc.ListReaders()
	if err != nil {
		return err
	}
	if len(readers) == 0 {
		fmt.Println("No readers found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "INDEX\tREADER\tCARD\tATR")
	for _, r := range readers {
		card := "-"
		if r.CardPresent {
			card = "present"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.Index, r.Name, card, r.ATR)
	}
	return w.Flush()
}

func run(cfg *config.Config) error {
	logging.Init(cfg.LogCapacity, cfg.LogLevel)
	logging.Info(logging.CatSystem, "PC/SC Agent starting", map[string]any{
		"version": api.Version,
		"config":  cfg.Path,
	})

	if _, err := settings.Load(); err != nil {
		logging.Warn(logging.CatSystem, "Failed to load settings, using defaults", map[string]any{
			"error": err.Error(),
		})
	}

	svc, err := openService(cfg)
	if err != nil {
		return fmt.Errorf("failed to open PC/SC: %w", err)
	}
	defer svc.Close()

	if logging.InitSentry(api.Version, settings.IsCrashReportingEnabled(), logging.SentryOptions{
		Driver: svc.DriverName(),
	}) {
		logging.Info(logging.CatSystem, "Crash reporting enabled", nil)
		defer logging.FlushSentry(2 * time.Second)
	}
	logging.SetCrashContext("driver", svc.DriverName())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := api.NewServer(svc, cfg.AllowedOrigins)
	srv.SetShutdownHandler(stop)

	monitor, err := svc.Monitor(64)
	if err != nil {
		return fmt.Errorf("failed to start reader monitor: %w", err)
	}
	go srv.Hub().Forward(monitor.Events())

	addr := cfg.Address()
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.NewMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("pcsc-agent %s listening on http://%s\n", api.Version, addr)
		log.Printf("WebSocket available at ws://%s/v1/ws\n", addr)
		logging.Info(logging.CatSystem, "Server started", map[string]any{
			"address": addr,
			"driver":  svc.DriverName(),
		})
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("Shutting down...")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			_ = monitor.Stop()
			return fmt.Errorf("server error: %w", err)
		}
	case <-monitor.Done():
		logging.Error(logging.CatSystem, "Reader monitor stopped unexpectedly", nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn(logging.CatSystem, "HTTP shutdown incomplete", map[string]any{"error": err.Error()})
	}
	if err := monitor.Stop(); err != nil {
		logging.Warn(logging.CatSystem, "Reader monitor stop failed", map[string]any{"error": err.Error()})
	}
	logging.Info(logging.CatSystem, "PC/SC Agent stopped", nil)
	return nil
}
