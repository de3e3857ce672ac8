package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/protei/datagate/internal/logger"
	"github.com/protei/datagate/pkg/config"
	"github.com/protei/datagate/pkg/data"
	"github.com/protei/datagate/pkg/data/bacnet"
	"github.com/protei/datagate/pkg/data/modbus"
	"github.com/protei/datagate/pkg/data/random"
	"github.com/protei/datagate/pkg/data/snmp"
	"github.com/protei/datagate/pkg/influx"
	"github.com/protei/datagate/pkg/scheme"
	"github.com/protei/datagate/pkg/web"
)

const appName = "datagate"

var (
	debug      = flag.Bool("debug", false, "force debug logging")
	configPath = flag.String("config", "", "path to a configuration file, or a directory of them")
)

func main() {
	flag.Parse()

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "no configuration!")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Debug = true
	}

	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	log, err := logger.New(logger.Config{Level: level, Format: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("fatal error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	randomModule := random.New(log.With().Str("component", "random").Logger())

	modbusModule := modbus.New(log.With().Str("component", "modbus").Logger(), cfg.Modbus)

	snmpModule, err := snmp.New(log.With().Str("component", "snmp").Logger(), cfg.SNMP)
	if err != nil {
		return fmt.Errorf("building snmp module: %w", err)
	}

	bacnetModule, err := bacnet.New(log.With().Str("component", "bacnet").Logger(), cfg.BACnet)
	if err != nil {
		return fmt.Errorf("building bacnet module: %w", err)
	}

	controller := data.NewController(randomModule, modbusModule, snmpModule, bacnetModule)

	resolver, err := scheme.NewResolver(cfg)
	if err != nil {
		return fmt.Errorf("resolving scheme configuration: %w", err)
	}
	renderer := scheme.NewRenderer(log.With().Str("component", "scheme").Logger(), resolver)
	influxClient := influx.New(cfg.InfluxDB)

	srv := web.New(web.Config{
		Host:       cfg.Host,
		Port:       cfg.Port,
		Logger:     log.With().Str("component", "web").Logger(),
		Controller: controller,
		Resolver:   resolver,
		Renderer:   renderer,
		Influx:     influxClient,
	})

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()
	if err := controller.Start(startCtx); err != nil {
		return fmt.Errorf("starting data modules: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("web server exited")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("web server shutdown error")
	}
	if err := controller.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("data module shutdown error")
	}
	return nil
}
