package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/alerts"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/devicemanagement"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/readings"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/reports"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/watchdog"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/application/webevents"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/infrastructure/bridge"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/infrastructure/storage"
	"github.com/aquawatch/water-quality-mgmt/internal/pkg/presentation/api"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/buildinfo"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const serviceName string = "water-quality-mgmt"

type flagType int
type flagMap map[flagType]string

const (
	listenAddress flagType = iota
	servicePort
	controlPort

	policiesFile
	thresholdsFile
	notifierFile
	devicesFile

	dbHost
	dbUser
	dbPassword
	dbPort
	dbName
	dbSSLMode

	rendererURL
	spoolDir
)

func defaultFlags() flagMap {
	return flagMap{
		listenAddress: "0.0.0.0",
		servicePort:   "8080",
		controlPort:   "8000",

		policiesFile:   "/opt/aquawatch/config/authz.rego",
		thresholdsFile: "/opt/aquawatch/config/thresholds.yaml",
		notifierFile:   "/opt/aquawatch/config/notifier.yaml",
		devicesFile:    "",

		dbHost:     "",
		dbUser:     "",
		dbPassword: "",
		dbPort:     "5432",
		dbName:     "aquawatch",
		dbSSLMode:  "disable",

		rendererURL: "",
		spoolDir:    "/var/spool/aquawatch/reports",
	}
}

func main() {
	ctx, flags := parseExternalConfig(context.Background(), defaultFlags())

	serviceVersion := buildinfo.SourceVersion()
	ctx, logger, cleanup := o11y.Init(ctx, serviceName, serviceVersion, "json")
	defer cleanup()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, flags)
	exitIf(err, logger, "service terminated")

	logger.Info("shutdown complete")
}

func run(ctx context.Context, flags flagMap) error {
	log := logging.GetFromContext(ctx)

	store, err := storage.New(ctx, storage.NewConfig(
		flags[dbHost], flags[dbUser], flags[dbPassword],
		flags[dbPort], flags[dbName], flags[dbSSLMode],
	))
	if err != nil {
		return err
	}
	defer store.Close()

	err = store.CreateTables(ctx)
	if err != nil {
		return err
	}

	messenger, err := messaging.Initialize(ctx, messaging.LoadConfiguration(ctx, serviceName, log))
	if err != nil {
		return err
	}
	messenger.Start()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := bridge.NewMetrics(registry)

	events := webevents.New()
	publisher := bridge.NewPublisher(messenger, metrics)

	alertConfig := loadAlertConfig(ctx, flags[thresholdsFile])
	notifier := alerts.NewNotifier(loadNotifierConfig(ctx, flags[notifierFile]))

	deviceSvc := devicemanagement.New(store, publisher, events)

	if flags[devicesFile] != "" {
		seed, err := os.Open(flags[devicesFile])
		if err != nil {
			return err
		}
		err = devicemanagement.SeedDevices(ctx, store, seed)
		if err != nil {
			return err
		}
	}
	readingSvc := readings.New(store, events)
	alertSvc := alerts.New(store, alertConfig, events, notifier)

	files, err := reports.NewSpoolStore(flags[spoolDir])
	if err != nil {
		return err
	}

	renderer := reports.NewCSVRenderer()
	if flags[rendererURL] != "" {
		renderer = reports.NewHTTPRenderer(flags[rendererURL])
	}

	reportSvc := reports.New(store, store, renderer, files)
	err = reportSvc.Start(ctx)
	if err != nil {
		return err
	}

	consumer := bridge.New(messenger, deviceSvc, readingSvc, alertSvc, metrics)
	err = consumer.Start(ctx)
	if err != nil {
		return err
	}

	dog := watchdog.New()
	watchdog.RegisterMaintenanceJobs(dog, deviceSvc, readingSvc, reportSvc, store)
	dog.Start(ctx)

	policies, err := os.Open(flags[policiesFile])
	if err != nil {
		return err
	}
	defer policies.Close()

	router, err := api.RegisterHandlers(ctx, chi.NewRouter(), policies, api.Services{
		Devices:  deviceSvc,
		Alerts:   alertSvc,
		Readings: readingSvc,
		Reports:  reportSvc,
		Events:   events,
		Bridge:   metrics,
		DB:       store,
	})
	if err != nil {
		return err
	}

	public := &http.Server{
		Addr:    flags[listenAddress] + ":" + flags[servicePort],
		Handler: router,
	}
	control := &http.Server{
		Addr:    flags[listenAddress] + ":" + flags[controlPort],
		Handler: controlMux(registry),
	}

	errs := make(chan error, 2)
	go serve(public, errs)
	go serve(control, errs)

	log.Info("service started", "port", flags[servicePort], "control_port", flags[controlPort])

	select {
	case <-ctx.Done():
	case err = <-errs:
		return err
	}

	// drain in dependency order: stop taking broker traffic, then the
	// api surface, then the background machinery, and close the store last
	consumer.Stop()
	messenger.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	public.Shutdown(shutdownCtx)
	control.Shutdown(shutdownCtx)

	events.Shutdown()
	dog.Stop()
	reportSvc.Shutdown()

	return nil
}

func serve(server *http.Server, errs chan<- error) {
	err := server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs <- err
	}
}

func controlMux(registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

// loadAlertConfig falls back to the built in thresholds when no file is
// mounted.
func loadAlertConfig(ctx context.Context, path string) *alerts.Config {
	log := logging.GetFromContext(ctx)

	f, err := os.Open(path)
	if err != nil {
		log.Info("no threshold configuration found, using defaults", "path", path)
		return alerts.DefaultConfig()
	}
	defer f.Close()

	cfg, err := alerts.NewConfig(f)
	if err != nil {
		log.Error("could not parse threshold configuration, using defaults", "path", path, "err", err.Error())
		return alerts.DefaultConfig()
	}

	return cfg
}

func loadNotifierConfig(ctx context.Context, path string) *alerts.NotifierConfig {
	log := logging.GetFromContext(ctx)

	f, err := os.Open(path)
	if err != nil {
		log.Info("no notifier configuration found, email dispatch disabled", "path", path)
		return &alerts.NotifierConfig{}
	}
	defer f.Close()

	cfg, err := alerts.LoadNotifierConfig(f)
	if err != nil {
		log.Error("could not parse notifier configuration", "path", path, "err", err.Error())
		return &alerts.NotifierConfig{}
	}

	return cfg
}

func parseExternalConfig(ctx context.Context, flags flagMap) (context.Context, flagMap) {
	// Allow environment variables to override certain defaults
	envOrDef := env.GetVariableOrDefault

	flags[listenAddress] = envOrDef(ctx, "LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = envOrDef(ctx, "SERVICE_PORT", flags[servicePort])
	flags[controlPort] = envOrDef(ctx, "CONTROL_PORT", flags[controlPort])

	flags[policiesFile] = envOrDef(ctx, "POLICIES_FILE", flags[policiesFile])
	flags[thresholdsFile] = envOrDef(ctx, "THRESHOLDS_FILE", flags[thresholdsFile])
	flags[notifierFile] = envOrDef(ctx, "NOTIFIER_FILE", flags[notifierFile])
	flags[devicesFile] = envOrDef(ctx, "DEVICES_FILE", flags[devicesFile])

	flags[dbHost] = envOrDef(ctx, "POSTGRES_HOST", flags[dbHost])
	flags[dbPort] = envOrDef(ctx, "POSTGRES_PORT", flags[dbPort])
	flags[dbName] = envOrDef(ctx, "POSTGRES_DBNAME", flags[dbName])
	flags[dbUser] = envOrDef(ctx, "POSTGRES_USER", flags[dbUser])
	flags[dbPassword] = envOrDef(ctx, "POSTGRES_PASSWORD", flags[dbPassword])
	flags[dbSSLMode] = envOrDef(ctx, "POSTGRES_SSLMODE", flags[dbSSLMode])

	flags[rendererURL] = envOrDef(ctx, "RENDERER_URL", flags[rendererURL])
	flags[spoolDir] = envOrDef(ctx, "REPORT_SPOOL_DIR", flags[spoolDir])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("policies", "an authorization policy file", apply(policiesFile))
	flag.Func("thresholds", "threshold configuration file", apply(thresholdsFile))
	flag.Func("notifier", "alert notifier configuration file", apply(notifierFile))
	flag.Func("devices", "list of known devices", apply(devicesFile))
	flag.Parse()

	return ctx, flags
}

func exitIf(err error, logger *slog.Logger, msg string, args ...any) {
	if err != nil {
		logger.With(args...).Error(msg, "err", err.Error())
		time.Sleep(2 * time.Second)
		os.Exit(1)
	}
}
