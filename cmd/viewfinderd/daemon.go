// Copyright 2025 Viewfinder Inc.
// Licensed under the Apache 2.0 license, see LICENCE file for details.

package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
	"github.com/juju/lumberjack/v2"
	"github.com/juju/pubsub/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/viewfinder/viewfinder/kv"
	"github.com/viewfinder/viewfinder/kv/badgerstore"
	dynamodbstore "github.com/viewfinder/viewfinder/kv/dynamodb"
	"github.com/viewfinder/viewfinder/kv/memstore"
	"github.com/viewfinder/viewfinder/lock"
	"github.com/viewfinder/viewfinder/notify"
	"github.com/viewfinder/viewfinder/ops"
	"github.com/viewfinder/viewfinder/service"
	"github.com/viewfinder/viewfinder/state"
	"github.com/viewfinder/viewfinder/worker/opmanager"
)

// daemon holds the parsed command line of one viewfinderd run.
type daemon struct {
	storeKind     string
	region        string
	endpoint      string
	tablePrefix   string
	dataDir       string
	loggingConfig string
	logFile       string
	metricsAddr   string

	// metricsListener is set once serveMetrics is listening, for tests.
	metricsListener net.Listener
}

func newDaemon() *daemon {
	return &daemon{}
}

// init parses the command line.
func (d *daemon) init(args []string) error {
	f := gnuflag.NewFlagSet("viewfinderd", gnuflag.ContinueOnError)
	f.SetOutput(os.Stderr)
	f.StringVar(&d.storeKind, "store", "dynamodb", "storage substrate: dynamodb, local or memory")
	f.StringVar(&d.region, "region", "", "aws region of the dynamodb tables")
	f.StringVar(&d.endpoint, "endpoint", "", "dynamodb endpoint override, for local emulators")
	f.StringVar(&d.tablePrefix, "table-prefix", "vf_", "prefix namespacing this deployment's tables")
	f.StringVar(&d.dataDir, "data-dir", "/var/lib/viewfinder", "directory holding the local store")
	f.StringVar(&d.loggingConfig, "logging-config", "<root>=INFO", "loggo configuration string")
	f.StringVar(&d.logFile, "log-file", "", "rotated log file; empty logs to stderr only")
	f.StringVar(&d.metricsAddr, "metrics-addr", "", "address serving prometheus metrics; empty disables")
	if err := f.Parse(true, args); err != nil {
		return err
	}
	if extra := f.Args(); len(extra) != 0 {
		return errors.Errorf("unexpected arguments: %v", extra)
	}
	switch d.storeKind {
	case "dynamodb", "local", "memory":
	default:
		return errors.NotValidf("store %q", d.storeKind)
	}
	if d.storeKind == "local" && d.dataDir == "" {
		return errors.NotValidf("local store without data-dir")
	}
	return nil
}

// setupLogging installs the rotated log file writer, if one was asked
// for, and applies the logging configuration.
func (d *daemon) setupLogging() error {
	if d.logFile != "" {
		writer := &lumberjack.Logger{
			Filename:   d.logFile,
			MaxSize:    300, // megabytes
			MaxBackups: 2,
			Compress:   true,
		}
		err := loggo.RegisterWriter("logfile", loggo.NewSimpleWriter(writer, loggo.DefaultFormatter))
		if err != nil {
			return errors.Annotate(err, "registering log file writer")
		}
	}
	if d.loggingConfig != "" {
		if err := loggo.ConfigureLoggers(d.loggingConfig); err != nil {
			return errors.Annotate(err, "configuring loggers")
		}
	}
	return nil
}

// openStore builds the kv substrate the flags selected.
func (d *daemon) openStore(ctx context.Context) (kv.Store, error) {
	switch d.storeKind {
	case "dynamodb":
		store, err := dynamodbstore.Open(ctx, dynamodbstore.Config{
			Region:      d.region,
			Endpoint:    d.endpoint,
			TablePrefix: d.tablePrefix,
		})
		return store, errors.Trace(err)
	case "local":
		store, err := badgerstore.Open(d.dataDir)
		return store, errors.Trace(err)
	case "memory":
		logger.Warningf("memory store selected; nothing will survive a restart")
		return memstore.New(), nil
	}
	return nil, errors.NotValidf("store %q", d.storeKind)
}

// run wires the pipeline together and blocks until the operation
// manager stops, normally on SIGINT or SIGTERM.
func (d *daemon) run() error {
	if err := d.setupLogging(); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("viewfinderd starting with %s store", d.storeKind)

	store, err := d.openStore(context.Background())
	if err != nil {
		return errors.Annotate(err, "opening store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("closing store: %v", err)
		}
	}()

	st, err := state.New(state.Config{Store: store, Clock: clock.WallClock})
	if err != nil {
		return errors.Trace(err)
	}
	locks, err := lock.NewManager(lock.ManagerConfig{Store: store, Clock: clock.WallClock})
	if err != nil {
		return errors.Trace(err)
	}
	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("viewfinder.hub"),
	})
	notifier, err := notify.NewManager(notify.ManagerConfig{
		State: st,
		Clock: clock.WallClock,
		Hub:   hub,
	})
	if err != nil {
		return errors.Trace(err)
	}
	// Delivery engines subscribe to the alert topic; until one is
	// attached the daemon just traces the handoff.
	unsubscribe := hub.Subscribe(notify.AlertTopic, func(topic string, data interface{}) {
		if alert, ok := data.(notify.Alert); ok {
			logger.Tracef("alert for user %d: %s, badge %d", alert.UserID, alert.Name, alert.Badge)
		}
	})
	defer unsubscribe()

	registry := ops.NewRegistry()
	if err := service.RegisterAll(registry, service.Config{Notify: notifier}); err != nil {
		return errors.Trace(err)
	}

	metrics := prometheus.NewRegistry()
	manager, err := opmanager.NewManager(opmanager.Config{
		State:                st,
		Locks:                locks,
		Registry:             registry,
		Clock:                clock.WallClock,
		PrometheusRegisterer: metrics,
	})
	if err != nil {
		return errors.Trace(err)
	}

	stopMetrics, err := d.serveMetrics(metrics)
	if err != nil {
		manager.Kill()
		_ = manager.Wait()
		return errors.Trace(err)
	}
	defer stopMetrics()

	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sig := <-ch
		logger.Infof("shutting down on %v", sig)
		manager.Kill()
	}()

	logger.Infof("operation manager running; methods: %v", registry.Names())
	return errors.Trace(manager.Wait())
}

// serveMetrics exposes the prometheus registry over HTTP when a
// metrics address is configured. The returned stop function tears the
// listener down.
func (d *daemon) serveMetrics(registry *prometheus.Registry) (func(), error) {
	if d.metricsAddr == "" {
		return func() {}, nil
	}
	listener, err := net.Listen("tcp", d.metricsAddr)
	if err != nil {
		return nil, errors.Annotatef(err, "listening on %q", d.metricsAddr)
	}
	d.metricsListener = listener
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux}
	go func() {
		if err := server.Serve(listener); err != http.ErrServerClosed {
			logger.Errorf("metrics server: %v", err)
		}
	}()
	logger.Infof("serving metrics on %s", listener.Addr())
	return func() {
		if err := server.Close(); err != nil {
			logger.Errorf("closing metrics server: %v", err)
		}
	}, nil
}
