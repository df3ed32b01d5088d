package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"DeviceBridge/internal/adapter"
	"DeviceBridge/internal/config"
	"DeviceBridge/internal/pairing"
	"DeviceBridge/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "devicebridge:", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("devicebridge", flag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to a JSON config file")
	httpPort := fs.Int("http-port", config.DefaultHTTPPort, "HTTP API port")
	discoveryPort := fs.Int("discovery-port", config.DefaultDiscoveryPort, "UDP discovery port")
	displayName := fs.String("name", "", "name shown to phones")
	stateFile := fs.String("state-file", "", "where pairing state is kept")
	logLevel := fs.String("log-level", "info", "panic, fatal, error, warn, info, debug or trace")
	logFormat := fs.String("log-format", "text", "text or json")
	mdns := fs.Bool("mdns", true, "advertise over mDNS")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if fs.Changed("http-port") {
		cfg.HTTPPort = *httpPort
	}
	if fs.Changed("discovery-port") {
		cfg.DiscoveryPort = *discoveryPort
	}
	if fs.Changed("name") {
		cfg.DisplayName = *displayName
	}
	if fs.Changed("state-file") {
		cfg.StateFile = *stateFile
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = *logFormat
	}
	if fs.Changed("mdns") {
		cfg.MDNS = *mdns
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := cfg.NewLogger()
	if err != nil {
		return err
	}

	store, err := config.OpenStateStore(cfg.StateFile, log)
	if err != nil {
		return err
	}
	state := store.State()

	controller := session.NewController(session.Options{
		PairCode:     state.PairCode,
		Capabilities: cfg.Capabilities,
		Adapters:     buildAdapters(cfg, log),
		Persister:    store,
		Resume:       store.Resume(),
		Logger:       log,
	})

	address := cfg.AdvertiseAddress
	if address == "" {
		address = pairing.LocalAddress()
	}
	descriptor := pairing.NewDescriptor(state.HostID, cfg.DisplayName, runtime.GOOS, address, cfg.HTTPPort, state.PairCode)
	pairingService := pairing.NewService(descriptor, pairing.Config{TokenTTL: cfg.QRTokenTTL(), Logger: log})
	responder := pairing.NewResponder(":"+strconv.Itoa(cfg.DiscoveryPort), pairingService.Bootstrap, log)

	var advertiser *pairing.Advertiser
	if cfg.MDNS {
		advertiser, err = pairing.Advertise(descriptor, log)
		if err != nil {
			log.WithError(err).Warn("mdns advertisement unavailable")
		}
	}
	defer advertiser.Shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              net.JoinHostPort(cfg.ListenHost, strconv.Itoa(cfg.HTTPPort)),
		Handler:           NewServer(controller, pairingService, log).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Long-lived streams end when the host shuts down.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	log.WithFields(logrus.Fields{
		"host_id":   state.HostID,
		"base_url":  descriptor.BaseURL,
		"pair_code": state.PairCode,
		"resumed":   state.Paired,
	}).Info("devicebridge host ready")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Info("starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := responder.Serve(gctx); err != nil {
			log.WithError(err).Warn("discovery responder unavailable")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("forcing HTTP server closed")
			return srv.Close()
		}
		return nil
	})

	err = g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	controller.Close(closeCtx)
	log.Info("devicebridge host stopped")
	return err
}

// buildAdapters wires one process adapter per configured resource.
func buildAdapters(cfg config.Config, log logrus.FieldLogger) map[session.Resource]adapter.Adapter {
	adapters := map[session.Resource]adapter.Adapter{}
	for _, r := range session.Resources {
		ac := cfg.Adapter(r)
		if !ac.Enabled() {
			continue
		}
		if ac.Name == "" {
			ac.Name = string(r)
		}

		p := adapter.NewProcess(ac.ProcessOptions, log.WithField("resource", r))
		if ac.DeviceClass != "" {
			p.WithLabeler(adapter.NewGstLabeler(ac.DeviceClass, ac.DeviceMatch))
		}

		var a adapter.Adapter = p
		if ac.StreamProbe && r != session.Speaker {
			a = adapter.WithStreamProbe(p, adapter.RTSPCheck(cfg.StreamProbeTimeout()))
		}
		adapters[r] = a
	}
	return adapters
}
