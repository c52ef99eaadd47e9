package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/markus-barta/carrelay/internal/api"
	"github.com/markus-barta/carrelay/internal/auth"
	"github.com/markus-barta/carrelay/internal/config"
	"github.com/markus-barta/carrelay/internal/metrics"
	"github.com/markus-barta/carrelay/internal/mqttbridge"
	"github.com/markus-barta/carrelay/internal/relay"
	"github.com/markus-barta/carrelay/internal/store"
	"github.com/rs/zerolog"
)

// Version is set at build time.
var Version = "dev"

const (
	shutdownTimeout   = 10 * time.Second
	retentionInterval = time.Hour
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	mintToken := flag.Bool("token", false, "print an operator token and exit")
	tokenSub := flag.String("sub", "local", "operator id for -token")
	tokenName := flag.String("name", "local operator", "operator name for -token")
	tokenAdmin := flag.Bool("admin", false, "mint an admin token")
	tokenTTL := flag.Duration("ttl", 24*time.Hour, "token lifetime for -token")
	deviceToken := flag.String("hash-device-token", "", "print the bcrypt hash for CARRELAY_DEVICE_TOKEN_HASH and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("carrelay", Version)
		return
	}

	if *deviceToken != "" {
		if err := printDeviceTokenHash(os.Stdout, *deviceToken); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	if *mintToken {
		op := auth.Operator{ID: *tokenSub, Name: *tokenName, Role: auth.RoleUser, HasAccess: true}
		if *tokenAdmin {
			op.Role = auth.RoleAdmin
		}
		token, err := auth.IssueToken(cfg.JWTSecret, op, *tokenTTL)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	log := newLogger(cfg)
	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("relay stopped with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	log.Info().Str("version", Version).Msg("starting carrelay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	st := store.New(log, db)
	metrics.Init(db, log)
	go st.StartRetentionCleanup(ctx, retentionInterval)

	rl := relay.New(log, st, relay.Options{
		HeartbeatTimeout:           cfg.HeartbeatTimeout,
		SweepInterval:              cfg.SweepInterval,
		StatusInterval:             cfg.StatusInterval,
		BatteryPollInterval:        cfg.BatteryPollInterval,
		HeartbeatBroadcastInterval: cfg.HeartbeatBroadcastInterval,
		PendingTTL:                 cfg.PendingTTL,
		ExpiryInterval:             cfg.ExpiryInterval,
		AllowedOrigins:             cfg.AllowedOrigins,
		DevicePort:                 portOf(cfg.DeviceListenAddr),
	})

	if cfg.MQTTEnabled() {
		bridge, err := mqttbridge.Dial(mqttbridge.Options{
			Broker:      cfg.MQTTBroker,
			ClientID:    cfg.MQTTClientID,
			Username:    cfg.MQTTUsername,
			Password:    cfg.MQTTPassword,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, log)
		if err != nil {
			// The mirror is optional; the relay runs without it.
			log.Warn().Err(err).Msg("mqtt bridge disabled")
		} else {
			rl.AddSink(bridge)
			defer bridge.Close()
		}
	}

	rl.Start(ctx)

	server := api.New(log, rl, st, auth.NewVerifier(cfg.JWTSecret), auth.NewDeviceGate(cfg.DeviceTokenHash), Version)
	apiServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	deviceMux := http.NewServeMux()
	deviceMux.HandleFunc("/", rl.ServeDevice)
	deviceServer := &http.Server{
		Addr:              cfg.DeviceListenAddr,
		Handler:           deviceMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	serve := func(name string, srv *http.Server) {
		log.Info().Str("addr", srv.Addr).Msgf("starting %s listener", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s listener: %w", name, err)
		}
	}
	go serve("api", apiServer)
	go serve("device", deviceServer)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down...")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Upgraded sockets are hijacked and not tracked by Shutdown; the relay
	// closes them.
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("api listener shutdown")
	}
	if err := deviceServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("device listener shutdown")
	}
	rl.Close()

	log.Info().Msg("carrelay stopped")
	return runErr
}

// printDeviceTokenHash writes the configuration value for a device token.
func printDeviceTokenHash(w io.Writer, token string) error {
	hash, err := auth.HashDeviceToken(token)
	if err != nil {
		return fmt.Errorf("hash device token: %w", err)
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}

// portOf extracts the numeric port of a listen address, or 0.
func portOf(addr string) int {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(port)
	return n
}
