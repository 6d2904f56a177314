// Command tiltbot drives a two-wheeled robot with a tilting head over an I/O
// board, exposes a command API over HTTP and publishes tilt events to MQTT.
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
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sweeney/tiltbot/internal/config"
	"github.com/sweeney/tiltbot/internal/mqtt"
	"github.com/sweeney/tiltbot/internal/port"
	"github.com/sweeney/tiltbot/internal/robot"
	"github.com/sweeney/tiltbot/internal/status"
	"github.com/sweeney/tiltbot/internal/web"
)

func main() {
	configPath := flag.String("config", "", "YAML config file (optional)")
	broker := flag.String("broker", "", "MQTT broker address (overrides config)")
	httpAddr := flag.String("http", "", "HTTP address (overrides config, \"off\" disables)")
	simulate := flag.Bool("simulate", false, "Run against the built-in simulator instead of hardware")
	debug := flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		log.Fatalf("fatal: build logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(*configPath, *broker, *httpAddr, *simulate)
	if err != nil {
		logger.Fatalw("fatal", "error", err)
	}
	if err := run(cfg, logger); err != nil {
		logger.Fatalw("fatal", "error", err)
	}
}

// newLogger builds a console logger with ISO8601 timestamps and no stack
// traces.
func newLogger(debug bool) (*zap.SugaredLogger, error) {
	cfg := zap.Config{
		Level:    zap.NewAtomicLevelAt(zap.InfoLevel),
		Encoding: "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		DisableStacktrace: true,
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
	}
	if debug {
		cfg.Level.SetLevel(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(path, broker, httpAddr string, simulate bool) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if broker != "" {
		cfg.MQTT.Broker = broker
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if simulate {
		cfg.Board.Simulate = true
	}
	return cfg, cfg.Validate()
}

// openPort opens the hardware board or the simulator.
func openPort(cfg config.Config, logger *zap.SugaredLogger) (port.Port, error) {
	if cfg.Board.Simulate {
		return port.NewSimulator(cfg.Simulator(), clock.New())
	}
	return port.NewRealPort(cfg.RealPort(), logger)
}

func run(cfg config.Config, logger *zap.SugaredLogger) error {
	logger.Infow("starting", cfg.Summary()...)

	p, err := openPort(cfg, logger.Named("port"))
	if err != nil {
		return fmt.Errorf("open board: %w", err)
	}
	defer p.Close()

	rob, err := robot.New(cfg.Robot(), logger.Named("robot"))
	if err != nil {
		return err
	}

	publisher, err := mqtt.NewRealPublisher(cfg.MQTT.Broker, cfg.MQTT.ClientID, logger.Named("mqtt"))
	if err != nil {
		return fmt.Errorf("init mqtt: %w", err)
	}
	defer publisher.Close()

	clk := clock.New()
	tracker := status.NewTracker(clk, status.Config{
		ControlMs:   cfg.ControlPeriod.Milliseconds(),
		UpdateMs:    cfg.UpdatePeriod.Milliseconds(),
		HeartbeatMs: cfg.Heartbeat.Milliseconds(),
		Broker:      cfg.MQTT.Broker,
		HTTPPort:    cfg.HTTPAddr,
		Simulated:   cfg.Board.Simulate,
	})
	if net := readNetworkInfo(); net != nil {
		tracker.SetNetwork(net)
	}

	var serve func(ctx context.Context) error
	if cfg.HTTPAddr != "off" {
		srv := web.New(cfg.HTTPAddr, tracker, rob, logger.Named("web"))
		serve = func(ctx context.Context) error {
			return serveHTTP(ctx, srv, logger)
		}
	}

	d := &daemon{
		robot:          rob,
		port:           p,
		publisher:      publisher,
		mqttStatus:     publisher,
		tracker:        tracker,
		clock:          clk,
		logger:         logger,
		controlPeriod:  cfg.ControlPeriod,
		reconnectDelay: cfg.ReconnectDelay,
		heartbeat:      cfg.Heartbeat,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	return d.run(context.Background(), sigCh, serve)
}

// serveHTTP runs srv until ctx is done.
func serveHTTP(ctx context.Context, srv *web.Server, logger *zap.SugaredLogger) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	logger.Infow("http server listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// pi-helper env var names (written to /run/pi-helper.env).
const (
	envNetworkType       = "NETWORK_TYPE"
	envNetworkIP         = "NETWORK_IP"
	envNetworkStatus     = "NETWORK_STATUS"
	envNetworkGateway    = "NETWORK_GATEWAY"
	envNetworkWifiStatus = "NETWORK_WIFI_STATUS"
	envNetworkWifiSSID   = "NETWORK_WIFI_SSID"
)

func readNetworkInfo() *status.NetworkInfo {
	s := os.Getenv(envNetworkStatus)
	if s == "" {
		return nil
	}
	return &status.NetworkInfo{
		Type:       os.Getenv(envNetworkType),
		IP:         os.Getenv(envNetworkIP),
		Status:     s,
		Gateway:    os.Getenv(envNetworkGateway),
		WifiStatus: os.Getenv(envNetworkWifiStatus),
		SSID:       os.Getenv(envNetworkWifiSSID),
	}
}
