// Package main runs the realtime hub: websocket sessions, the telemetry
// simulation, command dispatch and the optional Redis and MQTT bridges.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nmxmxh/iot-realtime/internal/bridge"
	"github.com/nmxmxh/iot-realtime/internal/channel"
	"github.com/nmxmxh/iot-realtime/internal/command"
	"github.com/nmxmxh/iot-realtime/internal/config"
	"github.com/nmxmxh/iot-realtime/internal/device"
	"github.com/nmxmxh/iot-realtime/internal/hub"
	"github.com/nmxmxh/iot-realtime/internal/ingest"
	"github.com/nmxmxh/iot-realtime/internal/metrics"
	"github.com/nmxmxh/iot-realtime/internal/telemetry"
	"github.com/nmxmxh/iot-realtime/pkg/health"
	"github.com/nmxmxh/iot-realtime/pkg/logger"
	"github.com/nmxmxh/iot-realtime/pkg/redis"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Environment: cfg.Environment,
		LogLevel:    cfg.LogLevel,
		ServiceName: "iot-realtime",
	})
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("realtime hub exited with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("realtime hub stopped")
}

func loadDevices(cfg *config.Config) (*device.Directory, error) {
	if cfg.DevicesFile == "" {
		return device.NewDirectory(device.Seed(time.Now())...), nil
	}
	devices, err := device.LoadFile(cfg.DevicesFile)
	if err != nil {
		return nil, err
	}
	return device.NewDirectory(devices...), nil
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	dir, err := loadDevices(cfg)
	if err != nil {
		return fmt.Errorf("load devices: %w", err)
	}
	log.Info("device directory ready", zap.Int("devices", dir.Len()), zap.String("file", cfg.DevicesFile))

	g, ctx := errgroup.WithContext(ctx)
	checks := health.NewHealthChecker()
	reg := channel.New(log)

	genOpts := telemetry.Options{
		TelemetryInterval: cfg.TelemetryInterval,
		StatusInterval:    cfg.StatusFlipInterval,
		FlipProbability:   cfg.StatusFlipProbability,
	}
	var rb *bridge.Bridge
	if cfg.BridgeEnabled() {
		rdb, err := redis.NewClient(redis.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, log)
		if err != nil {
			return err
		}
		defer rdb.Close()

		rb = bridge.New(rdb, reg, log, bridge.Options{Namespace: cfg.RedisNamespace, State: dir})
		reg.SetRelay(rb.Relay)
		genOpts.LeaderGate = rb.IsLeader
		checks.Register(rb.HealthCheck())
		g.Go(func() error { return rb.Run(ctx) })
		log.Info("redis bridge enabled", zap.String("addr", cfg.RedisHost), zap.String("origin", rb.Origin()))
	}

	gen := telemetry.New(dir, reg, log, genOpts)
	checks.Register(health.NewCheck("simulation", func(context.Context) error { return nil }))

	dispOpts := command.Options{
		SuccessRate:   cfg.CommandSuccessRate,
		FollowUpDelay: cfg.CommandFollowUpDelay,
		FirmwareTick:  cfg.FirmwareTickInterval,
	}
	if cfg.IngestEnabled() {
		mq := ingest.New(ingest.Config{
			Broker:         cfg.MQTTBroker,
			ClientID:       cfg.MQTTClientID,
			TelemetryTopic: cfg.MQTTTelemetryTopic,
			CommandTopic:   cfg.MQTTCommandTopic,
			QoS:            cfg.MQTTQoS,
		}, gen, log)
		if rb != nil {
			mq.SetLeaderGate(rb.IsLeader)
		}
		if err := mq.Connect(ctx); err != nil {
			return err
		}
		defer mq.Close()
		g.Go(func() error { return mq.Run(ctx) })
		dispOpts.Sink = mq
		checks.Register(mq.HealthCheck())
	}
	disp := command.New(dir, reg, log, dispOpts)
	defer disp.Close()

	h := hub.New(reg, gen, disp, dir, log, hub.Options{
		AllowedOrigins:        cfg.AllowedOrigins,
		CancelFirmwareOnLeave: cfg.FirmwareCancelOnLeave,
		SystemStatusSchedule:  cfg.SystemStatusSchedule,
	})
	if err := h.StartReporter(); err != nil {
		return err
	}

	if cfg.DevicesWatch {
		w, err := device.NewWatcher(log, dir, cfg.DevicesFile, 500*time.Millisecond)
		if err != nil {
			return err
		}
		w.OnReload(func(added int) {
			if added > 0 {
				h.ReportSystemStatus()
			}
		})
		g.Go(func() error { return w.Run(ctx) })
	}

	srv := metrics.NewServer(":"+cfg.HTTPPort, map[string]http.Handler{
		"/ws":      h,
		"/ws/":     h,
		"/healthz": checks.Handler(),
	})

	g.Go(func() error {
		log.Info("Starting realtime server", zap.String("port", cfg.HTTPPort), zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if cfg.AutostartDelay > 0 {
		gen.StartAfter(ctx, cfg.AutostartDelay)
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("Received shutdown signal")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		gen.Stop()
		h.Shutdown(shutdownCtx)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown incomplete", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
