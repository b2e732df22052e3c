// Command gateway is the device control gateway process: it wires
// configuration, logging, metrics, security, the device registry, the
// command processor, the pattern engine, the telemetry pipeline, and the
// session gateway together and serves the HTTP/websocket surface until
// told to shut down.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/straticus1/aeimsLib-sub004/internal/adapter"
	"github.com/straticus1/aeimsLib-sub004/internal/command"
	"github.com/straticus1/aeimsLib-sub004/internal/config"
	"github.com/straticus1/aeimsLib-sub004/internal/devicetype"
	"github.com/straticus1/aeimsLib-sub004/internal/gateway"
	"github.com/straticus1/aeimsLib-sub004/internal/pattern"
	"github.com/straticus1/aeimsLib-sub004/internal/registry"
	"github.com/straticus1/aeimsLib-sub004/internal/resilience"
	"github.com/straticus1/aeimsLib-sub004/internal/scheduler"
	"github.com/straticus1/aeimsLib-sub004/internal/security"
	"github.com/straticus1/aeimsLib-sub004/internal/svcerr"
	"github.com/straticus1/aeimsLib-sub004/internal/telemetry"

	"github.com/straticus1/aeimsLib-sub004/infrastructure/logging"
	"github.com/straticus1/aeimsLib-sub004/internal/metrics"
)

// deviceEventFilter is the subscribe_device filter convention a client uses
// to receive device_event frames for one device (spec.md §4.1, §6).
func deviceEventFilter(deviceID string) string {
	return "device:" + deviceID
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logging.New("gateway", cfg.LogLevel, cfg.LogFormat)
	log.WithField("env", cfg.Env).Info("starting device control gateway")

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New(nil)
	}

	guardCfg := security.DefaultGuardConfig(cfg.TokenSecret)
	guardCfg.FailedLoginThreshold = cfg.FailedLoginThreshold
	guardCfg.BlacklistWindow = cfg.BlacklistWindow
	guardCfg.BlacklistDuration = cfg.BlacklistDuration
	guardCfg.ConnectionWindow = cfg.ConnectionWindow
	guardCfg.EncryptionEnabled = cfg.EncryptionEnabled
	guardCfg.KeyGracePeriod = cfg.KeyGracePeriod

	guard, err := security.NewGuard(guardCfg)
	if err != nil {
		log.WithField("error", err).Fatal("failed to construct security guard")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(nil)

	// Central recovery policy table with log-storm dedup; identical device
	// faults within the window log once.
	recovery := resilience.NewRecovery(resilience.DefaultPolicies(), 30*time.Second)
	sweepTask := sched.Every(ctx, time.Minute, func(context.Context, time.Time) { recovery.Sweep() })
	defer sweepTask.Cancel()

	store := registry.NewMemStore()
	factories := map[string]adapter.Factory{
		// Wrapped in BatchingAdapter so the §4.4 batching wrapper is on the
		// path real traffic takes, not just exercised in unit tests; the
		// wrapper falls back to per-request dispatch when the inner adapter
		// doesn't implement BatchSender.
		"duplex-tcp": func(address string, acfg adapter.Config) (adapter.Adapter, error) {
			if acfg.BatchSize <= 1 {
				acfg.BatchSize = cfg.AdapterBatchSize
			}
			transport := adapter.NewTCPTransport(address)
			inner := adapter.NewDuplexAdapter(address, transport, acfg, sched)
			return adapter.NewBatchingAdapter(inner, acfg, sched), nil
		},
	}
	regCfg := registry.DefaultConfig()
	regCfg.StoragePrefix = cfg.StoragePrefix
	reg := registry.New(regCfg, store, factories, sched)
	reg.Start(ctx)
	defer reg.Stop()

	limitsStore := newDeviceLimitsStore()

	if types, loadErrs := devicetype.LoadDir(cfg.DeviceTypeConfigDir); len(types) > 0 || len(loadErrs) > 0 {
		for _, e := range loadErrs {
			log.WithField("error", e).Warn("device type descriptor failed to load")
		}
		log.WithField("count", len(types)).Info("loaded device type descriptors")
	}

	cmdCfg := command.DefaultConfig()
	processor := command.New(cmdCfg, reg, sched)
	processor.SetMetrics(m)
	processor.Start(ctx)
	defer processor.Stop()

	engine := pattern.New(20*time.Millisecond, processor, reg, sched)
	engine.Start(ctx)
	defer engine.Shutdown()

	telemetryStore := telemetry.NewMemStore()
	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.RetentionEvery = 0 // driven by the cron schedule below instead
	pipeline := telemetry.New(telemetryCfg, telemetryStore, sched, m)
	pipeline.Start(ctx)
	defer pipeline.Stop()
	processor.SetTelemetry(pipeline)

	retentionCron := cron.New()
	if _, err := retentionCron.AddFunc(cfg.RetentionCronSpec, func() {
		pipeline.RunRetention(ctx, time.Now())
	}); err != nil {
		log.WithField("error", err).Warn("invalid retention cron spec, retention sweep disabled")
	} else {
		retentionCron.Start()
		defer retentionCron.Stop()
	}

	gwCfg := gateway.DefaultConfig()
	gwCfg.PingInterval = cfg.PingInterval
	gwCfg.PingTimeout = cfg.PingTimeout
	gwCfg.MaxConcurrentSessions = cfg.MaxConcurrentSessions

	gw := gateway.New(gwCfg, guard, sched, m, log, businessHandler(processor, engine, reg, limitsStore))
	gw.SetTelemetry(pipeline)

	// Bridge registry and pattern engine lifecycle events to subscribed
	// sessions (spec.md §4.1 "fan outbound events back to subscribers") and
	// into the telemetry pipeline (spec.md §2: "written to from every other
	// component"). Without this, deviceUpdated/patternStarted/
	// patternStopped/safety-threshold-exceeded events never leave the
	// process.
	reg.Subscribe(func(evt registry.Event) {
		if evt.Kind == registry.EventDeviceRemoved {
			// Stop the pattern first so its final stop command lands in
			// the queue being dropped, then resolve the queue (spec.md §5).
			engine.Stop(evt.Device.ID)
			processor.DropQueue(evt.Device.ID)
			limitsStore.remove(evt.Device.ID)
		} else {
			safety := parseDeviceSafetyConfig(evt.Device)
			limitsStore.set(evt.Device.ID, safety)
			processor.SetSafetyLimits(evt.Device.ID, safety.safetyLimits())
		}

		payload, _ := json.Marshal(map[string]interface{}{
			"kind":      evt.Kind,
			"device_id": evt.Device.ID,
			"status":    evt.Device.Status,
		})
		gw.Publish(deviceEventFilter(evt.Device.ID), gateway.Frame{
			Type:      gateway.FrameTypeEvent,
			Payload:   payload,
			Timestamp: time.Now().UnixMilli(),
		})
		pipeline.Track(telemetry.Point{
			Kind:        "device_event",
			Source:      evt.Device.ID,
			TimestampMs: time.Now().UnixMilli(),
			Context:     map[string]interface{}{"kind": evt.Kind, "status": evt.Device.Status},
		})
		if m != nil {
			online := 0
			for _, d := range reg.List() {
				if d.Status == registry.StatusOnline {
					online++
				}
			}
			m.DevicesOnline.Set(float64(online))
			if evt.Device.Status == registry.StatusError {
				m.DeviceErrorsTotal.WithLabelValues(evt.Device.Kind).Inc()
			}
		}
		if evt.Device.Status == registry.StatusError && recovery.ShouldLog(svcerr.KindDevice, evt.Device.ID) {
			log.WithField("device_id", evt.Device.ID).WithField("error_count", evt.Device.ErrorCount).Warn("device entered error state")
		}
	})

	engine.Subscribe(func(evt pattern.Event) {
		payload, _ := json.Marshal(map[string]interface{}{
			"kind":      evt.Kind,
			"device_id": evt.DeviceID,
			"reason":    evt.Reason,
		})
		gw.Publish(deviceEventFilter(evt.DeviceID), gateway.Frame{
			Type:      gateway.FrameTypeEvent,
			Payload:   payload,
			Timestamp: evt.Timestamp.UnixMilli(),
		})
		pipeline.Track(telemetry.Point{
			Kind:        "device_event",
			Source:      evt.DeviceID,
			TimestampMs: evt.Timestamp.UnixMilli(),
			Context:     map[string]interface{}{"kind": evt.Kind, "reason": evt.Reason},
		})
		if m != nil {
			switch evt.Kind {
			case pattern.EventPatternStarted:
				m.PatternsActive.Inc()
			case pattern.EventPatternStopped:
				m.PatternsActive.Dec()
			case pattern.EventSafetyThresholdTrip:
				m.SafetyTripsTotal.WithLabelValues(evt.Reason).Inc()
			}
		}
	})

	router := gw.Router()
	if cfg.MetricsEnabled {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	server := &http.Server{
		Addr:    cfg.BindHost + ":" + strconv.Itoa(cfg.BindPort),
		Handler: router,
	}

	go func() {
		log.WithField("addr", server.Addr).Info("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Fatal("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), gateway.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err).Warn("graceful shutdown did not complete cleanly")
	}
}
