package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"voicegate-server/pkg/auth"
	"voicegate-server/pkg/config"
	"voicegate-server/pkg/events"
	"voicegate-server/pkg/gateway"
	"voicegate-server/pkg/media"
	"voicegate-server/pkg/metrics"
	"voicegate-server/pkg/session"
	"voicegate-server/pkg/sip"
	"voicegate-server/pkg/store"
	"voicegate-server/pkg/worker"
)

const (
	sessionMaxIdle  = 5 * time.Minute
	shutdownTimeout = 15 * time.Second
)

func main() {
	envPath := flag.String("env", ".env", "path to env file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load(*envPath, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if stop, err := config.WatchLogLevel(*envPath, logger); err == nil {
		defer stop()
	} else {
		logger.WithError(err).Warn("Log level hot reload unavailable")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Call store: redis when reachable, in-process otherwise.
	var callStore store.CallStore
	if rs, err := store.NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger); err == nil {
		callStore = rs
		defer rs.Close()
	} else {
		logger.WithError(err).Warn("Redis unavailable, using in-memory call store")
		callStore = store.NewMemoryStore()
	}

	// Calls left active by a previous run can never complete; fail them.
	if stale, err := callStore.ListActiveCalls(ctx); err == nil && len(stale) > 0 {
		for _, rec := range stale {
			rec.Status = store.StatusFailed
			rec.Error = "server restarted"
			rec.EndedAt = time.Now()
			_ = callStore.SaveCall(ctx, rec)
		}
		logger.WithField("count", len(stale)).Warn("Failed calls left over from previous run")
	}

	var publisher *events.Publisher
	if cfg.AMQP.URL != "" {
		publisher, err = events.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logger)
		if err != nil {
			logger.WithError(err).Warn("Event publishing disabled")
		} else {
			defer publisher.Close()
		}
	}

	poolOpts := worker.Options{
		StartTimeout:    cfg.Workers.StartTimeout,
		TaskTimeout:     cfg.Workers.TaskTimeout,
		PollInterval:    cfg.Workers.PollInterval,
		ShutdownTimeout: cfg.Workers.ShutdownTimeout,
	}
	livePools := make(map[worker.Kind]*worker.Pool)
	startPool := func(kind worker.Kind, command []string) *worker.Pool {
		if len(command) == 0 {
			logger.WithField("kind", kind).Info("Worker pool disabled, no command configured")
			return nil
		}
		p := worker.NewPool(kind, worker.NewExecTransport(command), poolOpts, logger)
		if err := p.Start(ctx, cfg.Workers.WorkerCount); err != nil {
			logger.WithError(err).WithField("kind", kind).Fatal("Failed to start worker pool")
		}
		livePools[kind] = p
		return p
	}

	pools := session.Pools{}
	if p := startPool(worker.KindSTT, cfg.Workers.STTCommand); p != nil {
		pools.STT = p
	}
	if p := startPool(worker.KindAgent, cfg.Workers.AgentCommand); p != nil {
		pools.Agent = p
	}
	if p := startPool(worker.KindTTS, cfg.Workers.TTSCommand); p != nil {
		pools.TTS = p
	}
	if p := startPool(worker.KindClone, cfg.Workers.CloneCommand); p != nil {
		pools.Clone = p
	}
	if pools.STT == nil || pools.Agent == nil || pools.TTS == nil {
		logger.Warn("Audio pipeline incomplete, sessions will fail on missing stages")
	}

	var converter media.Converter = media.LocalConverter{}
	if len(cfg.Bridge.Command) > 0 {
		bridge, err := media.NewBridge(cfg.Bridge.Command, cfg.Bridge.Timeout, logger)
		if err != nil {
			logger.WithError(err).Warn("Audio bridge unavailable, using local conversion")
		} else {
			converter = bridge
			defer bridge.Close()
		}
	}

	var telephony session.Telephony
	var engine *sip.Engine
	if cfg.SIP.Identity != "" {
		engine, err = sip.NewEngine(cfg.SIP, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to start SIP engine")
		}
		telephony = engine
	} else {
		logger.Info("SIP disabled, gateway sessions only")
	}

	mgr := session.NewManager(callStore, telephony, pools, converter, publisher, logger)

	if engine != nil {
		mgr.EnableMedia(cfg.SIP.MediaPort)
		engine.OnDialogState(mgr.HandleDialogState)
		engine.StartRegistration()
		go func() {
			if err := engine.Serve(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("SIP listener stopped")
				cancel()
			}
		}()
		defer engine.Destroy()
	}

	var authn auth.Chain
	if cfg.Gateway.JWTSecret != "" {
		authn = append(authn, auth.NewJWTAuthenticator(cfg.Gateway.JWTSecret))
	}
	if len(cfg.Gateway.APIKeys) > 0 {
		authn = append(authn, auth.NewAPIKeyAuthenticator(cfg.Gateway.APIKeys))
	}
	if len(authn) == 0 {
		logger.Warn("No gateway credentials configured, all clients will be rejected")
	}

	poolMetrics := func() interface{} {
		mctx, mcancel := context.WithTimeout(context.Background(), time.Second)
		defer mcancel()
		out := make(map[string]worker.Metrics, len(livePools))
		for kind, p := range livePools {
			out[string(kind)] = p.Metrics(mctx)
		}
		return out
	}

	gw := gateway.NewServer(mgr, authn, publisher, cfg.Gateway.MetricsInterval, poolMetrics, logger)
	httpSrv := &http.Server{Addr: cfg.Gateway.ListenAddr, Handler: gw.Handler()}
	go func() {
		logger.WithField("addr", cfg.Gateway.ListenAddr).Info("Gateway listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Gateway listener stopped")
			cancel()
		}
	}()

	go func() {
		if err := metrics.Serve(ctx, cfg.Metrics.ListenAddr, logger); err != nil {
			logger.WithError(err).Warn("Metrics endpoint stopped")
		}
	}()

	scheduler := cron.New()
	_, _ = scheduler.AddFunc("@every 1m", func() {
		if n := mgr.Sweep(context.Background(), sessionMaxIdle); n > 0 {
			logger.WithField("count", n).Info("Swept idle sessions")
		}
	})
	_, _ = scheduler.AddFunc("@every 30s", func() {
		for kind, p := range livePools {
			mctx, mcancel := context.WithTimeout(context.Background(), 3*time.Second)
			if err := p.Health(mctx); err != nil {
				logger.WithError(err).WithField("kind", kind).Warn("Pool health check failed")
			}
			m := p.Metrics(mctx)
			mcancel()
			logger.WithFields(logrus.Fields{
				"kind":        kind,
				"alive":       m.AliveWorkers,
				"submitted":   m.Submitted,
				"completed":   m.Completed,
				"failed":      m.Failed,
				"queue_depth": m.QueueDepth,
			}).Debug("Pool metrics")
		}
	})
	scheduler.Start()
	defer scheduler.Stop()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	_ = httpSrv.Shutdown(shutdownCtx)
	mgr.Shutdown(shutdownCtx)
	for kind, p := range livePools {
		if err := p.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).WithField("kind", kind).Warn("Pool shutdown was not clean")
		}
	}
	logger.Info("Shutdown complete")
}
