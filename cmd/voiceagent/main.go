package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"voiceagent/server/internal/agent"
	"voiceagent/server/internal/api"
	"voiceagent/server/internal/asr"
	"voiceagent/server/internal/config"
	"voiceagent/server/internal/health"
	"voiceagent/server/internal/llm"
	"voiceagent/server/internal/protoo"
	"voiceagent/server/internal/store"
	"voiceagent/server/internal/vad"
	"voiceagent/server/internal/worker"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <config.yaml>\n", os.Args[0])
		os.Exit(1)
	}

	// Load .env file if present (ignored if missing)
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, closeLog, err := newLogger(cfg.Log.Level, cfg.Log.Path)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeLog()
	slog.SetDefault(logger)
	fmt.Println(cfg.Dump())

	if err := run(cfg, logger); err != nil {
		logger.Error("voiceagent exited", "err", err)
		closeLog()
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	journal := store.New()
	sup := worker.New(worker.Options{
		Bin:          cfg.Worker.Bin,
		ConfigPath:   cfg.Worker.ConfigPath,
		RestartDelay: cfg.Worker.RestartDelay,
		TokenSecret:  cfg.Worker.TokenSecret,
		TokenTTL:     cfg.Worker.TokenTTL,
		Logger:       logger,
	})
	whisper := asr.NewWhisperClient(cfg.ASR.ServerURL, cfg.ASR.Language, cfg.VAD.SampleRate, cfg.ASR.Timeout)

	newChat, err := chatFactory(cfg, logger)
	if err != nil {
		return err
	}

	vcfg := vad.Config{
		SampleRate:     cfg.VAD.SampleRate,
		HopSize:        cfg.VAD.HopSize,
		MinStartFrames: cfg.VAD.MinStartFrames,
		MinEndFrames:   cfg.VAD.MinEndFrames,
	}
	registry := agent.NewRegistry(agent.Deps{
		VAD:           vcfg,
		NewClassifier: func() vad.Classifier { return vad.NewEnergyClassifier(cfg.VAD.Threshold) },
		Transcriber:   whisper,
		NewChat:       newChat,
		Relay:         sup,
		Journal:       journal,
		Logger:        logger,
		PollInterval:  cfg.VAD.PollInterval,
	})

	gw := &protoo.Gateway{
		Worker:      sup,
		Sessions:    registry,
		TokenSecret: cfg.Worker.TokenSecret,
		TokenSkew:   time.Minute,
		Logger:      logger,
	}
	psrv := protoo.NewServer(protoo.ServerOptions{
		Subpath:        cfg.Protoo.Subpath,
		ReadLimit:      cfg.Protoo.ReadLimit,
		RequestTimeout: cfg.Protoo.RequestTimeout,
		WriteTimeout:   cfg.Protoo.WriteTimeout,
		Logger:         logger,
	}, gw)

	reporter := health.NewReporter(func(ctx context.Context) health.HealthStatus {
		ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return health.CheckAll(ctx, health.Probes{
			Worker:         sup,
			KeepaliveStale: cfg.Worker.KeepaliveStale,
			ASR:            whisper,
			LLMType:        cfg.LLM.Type,
			LLMAPIKey:      cfg.LLM.APIKey,
		})
	}, 10*time.Second, logger)

	handlers := api.NewHandlers(registry, journal, sup, func(context.Context) health.HealthStatus {
		return reporter.Latest()
	}, logger)

	protooHTTP := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Protoo.Port),
		Handler:           psrv,
		ReadHeaderTimeout: 5 * time.Second,
	}
	adminHTTP := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Admin.Port),
		Handler:           logMiddleware(logger, api.NewRouter(handlers)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("protoo server starting", "addr", protooHTTP.Addr, "subpath", cfg.Protoo.Subpath, "tls", cfg.Protoo.SSLEnable)
		var err error
		if cfg.Protoo.SSLEnable {
			err = protooHTTP.ListenAndServeTLS(cfg.Protoo.CertPath, cfg.Protoo.KeyPath)
		} else {
			err = protooHTTP.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("protoo server: %w", err)
	})

	if cfg.Admin.Port > 0 {
		g.Go(func() error {
			logger.Info("admin server starting", "addr", adminHTTP.Addr)
			if err := adminHTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
	}

	if cfg.Admin.GRPCHealthPort > 0 {
		gs := grpc.NewServer()
		reporter.Register(gs)
		g.Go(func() error {
			l, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.Admin.GRPCHealthPort))
			if err != nil {
				return fmt.Errorf("grpc health listen: %w", err)
			}
			logger.Info("grpc health server starting", "addr", l.Addr().String())
			return gs.Serve(l)
		})
		g.Go(func() error {
			<-ctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	g.Go(func() error { return reporter.Run(ctx) })
	g.Go(func() error { return sup.Run(ctx) })

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received; stopping servers...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		psrv.Close()
		return errors.Join(
			protooHTTP.Shutdown(shutdownCtx),
			adminHTTP.Shutdown(shutdownCtx),
			registry.Shutdown(shutdownCtx),
		)
	})

	return g.Wait()
}

// chatFactory returns a per-session conversation constructor, or nil when
// no LLM credentials are configured.
func chatFactory(cfg config.Config, logger *slog.Logger) (func() agent.Chat, error) {
	info, err := llm.Resolve(cfg.LLM.Type, cfg.LLM.ModelName, cfg.LLM.BaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.LLM.APIKey == "" {
		logger.Warn("LLM_API_KEY not set, replies disabled", "llm_type", cfg.LLM.Type)
		return nil, nil
	}
	provider, err := llm.NewOpenAIProvider(info, cfg.LLM.APIKey, cfg.LLM.Timeout)
	if err != nil {
		return nil, err
	}
	prompt := cfg.LLM.Prompt
	if prompt == "" {
		prompt = llm.DefaultPrompt
	}
	logger.Info("llm configured", "type", cfg.LLM.Type, "model", provider.Model(), "base_url", info.BaseURL)
	return func() agent.Chat {
		return llm.NewConversation(provider, prompt, cfg.LLM.MaxMessages)
	}, nil
}

func newLogger(level, path string) (*slog.Logger, func(), error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	var out io.Writer = os.Stderr
	closeFn := func() {}
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		closeFn = func() { _ = f.Close() }
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: lvl})), closeFn, nil
}

func logMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}
