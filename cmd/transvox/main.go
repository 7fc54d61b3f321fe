// Command transvox serves live dictation/translation sessions: a client
// streams partial/final speech-to-text fragments and raw PCM over a
// websocket connection, and receives the typed output event stream back
// (partials, commits, grammar updates, translations, latency reports).
//
// Speech recognition itself is out of scope (spec.md Non-goals) — the
// client is expected to run its own STT and forward its partial/final text;
// transvox owns assembly, deduplication, rate-limited grammar correction
// and translation, and forced-commit recovery.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"

	"github.com/opendictate/transvox/internal/config"
	"github.com/opendictate/transvox/internal/dictation"
	"github.com/opendictate/transvox/internal/feedback"
	"github.com/opendictate/transvox/internal/health"
	"github.com/opendictate/transvox/internal/observe"
	"github.com/opendictate/transvox/internal/transcript"
	"github.com/opendictate/transvox/internal/transcript/forcedcommit"
	"github.com/opendictate/transvox/internal/transcript/llmtext"
	"github.com/opendictate/transvox/pkg/audio"
	"github.com/opendictate/transvox/pkg/provider/llm"
	"github.com/opendictate/transvox/pkg/provider/recognizer"
	"github.com/opendictate/transvox/pkg/provider/stt"
	"github.com/opendictate/transvox/pkg/provider/stt/deepgram"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "transvox: config file %q not found — create it or pass -config with the path of an existing one\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "transvox: %v\n", err)
		}
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	reg := config.NewRegistry()
	registerBuiltinTextProviders(reg)

	llmProvider, err := dictation.LLMBackends(cfg.Providers, reg.CreateLLM)
	if err != nil && !errors.Is(err, config.ErrProviderNotRegistered) {
		slog.Error("failed to build llm backend", "err", err)
		return 1
	}

	var store *feedback.TranscriptStore
	var pool *pgxpool.Pool
	if dsn := cfg.Persistence.PostgresDSN; dsn != "" {
		ctx := context.Background()
		var err error
		pool, err = pgxpool.New(ctx, dsn)
		if err != nil {
			slog.Error("failed to connect to postgres", "err", err)
			return 1
		}
		defer pool.Close()

		embedder, embedErr := reg.CreateEmbeddings(cfg.Providers.Embeddings)
		if embedErr != nil && !errors.Is(embedErr, config.ErrProviderNotRegistered) {
			slog.Error("failed to build embeddings backend", "err", embedErr)
			return 1
		}
		dim := cfg.Persistence.EmbeddingDimensions
		if dim <= 0 {
			dim = 1536
		}
		if embedder != nil {
			dim = embedder.Dimensions()
		}
		if err := feedback.MigrateTranscriptStore(ctx, pool, dim); err != nil {
			slog.Error("failed to migrate transcript store", "err", err)
			return 1
		}
		store = feedback.NewTranscriptStore(pool, embedder, logger)
		slog.Info("session usage persistence enabled")
	}

	var recognizerFactory forcedcommit.RecognizerFactory
	if sttProvider, sttErr := reg.CreateSTT(cfg.Providers.STT); sttErr == nil {
		recognizerFactory = recognizer.NewFactory(sttProvider, recognizer.Config{
			SampleRate: 16000,
			Channels:   1,
			Language:   cfg.Providers.STT.Model,
		})
	} else if !errors.Is(sttErr, config.ErrProviderNotRegistered) {
		slog.Error("failed to build stt recovery provider", "err", sttErr)
		return 1
	}

	shared := dictation.NewShared(cfg.Transcript)

	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if !d.TranscriptChanged {
			return
		}
		slog.Info("hot-reloading transcript tunables",
			"rate_limit_rpm", d.NewRateLimitRPM,
			"throttle_partial_ms", d.NewThrottlePartial,
			"queue_max_concurrent", d.NewQueueConcurrent,
		)
		if d.NewRateLimitRPM > 0 {
			shared.Limiter.SetRPM(d.NewRateLimitRPM)
		}
		if d.NewQueueConcurrent > 0 {
			shared.Queue.SetMaxConcurrent(d.NewQueueConcurrent)
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	go shared.Queue.Run(context.Background())

	srv := newServer(cfg, shared, llmProvider, store, pool, recognizerFactory)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("transvox listening", "addr", cfg.Server.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinTextProviders registers the provider factories transvox
// builds itself: only the deepgram recovery-STT factory. No LLM or
// embeddings factory is registered, so those backends stay unset. The
// client's own primary recognizer remains its own concern; only the
// transient recovery stream used by forced-commit recovery is registered
// here.
func registerBuiltinTextProviders(reg *config.Registry) {
	// Concrete factory registration (openai.New, anthropic.New, ...) lives
	// alongside each provider package; left unregistered until a deployment
	// supplies one via its own main, matching how the upstream project also
	// defers factory registration to the operator.
	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		return deepgram.New(entry.APIKey, opts...)
	})
}

func newServer(cfg *config.Config, shared *dictation.Shared, llmProvider llm.Provider, store *feedback.TranscriptStore, pool *pgxpool.Pool, recognizerFactory forcedcommit.RecognizerFactory) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/dictate", dictateHandler(cfg, shared, llmProvider, store, recognizerFactory))

	var checkers []health.Checker
	if pool != nil {
		checkers = append(checkers, health.Checker{
			Name:  "postgres",
			Check: func(ctx context.Context) error { return pool.Ping(ctx) },
		})
	}
	health.New(checkers...).Register(mux)

	var handler http.Handler = mux
	if metrics, err := observe.NewMetrics(otel.GetMeterProvider()); err == nil {
		handler = observe.Middleware(metrics)(mux)
	}

	return &http.Server{Addr: cfg.Server.ListenAddr, Handler: handler}
}

// clientFrame is one inbound websocket frame from the dictation client.
type clientFrame struct {
	Type  string `json:"type"` // "partial" | "final" | "audio" | "recover"
	Text  string `json:"text,omitempty"`
	Audio []byte `json:"audio,omitempty"`
}

// dictateHandler upgrades the request to a websocket and runs one dictation
// session for the lifetime of the connection.
func dictateHandler(cfg *config.Config, shared *dictation.Shared, llmProvider llm.Provider, store *feedback.TranscriptStore, recognizerFactory forcedcommit.RecognizerFactory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			slog.Error("websocket accept failed", "err", err)
			return
		}
		defer conn.CloseNow()

		ctx := r.Context()
		sessionID := uuid.NewString()

		targetLang := r.URL.Query().Get("target_lang")

		opts := []dictation.Option{
			dictation.WithEmit(func(ev transcript.Event) {
				payload, err := json.Marshal(ev)
				if err != nil {
					return
				}
				_ = conn.Write(ctx, websocket.MessageText, payload)
			}),
		}
		if llmProvider != nil {
			opts = append(opts, dictation.WithGrammarCorrector(llmtext.NewGrammarCorrector(llmProvider)))
			if targetLang != "" {
				opts = append(opts, dictation.WithTranslator(llmtext.NewTranslator(llmProvider), targetLang))
			}
		}
		if store != nil {
			opts = append(opts, dictation.WithTranscriptStore(store))
		}

		sess := dictation.New(sessionID, cfg.Transcript, shared, opts...)
		slog.Info("dictation session started", "session_id", sessionID)

		for {
			msgType, data, err := conn.Read(ctx)
			if err != nil {
				slog.Info("dictation session ended", "session_id", sessionID, "err", err)
				return
			}

			if msgType == websocket.MessageBinary {
				sess.WriteAudio(audio.AudioFrame{Data: data, SampleRate: 16000, Channels: 1})
				continue
			}

			var frame clientFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				continue
			}
			now := time.Now()
			switch frame.Type {
			case "partial":
				sess.Controller.HandlePartial(ctx, frame.Text, now)
			case "final":
				sess.Controller.HandleFinal(ctx, frame.Text, now)
			case "recover":
				if recognizerFactory == nil {
					slog.Warn("recover requested but no recovery stt provider is configured", "session_id", sessionID)
					continue
				}
				go func() {
					result := sess.BeginForcedRecovery(ctx, recognizerFactory)
					slog.Info("forced-commit recovery finished", "session_id", sessionID, "result", result)
				}()
			}
		}
	}
}

func logLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
