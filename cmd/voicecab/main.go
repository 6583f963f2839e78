// voicecab bridges telephony calls to the upstream streaming conversation
// service and runs the booking engine over each one. The telephony side
// connects to /call with a websocket: binary frames are caller audio in and
// assistant audio out.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kerbside/voicecab/internal/dotenv"
	"github.com/kerbside/voicecab/pkg/booking"
	"github.com/kerbside/voicecab/pkg/config"
	"github.com/kerbside/voicecab/pkg/engine"
	"github.com/kerbside/voicecab/pkg/engine/protocol"
	"github.com/kerbside/voicecab/pkg/services"
)

func main() {
	os.Exit(runMain(context.Background(), os.Stderr))
}

func runMain(ctx context.Context, stderr io.Writer) int {
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFile(".env"); err != nil {
		fmt.Fprintf(stderr, "voicecab: %v\n", err)
		return 1
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(stderr, "voicecab: %v\n", err)
		return 1
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: logLevel(cfg.LogLevel)}))

	if err := run(ctx, logger, cfg); err != nil {
		fmt.Fprintf(stderr, "voicecab: %v\n", err)
		return 1
	}
	return 0
}

func logLevel(raw string) slog.Level {
	switch strings.ToLower(raw) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	backend, err := services.NewHTTPClient(services.HTTPClientOptions{
		BaseURL: cfg.BackendBaseURL,
		Timeout: cfg.ServiceTimeout,
	})
	if err != nil {
		return fmt.Errorf("backend client: %w", err)
	}

	var classifier booking.Classifier
	if cfg.GenAIAPIKey != "" {
		genaiClassifier, err := booking.NewGenAIClassifier(ctx, booking.GenAIClassifierOptions{
			APIKey: cfg.GenAIAPIKey,
			Model:  cfg.GenAIModel,
			Logger: logger,
		})
		if err != nil {
			logger.Warn("correction classifier unavailable, using pattern matching only", "error", err)
		} else {
			classifier = genaiClassifier
		}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/call", func(w http.ResponseWriter, r *http.Request) {
		telephony, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("telephony upgrade failed", "error", err)
			return
		}
		go runCall(ctx, logger, cfg, backend, classifier, telephony)
	})

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("voicecab listening", "addr", cfg.Addr, "upstream", cfg.UpstreamURL)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("voicecab stopped")
	return nil
}

// runCall owns one call end to end: the upstream dial, the engine, and the
// audio bridge back to the telephony leg.
func runCall(ctx context.Context, logger *slog.Logger, cfg config.Config, backend *services.HTTPClient, classifier booking.Classifier, telephony *websocket.Conn) {
	defer telephony.Close()

	callID := uuid.NewString()
	logger = logger.With("call_id", callID)
	logger.Info("call started")

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	header := http.Header{}
	if cfg.UpstreamAuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.UpstreamAuthToken)
	}
	upstream, _, err := dialer.DialContext(ctx, cfg.UpstreamURL, header)
	if err != nil {
		logger.Error("upstream dial failed", "error", err)
		return
	}

	player := engine.NewQueuePlayer()
	transport, err := engine.New(engine.Dependencies{
		Conn:   upstream,
		Player: player,
		Logger: logger,
		CallID: callID,
		Hello: &protocol.SessionHello{
			Codec:        protocol.DefaultTelephonyCodec(),
			Instructions: agentInstructions(cfg.CompanyName),
			Tools:        engine.UpstreamTools(),
		},
		Config: engine.Config{
			QuietInterval:      cfg.QuietInterval,
			SettleDelay:        cfg.SettleDelay,
			NoReplyTimeout:     cfg.NoReplyTimeout,
			MaxNoReplyAttempts: cfg.MaxNoReplyAttempts,
			EchoGuard:          cfg.EchoGuard,
			ToolTimeout:        cfg.ToolTimeout,
			GoodbyeTurnWait:    cfg.GoodbyeTurnWait,
			GoodbyeSettleDelay: cfg.GoodbyeSettleDelay,
			DrainPollInterval:  cfg.DrainPollInterval,
			DrainTimeout:       cfg.DrainTimeout,
			GoodbyeFinalMargin: cfg.GoodbyeFinalMargin,
			MaxCallDuration:    cfg.MaxCallDuration,
			MaxAudioFrameBytes: cfg.MaxAudioFrameBytes,
			PingInterval:       cfg.PingInterval,
			WriteTimeout:       cfg.WriteTimeout,
			ReadTimeout:        cfg.ReadTimeout,
			OutboundQueueSize:  cfg.OutboundQueueSize,
		},
	})
	if err != nil {
		logger.Error("engine setup failed", "error", err)
		_ = upstream.Close()
		return
	}

	machine := booking.NewMachine(booking.MachineOptions{Logger: logger})
	resolver := booking.NewResolver(booking.ResolverOptions{Classifier: classifier, Logger: logger})
	orch, err := engine.NewOrchestrator(engine.OrchestratorOptions{
		Control:        transport,
		Machine:        machine,
		Resolver:       resolver,
		Geocoder:       backend,
		FareQuoter:     backend,
		Extractor:      backend,
		Dispatcher:     backend,
		Logger:         logger,
		CompanyName:    cfg.CompanyName,
		QuoteUpfront:   cfg.QuoteUpfront,
		ServiceTimeout: cfg.ServiceTimeout,
	})
	if err != nil {
		logger.Error("orchestrator setup failed", "error", err)
		_ = upstream.Close()
		return
	}
	transport.SetHandler(orch)

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Telephony in: binary frames are caller audio.
	go func() {
		defer cancel()
		for {
			messageType, data, err := telephony.ReadMessage()
			if err != nil {
				return
			}
			if messageType == websocket.BinaryMessage {
				transport.SendCallerAudio(data)
			}
		}
	}()

	// Telephony out: drain the player toward the caller.
	go func() {
		for {
			frame, ok := player.Next(callCtx)
			if !ok {
				return
			}
			_ = telephony.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := telephony.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				cancel()
				return
			}
		}
	}()

	go func() {
		for {
			select {
			case <-callCtx.Done():
				return
			case event := <-transport.Events():
				switch e := event.(type) {
				case engine.CallEndedEvent:
					logger.Info("call finished", "reason", string(e.Reason))
				case engine.BookingDispatchedEvent:
					logger.Info("booking dispatched", "reference", e.Ref.Reference)
				}
			}
		}
	}()

	transport.Post(func() { orch.Start() })
	if err := transport.Run(); err != nil {
		logger.Warn("session ended with error", "error", err)
	}
	cancel()
}

func agentInstructions(companyName string) string {
	return fmt.Sprintf(
		"You are a friendly phone agent for %s, a taxi company. Keep every "+
			"reply short and natural for voice. Follow the per-turn "+
			"instructions exactly: ask only the question they specify, never "+
			"invent booking details, and never state a price unless a turn "+
			"instruction quotes one.",
		companyName)
}
