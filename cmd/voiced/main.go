package main

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/internal/config"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/internal/mediaws"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/llm"
	llmfake "github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/llm/fake"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/stt"
	sttfake "github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/stt/fake"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/tts"
	ttsfake "github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/ai/tts/fake"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/audio/wav"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/endpoint"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/plugin/openai"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/preroll"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/session"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/vad"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/vad/silero"
	"github.com/Nick-VeraLuxAI/veralux-voice-runtime/pkg/version"
)

var (
	configPath    string
	fakeProviders bool
)

var rootCmd = &cobra.Command{
	Use:          "voiced",
	Short:        "voiced - real-time conversational voice agent runtime",
	Long:         `voiced answers telephony media streams and runs the full listen-think-speak loop: speech endpointing, turn taking, barge-in, and playback over a media-stream WebSocket.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.GetVersionInfo())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the media-stream WebSocket and metrics endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		return runServe(ctx, cfg, logger)
	},
}

var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Replay a WAV file through the endpointing engine and print utterances",
	RunE: func(cmd *cobra.Command, args []string) error {
		filePath, _ := cmd.Flags().GetString("file")
		if filePath == "" {
			return fmt.Errorf("--file is required")
		}

		logger := setupLogger()

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		return runEndpointReplay(filePath, cfg, logger)
	},
}

func setupLogger() *slog.Logger {
	opts := &slog.HandlerOptions{}
	switch os.Getenv("VOICED_LOG_LEVEL") {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	var handler slog.Handler
	if os.Getenv("VOICED_LOG_FORMAT") == "console" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

type providers struct {
	transcriber stt.Transcriber
	replier     llm.Replier
	synthesizer tts.Synthesizer
}

func buildProviders(cfg config.Config) (providers, error) {
	if fakeProviders {
		return providers{
			transcriber: sttfake.NewFakeTranscriber("hello from the fake transcriber"),
			replier:     llmfake.NewFakeReplier("This is a canned reply from the fake replier."),
			synthesizer: ttsfake.NewFakeSynthesizer(),
		}, nil
	}

	apiKey := cfg.APIKey()
	if apiKey == "" {
		return providers{}, fmt.Errorf("%s is not set (use --fake for offline testing)", cfg.OpenAI.APIKeyEnv)
	}

	pcfg := openai.Config{
		APIKey:    apiKey,
		ChatModel: cfg.OpenAI.ChatModel,
		STTModel:  cfg.OpenAI.STTModel,
		TTSModel:  cfg.OpenAI.TTSModel,
		TTSVoice:  cfg.OpenAI.TTSVoice,
		Language:  cfg.Audio.Language,
	}

	transcriber, err := openai.NewWhisperTranscriber(pcfg)
	if err != nil {
		return providers{}, err
	}
	replier, err := openai.NewChatReplier(pcfg)
	if err != nil {
		return providers{}, err
	}
	synthesizer, err := openai.NewSpeechSynthesizer(pcfg)
	if err != nil {
		return providers{}, err
	}

	return providers{transcriber: transcriber, replier: replier, synthesizer: synthesizer}, nil
}

func buildVADModel(cfg config.Config, logger *slog.Logger) vad.Model {
	if cfg.Audio.SileroModelPath == "" {
		return nil
	}
	model, err := silero.New(silero.Config{
		ModelPath:  cfg.Audio.SileroModelPath,
		SampleRate: cfg.Audio.SampleRateHz,
	})
	if err != nil {
		logger.Warn("learned VAD model unavailable, using energy gating only",
			slog.String("error", err.Error()))
		return nil
	}
	return model
}

func runServe(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	prov, err := buildProviders(cfg)
	if err != nil {
		return err
	}
	vadModel := buildVADModel(cfg, logger)

	factory := func(transport session.Transport, callID string) (mediaws.Call, error) {
		sess, err := session.New(cfg.SessionConfig(), session.Deps{
			Transcriber: prov.transcriber,
			Replier:     prov.replier,
			Synthesizer: prov.synthesizer,
			Transport:   transport,
			VADModel:    vadModel,
			Logger:      logger.With(slog.String("call", callID)),
		})
		if err != nil {
			return nil, err
		}
		return sess, nil
	}

	mediaSrv := &http.Server{
		Addr:    cfg.Server.MediaAddr,
		Handler: mediaws.NewServer(mediaws.PCM16Decoder(cfg.Audio.SampleRateHz), factory, logger),
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/debug/vars", expvar.Handler())
	metricsSrv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("media stream server listening", slog.String("addr", cfg.Server.MediaAddr))
		if err := mediaSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("media server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", cfg.Server.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mediaSrv.Shutdown(shutdownCtx)
		metricsSrv.Shutdown(shutdownCtx)
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func runEndpointReplay(filePath string, cfg config.Config, logger *slog.Logger) error {
	reader, err := wav.NewReader(filePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	header := reader.Header()
	frames, err := reader.ReadFrames(20 * time.Millisecond)
	if err != nil {
		return err
	}
	fmt.Printf("read %d frames at %d Hz from %s\n", len(frames), header.SampleRate, filePath)

	prov, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	done := make(chan struct{})
	var doneOnce sync.Once
	engCfg := cfg.EndpointConfig()
	engCfg.SampleRate = int(header.SampleRate)

	eng, err := endpoint.New(engCfg, endpoint.Deps{
		Transcriber:    prov.transcriber,
		Classifier:     vad.NewClassifier(cfg.VADConfig(), buildVADModel(cfg, logger)),
		PreRoll:        preroll.New(engCfg.PreRollWindow),
		PlaybackActive: func() bool { return false },
		Clock:          clock.New(),
		Logger:         logger,
		Callbacks: endpoint.Callbacks{
			OnSpeechStart: func() {
				fmt.Println("speech start")
			},
			OnUtteranceEnd: func(s endpoint.Summary) {
				fmt.Printf("utterance end: speech=%v total=%v preroll=%v bytes=%d reason=%v\n",
					s.Speech, s.Total, s.PreRoll, s.Bytes, s.Reason)
			},
			OnTranscript: func(text string, kind stt.Kind) {
				fmt.Printf("transcript (%v): %q\n", kind, text)
				if kind == stt.KindFinal {
					doneOnce.Do(func() { close(done) })
				}
			},
		},
	})
	if err != nil {
		return err
	}

	for _, f := range frames {
		eng.Ingest(f)
	}
	eng.Flush()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		fmt.Println("no final transcript produced")
	}

	eng.Stop(endpoint.StopOptions{})
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (defaults apply when empty)")

	serveCmd.Flags().BoolVar(&fakeProviders, "fake", false, "use fake AI providers (no API key needed)")
	endpointCmd.Flags().BoolVar(&fakeProviders, "fake", false, "use fake AI providers (no API key needed)")
	endpointCmd.Flags().String("file", "", "WAV file to replay")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(endpointCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
