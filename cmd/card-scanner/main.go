package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"golang.org/x/sync/errgroup"

	"github.com/zombor/card-scanner/internal/card"
	"github.com/zombor/card-scanner/internal/frame"
	"github.com/zombor/card-scanner/internal/recognition"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

// run returns the process exit code once deferred cleanup has finished
func run(args []string) int {
	// Check for version flag before parsing other flags
	for _, arg := range args {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			return 0
		}
	}

	fs := ff.NewFlagSet("card-scanner")
	var (
		port           = fs.IntLong("port", 8080, "HTTP server port")
		dbPath         = fs.StringLong("db", "card-scanner.db", "Database file path")
		storagePath    = fs.StringLong("storage", "./frames", "Directory for kept images")
		recognizerType = fs.StringLong("recognizer", "gemini", "Recognizer type: 'gemini', 'ollama' or 'azure'")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key (or set GEMINI_API_KEY env var)")
		geminiModel    = fs.StringLong("gemini-model", "gemini-2.5-flash", "Google Gemini model name")
		ollamaURL      = fs.StringLong("ollama-url", "http://localhost:11434", "Ollama API base URL")
		ollamaModel    = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, qwen2-vl, minicpm-v)")
		azureEndpoint  = fs.StringLong("azure-endpoint", "", "Azure Computer Vision endpoint URL")
		azureKey       = fs.StringLong("azure-key", "", "Azure Computer Vision key (or set AZURE_VISION_KEY env var)")
		rotate         = fs.IntLong("rotate", 0, "Clockwise frame rotation in degrees: 0, 90, 180 or 270 (90 for raw phone sensor frames)")
		enhance        = fs.BoolLong("enhance", "Grayscale, contrast and sharpen frames before recognition")
		backpressure   = fs.StringLong("backpressure", string(frame.KeepOnlyLatest), "Frame backpressure: 'latest' drops stale frames, 'block' waits for the worker")
		queueSize      = fs.IntLong("queue-size", 4, "Pending frame queue size in block mode")
		keepFrames     = fs.BoolLong("keep-frames", "Keep uploaded images that produced a scan")
		authUser       = fs.StringLong("auth-user", "", "Basic auth username (optional)")
		authPass       = fs.StringLong("auth-pass", "", "Basic auth password (optional)")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, args,
		ff.WithEnvVarPrefix("CARD_SCANNER"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		return 0
	}

	if !recognition.ValidRotation(*rotate) {
		slog.Error("Invalid rotation", "rotate", *rotate, "valid", "0, 90, 180 or 270")
		return 1
	}

	strategy, err := frame.ParseBackpressure(*backpressure)
	if err != nil {
		slog.Error("Invalid backpressure", "error", err)
		return 1
	}

	frameOpts := recognition.Options{
		Rotate:  *rotate,
		Enhance: *enhance,
	}

	// Initialize recognizer based on type
	var recognizer recognition.Recognizer
	switch *recognizerType {
	case "gemini":
		// Get Gemini API key from flag or environment
		apiKey := *geminiKey
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			slog.Error("Gemini API key is required. Set --gemini-key flag or GEMINI_API_KEY environment variable")
			return 1
		}
		slog.Info("Initializing Gemini recognizer...", "model", *geminiModel)
		recognizer, err = recognition.NewGemini(apiKey, *geminiModel, frameOpts)
		if err != nil {
			slog.Error("Failed to initialize Gemini", "error", err)
			return 1
		}
	case "ollama":
		slog.Info("Initializing Ollama recognizer...", "url", *ollamaURL, "model", *ollamaModel)
		recognizer, err = recognition.NewOllama(*ollamaURL, *ollamaModel, frameOpts)
		if err != nil {
			slog.Error("Failed to initialize Ollama", "error", err)
			return 1
		}
	case "azure":
		key := *azureKey
		if key == "" {
			key = os.Getenv("AZURE_VISION_KEY")
		}
		if *azureEndpoint == "" || key == "" {
			slog.Error("Azure endpoint and key are required. Set --azure-endpoint and --azure-key or AZURE_VISION_KEY")
			return 1
		}
		slog.Info("Initializing Azure recognizer...", "endpoint", *azureEndpoint)
		recognizer, err = recognition.NewAzure(*azureEndpoint, key, frameOpts)
		if err != nil {
			slog.Error("Failed to initialize Azure", "error", err)
			return 1
		}
	default:
		slog.Error("Invalid recognizer type", "type", *recognizerType, "valid", "gemini, ollama or azure")
		return 1
	}
	defer recognizer.Close()

	// Initialize database
	slog.Info("Initializing database...")
	db, err := card.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		return 1
	}
	defer db.Close()

	// Initialize storage
	var store card.Storage
	if *keepFrames {
		slog.Info("Initializing storage...", "path", *storagePath)
		local, err := card.NewLocalStorage(*storagePath)
		if err != nil {
			slog.Error("Failed to initialize storage", "error", err)
			return 1
		}
		store = local
	}

	cardService := card.NewService(db, recognizer, store, card.Config{
		KeepFrames: *keepFrames,
		Frames: frame.Options{
			Backpressure: strategy,
			QueueSize:    *queueSize,
		},
	})

	basicAuth := card.BasicAuth{
		Username: *authUser,
		Password: *authPass,
	}
	server := card.NewServer(cardService, basicAuth)

	addr := fmt.Sprintf(":%d", *port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return cardService.RunFrames(gctx)
	})

	g.Go(func() error {
		slog.Info("Server started", "address", fmt.Sprintf("http://localhost%s", addr))
		if *authUser != "" || *authPass != "" {
			slog.Info("Basic auth enabled", "user", *authUser)
		}
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down...")
		cardService.CloseFrames()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down http server: %w", err)
		}
		return nil
	})

	err = g.Wait()

	stats := cardService.FrameStats()
	slog.Info("Frame stats", "submitted", stats.Submitted, "processed", stats.Processed, "dropped", stats.Dropped, "failed", stats.Failed)
	if err != nil {
		slog.Error("Server error", "error", err)
		return 1
	}
	return 0
}
