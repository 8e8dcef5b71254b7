// Command execution for CLI commands.
//
// Information Hiding:
// - Provider and engine setup hidden
// - Output formatting hidden

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mirage-ai/mirage/cache"
	"github.com/mirage-ai/mirage/chunk"
	"github.com/mirage-ai/mirage/config"
	"github.com/mirage-ai/mirage/engine"
	"github.com/mirage-ai/mirage/generate"
	"github.com/mirage-ai/mirage/llm"
	"github.com/mirage-ai/mirage/server"
	"github.com/mirage-ai/mirage/shape"
)

// Options holds CLI execution options.
type Options struct {
	Provider   string
	ConfigPath string
	Verbose    bool
}

// GenerateOptions holds options for one-shot generation.
type GenerateOptions struct {
	Count         int
	CacheVariants int
	NoChunk       bool
	Priority      string
}

// Serve runs the HTTP server until ctx is canceled.
func Serve(ctx context.Context, addr string, opts Options) error {
	settings, err := loadSettings(opts)
	if err != nil {
		return err
	}
	if addr != "" {
		settings.Server.Addr = addr
	}
	log := newLogger(opts.Verbose)

	eng, store, err := buildEngine(settings, log)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := &http.Server{
		Addr:    settings.Server.Addr,
		Handler: server.New(eng, log).Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", settings.Server.Addr, "provider", settings.LLM.Provider, "model", settings.LLM.Model)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Generate produces one payload for the shape in shapePath ("-" for stdin)
// and writes the JSON to stdout.
func Generate(ctx context.Context, shapePath string, genOpts GenerateOptions, opts Options) error {
	settings, err := loadSettings(opts)
	if err != nil {
		return err
	}
	log := newLogger(opts.Verbose)

	shp, err := readShapeFile(shapePath)
	if err != nil {
		return err
	}

	eng, store, err := buildEngine(settings, log)
	if err != nil {
		return err
	}
	defer store.Close()

	resp, err := eng.Respond(ctx, engine.Request{
		Method:        "CLI",
		Path:          "/" + shapePath,
		Shape:         shp,
		Count:         genOpts.Count,
		CacheVariants: genOpts.CacheVariants,
		NoChunk:       genOpts.NoChunk,
		Priority:      genOpts.Priority,
	})
	if err != nil {
		return err
	}

	if opts.Verbose {
		fmt.Fprintf(os.Stderr, "source=%s chunks=%d items=%d capped=%v\n",
			resp.Source, resp.Meta.ChunkCount, resp.Meta.TotalItems, resp.Meta.Capped)
	}
	fmt.Println(resp.JSON)
	return nil
}

// Plan prints the chunk plan for a shape without calling the backend.
func Plan(shapePath string, count int, noChunk bool, opts Options) error {
	settings, err := loadSettings(opts)
	if err != nil {
		return err
	}

	shp, err := readShapeFile(shapePath)
	if err != nil {
		return err
	}

	eng := engine.New(nil, nil, engineConfig(settings))
	plan, tokensPerItem := eng.PlanPreview(shp, count, noChunk)

	fmt.Printf("tokens/item:     %d\n", tokensPerItem)
	fmt.Printf("requested:       %d\n", plan.TotalRequested)
	fmt.Printf("effective total: %d", plan.EffectiveTotal)
	if plan.Capped {
		fmt.Print(" (capped)")
	}
	fmt.Println()
	fmt.Printf("items/chunk:     %d\n", plan.ItemsPerChunk)
	fmt.Printf("chunks:          %d %v\n", plan.ChunkCount(), plan.ChunkSizes)
	return nil
}

func loadSettings(opts Options) (config.Settings, error) {
	provider := opts.Provider
	if provider == "" {
		provider = os.Getenv("MIRAGE_PROVIDER")
	}
	if provider == "" {
		provider = "openai"
	}
	return config.Load(provider, opts.ConfigPath)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildEngine wires provider, generator, cache, and engine from settings.
// The caller owns the returned store and must Close it.
func buildEngine(settings config.Settings, log *slog.Logger) (*engine.Engine, *cache.Store, error) {
	provider, err := createProvider(settings)
	if err != nil {
		return nil, nil, err
	}

	gen := generate.NewLLMGenerator(llm.NewClient(provider))
	store := cache.New(cache.Config{
		MaxPerKey:               settings.Cache.MaxPerKey,
		SlidingWindow:           settings.Cache.SlidingWindow,
		AbsoluteWindow:          settings.Cache.AbsoluteWindow,
		RefreshThresholdPercent: settings.Cache.RefreshThresholdPercent,
		MaxItems:                settings.Cache.MaxItems,
		SweepInterval:           settings.Cache.SweepInterval,
	}).WithEvents(cache.NewSlogSink(log))

	eng := engine.New(gen, store, engineConfig(settings)).
		WithEvents(chunk.NewSlogSink(log)).
		WithParseRetries(settings.Chunk.ParseRetries)
	return eng, store, nil
}

func engineConfig(settings config.Settings) engine.Config {
	return engine.Config{
		Plan: chunk.PlanConfig{
			MaxOutputTokens:    settings.Chunk.MaxOutputTokens,
			OutputReserveRatio: settings.Chunk.OutputReserveRatio,
			MaxItemsCap:        settings.Chunk.MaxItemsCap,
		},
		DefaultCount: settings.Chunk.DefaultCount,
	}
}

func createProvider(settings config.Settings) (llm.Provider, error) {
	providerType, err := llm.ParseProviderType(settings.LLM.Provider)
	if err != nil {
		return nil, err
	}

	apiKey, err := config.APIKeyFor(settings.LLM.Provider)
	if err != nil {
		return nil, err
	}

	return providerType.
		Model(settings.LLM.Model).
		MaxTokens(settings.LLM.MaxTokens).
		Temperature(float32(settings.LLM.Temperature)).
		APIKey(apiKey)
}

func readShapeFile(path string) (shape.Descriptor, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return shape.Descriptor{}, fmt.Errorf("reading shape: %w", err)
	}
	return shape.Parse(data)
}
