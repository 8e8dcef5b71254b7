// Package main provides the mirage CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mirage-ai/mirage/cli"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	provider   string
	configPath string
	verbose    bool
)

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "mirage",
		Short: "LLM-backed mock JSON API server",
		Long: `Mirage turns JSON shape templates into realistic mock payloads using an
LLM backend. Large item counts are split into token-budgeted chunks and
stitched back together; cacheable shapes are served from a self-refilling
multi-variant cache so repeated requests feel varied yet cheap.`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&provider, "provider", "p", "", "LLM provider (openai, anthropic, deepseek, gemini)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show verbose output")

	// Add commands
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(generateCmd())
	rootCmd.AddCommand(planCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the mock API server",
		Long: `Run the HTTP server. Any method and path serves generated payloads: the
request body carries the shape template, query parameters carry per-request
overrides (count, cache, nochunk, priority).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return cli.Serve(ctx, addr, opts())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default :8080, or MIRAGE_ADDR)")

	return cmd
}

func generateCmd() *cobra.Command {
	var count int
	var cacheVariants int
	var noChunk bool
	var priority string

	cmd := &cobra.Command{
		Use:   "generate [shape-file]",
		Short: "Generate one payload for a shape file (use - for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return cli.Generate(ctx, args[0], cli.GenerateOptions{
				Count:         count,
				CacheVariants: cacheVariants,
				NoChunk:       noChunk,
				Priority:      priority,
			}, opts())
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Item count (overrides count fields in the shape)")
	cmd.Flags().IntVar(&cacheVariants, "cache", 0, "Pre-generate this many cached variants")
	cmd.Flags().BoolVar(&noChunk, "nochunk", false, "Disable chunked generation")
	cmd.Flags().StringVar(&priority, "priority", "", "Cache priority (low, normal, high, never)")

	return cmd
}

func planCmd() *cobra.Command {
	var count int
	var noChunk bool

	cmd := &cobra.Command{
		Use:   "plan [shape-file]",
		Short: "Preview the chunk plan for a shape without calling the backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.Plan(args[0], count, noChunk, opts())
		},
	}

	cmd.Flags().IntVarP(&count, "count", "n", 0, "Item count (overrides count fields in the shape)")
	cmd.Flags().BoolVar(&noChunk, "nochunk", false, "Disable chunked generation")

	return cmd
}

func opts() cli.Options {
	return cli.Options{
		Provider:   provider,
		ConfigPath: configPath,
		Verbose:    verbose,
	}
}
