package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandeepkv93/keygate/internal/tools/common"
	"github.com/sandeepkv93/keygate/internal/tools/loadgen"
	"github.com/sandeepkv93/keygate/internal/tools/obscheck"
	"github.com/sandeepkv93/keygate/internal/tools/ui"
)

func main() {
	if err := common.LoadEnvFile(".env"); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{Use: "keygatectl", Short: "Operator tooling for keygate", SilenceUsage: true}
	cmd.AddCommand(newLoadgenCommand(), obscheck.NewRootCommand())
	return cmd
}

func newLoadgenCommand() *cobra.Command {
	cfg := loadgen.Config{}
	var ci bool
	cmd := &cobra.Command{
		Use:   "loadgen",
		Short: "Generate visitor traffic",
		RunE: func(cmd *cobra.Command, args []string) error {
			fn := func(ctx context.Context) ([]string, error) {
				res, err := loadgen.Run(ctx, cfg)
				if err != nil {
					return nil, err
				}
				return summarize(res), nil
			}
			var (
				details []string
				err     error
			)
			if ci {
				details, err = fn(cmd.Context())
				common.PrintCIResult(err == nil, "loadgen", details, err)
			} else {
				_, err = ui.Run("loadgen "+cfg.Profile, fn)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.BaseURL, "base-url", "http://localhost:8080", "API base URL")
	f.StringVar(&cfg.Profile, "profile", "mixed", "health, public, flow or mixed")
	f.StringVar(&cfg.KeysystemID, "keysystem", "", "keysystem id for visitor traffic")
	f.DurationVar(&cfg.Duration, "duration", 30*time.Second, "run duration")
	f.IntVar(&cfg.RPS, "rps", 20, "iterations per second")
	f.IntVar(&cfg.Concurrency, "concurrency", 4, "parallel workers")
	f.Uint64Var(&cfg.Seed, "seed", 42, "random seed")
	f.BoolVar(&ci, "ci", false, "non-interactive machine-readable output")
	return cmd
}

func summarize(res loadgen.Result) []string {
	out := []string{fmt.Sprintf("total=%d failures=%d elapsed=%s", res.TotalRequests, res.Failures, res.Elapsed.Round(time.Millisecond))}
	classes := make([]string, 0, len(res.StatusClasses))
	for class := range res.StatusClasses {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		out = append(out, fmt.Sprintf("%s=%d", class, res.StatusClasses[class]))
	}
	return out
}
