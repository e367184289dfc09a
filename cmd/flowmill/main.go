// Command flowmill is a demo flow binary: it registers an example flow and
// embeds the standard command set. Real deployments follow the same shape
// with their own flows.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flowmill/flowmill/pkg/cli"
	"github.com/flowmill/flowmill/pkg/executor"
	"github.com/flowmill/flowmill/pkg/flow"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	registry := flow.NewRegistry()
	if err := registry.Register(wordCountFlow()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register flow: %v\n", err)
		os.Exit(1)
	}

	// Child attempts re-enter this binary; they must never reach the CLI.
	executor.MaybeRunTask(registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := cli.Execute(ctx, registry, cli.BuildInfo{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	}); err != nil {
		os.Exit(1)
	}
}

// wordCountFlow counts word lengths across a set of documents: a foreach
// fan-out over the documents, a retry-guarded analysis step, and a join that
// aggregates the counts.
func wordCountFlow() *flow.Flow {
	return flow.New("wordcount").
		Step("start", func(ctx *flow.StepContext) error {
			docs := []string{
				"the quick brown fox",
				"jumps over the lazy dog",
				"pack my box with five dozen liquor jugs",
			}
			if ctx.Has("docs") {
				if err := ctx.Get("docs", &docs); err != nil {
					return err
				}
			}
			if err := ctx.Set("docs", docs); err != nil {
				return err
			}
			return ctx.NextForeach()
		}, flow.ToForeach("analyze", "docs")).
		Step("analyze", func(ctx *flow.StepContext) error {
			var doc string
			if err := ctx.Input(&doc); err != nil {
				return err
			}
			words := strings.Fields(doc)
			if err := ctx.Set("words", len(words)); err != nil {
				return err
			}
			return ctx.Next("aggregate")
		}, flow.To("aggregate"), flow.WithRetry(2, time.Second)).
		Join("aggregate", func(ctx *flow.StepContext) error {
			total := 0
			for _, input := range ctx.Inputs() {
				var words int
				if err := input.Get("words", &words); err != nil {
					return err
				}
				total += words
			}
			if err := ctx.Set("total_words", total); err != nil {
				return err
			}
			return ctx.Next("end")
		}, flow.To("end")).
		Step("end", func(ctx *flow.StepContext) error {
			var total int
			if err := ctx.Get("total_words", &total); err != nil {
				return err
			}
			fmt.Printf("counted %d words\n", total)
			return nil
		})
}
