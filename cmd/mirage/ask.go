package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/abdhe/mirage/pkg/chat"
	"github.com/abdhe/mirage/pkg/config"
	"github.com/abdhe/mirage/pkg/stream"
)

type askOptions struct {
	model    string
	mode     string
	stream   bool
	noSearch bool
	verbose  bool
}

func newAskCommand(configPath *string) *cobra.Command {
	var opts askOptions

	cmd := &cobra.Command{
		Use:   "ask [flags] question",
		Short: "Run one chat turn from the terminal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ask(cmd.Context(), *configPath, opts, strings.Join(args, " "), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.model, "model", "m", "gpt-5", "model to ask")
	f.StringVar(&opts.mode, "mode", string(chat.ModeDetailed), "response mode: detailed, concise or creative")
	f.BoolVarP(&opts.stream, "stream", "s", false, "print the answer as it streams")
	f.BoolVar(&opts.noSearch, "no-search", false, "never run a web search")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "log to stderr")
	return cmd
}

func ask(ctx context.Context, configPath string, opts askOptions, question string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if opts.verbose {
		if logger, err = newLogger(config.LogConfig{Level: cfg.Log.Level, Format: "console"}); err != nil {
			return err
		}
		defer logger.Sync()
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	req := chat.NewRequest(question, opts.model)
	req.Mode = chat.Mode(opts.mode)
	req.UseWebSearch = !opts.noSearch
	req.Stream = opts.stream

	if !opts.stream {
		res, err := a.orchestrator.Chat(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, res.Response)
		return nil
	}

	events, err := a.orchestrator.ChatStream(ctx, req)
	if err != nil {
		return err
	}
	return printEvents(out, events)
}

// printEvents writes chunks as they arrive and search progress as bracketed
// status lines.
func printEvents(out io.Writer, events <-chan stream.Event) error {
	for ev := range events {
		switch ev.Kind {
		case stream.KindSearch:
			if ev.Search != nil && ev.Search.Message != "" {
				fmt.Fprintf(out, "[%s]\n", ev.Search.Message)
			}
		case stream.KindChunk:
			fmt.Fprint(out, ev.Chunk)
		case stream.KindDone:
			fmt.Fprintln(out)
		case stream.KindError:
			fmt.Fprintln(out)
			return fmt.Errorf("stream failed: %s", ev.Err)
		}
	}
	return nil
}
