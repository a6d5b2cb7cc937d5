package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/matt-riley/flagbridge/internal/channel"
	"github.com/matt-riley/flagbridge/internal/config"
)

type callOptions struct {
	socketPath string
	timeout    time.Duration
	listen     time.Duration
}

func newCallCmd() *cobra.Command {
	opts := callOptions{}
	cmd := &cobra.Command{
		Use:   "call METHOD [ARGUMENTS]",
		Short: "Send one call to a running bridge over its socket",
		Long: "Send one call to a running bridge and print the reply as YAML. " +
			"ARGUMENTS is a YAML or JSON document, for example " +
			`'{flagKey: banner, defaultValue: false}'.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw string
			if len(args) == 2 {
				raw = args[1]
			}
			arguments, err := parseArguments(raw)
			if err != nil {
				return err
			}
			return runCall(cmd.Context(), cmd.OutOrStdout(), opts, args[0], arguments)
		},
	}
	cmd.Flags().StringVar(&opts.socketPath, "socket", defaultSocketPath(), "bridge socket path")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "how long to wait for the reply")
	cmd.Flags().DurationVar(&opts.listen, "listen", 0, "keep printing notifications for this long after the reply")
	return cmd
}

func defaultSocketPath() string {
	cfg, err := config.Load()
	if err != nil {
		return "/tmp/flagbridge.sock"
	}
	return cfg.SocketPath
}

// parseArguments decodes a YAML document into untyped call arguments. An
// empty document means no arguments.
func parseArguments(raw string) (any, error) {
	var arguments any
	if err := yaml.Unmarshal([]byte(raw), &arguments); err != nil {
		return nil, fmt.Errorf("parse arguments: %w", err)
	}
	return arguments, nil
}

func runCall(ctx context.Context, out io.Writer, opts callOptions, method string, arguments any) error {
	callCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	client, err := channel.Dial(callCtx, opts.socketPath)
	if err != nil {
		return err
	}
	defer client.Close()

	result, err := client.Call(callCtx, method, arguments)
	if err != nil {
		var wireErr *channel.WireError
		if errors.As(err, &wireErr) {
			return fmt.Errorf("%s failed with code %s: %s", method, wireErr.Code, wireErr.Message)
		}
		return err
	}

	enc := yaml.NewEncoder(out)
	defer enc.Close()
	if err := enc.Encode(map[string]any{"result": result}); err != nil {
		return fmt.Errorf("write result: %w", err)
	}

	if opts.listen <= 0 {
		return nil
	}
	listenCtx, stop := context.WithTimeout(ctx, opts.listen)
	defer stop()
	for {
		note, err := client.Notification(listenCtx)
		if err != nil {
			if listenCtx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read notification: %w", err)
		}
		if err := enc.Encode(map[string]any{"notification": note.Method, "arguments": note.Arguments}); err != nil {
			return fmt.Errorf("write notification: %w", err)
		}
	}
}
