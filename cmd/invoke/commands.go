package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/app"
	"github.com/capitalize-ai/chat-relay/internal/config"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/transport"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

type invocation struct {
	stdin  io.Reader
	stdout io.Writer

	cfg *config.Config
	log *logger.Logger
	app *app.App

	// chat flags
	inputPath string
	message   string
	id        string
	protocol  string
}

func newRootCmd(stdin io.Reader, stdout io.Writer) *cobra.Command {
	inv := &invocation{stdin: stdin, stdout: stdout}

	root := &cobra.Command{
		Use:           "invoke",
		Short:         "Run one chat relay operation and exit",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return inv.setup(cmd.Context())
		},
	}

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Stream a completion to stdout and save the conversation",
		RunE: inv.withTeardown(func(ctx context.Context) error {
			return inv.chat(ctx)
		}),
	}
	chatCmd.Flags().StringVarP(&inv.inputPath, "input", "i", "", `JSON request file ({"id":..,"messages":[..]}), "-" for stdin`)
	chatCmd.Flags().StringVarP(&inv.message, "message", "m", "", "single user message, instead of --input")
	chatCmd.Flags().StringVar(&inv.id, "id", "", "conversation id; created when empty")
	chatCmd.Flags().StringVar(&inv.protocol, "protocol", "", "wire protocol: sse or data (default from STREAM_PROTOCOL)")

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a conversation and print its id",
		RunE: inv.withTeardown(func(ctx context.Context) error {
			id, err := inv.app.Conversations.Create(ctx, "invoke")
			if err != nil {
				return err
			}
			return json.NewEncoder(inv.stdout).Encode(&model.CreateConversationResponse{ID: id})
		}),
	}

	loadCmd := &cobra.Command{
		Use:   "load",
		Short: "Print a conversation's messages",
		RunE: inv.withTeardown(func(ctx context.Context) error {
			msgs, err := inv.app.Conversations.Load(ctx, inv.id)
			if err != nil {
				return err
			}
			return json.NewEncoder(inv.stdout).Encode(&model.LoadConversationResponse{Messages: msgs})
		}),
	}
	loadCmd.Flags().StringVar(&inv.id, "id", "", "conversation id")
	_ = loadCmd.MarkFlagRequired("id")

	root.AddCommand(chatCmd, createCmd, loadCmd)
	return root
}

func (inv *invocation) setup(ctx context.Context) error {
	inv.cfg = config.Load()

	// stdout carries the response stream.
	log, err := logger.NewStderr(inv.cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	inv.log = log

	inv.app, err = app.New(ctx, inv.cfg, log)
	if err != nil {
		return err
	}
	if inv.app.Conversations.Volatile() {
		log.Warn("STORE_BACKEND=memory: the conversation will not survive this invocation")
	}
	return nil
}

// withTeardown runs fn and then teardown, whether or not fn failed.
func (inv *invocation) withTeardown(fn func(ctx context.Context) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return errors.Join(fn(cmd.Context()), inv.teardown())
	}
}

// teardown waits for the run's save before the process exits.
func (inv *invocation) teardown() error {
	if inv.app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), inv.cfg.ShutdownTimeout)
	defer cancel()
	err := inv.app.Shutdown(ctx)
	_ = inv.log.Sync()
	return err
}

func (inv *invocation) readRequest() (*model.ChatRequest, error) {
	req := &model.ChatRequest{ID: inv.id}
	switch {
	case inv.message != "" && inv.inputPath != "":
		return nil, errors.New("--message and --input are mutually exclusive")
	case inv.message != "":
		req.Messages = []model.Message{{Role: model.RoleUser, Content: inv.message}}
		return req, nil
	case inv.inputPath == "":
		return nil, errors.New("one of --message or --input is required")
	}

	var r io.Reader = inv.stdin
	if inv.inputPath != "-" {
		f, err := os.Open(inv.inputPath)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(req); err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidRequest, err)
	}
	if inv.id != "" {
		req.ID = inv.id
	}
	return req, nil
}

func (inv *invocation) chat(ctx context.Context) error {
	req, err := inv.readRequest()
	if err != nil {
		return err
	}

	ex, err := inv.app.Chat.Start(ctx, req)
	if err != nil {
		return err
	}
	log := inv.log.FromContext(ctx, ex.ConversationID)

	protocol := inv.protocol
	if protocol == "" {
		protocol = inv.cfg.StreamProtocol
	}

	// An interrupt detaches the output; the save still happens in teardown.
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	outcome, err := transport.Pump(sigCtx, ex.Run, nopCloser{inv.stdout}, transport.NewEncoder(protocol))
	state := ex.Finish(outcome)
	log.Info("chat finished",
		zap.String("outcome", outcome.String()),
		zap.String("state", state.String()),
	)
	if outcome == transport.OutcomeFailed {
		return err
	}
	return nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }
