// Command chat is a terminal client for the relay. It loads a session,
// sends one message and prints the finished turn.
//
// Usage:
//
//	chat send [--session <id>] [--file name:checksum] <message>
//	chat show --session <id>
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/room4-2/chatstream/config"
	"github.com/room4-2/chatstream/logging"
	"github.com/room4-2/chatstream/messages"
	"github.com/room4-2/chatstream/session"
	"github.com/room4-2/chatstream/transcript"
)

func main() {
	app := &cli.App{
		Name:  "chat",
		Usage: "Chat with the relay from a terminal",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "session",
				Aliases: []string{"s"},
				Usage:   "Chat session id (send starts a new session when empty)",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log protocol events to stderr",
			},
		},
		Commands: []*cli.Command{
			sendCommand(),
			showCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a message and wait for the reply",
		ArgsUsage: "<message>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "file",
				Usage: "Attach a file as name:checksum (repeatable)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Maximum time to wait for the turn",
				Value: 2 * time.Minute,
			},
		},
		Action: sendAction,
	}
}

func showCommand() *cli.Command {
	return &cli.Command{
		Name:  "show",
		Usage: "Print the stored transcript",
		Action: func(c *cli.Context) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return err
			}
			id := c.String("session")
			if id == "" {
				return cli.Exit("--session is required", 2)
			}
			fetcher := session.NewHTTPFetcher(cfg.APIEndpoint, nil)
			snap, err := fetcher.FetchSession(c.Context, id)
			if err != nil {
				return err
			}
			if !snap.Exists {
				return cli.Exit(fmt.Sprintf("session %s not found", snap.ID), 1)
			}
			render(c.App.Writer, transcript.Normalize(snap.Messages))
			return nil
		},
	}
}

func sendAction(c *cli.Context) error {
	text := strings.Join(c.Args().Slice(), " ")
	if text == "" {
		return cli.Exit("message is required", 2)
	}
	files, err := parseFiles(c.StringSlice("file"))
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	logger := logging.Nop()
	if c.Bool("verbose") {
		if logger, err = logging.New("debug", os.Stderr); err != nil {
			return err
		}
	}
	defer logger.Sync()

	sessionID := c.String("session")
	if sessionID == "" {
		sessionID = uuid.New().String()
		fmt.Fprintln(c.App.ErrWriter, "session:", sessionID)
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()

	fetcher := session.NewHTTPFetcher(cfg.APIEndpoint, nil)
	cs, err := session.Connect(ctx, sessionID, fetcher, session.Options{
		Endpoint:        cfg.WebsocketEndpoint,
		MaxBufferSize:   cfg.MaxBufferSize,
		PendingFrameTTL: cfg.PendingFrameTTL,
		KeepAlivePeriod: cfg.KeepAlivePeriod,
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer cs.Close()

	if len(files) > 0 {
		if err := cs.AddFiles(ctx, files...); err != nil {
			return err
		}
	}
	if err := cs.SendMessage(text); err != nil {
		return err
	}

	state, err := cs.WaitTurn(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("turn timed out", zap.String("state", state.String()))
	} else if err != nil {
		return err
	}

	render(c.App.Writer, cs.Normalize())
	return nil
}

func parseFiles(raw []string) ([]messages.FileItem, error) {
	files := make([]messages.FileItem, 0, len(raw))
	for _, r := range raw {
		name, checksum, ok := strings.Cut(r, ":")
		if !ok || name == "" || checksum == "" {
			return nil, fmt.Errorf("invalid file %q: want name:checksum", r)
		}
		files = append(files, messages.FileItem{FileName: name, Checksum: checksum})
	}
	return files, nil
}
