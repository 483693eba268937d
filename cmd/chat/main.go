package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/RichardoC/Pad-i/internal/cache"
	"github.com/RichardoC/Pad-i/internal/config"
	"github.com/RichardoC/Pad-i/internal/logging"
	"github.com/RichardoC/Pad-i/internal/models"
	"github.com/RichardoC/Pad-i/internal/registry"
	"github.com/RichardoC/Pad-i/internal/remote"
	"github.com/RichardoC/Pad-i/internal/session"
	"github.com/RichardoC/Pad-i/internal/state"
	"github.com/RichardoC/Pad-i/internal/usage"
)

const helpText = `Commands:
  /new                start a new chat
  /threads            list chats
  /switch <n|id>      open a chat
  /model <name>       change the model
  /rename <title>     rename the current chat
  /delete [n|id]      delete a chat (default: current)
  /usage              show today's message allowance
  /quit               exit`

func main() {
	var configPath, serverURL string

	cmd := &cobra.Command{
		Use:          "pad-i",
		Short:        "Terminal client for Pad-i",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("server") {
				cfg.Client.ServerURL = serverURL
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true
	cmd.Flags().StringVarP(&configPath, "config", "c", "pad-i.yaml", "config file path")
	cmd.Flags().StringVar(&serverURL, "server", "", "server URL (overrides config)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type chat struct {
	out      io.Writer
	o        *session.Orchestrator
	registry *registry.Registry
	gate     *usage.Gate
	identity string
	turnDone chan error
}

func run(ctx context.Context, cfg config.Config) error {
	// The terminal is for the conversation; only warnings go to stderr.
	logger, err := logging.New("warn", "console")
	if err != nil {
		return err
	}
	defer logger.Sync()

	local, err := state.Open(cfg.Client.StatePath)
	if err != nil {
		return err
	}
	identity := local.VisitorID()

	client := remote.New(cfg.Client.ServerURL, logger)
	reg := registry.New(client, identity, logger)
	gate := usage.NewGate(client, logger)

	c := &chat{
		out:      os.Stdout,
		registry: reg,
		gate:     gate,
		identity: identity,
		turnDone: make(chan error, 1),
	}
	c.o = session.New(session.Deps{
		Registry:  reg,
		Cache:     cache.New(client, logger),
		Transport: client,
		Store:     client,
		Titles:    client,
		Gate:      gate,
		Local:     local,
	}, session.Options{
		Identity:     identity,
		DefaultModel: cfg.LLM.DefaultModel,
		Prefetch:     cfg.Client.Prefetch,
		Hooks: session.Hooks{
			OnStreamEvent: func(threadID string, ev models.StreamEvent) {
				if ev.Type == models.EventTextDelta {
					fmt.Fprint(c.out, ev.Delta)
				}
			},
			OnStreamEnd: func(threadID string, err error) {
				c.turnDone <- err
			},
			OnTitle: func(threadID, title string) {
				logger.Debug("title generated", zap.String("threadID", threadID), zap.String("title", title))
			},
			OnError: func(threadID string, err error) {
				logger.Warn("background operation failed", zap.String("threadID", threadID), zap.Error(err))
			},
		},
	}, logger)

	if err := c.o.Start(ctx); err != nil {
		return fmt.Errorf("failed to reach %s: %w", cfg.Client.ServerURL, err)
	}
	defer c.o.Wait()

	if view := c.o.View(); view.ActiveID != "" {
		c.printHeader()
		renderHistory(c.out, view.Messages)
	}
	fmt.Fprintln(c.out, "Type /help for commands.")

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)
	historyFile := filepath.Join(filepath.Dir(cfg.Client.StatePath), "chat_history")
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.OpenFile(historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	for {
		input, err := line.Prompt(c.prompt())
		if err != nil {
			// Ctrl+C, Ctrl+D or a closed terminal all end the session.
			fmt.Fprintln(c.out)
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if quit := c.command(ctx, input); quit {
				return nil
			}
			continue
		}
		c.send(ctx, input)
	}
}

func (c *chat) prompt() string {
	view := c.o.View()
	if view.Blocked {
		return "(limit reached)> "
	}
	return view.Model + "> "
}

func (c *chat) printHeader() {
	view := c.o.View()
	title := untitled
	if t, ok := c.registry.Get(view.ActiveID); ok {
		title = t.DisplayTitle(untitled)
	}
	fmt.Fprintf(c.out, "== %s (%s) ==\n", title, view.Model)
	if view.LoadErr != nil {
		fmt.Fprintf(c.out, "Could not load messages: %v\n", view.LoadErr)
	}
}

func (c *chat) send(ctx context.Context, text string) {
	err := c.o.Submit(ctx, text)
	switch {
	case errors.Is(err, usage.ErrQuotaExceeded):
		fmt.Fprintln(c.out, "You have used all of today's messages. Try again tomorrow.")
		return
	case err != nil:
		fmt.Fprintf(c.out, "Error: %v\n", err)
		return
	}

	streamErr := <-c.turnDone
	fmt.Fprintln(c.out)
	if streamErr != nil {
		fmt.Fprintf(c.out, "Error: %v\n", streamErr)
		return
	}
	if msgs := c.o.View().Messages; len(msgs) > 0 {
		renderReply(c.out, msgs[len(msgs)-1])
	}
}

// command runs a slash command and reports whether the session should end.
func (c *chat) command(ctx context.Context, input string) bool {
	name, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(c.out, helpText)
	case "/new":
		c.o.NewChat()
		fmt.Fprintln(c.out, "Started a new chat.")
	case "/threads":
		renderThreads(c.out, c.registry.List(), c.o.View().ActiveID)
	case "/switch":
		var id string
		if id, err = c.resolveThread(arg); err == nil {
			err = c.o.Select(ctx, id)
			c.printHeader()
			renderHistory(c.out, c.o.View().Messages)
		}
	case "/model":
		if arg == "" {
			fmt.Fprintf(c.out, "Current model: %s\n", c.o.View().Model)
			break
		}
		err = c.o.SelectModel(ctx, arg)
	case "/rename":
		id := c.o.View().ActiveID
		if id == "" {
			err = errors.New("no chat is open")
			break
		}
		err = c.o.Rename(ctx, id, arg)
	case "/delete":
		id := c.o.View().ActiveID
		if arg != "" {
			id, err = c.resolveThread(arg)
		}
		if err == nil && id == "" {
			err = errors.New("no chat is open")
		}
		if err == nil {
			err = c.o.Delete(ctx, id)
		}
	case "/usage":
		c.gate.Invalidate(c.identity)
		var u usage.Usage
		if u, err = c.gate.Current(ctx, c.identity); err == nil {
			if u.Limit == nil {
				fmt.Fprintf(c.out, "Tier %s: unlimited messages.\n", u.Tier)
			} else {
				fmt.Fprintf(c.out, "Tier %s: %d of %d messages used today.\n", u.Tier, u.Used, *u.Limit)
			}
		}
	default:
		fmt.Fprintf(c.out, "Unknown command %s. Type /help.\n", name)
	}

	if err != nil {
		fmt.Fprintf(c.out, "Error: %v\n", err)
	}
	return false
}

// resolveThread accepts a position from /threads or a thread id.
func (c *chat) resolveThread(arg string) (string, error) {
	if arg == "" {
		return "", errors.New("which chat? pass a number from /threads or an id")
	}
	threads := c.registry.List()
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(threads) {
			return "", fmt.Errorf("no chat number %d", n)
		}
		return threads[n-1].ID, nil
	}
	if _, ok := c.registry.Get(arg); !ok {
		return "", fmt.Errorf("no chat with id %s", arg)
	}
	return arg, nil
}
