// Command inbox is a terminal client for afterhours messaging. It lists
// conversations, opens one, and with -watch tails it live while sending
// each line typed on stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/afterhours/internal/apiclient"
	"github.com/lalith-99/afterhours/internal/config"
	"github.com/lalith-99/afterhours/internal/messaging"
	"github.com/lalith-99/afterhours/internal/models"
	"github.com/lalith-99/afterhours/internal/observ"
	"github.com/lalith-99/afterhours/internal/realtime"
	"github.com/lalith-99/afterhours/internal/session"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	conversation string
	send         string
	with         string
	name         string
	group        bool
	markRead     bool
	watch        bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.conversation, "c", "", "conversation id to open")
	flag.StringVar(&o.send, "send", "", "send this message to the opened conversation")
	flag.StringVar(&o.with, "with", "", "comma-separated user ids to start a conversation with")
	flag.StringVar(&o.name, "name", "", "name for a new group conversation")
	flag.BoolVar(&o.group, "group", false, "create a group conversation")
	flag.BoolVar(&o.markRead, "read", false, "mark the opened conversation as read")
	flag.BoolVar(&o.watch, "watch", false, "tail the opened conversation and send stdin lines")
	flag.Parse()
	return o
}

func run() error {
	opts := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadClientConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	tokens := session.NewSource(cfg.Token, session.NewHTTPRefresher(cfg.APIURL, nil), logger)
	if _, err := tokens.Token(ctx); err != nil {
		return err
	}

	rt, err := realtime.Dial(ctx, cfg.RealtimeURL, tokens.Token, logger)
	if err != nil {
		return fmt.Errorf("connect realtime: %w", err)
	}
	defer rt.Close()

	client := apiclient.New(cfg.APIURL, tokens, nil, logger)
	core := messaging.New(client, rt,
		messaging.WithLogger(logger),
		messaging.WithNotifier(&bell{w: os.Stderr}),
	)
	defer core.Close()

	rt.OnReconnect(func() { core.Resync(ctx) })

	core.Start(ctx, tokens.UserID())
	if err := core.Snapshot().Err; err != nil {
		return err
	}

	conversationID, err := resolveConversation(ctx, core, opts)
	if err != nil {
		return err
	}
	if conversationID == uuid.Nil {
		printConversations(os.Stdout, core.Snapshot())
		return nil
	}

	core.SelectConversation(ctx, conversationID)
	state := core.Snapshot()
	if state.Err != nil {
		return state.Err
	}
	printMessages(os.Stdout, state.Messages, 0)

	if opts.send != "" {
		if _, err := core.SendMessage(ctx, opts.send); err != nil {
			return err
		}
	}
	if opts.markRead {
		core.MarkAsRead(ctx, conversationID)
	}
	if opts.watch {
		return watch(ctx, core, logger)
	}
	return nil
}

// resolveConversation returns the conversation to open: the -c flag, a
// newly created one for -with, or uuid.Nil to just list.
func resolveConversation(ctx context.Context, core *messaging.Core, opts options) (uuid.UUID, error) {
	if opts.conversation != "" {
		id, err := uuid.Parse(opts.conversation)
		if err != nil {
			return uuid.Nil, fmt.Errorf("parse -c: %w", err)
		}
		return id, nil
	}
	if opts.with == "" {
		return uuid.Nil, nil
	}

	var ids []uuid.UUID
	for _, raw := range strings.Split(opts.with, ",") {
		id, err := uuid.Parse(strings.TrimSpace(raw))
		if err != nil {
			return uuid.Nil, fmt.Errorf("parse -with: %w", err)
		}
		ids = append(ids, id)
	}
	var name *string
	if opts.name != "" {
		name = &opts.name
	}

	conv, err := core.CreateConversation(ctx, ids, name, opts.group || len(ids) > 1)
	if err != nil {
		return uuid.Nil, err
	}
	return conv.ID, nil
}

// watch prints new messages as they arrive and sends each stdin line.
// "/read" marks the conversation read; EOF or a signal ends the session.
func watch(ctx context.Context, core *messaging.Core, logger *zap.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	printed := len(core.Snapshot().Messages)
	for {
		select {
		case <-ctx.Done():
			return nil

		case <-core.Updates():
			state := core.Snapshot()
			if printed > len(state.Messages) {
				printed = 0
			}
			printMessages(os.Stdout, state.Messages, printed)
			printed = len(state.Messages)
			if state.Err != nil {
				logger.Warn("messaging error", zap.Error(state.Err))
			}

		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
			case "/read":
				core.MarkAsRead(ctx, core.Snapshot().SelectedID)
			default:
				if _, err := core.SendMessage(ctx, line); err != nil {
					fmt.Fprintf(os.Stderr, "send: %v\n", err)
				}
			}
		}
	}
}

func printConversations(w io.Writer, state messaging.State) {
	fmt.Fprintf(w, "%d unread\n", state.TotalUnread)
	for _, conv := range state.Conversations {
		title := "direct"
		if conv.Name != nil {
			title = *conv.Name
		}
		preview := ""
		if conv.LastMessage != nil {
			preview = conv.LastMessage.Content
		}
		fmt.Fprintf(w, "%s  %-20s %3d  %s\n", conv.ID, title, conv.UnreadCount, preview)
	}
}

func printMessages(w io.Writer, messages []models.Message, from int) {
	for _, msg := range messages[from:] {
		content := msg.Content
		if msg.IsDeleted {
			content = "(deleted)"
		} else if msg.IsEdited {
			content += " (edited)"
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", msg.CreatedAt.Local().Format("15:04"), msg.Sender.Name(), content)
	}
}

// bell rings the terminal bell for messages in other conversations.
type bell struct {
	w      io.Writer
	primed atomic.Bool
}

func (b *bell) Prime() { b.primed.Store(true) }

func (b *bell) Notify(msg models.Message) {
	if !b.primed.Load() {
		return
	}
	fmt.Fprintf(b.w, "\a%s: new message\n", msg.Sender.Name())
}
