package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	uthhub "github.com/tienvybui05/uthhub-socket"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// messages
	messagesLimit int

	// send
	sendTo int64

	// watch
	watchInteractive bool
)

func init() {
	messagesCmd.Flags().IntVar(&messagesLimit, "limit", 50, "Show at most this many recent messages (0 for all)")
	sendCmd.Flags().Int64Var(&sendTo, "to", 0, "Send to a user id, creating the conversation if needed")
	watchCmd.Flags().BoolVarP(&watchInteractive, "interactive", "i", false, "Send each line read from stdin to the watched conversation")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(watchCmd)
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List your conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		list, err := client.Conversations.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No conversations.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tWITH\tLAST MESSAGE\tAT")
		for _, c := range list {
			id := "-"
			if c.ID != nil {
				id = strconv.FormatInt(*c.ID, 10)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", id, conversationLabel(c, cfg.Auth.Username), truncate(c.LastMessage, 40), c.LastMessageAt)
		}
		w.Flush()
		return nil
	},
}

// conversationLabel names a conversation from the caller's point of view.
func conversationLabel(c uthhub.Conversation, self string) string {
	if c.Name != "" {
		return c.Name
	}
	var names []string
	for _, p := range c.Participants {
		if p.Username != self {
			names = append(names, p.DisplayName())
		}
	}
	if len(names) == 0 {
		return "(only you)"
	}
	return strings.Join(names, ", ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <conversation-id>",
	Short: "Show a conversation's message history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid conversation id %q", args[0])
		}
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		msgs, err := client.Conversations.Messages(ctx, id)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}
		for _, m := range msgs {
			fmt.Println(formatMessage(m))
		}
		return nil
	},
}

func formatMessage(m uthhub.Message) string {
	sender := m.SenderName
	if sender == "" {
		sender = "#" + strconv.FormatInt(m.SenderID, 10)
	}
	line := fmt.Sprintf("[%s] %s: %s", m.CreatedAt, sender, m.Content)
	switch m.Status {
	case uthhub.MessagePending:
		line += " (sending)"
	case uthhub.MessageFailed:
		line += " (failed)"
	}
	return line
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send [conversation-id] <text>",
	Short: "Send a message to a conversation or, with --to, to a user",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var convID int64
		var text string
		switch {
		case sendTo != 0 && len(args) == 1:
			text = args[0]
		case sendTo == 0 && len(args) == 2:
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conversation id %q", args[0])
			}
			convID, text = id, args[1]
		default:
			return fmt.Errorf("usage: send <conversation-id> <text> | send --to <user-id> <text>")
		}

		engine, _ := getEngine()
		ctx, cancel := context.WithTimeout(context.Background(), 45*time.Second)
		defer cancel()
		defer engine.Logout(context.Background())

		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		if sendTo != 0 {
			err := engine.Store.StartNewConversation(ctx, uthhub.User{ID: sendTo})
			if err != nil {
				return err
			}
		} else if err := engine.Store.SelectConversation(ctx, convID); err != nil {
			return err
		}

		msg, err := engine.Store.SendMessage(ctx, text)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Printf("Message sent (%s)\n", msg.ClientMessageID)
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch [conversation-id]",
	Short: "Follow conversations live",
	Long:  "Connect over STOMP and print messages, typing indicators and notifications as they arrive.\nWithout a conversation id only the conversation list and notifications are followed.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var convID int64
		if len(args) == 1 {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conversation id %q", args[0])
			}
			convID = id
		}

		engine, _ := getEngine()
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine.Conn.OnStateChange(func(s uthhub.State) {
			fmt.Fprintf(os.Stderr, "-- %s\n", s)
		})
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		defer engine.Logout(context.Background())

		p := &watchPrinter{store: engine.Store, printed: make(map[string]bool)}
		engine.Store.OnChange(p.update)
		engine.Notifications.OnNotification(func(n uthhub.Notification) {
			fmt.Println("!", formatNotification(n))
		})

		if convID != 0 {
			if err := engine.Store.SelectConversation(ctx, convID); err != nil {
				return err
			}
			if watchInteractive {
				go readAndSend(ctx, engine.Store)
			}
		} else {
			for _, c := range engine.Store.Conversations() {
				fmt.Printf("  %d  %s\n", *c.ID, conversationLabel(c, engine.Self().Username))
			}
		}

		<-ctx.Done()
		return nil
	},
}

// watchPrinter prints messages of the focused conversation once each and
// the typing line whenever it changes.
type watchPrinter struct {
	store *uthhub.Store

	mu      sync.Mutex
	printed map[string]bool
	typing  string
}

func (p *watchPrinter) update() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range p.store.Messages() {
		key := m.ClientMessageID
		if key == "" {
			key = strconv.FormatInt(m.ID, 10)
		}
		if p.printed[key] || m.Status == uthhub.MessagePending {
			continue
		}
		p.printed[key] = true
		fmt.Println(formatMessage(m))
	}

	var names []string
	for _, u := range p.store.TypingUsers() {
		names = append(names, valueOrDefault(u.FullName, u.Username))
	}
	typing := strings.Join(names, ", ")
	if typing != p.typing {
		p.typing = typing
		if typing != "" {
			fmt.Fprintf(os.Stderr, "   %s is typing...\n", typing)
		}
	}
}

func readAndSend(ctx context.Context, store *uthhub.Store) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		store.Keystroke(ctx)
		if _, err := store.SendMessage(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
	}
}
