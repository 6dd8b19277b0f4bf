package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/odvcencio/nodelink/pkg/gateway"
	"github.com/odvcencio/nodelink/pkg/gateway/conversation"
	"github.com/odvcencio/nodelink/pkg/gateway/events"
	"github.com/odvcencio/nodelink/pkg/telemetry"
)

type chatOptions struct {
	session string
	wait    time.Duration
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	co := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the gateway agent",
		Long: `With a message argument, sends it and prints the streamed reply.
Without one, reads messages line by line from stdin until EOF.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			client, err := a.connect(ctx, out)
			if err != nil {
				return err
			}
			key := sessionKeyOrDefault(a.sessionKey(co.session))
			a.rememberSession(key)

			if len(args) > 0 {
				return chatOnce(ctx, client, key, strings.Join(args, " "), co.wait, out)
			}
			return chatLoop(ctx, client, key, cmd.InOrStdin(), co.wait, out)
		},
	}
	cmd.Flags().StringVar(&co.session, "session", "", "session key (default: last used, then "+conversation.DefaultSessionKey+")")
	cmd.Flags().DurationVar(&co.wait, "wait", 2*time.Minute, "how long to wait for a reply to finish")
	return cmd
}

func sessionKeyOrDefault(key string) string {
	if key == "" {
		return conversation.DefaultSessionKey
	}
	return key
}

func chatLoop(ctx context.Context, client *gateway.Client, key string, in io.Reader, wait time.Duration, out io.Writer) error {
	interactive := false
	if f, ok := in.(*os.File); ok {
		interactive = term.IsTerminal(int(f.Fd()))
	}
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := chatOnce(ctx, client, key, line, wait, out); err != nil {
			return err
		}
	}
}

// chatOnce sends text and streams the assistant reply to out until the
// gateway ends the stream or wait elapses.
func chatOnce(ctx context.Context, client *gateway.Client, key, text string, wait time.Duration, out io.Writer) error {
	updates, cancel := client.Subscribe()
	defer cancel()

	printer := newReplyPrinter(out)
	if conv, ok := client.Conversation(key); ok {
		printer.skip(conv)
	}
	if _, err := client.SendMessage(ctx, text, key); err != nil {
		return err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			printer.finish()
			fmt.Fprintln(out, "(no complete reply yet)")
			return nil
		case evt, ok := <-updates:
			if !ok {
				return gateway.ErrClientClosed
			}
			if evt.SessionID != key {
				continue
			}
			switch evt.Type {
			case telemetry.EventConversationUpdated:
				if conv, ok := client.Conversation(key); ok {
					printer.update(conv)
				}
				if evt.Data["event"] == events.NameStreamEnd {
					printer.finish()
					return nil
				}
			case telemetry.EventGatewayError:
				printer.finish()
				fmt.Fprintf(out, "gateway error: %v\n", evt.Data["message"])
				return nil
			}
		}
	}
}

// replyPrinter writes assistant output incrementally as the conversation
// grows.
type replyPrinter struct {
	out     io.Writer
	printed map[string]int
	tools   map[string]bool
	dirty   bool
}

func newReplyPrinter(out io.Writer) *replyPrinter {
	return &replyPrinter{out: out, printed: map[string]int{}, tools: map[string]bool{}}
}

// skip marks everything already in conv as printed.
func (p *replyPrinter) skip(conv conversation.Conversation) {
	for _, m := range conv.Messages {
		p.printed[m.ID] = len(m.Content)
		for _, tc := range m.ToolCalls {
			p.tools[tc.ID] = true
		}
	}
}

func (p *replyPrinter) update(conv conversation.Conversation) {
	for _, m := range conv.Messages {
		if m.Role != conversation.RoleAssistant {
			p.printed[m.ID] = len(m.Content)
			continue
		}
		for _, tc := range m.ToolCalls {
			if p.tools[tc.ID] {
				continue
			}
			p.tools[tc.ID] = true
			fmt.Fprintf(p.out, "\n[tool %s]\n", tc.Name)
		}
		n := p.printed[m.ID]
		if len(m.Content) > n {
			fmt.Fprint(p.out, m.Content[n:])
			p.printed[m.ID] = len(m.Content)
			p.dirty = true
		}
	}
}

func (p *replyPrinter) finish() {
	if p.dirty {
		fmt.Fprintln(p.out)
		p.dirty = false
	}
}
