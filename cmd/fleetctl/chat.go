package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"AgentFleet/sdk/go/fleet"
)

func newChatCmd(opts *options) *cobra.Command {
	var conversationID string
	cmd := &cobra.Command{
		Use:   "chat <agent> [text]",
		Short: "向智能体发送消息，省略 text 时进入交互模式",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			agent := args[0]
			if len(args) == 2 {
				return opts.sendChat(cmd.Context(), cmd.OutOrStdout(), c, agent, conversationID, args[1])
			}
			scanner := bufio.NewScanner(cmd.InOrStdin())
			out := cmd.OutOrStdout()
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					fmt.Fprintln(out)
					return scanner.Err()
				}
				text := strings.TrimSpace(scanner.Text())
				if text == "" {
					continue
				}
				if err := opts.sendChat(cmd.Context(), out, c, agent, conversationID, text); err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "错误:", err)
				}
			}
		},
	}
	cmd.Flags().StringVarP(&conversationID, "conversation", "c", "", "会话 ID，默认使用 default 会话")
	return cmd
}

func (o *options) sendChat(ctx context.Context, w io.Writer, c *fleet.Client, agent, conversationID, text string) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	tr, err := c.Chat(ctx, agent, conversationID, text)
	if err != nil {
		return err
	}
	return o.render(w, tr, func(w io.Writer) error {
		printTurn(w, tr)
		return nil
	})
}

func printTurn(w io.Writer, tr fleet.Trace) {
	for _, m := range tr.Messages {
		switch {
		case m.Text != "":
			fmt.Fprintf(w, "%s: %s\n", tr.Agent, m.Text)
		case m.Image != "":
			fmt.Fprintf(w, "%s: [image] %s\n", tr.Agent, m.Image)
		}
		for _, b := range m.Buttons {
			fmt.Fprintf(w, "    [%s] %s\n", b.Title, b.Payload)
		}
	}
	if tr.Transfer != nil {
		fmt.Fprintf(w, "-- 会话已转交 %s -> %s\n", tr.Transfer.From, tr.Transfer.To)
	}
	if f := tr.Forwarded; f != nil {
		for _, m := range f.Messages {
			if m.Text != "" {
				fmt.Fprintf(w, "%s: %s\n", f.Agent, m.Text)
			}
		}
	}
}

func newConversationsCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "conversations <agent> [conversation-id]",
		Aliases: []string{"conv"},
		Short:   "列出会话，或查看单个会话的历史",
		Args:    cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			if len(args) == 1 {
				list, err := c.Conversations(ctx, args[0])
				if err != nil {
					return err
				}
				return opts.render(cmd.OutOrStdout(), list, func(w io.Writer) error {
					tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "CONVERSATION\tCURRENT AGENT\tUPDATED")
					for _, conv := range list {
						fmt.Fprintf(tw, "%s\t%s\t%s\n", conv.ConversationID, conv.CurrentAgent, conv.UpdatedAt.Local().Format(time.DateTime))
					}
					return tw.Flush()
				})
			}
			sess, err := c.Conversation(ctx, args[0], args[1], limit)
			if err != nil {
				return err
			}
			return opts.render(cmd.OutOrStdout(), sess, func(w io.Writer) error {
				fmt.Fprintf(w, "会话 %s (入口 %s, 当前 %s)\n", sess.ConversationID, sess.EntryAgent, sess.CurrentAgent)
				for _, tr := range sess.History {
					fmt.Fprintf(w, "#%d you: %s\n", tr.Sequence, tr.InputText)
					printTurn(w, tr)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "返回最近的轮数，0 表示全部")
	return cmd
}
