package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fathima-sithara/chatsync/internal/engine"
	"github.com/fathima-sithara/chatsync/internal/relay"
	"github.com/fathima-sithara/chatsync/internal/send"
)

func conversationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversations",
		Short: "List conversations with unread counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			return printYAML(a.session.Conversations())
		},
	}
}

func contactsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "contacts",
		Short: "List contacts and their presence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			contacts, err := a.session.Contacts(cmd.Context())
			if err != nil {
				return err
			}
			return printYAML(contacts)
		},
	}
}

func historyCmd() *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Open a conversation and print its messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.session.Open(cmd.Context(), args[0]); err != nil {
				return err
			}
			for i := 1; i < pages; i++ {
				n, err := a.session.LoadOlder(cmd.Context())
				if err != nil {
					return err
				}
				if n == 0 {
					break
				}
			}
			return printYAML(a.session.Messages(args[0]))
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 1, "number of history pages to load")
	return cmd
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <user-id>",
		Short: "Start (or find) the conversation with a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			conv, err := a.session.StartConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printYAML(conv)
		},
	}
}

func sendCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text>",
		Short: "Send a message and wait for the server echo",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			if err := a.session.Open(cmd.Context(), args[0]); err != nil {
				return err
			}
			if err := a.session.SetDraft(args[1]); err != nil {
				return err
			}
			msg, err := a.session.Send()
			if err != nil {
				return err
			}

			deadline := time.NewTimer(wait)
			defer deadline.Stop()
			for {
				switch st, _ := a.session.SendStatus(msg.ID); st {
				case send.StatusConfirmed:
					for _, m := range a.session.Messages(args[0]) {
						if m.ClientID == msg.ClientID {
							return printYAML(m)
						}
					}
					return printYAML(msg)
				case send.StatusFailed:
					return fmt.Errorf("message %s was not confirmed", msg.ID)
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-deadline.C:
					return errors.New("timed out waiting for confirmation")
				case _, ok := <-a.session.Updates():
					if !ok {
						return errors.New("session closed")
					}
				}
			}
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 15*time.Second, "how long to wait for the server echo")
	return cmd
}

func tailCmd() *cobra.Command {
	var open string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream session updates until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			if open != "" {
				if err := a.session.Open(cmd.Context(), open); err != nil {
					return err
				}
			}
			for {
				select {
				case <-cmd.Context().Done():
					return nil
				case u, ok := <-a.session.Updates():
					if !ok {
						return nil
					}
					if err := printYAML(describe(a.session, u)); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&open, "open", "", "conversation to keep open while tailing")
	return cmd
}

// describe resolves an update into the state it points at.
func describe(s *engine.Session, u engine.Update) map[string]any {
	out := map[string]any{"kind": string(u.Kind), "at": time.Now().Format(time.RFC3339)}
	if u.ConversationID != "" {
		out["conversation_id"] = u.ConversationID
	}
	switch u.Kind {
	case engine.UpdateConversations:
		out["total_unread"] = s.TotalUnread()
		if c, ok := s.Conversation(u.ConversationID); ok {
			out["unread"] = c.UnreadCount
			out["last_message"] = c.LastMessagePreview
		}
	case engine.UpdateTyping:
		if u.ConversationID != "" {
			out["typing"] = s.TypingUsers(u.ConversationID)
		}
	case engine.UpdatePresence:
		out["user_id"] = u.UserID
		out["online"] = s.IsOnline(u.UserID)
	case engine.UpdateConnection:
		out["realtime"] = s.Realtime()
	case engine.UpdateTimeline, engine.UpdateSendFailed:
		if u.MessageID != "" {
			out["message_id"] = u.MessageID
		}
		if u.ConversationID != "" {
			out["messages"] = len(s.Messages(u.ConversationID))
		}
	}
	return out
}

func tokenCmd() *cobra.Command {
	var (
		secret string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a development token accepted by chatrelay",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				return errors.New("--secret is required")
			}
			tok, err := relay.IssueToken(secret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "relay jwt secret")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
