package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(messagesCmd)
	messagesCmd.AddCommand(messagesListCmd)
	messagesCmd.AddCommand(messagesSendCmd)
	messagesCmd.AddCommand(messagesReadCmd)
	messagesCmd.AddCommand(messagesDeleteCmd)
}

var messagesCmd = &cobra.Command{
	Use:     "messages",
	Aliases: []string{"msg"},
	Short:   "Secure messaging",
}

var messagesListCmd = &cobra.Command{
	Use:   "list [conversation-id]",
	Short: "List conversations, or the messages of one conversation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx, cancel := commandContext()
		defer cancel()
		client, closeClient, err := openClient(ctx, oneShot)
		if err != nil {
			return err
		}
		defer closeClient()

		if len(args) == 0 {
			convs, err := client.Messages.ListConversations(ctx)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Fprintln(out, "No conversations.")
				return nil
			}
			for _, c := range convs {
				unread := ""
				if c.UnreadCount > 0 {
					unread = yellow(fmt.Sprintf(" [%d unread]", c.UnreadCount))
				}
				fmt.Fprintf(out, "%s  %s%s\n", cyan(c.ID), valueOrDefault(c.Title, "(untitled)"), unread)
			}
			return nil
		}

		msgs, err := client.Messages.ListMessages(ctx, args[0])
		if err != nil {
			return err
		}
		if len(msgs) == 0 {
			fmt.Fprintln(out, "No messages.")
			return nil
		}
		for _, m := range msgs {
			fmt.Fprintf(out, "%s %s: %s%s\n", faint(m.CreatedAt), valueOrDefault(m.SenderID, "?"), m.Content, syncedMarker(m.ID))
		}
		return nil
	},
}

var messagesSendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text...>",
	Short: "Send a message (queued when offline)",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx, cancel := commandContext()
		defer cancel()
		client, closeClient, err := openClient(ctx, oneShot)
		if err != nil {
			return err
		}
		defer closeClient()

		m, err := client.Messages.Send(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if syncedMarker(m.ID) != "" {
			fmt.Fprintf(out, "%s message queued as %s\n", yellow("Offline:"), m.ID)
			return nil
		}
		fmt.Fprintf(out, "%s message %s\n", green("Sent:"), m.ID)
		return nil
	},
}

var messagesReadCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx, cancel := commandContext()
		defer cancel()
		client, closeClient, err := openClient(ctx, oneShot)
		if err != nil {
			return err
		}
		defer closeClient()

		if err := client.Messages.MarkRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "Conversation %s marked as read\n", args[0])
		return nil
	},
}

var messagesDeleteCmd = &cobra.Command{
	Use:   "delete <message-id>",
	Short: "Delete a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx, cancel := commandContext()
		defer cancel()
		client, closeClient, err := openClient(ctx, oneShot)
		if err != nil {
			return err
		}
		defer closeClient()

		if err := client.Messages.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(out, "Message %s deleted\n", args[0])
		return nil
	},
}
