package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kikita-im/chatsync"
)

func init() {
	rootCmd.AddCommand(chatsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
	historyCmd.Flags().StringVar(&historyCursor, "cursor", "", "fetch messages older than this cursor")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "page size")
}

var (
	historyCursor string
	historyLimit  int
)

// restClient builds the session-bound REST client from the saved config.
func restClient() (*chatsync.Session, *chatsync.Client, *Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	if cfg.Auth.Token == "" {
		return nil, nil, nil, fmt.Errorf("not logged in: run 'chatsync config set auth.token <token>' first")
	}
	if cfg.Default.BaseURL == "" {
		return nil, nil, nil, fmt.Errorf("no base URL: run 'chatsync config set default.base_url <url>' first")
	}
	session := chatsync.NewSession()
	session.SetCredential(cfg.Auth.Token)
	client := chatsync.NewClient(session, chatsync.WithBaseURL(cfg.Default.BaseURL))
	return session, client, cfg, nil
}

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "List chats for the current user",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, _, err := restClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		chats, err := client.Chats(ctx)
		if err != nil {
			return err
		}
		if len(chats) == 0 {
			fmt.Println("No chats.")
			return nil
		}
		for _, c := range chats {
			unread := ""
			if c.UnreadCount > 0 {
				unread = fmt.Sprintf("  [%d unread]", c.UnreadCount)
			}
			name := c.Name
			if name == "" {
				name = c.ID
			}
			fmt.Printf("%-36s  %-6s  %s%s\n", c.ID, c.Kind, name, unread)
		}
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <chat-id>",
	Short: "Print a page of chat history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, _, err := restClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		page, err := client.Messages(ctx, args[0], historyCursor, historyLimit)
		if err != nil {
			return err
		}
		for _, m := range page.Messages {
			fmt.Printf("%s  %-16s  %s\n", m.CreatedAt.Format(time.RFC3339), m.SenderID, m.Content)
		}
		if page.NextCursor != "" {
			fmt.Printf("-- more: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <text>",
	Short: "Send a message to a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, client, _, err := restClient()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msg, err := client.SendMessage(ctx, args[0], chatsync.SendRequest{Content: args[1]})
		if err != nil {
			return err
		}
		fmt.Printf("Sent %s at %s\n", msg.ID, msg.CreatedAt.Format(time.RFC3339))
		return nil
	},
}
