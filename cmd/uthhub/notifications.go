package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	uthhub "github.com/tienvybui05/uthhub-socket"
)

var notificationsUnread bool

func init() {
	notificationsCmd.Flags().BoolVar(&notificationsUnread, "unread", false, "Only show unread notifications")
	rootCmd.AddCommand(notificationsCmd)
}

var notificationsCmd = &cobra.Command{
	Use:   "notifications",
	Short: "List notifications",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var (
			list []uthhub.Notification
			err  error
		)
		if notificationsUnread {
			list, err = client.Notifications.Unread(ctx)
		} else {
			list, err = client.Notifications.List(ctx)
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if len(list) == 0 {
			fmt.Println("No notifications.")
			return nil
		}
		for _, n := range list {
			fmt.Println(formatNotification(n))
		}
		return nil
	},
}

func formatNotification(n uthhub.Notification) string {
	mark := " "
	if !n.IsRead {
		mark = "*"
	}
	return fmt.Sprintf("%s [%d] %-16s %s  %s", mark, n.ID, n.Style, n.Content, n.CreatedAt)
}
