package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	uthhub "github.com/tienvybui05/uthhub-socket"
)

func init() {
	friendsCmd.AddCommand(friendsListCmd)
	friendsCmd.AddCommand(friendsRequestsCmd)
	friendsCmd.AddCommand(friendsAddCmd)
	friendsCmd.AddCommand(friendsAcceptCmd)
	friendsCmd.AddCommand(friendsRejectCmd)
	friendsRequestsCmd.Flags().BoolVar(&friendsSent, "sent", false, "List requests you sent instead of received ones")
	rootCmd.AddCommand(friendsCmd)
}

var friendsSent bool

var friendsCmd = &cobra.Command{
	Use:   "friends",
	Short: "Manage friends and friend requests",
}

var friendsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List friends",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		friends, err := client.Friends.List(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		printFriends(friends, false)
		return nil
	},
}

var friendsRequestsCmd = &cobra.Command{
	Use:   "requests",
	Short: "List pending friend requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var (
			list []uthhub.Friend
			err  error
		)
		if friendsSent {
			list, err = client.Friends.Sent(ctx)
		} else {
			list, err = client.Friends.Incoming(ctx)
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		printFriends(list, true)
		return nil
	},
}

var friendsAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Send a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := client.Friends.Request(ctx, args[0]); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Friend request sent to %s\n", args[0])
		return nil
	},
}

var friendsAcceptCmd = &cobra.Command{
	Use:   "accept <request-id>",
	Short: "Accept a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return respondToRequest(args[0], true)
	},
}

var friendsRejectCmd = &cobra.Command{
	Use:   "reject <request-id>",
	Short: "Reject a friend request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return respondToRequest(args[0], false)
	},
}

func respondToRequest(arg string, accept bool) error {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid request id %q", arg)
	}
	client, _ := getClient()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if accept {
		err = client.Friends.Accept(ctx, id)
	} else {
		err = client.Friends.Reject(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	if accept {
		fmt.Printf("Accepted request %d\n", id)
	} else {
		fmt.Printf("Rejected request %d\n", id)
	}
	return nil
}

func printFriends(list []uthhub.Friend, requests bool) {
	if len(list) == 0 {
		fmt.Println("None.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	if requests {
		fmt.Fprintln(w, "REQUEST\tUSER\tNAME\tSENT")
		for _, f := range list {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", f.RequestID, f.Username, f.FullName, f.CreatedAt)
		}
	} else {
		fmt.Fprintln(w, "ID\tUSER\tNAME\tSTATUS")
		for _, f := range list {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", f.UserID, f.Username, f.FullName, valueOrDefault(f.Status, "-"))
		}
	}
	w.Flush()
}
