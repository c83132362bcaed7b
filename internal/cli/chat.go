package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var (
	sendConversation string
	newTitle         string
)

const nudgeText = `
You've been chatting for a while. Sign in to keep your conversations across
devices:  alfred login <email>   (or: alfred dismiss-nudge)`

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message and print Alfred's reply",
	Long: `Send a message to Alfred.

Without --conversation the current conversation is continued, or a new one
is started.

Examples:
  alfred send "help me plan a trip to Lisbon"
  alfred send -c local-1718000000000-abc "what about hotels?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

var newCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new conversation",
	Args:  cobra.NoArgs,
	RunE:  runNew,
}

func init() {
	sendCmd.Flags().StringVarP(&sendConversation, "conversation", "c", "", "conversation id")
	newCmd.Flags().StringVarP(&newTitle, "title", "t", "", "conversation title")
}

func runSend(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	content := strings.TrimSpace(strings.Join(args, " "))
	if content == "" {
		return fmt.Errorf("message is empty")
	}

	ex, err := session.Send(ctx, sendConversation, content)
	if err != nil {
		return err
	}

	fmt.Println(ex.Reply.Content)
	if verbose {
		fmt.Printf("\n[conversation %s]\n", ex.ConversationID)
	}
	if ex.NudgeRaised {
		fmt.Println(nudgeText)
	}
	return nil
}

func runNew(cmd *cobra.Command, args []string) error {
	conv, err := session.NewConversation(context.Background(), newTitle)
	if err != nil {
		return err
	}
	fmt.Printf("Started %q (%s)\n", conv.Title, conv.ID)
	return nil
}
