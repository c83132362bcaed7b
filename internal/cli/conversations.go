package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var deleteForce bool

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recent first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var showCmd = &cobra.Command{
	Use:   "show <conversation>",
	Short: "Print a conversation",
	Args:  cobra.ExactArgs(1),
	RunE:  runShow,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <conversation>",
	Short: "Delete a conversation and its messages",
	Long: `Delete a conversation and all of its messages.

Requires confirmation unless --force is used.

Examples:
  alfred delete local-1718000000000-abc
  alfred delete local-1718000000000-abc --force`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

func init() {
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "skip confirmation")
}

func runList(cmd *cobra.Command, args []string) error {
	convs, err := session.Conversations(context.Background())
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No conversations yet. Start one with: alfred send <message>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tUPDATED")
	for _, c := range convs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.ID, c.Title, c.UpdatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runShow(cmd *cobra.Command, args []string) error {
	msgs, err := session.Messages(context.Background(), args[0])
	if err != nil {
		return err
	}
	for _, m := range msgs {
		fmt.Printf("[%s] %s\n%s\n\n", m.CreatedAt.Local().Format(time.Kitchen), m.Role, m.Content)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	id := args[0]

	if !deleteForce {
		fmt.Printf("About to delete conversation %s and all of its messages.\n", id)
		fmt.Print("\nContinue? [y/N]: ")

		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
		response = strings.TrimSpace(strings.ToLower(response))
		if response != "y" && response != "yes" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := session.DeleteConversation(context.Background(), id); err != nil {
		return err
	}
	fmt.Println("Deleted.")
	return nil
}
