package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/keepsake-ai/keepsake/internal/session"
)

func newSessionsCmd() *cobra.Command {
	var appName, userID string

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage stored sessions",
	}
	cmd.PersistentFlags().StringVar(&appName, "app", "", "application name (required)")
	cmd.PersistentFlags().StringVar(&userID, "user", "", "user ID (required)")
	cmd.MarkPersistentFlagRequired("app")
	cmd.MarkPersistentFlagRequired("user")

	cmd.AddCommand(newSessionsListCmd(&appName, &userID))
	cmd.AddCommand(newSessionsShowCmd(&appName, &userID))
	cmd.AddCommand(newSessionsDeleteCmd(&appName, &userID))
	return cmd
}

func newSessionsListCmd(appName, userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sessions for a user, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, logger, err := setup(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store, err := session.NewStore(pool, logger)
			if err != nil {
				return err
			}

			sessions, err := store.ListSessions(ctx, *appName, *userID)
			if err != nil {
				return err
			}

			if len(sessions) == 0 {
				fmt.Println("no sessions found")
				return nil
			}

			return printSessionTable(os.Stdout, sessions)
		},
	}
}

// printSessionTable renders list output. Summaries carry no events, so only
// identity and recency are shown.
func printSessionTable(w io.Writer, sessions []*session.Session) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLAST UPDATE")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\n", s.ID, s.LastUpdateTime.Format(time.RFC3339))
	}
	return tw.Flush()
}

func newSessionsShowCmd(appName, userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session with its full event history as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, logger, err := setup(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store, err := session.NewStore(pool, logger)
			if err != nil {
				return err
			}

			sess, err := store.GetSession(ctx, *appName, *userID, args[0])
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(sess)
		},
	}
}

func newSessionsDeleteCmd(appName, userID *string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and all of its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, logger, err := setup(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store, err := session.NewStore(pool, logger)
			if err != nil {
				return err
			}

			if err := store.DeleteSession(ctx, *appName, *userID, args[0]); err != nil {
				return err
			}

			fmt.Printf("deleted session %s\n", args[0])
			return nil
		},
	}
}
