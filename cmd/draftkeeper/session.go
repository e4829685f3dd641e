package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/aretw0/draftkeeper/internal/presentation/graph"
	"github.com/aretw0/draftkeeper/internal/presentation/tui"
	"github.com/aretw0/draftkeeper/pkg/analytics"
	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/session"
	"github.com/spf13/cobra"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage stored sessions",
	Long:  `List, inspect, export, import and remove sessions in the configured store.`,
}

var sessionLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List a user's sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		activeOnly, _ := cmd.Flags().GetBool("active")

		stack, err := openStack(cmd)
		if err != nil {
			return err
		}
		defer stack.Close()

		var sessions []*domain.Session
		if activeOnly {
			sessions, err = stack.Manager.ListActive(cmd.Context(), userID)
		} else {
			sessions, err = stack.Manager.ListForUser(cmd.Context(), userID)
		}
		if err != nil {
			return fmt.Errorf("failed to list sessions: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(sessions) == 0 {
			fmt.Fprintf(out, "No sessions found for user '%s'.\n", userID)
			return nil
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SESSION\tSTATUS\tCONTEXT\tPROGRESS\tMESSAGES\tLAST UPDATED")
		for _, s := range sessions {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.0f%%\t%d\t%s\n",
				s.ID(), s.Status(), s.ContextType(), s.Progress()*100, s.MessageCount(),
				s.LastUpdatedAt().Format("2006-01-02 15:04"))
		}
		return tw.Flush()
	},
}

var sessionInspectCmd = &cobra.Command{
	Use:   "inspect <session-id>",
	Short: "Inspect the state of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]
		asJSON, _ := cmd.Flags().GetBool("json")
		diagram, _ := cmd.Flags().GetBool("diagram")
		recent, _ := cmd.Flags().GetInt("messages")

		stack, err := openStack(cmd)
		if err != nil {
			return err
		}
		defer stack.Close()

		s, err := stack.Manager.Load(cmd.Context(), sessionID)
		if err != nil {
			return fmt.Errorf("failed to load session '%s': %w", sessionID, err)
		}
		rec := domain.ToRecord(s)

		if diagram {
			fmt.Fprint(cmd.OutOrStdout(), graph.LifecycleMermaid(rec.StateHistory, rec.Status))
			return nil
		}
		// Pretty print JSON unless a human is watching
		if asJSON || !tui.IsTerminal(os.Stdout) {
			return writeJSON(cmd.OutOrStdout(), rec)
		}
		render, err := tui.NewRenderer(os.Stdout)
		if err != nil {
			return err
		}
		text, err := render(tui.SessionMarkdown(rec, analytics.Summarize(s, stack.Manager.Now()), recent))
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), text)
		return nil
	},
}

var sessionExportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session as a JSON snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		outPath, _ := cmd.Flags().GetString("out")

		stack, err := openStack(cmd)
		if err != nil {
			return err
		}
		defer stack.Close()

		snap, err := stack.Manager.Export(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outPath == "" || outPath == "-" {
			return writeJSON(cmd.OutOrStdout(), snap)
		}
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		if err := writeJSON(f, snap); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Exported session '%s' to %s\n", args[0], outPath)
		return nil
	},
}

var sessionImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a session from a JSON snapshot (use - for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			data []byte
			err  error
		)
		if args[0] == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(args[0])
		}
		if err != nil {
			return err
		}
		snap, err := session.ParseSnapshot(data)
		if err != nil {
			return err
		}

		stack, err := openStack(cmd)
		if err != nil {
			return err
		}
		defer stack.Close()

		s, err := stack.Manager.Import(cmd.Context(), snap)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Imported session '%s' for user '%s' (%s)\n", s.ID(), s.UserID(), s.Status())
		return nil
	},
}

var sessionRmCmd = &cobra.Command{
	Use:   "rm <session-id>...",
	Short: "Remove one or more sessions",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stack, err := openStack(cmd)
		if err != nil {
			return err
		}
		defer stack.Close()

		failed := 0
		for _, sessionID := range args {
			if err := stack.Manager.Delete(cmd.Context(), sessionID); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Error removing '%s': %v\n", sessionID, err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed session '%s'\n", sessionID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d session(s) could not be removed", failed, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionLsCmd, sessionInspectCmd, sessionExportCmd, sessionImportCmd, sessionRmCmd)

	sessionLsCmd.Flags().StringP("user", "u", "", "User whose sessions to list")
	_ = sessionLsCmd.MarkFlagRequired("user")
	sessionLsCmd.Flags().Bool("active", false, "Only list active sessions")

	sessionInspectCmd.Flags().Bool("json", false, "Print the raw record as JSON")
	sessionInspectCmd.Flags().Bool("diagram", false, "Print the lifecycle as a Mermaid state diagram")
	sessionInspectCmd.Flags().Int("messages", 10, "Number of recent messages to show")

	sessionExportCmd.Flags().StringP("out", "o", "", "Write the snapshot to a file instead of stdout")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
