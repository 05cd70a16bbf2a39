package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/convoke-dev/convoke/internal/config"
	"github.com/convoke-dev/convoke/internal/message"
	"github.com/convoke-dev/convoke/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored sessions",
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsCmd.AddCommand(sessionsExportCmd)
	sessionsCmd.AddCommand(sessionsImportCmd)
	sessionsCmd.AddCommand(sessionsArchiveCmd)
	sessionsCmd.AddCommand(sessionsCleanupCmd)
}

func openStore() (*session.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return session.NewStore(cfg.SessionDir)
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		list, err := store.List()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("no sessions")
			return nil
		}
		for _, meta := range list {
			fmt.Printf("%s  %-10s %-24s %s\n",
				meta.ID, meta.State, meta.UpdatedAt.Format("2006-01-02 15:04:05"), meta.Title)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session's history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		sess, err := store.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s (%s, %s/%s)\n\n", sess.Metadata.Title,
			sess.Metadata.State, sess.Metadata.Provider, sess.Metadata.Model)
		for _, msg := range sess.Messages {
			fmt.Printf("--- %s", msg.Role)
			if msg.Partial {
				fmt.Print(" (partial)")
			}
			fmt.Println()
			for i := range msg.Segments {
				printStoredSegment(&msg.Segments[i])
			}
		}
		return nil
	},
}

func printStoredSegment(seg *message.Segment) {
	switch seg.Type {
	case message.SegmentText:
		fmt.Println(seg.Text)
	case message.SegmentCode:
		fmt.Printf("```%s\n%s\n```\n", seg.Language, seg.Content)
	case message.SegmentToolCall:
		fmt.Printf("[tool call %s (%s)]\n", seg.ToolCall.Name, seg.ToolCall.CallID)
	case message.SegmentToolResult:
		status := "ok"
		if !seg.ToolResult.Success {
			status = "failed"
		}
		fmt.Printf("[tool result %s %s]\n", seg.ToolResult.CallID, status)
	}
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		return store.Delete(args[0])
	},
}

var sessionsExportCmd = &cobra.Command{
	Use:   "export <id>",
	Short: "Write a session snapshot to stdout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		data, err := store.Export(args[0])
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var sessionsImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a session snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		store, err := openStore()
		if err != nil {
			return err
		}
		sess, err := store.Import(data)
		if err != nil {
			return err
		}
		fmt.Println(sess.Metadata.ID)
		return nil
	},
}

var sessionsArchiveCmd = &cobra.Command{
	Use:   "archive <id>",
	Short: "Freeze a session as an immutable snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		return store.Archive(args[0])
	},
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: fmt.Sprintf("Remove non-archived sessions idle for over %d days", session.RetentionDays),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		return store.Cleanup()
	},
}
