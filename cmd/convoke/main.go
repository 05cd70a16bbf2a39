package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/convoke-dev/convoke/internal/config"
	"github.com/convoke-dev/convoke/internal/core"
	"github.com/convoke-dev/convoke/internal/log"
	"github.com/convoke-dev/convoke/internal/message"
)

var version = "0.1.0"

var (
	providerFlag string
	modelFlag    string
	agentFlag    string
	sessionFlag  string
	systemFlag   string
)

func init() {
	// Logging is enabled via CONVOKE_DEBUG=1.
	_ = log.Init()

	rootCmd.Flags().StringVar(&providerFlag, "provider", "", "provider name (anthropic, openai, google)")
	rootCmd.Flags().StringVar(&modelFlag, "model", "", "model identifier")
	rootCmd.Flags().StringVar(&agentFlag, "agent", "", "agent profile name")
	rootCmd.Flags().StringVar(&sessionFlag, "session", "", "continue an existing session by id")
	rootCmd.Flags().StringVar(&systemFlag, "system", "", "system prompt")

	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(modelsCmd)
}

func main() {
	defer log.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "convoke [prompt]",
	Short:   "convoke - conversation orchestration for AI providers and tools",
	Version: version,
	Long: `convoke runs a prompt through an AI provider with streaming, plugin
hooks, and tool execution (builtin, plugin, and MCP servers).

  convoke "your prompt"
  echo "prompt" | convoke
  convoke --session <id> "follow-up"`,
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := inputPrompt(args)
		if prompt == "" {
			return cmd.Help()
		}
		return runPrompt(cmd.Context(), prompt)
	},
}

// inputPrompt assembles the prompt from args or piped stdin.
func inputPrompt(args []string) string {
	if len(args) > 0 {
		return strings.Join(args, " ")
	}

	stat, err := os.Stdin.Stat()
	if err != nil || (stat.Mode()&os.ModeCharDevice) != 0 {
		return ""
	}
	data, err := io.ReadAll(bufio.NewReader(os.Stdin))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func newRuntime(ctx context.Context) (*core.Runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return core.NewRuntime(ctx, cfg)
}

func runPrompt(ctx context.Context, prompt string) error {
	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	manager := core.NewManager(rt)
	opts := core.Opts{
		Provider:     providerFlag,
		Model:        modelFlag,
		Agent:        agentFlag,
		SystemPrompt: systemFlag,
		Events:       printEvent,
	}

	var outcome *core.Outcome
	if sessionFlag != "" {
		outcome, err = manager.Continue(ctx, sessionFlag, prompt, opts)
	} else {
		outcome, err = manager.Start(ctx, prompt, opts)
	}
	if err != nil {
		return err
	}

	if outcome.Condition != "" {
		fmt.Fprintf(os.Stderr, "\n[%s]\n", outcome.Condition)
	}
	fmt.Fprintf(os.Stderr, "\nsession: %s  tokens: %d in / %d out\n",
		outcome.SessionID, outcome.Usage.InputTokens, outcome.Usage.OutputTokens)
	return nil
}

var modelsCmd = &cobra.Command{
	Use:   "models [provider]",
	Short: "List models available from a provider",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()

		name := rt.Config.Provider
		if len(args) > 0 {
			name = args[0]
		}
		p, ok := rt.Providers.Get(name)
		if !ok {
			return fmt.Errorf("unknown provider: %s (have %s)",
				name, strings.Join(rt.Providers.Names(), ", "))
		}

		models, err := p.Models(cmd.Context())
		if err != nil {
			return err
		}
		for _, m := range models {
			fmt.Printf("%-40s %s\n", m.ID, m.DisplayName)
		}
		return nil
	},
}

// printEvent renders the event stream as plain text.
func printEvent(ev core.Event) {
	switch ev.Type {
	case core.EventSegmentAppended:
		printSegment(ev.Segment)
	case core.EventToolStarted:
		fmt.Fprintf(os.Stderr, "[tool %s started]\n", ev.Call.Name)
	case core.EventToolCompleted:
		status := "ok"
		if !ev.Result.Success {
			status = "failed"
		}
		fmt.Fprintf(os.Stderr, "[tool %s %s]\n", ev.Call.Name, status)
	}
}

func printSegment(seg *message.Segment) {
	if seg == nil {
		return
	}
	switch seg.Type {
	case message.SegmentText:
		fmt.Println(seg.Text)
	case message.SegmentCode:
		fmt.Printf("```%s\n%s\n```\n", seg.Language, seg.Content)
	case message.SegmentToolCall:
		fmt.Fprintf(os.Stderr, "[calling %s]\n", seg.ToolCall.Name)
	}
}
