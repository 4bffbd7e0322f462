package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/evanse71/owlin-assist/internal/chat"
	"github.com/evanse71/owlin-assist/internal/tui"
)

const version = "1.0.0"

var (
	flagBackend     string
	flagMode        string
	flagContextSize int
	flagTheme       string
	flagNoColor     bool

	historyLimit  int
	historyOffset int
	historySearch string
)

func loadConfig(cmd *cobra.Command) (chat.Config, string, error) {
	path := chat.DefaultConfigPath()
	cfg, err := chat.LoadConfig(path)
	if err != nil {
		return cfg, path, err
	}
	if cmd.Flags().Changed("backend") {
		cfg.BackendURL = flagBackend
	}
	if cmd.Flags().Changed("mode") {
		if _, ok := chat.ParseMode(flagMode); !ok {
			return cfg, path, fmt.Errorf("unknown mode %q (chat|search|agent)", flagMode)
		}
		cfg.DefaultMode = flagMode
	}
	if cmd.Flags().Changed("context-size") {
		cfg.ContextSize = flagContextSize
	}
	if cmd.Flags().Changed("theme") {
		cfg.Theme = flagTheme
	}
	if flagNoColor {
		os.Setenv("OWLIN_NO_COLOR", "1")
	}
	return cfg, path, nil
}

func newClient(cfg chat.Config) *chat.Client {
	return chat.NewClient(cfg.BackendURL, chat.NewFileLogger())
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx, cancel
}

func main() {
	root := &cobra.Command{
		Use:     "owlin-assist",
		Short:   "Owlin Assist - terminal chat for the Owlin invoice backend",
		Long:    "Owlin Assist is a terminal client for the Owlin invoice-processing backend.\n\nRun without arguments for the interactive TUI, or use the 'ask' subcommand for one-shot questions.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client := newClient(cfg)
			session := chat.NewSession(chat.NewFileLogger())

			p := tea.NewProgram(tui.NewMainModel(client, session, cfg, path), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}

	root.PersistentFlags().StringVarP(&flagBackend, "backend", "b", "http://localhost:8000", "backend base URL")
	root.PersistentFlags().StringVarP(&flagMode, "mode", "m", "chat", "mode: chat|search|agent")
	root.PersistentFlags().IntVar(&flagContextSize, "context-size", 128000, "context window budget in tokens")
	root.PersistentFlags().StringVar(&flagTheme, "theme", "", "color theme: porcelain|midnight")
	root.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "disable colored output")

	askCmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question without the TUI",
		Long:  "Send one question to the backend and print the answer.\n\nExamples:\n  - owlin-assist ask \"Which invoices failed OCR this week?\"\n  - owlin-assist ask -m search \"Where is the delivery matching logic?\"",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			mode, _ := chat.ParseMode(cfg.DefaultMode)
			resp, err := newClient(cfg).Ask(ctx, chat.ChatRequest{
				Message:       args[0],
				ContextSize:   cfg.ContextSize,
				UseSearchMode: mode == chat.ModeSearch,
				UseAgentMode:  mode == chat.ModeAgent,
			})
			if err != nil {
				return err
			}
			if resp.Error != "" {
				return fmt.Errorf("%s", resp.Response)
			}
			if resp.RequiresOllama {
				return fmt.Errorf("%s\n\nOllama is not running. Start it with: ollama serve", resp.Response)
			}

			fmt.Println(resp.Response)
			if len(resp.CodeReferences) > 0 {
				fmt.Println("\nReferences:")
				for _, ref := range resp.CodeReferences {
					loc := ref.File
					if len(ref.Lines) == 2 {
						loc = fmt.Sprintf("%s:%d-%d", ref.File, ref.Lines[0], ref.Lines[1])
					}
					fmt.Printf("  %s\n", loc)
				}
			}
			return nil
		},
	}
	root.AddCommand(askCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Check backend and Ollama availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			st, err := newClient(cfg).Status(ctx)
			if err != nil {
				return fmt.Errorf("backend unreachable at %s: %w", cfg.BackendURL, err)
			}
			fmt.Printf("Backend:  %s (%s)\n", cfg.BackendURL, st.Status)
			if st.OllamaAvailable {
				fmt.Printf("Ollama:   available (%s)\n", st.OllamaURL)
			} else {
				fmt.Println("Ollama:   offline")
			}
			if st.PrimaryModel != "" {
				fmt.Printf("Model:    %s\n", st.PrimaryModel)
			}
			if len(st.AvailableModels) > 0 {
				fmt.Printf("Models:   %s\n", strings.Join(st.AvailableModels, ", "))
			}
			return nil
		},
	}
	root.AddCommand(statusCmd)

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "List stored exploration sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			page, err := newClient(cfg).History(ctx, historyLimit, historyOffset, historySearch)
			if err != nil {
				return err
			}
			if len(page.Sessions) == 0 {
				fmt.Println("No stored sessions.")
				return nil
			}
			for _, s := range page.Sessions {
				line := s.UserMessage
				if len(line) > 70 {
					line = line[:69] + "…"
				}
				fmt.Printf("%-36s  %-19s  %s\n", s.SessionID, s.CreatedAt, line)
			}
			fmt.Printf("\n%d of %d sessions\n", len(page.Sessions), page.Total)
			return nil
		},
	}
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum sessions to list")
	historyCmd.Flags().IntVar(&historyOffset, "offset", 0, "pagination offset")
	historyCmd.Flags().StringVar(&historySearch, "search", "", "filter sessions by text")

	historyShowCmd := &cobra.Command{
		Use:   "show [session-id]",
		Short: "Show one stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			s, err := newClient(cfg).HistorySession(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Session:  %s\n", s.SessionID)
			fmt.Printf("Created:  %s\n", s.CreatedAt)
			if s.ModelUsed != "" {
				fmt.Printf("Model:    %s\n", s.ModelUsed)
			}
			if s.DurationMs > 0 {
				fmt.Printf("Duration: %dms\n", s.DurationMs)
			}
			fmt.Printf("\n%s\n", s.UserMessage)
			if len(s.Findings) > 0 {
				fmt.Printf("\nFindings:\n%s\n", s.Findings)
			}
			return nil
		},
	}
	historyCmd.AddCommand(historyShowCmd)

	historyDeleteCmd := &cobra.Command{
		Use:   "delete [session-id]",
		Short: "Delete one stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			if err := newClient(cfg).DeleteHistorySession(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted session %s\n", args[0])
			return nil
		},
	}
	historyCmd.AddCommand(historyDeleteCmd)
	root.AddCommand(historyCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
