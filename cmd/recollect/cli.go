package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/amielsp/recollect/pkg/config"
	"github.com/amielsp/recollect/pkg/logger"
	"github.com/amielsp/recollect/pkg/memory"
	"github.com/amielsp/recollect/pkg/persona"
	"github.com/amielsp/recollect/pkg/providers"
)

func executeCLI() error {
	root := buildRootCommand()
	return root.Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "recollect",
		Short: "Memory-backed conversational companion",
		Long: strings.TrimSpace(`recollect is a tiered-memory conversation runtime.

Every turn is assembled from three memory tiers: the rolling short-term
window, the per-project scratchpad, and the long-term episodic record.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newRememberCommand())
	root.AddCommand(newSweepCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  recollect version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Write a default ~/.recollect/config.json",
		Example: "  recollect onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := getConfigPath()
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("config already exists at %s", path)
			}
			if err := config.SaveConfig(path, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\nSet provider.api_key (or RECOLLECT_PROVIDER_API_KEY) before chatting.\n", path)
			return nil
		},
	}
}

func newChatCommand() *cobra.Command {
	var (
		user         string
		conversation string
		message      string
		debug        bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the companion (interactive or one-shot)",
		Example: strings.Join([]string{
			"  recollect chat",
			"  recollect chat --message \"what did we decide yesterday?\"",
			"  recollect chat --conversation standup --user marie",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := buildService(debug)
			if err != nil {
				return err
			}
			defer svc.Close()

			p := persona.Persona{ID: cfg.Persona.ID, Name: cfg.Persona.Name, Behavior: cfg.Persona.Behavior}
			if p.ID == "" {
				p = persona.DefaultPersona
			}
			proj := persona.Project{ID: cfg.Project.ID, Name: cfg.Project.Name, Facts: cfg.Project.Facts}

			req := memory.TurnRequest{
				ConversationID: conversation,
				ProjectID:      proj.ID,
				UserID:         user,
				SystemPrompt:   persona.SystemPrompt(p, proj),
			}

			if strings.TrimSpace(message) != "" {
				req.Content = message
				reply, err := svc.HandleTurn(cmd.Context(), req)
				if err != nil {
					return err
				}
				fmt.Printf("\n%s %s\n", appName, reply.Content)
				// Give the background worker a moment to pick up maintenance.
				time.Sleep(200 * time.Millisecond)
				return nil
			}

			fmt.Printf("%s Interactive mode (Ctrl+C to exit)\n\n", appName)
			return interactiveChat(svc, req)
		},
	}

	cmd.Flags().StringVarP(&user, "user", "u", "local", "User ID for memory scoping")
	cmd.Flags().StringVarP(&conversation, "conversation", "c", "cli:default", "Conversation ID for continuity")
	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot message instead of interactive mode")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func interactiveChat(svc *memory.Service, req memory.TurnRequest) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".recollect_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return nil
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Goodbye!")
			return nil
		}

		req.Content = input
		reply, err := svc.HandleTurn(context.Background(), req)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			continue
		}
		fmt.Printf("\n%s %s\n\n", appName, reply.Content)
	}
}

func newRememberCommand() *cobra.Command {
	var (
		memType    string
		importance int
		ttl        time.Duration
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "remember <key> <value>",
		Short: "Pin a fact into the current project's scratchpad",
		Args:  cobra.ExactArgs(2),
		Example: strings.Join([]string{
			"  recollect remember deploy_target \"staging until Friday\" --type decision --importance 8",
			"  recollect remember ci_flaky \"integration suite flaking on arm64\" --type blocker --ttl 168h",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cfg, err := buildService(debug)
			if err != nil {
				return err
			}
			defer svc.Close()

			if cfg.Project.ID == "" {
				return fmt.Errorf("no project configured; set project.id in %s", getConfigPath())
			}

			var expiresAt *time.Time
			if ttl > 0 {
				t := time.Now().Add(ttl)
				expiresAt = &t
			}

			entry, err := svc.SetProjectMemory(cmd.Context(), cfg.Project.ID, memory.MemoryType(memType), args[0], args[1], importance, expiresAt)
			if err != nil {
				return err
			}
			fmt.Printf("Remembered %s/%s (importance %d)\n", entry.Type, entry.Key, entry.Importance)
			return nil
		},
	}

	cmd.Flags().StringVarP(&memType, "type", "t", "fact", "Entry type: fact, decision, blocker, preference, insight")
	cmd.Flags().IntVarP(&importance, "importance", "i", 5, "Importance 1-10")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Optional time-to-live (e.g. 72h)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	return cmd
}

func newSweepCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "sweep",
		Short:   "Delete expired scratchpad entries now",
		Example: "  recollect sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := buildService(debug)
			if err != nil {
				return err
			}
			defer svc.Close()

			removed, err := svc.RunSweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d expired entries\n", removed)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildService(debug bool) (*memory.Service, *config.Config, error) {
	cfg, err := config.LoadConfig(getConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return nil, nil, fmt.Errorf("provider API key is required (set provider.api_key or RECOLLECT_PROVIDER_API_KEY)")
	}

	log := logger.NewLogger(debug || cfg.Debug)
	completer := providers.NewHTTPProvider(cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Provider.Model, cfg.Provider.Proxy)

	svc, err := memory.NewService(memoryConfig(cfg), completer, log)
	if err != nil {
		return nil, nil, err
	}
	return svc, cfg, nil
}

func memoryConfig(cfg *config.Config) memory.Config {
	m := cfg.Memory
	return memory.Config{
		DBPath:             cfg.DBPath(),
		RecentWindow:       m.RecentWindow,
		SummaryThreshold:   m.SummaryThreshold,
		SummaryKeepRecent:  m.SummaryKeepRecent,
		MediumTermCapacity: m.MediumTermCapacity,
		EpisodeThreshold:   m.EpisodeThreshold,
		EpisodeRecall:      m.EpisodeRecall,
		FactRecall:         m.FactRecall,
		ContextTokenBudget: m.ContextTokenBudget,
		ContextCacheTTL:    time.Duration(m.ContextCacheSeconds) * time.Second,
		WorkerPoll:         time.Duration(m.WorkerPollMS) * time.Millisecond,
		WorkerLease:        time.Duration(m.WorkerLeaseSeconds) * time.Second,
		RetryBackoff:       time.Duration(m.RetryBackoffSeconds) * time.Second,
		SweepSchedule:      m.SweepSchedule,
	}
}
