package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dotsetgreg/companion/pkg/admin"
	"github.com/dotsetgreg/companion/pkg/bus"
	"github.com/dotsetgreg/companion/pkg/capability"
	"github.com/dotsetgreg/companion/pkg/channels"
	"github.com/dotsetgreg/companion/pkg/config"
	"github.com/dotsetgreg/companion/pkg/logger"
	"github.com/dotsetgreg/companion/pkg/memory"
	"github.com/dotsetgreg/companion/pkg/providers"
	"github.com/dotsetgreg/companion/pkg/relationship"
	"github.com/dotsetgreg/companion/pkg/router"
	"github.com/dotsetgreg/companion/pkg/scheduler"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "companion",
		Short: "Personal AI assistant with relationship-aware routing, memory, and capability adapters",
		Long: strings.TrimSpace(`companion is a personal assistant runtime.

It routes every inbound task through a single pipeline: classify the task,
run one capability adapter under a deadline, log the exchange to the user's
memory, and update the relationship score.`),
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
	root.AddCommand(newGatewayCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newUsersCommand())
	root.AddCommand(newVersionCommand())

	return root
}

// core is the assembled runtime shared by the gateway and the local REPL.
type core struct {
	cfg      *config.Config
	store    *memory.SQLiteStore
	engine   *relationship.Engine
	registry *capability.Registry
	taskBus  *bus.TaskBus
	router   *router.Router
}

func buildCore(cfg *config.Config, withProvider bool) (*core, error) {
	store, err := memory.NewSQLiteStore(memoryDBPath(cfg))
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	engine := relationship.NewEngine(store, relationship.PolicyFromConfig(cfg.Relationship))

	registry := capability.NewRegistry()
	if withProvider {
		provider, err := providers.CreateProvider(cfg)
		if err != nil {
			store.Close()
			return nil, err
		}
		registry.Register(capability.NewChatAdapter(provider, cfg.Assistant.Model, cfg.Assistant.MaxTokens))
	}
	registry.Register(capability.NewCodingAdapter(cfg.Router.CodingBinary, cfg.WorkspacePath()))
	registry.Register(capability.NewSocialPostAdapter(store, deliverablePlatforms(cfg)))

	taskBus := bus.NewTaskBus()
	rtr := router.NewRouter(cfg.Router, store, engine, registry, taskBus)

	return &core{
		cfg:      cfg,
		store:    store,
		engine:   engine,
		registry: registry,
		taskBus:  taskBus,
		router:   rtr,
	}, nil
}

// deliverablePlatforms lists the platforms a bridge can be started for, so
// posts are only accepted when something will eventually deliver them.
func deliverablePlatforms(cfg *config.Config) []string {
	var platforms []string
	if strings.TrimSpace(cfg.Channels.Discord.Token) != "" {
		platforms = append(platforms, "discord")
	}
	return platforms
}

func (c *core) Close() {
	c.taskBus.Close()
	_ = c.store.Close()
}

func loadRuntimeConfig(requireProvider, requireDiscord bool) (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetLevelName(cfg.Assistant.LogLevel)

	configPath := getConfigPath()
	if requireProvider && strings.TrimSpace(cfg.Providers.OpenRouter.APIKey) == "" {
		return nil, fmt.Errorf("providers.openrouter.api_key is required in %s or COMPANION_PROVIDERS_OPENROUTER_API_KEY", configPath)
	}
	if requireDiscord && strings.TrimSpace(cfg.Channels.Discord.Token) == "" {
		return nil, fmt.Errorf("channels.discord.token is required in %s or COMPANION_CHANNELS_DISCORD_TOKEN", configPath)
	}
	return cfg, nil
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.companion config and workspace",
		Example: "  companion onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := getConfigPath()
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config already exists at %s", configPath)
			}

			cfg := config.DefaultConfig()
			if err := config.SaveConfig(configPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			if err := os.MkdirAll(filepath.Join(cfg.WorkspacePath(), "state"), 0o755); err != nil {
				return fmt.Errorf("create workspace: %w", err)
			}

			fmt.Printf("%s is ready!\n", appName)
			fmt.Println("\nNext steps:")
			fmt.Println("  1. Add your API key to", configPath)
			fmt.Println("     Get one at: https://openrouter.ai/keys")
			fmt.Println("  2. (Gateway mode) Add your Discord bot token to channels.discord.token")
			fmt.Println("  3. Chat locally: companion chat")
			fmt.Println("  4. Run gateway: companion gateway")
			return nil
		},
	}
}

func newChatCommand() *cobra.Command {
	var (
		message string
		user    string
		debug   bool
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run a local session against the router (CLI mode)",
		Example: strings.Join([]string{
			"  companion chat",
			"  companion chat --message \"summarize my TODOs\"",
			"  companion chat --user alice",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logger.SetLevel(logger.LevelDebug)
			}
			cfg, err := loadRuntimeConfig(true, false)
			if err != nil {
				return err
			}
			c, err := buildCore(cfg, true)
			if err != nil {
				return err
			}
			defer c.Close()

			userID := "cli:" + user
			if strings.TrimSpace(message) != "" {
				reply := c.router.Handle(cmd.Context(), bus.Task{
					Description: message,
					UserID:      userID,
					Platform:    "cli",
					ChatID:      "direct",
				})
				fmt.Printf("\n%s %s\n", appName, reply.Content)
				return nil
			}

			fmt.Printf("%s Interactive mode (Ctrl+C to exit)\n\n", appName)
			return replLoop(cmd.Context(), c, userID)
		},
	}

	cmd.Flags().StringVarP(&message, "message", "m", "", "One-shot task to route")
	cmd.Flags().StringVarP(&user, "user", "u", "operator", "Local user identity")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func replLoop(ctx context.Context, c *core, userID string) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s You: ", appName),
		HistoryFile:     filepath.Join(os.TempDir(), ".companion_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("initialize readline: %w", err)
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

		reply := c.router.Handle(ctx, bus.Task{
			Description: input,
			UserID:      userID,
			Platform:    "cli",
			ChatID:      "direct",
		})
		fmt.Printf("\n%s %s\n\n", appName, reply.Content)
	}
}

func newGatewayCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Run the Discord gateway, router workers, scheduler, and admin API",
		Example: "  companion gateway --debug",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logger.SetLevel(logger.LevelDebug)
			}
			cfg, err := loadRuntimeConfig(true, true)
			if err != nil {
				return err
			}
			return runGateway(cfg)
		},
	}

	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runGateway(cfg *config.Config) error {
	c, err := buildCore(cfg, true)
	if err != nil {
		return err
	}
	defer c.Close()

	manager, err := channels.NewManager(cfg, c.taskBus)
	if err != nil {
		return fmt.Errorf("create channel manager: %w", err)
	}

	sched := scheduler.New(c.store, c.engine, manager, cfg.Scheduler, cfg.Relationship.DecayPerDay)
	adminSrv := admin.NewHTTPServer(admin.NewService(c.store, c.engine), cfg.Gateway.Host, cfg.Gateway.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.router.Start(ctx)
	go sched.Start(ctx)
	go func() {
		if err := adminSrv.Start(ctx); err != nil {
			logger.ErrorCF("admin", "Admin gateway error", map[string]any{"error": err.Error()})
		}
	}()

	if err := manager.StartAll(ctx); err != nil {
		cancel()
		c.router.Wait()
		return err
	}

	fmt.Printf("✓ Gateway started on %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	<-sigChan

	fmt.Println("\nShutting down...")
	cancel()
	_ = manager.StopAll(context.Background())
	c.router.Wait()
	fmt.Println("✓ Gateway stopped")
	return nil
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show configuration and runtime readiness",
		Example: "  companion status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			configPath := getConfigPath()

			fmt.Printf("%s Status\n", appName)
			fmt.Printf("Version: %s\n\n", formatVersion())

			check := func(label, path string) {
				if _, err := os.Stat(path); err == nil {
					fmt.Println(label+":", path, "✓")
				} else {
					fmt.Println(label+":", path, "✗")
				}
			}
			check("Config", configPath)
			check("Workspace", cfg.WorkspacePath())
			check("Memory DB", memoryDBPath(cfg))

			status := func(ok bool) string {
				if ok {
					return "✓"
				}
				return "not set"
			}
			apiReady := strings.TrimSpace(cfg.Providers.OpenRouter.APIKey) != ""
			discordReady := strings.TrimSpace(cfg.Channels.Discord.Token) != ""

			fmt.Printf("Model: %s\n", cfg.Assistant.Model)
			fmt.Println("OpenRouter API:", status(apiReady))
			fmt.Println("Discord token:", status(discordReady))
			fmt.Println("Chat ready:", status(apiReady))
			fmt.Println("Gateway ready:", status(apiReady && discordReady))
			return nil
		},
	}
}

// newUsersCommand is the offline admin surface: it edits relationship records
// directly against the store, without the gateway running.
func newUsersCommand() *cobra.Command {
	usersRoot := &cobra.Command{
		Use:   "users",
		Short: "Inspect and edit relationship records",
	}

	withService := func(fn func(ctx context.Context, svc *admin.Service) error) error {
		cfg, err := loadRuntimeConfig(false, false)
		if err != nil {
			return err
		}
		c, err := buildCore(cfg, false)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(context.Background(), admin.NewService(c.store, c.engine))
	}

	usersRoot.AddCommand(&cobra.Command{
		Use:     "list",
		Short:   "List all known users",
		Example: "  companion users list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *admin.Service) error {
				users, err := svc.ListUsers(ctx)
				if err != nil {
					return err
				}
				if len(users) == 0 {
					fmt.Println("No users yet.")
					return nil
				}
				for _, u := range users {
					fmt.Printf("  %s score=%d type=%s interactions=%d\n",
						u.ID, u.Score, u.EffectiveType(), u.InteractionCount)
				}
				return nil
			})
		},
	})

	usersRoot.AddCommand(&cobra.Command{
		Use:     "show <user_id>",
		Short:   "Show one relationship record",
		Args:    cobra.ExactArgs(1),
		Example: "  companion users show discord:123456",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *admin.Service) error {
				u, err := svc.GetUser(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("User: %s\n", u.ID)
				fmt.Printf("  Score: %d\n", u.Score)
				fmt.Printf("  Type: %s\n", u.Type)
				if u.TypeOverride != "" {
					fmt.Printf("  Override: %s\n", u.TypeOverride)
				}
				fmt.Printf("  Interactions: %d\n", u.InteractionCount)
				if strings.TrimSpace(u.Notes) != "" {
					fmt.Printf("  Notes: %s\n", u.Notes)
				}
				return nil
			})
		},
	})

	usersRoot.AddCommand(&cobra.Command{
		Use:     "set-score <user_id> <score>",
		Short:   "Set the relationship score (0-100)",
		Args:    cobra.ExactArgs(2),
		Example: "  companion users set-score discord:123456 75",
		RunE: func(cmd *cobra.Command, args []string) error {
			score, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("score must be a number: %w", err)
			}
			return withService(func(ctx context.Context, svc *admin.Service) error {
				u, err := svc.SetScore(ctx, args[0], score)
				if err != nil {
					return err
				}
				fmt.Printf("✓ %s score=%d type=%s\n", u.ID, u.Score, u.EffectiveType())
				return nil
			})
		},
	})

	usersRoot.AddCommand(&cobra.Command{
		Use:     "set-type <user_id> <type>",
		Short:   "Pin the relationship type (empty string clears the override)",
		Args:    cobra.ExactArgs(2),
		Example: "  companion users set-type discord:123456 master",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *admin.Service) error {
				u, err := svc.SetTypeOverride(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Printf("✓ %s type=%s\n", u.ID, u.EffectiveType())
				return nil
			})
		},
	})

	usersRoot.AddCommand(&cobra.Command{
		Use:     "clear-log <user_id>",
		Short:   "Delete a user's memory log (relationship record survives)",
		Args:    cobra.ExactArgs(1),
		Example: "  companion users clear-log discord:123456",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(func(ctx context.Context, svc *admin.Service) error {
				n, err := svc.ClearEntries(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Printf("✓ Cleared %d entries\n", n)
				return nil
			})
		},
	})

	return usersRoot
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  companion version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
