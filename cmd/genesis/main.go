// Command genesis is the local assistant orchestrator. Run without arguments
// it starts the interactive REPL; subcommands expose the bridge, the
// acceleration profile, configuration, and one-shot questions.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/normanking/genesis/internal/bridge"
	"github.com/normanking/genesis/internal/config"
	"github.com/normanking/genesis/internal/logging"
	"github.com/normanking/genesis/internal/store"
)

// version is stamped by the build; the default marks a source build.
var version = "0.3.0-dev"

var (
	flagConfig  string
	flagBaseDir string
	flagVerbose bool

	cfg *config.Config
)

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "genesis",
		Short: "Local assistant orchestrator",
		Long: `Genesis answers questions with a local model first, verifies what it can
symbolically, and falls back to web search and hosted models only when the
local answer is not trustworthy.`,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runREPL(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.genesis/config.yaml)")
	root.PersistentFlags().StringVar(&flagBaseDir, "base-dir", "", "override the base directory")
	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "verbose logging")

	root.AddCommand(
		newVersionCmd(),
		newConfigCmd(),
		newAskCmd(),
		newBridgeCmd(),
		newAccelCmd(),
	)
	return root
}

// setup loads the env file and configuration and initializes logging. Runs
// before every command.
func setup(cmd *cobra.Command, args []string) error {
	loadEnvFile()

	var err error
	if flagConfig != "" {
		cfg, err = config.LoadFromPath(flagConfig)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if flagBaseDir != "" {
		cfg.BaseDir = flagBaseDir
		cfg.Logging.File = filepath.Join(cfg.LogsDir(), "genesis.log")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.Logging.Level)
	logCfg.FilePath = cfg.Logging.File
	if flagVerbose {
		logCfg.Level = logging.LevelDebug
		logCfg.ShowCaller = true
	}
	logging.SetGlobal(logging.New(logCfg))
	return nil
}

// loadEnvFile reads ~/.genesis/.env and exports KEY=VALUE pairs that are not
// already set. API keys usually live here.
func loadEnvFile() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	data, err := os.ReadFile(filepath.Join(home, ".genesis", ".env"))
	if err != nil {
		return
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("genesis %s\n", version)
		},
	}
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and manage configuration",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			shown := *cfg
			// Secrets stay out of terminal scrollback.
			shown.Bridge.Secret = "********"
			for name, p := range shown.LLM.Providers {
				if p.APIKey != "" {
					p.APIKey = "********"
					shown.LLM.Providers[name] = p
				}
			}
			data, err := yaml.Marshal(&shown)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flagConfig
			if path == "" {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				path = filepath.Join(home, ".genesis", "config.yaml")
			}
			if err := config.Default().SaveToPath(path); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	})

	return configCmd
}

func newAskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ask <prompt>",
		Short: "Answer one prompt and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.shutdown()

			reply := rt.ctrl.Process(cmd.Context(), strings.Join(args, " "))
			fmt.Println(reply.Render())
			return nil
		},
	}
}

func newBridgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bridge",
		Short: "Run the loopback execution bridge standalone",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.New(cfg.BaseDir)
			if err != nil {
				return err
			}
			srv, err := bridge.NewServer(&bridge.Config{
				Host:        cfg.Bridge.Host,
				Port:        cfg.Bridge.Port,
				Secret:      cfg.Bridge.Secret,
				ExecTimeout: secondsOrDefault(cfg.Bridge.ExecTimeoutSec, bridge.DefaultExecTimeout),
			}, st)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := logging.DetachContextWithTimeout(ctx, 5*time.Second)
				defer cancel()
				srv.Stop(stopCtx)
			}()

			fmt.Printf("Bridge listening on %s:%d\n", cfg.Bridge.Host, cfg.Bridge.Port)
			return srv.Start()
		},
	}
}

func newAccelCmd() *cobra.Command {
	var rerun bool
	accelCmd := &cobra.Command{
		Use:   "accel",
		Short: "Print the hardware acceleration profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := store.New(cfg.BaseDir)
			if err != nil {
				return err
			}
			if rerun {
				if err := st.Remove("cache/accel_profile.json"); err != nil && !os.IsNotExist(err) {
					return err
				}
			}

			mgr := newAccelManager(st)
			profile := mgr.Profile(cmd.Context())

			fmt.Printf("Benchmarked %s\n", profile.BenchmarkedAt.Format("2006-01-02 15:04:05"))
			for _, d := range profile.Devices {
				fmt.Printf("  %-4s %-20s %8.1f GFLOPS\n", d.Type, d.Name, d.GFLOPS)
			}
			return nil
		},
	}
	accelCmd.Flags().BoolVar(&rerun, "rerun", false, "discard the cached profile and re-benchmark")
	return accelCmd
}

// runREPL is the default command: the interactive loop.
func runREPL(ctx context.Context) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.shutdown()

	// Log lines go to the file only; stdout belongs to the conversation.
	logging.DisableConsoleOutput()

	fmt.Printf("genesis %s — session %s\n", version, rt.memory.SessionID())
	fmt.Println("Type a question, or #help for directives.")

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Print("genesis> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}

		reply := rt.ctrl.Process(ctx, scanner.Text())
		if out := reply.Render(); out != "" {
			fmt.Println(out)
		}
		if reply.Exit {
			return nil
		}
	}
}
