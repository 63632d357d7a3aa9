// Package main implements the hyperchat example shell: one window of
// side-by-side AI chat sessions driven from stdin. The orchestration core is
// a library; this binary is the thin application shell around it.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"hyperchat/internal/config"
	"hyperchat/internal/engine"
	"hyperchat/internal/orchestrator"
)

var (
	configPath string
	verbose    bool
	headless   bool

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "hyperchat",
	Short: "Broadcast one prompt to several AI chat sessions at once",
	Long: `hyperchat opens the configured AI chat services side by side and
sends each prompt you type to all of them.

Prompts are read from stdin. Lines starting with / are commands:

  /reload      reload every session to its default page
  /mode        toggle between reply-to-all and new-chat delivery
  /sessions    print per-session state
  /hibernate   freeze the window's sessions
  /restore     wake them again
  /quit        exit`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runShell,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "hyperchat.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.Flags().BoolVar(&headless, "headless", false, "run the browser headless")
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if headless {
		cfg.Engine.Headless = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watchConfig(ctx, configPath)

	eng := engine.NewRod(cfg.Engine, logger)
	host := orchestrator.New(eng, cfg,
		orchestrator.WithLogger(logger),
		orchestrator.WithNotifier(&shellNotifier{logger: logger}),
	)
	defer func() {
		if err := host.Close(); err != nil {
			logger.Warn("shutdown", zap.Error(err))
		}
	}()

	windowID, err := host.OpenWindow(ctx, cfg.Services)
	if err != nil {
		return err
	}
	logger.Info("window open", zap.String("window", windowID))
	fmt.Println("Type a prompt and press enter. /quit to exit.")

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	replyToAll := true
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if !strings.HasPrefix(line, "/") {
				if err := host.SubmitPrompt(windowID, line, replyToAll); err != nil {
					logger.Error("submit failed", zap.Error(err))
				}
				continue
			}
			switch line {
			case "/quit":
				return nil
			case "/reload":
				if err := host.ReloadAll(windowID); err != nil {
					logger.Error("reload failed", zap.Error(err))
				}
			case "/mode":
				replyToAll = !replyToAll
				if replyToAll {
					fmt.Println("mode: reply to all")
				} else {
					fmt.Println("mode: new chat")
				}
			case "/sessions":
				snaps, err := host.Sessions(windowID)
				if err != nil {
					logger.Error("sessions failed", zap.Error(err))
					continue
				}
				for _, s := range snaps {
					fmt.Printf("  %-12s %-18s retries=%d %s\n", s.ServiceID, s.State, s.RetryCount, s.URL)
				}
			case "/hibernate":
				// The shell has exactly one window and it holds focus, so
				// hibernation is always refused here.
				if err := host.Hibernate(windowID); err != nil {
					fmt.Println(err)
				}
			case "/restore":
				if err := host.Restore(windowID); err != nil {
					logger.Error("restore failed", zap.Error(err))
				}
			default:
				fmt.Printf("unknown command %q\n", line)
			}
		}
	}
}

// watchConfig logs config file changes. The core reads configuration once
// per window-open, so edits apply to windows opened afterwards.
func watchConfig(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Debug("config watch unavailable", zap.Error(err))
		return
	}
	if err := watcher.Add(path); err != nil {
		logger.Debug("config watch unavailable", zap.Error(err))
		_ = watcher.Close()
		return
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Write) {
					logger.Info("config changed; applies to newly opened windows",
						zap.String("path", ev.Name))
				}
			case <-watcher.Errors:
			}
		}
	}()
}

// shellNotifier reflects core state changes into the log.
type shellNotifier struct {
	logger *zap.Logger
}

func (n *shellNotifier) SessionStateChanged(windowID, sessionID string, state orchestrator.State, reason orchestrator.Reason) {
	fields := []zap.Field{
		zap.String("session", sessionID),
		zap.String("state", string(state)),
	}
	if reason != orchestrator.ReasonNone {
		fields = append(fields, zap.String("reason", string(reason)))
	}
	n.logger.Info("session state", fields...)
}

func (n *shellNotifier) ScriptDeliveryResult(windowID, sessionID string, err error) {
	if err != nil {
		n.logger.Warn("delivery failed",
			zap.String("session", sessionID), zap.Error(err))
		return
	}
	n.logger.Info("delivered", zap.String("session", sessionID))
}

func (n *shellNotifier) FocusRestore(windowID string) {
	// Stdin never loses focus; a GUI shell would refocus its input here.
	n.logger.Debug("focus restore", zap.String("window", windowID))
}

func (n *shellNotifier) SnapshotCaptured(windowID, sessionID string, image []byte) {
	n.logger.Debug("snapshot captured",
		zap.String("session", sessionID), zap.Int("bytes", len(image)))
}

func (n *shellNotifier) LocalCompletion(windowID, sessionID string, chunk string, done bool) {
	if done {
		fmt.Println()
		return
	}
	fmt.Print(chunk)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
