// Slackwire - routing substrate between local agent terminal sessions and
// Slack.
//
// One binary, several roles: the registry daemon that owns the session table,
// the PTY wrapper that supervises an agent session, the Socket Mode listener
// that turns Slack events into control-socket writes, and the short-lived
// hook processes the agent invokes at lifecycle events.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/slack-go/slack"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/slackwire/slackwire/internal/chat"
	"github.com/slackwire/slackwire/internal/config"
	"github.com/slackwire/slackwire/internal/hooks"
	"github.com/slackwire/slackwire/internal/listener"
	"github.com/slackwire/slackwire/internal/logging"
	"github.com/slackwire/slackwire/internal/registry"
	"github.com/slackwire/slackwire/internal/respfile"
	"github.com/slackwire/slackwire/internal/wrapper"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	// The wrap command puts the terminal in raw mode; restore it before
	// reporting a crash.
	defer func() {
		if r := recover(); r != nil {
			fmt.Print("\033[?1049l") // Exit alt screen
			fmt.Print("\033[?25h")   // Show cursor
			fmt.Print("\033[0m")     // Reset colors

			fmt.Fprintf(os.Stderr, "\n\nPANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := &cobra.Command{
		Use:     "slackwire",
		Short:   "Bridge agent terminal sessions to Slack",
		Version: Version,
	}

	registryCmd := &cobra.Command{
		Use:   "registry",
		Short: "Run the session registry daemon",
		RunE:  runRegistry,
	}
	rootCmd.AddCommand(registryCmd)

	wrapCmd := &cobra.Command{
		Use:   "wrap [-- agent args...]",
		Short: "Run the agent under a PTY wrapper with a control socket",
		RunE:  runWrap,
	}
	wrapCmd.Flags().String("channel", "", "Post to this channel top-level instead of a session thread")
	rootCmd.AddCommand(wrapCmd)

	listenCmd := &cobra.Command{
		Use:   "listen",
		Short: "Run the Slack Socket Mode event listener",
		RunE:  runListen,
	}
	rootCmd.AddCommand(listenCmd)

	hookCmd := &cobra.Command{
		Use:       "hook <permission|askuser|tasklist|notify|stop>",
		Short:     "Run one agent lifecycle hook (reads JSON on stdin)",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"permission", "askuser", "tasklist", "notify", "stop"},
		RunE:      runHook,
	}
	rootCmd.AddCommand(hookCmd)

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List registered sessions",
		RunE:  runSessions,
	}
	rootCmd.AddCommand(sessionsCmd)

	cleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove ended sessions older than 24h from the registry",
		RunE:  runCleanup,
	}
	rootCmd.AddCommand(cleanupCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runRegistry(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	log, err := logging.New(logging.Options{
		Level: cfg.LogLevel, Component: "registry", Dir: cfg.ComponentLogDir(),
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	store, err := registry.OpenStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open registry store: %w", err)
	}
	defer store.Close()

	// Without a bot token the registry still tracks sessions; rows just get
	// no chat thread until a hook heals them.
	var chatClient chat.Client
	if cfg.BotToken != "" {
		chatClient = chat.NewSlackClient(cfg.BotToken)
	} else {
		log.Warn("SLACK_BOT_TOKEN not set, session threads disabled")
	}

	srv := registry.NewServer(store, registry.ServerOptions{
		SocketPath:     cfg.RegistrySocketPath(),
		DefaultChannel: cfg.Channel,
		Chat:           chatClient,
		Log:            log,
	})
	if err := srv.Start(); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	go srv.RunCleanupLoop(ctx, time.Hour)

	log.Info("registry running", zap.String("socket", cfg.RegistrySocketPath()))
	<-ctx.Done()

	log.Info("shutting down")
	srv.Stop()
	return nil
}

func runWrap(cmd *cobra.Command, args []string) error {
	channel, _ := cmd.Flags().GetString("channel")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Log to a file so the wrapped terminal is never corrupted.
	log, err := logging.New(logging.Options{
		Level: cfg.LogLevel, Component: "wrapper", Dir: cfg.ComponentLogDir(),
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	reg := registry.NewClient(cfg.RegistrySocketPath())
	if !reg.Available() {
		return fmt.Errorf("registry not running at %s (start it with 'slackwire registry')", cfg.RegistrySocketPath())
	}

	var chatClient chat.Client
	if cfg.BotToken != "" {
		chatClient = chat.NewSlackClient(cfg.BotToken)
	}

	w := wrapper.New(wrapper.Options{
		Cfg:      cfg,
		Log:      log,
		Registry: reg,
		Channel:  channel,
		Chat:     chatClient,
		Args:     args,
	})
	log.Info("wrapping agent session", zap.String("session_id", w.SessionID()))
	return w.Run()
}

func runListen(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.BotToken == "" {
		return fmt.Errorf("SLACK_BOT_TOKEN is required")
	}
	if cfg.AppToken == "" {
		return fmt.Errorf("SLACK_APP_TOKEN is required for Socket Mode")
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	log, err := logging.New(logging.Options{
		Level: cfg.LogLevel, Component: "listener", Dir: cfg.ComponentLogDir(),
	})
	if err != nil {
		return err
	}
	defer log.Sync()

	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	reg := registry.NewClient(cfg.RegistrySocketPath())
	l := listener.New(cfg, log, reg, chat.NewSlackClientWithAPI(api))

	sigCtx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		return l.Run(ctx, api)
	})
	g.Go(func() error {
		// Abandoned response files accumulate when hooks die mid-prompt.
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				respfile.SweepStale(cfg.PermissionResponseDir(), respfile.StaleAge)
				respfile.SweepStale(cfg.AskUserResponseDir(), respfile.StaleAge)
			}
		}
	})

	err = g.Wait()
	if sigCtx.Err() != nil {
		return nil
	}
	return err
}

// runHook never returns an error: a nonzero exit from a hook is a control
// signal to the agent, so failures are logged and swallowed.
func runHook(cmd *cobra.Command, args []string) error {
	flavor := args[0]

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "slackwire hook: %v\n", err)
		return nil
	}

	log, err := logging.New(logging.Options{
		Level: cfg.LogLevel, Component: "hook-" + flavor, Dir: cfg.ComponentLogDir(),
	})
	if err != nil {
		log = logging.Nop()
	}
	defer log.Sync()

	in, err := hooks.ReadInput(os.Stdin)
	if err != nil {
		log.Warn("bad hook input", zap.Error(err))
		return nil
	}
	if cfg.BotToken == "" {
		log.Debug("SLACK_BOT_TOKEN not set, hook is a no-op")
		return nil
	}

	env := &hooks.Env{
		Cfg:  cfg,
		Log:  log,
		Reg:  registry.NewClient(cfg.RegistrySocketPath()),
		Chat: chat.NewSlackClient(cfg.BotToken),
	}

	ctx := context.Background()
	switch flavor {
	case "permission":
		err = hooks.RunPermission(ctx, env, in, os.Stdout)
	case "askuser":
		err = hooks.RunAskUser(ctx, env, in, os.Stdout)
	case "tasklist":
		err = hooks.RunTaskList(ctx, env, in)
	case "notify":
		err = hooks.RunNotify(ctx, env, in)
	case "stop":
		err = hooks.RunStop(ctx, env, in)
	default:
		log.Warn("unknown hook flavor", zap.String("flavor", flavor))
	}
	if err != nil {
		log.Warn("hook failed", zap.String("flavor", flavor), zap.Error(err))
	}
	return nil
}

func runSessions(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	reg := registry.NewClient(cfg.RegistrySocketPath())
	if !reg.Available() {
		return fmt.Errorf("registry not running at %s", cfg.RegistrySocketPath())
	}

	sessions, err := reg.List("")
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions registered")
		return nil
	}

	fmt.Printf("%-38s %-8s %-20s %s\n", "SESSION", "STATUS", "PROJECT", "THREAD")
	for _, s := range sessions {
		thread := s.ThreadTS
		if s.CustomChannel {
			thread = "#" + s.Channel
		}
		fmt.Printf("%-38s %-8s %-20s %s\n", s.SessionID, s.Status, s.Project, thread)
	}
	return nil
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	reg := registry.NewClient(cfg.RegistrySocketPath())
	if !reg.Available() {
		return fmt.Errorf("registry not running at %s", cfg.RegistrySocketPath())
	}

	n, err := reg.Cleanup(24 * time.Hour)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	fmt.Printf("Removed %d old sessions\n", n)
	return nil
}
