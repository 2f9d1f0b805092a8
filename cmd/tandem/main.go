// Command tandem is an interactive coding agent for the terminal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/m4xw311/tandem/agent"
	"github.com/m4xw311/tandem/agent/bridge"
	"github.com/m4xw311/tandem/agent/terminal"
	"github.com/m4xw311/tandem/approval"
	"github.com/m4xw311/tandem/config"
	"github.com/m4xw311/tandem/errors"
	"github.com/m4xw311/tandem/llm"
	"github.com/m4xw311/tandem/session"
	"github.com/m4xw311/tandem/subagent"
	"github.com/m4xw311/tandem/tools"
)

type options struct {
	model   string
	session string
	resume  string
	toolset string
	verbose bool
	trace   string
	addr    string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "tandem [prompt...]",
		Short: "Interactive coding agent",
		Long: `Tandem drives a conversation with a language model that can run commands,
read and write files and delegate work to sub-agents. Tool calls that are not
covered by an approval pattern are confirmed interactively.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTerminal(cmd.Context(), opts, strings.Join(args, " "))
		},
	}
	rootCmd.PersistentFlags().StringVarP(&opts.model, "model", "m", "", "Model to use (defaults to the configured model)")
	rootCmd.PersistentFlags().StringVarP(&opts.session, "session", "s", "", "Session name to create")
	rootCmd.PersistentFlags().StringVarP(&opts.resume, "resume", "r", "", "Resume a session by name")
	rootCmd.PersistentFlags().StringVarP(&opts.toolset, "toolset", "t", "", "Toolset to use (defaults to 'default')")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&opts.trace, "trace", "", "Write a wire-level trace log to this file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the agent over a websocket at /ws",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	serveCmd.Flags().StringVar(&opts.addr, "addr", ":8080", "Listen address")
	rootCmd.AddCommand(serveCmd)
	return rootCmd
}

// app is the wired agent with everything it needs to shut down cleanly.
type app struct {
	agent    *agent.Agent
	events   chan agent.Event
	session  *session.Session
	tools    *tools.Registry
	logger   *slog.Logger
	closeLog func()
}

func (a *app) Close() {
	if err := a.tools.Close(); err != nil {
		a.logger.Warn("failed to stop MCP servers", slog.Any("err", err))
	}
	a.closeLog()
}

func runTerminal(ctx context.Context, opts *options, initialPrompt string) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(ctx), os.Interrupt)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %+v\n", err)
		return err
	}
	a, err := newApp(ctx, opts, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing agent: %+v\n", err)
		return err
	}
	defer a.Close()

	historyFile := filepath.Join(filepath.Dir(cfg.SessionsDir), "history")
	rl, err := terminal.NewReadline(historyFile)
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Println("Tandem is ready. Type your prompt.")
	term := terminal.New(a.agent, a.events, rl, os.Stdout, opts.verbose)
	if err := term.Run(ctx, initialPrompt); err != nil {
		fmt.Fprintf(os.Stderr, "Agent stopped with an error: %+v\n", err)
		return err
	}
	return nil
}

func runServe(ctx context.Context, opts *options) error {
	ctx, stop := signal.NotifyContext(contextOrBackground(ctx), os.Interrupt)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, opts, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Printf("WebSocket server running on ws://localhost%s/ws\n", opts.addr)
	return bridge.New(a.agent, a.events, a.logger).ListenAndServe(ctx, opts.addr)
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// newApp wires configuration, session, tools and model into an agent.
func newApp(ctx context.Context, opts *options, cfg *config.Config) (*app, error) {
	logger, closeLog, err := newLogger(opts.verbose, opts.trace)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	sess, err := openSession(opts, cfg, logger)
	if err != nil {
		closeLog()
		return nil, err
	}

	wd, err := os.Getwd()
	if err != nil {
		closeLog()
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	registry := tools.NewRegistry(tools.Options{
		WorkDir:          wd,
		FilesystemAccess: cfg.FilesystemAccess,
		ExecTimeout:      cfg.ExecTimeout,
		Logger:           logger,
	})
	a := &app{session: sess, tools: registry, logger: logger, closeLog: closeLog, events: make(chan agent.Event)}
	fail := func(err error) (*app, error) {
		a.Close()
		return nil, err
	}

	manager := subagent.NewManager(cfg.Subagents.Roles, wd, logger)
	for _, t := range manager.Tools(func() []session.Message { return sess.Messages }) {
		registry.Register(t)
	}
	if err := registry.StartMCPServers(ctx, cfg.AdditionalMCPServers); err != nil {
		return fail(err)
	}

	ts, err := cfg.GetToolset(sess.Toolset)
	if err != nil {
		return fail(err)
	}
	active, err := registry.ActiveTools(*ts)
	if err != nil {
		return fail(err)
	}

	models, err := cfg.BuildRegistry(ctx, logger)
	if err != nil {
		return fail(err)
	}
	client, err := models.Client(sess.Model)
	if err != nil {
		return fail(err)
	}

	patterns, err := cfg.ApprovalPatterns()
	if err != nil {
		return fail(err)
	}

	if len(sess.Messages) == 0 {
		sess.AddMessage(session.NewSystemMessage(systemPrompt(wd, active)))
	}
	if err := sess.Save(); err != nil {
		return fail(errors.Wrapf(err, "error saving session '%s'", sess.Name))
	}

	a.agent, err = agent.New(agent.Options{
		Session:   sess,
		Client:    client,
		Tools:     active,
		Governor:  approval.NewGovernor(patterns, cfg.Approval.MaxAutoApprovals, logger),
		Subagents: manager,
		Events:    a.events,
		Logger:    logger,
	})
	if err != nil {
		return fail(err)
	}
	logger.Info("agent ready",
		slog.String("session", sess.Name),
		slog.String("model", sess.Model),
		slog.String("toolset", ts.Name),
		slog.Int("tools", len(active)))
	return a, nil
}

// openSession resumes or creates the session and applies the flags. Flags
// win over values stored in a resumed session.
func openSession(opts *options, cfg *config.Config, logger *slog.Logger) (*session.Session, error) {
	var sess *session.Session
	var err error
	if opts.resume != "" {
		sess, err = session.Load(cfg.SessionsDir, opts.resume)
		if err != nil {
			return nil, errors.Wrapf(err, "error resuming session '%s'", opts.resume)
		}
		logger.Info("resuming session", slog.String("session", opts.resume), slog.Int("messages", len(sess.Messages)))
	} else {
		name := opts.session
		if name == "" {
			name = defaultSessionName()
		}
		sess, err = session.New(cfg.SessionsDir, name)
		if err != nil {
			return nil, errors.Wrapf(err, "error creating session '%s'", name)
		}
		logger.Info("starting new session", slog.String("session", name))
	}

	if opts.model != "" {
		sess.Model = opts.model
	}
	if sess.Model == "" {
		sess.Model = cfg.Model
	}
	if opts.toolset != "" {
		sess.Toolset = opts.toolset
	}
	if sess.Toolset == "" {
		sess.Toolset = "default"
	}
	return sess, nil
}

// newLogger logs to stderr, or only to traceFile at trace level when one is
// given so that the conversation output stays readable.
func newLogger(verbose bool, traceFile string) (*slog.Logger, func(), error) {
	if traceFile != "" {
		f, err := os.OpenFile(traceFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "could not open trace file")
		}
		h := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: llm.LevelTrace})
		return slog.New(h), func() { f.Close() }, nil
	}
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})), func() {}, nil
}

func systemPrompt(workDir string, active []tools.Tool) string {
	names := make([]string, 0, len(active))
	for _, t := range active {
		names = append(names, t.Definition().Name)
	}
	return fmt.Sprintf(`You are Tandem, a software engineering agent working in %s.
Use the available tools (%s) to inspect and change the project.
Paths are relative to the working directory. Keep answers short and report what you changed.`,
		workDir, strings.Join(names, ", "))
}

func defaultSessionName() string {
	wd, err := os.Getwd()
	if err != nil {
		wd = "tandem"
	}
	dirName := filepath.Base(wd)
	timestamp := time.Now().Format("2006-01-02_15-04-05")
	return fmt.Sprintf("%s_%s", dirName, timestamp)
}
