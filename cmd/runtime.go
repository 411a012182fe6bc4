package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pterm/pterm"

	"github.com/Kanishq-routerarchitects/sqlagent/internal/agent"
	"github.com/Kanishq-routerarchitects/sqlagent/internal/analyze"
	"github.com/Kanishq-routerarchitects/sqlagent/internal/classify"
	"github.com/Kanishq-routerarchitects/sqlagent/internal/config"
	"github.com/Kanishq-routerarchitects/sqlagent/internal/dispatch"
	"github.com/Kanishq-routerarchitects/sqlagent/internal/events"
	"github.com/Kanishq-routerarchitects/sqlagent/internal/process"
	"github.com/Kanishq-routerarchitects/sqlagent/internal/protocol"
)

// Version is set at build time.
var Version = "dev"

// runtime bundles everything a client-side command needs.
type runtime struct {
	cfg      config.Config
	logger   *slog.Logger
	analyzer *analyze.Analyzer
	events   *events.Broadcaster
	session  *agent.Session
}

// newRuntime loads configuration and assembles the analyzer and optional
// event listener. The session is not started yet.
func newRuntime() (*runtime, error) {
	logger := setupLogging()

	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagServerPath != "" {
		cfg.ServerPath = flagServerPath
	}
	if flagEventsAddr != "" {
		cfg.EventsAddr = flagEventsAddr
	}

	var analyzerOpts []analyze.AnalyzerOption
	analyzerOpts = append(analyzerOpts, analyze.WithLogger(logger))
	if cfg.Azure.Enabled() {
		classifier, err := classify.NewAzure(cfg.Azure.Endpoint, cfg.Azure.APIKey, cfg.Azure.Deployment)
		if err != nil {
			// The lexical path covers for a misconfigured classifier.
			logger.Warn("external classifier unavailable", "err", err)
		} else {
			analyzerOpts = append(analyzerOpts, analyze.WithClassifier(classifier))
		}
	}

	rt := &runtime{
		cfg:      cfg,
		logger:   logger,
		analyzer: analyze.NewAnalyzer(analyzerOpts...),
	}
	if cfg.EventsAddr != "" {
		rt.events = events.New(cfg.EventsAddr, logger)
		rt.events.Start()
	}
	return rt, nil
}

// connect spawns the tool server child and drives the handshake. When no
// server path is configured the agent's own binary is spawned in serve
// mode, reading the same config artifact.
func (rt *runtime) connect(ctx context.Context) error {
	path := rt.cfg.ServerPath
	args := rt.cfg.ServerArgs
	artifact := filepath.Join(os.TempDir(), fmt.Sprintf("sqlagent-config-%d.json", os.Getpid()))

	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("no tool server configured and cannot locate own binary: %w", err)
		}
		path = exe
		args = []string{"serve", "--config-artifact", artifact}
	} else {
		args = append(args, "--config", artifact)
	}

	spec := process.Spec{
		Path:       path,
		Args:       args,
		Env:        rt.cfg.Connection.ChildEnv(),
		ConfigPath: artifact,
		Config:     rt.cfg.Connection.Artifact(),
		Logger:     rt.logger,
	}

	rt.session = agent.New(spec, protocol.Info{Name: "sqlagent", Version: Version},
		agent.WithLogger(rt.logger))

	spinner, _ := pterm.DefaultSpinner.Start("Starting tool server...")
	if err := rt.session.Connect(ctx); err != nil {
		spinner.Fail("Tool server failed to start")
		return err
	}
	spinner.Success(fmt.Sprintf("Connected to %s (%d tools)",
		rt.session.ServerInfo().Name, len(rt.session.Tools())))
	return nil
}

// close tears the runtime down; safe regardless of how far startup got.
func (rt *runtime) close() {
	if rt.session != nil {
		if err := rt.session.Close(); err != nil {
			rt.logger.Warn("session close", "err", err)
		}
	}
	if rt.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := rt.events.Close(ctx); err != nil {
			rt.logger.Warn("event listener close", "err", err)
		}
	}
}

// runQuery processes one natural-language query end to end: analyze,
// dispatch, call, render. Errors are rendered, not returned fatally; per
// query failures leave the session usable for the next one.
func (rt *runtime) runQuery(ctx context.Context, query string) {
	rt.events.Publish(events.Event{Type: events.TypeQueryReceived, Query: query})

	intent := rt.analyzer.Analyze(ctx, query)
	rt.logger.Debug("analyzed query",
		"verb", intent.Verb, "entities", intent.Entities, "conditions", fmt.Sprintf("%+v", intent.Conditions))

	inv, err := dispatch.Plan(intent, rt.session.Tools())
	if err != nil {
		rt.renderError(query, err)
		return
	}
	pterm.Debug.Printfln("dispatching %s via %s", inv.Capability, inv.Tool)
	rt.events.Publish(events.Event{Type: events.TypeToolInvoked, Query: query, Tool: inv.Tool})

	result, err := rt.session.CallTool(ctx, inv.Tool, inv.Arguments)
	if err != nil {
		rt.renderError(query, err)
		return
	}

	text := result.FirstText()
	if text == "" {
		text = "No results returned."
	}
	if result.IsError {
		rt.renderError(query, errors.New(text))
		return
	}

	rt.events.Publish(events.Event{Type: events.TypeQueryResult, Query: query, Tool: inv.Tool, Text: text})
	pterm.DefaultBox.WithTitle("Results").Println(text)
}

func (rt *runtime) renderError(query string, err error) {
	rt.events.Publish(events.Event{Type: events.TypeQueryError, Query: query, Error: err.Error()})

	var (
		timeoutErr *agent.TimeoutError
		remoteErr  *agent.RemoteError
		noToolErr  *dispatch.NoSuitableToolError
	)
	switch {
	case errors.As(err, &timeoutErr):
		pterm.Error.Printfln("The tool server did not answer in time (request %d). Try again.", timeoutErr.ID)
	case errors.As(err, &remoteErr):
		pterm.Error.Printfln("Server error %d: %s", remoteErr.Code, remoteErr.Message)
	case errors.As(err, &noToolErr):
		pterm.Error.Printfln("No discovered tool can %s; try 'tools' to see what the server offers.",
			noToolErr.Capability)
	default:
		pterm.Error.Printfln("Query failed: %v", err)
	}
}

// renderTools prints the discovered catalog.
func (rt *runtime) renderTools() {
	tools := rt.session.Tools()
	if len(tools) == 0 {
		pterm.Warning.Println("No tools discovered. The server may not expose a catalog.")
		return
	}
	rows := pterm.TableData{{"Tool", "Description"}}
	for _, t := range tools {
		rows = append(rows, []string{t.Name, t.Description})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
		rt.logger.Warn("failed to render tool table", "err", err)
	}
}
