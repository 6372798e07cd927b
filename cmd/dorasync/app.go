package main

import (
	"context"
	"fmt"
	"time"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/config"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/datadog"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/gh"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/logger"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/store"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/sync"
)

// app holds the wired dependencies shared by the commands.
type app struct {
	cfg    *config.Config
	store  *store.Store
	github *gh.Client
	engine *sync.Engine
}

// newApp loads configuration, opens the store and wires the collectors into
// a sync engine.
func newApp(path string) (*app, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := setupLogging(cfg.Log, logLevel); err != nil {
		return nil, err
	}

	token := cfg.GitHub.Token
	if token == "" {
		token, err = gh.GetToken()
		if err != nil {
			logger.Close()
			return nil, fmt.Errorf("failed to get GitHub token: %w\nSet GITHUB_TOKEN or run 'gh auth login'", err)
		}
	}
	github := gh.NewWithBaseURL(token, cfg.GitHub.BaseURL)

	st, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	logger.Debug("dorasync: store opened (%s)", st.Driver())

	sources := sync.Sources{
		Commits:      github,
		PullRequests: github,
		WorkflowRuns: github,
		Repositories: github,
		Members:      github,
	}
	if cfg.Datadog.APIKey != "" && cfg.Datadog.AppKey != "" {
		sources.Incidents = datadog.New(cfg.Datadog.APIKey, cfg.Datadog.AppKey, cfg.DatadogBaseURL())
	} else {
		logger.Info("dorasync: Datadog keys not set, incident sync disabled")
	}

	engine := sync.NewEngine(st, sources, sync.Options{
		ActivityLookback:       cfg.Sync.CommitLookback,
		IncidentLookback:       cfg.Sync.IncidentLookback,
		Organization:           cfg.GitHub.Organization,
		DeploymentRepository:   cfg.GitHub.Deployment.Repository,
		DeploymentWorkflowFile: cfg.GitHub.Deployment.WorkflowFile,
	})

	return &app{cfg: cfg, store: st, github: github, engine: engine}, nil
}

// runJob runs a job and reports failed sources as an error.
func (a *app) runJob(ctx context.Context, job string) error {
	result, err := a.engine.Run(ctx, job)
	if err != nil {
		return err
	}
	return result.Err()
}

func (a *app) now() time.Time {
	return time.Now().UTC()
}

// Close releases the store and flushes logs.
func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		logger.Warn("dorasync: failed to close store: %v", err)
	}
	logger.Close()
}

// setupLogging applies the configured level, overridden by flag when set,
// and the optional log file.
func setupLogging(cfg config.LogConfig, override string) error {
	name := cfg.Level
	if override != "" {
		name = override
	}
	level, err := logger.ParseLevel(name)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	if cfg.File != "" {
		if err := logger.SetLogFile(cfg.File); err != nil {
			return err
		}
	}
	return nil
}
