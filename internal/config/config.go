// Package config loads dorasync configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// DefaultPath is used when neither --config nor DORASYNC_CONFIG is set.
const DefaultPath = "dorasync.yaml"

type Config struct {
	GitHub   GitHubConfig   `yaml:"github"`
	Datadog  DatadogConfig  `yaml:"datadog"`
	Database DatabaseConfig `yaml:"database"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Sync     SyncConfig     `yaml:"sync"`
	Log      LogConfig      `yaml:"log"`
}

type GitHubConfig struct {
	Token        string           `yaml:"token"        env:"GITHUB_TOKEN"`
	BaseURL      string           `yaml:"base_url"     env:"GITHUB_API_URL" env-default:"https://api.github.com"`
	Organization string           `yaml:"organization" env:"GITHUB_ORG"`
	Deployment   DeploymentConfig `yaml:"deployment"`
}

// DeploymentConfig names the fixed deployment target used when no repository
// has a deployment workflow configured.
type DeploymentConfig struct {
	Repository   string `yaml:"repository"    env:"DEPLOYMENT_REPOSITORY"`
	WorkflowFile string `yaml:"workflow_file" env:"DEPLOYMENT_WORKFLOW_FILE"`
}

type DatadogConfig struct {
	APIKey  string `yaml:"api_key"  env:"DD_API_KEY"`
	AppKey  string `yaml:"app_key"  env:"DD_APP_KEY"`
	Site    string `yaml:"site"     env:"DD_SITE" env-default:"datadoghq.com"`
	BaseURL string `yaml:"base_url" env:"DD_API_URL"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"DORASYNC_DB_DRIVER" env-default:"sqlite"`
	DSN    string `yaml:"dsn"    env:"DORASYNC_DB_DSN"    env-default:"dorasync.db"`
}

// JobSchedule configures one recurring trigger. A zero interval disables it.
type JobSchedule struct {
	Interval     time.Duration `yaml:"interval"      env:"INTERVAL"`
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
}

type ScheduleConfig struct {
	Commits      JobSchedule `yaml:"commits"       env-prefix:"DORASYNC_COMMITS_"`
	PullRequests JobSchedule `yaml:"pull_requests" env-prefix:"DORASYNC_PULL_REQUESTS_"`
	Deployments  JobSchedule `yaml:"deployments"   env-prefix:"DORASYNC_DEPLOYMENTS_"`
	Incidents    JobSchedule `yaml:"incidents"     env-prefix:"DORASYNC_INCIDENTS_"`
	Members      JobSchedule `yaml:"members"       env-prefix:"DORASYNC_MEMBERS_"`
}

type SyncConfig struct {
	CommitLookback   time.Duration `yaml:"commit_lookback"   env:"DORASYNC_COMMIT_LOOKBACK"   env-default:"8760h"`
	IncidentLookback time.Duration `yaml:"incident_lookback" env:"DORASYNC_INCIDENT_LOOKBACK" env-default:"720h"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"DORASYNC_LOG_LEVEL" env-default:"info"`
	File  string `yaml:"file"  env:"DORASYNC_LOG_FILE"`
}

// Default schedules stagger the initial delays so jobs do not all fire at start.
// They are set before the file and environment are read, so only a job whose
// section is absent keeps them.
var defaultSchedules = ScheduleConfig{
	Commits:      JobSchedule{Interval: time.Hour, InitialDelay: 10 * time.Second},
	PullRequests: JobSchedule{Interval: time.Hour, InitialDelay: 20 * time.Second},
	Deployments:  JobSchedule{Interval: 30 * time.Minute, InitialDelay: 30 * time.Second},
	Incidents:    JobSchedule{Interval: 15 * time.Minute, InitialDelay: 40 * time.Second},
	Members:      JobSchedule{Interval: 6 * time.Hour, InitialDelay: 50 * time.Second},
}

// Load reads the configuration file at path (if it exists) and overlays
// environment variables. An empty path falls back to DORASYNC_CONFIG and then
// DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("DORASYNC_CONFIG")
	}
	explicit := path != ""
	if path == "" {
		path = DefaultPath
	}

	cfg := Config{Schedule: defaultSchedules}
	_, statErr := os.Stat(path)
	switch {
	case statErr == nil:
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	case errors.Is(statErr, os.ErrNotExist) && !explicit:
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("failed to read config from environment: %w", err)
		}
	default:
		return nil, fmt.Errorf("cannot access config file %s: %w", path, statErr)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values cleanenv cannot.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "pgx":
	default:
		return fmt.Errorf("invalid database driver %q: must be sqlite or pgx", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}

	schedules := map[string]JobSchedule{
		"commits":       c.Schedule.Commits,
		"pull_requests": c.Schedule.PullRequests,
		"deployments":   c.Schedule.Deployments,
		"incidents":     c.Schedule.Incidents,
		"members":       c.Schedule.Members,
	}
	for name, s := range schedules {
		if s.Interval < 0 || s.InitialDelay < 0 {
			return fmt.Errorf("schedule %s: interval and initial_delay must not be negative", name)
		}
	}

	if c.Sync.CommitLookback <= 0 || c.Sync.IncidentLookback <= 0 {
		return errors.New("sync lookbacks must be positive")
	}

	if repo := c.GitHub.Deployment.Repository; repo != "" {
		parts := strings.SplitN(repo, "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return fmt.Errorf("invalid deployment repository %q: must be owner/repo", repo)
		}
		if c.GitHub.Deployment.WorkflowFile == "" {
			return errors.New("deployment workflow_file is required when deployment repository is set")
		}
	}
	return nil
}

// DatadogBaseURL returns the explicit base URL or the API host for the site.
func (c *Config) DatadogBaseURL() string {
	if c.Datadog.BaseURL != "" {
		return strings.TrimRight(c.Datadog.BaseURL, "/")
	}
	return "https://api." + c.Datadog.Site
}
