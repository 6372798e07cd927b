package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/config"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/gh"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/logger"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/model"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/sync"
)

func TestParseJob(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "commits", input: "commits", want: sync.JobCommits},
		{name: "pull requests", input: "pull_requests", want: sync.JobPullRequests},
		{name: "upper case", input: "DEPLOYMENTS", want: sync.JobDeployments},
		{name: "padded", input: " incidents ", want: sync.JobIncidents},
		{name: "members", input: "members", want: sync.JobMembers},
		{name: "repositories is an admin sync", input: "repositories", wantErr: true},
		{name: "unknown", input: "builds", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseJob(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseJob(%q) expected error, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseJob(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("parseJob(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseJob_ErrorMessageListsJobs(t *testing.T) {
	_, err := parseJob("builds")
	if err == nil {
		t.Fatal("expected error")
	}
	for _, job := range sync.Jobs() {
		if !strings.Contains(err.Error(), job) {
			t.Errorf("error %q should mention %q", err, job)
		}
	}
}

func newRepoSetFlags(t *testing.T, flags map[string]string) *cobra.Command {
	t.Helper()

	repoService, repoWorkflow = "", ""
	cmd := &cobra.Command{Use: "set"}
	cmd.Flags().StringVar(&repoService, "service", "", "")
	cmd.Flags().StringVar(&repoWorkflow, "workflow", "", "")
	for name, value := range flags {
		if err := cmd.Flags().Set(name, value); err != nil {
			t.Fatalf("failed to set --%s: %v", name, err)
		}
	}
	return cmd
}

func TestRepositoryUpdate(t *testing.T) {
	t.Run("no flags", func(t *testing.T) {
		if _, err := repositoryUpdate(newRepoSetFlags(t, nil)); err == nil {
			t.Error("expected error when no flag is set")
		}
	})

	t.Run("service only", func(t *testing.T) {
		update, err := repositoryUpdate(newRepoSetFlags(t, map[string]string{"service": " api-service "}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if update.DatadogServiceName == nil || *update.DatadogServiceName != "api-service" {
			t.Errorf("DatadogServiceName = %v, want api-service", update.DatadogServiceName)
		}
		if update.DeploymentWorkflowFile != nil {
			t.Error("workflow should be left unchanged")
		}
	})

	t.Run("clear workflow", func(t *testing.T) {
		update, err := repositoryUpdate(newRepoSetFlags(t, map[string]string{"workflow": ""}))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if update.DeploymentWorkflowFile == nil || *update.DeploymentWorkflowFile != "" {
			t.Errorf("DeploymentWorkflowFile = %v, want empty", update.DeploymentWorkflowFile)
		}
	})
}

func TestJobTriggers(t *testing.T) {
	cfg := config.ScheduleConfig{
		Commits:     config.JobSchedule{Interval: time.Hour, InitialDelay: 10 * time.Second},
		Deployments: config.JobSchedule{Interval: 30 * time.Minute},
	}

	var ran []string
	triggers := jobTriggers(cfg, func(ctx context.Context, job string) error {
		ran = append(ran, job)
		return nil
	})

	if len(triggers) != len(sync.Jobs()) {
		t.Fatalf("expected %d triggers, got %d", len(sync.Jobs()), len(triggers))
	}
	for i, job := range sync.Jobs() {
		if triggers[i].Name != job {
			t.Errorf("trigger %d = %q, want %q", i, triggers[i].Name, job)
		}
		if err := triggers[i].Run(context.Background()); err != nil {
			t.Errorf("trigger %s returned %v", job, err)
		}
	}
	if strings.Join(ran, ",") != strings.Join(sync.Jobs(), ",") {
		t.Errorf("triggers ran %v", ran)
	}

	if triggers[0].Interval != time.Hour || triggers[0].InitialDelay != 10*time.Second {
		t.Errorf("commits trigger = %v", triggers[0])
	}
	if triggers[1].Interval != 0 {
		t.Error("unset schedule should stay disabled")
	}
}

func TestSetupLogging(t *testing.T) {
	t.Cleanup(func() { logger.SetLevel(logger.LevelInfo) })

	if err := setupLogging(config.LogConfig{Level: "warn"}, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.GetLevel() != logger.LevelWarn {
		t.Errorf("level = %v, want WARN", logger.GetLevel())
	}

	if err := setupLogging(config.LogConfig{Level: "warn"}, "debug"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger.GetLevel() != logger.LevelDebug {
		t.Errorf("flag should override config, level = %v", logger.GetLevel())
	}

	if err := setupLogging(config.LogConfig{Level: "loud"}, ""); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestCommandArgs(t *testing.T) {
	tests := []struct {
		name    string
		cmd     *cobra.Command
		args    []string
		wantErr bool
	}{
		{name: "run requires a job", cmd: runCmd, args: []string{}, wantErr: true},
		{name: "run accepts one job", cmd: runCmd, args: []string{"commits"}},
		{name: "run rejects two jobs", cmd: runCmd, args: []string{"commits", "incidents"}, wantErr: true},
		{name: "repo set requires a url", cmd: repoSetCmd, args: []string{}, wantErr: true},
		{name: "member check requires a username", cmd: memberCheckCmd, args: []string{}, wantErr: true},
		{name: "repo show requires a url", cmd: repoShowCmd, args: []string{}, wantErr: true},
		{name: "incident show requires an id", cmd: incidentShowCmd, args: []string{}, wantErr: true},
		{name: "migrate accepts no direction", cmd: migrateCmd, args: []string{}},
		{name: "migrate rejects two directions", cmd: migrateCmd, args: []string{"up", "down"}, wantErr: true},
		{name: "serve takes no args", cmd: serveCmd, args: []string{"now"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Args(tt.cmd, tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("Args(%v) error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
		})
	}
}

func writeConfig(t *testing.T, githubURL string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "dorasync.yaml")
	content := `github:
  token: test-token
  base_url: ` + githubURL + `
  organization: acme
database:
  driver: sqlite
  dsn: ` + filepath.Join(dir, "dora.db") + `
log:
  level: error
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCLI_RepositoryWorkflow(t *testing.T) {
	t.Cleanup(func() { logger.SetLevel(logger.LevelInfo) })

	mock := gh.NewMockServer()
	defer mock.Close()
	mock.AddRepository(model.RepositoryRecord{ID: 1, URL: "https://github.com/acme/api", FullName: "acme/api"})
	mock.SetMembers("acme", []model.MemberRecord{{ID: 7, Login: "alice"}})
	mock.AddCommit("acme", "api", model.Commit{SHA: "c0ffee1234567", Author: "alice", Message: "Ship it", CommittedAt: time.Now().Add(-time.Hour)})

	cfgPath := writeConfig(t, mock.URL)

	out, err := execute(t, "--config", cfgPath, "sync", "repositories")
	if err != nil {
		t.Fatalf("sync repositories failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "1 new") {
		t.Errorf("unexpected sync output:\n%s", out)
	}

	out, err = execute(t, "--config", cfgPath, "repo", "set", "https://github.com/acme/api/", "--service", "api-service")
	if err != nil {
		t.Fatalf("repo set failed: %v\n%s", err, out)
	}

	out, err = execute(t, "--config", cfgPath, "repo", "list")
	if err != nil {
		t.Fatalf("repo list failed: %v", err)
	}
	if !strings.Contains(out, "| https://github.com/acme/api | api-service | - |") {
		t.Errorf("unexpected repo list:\n%s", out)
	}

	out, err = execute(t, "--config", cfgPath, "run", "commits")
	if err != nil {
		t.Fatalf("run commits failed: %v\n%s", err, out)
	}

	out, err = execute(t, "--config", cfgPath, "repo", "show", "https://github.com/acme/api", "--limit", "5")
	if err != nil {
		t.Fatalf("repo show failed: %v", err)
	}
	for _, want := range []string{"| c0ffee1 | alice |", "| Ship it |", "## Pull requests\n\nNone."} {
		if !strings.Contains(out, want) {
			t.Errorf("repo show missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "--config", cfgPath, "member", "check", "alice")
	if err != nil {
		t.Fatalf("member check failed: %v", err)
	}
	if !strings.Contains(out, "alice is a member of acme") {
		t.Errorf("unexpected member check output:\n%s", out)
	}

	out, err = execute(t, "--config", cfgPath, "status")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "| REPOSITORY |") {
		t.Errorf("status should list the repository cursor:\n%s", out)
	}
	if !strings.Contains(out, "| COMMIT_acme/api |") {
		t.Errorf("status should list the commit cursor:\n%s", out)
	}
	if !strings.Contains(out, "- commits every 1h0m0s (initial delay 10s)") {
		t.Errorf("status should list the default schedule:\n%s", out)
	}
}

func TestCLI_ShowUnknownRecords(t *testing.T) {
	t.Cleanup(func() { logger.SetLevel(logger.LevelInfo) })

	mock := gh.NewMockServer()
	defer mock.Close()
	cfgPath := writeConfig(t, mock.URL)

	_, err := execute(t, "--config", cfgPath, "repo", "show", "https://github.com/acme/missing")
	if err == nil || !strings.Contains(err.Error(), "is not configured") {
		t.Errorf("expected not configured error, got %v", err)
	}

	_, err = execute(t, "--config", cfgPath, "incident", "show", "inc-404")
	if err == nil || !strings.Contains(err.Error(), "has not been synced") {
		t.Errorf("expected not synced error, got %v", err)
	}
}

func TestCLI_RepoSetUnknownRepository(t *testing.T) {
	t.Cleanup(func() { logger.SetLevel(logger.LevelInfo) })

	mock := gh.NewMockServer()
	defer mock.Close()
	cfgPath := writeConfig(t, mock.URL)

	_, err := execute(t, "--config", cfgPath, "repo", "set", "https://github.com/acme/missing", "--workflow", "deploy.yml")
	if err == nil || !strings.Contains(err.Error(), "is not configured") {
		t.Errorf("expected not configured error, got %v", err)
	}
}
