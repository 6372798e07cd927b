// Package main provides the CLI entrypoint for dorasync.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/config"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/logger"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/reconcile"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/report"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/scheduler"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/store"
	"github.com/tesis-bachiller-edson-chavez/dorasync/internal/sync"
)

var (
	configPath string
	logLevel   string

	repoService  string
	repoWorkflow string
	showLimit    int
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dorasync",
	Short: "Sync DORA metrics source data from GitHub and Datadog",
	Long: `dorasync incrementally copies commits, pull requests, deployment workflow
runs, incidents and organization members from GitHub and Datadog into a
relational store, keeping a per-source cursor so each run only fetches
what changed since the last successful one.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run every job on its configured schedule until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var runCmd = &cobra.Command{
	Use:   "run <job>",
	Short: "Run one job once",
	Long: `Run one sync job once and print its report.

Jobs: ` + strings.Join(sync.Jobs(), ", "),
	Args:      cobra.ExactArgs(1),
	ValidArgs: sync.Jobs(),
	RunE:      runJob,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Manually trigger admin syncs",
}

var syncDeploymentsCmd = &cobra.Command{
	Use:   "deployments",
	Short: "Sync deployment workflow runs now",
	Args:  cobra.NoArgs,
	RunE:  runSyncDeployments,
}

var syncRepositoriesCmd = &cobra.Command{
	Use:   "repositories",
	Short: "Register repositories visible to the GitHub token",
	Args:  cobra.NoArgs,
	RunE:  runSyncRepositories,
}

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage repository configs",
}

var repoListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured repositories",
	Args:  cobra.NoArgs,
	RunE:  runRepoList,
}

var repoSetCmd = &cobra.Command{
	Use:   "set <repository-url>",
	Short: "Set the Datadog service or deployment workflow of a repository",
	Long: `Set the admin-owned fields of a repository config.

Only the flags given are changed. An empty value clears the field.`,
	Args: cobra.ExactArgs(1),
	RunE: runRepoSet,
}

var repoShowCmd = &cobra.Command{
	Use:   "show <repository-url>",
	Short: "Show the commits, pull requests and deployments stored for a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepoShow,
}

var incidentCmd = &cobra.Command{
	Use:   "incident",
	Short: "Inspect stored incidents",
}

var incidentShowCmd = &cobra.Command{
	Use:   "show <incident-id>",
	Short: "Show one stored incident",
	Args:  cobra.ExactArgs(1),
	RunE:  runIncidentShow,
}

var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Query organization membership",
}

var memberCheckCmd = &cobra.Command{
	Use:   "check <username>",
	Short: "Check whether a user belongs to the configured organization",
	Args:  cobra.ExactArgs(1),
	RunE:  runMemberCheck,
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back database migrations",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"up", "down"},
	RunE:      runMigrate,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last successful run of every job key and the schedule",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $DORASYNC_CONFIG or ./dorasync.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")

	repoSetCmd.Flags().StringVar(&repoService, "service", "", "Datadog service name")
	repoSetCmd.Flags().StringVar(&repoWorkflow, "workflow", "", "deployment workflow file")
	repoShowCmd.Flags().IntVar(&showLimit, "limit", 10, "most recent records per section, 0 for all")

	syncCmd.AddCommand(syncDeploymentsCmd, syncRepositoriesCmd)
	repoCmd.AddCommand(repoListCmd, repoSetCmd, repoShowCmd)
	incidentCmd.AddCommand(incidentShowCmd)
	memberCmd.AddCommand(memberCheckCmd)
	rootCmd.AddCommand(serveCmd, runCmd, syncCmd, repoCmd, incidentCmd, memberCmd, migrateCmd, statusCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sched := newScheduler(a.cfg.Schedule, a.runJob)
	sched.Start(ctx)
	logger.Info("dorasync: serving, press Ctrl+C to stop")

	<-ctx.Done()
	logger.Info("dorasync: shutting down")
	sched.Stop()
	return nil
}

func runJob(cmd *cobra.Command, args []string) error {
	job, err := parseJob(args[0])
	if err != nil {
		return err
	}

	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.engine.Run(cmd.Context(), job)
	if err != nil && result.Job == "" {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), report.ToMarkdown(result))
	if err != nil {
		return err
	}
	return result.Err()
}

func runSyncDeployments(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.engine.TriggerDeploymentSync(cmd.Context())
	if result.Job != "" {
		fmt.Fprint(cmd.OutOrStdout(), report.ToMarkdown(result))
	}
	return err
}

func runSyncRepositories(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.engine.SyncRepositories(cmd.Context())
	if err != nil {
		return fmt.Errorf("repository sync failed: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), report.RepositoriesMarkdown(result))
	return nil
}

func runRepoList(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	repos, err := a.store.ListRepositoryConfigs(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "| repository | datadog service | deployment workflow |")
	fmt.Fprintln(out, "|---|---|---|")
	for _, rc := range repos {
		fmt.Fprintf(out, "| %s | %s | %s |\n", rc.URL, orDash(rc.DatadogServiceName), orDash(rc.DeploymentWorkflowFile))
	}
	return nil
}

func runRepoSet(cmd *cobra.Command, args []string) error {
	update, err := repositoryUpdate(cmd)
	if err != nil {
		return err
	}
	url := reconcile.CanonicalRepositoryURL(args[0])

	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.store.UpdateRepositoryConfig(cmd.Context(), url, update, a.now()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("repository %s is not configured; run 'dorasync sync repositories' first", url)
		}
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", url)
	return nil
}

func runRepoShow(cmd *cobra.Command, args []string) error {
	url := reconcile.CanonicalRepositoryURL(args[0])

	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	rc, err := a.store.GetRepositoryConfig(ctx, url)
	if err != nil {
		return err
	}
	if rc == nil {
		return fmt.Errorf("repository %s is not configured; run 'dorasync sync repositories' first", url)
	}

	commits, err := a.store.ListCommits(ctx, url)
	if err != nil {
		return err
	}
	prs, err := a.store.ListPullRequests(ctx, url)
	if err != nil {
		return err
	}
	deployments, err := a.store.ListDeployments(ctx, url)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), report.ActivityMarkdown(url, commits, prs, deployments, showLimit))
	return nil
}

func runIncidentShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	inc, err := a.store.GetIncident(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if inc == nil {
		return fmt.Errorf("incident %s has not been synced", args[0])
	}
	fmt.Fprint(cmd.OutOrStdout(), report.IncidentMarkdown(*inc))
	return nil
}

func runMemberCheck(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	org := a.cfg.GitHub.Organization
	if org == "" {
		return errors.New("github organization is not configured")
	}

	ok, err := a.github.IsUserMemberOfOrganization(cmd.Context(), args[0], org)
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintf(cmd.OutOrStdout(), "%s is a member of %s\n", args[0], org)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "%s is not a member of %s\n", args[0], org)
	}
	return nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	direction := "up"
	if len(args) == 1 {
		direction = args[0]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log, logLevel); err != nil {
		return err
	}
	defer logger.Close()

	switch direction {
	case "up":
		err = store.Migrate(cfg.Database.Driver, cfg.Database.DSN)
	case "down":
		err = store.MigrateDown(cfg.Database.Driver, cfg.Database.DSN)
	default:
		return fmt.Errorf("invalid migrate direction %q: must be up or down", direction)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "migrations %s applied\n", direction)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := newApp(configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	cursors, err := a.store.ListCursors(cmd.Context())
	if err != nil {
		return err
	}
	var schedule []string
	for _, t := range newScheduler(a.cfg.Schedule, a.runJob).Triggers() {
		schedule = append(schedule, t.String())
	}
	fmt.Fprint(cmd.OutOrStdout(), report.StatusMarkdown(cursors, schedule))
	return nil
}

// parseJob validates a job name given on the command line.
func parseJob(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, job := range sync.Jobs() {
		if job == name {
			return job, nil
		}
	}
	return "", fmt.Errorf("unknown job %q: must be one of %s", name, strings.Join(sync.Jobs(), ", "))
}

// repositoryUpdate builds an update from the flags that were set.
func repositoryUpdate(cmd *cobra.Command) (store.RepositoryUpdate, error) {
	var update store.RepositoryUpdate
	if cmd.Flags().Changed("service") {
		v := strings.TrimSpace(repoService)
		update.DatadogServiceName = &v
	}
	if cmd.Flags().Changed("workflow") {
		v := strings.TrimSpace(repoWorkflow)
		update.DeploymentWorkflowFile = &v
	}
	if update.DatadogServiceName == nil && update.DeploymentWorkflowFile == nil {
		return update, errors.New("nothing to update: pass --service and/or --workflow")
	}
	return update, nil
}

// jobTriggers maps each configured schedule to a trigger running its job.
func jobTriggers(cfg config.ScheduleConfig, run func(ctx context.Context, job string) error) []scheduler.Trigger {
	schedules := []struct {
		job string
		s   config.JobSchedule
	}{
		{sync.JobCommits, cfg.Commits},
		{sync.JobPullRequests, cfg.PullRequests},
		{sync.JobDeployments, cfg.Deployments},
		{sync.JobIncidents, cfg.Incidents},
		{sync.JobMembers, cfg.Members},
	}

	triggers := make([]scheduler.Trigger, 0, len(schedules))
	for _, sc := range schedules {
		job := sc.job
		triggers = append(triggers, scheduler.Trigger{
			Name:         job,
			Interval:     sc.s.Interval,
			InitialDelay: sc.s.InitialDelay,
			Run:          func(ctx context.Context) error { return run(ctx, job) },
		})
	}
	return triggers
}

// newScheduler registers one trigger per job. It is not started.
func newScheduler(cfg config.ScheduleConfig, run func(ctx context.Context, job string) error) *scheduler.Scheduler {
	sched := scheduler.New()
	for _, t := range jobTriggers(cfg, run) {
		sched.Add(t)
	}
	return sched
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
