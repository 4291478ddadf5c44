package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/justapithecus/lode/lode"

	"github.com/justapithecus/safe-run/archivestore"
	"github.com/justapithecus/safe-run/archivestore/fsstore"
	"github.com/justapithecus/safe-run/archivestore/s3store"
	"github.com/justapithecus/safe-run/canon"
	safeconfig "github.com/justapithecus/safe-run/cli/config"
	"github.com/justapithecus/safe-run/clock"
	"github.com/justapithecus/safe-run/compiler"
	"github.com/justapithecus/safe-run/evidence"
	"github.com/justapithecus/safe-run/lodeexport"
	"github.com/justapithecus/safe-run/log"
	"github.com/justapithecus/safe-run/metrics"
	"github.com/justapithecus/safe-run/mountexec"
	"github.com/justapithecus/safe-run/netlifecycle"
	"github.com/justapithecus/safe-run/notify"
	"github.com/justapithecus/safe-run/notify/redis"
	"github.com/justapithecus/safe-run/notify/webhook"
	"github.com/justapithecus/safe-run/runner"
	"github.com/justapithecus/safe-run/types"
)

// workdirBaseEnvVar is resolved at the CLI edge only; core packages
// never read environment variables directly.
const workdirBaseEnvVar = "SAFE_RUN_WORKDIR_BASE"

// RunResult is the run command's JSON output.
type RunResult struct {
	RunID  string           `json:"runId"`
	State  types.RunState   `json:"state"`
	Report *types.RunReport `json:"report"`
}

// RunCommand returns the run command: the sole execution entrypoint.
// validate -> compile -> prepare -> launch -> monitor -> cleanup ->
// report -> (optional) archive -> (optional) notify -> (optional)
// lodeexport mirror.
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Execute a policy end to end and produce a run report",
		Flags: []cli.Flag{
			policyFlag,
			mountAllowlistFlag,
			configFlag,
			&cli.StringFlag{Name: "run-id", Usage: "Run ID (defaults to the workdir's basename)"},
			&cli.StringFlag{Name: "parent-run-id", Usage: "Parent run ID (required for retries)"},
			&cli.IntFlag{Name: "attempt", Usage: "Attempt number, starting at 1", Value: 1},
			&cli.StringFlag{Name: "workdir", Usage: "Run workdir (defaults to $" + workdirBaseEnvVar + "/<uuid>)"},
			&cli.StringFlag{Name: "kernel", Usage: "Path to the guest kernel image"},
			&cli.StringFlag{Name: "rootfs", Usage: "Path to the guest rootfs image"},
			&cli.IntFlag{Name: "timeout-sec", Usage: "Run timeout in seconds", Value: 60},
			&cli.StringFlag{Name: "cgroup-path", Usage: "cgroup v2 path to sample during Monitor"},
			&cli.StringFlag{Name: "archive-root", Usage: "Archive root (fs backend) or bucket name (s3 backend)"},
			&cli.StringFlag{Name: "archive-backend", Usage: "Archive backend: fs or s3", Value: "fs"},
			&cli.StringFlag{Name: "archive-retention", Usage: "Archive retention label", Value: "90d"},
			&cli.StringFlag{Name: "notify-webhook", Usage: "Webhook URL for the best-effort run-completed notification"},
			&cli.StringFlag{Name: "notify-redis", Usage: "Redis URL for the best-effort run-completed notification"},
			&cli.StringFlag{Name: "lode-root", Usage: "Root directory for the secondary Hive-partitioned evidence mirror (omit to skip)"},
			&cli.StringFlag{Name: "lode-dataset", Usage: "Lode dataset name for the evidence mirror", Value: lodeexport.DefaultDataset},
			&cli.StringFlag{Name: "lode-source", Usage: "source partition key for the evidence mirror"},
			&cli.StringFlag{Name: "lode-category", Usage: "category partition key for the evidence mirror (defaults to the policy name)"},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadOptionalConfig(c.String("config"))
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	result, rerr := runValidate(c.String("policy"), firstNonEmpty(c.String("mount-allowlist"), cfg.MountAllowlist))
	if rerr != nil {
		return cli.Exit(rerr.Error(), exitFailure)
	}
	if !result.Valid {
		return jsonExit(result, exitFailure)
	}
	policy := result.NormalizedPolicy

	bundle, cerr := compiler.Compile(policy)
	if cerr != nil {
		return cli.Exit(cerr.Error(), exitFailure)
	}

	explicitWorkdir := c.String("workdir")
	if explicitWorkdir == "" && os.Getenv(workdirBaseEnvVar) == "" && cfg.WorkdirBase != "" {
		explicitWorkdir = filepath.Join(cfg.WorkdirBase, uuid.NewString())
	}
	workdir, err := resolveWorkdir(explicitWorkdir)
	if err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	meta := types.RunMeta{RunID: c.String("run-id"), Attempt: c.Int("attempt")}
	if p := c.String("parent-run-id"); p != "" {
		meta.ParentRunID = &p
	}
	if meta.RunID == "" {
		// RunMeta.Validate requires a non-empty RunID; the runner itself
		// derives one from the workdir basename if unset, so seed it the
		// same way before validating here.
		meta.RunID = filepath.Base(workdir)
	}
	if err := meta.Validate(); err != nil {
		return cli.Exit(err.Error(), exitFailure)
	}

	policyHash, err := canon.Hash(policy)
	if err != nil {
		return cli.Exit(fmt.Sprintf("hash policy: %s", err), exitFailure)
	}
	commandHash, err := canon.Hash(policy.Runtime)
	if err != nil {
		return cli.Exit(fmt.Sprintf("hash command: %s", err), exitFailure)
	}

	sysClock := clock.System{}
	collector := metrics.NewCollector(c.String("archive-backend"), meta.RunID)
	rt := runner.NewRunner(runner.Deps{
		Launcher:        runner.OSLauncher{},
		Resolver:        runner.OSResolver{},
		MountApplier:    mountexec.OSApplier{},
		MountRollbacker: mountexec.OSRollbacker{},
		Network:         netlifecycle.New(netlifecycle.OSShell{}),
		Clock:           sysClock,
		FS:              runner.OSFileSystem{},
		Cgroup:          runner.OSCgroupReader{},
		Metrics:         collector,
	})

	rtctx := types.RuntimeContext{
		Workdir:    workdir,
		TimeoutSec: c.Int("timeout-sec"),
		CgroupPath: c.String("cgroup-path"),
	}

	startedAt := sysClock.Now()
	if perr := rt.Prepare(c.Context, meta, bundle, policyHash, commandHash, rtctx, c.String("kernel"), c.String("rootfs")); perr != nil {
		return cli.Exit(perr.Error(), exitFailure)
	}

	var runErrMsg string
	exitCode := 1

	if lerr := rt.Launch(c.Context); lerr != nil {
		runErrMsg = lerr.Error()
	} else if monitorResult, merr := rt.Monitor(c.Context); merr != nil {
		// Monitor already ran failure cleanup (including on timeout); do
		// not call Cleanup again.
		runErrMsg = merr.Error()
	} else {
		exitCode = monitorResult.ExitCode
		if cerr := rt.Cleanup(c.Context); cerr != nil {
			runErrMsg = cerr.Error()
		}
	}

	report, err := buildReport(
		rt.RunID(), meta, policy, bundle, rt.ArtifactHashes(),
		startedAt, sysClock.Now(), exitCode,
		rt.Events(), rt.MountAudit(), rt.ResourceSamples(),
	)
	if err != nil {
		return cli.Exit(fmt.Sprintf("compute report integrity digest: %s", err), exitFailure)
	}

	report = archiveIfConfigured(c, cfg, report)
	notifyIfConfigured(c, cfg, meta.RunID, report, collector)
	mirrorIfConfigured(c, policy, meta.RunID, rt.Events())

	runResult := RunResult{RunID: rt.RunID(), State: rt.State(), Report: &report}
	if runErrMsg != "" {
		return jsonExitWithMessage(runResult, exitFailure, runErrMsg)
	}
	return jsonExit(runResult, exitSuccess)
}

// resolveWorkdir returns explicit if set, otherwise
// $SAFE_RUN_WORKDIR_BASE/<uuid>. Core packages never read env vars or
// call uuid.New themselves; this resolution happens once, here, at the
// CLI edge.
func resolveWorkdir(explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	base := os.Getenv(workdirBaseEnvVar)
	if base == "" {
		return "", fmt.Errorf("--workdir not set and %s is empty", workdirBaseEnvVar)
	}
	return filepath.Join(base, uuid.NewString()), nil
}

func loadOptionalConfig(path string) (*safeconfig.Config, error) {
	if path == "" {
		return &safeconfig.Config{}, nil
	}
	return safeconfig.Load(path)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// archiveIfConfigured archives report if an archive root was given
// (via flag or config default) and returns the possibly-stamped report.
// Archive failure is logged to stderr but never changes the run's exit
// code: archival is a post-run concern, not a run outcome.
func archiveIfConfigured(c *cli.Context, cfg *safeconfig.Config, report types.RunReport) types.RunReport {
	root := firstNonEmpty(c.String("archive-root"), cfg.Archive.Root)
	if root == "" {
		return report
	}
	// The backend and retention flags carry non-empty defaults, so a
	// config value applies only when the flag was not given explicitly.
	backend := c.String("archive-backend")
	if !c.IsSet("archive-backend") && cfg.Archive.Backend != "" {
		backend = cfg.Archive.Backend
	}
	retention := c.String("archive-retention")
	if !c.IsSet("archive-retention") && cfg.Archive.Retention != "" {
		retention = cfg.Archive.Retention
	}

	var store archivestore.Store
	switch backend {
	case "s3":
		s3cfg := s3store.Config{
			Bucket:       root,
			Prefix:       firstNonEmpty(cfg.Archive.S3.Prefix, "safe-run"),
			Region:       cfg.Archive.S3.Region,
			Endpoint:     cfg.Archive.S3.Endpoint,
			UsePathStyle: cfg.Archive.S3.PathStyle,
		}
		s3, err := s3store.New(c.Context, s3cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "archive: s3 backend init failed: %s\n", err)
			return report
		}
		store = s3
	default:
		fs, err := fsstore.New(root)
		if err != nil {
			fmt.Fprintf(os.Stderr, "archive: fs backend init failed: %s\n", err)
			return report
		}
		store = fs
	}

	archived, aerr := archivestore.Archive(c.Context, store, report, retention, time.Now())
	if aerr != nil {
		fmt.Fprintf(os.Stderr, "archive: %s\n", aerr)
		return report
	}
	return archived
}

// notifyIfConfigured publishes a best-effort run-completed event if any
// sink is configured. Never affects run outcome. Publish outcomes are
// recorded on collector so a run's metrics snapshot reflects whether
// its completion notification actually landed.
func notifyIfConfigured(c *cli.Context, cfg *safeconfig.Config, runID string, report types.RunReport, collector *metrics.Collector) {
	webhookURL := firstNonEmpty(c.String("notify-webhook"), cfg.Notify.WebhookURL)
	redisURL := firstNonEmpty(c.String("notify-redis"), cfg.Notify.RedisURL)
	if webhookURL == "" && redisURL == "" {
		return
	}

	notifyCfg := &types.NotifyConfig{WebhookURL: webhookURL, RedisURL: redisURL}
	logger := log.NewLogger(&types.RunMeta{RunID: runID}).Sugar()
	notifier := notify.New(notifyCfg, logger, collector,
		func(url string) (notify.Sink, error) { return webhook.New(webhook.Config{URL: url}) },
		func(url string) (notify.Sink, error) { return redis.New(redis.Config{URL: url}) },
	)
	defer notifier.Close()

	bundleID := ""
	if report.Archive != nil {
		bundleID = report.Archive.BundleID
	}
	notifier.Publish(c.Context, &notify.RunCompletedEvent{
		RunID:      report.RunID,
		State:      string(stateFromReport(report)),
		ExitCode:   report.ExitCode,
		StartedAt:  report.StartedAt,
		FinishedAt: report.FinishedAt,
		BundleID:   bundleID,
	})
}

func stateFromReport(report types.RunReport) types.RunState {
	if report.ExitCode == 0 {
		return types.StateFinished
	}
	return types.StateFailed
}

// mirrorIfConfigured mirrors this run's evidence events into the
// secondary Hive-partitioned dataset if --lode-root was given. Strictly
// additive: a mirror failure is logged to stderr and never affects run
// outcome or archival.
func mirrorIfConfigured(c *cli.Context, policy *types.PolicySpec, runID string, events []evidence.Event) {
	root := c.String("lode-root")
	if root == "" {
		return
	}
	category := firstNonEmpty(c.String("lode-category"), policy.Metadata.Name)
	exporter, err := lodeexport.New(lodeexport.Config{
		Dataset:  c.String("lode-dataset"),
		Source:   c.String("lode-source"),
		Category: category,
	}, lode.NewFSFactory(root))
	if err != nil {
		fmt.Fprintf(os.Stderr, "lodeexport: init failed: %s\n", err)
		return
	}
	if err := exporter.ExportEvents(c.Context, runID, events); err != nil {
		fmt.Fprintf(os.Stderr, "lodeexport: %s\n", err)
	}
}

func jsonExitWithMessage(v any, code int, message string) error {
	if err := jsonExit(v, exitSuccess); err != nil {
		return err
	}
	return cli.Exit(message, code)
}
