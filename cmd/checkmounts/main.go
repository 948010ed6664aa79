// checkmounts monitors the network shares declared in fstab, repairs stale
// or missing mounts through an unmount/remount cycle, and mails a summary
// of what it did. It is designed to run unattended from cron or as an
// in-process daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"k8s.io/klog/v2"

	"github.com/sweets9/checkmounts/pkg/circuitbreaker"
	"github.com/sweets9/checkmounts/pkg/config"
	"github.com/sweets9/checkmounts/pkg/fstab"
	"github.com/sweets9/checkmounts/pkg/logging"
	"github.com/sweets9/checkmounts/pkg/mount"
	"github.com/sweets9/checkmounts/pkg/notify"
	"github.com/sweets9/checkmounts/pkg/observability"
	"github.com/sweets9/checkmounts/pkg/repair"
	"github.com/sweets9/checkmounts/pkg/schedule"
)

// version is set at build time via -ldflags.
var version = "dev"

var (
	debugFlag   = flag.Bool("debug", false, "Capture full log output into the summary notification")
	installFlag = flag.Bool("install", false, "Install to root's crontab and exit")
	removeFlag  = flag.Bool("remove", false, "Remove from root's crontab and exit")
	daemonFlag  = flag.Bool("daemon", false, "Run continuously on the configured cron schedule")
	fstabFlag   = flag.String("fstab", "", "Override the mount table path (default from config)")
	envFileFlag = flag.String("env-file", config.DefaultEnvFile, "Path to the .env configuration file")
	versionFlag = flag.Bool("version", false, "Print version and exit")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if *versionFlag {
		fmt.Printf("checkmounts %s\n", version)
		os.Exit(0)
	}
	if *installFlag && *removeFlag {
		klog.Fatal("--install and --remove are mutually exclusive")
	}
	if *daemonFlag && (*installFlag || *removeFlag) {
		klog.Fatal("--daemon cannot be combined with crontab management flags")
	}

	capture := logging.Setup(*debugFlag)
	defer klog.Flush()

	cfg, err := config.Load(*envFileFlag)
	if err != nil {
		klog.Fatalf("Configuration error: %v", err)
	}
	if *fstabFlag != "" {
		cfg.FstabPath = *fstabFlag
	}
	if *debugFlag {
		cfg.NotifyDebugOutput = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *installFlag || *removeFlag {
		os.Exit(manageCrontab(ctx, cfg))
	}

	if os.Geteuid() != 0 {
		klog.Warning("Running without root; mount and umount operations may fail")
	}

	app := newApp(cfg, capture)

	if *daemonFlag {
		os.Exit(app.runDaemon(ctx))
	}
	os.Exit(app.runOnce(ctx))
}

func manageCrontab(ctx context.Context, cfg *config.Config) int {
	ct := schedule.NewCrontab()
	var err error
	if *installFlag {
		err = ct.Install(ctx, cfg.CronSchedule)
	} else {
		err = ct.Remove(ctx)
	}
	if err != nil {
		klog.Errorf("Crontab update failed: %v", err)
		return 1
	}
	return 0
}

// app bundles the long-lived pieces shared by one-shot and daemon modes.
// Per-run state (collector, report) is rebuilt for every check.
type app struct {
	cfg     *config.Config
	capture *logging.Capture
	ops     *mount.Ops
	metrics *observability.Metrics
}

func newApp(cfg *config.Config, capture *logging.Capture) *app {
	var breaker *circuitbreaker.HostCircuitBreaker
	if cfg.BreakerEnabled {
		breaker = circuitbreaker.NewHostCircuitBreaker()
	}

	metrics := observability.NewMetrics()
	ops := mount.NewOps(cfg.MountConfig(), breaker)
	ops.SetMetrics(metrics)

	return &app{
		cfg:     cfg,
		capture: capture,
		ops:     ops,
		metrics: metrics,
	}
}

func (a *app) runOnce(ctx context.Context) int {
	report := a.check(ctx)
	if report.OK() {
		return 0
	}
	return 1
}

func (a *app) runDaemon(ctx context.Context) int {
	dc := schedule.DaemonConfig{Schedule: a.cfg.CronSchedule}
	if a.cfg.WatchFstab {
		dc.WatchPath = a.cfg.FstabPath
	}

	d, err := schedule.NewDaemon(dc, func(ctx context.Context) {
		a.check(ctx)
	})
	if err != nil {
		klog.Errorf("Cannot start daemon: %v", err)
		return 1
	}

	_ = d.Run(ctx)
	return 0
}

// check performs one complete run: discovery, repair, digest, metrics push.
func (a *app) check(ctx context.Context) *repair.Report {
	collector := notify.NewCollector(a.cfg.SendNotifications, a.cfg.Gates())
	if a.cfg.SendNotifications {
		mailer, err := notify.NewMailer(a.cfg.SMTP())
		if err != nil {
			klog.Errorf("Mail disabled for this run: %v", err)
		} else {
			collector.SetMail(mailer)
		}
	}
	if a.cfg.SNMPTrapAddr != "" {
		traps, err := notify.NewTrapSender(notify.TrapConfig{
			Addr:      a.cfg.SNMPTrapAddr,
			Community: a.cfg.SNMPCommunity,
		})
		if err != nil {
			klog.Warningf("SNMP traps disabled for this run: %v", err)
		} else {
			collector.SetTraps(traps)
		}
	}

	orch := repair.New(a.ops, collector, a.metrics, a.cfg.SettleDelay)

	shares, err := fstab.Parse(a.cfg.FstabPath)
	if err != nil {
		klog.Errorf("Cannot read mount table: %v", err)
		collector.Add("Script error: mount table",
			fmt.Sprintf("Cannot read mount table %s: %v", a.cfg.FstabPath, err),
			notify.CategoryScriptErrors)
	}
	if len(shares) == 0 {
		klog.Warning("No network shares found in fstab")
	}

	report := orch.Run(ctx, shares)
	klog.V(2).Infof("Run %s finished in %.2fs: %s", report.RunID, report.Duration().Seconds(), report.Summary())

	a.metrics.RecordRunDuration(report.Duration())
	for range report.Errors {
		a.metrics.RecordRunError()
	}

	a.flush(report, collector)
	a.push(report)
	return report
}

// flush sends the digest. It gets its own context so a cancelled run still
// delivers whatever it collected before terminating.
func (a *app) flush(report *repair.Report, collector *notify.Collector) {
	flushCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	hostname, platform := notify.CollectHostInfo(flushCtx)

	if a.capture != nil {
		collector.Add("Debug output", a.capture.String(), notify.CategoryDebugOutput)
	}

	err := collector.Flush(flushCtx, notify.DigestInfo{
		RunID:    report.RunID,
		Hostname: hostname,
		Platform: platform,
		Started:  report.Started,
		Finished: report.Finished,
	})
	if err != nil {
		klog.Errorf("Notification delivery failed: %v", err)
	}
}

// push ships the run's metrics to the Pushgateway when one is configured.
func (a *app) push(report *repair.Report) {
	if a.cfg.PushgatewayURL == "" {
		return
	}
	pushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hostname, _ := os.Hostname()
	if err := a.metrics.Push(pushCtx, a.cfg.PushgatewayURL, hostname); err != nil {
		klog.Warningf("Metrics push failed: %v", err)
	}
}
