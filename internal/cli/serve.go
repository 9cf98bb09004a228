package cli

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/poppobuilder/dispatchd/internal/alert"
	"github.com/poppobuilder/dispatchd/internal/config"
	"github.com/poppobuilder/dispatchd/internal/ctrlsock"
	"github.com/poppobuilder/dispatchd/internal/dispatch"
	"github.com/poppobuilder/dispatchd/internal/lockstore"
	"github.com/poppobuilder/dispatchd/internal/monitor"
	"github.com/poppobuilder/dispatchd/internal/obslog"
	"github.com/poppobuilder/dispatchd/internal/persistence"
	"github.com/poppobuilder/dispatchd/internal/queue"
	"github.com/poppobuilder/dispatchd/internal/retry"
	"github.com/poppobuilder/dispatchd/internal/workerpool"
	"github.com/poppobuilder/dispatchd/internal/workitem"
	"gopkg.in/yaml.v3"
)

var (
	serveConfigPath  string
	serveLogLevel    string
	servePIDFile     string
	serveAlertsPath  string
	serveMetricsAddr string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "/etc/poppobuilder/config.yml", "path to the daemon's YAML configuration")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", "info", "log level: trace, debug, info, warn, error")
	serveCmd.Flags().StringVar(&servePIDFile, "pid-file", "", "PID file path (defaults to <state_root>/poppobuilderd.pid)")
	serveCmd.Flags().StringVar(&serveAlertsPath, "alerts", "", "path to a YAML file listing webhook alert destinations")
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", "", "address to serve Prometheus metrics on, e.g. :9090 (disabled if empty)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the work-dispatch daemon",
	Long:  "Recovers state, watches the configured projects' queues, and dispatches eligible work items to worker processes until told to stop.\nRe-reads and validates the config file on SIGHUP; running components keep the settings they started with.",
	RunE:  runServe,
}

// runServe wires C1 (lockstore) through C7 (monitor) into one running
// Dispatcher and serves the operator control socket alongside it.
func runServe(cmd *cobra.Command, args []string) error {
	mgr, err := config.NewManager(serveConfigPath)
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	cfg := mgr.Current()

	log := obslog.NewConsole(serveLogLevel)
	log.Info().Str("config", serveConfigPath).Msg("poppobuilderd starting")

	if cfg.StateRoot == "" {
		cfg.StateRoot = filepath.Join(os.TempDir(), "poppobuilderd")
	}
	if err := os.MkdirAll(cfg.StateRoot, 0o750); err != nil {
		return fmt.Errorf("serve: create state root %s: %w", cfg.StateRoot, err)
	}

	pidFile := servePIDFile
	if pidFile == "" {
		pidFile = filepath.Join(cfg.StateRoot, "poppobuilderd.pid")
	}
	if err := acquirePIDLock(pidFile); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer os.Remove(pidFile)

	locks, err := lockstore.New(filepath.Join(cfg.StateRoot, "locks"), cfg.HostID)
	if err != nil {
		return fmt.Errorf("serve: open lock store: %w", err)
	}

	persist, err := persistence.Open(cfg.PersistenceConfig())
	if err != nil {
		return fmt.Errorf("serve: open persistence backend: %w", err)
	}

	retryCfg, defaultPolicy, perKind := cfg.RetryConfig()
	retryCtrl := retry.New(retryCfg)
	retryCtrl.SetPolicy(workitem.KindUnknown, defaultPolicy)
	for kind, n := range perKind {
		policy := defaultPolicy
		policy.MaxRetries = n
		retryCtrl.SetPolicy(kind, policy)
	}

	qcfg := cfg.QueueConfig()
	qcfg.Breakers = retryCtrl.Breakers
	qcfg.DeadLetters = retryCtrl.DeadLetters
	q := queue.New(qcfg)

	pool := workerpool.New(cfg.WorkerPoolConfig())

	var alerts *alert.Dispatcher
	if serveAlertsPath != "" {
		alerts, err = loadAlertDispatcher(serveAlertsPath)
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}

	var registerer prometheus.Registerer
	if serveMetricsAddr != "" {
		registry := prometheus.NewRegistry()
		registerer = registry
		metricsSrv := &http.Server{Addr: serveMetricsAddr, Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{})}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		defer metricsSrv.Close()
	}

	mon := monitor.New(cfg.MonitorConfigFor(), monitor.Sources{
		RunningWorkers:  pool.GlobalInUse,
		QueueDepth:      q.Size,
		LockFailureRate: func() float64 { return 0 },
		TaskErrorRate:   func() float64 { return 0 },
		ActiveRetries:   func() int { return len(retryCtrl.DeadLetters.List()) },
	}, registerer)

	disp, err := dispatch.New(dispatch.Config{
		Queue:            q,
		Locks:            locks,
		Pool:             pool,
		Retry:            retryCtrl,
		Persist:          persist,
		Monitor:          mon,
		HostID:           cfg.HostID,
		LockTTL:          cfg.LockTTL(),
		SnapshotInterval: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr.OnReload(func(next *config.Config) {
		log.Info().Msg("config reloaded")
	})
	mgr.OnError(func(err error) {
		log.Error().Err(err).Msg("config reload failed, keeping previous configuration")
	})
	go mgr.Watch(ctx)

	if alerts != nil {
		go forwardAlerts(ctx, mon, alerts)
	}
	go mon.Run(ctx)

	sockPath := socketPath
	server, err := ctrlsock.Listen(sockPath, newControlHandler(controlState{
		dispatcher: disp,
		queue:      q,
		pool:       pool,
		retry:      retryCtrl,
		cfg:        cfg,
		log:        log,
	}))
	if err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	defer os.Remove(sockPath)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("shutting down")
		cancel()
		_ = server.Close()
	}()

	go func() {
		if err := server.Serve(ctx); err != nil {
			log.Error().Err(err).Msg("control socket server stopped")
		}
	}()

	log.Info().Str("socket", sockPath).Int("pid", os.Getpid()).Msg("poppobuilderd ready")
	return disp.Run(ctx)
}

// acquirePIDLock writes the current PID to path, refusing to start if a
// live process already holds it and clearing a stale file left behind
// by a crashed prior daemon.
func acquirePIDLock(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("another daemon is running (PID %d)", pid)
				}
			}
		}
		_ = os.Remove(path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

func loadAlertDispatcher(path string) (*alert.Dispatcher, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alerts file %s: %w", path, err)
	}
	var configs []alert.Config
	if err := yaml.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("parse alerts file %s: %w", path, err)
	}
	return alert.NewDispatcher(configs), nil
}

// forwardAlerts relays monitor threshold breaches to the webhook
// dispatcher until ctx is canceled.
func forwardAlerts(ctx context.Context, mon *monitor.Monitor, dispatcher *alert.Dispatcher) {
	ch := mon.Subscribe()
	defer mon.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-ch:
			if !ok {
				return
			}
			dispatcher.Dispatch(alert.Event{
				Timestamp: a.At.Format(time.RFC3339),
				Kind:      string(a.Kind),
				Source:    "monitor",
				Metric:    string(a.Kind),
				Severity:  2,
				Value:     a.Value,
				Threshold: a.Threshold,
			})
		}
	}
}
