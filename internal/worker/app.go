package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"flowhub/internal/config"
	"flowhub/internal/runtime/supervisor"
	"flowhub/pkg/logx"
)

// App wires the robot daemon: config manager, logging, the hub client and
// one executor goroutine per assigned job.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	client *Client
	exec   Executor

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func NewApp(cfgPath string, exec Executor) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(config.Validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Robot == nil {
		return nil, errors.New("config: robot section required")
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("component", "robot"))
	cfgm.SetLogger(log.With(logx.String("component", "config")))

	heartbeat, err := config.ParseDurationField("robot.heartbeat_interval", cfg.Robot.HeartbeatInterval)
	if err != nil {
		return nil, err
	}
	reconnect, err := config.ParseDurationField("robot.reconnect_interval", cfg.Robot.ReconnectInterval)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		exec:    exec,
		cancels: map[string]context.CancelFunc{},
	}
	a.client = New(Config{
		RobotID:              cfg.Robot.ID,
		RobotName:            cfg.Robot.Name,
		Environment:          cfg.Robot.Environment,
		Tags:                 cfg.Robot.Tags,
		MaxConcurrentJobs:    cfg.Robot.MaxConcurrentJobs,
		HubAddr:              cfg.Robot.Hub,
		Token:                cfg.Robot.Token,
		HeartbeatInterval:    heartbeat,
		ReconnectInterval:    reconnect,
		MaxReconnectAttempts: cfg.Robot.MaxReconnectAttempts,
		LogRatePerSec:        cfg.Robot.LogRatePerSec,
	}, log, Callbacks{
		OnJobReceived:  a.onJobReceived,
		OnJobCancel:    a.onJobCancel,
		OnDisconnected: a.onDisconnected,
	})
	return a, nil
}

// Client exposes the hub connection, mainly for the reporting API.
func (a *App) Client() *Client { return a.client }

func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go("hub.connection", func(ctx context.Context) error {
		err := a.client.Run(ctx)
		// The session is over for good: hub-commanded shutdown or an
		// exhausted reconnect budget. The daemon has nothing left to do.
		a.sup.Cancel()
		return err
	})
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.client.Disconnect("shutting down")
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	a.logs.Close()
	return err
}

// onJobReceived starts one executor goroutine for the assignment. The
// per-job context lets a later JOB_CANCEL stop exactly this run.
func (a *App) onJobReceived(asg Assignment) {
	ctx, cancel := context.WithCancel(a.sup.Context())
	a.mu.Lock()
	a.cancels[asg.JobID] = cancel
	a.mu.Unlock()

	a.sup.Go0("job.run", func(context.Context) {
		a.runJob(ctx, asg)
	})
}

func (a *App) onJobCancel(jobID, reason string) {
	a.mu.Lock()
	cancel := a.cancels[jobID]
	delete(a.cancels, jobID)
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// onDisconnected leaves running jobs alone: if the hub requeued them a
// late report is rejected as stale, and if not the result still counts
// after the reconnect.
func (a *App) onDisconnected(reason string) {
	a.log.Warn("hub connection lost", logx.String("reason", reason))
}

func (a *App) runJob(ctx context.Context, asg Assignment) {
	defer func() {
		a.mu.Lock()
		if cancel := a.cancels[asg.JobID]; cancel != nil {
			delete(a.cancels, asg.JobID)
			cancel()
		}
		a.mu.Unlock()
	}()

	log := a.log.With(logx.String("job_id", asg.JobID),
		logx.String("workflow_id", asg.WorkflowID))
	log.Info("workflow started")

	result, err := a.exec.Execute(ctx, asg, func(pct int, node string) {
		if err := a.client.ReportProgress(asg.JobID, pct, node, ""); err != nil {
			log.Debug("progress report not delivered", logx.Err(err))
		}
	})

	if ctx.Err() != nil {
		// Cancelled: the client already confirmed with JOB_CANCELLED and
		// dropped the assignment, nothing left to report.
		log.Info("workflow cancelled")
		return
	}
	if err != nil {
		log.Warn("workflow failed", logx.Err(err))
		if rerr := a.client.ReportJobFailed(asg.JobID, err.Error(), "execution_error", "", ""); rerr != nil {
			log.Warn("failure report not delivered", logx.Err(rerr))
		}
		return
	}
	log.Info("workflow completed")
	if rerr := a.client.ReportJobComplete(asg.JobID, result); rerr != nil {
		log.Warn("completion report not delivered", logx.Err(rerr))
	}
}
