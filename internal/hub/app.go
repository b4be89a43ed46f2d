package hub

import (
	"context"
	"time"

	"flowhub/internal/config"
	"flowhub/internal/eventbus"
	"flowhub/internal/queue"
	"flowhub/internal/runtime/supervisor"
	"flowhub/internal/storage"
	"flowhub/internal/trigger"
	"flowhub/pkg/logx"
)

// App wires the orchestrator daemon: config manager, logging, event bus,
// job queue, optional persistence, triggers and the control-channel server.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	bus   eventbus.Bus
	q     *queue.Queue
	srv   *Server
	trig  *trigger.Service
	store storage.Store
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfgm.SetValidator(config.Validate)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("component", "app"))
	cfgm.SetLogger(log.With(logx.String("component", "config")))

	dedupWindow, err := config.ParseDurationOrDefault("queue.dedup_window", cfg.Queue.DedupWindow, 5*time.Second)
	if err != nil {
		return nil, err
	}
	defaultTimeout, err := config.ParseDurationOrDefault("queue.default_job_timeout", cfg.Queue.DefaultJobTimeout, 30*time.Minute)
	if err != nil {
		return nil, err
	}

	opts, err := OptionsFromConfig(cfg.Hub)
	if err != nil {
		return nil, err
	}

	var store storage.Store
	if cfg.Storage != nil {
		busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
		if err != nil {
			return nil, err
		}
		store, err = storage.Open(storage.Config{
			Driver:      cfg.Storage.Driver,
			Path:        cfg.Storage.Path,
			BusyTimeout: busyTimeout,
		}, log.With(logx.String("component", "storage")))
		if err != nil {
			return nil, err
		}
	}

	bus := eventbus.New()
	q := queue.New(queue.Config{
		DedupWindow:       dedupWindow,
		DefaultJobTimeout: defaultTimeout,
	}, log.With(logx.String("component", "queue")), bus)

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logs,
		bus:   bus,
		q:     q,
		srv:   New(opts, q, log, bus),
		trig:  trigger.New(q, log.With(logx.String("component", "trigger"))),
		store: store,
	}, nil
}

// Queue exposes the job queue for embedding callers (and tests).
func (a *App) Queue() *queue.Queue { return a.q }

// Done is closed when the supervisor context ends, either from Stop or a
// fatal error in one of the loops.
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

	if err := a.trig.Start(a.cfgm.Get().Triggers); err != nil {
		return err
	}

	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second))
	a.sup.Go0("config.reload", a.reloadLoop)
	if a.store != nil {
		a.sup.Go0("storage.sink", a.storageSink)
	}
	a.sup.Go("hub.serve", a.srv.Run)
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.trig.Stop()
	var err error
	if a.sup != nil {
		err = a.sup.Stop(ctx)
	}
	if a.store != nil {
		a.store.Close()
	}
	a.logs.Close()
	return err
}

// reloadLoop applies hot-reloadable settings. Only logging is live today;
// listener and session policy changes need a restart.
func (a *App) reloadLoop(ctx context.Context) {
	ch := a.cfgm.Subscribe(1)
	defer a.cfgm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			a.logs.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: cfg.Logging.File.Enabled,
					Path:    cfg.Logging.File.Path,
				},
			})
			a.log.Info("configuration reloaded")
		}
	}
}

// storageSink replays job state changes into the persistence layer.
func (a *App) storageSink(ctx context.Context) {
	ch, unsub := a.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type != queue.EventJobState {
				continue
			}
			sc, ok := ev.Data.(queue.StateChange)
			if !ok {
				continue
			}
			err := a.store.AppendJobEvent(ctx, storage.JobEvent{
				At:         sc.At,
				JobID:      sc.JobID,
				WorkflowID: sc.WorkflowID,
				RobotID:    sc.RobotID,
				From:       string(sc.From),
				To:         string(sc.To),
				Message:    sc.Message,
			})
			if err != nil {
				a.log.Error("job event not persisted",
					logx.String("job_id", sc.JobID), logx.Err(err))
			}
		}
	}
}
