package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/stagehand/internal/logging"
	"github.com/rendis/stagehand/internal/store"
	"github.com/rendis/stagehand/pkg/schema"
)

// DefaultSchedule sweeps every 30 seconds.
const DefaultSchedule = "@every 30s"

// Registrar is the interface the reaper uses to raise interrupts.
// Satisfied by *engine.InterruptManager (avoids import cycle).
type Registrar interface {
	Register(ctx context.Context, in *store.Interrupt) (*store.Interrupt, error)
}

// Reaper enforces instance timeouts. On every tick of its cron schedule it
// finds active instances whose ExpiryTs has passed and expires them through
// the interrupt path. The executor itself never polls.
type Reaper struct {
	store      store.Store
	interrupts Registrar
	schedule   cron.Schedule
	spec       string
	logger     *slog.Logger
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// Option configures a Reaper.
type Option func(*Reaper)

// WithClock overrides the time source used to decide expiry.
func WithClock(now func() time.Time) Option {
	return func(r *Reaper) { r.now = now }
}

// New creates a Reaper. spec is a standard five-field cron expression or a
// descriptor such as "@every 30s"; empty means DefaultSchedule.
func New(s store.Store, interrupts Registrar, spec string, logger *slog.Logger, opts ...Option) (*Reaper, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse reaper schedule %q: %v", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{
		store:      s,
		interrupts: interrupts,
		schedule:   schedule,
		spec:       spec,
		logger:     logger,
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

// Start launches the background sweep. A tick still running when the next
// one is due is not overlapped; the late tick is skipped.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return fmt.Errorf("reaper already started")
	}

	cl := cronLogger{r.logger}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	c.Schedule(r.schedule, cron.FuncJob(func() {
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.ErrorContext(ctx, "expiry sweep failed", "error", err)
		}
	}))
	c.Start()
	r.cron = c

	r.logger.InfoContext(ctx, "reaper started", "schedule", r.spec)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	r.logger.Info("reaper stopped")
}

// Sweep runs one expiry pass and returns how many interrupts it raised.
// Registration failures are logged and skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	now := r.now().UnixMilli()
	expired, err := r.store.ListInstances(ctx, store.InstanceFilter{
		Statuses:      schema.ActiveStatuses,
		ExpiredBefore: now,
	})
	if err != nil {
		return 0, fmt.Errorf("list expired instances: %w", err)
	}

	raised := 0
	for _, inst := range expired {
		ictx := logging.WithIDs(ctx, inst.ExecutionID, inst.ID, inst.DisplayName)
		action := timeoutAction(inst)
		in := &store.Interrupt{
			Type:        action,
			ExecutionID: inst.ExecutionID,
			InstanceID:  inst.ID,
			AccountID:   inst.AccountID,
		}
		// Properties of other actions (RETRY) become step params.
		if action == schema.InterruptMarkExpired {
			in.Properties = map[string]any{"reason": "timeout", "expiry_ts": inst.ExpiryTs}
		}
		if _, err := r.interrupts.Register(ictx, in); err != nil {
			r.logger.WarnContext(ictx, "expired instance not interrupted", "action", action, "error", err)
			continue
		}
		raised++
	}
	if raised > 0 {
		r.logger.InfoContext(ctx, "expired instances interrupted", "count", raised)
	}
	return raised, nil
}

// timeoutAction is MARK_EXPIRED unless the instance waits for a human and
// recorded what to do when nobody shows up.
func timeoutAction(inst *store.ExecutionInstance) schema.InterruptType {
	if inst.Status == schema.StatusWaiting && inst.WaitingForManualIntervention && inst.ActionOnTimeout != "" {
		return inst.ActionOnTimeout
	}
	return schema.InterruptMarkExpired
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
