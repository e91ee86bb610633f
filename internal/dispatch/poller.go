package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/broadbio/dataregistry/pkg/logger"
)

const defaultPollSpec = "@every 1m"

// Poller periodically reconciles every non-terminal job. It is the callback
// path for remote outcomes: submissions return immediately and the poller
// catches up with the cluster on its own schedule.
type Poller struct {
	dispatcher *Dispatcher
	cron       *cron.Cron
	spec       string
	log        *zap.Logger
	entryID    cron.EntryID
}

// PollerOption customises the Poller.
type PollerOption func(*Poller)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) PollerOption {
	return func(p *Poller) {
		if c != nil {
			p.cron = c
		}
	}
}

// WithSchedule overrides the cron schedule for reconciliation runs.
func WithSchedule(spec string) PollerOption {
	return func(p *Poller) {
		if spec != "" {
			p.spec = spec
		}
	}
}

// NewPoller constructs a Poller over the dispatcher.
func NewPoller(dispatcher *Dispatcher, opts ...PollerOption) (*Poller, error) {
	if dispatcher == nil {
		return nil, errors.New("dispatch: dispatcher is required")
	}

	p := &Poller{
		dispatcher: dispatcher,
		cron:       cron.New(),
		spec:       defaultPollSpec,
		log:        logger.WithModule("poller"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Start registers the reconciliation task and begins the schedule.
func (p *Poller) Start() error {
	id, err := p.cron.AddFunc(p.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := p.RunOnce(ctx); err != nil {
			p.log.Warn("reconciliation pass finished with errors", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("dispatch: schedule poller: %w", err)
	}
	p.entryID = id
	p.cron.Start()
	p.log.Info("poller started", zap.String("schedule", p.spec))
	return nil
}

// Stop halts the schedule and returns a context that completes when any
// in-progress pass has drained.
func (p *Poller) Stop() context.Context {
	return p.cron.Stop()
}

// RunOnce reconciles every non-terminal job a single time, collecting rather
// than aborting on per-job errors so one bad handle cannot stall the rest.
func (p *Poller) RunOnce(ctx context.Context) error {
	jobs, err := p.dispatcher.ListNonTerminal(ctx)
	if err != nil {
		return err
	}

	var errs error
	for i := range jobs {
		job := jobs[i]
		if _, err := p.dispatcher.Reconcile(ctx, &job); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("job %s: %w", job.ID, err))
		}
	}
	return errs
}
