package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"helpdesk/cmd/internal/conversation"
)

const (
	// DefaultMaxWait is how long a conversation may wait for an agent before it is auto-closed.
	DefaultMaxWait = 24 * time.Hour
	// DefaultSchedule is the sweep schedule.
	DefaultSchedule = "@every 5m"
	// ExpiredNotes are the resolution notes recorded on auto-closed conversations.
	ExpiredNotes = "auto-closed: no agent available"
)

// Expirer closes a waiting conversation on behalf of the system, fanning out to attached sessions.
type Expirer interface {
	Expire(ctx context.Context, conversationID, notes string) error
}

// Reaper auto-closes conversations that stayed in the queue longer than maxWait.
type Reaper struct {
	coord   *Coordinator
	expirer Expirer
	maxWait time.Duration
	timeout time.Duration
	now     func() time.Time
	log     *slog.Logger

	cron *cron.Cron
}

// ReaperConfig configures a Reaper.
type ReaperConfig struct {
	MaxWait time.Duration
	// Timeout bounds one sweep (default 1m).
	Timeout time.Duration
	Now     func() time.Time
	Logger  *slog.Logger
}

// NewReaper constructs a Reaper.
func NewReaper(coord *Coordinator, expirer Expirer, cfg ReaperConfig) *Reaper {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Reaper{
		coord:   coord,
		expirer: expirer,
		maxWait: cfg.MaxWait,
		timeout: cfg.Timeout,
		now:     cfg.Now,
		log:     cfg.Logger.With("component", "queue.reaper"),
	}
}

// Start schedules Sweep with a cron spec (e.g. "@every 5m", "*/10 * * * *").
// Overlapping runs are skipped.
func (r *Reaper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, r.run); err != nil {
		return err
	}
	r.cron = c
	c.Start()
	r.log.Info("queue.reaper.started", "schedule", schedule, "max_wait", r.maxWait.String())
	return nil
}

// Stop stops the schedule and waits for a running sweep (bounded by ctx).
func (r *Reaper) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

func (r *Reaper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if _, err := r.Sweep(ctx); err != nil {
		r.log.Warn("queue.reaper.sweep.fail", "err", err)
	}
}

// Sweep closes every waiting conversation created before now-maxWait and returns how many it closed.
// Conversations claimed or closed concurrently are skipped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	waiting, err := r.coord.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := r.now().Add(-r.maxWait)
	closed := 0
	for _, c := range waiting {
		if c.CreatedAt.After(cutoff) {
			// Oldest first: nothing further down the list is older.
			break
		}
		err := r.expirer.Expire(ctx, c.ID, ExpiredNotes)
		switch {
		case err == nil:
			closed++
			r.log.Info("conversation.expired", "conversation_id", c.ID, "waited", r.now().Sub(c.CreatedAt).Round(time.Second).String())
		case errors.Is(err, conversation.ErrInvalidState), errors.Is(err, conversation.ErrAlreadyClaimed):
			// Claimed or closed since the listing.
		default:
			return closed, err
		}
	}
	if closed > 0 {
		r.coord.Notify()
	}
	return closed, nil
}
