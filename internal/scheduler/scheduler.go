package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"parley/internal/matcher"
	"parley/internal/observability"
	"parley/internal/repository"
	"parley/internal/roomstate"

	"github.com/robfig/cron/v3"
)

// Lease names and cadences. Matcher ticks are frequent with a tight lease so
// a stalled worker hands over within a single cadence; the hourly
// subscription check tolerates a looser one.
const (
	matchJobName        = "match-job"
	heartbeatJobName    = "heartbeat-job"
	subscriptionJobName = "subscription-check-job"

	defaultMatchSeconds = 3
	defaultSweepSeconds = 10

	subscriptionJobSpec = "0 0 * * * *"

	heartbeatJobTTL    = 28 * time.Second
	subscriptionJobTTL = 50 * time.Second
)

// Job is one leased recurring task. Run executes only on the worker that won
// the named lease for this tick, with a deadline matching the lease TTL.
type Job struct {
	Name string
	Spec string
	TTL  time.Duration
	Run  func(ctx context.Context) error
}

// Scheduler drives leased Jobs on a seconds-resolution cron. Every worker
// runs the same schedule; the lease decides who executes.
type Scheduler struct {
	cron   *cron.Cron
	leases *LeaseStore
	base   context.Context
}

// New returns a Scheduler whose job bodies derive from base. Panics inside a
// body are logged and suppressed so the next tick runs normally.
func New(base context.Context, leases *LeaseStore) *Scheduler {
	logger := cronLogger{}
	return &Scheduler{
		cron:   cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger))),
		leases: leases,
		base:   base,
	}
}

// Register adds a job to the schedule.
func (s *Scheduler) Register(job Job) error {
	_, err := s.cron.AddFunc(job.Spec, func() { s.runLeased(job) })
	return err
}

// Start begins dispatching ticks in the cron's own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts dispatch and returns a context that closes when in-flight jobs
// finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runLeased(job Job) {
	ctx, cancel := context.WithTimeout(s.base, job.TTL)
	defer cancel()

	lease, ok, err := s.leases.Acquire(ctx, job.Name, job.TTL)
	if err != nil {
		observability.SchedulerRuns.WithLabelValues(job.Name, "error").Inc()
		observability.GlobalLogger.ErrorContext(ctx, "lease acquire failed",
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	if !ok {
		observability.SchedulerRuns.WithLabelValues(job.Name, "skipped").Inc()
		return
	}
	defer func() {
		if rerr := lease.Release(ctx); rerr != nil {
			// Lost leases are routine handover, not failures.
			observability.GlobalLogger.DebugContext(ctx, "lease release",
				slog.String("job", job.Name),
				slog.String("detail", rerr.Error()),
			)
		}
	}()

	if err := job.Run(ctx); err != nil {
		observability.SchedulerRuns.WithLabelValues(job.Name, "error").Inc()
		observability.GlobalLogger.ErrorContext(ctx, "scheduled job failed",
			slog.String("job", job.Name),
			slog.String("error", err.Error()),
		)
		return
	}
	observability.SchedulerRuns.WithLabelValues(job.Name, "ran").Inc()
}

// MatcherJob runs a matching pass on the configured cadence, every three
// seconds by default. The lease TTL sits one second under the cadence so a
// stalled worker hands over before the next tick fires.
func MatcherJob(m *matcher.Matcher, intervalSeconds int) Job {
	n := normalizeSeconds(intervalSeconds, defaultMatchSeconds)
	ttl := time.Duration(n-1) * time.Second
	if ttl < time.Second {
		ttl = time.Second
	}
	return Job{
		Name: matchJobName,
		Spec: everySeconds(n),
		TTL:  ttl,
		Run: func(ctx context.Context) error {
			m.Tick(ctx)
			return nil
		},
	}
}

// PresenceSweepJob demotes silent room occupants and deletes dead rooms on
// the configured cadence, every ten seconds by default.
func PresenceSweepJob(states *roomstate.Machine, intervalSeconds int) Job {
	return Job{
		Name: heartbeatJobName,
		Spec: everySeconds(normalizeSeconds(intervalSeconds, defaultSweepSeconds)),
		TTL:  heartbeatJobTTL,
		Run: func(ctx context.Context) error {
			demoted, deleted, err := states.Sweep(ctx)
			if err != nil {
				return err
			}
			observability.RoomSweepTransitions.WithLabelValues("demoted").Add(float64(demoted))
			observability.RoomSweepTransitions.WithLabelValues("deleted").Add(float64(deleted))
			if demoted > 0 || deleted > 0 {
				observability.GlobalLogger.InfoContext(ctx, "room sweep",
					slog.Int("demoted", demoted),
					slog.Int("deleted", deleted),
				)
			}
			return nil
		},
	}
}

// SubscriptionExpiryJob clears lapsed pro subscriptions once an hour.
func SubscriptionExpiryJob(users repository.UserRepository) Job {
	return Job{
		Name: subscriptionJobName,
		Spec: subscriptionJobSpec,
		TTL:  subscriptionJobTTL,
		Run: func(ctx context.Context) error {
			expired, err := users.ExpireSubscriptions(ctx, time.Now())
			if err != nil {
				return err
			}
			if expired > 0 {
				observability.GlobalLogger.InfoContext(ctx, "subscriptions expired",
					slog.Int64("count", expired),
				)
			}
			return nil
		},
	}
}

// everySeconds builds a seconds-resolution step spec.
func everySeconds(n int) string {
	return fmt.Sprintf("*/%d * * * * *", n)
}

// normalizeSeconds falls back to the default outside cron's 1-59 step range.
func normalizeSeconds(n, fallback int) int {
	if n < 1 || n > 59 {
		return fallback
	}
	return n
}

// cronLogger adapts the structured logger to cron's logging interface; only
// panic recoveries reach it.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	observability.GlobalLogger.Info(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	args := append([]interface{}{slog.String("error", err.Error())}, keysAndValues...)
	observability.GlobalLogger.Error(msg, args...)
}
