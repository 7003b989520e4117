package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	stdsync "sync"
	"time"

	"github.com/relayforge/crm-sync/internal/sync"
)

// Publisher is the queue surface the scheduler needs
type Publisher interface {
	Publish(topic string, payload []byte, msgID string) error
	PublishPriority(topic string, payload []byte, msgID string) error
}

// Options tunes a targeted sync enqueue
type Options struct {
	IsInitialImport bool
	Priority        bool
}

// Scheduler decides when sync work happens: recurring per-source fan-out
// triggers plus on-demand targeted jobs. It only enqueues; all failures are
// returned to the caller.
type Scheduler struct {
	queue Publisher

	mu       stdsync.Mutex
	periodic map[sync.Source]time.Duration

	now func() time.Time
}

// New creates a scheduler publishing to the given queue
func New(queue Publisher) *Scheduler {
	return &Scheduler{
		queue:    queue,
		periodic: make(map[sync.Source]time.Duration),
		now:      time.Now,
	}
}

// SchedulePeriodic registers a recurring fan-out trigger for a source.
// Re-registration is idempotent: the latest interval wins and tick message
// IDs stay stable across restarts, so no duplicate recurring jobs exist.
func (s *Scheduler) SchedulePeriodic(source sync.Source, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid periodic interval %s for %s", interval, source)
	}
	s.mu.Lock()
	s.periodic[source] = interval
	s.mu.Unlock()
	return nil
}

// EnqueueUserSync publishes a targeted job for one user. The message ID is
// the stable {topic}:{userId} single-flight key; duplicate enqueues inside
// the queue's dedup window collapse into one job. Initial imports go to the
// priority subject.
func (s *Scheduler) EnqueueUserSync(ctx context.Context, userID, tenantID string, source sync.Source, opts Options) error {
	if userID == "" || tenantID == "" {
		return fmt.Errorf("enqueue user sync: userId and tenantId are required")
	}

	payload, err := json.Marshal(sync.Job{
		UserID:          userID,
		TenantID:        tenantID,
		IsInitialImport: opts.IsInitialImport,
	})
	if err != nil {
		return fmt.Errorf("marshal sync job: %w", err)
	}

	topic := source.Topic()
	msgID := fmt.Sprintf("%s:%s", topic, userID)
	if opts.IsInitialImport || opts.Priority {
		if err := s.queue.PublishPriority(topic, payload, msgID); err != nil {
			return fmt.Errorf("enqueue %s for user %s: %w", topic, userID, err)
		}
		return nil
	}
	if err := s.queue.Publish(topic, payload, msgID); err != nil {
		return fmt.Errorf("enqueue %s for user %s: %w", topic, userID, err)
	}
	return nil
}

// Run fires periodic triggers for the sources registered at call time until
// the context is cancelled. New sources must be registered before Run;
// interval changes for running sources take effect on their next tick.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	sources := make([]sync.Source, 0, len(s.periodic))
	for src := range s.periodic {
		sources = append(sources, src)
	}
	s.mu.Unlock()

	var wg stdsync.WaitGroup
	for _, src := range sources {
		wg.Add(1)
		go func(src sync.Source) {
			defer wg.Done()
			s.runPeriodic(ctx, src)
		}(src)
	}
	wg.Wait()
}

func (s *Scheduler) runPeriodic(ctx context.Context, source sync.Source) {
	interval := s.intervalFor(source)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.firePeriodic(source, interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A SchedulePeriodic call made while running lands here
			if cur := s.intervalFor(source); cur > 0 && cur != interval {
				interval = cur
				ticker.Reset(interval)
			}
			s.firePeriodic(source, interval)
		}
	}
}

func (s *Scheduler) intervalFor(source sync.Source) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.periodic[source]
}

// firePeriodic publishes one fan-out trigger. The message ID embeds the tick
// bucket, so concurrent scheduler instances publish one job per tick.
func (s *Scheduler) firePeriodic(source sync.Source, interval time.Duration) {
	payload, _ := json.Marshal(sync.Job{Type: sync.JobTypePeriodic})
	topic := source.Topic()
	bucket := s.now().Truncate(interval).Unix()
	msgID := fmt.Sprintf("periodic:%s:%d", topic, bucket)

	if err := s.queue.Publish(topic, payload, msgID); err != nil {
		log.Printf("periodic enqueue failed for %s: %v", topic, err)
	}
}
