package dispatcher

import (
	"context"
	"encoding/json"
	"log"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/relayforge/crm-sync/internal/metrics"
	natsjs "github.com/relayforge/crm-sync/internal/nats"
	"github.com/relayforge/crm-sync/internal/sync"
)

// Outcome classifies how a consumed job ended
type Outcome int

const (
	// Done acknowledges the job
	Done Outcome = iota
	// Drop terminates the job without retry (terminal validation failure)
	Drop
	// Retry requeues the job under the queue's backoff policy
	Retry
)

func (o Outcome) String() string {
	switch o {
	case Drop:
		return "dropped"
	case Retry:
		return "retried"
	default:
		return "done"
	}
}

// CredentialSource enumerates and loads integration credentials
type CredentialSource interface {
	ListActiveCredentials(ctx context.Context, source sync.Source) ([]*sync.Credential, error)
	GetCredential(ctx context.Context, userID string, source sync.Source) (*sync.Credential, error)
}

// ProviderFactory builds provider adapters for a credential
type ProviderFactory interface {
	Mail(ctx context.Context, cred *sync.Credential) (sync.MailProvider, error)
	Calendar(ctx context.Context, cred *sync.Credential) (sync.CalendarProvider, error)
}

// JobSource yields queue messages for one topic, nil when none arrived
// within wait
type JobSource interface {
	Next(wait time.Duration) (*nats.Msg, error)
}

// Dispatcher consumes sync jobs with bounded concurrency and a token-bucket
// rate limit, isolating per-user failures and enforcing one in-flight run
// per (userId, source).
type Dispatcher struct {
	Creds     CredentialSource
	Providers ProviderFactory
	Mail      *sync.MailEngine
	Calendar  *sync.CalendarEngine
	States    sync.StateStore

	Workers int
	limiter *rate.Limiter

	inflight      map[string]bool
	inflightMutex stdsync.Mutex

	draining atomic.Bool
	wg       stdsync.WaitGroup
}

// New creates a dispatcher with the given worker count and jobs-per-second limit
func New(creds CredentialSource, providers ProviderFactory, states sync.StateStore,
	mail *sync.MailEngine, calendar *sync.CalendarEngine, workers int, perSecond float64) *Dispatcher {
	if workers <= 0 {
		workers = 5
	}
	if perSecond <= 0 {
		perSecond = 10
	}
	return &Dispatcher{
		Creds:     creds,
		Providers: providers,
		States:    states,
		Mail:      mail,
		Calendar:  calendar,
		Workers:   workers,
		limiter:   rate.NewLimiter(rate.Limit(perSecond), workers),
		inflight:  make(map[string]bool),
	}
}

// Run consumes both topics until the context is cancelled, then drains:
// in-flight jobs run to completion (periodic fan-outs stop between users).
func (d *Dispatcher) Run(ctx context.Context, consumers map[sync.Source]JobSource) {
	order := []sync.Source{sync.SourceMail, sync.SourceCalendar}

	for i := 0; i < d.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				if ctx.Err() != nil {
					return
				}
				for _, src := range order {
					c, ok := consumers[src]
					if !ok {
						continue
					}
					msg, err := c.Next(time.Second)
					if err != nil {
						log.Printf("fetch %s job: %v", src.Topic(), err)
						continue
					}
					if msg == nil {
						continue
					}
					// One token per dispatched job, taken after the fetch
					// so idle polling is not throttled.
					if err := d.limiter.Wait(ctx); err != nil {
						_ = msg.Nak()
						return
					}
					// Detached context: shutdown drains the current
					// job instead of cancelling it mid-page.
					d.dispatch(context.WithoutCancel(ctx), src, msg)
				}
			}
		}()
	}

	<-ctx.Done()
	d.draining.Store(true)
	d.wg.Wait()
}

// dispatch runs one queue message and settles it per the outcome
func (d *Dispatcher) dispatch(ctx context.Context, source sync.Source, msg *nats.Msg) {
	switch d.Process(ctx, source, msg.Data) {
	case Drop:
		_ = msg.Term()
	case Retry:
		natsjs.RetryLater(msg)
	default:
		_ = msg.Ack()
	}
}

// Process executes one job payload and classifies the result
func (d *Dispatcher) Process(ctx context.Context, source sync.Source, payload []byte) Outcome {
	start := time.Now()
	outcome := d.process(ctx, source, payload)
	metrics.JobProcessed(source.Topic(), outcome.String(), time.Since(start))
	return outcome
}

func (d *Dispatcher) process(ctx context.Context, source sync.Source, payload []byte) Outcome {
	var job sync.Job
	if err := json.Unmarshal(payload, &job); err != nil {
		log.Printf("dropping malformed %s job: %v", source.Topic(), err)
		return Drop
	}

	if job.Type == sync.JobTypePeriodic {
		return d.fanOut(ctx, source)
	}

	if job.UserID == "" || job.TenantID == "" {
		log.Printf("dropping %s job with missing userId/tenantId", source.Topic())
		return Drop
	}

	return d.targeted(ctx, source, job.UserID, job.TenantID)
}

// fanOut enumerates active credentials and runs each user inline. A failure
// for one user is recorded against that user and never stops the loop; only
// enumeration failure fails the job. Users with a run already in flight
// (a targeted job, or a previous tick still going) are skipped, so one
// (userId, source) never has two concurrent runs.
func (d *Dispatcher) fanOut(ctx context.Context, source sync.Source) Outcome {
	creds, err := d.Creds.ListActiveCredentials(ctx, source)
	if err != nil {
		log.Printf("fan-out enumeration failed for %s: %v", source.Topic(), err)
		return Retry
	}

	log.Printf("periodic %s fan-out over %d users", source.Topic(), len(creds))
	for _, cred := range creds {
		if d.draining.Load() {
			log.Printf("draining, stopping %s fan-out early", source.Topic())
			break
		}
		key := inflightKey(source, cred.UserID)
		if !d.acquire(key) {
			log.Printf("skipping fan-out for user %s, a %s run is already in flight", cred.UserID, source.Topic())
			continue
		}
		err := d.runUser(ctx, source, cred)
		d.release(key)
		if err != nil {
			log.Printf("fan-out user %s failed: %v", cred.UserID, err)
		}
	}
	return Done
}

func (d *Dispatcher) targeted(ctx context.Context, source sync.Source, userID, tenantID string) Outcome {
	key := inflightKey(source, userID)
	if !d.acquire(key) {
		// A run for this (user, source) is already in flight; try again later.
		return Retry
	}
	defer d.release(key)

	cred, err := d.Creds.GetCredential(ctx, userID, source)
	if err != nil {
		return Retry
	}
	if cred == nil || !cred.IsActive {
		if err := sync.RecordFailure(ctx, d.States, userID, tenantID, source, "no active integration credential"); err != nil {
			return Retry
		}
		return Done
	}

	if err := d.runUser(ctx, source, cred); err != nil {
		log.Printf("targeted %s sync for user %s failed: %v", source.Topic(), userID, err)
		return Retry
	}
	return Done
}

// runUser builds the provider adapter and executes one engine run. Adapter
// construction failures are per-user domain errors (bad or revoked
// credentials) and land in that user's SyncState.
func (d *Dispatcher) runUser(ctx context.Context, source sync.Source, cred *sync.Credential) error {
	switch source {
	case sync.SourceCalendar:
		provider, err := d.Providers.Calendar(ctx, cred)
		if err != nil {
			return sync.RecordFailure(ctx, d.States, cred.UserID, cred.TenantID, source, err.Error())
		}
		return d.Calendar.Run(ctx, cred, provider)
	default:
		provider, err := d.Providers.Mail(ctx, cred)
		if err != nil {
			return sync.RecordFailure(ctx, d.States, cred.UserID, cred.TenantID, source, err.Error())
		}
		return d.Mail.Run(ctx, cred, provider)
	}
}

func inflightKey(source sync.Source, userID string) string {
	return string(source) + ":" + userID
}

func (d *Dispatcher) acquire(key string) bool {
	d.inflightMutex.Lock()
	defer d.inflightMutex.Unlock()
	if d.inflight[key] {
		return false
	}
	d.inflight[key] = true
	return true
}

func (d *Dispatcher) release(key string) {
	d.inflightMutex.Lock()
	defer d.inflightMutex.Unlock()
	delete(d.inflight, key)
}

// InFlight reports whether a run for (userId, source) is currently executing
func (d *Dispatcher) InFlight(userID string, source sync.Source) bool {
	d.inflightMutex.Lock()
	defer d.inflightMutex.Unlock()
	return d.inflight[inflightKey(source, userID)]
}
