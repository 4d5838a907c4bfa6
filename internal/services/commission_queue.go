package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/ruralpay/walletcore/internal/audit"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// CommissionQueueKey is the Redis list holding pending commission jobs
const CommissionQueueKey = "commission_queue"

const localQueueSize = 1024

type CommissionJobType string

const (
	JobDistribute CommissionJobType = "distribute"
	JobClawback   CommissionJobType = "clawback"
)

type CommissionJob struct {
	Type            CommissionJobType `json:"type"`
	PaymentID       string            `json:"payment_id"`
	SourceAccountID string            `json:"source_account_id,omitempty"`
	Amount          decimal.Decimal   `json:"amount"`
	Currency        string            `json:"currency,omitempty"`
	EnqueuedAt      time.Time         `json:"enqueued_at"`
}

// CommissionEnqueuer schedules commission work after a settlement commits
type CommissionEnqueuer interface {
	Enqueue(ctx context.Context, job CommissionJob) error
}

// CommissionRunner executes commission jobs
type CommissionRunner interface {
	DistributeCommissions(ctx context.Context, paymentID, sourceAccountID string, amount decimal.Decimal, currency string) (int, error)
	ClawBackCommissions(ctx context.Context, paymentID string) (int, error)
}

// CommissionDispatcher is a fire-and-forget queue of commission jobs backed by a Redis list,
// or by an in-process channel when Redis is unavailable
type CommissionDispatcher struct {
	redis       *redis.Client
	local       chan CommissionJob
	runner      CommissionRunner
	audit       *audit.AuditLogger
	workers     int
	pollTimeout time.Duration
	now         func() time.Time
}

func NewCommissionDispatcher(redisClient *redis.Client, runner CommissionRunner, auditLogger *audit.AuditLogger, workers int) *CommissionDispatcher {
	if workers < 1 {
		workers = 1
	}
	return &CommissionDispatcher{
		redis:       redisClient,
		local:       make(chan CommissionJob, localQueueSize),
		runner:      runner,
		audit:       auditLogger,
		workers:     workers,
		pollTimeout: 5 * time.Second,
		now:         time.Now,
	}
}

func (d *CommissionDispatcher) Enqueue(ctx context.Context, job CommissionJob) error {
	job.EnqueuedAt = d.now()
	if d.redis != nil {
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		err = d.redis.RPush(ctx, CommissionQueueKey, string(data)).Err()
		if err == nil {
			return nil
		}
		log.Printf("[COMMISSION] Redis enqueue failed, using local queue: %v", err)
	}

	select {
	case d.local <- job:
		return nil
	default:
		return fmt.Errorf("commission queue full, dropping %s job for payment %s", job.Type, job.PaymentID)
	}
}

// Run processes jobs until ctx is cancelled
func (d *CommissionDispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.workers; i++ {
		worker := i
		g.Go(func() error {
			return d.work(ctx, worker)
		})
	}
	log.Printf("[COMMISSION] Dispatcher started with %d workers", d.workers)
	return g.Wait()
}

func (d *CommissionDispatcher) work(ctx context.Context, worker int) error {
	for {
		if d.redis == nil {
			select {
			case <-ctx.Done():
				return nil
			case job := <-d.local:
				d.Process(ctx, job)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case job := <-d.local:
			d.Process(ctx, job)
			continue
		default:
		}

		job, ok, err := d.pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("[COMMISSION] Worker %d failed to read queue: %v", worker, err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		if ok {
			d.Process(ctx, job)
		}
	}
}

func (d *CommissionDispatcher) pop(ctx context.Context) (CommissionJob, bool, error) {
	var job CommissionJob
	res, err := d.redis.BLPop(ctx, d.pollTimeout, CommissionQueueKey).Result()
	if err == redis.Nil {
		return job, false, nil
	}
	if err != nil {
		return job, false, err
	}
	if len(res) < 2 {
		return job, false, nil
	}
	if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
		log.Printf("[COMMISSION] Discarding malformed job %q: %v", res[1], err)
		return job, false, nil
	}
	return job, true, nil
}

// Process runs one job. Failures are audited and alerted, never retried here.
func (d *CommissionDispatcher) Process(ctx context.Context, job CommissionJob) error {
	var (
		count int
		err   error
	)
	switch job.Type {
	case JobDistribute:
		count, err = d.runner.DistributeCommissions(ctx, job.PaymentID, job.SourceAccountID, job.Amount, job.Currency)
	case JobClawback:
		count, err = d.runner.ClawBackCommissions(ctx, job.PaymentID)
	default:
		err = fmt.Errorf("unknown commission job type %q", job.Type)
	}

	if err == nil {
		log.Printf("[COMMISSION] %s for payment %s processed %d beneficiaries", job.Type, job.PaymentID, count)
		return nil
	}
	if errors.Is(err, ErrPaymentNotSettled) {
		log.Printf("[COMMISSION] Skipping %s for payment %s: %v", job.Type, job.PaymentID, err)
		return nil
	}

	d.audit.LogError("COMMISSION_"+string(job.Type), job.PaymentID, job.SourceAccountID, err)
	severity := audit.SeverityWarning
	if errors.Is(err, ErrIntegrity) {
		severity = audit.SeverityCritical
	}
	d.audit.Alert(ctx, severity, "commission", fmt.Sprintf("commission %s failed", job.Type),
		map[string]string{"payment_id": job.PaymentID, "processed": fmt.Sprint(count), "error": err.Error()})
	return err
}
