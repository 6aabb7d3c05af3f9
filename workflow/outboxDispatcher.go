package workflow

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/config"
	"bitbucket.org/mmdatafocus/receiving_backend/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// PublishFunc sends one event and returns the broker message id.
type PublishFunc func(ctx context.Context, msg config.QualityCheckEventMessage) (string, error)

type OutboxDispatcher struct {
	Store        models.OutboxRepository
	Publish      PublishFunc
	Logger       *logrus.Logger
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
}

func NewOutboxDispatcher(store models.OutboxRepository, logger *logrus.Logger) *OutboxDispatcher {
	return &OutboxDispatcher{
		Store:          store,
		Publish:        config.PublishQualityCheckEvent,
		Logger:         logger,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
	}
}

func (d *OutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and publishes it. Returns how many rows were sent.
func (d *OutboxDispatcher) DispatchOnce(ctx context.Context) int {
	if d.Store == nil || d.Publish == nil {
		return 0
	}
	now := time.Now().UTC()
	claimed, err := d.Store.ClaimOutboxEvents(ctx, models.OutboxClaim{
		DispatcherId: d.DispatcherID,
		BatchSize:    d.BatchSize,
		MaxAttempts:  d.MaxAttempts,
		Now:          now,
		StaleBefore:  now.Add(-d.LockTimeout),
	})
	if err != nil {
		config.LogError(d.Logger, "OutboxDispatcher", "DispatchOnce", "claiming outbox rows", nil, err)
		return 0
	}

	sent := 0
	for _, rec := range claimed {
		// Skip terminal rows that were marked DEAD in the claim.
		if rec.PublishStatus == models.OutboxPublishStatusDead {
			continue
		}
		pubID, pubErr := d.Publish(ctx, models.ConvertToEventMessage(rec))
		if pubErr != nil {
			d.markPublishFailed(ctx, rec, pubErr)
			continue
		}
		if err := d.Store.MarkOutboxSent(ctx, rec.ID, pubID); err != nil {
			config.LogError(d.Logger, "OutboxDispatcher", "DispatchOnce", "marking sent", rec.ID, err)
			continue
		}
		sent++
	}
	return sent
}

func (d *OutboxDispatcher) markPublishFailed(ctx context.Context, rec models.QualityCheckEventRecord, err error) {
	attempt := rec.PublishAttempts

	// Terminal after MaxAttempts (DLQ equivalent).
	if d.MaxAttempts > 0 && attempt >= d.MaxAttempts {
		if markErr := d.Store.MarkOutboxFailed(ctx, rec.ID, true, err.Error(), nil); markErr != nil {
			config.LogError(d.Logger, "OutboxDispatcher", "markPublishFailed", "marking dead", rec.ID, markErr)
		}
		if d.Logger != nil {
			d.Logger.WithFields(logrus.Fields{
				"field":            "OutboxDispatcher",
				"quality_check_id": rec.QualityCheckId,
				"record_id":        rec.ID,
				"attempt":          attempt,
			}).Error("outbox publish moved to DEAD after max attempts: " + fmt.Sprintf("%v", err))
		}
		return
	}

	next := time.Now().UTC().Add(d.backoff(attempt))
	if markErr := d.Store.MarkOutboxFailed(ctx, rec.ID, false, err.Error(), &next); markErr != nil {
		config.LogError(d.Logger, "OutboxDispatcher", "markPublishFailed", "scheduling retry", rec.ID, markErr)
	}
}

func (d *OutboxDispatcher) backoff(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > time.Minute*10 {
			return time.Minute * 10
		}
	}
	return backoff
}
