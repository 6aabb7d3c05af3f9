package workflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/config"
	"bitbucket.org/mmdatafocus/receiving_backend/memstore"
	"bitbucket.org/mmdatafocus/receiving_backend/models"
)

type fakePublisher struct {
	fail error
	sent []config.QualityCheckEventMessage
}

func (p *fakePublisher) publish(ctx context.Context, msg config.QualityCheckEventMessage) (string, error) {
	if p.fail != nil {
		return "", p.fail
	}
	p.sent = append(p.sent, msg)
	return "msg-" + msg.EventType, nil
}

func seedEvent(t *testing.T, store *memstore.Store) {
	t.Helper()
	qc := models.QualityCheck{ID: "qc-1", PurchaseOrderId: "po-1"}
	ev := models.NewQualityCheckEvent(models.EventTypeQualityCheckCompleted, qc, map[string]string{"result": "pass"}, "cid-1", time.Now())
	if err := store.CreateOutboxEvent(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
}

func newTestDispatcher(store *memstore.Store, pub *fakePublisher) *OutboxDispatcher {
	d := NewOutboxDispatcher(store, quietLogger())
	d.Publish = pub.publish
	d.InitialBackoff = time.Millisecond
	return d
}

func TestDispatchOncePublishesPendingEvents(t *testing.T) {
	store := memstore.New()
	seedEvent(t, store)
	pub := &fakePublisher{}
	d := newTestDispatcher(store, pub)

	if n := d.DispatchOnce(context.Background()); n != 1 {
		t.Fatalf("expected 1 sent, got %d", n)
	}
	if len(pub.sent) != 1 || pub.sent[0].CorrelationId != "cid-1" || pub.sent[0].QualityCheckId != "qc-1" {
		t.Fatalf("unexpected message %+v", pub.sent)
	}
	rec := store.OutboxEvents()[0]
	if rec.PublishStatus != models.OutboxPublishStatusSent || rec.PubSubMessageId == nil {
		t.Fatalf("expected SENT with message id, got %+v", rec)
	}
	if n := d.DispatchOnce(context.Background()); n != 0 {
		t.Fatalf("sent event must not be published again, got %d", n)
	}
}

func TestDispatchOnceSchedulesRetryOnFailure(t *testing.T) {
	store := memstore.New()
	seedEvent(t, store)
	pub := &fakePublisher{fail: errors.New("pubsub unavailable")}
	d := newTestDispatcher(store, pub)

	if n := d.DispatchOnce(context.Background()); n != 0 {
		t.Fatalf("expected nothing sent, got %d", n)
	}
	rec := store.OutboxEvents()[0]
	if rec.PublishStatus != models.OutboxPublishStatusFailed || rec.NextAttemptAt == nil || rec.PublishAttempts != 1 {
		t.Fatalf("expected FAILED with retry scheduled, got %+v", rec)
	}

	pub.fail = nil
	time.Sleep(5 * time.Millisecond)
	if n := d.DispatchOnce(context.Background()); n != 1 {
		t.Fatalf("expected retry to send, got %d", n)
	}
}

func TestDispatchOnceMarksDeadAfterMaxAttempts(t *testing.T) {
	store := memstore.New()
	seedEvent(t, store)
	pub := &fakePublisher{fail: errors.New("permission denied")}
	d := newTestDispatcher(store, pub)
	d.MaxAttempts = 2

	for i := 0; i < 3; i++ {
		d.DispatchOnce(context.Background())
		time.Sleep(3 * time.Millisecond)
	}
	rec := store.OutboxEvents()[0]
	if rec.PublishStatus != models.OutboxPublishStatusDead {
		t.Fatalf("expected DEAD, got %s after %d attempts", rec.PublishStatus, rec.PublishAttempts)
	}

	n, err := store.RequeueOutboxEvents(context.Background(), "qc-1")
	if err != nil || n != 1 {
		t.Fatalf("requeue: %d %v", n, err)
	}
	pub.fail = nil
	if sent := d.DispatchOnce(context.Background()); sent != 1 {
		t.Fatalf("requeued event not sent, got %d", sent)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	d := &OutboxDispatcher{InitialBackoff: time.Second}
	if got := d.backoff(1); got != time.Second {
		t.Fatalf("attempt 1: %s", got)
	}
	if got := d.backoff(3); got != 4*time.Second {
		t.Fatalf("attempt 3: %s", got)
	}
	if got := d.backoff(40); got != 10*time.Minute {
		t.Fatalf("attempt 40: %s", got)
	}
}
