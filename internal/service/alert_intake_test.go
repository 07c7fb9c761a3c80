package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"github.com/kursadbilgin/doctoral-alerts/internal/queue"
	"go.uber.org/zap"
)

func newTestIntake(t *testing.T, store *memStore, publisher *fakePublisher) *AlertIntake {
	t.Helper()
	intake, err := NewAlertIntake(store, publisher, &fakeConsumer{}, 2, 3, zap.NewNop())
	if err != nil {
		t.Fatalf("NewAlertIntake() error = %v", err)
	}
	var seq atomic.Int64
	intake.newID = func() string { return fmt.Sprintf("n-%d", seq.Add(1)) }
	return intake
}

func alertDelivery(t *testing.T, offset int64) queue.Delivery {
	t.Helper()
	e := enrollment(42, day(2023, 12, 16))
	decisions := domain.ClassifyEnrollment(e, evaluationDay, domain.DefaultThresholds())
	if len(decisions) != 1 {
		t.Fatalf("decisions = %d, want 1", len(decisions))
	}
	msg, err := queue.AlertMessage(decisions[0].Event(evaluationDay))
	if err != nil {
		t.Fatalf("AlertMessage() error = %v", err)
	}
	return queue.Delivery{
		Topic:         msg.Topic,
		Partition:     1,
		Offset:        offset,
		Key:           msg.Key,
		MessageID:     msg.MessageID,
		CorrelationID: msg.CorrelationID,
		Body:          msg.Body,
	}
}

func TestAlertIntakeHandleAlertCreatesOneNotificationPerRecipient(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	publisher := &fakePublisher{}
	intake := newTestIntake(t, store, publisher)

	if err := intake.HandleAlert(context.Background(), alertDelivery(t, 5)); err != nil {
		t.Fatalf("HandleAlert() error = %v", err)
	}

	notifications, total, _ := store.List(context.Background(), repositoryListAll)
	if total != 2 {
		t.Fatalf("notifications = %d, want doctorant and director", total)
	}
	for _, n := range notifications {
		if n.Status != domain.StatusPending || n.Channel != domain.ChannelEmail {
			t.Fatalf("notification = %s/%s, want PENDING EMAIL", n.Status, n.Channel)
		}
		if n.Type != domain.TypeDurationApproaching3Years || n.Priority != domain.PriorityNormale {
			t.Fatalf("notification = %s/%s, want approaching-3 NORMALE", n.Type, n.Priority)
		}
		if n.Source.Topic != queue.TopicAlerts || n.Source.Offset != 5 {
			t.Fatalf("source = %+v, want alerts offset 5", n.Source)
		}
		if n.CorrelationID != "enrollment-42" || n.MaxAttempts != 3 {
			t.Fatalf("notification = %+v", n)
		}

		var ev domain.AlertEvent
		if err := json.Unmarshal(n.Payload, &ev); err != nil || ev.EnrollmentID != 42 {
			t.Fatalf("payload = %s, want the alert event", n.Payload)
		}
	}

	if got := len(publisher.published()); got != 2 {
		t.Fatalf("published = %d, want 2", got)
	}
}

func TestAlertIntakeRedeliveryDoesNotDuplicate(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	publisher := &fakePublisher{}
	intake := newTestIntake(t, store, publisher)
	d := alertDelivery(t, 5)

	if err := intake.HandleAlert(context.Background(), d); err != nil {
		t.Fatalf("HandleAlert() error = %v", err)
	}
	if err := intake.HandleAlert(context.Background(), d); err != nil {
		t.Fatalf("redelivered HandleAlert() error = %v", err)
	}
	if _, total, _ := store.List(context.Background(), repositoryListAll); total != 2 {
		t.Fatalf("notifications = %d, want 2", total)
	}

	// Once delivered, a late redelivery no longer republishes.
	store.mu.Lock()
	for _, n := range store.notifications {
		n.Status = domain.StatusSent
	}
	store.mu.Unlock()

	before := len(publisher.published())
	if err := intake.HandleAlert(context.Background(), d); err != nil {
		t.Fatalf("late HandleAlert() error = %v", err)
	}
	if after := len(publisher.published()); after != before {
		t.Fatalf("published %d more messages for settled notifications", after-before)
	}
}

func TestAlertIntakePublishFailureIsRetried(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	var fail atomic.Bool
	fail.Store(true)
	publisher := &fakePublisher{
		publishFn: func(ctx context.Context, msg queue.Message) (domain.SourcePosition, error) {
			if fail.Load() {
				return domain.SourcePosition{}, errors.New("broker down")
			}
			return domain.SourcePosition{}, nil
		},
	}
	intake := newTestIntake(t, store, publisher)
	d := alertDelivery(t, 9)

	if err := intake.HandleAlert(context.Background(), d); err == nil {
		t.Fatal("HandleAlert() expected error so the delivery is requeued")
	}

	fail.Store(false)
	if err := intake.HandleAlert(context.Background(), d); err != nil {
		t.Fatalf("redelivered HandleAlert() error = %v", err)
	}
	if got := len(publisher.published()); got != 2 {
		t.Fatalf("published = %d, want 2 after redelivery", got)
	}
}

func TestAlertIntakeRejectsMalformedAlert(t *testing.T) {
	t.Parallel()

	intake := newTestIntake(t, newMemStore(), &fakePublisher{})

	err := intake.HandleAlert(context.Background(), queue.Delivery{Body: []byte(`{"version":1,"type":"unknown"}`)})
	if !errors.Is(err, queue.ErrInvalidMessage) {
		t.Fatalf("HandleAlert() error = %v, want ErrInvalidMessage", err)
	}
}

func TestAlertIntakeHandleRequest(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	publisher := &fakePublisher{}
	intake := newTestIntake(t, store, publisher)

	body, err := json.Marshal(queue.NotificationRequest{
		Version:        queue.NotificationRequestVersion,
		Type:           domain.TypeDefenseScheduled,
		Channel:        domain.ChannelSMS,
		Recipient:      " +33612345678 ",
		Body:           "Soutenance le 12/12",
		IdempotencyKey: "defense-77",
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	d := queue.Delivery{Topic: queue.TopicNotificationRequests, Offset: 3, Body: body, CorrelationID: "req-1"}

	if err := intake.HandleRequest(context.Background(), d); err != nil {
		t.Fatalf("HandleRequest() error = %v", err)
	}
	if err := intake.HandleRequest(context.Background(), d); err != nil {
		t.Fatalf("redelivered HandleRequest() error = %v", err)
	}

	n, err := store.GetByIdempotencyKey(context.Background(), "defense-77")
	if err != nil {
		t.Fatalf("GetByIdempotencyKey() error = %v", err)
	}
	if n.Recipient != "+33612345678" || n.Priority != domain.PriorityNormale || n.CorrelationID != "req-1" {
		t.Fatalf("notification = %+v", n)
	}
	if _, total, _ := store.List(context.Background(), repositoryListAll); total != 1 {
		t.Fatalf("notifications = %d, want 1", total)
	}
}

func TestAlertIntakeStartConsumesBothTopics(t *testing.T) {
	t.Parallel()

	var consumers atomic.Int32
	seen := make(chan string, 8)
	intake := newTestIntake(t, newMemStore(), &fakePublisher{})
	intake.consumer = &fakeConsumer{
		consumeFn: func(ctx context.Context, topic string, partition int, handler queue.Handler) error {
			consumers.Add(1)
			seen <- fmt.Sprintf("%s.p%d", topic, partition)
			return nil
		},
	}

	if err := intake.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	close(seen)

	got := map[string]bool{}
	for name := range seen {
		got[name] = true
	}
	for _, want := range []string{"alerts.p0", "alerts.p1", "notification-requests.p0", "notification-requests.p1"} {
		if !got[want] {
			t.Fatalf("consumers = %v, missing %s", got, want)
		}
	}
	if consumers.Load() != 4 {
		t.Fatalf("consumers = %d, want 4", consumers.Load())
	}
}
