package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"github.com/kursadbilgin/doctoral-alerts/internal/provider"
	"github.com/kursadbilgin/doctoral-alerts/internal/queue"
	"github.com/kursadbilgin/doctoral-alerts/internal/ratelimit"
	"github.com/kursadbilgin/doctoral-alerts/internal/repository"
)

// memStore is an in-memory notification and dead letter store with the same
// conditional update rules as the GORM repositories.
type memStore struct {
	mu            sync.Mutex
	notifications map[string]*domain.Notification
	byKey         map[string]string
	deadLetters   map[string]*domain.DeadLetterEntry

	// recordOutcomeHook runs before each conditional update.
	recordOutcomeHook func(o repository.Outcome)
	archiveErr        error
}

func newMemStore() *memStore {
	return &memStore{
		notifications: make(map[string]*domain.Notification),
		byKey:         make(map[string]string),
		deadLetters:   make(map[string]*domain.DeadLetterEntry),
	}
}

func cloneNotification(n *domain.Notification) *domain.Notification {
	c := *n
	return &c
}

func (s *memStore) put(n *domain.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[n.ID] = cloneNotification(n)
	if n.IdempotencyKey != nil {
		s.byKey[*n.IdempotencyKey] = n.ID
	}
}

func (s *memStore) get(id string) *domain.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.notifications[id]; ok {
		return cloneNotification(n)
	}
	return nil
}

func (s *memStore) deadLetterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadLetters)
}

func (s *memStore) Create(ctx context.Context, n *domain.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createLocked(n)
}

func (s *memStore) createLocked(n *domain.Notification) error {
	if _, ok := s.notifications[n.ID]; ok {
		return domain.ErrConflict
	}
	if n.IdempotencyKey != nil {
		if _, ok := s.byKey[*n.IdempotencyKey]; ok {
			return fmt.Errorf("create notification: %w", domain.ErrConflict)
		}
		s.byKey[*n.IdempotencyKey] = n.ID
	}
	n.CreatedAt = time.Now().UTC()
	n.UpdatedAt = n.CreatedAt
	s.notifications[n.ID] = cloneNotification(n)
	return nil
}

func (s *memStore) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if n := s.get(id); n != nil {
		return n, nil
	}
	return nil, domain.ErrNotFound
}

func (s *memStore) GetByIdempotencyKey(ctx context.Context, key string) (*domain.Notification, error) {
	s.mu.Lock()
	id, ok := s.byKey[key]
	s.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.GetByID(ctx, id)
}

func (s *memStore) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Notification, 0, len(s.notifications))
	for _, n := range s.notifications {
		out = append(out, *n)
	}
	return out, int64(len(out)), nil
}

func (s *memStore) RecordOutcome(ctx context.Context, o repository.Outcome) error {
	if s.recordOutcomeHook != nil {
		s.recordOutcomeHook(o)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordOutcomeLocked(o)
}

func (s *memStore) recordOutcomeLocked(o repository.Outcome) error {
	if !domain.CanTransition(o.From, o.To) {
		return domain.ErrInvalidTransition
	}
	n, ok := s.notifications[o.NotificationID]
	if !ok || n.Status != o.From || n.AttemptCount != o.ExpectedAttempts {
		return domain.ErrConflict
	}
	n.Status = o.To
	n.AttemptCount++
	n.NextRetryAt = o.NextRetryAt
	n.UpdatedAt = o.At
	if o.LastError != nil {
		n.LastError = o.LastError
	}
	if o.SentAt != nil {
		n.SentAt = o.SentAt
	}
	if o.DeadLetteredAt != nil {
		n.DeadLetteredAt = o.DeadLetteredAt
	}
	return nil
}

func (s *memStore) MarkRetrying(ctx context.Context, id string, expectedAttempts int, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.Status != domain.StatusFailed || n.AttemptCount != expectedAttempts || n.DeadLetteredAt != nil {
		return false, nil
	}
	n.Status = domain.StatusRetrying
	n.UpdatedAt = at
	return true, nil
}

func (s *memStore) Touch(ctx context.Context, id string, status domain.Status, expectedAttempts int, seenUpdatedAt, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok || n.Status != status || n.AttemptCount != expectedAttempts || !n.UpdatedAt.Equal(seenUpdatedAt) {
		return false, nil
	}
	n.UpdatedAt = at
	return true, nil
}

func (s *memStore) GetDueForRetry(ctx context.Context, now time.Time, limit int) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Notification
	for _, n := range s.notifications {
		if n.Status != domain.StatusFailed || n.DeadLetteredAt != nil || n.AttemptCount >= n.MaxAttempts {
			continue
		}
		if n.NextRetryAt != nil && n.NextRetryAt.After(now) {
			continue
		}
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) GetStale(ctx context.Context, before time.Time, limit int) ([]domain.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Notification
	for _, n := range s.notifications {
		if n.Status.Dispatchable() && n.UpdatedAt.Before(before) {
			out = append(out, *n)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Ping(ctx context.Context) error { return nil }

// memDeadLetters is the dead letter side of memStore.
type memDeadLetters struct {
	store *memStore
}

func (d *memDeadLetters) ArchiveTerminal(ctx context.Context, o repository.Outcome, entry *domain.DeadLetterEntry) error {
	s := d.store
	if s.archiveErr != nil {
		return s.archiveErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.deadLetters {
		if existing.NotificationID == entry.NotificationID {
			return domain.ErrConflict
		}
	}
	if err := s.recordOutcomeLocked(o); err != nil {
		return err
	}
	c := *entry
	s.deadLetters[entry.ID] = &c
	return nil
}

func (d *memDeadLetters) GetByID(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	s := d.store
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.deadLetters[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *entry
	return &c, nil
}

func (d *memDeadLetters) List(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetterEntry, int64, error) {
	s := d.store
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.DeadLetterEntry, 0, len(s.deadLetters))
	for _, e := range s.deadLetters {
		if params.Reason != nil && e.Reason != *params.Reason {
			continue
		}
		out = append(out, *e)
	}
	return out, int64(len(out)), nil
}

func (d *memDeadLetters) Reprocess(ctx context.Context, id string, at time.Time, build repository.ReplacementFunc) (*domain.DeadLetterEntry, *domain.Notification, error) {
	entry, err := d.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if entry.Reprocessed {
		return nil, nil, domain.ErrConflict
	}

	n, err := build(entry)
	if err != nil {
		return nil, nil, err
	}

	s := d.store
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.deadLetters[id]
	if stored.Reprocessed {
		return nil, nil, domain.ErrConflict
	}
	if err := s.createLocked(n); err != nil {
		return nil, nil, err
	}
	replacementID := n.ID
	stored.Reprocessed = true
	stored.LastReprocessAttemptAt = &at
	stored.ReplacementID = &replacementID
	c := *stored
	return &c, n, nil
}

var (
	_ repository.NotificationRepository = (*memStore)(nil)
	_ repository.DeadLetterRepository   = (*memDeadLetters)(nil)
)

type fakePublisher struct {
	mu        sync.Mutex
	publishFn func(ctx context.Context, msg queue.Message) (domain.SourcePosition, error)
	messages  []queue.Message
}

func (f *fakePublisher) Publish(ctx context.Context, msg queue.Message) (domain.SourcePosition, error) {
	if f.publishFn != nil {
		if pos, err := f.publishFn(ctx, msg); err != nil {
			return pos, err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	return domain.SourcePosition{Topic: msg.Topic, Offset: int64(len(f.messages))}, nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) published() []queue.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]queue.Message, len(f.messages))
	copy(out, f.messages)
	return out
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, topic string, partition int, handler queue.Handler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, topic string, partition int, handler queue.Handler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, topic, partition, handler)
	}
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type fakeProvider struct {
	sendFn func(ctx context.Context, notification domain.Notification) (*provider.ProviderResponse, error)
}

func (f *fakeProvider) Send(ctx context.Context, notification domain.Notification) (*provider.ProviderResponse, error) {
	if f.sendFn != nil {
		return f.sendFn(ctx, notification)
	}
	return &provider.ProviderResponse{StatusCode: 202}, nil
}

type fakeRateLimiter struct {
	waitFn func(ctx context.Context, channel domain.Channel) error
}

func (f *fakeRateLimiter) Allow(ctx context.Context, channel domain.Channel) (bool, error) {
	return true, nil
}

func (f *fakeRateLimiter) Wait(ctx context.Context, channel domain.Channel) error {
	if f.waitFn != nil {
		return f.waitFn(ctx, channel)
	}
	return nil
}

var _ ratelimit.RateLimiter = (*fakeRateLimiter)(nil)

type fakeAttemptRepo struct {
	mu       sync.Mutex
	createFn func(ctx context.Context, a *domain.NotificationAttempt) error
	attempts []domain.NotificationAttempt
}

func (f *fakeAttemptRepo) Create(ctx context.Context, a *domain.NotificationAttempt) error {
	if f.createFn != nil {
		if err := f.createFn(ctx, a); err != nil {
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, *a)
	return nil
}

func (f *fakeAttemptRepo) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.NotificationAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.NotificationAttempt
	for _, a := range f.attempts {
		if a.NotificationID == notificationID {
			out = append(out, a)
		}
	}
	return out, nil
}

type ledgerKey struct {
	enrollmentID int64
	alertType    domain.AlertType
}

type fakeLedger struct {
	mu      sync.Mutex
	claimFn func(ctx context.Context, enrollmentID int64, alertType domain.AlertType) (bool, error)
	claims  map[ledgerKey]time.Time
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{claims: make(map[ledgerKey]time.Time)}
}

func (f *fakeLedger) Claim(ctx context.Context, enrollmentID int64, alertType domain.AlertType, at time.Time) (bool, error) {
	if f.claimFn != nil {
		return f.claimFn(ctx, enrollmentID, alertType)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ledgerKey{enrollmentID, alertType}
	if _, ok := f.claims[key]; ok {
		return false, nil
	}
	f.claims[key] = at
	return true, nil
}

func (f *fakeLedger) Exists(ctx context.Context, enrollmentID int64, alertType domain.AlertType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.claims[ledgerKey{enrollmentID, alertType}]
	return ok, nil
}

// fakeEnrollmentSource pages over a fixed slice sorted by ID.
type fakeEnrollmentSource struct {
	mu          sync.Mutex
	enrollments []domain.Enrollment
	nextPageFn  func(ctx context.Context, afterID int64, limit int) ([]domain.Enrollment, error)
	calls       int
}

func (f *fakeEnrollmentSource) NextPage(ctx context.Context, afterID int64, limit int) ([]domain.Enrollment, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.nextPageFn != nil {
		return f.nextPageFn(ctx, afterID, limit)
	}
	var out []domain.Enrollment
	for _, e := range f.enrollments {
		if e.ID > afterID {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeLease struct {
	acquireFn func(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error)
}

func (f *fakeLease) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	return f.acquireFn(ctx, name, ttl)
}

var repositoryListAll = repository.ListParams{}

func terminalOutcome(n *domain.Notification, at time.Time) repository.Outcome {
	return repository.Outcome{
		NotificationID:   n.ID,
		From:             n.Status,
		To:               domain.StatusFailed,
		ExpectedAttempts: n.AttemptCount,
		DeadLetteredAt:   &at,
		At:               at,
	}
}
