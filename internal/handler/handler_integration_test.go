package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/doctoral-alerts/internal/domain"
	"github.com/kursadbilgin/doctoral-alerts/internal/observability"
	"github.com/kursadbilgin/doctoral-alerts/internal/repository"
	"github.com/kursadbilgin/doctoral-alerts/internal/service"
	"github.com/kursadbilgin/doctoral-alerts/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var fixedTime = time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)

func TestNotificationIntegration_GetNotification(t *testing.T) {
	t.Parallel()

	code := 503
	cause := "smtp 421: try again later"
	reader := &stubNotificationReader{
		getByIDFn: func(ctx context.Context, id string) (*domain.Notification, error) {
			if id != "n-found" {
				return nil, domain.ErrNotFound
			}
			return &domain.Notification{
				ID:           "n-found",
				Type:         domain.TypeDurationApproaching3Years,
				Channel:      domain.ChannelEmail,
				Priority:     domain.PriorityNormale,
				Recipient:    "doc@univ.example",
				Body:         "hello",
				Status:       domain.StatusFailed,
				AttemptCount: 1,
				MaxAttempts:  3,
				Source:       domain.SourcePosition{Topic: "notifications", Partition: 2, Offset: 11},
			}, nil
		},
	}
	attempts := &stubAttemptReader{
		attempts: []domain.NotificationAttempt{
			{NotificationID: "n-found", AttemptNumber: 1, StatusCode: &code, Error: &cause, CreatedAt: fixedTime},
		},
	}

	app := newTestApp(t)
	if err := RegisterNotificationRoutes(app, reader, attempts); err != nil {
		t.Fatalf("RegisterNotificationRoutes() error = %v", err)
	}

	resp, body := performRequest(t, app, http.MethodGet, "/v1/notifications/n-found", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed struct {
		ID       string                `json:"id"`
		Status   string                `json:"status"`
		Source   domain.SourcePosition `json:"source"`
		Attempts []struct {
			AttemptNumber int    `json:"attemptNumber"`
			StatusCode    int    `json:"statusCode"`
			Error         string `json:"error"`
		} `json:"attempts"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.ID != "n-found" || parsed.Status != "FAILED" || parsed.Source.Offset != 11 {
		t.Fatalf("notification = %+v", parsed)
	}
	if len(parsed.Attempts) != 1 || parsed.Attempts[0].StatusCode != 503 || parsed.Attempts[0].Error != cause {
		t.Fatalf("attempts = %+v", parsed.Attempts)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/notifications/not-exists", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestNotificationIntegration_ListNotificationsFilters(t *testing.T) {
	t.Parallel()

	reader := &stubNotificationReader{
		listFn: func(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
			if params.Page != 2 || params.PageSize != 10 {
				t.Errorf("page = %d/%d, want 2/10", params.Page, params.PageSize)
			}
			if params.Status == nil || *params.Status != domain.StatusRetrying {
				t.Errorf("status filter = %v, want RETRYING", params.Status)
			}
			if params.Channel == nil || *params.Channel != domain.ChannelSMS {
				t.Errorf("channel filter = %v, want SMS", params.Channel)
			}
			return []domain.Notification{{ID: "n-1", Status: domain.StatusRetrying, Channel: domain.ChannelSMS}}, 11, nil
		},
	}

	app := newTestApp(t)
	if err := RegisterNotificationRoutes(app, reader, &stubAttemptReader{}); err != nil {
		t.Fatalf("RegisterNotificationRoutes() error = %v", err)
	}

	resp, body := performRequest(t, app, http.MethodGet, "/v1/notifications?page=2&pageSize=10&status=retrying&channel=sms", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}

	var parsed listNotificationsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.Meta.Total != 11 || len(parsed.Data) != 1 {
		t.Fatalf("response = %+v", parsed)
	}

	for _, path := range []string{
		"/v1/notifications?status=delivered",
		"/v1/notifications?channel=fax",
		"/v1/notifications?pageSize=500",
		"/v1/notifications?page=0",
	} {
		resp, _ = performRequest(t, app, http.MethodGet, path, "")
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestDeadLetterIntegration_ListAndGet(t *testing.T) {
	t.Parallel()

	entry := domain.DeadLetterEntry{
		ID:              "dl-1",
		NotificationID:  "n-dead",
		Type:            domain.TypeDurationExceeded6Years,
		Channel:         domain.ChannelEmail,
		Recipient:       "doc@univ.example",
		OriginalPayload: json.RawMessage(`{"enrollmentId":42}`),
		AttemptCount:    3,
		ErrorMessage:    "smtp 421",
		Reason:          domain.FailureRetryExhausted,
		Position:        domain.SourcePosition{Topic: "alerts", Partition: 1, Offset: 7},
		AddedAt:         fixedTime,
	}
	svc := &stubDeadLetterService{
		getFn: func(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
			if id != "dl-1" {
				return nil, domain.ErrNotFound
			}
			e := entry
			return &e, nil
		},
		listFn: func(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetterEntry, int64, error) {
			if params.Reason == nil || *params.Reason != domain.FailureRetryExhausted {
				t.Errorf("reason filter = %v, want retry_exhausted", params.Reason)
			}
			if params.Reprocessed == nil || *params.Reprocessed {
				t.Errorf("reprocessed filter = %v, want false", params.Reprocessed)
			}
			return []domain.DeadLetterEntry{entry}, 1, nil
		},
	}

	app := newTestApp(t)
	if err := RegisterDeadLetterRoutes(app, svc); err != nil {
		t.Fatalf("RegisterDeadLetterRoutes() error = %v", err)
	}

	resp, body := performRequest(t, app, http.MethodGet, "/v1/dead-letters?reason=retry_exhausted&reprocessed=false", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var list listDeadLettersResponse
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if list.Meta.Total != 1 || len(list.Data) != 1 || list.Data[0].Position.Offset != 7 {
		t.Fatalf("response = %+v", list)
	}

	resp, body = performRequest(t, app, http.MethodGet, "/v1/dead-letters/dl-1", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	var got deadLetterResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if got.Reason != "retry_exhausted" || string(got.OriginalPayload) != `{"enrollmentId":42}` {
		t.Fatalf("entry = %+v", got)
	}

	resp, _ = performRequest(t, app, http.MethodGet, "/v1/dead-letters/missing", "")
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}

	for _, path := range []string{"/v1/dead-letters?reason=timeout", "/v1/dead-letters?reprocessed=maybe"} {
		resp, _ = performRequest(t, app, http.MethodGet, path, "")
		if resp.StatusCode != fiber.StatusBadRequest {
			t.Fatalf("%s status = %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestDeadLetterIntegration_Reprocess(t *testing.T) {
	t.Parallel()

	from := "dl-1"
	svc := &stubDeadLetterService{
		reprocessFn: func(ctx context.Context, id string) (*domain.Notification, error) {
			switch id {
			case "dl-1":
				return &domain.Notification{ID: "n-replay", Status: domain.StatusPending, ReprocessedFrom: &from}, nil
			case "dl-done":
				return nil, domain.ErrConflict
			case "dl-down":
				return nil, domain.ErrStorageUnavailable
			default:
				return nil, domain.ErrNotFound
			}
		},
	}

	app := newTestApp(t)
	if err := RegisterDeadLetterRoutes(app, svc); err != nil {
		t.Fatalf("RegisterDeadLetterRoutes() error = %v", err)
	}

	resp, body := performRequest(t, app, http.MethodPost, "/v1/dead-letters/dl-1/reprocess", "")
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("status = %d, want 202, body=%s", resp.StatusCode, string(body))
	}
	var parsed struct {
		DeadLetterID string               `json:"deadLetterId"`
		Notification notificationResponse `json:"notification"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if parsed.DeadLetterID != "dl-1" || parsed.Notification.ID != "n-replay" || parsed.Notification.Status != "PENDING" {
		t.Fatalf("response = %+v", parsed)
	}

	tests := map[string]int{
		"dl-done":    fiber.StatusConflict,
		"dl-down":    fiber.StatusServiceUnavailable,
		"dl-missing": fiber.StatusNotFound,
	}
	for id, want := range tests {
		resp, _ = performRequest(t, app, http.MethodPost, "/v1/dead-letters/"+id+"/reprocess", "")
		if resp.StatusCode != want {
			t.Fatalf("%s status = %d, want %d", id, resp.StatusCode, want)
		}
	}
}

func TestEvaluationIntegration_Run(t *testing.T) {
	t.Parallel()

	var gotAt time.Time
	runner := &stubEvaluationRunner{
		runFn: func(ctx context.Context, now time.Time) (service.RunReport, error) {
			gotAt = now
			if now.Year() == 2030 {
				return service.RunReport{Date: "2030-01-01", Skipped: true}, nil
			}
			return service.RunReport{Date: now.Format(time.DateOnly), Scanned: 5, Claimed: 2, Published: 2}, nil
		},
	}

	app := newTestApp(t)
	if err := RegisterEvaluationRoutes(app, runner, func() time.Time { return fixedTime }); err != nil {
		t.Fatalf("RegisterEvaluationRoutes() error = %v", err)
	}

	resp, body := performRequest(t, app, http.MethodPost, "/v1/evaluations", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
	}
	if !gotAt.Equal(fixedTime) {
		t.Fatalf("run time = %v, want %v", gotAt, fixedTime)
	}
	var report service.RunReport
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("json unmarshal error = %v", err)
	}
	if report.Claimed != 2 || report.Date != "2026-10-16" {
		t.Fatalf("report = %+v", report)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/evaluations?at=2026-12-01T02:00:00Z", "")
	if resp.StatusCode != fiber.StatusOK || gotAt.Month() != time.December {
		t.Fatalf("status = %d, run time = %v", resp.StatusCode, gotAt)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/evaluations?at=2030-01-01T02:00:00Z", "")
	if resp.StatusCode != fiber.StatusConflict {
		t.Fatalf("status = %d, want 409 when another node holds the cycle", resp.StatusCode)
	}

	resp, _ = performRequest(t, app, http.MethodPost, "/v1/evaluations?at=yesterday", "")
	if resp.StatusCode != fiber.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHealthIntegration_LivezAndReadyz(t *testing.T) {
	t.Parallel()

	t.Run("livez returns 200", func(t *testing.T) {
		t.Parallel()

		app := newTestApp(t)
		RegisterHealthRoutes(app, stubPinger{}, newTestRedis(t, true))

		resp, body := performRequest(t, app, http.MethodGet, "/livez", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 200 when dependencies healthy", func(t *testing.T) {
		t.Parallel()

		app := newTestApp(t)
		RegisterHealthRoutes(app, stubPinger{}, newTestRedis(t, true))

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("status = %d, want 200, body=%s", resp.StatusCode, string(body))
		}
	})

	t.Run("readyz returns 503 when dependencies down", func(t *testing.T) {
		t.Parallel()

		app := newTestApp(t)
		RegisterHealthRoutes(app, stubPinger{err: errors.New("postgres down")}, newTestRedis(t, false))

		resp, body := performRequest(t, app, http.MethodGet, "/readyz", "")
		if resp.StatusCode != fiber.StatusServiceUnavailable {
			t.Fatalf("status = %d, want 503, body=%s", resp.StatusCode, string(body))
		}
		if !strings.Contains(string(body), `"postgres":"down"`) || !strings.Contains(string(body), `"redis":"down"`) {
			t.Fatalf("body = %s, want both checks down", string(body))
		}
	})
}

func TestMetricsRoute(t *testing.T) {
	t.Parallel()

	metrics := observability.NewMetrics()
	metrics.IncDeadLetter(domain.FailurePermanent.String())

	app := newTestApp(t)
	RegisterMetricsRoute(app, metrics.Handler())

	resp, body := performRequest(t, app, http.MethodGet, "/metrics", "")
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if !strings.Contains(string(body), "permanent_error") {
		t.Fatalf("metrics body does not contain the dead letter counter:\n%s", string(body))
	}
}

type stubNotificationReader struct {
	getByIDFn func(ctx context.Context, id string) (*domain.Notification, error)
	listFn    func(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error)
}

func (s *stubNotificationReader) GetByID(ctx context.Context, id string) (*domain.Notification, error) {
	if s.getByIDFn != nil {
		return s.getByIDFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubNotificationReader) List(ctx context.Context, params repository.ListParams) ([]domain.Notification, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, nil
}

type stubAttemptReader struct {
	attempts []domain.NotificationAttempt
}

func (s *stubAttemptReader) GetByNotificationID(ctx context.Context, notificationID string) ([]domain.NotificationAttempt, error) {
	return s.attempts, nil
}

type stubDeadLetterService struct {
	getFn       func(ctx context.Context, id string) (*domain.DeadLetterEntry, error)
	listFn      func(ctx context.Context, params repository.DeadLetterListParams) ([]domain.DeadLetterEntry, int64, error)
	reprocessFn func(ctx context.Context, id string) (*domain.Notification, error)
}

func (s *stubDeadLetterService) Get(ctx context.Context, id string) (*domain.DeadLetterEntry, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubDeadLetterService) List(
	ctx context.Context,
	params repository.DeadLetterListParams,
) ([]domain.DeadLetterEntry, int64, error) {
	if s.listFn != nil {
		return s.listFn(ctx, params)
	}
	return nil, 0, nil
}

func (s *stubDeadLetterService) Reprocess(ctx context.Context, id string) (*domain.Notification, error) {
	if s.reprocessFn != nil {
		return s.reprocessFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

type stubEvaluationRunner struct {
	runFn func(ctx context.Context, now time.Time) (service.RunReport, error)
}

func (s *stubEvaluationRunner) Run(ctx context.Context, now time.Time) (service.RunReport, error) {
	return s.runFn(ctx, now)
}

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error { return p.err }

// newTestRedis returns a client for a miniredis server, closed when up is false.
func newTestRedis(t *testing.T, up bool) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{
		Addr:        mr.Addr(),
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	if !up {
		mr.Close()
	}
	return rdb
}

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()

	return fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}
