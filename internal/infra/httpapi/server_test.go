package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"notification_service/internal/app"
	"notification_service/internal/domain/notification"
	idb "notification_service/internal/infra/database"
	"notification_service/internal/infra/queue"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type fakeService struct {
	createErr error
	created   *app.CreateNotificationInput

	markReadErr error
	deleteErr   error
	paused      bool
	resumed     bool
	cleaned     bool
}

func (s *fakeService) CreateNotification(ctx context.Context, input app.CreateNotificationInput) (*notification.Notification, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.created = &input
	n := &notification.Notification{
		ID:        10,
		EventName: input.EventName,
		Channel:   input.Channel,
		Type:      input.Type,
		Status:    notification.StatusPending,
		CreatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if input.Type == notification.TypeBatch {
		n.BatchKey = sql.NullString{String: "k", Valid: true}
	}
	return n, nil
}

func (s *fakeService) ListSystemNotifications(ctx context.Context, userID int64) ([]*notification.SystemPayload, error) {
	return []*notification.SystemPayload{
		{ID: 1, NotificationID: 10, UserID: userID, Content: "hello", CreatedAt: time.Now()},
	}, nil
}

func (s *fakeService) MarkAsRead(ctx context.Context, notificationID int64) (*notification.SystemPayload, error) {
	if s.markReadErr != nil {
		return nil, s.markReadErr
	}
	return &notification.SystemPayload{
		ID: 1, NotificationID: notificationID, UserID: 42, Content: "hello",
		IsRead:    true,
		ReadAt:    sql.NullTime{Time: time.Now(), Valid: true},
		CreatedAt: time.Now(),
	}, nil
}

func (s *fakeService) DeleteNotification(ctx context.Context, notificationID int64) error {
	return s.deleteErr
}

func (s *fakeService) RecoverPendingBatches(ctx context.Context) error { return nil }

func (s *fakeService) QueueStats(ctx context.Context) (*queue.Stats, error) {
	return &queue.Stats{Waiting: 3, Active: 1, Completed: 20, Failed: 2}, nil
}

func (s *fakeService) PauseQueue(ctx context.Context) error  { s.paused = true; return nil }
func (s *fakeService) ResumeQueue(ctx context.Context) error { s.resumed = true; return nil }
func (s *fakeService) CleanQueue(ctx context.Context) (int64, error) {
	s.cleaned = true
	return 5, nil
}

func newTestServer(svc app.NotificationService) *Server {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewServer("0", svc, logger)
}

func doRequest(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestCreateNotification_Created(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc)

	body := `{"eventName":"user.signup","channel":"EMAIL","type":"INSTANT","emailData":{"to":"user@example.com","subject":"Welcome","body":"<p>Hi</p>"}}`
	rec := doRequest(t, s, http.MethodPost, "/api/v1/notifications", body)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var res map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if res["status"] != "PENDING" {
		t.Errorf("expected PENDING status in response, got %v", res["status"])
	}
	if svc.created == nil || svc.created.EmailData == nil || svc.created.EmailData.To != "user@example.com" {
		t.Errorf("service did not receive the email payload: %+v", svc.created)
	}
}

func TestCreateNotification_MissingEventName(t *testing.T) {
	s := newTestServer(&fakeService{})
	rec := doRequest(t, s, http.MethodPost, "/api/v1/notifications", `{"channel":"EMAIL"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing eventName, got %d", rec.Code)
	}
}

func TestCreateNotification_ValidationErrorMapsTo400(t *testing.T) {
	svc := &fakeService{createErr: app.ErrInvalidEmailAddress}
	s := newTestServer(svc)

	body := `{"eventName":"e","channel":"EMAIL","emailData":{"to":"bad"}}`
	rec := doRequest(t, s, http.MethodPost, "/api/v1/notifications", body)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestCreateNotification_DuplicateMapsTo409(t *testing.T) {
	svc := &fakeService{createErr: idb.ErrDuplicateEventName}
	s := newTestServer(svc)

	body := `{"eventName":"e","channel":"EMAIL","emailData":{"to":"user@example.com"}}`
	rec := doRequest(t, s, http.MethodPost, "/api/v1/notifications", body)
	if rec.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", rec.Code)
	}
}

func TestListSystemNotifications(t *testing.T) {
	s := newTestServer(&fakeService{})
	rec := doRequest(t, s, http.MethodGet, "/api/v1/notifications/system/42", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if len(res) != 1 || res[0]["userId"] != float64(42) {
		t.Errorf("unexpected payload: %+v", res)
	}
}

func TestListSystemNotifications_BadUserID(t *testing.T) {
	s := newTestServer(&fakeService{})
	rec := doRequest(t, s, http.MethodGet, "/api/v1/notifications/system/abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for non-numeric user id, got %d", rec.Code)
	}
}

func TestMarkRead_NotFoundMapsTo404(t *testing.T) {
	svc := &fakeService{markReadErr: idb.ErrNotificationNotFound}
	s := newTestServer(svc)
	rec := doRequest(t, s, http.MethodPut, "/api/v1/notifications/99/read", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestMarkRead_OK(t *testing.T) {
	s := newTestServer(&fakeService{})
	rec := doRequest(t, s, http.MethodPut, "/api/v1/notifications/10/read", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var res map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("invalid response JSON: %v", err)
	}
	if res["isRead"] != true {
		t.Errorf("expected isRead=true, got %v", res["isRead"])
	}
}

func TestDeleteNotification_OK(t *testing.T) {
	s := newTestServer(&fakeService{})
	rec := doRequest(t, s, http.MethodDelete, "/api/v1/notifications/10", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestQueueEndpoints(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc)

	rec := doRequest(t, s, http.MethodGet, "/api/v1/queue/stats", "")
	if rec.Code != http.StatusOK {
		t.Errorf("stats: expected 200, got %d", rec.Code)
	}
	var stats queue.Stats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("invalid stats JSON: %v", err)
	}
	if stats.Waiting != 3 || stats.Failed != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	if rec := doRequest(t, s, http.MethodPost, "/api/v1/queue/pause", ""); rec.Code != http.StatusOK || !svc.paused {
		t.Errorf("pause: code %d, paused %v", rec.Code, svc.paused)
	}
	if rec := doRequest(t, s, http.MethodPost, "/api/v1/queue/resume", ""); rec.Code != http.StatusOK || !svc.resumed {
		t.Errorf("resume: code %d, resumed %v", rec.Code, svc.resumed)
	}
	if rec := doRequest(t, s, http.MethodPost, "/api/v1/queue/clean", ""); rec.Code != http.StatusOK || !svc.cleaned {
		t.Errorf("clean: code %d, cleaned %v", rec.Code, svc.cleaned)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(&fakeService{})
	rec := doRequest(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
