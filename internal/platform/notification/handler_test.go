package notification

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/careflow/internal/platform/auth"
	"github.com/clinic/careflow/pkg/pagination"
)

// newHandlerFixture routes one pharmacist message and one message to dr-ana
// through a dispatcher whose transport fails once.
func newHandlerFixture(t *testing.T) (*echo.Echo, *Dispatcher) {
	t.Helper()
	d := NewDispatcher(&recordingTransport{fail: 1}, zerolog.Nop(), Options{Workers: 1})
	d.Dispatch(context.Background(), testEvent("opd_care", "consultation", "prescription", nil))
	d.Dispatch(context.Background(), testEvent("opd_care", "dispensing", "completion", nil))
	d.Close()

	e := echo.New()
	NewHandler(d).RegisterRoutes(e.Group("/api/v1"))
	return e, d
}

func doRequest(e *echo.Echo, method, target, userID string, roles ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if userID != "" {
		req = req.WithContext(auth.WithUser(req.Context(), userID, roles))
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeList(t *testing.T, rec *httptest.ResponseRecorder) ([]Record, int) {
	t.Helper()
	var resp struct {
		Data  []Record `json:"data"`
		Total int      `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	return resp.Data, resp.Total
}

func TestHandler_ListOwnInbox(t *testing.T) {
	e, _ := newHandlerFixture(t)

	rec := doRequest(e, http.MethodGet, "/api/v1/notifications", "dr-ana", "doctor")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	data, total := decodeList(t, rec)
	if total != 1 || len(data) != 1 || data[0].Message.Title != "Visit completed" {
		t.Fatalf("unexpected inbox %+v", data)
	}
}

func TestHandler_ListRoleInbox(t *testing.T) {
	e, _ := newHandlerFixture(t)

	rec := doRequest(e, http.MethodGet, "/api/v1/notifications?target_kind=role&target_id=pharmacist", "ph-1", "pharmacist")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if _, total := decodeList(t, rec); total != 1 {
		t.Errorf("expected 1 pharmacist message, got %d", total)
	}

	rec = doRequest(e, http.MethodGet, "/api/v1/notifications?target_kind=role&target_id=pharmacist", "n-1", "nurse")
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected 403 for a role not held, got %d", rec.Code)
	}
}

func TestHandler_ListValidation(t *testing.T) {
	e, _ := newHandlerFixture(t)

	tests := []struct {
		name   string
		target string
		user   string
		roles  []string
		want   int
	}{
		{"anonymous", "/api/v1/notifications", "", nil, http.StatusUnauthorized},
		{"bad kind", "/api/v1/notifications?target_kind=team", "u", nil, http.StatusBadRequest},
		{"role without id", "/api/v1/notifications?target_kind=role", "u", []string{"doctor"}, http.StatusBadRequest},
		{"other user", "/api/v1/notifications?target_id=dr-ana", "n-1", []string{"nurse"}, http.StatusForbidden},
		{"admin reads other user", "/api/v1/notifications?target_id=dr-ana", "root", []string{auth.AdminRole}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(e, http.MethodGet, tt.target, tt.user, tt.roles...)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestHandler_ListPagination(t *testing.T) {
	d := NewDispatcher(&recordingTransport{}, zerolog.Nop(), Options{})
	for i := 0; i < 3; i++ {
		d.Dispatch(context.Background(), testEvent("opd_care", "consultation", "prescription", nil))
	}
	d.Close()
	e := echo.New()
	NewHandler(d).RegisterRoutes(e.Group("/api/v1"))

	rec := doRequest(e, http.MethodGet, "/api/v1/notifications?target_kind=role&target_id=pharmacist&limit=2", "ph-1", "pharmacist")
	var resp pagination.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Total != 3 || resp.Limit != 2 || !resp.HasMore {
		t.Errorf("unexpected page %+v", resp)
	}
}

func TestHandler_Get(t *testing.T) {
	e, d := newHandlerFixture(t)
	page, _ := d.ListByTarget(TargetUser, "dr-ana", 1, 0)
	id := page[0].Message.ID

	if rec := doRequest(e, http.MethodGet, "/api/v1/notifications/"+id, "dr-ana", "doctor"); rec.Code != http.StatusOK {
		t.Errorf("expected owner to read message, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodGet, "/api/v1/notifications/"+id, "someone", "nurse"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for another user's message, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodGet, "/api/v1/notifications/missing", "dr-ana", "doctor"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_StatsAndRetry(t *testing.T) {
	e, d := newHandlerFixture(t)

	if rec := doRequest(e, http.MethodGet, "/api/v1/notifications/stats", "dr-ana", "doctor"); rec.Code != http.StatusForbidden {
		t.Errorf("expected stats to be admin-only, got %d", rec.Code)
	}
	rec := doRequest(e, http.MethodGet, "/api/v1/notifications/stats", "root", auth.AdminRole)
	var stats map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats[StatusFailed] != 1 || stats[StatusSent] != 1 {
		t.Fatalf("unexpected stats %v", stats)
	}

	var failedID, sentID string
	for _, kind := range []struct {
		k  TargetKind
		id string
	}{{TargetRole, "pharmacist"}, {TargetUser, "dr-ana"}} {
		page, _ := d.ListByTarget(kind.k, kind.id, 1, 0)
		if page[0].Status == StatusFailed {
			failedID = page[0].Message.ID
		} else {
			sentID = page[0].Message.ID
		}
	}

	if rec := doRequest(e, http.MethodPost, "/api/v1/notifications/"+failedID+"/retry", "root", auth.AdminRole); rec.Code != http.StatusOK {
		t.Errorf("expected retry to succeed, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := doRequest(e, http.MethodPost, "/api/v1/notifications/"+sentID+"/retry", "root", auth.AdminRole); rec.Code != http.StatusConflict {
		t.Errorf("expected 409 retrying a sent message, got %d", rec.Code)
	}
	if rec := doRequest(e, http.MethodPost, "/api/v1/notifications/missing/retry", "root", auth.AdminRole); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
