package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"email-classifier/internal/model"
	"email-classifier/internal/repository"
	"email-classifier/pkg/outbox"
	"email-classifier/pkg/rbac"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRecords struct {
	records    map[string]*model.EmailRecord
	lastFilter repository.RecordFilter
	counts     map[string]int64
	err        error
}

func (f *fakeRecords) FindByID(_ context.Context, id string) (*model.EmailRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	rec, ok := f.records[id]
	if !ok {
		return nil, repository.ErrRecordNotFound
	}
	return rec, nil
}

func (f *fakeRecords) List(_ context.Context, filter repository.RecordFilter) ([]*model.EmailRecord, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	var out []*model.EmailRecord
	for _, r := range f.records {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRecords) CountByCategory(context.Context) (map[string]int64, error) {
	return f.counts, f.err
}

type fakeAdmin struct {
	failed   []*outbox.Event
	replayed []int64
	err      error
}

func (f *fakeAdmin) ListFailed(context.Context, int) ([]*outbox.Event, error) {
	return f.failed, f.err
}

func (f *fakeAdmin) ReplayEvent(_ context.Context, id int64) error {
	if f.err != nil {
		return f.err
	}
	for _, e := range f.failed {
		if e.ID == id {
			f.replayed = append(f.replayed, id)
			return nil
		}
	}
	return fmt.Errorf("failed to replay event %d: %w", id, outbox.ErrEventNotFound)
}

func (f *fakeAdmin) ReplayFailedEvents(context.Context, int) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return len(f.failed), nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func newTestRouter(t *testing.T, records *fakeRecords, admin *fakeAdmin, db Pinger) *Router {
	t.Helper()
	if db == nil {
		db = fakePinger{}
	}
	return NewRouter(NewRecordHandler(records, nil), NewAdminHandler(admin, nil), testSecret, db)
}

func token(t *testing.T, role string) string {
	t.Helper()
	tok, err := GenerateToken("ops@example.com", role, testSecret, time.Hour)
	require.NoError(t, err)
	return tok
}

func do(r *Router, method, path, tok string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, req)
	return w
}

func sampleRecord() *model.EmailRecord {
	cat := model.CategoryMarketing
	src := model.SourceVectorMatch
	return &model.EmailRecord{
		ID:           "msg-1",
		SenderDomain: "shop.example",
		Subject:      "Weekly deals",
		Category:     &cat,
		Confidence:   0.91,
		Source:       &src,
		ProcessedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestParseToken(t *testing.T) {
	tok := token(t, rbac.RoleAdmin)

	claims, err := ParseToken(tok, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
	assert.Equal(t, rbac.RoleAdmin, claims.Role)

	_, err = ParseToken(tok, "other-secret")
	assert.Error(t, err)

	expired, err := GenerateToken("ops@example.com", rbac.RoleAdmin, testSecret, -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(expired, testSecret)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	noSubject, err := GenerateToken("", rbac.RoleAdmin, testSecret, time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(noSubject, testSecret)
	assert.Error(t, err)
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	claims := Claims{Role: rbac.RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Subject: "x"}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = ParseToken(tok, testSecret)
	assert.Error(t, err)
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, ExtractToken(req), tt.header)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	r := newTestRouter(t, &fakeRecords{}, &fakeAdmin{}, nil)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/readyz", "").Code)

	down := newTestRouter(t, &fakeRecords{}, &fakeAdmin{}, fakePinger{err: errors.New("conn refused")})
	w := do(down, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "db_not_ready")
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(t, &fakeRecords{}, &fakeAdmin{}, nil)
	do(r, http.MethodGet, "/healthz", "")

	w := do(r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequired(t *testing.T) {
	r := newTestRouter(t, &fakeRecords{}, &fakeAdmin{}, nil)

	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/records", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/records", "garbage").Code)
}

func TestViewerCannotTouchOutbox(t *testing.T) {
	admin := &fakeAdmin{failed: []*outbox.Event{{ID: 7}}}
	r := newTestRouter(t, &fakeRecords{}, admin, nil)
	viewer := token(t, rbac.RoleViewer)

	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/admin/outbox/failed", viewer).Code)
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodPost, "/admin/outbox/7/replay", viewer).Code)
	assert.Empty(t, admin.replayed)

	// unknown roles are treated as viewer
	assert.Equal(t, http.StatusForbidden, do(r, http.MethodGet, "/admin/outbox/failed", token(t, "superuser")).Code)
}

func TestGetRecord(t *testing.T) {
	records := &fakeRecords{records: map[string]*model.EmailRecord{"msg-1": sampleRecord()}}
	r := newTestRouter(t, records, &fakeAdmin{}, nil)
	viewer := token(t, rbac.RoleViewer)

	w := do(r, http.MethodGet, "/records/msg-1", viewer)
	require.Equal(t, http.StatusOK, w.Code)

	var got model.EmailRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "msg-1", got.ID)
	assert.Equal(t, model.CategoryMarketing, got.CategoryValue())

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/records/missing", viewer).Code)

	records.err = errors.New("db down")
	assert.Equal(t, http.StatusInternalServerError, do(r, http.MethodGet, "/records/msg-1", viewer).Code)
}

func TestListRecordsFilter(t *testing.T) {
	records := &fakeRecords{records: map[string]*model.EmailRecord{"msg-1": sampleRecord()}}
	r := newTestRouter(t, records, &fakeAdmin{}, nil)
	viewer := token(t, rbac.RoleViewer)

	w := do(r, http.MethodGet,
		"/records?sender_domain=shop.example&from=2026-01-01T00:00:00Z&to=2026-02-01T00:00:00Z&limit=10", viewer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)

	assert.Equal(t, "shop.example", records.lastFilter.SenderDomain)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), records.lastFilter.From)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), records.lastFilter.To)
	assert.Equal(t, 10, records.lastFilter.Limit)
}

func TestListRecordsNormalizesSenderDomain(t *testing.T) {
	records := &fakeRecords{records: map[string]*model.EmailRecord{}}
	r := newTestRouter(t, records, &fakeAdmin{}, nil)

	w := do(r, http.MethodGet, "/records?sender_domain=%20Shop.Example.", token(t, rbac.RoleViewer))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "shop.example", records.lastFilter.SenderDomain)
}

func TestListRecordsBadQuery(t *testing.T) {
	r := newTestRouter(t, &fakeRecords{}, &fakeAdmin{}, nil)
	viewer := token(t, rbac.RoleViewer)

	for _, q := range []string{
		"from=yesterday",
		"to=2026-13-01",
		"from=2026-02-01T00:00:00Z&to=2026-01-01T00:00:00Z",
		"limit=0",
		"limit=abc",
	} {
		assert.Equal(t, http.StatusBadRequest, do(r, http.MethodGet, "/records?"+q, viewer).Code, q)
	}
}

func TestCategoryStats(t *testing.T) {
	records := &fakeRecords{counts: map[string]int64{"marketing": 3, "transactional": 2}}
	r := newTestRouter(t, records, &fakeAdmin{}, nil)

	w := do(r, http.MethodGet, "/stats/categories", token(t, rbac.RoleViewer))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Categories map[string]int64 `json:"categories"`
		Total      int64            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(5), body.Total)
	assert.Equal(t, int64(3), body.Categories["marketing"])
}

func TestAdminOutbox(t *testing.T) {
	admin := &fakeAdmin{failed: []*outbox.Event{{ID: 7, RoutingKey: "index.upsert", Status: outbox.StatusFailed}}}
	r := newTestRouter(t, &fakeRecords{}, admin, nil)
	adminTok := token(t, rbac.RoleAdmin)

	w := do(r, http.MethodGet, "/admin/outbox/failed", adminTok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"routing_key":"index.upsert"`)

	assert.Equal(t, http.StatusOK, do(r, http.MethodPost, "/admin/outbox/7/replay", adminTok).Code)
	assert.Equal(t, []int64{7}, admin.replayed)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/admin/outbox/8/replay", adminTok).Code)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/admin/outbox/abc/replay", adminTok).Code)

	w = do(r, http.MethodPost, "/admin/outbox/replay-failed?limit=5", adminTok)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"success_count":1`)
	assert.Contains(t, w.Body.String(), `"limit":5`)
}
