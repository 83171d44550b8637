package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msgguard/alert"
	"msgguard/analysis"
	"msgguard/capture"
	"msgguard/filter"
	"msgguard/history"
	"msgguard/notify"
	"msgguard/settings"
)

type testServer struct {
	e        *echo.Echo
	history  *history.Store
	settings *settings.Store
	src      *capture.MemorySource
	filter   *filter.Filter
	analysis *analysis.HTTPClient
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	kv, err := history.OpenSQLiteKV(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	hs := history.NewStore(kv, history.Options{CacheTTL: -1, Logger: logger})
	t.Cleanup(func() { _ = hs.Close() })
	ss := settings.NewStore(kv)

	src := capture.NewMemorySource()
	f := filter.New(filter.DefaultTargets(), nil)
	an := analysis.NewHTTPClient(analysis.HTTPConfig{}, logger)

	reg := prometheus.NewRegistry()
	events := prometheus.NewCounter(prometheus.CounterOpts{Name: "msgguard_test_events_total", Help: "test"})
	reg.MustRegister(events)
	events.Add(3)

	e := New(&Controller{
		History:   hs,
		Settings:  ss,
		Bridge:    capture.NewBridge(src, f, an, logger),
		Escalator: notify.NewEscalator(ss, time.Second, logger),
		Gatherer:  reg,
		Logger:    logger,
	})
	return &testServer{e: e, history: hs, settings: ss, src: src, filter: f, analysis: an}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader = http.NoBody
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.e.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) save(t *testing.T, sender string, score int, level alert.Level) history.Item {
	t.Helper()
	item, err := s.history.Save(context.Background(), history.Input{
		Sender:      sender,
		Content:     "대출 승인 안내",
		RiskScore:   score,
		Reason:      "loan scam",
		PackageName: filter.PackageKakaoTalk,
		AlertLevel:  level,
	})
	require.NoError(t, err)
	return item
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestListHistory(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	empty := decode[historyListResponse](t, rec)
	assert.NotNil(t, empty.Items)
	assert.Zero(t, empty.Total)

	first := s.save(t, "김철수", 95, alert.LevelHigh)
	second := s.save(t, "이영희", 10, alert.LevelSafe)

	rec = s.do(t, http.MethodGet, "/api/v1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[historyListResponse](t, rec)
	require.Len(t, got.Items, 2)
	assert.Equal(t, second.ID, got.Items[0].ID)
	assert.Equal(t, first.ID, got.Items[1].ID)

	rec = s.do(t, http.MethodGet, "/api/v1/history?limit=1", "")
	got = decode[historyListResponse](t, rec)
	assert.Len(t, got.Items, 1)
	assert.Equal(t, 2, got.Total)

	rec = s.do(t, http.MethodGet, "/api/v1/history?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDismissAndLatest(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/history/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	item := s.save(t, "김철수", 95, alert.LevelHigh)
	s.save(t, "이영희", 10, alert.LevelSafe)

	rec = s.do(t, http.MethodGet, "/api/v1/history/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, item.ID, decode[history.Item](t, rec).ID)

	for range 2 {
		rec = s.do(t, http.MethodPost, "/api/v1/history/"+item.ID+"/dismiss", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, decode[history.Item](t, rec).Dismissed)
	}

	rec = s.do(t, http.MethodGet, "/api/v1/history/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/v1/history/nope/dismiss", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	errResp := decode[ErrorResponse](t, rec)
	assert.Equal(t, http.StatusNotFound, errResp.Code)
	assert.Len(t, errResp.CorrelationID, 8)
}

func TestEscalate(t *testing.T) {
	s := newTestServer(t)
	item := s.save(t, "김철수", 95, alert.LevelHigh)

	rec := s.do(t, http.MethodPost, "/api/v1/history/"+item.ID+"/escalate", "")
	assert.Equal(t, http.StatusConflict, rec.Code, "no guardians configured")

	rec = s.do(t, http.MethodPost, "/api/v1/history/missing/escalate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSettingsRoundTrip(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, settings.Default(), decode[settings.Settings](t, rec))

	rec = s.do(t, http.MethodPut, "/api/v1/settings",
		`{"fontSize":"large","privacyAgreed":true,"guardians":[{"name":"딸","notifyUrl":"ntfy://ntfy.sh/family"}]}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[settings.Settings](t, rec)
	require.Len(t, saved.Guardians, 1)
	assert.NotEmpty(t, saved.Guardians[0].ID)
	assert.Equal(t, settings.FontLarge, saved.FontSize)

	rec = s.do(t, http.MethodPut, "/api/v1/settings", `{"fontSize":"huge"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/settings", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBridgeEndpointAndTargets(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPut, "/api/v1/bridge/endpoint", `{"endpoint":"https://scoring.example.com/"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://scoring.example.com", s.analysis.Endpoint())

	rec = s.do(t, http.MethodPut, "/api/v1/bridge/endpoint", `{"endpoint":"ftp://scoring.example.com"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPut, "/api/v1/bridge/targets", `{"packages":[" org.telegram.messenger ",""]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"org.telegram.messenger"}, s.filter.Packages())

	rec = s.do(t, http.MethodGet, "/api/v1/bridge/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[capture.Status](t, rec)
	assert.False(t, st.PermissionGranted)
	assert.Equal(t, "https://scoring.example.com", st.Endpoint)
	assert.Equal(t, []string{"org.telegram.messenger"}, st.TargetPackages)
}

func TestBridgePermissionAndNotifications(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/bridge/permission", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, s.src.PermissionRequests())

	s.src.SetPermission(true)
	ctx := context.Background()
	require.NoError(t, s.src.Start(ctx))
	t.Cleanup(func() { _ = s.src.Stop() })

	_, err := s.src.Post(ctx, capture.Event{Key: "0|com.kakao.talk|1|abc|10", PackageName: filter.PackageKakaoTalk, PostTime: 1})
	require.NoError(t, err)

	rec = s.do(t, http.MethodGet, "/api/v1/bridge/active", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]capture.Event](t, rec), 1)

	rec = s.do(t, http.MethodDelete, "/api/v1/bridge/notifications/0|com.kakao.talk|1|abc|10", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"0|com.kakao.talk|1|abc|10"}, s.src.Dismissed())

	rec = s.do(t, http.MethodDelete, "/api/v1/bridge/notifications", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, s.src.DismissAllCalls())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "msgguard_test_events_total 3")
}

func TestMissingBridgeIsUnavailable(t *testing.T) {
	e := New(&Controller{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	req := httptest.NewRequest(http.MethodGet, "/api/v1/bridge/status", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
