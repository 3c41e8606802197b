package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wolfman30/carepath-scheduler/internal/caches"
	"github.com/wolfman30/carepath-scheduler/internal/http/handlers"
	"github.com/wolfman30/carepath-scheduler/internal/intents"
	"github.com/wolfman30/carepath-scheduler/internal/risk"
	"github.com/wolfman30/carepath-scheduler/internal/stage"
	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

type emptyReads struct{}

func (emptyReads) NextStep(ctx context.Context, id uuid.UUID) (*caches.NextStepRow, error) {
	return nil, caches.ErrNotFound
}

func (emptyReads) Forecast(ctx context.Context, id uuid.UUID) (*caches.ForecastRow, error) {
	return nil, caches.ErrNotFound
}

func (emptyReads) NextStepsByProvider(ctx context.Context, id uuid.UUID, from, to time.Time) ([]*caches.NextStepRow, error) {
	return nil, nil
}

func (emptyReads) Feed(ctx context.Context, f caches.FeedFilter) ([]caches.FeedItem, error) {
	return nil, nil
}

func (emptyReads) ListByEpisode(ctx context.Context, id uuid.UUID) ([]intents.Intent, error) {
	return nil, nil
}

func (emptyReads) ListByProvider(ctx context.Context, id uuid.UUID, from, to time.Time) ([]intents.Intent, error) {
	return nil, nil
}

func (emptyReads) LiveSuggestion(ctx context.Context, id uuid.UUID) (*stage.Suggestion, error) {
	return nil, nil
}

func (emptyReads) AcceptSuggestion(ctx context.Context, id uuid.UUID, actor string) (*stage.Event, error) {
	return nil, nil
}

func (emptyReads) DismissSuggestion(ctx context.Context, id uuid.UUID, key string) (time.Time, error) {
	return time.Time{}, nil
}

func (emptyReads) Quote(ctx context.Context, patientID uuid.UUID, slotStart time.Time) (*risk.Quote, error) {
	return &risk.Quote{}, nil
}

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

func newTestRouter(t *testing.T, checks map[string]Pinger) http.Handler {
	t.Helper()

	logger := logging.Default()
	reads := emptyReads{}
	reg := prometheus.NewRegistry()

	return New(&Config{
		Logger:         logger,
		Scheduling:     handlers.NewSchedulingHandler(reads, reads, reads, reads, logger),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Checks:         checks,
	})
}

func TestRouterHealthEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status 'ok', got %q", resp["status"])
	}
}

func TestRouterReadyReportsFailingDependency(t *testing.T) {
	router := newTestRouter(t, map[string]Pinger{
		"postgres": pinger{},
		"redis":    pinger{err: errors.New("refused")},
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var resp struct {
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Checks["postgres"] != "ok" || resp.Checks["redis"] != "unavailable" {
		t.Fatalf("unexpected checks: %v", resp.Checks)
	}
}

func TestRouterMountsSchedulingRoutes(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/episodes/"+uuid.NewString()+"/next-step", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for uncached episode, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/feed", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected feed 200, got %d", rr.Code)
	}
}

func TestRouterMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected metrics 200, got %d", rr.Code)
	}
}
