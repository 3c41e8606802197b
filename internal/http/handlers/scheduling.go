package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/wolfman30/carepath-scheduler/internal/caches"
	"github.com/wolfman30/carepath-scheduler/internal/intents"
	"github.com/wolfman30/carepath-scheduler/internal/pathway"
	"github.com/wolfman30/carepath-scheduler/internal/risk"
	"github.com/wolfman30/carepath-scheduler/internal/stage"
	"github.com/wolfman30/carepath-scheduler/pkg/logging"
)

type cacheReader interface {
	NextStep(ctx context.Context, episodeID uuid.UUID) (*caches.NextStepRow, error)
	Forecast(ctx context.Context, episodeID uuid.UUID) (*caches.ForecastRow, error)
	NextStepsByProvider(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]*caches.NextStepRow, error)
	Feed(ctx context.Context, f caches.FeedFilter) ([]caches.FeedItem, error)
}

type intentReader interface {
	ListByEpisode(ctx context.Context, episodeID uuid.UUID) ([]intents.Intent, error)
	ListByProvider(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]intents.Intent, error)
}

type suggestionService interface {
	LiveSuggestion(ctx context.Context, episodeID uuid.UUID) (*stage.Suggestion, error)
	AcceptSuggestion(ctx context.Context, episodeID uuid.UUID, actor string) (*stage.Event, error)
	DismissSuggestion(ctx context.Context, episodeID uuid.UUID, dedupeKey string) (time.Time, error)
}

type riskQuoter interface {
	Quote(ctx context.Context, patientID uuid.UUID, slotStart time.Time) (*risk.Quote, error)
}

// SchedulingHandler serves the scheduling API. Write routes are opt-in.
type SchedulingHandler struct {
	caches      cacheReader
	intents     intentReader
	suggestions suggestionService
	quoter      riskQuoter
	episodes    episodeService
	stages      stageRecorder
	converter   intentConverter
	loc         *time.Location
	logger      *logging.Logger
}

func NewSchedulingHandler(c cacheReader, i intentReader, s suggestionService, q riskQuoter, logger *logging.Logger) *SchedulingHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &SchedulingHandler{
		caches:      c,
		intents:     i,
		suggestions: s,
		quoter:      q,
		loc:         time.UTC,
		logger:      logger,
	}
}

// WithLocation sets the zone used for date-only query parameters.
func (h *SchedulingHandler) WithLocation(loc *time.Location) *SchedulingHandler {
	if loc != nil {
		h.loc = loc
	}
	return h
}

// Routes mounts the handler under a router.
func (h *SchedulingHandler) Routes() chi.Router {
	r := chi.NewRouter()
	h.lifecycleRoutes(r)
	r.Route("/episodes/{episodeID}", func(r chi.Router) {
		h.episodeLifecycleRoutes(r)
		r.Get("/next-step", h.GetNextStep)
		r.Get("/forecast", h.GetForecast)
		r.Get("/intents", h.ListEpisodeIntents)
		r.Get("/suggestion", h.GetSuggestion)
		r.Post("/suggestion/accept", h.AcceptSuggestion)
		r.Post("/suggestion/dismiss", h.DismissSuggestion)
	})
	r.Route("/providers/{providerID}", func(r chi.Router) {
		r.Get("/next-steps", h.ListProviderNextSteps)
		r.Get("/intents", h.ListProviderIntents)
	})
	r.Get("/feed", h.GetFeed)
	r.Post("/quotes", h.CreateQuote)
	return r
}

func (h *SchedulingHandler) GetNextStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "episodeID")
	if !ok {
		return
	}
	row, err := h.caches.NextStep(r.Context(), id)
	if err != nil {
		h.fail(w, "next step", id, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *SchedulingHandler) GetForecast(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "episodeID")
	if !ok {
		return
	}
	row, err := h.caches.Forecast(r.Context(), id)
	if err != nil {
		h.fail(w, "forecast", id, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (h *SchedulingHandler) ListEpisodeIntents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "episodeID")
	if !ok {
		return
	}
	list, err := h.intents.ListByEpisode(r.Context(), id)
	if err != nil {
		h.fail(w, "episode intents", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": nonNil(list)})
}

func (h *SchedulingHandler) ListProviderNextSteps(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "providerID")
	if !ok {
		return
	}
	from, to, ok := h.requiredRange(w, r)
	if !ok {
		return
	}
	rows, err := h.caches.NextStepsByProvider(r.Context(), id, from, to)
	if err != nil {
		h.fail(w, "provider next steps", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"next_steps": nonNil(rows)})
}

func (h *SchedulingHandler) ListProviderIntents(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "providerID")
	if !ok {
		return
	}
	from, to, ok := h.requiredRange(w, r)
	if !ok {
		return
	}
	list, err := h.intents.ListByProvider(r.Context(), id, from, to)
	if err != nil {
		h.fail(w, "provider intents", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intents": nonNil(list)})
}

func (h *SchedulingHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f caches.FeedFilter
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := parseDate(raw, h.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", name))
			return
		}
		*dst = &t
	}
	if raw := q.Get("provider_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid provider_id")
			return
		}
		f.ProviderID = &id
	}
	if raw := q.Get("pool"); raw != "" {
		pool := pathway.Pool(strings.ToLower(raw))
		if !pool.Valid() {
			writeError(w, http.StatusBadRequest, "invalid pool")
			return
		}
		f.Pool = pool
	}
	if raw := q.Get("ready_only"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid ready_only")
			return
		}
		f.ReadyOnly = v
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	items, err := h.caches.Feed(r.Context(), f)
	if err != nil {
		h.logger.Error("api: feed query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(items), "count": len(items)})
}

func (h *SchedulingHandler) GetSuggestion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "episodeID")
	if !ok {
		return
	}
	sg, err := h.suggestions.LiveSuggestion(r.Context(), id)
	if err != nil {
		h.fail(w, "live suggestion", id, err)
		return
	}
	if sg == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, sg)
}

type acceptRequest struct {
	Actor string `json:"actor"`
}

func (h *SchedulingHandler) AcceptSuggestion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "episodeID")
	if !ok {
		return
	}
	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Actor) == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}
	ev, err := h.suggestions.AcceptSuggestion(r.Context(), id, strings.TrimSpace(req.Actor))
	if err != nil {
		h.fail(w, "accept suggestion", id, err)
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "no live suggestion")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type dismissRequest struct {
	DedupeKey string `json:"dedupe_key"`
}

func (h *SchedulingHandler) DismissSuggestion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "episodeID")
	if !ok {
		return
	}
	var req dismissRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DedupeKey == "" {
		writeError(w, http.StatusBadRequest, "dedupe_key is required")
		return
	}
	until, err := h.suggestions.DismissSuggestion(r.Context(), id, req.DedupeKey)
	if err != nil {
		h.fail(w, "dismiss suggestion", id, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"dismissed_until": until})
}

type quoteRequest struct {
	PatientID uuid.UUID    `json:"patient_id"`
	EpisodeID uuid.UUID    `json:"episode_id"`
	Pool      pathway.Pool `json:"pool"`
	SlotID    uuid.UUID    `json:"slot_id"`
	SlotStart time.Time    `json:"slot_start"`
}

type quoteResponse struct {
	*risk.Quote
	EpisodeID uuid.UUID    `json:"episode_id"`
	Pool      pathway.Pool `json:"pool,omitempty"`
	SlotID    uuid.UUID    `json:"slot_id"`
}

// CreateQuote prices a prospective booking. The caller persists the
// appointment and its scheduling event.
func (h *SchedulingHandler) CreateQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PatientID == uuid.Nil || req.SlotStart.IsZero() {
		writeError(w, http.StatusBadRequest, "patient_id and slot_start are required")
		return
	}
	q, err := h.quoter.Quote(r.Context(), req.PatientID, req.SlotStart)
	if err != nil {
		h.logger.Error("api: quote failed", "error", err, "patient_id", req.PatientID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{Quote: q, EpisodeID: req.EpisodeID, Pool: req.Pool, SlotID: req.SlotID})
}

func (h *SchedulingHandler) fail(w http.ResponseWriter, op string, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, caches.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, stage.ErrInvalidStage):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.logger.Error("api: "+op+" failed", "error", err, "id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *SchedulingHandler) requiredRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()
	from, err := parseDate(q.Get("from"), h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "from is required (YYYY-MM-DD or RFC3339)")
		return time.Time{}, time.Time{}, false
	}
	to, err := parseDate(q.Get("to"), h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "to is required (YYYY-MM-DD or RFC3339)")
		return time.Time{}, time.Time{}, false
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to must not be before from")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

func parseDate(raw string, loc *time.Location) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("empty date")
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", raw, loc)
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
