package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/wolfman30/carepath-scheduler/internal/episodes"
	"github.com/wolfman30/carepath-scheduler/internal/intents"
	"github.com/wolfman30/carepath-scheduler/internal/pathway"
	"github.com/wolfman30/carepath-scheduler/internal/stage"
)

type episodeService interface {
	Get(ctx context.Context, id uuid.UUID) (*episodes.Episode, error)
	Open(ctx context.Context, patientID uuid.UUID, providerID *uuid.UUID) (*episodes.Episode, error)
	ActivatePathway(ctx context.Context, episodeID, pathwayID uuid.UUID, ordinal int) ([]pathway.EpisodeStep, error)
	TransitionStep(ctx context.Context, episodeID uuid.UUID, seq int, to pathway.StepStatus) (*pathway.EpisodeStep, error)
	Close(ctx context.Context, episodeID uuid.UUID) error
}

type stageRecorder interface {
	RecordTransition(ctx context.Context, episodeID uuid.UUID, to stage.Code, actor string) (*stage.Event, error)
}

type intentConverter interface {
	MarkConverted(ctx context.Context, episodeID uuid.UUID, key intents.Key, appointmentID uuid.UUID, now time.Time) (bool, error)
}

// WithConversions lets the booking flow mark an intent as booked.
func (h *SchedulingHandler) WithConversions(c intentConverter) *SchedulingHandler {
	h.converter = c
	return h
}

// WithLifecycle enables the episode write endpoints. Without it only the read
// side is mounted.
func (h *SchedulingHandler) WithLifecycle(e episodeService, s stageRecorder) *SchedulingHandler {
	h.episodes = e
	h.stages = s
	return h
}

func (h *SchedulingHandler) lifecycleRoutes(r chi.Router) {
	if h.episodes != nil {
		r.Post("/episodes", h.OpenEpisode)
	}
}

// episodeLifecycleRoutes registers under /episodes/{episodeID}.
func (h *SchedulingHandler) episodeLifecycleRoutes(r chi.Router) {
	if h.converter != nil {
		r.Post("/intents/convert", h.ConvertIntent)
	}
	if h.episodes == nil {
		return
	}
	r.Get("/", h.GetEpisode)
	r.Post("/pathways", h.ActivatePathway)
	r.Post("/steps/{seq}", h.TransitionStep)
	r.Post("/close", h.CloseEpisode)
	if h.stages != nil {
		r.Post("/stage", h.RecordStage)
	}
}

type openEpisodeRequest struct {
	PatientID  uuid.UUID  `json:"patient_id"`
	ProviderID *uuid.UUID `json:"provider_id,omitempty"`
}

func (h *SchedulingHandler) OpenEpisode(w http.ResponseWriter, r *http.Request) {
	var req openEpisodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PatientID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "patient_id is required")
		return
	}
	ep, err := h.episodes.Open(r.Context(), req.PatientID, req.ProviderID)
	if err != nil {
		h.lifecycleFail(w, "open episode", req.PatientID, err)
		return
	}
	writeJSON(w, http.StatusCreated, ep)
}

func (h *SchedulingHandler) GetEpisode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "episodeID")
	if !ok {
		return
	}
	ep, err := h.episodes.Get(r.Context(), id)
	if err != nil {
		h.lifecycleFail(w, "get episode", id, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

type activateRequest struct {
	PathwayID uuid.UUID `json:"pathway_id"`
	Ordinal   int       `json:"ordinal"`
}

func (h *SchedulingHandler) ActivatePathway(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "episodeID")
	if !ok {
		return
	}
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PathwayID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "pathway_id is required")
		return
	}
	if req.Ordinal < 0 {
		writeError(w, http.StatusBadRequest, "ordinal must not be negative")
		return
	}
	created, err := h.episodes.ActivatePathway(r.Context(), id, req.PathwayID, req.Ordinal)
	if err != nil {
		h.lifecycleFail(w, "activate pathway", id, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"steps_created": nonNil(created)})
}

type transitionRequest struct {
	Status pathway.StepStatus `json:"status"`
}

func (h *SchedulingHandler) TransitionStep(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "episodeID")
	if !ok {
		return
	}
	seq, err := strconv.Atoi(chi.URLParam(r, "seq"))
	if err != nil || seq < 1 {
		writeError(w, http.StatusBadRequest, "invalid seq")
		return
	}
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Status {
	case pathway.StepScheduled, pathway.StepCompleted, pathway.StepSkipped:
	default:
		writeError(w, http.StatusBadRequest, "status must be scheduled, completed or skipped")
		return
	}
	es, err := h.episodes.TransitionStep(r.Context(), id, seq, req.Status)
	if err != nil {
		h.lifecycleFail(w, "transition step", id, err)
		return
	}
	writeJSON(w, http.StatusOK, es)
}

func (h *SchedulingHandler) CloseEpisode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "episodeID")
	if !ok {
		return
	}
	if err := h.episodes.Close(r.Context(), id); err != nil {
		h.lifecycleFail(w, "close episode", id, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type stageRequest struct {
	Stage stage.Code `json:"stage"`
	Actor string     `json:"actor"`
}

func (h *SchedulingHandler) RecordStage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "episodeID")
	if !ok {
		return
	}
	var req stageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Actor) == "" {
		writeError(w, http.StatusBadRequest, "stage and actor are required")
		return
	}
	if !req.Stage.Valid() {
		writeError(w, http.StatusUnprocessableEntity, stage.ErrInvalidStage.Error())
		return
	}
	ev, err := h.stages.RecordTransition(r.Context(), id, req.Stage, strings.TrimSpace(req.Actor))
	if err != nil {
		h.lifecycleFail(w, "record stage", id, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

type convertRequest struct {
	StepCode      string    `json:"step_code"`
	StepSeq       int       `json:"step_seq"`
	AppointmentID uuid.UUID `json:"appointment_id"`
}

func (h *SchedulingHandler) ConvertIntent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "episodeID")
	if !ok {
		return
	}
	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.StepCode == "" || req.StepSeq < 1 || req.AppointmentID == uuid.Nil {
		writeError(w, http.StatusBadRequest, "step_code, step_seq and appointment_id are required")
		return
	}
	key := intents.Key{StepCode: req.StepCode, StepSeq: req.StepSeq}
	converted, err := h.converter.MarkConverted(r.Context(), id, key, req.AppointmentID, time.Now().UTC())
	if err != nil {
		h.fail(w, "convert intent", id, err)
		return
	}
	if !converted {
		writeError(w, http.StatusNotFound, "no open intent for step")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SchedulingHandler) lifecycleFail(w http.ResponseWriter, op string, id uuid.UUID, err error) {
	switch {
	case errors.Is(err, episodes.ErrNotFound),
		errors.Is(err, episodes.ErrStepNotFound),
		errors.Is(err, pathway.ErrNoPathway):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, episodes.ErrAlreadyOpen),
		errors.Is(err, episodes.ErrClosed),
		errors.Is(err, episodes.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.fail(w, op, id, err)
	}
}
