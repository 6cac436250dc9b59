package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-labs/conductor-go/internal/domain"
	"github.com/conductor-labs/conductor-go/internal/engine"
	"github.com/conductor-labs/conductor-go/internal/platform/auditlog"
	"github.com/conductor-labs/conductor-go/internal/platform/httpserver"
	"github.com/conductor-labs/conductor-go/internal/repo"
	"github.com/conductor-labs/conductor-go/internal/retry"
)

type eventEmitter interface {
	Emit(ctx context.Context, event domain.TriggerEvent) error
}

type conductorAPI struct {
	logger *slog.Logger
	db     *sql.DB

	routes      repo.RouteRepository
	definitions repo.DefinitionRepository
	executions  repo.ExecutionRepository
	deadLetters repo.DeadLetterRepository
	handoffs    repo.HandoffRepository

	emitter eventEmitter
	engine  *engine.Engine
	retries *retry.Manager
}

func newConductorAPI(
	logger *slog.Logger,
	db *sql.DB,
	routes repo.RouteRepository,
	definitions repo.DefinitionRepository,
	executions repo.ExecutionRepository,
	deadLetters repo.DeadLetterRepository,
	handoffs repo.HandoffRepository,
	emitter eventEmitter,
	eng *engine.Engine,
	retries *retry.Manager,
) *conductorAPI {
	return &conductorAPI{
		logger:      logger,
		db:          db,
		routes:      routes,
		definitions: definitions,
		executions:  executions,
		deadLetters: deadLetters,
		handoffs:    handoffs,
		emitter:     emitter,
		engine:      eng,
		retries:     retries,
	}
}

func (api *conductorAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /events", api.handleIngestEvent)

	mux.HandleFunc("GET /executions", api.handleListExecutions)
	mux.HandleFunc("GET /executions/{execution_id}", api.handleGetExecution)
	mux.HandleFunc("POST /executions/{execution_id}/confirm", api.handleConfirmExecution)
	mux.HandleFunc("POST /executions/{execution_id}/cancel", api.handleCancelExecution)

	mux.HandleFunc("GET /dead-letters", api.handleListDeadLetters)
	mux.HandleFunc("GET /dead-letters/{entry_id}", api.handleGetDeadLetter)
	mux.HandleFunc("POST /dead-letters/{entry_id}/retry", api.handleRetryDeadLetter)
	mux.HandleFunc("POST /dead-letters/{entry_id}/abandon", api.handleAbandonDeadLetter)

	mux.HandleFunc("GET /routes", api.handleListRoutes)
	mux.HandleFunc("POST /routes", api.handleCreateRoute)
	mux.HandleFunc("POST /routes/{route_id}/deactivate", api.handleDeactivateRoute)

	mux.HandleFunc("GET /definitions", api.handleListDefinitions)
	mux.HandleFunc("POST /definitions", api.handlePublishDefinition)

	mux.HandleFunc("GET /handoffs", api.handleListHandoffs)
	mux.HandleFunc("POST /handoffs", api.handleCreateHandoff)
	mux.HandleFunc("POST /handoffs/{handoff_id}/deactivate", api.handleDeactivateHandoff)
}

// Events

type ingestEventRequest struct {
	TenantID       string          `json:"tenant_id"`
	EventType      string          `json:"event_type"`
	Payload        domain.Metadata `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	InitiatedBy    string          `json:"initiated_by"`
}

func (api *conductorAPI) handleIngestEvent(w http.ResponseWriter, r *http.Request) {
	var req ingestEventRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	if req.InitiatedBy == "" {
		req.InitiatedBy = "trigger:api"
	}

	event := domain.TriggerEvent{
		TenantID:       strings.TrimSpace(req.TenantID),
		EventType:      strings.TrimSpace(req.EventType),
		Payload:        req.Payload,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		InitiatedBy:    strings.TrimSpace(req.InitiatedBy),
	}
	if err := event.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_event")
		return
	}
	if err := api.emitter.Emit(r.Context(), event); err != nil {
		api.logger.Error("event intake failed", "event_type", event.EventType, "error", err)
		api.writeError(w, r, http.StatusServiceUnavailable, "queue_unavailable")
		return
	}
	httpserver.WriteJSON(w, http.StatusAccepted, map[string]any{
		"status":          "accepted",
		"event_type":      event.EventType,
		"idempotency_key": event.IdempotencyKey,
	})
}

// Executions

type executionView struct {
	ExecutionID       string                       `json:"execution_id"`
	TenantID          string                       `json:"tenant_id"`
	SequenceKey       string                       `json:"sequence_key"`
	DefinitionVersion int                          `json:"definition_version"`
	IdempotencyKey    string                       `json:"idempotency_key"`
	InitiatedBy       string                       `json:"initiated_by,omitempty"`
	Status            domain.ExecutionStatus       `json:"status"`
	CurrentStep       string                       `json:"current_step,omitempty"`
	CompletedSteps    int                          `json:"completed_steps"`
	TotalSteps        int                          `json:"total_steps"`
	Context           domain.Metadata              `json:"context,omitempty"`
	StepResults       map[string]domain.StepResult `json:"step_results,omitempty"`
	PendingAction     *domain.PendingAction        `json:"pending_action,omitempty"`
	ConfirmedAt       *time.Time                   `json:"confirmed_at,omitempty"`
	ErrorClass        domain.ErrorClass            `json:"error_class,omitempty"`
	ErrorDetail       string                       `json:"error_detail,omitempty"`
	Attempt           int                          `json:"attempt"`
	EventType         string                       `json:"event_type,omitempty"`
	OriginExecutionID string                       `json:"origin_execution_id,omitempty"`
	ChainDepth        int                          `json:"chain_depth,omitempty"`
	StartedAt         time.Time                    `json:"started_at"`
	CompletedAt       *time.Time                   `json:"completed_at,omitempty"`
}

func executionToView(execution domain.SequenceExecution) executionView {
	return executionView{
		ExecutionID:       execution.ID,
		TenantID:          execution.TenantID,
		SequenceKey:       execution.SequenceKey,
		DefinitionVersion: execution.DefinitionVersion,
		IdempotencyKey:    execution.IdempotencyKey,
		InitiatedBy:       execution.InitiatedBy,
		Status:            execution.Status,
		CurrentStep:       execution.CurrentStep,
		CompletedSteps:    execution.CompletedSteps,
		TotalSteps:        execution.TotalSteps,
		Context:           execution.Context,
		StepResults:       execution.StepResults,
		PendingAction:     execution.PendingAction,
		ConfirmedAt:       execution.ConfirmedAt,
		ErrorClass:        execution.ErrorClass,
		ErrorDetail:       execution.ErrorDetail,
		Attempt:           execution.Attempt,
		EventType:         execution.EventType,
		OriginExecutionID: execution.OriginExecutionID,
		ChainDepth:        execution.ChainDepth,
		StartedAt:         execution.StartedAt,
		CompletedAt:       execution.CompletedAt,
	}
}

func (api *conductorAPI) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := repo.ExecutionFilter{
		TenantID:    strings.TrimSpace(r.URL.Query().Get("tenant_id")),
		SequenceKey: strings.TrimSpace(r.URL.Query().Get("sequence_key")),
		Status:      domain.ExecutionStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:       queryLimit(r, 100),
	}
	executions, err := api.executions.ListExecutions(r.Context(), filter)
	if err != nil {
		api.logger.Error("list executions failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]executionView, 0, len(executions))
	for _, execution := range executions {
		views = append(views, executionToView(execution))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"executions": views})
}

func (api *conductorAPI) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	execution, err := api.executions.GetExecution(r.Context(), r.PathValue("execution_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "execution_not_found")
			return
		}
		api.logger.Error("get execution failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, executionToView(execution))
}

type confirmRequest struct {
	Approve   bool   `json:"approve"`
	DecidedBy string `json:"decided_by"`
}

func (api *conductorAPI) handleConfirmExecution(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("execution_id")
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	decidedBy := strings.TrimSpace(req.DecidedBy)
	if decidedBy == "" {
		api.writeError(w, r, http.StatusBadRequest, "decided_by_required")
		return
	}

	execution, err := api.engine.Confirm(r.Context(), executionID, engine.Decision{
		Approve:   req.Approve,
		DecidedBy: decidedBy,
	})
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "execution_not_found")
		case errors.Is(err, engine.ErrNotAwaitingApproval):
			api.writeError(w, r, http.StatusConflict, "not_awaiting_approval")
		default:
			api.logger.Error("confirm failed", "execution_id", executionID, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}

	action := "execution.approve"
	if !req.Approve {
		action = "execution.reject"
	}
	api.audit(r, decidedBy, action, "execution", execution.ID, map[string]any{
		"sequence_key": execution.SequenceKey,
		"status":       string(execution.Status),
	})
	httpserver.WriteJSON(w, http.StatusOK, executionToView(execution))
}

type cancelRequest struct {
	CancelledBy string `json:"cancelled_by"`
}

func (api *conductorAPI) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("execution_id")
	var req cancelRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	cancelledBy := strings.TrimSpace(req.CancelledBy)
	if cancelledBy == "" {
		api.writeError(w, r, http.StatusBadRequest, "cancelled_by_required")
		return
	}

	execution, err := api.engine.Cancel(r.Context(), executionID, cancelledBy)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "execution_not_found")
		case errors.Is(err, engine.ErrTerminal):
			api.writeError(w, r, http.StatusConflict, "execution_terminal")
		default:
			api.writeError(w, r, http.StatusConflict, "not_cancellable")
		}
		return
	}
	api.audit(r, cancelledBy, "execution.cancel", "execution", execution.ID, map[string]any{
		"sequence_key": execution.SequenceKey,
	})
	httpserver.WriteJSON(w, http.StatusOK, executionToView(execution))
}

// Dead letters

type deadLetterView struct {
	EntryID        string                  `json:"entry_id"`
	ExecutionID    string                  `json:"execution_id"`
	TenantID       string                  `json:"tenant_id"`
	InitiatedBy    string                  `json:"initiated_by,omitempty"`
	EventType      string                  `json:"event_type"`
	Payload        domain.Metadata         `json:"payload,omitempty"`
	IdempotencyKey string                  `json:"idempotency_key"`
	Reason         string                  `json:"reason,omitempty"`
	FailedStep     string                  `json:"failed_step,omitempty"`
	RetryCount     int                     `json:"retry_count"`
	MaxRetries     int                     `json:"max_retries"`
	Status         domain.DeadLetterStatus `json:"status"`
	NextRetryAt    *time.Time              `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	ResolvedAt     *time.Time              `json:"resolved_at,omitempty"`
}

func deadLetterToView(entry domain.DeadLetterEntry) deadLetterView {
	return deadLetterView{
		EntryID:        entry.ID,
		ExecutionID:    entry.ExecutionID,
		TenantID:       entry.TenantID,
		InitiatedBy:    entry.InitiatedBy,
		EventType:      entry.EventType,
		Payload:        entry.Payload,
		IdempotencyKey: entry.IdempotencyKey,
		Reason:         entry.Reason,
		FailedStep:     entry.FailedStep,
		RetryCount:     entry.RetryCount,
		MaxRetries:     entry.MaxRetries,
		Status:         entry.Status,
		NextRetryAt:    entry.NextRetryAt,
		CreatedAt:      entry.CreatedAt,
		ResolvedAt:     entry.ResolvedAt,
	}
}

func (api *conductorAPI) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	filter := repo.DeadLetterFilter{
		TenantID: strings.TrimSpace(r.URL.Query().Get("tenant_id")),
		Status:   domain.DeadLetterStatus(strings.TrimSpace(r.URL.Query().Get("status"))),
		Limit:    queryLimit(r, 100),
	}
	entries, err := api.deadLetters.ListEntries(r.Context(), filter)
	if err != nil {
		api.logger.Error("list dead letters failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	views := make([]deadLetterView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, deadLetterToView(entry))
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"dead_letters": views})
}

func (api *conductorAPI) handleGetDeadLetter(w http.ResponseWriter, r *http.Request) {
	entry, err := api.deadLetters.GetEntry(r.Context(), r.PathValue("entry_id"))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "dead_letter_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, deadLetterToView(entry))
}

type deadLetterActionRequest struct {
	Actor string `json:"actor"`
}

func (api *conductorAPI) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	entryID := r.PathValue("entry_id")
	var req deadLetterActionRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	entry, err := api.retries.RetryEntry(r.Context(), entryID)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "dead_letter_not_found")
		case errors.Is(err, retry.ErrEntryClosed):
			api.writeError(w, r, http.StatusConflict, "dead_letter_closed")
		default:
			api.logger.Error("dead letter retry failed", "entry_id", entryID, "error", err)
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	api.audit(r, actorOrDefault(req.Actor), "dead_letter.retry", "dead_letter", entry.ID, map[string]any{
		"execution_id": entry.ExecutionID,
		"retry_count":  entry.RetryCount,
		"status":       string(entry.Status),
	})
	httpserver.WriteJSON(w, http.StatusOK, deadLetterToView(entry))
}

func (api *conductorAPI) handleAbandonDeadLetter(w http.ResponseWriter, r *http.Request) {
	entryID := r.PathValue("entry_id")
	var req deadLetterActionRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	entry, err := api.retries.AbandonEntry(r.Context(), entryID)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "dead_letter_not_found")
		case errors.Is(err, retry.ErrEntryClosed):
			api.writeError(w, r, http.StatusConflict, "dead_letter_closed")
		default:
			api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		}
		return
	}
	api.audit(r, actorOrDefault(req.Actor), "dead_letter.abandon", "dead_letter", entry.ID, map[string]any{
		"execution_id": entry.ExecutionID,
	})
	httpserver.WriteJSON(w, http.StatusOK, deadLetterToView(entry))
}

// Routes

type routeRequest struct {
	ID          string             `json:"id"`
	TenantID    string             `json:"tenant_id"`
	EventType   string             `json:"event_type"`
	SequenceKey string             `json:"sequence_key"`
	Priority    int                `json:"priority"`
	Conditions  []domain.Condition `json:"conditions,omitempty"`
	Actor       string             `json:"actor"`
}

func (api *conductorAPI) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	route := domain.EventRoute{
		ID:          req.ID,
		TenantID:    strings.TrimSpace(req.TenantID),
		EventType:   strings.TrimSpace(req.EventType),
		SequenceKey: strings.TrimSpace(req.SequenceKey),
		Priority:    req.Priority,
		Conditions:  req.Conditions,
		Active:      true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := route.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_route")
		return
	}
	if err := api.routes.CreateRoute(r.Context(), route); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			api.writeError(w, r, http.StatusConflict, "route_exists")
			return
		}
		api.logger.Error("create route failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.audit(r, actorOrDefault(req.Actor), "route.create", "route", route.ID, map[string]any{
		"event_type":   route.EventType,
		"sequence_key": route.SequenceKey,
		"tenant_id":    route.TenantID,
	})
	httpserver.WriteJSON(w, http.StatusCreated, route)
}

func (api *conductorAPI) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	filter := repo.RouteFilter{
		TenantID:  strings.TrimSpace(r.URL.Query().Get("tenant_id")),
		EventType: strings.TrimSpace(r.URL.Query().Get("event_type")),
		Limit:     queryLimit(r, 100),
	}
	routes, err := api.routes.ListRoutes(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"routes": routes})
}

func (api *conductorAPI) handleDeactivateRoute(w http.ResponseWriter, r *http.Request) {
	routeID := r.PathValue("route_id")
	if err := api.routes.DeactivateRoute(r.Context(), routeID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "route_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.audit(r, actorOrDefault(""), "route.deactivate", "route", routeID, nil)
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"id": routeID, "active": false})
}

// Definitions

type definitionRequest struct {
	ID              string                `json:"id"`
	TenantID        string                `json:"tenant_id"`
	SequenceKey     string                `json:"sequence_key"`
	Version         int                   `json:"version"`
	SchemaVersion   string                `json:"schema_version"`
	Steps           []domain.SequenceStep `json:"steps"`
	RequiredContext []string              `json:"required_context,omitempty"`
	CreatedBy       string                `json:"created_by"`
}

func (api *conductorAPI) handlePublishDefinition(w http.ResponseWriter, r *http.Request) {
	var req definitionRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SchemaVersion == "" {
		req.SchemaVersion = domain.DefinitionSchemaV1
	}
	def := domain.SequenceDefinition{
		ID:              req.ID,
		TenantID:        strings.TrimSpace(req.TenantID),
		SequenceKey:     strings.TrimSpace(req.SequenceKey),
		Version:         req.Version,
		SchemaVersion:   req.SchemaVersion,
		Steps:           req.Steps,
		RequiredContext: req.RequiredContext,
		Active:          true,
		CreatedAt:       time.Now().UTC(),
		CreatedBy:       strings.TrimSpace(req.CreatedBy),
	}
	if err := def.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_definition")
		return
	}
	if err := api.definitions.PublishDefinition(r.Context(), def); err != nil {
		if errors.Is(err, repo.ErrVersionConflict) {
			api.writeError(w, r, http.StatusConflict, "version_conflict")
			return
		}
		api.logger.Error("publish definition failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.audit(r, actorOrDefault(req.CreatedBy), "definition.publish", "definition", def.ID, map[string]any{
		"sequence_key": def.SequenceKey,
		"version":      def.Version,
		"tenant_id":    def.TenantID,
	})
	httpserver.WriteJSON(w, http.StatusCreated, def)
}

func (api *conductorAPI) handleListDefinitions(w http.ResponseWriter, r *http.Request) {
	filter := repo.DefinitionFilter{
		TenantID:    strings.TrimSpace(r.URL.Query().Get("tenant_id")),
		SequenceKey: strings.TrimSpace(r.URL.Query().Get("sequence_key")),
		Limit:       queryLimit(r, 100),
	}
	defs, err := api.definitions.ListDefinitions(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"definitions": defs})
}

// Handoffs

type handoffRequest struct {
	ID                string                  `json:"id"`
	SourceSequenceKey string                  `json:"source_sequence_key"`
	SourceStep        string                  `json:"source_step"`
	TargetEventType   string                  `json:"target_event_type"`
	Mappings          []domain.ContextMapping `json:"mappings,omitempty"`
	Conditions        []domain.Condition      `json:"conditions,omitempty"`
	DelaySeconds      int                     `json:"delay_seconds"`
	Actor             string                  `json:"actor"`
}

func (api *conductorAPI) handleCreateHandoff(w http.ResponseWriter, r *http.Request) {
	var req handoffRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	route := domain.HandoffRoute{
		ID:                req.ID,
		SourceSequenceKey: strings.TrimSpace(req.SourceSequenceKey),
		SourceStep:        strings.TrimSpace(req.SourceStep),
		TargetEventType:   strings.TrimSpace(req.TargetEventType),
		Mappings:          req.Mappings,
		Conditions:        req.Conditions,
		DelaySeconds:      req.DelaySeconds,
		Active:            true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := route.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_handoff")
		return
	}
	if err := api.handoffs.CreateHandoff(r.Context(), route); err != nil {
		if errors.Is(err, repo.ErrAlreadyExists) {
			api.writeError(w, r, http.StatusConflict, "handoff_exists")
			return
		}
		api.logger.Error("create handoff failed", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.audit(r, actorOrDefault(req.Actor), "handoff.create", "handoff", route.ID, map[string]any{
		"source_sequence_key": route.SourceSequenceKey,
		"source_step":         route.SourceStep,
		"target_event_type":   route.TargetEventType,
	})
	httpserver.WriteJSON(w, http.StatusCreated, route)
}

func (api *conductorAPI) handleListHandoffs(w http.ResponseWriter, r *http.Request) {
	filter := repo.HandoffFilter{
		SourceSequenceKey: strings.TrimSpace(r.URL.Query().Get("source_sequence_key")),
		Limit:             queryLimit(r, 100),
	}
	handoffs, err := api.handoffs.ListHandoffs(r.Context(), filter)
	if err != nil {
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"handoffs": handoffs})
}

func (api *conductorAPI) handleDeactivateHandoff(w http.ResponseWriter, r *http.Request) {
	handoffID := r.PathValue("handoff_id")
	if err := api.handoffs.DeactivateHandoff(r.Context(), handoffID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "handoff_not_found")
			return
		}
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.audit(r, actorOrDefault(""), "handoff.deactivate", "handoff", handoffID, nil)
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"id": handoffID, "active": false})
}

// Helpers

func (api *conductorAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	requestID, _ := httpserver.RequestIDFromContext(r.Context())
	httpserver.WriteJSON(w, status, map[string]any{
		"error":      code,
		"request_id": requestID,
	})
}

// audit appends an operator action to the audit table. It is best effort:
// the state change already committed, so a logging failure must not turn a
// successful operation into an error response.
func (api *conductorAPI) audit(r *http.Request, actor, action, resourceType, resourceID string, payload map[string]any) {
	if api.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 750*time.Millisecond)
	defer cancel()
	_, err := auditlog.Insert(ctx, api.db, auditlog.Event{
		OccurredAt:   time.Now().UTC(),
		Actor:        actor,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		RequestID:    r.Header.Get("X-Request-Id"),
		Payload:      payload,
	})
	if err != nil {
		api.logger.Error("audit insert failed", "action", action, "resource_id", resourceID, "error", err)
	}
}

func actorOrDefault(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "operator:unknown"
	}
	return actor
}

func decodeJSON(r *http.Request, dst any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func queryLimit(r *http.Request, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}
