package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nkkko/ruleflow/internal/api/errors"
	"github.com/nkkko/ruleflow/internal/api/models"
	"github.com/nkkko/ruleflow/internal/api/response"
	"github.com/nkkko/ruleflow/internal/api/validation"
	"github.com/nkkko/ruleflow/pkg/proto"
)

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := a.deps.Routes.List(r.Context()); err != nil {
		http.Error(w, "route store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleSubmitEvent queues an event for evaluation
func (a *API) handleSubmitEvent(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitEventRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	if err := a.deps.Events.Submit(r.Context(), req.Event); err != nil {
		response.Error(w, r, err)
		return
	}

	a.logger.Debug().
		Str("event_id", req.Event.Id).
		Str("event_type", req.Event.Type.String()).
		Msg("Event accepted")

	response.JSON(w, r, http.StatusAccepted, &proto.SubmitEventResponse{
		Id:       req.Event.Id,
		Accepted: true,
	})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	if a.deps.Status == nil {
		response.Error(w, r, errors.NotFoundError("status_unavailable", "Status is not available"))
		return
	}
	response.JSON(w, r, http.StatusOK, a.deps.Status())
}

func (a *API) loaded(name string) bool {
	if a.deps.Loaded == nil {
		return false
	}
	_, ok := a.deps.Loaded.Definition(name)
	return ok
}

// handleListRoutes lists stored routes in configuration order
func (a *API) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	records, err := a.deps.Routes.List(r.Context())
	if err != nil {
		response.Error(w, r, err)
		return
	}

	routes := make([]*models.RouteResponse, 0, len(records))
	for _, rec := range records {
		routes = append(routes, models.RouteFromProto(rec, a.loaded(rec.Name)))
	}

	response.JSON(w, r, http.StatusOK, &models.RoutesResponse{Routes: routes, Count: len(routes)})
}

func (a *API) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	rec, err := a.deps.Routes.GetByName(r.Context(), name)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusOK, models.RouteFromProto(rec, a.loaded(rec.Name)))
}

func (a *API) handleCreateRoute(w http.ResponseWriter, r *http.Request) {
	var req models.CreateRouteRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	created, err := a.deps.Manager.Create(r.Context(), req.ToProto())
	if err != nil {
		response.Error(w, r, err)
		return
	}

	response.JSON(w, r, http.StatusCreated, models.RouteFromProto(created, a.loaded(created.Name)))
}

func (a *API) handleUpdateRoute(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req models.UpdateRouteRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	stored, err := a.deps.Routes.GetByName(r.Context(), name)
	if err != nil {
		response.Error(w, r, err)
		return
	}

	updated := req.Apply(stored)
	if err := a.deps.Manager.Update(r.Context(), updated); err != nil {
		response.Error(w, r, err)
		return
	}

	a.logger.Info().Str("route", name).Str("rule_type", updated.Rule.Type).Msg("Route replaced")
	response.JSON(w, r, http.StatusOK, models.RouteFromProto(updated, a.loaded(name)))
}

func (a *API) handleSetActive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var req models.SetActiveRequest
	if err := validation.ParseAndValidate(r, &req); err != nil {
		response.Error(w, r, err)
		return
	}

	if err := a.deps.Manager.SetActive(r.Context(), name, req.Active); err != nil {
		response.Error(w, r, err)
		return
	}

	a.logger.Info().Str("route", name).Bool("active", req.Active).Msg("Route activation changed")

	rec, err := a.deps.Routes.GetByName(r.Context(), name)
	if err != nil {
		response.Error(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.RouteFromProto(rec, a.loaded(name)))
}

func (a *API) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := a.deps.Manager.Delete(r.Context(), name); err != nil {
		response.Error(w, r, err)
		return
	}
	response.NoContent(w)
}
