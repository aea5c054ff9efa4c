// Package orders exposes order intake and lifecycle commands over HTTP.
package orders

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kilianp07/lastmile/core/logger"
	"github.com/kilianp07/lastmile/core/model"
)

// Service is the part of the dispatch engine used by the handler.
type Service interface {
	CreateOrder(in model.NewOrder) (model.Order, error)
	SubmitOrder(ctx context.Context, orderID string) (model.Order, error)
	FindDriver(ctx context.Context, orderID string) (model.Order, error)
	CancelOrder(ctx context.Context, orderID, reason string) (model.Order, error)
	CompleteOrder(ctx context.Context, orderID string) (model.Order, error)
	Order(orderID string) (model.Order, error)
}

// Handler serves /api/orders.
type Handler struct {
	svc Service
	log logger.Logger
}

func NewHandler(svc Service, log logger.Logger) *Handler {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Handler{svc: svc, log: log}
}

// Register mounts the routes on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/orders", h.create).Methods(http.MethodPost)
	r.HandleFunc("/api/orders/{id}", h.get).Methods(http.MethodGet)
	r.HandleFunc("/api/orders/{id}/dispatch", h.dispatch).Methods(http.MethodPost)
	r.HandleFunc("/api/orders/{id}/cancel", h.cancel).Methods(http.MethodPost)
	r.HandleFunc("/api/orders/{id}/complete", h.complete).Methods(http.MethodPost)
}

// Response is the body of every answer.
type Response struct {
	Success bool         `json:"success"`
	Order   *model.Order `json:"order,omitempty"`
	Message string       `json:"message,omitempty"`
	// Warning reports a failure that happened after the change was applied.
	Warning string `json:"warning,omitempty"`
}

// create handles POST /api/orders. The order is stored and dispatched
// unless the query has dispatch=false.
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var in model.NewOrder
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{Message: "invalid JSON body"})
		return
	}
	o, err := h.svc.CreateOrder(in)
	if err != nil {
		h.writeResult(w, http.StatusCreated, o, err)
		return
	}
	if r.URL.Query().Get("dispatch") == "false" {
		writeJSON(w, http.StatusCreated, Response{Success: true, Order: &o})
		return
	}
	o, err = h.svc.FindDriver(r.Context(), o.ID)
	h.writeResult(w, http.StatusCreated, o, err)
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.Order(mux.Vars(r)["id"])
	h.writeResult(w, http.StatusOK, o, err)
}

// dispatch handles POST /api/orders/{id}/dispatch. Orders unknown locally
// are fetched from the ledger first.
func (h *Handler) dispatch(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.SubmitOrder(r.Context(), mux.Vars(r)["id"])
	h.writeResult(w, http.StatusOK, o, err)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, Response{Message: "invalid JSON body"})
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "cancelled by operator"
	}
	o, err := h.svc.CancelOrder(r.Context(), mux.Vars(r)["id"], body.Reason)
	h.writeResult(w, http.StatusOK, o, err)
}

func (h *Handler) complete(w http.ResponseWriter, r *http.Request) {
	o, err := h.svc.CompleteOrder(r.Context(), mux.Vars(r)["id"])
	h.writeResult(w, http.StatusOK, o, err)
}

// writeResult maps the error taxonomy onto HTTP statuses. An
// infrastructure error that comes with an order means the state change was
// committed and only the ledger write failed.
func (h *Handler) writeResult(w http.ResponseWriter, okStatus int, o model.Order, err error) {
	switch {
	case err == nil:
		writeJSON(w, okStatus, Response{Success: true, Order: &o})
	case errors.Is(err, model.ErrInfrastructure) && o.ID != "":
		h.log.Warnf("order %s: %v", o.ID, err)
		writeJSON(w, okStatus, Response{Success: true, Order: &o, Warning: err.Error()})
	default:
		writeJSON(w, StatusFor(err), Response{Message: err.Error()})
	}
}

// StatusFor returns the HTTP status matching err.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, model.ErrInfrastructure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
