package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/LifePipe/internal/models"
	"github.com/go-chi/chi/v5"
)

type deliverRequest struct {
	UserID   string            `json:"user_id"`
	Category string            `json:"category"`
	Text     string            `json:"text"`
	Subject  string            `json:"subject,omitempty"`
	Rich     map[string]string `json:"rich,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, success(map[string]string{"service": "lifepipe"}))
}

func (s *Server) deliverHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req deliverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.deliverHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, failure("Invalid JSON format"))
		return
	}
	if req.Category == "" {
		req.Category = models.CategoryReply
	}
	ticket, err := s.orch.Deliver(r.Context(), models.Delivery{
		UserID:   req.UserID,
		Category: req.Category,
		Message:  models.Message{Text: req.Text, Subject: req.Subject, Rich: req.Rich},
	})
	s.writeTicket(w, ticket, err)
}

func (s *Server) checkInHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	def := s.checkIn()
	ticket, err := s.orch.StartFlow(r.Context(), userID, models.CategoryCheckIn, def)
	s.writeTicket(w, ticket, err)
}

func (s *Server) lastSentHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ticket, ok := s.orch.LastSent(userID, r.URL.Query().Get("category"))
	if !ok {
		writeJSONResponse(w, http.StatusNotFound, failure("Nothing sent yet"))
		return
	}
	writeJSONResponse(w, http.StatusOK, success(ticket))
}

func (s *Server) flowsHandler(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	flows, err := s.orch.ListFlows(r.Context(), userID)
	if err != nil {
		slog.Error("Server.flowsHandler: failed to list flows", "userID", userID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, failure("Failed to list flows"))
		return
	}
	if flows == nil {
		flows = []*models.ConversationFlowState{}
	}
	writeJSONResponse(w, http.StatusOK, success(flows))
}

// writeTicket maps a delivery outcome to a response. Queued deliveries are
// accepted; failed ones report the ticket alongside the error.
func (s *Server) writeTicket(w http.ResponseWriter, ticket models.DeliveryTicket, err error) {
	switch {
	case errors.Is(err, models.ErrUnknownUser):
		writeJSONResponse(w, http.StatusNotFound, failure(err.Error()))
	case errors.Is(err, models.ErrEmptyUserID), errors.Is(err, models.ErrEmptyMessage),
		errors.Is(err, models.ErrMessageTooLong), errors.Is(err, models.ErrEmptyFlow):
		writeJSONResponse(w, http.StatusBadRequest, failure(err.Error()))
	case err != nil && ticket.Status == models.DeliveryStatusFailed:
		writeJSONResponse(w, http.StatusBadGateway, Response{Status: StatusError, Result: ticket, Error: err.Error()})
	case err != nil:
		slog.Error("Server.writeTicket: delivery error", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, failure(err.Error()))
	case ticket.Status == models.DeliveryStatusQueued:
		writeJSONResponse(w, http.StatusAccepted, success(ticket))
	default:
		writeJSONResponse(w, http.StatusOK, success(ticket))
	}
}
