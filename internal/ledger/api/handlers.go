package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"paymentledger/internal/common/api"
	"paymentledger/internal/common/events"
	"paymentledger/internal/ledger"
	"paymentledger/internal/ledger/domain"
)

// Handler handles ledger HTTP requests
type Handler struct {
	service *ledger.Service
}

// NewHandler creates a new ledger handler
func NewHandler(service *ledger.Service) *Handler {
	return &Handler{service: service}
}

// Routes returns the ledger routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/transactions/{transactionID}", func(r chi.Router) {
		r.Get("/", h.GetTransaction)
		r.Post("/events", h.ApplyEvent)
		r.Get("/events", h.ListEvents)
	})

	return r
}

// ApplyEventRequest is the API request for reporting one processor event.
// The transaction id comes from the path.
type ApplyEventRequest struct {
	ID                    string    `json:"id" validate:"required,max=255"`
	Kind                  string    `json:"kind" validate:"required"`
	Amount                string    `json:"amount" validate:"required,numeric"`
	Currency              string    `json:"currency" validate:"required,len=3"`
	PSPReference          string    `json:"psp_reference" validate:"max=255"`
	IncludeInCalculations *bool     `json:"include_in_calculations"`
	ObservedAt            time.Time `json:"observed_at"`
	Message               string    `json:"message"`
}

// ApplyEventResponse reports what the ledger did with an event
type ApplyEventResponse struct {
	Outcome        domain.Outcome   `json:"outcome"`
	IdempotencyKey string           `json:"idempotency_key"`
	Transaction    TransactionView  `json:"transaction"`
	Anomalies      []domain.Anomaly `json:"anomalies,omitempty"`
}

// TransactionView is a snapshot plus derived fields
type TransactionView struct {
	domain.Snapshot
	Settled bool `json:"settled"`
}

func newTransactionView(s domain.Snapshot) TransactionView {
	return TransactionView{Snapshot: s, Settled: s.IsSettled()}
}

// ApplyEvent handles POST /transactions/{transactionID}/events
func (h *Handler) ApplyEvent(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionID")
	if transactionID == "" {
		api.BadRequest(w, "transaction ID required")
		return
	}

	var req ApplyEventRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		if errors.Is(err, api.ErrBadJSON) {
			api.BadRequest(w, "invalid request body")
			return
		}
		api.ValidationError(w, err)
		return
	}

	event, err := ledger.EventFromData(events.TransactionEventData{
		ID:                    req.ID,
		TransactionID:         transactionID,
		Kind:                  req.Kind,
		Amount:                req.Amount,
		Currency:              req.Currency,
		PSPReference:          req.PSPReference,
		IncludeInCalculations: req.IncludeInCalculations,
		ObservedAt:            req.ObservedAt,
		Message:               req.Message,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	result, err := h.service.ApplyEvent(r.Context(), transactionID, event)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Outcome == domain.OutcomeDuplicate {
		status = http.StatusOK
	}
	api.WriteData(w, status, ApplyEventResponse{
		Outcome:        result.Outcome,
		IdempotencyKey: result.IdempotencyKey,
		Transaction:    newTransactionView(result.Snapshot),
		Anomalies:      result.Anomalies,
	})
}

// GetTransaction handles GET /transactions/{transactionID}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionID")

	snap, err := h.service.GetSnapshot(r.Context(), transactionID)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	api.WriteData(w, http.StatusOK, newTransactionView(snap))
}

// ListEvents handles GET /transactions/{transactionID}/events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	transactionID := chi.URLParam(r, "transactionID")
	page := api.GetPaginationParams(r, 50, 200)

	entries, total, err := h.service.ListEvents(r.Context(), transactionID, page.Limit, page.Offset)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	api.WritePaginated(w, entries, api.NewPagination(page.Limit, page.Offset, total))
}

func writeLedgerError(w http.ResponseWriter, err error) {
	var eventErr *domain.EventError
	switch {
	case errors.As(err, &eventErr):
		api.WriteErrorWithDetails(w, http.StatusUnprocessableEntity, api.ErrCodeMalformedEvent, "malformed event",
			map[string]string{eventErr.Field: eventErr.Reason})
	case errors.Is(err, domain.ErrMalformedEvent):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeMalformedEvent, err.Error())
	case errors.Is(err, domain.ErrCurrencyMismatch):
		api.Conflict(w, api.ErrCodeCurrencyMismatch, err.Error())
	case errors.Is(err, ledger.ErrCurrencyNotAccepted):
		api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeValidation, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		api.NotFound(w, "transaction not found")
	default:
		api.InternalError(w, "failed to process request")
	}
}
