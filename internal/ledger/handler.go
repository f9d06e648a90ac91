package ledger

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/fleetops/fleetops/internal/platform/httpx"
)

// Handler manages ledger endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/obligations", h.createObligation)
	r.Post("/credits", h.createManualCredit)
	r.Get("/postings", h.listPostings)
	r.Get("/postings/{postingID}", h.getPosting)
	r.Post("/postings/{postingID}/void", h.voidPosting)
	r.Get("/balances", h.listBalances)
	r.Get("/balances/{category}/{referenceID}", h.getBalance)
}

type createObligationRequest struct {
	Category    string `json:"category" validate:"required"`
	Amount      string `json:"amount" validate:"required"`
	ReferenceID string `json:"reference_id" validate:"required"`
	Description string `json:"description"`
	DriverID    *int64 `json:"driver_id"`
	LeaseID     *int64 `json:"lease_id"`
	VehicleID   *int64 `json:"vehicle_id"`
	MedallionID *int64 `json:"medallion_id"`
}

type postingResponse struct {
	PostingID   string        `json:"posting_id"`
	Category    Category      `json:"category"`
	EntryType   EntryType     `json:"entry_type"`
	Amount      string        `json:"amount"`
	ReferenceID string        `json:"reference_id"`
	Status      PostingStatus `json:"status"`
	Description string        `json:"description,omitempty"`
	DriverID    *int64        `json:"driver_id,omitempty"`
	LeaseID     *int64        `json:"lease_id,omitempty"`
	VehicleID   *int64        `json:"vehicle_id,omitempty"`
	MedallionID *int64        `json:"medallion_id,omitempty"`
	VoidedAt    *time.Time    `json:"voided_at,omitempty"`
	VoidReason  string        `json:"void_reason,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

type obligationResponse struct {
	Posting postingResponse `json:"posting"`
	Balance balanceResponse `json:"balance"`
}

func toPostingResponse(p Posting) postingResponse {
	return postingResponse{
		PostingID:   p.PostingID,
		Category:    p.Category,
		EntryType:   p.EntryType,
		Amount:      p.Amount.StringFixed(2),
		ReferenceID: p.ReferenceID,
		Status:      p.Status,
		Description: p.Description,
		DriverID:    p.DriverID,
		LeaseID:     p.LeaseID,
		VehicleID:   p.VehicleID,
		MedallionID: p.MedallionID,
		VoidedAt:    p.VoidedAt,
		VoidReason:  p.VoidReason,
		CreatedAt:   p.CreatedAt,
	}
}

type balanceResponse struct {
	Category       Category      `json:"category"`
	ReferenceID    string        `json:"reference_id"`
	OriginalAmount string        `json:"original_amount"`
	Balance        string        `json:"balance"`
	Status         BalanceStatus `json:"status"`
	DriverID       *int64        `json:"driver_id,omitempty"`
	LeaseID        *int64        `json:"lease_id,omitempty"`
	VehicleID      *int64        `json:"vehicle_id,omitempty"`
	MedallionID    *int64        `json:"medallion_id,omitempty"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

func toBalanceResponse(b Balance) balanceResponse {
	return balanceResponse{
		Category:       b.Category,
		ReferenceID:    b.ReferenceID,
		OriginalAmount: b.OriginalAmount.StringFixed(2),
		Balance:        b.Balance.StringFixed(2),
		Status:         b.Status,
		DriverID:       b.DriverID,
		LeaseID:        b.LeaseID,
		VehicleID:      b.VehicleID,
		MedallionID:    b.MedallionID,
		UpdatedAt:      b.UpdatedAt,
	}
}

func (h *Handler) createObligation(w http.ResponseWriter, r *http.Request) {
	var req createObligationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount must be a decimal string")
		return
	}

	p, bal, err := h.service.CreateObligation(r.Context(), ObligationInput{
		Category:    Category(req.Category),
		Amount:      amount,
		ReferenceID: req.ReferenceID,
		Description: req.Description,
		DriverID:    req.DriverID,
		LeaseID:     req.LeaseID,
		VehicleID:   req.VehicleID,
		MedallionID: req.MedallionID,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, obligationResponse{
		Posting: toPostingResponse(p),
		Balance: toBalanceResponse(bal),
	})
}

type createCreditRequest struct {
	Category    string `json:"category" validate:"required"`
	ReferenceID string `json:"reference_id" validate:"required"`
	Amount      string `json:"amount" validate:"required"`
	Description string `json:"description"`
}

func (h *Handler) createManualCredit(w http.ResponseWriter, r *http.Request) {
	var req createCreditRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount must be a decimal string")
		return
	}

	p, err := h.service.CreateManualCredit(r.Context(), ManualCreditInput{
		Category:    Category(req.Category),
		ReferenceID: req.ReferenceID,
		Amount:      amount,
		Description: req.Description,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toPostingResponse(p))
}

func (h *Handler) getPosting(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.GetPosting(r.Context(), chi.URLParam(r, "postingID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toPostingResponse(p))
}

type voidPostingRequest struct {
	Reason string `json:"reason" validate:"required"`
}

func (h *Handler) voidPosting(w http.ResponseWriter, r *http.Request) {
	var req voidPostingRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.service.VoidPosting(r.Context(), chi.URLParam(r, "postingID"), req.Reason); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "voided"})
}

func (h *Handler) listPostings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ListPostingsRequest{
		Category:    Category(q.Get("category")),
		ReferenceID: q.Get("reference_id"),
		Status:      PostingStatus(q.Get("status")),
		SortBy:      q.Get("sort_by"),
		SortDesc:    q.Get("order") == "desc",
	}
	if v := q.Get("driver_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "driver_id must be an integer")
			return
		}
		req.DriverID = &id
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be RFC3339")
			return
		}
		req.From = &ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be RFC3339")
			return
		}
		req.To = &ts
	}
	req.Limit, _ = strconv.Atoi(q.Get("limit"))
	req.Offset, _ = strconv.Atoi(q.Get("offset"))

	postings, err := h.service.ListPostings(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]postingResponse, len(postings))
	for i, p := range postings {
		out[i] = toPostingResponse(p)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"postings": out})
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.service.GetBalance(r.Context(),
		Category(chi.URLParam(r, "category")), chi.URLParam(r, "referenceID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toBalanceResponse(b))
}

func (h *Handler) listBalances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ListBalancesRequest{
		Category: Category(q.Get("category")),
		Status:   BalanceStatus(q.Get("status")),
		SortBy:   q.Get("sort_by"),
		SortDesc: q.Get("order") == "desc",
	}
	if v := q.Get("driver_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "driver_id must be an integer")
			return
		}
		req.DriverID = &id
	}
	req.Limit, _ = strconv.Atoi(q.Get("limit"))
	req.Offset, _ = strconv.Atoi(q.Get("offset"))

	balances, err := h.service.ListBalances(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]balanceResponse, len(balances))
	for i, b := range balances {
		out[i] = toBalanceResponse(b)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"balances": out})
}
