package curb

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fleetops/fleetops/internal/platform/httpx"
)

// Handler manages curb endpoints.
type Handler struct {
	logger    *slog.Logger
	importer  *ImportService
	posting   *PostingService
	reconcile *ReconcileService
	repo      Repository
	sealKey   [32]byte
	validate  *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(
	logger *slog.Logger,
	importer *ImportService,
	posting *PostingService,
	reconcile *ReconcileService,
	repo Repository,
	sealKey [32]byte,
) *Handler {
	return &Handler{
		logger:    logger,
		importer:  importer,
		posting:   posting,
		reconcile: reconcile,
		repo:      repo,
		sealKey:   sealKey,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers curb routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/import", h.importTrips)
	r.Post("/post-ledger", h.postLedger)
	r.Post("/reconcile", h.reconcileAccounts)
	r.Get("/trips", h.listTrips)
	r.Get("/trips/{curbTripID}", h.getTrip)

	r.Route("/accounts", func(r chi.Router) {
		r.Get("/", h.listAccounts)
		r.Post("/", h.createAccount)
		r.Get("/{accountID}", h.getAccount)
		r.Put("/{accountID}", h.updateAccount)
	})
}

type importRequest struct {
	AccountIDs []int64    `json:"account_ids"`
	From       *time.Time `json:"from"`
	To         *time.Time `json:"to"`
}

func (h *Handler) importTrips(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}

	// Default to the trailing 3-hour window, matching the scheduler cadence.
	to := time.Now().UTC()
	if req.To != nil {
		to = *req.To
	}
	from := to.Add(-3 * time.Hour)
	if req.From != nil {
		from = *req.From
	}
	if !from.Before(to) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must precede to")
		return
	}

	summary, err := h.importer.ImportTripsFromAccounts(r.Context(), ImportInput{
		AccountIDs: req.AccountIDs,
		From:       from,
		To:         to,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

type postLedgerRequest struct {
	Start     time.Time `json:"start" validate:"required"`
	End       time.Time `json:"end" validate:"required"`
	DriverIDs []int64   `json:"driver_ids"`
	LeaseIDs  []int64   `json:"lease_ids"`
}

func (h *Handler) postLedger(w http.ResponseWriter, r *http.Request) {
	var req postLedgerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if !req.Start.Before(req.End) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "start must precede end")
		return
	}

	summary, err := h.posting.PostTripsToLedger(r.Context(), PostTripsInput{
		Start:     req.Start,
		End:       req.End,
		DriverIDs: req.DriverIDs,
		LeaseIDs:  req.LeaseIDs,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

type reconcileRequest struct {
	AccountIDs []int64 `json:"account_ids"`
}

func (h *Handler) reconcileAccounts(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}

	var (
		accounts []Account
		err      error
	)
	if len(req.AccountIDs) > 0 {
		accounts, err = h.repo.ListAccountsByIDs(r.Context(), req.AccountIDs)
	} else {
		accounts, err = h.repo.ListActiveAccounts(r.Context())
	}
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	summary := h.reconcile.ReconcileAccounts(r.Context(), accounts)
	httpx.JSON(w, http.StatusOK, summary)
}

type tripResponse struct {
	CurbTripID     string      `json:"curb_trip_id"`
	AccountID      int64       `json:"account_id"`
	CurbDriverID   string      `json:"curb_driver_id"`
	CurbCabNumber  string      `json:"curb_cab_number"`
	Status         TripStatus  `json:"status"`
	PaymentType    PaymentType `json:"payment_type"`
	StartTime      time.Time   `json:"start_time"`
	EndTime        time.Time   `json:"end_time"`
	Fare           string      `json:"fare"`
	Tips           string      `json:"tips"`
	Tolls          string      `json:"tolls"`
	Extras         string      `json:"extras"`
	TotalAmount    string      `json:"total_amount"`
	Fees           string      `json:"fees"`
	DistanceMiles  string      `json:"distance_miles"`
	DriverID       *int64      `json:"driver_id,omitempty"`
	LeaseID        *int64      `json:"lease_id,omitempty"`
	VehicleID      *int64      `json:"vehicle_id,omitempty"`
	MedallionID    *int64      `json:"medallion_id,omitempty"`
	Reconciliation *string     `json:"reconciliation_id,omitempty"`
	LedgerRef      *string     `json:"ledger_posting_ref,omitempty"`
}

func toTripResponse(t Trip) tripResponse {
	return tripResponse{
		CurbTripID:     t.CurbTripID,
		AccountID:      t.AccountID,
		CurbDriverID:   t.CurbDriverID,
		CurbCabNumber:  t.CurbCabNumber,
		Status:         t.Status,
		PaymentType:    t.PaymentType,
		StartTime:      t.StartTime,
		EndTime:        t.EndTime,
		Fare:           t.Fare.StringFixed(2),
		Tips:           t.Tips.StringFixed(2),
		Tolls:          t.Tolls.StringFixed(2),
		Extras:         t.Extras.StringFixed(2),
		TotalAmount:    t.TotalAmount.StringFixed(2),
		Fees:           t.Fees().StringFixed(2),
		DistanceMiles:  t.DistanceMiles.StringFixed(2),
		DriverID:       t.DriverID,
		LeaseID:        t.LeaseID,
		VehicleID:      t.VehicleID,
		MedallionID:    t.MedallionID,
		Reconciliation: t.ReconciliationID,
		LedgerRef:      t.LedgerPostingRef,
	}
}

func (h *Handler) listTrips(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ListTripsRequest{
		Status:   TripStatus(q.Get("status")),
		SortBy:   q.Get("sort_by"),
		SortDesc: q.Get("order") == "desc",
	}
	if v := q.Get("account_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "account_id must be an integer")
			return
		}
		req.AccountID = &id
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

	trips, err := h.repo.ListTrips(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]tripResponse, len(trips))
	for i, t := range trips {
		out[i] = toTripResponse(t)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"trips": out})
}

func (h *Handler) getTrip(w http.ResponseWriter, r *http.Request) {
	t, err := h.repo.GetTripByExternalID(r.Context(), chi.URLParam(r, "curbTripID"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toTripResponse(t))
}

type accountRequest struct {
	Name               string `json:"name" validate:"required"`
	MerchantID         string `json:"merchant_id" validate:"required"`
	Username           string `json:"username" validate:"required"`
	Password           string `json:"password"`
	APIURL             string `json:"api_url" validate:"required,url"`
	Active             *bool  `json:"active"`
	ReconciliationMode string `json:"reconciliation_mode" validate:"required,oneof=server local"`
}

type accountResponse struct {
	ID                 int64              `json:"id"`
	Name               string             `json:"name"`
	MerchantID         string             `json:"merchant_id"`
	Username           string             `json:"username"`
	APIURL             string             `json:"api_url"`
	Active             bool               `json:"active"`
	ReconciliationMode ReconciliationMode `json:"reconciliation_mode"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

func toAccountResponse(a Account) accountResponse {
	return accountResponse{
		ID:                 a.ID,
		Name:               a.Name,
		MerchantID:         a.MerchantID,
		Username:           a.Username,
		APIURL:             a.APIURL,
		Active:             a.Active,
		ReconciliationMode: a.ReconciliationMode,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.repo.ListAccounts(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := make([]accountResponse, len(accounts))
	for i, a := range accounts {
		out[i] = toAccountResponse(a)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid account id")
		return
	}
	a, err := h.repo.GetAccount(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(a))
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if req.Password == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "password is required")
		return
	}

	sealed, err := SealCredential(h.sealKey, req.Password)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	account := Account{
		Name:               req.Name,
		MerchantID:         req.MerchantID,
		Username:           req.Username,
		SealedPassword:     sealed,
		APIURL:             req.APIURL,
		Active:             active,
		ReconciliationMode: ReconciliationMode(req.ReconciliationMode),
	}
	id, err := h.repo.CreateAccount(r.Context(), account)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	created, err := h.repo.GetAccount(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.logger.Info("curb account created", "account_id", id, "name", req.Name)
	httpx.JSON(w, http.StatusCreated, toAccountResponse(created))
}

func (h *Handler) updateAccount(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid account id")
		return
	}
	var req accountRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	existing, err := h.repo.GetAccount(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	sealed := existing.SealedPassword
	if req.Password != "" {
		sealed, err = SealCredential(h.sealKey, req.Password)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	active := existing.Active
	if req.Active != nil {
		active = *req.Active
	}

	existing.Name = req.Name
	existing.MerchantID = req.MerchantID
	existing.Username = req.Username
	existing.SealedPassword = sealed
	existing.APIURL = req.APIURL
	existing.Active = active
	existing.ReconciliationMode = ReconciliationMode(req.ReconciliationMode)

	if err := h.repo.UpdateAccount(r.Context(), existing); err != nil {
		httpx.RespondError(w, err)
		return
	}
	updated, err := h.repo.GetAccount(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toAccountResponse(updated))
}
