package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/satsettle/internal/domain"
	"github.com/punchamoorthee/satsettle/internal/gateway/mpesa"
	"github.com/punchamoorthee/satsettle/internal/middleware"
	"github.com/punchamoorthee/satsettle/internal/models"
	"github.com/punchamoorthee/satsettle/internal/service"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// DepositEngine is the part of service.Engine the HTTP layer drives.
type DepositEngine interface {
	InitiateMpesaDeposit(ctx context.Context, actor domain.Actor, in service.MpesaDepositInput) (*domain.PendingPaymentRequest, error)
	HandleMpesaCallback(ctx context.Context, res *domain.MobileMoneyResult) error
	ReconcileMpesaDeposit(ctx context.Context, actor domain.Actor, checkoutRequestID string) (*domain.PendingPaymentRequest, error)
	CreateLightningInvoice(ctx context.Context, actor domain.Actor, in service.LightningDepositInput) (*domain.LightningInvoice, error)
	CheckLightningInvoice(ctx context.Context, actor domain.Actor, invoiceID string) (*domain.LightningInvoice, error)
	Balance(ctx context.Context, actor domain.Actor, accountID string) (*domain.Account, error)
	Transactions(ctx context.Context, actor domain.Actor, accountID string, limit int) ([]domain.TransactionLogEntry, error)
	DedupWindow() time.Duration
}

type Handler struct {
	engine DepositEngine
	log    *slog.Logger

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

func NewHandler(engine DepositEngine, logger *slog.Logger, reg prometheus.Registerer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	factory := promauto.With(reg)
	return &Handler{
		engine: engine,
		log:    logger,
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "satsettle_http_requests_total",
			Help: "Total HTTP requests processed, labeled by status code",
		}, []string{"method", "endpoint", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "satsettle_http_request_duration_seconds",
			Help:    "Latency distribution of HTTP requests",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "endpoint"}),
	}
}

// Register mounts the API on r. requireActor guards every route except
// health and the provider callback. idempotency may be nil.
func (h *Handler) Register(r *mux.Router, requireActor, idempotency func(http.Handler) http.Handler) {
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.Handle("/callbacks/mpesa", h.instrument("/callbacks/mpesa", h.MpesaCallbackHandler)).Methods(http.MethodPost)

	authed := apiV1.NewRoute().Subrouter()
	authed.Use(mux.MiddlewareFunc(requireActor))

	initiate := func(endpoint string, fn http.HandlerFunc) http.Handler {
		var next http.Handler = fn
		if idempotency != nil {
			next = idempotency(next)
		}
		return h.instrument(endpoint, next.ServeHTTP)
	}
	authed.Handle("/deposits/mpesa", initiate("/deposits/mpesa", h.InitiateMpesaHandler)).Methods(http.MethodPost)
	authed.Handle("/deposits/mpesa/{checkoutID}/reconcile", h.instrument("/deposits/mpesa/{checkoutID}/reconcile", h.ReconcileMpesaHandler)).Methods(http.MethodPost)
	authed.Handle("/deposits/lightning", initiate("/deposits/lightning", h.CreateInvoiceHandler)).Methods(http.MethodPost)
	authed.Handle("/deposits/lightning/{id}", h.instrument("/deposits/lightning/{id}", h.GetInvoiceHandler)).Methods(http.MethodGet)
	authed.Handle("/accounts/{id}", h.instrument("/accounts/{id}", h.GetAccountHandler)).Methods(http.MethodGet)
	authed.Handle("/accounts/{id}/transactions", h.instrument("/accounts/{id}/transactions", h.GetTransactionsHandler)).Methods(http.MethodGet)
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) InitiateMpesaHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req models.MpesaDepositRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.engine.InitiateMpesaDeposit(r.Context(), actor, service.MpesaDepositInput{
		TargetAccountID: req.TargetAccountID,
		Phone:           req.Phone,
		Amount:          req.Amount,
	})
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, models.NewMpesaDepositResponse(p))
}

// MpesaCallbackHandler always acknowledges the provider. Malformed bodies
// and processing failures are logged only, since a non-200 reply just makes
// Daraja redeliver.
func (h *Handler) MpesaCallbackHandler(w http.ResponseWriter, r *http.Request) {
	defer ack(w)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.log.WarnContext(r.Context(), "unreadable mpesa callback", "error", err)
		return
	}
	res, err := mpesa.ParseCallback(body)
	if err != nil {
		h.log.WarnContext(r.Context(), "malformed mpesa callback", "error", err)
		return
	}
	if err := h.engine.HandleMpesaCallback(context.WithoutCancel(r.Context()), res); err != nil {
		h.log.ErrorContext(r.Context(), "mpesa callback processing failed",
			"checkout_request_id", res.CheckoutRequestID, "result_code", res.ResultCode, "error", err)
	}
}

func ack(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(mpesa.AckBody)
}

func (h *Handler) ReconcileMpesaHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	p, err := h.engine.ReconcileMpesaDeposit(r.Context(), actor, mux.Vars(r)["checkoutID"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewMpesaDepositResponse(p))
}

func (h *Handler) CreateInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var req models.LightningInvoiceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	inv, err := h.engine.CreateLightningInvoice(r.Context(), actor, service.LightningDepositInput{
		TargetAccountID: req.TargetAccountID,
		AmountSats:      req.AmountSats,
		Memo:            req.Memo,
	})
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/deposits/lightning/"+inv.ID)
	respondWithJSON(w, http.StatusCreated, models.NewLightningInvoiceResponse(inv))
}

func (h *Handler) GetInvoiceHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	inv, err := h.engine.CheckLightningInvoice(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewLightningInvoiceResponse(inv))
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	account, err := h.engine.Balance(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, models.NewAccountResponse(account))
}

func (h *Handler) GetTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	actor, ok := middleware.ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			respondWithError(w, http.StatusBadRequest, "limit must be between 1 and "+strconv.Itoa(maxHistoryLimit))
			return
		}
		limit = n
	}

	accountID := mux.Vars(r)["id"]
	entries, err := h.engine.Transactions(r.Context(), actor, accountID, limit)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.TransactionLogEntry{}
	}
	respondWithJSON(w, http.StatusOK, models.TransactionsResponse{AccountID: accountID, Transactions: entries})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return false
	}
	return true
}

// respondWithServiceError maps engine errors onto HTTP statuses. Unknown
// errors are logged and hidden behind a 500.
func (h *Handler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrPermission):
		respondWithError(w, http.StatusForbidden, "not allowed to act on this account")
	case errors.Is(err, domain.ErrDuplicateRequest):
		secs := int(h.engine.DedupWindow().Round(time.Second) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		respondWithError(w, http.StatusBadRequest, "a deposit is already pending for this account, retry later")
	case errors.Is(err, domain.ErrAccountNotFound):
		respondWithError(w, http.StatusNotFound, "Account not found")
	case errors.Is(err, domain.ErrNotFound):
		respondWithError(w, http.StatusNotFound, "Not found")
	case errors.Is(err, domain.ErrGatewayUnavailable):
		respondWithError(w, http.StatusServiceUnavailable, "payment provider unavailable")
	case errors.Is(err, domain.ErrGatewayRejected):
		respondWithError(w, http.StatusBadGateway, "payment provider rejected the request")
	default:
		h.log.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, models.ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
