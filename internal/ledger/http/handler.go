package ledgerhttp

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-ledger/internal/ledger"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/internal/reconcile"
)

// LedgerService is the account and posting contract served over HTTP.
type LedgerService interface {
	CreateAccount(ctx context.Context, input ledger.AccountInput) (ledger.Account, error)
	GetAccount(ctx context.Context, id string) (ledger.Account, error)
	ListAccounts(ctx context.Context) ([]ledger.Account, error)
	ListPostings(ctx context.Context, accountID string, openOnly bool) ([]ledger.Posting, error)
	CreateTransaction(ctx context.Context, input ledger.TransactionInput) (ledger.Transaction, error)
	GetTransaction(ctx context.Context, id string) (ledger.Transaction, error)
	GetAccountBalance(ctx context.Context, accountID string) (int64, error)
}

// Reconciler runs reconciliations and integrity scans.
type Reconciler interface {
	ReconcileAll(ctx context.Context) (reconcile.Summary, error)
	CheckIntegrity(ctx context.Context) (reconcile.IntegrityReport, error)
}

// Handler serves the ledger JSON API.
type Handler struct {
	logger     *slog.Logger
	service    LedgerService
	reconciler Reconciler
	validator  *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service LedgerService, reconciler Reconciler) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{logger: logger, service: service, reconciler: reconciler, validator: v}
}

func (h *Handler) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	account, err := h.service.CreateAccount(r.Context(), req.input())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newAccountResponse(account))
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]accountResponse, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, newAccountResponse(a))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.service.GetAccount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newAccountResponse(account))
}

func (h *Handler) getBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	balance, err := h.service.GetAccountBalance(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, balanceResponse{AccountID: id, Balance: balance})
}

func (h *Handler) listPostings(w http.ResponseWriter, r *http.Request) {
	openOnly := false
	if raw := r.URL.Query().Get("open"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "open must be a boolean")
			return
		}
		openOnly = parsed
	}
	postings, err := h.service.ListPostings(r.Context(), chi.URLParam(r, "id"), openOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newPostingResponses(postings))
}

func (h *Handler) createTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.service.CreateTransaction(r.Context(), req.input())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/transactions/"+tx.ID)
	httpx.JSON(w, http.StatusCreated, newTransactionResponse(tx))
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.service.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newTransactionResponse(tx))
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := h.reconciler.ReconcileAll(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newSummaryResponse(summary))
}

func (h *Handler) checkIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.CheckIntegrity(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newIntegrityResponse(report))
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			httpx.RespondError(w, err)
			return false
		}
		fields := make(map[string]string, len(fieldErrs))
		for _, fieldErr := range fieldErrs {
			key := fieldErr.Namespace()
			if _, rest, ok := strings.Cut(key, "."); ok {
				key = rest
			}
			fields[key] = fieldErr.Tag()
		}
		httpx.ProblemWith(w, http.StatusBadRequest, "Validation Failed", "request body is invalid", map[string]any{"errors": fields})
		return false
	}
	return true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var unbalanced *ledger.UnbalancedError
	var violation *reconcile.IntegrityViolationError
	switch {
	case errors.As(err, &violation):
		httpx.ProblemWith(w, http.StatusUnprocessableEntity, "Integrity Violation", err.Error(), map[string]any{
			"transaction_id": violation.TransactionID,
			"debits":         violation.Debits,
			"credits":        violation.Credits,
		})
	case errors.As(err, &unbalanced):
		httpx.ProblemWith(w, http.StatusUnprocessableEntity, "Unbalanced Transaction", err.Error(), map[string]any{
			"debits":  unbalanced.Debits,
			"credits": unbalanced.Credits,
		})
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrTransactionNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ledger.ErrDuplicateAccount), errors.Is(err, ledger.ErrDuplicateTransaction):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, reconcile.ErrReconciliationInProgress):
		httpx.Problem(w, http.StatusConflict, "Reconciliation In Progress", err.Error())
	case errors.Is(err, ledger.ErrInvalidPosting), errors.Is(err, ledger.ErrInvalidDirection):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("ledger request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
