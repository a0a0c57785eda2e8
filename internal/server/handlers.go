package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"BrokerLedger/internal/core"
	"BrokerLedger/internal/ledger"
	"BrokerLedger/internal/query"
	"BrokerLedger/internal/store"
)

// Handler bundles the engine and query dependencies for all routes.
type Handler struct {
	engine  *core.Engine
	queries *query.Service
}

type createAccountRequest struct {
	Name                 string          `json:"name" binding:"required"`
	Split                string          `json:"split" binding:"required,oneof=single dual"`
	YourSharePct         decimal.Decimal `json:"your_share_pct"`
	CounterpartySharePct decimal.Decimal `json:"counterparty_share_pct"`
}

func (h *Handler) CreateAccount(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	split := ledger.SplitSingle
	if req.Split == "dual" {
		split = ledger.SplitDual
	}

	acct, err := h.engine.CreateAccount(c.Request.Context(), req.Name, split,
		req.YourSharePct, req.CounterpartySharePct)
	if err != nil {
		renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account_id":             acct.ID,
		"name":                   acct.Name,
		"split":                  acct.Split.String(),
		"your_share_pct":         acct.YourSharePct,
		"counterparty_share_pct": acct.CounterpartySharePct,
	})
}

func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.queries.Accounts(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts})
}

type paymentRequest struct {
	Amount decimal.Decimal `json:"amount" binding:"required"`
	Date   string          `json:"date" binding:"required"`
	Note   string          `json:"note"`
}

func (h *Handler) Settle(c *gin.Context) {
	accountID, req, date, ok := h.bindPayment(c)
	if !ok {
		return
	}

	outcome, err := h.engine.Settle(c.Request.Context(), accountID, req.Amount, date, req.Note)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *Handler) Withdraw(c *gin.Context) {
	accountID, req, date, ok := h.bindPayment(c)
	if !ok {
		return
	}

	outcome, err := h.engine.Withdraw(c.Request.Context(), accountID, req.Amount, date, req.Note)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (h *Handler) CreateFunding(c *gin.Context) {
	accountID, req, date, ok := h.bindPayment(c)
	if !ok {
		return
	}

	entry, err := h.engine.CreateFunding(c.Request.Context(), accountID, req.Amount, date, req.Note)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"transaction_id": entry.ID,
		"amount":         entry.Amount,
		"date":           entry.Date,
	})
}

type balanceRecordRequest struct {
	Balance decimal.Decimal `json:"balance" binding:"required"`
	Date    string          `json:"date" binding:"required"`
	Note    string          `json:"note"`
}

func (h *Handler) CreateBalanceRecord(c *gin.Context) {
	accountID, ok := pathAccountID(c)
	if !ok {
		return
	}

	var req balanceRecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	date, err := parseDate(req.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	outcome, err := h.engine.CreateBalanceRecord(c.Request.Context(), accountID,
		req.Balance.Round(ledger.MoneyPlaces), date, req.Note)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, outcome)
}

func (h *Handler) GetState(c *gin.Context) {
	accountID, ok := pathAccountID(c)
	if !ok {
		return
	}

	view, err := h.queries.AccountState(c.Request.Context(), accountID)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *Handler) ListTransactions(c *gin.Context) {
	accountID, ok := pathAccountID(c)
	if !ok {
		return
	}

	txs, err := h.queries.Transactions(c.Request.Context(), accountID)
	if err != nil {
		renderError(c, err)
		return
	}

	out := make([]gin.H, 0, len(txs))
	for _, t := range txs {
		row := gin.H{
			"transaction_id":            t.ID,
			"date":                      t.Date,
			"kind":                      t.Kind.String(),
			"amount":                    t.Amount,
			"capital_closed":            t.CapitalClosed,
			"profit_taken":              t.ProfitTaken,
			"your_share_amount":         t.YourShareAmount,
			"counterparty_share_amount": t.CounterpartyShareAmount,
			"note":                      t.Note,
		}
		if t.SettlementID != nil {
			row["settlement_id"] = *t.SettlementID
		}
		out = append(out, row)
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}

func (h *Handler) bindPayment(c *gin.Context) (uuid.UUID, paymentRequest, time.Time, bool) {
	accountID, ok := pathAccountID(c)
	if !ok {
		return uuid.Nil, paymentRequest{}, time.Time{}, false
	}

	var req paymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return uuid.Nil, paymentRequest{}, time.Time{}, false
	}

	date, err := parseDate(req.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return uuid.Nil, paymentRequest{}, time.Time{}, false
	}

	req.Amount = req.Amount.Round(ledger.MoneyPlaces)
	return accountID, req, date, true
}

func pathAccountID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid account id"})
		return uuid.Nil, false
	}
	return id, true
}

// parseDate accepts a plain date or a full RFC3339 timestamp.
func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, errors.New("date must be YYYY-MM-DD or RFC3339")
	}
	return t.UTC(), nil
}

// renderError maps engine and store errors onto HTTP statuses.
func renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
	case errors.Is(err, core.ErrInvalidPayment),
		errors.Is(err, core.ErrCapitalExceeded):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrNoActiveLoss),
		errors.Is(err, core.ErrNoActiveProfit),
		errors.Is(err, core.ErrFundingBlocked),
		errors.Is(err, core.ErrSnapshotConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retryable": true})
	case core.IsInvariantViolation(err):
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
