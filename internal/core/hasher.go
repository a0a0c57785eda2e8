package core

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"BrokerLedger/internal/ledger"
)

const settlementIDSeed = "BrokerLedger:settlement:v1"

// SettlementID derives the deterministic idempotency key for one settlement:
// SHA-256 over (account, balance reference, payment amount, snapshot). A
// retried request with identical inputs always lands on the same id, so the
// unique index on transactions.settlement_id turns replays into no-ops.
// Random ids would defeat idempotency by construction.
func SettlementID(accountID uuid.UUID, ref ledger.BalanceReference, amount decimal.Decimal, snapshotID uuid.UUID) string {
	h := sha256.New()
	h.Write([]byte(settlementIDSeed))
	h.Write(accountID[:])
	h.Write(snapshotID[:])
	// Fixed-point rendering so "10" and "10.00" hash identically.
	h.Write([]byte(ref.Date.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(ref.Balance.StringFixed(ledger.MoneyPlaces)))
	h.Write([]byte(amount.StringFixed(ledger.MoneyPlaces)))
	return hex.EncodeToString(h.Sum(nil))
}
