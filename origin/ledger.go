// Package origin implements the origin side of the protocol: issuing 402
// challenges, verifying signed payments, the payment ledger that makes a
// retry idempotent, and the upstream delegate that does the protected
// work.
package origin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrRecordNotFound is returned by PaymentLedger.Lookup when no record
// exists for an idempotency key.
var ErrRecordNotFound = errors.New("origin: payment record not found")

// ErrIdempotencyConflict is returned by PaymentLedger.Settle when an
// existing record's {payer, amountMicrousdc, requestHash} does not match
// the incoming attempt.
var ErrIdempotencyConflict = errors.New("origin: idempotency key conflict")

// PaymentLogRecord is the immutable record of one settled payment, keyed by
// idempotencyKey. Once written a record is never modified.
type PaymentLogRecord struct {
	IdempotencyKey  string          `json:"idempotencyKey"`
	Payer           string          `json:"payer"`
	AmountMicroUSDC int64           `json:"amountMicrousdc"`
	RequestHash     string          `json:"requestHash"`
	ChallengeID     string          `json:"challengeId"`
	PaidAt          time.Time       `json:"paidAt"`
	Result          json.RawMessage `json:"result"`
}

// PaymentLedger is the origin's single JSON file mapping idempotencyKey to
// PaymentLogRecord, rewritten atomically (temp-write + rename) on every
// insert. A mutex held by each PaymentLedger serializes the read-hit-vs-insert-new
// check so concurrent requests for the same key cannot both execute the
// work.
type PaymentLedger struct {
	mu   sync.Mutex
	path string
}

// NewPaymentLedger opens (without requiring it to exist yet) the ledger
// file at path.
func NewPaymentLedger(path string) *PaymentLedger {
	return &PaymentLedger{path: path}
}

func (l *PaymentLedger) loadLocked() (map[string]PaymentLogRecord, error) {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]PaymentLogRecord), nil
		}
		return nil, fmt.Errorf("origin: read ledger: %w", err)
	}
	if len(raw) == 0 {
		return make(map[string]PaymentLogRecord), nil
	}
	records := make(map[string]PaymentLogRecord)
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("origin: unmarshal ledger: %w", err)
	}
	return records, nil
}

func (l *PaymentLedger) saveLocked(records map[string]PaymentLogRecord) error {
	if dir := filepath.Dir(l.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("origin: create ledger dir: %w", err)
		}
	}
	raw, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("origin: marshal ledger: %w", err)
	}
	raw = append(raw, '\n')

	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("origin: write temp ledger: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return fmt.Errorf("origin: rename temp ledger: %w", err)
	}
	return nil
}

// Lookup returns the record stored under idempotencyKey, or ErrRecordNotFound.
func (l *PaymentLedger) Lookup(idempotencyKey string) (PaymentLogRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.loadLocked()
	if err != nil {
		return PaymentLogRecord{}, err
	}
	record, ok := records[idempotencyKey]
	if !ok {
		return PaymentLogRecord{}, ErrRecordNotFound
	}
	return record, nil
}

// Settle performs the read-hit-vs-insert-new check atomically:
//   - if a record already exists for idempotencyKey, it is returned with
//     replayed=true if {payer, amountMicrousdc, requestHash} all match the
//     supplied attempt fields, or ErrIdempotencyConflict if any differ;
//   - otherwise compute is invoked to do the protected work, and its result
//     is persisted as a new record with replayed=false.
func (l *PaymentLedger) Settle(attempt PaymentLogRecord, compute func() (json.RawMessage, error)) (record PaymentLogRecord, replayed bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	records, err := l.loadLocked()
	if err != nil {
		return PaymentLogRecord{}, false, err
	}

	if existing, ok := records[attempt.IdempotencyKey]; ok {
		if existing.Payer != attempt.Payer ||
			existing.AmountMicroUSDC != attempt.AmountMicroUSDC ||
			existing.RequestHash != attempt.RequestHash {
			return PaymentLogRecord{}, false, ErrIdempotencyConflict
		}
		return existing, true, nil
	}

	result, err := compute()
	if err != nil {
		return PaymentLogRecord{}, false, fmt.Errorf("origin: compute: %w", err)
	}

	attempt.Result = result
	if attempt.PaidAt.IsZero() {
		attempt.PaidAt = time.Now()
	}
	records[attempt.IdempotencyKey] = attempt
	if err := l.saveLocked(records); err != nil {
		return PaymentLogRecord{}, false, fmt.Errorf("origin: persist new record: %w", err)
	}
	return attempt, false, nil
}
