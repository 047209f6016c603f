// Package submission records the outcome of every solution handed to the
// authority and reconciles the raw events into one outcome per solution.
package submission

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidRecord = errors.New("invalid submission record")
	// ErrNoResult means the authority returned neither a result nor an error.
	ErrNoResult = errors.New("authority returned no result")
)

// Key identifies one logical solution. Retries of the same solution share it.
type Key struct {
	Address     string `json:"address"`
	ChallengeID string `json:"challenge_id"`
	Nonce       string `json:"nonce"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Address, k.ChallengeID, k.Nonce)
}

// Record is one line of the receipts or failures log.
type Record struct {
	Timestamp    time.Time `json:"ts"`
	Address      string    `json:"address"`
	AddressIndex int       `json:"address_index"`
	ChallengeID  string    `json:"challenge_id"`
	Nonce        string    `json:"nonce"`
	Hash         string    `json:"hash,omitempty"`
	WorkerID     int       `json:"worker_id"`
	// Fee marks solutions credited to the fee pool.
	Fee   bool   `json:"is_dev_fee,omitempty"`
	Error string `json:"error,omitempty"`
	// Receipt is the authority's acceptance payload, kept verbatim.
	Receipt json.RawMessage `json:"crypto_receipt,omitempty"`
}

func (r *Record) Key() Key {
	return Key{Address: r.Address, ChallengeID: r.ChallengeID, Nonce: r.Nonce}
}

func (r *Record) validate() error {
	switch {
	case r.Address == "":
		return fmt.Errorf("%w: empty address", ErrInvalidRecord)
	case r.ChallengeID == "":
		return fmt.Errorf("%w: empty challenge ID", ErrInvalidRecord)
	case r.Nonce == "":
		return fmt.Errorf("%w: empty nonce", ErrInvalidRecord)
	}
	return nil
}

// Result is the structured outcome of a single submission call.
type Result struct {
	Accepted bool            `json:"accepted"`
	Message  string          `json:"message,omitempty"`
	Receipt  json.RawMessage `json:"receipt,omitempty"`
}

// Failure is the folded view of every raw failure event of one key.
type Failure struct {
	Key
	AddressIndex int `json:"address_index"`
	// FirstFailedAt is the timestamp of the earliest event.
	FirstFailedAt time.Time `json:"ts"`
	// LastAttempt and Error come from the most recent event.
	LastAttempt time.Time `json:"last_attempt"`
	Error       string    `json:"error"`
	RetryCount  int       `json:"retry_count"`
}

type OutcomeKind int

const (
	Pending OutcomeKind = iota
	Failed
	Succeeded
)

func (k OutcomeKind) String() string {
	switch k {
	case Failed:
		return "failed"
	case Succeeded:
		return "success"
	default:
		return "pending"
	}
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Outcome is the logical result of one key. Receipt is set for Succeeded and
// Failure for Failed. A Succeeded outcome may also carry the superseded Failure.
type Outcome struct {
	Kind    OutcomeKind `json:"status"`
	Receipt *Record     `json:"receipt,omitempty"`
	Failure *Failure    `json:"failure,omitempty"`
}
