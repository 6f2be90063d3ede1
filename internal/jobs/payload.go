// Package jobs defines the job posting exchanged between the escrow-lock
// client and the persistence endpoint, plus its storage and HTTP client.
package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Draft is a job posting as collected by the posting wizard.
type Draft struct {
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	Category           string    `json:"category"`
	Subcategory        string    `json:"subcategory"`
	BudgetType         string    `json:"budget_type"`
	BudgetAmount       string    `json:"budget_amount"`
	StartDate          time.Time `json:"start_date"`
	EndDate            time.Time `json:"end_date"`
	ExperienceLevel    string    `json:"experience_level"`
	Skills             []string  `json:"skills"`
	LocationPreference string    `json:"location_preference"`
	Visibility         string    `json:"visibility"`
	ClientSignature    string    `json:"client_signature"`
}

// Fingerprint identifies a draft by content. Two drafts with the same fields
// have the same fingerprint.
func (d Draft) Fingerprint() string {
	blob, _ := json.Marshal(d)
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}

// Payload is the body of POST /api/v1/jobs.
type Payload struct {
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Category           string          `json:"category"`
	Subcategory        string          `json:"subcategory"`
	BudgetType         string          `json:"budget_type"`
	BudgetRange        string          `json:"budget_range"`
	BudgetAmount       decimal.Decimal `json:"budget_amount"`
	StartDate          time.Time       `json:"start_date"`
	EndDate            time.Time       `json:"end_date"`
	ExperienceLevel    string          `json:"experience_level"`
	Skills             []string        `json:"skills"`
	LocationPreference string          `json:"location_preference"`
	Visibility         string          `json:"visibility"`
	ClientSignature    string          `json:"client_signature"`
	ClientSignedAt     time.Time       `json:"client_signed_at"`
	BlockchainTx       string          `json:"blockchain_tx"`
	EscrowLocked       bool            `json:"escrow_locked"`
	TempID             string          `json:"temp_id"`
}

// NewPayload combines a draft with the confirmed escrow lock. budget is the
// amount that was actually locked, so the record matches the chain.
func NewPayload(d Draft, budget decimal.Decimal, tempID, txHash string, signedAt time.Time) Payload {
	skills := d.Skills
	if skills == nil {
		skills = []string{}
	}
	return Payload{
		Title:              d.Title,
		Description:        d.Description,
		Category:           d.Category,
		Subcategory:        d.Subcategory,
		BudgetType:         d.BudgetType,
		BudgetRange:        budget.String(),
		BudgetAmount:       budget,
		StartDate:          d.StartDate,
		EndDate:            d.EndDate,
		ExperienceLevel:    d.ExperienceLevel,
		Skills:             skills,
		LocationPreference: d.LocationPreference,
		Visibility:         d.Visibility,
		ClientSignature:    d.ClientSignature,
		ClientSignedAt:     signedAt.UTC(),
		BlockchainTx:       txHash,
		EscrowLocked:       true,
		TempID:             tempID,
	}
}

// Record is a persisted job.
type Record struct {
	ID        string    `json:"id"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}
