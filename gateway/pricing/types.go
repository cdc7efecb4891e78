package pricing

import "github.com/shopspring/decimal"

// Operation identifies the billable operation class.
type Operation string

const (
	OpTranscription Operation = "transcription"
	OpTTS           Operation = "tts"
	OpRealtime      Operation = "realtime"
)

// Status marks whether a rate card entry applies.
type Status string

const (
	StatusActive     Status = "active"
	StatusSuperseded Status = "superseded"
)

// RateCard is a provider rate entry keyed by (provider, operation, model).
// Simple operations use PerUnit; realtime uses the component rates.
type RateCard struct {
	Provider  string
	Operation Operation
	Model     string
	Status    Status

	// PerUnit is the rate for transcription (per minute) and TTS. For TTS
	// the unit differs by origin: configured overrides price per 1k
	// characters, built-ins per character. UnitType records which.
	PerUnit  decimal.Decimal
	UnitType string

	// Realtime component rates.
	InputPerMinute  decimal.Decimal
	OutputPerMinute decimal.Decimal
	InputPerToken   decimal.Decimal
	OutputPerToken  decimal.Decimal
	// MinimumSeconds floors positive audio durations; never applied to
	// refund (negative) durations.
	MinimumSeconds float64
}

// Usage carries the billable units of one call. Only the fields relevant to
// the operation are read.
type Usage struct {
	DurationSeconds    float64 `json:"duration_seconds,omitempty"`
	Characters         int64   `json:"characters,omitempty"`
	InputAudioSeconds  float64 `json:"input_audio_seconds,omitempty"`
	OutputAudioSeconds float64 `json:"output_audio_seconds,omitempty"`
	InputTokens        int64   `json:"input_tokens,omitempty"`
	OutputTokens       int64   `json:"output_tokens,omitempty"`
}

// CostComponent is one line of a detailed breakdown.
type CostComponent struct {
	Name      string          `json:"name"`
	UnitCount decimal.Decimal `json:"unit_count"`
	UnitType  string          `json:"unit_type"`
	Rate      decimal.Decimal `json:"rate_per_unit"`
	Cost      decimal.Decimal `json:"cost"`
}

// CostResult is the outcome of a pricing computation. For simple models
// TotalCost = RatePerUnit × UnitCount; for realtime it is the component sum.
type CostResult struct {
	Provider    string          `json:"provider"`
	Operation   Operation       `json:"operation"`
	Model       string          `json:"model"`
	UnitCount   decimal.Decimal `json:"unit_count"`
	UnitType    string          `json:"unit_type"`
	RatePerUnit decimal.Decimal `json:"rate_per_unit"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	IsEstimate  bool            `json:"is_estimate"`
	Breakdown   []CostComponent `json:"detailed_breakdown,omitempty"`
}

// RefundRequest asks for a (possibly partial) refund against an earlier
// charge on the same (provider, operation, model) axes. Reason is mandatory.
type RefundRequest struct {
	Provider  string    `json:"provider"`
	Operation Operation `json:"operation"`
	Model     string    `json:"model"`
	Reason    string    `json:"reason"`
	Original  Usage     `json:"original"`
	Refund    Usage     `json:"refund"`
}

// RefundResult mirrors the cost schema with original and refund amounts.
type RefundResult struct {
	Provider           string          `json:"provider"`
	Operation          Operation       `json:"operation"`
	Model              string          `json:"model"`
	Reason             string          `json:"reason"`
	OriginalCost       decimal.Decimal `json:"original_cost"`
	TotalRefund        decimal.Decimal `json:"total_refund"`
	IsPartialRefund    bool            `json:"is_partial_refund"`
	ValidationMessages []string        `json:"validation_messages,omitempty"`
	Breakdown          []CostComponent `json:"detailed_breakdown,omitempty"`
}
