// Package pricing is the deterministic cost and refund calculator. All
// monetary math is fixed-point decimal; floats only ever describe unit
// counts, never currency.
package pricing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/conduit-ai/conduit/gateway/errs"
)

const secondsPerMinute = 60

// OverrideStore resolves configured rate overrides. Lookup returns nil when
// no Active entry matches.
type OverrideStore interface {
	Lookup(ctx context.Context, provider string, op Operation, model string) (*RateCard, error)
}

// Engine resolves rates and computes costs. Resolution order: Active
// configured override, built-in default, fallback estimate (is_estimate).
type Engine struct {
	overrides OverrideStore
}

// NewEngine creates a cost engine. overrides may be nil, in which case only
// built-ins and fallbacks apply.
func NewEngine(overrides OverrideStore) *Engine {
	return &Engine{overrides: overrides}
}

type resolvedRate struct {
	card       RateCard
	isOverride bool
	isEstimate bool
}

func (e *Engine) resolve(ctx context.Context, provider string, op Operation, model string) (resolvedRate, error) {
	if e.overrides != nil {
		card, err := e.overrides.Lookup(ctx, provider, op, model)
		if err != nil {
			return resolvedRate{}, fmt.Errorf("rate override lookup: %w", err)
		}
		if card != nil && card.Status == StatusActive {
			return resolvedRate{card: *card, isOverride: true}, nil
		}
	}
	if card, ok := builtinRates[rateKey(provider, op, model)]; ok {
		return resolvedRate{card: card}, nil
	}
	fallback, ok := fallbackRates[op]
	if !ok {
		return resolvedRate{}, errs.Newf(errs.KindValidation, "no rate for operation %q", op)
	}
	fallback.Provider = provider
	fallback.Model = model
	return resolvedRate{card: fallback, isEstimate: true}, nil
}

// Transcription prices an audio transcription by duration.
// unit_count = duration_seconds / 60.
func (e *Engine) Transcription(ctx context.Context, provider, model string, durationSeconds float64) (CostResult, error) {
	rate, err := e.resolve(ctx, provider, OpTranscription, model)
	if err != nil {
		return CostResult{}, err
	}

	minutes := decimal.NewFromFloat(durationSeconds).Div(decimal.NewFromInt(secondsPerMinute))
	total := rate.card.PerUnit.Mul(minutes)

	return CostResult{
		Provider:    provider,
		Operation:   OpTranscription,
		Model:       model,
		UnitCount:   minutes,
		UnitType:    "minute",
		RatePerUnit: rate.card.PerUnit,
		TotalCost:   total,
		IsEstimate:  rate.isEstimate,
	}, nil
}

// TTS prices speech synthesis by character count. Override rates are per 1k
// characters; built-ins per character. The unit_type reports which applied.
func (e *Engine) TTS(ctx context.Context, provider, model string, characterCount int64) (CostResult, error) {
	rate, err := e.resolve(ctx, provider, OpTTS, model)
	if err != nil {
		return CostResult{}, err
	}

	var units decimal.Decimal
	unitType := rate.card.UnitType
	if rate.isOverride {
		unitType = "1k_characters"
		units = decimal.NewFromInt(characterCount).Div(decimal.NewFromInt(1000))
	} else {
		unitType = "character"
		units = decimal.NewFromInt(characterCount)
	}
	total := rate.card.PerUnit.Mul(units)

	return CostResult{
		Provider:    provider,
		Operation:   OpTTS,
		Model:       model,
		UnitCount:   units,
		UnitType:    unitType,
		RatePerUnit: rate.card.PerUnit,
		TotalCost:   total,
		IsEstimate:  rate.isEstimate,
	}, nil
}

// Realtime prices a realtime session from audio durations and optional token
// counts. Positive durations are floored to the provider minimum; negative
// durations (refund paths) are charged as-is so refunds never re-apply the
// floor.
func (e *Engine) Realtime(ctx context.Context, provider, model string, usage Usage) (CostResult, error) {
	rate, err := e.resolve(ctx, provider, OpRealtime, model)
	if err != nil {
		return CostResult{}, err
	}

	result := computeRealtime(rate.card, usage)
	result.Provider = provider
	result.Model = model
	result.IsEstimate = rate.isEstimate
	return result, nil
}

func computeRealtime(card RateCard, usage Usage) CostResult {
	inSec := applyFloor(usage.InputAudioSeconds, card.MinimumSeconds)
	outSec := applyFloor(usage.OutputAudioSeconds, card.MinimumSeconds)

	inMin := decimal.NewFromFloat(inSec).Div(decimal.NewFromInt(secondsPerMinute))
	outMin := decimal.NewFromFloat(outSec).Div(decimal.NewFromInt(secondsPerMinute))

	components := []CostComponent{
		{
			Name:      "audio_input",
			UnitCount: inMin,
			UnitType:  "minute",
			Rate:      card.InputPerMinute,
			Cost:      card.InputPerMinute.Mul(inMin),
		},
		{
			Name:      "audio_output",
			UnitCount: outMin,
			UnitType:  "minute",
			Rate:      card.OutputPerMinute,
			Cost:      card.OutputPerMinute.Mul(outMin),
		},
	}

	if usage.InputTokens != 0 && !card.InputPerToken.IsZero() {
		n := decimal.NewFromInt(usage.InputTokens)
		components = append(components, CostComponent{
			Name:      "tokens_input",
			UnitCount: n,
			UnitType:  "token",
			Rate:      card.InputPerToken,
			Cost:      card.InputPerToken.Mul(n),
		})
	}
	if usage.OutputTokens != 0 && !card.OutputPerToken.IsZero() {
		n := decimal.NewFromInt(usage.OutputTokens)
		components = append(components, CostComponent{
			Name:      "tokens_output",
			UnitCount: n,
			UnitType:  "token",
			Rate:      card.OutputPerToken,
			Cost:      card.OutputPerToken.Mul(n),
		})
	}

	total := decimal.Zero
	for _, c := range components {
		total = total.Add(c.Cost)
	}

	return CostResult{
		Operation: OpRealtime,
		UnitCount: inMin.Add(outMin),
		UnitType:  "minute",
		TotalCost: total,
		Breakdown: components,
	}
}

// applyFloor floors positive durations to the minimum; negative durations
// pass through untouched (refund semantics).
func applyFloor(seconds, minimum float64) float64 {
	if seconds > 0 && seconds < minimum {
		return minimum
	}
	return seconds
}
