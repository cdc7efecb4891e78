package pricing

import (
	"context"
	"fmt"

	"github.com/conduit-ai/conduit/gateway/errs"
)

// Refund computes a refund against an earlier charge. A missing reason is a
// hard failure. Each refund component is clamped to the corresponding
// original component; any clamp marks the result is_partial_refund and adds
// a validation message, but the computation still succeeds.
func (e *Engine) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	if req.Reason == "" {
		return RefundResult{}, fmt.Errorf("refund %s/%s: %w", req.Provider, req.Model, errs.ErrMissingReason)
	}

	refund := req.Refund
	var messages []string
	partial := false

	clampF := func(name string, refundV, origV float64) float64 {
		if refundV > origV {
			messages = append(messages, fmt.Sprintf("%s refund %.3f exceeds original %.3f, clamped", name, refundV, origV))
			partial = true
			return origV
		}
		return refundV
	}
	clampI := func(name string, refundV, origV int64) int64 {
		if refundV > origV {
			messages = append(messages, fmt.Sprintf("%s refund %d exceeds original %d, clamped", name, refundV, origV))
			partial = true
			return origV
		}
		return refundV
	}

	refund.DurationSeconds = clampF("duration_seconds", refund.DurationSeconds, req.Original.DurationSeconds)
	refund.Characters = clampI("characters", refund.Characters, req.Original.Characters)
	refund.InputAudioSeconds = clampF("input_audio_seconds", refund.InputAudioSeconds, req.Original.InputAudioSeconds)
	refund.OutputAudioSeconds = clampF("output_audio_seconds", refund.OutputAudioSeconds, req.Original.OutputAudioSeconds)
	refund.InputTokens = clampI("input_tokens", refund.InputTokens, req.Original.InputTokens)
	refund.OutputTokens = clampI("output_tokens", refund.OutputTokens, req.Original.OutputTokens)

	original, err := e.costFor(ctx, req.Provider, req.Operation, req.Model, req.Original, false)
	if err != nil {
		return RefundResult{}, err
	}
	// Refund amounts never re-apply the minimum-duration floor.
	refunded, err := e.costFor(ctx, req.Provider, req.Operation, req.Model, refund, true)
	if err != nil {
		return RefundResult{}, err
	}

	return RefundResult{
		Provider:           req.Provider,
		Operation:          req.Operation,
		Model:              req.Model,
		Reason:             req.Reason,
		OriginalCost:       original.TotalCost,
		TotalRefund:        refunded.TotalCost,
		IsPartialRefund:    partial,
		ValidationMessages: messages,
		Breakdown:          refunded.Breakdown,
	}, nil
}

func (e *Engine) costFor(ctx context.Context, provider string, op Operation, model string, usage Usage, noFloor bool) (CostResult, error) {
	switch op {
	case OpTranscription:
		return e.Transcription(ctx, provider, model, usage.DurationSeconds)
	case OpTTS:
		return e.TTS(ctx, provider, model, usage.Characters)
	case OpRealtime:
		rate, err := e.resolve(ctx, provider, OpRealtime, model)
		if err != nil {
			return CostResult{}, err
		}
		card := rate.card
		if noFloor {
			card.MinimumSeconds = 0
		}
		result := computeRealtime(card, usage)
		result.Provider = provider
		result.Model = model
		result.IsEstimate = rate.isEstimate
		return result, nil
	default:
		return CostResult{}, fmt.Errorf("unknown operation %q", op)
	}
}
