package pricing

import "github.com/shopspring/decimal"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// builtinRates are the shipped defaults, keyed by provider/operation/model.
// Configured overrides from the rate override store take precedence.
var builtinRates = map[string]RateCard{
	rateKey("openai", OpTranscription, "whisper-1"): {
		Provider:  "openai",
		Operation: OpTranscription,
		Model:     "whisper-1",
		Status:    StatusActive,
		PerUnit:   d("0.006"),
		UnitType:  "minute",
	},
	rateKey("deepgram", OpTranscription, "nova-2"): {
		Provider:  "deepgram",
		Operation: OpTranscription,
		Model:     "nova-2",
		Status:    StatusActive,
		PerUnit:   d("0.0043"),
		UnitType:  "minute",
	},
	rateKey("openai", OpTTS, "tts-1"): {
		Provider:  "openai",
		Operation: OpTTS,
		Model:     "tts-1",
		Status:    StatusActive,
		PerUnit:   d("0.000015"),
		UnitType:  "character",
	},
	rateKey("openai", OpTTS, "tts-1-hd"): {
		Provider:  "openai",
		Operation: OpTTS,
		Model:     "tts-1-hd",
		Status:    StatusActive,
		PerUnit:   d("0.00003"),
		UnitType:  "character",
	},
	rateKey("elevenlabs", OpTTS, "eleven_multilingual_v2"): {
		Provider:  "elevenlabs",
		Operation: OpTTS,
		Model:     "eleven_multilingual_v2",
		Status:    StatusActive,
		PerUnit:   d("0.00018"),
		UnitType:  "character",
	},
	rateKey("openai", OpRealtime, "gpt-4o-realtime-preview"): {
		Provider:        "openai",
		Operation:       OpRealtime,
		Model:           "gpt-4o-realtime-preview",
		Status:          StatusActive,
		InputPerMinute:  d("0.10"),
		OutputPerMinute: d("0.20"),
		InputPerToken:   d("0.000005"),
		OutputPerToken:  d("0.000015"),
		MinimumSeconds:  1,
	},
	rateKey("openai", OpRealtime, "gpt-4o-mini-realtime-preview"): {
		Provider:        "openai",
		Operation:       OpRealtime,
		Model:           "gpt-4o-mini-realtime-preview",
		Status:          StatusActive,
		InputPerMinute:  d("0.01"),
		OutputPerMinute: d("0.02"),
		InputPerToken:   d("0.0000006"),
		OutputPerToken:  d("0.0000024"),
		MinimumSeconds:  1,
	},
}

// fallbackRates price unknown models when neither an override nor a built-in
// matches. Results computed from these are marked is_estimate.
var fallbackRates = map[Operation]RateCard{
	OpTranscription: {
		Operation: OpTranscription,
		PerUnit:   d("0.006"),
		UnitType:  "minute",
	},
	OpTTS: {
		Operation: OpTTS,
		PerUnit:   d("0.000015"),
		UnitType:  "character",
	},
	OpRealtime: {
		Operation:       OpRealtime,
		InputPerMinute:  d("0.10"),
		OutputPerMinute: d("0.20"),
		InputPerToken:   d("0.000005"),
		OutputPerToken:  d("0.000015"),
		MinimumSeconds:  1,
	},
}

func rateKey(provider string, op Operation, model string) string {
	return provider + "|" + string(op) + "|" + model
}
