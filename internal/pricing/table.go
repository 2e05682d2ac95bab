package pricing

import "time"

// verified is the last audit date of the built-in table.
var verified = time.Date(2026, time.June, 15, 0, 0, 0, 0, time.UTC)

func entry(in, out float64) Price {
	return Price{InputPerMTok: in, OutputPerMTok: out, LastVerified: verified}
}

func entryCached(in, out, cachedIn float64) Price {
	return Price{InputPerMTok: in, OutputPerMTok: out, CachedInputPerMTok: cachedIn, LastVerified: verified}
}

// builtinPrices returns the shipped price list, USD per 1M tokens.
func builtinPrices() map[string]Price {
	return map[string]Price{
		// OpenAI
		"openai/gpt-4o":                 entryCached(2.50, 10.00, 1.25),
		"openai/gpt-4o-mini":            entryCached(0.15, 0.60, 0.075),
		"openai/gpt-4-turbo":            entry(10.00, 30.00),
		"openai/gpt-4":                  entry(30.00, 60.00),
		"openai/gpt-4.1":                entryCached(2.00, 8.00, 0.50),
		"openai/gpt-4.1-mini":           entryCached(0.40, 1.60, 0.10),
		"openai/gpt-3.5-turbo":          entry(0.50, 1.50),
		"openai/o1":                     entryCached(15.00, 60.00, 7.50),
		"openai/o1-mini":                entryCached(3.00, 12.00, 1.50),
		"openai/o3-mini":                entryCached(1.10, 4.40, 0.55),
		"openai/text-embedding-3-small": entry(0.02, 0),
		"openai/text-embedding-3-large": entry(0.13, 0),

		// Anthropic
		"anthropic/claude-3-5-sonnet": entryCached(3.00, 15.00, 0.30),
		"anthropic/claude-3-5-haiku":  entryCached(0.80, 4.00, 0.08),
		"anthropic/claude-3-opus":     entryCached(15.00, 75.00, 1.50),
		"anthropic/claude-3-haiku":    entryCached(0.25, 1.25, 0.03),
		"anthropic/claude-sonnet-4":   entryCached(3.00, 15.00, 0.30),
		"anthropic/claude-opus-4":     entryCached(15.00, 75.00, 1.50),
		"anthropic/claude-haiku-4":    entryCached(1.00, 5.00, 0.10),

		// Groq
		"groq/llama-3.3-70b-versatile": entry(0.59, 0.79),
		"groq/llama-3.1-8b-instant":    entry(0.05, 0.08),
		"groq/gemma2-9b-it":            entry(0.20, 0.20),

		// Gemini
		"gemini/gemini-2.0-flash":      entry(0.10, 0.40),
		"gemini/gemini-2.0-flash-lite": entry(0.075, 0.30),
		"gemini/gemini-1.5-pro":        entry(1.25, 5.00),
		"gemini/gemini-1.5-flash":      entry(0.075, 0.30),
		"gemini/gemini-2.5-pro":        entry(1.25, 10.00),
		"gemini/gemini-2.5-flash":      entry(0.30, 2.50),
	}
}

// builtinFallbacks returns the per-provider defaults used for unknown models.
// Always reported stale.
func builtinFallbacks() map[string]Price {
	return map[string]Price{
		"openai":    entry(2.50, 10.00),
		"anthropic": entry(3.00, 15.00),
		"groq":      entry(0.59, 0.79),
		"gemini":    entry(0.30, 2.50),
		"generic":   entry(1.00, 3.00),
	}
}
