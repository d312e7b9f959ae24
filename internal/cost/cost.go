// Package cost prices LLM usage in USD.
//
// [Table] holds per-model prices for hosted models: per 1M tokens for text
// models, per 1M characters for speech models, and per image for image models.
// [Zero] is used for local inference and when cost tracking is disabled.
//
// Both implementations are pure and safe for concurrent use.
package cost

import (
	"log/slog"
	"math"
	"strings"
)

// Usage is the billable quantity of one call.
type Usage struct {
	InputTokens  int
	OutputTokens int

	// ExtraChars is the number of input characters for speech models.
	ExtraChars int

	// ImageCount is the number of generated images for image models.
	ImageCount int
}

// Breakdown is the priced usage in USD, each field rounded to 6 decimals.
type Breakdown struct {
	In    float64
	Out   float64
	Total float64
}

// Calculator prices usage for a model.
type Calculator interface {
	Calculate(model string, u Usage) Breakdown
}

// Compile-time interface assertions.
var (
	_ Calculator = (*Table)(nil)
	_ Calculator = Zero{}
)

// Price is the rate for one model. Text models use In/Out per 1M tokens,
// speech models use In per 1M characters, and image models use Out per image.
type Price struct {
	In  float64
	Out float64
}

const (
	perMillion = 1_000_000

	// worstCaseModel prices unknown models.
	worstCaseModel = "o1-pro"
)

// DefaultPrices is the built-in price table.
var DefaultPrices = map[string]Price{
	"o1":                     {In: 15, Out: 60},
	"o1-mini":                {In: 3, Out: 12},
	"o1-pro":                 {In: 150, Out: 600},
	"o3-mini":                {In: 1.10, Out: 4.40},
	"o3":                     {In: 2, Out: 8},
	"gpt-4o":                 {In: 5, Out: 15},
	"gpt-4o-2024-08-06":      {In: 2.5, Out: 10},
	"gpt-4o-mini":            {In: 0.15, Out: 0.6},
	"gpt-4o-mini-2024-07-18": {In: 0.15, Out: 0.6},
	"gpt-4-turbo":            {In: 10, Out: 30},
	"gpt-4":                  {In: 30, Out: 60},
	"gpt-3.5-turbo":          {In: 0.5, Out: 1.5},
	"gpt-3.5-turbo-0125":     {In: 0.5, Out: 1.5},

	// Speech: per 1M characters.
	"tts-1":    {In: 15},
	"tts-1-hd": {In: 30},

	// Images: per image.
	"dall-e-3":    {Out: 0.04},
	"dall-e-3-hd": {Out: 0.08},
	"dall-e-2":    {Out: 0.02},
}

// Table is a [Calculator] backed by a price map.
type Table struct {
	prices map[string]Price
}

// NewTable creates a Table from prices. A nil map uses [DefaultPrices].
// Keys are lower-cased.
func NewTable(prices map[string]Price) *Table {
	if prices == nil {
		prices = DefaultPrices
	}
	t := &Table{prices: make(map[string]Price, len(prices))}
	for k, v := range prices {
		t.prices[strings.ToLower(k)] = v
	}
	return t
}

// Known reports whether model has an explicit price.
func (t *Table) Known(model string) bool {
	_, ok := t.prices[strings.ToLower(model)]
	return ok
}

// Calculate implements [Calculator]. Unknown models are priced at the
// worst-case entry and logged at warn level.
func (t *Table) Calculate(model string, u Usage) Breakdown {
	key := strings.ToLower(model)
	p, ok := t.prices[key]
	if !ok {
		p = t.worstCase()
		slog.Warn("cost: unknown model, using worst-case pricing",
			"model", model,
			"pricing_model", worstCaseModel,
		)
	}

	var in, out float64
	switch {
	case strings.HasPrefix(key, "tts-"):
		in = float64(max(u.ExtraChars, 0)) * p.In / perMillion
	case strings.HasPrefix(key, "dall-e-"):
		out = float64(max(u.ImageCount, 0)) * p.Out
	default:
		in = float64(max(u.InputTokens, 0)) * p.In / perMillion
		out = float64(max(u.OutputTokens, 0)) * p.Out / perMillion
	}
	return Breakdown{
		In:    round6(in),
		Out:   round6(out),
		Total: round6(in + out),
	}
}

func (t *Table) worstCase() Price {
	if p, ok := t.prices[worstCaseModel]; ok {
		return p
	}
	var worst Price
	for _, p := range t.prices {
		if p.In+p.Out > worst.In+worst.Out {
			worst = p
		}
	}
	return worst
}

// Zero is a [Calculator] that always returns a zero breakdown.
type Zero struct{}

// Calculate implements [Calculator].
func (Zero) Calculate(string, Usage) Breakdown { return Breakdown{} }

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
