package workers

import "strings"

// modelPrice is USD per 1000 tokens.
type modelPrice struct {
	Prompt     float64
	Completion float64
}

// pricingCatalog maps model-name fragments to prices. Lookup matches the
// first fragment that is a substring of the lowercased model name, so
// order matters: more specific fragments come first.
var pricingCatalog = []struct {
	Fragment string
	Price    modelPrice
}{
	{"gpt-4-turbo", modelPrice{0.01, 0.03}},
	{"gpt-4o", modelPrice{0.005, 0.015}},
	{"gpt-4", modelPrice{0.03, 0.06}},
	{"gpt-3.5-turbo", modelPrice{0.0005, 0.0015}},
	{"claude-3-opus", modelPrice{0.015, 0.075}},
	{"claude-3-sonnet", modelPrice{0.003, 0.015}},
	{"claude-3-haiku", modelPrice{0.00025, 0.00125}},
}

// lookupPrice finds the price for a model name, matching catalog
// fragments against the lowercased name. Versioned names like
// "gpt-4-0613" resolve through their base fragment.
func lookupPrice(modelName string) (modelPrice, bool) {
	lower := strings.ToLower(modelName)
	for _, entry := range pricingCatalog {
		if strings.Contains(lower, entry.Fragment) {
			return entry.Price, true
		}
	}
	return modelPrice{}, false
}

// computeCost applies the per-1k-token rates.
func computeCost(p modelPrice, promptTokens, completionTokens int64) float64 {
	return float64(promptTokens)/1000*p.Prompt + float64(completionTokens)/1000*p.Completion
}
