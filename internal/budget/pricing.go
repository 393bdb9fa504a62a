package budget

import (
	"github.com/cuongbtq/agentflow/internal/config"
)

// DefaultPriceKey is the price entry used for models without their own
const DefaultPriceKey = "default"

// Pricing converts token counts into cents
type Pricing struct {
	prices map[string]config.ModelPriceConfig
}

// NewPricing creates a price table, prices are cents per million tokens
func NewPricing(prices map[string]config.ModelPriceConfig) *Pricing {
	if prices == nil {
		prices = map[string]config.ModelPriceConfig{}
	}
	return &Pricing{prices: prices}
}

// Cost returns the cost in cents of one invocation of model
func (p *Pricing) Cost(model string, inputTokens, outputTokens int) float64 {
	price, ok := p.prices[model]
	if !ok {
		price = p.prices[DefaultPriceKey]
	}
	return (float64(inputTokens)*price.InputCentsPerMTok + float64(outputTokens)*price.OutputCentsPerMTok) / 1_000_000
}
