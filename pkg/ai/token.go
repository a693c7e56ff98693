package ai

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

var (
	encMu     sync.Mutex
	encByName = map[string]*tiktoken.Tiktoken{}
)

func encodingFor(model string) (*tiktoken.Tiktoken, error) {
	encMu.Lock()
	defer encMu.Unlock()

	if tkm, ok := encByName[model]; ok {
		return tkm, nil
	}

	// Provider model ids (sonar-pro, llama-3.1-...) are unknown to tiktoken;
	// cl100k_base is close enough for budgeting.
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		tkm, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, err
		}
	}
	encByName[model] = tkm
	return tkm, nil
}

// CountTokens returns the number of tokens in a string for a specific model.
func CountTokens(model string, text string) (int, error) {
	tkm, err := encodingFor(model)
	if err != nil {
		return 0, err
	}
	return len(tkm.Encode(text, nil, nil)), nil
}

// DefaultPricePer1K is used for models missing from the pricing table.
const DefaultPricePer1K = 0.001

// EstimateCost prices tokens using the per-1k table from config.
func EstimateCost(tokens int, model string, pricing map[string]float64) float64 {
	pricePer1k := DefaultPricePer1K
	if p, ok := pricing[model]; ok {
		pricePer1k = p
	}
	return (float64(tokens) / 1000.0) * pricePer1k
}
