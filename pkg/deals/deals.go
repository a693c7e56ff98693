// Package deals asks the completion provider for recent M&A activity and
// turns whatever comes back into a bounded list of normalized records.
package deals

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/shivamagw06-dev/AGIB-sub000/pkg/llm"
)

// GlobalRegion is used when the caller does not name a region.
const GlobalRegion = "Global"

const systemPrompt = `You are a financial news researcher tracking mergers and acquisitions.

Output rules:
- Respond with a JSON array only, no prose before or after it
- Each element is an object with exactly these keys:
  acquirer, target, value, sector, region, date, source, image, summary, type
- date is YYYY-MM-DD; source and image are absolute https URLs or null
- value is the announced deal value as written in the source, e.g. "$8.5 billion", or null
- summary is one or two plain-text sentences
- Use null for anything you cannot verify; never invent deals
- If there are no qualifying deals, respond with []`

// Completer is the slice of the completion client the service needs.
type Completer interface {
	Enabled() bool
	Complete(ctx context.Context, messages []llm.Message) (*llm.Completion, error)
}

// Service fetches deal lists.
type Service struct {
	llm          Completer
	defaultLimit int
	maxLimit     int
}

// NewService creates a deal service. defaultLimit applies when a caller
// asks for no particular count; maxLimit caps every request.
func NewService(c Completer, defaultLimit, maxLimit int) *Service {
	if maxLimit <= 0 {
		maxLimit = 25
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = maxLimit
	}
	return &Service{llm: c, defaultLimit: defaultLimit, maxLimit: maxLimit}
}

// Limit clamps a requested count into [1, maxLimit]; n <= 0 means default.
func (s *Service) Limit(n int) int {
	switch {
	case n <= 0:
		return s.defaultLimit
	case n > s.maxLimit:
		return s.maxLimit
	}
	return n
}

// Messages builds the chat prompt for a region and count.
func Messages(region string, limit int) []llm.Message {
	scope := "worldwide"
	if region != "" && !strings.EqualFold(region, GlobalRegion) {
		scope = "in or involving " + region
	}
	return []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf("List up to %d of the most recent announced or completed M&A deals %s. Newest first.", limit, scope)},
	}
}

// Fetch returns up to limit deals for region. It never fails: a missing
// provider, an exhausted model list or unusable output all yield an empty,
// non-nil slice.
func (s *Service) Fetch(ctx context.Context, region string, limit int) []Record {
	limit = s.Limit(limit)
	region = strings.TrimSpace(region)
	if region == "" {
		region = GlobalRegion
	}
	logger := log.With().Str("component", "deals").Str("region", region).Logger()

	if s.llm == nil || !s.llm.Enabled() {
		logger.Warn().Msg("completion provider not configured, returning no deals")
		return []Record{}
	}

	comp, err := s.llm.Complete(ctx, Messages(region, limit))
	if err != nil {
		logger.Warn().Err(err).Msg("deal completion failed")
		return []Record{}
	}

	arr, err := llm.ExtractArray(comp.Raw)
	if err != nil {
		logger.Warn().Err(err).Str("model", comp.Model).Msg("deal output unparseable")
		return []Record{}
	}

	records := Normalize(arr, region, limit)
	logger.Info().Str("model", comp.Model).Int("deals", len(records)).Msg("deals fetched")
	return records
}
