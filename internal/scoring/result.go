package scoring

import (
	"time"

	"github.com/spigell/hirescope/internal/ai"
)

const (
	MinScore = 0
	MaxScore = 100
)

type Result struct {
	RecordID            string    `json:"record_id"`
	Score               float64   `json:"score"`
	Summary             string    `json:"summary"`
	KeyStrengths        []string  `json:"key_strengths"`
	Concerns            []string  `json:"concerns"`
	HireRecommendation  string    `json:"hire_recommendation"`
	NotableAchievements []string  `json:"notable_achievements"`
	CultureFit          string    `json:"culture_fit"`
	DataQuality         string    `json:"data_quality"`
	Cost                float64   `json:"cost"`
	Usage               ai.Usage  `json:"usage"`
	Model               string    `json:"model"`
	Attempts            int       `json:"attempts"`
	ScoredAt            time.Time `json:"scored_at"`
}

// Pricing converts token usage into USD. A positive PerCall overrides token pricing.
type Pricing struct {
	InputPer1K     float64 `mapstructure:"input-per-1k"`
	OutputPer1K    float64 `mapstructure:"output-per-1k"`
	ReasoningPer1K float64 `mapstructure:"reasoning-per-1k"`
	PerCall        float64 `mapstructure:"per-call"`
}

// DefaultPricing is the published o3 rate.
var DefaultPricing = Pricing{
	InputPer1K:     0.015,
	OutputPer1K:    0.060,
	ReasoningPer1K: 0.060,
}

func (p Pricing) Cost(u ai.Usage) float64 {
	if p.PerCall > 0 {
		return p.PerCall
	}
	return float64(u.InputTokens)/1000*p.InputPer1K +
		float64(u.OutputTokens)/1000*p.OutputPer1K +
		float64(u.ReasoningTokens)/1000*p.ReasoningPer1K
}
