package model

import "slices"

// Canonical risk score bounds. Every normalizer profile converts into this scale.
const (
	MinRiskScore = 0
	MaxRiskScore = 100
)

type ClauseStatus string

const (
	ClausePresent ClauseStatus = "Present"
	ClauseMissing ClauseStatus = "Missing"
	ClauseRisky   ClauseStatus = "Risky"
	ClauseUnknown ClauseStatus = "Unknown"
)

// RiskLevel is shared by clause risk levels and risk severities.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// AnalysisResult is the normalized report of a completed job.
type AnalysisResult struct {
	OverallRiskScore int      `json:"overall_risk_score"`
	Summary          string   `json:"summary"`
	ContractType     string   `json:"contract_type,omitempty"`
	Clauses          []Clause `json:"clauses"`
	Risks            []Risk   `json:"risks"`
	Suggestions      []string `json:"suggestions"`
	Profile          string   `json:"profile"`
}

type Clause struct {
	Name          string       `json:"name"`
	Status        ClauseStatus `json:"status"`
	RiskLevel     RiskLevel    `json:"risk_level"`
	Description   string       `json:"description"`
	ExtractedText string       `json:"extracted_text,omitempty"`
	RiskFactors   []string     `json:"risk_factors,omitempty"`
	Suggestions   []string     `json:"suggestions,omitempty"`
}

type Risk struct {
	Title       string    `json:"title"`
	Severity    RiskLevel `json:"severity"`
	Description string    `json:"description"`
}

// RiskBand buckets a canonical score for display: below 40 is low,
// up to 60 medium, above that high.
func RiskBand(score int) RiskLevel {
	switch {
	case score < 40:
		return RiskLow
	case score <= 60:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// Band returns the display band of the overall score.
func (r *AnalysisResult) Band() RiskLevel {
	return RiskBand(r.OverallRiskScore)
}

// Clone deep-copies r. A nil result clones to nil.
func (r *AnalysisResult) Clone() *AnalysisResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Clauses = slices.Clone(r.Clauses)
	for i := range out.Clauses {
		out.Clauses[i].RiskFactors = slices.Clone(out.Clauses[i].RiskFactors)
		out.Clauses[i].Suggestions = slices.Clone(out.Clauses[i].Suggestions)
	}
	out.Risks = slices.Clone(r.Risks)
	out.Suggestions = slices.Clone(r.Suggestions)
	return &out
}

// CountClauses returns how many clauses have the given status.
func (r *AnalysisResult) CountClauses(status ClauseStatus) int {
	n := 0
	for _, c := range r.Clauses {
		if c.Status == status {
			n++
		}
	}
	return n
}
