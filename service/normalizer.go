package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/AnTengye/contractreview/model"
)

// Profile describes one analysis backend's native response conventions.
// Scores are converted from [0, NativeMax] into the canonical 0-100 scale.
type Profile struct {
	Name         string
	NativeMax    float64
	DefaultScore float64 // native scale, used when no valid score is present
	Placeholder  string  // summary used when none is present
}

var (
	// ProfileAnalyzer matches the clause analyzer backend, which scores 0-10.
	ProfileAnalyzer = Profile{Name: "analyzer", NativeMax: 10, DefaultScore: 5, Placeholder: "Analysis complete."}
	// ProfileReview matches the document review backend, which scores 0-100.
	ProfileReview = Profile{Name: "review", NativeMax: 100, DefaultScore: 50, Placeholder: "Document reviewed."}
)

func ProfileByName(name string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case ProfileAnalyzer.Name:
		return ProfileAnalyzer, nil
	case ProfileReview.Name:
		return ProfileReview, nil
	default:
		return Profile{}, fmt.Errorf("unknown normalizer profile %q", name)
	}
}

// Canonicalize converts a native score into the canonical scale.
func (p Profile) Canonicalize(native float64) int {
	return clampScore(int(math.Round(native * model.MaxRiskScore / p.NativeMax)))
}

var (
	scoreKeys      = []string{"overall_risk_score", "overallRiskScore", "risk_score"}
	summaryKeys    = []string{"summary"}
	nestedKeys     = []string{"analysis", "result"}
	clauseKeys     = []string{"clauses"}
	riskKeys       = []string{"risks"}
	suggestionKeys = []string{"suggestions"}
)

// Normalizer turns loosely shaped backend payloads into AnalysisResult values.
type Normalizer struct {
	profile Profile
}

func NewNormalizer(profile Profile) *Normalizer {
	return &Normalizer{profile: profile}
}

func (n *Normalizer) Profile() Profile {
	return n.profile
}

// Normalize decodes raw and normalizes it. Anything that is not a JSON object
// is rejected with ErrNormalization.
func (n *Normalizer) Normalize(raw json.RawMessage) (*model.AnalysisResult, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrNormalization)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNormalization, err)
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: payload is not an object", ErrNormalization)
	}
	return n.NormalizeMap(obj)
}

// NormalizeMap applies the defaulting rules to a decoded payload. Top-level
// fields win over the same fields nested under "analysis" or "result". The
// payload is rejected only when it has neither a usable score nor a summary.
func (n *Normalizer) NormalizeMap(payload map[string]any) (*model.AnalysisResult, error) {
	sources := []map[string]any{payload}
	for _, key := range nestedKeys {
		if nested, ok := payload[key].(map[string]any); ok {
			sources = append(sources, nested)
		}
	}

	score, hasScore := n.findScore(sources)
	summary, hasSummary := findString(sources, summaryKeys)
	if !hasScore && !hasSummary {
		return nil, fmt.Errorf("%w: no risk score or summary present", ErrNormalization)
	}
	if !hasScore {
		score = n.profile.DefaultScore
	}
	if !hasSummary {
		summary = n.profile.Placeholder
	}
	contractType, _ := findString(sources, []string{"contract_type", "contractType"})

	result := &model.AnalysisResult{
		OverallRiskScore: n.profile.Canonicalize(score),
		Summary:          summary,
		ContractType:     contractType,
		Clauses:          []model.Clause{},
		Risks:            []model.Risk{},
		Suggestions:      stringList(findList(sources, suggestionKeys)),
		Profile:          n.profile.Name,
	}
	for _, entry := range findList(sources, clauseKeys) {
		if m, ok := entry.(map[string]any); ok {
			result.Clauses = append(result.Clauses, parseClause(m))
		}
	}
	for _, entry := range findList(sources, riskKeys) {
		if m, ok := entry.(map[string]any); ok {
			result.Risks = append(result.Risks, parseRisk(m))
		}
	}
	return result, nil
}

// findScore returns the first numeric score within the profile's native range.
func (n *Normalizer) findScore(sources []map[string]any) (float64, bool) {
	for _, src := range sources {
		for _, key := range scoreKeys {
			v, ok := src[key]
			if !ok {
				continue
			}
			f, ok := toNumber(v)
			if ok && f >= 0 && f <= n.profile.NativeMax {
				return f, true
			}
		}
	}
	return 0, false
}

func findString(sources []map[string]any, keys []string) (string, bool) {
	for _, src := range sources {
		if s := stringField(src, keys...); s != "" {
			return s, true
		}
	}
	return "", false
}

// findList returns the first value under keys that is a list. Non-list values
// are treated as absent.
func findList(sources []map[string]any, keys []string) []any {
	for _, src := range sources {
		for _, key := range keys {
			if list, ok := src[key].([]any); ok {
				return list
			}
		}
	}
	return nil
}

func parseClause(m map[string]any) model.Clause {
	name := stringField(m, "name", "title")
	if name == "" {
		name = "Unknown"
	}
	return model.Clause{
		Name:          name,
		Status:        parseClauseStatus(stringField(m, "status")),
		RiskLevel:     parseRiskLevel(stringField(m, "risk_level", "riskLevel", "risk")),
		Description:   stringField(m, "description", "details"),
		ExtractedText: stringField(m, "extracted_text", "extractedText"),
		RiskFactors:   stringList(listField(m, "risk_factors", "riskFactors")),
		Suggestions:   stringList(listField(m, "suggestions")),
	}
}

func parseRisk(m map[string]any) model.Risk {
	title := stringField(m, "title", "name")
	if title == "" {
		title = "Untitled risk"
	}
	return model.Risk{
		Title:       title,
		Severity:    parseRiskLevel(stringField(m, "severity", "risk_level", "level")),
		Description: stringField(m, "description", "details"),
	}
}

func parseClauseStatus(s string) model.ClauseStatus {
	for _, status := range []model.ClauseStatus{model.ClausePresent, model.ClauseMissing, model.ClauseRisky} {
		if strings.EqualFold(s, string(status)) {
			return status
		}
	}
	return model.ClauseUnknown
}

// parseRiskLevel matches case-insensitively; anything else is Low.
func parseRiskLevel(s string) model.RiskLevel {
	for _, level := range []model.RiskLevel{model.RiskMedium, model.RiskHigh} {
		if strings.EqualFold(s, string(level)) {
			return level
		}
	}
	return model.RiskLow
}

// stringField returns the first non-blank string under keys, trimmed.
func stringField(m map[string]any, keys ...string) string {
	for _, key := range keys {
		if s, ok := m[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return ""
}

func listField(m map[string]any, keys ...string) []any {
	for _, key := range keys {
		if list, ok := m[key].([]any); ok {
			return list
		}
	}
	return nil
}

// stringList keeps the non-blank strings of list; it never returns nil.
func stringList(list []any) []string {
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func toNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func clampScore(score int) int {
	if score < model.MinRiskScore {
		return model.MinRiskScore
	}
	if score > model.MaxRiskScore {
		return model.MaxRiskScore
	}
	return score
}
