package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Severity levels in the normalized report schema.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

var (
	vld     *validator.Validate
	vldOnce sync.Once
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// NormalizeSeverity folds a raw severity label onto the enum via
// case-insensitive prefix match. Empty or unrecognized input maps to info,
// so the function is total and idempotent.
func NormalizeSeverity(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(v, "crit"):
		return SeverityCritical
	case strings.HasPrefix(v, "hi"):
		return SeverityHigh
	case strings.HasPrefix(v, "med"):
		return SeverityMedium
	case strings.HasPrefix(v, "lo"):
		return SeverityLow
	case strings.HasPrefix(v, "inf"):
		return SeverityInfo
	case v == "":
		return SeverityInfo
	}
	return SeverityInfo
}

// DescriptionItem pins a finding to a file span. All four fields must be
// present; pointers distinguish an absent field from a zero value.
type DescriptionItem struct {
	File      *string `json:"file" validate:"required"`
	LineStart *int    `json:"line_start" validate:"required"`
	LineEnd   *int    `json:"line_end" validate:"required"`
	Desc      *string `json:"desc" validate:"required"`
}

// Vulnerability is one finding inside an agent report. Title, description
// and impact are mandatory; the description list may be empty but must be
// present. Summary, proof of concept and remediation are optional.
type Vulnerability struct {
	Title          string            `json:"title" validate:"required"`
	Severity       string            `json:"severity"`
	Summary        string            `json:"summary,omitempty"`
	Description    []DescriptionItem `json:"description" validate:"required,dive"`
	Impact         *string           `json:"impact" validate:"required"`
	ProofOfConcept string            `json:"proof_of_concept,omitempty"`
	Remediation    string            `json:"remediation,omitempty"`
}

// Report is the validated agent output stored on a finalized job.
type Report struct {
	Vulnerabilities []Vulnerability `json:"vulnerabilities" validate:"required,dive"`
}

// ParseReport extracts the JSON object embedded in raw agent output and
// validates it against the report schema. Agents wrap the object in prose
// or markdown fences, so the slice between the first '{' and the last '}'
// is what gets parsed. Severities are normalized in place before schema
// validation, so a non-string severity degrades to info instead of sinking
// the whole report; fields outside the schema are kept as-is.
func ParseReport(raw string) (map[string]any, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("op=report.parse: no JSON object in report: %w", ErrInvalidArgument)
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("op=report.parse: %w", ErrInvalidArgument)
	}
	normalizeVulnerabilities(out)

	canonical, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("op=report.parse: %w", err)
	}
	var rep Report
	if err := json.Unmarshal(canonical, &rep); err != nil {
		return nil, fmt.Errorf("op=report.parse: %w", ErrInvalidArgument)
	}
	if rep.Vulnerabilities == nil {
		return nil, fmt.Errorf("op=report.parse: missing vulnerabilities: %w", ErrInvalidArgument)
	}
	for i := range rep.Vulnerabilities {
		if strings.TrimSpace(rep.Vulnerabilities[i].Title) == "" {
			return nil, fmt.Errorf("op=report.parse: vulnerability without title: %w", ErrInvalidArgument)
		}
	}
	if err := getValidator().Struct(rep); err != nil {
		return nil, fmt.Errorf("op=report.parse: schema violation: %w", ErrInvalidArgument)
	}
	return out, nil
}

func normalizeVulnerabilities(report map[string]any) {
	vulns, _ := report["vulnerabilities"].([]any)
	for _, raw := range vulns {
		v, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		sev, _ := v["severity"].(string)
		v["severity"] = NormalizeSeverity(sev)
	}
}
