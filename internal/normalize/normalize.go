// Package normalize turns raw provider output into a validated ExtractionResult.
package normalize

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/amishk599/harvester/internal/model"
)

// ValidationError reports provider output that cannot be turned into a
// result. It is never retried against the same provider.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s %s", e.Field, e.Reason)
}

// Summary names the rejected field but not the offending output.
func (e *ValidationError) Summary() string {
	if e.Field == "" {
		return "provider output rejected"
	}
	return "provider output rejected: " + e.Field
}

func (e *ValidationError) Retryable() bool   { return false }
func (e *ValidationError) ErrorKind() string { return "validation" }

// Input is one provider response plus the request context it answers.
type Input struct {
	Text      string
	Provider  string
	SourceURL string
	At        time.Time
}

// field aliases accepted from providers, canonical name first.
var aliases = map[string][]string{
	"company_name":   {"company_name", "company", "companyname", "employer", "organization", "hiring_organization", "hiringorganization"},
	"position_title": {"position_title", "title", "job_title", "jobtitle", "position", "role"},
	"location":       {"location", "job_location", "joblocation", "city"},
	"work_model":     {"work_model", "workmodel", "workplace_type", "workplacetype", "remote_type", "work_type", "work_arrangement"},
	"salary_min":     {"salary_min", "salarymin", "min_salary", "minimum_salary", "base_salary_min"},
	"salary_max":     {"salary_max", "salarymax", "max_salary", "maximum_salary", "base_salary_max"},
	"salary":         {"salary", "salary_range", "compensation", "basesalary", "base_salary"},
	"description":    {"description", "summary", "job_description"},
	"url":            {"url", "source_url", "job_url", "posting_url"},
}

// Normalize parses in.Text with a strict JSON step, then lenient fallbacks,
// and validates the result.
func Normalize(in Input) (model.ExtractionResult, error) {
	fields, err := parse(in.Text)
	if err != nil {
		return model.ExtractionResult{}, err
	}
	return build(fields, in)
}

// parse returns canonical field name -> raw value.
func parse(text string) (map[string]any, error) {
	body := stripFences(text)
	if body == "" {
		return nil, &ValidationError{Reason: "empty response"}
	}

	if obj, ok := decodeObject(body); ok {
		return canonical(obj), nil
	}
	if embedded := extractObject(body); embedded != "" {
		if obj, ok := decodeObject(embedded); ok {
			return canonical(obj), nil
		}
	}
	if fields := parseKeyValueLines(body); len(fields) > 0 {
		return canonical(fields), nil
	}
	return nil, &ValidationError{Reason: "response is neither JSON nor key/value text"}
}

func build(fields map[string]any, in Input) (model.ExtractionResult, error) {
	res := model.ExtractionResult{
		CompanyName:   coerceString(fields["company_name"]),
		PositionTitle: coerceString(fields["position_title"]),
		Location:      coerceLocation(fields["location"]),
		WorkModel:     coerceWorkModel(fields["work_model"]),
		Description:   coerceString(fields["description"]),
		SourceURL:     in.SourceURL,
		ExtractedAt:   in.At,
		ProviderUsed:  in.Provider,
	}

	if res.CompanyName == nil {
		return model.ExtractionResult{}, &ValidationError{Field: "company_name", Reason: "is missing"}
	}
	if res.PositionTitle == nil {
		return model.ExtractionResult{}, &ValidationError{Field: "position_title", Reason: "is missing"}
	}

	res.SalaryMin = coerceSalary(fields["salary_min"])
	res.SalaryMax = coerceSalary(fields["salary_max"])
	if res.SalaryMin == nil && res.SalaryMax == nil {
		res.SalaryMin, res.SalaryMax = coerceSalaryRange(fields["salary"])
	}
	if res.SalaryMin != nil && res.SalaryMax != nil && *res.SalaryMin > *res.SalaryMax {
		return model.ExtractionResult{}, &ValidationError{
			Field:  "salary_min",
			Reason: fmt.Sprintf("%d exceeds salary_max %d", *res.SalaryMin, *res.SalaryMax),
		}
	}

	if u := coerceString(fields["url"]); u != nil && in.SourceURL != "" {
		if NormalizeURL(*u) != NormalizeURL(in.SourceURL) {
			return model.ExtractionResult{}, &ValidationError{
				Field:  "url",
				Reason: fmt.Sprintf("%q does not match requested %q", *u, in.SourceURL),
			}
		}
	}

	return res, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```JSON")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

func decodeObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// extractObject returns the first balanced {...} span in s, honoring strings.
func extractObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inStr := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

var kvLine = regexp.MustCompile(`^\s*(?:[-*•]\s*)?\**([A-Za-z][A-Za-z _]{1,40}?)\**\s*[:=]\s*(.+?)\s*$`)

func parseKeyValueLines(s string) map[string]any {
	out := make(map[string]any)
	for _, line := range strings.Split(s, "\n") {
		m := kvLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out[m[1]] = strings.Trim(m[2], `"'*`)
	}
	return out
}

func keyOf(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	k = strings.NewReplacer(" ", "_", "-", "_").Replace(k)
	return k
}

// canonical maps alias keys to canonical names. The first alias listed wins
// when several are present.
func canonical(obj map[string]any) map[string]any {
	byKey := make(map[string]any, len(obj))
	for k, v := range obj {
		byKey[keyOf(k)] = v
	}
	out := make(map[string]any, len(aliases))
	for name, keys := range aliases {
		for _, k := range keys {
			if v, ok := byKey[k]; ok && v != nil {
				out[name] = v
				break
			}
		}
	}
	return out
}

func coerceString(v any) *string {
	var s string
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		s = t
	case float64:
		s = strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(t)
	case map[string]any:
		// schema.org style {"name": ...}
		return coerceString(t["name"])
	default:
		return nil
	}
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "null", "none", "n/a", "na", "unknown", "not specified":
		return nil
	}
	return &s
}

func coerceLocation(v any) *string {
	switch t := v.(type) {
	case []any:
		var parts []string
		for _, item := range t {
			if s := coerceLocation(item); s != nil {
				parts = append(parts, *s)
			}
		}
		if len(parts) == 0 {
			return nil
		}
		joined := strings.Join(parts, "; ")
		return &joined
	case map[string]any:
		if name := coerceString(t["name"]); name != nil {
			return name
		}
		if addr, ok := t["address"].(map[string]any); ok {
			var parts []string
			for _, k := range []string{"addressLocality", "addressRegion", "addressCountry"} {
				if s := coerceString(addr[k]); s != nil {
					parts = append(parts, *s)
				}
			}
			if len(parts) > 0 {
				joined := strings.Join(parts, ", ")
				return &joined
			}
		}
		return nil
	}
	return coerceString(v)
}

// coerceWorkModel maps free text onto the enumerated set; anything else is nil.
func coerceWorkModel(v any) *model.WorkModel {
	s := coerceString(v)
	if s == nil {
		return nil
	}
	norm := strings.ToLower(*s)
	norm = strings.NewReplacer("_", " ", "-", " ").Replace(norm)
	norm = strings.Join(strings.Fields(norm), " ")

	var wm model.WorkModel
	switch {
	case strings.Contains(norm, "hybrid"):
		wm = model.WorkHybrid
	case strings.Contains(norm, "remote"), norm == "telecommute", norm == "wfh":
		wm = model.WorkRemote
	case norm == "on site", norm == "onsite", norm == "in office", norm == "office", norm == "in person":
		wm = model.WorkOnSite
	default:
		return nil
	}
	return &wm
}

var salaryNoise = strings.NewReplacer("$", "", "€", "", "£", "", ",", "", " ", "", "usd", "", "eur", "", "gbp", "", "/yr", "", "/year", "", "peryear", "")

// maxSalary is far above any real figure and well inside int64.
const maxSalary = 1e12

// coerceSalary accepts numbers and strings like "$120,000" or "120k".
// Unparseable, non-positive or implausibly large values become nil.
func coerceSalary(v any) *int64 {
	var n float64
	switch t := v.(type) {
	case float64:
		n = t
	case string:
		s := salaryNoise.Replace(strings.ToLower(strings.TrimSpace(t)))
		mult := 1.0
		switch {
		case strings.HasSuffix(s, "k"):
			mult, s = 1000, strings.TrimSuffix(s, "k")
		case strings.HasSuffix(s, "m"):
			mult, s = 1000000, strings.TrimSuffix(s, "m")
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		n = f * mult
	default:
		return nil
	}
	if !(n > 0) || n >= maxSalary {
		return nil
	}
	i := int64(n + 0.5)
	return &i
}

var rangeSep = regexp.MustCompile(`\s*(?:-|–|to)\s*`)

// coerceSalaryRange reads a combined salary value: {min,max}, a JSON-LD
// MonetaryAmount, a "120k - 150k" string, or a single figure.
func coerceSalaryRange(v any) (lo, hi *int64) {
	switch t := v.(type) {
	case map[string]any:
		if inner, ok := t["value"].(map[string]any); ok {
			return coerceSalaryRange(inner)
		}
		lo = coerceSalary(firstOf(t, "min", "minValue", "minimum", "from"))
		hi = coerceSalary(firstOf(t, "max", "maxValue", "maximum", "to"))
		if lo == nil && hi == nil {
			single := coerceSalary(t["value"])
			return single, single
		}
		return lo, hi
	case string:
		parts := rangeSep.Split(strings.TrimSpace(t), 2)
		if len(parts) == 2 {
			lo, hi = coerceSalary(parts[0]), coerceSalary(parts[1])
			// "120-150k" shares the suffix
			if lo != nil && hi != nil && *lo*1000 <= *hi && strings.HasSuffix(strings.ToLower(parts[1]), "k") && !strings.HasSuffix(strings.ToLower(parts[0]), "k") {
				scaled := *lo * 1000
				lo = &scaled
			}
			return lo, hi
		}
		single := coerceSalary(t)
		return single, single
	case float64:
		single := coerceSalary(t)
		return single, single
	}
	return nil, nil
}

func firstOf(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}
