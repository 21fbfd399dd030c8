package merging

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Ramsey-B/clover/pkg/models"
)

// Aggregator computes merged scalar values over the candidate rows of a merge.
type Aggregator struct {
	emailDomain string
}

// NewAggregator creates an Aggregator. emailDomain is the institutional
// domain preferred by AggregationPreferDomain, e.g. "uni.example.edu".
func NewAggregator(emailDomain string) *Aggregator {
	return &Aggregator{emailDomain: strings.ToLower(strings.TrimPrefix(strings.TrimSpace(emailDomain), "@"))}
}

// AggregateAll applies every field rule of the kind and returns the column values to store on the canonical row.
func (a *Aggregator) AggregateAll(mc *MergeContext) (map[string]any, error) {
	merged := make(map[string]any, len(mc.Kind.Fields))
	for _, rule := range mc.Kind.Fields {
		if rule.Column == mc.Kind.DiscriminantColumn {
			continue
		}
		value, err := a.Aggregate(rule, mc.CanonicalID, mc.Rows)
		if err != nil {
			return nil, err
		}
		merged[rule.Column] = value
	}
	return merged, nil
}

// Aggregate merges one column across all candidate rows, canonical included.
func (a *Aggregator) Aggregate(rule models.FieldRule, canonicalID int64, rows []models.ResourceRow) (any, error) {
	switch rule.Rule {
	case models.AggregationOr:
		return a.or(rule, rows)
	case models.AggregationMinTime:
		return a.extremeTime(rule, rows, func(candidate, best time.Time) bool { return candidate.Before(best) })
	case models.AggregationMaxTime:
		return a.extremeTime(rule, rows, func(candidate, best time.Time) bool { return candidate.After(best) })
	case models.AggregationMaxInt:
		return a.maxInt(rule, rows)
	case models.AggregationPreferCanonical:
		return a.preferCanonical(rule, canonicalID, rows)
	case models.AggregationPreferDomain:
		return a.preferDomain(rule, canonicalID, rows)
	default:
		return nil, fmt.Errorf("unsupported aggregation rule %q for column %s", rule.Rule, rule.Column)
	}
}

func (a *Aggregator) or(rule models.FieldRule, rows []models.ResourceRow) (any, error) {
	for _, row := range rows {
		value, ok, err := toBool(row.Fields[rule.Column])
		if err != nil {
			return nil, fmt.Errorf("column %s of row %d: %w", rule.Column, row.ID, err)
		}
		if !ok {
			value = rule.Default
		}
		if value {
			return true, nil
		}
	}
	return false, nil
}

func (a *Aggregator) extremeTime(rule models.FieldRule, rows []models.ResourceRow, better func(candidate, best time.Time) bool) (any, error) {
	var best *time.Time
	for _, row := range rows {
		value, ok, err := toTime(row.Fields[rule.Column])
		if err != nil {
			return nil, fmt.Errorf("column %s of row %d: %w", rule.Column, row.ID, err)
		}
		if !ok {
			continue
		}
		if best == nil || better(value, *best) {
			v := value
			best = &v
		}
	}
	if best == nil {
		return nil, nil
	}
	return *best, nil
}

func (a *Aggregator) maxInt(rule models.FieldRule, rows []models.ResourceRow) (any, error) {
	var best *int64
	for _, row := range rows {
		value, ok, err := toInt(row.Fields[rule.Column])
		if err != nil {
			return nil, fmt.Errorf("column %s of row %d: %w", rule.Column, row.ID, err)
		}
		if !ok {
			continue
		}
		if best == nil || value > *best {
			v := value
			best = &v
		}
	}
	if best == nil {
		return nil, nil
	}
	return *best, nil
}

// preferCanonical keeps the canonical value, falling back to the first non-empty value by ascending ID.
func (a *Aggregator) preferCanonical(rule models.FieldRule, canonicalID int64, rows []models.ResourceRow) (any, error) {
	return a.pickString(rule, canonicalID, rows, func(string) bool { return true })
}

// preferDomain keeps an address in the institutional domain, then behaves like preferCanonical.
func (a *Aggregator) preferDomain(rule models.FieldRule, canonicalID int64, rows []models.ResourceRow) (any, error) {
	if a.emailDomain != "" {
		value, err := a.pickString(rule, canonicalID, rows, func(s string) bool {
			return strings.HasSuffix(strings.ToLower(s), "@"+a.emailDomain)
		})
		if err != nil || value != nil {
			return value, err
		}
	}
	return a.preferCanonical(rule, canonicalID, rows)
}

func (a *Aggregator) pickString(rule models.FieldRule, canonicalID int64, rows []models.ResourceRow, accept func(string) bool) (any, error) {
	var fallback *string
	for _, row := range rows {
		value, ok, err := toString(row.Fields[rule.Column])
		if err != nil {
			return nil, fmt.Errorf("column %s of row %d: %w", rule.Column, row.ID, err)
		}
		if !ok || strings.TrimSpace(value) == "" || !accept(value) {
			continue
		}
		if row.ID == canonicalID {
			return value, nil
		}
		if fallback == nil {
			v := value
			fallback = &v
		}
	}
	if fallback == nil {
		return nil, nil
	}
	return *fallback, nil
}

// toBool reports ok=false for NULL.
func toBool(v any) (bool, bool, error) {
	switch t := v.(type) {
	case nil:
		return false, false, nil
	case bool:
		return t, true, nil
	case *bool:
		if t == nil {
			return false, false, nil
		}
		return *t, true, nil
	case int64:
		return t != 0, true, nil
	case int:
		return t != 0, true, nil
	case []byte:
		return parseBool(string(t))
	case string:
		return parseBool(t)
	default:
		return false, false, fmt.Errorf("expected boolean, got %T", v)
	}
}

func parseBool(s string) (bool, bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return false, false, nil
	case "t", "true", "1", "y", "yes":
		return true, true, nil
	case "f", "false", "0", "n", "no":
		return false, true, nil
	default:
		return false, false, fmt.Errorf("expected boolean, got %q", s)
	}
}

func toTime(v any) (time.Time, bool, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false, nil
	case time.Time:
		if t.IsZero() {
			return time.Time{}, false, nil
		}
		return t, true, nil
	case *time.Time:
		if t == nil || t.IsZero() {
			return time.Time{}, false, nil
		}
		return *t, true, nil
	case []byte:
		return parseTime(string(t))
	case string:
		return parseTime(t)
	default:
		return time.Time{}, false, fmt.Errorf("expected timestamp, got %T", v)
	}
}

func parseTime(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed, true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("expected timestamp, got %q", s)
}

func toInt(v any) (int64, bool, error) {
	switch t := v.(type) {
	case nil:
		return 0, false, nil
	case int64:
		return t, true, nil
	case int:
		return int64(t), true, nil
	case int32:
		return int64(t), true, nil
	case float64:
		return int64(t), true, nil
	case []byte:
		return parseInt(string(t))
	case string:
		return parseInt(t)
	default:
		return 0, false, fmt.Errorf("expected integer, got %T", v)
	}
}

func parseInt(s string) (int64, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("expected integer, got %q", s)
	}
	return n, true, nil
}

func toString(v any) (string, bool, error) {
	switch t := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return t, true, nil
	case *string:
		if t == nil {
			return "", false, nil
		}
		return *t, true, nil
	case []byte:
		return string(t), true, nil
	default:
		return "", false, fmt.Errorf("expected text, got %T", v)
	}
}
