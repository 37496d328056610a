// Package validate holds the input guards every repository and handler runs
// before touching the store: size limits, tag normalization, pagination
// clamps, and the regex safety check.
package validate

import (
	"encoding/json"
	"strings"

	"mnemo/internal/memerr"
)

// Limits is the configurable size-limit table. Zero values are replaced by
// defaults at config load.
type Limits struct {
	NameMax          int `yaml:"nameMaxLength"`
	TitleMax         int `yaml:"titleMaxLength"`
	DescriptionMax   int `yaml:"descriptionMaxLength"`
	ContentMax       int `yaml:"contentMaxLength"`
	MetadataMaxBytes int `yaml:"metadataMaxBytes"`
	TagsMaxCount     int `yaml:"tagsMaxCount"`
	ExamplesMaxCount int `yaml:"examplesMaxCount"`
	BulkOperationMax int `yaml:"bulkOperationMax"`
	RegexPatternMax  int `yaml:"regexPatternMaxLength"`
}

// DefaultLimits returns the stock size-limit table.
func DefaultLimits() Limits {
	return Limits{
		NameMax:          100,
		TitleMax:         200,
		DescriptionMax:   500,
		ContentMax:       50000,
		MetadataMaxBytes: 10240,
		TagsMaxCount:     20,
		ExamplesMaxCount: 10,
		BulkOperationMax: 50,
		RegexPatternMax:  200,
	}
}

// Required rejects empty or whitespace-only values.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return memerr.Validationf("%s is required", field)
	}
	return nil
}

// Field checks a string against its length cap. A value of exactly max is
// accepted; max+1 is rejected.
func Field(field, value string, max int) error {
	if len(value) > max {
		return memerr.SizeLimit(field, max, len(value), "chars")
	}
	return nil
}

// RequiredField combines Required and Field.
func RequiredField(field, value string, max int) error {
	if err := Required(field, value); err != nil {
		return err
	}
	return Field(field, value, max)
}

// MetadataBytes enforces the serialized-size cap on a metadata object. A
// value that cannot serialize (circular references included) is a validation
// failure, never a hang.
func MetadataBytes(meta map[string]any, max int) (int, error) {
	if len(meta) == 0 {
		return 0, nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return 0, memerr.Validationf("metadata is not serializable: %v", err)
	}
	if len(raw) > max {
		return len(raw), memerr.SizeLimit("metadata", max, len(raw), "bytes")
	}
	return len(raw), nil
}

// NormalizeTags lowercases, trims, and de-duplicates tag names, preserving
// first-seen order, then enforces the count cap.
func NormalizeTags(tags []string, maxCount int) ([]string, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		name := strings.ToLower(strings.TrimSpace(tag))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	if len(out) > maxCount {
		return nil, memerr.SizeLimit("tags", maxCount, len(out), "items")
	}
	return out, nil
}

// ClampLimit forces a page size into [1, max].
func ClampLimit(limit, max int) int {
	if limit < 1 {
		return 1
	}
	if limit > max {
		return max
	}
	return limit
}

// LimitOrDefault applies the default when the caller left limit unset, then
// clamps.
func LimitOrDefault(limit, def, max int) int {
	if limit == 0 {
		limit = def
	}
	return ClampLimit(limit, max)
}

// ClampOffset forces an offset into [0, max].
func ClampOffset(offset, max int) int {
	if offset < 0 {
		return 0
	}
	if offset > max {
		return max
	}
	return offset
}

// Enum verifies value membership in the allowed set.
func Enum(field, value string, allowed []string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return memerr.Validationf("%s must be one of %s, got %q", field, strings.Join(allowed, "|"), value)
}

// Range verifies a numeric field lies within [lo, hi].
func Range(field string, value, lo, hi float64) error {
	if value < lo || value > hi {
		return memerr.Validationf("%s must be within [%v, %v], got %v", field, lo, hi, value)
	}
	return nil
}
