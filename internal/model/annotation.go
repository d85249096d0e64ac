package model

import "strings"

// ValueTier is the three-level value judgment on a record.
type ValueTier string

const (
	TierHigh   ValueTier = "high"
	TierMedium ValueTier = "medium"
	TierLow    ValueTier = "low"
)

// AllValueTiers returns the closed tier vocabulary.
func AllValueTiers() []ValueTier {
	return []ValueTier{TierHigh, TierMedium, TierLow}
}

// Valid reports whether t is one of the closed tier values.
func (t ValueTier) Valid() bool {
	switch t {
	case TierHigh, TierMedium, TierLow:
		return true
	}
	return false
}

// localizedTiers maps the tier labels the models answer with when prompted in
// Chinese.
var localizedTiers = map[string]ValueTier{
	"高": TierHigh,
	"中": TierMedium,
	"低": TierLow,
}

// NormalizeValueTier lowercases s and maps localized labels onto the closed
// vocabulary. Unknown input is returned unchanged so validation can reject it.
func NormalizeValueTier(s string) ValueTier {
	s = strings.TrimSpace(s)
	if t, ok := localizedTiers[s]; ok {
		return t
	}
	return ValueTier(strings.ToLower(s))
}

// CategoryUnclassified is the category of every default annotation. It is
// implicitly part of every source's vocabulary.
const CategoryUnclassified = "unclassified"

// MaxKeyPoints caps Annotation.KeyPoints.
const MaxKeyPoints = 5

// MaxKeyPointLen caps each key point, in runes.
const MaxKeyPointLen = 200

// Annotation is the structured AI judgment attached to a record.
type Annotation struct {
	Summary   string    `json:"summary"`
	KeyPoints []string  `json:"key_points"`
	Category  string    `json:"category"`
	ValueTier ValueTier `json:"value_tier"`
	LongForm  string    `json:"long_form,omitempty"`
	Degraded  bool      `json:"degraded"`
}

// DefaultAnnotation is returned when enrichment cannot produce a valid
// annotation.
func DefaultAnnotation() Annotation {
	return Annotation{
		Category:  CategoryUnclassified,
		ValueTier: TierMedium,
		KeyPoints: []string{},
		Degraded:  true,
	}
}
