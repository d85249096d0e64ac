package enrich

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/community-pulse/internal/extract"
	"github.com/sells-group/community-pulse/internal/model"
	"github.com/sells-group/community-pulse/internal/resilience"
)

var (
	validate = validator.New(validator.WithRequiredStructEnabled())

	fenceRe = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
)

// wireAnnotation is the exact JSON shape the model is asked to produce.
type wireAnnotation struct {
	Summary   string   `json:"summary" validate:"required"`
	KeyPoints []string `json:"key_points" validate:"required"`
	Category  string   `json:"category" validate:"required"`
	ValueTier string   `json:"value_tier" validate:"required,oneof=high medium low"`
	LongForm  string   `json:"long_form"`
}

// CleanJSON extracts a JSON object from model output that may be wrapped in
// markdown code fences or surrounded by prose.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if m := fenceRe.FindStringSubmatch(text); m != nil {
		text = m[1]
	} else if strings.HasPrefix(text, "```") {
		// Unterminated fence.
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimPrefix(text, "json")
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// Decode strictly parses model output into an annotation. hasCategory
// reports membership in the source's closed vocabulary. Errors are tagged
// KindDecode for malformed JSON and KindValidation for well-formed JSON that
// breaks a field rule.
func Decode(text string, hasCategory func(string) bool) (model.Annotation, error) {
	cleaned := CleanJSON(text)
	if cleaned == "" {
		return model.Annotation{}, resilience.WithKind(eris.New("enrich: empty response"), resilience.KindDecode)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(cleaned)))
	dec.DisallowUnknownFields()

	var w wireAnnotation
	if err := dec.Decode(&w); err != nil {
		return model.Annotation{}, resilience.WithKind(eris.Wrap(err, "enrich: decode annotation"), resilience.KindDecode)
	}
	if dec.More() {
		return model.Annotation{}, resilience.WithKind(eris.New("enrich: trailing data after annotation"), resilience.KindDecode)
	}

	w.Summary = strings.TrimSpace(w.Summary)
	w.Category = strings.TrimSpace(w.Category)
	w.ValueTier = string(model.NormalizeValueTier(w.ValueTier))

	if err := validate.Struct(w); err != nil {
		return model.Annotation{}, resilience.WithKind(eris.Wrap(err, "enrich: validate annotation"), resilience.KindValidation)
	}
	if hasCategory != nil && !hasCategory(w.Category) {
		return model.Annotation{}, resilience.WithKind(eris.Errorf("enrich: category %q not in vocabulary", w.Category), resilience.KindValidation)
	}

	points := make([]string, 0, len(w.KeyPoints))
	for _, kp := range w.KeyPoints {
		if kp = strings.TrimSpace(kp); kp != "" {
			points = append(points, extract.Truncate(kp, model.MaxKeyPointLen))
		}
		if len(points) == model.MaxKeyPoints {
			break
		}
	}

	return model.Annotation{
		Summary:   w.Summary,
		KeyPoints: points,
		Category:  w.Category,
		ValueTier: model.ValueTier(w.ValueTier),
		LongForm:  strings.TrimSpace(w.LongForm),
	}, nil
}
