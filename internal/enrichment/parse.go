package enrichment

import (
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"

	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

var validate = validator.New()

// ParseAnnotations decodes an annotator response into the fixed contract.
// A single surrounding markdown fence is tolerated; anything else that is not
// exactly one well-formed object fails the whole response.
func ParseAnnotations(text string) (types.EnrichedAnnotations, error) {
	body := stripFence(strings.TrimSpace(text))
	if body == "" {
		return types.EnrichedAnnotations{}, pkgerrors.New(pkgerrors.CodeValidation, "empty enrichment response")
	}

	dec := json.NewDecoder(strings.NewReader(body))
	dec.DisallowUnknownFields()

	var out types.EnrichedAnnotations
	if err := dec.Decode(&out); err != nil {
		return types.EnrichedAnnotations{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode enrichment response")
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return types.EnrichedAnnotations{}, pkgerrors.New(pkgerrors.CodeValidation, "trailing content after enrichment object")
	}
	if err := validate.Struct(out); err != nil {
		return types.EnrichedAnnotations{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid enrichment response")
	}
	return out, nil
}

func stripFence(body string) string {
	if !strings.HasPrefix(body, "```") {
		return body
	}
	body = strings.TrimPrefix(body, "```")
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		lang := strings.TrimSpace(body[:nl])
		if lang == "" || lang == "json" {
			body = body[nl+1:]
		}
	}
	body = strings.TrimSpace(body)
	if !strings.HasSuffix(body, "```") {
		return ""
	}
	return strings.TrimSpace(strings.TrimSuffix(body, "```"))
}
