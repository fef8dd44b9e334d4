package scoring

import (
	"errors"
	"fmt"
	"math"

	"github.com/go-playground/validator/v10"

	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

var validate = validator.New()

// FieldError describes one rejected input field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// Validate rejects malformed classifier output. The error is a
// VALIDATION_ERROR carrying the offending fields.
func Validate(analysis types.AnalysisResult) error {
	for i, a := range analysis.Anomalies {
		if math.IsNaN(a.Confidence) || math.IsInf(a.Confidence, 0) {
			return pkgerrors.New(pkgerrors.CodeValidation, "invalid analysis result").
				WithDetails([]FieldError{{Field: fmt.Sprintf("Anomalies[%d].Confidence", i), Rule: "finite"}})
		}
	}
	if err := validate.Struct(analysis); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]FieldError, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, FieldError{Field: trimNamespace(fe.Namespace()), Rule: fe.Tag()})
			}
			return pkgerrors.New(pkgerrors.CodeValidation, "invalid analysis result").WithDetails(fields)
		}
		return pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid analysis result")
	}
	return nil
}

func trimNamespace(ns string) string {
	const prefix = "AnalysisResult."
	if len(ns) > len(prefix) && ns[:len(prefix)] == prefix {
		return ns[len(prefix):]
	}
	return ns
}
