package controllers

import (
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/angelmondragon/vehiclehealth-backend/api/responses"
	"github.com/angelmondragon/vehiclehealth-backend/api/validators"
	"github.com/angelmondragon/vehiclehealth-backend/internal/diagnostics"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/types"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	// multipart parts beyond this spill to temp files
	multipartMemory = 8 << 20
	// allowance for the non-file form fields on top of the media limit
	formOverhead = 1 << 20
)

type captureRequest struct {
	Analysis     types.AnalysisResult `json:"analysis"`
	Mileage      *int                 `json:"mileage,omitempty" validate:"omitempty,gte=0"`
	ConsentGiven bool                 `json:"consent_given"`
	CapturedAt   *time.Time           `json:"captured_at,omitempty"`
}

// CaptureDiagnostic accepts either a JSON body or a multipart form carrying
// an "analysis" JSON field and an optional "media" file.
func CaptureDiagnostic(svc DiagnosticsService, maxMediaBytes int64, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("diagnostics service"))
			return
		}
		ownerID, err := ownerFrom(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		vehicleID, err := uuidParam(r, "vehicleId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		input := diagnostics.CaptureInput{OwnerID: ownerID, VehicleID: vehicleID}
		mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		if mediaType == "multipart/form-data" {
			if maxMediaBytes > 0 {
				r.Body = http.MaxBytesReader(w, r.Body, maxMediaBytes+formOverhead)
			}
			file, err := parseCaptureForm(r, &input)
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			defer r.MultipartForm.RemoveAll()
			if file != nil {
				defer file.Close()
			}
		} else {
			var req captureRequest
			if err := validators.DecodeJSONBody(r, &req); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			input.Analysis = req.Analysis
			input.Mileage = req.Mileage
			input.ConsentGiven = req.ConsentGiven
			if req.CapturedAt != nil {
				input.CapturedAt = *req.CapturedAt
			}
		}

		view, err := svc.Capture(r.Context(), input)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, view)
	}
}

// parseCaptureForm fills input from the multipart form and returns the open
// media part when one was sent.
func parseCaptureForm(r *http.Request, input *diagnostics.CaptureInput) (multipart.File, error) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "media exceeds the upload limit").WithDetails(map[string]any{"limit_bytes": tooLarge.Limit})
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid multipart form")
	}
	if err := validators.DecodeJSONField(r.FormValue("analysis"), "analysis", &input.Analysis); err != nil {
		return nil, err
	}
	mileage, err := validators.ParseOptionalInt(r.FormValue("mileage"), "mileage")
	if err != nil {
		return nil, err
	}
	consent, err := validators.ParseOptionalBool(r.FormValue("consent_given"), "consent_given")
	if err != nil {
		return nil, err
	}
	capturedAt, err := validators.ParseOptionalTime(r.FormValue("captured_at"), "captured_at")
	if err != nil {
		return nil, err
	}
	input.Mileage = mileage
	input.ConsentGiven = consent
	input.CapturedAt = capturedAt

	file, header, err := r.FormFile("media")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid media part")
	}
	input.Media = file
	input.MediaName = validators.SanitizeString(header.Filename, 128)
	return file, nil
}

// GetDiagnostic returns one of the caller's diagnostics.
func GetDiagnostic(svc DiagnosticsService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("diagnostics service"))
			return
		}
		ownerID, err := ownerFrom(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		id, err := uuidParam(r, "diagnosticId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.Get(r.Context(), ownerID, id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}

// ListVehicleDiagnostics returns the vehicle's unexpired diagnostics, newest
// first.
func ListVehicleDiagnostics(svc DiagnosticsService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("diagnostics service"))
			return
		}
		ownerID, err := ownerFrom(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		vehicleID, err := uuidParam(r, "vehicleId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		limit, err := validators.ParseQueryInt(r, "limit", defaultListLimit, 1, maxListLimit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		views, err := svc.ListForVehicle(r.Context(), ownerID, vehicleID, limit)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{"diagnostics": views})
	}
}

// GrantDiagnosticConsent records upload consent for a diagnostic.
func GrantDiagnosticConsent(svc DiagnosticsService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, serviceUnavailable("diagnostics service"))
			return
		}
		ownerID, err := ownerFrom(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		id, err := uuidParam(r, "diagnosticId")
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		view, err := svc.GrantConsent(r.Context(), ownerID, id)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, view)
	}
}
