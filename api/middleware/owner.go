package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/vehiclehealth-backend/api/responses"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
)

// OwnerHeader carries the device owner's id. Authentication happens upstream
// of this service.
const OwnerHeader = "X-Owner-ID"

// Owner requires a valid owner id header and scopes the request to it.
func Owner(logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get(OwnerHeader))
			if raw == "" {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "owner header required").WithDetails(map[string]any{"header": OwnerHeader}))
				return
			}
			ownerID, err := uuid.Parse(raw)
			if err != nil || ownerID == uuid.Nil {
				responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "invalid owner id").WithDetails(map[string]any{"header": OwnerHeader}))
				return
			}

			ctx := WithOwnerID(r.Context(), ownerID)
			if logg != nil {
				ctx = logg.WithOwnerID(ctx, ownerID.String())
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
