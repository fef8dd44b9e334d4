package controllers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/vehiclehealth-backend/api/responses"
	"github.com/angelmondragon/vehiclehealth-backend/internal/diagnostics"
	"github.com/angelmondragon/vehiclehealth-backend/internal/records"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/vehiclehealth-backend/pkg/errors"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/logger"
)

const streamHeartbeat = 25 * time.Second

type changeEvent struct {
	Kind       enums.ChangeKind  `json:"kind"`
	RecordID   uuid.UUID         `json:"record_id"`
	VehicleID  uuid.UUID         `json:"vehicle_id"`
	Diagnostic *diagnostics.View `json:"diagnostic,omitempty"`
}

func newChangeEvent(c records.Change) changeEvent {
	ev := changeEvent{Kind: c.Kind, RecordID: c.RecordID, VehicleID: c.VehicleID}
	if c.Record != nil && c.Kind != enums.ChangeDeleted {
		view := diagnostics.NewView(c.Record)
		ev.Diagnostic = &view
	}
	return ev
}

// StreamDiagnostics pushes record changes as server-sent events until the
// client disconnects. The vehicleId path param is optional.
func StreamDiagnostics(svc DiagnosticsService, logg *logger.Logger) http.HandlerFunc {
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
		var vehicleID *uuid.UUID
		if chi.URLParam(r, "vehicleId") != "" {
			id, err := uuidParam(r, "vehicleId")
			if err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
			vehicleID = &id
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "streaming unsupported"))
			return
		}

		ctx := r.Context()
		changes, cancel := svc.Subscribe(ctx, ownerID, vehicleID)
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		heartbeat := time.NewTicker(streamHeartbeat)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case change, ok := <-changes:
				if !ok {
					return
				}
				payload, err := json.Marshal(newChangeEvent(change))
				if err != nil {
					logg.Error(ctx, "encode change event", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", change.Kind, change.RecordID, payload); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
