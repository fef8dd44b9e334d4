package types

import (
	"time"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
)

// Anomaly is a single signal reported by an on-device classifier.
type Anomaly struct {
	Type        string  `json:"type" validate:"required,max=64"`
	Confidence  float64 `json:"confidence" validate:"gte=0,lte=1"`
	Severity    int     `json:"severity" validate:"gte=1,lte=5"`
	Description string  `json:"description" validate:"max=512"`
}

// AggregateStats carries classifier-level statistics for a capture.
type AggregateStats struct {
	DurationSeconds float64 `json:"duration_seconds" validate:"gte=0"`
	SampleRateHz    int     `json:"sample_rate_hz,omitempty" validate:"gte=0"`
	FrameCount      int     `json:"frame_count,omitempty" validate:"gte=0"`
	HasAudioTrack   bool    `json:"has_audio_track,omitempty"`
	SignalQuality   float64 `json:"signal_quality,omitempty" validate:"gte=0,lte=1"`
}

// AnalysisResult is the fixed-shape classifier output. It is immutable once
// stored on a record.
type AnalysisResult struct {
	Modality  enums.Modality `json:"modality" validate:"required,oneof=audio video"`
	Anomalies []Anomaly      `json:"anomalies" validate:"max=64,dive"`
	Stats     AggregateStats `json:"aggregate_stats"`
}

// Issue is one explainable finding on a score.
type Issue struct {
	// Ref is stable across recomputation and is what enrichment annotates.
	Ref           string     `json:"ref"`
	Description   string     `json:"description"`
	Severity      int        `json:"severity"`
	Subsystem     string     `json:"subsystem,omitempty"`
	EstimatedCost *CostRange `json:"estimated_cost_range,omitempty"`
	Annotations   []string   `json:"annotations,omitempty"`
}

// ScoreResult is the authoritative score attached to a record.
type ScoreResult struct {
	FinalScore      int                              `json:"final_score"`
	RawScore        float64                          `json:"raw_score"`
	CategoryScores  map[enums.SignalCategory]float64 `json:"category_scores,omitempty"`
	Urgency         enums.Urgency                    `json:"urgency"`
	Issues          []Issue                          `json:"issues"`
	Recommendations []string                         `json:"recommendations"`
	CostEnvelope    *CostRange                       `json:"cost_envelope,omitempty"`
	CriticalWarning bool                             `json:"critical_warning"`
	Warnings        []string                         `json:"warnings,omitempty"`
	Source          enums.ScoreSource                `json:"source"`
	EnrichedAt      *time.Time                       `json:"enriched_at,omitempty"`
}

// Clone returns a deep copy so merges never alias the stored score.
func (s ScoreResult) Clone() ScoreResult {
	out := s
	if s.CategoryScores != nil {
		out.CategoryScores = make(map[enums.SignalCategory]float64, len(s.CategoryScores))
		for k, v := range s.CategoryScores {
			out.CategoryScores[k] = v
		}
	}
	if s.Issues != nil {
		out.Issues = make([]Issue, len(s.Issues))
		for i, issue := range s.Issues {
			issue.Annotations = append([]string(nil), issue.Annotations...)
			out.Issues[i] = issue
		}
	}
	out.Recommendations = append([]string(nil), s.Recommendations...)
	out.Warnings = append([]string(nil), s.Warnings...)
	if s.EnrichedAt != nil {
		t := *s.EnrichedAt
		out.EnrichedAt = &t
	}
	return out
}

// MaintenanceEvent is one entry in the read-only service ledger.
type MaintenanceEvent struct {
	Type             string    `json:"type"`
	Date             time.Time `json:"date"`
	MileageAtService int       `json:"mileage_at_service"`
}

// MileageReading is a prior odometer observation for the vehicle.
type MileageReading struct {
	RecordedAt time.Time `json:"recorded_at"`
	Mileage    int       `json:"mileage"`
}

// MaintenanceContext feeds the maintenance correlation and mileage checks.
// AsOf pins "now" so scoring stays deterministic.
type MaintenanceContext struct {
	AsOf           time.Time          `json:"as_of"`
	Events         []MaintenanceEvent `json:"events"`
	MileageHistory []MileageReading   `json:"mileage_history"`
}

// MediaRef points at the captured media locally and, once uploaded, remotely.
type MediaRef struct {
	LocalPath    string `json:"local_path,omitempty"`
	ContentHash  string `json:"content_hash,omitempty"`
	MimeType     string `json:"mime_type,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
	RemoteObject string `json:"remote_object,omitempty"`
	RemoteURL    string `json:"remote_url,omitempty"`
	// UploadedHash is the content hash of the object behind RemoteURL.
	UploadedHash string `json:"uploaded_hash,omitempty"`
}

// HasLocalFile reports whether a local media path is recorded.
func (m MediaRef) HasLocalFile() bool {
	return m.LocalPath != ""
}

// UploadCurrent reports whether the remote object matches the local content.
func (m MediaRef) UploadCurrent() bool {
	return m.RemoteObject != "" && m.UploadedHash != "" && m.UploadedHash == m.ContentHash
}

// NarrativeAnnotation attaches enrichment text to an issue by Ref.
type NarrativeAnnotation struct {
	IssueRef string `json:"issueRef" validate:"required"`
	Text     string `json:"text" validate:"required,max=2000"`
}

// EnrichedAnnotations is the strict enrichment response contract.
type EnrichedAnnotations struct {
	Recommendations      []string              `json:"recommendations" validate:"max=32,dive,required,max=500"`
	NarrativeAnnotations []NarrativeAnnotation `json:"narrativeAnnotations" validate:"max=64,dive"`
}
