package enums

import "fmt"

// Modality identifies which capture produced an analysis.
type Modality string

const (
	ModalityAudio Modality = "audio"
	ModalityVideo Modality = "video"
)

var validModalities = []Modality{ModalityAudio, ModalityVideo}

func (m Modality) String() string {
	return string(m)
}

func (m Modality) IsValid() bool {
	for _, candidate := range validModalities {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseModality converts raw input into a Modality.
func ParseModality(value string) (Modality, error) {
	for _, candidate := range validModalities {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid modality %q", value)
}

// SignalCategory groups anomalies for per-category scoring.
type SignalCategory string

const (
	SignalAcoustic SignalCategory = "acoustic"
	SignalVisual   SignalCategory = "visual"
)

func (c SignalCategory) String() string {
	return string(c)
}

func (c SignalCategory) IsValid() bool {
	return c == SignalAcoustic || c == SignalVisual
}

// Urgency is derived from the final score.
type Urgency string

const (
	UrgencyNone      Urgency = "none"
	UrgencyMonitor   Urgency = "monitor"
	UrgencyImmediate Urgency = "immediate"
)

var validUrgencies = []Urgency{UrgencyNone, UrgencyMonitor, UrgencyImmediate}

func (u Urgency) String() string {
	return string(u)
}

func (u Urgency) IsValid() bool {
	for _, candidate := range validUrgencies {
		if candidate == u {
			return true
		}
	}
	return false
}

// ParseUrgency converts raw input into an Urgency.
func ParseUrgency(value string) (Urgency, error) {
	for _, candidate := range validUrgencies {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid urgency %q", value)
}

// ScoreSource records whether the authoritative score carries enrichment.
type ScoreSource string

const (
	ScoreSourceLocal  ScoreSource = "local"
	ScoreSourceMerged ScoreSource = "merged"
)

func (s ScoreSource) String() string {
	return string(s)
}

func (s ScoreSource) IsValid() bool {
	return s == ScoreSourceLocal || s == ScoreSourceMerged
}

// ChangeKind labels record store change notifications.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

func (c ChangeKind) String() string {
	return string(c)
}
