package models

import "time"

// ShadowDivergence records one disagreement between the live detection
// catalogue and a shadow candidate evaluated on the same input.
type ShadowDivergence struct {
	Timestamp     time.Time `json:"timestamp"`
	SampleID      string    `json:"sampleId"`
	Text          string    `json:"text"`
	LiveRisk      float64   `json:"liveRisk"`
	ShadowRisk    float64   `json:"shadowRisk"`
	LiveBlocked   bool      `json:"liveBlocked"`
	ShadowBlocked bool      `json:"shadowBlocked"`
	Detail        string    `json:"detail,omitempty"`
}
