package bq

import (
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/ericvolp12/nvr.tools/pkg/events"
)

// Record is one published change as stored in the daily events table.
type Record struct {
	ObservedAt time.Time `bigquery:"observed_at"`
	Change     string    `bigquery:"change"`

	SID           int64               `bigquery:"sid"`
	ID            string              `bigquery:"id"`
	FrameTime     float64             `bigquery:"frame_time"`
	Score         float64             `bigquery:"score"`
	Type          string              `bigquery:"type"`
	CameraName    string              `bigquery:"camera_name"`
	Label         string              `bigquery:"label"`
	SubLabel      string              `bigquery:"sub_label"`
	CurrentZones  bigquery.NullString `bigquery:"current_zones"`
	EnteredZones  string              `bigquery:"entered_zones"`
	TransportType string              `bigquery:"transport_type"`
	FrigatePlus   bool                `bigquery:"frigate_plus"`
	MP4           string              `bigquery:"mp4"`
}

func NewRecord(observedAt time.Time, change string, e events.Event) *Record {
	r := &Record{
		ObservedAt:    observedAt,
		Change:        change,
		SID:           e.SID,
		ID:            e.ID,
		FrameTime:     e.FrameTime,
		Score:         e.Score,
		Type:          e.Type,
		CameraName:    e.CameraName,
		Label:         e.Label,
		SubLabel:      e.SubLabel,
		EnteredZones:  e.EnteredZones,
		TransportType: e.TransportType,
		FrigatePlus:   e.FrigatePlus,
		MP4:           e.MP4,
	}
	if e.CurrentZones != nil {
		r.CurrentZones = bigquery.NullString{StringVal: *e.CurrentZones, Valid: true}
	}
	return r
}
