package parq

import (
	"github.com/ericvolp12/nvr.tools/pkg/events"
	"github.com/ericvolp12/nvr.tools/pkg/ingest"
)

// Record is one event row in an archive file. Change is empty for rows
// written by an export and holds the change kind for rows from the stream.
type Record struct {
	ObservedAt    int64   `parquet:"observed_at"`
	Change        string  `parquet:"change"`
	SID           int64   `parquet:"sid"`
	ID            string  `parquet:"id"`
	FrameTime     float64 `parquet:"frame_time"`
	Score         float64 `parquet:"score"`
	Type          string  `parquet:"type"`
	CameraName    string  `parquet:"camera_name"`
	Label         string  `parquet:"label"`
	SubLabel      string  `parquet:"sub_label"`
	CurrentZones  *string `parquet:"current_zones,optional"`
	EnteredZones  string  `parquet:"entered_zones"`
	TransportType string  `parquet:"transport_type"`
	FrigatePlus   bool    `parquet:"frigate_plus"`
	Thumbnail     string  `parquet:"thumbnail"`
	Snapshot      string  `parquet:"snapshot"`
	MP4           string  `parquet:"mp4"`
}

func NewRecord(observedAt int64, change string, e events.Event) Record {
	e = e.Clone()
	return Record{
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
		CurrentZones:  e.CurrentZones,
		EnteredZones:  e.EnteredZones,
		TransportType: e.TransportType,
		FrigatePlus:   e.FrigatePlus,
		Thumbnail:     e.Thumbnail,
		Snapshot:      e.Snapshot,
		MP4:           e.MP4,
	}
}

// recordFor maps a published change to an archive row. Replaces carry a
// query result rather than a change and are not archived.
func recordFor(observedAt int64, ch ingest.Change) (Record, bool) {
	switch ch.Kind {
	case ingest.ChangeAdd, ingest.ChangeUpdate:
		return NewRecord(observedAt, ch.Kind.String(), ch.Event), true
	default:
		return Record{}, false
	}
}
