package frigate

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ericvolp12/nvr.tools/pkg/events"
	"github.com/ericvolp12/nvr.tools/pkg/ingest"
)

// Ingester accepts decoded producer payloads. *ingest.Coordinator implements it.
type Ingester interface {
	IngestNew(ctx context.Context, p ingest.Payload, transport string) bool
	IngestUpdate(ctx context.Context, p ingest.Payload, transport string) bool
}

// APIEvent is one element of the NVR's GET /api/events response.
type APIEvent struct {
	ID          string   `json:"id"`
	Camera      string   `json:"camera"`
	Label       string   `json:"label"`
	SubLabel    any      `json:"sub_label"`
	StartTime   float64  `json:"start_time"`
	EndTime     *float64 `json:"end_time"`
	TopScore    *float64 `json:"top_score"`
	Zones       []string `json:"zones"`
	HasClip     bool     `json:"has_clip"`
	HasSnapshot bool     `json:"has_snapshot"`
	Data        struct {
		TopScore *float64 `json:"top_score"`
		Score    *float64 `json:"score"`
	} `json:"data"`
}

// Payload converts the summary into an ingest payload. Summaries carry no
// current zone information, so current_zones is left out.
func (e APIEvent) Payload(host string) ingest.Payload {
	typ := events.TypeUpdate
	if e.EndTime != nil {
		typ = events.TypeEnd
	}

	score := 0.0
	switch {
	case e.Data.TopScore != nil:
		score = *e.Data.TopScore
	case e.TopScore != nil:
		score = *e.TopScore
	case e.Data.Score != nil:
		score = *e.Data.Score
	}

	p := ingest.Payload{
		"id":            e.ID,
		"camera":        e.Camera,
		"cameraName":    e.Camera,
		"type":          typ,
		"label":         e.Label,
		"sub_label":     e.SubLabel,
		"frameTime":     formatFloat(e.StartTime),
		"score":         formatFloat(score),
		"entered_zones": strings.Join(e.Zones, ","),
	}
	addMedia(p, host, e.Camera, e.ID, e.HasClip, e.HasSnapshot)
	return p
}

// TopicEvent is a message on the NVR's "events" topic.
type TopicEvent struct {
	Type   string         `json:"type"`
	Before *TopicSnapshot `json:"before"`
	After  TopicSnapshot  `json:"after"`
}

type TopicSnapshot struct {
	ID           string   `json:"id"`
	Camera       string   `json:"camera"`
	Label        string   `json:"label"`
	SubLabel     any      `json:"sub_label"`
	FrameTime    float64  `json:"frame_time"`
	StartTime    float64  `json:"start_time"`
	EndTime      *float64 `json:"end_time"`
	Score        float64  `json:"score"`
	TopScore     float64  `json:"top_score"`
	CurrentZones []string `json:"current_zones"`
	EnteredZones []string `json:"entered_zones"`
	HasClip      bool     `json:"has_clip"`
	HasSnapshot  bool     `json:"has_snapshot"`
}

// Payload converts the "after" state of the message into an ingest payload.
func (t TopicEvent) Payload(host string) ingest.Payload {
	a := t.After

	frameTime := a.FrameTime
	if frameTime == 0 {
		frameTime = a.StartTime
	}
	score := a.TopScore
	if score == 0 {
		score = a.Score
	}

	p := ingest.Payload{
		"id":            a.ID,
		"camera":        a.Camera,
		"cameraName":    a.Camera,
		"type":          t.Type,
		"label":         a.Label,
		"sub_label":     a.SubLabel,
		"frameTime":     formatFloat(frameTime),
		"score":         formatFloat(score),
		"entered_zones": strings.Join(a.EnteredZones, ","),
	}
	if a.CurrentZones != nil {
		p["current_zones"] = strings.Join(a.CurrentZones, ",")
	}
	addMedia(p, host, a.Camera, a.ID, a.HasClip, a.HasSnapshot)
	return p
}

func addMedia(p ingest.Payload, host, camera, id string, hasClip, hasSnapshot bool) {
	host = strings.TrimSuffix(host, "/")
	p["thumbnail"] = fmt.Sprintf("%s/api/events/%s/thumbnail.jpg", host, id)
	p["image"] = fmt.Sprintf("%s/api/%s/latest.jpg", host, camera)
	if hasSnapshot {
		p["snapshot"] = fmt.Sprintf("%s/api/events/%s/snapshot.jpg", host, id)
	}
	if hasClip {
		p["m3u8"] = fmt.Sprintf("%s/vod/event/%s/index.m3u8", host, id)
		p["mp4"] = fmt.Sprintf("%s/api/events/%s/clip.mp4", host, id)
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
