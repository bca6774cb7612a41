package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ericvolp12/nvr.tools/pkg/events"
)

var (
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidNumber = errors.New("invalid numeric field")
)

// Payload is an event as handed over by a producer. Numeric fields usually
// arrive as strings. Zone fields may be a single string or a list of names.
type Payload map[string]any

// Decode converts p into an Event tagged with the given transport.
//
// sub_label and entered_zones default to "" when absent. current_zones has no
// default: when absent the event's CurrentZones is nil and an existing row
// keeps whatever it already stores.
func Decode(p Payload, transport string) (events.Event, error) {
	id := p.str("id")
	if id == "" {
		return events.Event{}, fmt.Errorf("%w: id", ErrMissingField)
	}

	frameTime, ok, err := p.num("frameTime")
	if err != nil {
		return events.Event{}, err
	}
	if !ok {
		return events.Event{}, fmt.Errorf("%w: frameTime", ErrMissingField)
	}

	score, _, err := p.num("score")
	if err != nil {
		return events.Event{}, err
	}

	e := events.Event{
		ID:            id,
		FrameTime:     frameTime,
		Score:         score,
		Type:          p.str("type"),
		CameraName:    p.str("cameraName"),
		Camera:        p.str("camera"),
		Label:         p.str("label"),
		M3U8:          p.str("m3u8"),
		MP4:           p.str("mp4"),
		Snapshot:      p.str("snapshot"),
		Thumbnail:     p.str("thumbnail"),
		Debug:         p.str("debug"),
		Image:         p.str("image"),
		TransportType: transport,
		SubLabel:      p.subLabel(),
		EnteredZones:  p.zones("entered_zones"),
	}

	if e.CameraName == "" {
		e.CameraName = e.Camera
	}
	if e.Camera == "" {
		e.Camera = e.CameraName
	}

	if _, present := p["current_zones"]; present {
		z := p.zones("current_zones")
		e.CurrentZones = &z
	}

	return e, nil
}

func (p Payload) str(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

func (p Payload) num(key string) (float64, bool, error) {
	switch v := p[key].(type) {
	case nil:
		return 0, false, nil
	case float64:
		return v, true, nil
	case int:
		return float64(v), true, nil
	case int64:
		return float64(v), true, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false, fmt.Errorf("%w: %s=%q", ErrInvalidNumber, key, v)
		}
		return f, true, nil
	default:
		return 0, false, fmt.Errorf("%w: %s has type %T", ErrInvalidNumber, key, v)
	}
}

// zones encodes a zone list as comma separated names.
func (p Payload) zones(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case []string:
		return strings.Join(v, ",")
	case []any:
		names := make([]string, 0, len(v))
		for _, z := range v {
			if s, ok := z.(string); ok {
				names = append(names, s)
			}
		}
		return strings.Join(names, ",")
	default:
		return ""
	}
}

// subLabel accepts both "name" and the ["name", score] pair newer NVR versions send.
func (p Payload) subLabel() string {
	switch v := p["sub_label"].(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}
