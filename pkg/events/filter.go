package events

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// All disables the filter field it is assigned to.
const All = "all"

// Filter selects events by camera, object label, zone, and type within a day range.
// StartDate and EndDate are always applied and are widened to whole days in
// their own locations.
type Filter struct {
	Camera    string    `json:"camera"`
	Object    string    `json:"object"`
	Zone      string    `json:"zone"`
	Type      string    `json:"type"`
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
	// Limit caps the number of rows returned, 0 means no cap.
	Limit int `json:"limit,omitempty"`
	// Rolling filters end today: Advance moves the whole range forward with
	// the clock, keeping its length in days.
	Rolling bool `json:"rolling,omitempty"`
}

// DefaultFilter matches everything seen during the last seven days.
func DefaultFilter(now time.Time) Filter {
	return Filter{
		Camera:    All,
		Object:    All,
		Zone:      All,
		Type:      All,
		StartDate: now.AddDate(0, 0, -7),
		EndDate:   now,
		Rolling:   true,
	}
}

// Advance re-anchors a rolling filter so that it ends on now's day. Fixed
// filters are returned unchanged.
func (f Filter) Advance(now time.Time) Filter {
	if !f.Rolling {
		return f
	}
	y1, m1, d1 := f.StartDate.Date()
	y2, m2, d2 := f.EndDate.Date()
	start := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	end := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	days := int(end.Sub(start).Hours() / 24)

	f.EndDate = now
	f.StartDate = now.AddDate(0, 0, -days)
	return f
}

type predicate struct {
	clause string
	args   []any
	match  func(e *Event) bool
}

func active(v string) bool {
	return v != "" && v != All
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Bounds returns the epoch-second range [start, end) covered by the filter.
func (f Filter) Bounds() (float64, float64) {
	start := startOfDay(f.StartDate)
	end := startOfDay(f.EndDate).AddDate(0, 0, 1)
	return float64(start.Unix()), float64(end.Unix())
}

func (f Filter) predicates() []predicate {
	start, end := f.Bounds()
	preds := []predicate{{
		clause: "frameTime >= ? AND frameTime < ?",
		args:   []any{start, end},
		match:  func(e *Event) bool { return e.FrameTime >= start && e.FrameTime < end },
	}}

	if active(f.Camera) {
		camera := f.Camera
		preds = append(preds, predicate{
			clause: "cameraName = ?",
			args:   []any{camera},
			match:  func(e *Event) bool { return e.CameraName == camera },
		})
	}
	if active(f.Object) {
		object := f.Object
		preds = append(preds, predicate{
			clause: "label = ?",
			args:   []any{object},
			match:  func(e *Event) bool { return e.Label == object },
		})
	}
	if active(f.Type) {
		typ := f.Type
		preds = append(preds, predicate{
			clause: "type = ?",
			args:   []any{typ},
			match:  func(e *Event) bool { return e.Type == typ },
		})
	}
	if active(f.Zone) {
		// Raw substring test against the stored zone string: "yard" also matches "backyard".
		zone := f.Zone
		preds = append(preds, predicate{
			clause: "instr(enteredZones, ?) > 0",
			args:   []any{zone},
			match:  func(e *Event) bool { return strings.Contains(e.EnteredZones, zone) },
		})
	}

	return preds
}

// Scope applies the filter's predicates, ordering, and limit to a query.
func (f Filter) Scope(db *gorm.DB) *gorm.DB {
	for _, p := range f.predicates() {
		db = db.Where(p.clause, p.args...)
	}
	db = db.Order("frameTime DESC").Order("sid DESC")
	if f.Limit > 0 {
		db = db.Limit(f.Limit)
	}
	return db
}

// Matches reports whether e satisfies the same predicates Scope applies in SQL.
func (f Filter) Matches(e Event) bool {
	for _, p := range f.predicates() {
		if !p.match(&e) {
			return false
		}
	}
	return true
}
