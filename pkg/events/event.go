package events

// Event types as tagged by producers. The store does not enforce transitions between them.
const (
	TypeNew        = "new"
	TypeUpdate     = "update"
	TypeEnd        = "end"
	TypeBackground = "background"
	TypeCTask      = "ctask"
	TypeScenePhase = "scenePhase"
)

// Transport types record which producer created a row.
const (
	TransportPush = "push"
	TransportMQTT = "mqtt"
	TransportHTTP = "http"
)

// Event is a single detection mirrored from the NVR.
type Event struct {
	SID           int64   `gorm:"column:sid;primaryKey;autoIncrement" json:"sid"`
	ID            string  `gorm:"column:id" json:"id"`
	FrameTime     float64 `gorm:"column:frameTime" json:"frameTime"`
	Score         float64 `gorm:"column:score" json:"score"`
	Type          string  `gorm:"column:type" json:"type"`
	CameraName    string  `gorm:"column:cameraName" json:"cameraName"`
	Label         string  `gorm:"column:label" json:"label"`
	Thumbnail     string  `gorm:"column:thumbnail" json:"thumbnail"`
	Snapshot      string  `gorm:"column:snapshot" json:"snapshot"`
	M3U8          string  `gorm:"column:m3u8" json:"m3u8"`
	Camera        string  `gorm:"column:camera" json:"camera"`
	Debug         string  `gorm:"column:debug" json:"debug"`
	Image         string  `gorm:"column:image" json:"image"`
	TransportType string  `gorm:"column:transportType" json:"transportType"`
	SubLabel      string  `gorm:"column:subLabel" json:"sublabel"`
	// CurrentZones is nil when the producer did not send current_zones.
	CurrentZones *string `gorm:"column:currentZones" json:"currentZones,omitempty"`
	EnteredZones string  `gorm:"column:enteredZones" json:"enteredZones"`
	FrigatePlus  bool    `gorm:"column:frigatePlus" json:"frigatePlus"`
	MP4          string  `gorm:"column:mp4" json:"mp4"`
}

func (Event) TableName() string {
	return "events"
}

// Clone returns a copy that shares no pointers with e.
func (e Event) Clone() Event {
	if e.CurrentZones != nil {
		z := *e.CurrentZones
		e.CurrentZones = &z
	}
	return e
}
