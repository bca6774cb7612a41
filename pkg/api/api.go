package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/araddon/dateparse"
	"github.com/ericvolp12/nvr.tools/pkg/events"
	"github.com/ericvolp12/nvr.tools/pkg/ingest"
	"github.com/ericvolp12/nvr.tools/pkg/projection"
	"github.com/labstack/echo/v4"
)

// API serves the mirrored events over HTTP. Reads go straight to the store,
// every write goes through the coordinator so subscribers see it.
type API struct {
	logger    *slog.Logger
	store     *events.Store
	coord     *ingest.Coordinator
	proj      *projection.Projection
	retention ingest.Retention

	now func() time.Time
	loc *time.Location
}

func New(logger *slog.Logger, store *events.Store, coord *ingest.Coordinator, proj *projection.Projection, retention ingest.Retention) *API {
	return &API{
		logger:    logger.With("module", "api"),
		store:     store,
		coord:     coord,
		proj:      proj,
		retention: retention,
		now:       time.Now,
		loc:       time.Local,
	}
}

// Register mounts every route on e.
func (a *API) Register(e *echo.Echo) {
	e.GET("/healthz", a.HandleHealth)
	e.GET("/cameras", a.HandleGetCameras)
	e.GET("/events", a.HandleGetEvents)
	e.GET("/events/:id", a.HandleGetEvent)
	e.DELETE("/events", a.HandleDeleteAll)
	e.DELETE("/events/at/:frameTime", a.HandleDeleteAt)
	e.PUT("/events/:id/frigate_plus", a.HandleSetFrigatePlus)
	e.POST("/push", a.HandlePush)
	e.POST("/retention", a.HandleRetention)
	e.GET("/projection", a.HandleGetProjection)
	e.PUT("/projection/filter", a.HandleSetProjectionFilter)
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func errorJSON(c echo.Context, code int, format string, args ...any) error {
	return c.JSON(code, ErrorResponse{Error: fmt.Sprintf(format, args...)})
}

func storeError(c echo.Context, err error) error {
	if errors.Is(err, events.ErrUnavailable) || errors.Is(err, events.ErrClosed) {
		return errorJSON(c, http.StatusServiceUnavailable, "%s", err)
	}
	return errorJSON(c, http.StatusInternalServerError, "%s", err)
}

// FilterRequest is a filter as it arrives in a query string or JSON body.
// Dates accept any format dateparse understands.
type FilterRequest struct {
	Camera    string `query:"camera" json:"camera"`
	Object    string `query:"object" json:"object"`
	Zone      string `query:"zone" json:"zone"`
	Type      string `query:"type" json:"type"`
	StartDate string `query:"start" json:"startDate"`
	EndDate   string `query:"end" json:"endDate"`
	Limit     int    `query:"limit" json:"limit"`
}

// Filter fills unset fields from the default seven day filter.
func (r FilterRequest) Filter(now time.Time, loc *time.Location) (events.Filter, error) {
	f := events.DefaultFilter(now.In(loc))
	if r.Camera != "" {
		f.Camera = r.Camera
	}
	if r.Object != "" {
		f.Object = r.Object
	}
	if r.Zone != "" {
		f.Zone = r.Zone
	}
	if r.Type != "" {
		f.Type = r.Type
	}
	if r.StartDate != "" {
		t, err := dateparse.ParseIn(r.StartDate, loc)
		if err != nil {
			return events.Filter{}, fmt.Errorf("invalid start date: %w", err)
		}
		f.StartDate = t
		f.Rolling = false
	}
	if r.EndDate != "" {
		t, err := dateparse.ParseIn(r.EndDate, loc)
		if err != nil {
			return events.Filter{}, fmt.Errorf("invalid end date: %w", err)
		}
		f.EndDate = t
		f.Rolling = false
	}
	if f.EndDate.Before(f.StartDate) {
		return events.Filter{}, fmt.Errorf("end date %s is before start date %s", f.EndDate.Format(time.DateOnly), f.StartDate.Format(time.DateOnly))
	}
	f.Limit = r.Limit
	return f, nil
}

type HealthResponse struct {
	Status        string `json:"status"`
	Events        int64  `json:"events"`
	SchemaVersion int    `json:"schemaVersion"`
}

// HandleHealth handles the GET /healthz endpoint
func (a *API) HandleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	n, err := a.store.Count(ctx)
	if err != nil {
		return storeError(c, err)
	}
	v, err := a.store.SchemaVersion(ctx)
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Events: n, SchemaVersion: v})
}

// HandleGetCameras handles the GET /cameras endpoint
func (a *API) HandleGetCameras(c echo.Context) error {
	cameras, err := a.store.Cameras(c.Request().Context())
	if err != nil {
		return storeError(c, err)
	}
	return c.JSON(http.StatusOK, map[string][]string{"cameras": cameras})
}

type EventsResponse struct {
	Events []events.Event `json:"events"`
	Error  string         `json:"error,omitempty"`
}

// HandleGetEvents handles the GET /events endpoint
func (a *API) HandleGetEvents(c echo.Context) error {
	// camera, object, zone, type - exact match, "all" or empty disables
	// start, end - day range, defaults to the last seven days
	// limit - Number of events to return (default=100)
	var req FilterRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid query: %s", err)
	}

	if req.Limit < 1 {
		req.Limit = 100
	}
	if req.Limit > 1000 {
		req.Limit = 1000
	}

	f, err := req.Filter(a.now(), a.loc)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "%s", err)
	}

	rows, err := a.store.Query(c.Request().Context(), f)
	if err != nil {
		return storeError(c, err)
	}
	if rows == nil {
		rows = []events.Event{}
	}
	return c.JSON(http.StatusOK, EventsResponse{Events: rows})
}

// HandleGetEvent handles the GET /events/:id endpoint
func (a *API) HandleGetEvent(c echo.Context) error {
	id := c.Param("id")
	rows, err := a.store.GetByID(c.Request().Context(), id)
	if err != nil {
		return storeError(c, err)
	}
	if len(rows) == 0 {
		return errorJSON(c, http.StatusNotFound, "event %q not found", id)
	}
	return c.JSON(http.StatusOK, rows[0])
}

// HandleDeleteAll handles the DELETE /events endpoint
func (a *API) HandleDeleteAll(c echo.Context) error {
	if !a.coord.DeleteAll(c.Request().Context()) {
		return errorJSON(c, http.StatusInternalServerError, "failed to delete events")
	}
	return c.NoContent(http.StatusNoContent)
}

// HandleDeleteAt handles the DELETE /events/at/:frameTime endpoint
func (a *API) HandleDeleteAt(c echo.Context) error {
	t, err := strconv.ParseFloat(c.Param("frameTime"), 64)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid frame time: %s", err)
	}
	if !a.coord.DeleteByFrameTime(c.Request().Context(), t) {
		return errorJSON(c, http.StatusInternalServerError, "failed to delete events at %s", c.Param("frameTime"))
	}
	return c.NoContent(http.StatusNoContent)
}

type frigatePlusRequest struct {
	FrigatePlus bool `json:"frigatePlus"`
}

// HandleSetFrigatePlus handles the PUT /events/:id/frigate_plus endpoint
func (a *API) HandleSetFrigatePlus(c echo.Context) error {
	id := c.Param("id")

	var req frigatePlusRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid body: %s", err)
	}

	ctx := c.Request().Context()
	rows, err := a.store.GetByID(ctx, id)
	if err != nil {
		return storeError(c, err)
	}
	if len(rows) == 0 {
		return errorJSON(c, http.StatusNotFound, "event %q not found", id)
	}

	if !a.coord.SetFrigatePlus(ctx, id, req.FrigatePlus) {
		return errorJSON(c, http.StatusInternalServerError, "failed to update event %q", id)
	}
	return c.NoContent(http.StatusNoContent)
}

type PushResponse struct {
	Inserted bool `json:"inserted"`
}

// HandlePush handles the POST /push endpoint. The body is a single event
// payload, inserted only if its id is not stored yet.
func (a *API) HandlePush(c echo.Context) error {
	var p ingest.Payload
	if err := json.NewDecoder(c.Request().Body).Decode(&p); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid payload: %s", err)
	}
	if _, err := ingest.Decode(p, events.TransportPush); err != nil {
		return errorJSON(c, http.StatusBadRequest, "%s", err)
	}

	inserted := a.coord.IngestNew(c.Request().Context(), p, events.TransportPush)
	return c.JSON(http.StatusAccepted, PushResponse{Inserted: inserted})
}

type retentionRequest struct {
	DefaultDays *int           `json:"defaultDays"`
	Cameras     map[string]int `json:"cameras"`
}

// HandleRetention handles the POST /retention endpoint. An empty body applies
// the configured policy; fields in the body override it.
func (a *API) HandleRetention(c echo.Context) error {
	var req retentionRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid body: %s", err)
	}

	policy := ingest.Retention{DefaultDays: a.retention.DefaultDays, Cameras: map[string]int{}}
	for camera, days := range a.retention.Cameras {
		policy.Cameras[camera] = days
	}
	if req.DefaultDays != nil {
		policy.DefaultDays = *req.DefaultDays
	}
	for camera, days := range req.Cameras {
		policy.Cameras[camera] = days
	}

	if !a.coord.ApplyRetention(c.Request().Context(), policy) {
		return errorJSON(c, http.StatusInternalServerError, "retention sweep failed")
	}
	return c.NoContent(http.StatusNoContent)
}

type ProjectionResponse struct {
	Events  []events.Event `json:"events"`
	Filter  *events.Filter `json:"filter,omitempty"`
	Version uint64         `json:"version"`
}

// HandleGetProjection handles the GET /projection endpoint
func (a *API) HandleGetProjection(c echo.Context) error {
	items, version := a.proj.Snapshot()
	resp := ProjectionResponse{Events: items, Version: version}
	if resp.Events == nil {
		resp.Events = []events.Event{}
	}
	if f, ok := a.proj.Filter(); ok {
		resp.Filter = &f
	}
	return c.JSON(http.StatusOK, resp)
}

// HandleSetProjectionFilter handles the PUT /projection/filter endpoint. The
// projection picks the new filter up asynchronously.
func (a *API) HandleSetProjectionFilter(c echo.Context) error {
	var req FilterRequest
	if err := c.Bind(&req); err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid body: %s", err)
	}
	if req.Limit < 0 {
		return errorJSON(c, http.StatusBadRequest, "invalid limit: %d", req.Limit)
	}

	f, err := req.Filter(a.now(), a.loc)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "%s", err)
	}

	if !a.coord.Reload(c.Request().Context(), f) {
		return errorJSON(c, http.StatusInternalServerError, "failed to reload events")
	}
	return c.JSON(http.StatusAccepted, f)
}
