package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	slogGorm "github.com/orandin/slog-gorm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	// ErrUnavailable is returned by every operation on a store whose database failed to open.
	ErrUnavailable = errors.New("event store unavailable")
	// ErrClosed is returned by operations issued after Close.
	ErrClosed = errors.New("event store closed")
)

var tracer = otel.Tracer("events")

type writeReq struct {
	ctx  context.Context
	fn   func(tx *gorm.DB) error
	done chan error
}

// Store is the local events table. Writes are applied one at a time by a
// single writer goroutine, each in its own transaction. Reads run
// concurrently with each other but never observe a write in progress.
type Store struct {
	logger *slog.Logger
	db     *gorm.DB
	now    func() time.Time

	rw sync.RWMutex

	writes    chan *writeReq
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type Option func(*Store)

// WithClock replaces time.Now for retention cutoffs.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore opens the sqlite database at sqlitePath and ensures its schema.
// If the database can't be opened the returned store is still usable: every
// operation logs and returns ErrUnavailable.
func NewStore(logger *slog.Logger, sqlitePath string, opts ...Option) (*Store, error) {
	s := &Store{
		logger:   logger.With("module", "events"),
		now:      time.Now,
		writes:   make(chan *writeReq),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := openDB(sqlitePath, s.logger)
	if err != nil {
		s.logger.Error("failed to open event store, operations will be no-ops", "path", sqlitePath, "err", err)
		return s, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	s.db = db

	s.wg.Add(1)
	go s.writer()

	return s, nil
}

func openDB(sqlitePath string, logger *slog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(sqlitePath+"?_busy_timeout=5000"), &gorm.Config{
		Logger: slogGorm.New(slogGorm.WithLogger(logger)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to sqlite db: %w", err)
	}

	// Set pragmas for performance
	if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}
	db.Exec("PRAGMA synchronous=normal;")

	if err := EnsureSchema(db, logger); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

// Close stops the writer and closes the database. Writes already handed to
// the writer finish first.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.shutdown)
		s.wg.Wait()
		if s.db == nil {
			return
		}
		s.rw.Lock()
		defer s.rw.Unlock()
		sqlDB, dbErr := s.db.DB()
		if dbErr != nil {
			err = dbErr
			return
		}
		err = sqlDB.Close()
	})
	return err
}

func (s *Store) writer() {
	defer s.wg.Done()
	for {
		select {
		case req := <-s.writes:
			writeQueueDepth.Dec()
			s.rw.Lock()
			err := s.db.WithContext(req.ctx).Transaction(req.fn)
			s.rw.Unlock()
			req.done <- err
		case <-s.shutdown:
			return
		}
	}
}

// write hands fn to the writer and waits for it to commit or roll back.
// Store operations are bounded by local disk I/O, so ctx only carries tracing.
func (s *Store) write(ctx context.Context, op, id string, fn func(tx *gorm.DB) error) error {
	start := time.Now()
	if s.db == nil {
		return s.observe(op, id, start, ErrUnavailable)
	}

	req := &writeReq{
		ctx:  context.WithoutCancel(ctx),
		fn:   fn,
		done: make(chan error, 1),
	}

	writeQueueDepth.Inc()
	select {
	case s.writes <- req:
	case <-s.shutdown:
		writeQueueDepth.Dec()
		return s.observe(op, id, start, ErrClosed)
	}

	return s.observe(op, id, start, <-req.done)
}

func (s *Store) read(ctx context.Context, op, id string, fn func(db *gorm.DB) error) error {
	start := time.Now()
	if s.db == nil {
		return s.observe(op, id, start, ErrUnavailable)
	}

	s.rw.RLock()
	defer s.rw.RUnlock()

	select {
	case <-s.shutdown:
		return s.observe(op, id, start, ErrClosed)
	default:
	}

	return s.observe(op, id, start, fn(s.db.WithContext(context.WithoutCancel(ctx))))
}

func (s *Store) observe(op, id string, start time.Time, err error) error {
	storeOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		storeOps.WithLabelValues(op, "error").Inc()
		s.logger.Error("event store operation failed", "op", op, "id", id, "err", err)
		return err
	}
	storeOps.WithLabelValues(op, "ok").Inc()
	return nil
}

// InsertIfAbsent inserts e unless a row with the same id already exists.
// The existence check and the insert happen inside one serialized write.
func (s *Store) InsertIfAbsent(ctx context.Context, e Event) (bool, error) {
	ctx, span := tracer.Start(ctx, "InsertIfAbsent")
	defer span.End()
	span.SetAttributes(attribute.String("id", e.ID))

	inserted := false
	err := s.write(ctx, "insert_if_absent", e.ID, func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Event{}).Where("id = ?", e.ID).Count(&n).Error; err != nil {
			return fmt.Errorf("failed to check for existing event: %w", err)
		}
		if n > 0 {
			return nil
		}

		row := e.Clone()
		row.SID = 0
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, err
	}

	span.SetAttributes(attribute.Bool("inserted", inserted))
	return inserted, nil
}

// updateColumns lists what an upsert may change. sid, frigatePlus and
// transportType belong to the row's first insert or to the user.
func updateColumns(e Event) map[string]any {
	cols := map[string]any{
		"frameTime":    e.FrameTime,
		"score":        e.Score,
		"type":         e.Type,
		"cameraName":   e.CameraName,
		"label":        e.Label,
		"thumbnail":    e.Thumbnail,
		"snapshot":     e.Snapshot,
		"m3u8":         e.M3U8,
		"camera":       e.Camera,
		"debug":        e.Debug,
		"image":        e.Image,
		"subLabel":     e.SubLabel,
		"enteredZones": e.EnteredZones,
		"mp4":          e.MP4,
	}
	if e.CurrentZones != nil {
		cols["currentZones"] = *e.CurrentZones
	}
	return cols
}

// Upsert updates the row with e's id in place, inserting it if none exists.
func (s *Store) Upsert(ctx context.Context, e Event) error {
	ctx, span := tracer.Start(ctx, "Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("id", e.ID))

	return s.write(ctx, "upsert", e.ID, func(tx *gorm.DB) error {
		res := tx.Model(&Event{}).Where("id = ?", e.ID).Updates(updateColumns(e))
		if res.Error != nil {
			return fmt.Errorf("failed to update event: %w", res.Error)
		}
		if res.RowsAffected > 0 {
			return nil
		}

		row := e.Clone()
		row.SID = 0
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to insert event: %w", err)
		}
		return nil
	})
}

// SetFrigatePlus sets the user's Frigate+ flag. It reports false if no row has the id.
func (s *Store) SetFrigatePlus(ctx context.Context, id string, v bool) (bool, error) {
	ctx, span := tracer.Start(ctx, "SetFrigatePlus")
	defer span.End()
	span.SetAttributes(attribute.String("id", id))

	found := false
	err := s.write(ctx, "set_frigate_plus", id, func(tx *gorm.DB) error {
		res := tx.Model(&Event{}).Where("id = ?", id).Update("frigatePlus", v)
		if res.Error != nil {
			return fmt.Errorf("failed to update frigatePlus: %w", res.Error)
		}
		found = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// DeleteByFrameTime removes the rows whose frameTime is exactly t.
func (s *Store) DeleteByFrameTime(ctx context.Context, t float64) (int64, error) {
	ctx, span := tracer.Start(ctx, "DeleteByFrameTime")
	defer span.End()

	var n int64
	err := s.write(ctx, "delete_by_frame_time", "", func(tx *gorm.DB) error {
		res := tx.Where("frameTime = ?", t).Delete(&Event{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete events: %w", res.Error)
		}
		n = res.RowsAffected
		return nil
	})
	return n, err
}

// DeleteOlderThan removes the camera's rows older than midnight today minus daysBack days.
func (s *Store) DeleteOlderThan(ctx context.Context, cameraName string, daysBack int) (int64, error) {
	ctx, span := tracer.Start(ctx, "DeleteOlderThan")
	defer span.End()

	cutoff := startOfDay(s.now()).AddDate(0, 0, -daysBack)
	span.SetAttributes(
		attribute.String("camera", cameraName),
		attribute.Int64("cutoff", cutoff.Unix()),
	)

	var n int64
	err := s.write(ctx, "delete_older_than", "", func(tx *gorm.DB) error {
		res := tx.Where("cameraName = ? AND frameTime < ?", cameraName, float64(cutoff.Unix())).Delete(&Event{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete events: %w", res.Error)
		}
		n = res.RowsAffected
		return nil
	})
	if err == nil {
		s.logger.Info("deleted old events", "camera", cameraName, "cutoff", cutoff, "deleted", n)
	}
	return n, err
}

// DeleteAll removes every row.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "DeleteAll")
	defer span.End()

	var n int64
	err := s.write(ctx, "delete_all", "", func(tx *gorm.DB) error {
		res := tx.Exec("DELETE FROM events")
		if res.Error != nil {
			return fmt.Errorf("failed to delete events: %w", res.Error)
		}
		n = res.RowsAffected
		return nil
	})
	return n, err
}

// GetByID returns the rows with the given id, newest frameTime first.
func (s *Store) GetByID(ctx context.Context, id string) ([]Event, error) {
	ctx, span := tracer.Start(ctx, "GetByID")
	defer span.End()
	span.SetAttributes(attribute.String("id", id))

	var out []Event
	err := s.read(ctx, "get_by_id", id, func(db *gorm.DB) error {
		return db.Where("id = ?", id).Order("frameTime DESC").Find(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetByFrameTime returns the rows whose frameTime is exactly t.
func (s *Store) GetByFrameTime(ctx context.Context, t float64) ([]Event, error) {
	ctx, span := tracer.Start(ctx, "GetByFrameTime")
	defer span.End()

	var out []Event
	err := s.read(ctx, "get_by_frame_time", "", func(db *gorm.DB) error {
		return db.Where("frameTime = ?", t).Order("sid DESC").Find(&out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Query returns the rows matching f, newest frameTime first.
func (s *Store) Query(ctx context.Context, f Filter) ([]Event, error) {
	ctx, span := tracer.Start(ctx, "Query")
	defer span.End()
	span.SetAttributes(
		attribute.String("camera", f.Camera),
		attribute.String("object", f.Object),
		attribute.String("zone", f.Zone),
		attribute.String("type", f.Type),
	)

	var out []Event
	err := s.read(ctx, "query", "", func(db *gorm.DB) error {
		return f.Scope(db.Model(&Event{})).Find(&out).Error
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// Cameras returns the distinct camera names present in the table.
func (s *Store) Cameras(ctx context.Context) ([]string, error) {
	var out []string
	err := s.read(ctx, "cameras", "", func(db *gorm.DB) error {
		return db.Model(&Event{}).Distinct("cameraName").Order("cameraName").Pluck("cameraName", &out).Error
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of rows.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.read(ctx, "count", "", func(db *gorm.DB) error {
		return db.Model(&Event{}).Count(&n).Error
	})
	return n, err
}

// SchemaVersion returns the number of migration steps recorded by the database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.read(ctx, "schema_version", "", func(db *gorm.DB) error {
		var err error
		v, err = schemaVersionOf(db)
		return err
	})
	return v, err
}
