package parq

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ericvolp12/nvr.tools/pkg/ingest"
	"github.com/parquet-go/parquet-go"
)

type Parq struct {
	logger       *slog.Logger
	fileDir      string
	prefix       string
	writeQueue   chan Record
	shutdown     chan struct{}
	wg           sync.WaitGroup
	batchSize    int
	maxBatchWait time.Duration
	files        atomic.Int64
}

func NewParq(logger *slog.Logger, fileDir, prefix string, batchSize int, maxBatchWait time.Duration) (*Parq, error) {
	p := Parq{
		logger:       logger.With("module", "parq"),
		fileDir:      fileDir,
		prefix:       prefix,
		batchSize:    batchSize,
		maxBatchWait: maxBatchWait,
		writeQueue:   make(chan Record, batchSize*2),
		shutdown:     make(chan struct{}),
	}

	// Make sure the file directory exists
	err := os.MkdirAll(fileDir, 0755)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet file directory: %w", err)
	}

	return &p, nil
}

// StartWriter starts the writer goroutine which writes records to parquet files
// when the batch size is reached, after every maxBatchWait duration, or when the shutdown signal is received
func (p *Parq) StartWriter() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		var records []Record
		t := time.NewTicker(p.maxBatchWait)
		defer t.Stop()

		flush := func(reason string) {
			if len(records) == 0 {
				return
			}
			p.logger.Info("writing parquet file", "reason", reason, "num_records", len(records))
			if _, err := p.WriteFile(records); err != nil {
				p.logger.Error("failed to write parquet file", "error", err)
			}
			records = nil
		}

		p.logger.Info("starting parquet writer loop")

		for {
			select {
			case r := <-p.writeQueue:
				records = append(records, r)
				queueDepth.Dec()
				if len(records) >= p.batchSize {
					flush("max_batch_size")
				}
			case <-t.C:
				flush("max_batch_wait")
			case <-p.shutdown:
				p.logger.Info("shutting down parquet writer")
				// Drain whatever was enqueued before shutdown.
				for len(p.writeQueue) > 0 {
					records = append(records, <-p.writeQueue)
					queueDepth.Dec()
				}
				flush("shutdown")
				return
			}
		}
	}()
}

// Shutdown signals the writer goroutine to shutdown
func (p *Parq) Shutdown() {
	p.logger.Info("waiting for parquet writer to shutdown")
	close(p.shutdown)
	p.wg.Wait()
	p.logger.Info("parquet writer shutdown successfully")
}

// EnqueueRecords enqueues the given records to be written to a parquet file
func (p *Parq) EnqueueRecords(records []Record) {
	for _, r := range records {
		p.writeQueue <- r
		queueDepth.Inc()
	}
}

// Follow archives every add and update published on sub until ctx is done
// or sub is closed.
func (p *Parq) Follow(ctx context.Context, sub *ingest.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch, ok := <-sub.Changes():
			if !ok {
				return nil
			}
			if r, ok := recordFor(time.Now().Unix(), ch); ok {
				p.EnqueueRecords([]Record{r})
			}
		}
	}
}

// WriteFile writes the given records to a new parquet file and returns its path
func (p *Parq) WriteFile(records []Record) (string, error) {
	// Files are suffixed with the current timestamp and a sequence number
	seq := p.files.Add(1)
	fName := path.Join(p.fileDir, fmt.Sprintf("%s_%s_%04d.parquet", p.prefix, time.Now().UTC().Format("2006_01_02-15_04_05"), seq))

	filterBits := uint(10)

	err := parquet.WriteFile(fName, records, parquet.BloomFilters(
		parquet.SplitBlockFilter(filterBits, "id"),
		parquet.SplitBlockFilter(filterBits, "camera_name"),
		parquet.SplitBlockFilter(filterBits, "label"),
		parquet.SplitBlockFilter(filterBits, "type"),
	))
	if err != nil {
		return "", fmt.Errorf("failed to write parquet file: %w", err)
	}

	filesWritten.Inc()
	recordsWritten.Add(float64(len(records)))
	p.logger.Info("wrote parquet file", "file_path", fName, "num_records", len(records))

	return fName, nil
}

// ReadFile reads every record from a file written by WriteFile.
func ReadFile(fName string) ([]Record, error) {
	records, err := parquet.ReadFile[Record](fName)
	if err != nil {
		return nil, fmt.Errorf("failed to read parquet file: %w", err)
	}
	return records, nil
}
