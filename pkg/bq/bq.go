package bq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/ericvolp12/nvr.tools/pkg/ingest"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// BQ streams published changes into a BigQuery table per day.
type BQ struct {
	logger       *slog.Logger
	recordSchema bigquery.Schema
	client       *bigquery.Client
	dataset      *bigquery.Dataset

	tablePrefix string

	tableDate string
	inserter  *bigquery.Inserter

	recordBuf chan *Record
	done      chan struct{}
}

var tracer = otel.Tracer("bq")

const batchSize = 10_000

func NewBQ(
	ctx context.Context,
	projectID string,
	dataset string,
	tablePrefix string,
	logger *slog.Logger,
) (*BQ, error) {
	recordSchema, err := bigquery.InferSchema(Record{})
	if err != nil {
		return nil, fmt.Errorf("failed to infer schema: %w", err)
	}

	bqClient, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create bigquery client: %w", err)
	}

	bqDataset := bqClient.Dataset(dataset)

	if _, err := bqDataset.Metadata(ctx); err != nil {
		bqClient.Close()
		return nil, fmt.Errorf("failed to get dataset metadata, make sure to create it if it doesn't exist: %w", err)
	}

	bq := &BQ{
		recordSchema: recordSchema,
		client:       bqClient,
		dataset:      bqDataset,
		logger:       logger.With("module", "bq"),
		tablePrefix:  tablePrefix,
		recordBuf:    make(chan *Record, 100_000),
		done:         make(chan struct{}),
	}

	// Start a routine to batch insert records every 5 seconds
	go func() {
		defer close(bq.done)
		t := time.NewTicker(5 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				// Flush with a fresh context so the last batch still lands.
				flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
				if err := bq.insertRecords(flushCtx); err != nil {
					bq.logger.Error("failed to insert final records", "error", err)
				}
				cancel()
				return
			case <-t.C:
				if err := bq.insertRecords(ctx); err != nil {
					bq.logger.Error("failed to insert records", "error", err)
				}
			}
		}
	}()

	return bq, nil
}

func (bq *BQ) InsertRecord(ctx context.Context, record *Record) error {
	_, span := tracer.Start(ctx, "InsertRecord")
	defer span.End()

	span.SetAttributes(
		attribute.String("id", record.ID),
		attribute.String("camera", record.CameraName),
		attribute.String("change", record.Change),
		attribute.Int64("sid", record.SID),
	)

	select {
	case bq.recordBuf <- record:
	case <-ctx.Done():
		return ctx.Err()
	}

	changesQueued.WithLabelValues(bq.tablePrefix, record.Change).Inc()
	queueDepth.WithLabelValues(bq.tablePrefix).Inc()

	return nil
}

// Follow queues every add and update published on sub until ctx is done or
// sub is closed.
func (bq *BQ) Follow(ctx context.Context, sub *ingest.Subscription) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ch, ok := <-sub.Changes():
			if !ok {
				return nil
			}
			if ch.Kind != ingest.ChangeAdd && ch.Kind != ingest.ChangeUpdate {
				continue
			}
			if err := bq.InsertRecord(ctx, NewRecord(time.Now(), ch.Kind.String(), ch.Event)); err != nil {
				return err
			}
		}
	}
}

// drain takes up to batchSize records from the buffer without blocking.
func (bq *BQ) drain() []*Record {
	records := make([]*Record, 0, batchSize)
	for len(records) < batchSize {
		select {
		case record := <-bq.recordBuf:
			records = append(records, record)
			queueDepth.WithLabelValues(bq.tablePrefix).Dec()
		default:
			return records
		}
	}
	return records
}

func (bq *BQ) insertRecords(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "insertRecords")
	defer span.End()

	records := bq.drain()

	// If there are no records, return early
	if len(records) == 0 {
		return nil
	}

	// Create table if it doesn't exist
	if err := bq.CreateTableIfNotExists(ctx); err != nil {
		return fmt.Errorf("failed to create table: %w", err)
	}

	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		batchSubmissionSeconds.WithLabelValues(bq.tablePrefix).Observe(elapsed.Seconds())
		batchSizeHist.WithLabelValues(bq.tablePrefix).Observe(float64(len(records)))
	}()

	// Insert the records
	if err := bq.inserter.Put(ctx, records); err != nil {
		return fmt.Errorf("failed to insert records: %w", err)
	}

	return nil
}

func (bq *BQ) CreateTableIfNotExists(ctx context.Context) error {
	today := time.Now().Format("20060102")

	if bq.tableDate == today && bq.inserter != nil {
		return nil
	}

	table := bq.dataset.Table(fmt.Sprintf("%s_%s", bq.tablePrefix, today))
	_, err := table.Metadata(ctx)
	if err != nil {
		bq.logger.Info("table does not exist, creating", "table", table.FullyQualifiedName())
		if err := table.Create(ctx, &bigquery.TableMetadata{Schema: bq.recordSchema}); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}

	bq.tableDate = today
	bq.inserter = table.Inserter()

	return nil
}

// Close waits for the final flush after the constructor's context ends, then
// closes the client.
func (bq *BQ) Close() error {
	<-bq.done
	return bq.client.Close()
}
