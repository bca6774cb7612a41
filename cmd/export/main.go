package main

import (
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/ericvolp12/nvr.tools/pkg/api"
	"github.com/ericvolp12/nvr.tools/pkg/events"
	"github.com/ericvolp12/nvr.tools/pkg/parq"
	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:    "export",
		Usage:   "export mirrored NVR events matching a filter",
		Version: "0.0.1",
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "sqlite-path",
			Usage:   "path to the sqlite database",
			Value:   "/data/events.db",
			EnvVars: []string{"NVR_SQLITE_PATH"},
		},
		&cli.StringFlag{
			Name:    "output-dir",
			Usage:   "directory to write the parquet file to",
			Value:   "./out",
			EnvVars: []string{"OUTPUT_DIR"},
		},
		&cli.StringFlag{
			Name:  "format",
			Usage: "output format, parquet or json (json is written to stdout)",
			Value: "parquet",
		},
		&cli.StringFlag{
			Name:  "camera",
			Usage: "camera name, all for every camera",
			Value: events.All,
		},
		&cli.StringFlag{
			Name:  "object",
			Usage: "object label, all for every label",
			Value: events.All,
		},
		&cli.StringFlag{
			Name:  "zone",
			Usage: "entered zone, all for every zone",
			Value: events.All,
		},
		&cli.StringFlag{
			Name:  "type",
			Usage: "event type, all for every type",
			Value: events.All,
		},
		&cli.StringFlag{
			Name:  "start",
			Usage: "first day to export, defaults to seven days ago",
		},
		&cli.StringFlag{
			Name:  "end",
			Usage: "last day to export, defaults to today",
		},
		&cli.IntFlag{
			Name:  "limit",
			Usage: "maximum number of events to export, 0 exports all",
		},
	}

	app.Action = Export

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func Export(cctx *cli.Context) error {
	ctx := cctx.Context

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	format := cctx.String("format")
	if format != "parquet" && format != "json" {
		return fmt.Errorf("unknown format %q", format)
	}

	req := api.FilterRequest{
		Camera:    cctx.String("camera"),
		Object:    cctx.String("object"),
		Zone:      cctx.String("zone"),
		Type:      cctx.String("type"),
		StartDate: cctx.String("start"),
		EndDate:   cctx.String("end"),
		Limit:     cctx.Int("limit"),
	}
	filter, err := req.Filter(time.Now(), time.Local)
	if err != nil {
		return fmt.Errorf("invalid filter: %w", err)
	}

	store, err := events.NewStore(logger, cctx.String("sqlite-path"))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()

	rows, err := store.Query(ctx, filter)
	if err != nil {
		return fmt.Errorf("failed to query events: %w", err)
	}

	logger.Info("exporting events", "events", len(rows), "camera", filter.Camera, "start", filter.StartDate.Format(time.DateOnly), "end", filter.EndDate.Format(time.DateOnly))

	if format == "json" {
		enc := json.NewEncoder(os.Stdout)
		for _, e := range rows {
			if err := enc.Encode(e); err != nil {
				return fmt.Errorf("failed to encode event: %w", err)
			}
		}
		return nil
	}

	if len(rows) == 0 {
		logger.Info("no events matched, not writing a file")
		return nil
	}

	p, err := parq.NewParq(logger, cctx.String("output-dir"), "export", len(rows), time.Minute)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	records := make([]parq.Record, len(rows))
	for i, e := range rows {
		records[i] = parq.NewRecord(now, "", e)
	}

	fName, err := p.WriteFile(records)
	if err != nil {
		return err
	}

	fmt.Println(fName)
	return nil
}
