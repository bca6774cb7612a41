package frigate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ericvolp12/nvr.tools/pkg/events"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

var tracer = otel.Tracer("frigate")

var ErrRateLimited = errors.New("rate limited")

// Poller periodically lists recent events from the NVR's HTTP API and
// upserts every one of them.
type Poller struct {
	Logger        *slog.Logger
	Host          string
	PageSize      int
	CheckInterval time.Duration
	// Lookback re-reads events that started shortly before the cursor so
	// in-progress events pick up their end state.
	Lookback time.Duration
	Client   *http.Client
	Limiter  *rate.Limiter

	ingester Ingester
	cursor   float64
	shutdown chan chan error
}

func NewPoller(logger *slog.Logger, host string, ingester Ingester, checkInterval time.Duration, requestsPerSecond float64, since time.Time) *Poller {
	client := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	return &Poller{
		Logger:        logger.With("module", "poller"),
		Host:          strings.TrimSuffix(host, "/"),
		PageSize:      100,
		CheckInterval: checkInterval,
		Lookback:      10 * time.Minute,
		Client:        client,
		Limiter:       rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
		ingester:      ingester,
		cursor:        float64(since.Unix()),
		shutdown:      make(chan chan error),
	}
}

func (p *Poller) Shutdown(ctx context.Context) error {
	p.Logger.Info("attempting to shutdown poller")
	errCh := make(chan error)
	select {
	case p.shutdown <- errCh:
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-errCh
}

func (p *Poller) Run(ctx context.Context) error {
	p.Logger.Info("running", "host", p.Host, "check_interval", p.CheckInterval.String())

	for {
		wait := p.CheckInterval

		n, err := p.Poll(ctx)
		if err != nil {
			p.Logger.Error("failed to poll events", "err", err)
			if errors.Is(err, ErrRateLimited) {
				p.Logger.Info("rate limited, waiting 2 minutes")
				wait = 2 * time.Minute
			} else {
				p.Logger.Info("waiting 5 seconds before retrying")
				wait = 5 * time.Second
			}
		} else {
			p.Logger.Debug("polled events", "events", n)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case errCh := <-p.shutdown:
			p.Logger.Info("shutting down run loop")
			errCh <- nil
			return nil
		case <-time.After(wait):
		}
	}
}

// Poll fetches every event that started after the cursor minus the lookback,
// paging backwards with "before" until a short page, and hands each event to
// the ingester. The cursor advances only when all pages were read.
func (p *Poller) Poll(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "Poll")
	defer span.End()

	after := p.cursor - p.Lookback.Seconds()
	before := 0.0
	newest := p.cursor
	total := 0

	for {
		page, err := p.getPage(ctx, after, before)
		if err != nil {
			return total, err
		}

		oldest := math.MaxFloat64
		for _, e := range page {
			p.ingester.IngestUpdate(ctx, e.Payload(p.Host), events.TransportHTTP)
			newest = math.Max(newest, e.StartTime)
			oldest = math.Min(oldest, e.StartTime)
		}
		total += len(page)
		polledEvents.Add(float64(len(page)))

		if len(page) < p.PageSize || oldest <= after || (before > 0 && oldest >= before) {
			break
		}
		before = oldest
	}

	p.cursor = newest
	span.SetAttributes(attribute.Int("events", total), attribute.Float64("cursor", p.cursor))
	return total, nil
}

func (p *Poller) getPage(ctx context.Context, after, before float64) ([]APIEvent, error) {
	ctx, span := tracer.Start(ctx, "getPage")
	defer span.End()

	q := url.Values{}
	q.Set("limit", fmt.Sprintf("%d", p.PageSize))
	q.Set("include_thumbnails", "0")
	q.Set("after", formatFloat(after))
	if before > 0 {
		q.Set("before", formatFloat(before))
	}

	u, err := url.Parse(fmt.Sprintf("%s/api/events?%s", p.Host, q.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	p.Logger.Debug("getting events page", "url", u.String())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "nvr-mirror")

	// Rate limit requests
	if err := p.Limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("failed to wait for rate limiter: %w", err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		pollRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	pollRequests.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusTooManyRequests {
			p.Logger.Warn("rate limited")
			return nil, ErrRateLimited
		}
		return nil, fmt.Errorf("unexpected response status: %s", resp.Status)
	}

	var page []APIEvent
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}

	return page, nil
}
