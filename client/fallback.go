package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mailsense/realtime/errors"
	"github.com/mailsense/realtime/notification"
)

// historyResponse is the body of the hub's poll and sync endpoints.
type historyResponse struct {
	Notifications []notification.Notification `json:"notifications"`
	ServerTime    time.Time                   `json:"server_time"`
}

// poller fetches notification history over HTTP. It serves two duties:
// the degraded-mode transport when the WebSocket reconnect budget is
// exhausted, and the one-shot missed-notification sync right after a
// reconnect.
type poller struct {
	httpBase   string
	credential string
	httpClient *http.Client
	pipeline   *pipeline
	store      Store
	logger     *slog.Logger
	metrics    *Metrics

	watermark time.Time
}

func newPoller(httpBase, credential string, httpClient *http.Client, pipe *pipeline, store Store, logger *slog.Logger, metrics *Metrics) *poller {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &poller{
		httpBase:   httpBase,
		credential: credential,
		httpClient: httpClient,
		pipeline:   pipe,
		store:      store,
		logger:     logger,
		metrics:    metrics,
	}
}

// restoreWatermark loads the persisted sync position. Without a store
// the watermark starts at zero and the first fetch replays the full
// retained history; de-duplication absorbs the overlap.
func (p *poller) restoreWatermark(ctx context.Context) {
	if p.store == nil {
		return
	}
	watermark, err := p.store.Watermark(ctx)
	if err != nil {
		p.logger.Warn("restore sync watermark failed", "error", err)
		return
	}
	p.watermark = watermark
}

// fetch runs one history request against the given endpoint and feeds
// the results through the pipeline. The watermark only advances after
// every returned notification has been processed.
func (p *poller) fetch(ctx context.Context, endpoint, transport string) (int, error) {
	reqURL := fmt.Sprintf("%s%s?since=%s", p.httpBase, endpoint,
		url.QueryEscape(p.watermark.UTC().Format(time.RFC3339Nano)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, errors.WrapInvalid(err, "poller", "fetch", "build request")
	}
	req.Header.Set("Authorization", "Bearer "+p.credential)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return 0, errors.WrapTransient(err, "poller", "fetch", "http request")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return 0, errors.WrapFatal(errors.ErrAuthenticationFailed, "poller", "fetch", "credential rejected")
	default:
		return 0, errors.WrapTransient(
			fmt.Errorf("unexpected status %d", resp.StatusCode), "poller", "fetch", "http request")
	}

	var body historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, errors.WrapInvalid(err, "poller", "fetch", "decode response")
	}

	accepted := 0
	newest := p.watermark
	for _, n := range body.Notifications {
		if p.pipeline.process(ctx, n, transport) {
			accepted++
		}
		// Duplicates still advance the watermark: they were processed
		// on a previous transport.
		if n.Timestamp.After(newest) {
			newest = n.Timestamp
		}
	}
	p.advanceWatermark(ctx, newest)
	return accepted, nil
}

func (p *poller) advanceWatermark(ctx context.Context, newest time.Time) {
	if !newest.After(p.watermark) {
		return
	}
	p.watermark = newest
	if p.store == nil {
		return
	}
	if err := p.store.SetWatermark(ctx, newest); err != nil {
		p.logger.Warn("persist sync watermark failed", "error", err)
	}
}

// run polls on the interval until the context is cancelled or stop is
// closed. Poll failures are logged and the schedule continues; only an
// authentication rejection stops the loop.
func (p *poller) run(ctx context.Context, stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			accepted, err := p.fetch(ctx, "/poll", "poll")
			if err != nil {
				p.metrics.poll("error")
				p.logger.Warn("poll cycle failed", "error", err)
				if errors.IsFatal(err) {
					return
				}
				continue
			}
			p.metrics.poll("ok")
			if accepted > 0 {
				p.logger.Debug("poll cycle delivered", "accepted", accepted)
			}
		}
	}
}

// sync performs the one-shot missed-notification replay after a
// reconnect.
func (p *poller) sync(ctx context.Context) (int, error) {
	return p.fetch(ctx, "/sync", "sync")
}
