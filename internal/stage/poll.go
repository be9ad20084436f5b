package stage

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Poller fetches the status document at a fixed interval and feeds it to a
// Monitor.
type Poller struct {
	url      string
	interval time.Duration
	monitor  *Monitor
	client   *http.Client
	log      *slog.Logger
}

// NewPoller creates a Poller for params.URL.
func NewPoller(params Params, monitor *Monitor, log *slog.Logger) *Poller {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	interval := seconds(params.PollInterval)
	if interval <= 0 {
		interval = seconds(DefaultParams().PollInterval)
	}
	return &Poller{
		url:      params.URL,
		interval: interval,
		monitor:  monitor,
		client:   &http.Client{Timeout: time.Second},
		log:      log.With("stage_url", params.URL),
	}
}

// Fetch reads one status document.
func (p *Poller) Fetch(ctx context.Context) (Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Status{}, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Status{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{}, fmt.Errorf("stage server: %s", resp.Status)
	}
	return DecodeStatus(resp.Body)
}

// Run polls until ctx is done. Fetch errors are logged once until the
// server answers again.
func (p *Poller) Run(ctx context.Context) error {
	tick := time.NewTicker(p.interval)
	defer tick.Stop()
	failing := false
	for {
		status, err := p.Fetch(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			if !failing {
				p.log.Warn("stage server unavailable", "err", err)
			}
			failing = true
		default:
			if failing {
				p.log.Info("stage server available")
			}
			failing = false
			p.monitor.ObserveStatus(time.Now(), status)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}
