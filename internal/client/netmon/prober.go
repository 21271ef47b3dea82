package netmon

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const healthPath = "/healthz"

// Prober polls the server health endpoint and publishes reachability transitions.
type Prober struct {
	*notifier
	url      string
	interval time.Duration
	client   *http.Client
	logger   *zap.Logger
}

type ProberConfig struct {
	ServerURL string
	Interval  time.Duration
	Client    *http.Client
	Logger    *zap.Logger
}

func NewProber(cfg ProberConfig) *Prober {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Interval}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{
		notifier: newNotifier(false),
		url:      strings.TrimRight(cfg.ServerURL, "/") + healthPath,
		interval: cfg.Interval,
		client:   client,
		logger:   logger,
	}
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Probe(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe performs one health check and returns the resulting reachability.
func (p *Prober) Probe(ctx context.Context) bool {
	reachable := p.check(ctx)
	if p.set(reachable) {
		p.logger.Info("network reachability changed", zap.Bool("connected", reachable))
	}
	return reachable
}

func (p *Prober) check(ctx context.Context) bool {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, http.NoBody)
	if err != nil {
		p.logger.Error("health probe request invalid", zap.String("url", p.url), zap.Error(err))
		return false
	}
	response, err := p.client.Do(request)
	if err != nil {
		p.logger.Debug("health probe failed", zap.Error(err))
		return false
	}
	defer response.Body.Close()
	return response.StatusCode >= http.StatusOK && response.StatusCode < http.StatusMultipleChoices
}
