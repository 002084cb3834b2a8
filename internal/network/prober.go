package network

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/actionunit/aumanager/backend/internal/logging"
)

// Prober checks reachability of a URL on an interval and reports the result
// to a Monitor. It is used where the host platform has no connectivity
// callback, such as the diagnostic CLI.
type Prober struct {
	monitor  *Monitor
	url      string
	interval time.Duration
	client   *http.Client

	mu      sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// NewProber creates a prober. A nil client uses a 5 second timeout.
func NewProber(m *Monitor, url string, interval time.Duration, client *http.Client) *Prober {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{monitor: m, url: url, interval: interval, client: client}
}

// Probe performs one check and reports it. Any HTTP response counts as
// connected, since the server answering at all proves reachability.
func (p *Prober) Probe(ctx context.Context) Status {
	status := Status{Connected: false, Type: TypeNone}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err == nil {
		resp, doErr := p.client.Do(req)
		if doErr == nil {
			resp.Body.Close()
			status = Status{Connected: true, Type: TypeUnknown}
		} else {
			logging.Debug("[Network] Probe failed", map[string]interface{}{"url": p.url, "error": doErr.Error()})
		}
	}

	p.monitor.Report(status)
	return status
}

// Start probes immediately and then on every interval until Stop.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.Probe(ctx)

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.Probe(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the loop to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.wg.Wait()
}
