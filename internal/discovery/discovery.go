// Package discovery implements the Consul-compatible service discovery
// driver (§4.6): it resolves a named service to a set of peer addresses
// using Consul's blocking-query health endpoint, and reconciles that set
// against the dialer pool, debouncing all but the initial snapshot.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pubsubclub/federation/internal/config"
	"github.com/pubsubclub/federation/internal/debounce"
	"github.com/pubsubclub/federation/internal/eventbus"
	"github.com/pubsubclub/federation/internal/logging"
	"go.uber.org/zap"
)

// Reconciler is told the full current peer set whenever discovery decides
// it changed. Called once undebounced for the initial snapshot, and then
// debounced for every subsequent change (§4.6).
type Reconciler func(peers []config.PeerAddress)

// serviceEntry mirrors the subset of Consul's /v1/health/service/<name>
// response this driver needs.
type serviceEntry struct {
	Node struct {
		Node string `json:"Node"`
	} `json:"Node"`
	Service struct {
		Address string `json:"Address"`
		Port    int    `json:"Port"`
	} `json:"Service"`
}

// agentSelfResponse mirrors the subset of Consul's /v1/agent/self response
// this driver needs to learn its own node name (§3 self_name, §4.6 step 1).
type agentSelfResponse struct {
	Member struct {
		Name string `json:"Name"`
	} `json:"Member"`
}

// Driver polls a Consul-compatible agent for the members of one service
// and reconciles the result against the dialer pool.
type Driver struct {
	baseURL     string
	serviceName string
	logger      *logging.Logger
	client      *retryablehttp.Client
	debouncer   *debounce.Debouncer[[]config.PeerAddress]
	reconcile   Reconciler
	bus         *eventbus.Bus
	selfName    string

	pollWait       time.Duration
	minQueryPeriod time.Duration
	httpRetryWait  time.Duration
	debouncePeriod time.Duration

	lastIndex string
	known     map[string]config.PeerAddress
}

// New constructs a discovery driver against a Consul-compatible agent at
// baseURL (e.g. "http://127.0.0.1:8500"), watching serviceName. bus may be
// nil if lifecycle notifications aren't needed.
func New(baseURL, serviceName string, reconcile Reconciler, bus *eventbus.Bus, logger *logging.Logger) *Driver {
	client := retryablehttp.NewClient()
	client.Logger = nil // the federation logger speaks zap, not retryablehttp's leveled logger interface
	client.RetryMax = 0 // this package owns its own retry cadence (httpRetryWait, §4.6)

	d := &Driver{
		baseURL:        baseURL,
		serviceName:    serviceName,
		logger:         logger,
		client:         client,
		reconcile:      reconcile,
		bus:            bus,
		pollWait:       config.PollWait,
		minQueryPeriod: config.MinQueryPeriod,
		httpRetryWait:  config.HTTPRetryWait,
		debouncePeriod: config.DebouncePeriod,
		known:          make(map[string]config.PeerAddress),
	}
	d.debouncer = debounce.New(d.debouncePeriod, func(peers []config.PeerAddress) {
		d.reconcile(peers)
		d.publish(eventbus.Notification{Kind: eventbus.DebounceApplied})
	})
	return d
}

func (d *Driver) publish(n eventbus.Notification) {
	if d.bus != nil {
		d.bus.Publish(n)
	}
}

// Run validates the agent is reachable, fetches the initial snapshot
// undebounced, then blocks long-polling for changes until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.checkAgent(ctx); err != nil {
		return fmt.Errorf("discovery: agent unreachable: %w", err)
	}

	entries, index, err := d.fetchOnce(ctx, "")
	if err != nil {
		return fmt.Errorf("discovery: initial snapshot failed: %w", err)
	}
	d.lastIndex = index
	d.applySnapshot(entries)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := time.Now()
		entries, index, err := d.fetchOnce(ctx, d.lastIndex)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.ComponentWarn(logging.ComponentDiscovery, "long-poll failed, retrying",
				zap.Error(err))
			if !sleepCtx(ctx, d.httpRetryWait) {
				return ctx.Err()
			}
			continue
		}

		// Consul is allowed to return immediately with an unchanged index;
		// enforce a floor on query frequency so a misbehaving agent can't
		// turn this into a busy loop (§4.6).
		if elapsed := time.Since(start); elapsed < d.minQueryPeriod && index == d.lastIndex {
			if !sleepCtx(ctx, d.minQueryPeriod-elapsed) {
				return ctx.Err()
			}
		}

		if index == d.lastIndex {
			continue
		}
		d.lastIndex = index
		d.applyDebounced(entries)
	}
}

func (d *Driver) checkAgent(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/v1/agent/self", nil)
	if err != nil {
		return err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from /v1/agent/self", resp.StatusCode)
	}
	var self agentSelfResponse
	if err := json.NewDecoder(resp.Body).Decode(&self); err != nil {
		return fmt.Errorf("decode agent-self response: %w", err)
	}
	d.selfName = self.Member.Name
	return nil
}

// fetchOnce issues a single /v1/health/service/<name> query. An empty
// index performs the non-blocking initial snapshot; a non-empty index
// performs a blocking query capped at pollWait.
func (d *Driver) fetchOnce(ctx context.Context, index string) (entries []serviceEntry, newIndex string, err error) {
	url := fmt.Sprintf("%s/v1/health/service/%s?passing", d.baseURL, d.serviceName)
	if index != "" {
		url = fmt.Sprintf("%s&wait=%s&index=%s", url, consulDuration(d.pollWait), index)
	}

	reqCtx := ctx
	var cancel context.CancelFunc
	if index != "" {
		reqCtx, cancel = context.WithTimeout(ctx, time.Duration(float64(d.pollWait)*1.5))
		defer cancel()
	}

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}

	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, "", fmt.Errorf("decode health response: %w", err)
	}
	return entries, resp.Header.Get("X-Consul-Index"), nil
}

func consulDuration(d time.Duration) string {
	return fmt.Sprintf("%ds", int(d.Seconds()))
}

// toPeers converts Consul health entries to peer addresses, excluding any
// entry whose node name matches this driver's own (§3 self_name, §4.6 step
// 1, scenario S4: a node must never dial itself).
func (d *Driver) toPeers(entries []serviceEntry) []config.PeerAddress {
	peers := make([]config.PeerAddress, 0, len(entries))
	for _, e := range entries {
		if d.selfName != "" && e.Node.Node == d.selfName {
			continue
		}
		peers = append(peers, config.PeerAddress{Host: e.Service.Address, Port: e.Service.Port})
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].String() < peers[j].String() })
	return peers
}

// applySnapshot reconciles the initial peer set immediately, with no
// debounce (§4.6: the first observation is authoritative, not a flap).
func (d *Driver) applySnapshot(entries []serviceEntry) {
	peers := d.toPeers(entries)
	d.known = make(map[string]config.PeerAddress, len(peers))
	for _, p := range peers {
		d.known[p.String()] = p
	}
	d.reconcile(peers)
}

// applyDebounced stages a subsequent peer set through the debouncer so a
// rapid burst of individual Consul updates coalesces into one
// reconciliation (§4.6).
func (d *Driver) applyDebounced(entries []serviceEntry) {
	peers := d.toPeers(entries)
	d.known = make(map[string]config.PeerAddress, len(peers))
	for _, p := range peers {
		d.known[p.String()] = p
	}
	d.debouncer.Stage(peers)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
