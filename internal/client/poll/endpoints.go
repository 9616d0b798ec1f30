package poll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"time"

	"sparc/server/internal/ai"
	"sparc/server/internal/game"
)

// Fixed cadences for the platform's polled surfaces.
const (
	SessionInterval     = 2000 * time.Millisecond
	RecentRollsInterval = 500 * time.Millisecond
	CharactersInterval  = 3000 * time.Millisecond
	PerformanceInterval = 10000 * time.Millisecond
	ProgressInterval    = 5000 * time.Millisecond

	// RecentRollsMaxRetries is tighter than the default: dice recency has
	// the tightest latency target and stale retries are worthless.
	RecentRollsMaxRetries = 2
)

// API is a minimal REST client for the polled endpoints.
type API struct {
	BaseURL string
	Client  *nethttp.Client
}

func NewAPI(baseURL string) *API {
	return &API{BaseURL: baseURL, Client: nethttp.DefaultClient}
}

func (a *API) client() *nethttp.Client {
	if a.Client != nil {
		return a.Client
	}
	return nethttp.DefaultClient
}

// getJSON fetches a JSON body. Non-2xx responses fail with the status text.
func (a *API) getJSON(ctx context.Context, path string, out any) error {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodGet, a.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	return a.doJSON(req, out)
}

func (a *API) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, a.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.doJSON(req, out)
}

func (a *API) doJSON(req *nethttp.Request, out any) error {
	resp, err := a.client().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.New(nethttp.StatusText(resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// NewSessionPoller polls the authoritative session record every 2s.
func NewSessionPoller(api *API, sessionID string) *Poller[game.Session] {
	opts := DefaultOptions()
	opts.Interval = SessionInterval
	return New(func(ctx context.Context) (game.Session, error) {
		var out game.Session
		err := api.getJSON(ctx, "/sessions/"+sessionID, &out)
		return out, err
	}, opts)
}

// NewRecentRollsPoller polls recent dice rolls every 500ms with a reduced
// retry budget.
func NewRecentRollsPoller(api *API, sessionID string) *Poller[[]game.DiceRollEvent] {
	opts := DefaultOptions()
	opts.Interval = RecentRollsInterval
	opts.MaxRetries = RecentRollsMaxRetries
	return New(func(ctx context.Context) ([]game.DiceRollEvent, error) {
		var out struct {
			Rolls []game.DiceRollEvent `json:"rolls"`
		}
		err := api.getJSON(ctx, "/dice/recent/"+sessionID, &out)
		return out.Rolls, err
	}, opts)
}

// NewCharacterBatchPoller refreshes a fixed set of characters every 3s.
func NewCharacterBatchPoller(api *API, characterIDs []string) *Poller[[]game.Character] {
	ids := append([]string(nil), characterIDs...)
	opts := DefaultOptions()
	opts.Interval = CharactersInterval
	return New(func(ctx context.Context) ([]game.Character, error) {
		var out struct {
			Characters []game.Character `json:"characters"`
		}
		err := api.postJSON(ctx, "/characters/batch", map[string]any{"ids": ids}, &out)
		return out.Characters, err
	}, opts)
}

// NewPerformancePoller polls the performance report every 10s. It keeps
// running while hidden: it backs background monitors, not visible UI.
func NewPerformancePoller(api *API) *Poller[ai.Report] {
	opts := DefaultOptions()
	opts.Interval = PerformanceInterval
	opts.PauseWhenHidden = false
	return New(func(ctx context.Context) (ai.Report, error) {
		var out ai.Report
		err := api.getJSON(ctx, "/ai/performance", &out)
		return out, err
	}, opts)
}

// NewProgressPoller polls adventure progress every 5s.
func NewProgressPoller(api *API, sessionID string) *Poller[game.AdventureProgress] {
	opts := DefaultOptions()
	opts.Interval = ProgressInterval
	return New(func(ctx context.Context) (game.AdventureProgress, error) {
		var out game.AdventureProgress
		err := api.getJSON(ctx, "/adventure/progress/"+sessionID, &out)
		return out, err
	}, opts)
}
