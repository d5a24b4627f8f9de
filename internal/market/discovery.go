package market

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"updown-mm/internal/config"
	"updown-mm/pkg/types"
)

// Discovery maintains the set of live up/down markets. Instead of scanning
// the whole catalog, it enumerates the candidate slugs directly — the slug
// format is deterministic for both series families — and resolves each slug
// against the events API:
//
//   - 15-minute markets: "<asset>-updown-15m-<epoch>" where epoch is the
//     market's start time aligned to 900s boundaries. Candidates cover
//     start times from 30 minutes back to 15 minutes ahead.
//
//   - 1-hour markets: "<asset>-up-or-down-<month>-<day>-<hour12><am|pm>-et"
//     in US Eastern time, e.g. "bitcoin-up-or-down-october-2-5pm-et".
//     Candidates cover the previous hour through two hours ahead.
//
// Resolution failures keep the previous market set: a flaky events API must
// not make live markets vanish mid-quote.

const (
	slugEpochStep   = 15 * time.Minute
	lookback15m     = 30 * time.Minute
	lookahead15m    = 15 * time.Minute
	maxMarketWindow = 2 * time.Hour
)

var assets15m = []string{"btc", "eth"}
var assets1h = []string{"bitcoin", "ethereum"}

// eventResponse is the JSON shape of GET /events?slug=... entries.
type eventResponse struct {
	Slug    string        `json:"slug"`
	Closed  bool          `json:"closed"`
	EndDate string        `json:"endDate"`
	Markets []eventMarket `json:"markets"`
}

type eventMarket struct {
	Closed       bool   `json:"closed"`
	EndDate      string `json:"endDate"`
	Outcomes     string `json:"outcomes"`     // JSON array string: ["Up","Down"]
	ClobTokenIds string `json:"clobTokenIds"` // JSON array string, same order as Outcomes
}

// Discovery resolves candidate slugs into live markets.
type Discovery struct {
	httpClient *resty.Client
	static     []types.Market
	logger     *slog.Logger

	// resolved caches slug → market so we only hit the events API once per
	// slug; entries are dropped when the market leaves the live window.
	resolved map[string]types.Market

	mu     sync.RWMutex
	active []types.Market

	// eastern is the zone for 1h slug generation. Loaded once at startup.
	eastern *time.Location
}

// NewDiscovery creates a Discovery backed by the events API. Static markets
// from the config are merged into every refresh.
func NewDiscovery(cfg config.Config, logger *slog.Logger) (*Discovery, error) {
	eastern, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("load eastern timezone: %w", err)
	}

	client := resty.New().
		SetBaseURL(cfg.API.EventsBaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	static, err := parseStaticMarkets(cfg.Markets)
	if err != nil {
		return nil, err
	}

	return &Discovery{
		httpClient: client,
		static:     static,
		resolved:   make(map[string]types.Market),
		logger:     logger.With("component", "discovery"),
		eastern:    eastern,
	}, nil
}

func parseStaticMarkets(static []config.StaticMarket) ([]types.Market, error) {
	out := make([]types.Market, 0, len(static))
	for i, m := range static {
		end, err := time.Parse(time.RFC3339, m.EndTime)
		if err != nil {
			return nil, fmt.Errorf("static market %d end_time: %w", i, err)
		}
		out = append(out, types.Market{
			Slug:        m.Slug,
			UpTokenID:   m.UpTokenID,
			DownTokenID: m.DownTokenID,
			EndTime:     end,
			Type:        types.MarketType(m.MarketType),
		})
	}
	return out, nil
}

// Active returns the current live market set, sorted by slug.
func (d *Discovery) Active() []types.Market {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.Market, len(d.active))
	copy(out, d.active)
	return out
}

// ActiveTokens returns the token IDs of all live markets, for feed
// subscription and cache pruning.
func (d *Discovery) ActiveTokens() map[string]bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tokens := make(map[string]bool, len(d.active)*2)
	for _, m := range d.active {
		tokens[m.UpTokenID] = true
		tokens[m.DownTokenID] = true
	}
	return tokens
}

// Refresh re-enumerates candidate slugs, resolves the unknown ones, and
// swaps in the new live set. Safe to call from the engine loop.
func (d *Discovery) Refresh(ctx context.Context) {
	now := time.Now()
	candidates := d.CandidateSlugs(now)

	for _, slug := range candidates {
		if _, ok := d.resolved[slug]; ok {
			continue
		}
		m, ok, err := d.resolveSlug(ctx, slug)
		if err != nil {
			// Leave unresolved; retried next refresh.
			d.logger.Debug("resolve failed", "slug", slug, "error", err)
			continue
		}
		if ok {
			d.resolved[slug] = m
			d.logger.Info("market discovered",
				"slug", m.Slug,
				"type", m.Type,
				"ends_in", m.EndTime.Sub(now).Round(time.Second),
			)
		}
	}

	// Build the live set: resolved markets still inside the window, plus
	// static seeds. Resolved entries outside the window are evicted.
	live := make([]types.Market, 0, len(d.resolved)+len(d.static))
	for slug, m := range d.resolved {
		if !d.inLiveWindow(m, now) {
			delete(d.resolved, slug)
			continue
		}
		live = append(live, m)
	}
	for _, m := range d.static {
		if m.EndTime.After(now) {
			live = append(live, m)
		}
	}

	sort.Slice(live, func(i, j int) bool { return live[i].Slug < live[j].Slug })

	d.mu.Lock()
	d.active = live
	d.mu.Unlock()
}

// inLiveWindow reports whether the market is currently tradable: not ended,
// not ending more than the window ahead, and already started (end time minus
// lifetime is not in the future).
func (d *Discovery) inLiveWindow(m types.Market, now time.Time) bool {
	if !m.EndTime.After(now) {
		return false
	}
	if m.EndTime.After(now.Add(maxMarketWindow)) {
		return false
	}
	start := m.EndTime.Add(-m.Type.Lifetime())
	return !start.After(now)
}

// CandidateSlugs enumerates every slug that could name a live market at t.
func (d *Discovery) CandidateSlugs(t time.Time) []string {
	var slugs []string

	// 15m: enumerate 900s-aligned start epochs from 30m back to 15m ahead.
	first := t.Add(-lookback15m).Truncate(slugEpochStep)
	last := t.Add(lookahead15m).Truncate(slugEpochStep)
	for e := first; !e.After(last); e = e.Add(slugEpochStep) {
		for _, asset := range assets15m {
			slugs = append(slugs, fmt.Sprintf("%s-updown-15m-%d", asset, e.Unix()))
		}
	}

	// 1h: the previous, current and next two hours in Eastern time.
	et := t.In(d.eastern)
	for offset := -1; offset <= 2; offset++ {
		h := et.Add(time.Duration(offset) * time.Hour)
		for _, asset := range assets1h {
			slugs = append(slugs, hourlySlug(asset, h))
		}
	}

	return slugs
}

// hourlySlug formats "bitcoin-up-or-down-october-2-5pm-et" for the hour
// containing t (t must already be in Eastern time).
func hourlySlug(asset string, t time.Time) string {
	month := strings.ToLower(t.Format("January"))
	hour := strings.ToLower(t.Format("3PM"))
	return fmt.Sprintf("%s-up-or-down-%s-%d-%s-et", asset, month, t.Day(), hour)
}

// resolveSlug looks a candidate up on the events API. ok is false when the
// slug does not name a live, well-formed up/down market (a normal outcome
// for candidates that have not been listed yet).
func (d *Discovery) resolveSlug(ctx context.Context, slug string) (types.Market, bool, error) {
	var events []eventResponse
	resp, err := d.httpClient.R().
		SetContext(ctx).
		SetQueryParam("slug", slug).
		SetResult(&events).
		Get("/events")
	if err != nil {
		return types.Market{}, false, fmt.Errorf("fetch event %s: %w", slug, err)
	}
	if resp.StatusCode() != 200 {
		return types.Market{}, false, fmt.Errorf("fetch event %s: status %d", slug, resp.StatusCode())
	}

	for _, ev := range events {
		if ev.Closed {
			continue
		}
		m, ok := d.marketFromEvent(slug, ev)
		if ok {
			return m, true, nil
		}
	}
	return types.Market{}, false, nil
}

// marketFromEvent extracts the up/down token pair and end time from an
// events API entry.
func (d *Discovery) marketFromEvent(slug string, ev eventResponse) (types.Market, bool) {
	series := types.SeriesFromSlug(slug)
	if series == types.SeriesUnknown {
		return types.Market{}, false
	}

	for _, em := range ev.Markets {
		if em.Closed {
			continue
		}

		var outcomes, tokens []string
		if err := json.Unmarshal([]byte(em.Outcomes), &outcomes); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(em.ClobTokenIds), &tokens); err != nil {
			continue
		}
		if len(outcomes) != len(tokens) {
			continue
		}

		var upToken, downToken string
		for i, o := range outcomes {
			switch strings.ToLower(strings.TrimSpace(o)) {
			case "up":
				upToken = tokens[i]
			case "down":
				downToken = tokens[i]
			}
		}
		if upToken == "" || downToken == "" {
			continue
		}

		endTime, ok := marketEndTime(slug, series, em.EndDate, ev.EndDate)
		if !ok {
			continue
		}

		return types.Market{
			Slug:        slug,
			UpTokenID:   upToken,
			DownTokenID: downToken,
			EndTime:     endTime,
			Type:        series.MarketType(),
		}, true
	}
	return types.Market{}, false
}

// marketEndTime resolves the market's end, preferring the market-level end
// date, then the event-level one. 15m slugs carry their start epoch, so a
// missing end date can be derived; 1h markets without one are skipped.
func marketEndTime(slug string, series types.Series, marketEnd, eventEnd string) (time.Time, bool) {
	for _, s := range []string{marketEnd, eventEnd} {
		if s == "" {
			continue
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t, true
		}
	}

	if series.MarketType() == types.MarketType15M {
		if epoch, ok := epochFromSlug(slug); ok {
			return time.Unix(epoch, 0).Add(15 * time.Minute), true
		}
	}
	return time.Time{}, false
}

// epochFromSlug extracts the trailing start epoch of a 15m slug.
func epochFromSlug(slug string) (int64, bool) {
	idx := strings.LastIndex(slug, "-")
	if idx < 0 || idx == len(slug)-1 {
		return 0, false
	}
	var epoch int64
	if _, err := fmt.Sscanf(slug[idx+1:], "%d", &epoch); err != nil {
		return 0, false
	}
	return epoch, true
}
