package utility

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargeplanner/pkg/common"
	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/types"
)

const (
	tibberProvider      = "tibber"
	tibberCacheDuration = 5 * time.Minute

	tibberPriceQuery = `{
  viewer {
    homes {
      id
      currentSubscription {
        priceInfo {
          today { total startsAt }
          tomorrow { total startsAt }
        }
      }
    }
  }
}`
)

// Tibber fetches dynamic prices from the Tibber GraphQL API. Prices are
// the all-in "total" including grid fees and taxes.
type Tibber struct {
	apiURL string
	token  string
	homeID string
	client *http.Client
	now    func() time.Time

	mu            sync.Mutex
	lastFetchTime time.Time
	cachedPrices  []types.Price
}

func configuredTibber() *Tibber {
	t := &Tibber{
		client: common.HTTPClient(10 * time.Second),
		now:    time.Now,
	}
	apiURL := lflag.String("tibber-api-url", "https://api.tibber.com/v1-beta/gql", "URL for the Tibber GraphQL API")
	token := lflag.String("tibber-token", "", "Tibber API access token")
	homeID := lflag.String("tibber-home-id", "", "Tibber home ID (defaults to the first home)")

	lflag.Do(func() {
		t.apiURL = *apiURL
		t.token = *token
		t.homeID = *homeID
	})

	return t
}

// Validate ensures the configuration is valid.
func (t *Tibber) Validate() error {
	if t.apiURL == "" {
		return errors.New("tibber-api-url is required")
	}
	if _, err := url.Parse(t.apiURL); err != nil {
		return fmt.Errorf("failed to parse tibber url (%s): %w", t.apiURL, err)
	}
	if t.token == "" {
		return errors.New("tibber-token is required")
	}
	return nil
}

type tibberPricePoint struct {
	Total    float64   `json:"total"`
	StartsAt time.Time `json:"startsAt"`
}

type tibberHome struct {
	ID                  string `json:"id"`
	CurrentSubscription *struct {
		PriceInfo struct {
			Today    []tibberPricePoint `json:"today"`
			Tomorrow []tibberPricePoint `json:"tomorrow"`
		} `json:"priceInfo"`
	} `json:"currentSubscription"`
}

type tibberResponse struct {
	Data struct {
		Viewer struct {
			Homes []tibberHome `json:"homes"`
		} `json:"viewer"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// GetPrices implements Utility. Results are cached for 5 minutes.
func (t *Tibber) GetPrices(ctx context.Context) ([]types.Price, error) {
	now := t.now()

	t.mu.Lock()
	if !t.lastFetchTime.IsZero() && now.Sub(t.lastFetchTime) < tibberCacheDuration {
		prices := t.cachedPrices
		t.mu.Unlock()
		return prices, nil
	}
	t.mu.Unlock()

	prices, err := t.fetchPrices(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.cachedPrices = prices
	t.lastFetchTime = now
	t.mu.Unlock()

	return prices, nil
}

func (t *Tibber) fetchPrices(ctx context.Context) ([]types.Price, error) {
	body, err := json.Marshal(map[string]string{"query": tibberPriceQuery})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "application/json")

	log.Ctx(ctx).DebugContext(ctx, "fetching prices from tibber")
	resp, err := t.client.Do(req)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch prices", slog.Any("error", err))
		return nil, fmt.Errorf("failed to fetch prices: %w", err)
	}

	var res tibberResponse
	if err := common.DecodeJSON(resp, &res); err != nil {
		return nil, fmt.Errorf("tibber: %w", err)
	}
	if len(res.Errors) > 0 {
		msgs := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("tibber api error: %s", strings.Join(msgs, "; "))
	}

	homes := res.Data.Viewer.Homes
	idx := 0
	if t.homeID != "" {
		idx = slices.IndexFunc(homes, func(h tibberHome) bool {
			return h.ID == t.homeID
		})
	}
	if idx < 0 || idx >= len(homes) {
		return nil, fmt.Errorf("tibber home %q not found", t.homeID)
	}
	sub := homes[idx].CurrentSubscription
	if sub == nil {
		return nil, errors.New("tibber home has no active subscription")
	}

	points := append(slices.Clone(sub.PriceInfo.Today), sub.PriceInfo.Tomorrow...)
	slices.SortStableFunc(points, func(a, b tibberPricePoint) int {
		return a.StartsAt.Compare(b.StartsAt)
	})
	prices := make([]types.Price, 0, len(points))
	for i, p := range points {
		end := p.StartsAt.Add(time.Hour)
		if i+1 < len(points) && points[i+1].StartsAt.Before(end) {
			// quarter-hourly tariffs
			end = points[i+1].StartsAt
		}
		prices = append(prices, types.Price{
			Provider:    tibberProvider,
			TSStart:     p.StartsAt,
			TSEnd:       end,
			PricePerKWH: p.Total,
		})
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched tibber prices",
		slog.Int("today", len(sub.PriceInfo.Today)),
		slog.Int("tomorrow", len(sub.PriceInfo.Tomorrow)),
	)
	return prices, nil
}
