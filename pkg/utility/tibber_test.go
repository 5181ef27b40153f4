package utility

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raterudder/chargeplanner/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tibberTestResponse = `{
  "data": {
    "viewer": {
      "homes": [
        {
          "id": "home-a",
          "currentSubscription": {
            "priceInfo": {
              "today": [
                {"total": 0.2812, "startsAt": "2025-03-12T01:00:00.000+01:00"},
                {"total": 0.2500, "startsAt": "2025-03-12T00:00:00.000+01:00"}
              ],
              "tomorrow": [
                {"total": 0.3100, "startsAt": "2025-03-13T00:00:00.000+01:00"}
              ]
            }
          }
        },
        {
          "id": "home-b",
          "currentSubscription": {
            "priceInfo": {
              "today": [
                {"total": 0.1, "startsAt": "2025-03-12T00:00:00.000+01:00"},
                {"total": 0.2, "startsAt": "2025-03-12T00:15:00.000+01:00"}
              ],
              "tomorrow": []
            }
          }
        }
      ]
    }
  }
}`

func newTestTibber(url string) *Tibber {
	return &Tibber{
		apiURL: url,
		token:  "token",
		client: common.HTTPClient(time.Second),
		now:    time.Now,
	}
}

func TestTibberGetPrices(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var q map[string]string
		require.NoError(t, json.Unmarshal(body, &q))
		assert.Contains(t, q["query"], "priceInfo")

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, tibberTestResponse)
	}))
	defer srv.Close()

	t.Run("First Home", func(t *testing.T) {
		tb := newTestTibber(srv.URL)
		prices, err := tb.GetPrices(context.Background())
		require.NoError(t, err)
		require.Len(t, prices, 3)

		assert.Equal(t, "tibber", prices[0].Provider)
		assert.InDelta(t, 0.25, prices[0].PricePerKWH, 1e-9)
		assert.InDelta(t, 0.2812, prices[1].PricePerKWH, 1e-9)
		assert.InDelta(t, 0.31, prices[2].PricePerKWH, 1e-9)
		assert.True(t, prices[0].TSStart.Equal(time.Date(2025, 3, 11, 23, 0, 0, 0, time.UTC)))
		assert.Equal(t, time.Hour, prices[0].TSEnd.Sub(prices[0].TSStart))
	})

	t.Run("Home By ID With Quarter Hours", func(t *testing.T) {
		tb := newTestTibber(srv.URL)
		tb.homeID = "home-b"
		prices, err := tb.GetPrices(context.Background())
		require.NoError(t, err)
		require.Len(t, prices, 2)
		assert.Equal(t, 15*time.Minute, prices[0].TSEnd.Sub(prices[0].TSStart))
		assert.Equal(t, time.Hour, prices[1].TSEnd.Sub(prices[1].TSStart))
	})

	t.Run("Unknown Home", func(t *testing.T) {
		tb := newTestTibber(srv.URL)
		tb.homeID = "home-c"
		_, err := tb.GetPrices(context.Background())
		assert.Error(t, err)
	})

	t.Run("Cached", func(t *testing.T) {
		current := time.Date(2025, 3, 12, 10, 0, 0, 0, time.UTC)
		tb := newTestTibber(srv.URL)
		tb.now = func() time.Time { return current }

		before := requests.Load()
		_, err := tb.GetPrices(context.Background())
		require.NoError(t, err)
		current = current.Add(4 * time.Minute)
		_, err = tb.GetPrices(context.Background())
		require.NoError(t, err)
		assert.Equal(t, before+1, requests.Load())

		current = current.Add(2 * time.Minute)
		_, err = tb.GetPrices(context.Background())
		require.NoError(t, err)
		assert.Equal(t, before+2, requests.Load())
	})
}

func TestTibberErrors(t *testing.T) {
	t.Run("GraphQL Error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"data":null,"errors":[{"message":"invalid token"}]}`)
		}))
		defer srv.Close()

		_, err := newTestTibber(srv.URL).GetPrices(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid token")
	})

	t.Run("Bad Status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusUnauthorized)
		}))
		defer srv.Close()

		_, err := newTestTibber(srv.URL).GetPrices(context.Background())
		var statusErr *common.StatusError
		require.ErrorAs(t, err, &statusErr)
		assert.Equal(t, http.StatusUnauthorized, statusErr.StatusCode)
	})

	t.Run("Validate", func(t *testing.T) {
		tb := newTestTibber("https://api.tibber.com/v1-beta/gql")
		assert.NoError(t, tb.Validate())
		tb.token = ""
		assert.Error(t, tb.Validate())
	})
}
