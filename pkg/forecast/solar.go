package forecast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jinzhu/now"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/chargeplanner/pkg/common"
	"github.com/raterudder/chargeplanner/pkg/log"
	"github.com/raterudder/chargeplanner/pkg/types"
)

const (
	solarCacheDuration = 15 * time.Minute
	solarTimeLayout    = time.DateTime
)

// Plane is one orientation of panels.
type Plane struct {
	// Declination is the tilt, 0 (flat) to 90 (vertical).
	Declination int `json:"declination"`
	// Azimuth is -180..180 with 0 south, -90 east and 90 west.
	Azimuth int     `json:"azimuth"`
	KWP     float64 `json:"kwp"`
}

// SolarSite describes the installation for forecast.solar.
type SolarSite struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
	Planes    []Plane `json:"planes"`
}

// Solar fetches estimates from the forecast.solar API. Each plane is
// requested separately and the hourly values are summed.
type Solar struct {
	apiURL string
	apiKey string
	site   SolarSite
	loc    *time.Location
	client *http.Client

	mu            sync.Mutex
	lastFetchTime time.Time
	cachedDay     string
	cached        []float64
}

func configuredSolar() *Solar {
	s := &Solar{
		client: common.HTTPClient(10 * time.Second),
		loc:    time.Local,
	}
	apiURL := lflag.String("forecastsolar-api-url", "https://api.forecast.solar", "Base URL of the forecast.solar API")
	apiKey := lflag.String("forecastsolar-api-key", "", "forecast.solar API key (optional for the public tier)")
	site := SolarSite{Timezone: "Local"}
	lflag.JSON(&site, "forecastsolar-site", site, `JSON site description, e.g. {"latitude":48.1,"longitude":11.6,"planes":[{"declination":30,"azimuth":0,"kwp":9.8}]}`)

	lflag.Do(func() {
		s.apiURL = strings.TrimSuffix(*apiURL, "/")
		s.apiKey = *apiKey
		s.site = site
		if loc, err := time.LoadLocation(site.Timezone); err == nil {
			s.loc = loc
		}
	})
	return s
}

// Validate ensures the configuration is valid.
func (s *Solar) Validate() error {
	if s.apiURL == "" {
		return errors.New("forecastsolar-api-url is required")
	}
	if _, err := url.Parse(s.apiURL); err != nil {
		return fmt.Errorf("failed to parse forecastsolar url (%s): %w", s.apiURL, err)
	}
	if len(s.site.Planes) == 0 {
		return errors.New("forecastsolar-site needs at least one plane")
	}
	if s.site.Latitude < -90 || s.site.Latitude > 90 || s.site.Longitude < -180 || s.site.Longitude > 180 {
		return fmt.Errorf("invalid coordinates %f,%f", s.site.Latitude, s.site.Longitude)
	}
	if _, err := time.LoadLocation(s.site.Timezone); err != nil {
		return fmt.Errorf("invalid forecastsolar timezone %q: %w", s.site.Timezone, err)
	}
	for i, p := range s.site.Planes {
		if p.KWP <= 0 {
			return fmt.Errorf("plane %d: kwp must be positive", i+1)
		}
	}
	return nil
}

// urlNumber formats a float the way the API expects it in a path, with a
// comma as decimal separator.
func urlNumber(f float64) string {
	return strings.ReplaceAll(strconv.FormatFloat(f, 'f', -1, 64), ".", ",")
}

func (s *Solar) planeURL(p Plane) string {
	parts := []string{s.apiURL}
	if s.apiKey != "" {
		parts = append(parts, url.PathEscape(s.apiKey))
	}
	parts = append(parts,
		"estimate", "watthours",
		urlNumber(s.site.Latitude),
		urlNumber(s.site.Longitude),
		strconv.Itoa(p.Declination),
		strconv.Itoa(p.Azimuth),
		urlNumber(p.KWP),
	)
	return strings.Join(parts, "/")
}

type solarResponse struct {
	// Result maps local "2006-01-02 15:04:05" timestamps to the energy
	// produced since the start of that day in Wh.
	Result  map[string]float64 `json:"result"`
	Message struct {
		Code int    `json:"code"`
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"message"`
}

// HourlyPV implements Provider.
func (s *Solar) HourlyPV(ctx context.Context, ts time.Time) (types.PVForecast, error) {
	local := ts.In(s.loc)
	calendar, err := s.calendar(ctx, local)
	if err != nil {
		return nil, err
	}
	return rolling(calendar, local.Hour()), nil
}

// calendar returns today's hours at 0..23 and tomorrow's at 24..47.
func (s *Solar) calendar(ctx context.Context, local time.Time) ([]float64, error) {
	day := local.Format(time.DateOnly)

	s.mu.Lock()
	if s.cachedDay == day && local.Sub(s.lastFetchTime) < solarCacheDuration {
		cached := s.cached
		s.mu.Unlock()
		log.Ctx(ctx).DebugContext(ctx, "using cached solar forecast")
		return cached, nil
	}
	s.mu.Unlock()

	today := now.With(local).BeginningOfDay()
	tomorrow := today.AddDate(0, 0, 1)

	calendar := make([]float64, 48)
	var fetched int
	for i, plane := range s.site.Planes {
		resp, err := s.fetchPlane(ctx, plane)
		if err != nil {
			log.Ctx(ctx).ErrorContext(
				ctx,
				"failed to fetch solar forecast plane",
				slog.Int("plane", i+1),
				slog.Any("error", err),
			)
			continue
		}
		fetched++
		addPlane(calendar[:24], resp.Result, today, s.loc)
		addPlane(calendar[24:], resp.Result, tomorrow, s.loc)
	}
	if fetched == 0 {
		return nil, errors.New("no solar forecast plane could be fetched")
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched solar forecast",
		slog.Int("planes", fetched),
		slog.Float64("todayKWH", sum(calendar[:24])),
		slog.Float64("tomorrowKWH", sum(calendar[24:])),
	)

	s.mu.Lock()
	s.cached = calendar
	s.cachedDay = day
	s.lastFetchTime = local
	s.mu.Unlock()

	return calendar, nil
}

func (s *Solar) fetchPlane(ctx context.Context, p Plane) (solarResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.planeURL(p), nil)
	if err != nil {
		return solarResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return solarResponse{}, fmt.Errorf("failed to fetch forecast: %w", err)
	}
	var out solarResponse
	if err := common.DecodeJSON(resp, &out); err != nil {
		return solarResponse{}, err
	}
	if out.Result == nil {
		return solarResponse{}, fmt.Errorf("no result in response: %s", out.Message.Text)
	}
	return out, nil
}

// addPlane turns the cumulative Wh of day into per-hour kWh and adds them
// to hours. Decreasing totals never produce negative hours.
func addPlane(hours []float64, result map[string]float64, day time.Time, loc *time.Location) {
	cumulative := map[int]float64{}
	for key, wh := range result {
		t, err := time.ParseInLocation(solarTimeLayout, key, loc)
		if err != nil {
			continue
		}
		if t.Year() != day.Year() || t.YearDay() != day.YearDay() {
			continue
		}
		cumulative[t.Hour()] = wh / 1000
	}
	keys := make([]int, 0, len(cumulative))
	for h := range cumulative {
		keys = append(keys, h)
	}
	slices.Sort(keys)

	var prev float64
	for i, h := range keys {
		delta := cumulative[h]
		if i > 0 {
			delta = math.Max(0, cumulative[h]-prev)
		}
		prev = cumulative[h]
		hours[h] += delta
	}
}

func sum(v []float64) float64 {
	var total float64
	for _, x := range v {
		total += x
	}
	return total
}
