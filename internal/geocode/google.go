package geocode

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-geosync/internal/forum"
	"github.com/JakeFAU/forum-geosync/internal/metrics"
)

const googleEndpoint = "https://maps.googleapis.com/maps/api/geocode/json"

var googleLocationType = map[string]float64{
	"ROOFTOP":            1.0,
	"RANGE_INTERPOLATED": 0.8,
	"GEOMETRIC_CENTER":   0.6,
	"APPROXIMATE":        0.4,
}

const (
	googleDefaultType       = "APPROXIMATE"
	googleUnknownRank       = 0.1
	googleUnknownConfidence = 0.4
)

type googleResponse struct {
	Status  string         `json:"status"`
	Results []googleResult `json:"results"`
}

type googleResult struct {
	Geometry struct {
		Location struct {
			Lat float64 `json:"lat"`
			Lng float64 `json:"lng"`
		} `json:"location"`
		LocationType string `json:"location_type"`
	} `json:"geometry"`
}

func (r googleResult) locationType() string {
	if lt := r.Geometry.LocationType; lt != "" {
		return lt
	}
	return googleDefaultType
}

// Google geocodes through the Google Geocoding API.
type Google struct {
	apiKey  string
	country string
	t       *transport
}

// NewGoogle builds a Google provider.
func NewGoogle(cfg Config, client *http.Client, logger *zap.Logger) *Google {
	return &Google{
		apiKey:  strings.TrimSpace(cfg.GoogleAPIKey),
		country: cfg.CountryHint,
		t:       newTransport(ProviderGoogle, googleEndpoint, cfg, client, logger),
	}
}

// Name implements forum.Geocoder.
func (g *Google) Name() string { return ProviderGoogle }

// Geocode implements forum.Geocoder.
func (g *Google) Geocode(ctx context.Context, place string) (*forum.GeocodeResult, bool) {
	if g.apiKey == "" {
		metrics.ObserveGeocode(ProviderGoogle, "no_key")
		return nil, false
	}
	if strings.TrimSpace(place) == "" {
		return nil, false
	}
	params := url.Values{}
	params.Set("address", query(place, g.country))
	params.Set("key", g.apiKey)
	params.Set("language", "ru")

	body, err := g.t.get(ctx, params)
	if err != nil {
		g.t.logger.Warn("google geocode failed", zap.String("place", place), zap.Error(err))
		return nil, false
	}
	var payload googleResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.ObserveGeocode(ProviderGoogle, "malformed")
		g.t.logger.Warn("google geocode returned malformed json", zap.String("place", place), zap.Error(err))
		return nil, false
	}
	if payload.Status != "OK" || len(payload.Results) == 0 {
		metrics.ObserveGeocode(ProviderGoogle, "no_result")
		return nil, false
	}
	if len(payload.Results) > 1 {
		g.t.logger.Info("google geocoder returned several candidates",
			zap.String("place", place), zap.Int("candidates", len(payload.Results)))
	}

	ranks := make([]float64, len(payload.Results))
	for i, r := range payload.Results {
		rank, ok := googleLocationType[r.locationType()]
		if !ok {
			rank = googleUnknownRank
		}
		ranks[i] = rank
	}
	best := payload.Results[pickBest(ranks)]
	confidence, ok := googleLocationType[best.locationType()]
	if !ok {
		confidence = googleUnknownConfidence
	}
	metrics.ObserveGeocode(ProviderGoogle, "ok")
	return &forum.GeocodeResult{
		Lat:        best.Geometry.Location.Lat,
		Lon:        best.Geometry.Location.Lng,
		Confidence: confidence,
		Provider:   ProviderGoogle,
	}, true
}
