package geocode

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-geosync/internal/forum"
	"github.com/JakeFAU/forum-geosync/internal/metrics"
)

const yandexEndpoint = "https://geocode-maps.yandex.ru/1.x/"

var yandexPrecision = map[string]float64{
	"exact":  1.0,
	"number": 0.9,
	"near":   0.8,
	"street": 0.6,
	"other":  0.4,
}

const (
	yandexUnknownRank       = 0.3
	yandexUnknownConfidence = 0.4
)

type yandexResponse struct {
	Response struct {
		GeoObjectCollection struct {
			FeatureMember []yandexFeature `json:"featureMember"`
		} `json:"GeoObjectCollection"`
	} `json:"response"`
}

type yandexFeature struct {
	GeoObject struct {
		MetaDataProperty struct {
			GeocoderMetaData struct {
				Precision string `json:"precision"`
			} `json:"GeocoderMetaData"`
		} `json:"metaDataProperty"`
		Point struct {
			Pos string `json:"pos"`
		} `json:"Point"`
	} `json:"GeoObject"`
}

func (f yandexFeature) precision() string {
	if p := f.GeoObject.MetaDataProperty.GeocoderMetaData.Precision; p != "" {
		return p
	}
	return "other"
}

// Yandex geocodes through the Yandex HTTP Geocoder API.
type Yandex struct {
	apiKey  string
	country string
	t       *transport
}

// NewYandex builds a Yandex provider.
func NewYandex(cfg Config, client *http.Client, logger *zap.Logger) *Yandex {
	return &Yandex{
		apiKey:  strings.TrimSpace(cfg.YandexAPIKey),
		country: cfg.CountryHint,
		t:       newTransport(ProviderYandex, yandexEndpoint, cfg, client, logger),
	}
}

// Name implements forum.Geocoder.
func (y *Yandex) Name() string { return ProviderYandex }

// Geocode implements forum.Geocoder.
func (y *Yandex) Geocode(ctx context.Context, place string) (*forum.GeocodeResult, bool) {
	if y.apiKey == "" {
		metrics.ObserveGeocode(ProviderYandex, "no_key")
		return nil, false
	}
	if strings.TrimSpace(place) == "" {
		return nil, false
	}
	params := url.Values{}
	params.Set("apikey", y.apiKey)
	params.Set("format", "json")
	params.Set("lang", "ru_RU")
	params.Set("results", "5")
	params.Set("geocode", query(place, y.country))

	body, err := y.t.get(ctx, params)
	if err != nil {
		y.t.logger.Warn("yandex geocode failed", zap.String("place", place), zap.Error(err))
		return nil, false
	}
	var payload yandexResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.ObserveGeocode(ProviderYandex, "malformed")
		y.t.logger.Warn("yandex geocode returned malformed json", zap.String("place", place), zap.Error(err))
		return nil, false
	}
	members := payload.Response.GeoObjectCollection.FeatureMember
	if len(members) == 0 {
		metrics.ObserveGeocode(ProviderYandex, "no_result")
		return nil, false
	}
	if len(members) > 1 {
		y.t.logger.Info("yandex geocoder returned several candidates",
			zap.String("place", place), zap.Int("candidates", len(members)))
	}

	ranks := make([]float64, len(members))
	for i, m := range members {
		r, ok := yandexPrecision[m.precision()]
		if !ok {
			r = yandexUnknownRank
		}
		ranks[i] = r
	}
	best := members[pickBest(ranks)]

	fields := strings.Fields(best.GeoObject.Point.Pos)
	if len(fields) != 2 {
		metrics.ObserveGeocode(ProviderYandex, "malformed")
		return nil, false
	}
	lon, errLon := strconv.ParseFloat(fields[0], 64)
	lat, errLat := strconv.ParseFloat(fields[1], 64)
	if errLon != nil || errLat != nil {
		metrics.ObserveGeocode(ProviderYandex, "malformed")
		return nil, false
	}
	confidence, ok := yandexPrecision[best.precision()]
	if !ok {
		confidence = yandexUnknownConfidence
	}
	metrics.ObserveGeocode(ProviderYandex, "ok")
	return &forum.GeocodeResult{Lat: lat, Lon: lon, Confidence: confidence, Provider: ProviderYandex}, true
}
