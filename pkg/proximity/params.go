package proximity

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/kass/go-geo-points/pkg/geo"
	"github.com/kass/go-geo-points/pkg/models"
)

// ParseSearchParams reads latitude, longitude, radius, page and page_size
// from a query string into a validated SearchQuery.
func (e *Engine) ParseSearchParams(values url.Values) (models.SearchQuery, error) {
	lat, err := requiredFloat(values, "latitude")
	if err != nil {
		return models.SearchQuery{}, err
	}
	lon, err := requiredFloat(values, "longitude")
	if err != nil {
		return models.SearchQuery{}, err
	}
	center, err := geo.NewLocation(lat, lon)
	if err != nil {
		return models.SearchQuery{}, err
	}

	radius := geo.DefaultRadiusKm
	if raw := strings.TrimSpace(values.Get("radius")); raw != "" {
		radius, err = parseDecimal(raw)
		if err != nil {
			return models.SearchQuery{}, models.Invalid(models.CodeInvalidQueryParameters, "radius",
				"radius must be a decimal number")
		}
	}
	radius, err = geo.ClampRadius(radius)
	if err != nil {
		return models.SearchQuery{}, err
	}

	page, err := optionalPositiveInt(values, "page", 1)
	if err != nil {
		return models.SearchQuery{}, err
	}
	pageSize, err := optionalPositiveInt(values, "page_size", e.cfg.PageSize)
	if err != nil {
		return models.SearchQuery{}, err
	}

	return models.SearchQuery{
		Center:   center,
		RadiusKm: radius,
		Page:     page,
		PageSize: min(pageSize, e.cfg.MaxPageSize),
	}, nil
}

func requiredFloat(values url.Values, key string) (float64, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return 0, models.Invalid(models.CodeInvalidQueryParameters, key, "%s is required", key)
	}
	v, err := parseDecimal(raw)
	if err != nil {
		return 0, models.Invalid(models.CodeInvalidQueryParameters, key, "%s must be a decimal number", key)
	}
	return v, nil
}

// parseDecimal accepts finite numbers only; strconv also parses "inf" and "NaN".
func parseDecimal(raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%q is not a finite number", raw)
	}
	return v, nil
}

func optionalPositiveInt(values url.Values, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 1 {
		return 0, models.Invalid(models.CodeInvalidQueryParameters, key, "%s must be a positive integer", key)
	}
	return v, nil
}
