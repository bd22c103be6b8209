// Package gis searches the 2GIS catalog for places matching a preference model.
package gis

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"places-agent/internal/domain"
	"places-agent/internal/integrations/paramstore"
)

const (
	defaultBaseURL = "https://catalog.api.2gis.com/3.0/items"
	requestFields  = "items.point,items.adm_div,items.contact_groups,items.rubrics,items.reviews,items.schedule"
	fallbackQuery  = "popular places"
	unnamedPlace   = "Unnamed place"
	unknownAddress = "Address not specified"
)

// categoryQuery maps a category to the catalog search term. "other" has no
// useful term and is left out of the query.
var categoryQuery = map[domain.Category]string{
	domain.CategoryRestaurant:    "restaurant",
	domain.CategoryCafe:          "cafe",
	domain.CategoryEntertainment: "entertainment",
	domain.CategorySport:         "sport",
	domain.CategoryCulture:       "culture",
	domain.CategoryShopping:      "shopping",
	domain.CategoryBeauty:        "beauty salon",
	domain.CategoryService:       "services",
}

// HTTPStatusError captures non-2xx responses from the catalog API.
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("gis: unexpected status %d: %s", e.StatusCode, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client queries the 2GIS catalog items endpoint.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string

	keyMu     sync.Mutex
	keyLoaded bool
	apiKey    string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if u := strings.TrimSpace(baseURL); u != "" {
			c.baseURL = u
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a catalog client. The API key is optional; when the
// getter cannot provide one the catalog is queried without a key.
func NewClient(ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	if ps == nil {
		return nil, errors.New("gis: paramstore getter must not be nil")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: strings.TrimRight(strings.TrimSpace(paramPrefix), "/"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey caches the key once it has been fetched. Failures are not
// cached, so the next search retries.
func (c *Client) resolveAPIKey(ctx context.Context) string {
	c.keyMu.Lock()
	defer c.keyMu.Unlock()
	if c.keyLoaded {
		return c.apiKey
	}
	key, err := paramstore.ResolveToken(ctx, c.getter, c.paramPrefix+"/gis-api-key")
	if err != nil {
		return ""
	}
	c.apiKey = key
	c.keyLoaded = true
	return c.apiKey
}

// SearchPlaces returns up to limit places matching prefs, near loc when it
// is known.
func (c *Client) SearchPlaces(ctx context.Context, prefs domain.Preferences, loc *domain.Location, radius, limit int) ([]domain.Place, error) {
	params := BuildSearchParams(prefs, loc, radius, limit)
	if key := c.resolveAPIKey(ctx); key != "" {
		params.Set("key", key)
	}

	reqURL := c.baseURL + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("gis: create request: %w", err)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gis: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, Body: string(buf)}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("gis: read response body: %w", err)
	}
	if !gjson.ValidBytes(raw) {
		return nil, errors.New("gis: decode response: invalid JSON")
	}
	return ParsePlaces(raw), nil
}

// BuildSearchParams builds the catalog query string for prefs.
func BuildSearchParams(prefs domain.Preferences, loc *domain.Location, radius, limit int) url.Values {
	params := url.Values{}
	params.Set("fields", requestFields)
	if limit > 0 {
		params.Set("page_size", strconv.Itoa(limit))
	}
	if loc != nil {
		params.Set("point", formatCoord(loc.Lon)+","+formatCoord(loc.Lat))
		if radius > 0 {
			params.Set("radius", strconv.Itoa(radius))
		}
	}

	var parts []string
	if term, ok := categoryQuery[prefs.Category]; ok {
		parts = append(parts, term)
	}
	if prefs.ActivityType != "" && string(prefs.ActivityType) != string(prefs.Category) && prefs.ActivityType != domain.ActivityOther {
		parts = append(parts, string(prefs.ActivityType))
	}
	for _, r := range prefs.SpecificRequirements {
		if r = strings.TrimSpace(r); r != "" {
			parts = append(parts, r)
		}
	}
	if len(parts) == 0 {
		params.Set("q", fallbackQuery)
	} else {
		params.Set("q", strings.Join(parts, " "))
	}
	return params
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParsePlaces extracts places from a catalog response body. Entries that are
// not objects are skipped.
func ParsePlaces(raw []byte) []domain.Place {
	var places []domain.Place
	gjson.GetBytes(raw, "result.items").ForEach(func(_, item gjson.Result) bool {
		if !item.IsObject() {
			return true
		}
		places = append(places, parsePlace(item))
		return true
	})
	return places
}

func parsePlace(item gjson.Result) domain.Place {
	p := domain.Place{
		ID:           item.Get("id").String(),
		Name:         item.Get("name").String(),
		Address:      extractAddress(item),
		Categories:   extractCategories(item),
		Point:        domain.Location{Lat: item.Get("point.lat").Float(), Lon: item.Get("point.lon").Float()},
		WorkingHours: extractWorkingHours(item),
		Phone:        extractContact(item, "phone"),
		Website:      extractContact(item, "website"),
	}
	if p.Name == "" {
		p.Name = unnamedPlace
	}
	if r := item.Get("reviews.general_rating"); r.Exists() {
		v := r.Float()
		p.Rating = &v
	} else if r := item.Get("reviews.rating"); r.Exists() {
		v := r.Float()
		p.Rating = &v
	}
	if n := item.Get("reviews.general_review_count"); n.Exists() {
		v := int(n.Int())
		p.ReviewsCount = &v
	} else if n := item.Get("reviews.count"); n.Exists() {
		v := int(n.Int())
		p.ReviewsCount = &v
	}
	return p
}

func extractAddress(item gjson.Result) string {
	if divs := item.Get("adm_div").Array(); len(divs) > 0 {
		if name := divs[len(divs)-1].Get("name").String(); name != "" {
			return name
		}
	}
	if name := item.Get("address_name").String(); name != "" {
		return name
	}
	return unknownAddress
}

func extractCategories(item gjson.Result) []string {
	var out []string
	for _, r := range item.Get("rubrics.#.name").Array() {
		if name := r.String(); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// extractWorkingHours renders Monday's first interval, e.g. "09:00-22:00".
func extractWorkingHours(item gjson.Result) string {
	schedule := item.Get("schedule")
	if !schedule.Exists() {
		return ""
	}
	if schedule.Get("is_24x7").Bool() {
		return "24/7"
	}
	from := schedule.Get("Mon.working_hours.0.from").String()
	to := schedule.Get("Mon.working_hours.0.to").String()
	if from == "" || to == "" {
		return ""
	}
	return from + "-" + to
}

func extractContact(item gjson.Result, kind string) string {
	var value string
	item.Get("contact_groups").ForEach(func(_, group gjson.Result) bool {
		group.Get("contacts").ForEach(func(_, contact gjson.Result) bool {
			if contact.Get("type").String() == kind {
				value = contact.Get("value").String()
				return false
			}
			return true
		})
		return value == ""
	})
	return value
}
