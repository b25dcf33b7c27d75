// Package mapmatch is a client for a Mapbox-compatible map-matching API.
package mapmatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"notecard_fleet/internal/fault"
)

// Defaults for the public Mapbox endpoint.
const (
	DefaultBaseURL = "https://api.mapbox.com"
	DefaultProfile = "mapbox/driving"
	DefaultTimeout = 30 * time.Second

	// MaxCoordinates is the service's per-request coordinate ceiling.
	MaxCoordinates = 100
)

// CodeOK is the response code of a successful match.
const CodeOK = "Ok"

// Point is one input coordinate.
type Point struct {
	Lon       float64
	Lat       float64
	Timestamp int64   // Unix seconds.
	Radius    float64 // Metres.
}

// Match is the best candidate returned by the service.
type Match struct {
	Geometry   orb.LineString
	Confidence float64
}

// Error is a failed match. It always matches fault.ErrUpstreamUnavailable.
type Error struct {
	Code    string // Service code such as NoMatch or InvalidInput. Empty on transport failure.
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil:
		return "map matching: " + e.Err.Error()
	case e.Code != "":
		if e.Message != "" {
			return fmt.Sprintf("map matching: %s: %s", e.Code, e.Message)
		}
		return "map matching: " + e.Code
	default:
		return fmt.Sprintf("map matching: HTTP %d", e.Status)
	}
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{fault.ErrUpstreamUnavailable, e.Err}
	}
	return []error{fault.ErrUpstreamUnavailable}
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	AccessToken string
	Profile     string
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Client calls the matching endpoint.
type Client struct {
	baseURL string
	token   string
	profile string
	http    *http.Client
}

// NewClient creates a client. Zero options fall back to the Mapbox defaults.
func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Profile == "" {
		opts.Profile = DefaultProfile
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.AccessToken,
		profile: strings.Trim(opts.Profile, "/"),
		http:    opts.HTTPClient,
	}
}

type response struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Matchings []struct {
		Confidence float64           `json:"confidence"`
		Geometry   *geojson.Geometry `json:"geometry"`
	} `json:"matchings"`
}

// Match snaps points onto the road network and returns the first matching.
func (c *Client) Match(ctx context.Context, points []Point) (*Match, error) {
	if len(points) < 2 {
		return nil, fault.Invalid("map matching needs at least 2 coordinates, got %d", len(points))
	}
	if len(points) > MaxCoordinates {
		return nil, fault.Invalid("map matching accepts at most %d coordinates, got %d", MaxCoordinates, len(points))
	}

	reqURL, err := c.requestURL(points)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, &Error{Status: resp.StatusCode, Err: err}
	}

	var decoded response
	if err := json.Unmarshal(body, &decoded); err != nil {
		if resp.StatusCode != http.StatusOK {
			return nil, &Error{Status: resp.StatusCode}
		}
		return nil, &Error{Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}

	if decoded.Code != CodeOK {
		code := decoded.Code
		if code == "" {
			code = strconv.Itoa(resp.StatusCode)
		}
		return nil, &Error{Code: code, Message: decoded.Message, Status: resp.StatusCode}
	}
	if len(decoded.Matchings) == 0 || decoded.Matchings[0].Geometry == nil {
		return nil, &Error{Code: "NoMatch", Message: "no matchings returned", Status: resp.StatusCode}
	}

	best := decoded.Matchings[0]
	line, ok := best.Geometry.Geometry().(orb.LineString)
	if !ok {
		return nil, &Error{
			Code:    "InvalidResponse",
			Message: fmt.Sprintf("matching geometry is %s, not LineString", best.Geometry.Type),
			Status:  resp.StatusCode,
		}
	}

	return &Match{Geometry: line, Confidence: best.Confidence}, nil
}

// requestURL builds {base}/matching/v5/{profile}/{lon,lat;...} with the
// per-point timestamps and radiuses as query parameters.
func (c *Client) requestURL(points []Point) (string, error) {
	coords := make([]string, len(points))
	stamps := make([]string, len(points))
	radii := make([]string, len(points))
	for i, p := range points {
		coords[i] = formatFloat(p.Lon) + "," + formatFloat(p.Lat)
		stamps[i] = strconv.FormatInt(p.Timestamp, 10)
		radii[i] = formatFloat(p.Radius)
	}

	u, err := url.Parse(c.baseURL + "/matching/v5/" + c.profile + "/" + strings.Join(coords, ";"))
	if err != nil {
		return "", fmt.Errorf("build url: %w", err)
	}

	q := url.Values{}
	q.Set("access_token", c.token)
	q.Set("geometries", "geojson")
	q.Set("overview", "full")
	q.Set("timestamps", strings.Join(stamps, ";"))
	q.Set("radiuses", strings.Join(radii, ";"))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
