package amber

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/anicoll/amber-price-integration/internal/pkg/model"
)

const (
	DefaultHost    = "https://backend.amber.com.au"
	DefaultOrigin  = "https://www.amber.com.au"
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 4 << 20
	// nemTime without an offset is market local time.
	nemLayout = "2006-01-02T15:04:05"
)

var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrInvalidLocation     = errors.New("invalid location")
	ErrMalformedResponse   = errors.New("malformed response")
)

// NEM is the fixed UTC+10 calendar the national electricity market trades in.
var NEM = time.FixedZone("NEM", 10*60*60)

var hundred = decimal.NewFromInt(100)

type client struct {
	httpClient *http.Client
	logger     *zap.Logger
	host       string
	origin     string
}

func New(host string, opts ...func(*client)) (*client, error) {
	if host == "" {
		host = DefaultHost
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported amber host scheme %q", u.Scheme)
	}
	c := &client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zap.L(),
		host:       strings.TrimRight(host, "/"),
		origin:     DefaultOrigin,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func WithOrigin(origin string) func(*client) {
	return func(c *client) {
		if origin != "" {
			c.origin = origin
		}
	}
}

func WithTimeout(timeout time.Duration) func(*client) {
	return func(c *client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

func WithHTTPClient(hc *http.Client) func(*client) {
	return func(c *client) {
		c.httpClient = hc
	}
}

func WithLogger(logger *zap.Logger) func(*client) {
	return func(c *client) {
		c.logger = logger
	}
}

type pricesResponse struct {
	PostCode        json.RawMessage `json:"postcode"`
	PriceData       []priceData     `json:"priceData"`
	FeedInPriceData []priceData     `json:"feedInPriceData"`
}

type priceData struct {
	Intervals []rawInterval `json:"intervals"`
}

type rawInterval struct {
	PerKwh     *decimal.Decimal `json:"perKwh"`
	Renewables *decimal.Decimal `json:"renewables"`
	NemTime    *string          `json:"nemTime"`
	Descriptor string           `json:"descriptor"`
}

// FetchPrices returns the intervals Amber publishes for the channel, in response
// order with duplicate market times collapsed onto the last occurrence.
func (c *client) FetchPrices(ctx context.Context, postcode string, ch model.Channel, lookbackHours int) ([]model.Interval, error) {
	logger := c.logger.With(zap.String("postcode", postcode), zap.String("channel", ch.String()))

	endpoint := fmt.Sprintf("%s/postcode/%s/prices?%s", c.host, url.PathEscape(postcode), url.Values{
		"past-hours": []string{strconv.Itoa(lookbackHours)},
	}.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	req.Header.Set("origin", c.origin)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Warn("amber request failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: postcode %s: status %d", ErrInvalidLocation, postcode, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrProviderUnavailable, err)
	}

	var payload pricesResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(payload.PostCode) == 0 || bytes.Equal(payload.PostCode, []byte("null")) {
		return nil, fmt.Errorf("%w: postcode %s not serviced", ErrInvalidLocation, postcode)
	}

	data := payload.PriceData
	if ch == model.ChannelFeedIn {
		data = payload.FeedInPriceData
	}
	if len(data) == 0 {
		logger.Debug("no price data in response")
		return []model.Interval{}, nil
	}

	intervals := make([]model.Interval, 0, len(data[0].Intervals))
	for i, raw := range data[0].Intervals {
		interval, err := raw.toInterval(ch)
		if err != nil {
			return nil, fmt.Errorf("%w: interval %d: %v", ErrMalformedResponse, i, err)
		}
		intervals = append(intervals, interval)
	}

	deduped := dedupe(intervals)
	if len(deduped) != len(intervals) {
		logger.Warn("duplicate market times in response", zap.Int("received", len(intervals)), zap.Int("kept", len(deduped)))
	}
	logger.Debug("received prices from amber", zap.Int("intervals", len(deduped)))
	return deduped, nil
}

func (r rawInterval) toInterval(ch model.Channel) (model.Interval, error) {
	if r.NemTime == nil {
		return model.Interval{}, errors.New("missing nemTime")
	}
	ts, err := ParseMarketTime(*r.NemTime)
	if err != nil {
		return model.Interval{}, err
	}
	if r.PerKwh == nil {
		return model.Interval{}, errors.New("missing perKwh")
	}
	if r.Renewables == nil {
		return model.Interval{}, errors.New("missing renewables")
	}
	if r.Renewables.IsNegative() || r.Renewables.GreaterThan(hundred) {
		return model.Interval{}, fmt.Errorf("renewables %s out of range", r.Renewables)
	}
	return model.Interval{
		Channel:    ch,
		MarketTime: ts,
		PerKwh:     *r.PerKwh,
		Renewables: *r.Renewables,
		Descriptor: r.Descriptor,
	}, nil
}

// ParseMarketTime parses a nemTime value. Values without an offset are read in NEM time.
func ParseMarketTime(v string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, v); err == nil {
		return ts, nil
	}
	ts, err := time.ParseInLocation(nemLayout, v, NEM)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid nemTime %q", v)
	}
	return ts, nil
}

// dedupe keeps the last interval for each market time, at the position of that last occurrence.
func dedupe(intervals []model.Interval) []model.Interval {
	last := make(map[int64]int, len(intervals))
	for i, iv := range intervals {
		last[iv.MarketTime.UnixNano()] = i
	}
	return lo.Filter(intervals, func(iv model.Interval, i int) bool {
		return last[iv.MarketTime.UnixNano()] == i
	})
}
