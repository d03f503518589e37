package reference

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

	"arb-signal-engine/internal/payload"
	"arb-signal-engine/internal/state"

	"go.uber.org/zap"
)

// Query keys of the futures lookup and the contract type each resolves to.
var futuresKeys = []struct {
	query string
	key   string
	typ   state.InstrumentType
}{
	{query: "VNC1 Index", key: "vnc1", typ: state.TypeFront},
	{query: "VNC2 Index", key: "vnc2", typ: state.TypeBack},
}

var lookupFields = []string{"LAST_TRADEABLE_DT", "FUT_ACT_DAYS_EXP", "PX_BID", "PX_ASK"}

// LookupClient queries the market data gateway for the two index futures.
type LookupClient struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewLookupClient(baseURL string, timeout time.Duration, log *zap.Logger) *LookupClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &LookupClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

// Futures returns the front and back month contracts, front first.
func (c *LookupClient) Futures(ctx context.Context) ([]state.FuturesQuote, error) {
	params := url.Values{}
	for _, k := range futuresKeys {
		params.Add("tickers", k.query)
	}
	for _, f := range lookupFields {
		params.Add("fields", f)
	}
	data, err := c.get(ctx, "/getField", params)
	if err != nil {
		return nil, fmt.Errorf("futures lookup: %w", err)
	}
	quotes, err := parseFutures(data)
	if err != nil {
		return nil, fmt.Errorf("futures lookup: %w", err)
	}
	for _, q := range quotes {
		c.log.Info("futures contract resolved",
			zap.String("type", string(q.Type)),
			zap.String("ticker", q.Ticker),
			zap.Int("time_to_maturity", q.TimeToMaturity),
			zap.Float64("bid", q.Bid),
			zap.Float64("ask", q.Ask),
		)
	}
	return quotes, nil
}

func (c *LookupClient) get(ctx context.Context, path string, params url.Values) (any, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var data any
	if err := dec.Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func parseFutures(data any) ([]state.FuturesQuote, error) {
	items, ok := payload.Slice(data)
	if !ok {
		return nil, fmt.Errorf("expected array payload, got %T", data)
	}
	byKey := make(map[string]state.FuturesQuote, len(items))
	for _, item := range items {
		row, ok := payload.Map(item)
		if !ok {
			continue
		}
		key := strings.ToLower(firstWord(payload.String(row, "ticker")))
		if key == "" {
			continue
		}
		expiry, err := parseDate(row["LAST_TRADEABLE_DT"])
		if err != nil {
			return nil, fmt.Errorf("%s: last tradeable date: %w", key, err)
		}
		byKey[key] = state.FuturesQuote{
			Ticker:         ContractTicker(expiry),
			TimeToMaturity: payload.Int(row["FUT_ACT_DAYS_EXP"], 0),
			Bid:            payload.Float(row, "PX_BID"),
			Ask:            payload.Float(row, "PX_ASK"),
		}
	}
	out := make([]state.FuturesQuote, 0, len(futuresKeys))
	for _, k := range futuresKeys {
		q, ok := byKey[k.key]
		if !ok {
			return nil, fmt.Errorf("missing %s row", k.query)
		}
		q.Type = k.typ
		out = append(out, q)
	}
	if len(byKey) != len(futuresKeys) {
		return nil, fmt.Errorf("expected %d rows, got %d", len(futuresKeys), len(byKey))
	}
	return out, nil
}

// ContractTicker formats VN30F<yy><mm> for a contract expiring at t.
func ContractTicker(t time.Time) string {
	return fmt.Sprintf("VN30F%02d%02d", t.Year()%100, int(t.Month()))
}

var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"01/02/2006",
	"20060102",
}

// parseDate accepts the textual layouts the gateway emits as well as epoch
// milliseconds.
func parseDate(v any) (time.Time, error) {
	if s := payload.StringOf(v); s != "" {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		if _, err := strconv.ParseFloat(s, 64); err != nil {
			return time.Time{}, fmt.Errorf("unrecognized date %q", s)
		}
	}
	if ms, ok := payload.FloatOf(v); ok && ms > 0 {
		return time.UnixMilli(int64(ms)).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized date %v", v)
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
