package strategy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"punch/internal/logger"
)

const defaultHTTPTimeout = 10 * time.Second

// HTTPProvider pulls signals from an external strategy service. The service
// answers GET <base>?symbols=a,b&timeframe=1h with a JSON array of signals;
// individual malformed entries are skipped, not fatal.
type HTTPProvider struct {
	base   string
	client *http.Client
}

func NewHTTPProvider(base string, timeout time.Duration) (*HTTPProvider, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return nil, fmt.Errorf("signal provider requires a url")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("signal provider url: %w", err)
	}
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPProvider{
		base:   base,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (p *HTTPProvider) Signals(ctx context.Context, symbols []string, timeframe string) ([]Signal, error) {
	u, err := url.Parse(p.base)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("symbols", strings.Join(symbols, ","))
	q.Set("timeframe", timeframe)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signal fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("signal fetch: status=%d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("signal fetch: read body: %w", err)
	}
	return parseSignalList(body)
}

func parseSignalList(body []byte) ([]Signal, error) {
	doc := gjson.ParseBytes(body)
	list := doc
	// Accept either a bare array or {"signals": [...]}.
	if doc.IsObject() {
		list = doc.Get("signals")
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("signal payload is not a list")
	}
	var out []Signal
	for _, item := range list.Array() {
		sig, err := ParseSignalJSON([]byte(item.Raw))
		if err != nil {
			logger.Warnf("skipping malformed signal: %v", err)
			continue
		}
		out = append(out, sig)
	}
	return out, nil
}
