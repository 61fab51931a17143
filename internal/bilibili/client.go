// Package bilibili is the transport client for the BWS online-park
// reservation API. It owns the wire format only; retry policy lives in the
// classifier and pool.
package bilibili

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

	"github.com/sirupsen/logrus"

	"github.com/example/bws-scheduler/internal/classify"
)

const (
	defaultBaseURL = "https://api.bilibili.com/x/activity/bws/online/park/reserve"
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/540.36 (KHTML, like Gecko)"
)

type Client struct {
	hc      *http.Client
	baseURL string
	cookies string
	csrf    string
	log     *logrus.Entry
}

// New builds a client from a raw browser cookie string. The bili_jct cookie
// doubles as the CSRF token and is mandatory.
func New(cookieString string, timeout time.Duration, log *logrus.Entry) (*Client, error) {
	cookies := ParseCookieString(cookieString)
	csrf, ok := cookies["bili_jct"]
	if !ok || csrf == "" {
		return nil, fmt.Errorf("cookie string is missing the required bili_jct field")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Client{
		hc:      &http.Client{Timeout: timeout},
		baseURL: defaultBaseURL,
		cookies: strings.TrimSpace(cookieString),
		csrf:    csrf,
		log:     log,
	}, nil
}

// ParseCookieString splits a "k=v; k2=v2" browser cookie header into a map.
func ParseCookieString(s string) map[string]string {
	out := map[string]string{}
	for _, item := range strings.Split(s, ";") {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

type apiResponse struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// Submit fires one reservation attempt. It satisfies the pool's transport
// contract: requests that never produce a server response come back as
// classify.CodeNetworkError with the error text, never as a Go error.
func (c *Client) Submit(ctx context.Context, entitlementToken string, slotID int64) (int, string) {
	form := url.Values{
		"ticket_no":        {entitlementToken},
		"csrf":             {c.csrf},
		"inter_reserve_id": {strconv.FormatInt(slotID, 10)},
	}
	status, body, err := c.do(ctx, http.MethodPost, c.baseURL+"/do", form)
	if err != nil {
		return classify.CodeNetworkError, fmt.Sprintf("network request failed: %v", err)
	}
	if status >= 400 {
		return classify.CodeNetworkError, fmt.Sprintf("http status %d", status)
	}
	var r apiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return classify.CodeNetworkError, fmt.Sprintf("bad response body: %v", err)
	}
	return r.Code, r.Message
}

// ReservationInfo fetches the account's ticket and activity catalog for the
// given days (comma-separated YYYYMMDD).
func (c *Client) ReservationInfo(ctx context.Context, reserveDates string) (*Catalog, error) {
	q := url.Values{
		"csrf":         {c.csrf},
		"reserve_date": {reserveDates},
	}
	status, body, err := c.do(ctx, http.MethodGet, c.baseURL+"/info?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("info request failed (status=%d)", status)
	}
	var r struct {
		Code    int      `json:"code"`
		Message string   `json:"message"`
		Data    infoData `json:"data"`
	}
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	if r.Code != 0 {
		return nil, fmt.Errorf("info request rejected: %s (code=%d)", r.Message, r.Code)
	}
	return buildCatalog(r.Data), nil
}

// ValidateCookie reports whether the cached cookie still authenticates.
func (c *Client) ValidateCookie(ctx context.Context) bool {
	_, err := c.ReservationInfo(ctx, "")
	return err == nil
}

func (c *Client) do(ctx context.Context, method, rawURL string, form url.Values) (int, []byte, error) {
	var bodyReader io.Reader
	if form != nil {
		bodyReader = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, bodyReader)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Cookie", c.cookies)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return res.StatusCode, nil, err
	}
	return res.StatusCode, b, nil
}
