// Package restclient implements the HTTPContract of spec.md §6: the REST
// subset the realtime core depends on (server time, token issuance, and the
// history pagination the original implementation exposes alongside it).
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/relaywire/realtime-go/internal/auth"
	"github.com/relaywire/realtime-go/internal/protocol"
	"github.com/relaywire/realtime-go/internal/rterrors"
)

// Client is a thin REST client over the endpoints the core depends on.
// HTTPDoer lets callers substitute *http.Client, or an instrumented
// wrapper, without this package importing one concretely.
type Client struct {
	BaseURL string
	HTTP    HTTPDoer
	Key     *auth.APIKey
	Token   *auth.Handler
}

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// New constructs a Client. Exactly one of key/token should be non-nil.
func New(baseURL string, httpClient HTTPDoer, key *auth.APIKey, token *auth.Handler) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: baseURL, HTTP: httpClient, Key: key, Token: token}
}

func (c *Client) authorize(req *http.Request) error {
	switch {
	case c.Token != nil:
		tok, err := c.Token.Token()
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	case c.Key != nil:
		req.Header.Set("Authorization", c.Key.BasicAuthHeader())
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, authenticated bool) (*http.Response, error) {
	u := c.BaseURL + path
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.KindBadRequest, 0, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authenticated {
		if err := c.authorize(req); err != nil {
			return nil, err
		}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, rterrors.Wrap(rterrors.KindNetwork, 0, err)
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		var ei protocol.ErrorInfo
		msg := string(data)
		if json.Unmarshal(data, &ei) == nil && ei.Message != "" {
			msg = ei.Message
		}
		kind := rterrors.FromHTTPStatus(resp.StatusCode)
		e := rterrors.New(kind, ei.Code, msg)
		if kind == rterrors.KindRateLimited {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, perr := strconv.Atoi(ra); perr == nil {
					e.RetryAfter = secs
				}
			}
		}
		return nil, e
	}
	return resp, nil
}

// Time queries GET /time, returning the server's epoch-ms clock (spec.md
// §6: "array of one server epoch-ms integer").
func (c *Client) Time(ctx context.Context) (time.Time, error) {
	resp, err := c.do(ctx, http.MethodGet, "/time", nil, false)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()
	var times []int64
	if err := json.NewDecoder(resp.Body).Decode(&times); err != nil {
		return time.Time{}, rterrors.Wrap(rterrors.KindDecode, 0, err)
	}
	if len(times) != 1 {
		return time.Time{}, rterrors.New(rterrors.KindDecode, 0, "expected exactly one element from GET /time")
	}
	return time.UnixMilli(times[0]), nil
}

// RequestToken issues a signed TokenRequest against
// POST /keys/<keyName>/requestToken (spec.md §6).
func (c *Client) RequestToken(ctx context.Context, key auth.APIKey, ttl time.Duration, capability, clientID string) (auth.TokenDetails, error) {
	req, err := auth.BuildTokenRequest(key, ttl, capability, clientID, time.Now())
	if err != nil {
		return auth.TokenDetails{}, err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return auth.TokenDetails{}, rterrors.Wrap(rterrors.KindBadRequest, 0, err)
	}
	path := fmt.Sprintf("/keys/%s/requestToken", url.PathEscape(key.KeyName()))
	resp, err := c.do(ctx, http.MethodPost, path, body, false)
	if err != nil {
		return auth.TokenDetails{}, err
	}
	defer resp.Body.Close()
	var td auth.TokenDetails
	if err := json.NewDecoder(resp.Body).Decode(&td); err != nil {
		return auth.TokenDetails{}, rterrors.Wrap(rterrors.KindDecode, 0, err)
	}
	return td, nil
}

// HistoryPage is one page of a channel history query, supplementing the
// distilled spec with the history endpoint original_source/ably-core
// exposes alongside realtime delivery (spec.md §1: "REST surface ...
// specified only through the contracts the core depends on").
type HistoryPage struct {
	Messages    []protocol.Message `json:"messages"`
	NextPageURL string             `json:"-"`
}

// History queries GET /channels/<name>/messages, optionally following a
// continuation returned from a prior page via nextPageURL.
func (c *Client) History(ctx context.Context, channel string, limit int, nextPageURL string) (HistoryPage, error) {
	path := nextPageURL
	if path == "" {
		q := url.Values{}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		path = fmt.Sprintf("/channels/%s/messages?%s", url.PathEscape(channel), q.Encode())
	}
	resp, err := c.do(ctx, http.MethodGet, path, nil, true)
	if err != nil {
		return HistoryPage{}, err
	}
	defer resp.Body.Close()
	var page HistoryPage
	if err := json.NewDecoder(resp.Body).Decode(&page.Messages); err != nil {
		return HistoryPage{}, rterrors.Wrap(rterrors.KindDecode, 0, err)
	}
	page.NextPageURL = parseLinkNext(resp.Header.Get("Link"))
	return page, nil
}

// parseLinkNext extracts the rel="next" URL from a Link header, the
// pagination mechanism the REST surface uses for history/stats pages.
func parseLinkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		u, rest, ok := strings.Cut(part, ";")
		if !ok {
			continue
		}
		u = strings.Trim(strings.TrimSpace(u), "<>")
		if strings.Contains(rest, `rel="next"`) {
			return u
		}
	}
	return ""
}
