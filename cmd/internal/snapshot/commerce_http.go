package snapshot

import (
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

	"helpdesk/cmd/internal/conversation"
)

const maxCommerceBody = 1 << 20

// HTTPCommerce reads customer context from the commerce backend's internal JSON API:
//
//	GET {base}/customers/{id}/cart            -> {"items": [CartItem]}
//	GET {base}/customers/{id}/orders?limit=N  -> {"orders": [Order]}
//	GET {base}/customers/{id}/wishlist        -> {"items": [WishItem]}
type HTTPCommerce struct {
	base   *url.URL
	client *http.Client
	token  string
}

// NewHTTPCommerce constructs a client. serviceToken, when set, is sent as a bearer token.
func NewHTTPCommerce(baseURL, serviceToken string, timeout time.Duration) (*HTTPCommerce, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("snapshot: invalid commerce url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("snapshot: commerce url must be http(s)")
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPCommerce{
		base:   u,
		client: &http.Client{Timeout: timeout},
		token:  strings.TrimSpace(serviceToken),
	}, nil
}

func (c *HTTPCommerce) Cart(ctx context.Context, customerID string) ([]conversation.CartItem, error) {
	var out struct {
		Items []conversation.CartItem `json:"items"`
	}
	if err := c.get(ctx, customerID, "cart", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *HTTPCommerce) RecentOrders(ctx context.Context, customerID string, limit int) ([]Order, error) {
	var out struct {
		Orders []Order `json:"orders"`
	}
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if err := c.get(ctx, customerID, "orders", q, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

func (c *HTTPCommerce) Wishlist(ctx context.Context, customerID string) ([]conversation.WishItem, error) {
	var out struct {
		Items []conversation.WishItem `json:"items"`
	}
	if err := c.get(ctx, customerID, "wishlist", nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *HTTPCommerce) get(ctx context.Context, customerID, resource string, q url.Values, dst any) error {
	u := *c.base
	u.Path = u.Path + "/customers/" + url.PathEscape(customerID) + "/" + resource
	if len(q) > 0 {
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		// Unknown customer on the commerce side: empty context.
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxCommerceBody))
		return fmt.Errorf("commerce %s: status %d", resource, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCommerceBody)).Decode(dst); err != nil {
		return fmt.Errorf("commerce %s: decode: %w", resource, err)
	}
	return nil
}
