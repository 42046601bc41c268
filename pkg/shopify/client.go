// Package shopify is the lookup provider behind the relay's tools: single
// record queries against the Shopify Admin GraphQL API.
//
// Every failure is logged here and returned as a *ProviderError. Callers that
// must never fail (the tool handlers) turn that into a nil record.
package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultAPIVersion is the Admin API version queried.
const DefaultAPIVersion = "2024-07"

const productByTitleQuery = `
query GetProductByTitle($query: String!) {
  products(first: 1, query: $query) {
    edges {
      node {
        id
        title
        handle
        description
        vendor
        productType
        featuredMedia {
          ... on MediaImage {
            image { url }
          }
        }
      }
    }
  }
}`

const orderByNameQuery = `
query GetOrderByName($query: String!) {
  orders(first: 1, query: $query) {
    edges {
      node {
        id
        name
        email
        createdAt
        displayFinancialStatus
        displayFulfillmentStatus
        totalPriceSet { shopMoney { amount currencyCode } }
        customer { email firstName lastName }
        shippingAddress { zip city country }
        lineItems(first: 25) { edges { node { title quantity } } }
      }
    }
  }
}`

// Config holds the store credentials.
type Config struct {
	Shop        string // store subdomain, "<shop>.myshopify.com"
	AccessToken string // Admin API access token
	APIVersion  string // defaults to DefaultAPIVersion
	Endpoint    string // full GraphQL URL; overrides Shop/APIVersion (tests)
	Timeout     time.Duration
}

// Client queries the Admin GraphQL API.
type Client struct {
	endpoint   string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client from store credentials.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	version := cfg.APIVersion
	if version == "" {
		version = DefaultAPIVersion
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.myshopify.com/admin/api/%s/graphql.json", cfg.Shop, version)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		endpoint:   endpoint,
		token:      cfg.AccessToken,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

var _ Provider = (*Client)(nil)

// ProductByTitle returns the first product matching title, or nil.
func (c *Client) ProductByTitle(ctx context.Context, title string) (*Product, error) {
	var data struct {
		Products struct {
			Edges []struct {
				Node Product `json:"node"`
			} `json:"edges"`
		} `json:"products"`
	}
	if err := c.query(ctx, "product_by_title", productByTitleQuery, "title:"+title, &data); err != nil {
		c.logger.Warn("error fetching product", "title", title, "error", err)
		return nil, err
	}
	if len(data.Products.Edges) == 0 {
		return nil, nil
	}
	p := data.Products.Edges[0].Node
	if p.FeaturedMedia != nil && p.FeaturedMedia.Image == nil {
		p.FeaturedMedia = nil
	}
	return &p, nil
}

// OrderByName returns the first order matching name (e.g. "#1001"), or nil.
func (c *Client) OrderByName(ctx context.Context, name string) (*Order, error) {
	var data struct {
		Orders struct {
			Edges []struct {
				Node Order `json:"node"`
			} `json:"edges"`
		} `json:"orders"`
	}
	if err := c.query(ctx, "order_by_name", orderByNameQuery, "name:"+name, &data); err != nil {
		c.logger.Warn("error fetching order", "name", name, "error", err)
		return nil, err
	}
	if len(data.Orders.Edges) == 0 {
		return nil, nil
	}
	o := data.Orders.Edges[0].Node
	return &o, nil
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// query runs one GraphQL request with a single $query search variable and
// decodes the data object into out.
func (c *Client) query(ctx context.Context, op, query, search string, out any) error {
	body, err := json.Marshal(graphQLRequest{
		Query:     query,
		Variables: map[string]any{"query": search},
	})
	if err != nil {
		return &ProviderError{Op: op, Err: fmt.Errorf("encoding request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return &ProviderError{Op: op, Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Shopify-Access-Token", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.StatusCode != http.StatusOK {
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(raw)))}
	}

	var gr graphQLResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(gr.Errors) > 0 {
		msgs := make([]string, 0, len(gr.Errors))
		for _, e := range gr.Errors {
			msgs = append(msgs, e.Message)
		}
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))}
	}
	if len(gr.Data) == 0 || string(gr.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return &ProviderError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding data: %w", err)}
	}
	return nil
}

// ProviderError is any failure talking to the store.
type ProviderError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("shopify %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("shopify %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
