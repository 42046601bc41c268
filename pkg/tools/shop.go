package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/auxothq/shoprelay/pkg/realtime"
	"github.com/auxothq/shoprelay/pkg/shopify"
)

const (
	ProductToolName = "get_product_by_title"
	OrderToolName   = "get_order_by_name"
)

type productArgs struct {
	ProductTitle string `json:"product_title" jsonschema:"The title of the product to fetch."`
}

type orderArgs struct {
	OrderName string `json:"order_name" jsonschema:"The name of the order to fetch."`
}

var (
	productSchema = sync.OnceValues(func() (json.RawMessage, error) { return schemaFor[productArgs]() })
	orderSchema   = sync.OnceValues(func() (json.RawMessage, error) { return schemaFor[orderArgs]() })
)

func schemaFor[T any]() (json.RawMessage, error) {
	s, err := jsonschema.For[T](&jsonschema.ForOptions{})
	if err != nil {
		return nil, err
	}
	return json.Marshal(s)
}

// ShopTools returns the product and order lookup tools backed by provider.
//
// The handlers never fail. Anything other than a found record reports null
// to the model and logs the cause.
func ShopTools(provider shopify.Provider, logger *slog.Logger) ([]Tool, error) {
	pschema, err := productSchema()
	if err != nil {
		return nil, fmt.Errorf("building %s schema: %w", ProductToolName, err)
	}
	oschema, err := orderSchema()
	if err != nil {
		return nil, fmt.Errorf("building %s schema: %w", OrderToolName, err)
	}

	return []Tool{
		{
			Definition: realtime.ToolDefinition{
				Name:        ProductToolName,
				Description: "Fetches a product from Shopify by its title.",
				Parameters:  pschema,
			},
			Handler: lookup(logger.With("tool", ProductToolName), func(ctx context.Context, a productArgs) (*shopify.Product, error) {
				return provider.ProductByTitle(ctx, a.ProductTitle)
			}, func(a productArgs) string { return a.ProductTitle }),
		},
		{
			Definition: realtime.ToolDefinition{
				Name:        OrderToolName,
				Description: "Fetches an order from Shopify by its name.",
				Parameters:  oschema,
			},
			Handler: lookup(logger.With("tool", OrderToolName), func(ctx context.Context, a orderArgs) (*shopify.Order, error) {
				return provider.OrderByName(ctx, a.OrderName)
			}, func(a orderArgs) string { return a.OrderName }),
		},
	}, nil
}

// lookup adapts a typed provider call into a ToolHandler that yields the
// record or nil.
func lookup[A any, R any](logger *slog.Logger, fetch func(context.Context, A) (*R, error), key func(A) string) realtime.ToolHandler {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args A
		if err := json.Unmarshal(raw, &args); err != nil {
			logger.Warn("invalid tool arguments", "error", err)
			return nil, nil
		}
		k := strings.TrimSpace(key(args))
		if k == "" {
			logger.Warn("tool called without a lookup key")
			return nil, nil
		}
		rec, err := fetch(ctx, args)
		if err != nil {
			logger.Warn("lookup failed", "key", k, "error", err)
			return nil, nil
		}
		if rec == nil {
			logger.Debug("lookup matched nothing", "key", k)
			return nil, nil
		}
		return rec, nil
	}
}

// RegisterShopTools adds the shop lookup tools to r.
func RegisterShopTools(r *Registry, provider shopify.Provider, logger *slog.Logger) error {
	ts, err := ShopTools(provider, logger)
	if err != nil {
		return err
	}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
