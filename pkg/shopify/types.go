package shopify

import "context"

// Provider looks up single catalog and order records.
// A nil record with a nil error means nothing matched.
type Provider interface {
	ProductByTitle(ctx context.Context, title string) (*Product, error)
	OrderByName(ctx context.Context, name string) (*Order, error)
}

// Product is the subset of the Admin API Product object the tools expose.
// Field names mirror the GraphQL shape so the browser can render it as-is.
type Product struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Handle        string         `json:"handle,omitempty"`
	Description   string         `json:"description"`
	Vendor        string         `json:"vendor"`
	ProductType   string         `json:"productType"`
	FeaturedMedia *FeaturedMedia `json:"featuredMedia,omitempty"`
}

// FeaturedMedia is populated only when the featured media is an image.
type FeaturedMedia struct {
	Image *Image `json:"image,omitempty"`
}

type Image struct {
	URL string `json:"url"`
}

// Order is the subset of the Admin API Order object the tools expose.
type Order struct {
	ID                       string           `json:"id"`
	Name                     string           `json:"name"`
	Email                    string           `json:"email,omitempty"`
	CreatedAt                string           `json:"createdAt,omitempty"`
	DisplayFinancialStatus   string           `json:"displayFinancialStatus,omitempty"`
	DisplayFulfillmentStatus string           `json:"displayFulfillmentStatus,omitempty"`
	TotalPriceSet            *MoneyBag        `json:"totalPriceSet,omitempty"`
	Customer                 *Customer        `json:"customer,omitempty"`
	ShippingAddress          *Address         `json:"shippingAddress,omitempty"`
	LineItems                *LineItemConnect `json:"lineItems,omitempty"`
}

type MoneyBag struct {
	ShopMoney Money `json:"shopMoney"`
}

type Money struct {
	Amount       string `json:"amount"`
	CurrencyCode string `json:"currencyCode"`
}

type Customer struct {
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

type Address struct {
	Zip     string `json:"zip,omitempty"`
	City    string `json:"city,omitempty"`
	Country string `json:"country,omitempty"`
}

type LineItemConnect struct {
	Edges []LineItemEdge `json:"edges"`
}

type LineItemEdge struct {
	Node LineItem `json:"node"`
}

type LineItem struct {
	Title    string `json:"title"`
	Quantity int    `json:"quantity"`
}
