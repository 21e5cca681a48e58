package memory

import (
	"context"
	"sync"

	"github.com/platinummonkey/renewal/pkg/billing"
)

// Order is a catalog order as the billing service sees it
type Order struct {
	ID           string
	Subscription bool
	Processed    bool
}

// Catalog is an in-memory billing.Catalog
type Catalog struct {
	mu       sync.RWMutex
	products map[string]billing.ProductConfig
	orders   map[string]*Order
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{
		products: make(map[string]billing.ProductConfig),
		orders:   make(map[string]*Order),
	}
}

// PutProduct adds or replaces a product
func (c *Catalog) PutProduct(p billing.ProductConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ProductID] = p
}

// PutOrder adds or replaces an order
func (c *Catalog) PutOrder(o Order) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orders[o.ID] = &o
}

// ProductConfig returns the subscription setup of a product
func (c *Catalog) ProductConfig(ctx context.Context, productID string) (*billing.ProductConfig, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[productID]
	if !ok {
		return nil, billing.NotFoundf("memory.ProductConfig", "product %s not found", productID)
	}
	return &p, nil
}

// IsSubscriptionOrder reports whether the order bought a subscription product
func (c *Catalog) IsSubscriptionOrder(ctx context.Context, orderID string) (bool, error) {
	o, err := c.order(orderID)
	if err != nil {
		return false, err
	}
	return o.Subscription, nil
}

// IsProcessed reports whether the order already produced a subscription
func (c *Catalog) IsProcessed(ctx context.Context, orderID string) (bool, error) {
	o, err := c.order(orderID)
	if err != nil {
		return false, err
	}
	return o.Processed, nil
}

// MarkProcessed flags the order as done
func (c *Catalog) MarkProcessed(ctx context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[orderID]
	if !ok {
		return billing.NotFoundf("memory.MarkProcessed", "order %s not found", orderID)
	}
	o.Processed = true
	return nil
}

func (c *Catalog) order(orderID string) (Order, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	o, ok := c.orders[orderID]
	if !ok {
		return Order{}, billing.NotFoundf("memory.Order", "order %s not found", orderID)
	}
	return *o, nil
}
