package memory

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/platinummonkey/renewal/pkg/billing"
)

// CatalogFile is the on-disk form of a seeded catalog
type CatalogFile struct {
	Products []ProductEntry `yaml:"products"`
	Orders   []OrderEntry   `yaml:"orders"`
}

// ProductEntry is one subscription product
type ProductEntry struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Period    string `yaml:"period"`
	Interval  int    `yaml:"interval"`
	TrialDays int    `yaml:"trial_days"`
	PassFee   *bool  `yaml:"pass_fee"`
	Price     string `yaml:"price"`
	Currency  string `yaml:"currency"`
}

// OrderEntry is one order awaiting subscription creation
type OrderEntry struct {
	ID           string `yaml:"id"`
	Subscription bool   `yaml:"subscription"`
	Processed    bool   `yaml:"processed"`
}

// LoadCatalogFile builds a catalog from a YAML file of products and orders
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog file: %w", err)
	}
	defer f.Close()

	var file CatalogFile
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse catalog file %s: %w", path, err)
	}

	c := NewCatalog()
	if err := c.Seed(file); err != nil {
		return nil, fmt.Errorf("catalog file %s: %w", path, err)
	}
	return c, nil
}

// Seed validates and adds every product and order in file
func (c *Catalog) Seed(file CatalogFile) error {
	products := make([]billing.ProductConfig, 0, len(file.Products))
	for i, p := range file.Products {
		pc, err := p.toProductConfig()
		if err != nil {
			return fmt.Errorf("products[%d]: %w", i, err)
		}
		products = append(products, pc)
	}
	for i, o := range file.Orders {
		if o.ID == "" {
			return fmt.Errorf("orders[%d]: id is required", i)
		}
	}

	for _, p := range products {
		c.PutProduct(p)
	}
	for _, o := range file.Orders {
		c.PutOrder(Order{ID: o.ID, Subscription: o.Subscription, Processed: o.Processed})
	}
	return nil
}

func (p ProductEntry) toProductConfig() (billing.ProductConfig, error) {
	if p.ID == "" {
		return billing.ProductConfig{}, fmt.Errorf("id is required")
	}
	period, err := billing.ParsePeriod(p.Period)
	if err != nil {
		return billing.ProductConfig{}, err
	}
	if p.Interval < 1 {
		return billing.ProductConfig{}, fmt.Errorf("product %s: interval must be at least 1", p.ID)
	}
	if p.TrialDays < 0 {
		return billing.ProductConfig{}, fmt.Errorf("product %s: trial_days cannot be negative", p.ID)
	}
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return billing.ProductConfig{}, fmt.Errorf("product %s: invalid price %q", p.ID, p.Price)
	}
	if price.IsNegative() {
		return billing.ProductConfig{}, fmt.Errorf("product %s: price cannot be negative", p.ID)
	}
	currency := p.Currency
	if currency == "" {
		currency = "usd"
	}
	return billing.ProductConfig{
		ProductID: p.ID,
		Name:      p.Name,
		Period:    period,
		Interval:  p.Interval,
		TrialDays: p.TrialDays,
		PassFee:   p.PassFee,
		Price:     price,
		Currency:  currency,
	}, nil
}
