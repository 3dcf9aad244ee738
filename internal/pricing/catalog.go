// Package pricing provides PricingProvider implementations: a YAML catalog
// for development and an HTTP client for a remote pricing service.
package pricing

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/loggingutil"
)

// CatalogFile is the on-disk catalog layout.
type CatalogFile struct {
	Currency       string            `yaml:"currency"`
	ProcessingRate float64           `yaml:"processing_rate"`
	Bundles        []checkout.Bundle `yaml:"bundles"`
}

// ParseCatalog decodes and validates a catalog document.
func ParseCatalog(data []byte) (CatalogFile, error) {
	var cat CatalogFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cat); err != nil {
		return CatalogFile{}, fmt.Errorf("pricing: parse catalog: %w", err)
	}
	cat.Currency = strings.ToUpper(strings.TrimSpace(cat.Currency))
	if cat.Currency == "" {
		cat.Currency = "USD"
	}
	if cat.ProcessingRate < 0 || cat.ProcessingRate >= 1 {
		return CatalogFile{}, fmt.Errorf("pricing: processing_rate must be in [0,1)")
	}
	seen := make(map[string]struct{}, len(cat.Bundles))
	for i := range cat.Bundles {
		b := &cat.Bundles[i]
		b.ID = strings.TrimSpace(b.ID)
		b.CountryID = strings.ToUpper(strings.TrimSpace(b.CountryID))
		b.RegionID = strings.TrimSpace(b.RegionID)
		switch {
		case b.ID == "":
			return CatalogFile{}, fmt.Errorf("pricing: bundle %d has no id", i)
		case b.CountryID == "" && b.RegionID == "":
			return CatalogFile{}, fmt.Errorf("pricing: bundle %s needs a country or region", b.ID)
		case b.Days < 1:
			return CatalogFile{}, fmt.Errorf("pricing: bundle %s has invalid days %d", b.ID, b.Days)
		case b.Price <= 0:
			return CatalogFile{}, fmt.Errorf("pricing: bundle %s has invalid price", b.ID)
		}
		if _, dup := seen[b.ID]; dup {
			return CatalogFile{}, fmt.Errorf("pricing: duplicate bundle id %s", b.ID)
		}
		seen[b.ID] = struct{}{}
		if b.Currency == "" {
			b.Currency = cat.Currency
		}
	}
	return cat, nil
}

// Catalog prices bundles from a static list. It selects the shortest bundle
// that covers the requested days, cheapest first, and returns the listed
// price; it evaluates no discount rules.
type Catalog struct {
	current atomic.Pointer[CatalogFile]
}

// NewCatalog returns a provider over cat.
func NewCatalog(cat CatalogFile) *Catalog {
	c := &Catalog{}
	c.current.Store(&cat)
	return c
}

var _ checkout.PricingProvider = (*Catalog)(nil)

// Replace swaps the catalog atomically.
func (c *Catalog) Replace(cat CatalogFile) {
	c.current.Store(&cat)
}

// Bundles returns a copy of the active bundle list.
func (c *Catalog) Bundles() []checkout.Bundle {
	return append([]checkout.Bundle(nil), c.current.Load().Bundles...)
}

// PriceBundle implements checkout.PricingProvider.
func (c *Catalog) PriceBundle(_ context.Context, criteria checkout.Criteria) (checkout.Pricing, error) {
	cat := c.current.Load()
	country := strings.ToUpper(strings.TrimSpace(criteria.CountryID))
	region := strings.TrimSpace(criteria.RegionID)
	group := strings.TrimSpace(criteria.Group)
	var matches []checkout.Bundle
	for _, b := range cat.Bundles {
		if country != "" && b.CountryID != country {
			continue
		}
		if region != "" && !strings.EqualFold(b.RegionID, region) {
			continue
		}
		if group != "" && !strings.EqualFold(b.Group, group) {
			continue
		}
		if b.Days < criteria.NumOfDays {
			continue
		}
		matches = append(matches, b)
	}
	if len(matches) == 0 {
		return checkout.Pricing{}, checkout.ErrNoBundlesAvailable.WithDetail(describe(criteria))
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Days != matches[j].Days {
			return matches[i].Days < matches[j].Days
		}
		return matches[i].Price < matches[j].Price
	})
	return priceOf(matches[0], cat.ProcessingRate), nil
}

func priceOf(b checkout.Bundle, processingRate float64) checkout.Pricing {
	processing := round2(b.Price * processingRate)
	markup := 0.0
	if b.Cost > 0 {
		markup = round2(b.Price - b.Cost)
	}
	return checkout.Pricing{
		Cost:           b.Cost,
		FinalPrice:     b.Price,
		Markup:         markup,
		DiscountRate:   0,
		ProcessingCost: processing,
		NetProfit:      round2(b.Price - b.Cost - processing),
		Currency:       b.Currency,
		SelectedBundle: b,
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func describe(c checkout.Criteria) string {
	where := c.CountryID
	if where == "" {
		where = "region " + c.RegionID
	}
	return fmt.Sprintf("no bundle covers %d days in %s", c.NumOfDays, where)
}

// LoadCatalogFile reads and parses path.
func LoadCatalogFile(path string) (CatalogFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CatalogFile{}, fmt.Errorf("pricing: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Watcher reloads a catalog file whenever it changes on disk. A file that
// fails to parse leaves the previous catalog active.
type Watcher struct {
	catalog *Catalog
	path    string
	watcher *fsnotify.Watcher
	logger  pslog.Logger
	reloads chan struct{}
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

// WatchCatalog loads path into a Catalog and keeps it current. The parent
// directory is watched so editors that replace the file are handled.
func WatchCatalog(path string, logger pslog.Logger) (*Catalog, *Watcher, error) {
	cat, err := LoadCatalogFile(path)
	if err != nil {
		return nil, nil, err
	}
	catalog := NewCatalog(cat)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("pricing: create catalog watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fsw.Close()
		return nil, nil, fmt.Errorf("pricing: resolve catalog path: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, nil, fmt.Errorf("pricing: watch catalog directory: %w", err)
	}
	w := &Watcher{
		catalog: catalog,
		path:    abs,
		watcher: fsw,
		logger:  loggingutil.WithSubsystem(logger, "pricing.catalog"),
		reloads: make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return catalog, w, nil
}

// Reloaded signals after each successful reload.
func (w *Watcher) Reloaded() <-chan struct{} {
	return w.reloads
}

// Close stops watching.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stop)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pricing.catalog.watch_error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cat, err := LoadCatalogFile(w.path)
	if err != nil {
		w.logger.Warn("pricing.catalog.reload_failed", "path", w.path, "error", err)
		return
	}
	w.catalog.Replace(cat)
	w.logger.Info("pricing.catalog.reloaded", "path", w.path, "bundles", len(cat.Bundles))
	select {
	case w.reloads <- struct{}{}:
	default:
	}
}
