package gocoin

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// VIPBonusPercent is the coin bonus granted on top of a VIP package's base coins
const VIPBonusPercent = 15

// CoinPackage is a one-time coin pack
type CoinPackage struct {
	ID       string
	Name     string
	Coins    int64
	Price    int64 // minor currency units
	Currency string
	Active   bool
}

// PlanPrice is the monthly price of a subscription plan
type PlanPrice struct {
	Plan            Plan
	Name            string
	MonthlyAmount   int64
	Currency        string
	Active          bool
	ProviderPriceID string // optional pre-created provider price
}

// VIPPackage is a recurring coin subscription
type VIPPackage struct {
	ID              string
	Name            string
	BaseCoins       int64
	MonthlyAmount   int64
	Currency        string
	Active          bool
	ProviderPriceID string
}

// OfferCode is a limited promotion that overrides a pack's price and coins
type OfferCode struct {
	Code      string
	PackageID string
	Coins     int64
	Price     int64
	Active    bool
	ExpiresAt *time.Time
}

// Quote is the priced outcome of a coin purchase request
type Quote struct {
	PackageID    string
	Name         string
	Price        int64
	Currency     string
	BaseCoins    int64
	BonusCoins   int64
	BonusPercent int
	Coins        int64
	OfferCode    string
}

// Metadata returns the coin purchase metadata for userID
func (q Quote) Metadata(userID string) *CoinMetadata {
	return &CoinMetadata{
		UserID:       userID,
		PackageID:    q.PackageID,
		Coins:        q.Coins,
		BaseCoins:    q.BaseCoins,
		BonusCoins:   q.BonusCoins,
		BonusPercent: q.BonusPercent,
		OfferCode:    q.OfferCode,
	}
}

// BonusCoins is floor(base * percent / 100)
func BonusCoins(base int64, percent int) int64 {
	if base <= 0 || percent <= 0 {
		return 0
	}
	return base * int64(percent) / 100
}

// Catalog holds everything a user can buy
type Catalog struct {
	Packages     map[string]CoinPackage
	Plans        map[Plan]PlanPrice
	VIPPackages  map[string]VIPPackage
	Offers       map[string]OfferCode
	BonusPercent int
}

// DefaultCatalog returns the standard price list
func DefaultCatalog() *Catalog {
	return &Catalog{
		Packages: map[string]CoinPackage{
			"coins_100":  {ID: "coins_100", Name: "100 Coins", Coins: 100, Price: 99, Currency: "usd", Active: true},
			"coins_700":  {ID: "coins_700", Name: "700 Coins", Coins: 700, Price: 499, Currency: "usd", Active: true},
			"coins_1500": {ID: "coins_1500", Name: "1500 Coins", Coins: 1500, Price: 999, Currency: "usd", Active: true},
			"coins_5000": {ID: "coins_5000", Name: "5000 Coins", Coins: 5000, Price: 2999, Currency: "usd", Active: true},
		},
		Plans: map[Plan]PlanPrice{
			PlanGold:     {Plan: PlanGold, Name: "Gold", MonthlyAmount: 999, Currency: "usd", Active: true},
			PlanPlatinum: {Plan: PlanPlatinum, Name: "Platinum", MonthlyAmount: 1999, Currency: "usd", Active: true},
		},
		VIPPackages: map[string]VIPPackage{
			"vip_700":  {ID: "vip_700", Name: "VIP 700", BaseCoins: 700, MonthlyAmount: 499, Currency: "usd", Active: true},
			"vip_1500": {ID: "vip_1500", Name: "VIP 1500", BaseCoins: 1500, MonthlyAmount: 999, Currency: "usd", Active: true},
		},
		Offers:       map[string]OfferCode{},
		BonusPercent: VIPBonusPercent,
	}
}

func (c *Catalog) bonusPercent() int {
	if c.BonusPercent <= 0 {
		return VIPBonusPercent
	}
	return c.BonusPercent
}

// Package returns an active coin package
func (c *Catalog) Package(id string) (CoinPackage, error) {
	pkg, ok := c.Packages[id]
	if !ok || !pkg.Active {
		return CoinPackage{}, fmt.Errorf("%w: %q", ErrPackageNotFound, id)
	}
	return pkg, nil
}

// Plan returns an active plan price
func (c *Catalog) Plan(plan Plan) (PlanPrice, error) {
	p, ok := c.Plans[plan]
	if !ok || !p.Active || plan == PlanFree {
		return PlanPrice{}, fmt.Errorf("%w: %q", ErrPlanNotFound, plan)
	}
	return p, nil
}

// VIPPackage returns an active VIP package
func (c *Catalog) VIPPackage(id string) (VIPPackage, error) {
	v, ok := c.VIPPackages[id]
	if !ok || !v.Active {
		return VIPPackage{}, fmt.Errorf("%w: vip %q", ErrPackageNotFound, id)
	}
	return v, nil
}

// ActivePackages lists active coin packages ordered by coins
func (c *Catalog) ActivePackages() []CoinPackage {
	out := make([]CoinPackage, 0, len(c.Packages))
	for _, p := range c.Packages {
		if p.Active {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Coins < out[j].Coins })
	return out
}

// QuoteCoins prices a coin pack. The VIP bonus applies when vip is true, unless an
// offer code is used: offers override price and coins and disable the bonus.
func (c *Catalog) QuoteCoins(packageID string, vip bool, offerCode string, now time.Time) (Quote, error) {
	pkg, err := c.Package(packageID)
	if err != nil {
		return Quote{}, err
	}

	q := Quote{
		PackageID: pkg.ID,
		Name:      pkg.Name,
		Price:     pkg.Price,
		Currency:  pkg.Currency,
		BaseCoins: pkg.Coins,
	}

	if code := strings.TrimSpace(offerCode); code != "" {
		offer, ok := c.Offers[strings.ToUpper(code)]
		if !ok || !offer.Active || offer.PackageID != pkg.ID {
			return Quote{}, fmt.Errorf("%w: %q", ErrInvalidOfferCode, code)
		}
		if offer.ExpiresAt != nil && !now.Before(*offer.ExpiresAt) {
			return Quote{}, fmt.Errorf("%w: %q expired", ErrInvalidOfferCode, code)
		}
		q.Price = offer.Price
		q.BaseCoins = offer.Coins
		q.Coins = offer.Coins
		q.OfferCode = offer.Code
		return q, nil
	}

	if vip {
		q.BonusPercent = c.bonusPercent()
		q.BonusCoins = BonusCoins(q.BaseCoins, q.BonusPercent)
	}
	q.Coins = q.BaseCoins + q.BonusCoins
	return q, nil
}

// QuoteVIP returns the monthly grant metadata for a VIP package
func (c *Catalog) QuoteVIP(userID, packageID string) (VIPPackage, *VIPMetadata, error) {
	v, err := c.VIPPackage(packageID)
	if err != nil {
		return VIPPackage{}, nil, err
	}
	pct := c.bonusPercent()
	bonus := BonusCoins(v.BaseCoins, pct)
	return v, &VIPMetadata{
		UserID:       userID,
		PackageID:    v.ID,
		MonthlyCoins: v.BaseCoins + bonus,
		BaseCoins:    v.BaseCoins,
		BonusCoins:   bonus,
		BonusPercent: pct,
	}, nil
}
