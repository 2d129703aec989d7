package gocoin

import (
	"fmt"
	"strconv"
)

// Mode is the purchase mode carried in checkout metadata
type Mode string

const (
	ModeCoins               Mode = "coins"
	ModeSubscription        Mode = "subscription"
	ModeVIPCoinSubscription Mode = "vip_coin_subscription"
)

// Metadata keys shared by payment records and provider sessions
const (
	MetaMode         = "mode"
	MetaUserID       = "userId"
	MetaPackageID    = "packageId"
	MetaCoins        = "coins"
	MetaBaseCoins    = "baseCoins"
	MetaBonusCoins   = "bonusCoins"
	MetaBonusPercent = "bonusPercent"
	MetaOfferCode    = "offerCode"
	MetaPlan         = "plan"
	MetaMonthlyCoins = "monthlyCoins"
	MetaCycleKey     = "cycleKey"
	MetaKind         = "kind"
)

// Metadata is the business payload of a purchase. It is one of
// *CoinMetadata, *SubscriptionMetadata or *VIPMetadata.
type Metadata interface {
	Mode() Mode
	Owner() string
	encode(m map[string]string)
}

// CoinMetadata describes a one-time coin pack purchase
type CoinMetadata struct {
	UserID       string
	PackageID    string
	Coins        int64
	BaseCoins    int64
	BonusCoins   int64
	BonusPercent int
	OfferCode    string
}

// SubscriptionMetadata describes a plan subscription purchase
type SubscriptionMetadata struct {
	UserID string
	Plan   Plan
}

// VIPMetadata describes a VIP coin subscription purchase
type VIPMetadata struct {
	UserID       string
	PackageID    string
	MonthlyCoins int64
	BaseCoins    int64
	BonusCoins   int64
	BonusPercent int
}

func (m *CoinMetadata) Mode() Mode         { return ModeCoins }
func (m *SubscriptionMetadata) Mode() Mode { return ModeSubscription }
func (m *VIPMetadata) Mode() Mode          { return ModeVIPCoinSubscription }

func (m *CoinMetadata) Owner() string         { return m.UserID }
func (m *SubscriptionMetadata) Owner() string { return m.UserID }
func (m *VIPMetadata) Owner() string          { return m.UserID }

func (m *CoinMetadata) encode(out map[string]string) {
	out[MetaPackageID] = m.PackageID
	out[MetaCoins] = strconv.FormatInt(m.Coins, 10)
	out[MetaBaseCoins] = strconv.FormatInt(m.BaseCoins, 10)
	out[MetaBonusCoins] = strconv.FormatInt(m.BonusCoins, 10)
	out[MetaBonusPercent] = strconv.Itoa(m.BonusPercent)
	if m.OfferCode != "" {
		out[MetaOfferCode] = m.OfferCode
	}
}

func (m *SubscriptionMetadata) encode(out map[string]string) {
	out[MetaPlan] = string(m.Plan)
}

func (m *VIPMetadata) encode(out map[string]string) {
	out[MetaPackageID] = m.PackageID
	out[MetaMonthlyCoins] = strconv.FormatInt(m.MonthlyCoins, 10)
	out[MetaBaseCoins] = strconv.FormatInt(m.BaseCoins, 10)
	out[MetaBonusCoins] = strconv.FormatInt(m.BonusCoins, 10)
	out[MetaBonusPercent] = strconv.Itoa(m.BonusPercent)
}

// EncodeMetadata flattens metadata into the string map providers accept
func EncodeMetadata(md Metadata) map[string]string {
	out := map[string]string{
		MetaMode:   string(md.Mode()),
		MetaUserID: md.Owner(),
	}
	md.encode(out)
	return out
}

// DecodeMetadata parses a flat map back into typed metadata.
// Incomplete maps return ErrInvalidMetadata so callers can fall back to the stored record.
func DecodeMetadata(in map[string]string) (Metadata, error) {
	if len(in) == 0 {
		return nil, fmt.Errorf("%w: empty", ErrInvalidMetadata)
	}
	userID := in[MetaUserID]
	if userID == "" {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidMetadata, MetaUserID)
	}

	switch Mode(in[MetaMode]) {
	case ModeCoins:
		coins, err := parseCount(in, MetaCoins, true)
		if err != nil {
			return nil, err
		}
		base, err := parseCount(in, MetaBaseCoins, false)
		if err != nil {
			return nil, err
		}
		bonus, err := parseCount(in, MetaBonusCoins, false)
		if err != nil {
			return nil, err
		}
		pct, err := parseCount(in, MetaBonusPercent, false)
		if err != nil {
			return nil, err
		}
		if base == 0 {
			base = coins - bonus
		}
		return &CoinMetadata{
			UserID:       userID,
			PackageID:    in[MetaPackageID],
			Coins:        coins,
			BaseCoins:    base,
			BonusCoins:   bonus,
			BonusPercent: int(pct),
			OfferCode:    in[MetaOfferCode],
		}, nil

	case ModeSubscription:
		plan := Plan(in[MetaPlan])
		if plan != PlanGold && plan != PlanPlatinum {
			return nil, fmt.Errorf("%w: plan %q", ErrInvalidMetadata, plan)
		}
		return &SubscriptionMetadata{UserID: userID, Plan: plan}, nil

	case ModeVIPCoinSubscription:
		monthly, err := parseCount(in, MetaMonthlyCoins, true)
		if err != nil {
			return nil, err
		}
		base, err := parseCount(in, MetaBaseCoins, false)
		if err != nil {
			return nil, err
		}
		bonus, err := parseCount(in, MetaBonusCoins, false)
		if err != nil {
			return nil, err
		}
		pct, err := parseCount(in, MetaBonusPercent, false)
		if err != nil {
			return nil, err
		}
		if in[MetaPackageID] == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidMetadata, MetaPackageID)
		}
		return &VIPMetadata{
			UserID:       userID,
			PackageID:    in[MetaPackageID],
			MonthlyCoins: monthly,
			BaseCoins:    base,
			BonusCoins:   bonus,
			BonusPercent: int(pct),
		}, nil

	default:
		return nil, fmt.Errorf("%w: mode %q", ErrInvalidMetadata, in[MetaMode])
	}
}

func parseCount(in map[string]string, key string, required bool) (int64, error) {
	raw, ok := in[key]
	if !ok || raw == "" {
		if required {
			return 0, fmt.Errorf("%w: missing %s", ErrInvalidMetadata, key)
		}
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidMetadata, key, raw)
	}
	if required && n == 0 {
		return 0, fmt.Errorf("%w: %s must be positive", ErrInvalidMetadata, key)
	}
	return n, nil
}
