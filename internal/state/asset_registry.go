package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	fpmath "DepositEngine/internal/math"
)

// AssetConfig defines deposit rules per (currency, network)
type AssetConfig struct {
	Currency              string          `json:"currency"`
	Network               string          `json:"network"`
	MinimumDeposit        decimal.Decimal `json:"minimum_deposit"`
	FeePercent            decimal.Decimal `json:"fee_percent"`         // 2.5 = 2.5%
	RequiredConfirmations int             `json:"required_confirmations"`
	Precision             int32           `json:"precision"`           // minor-unit decimal places
	Active                bool            `json:"active"`
}

type AssetKey struct {
	Currency string
	Network  string
}

// NormalizeAssetKey upper-cases and trims both parts so "usdt"/"trc20" and
// "USDT"/"TRC20" resolve to the same row.
func NormalizeAssetKey(currency, network string) AssetKey {
	return AssetKey{
		Currency: strings.ToUpper(strings.TrimSpace(currency)),
		Network:  strings.ToUpper(strings.TrimSpace(network)),
	}
}

func (k AssetKey) String() string {
	return k.Currency + "/" + k.Network
}

func (c *AssetConfig) Key() AssetKey {
	return NormalizeAssetKey(c.Currency, c.Network)
}

var (
	// Seed assets for memory mode and tests
	DefaultAssets = []AssetConfig{
		{
			Currency:              "USDT",
			Network:               "TRC20",
			MinimumDeposit:        decimal.NewFromInt(10),
			FeePercent:            decimal.NewFromInt(2),
			RequiredConfirmations: 20,
			Precision:             2,
			Active:                true,
		},
		{
			Currency:              "USDT",
			Network:               "ERC20",
			MinimumDeposit:        decimal.NewFromInt(20),
			FeePercent:            decimal.RequireFromString("2.5"),
			RequiredConfirmations: 12,
			Precision:             2,
			Active:                true,
		},
		{
			Currency:              "BTC",
			Network:               "BITCOIN",
			MinimumDeposit:        decimal.RequireFromString("0.0005"),
			FeePercent:            decimal.NewFromInt(1),
			RequiredConfirmations: 3,
			Precision:             8,
			Active:                true,
		},
		{
			Currency:              "XRP",
			Network:               "RIPPLE",
			MinimumDeposit:        decimal.NewFromInt(20),
			FeePercent:            decimal.NewFromInt(1),
			RequiredConfirmations: 1,
			Precision:             6,
			Active:                true,
		},
	}
)

// ValidateAssetConfig checks that deposit rules are within valid ranges.
// minimum >= 0, fee in [0, 100), required confirmations > 0, precision in [0, 18].
func ValidateAssetConfig(cfg *AssetConfig) error {
	if cfg.Currency == "" || cfg.Network == "" {
		return fmt.Errorf("currency and network are required")
	}
	if cfg.MinimumDeposit.IsNegative() {
		return fmt.Errorf("minimum_deposit must be >= 0, got %s", cfg.MinimumDeposit)
	}
	if err := fpmath.ValidateFeePercent(cfg.FeePercent); err != nil {
		return fmt.Errorf("fee_percent %s: %w", cfg.FeePercent, err)
	}
	if cfg.RequiredConfirmations <= 0 {
		return fmt.Errorf("%w, got %d", ErrRequiredConfirmationsInvalid, cfg.RequiredConfirmations)
	}
	if cfg.Precision < 0 || cfg.Precision > 18 {
		return fmt.Errorf("precision must be in [0, 18], got %d", cfg.Precision)
	}
	return nil
}

// AssetSource loads asset configs. Implementations return ErrUnsupportedAsset
// when no row exists for the key.
type AssetSource interface {
	GetAssetConfig(ctx context.Context, key AssetKey) (*AssetConfig, error)
}

// AssetCache is an optional read-through tier in front of an AssetSource.
type AssetCache interface {
	GetAssetConfig(ctx context.Context, key AssetKey) (*AssetConfig, error)
	SetAssetConfig(ctx context.Context, cfg *AssetConfig, ttl time.Duration) error
}

// AssetRegistry answers lookup(currency, network). It never substitutes
// defaults: anything other than an active, valid config is ErrUnsupportedAsset.
type AssetRegistry struct {
	source AssetSource
	cache  AssetCache
	ttl    time.Duration
}

func NewAssetRegistry(source AssetSource, cache AssetCache, ttl time.Duration) *AssetRegistry {
	return &AssetRegistry{source: source, cache: cache, ttl: ttl}
}

func (r *AssetRegistry) Lookup(ctx context.Context, currency, network string) (*AssetConfig, error) {
	key := NormalizeAssetKey(currency, network)
	if key.Currency == "" || key.Network == "" {
		return nil, fmt.Errorf("%w: currency and network are required", ErrInvalidRequest)
	}

	var cfg *AssetConfig
	if r.cache != nil {
		// A cache failure only costs a source read.
		if cached, err := r.cache.GetAssetConfig(ctx, key); err == nil && cached != nil {
			cfg = cached
		}
	}

	if cfg == nil {
		loaded, err := r.source.GetAssetConfig(ctx, key)
		if err != nil {
			if errors.Is(err, ErrUnsupportedAsset) {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedAsset, key)
			}
			return nil, fmt.Errorf("load asset %s: %w", key, err)
		}
		cfg = loaded
		if r.cache != nil {
			_ = r.cache.SetAssetConfig(ctx, cfg, r.ttl)
		}
	}

	if !cfg.Active {
		return nil, fmt.Errorf("%w: %s is inactive", ErrUnsupportedAsset, key)
	}
	if err := ValidateAssetConfig(cfg); err != nil {
		return nil, fmt.Errorf("%w: %s misconfigured: %v", ErrUnsupportedAsset, key, err)
	}
	c := *cfg
	return &c, nil
}

// StaticAssetSource serves a fixed set of configs.
type StaticAssetSource struct {
	mu      sync.RWMutex
	configs map[AssetKey]AssetConfig
}

func NewStaticAssetSource(configs ...AssetConfig) *StaticAssetSource {
	s := &StaticAssetSource{configs: make(map[AssetKey]AssetConfig, len(configs))}
	for _, c := range configs {
		s.configs[c.Key()] = c
	}
	return s
}

func (s *StaticAssetSource) GetAssetConfig(_ context.Context, key AssetKey) (*AssetConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[key]
	if !ok {
		return nil, ErrUnsupportedAsset
	}
	return &c, nil
}

// Put replaces the config for its key.
func (s *StaticAssetSource) Put(cfg AssetConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.Key()] = cfg
}
