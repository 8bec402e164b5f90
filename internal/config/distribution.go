package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BonusPercentScale is the number of fractional digits a bonus percent may
// carry. It matches the distribution_batches.bonus_percent column.
const BonusPercentScale = 4

// DistributionPolicy carries the tunables of the commission fan-out that
// operators may change without a restart. Zero percentages are honored;
// the other zero values fall back to defaults.
type DistributionPolicy struct {
	DefaultBonusPercent float64            `mapstructure:"defaultBonusPercent"`
	BonusPercent        map[string]float64 `mapstructure:"bonusPercent"`

	MaxAttempts          int           `mapstructure:"maxAttempts"`
	RetryMaxTries        int           `mapstructure:"retryMaxTries"`
	RetryInitialInterval time.Duration `mapstructure:"retryInitialInterval"`
	RetryMaxInterval     time.Duration `mapstructure:"retryMaxInterval"`
}

func DefaultDistributionPolicy() DistributionPolicy {
	return DistributionPolicy{
		DefaultBonusPercent: 10,
		BonusPercent: map[string]float64{
			"farming_reward": 10,
			"boost_bonus":    10,
			"deposit_bonus":  10,
		},
		MaxAttempts:          5,
		RetryMaxTries:        3,
		RetryInitialInterval: 50 * time.Millisecond,
		RetryMaxInterval:     time.Second,
	}
}

// BonusPercentFor returns the percentage of the earned amount that feeds
// level 1 for the given event type.
func (p DistributionPolicy) BonusPercentFor(eventType string) decimal.Decimal {
	key := strings.ToLower(strings.TrimSpace(eventType))
	pct, ok := p.BonusPercent[key]
	if !ok {
		pct = p.DefaultBonusPercent
	}
	return decimal.NewFromFloat(pct).Round(BonusPercentScale)
}

func (p DistributionPolicy) withDefaults() DistributionPolicy {
	defaults := DefaultDistributionPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.RetryMaxTries <= 0 {
		p.RetryMaxTries = defaults.RetryMaxTries
	}
	if p.RetryInitialInterval <= 0 {
		p.RetryInitialInterval = defaults.RetryInitialInterval
	}
	if p.RetryMaxInterval <= 0 {
		p.RetryMaxInterval = defaults.RetryMaxInterval
	}
	return p
}

type DistributionPolicyHolder struct {
	current atomic.Value // holds DistributionPolicy
}

// NewStaticPolicyHolder pins a policy without watching any file.
func NewStaticPolicyHolder(policy DistributionPolicy) *DistributionPolicyHolder {
	holder := &DistributionPolicyHolder{}
	holder.current.Store(policy.withDefaults())
	return holder
}

func NewDistributionPolicyHolder(cfg Config, log *zap.Logger) (*DistributionPolicyHolder, error) {
	log = log.Named("config.distribution")
	v := viper.New()

	if cfg.DistributionConfigPath != "" {
		v.SetConfigFile(cfg.DistributionConfigPath)
	} else {
		v.SetConfigName("distribution")
		v.SetConfigType("yml")
		v.AddConfigPath("/var/lib/fanout/config")
		v.AddConfigPath("/etc/fanout")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FANOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		log.Info("distribution config not found, using defaults")
		return NewStaticPolicyHolder(DefaultDistributionPolicy()), nil
	}

	policy, err := decodeDistributionPolicy(v)
	if err != nil {
		return nil, err
	}

	holder := &DistributionPolicyHolder{}
	holder.current.Store(policy)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeDistributionPolicy(v)
		if err != nil {
			log.Warn("distribution config reload ignored", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("distribution config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *DistributionPolicyHolder) Get() DistributionPolicy {
	return h.current.Load().(DistributionPolicy)
}

func decodeDistributionPolicy(v *viper.Viper) (DistributionPolicy, error) {
	var policy DistributionPolicy
	if err := v.UnmarshalKey("distribution", &policy); err != nil {
		return DistributionPolicy{}, err
	}
	if !v.IsSet("distribution.defaultBonusPercent") {
		policy.DefaultBonusPercent = DefaultDistributionPolicy().DefaultBonusPercent
	}
	policy = policy.withDefaults()
	if err := validateDistributionPolicy(policy); err != nil {
		return DistributionPolicy{}, err
	}
	return policy, nil
}

func validateDistributionPolicy(policy DistributionPolicy) error {
	if err := validateBonusPercent("distribution.defaultBonusPercent", policy.DefaultBonusPercent); err != nil {
		return err
	}
	for eventType, pct := range policy.BonusPercent {
		if err := validateBonusPercent("distribution.bonusPercent."+eventType, pct); err != nil {
			return err
		}
	}
	if policy.RetryMaxInterval < policy.RetryInitialInterval {
		return errors.New("distribution.retryMaxInterval must be >= retryInitialInterval")
	}
	return nil
}

func validateBonusPercent(key string, pct float64) error {
	if pct < 0 || pct > 100 {
		return fmt.Errorf("%s out of range: %v", key, pct)
	}
	if decimal.NewFromFloat(pct).Exponent() < -BonusPercentScale {
		return fmt.Errorf("%s has more than %d decimal places: %v", key, BonusPercentScale, pct)
	}
	return nil
}
