package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writePolicyFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "distribution.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDistributionPolicyFromFile(t *testing.T) {
	path := writePolicyFile(t, `
distribution:
  defaultBonusPercent: 8
  bonusPercent:
    farming_reward: 10
    boost_bonus: 5
  maxAttempts: 7
  retryMaxTries: 4
  retryInitialInterval: 20ms
  retryMaxInterval: 500ms
`)

	holder, err := NewDistributionPolicyHolder(Config{DistributionConfigPath: path}, zap.NewNop())
	require.NoError(t, err)

	policy := holder.Get()
	assert.Equal(t, 7, policy.MaxAttempts)
	assert.Equal(t, 4, policy.RetryMaxTries)
	assert.Equal(t, 20*time.Millisecond, policy.RetryInitialInterval)
	assert.Equal(t, 500*time.Millisecond, policy.RetryMaxInterval)
	assert.Equal(t, "10", policy.BonusPercentFor("farming_reward").String())
	assert.Equal(t, "5", policy.BonusPercentFor("BOOST_BONUS").String())
	assert.Equal(t, "8", policy.BonusPercentFor("deposit_bonus").String())
}

func TestDistributionPolicyRejectsOutOfRangePercent(t *testing.T) {
	path := writePolicyFile(t, `
distribution:
  bonusPercent:
    farming_reward: 120
`)

	_, err := NewDistributionPolicyHolder(Config{DistributionConfigPath: path}, zap.NewNop())
	assert.Error(t, err)
}

func TestStaticPolicyHolderFillsDefaults(t *testing.T) {
	holder := NewStaticPolicyHolder(DistributionPolicy{MaxAttempts: 2, DefaultBonusPercent: 10})

	policy := holder.Get()
	assert.Equal(t, 2, policy.MaxAttempts)
	assert.Equal(t, 3, policy.RetryMaxTries)
	assert.Equal(t, "10", policy.BonusPercentFor("unknown").String())
}

func TestDistributionPolicyHonorsZeroDefaultPercent(t *testing.T) {
	path := writePolicyFile(t, `
distribution:
  defaultBonusPercent: 0
  bonusPercent:
    farming_reward: 10
`)

	holder, err := NewDistributionPolicyHolder(Config{DistributionConfigPath: path}, zap.NewNop())
	require.NoError(t, err)

	policy := holder.Get()
	assert.True(t, policy.BonusPercentFor("deposit_bonus").IsZero())
	assert.Equal(t, "10", policy.BonusPercentFor("farming_reward").String())
}

func TestDistributionPolicyDefaultsUnsetPercent(t *testing.T) {
	path := writePolicyFile(t, `
distribution:
  maxAttempts: 3
`)

	holder, err := NewDistributionPolicyHolder(Config{DistributionConfigPath: path}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "10", holder.Get().BonusPercentFor("deposit_bonus").String())
}

func TestDistributionPolicyRejectsFinePercent(t *testing.T) {
	path := writePolicyFile(t, `
distribution:
  bonusPercent:
    boost_bonus: 7.12345
`)

	_, err := NewDistributionPolicyHolder(Config{DistributionConfigPath: path}, zap.NewNop())
	assert.Error(t, err)

	path = writePolicyFile(t, `
distribution:
  bonusPercent:
    boost_bonus: 7.1234
`)
	holder, err := NewDistributionPolicyHolder(Config{DistributionConfigPath: path}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "7.1234", holder.Get().BonusPercentFor("boost_bonus").String())
}

func TestBonusPercentForRoundsToStoredScale(t *testing.T) {
	policy := DistributionPolicy{DefaultBonusPercent: 2.123456}
	assert.Equal(t, "2.1235", policy.BonusPercentFor("farming_reward").String())
}
