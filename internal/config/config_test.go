package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yxymit/banshee/internal/request"
)

func TestValidateAlloyCacheGeometry(t *testing.T) {
	cfg := Default()
	cfg.Scheme = request.AlloyCache
	cfg.Granularity = 64
	cfg.NumWays = 1
	cfg.CacheSizeBytes = 128 * 1024 * 1024
	require.NoError(t, cfg.Validate(), "valid AlloyCache config rejected")

	cfg.NumWays = 4
	assert.Error(t, cfg.Validate(), "AlloyCache with num_ways != 1 must be rejected")
}

func TestValidateHMARequiresSingleSet(t *testing.T) {
	cfg := Default()
	cfg.Scheme = request.HMA
	cfg.Granularity = 4096
	cfg.CacheSizeBytes = 128 * 1024 * 1024
	cfg.NumWays = uint32(cfg.CacheSizeBytes / cfg.Granularity)
	require.NoError(t, cfg.Validate(), "valid HMA config rejected")

	cfg.NumWays = 4
	assert.Error(t, cfg.Validate(), "HMA with num_ways != cache_size/granularity must be rejected")
}

func TestValidateBWBalanceRestrictedToAlloyAndHybrid(t *testing.T) {
	cfg := Default()
	cfg.Scheme = request.UnisonCache
	cfg.Granularity = 4096
	cfg.FootprintSize = 16
	cfg.BWBalance = true
	assert.Error(t, cfg.Validate(), "bandwidth balancing on UnisonCache must be rejected")
}

func TestValidateUnisonFootprintGranularity(t *testing.T) {
	cfg := Default()
	cfg.Scheme = request.UnisonCache
	cfg.Granularity = 4096 * 512
	cfg.FootprintSize = 16
	assert.Error(t, cfg.Validate(), "UnisonCache footprint tracking requires 4KB granularity")
}

func TestNumSetsDerivation(t *testing.T) {
	cfg := Default()
	cfg.Scheme = request.AlloyCache
	cfg.CacheSizeBytes = 128 * 1024 * 1024
	cfg.NumWays = 1
	cfg.Granularity = 64
	assert.Equal(t, cfg.CacheSizeBytes/64, cfg.NumSets())
}
