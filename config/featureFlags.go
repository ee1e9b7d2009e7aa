package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// BomVarianceMetPercent is the inclusive |variance| bound (percent) for a
// consumption check to classify MET.
//
// Set via env:
// - BOM_VARIANCE_MET_PERCENT=5
func BomVarianceMetPercent() decimal.Decimal {
	return decimalFromEnv("BOM_VARIANCE_MET_PERCENT", decimal.NewFromInt(5))
}

// BomVarianceWarningPercent is the inclusive |variance| bound (percent) for a
// consumption check to classify WARNING. Anything beyond classifies ERROR.
//
// Set via env:
// - BOM_VARIANCE_WARNING_PERCENT=20
func BomVarianceWarningPercent() decimal.Decimal {
	return decimalFromEnv("BOM_VARIANCE_WARNING_PERCENT", decimal.NewFromInt(20))
}

// StrictBatchImmutability enables fintech-grade guardrails: a batch quantity
// cannot be edited in place once movements or allocations reference it; it must
// be adjusted via movements.
//
// Set via env:
// - STRICT_BATCH_IMMUTABLE=true
func StrictBatchImmutability() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STRICT_BATCH_IMMUTABLE")))
	return v == "" || v == "1" || v == "true" || v == "yes" || v == "y"
}

// BatchSizeConfigCacheSeconds controls how long resolved batch-size config rows
// stay in the redis cache. 0 disables caching.
//
// Set via env:
// - BATCH_SIZE_CONFIG_CACHE_SECONDS=300
func BatchSizeConfigCacheSeconds() int {
	v := strings.TrimSpace(os.Getenv("BATCH_SIZE_CONFIG_CACHE_SECONDS"))
	if v == "" {
		return 300
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 300
	}
	return n
}

func decimalFromEnv(key string, def decimal.Decimal) decimal.Decimal {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := decimal.NewFromString(v)
	if err != nil || d.IsNegative() {
		return def
	}
	return d
}
