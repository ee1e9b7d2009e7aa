package config

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestBatchSizeConfigCacheSeconds(t *testing.T) {
	cases := []struct {
		env  string
		want int
	}{
		{"", 300},
		{"0", 0},
		{"60", 60},
		{"-5", 300},
		{"abc", 300},
	}
	for _, tc := range cases {
		t.Run("env="+tc.env, func(t *testing.T) {
			t.Setenv("BATCH_SIZE_CONFIG_CACHE_SECONDS", tc.env)
			if got := BatchSizeConfigCacheSeconds(); got != tc.want {
				t.Fatalf("BatchSizeConfigCacheSeconds() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestStrictBatchImmutabilityDefaultsOn(t *testing.T) {
	cases := []struct {
		env  string
		want bool
	}{
		{"", true},
		{"true", true},
		{"1", true},
		{"yes", true},
		{"false", false},
		{"0", false},
		{"no", false},
	}
	for _, tc := range cases {
		t.Run("env="+tc.env, func(t *testing.T) {
			t.Setenv("STRICT_BATCH_IMMUTABLE", tc.env)
			if got := StrictBatchImmutability(); got != tc.want {
				t.Fatalf("StrictBatchImmutability() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBomVarianceBoundsFallBackOnBadInput(t *testing.T) {
	t.Setenv("BOM_VARIANCE_MET_PERCENT", "not-a-number")
	if got := BomVarianceMetPercent(); !got.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("BomVarianceMetPercent() = %s, want 5", got)
	}
	t.Setenv("BOM_VARIANCE_WARNING_PERCENT", "-3")
	if got := BomVarianceWarningPercent(); !got.Equal(decimal.NewFromInt(20)) {
		t.Fatalf("BomVarianceWarningPercent() = %s, want 20", got)
	}
	t.Setenv("BOM_VARIANCE_MET_PERCENT", "2.5")
	if got := BomVarianceMetPercent(); !got.Equal(decimal.RequireFromString("2.5")) {
		t.Fatalf("BomVarianceMetPercent() = %s, want 2.5", got)
	}
}
