package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreDriverMySQL  = "mysql"
	StoreDriverSQLite = "sqlite"
)

// StoreDriver selects the persistence backend.
//
// Set via env:
// - STORE_DRIVER=mysql|sqlite (default mysql)
func StoreDriver() string {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("STORE_DRIVER")))
	if v == StoreDriverSQLite {
		return StoreDriverSQLite
	}
	return StoreDriverMySQL
}

// SQLiteDSN is the file (or ":memory:") used when STORE_DRIVER=sqlite.
func SQLiteDSN() string {
	if v := strings.TrimSpace(os.Getenv("SQLITE_DSN")); v != "" {
		return v
	}
	return "receiving.db"
}

// CurrencyDecimalPlaces is the smallest currency unit selling prices are rounded to.
//
// Set via env:
// - CURRENCY_DECIMAL_PLACES=0 for currencies without minor units (default 2)
func CurrencyDecimalPlaces() int32 {
	n := intFromEnv("CURRENCY_DECIMAL_PLACES", 2)
	if n < 0 {
		n = 0
	}
	return int32(n)
}

// DefaultStockLocation is used when neither the request nor the line item names a location.
func DefaultStockLocation() string {
	if v := strings.TrimSpace(os.Getenv("DEFAULT_STOCK_LOCATION")); v != "" {
		return v
	}
	return "Main Store"
}

// TemplateCacheTTL controls how long the template list is cached in redis. 0 disables caching.
func TemplateCacheTTL() time.Duration {
	return time.Duration(intFromEnv("QC_TEMPLATE_CACHE_SECONDS", 300)) * time.Second
}

// ConvertMaxAttempts bounds ConvertWithRetry.
func ConvertMaxAttempts() int {
	n := intFromEnv("QC_CONVERT_MAX_ATTEMPTS", 5)
	if n < 1 {
		return 1
	}
	return n
}

// OutboxDispatchEnabled toggles the background publisher.
//
// Set via env:
// - QC_OUTBOX_DISPATCH=false disables it (default on when pubsub is configured)
func OutboxDispatchEnabled() bool {
	raw := strings.TrimSpace(os.Getenv("QC_OUTBOX_DISPATCH"))
	if raw == "" {
		return PubSubEnabled()
	}
	b, err := strconv.ParseBool(raw)
	return err == nil && b
}
