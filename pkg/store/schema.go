package store

import (
	"fmt"
	"strings"
)

// Canonical logical keys. There is exactly one key per logical value.
const (
	KeyCredentialToken  = "credential.token"
	KeyCredentialClaims = "credential.claims"

	KeyOrdersPending    = "cache.orders.pending"
	KeyOrdersInProgress = "cache.orders.in_progress"
	KeyOrdersCompleted  = "cache.orders.completed"
	KeyStations         = "cache.stations"
	KeyInventory        = "cache.inventory"

	KeyResilienceMode         = "resilience.mode"
	KeyResilienceFailureCount = "resilience.failure_count"

	KeyOrdersOutbox = "orders.outbox"
	KeyDisplayReady = "display.ready"
)

// Logical key prefixes used for scanning and subscriptions.
const (
	PrefixCredential = "credential."
	PrefixCache      = "cache."
	PrefixResilience = "resilience."
	PrefixSession    = "session.snapshot."
	PrefixNotify     = "notify."
)

const backupSuffix = ".backup"

// SnapshotKey returns the live queue snapshot key for a station.
// Pattern: session.snapshot.{station_id}
func SnapshotKey(stationID string) string {
	return PrefixSession + stationID
}

// SnapshotBackupKey returns the backup queue snapshot key for a station.
// Pattern: session.snapshot.{station_id}.backup
func SnapshotBackupKey(stationID string) string {
	return PrefixSession + stationID + backupSuffix
}

// StationFromSnapshotKey extracts the station id from a live or backup snapshot key.
// Returns false if key is not a snapshot key.
func StationFromSnapshotKey(key string) (string, bool) {
	if !strings.HasPrefix(key, PrefixSession) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, PrefixSession), backupSuffix)
	if id == "" {
		return "", false
	}
	return id, true
}

// NotifyLastKey returns the key holding the most recent delivery attempt for an order.
// Pattern: notify.last.{order_id}
func NotifyLastKey(orderID string) string {
	return PrefixNotify + "last." + orderID
}

// physicalKey returns the namespaced backend key for a logical key.
// Pattern: coffeecue:{namespace}:{logical_key}
func physicalKey(namespace, key string) string {
	return fmt.Sprintf("coffeecue:%s:%s", namespace, key)
}

// keyPrefix returns the namespaced prefix shared by every physical key.
func keyPrefix(namespace string) string {
	return fmt.Sprintf("coffeecue:%s:", namespace)
}

// ChangesChannel returns the Pub/Sub channel name for change events.
// Pattern: coffeecue:{namespace}:changes
func ChangesChannel(namespace string) string {
	return fmt.Sprintf("coffeecue:%s:changes", namespace)
}
