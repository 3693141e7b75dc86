package orders

import (
	"github.com/fruithappens/coffeecue/pkg/store"
)

// Baseline returns placeholder content for a cache key, so a degraded read
// never comes back empty. It satisfies degraded.BaselineFunc.
func Baseline(key string) (any, bool) {
	switch key {
	case store.KeyOrdersPending:
		return []Order{
			placeholder("offline-1", StatusPending, "Flat white"),
			placeholder("offline-2", StatusPending, "Long black"),
		}, true
	case store.KeyOrdersInProgress:
		return []Order{placeholder("offline-3", StatusInProgress, "Cappuccino")}, true
	case store.KeyOrdersCompleted:
		return []Order{placeholder("offline-4", StatusCompleted, "Latte")}, true
	case store.KeyStations:
		return []Station{{ID: "1", Name: "Station 1", Active: true}}, true
	case store.KeyInventory:
		return []InventoryItem{
			{Item: "Milk", Quantity: 10, Unit: "L"},
			{Item: "Coffee beans", Quantity: 5, Unit: "kg"},
		}, true
	}
	return nil, false
}

func placeholder(id ID, status Status, item string) Order {
	return Order{
		ID:           id,
		Status:       status,
		CustomerName: "Offline order",
		Item:         item,
		Placeholder:  true,
	}
}
