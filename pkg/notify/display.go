package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/fruithappens/coffeecue/pkg/orders"
	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/juju/clock"
)

// DefaultBoardSize is how many ready orders the board keeps.
const DefaultBoardSize = 20

// DisplayEntry is one order on the ready board.
type DisplayEntry struct {
	OrderID      orders.ID `json:"order_id"`
	CustomerName string    `json:"customer_name"`
	Item         string    `json:"item,omitempty"`
	Notified     bool      `json:"notified"`
	Method       string    `json:"method,omitempty"`
	ShownAtMs    int64     `json:"shown_at_ms"`
}

// DisplayBoard keeps the ready board in the display.ready record. Display
// screens in other instances follow it through store change events.
type DisplayBoard struct {
	kv     store.Store
	clock  clock.Clock
	origin string
	size   int

	mu sync.Mutex
}

// NewDisplayBoard creates a board holding at most size entries.
func NewDisplayBoard(kv store.Store, clk clock.Clock, origin string, size int) *DisplayBoard {
	if clk == nil {
		clk = clock.WallClock
	}
	if size <= 0 {
		size = DefaultBoardSize
	}
	return &DisplayBoard{kv: kv, clock: clk, origin: origin, size: size}
}

// Show puts order at the top of the board, replacing an earlier entry for
// the same order. It matches DisplayFunc.
func (b *DisplayBoard) Show(ctx context.Context, order orders.Order, attempt DeliveryAttempt) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries, err := b.Entries(ctx)
	if err != nil {
		return err
	}

	board := []DisplayEntry{{
		OrderID:      order.ID,
		CustomerName: order.CustomerName,
		Item:         order.Item,
		Notified:     attempt.Success,
		Method:       attempt.Method,
		ShownAtMs:    b.clock.Now().UnixMilli(),
	}}
	for _, e := range entries {
		if e.OrderID != order.ID && len(board) < b.size {
			board = append(board, e)
		}
	}

	if _, err := store.PutJSON(ctx, b.kv, store.KeyDisplayReady, board, b.clock.Now(), b.origin); err != nil {
		return fmt.Errorf("failed to update display board: %w", err)
	}
	return nil
}

// Entries returns the board, newest first.
func (b *DisplayBoard) Entries(ctx context.Context) ([]DisplayEntry, error) {
	var entries []DisplayEntry
	if _, err := store.GetJSON(ctx, b.kv, store.KeyDisplayReady, &entries); err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read display board: %w", err)
	}
	return entries, nil
}
