package orderbook

import (
	"fmt"

	"github.com/xtrntr/clob/internal/models"
)

var (
	// ErrOrderExists signals an order id already resting at a price level.
	ErrOrderExists = fmt.Errorf("order already resting: %w", models.ErrStateConflict)
	// ErrOrderNotFound signals an order id that is not resting where expected.
	ErrOrderNotFound = fmt.Errorf("order not resting: %w", models.ErrNotFound)
)
