package risk

import (
	"sync"

	"github.com/tradeforge/replay/pkg/types"
)

// OrderRegistry records every order the manager emitted during one
// run, in emission order. All orders live in one table; there is no
// pending/active split.
type OrderRegistry struct {
	mu     sync.RWMutex
	orders map[string]types.Order
	sorted []string
}

// NewOrderRegistry creates an empty registry.
func NewOrderRegistry() *OrderRegistry {
	return &OrderRegistry{orders: make(map[string]types.Order)}
}

// Add records an order by ID in emission order.
func (r *OrderRegistry) Add(order *types.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.orders[order.ID]; !seen {
		r.sorted = append(r.sorted, order.ID)
	}
	r.orders[order.ID] = *order
}

// Get returns a copy of the order with the given ID.
func (r *OrderRegistry) Get(id string) (types.Order, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	return order, ok
}

// AllOrders returns copies of every recorded order in emission order.
func (r *OrderRegistry) AllOrders() []types.Order {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Order, 0, len(r.sorted))
	for _, id := range r.sorted {
		out = append(out, r.orders[id])
	}
	return out
}

// Len returns the number of recorded orders.
func (r *OrderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

// Reset drops every recorded order.
func (r *OrderRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders = make(map[string]types.Order)
	r.sorted = nil
}
