package order

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultHistoryCapacity bounds the terminal-order ring buffer.
const DefaultHistoryCapacity = 1000

// Manager tracks managed orders through their lifecycle. Every order lives in
// exactly one of the active index or the bounded history; transitions for a
// given client id are serialized by the manager's lock.
type Manager struct {
	logger *log.Logger

	mu       sync.RWMutex
	active   map[string]*ManagedOrder // client id → order
	byExchID map[string]string        // exchange id → client id
	history  []*ManagedOrder          // FIFO ring of terminal orders
	histHead int
	histCap  int
}

// NewManager constructs a manager with the given history capacity.
// Capacity zero or below falls back to DefaultHistoryCapacity.
func NewManager(historyCapacity int, logger *log.Logger) *Manager {
	if historyCapacity <= 0 {
		historyCapacity = DefaultHistoryCapacity
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		logger:   logger,
		active:   make(map[string]*ManagedOrder),
		byExchID: make(map[string]string),
		history:  make([]*ManagedOrder, 0, historyCapacity),
		histCap:  historyCapacity,
	}
}

// Create registers a new PENDING order and returns its snapshot.
func (m *Manager) Create(params Params) ManagedOrder {
	ord := &ManagedOrder{
		ClientID:  uuid.NewString(),
		Exchange:  params.Exchange,
		Symbol:    params.Symbol,
		Side:      params.Side,
		Type:      params.Type,
		Quantity:  params.Quantity,
		Price:     params.Price,
		SignalID:  params.SignalID,
		State:     StatePending,
		CreatedAt: time.Now().UTC(),
	}
	m.mu.Lock()
	m.active[ord.ClientID] = ord
	m.mu.Unlock()
	return *ord
}

// MarkSubmitted advances PENDING → SUBMITTED and records the exchange id.
func (m *Manager) MarkSubmitted(clientID, exchangeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ord, ok := m.active[clientID]
	if !ok {
		m.logger.Printf("order: mark_submitted for unknown client_id=%s", clientID)
		return false
	}
	if ord.State == StateSubmitted && ord.ExchangeID == exchangeID {
		return true
	}
	if !canTransition(ord.State, StateSubmitted) {
		m.warnRefused(ord, StateSubmitted)
		return false
	}
	ord.State = StateSubmitted
	ord.ExchangeID = exchangeID
	ord.SubmittedAt = time.Now().UTC()
	if exchangeID != "" {
		m.byExchID[exchangeID] = clientID
	}
	return true
}

// MarkActive advances SUBMITTED → ACTIVE on venue acknowledgement.
func (m *Manager) MarkActive(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ord, ok := m.active[clientID]
	if !ok {
		m.logger.Printf("order: mark_active for unknown client_id=%s", clientID)
		return false
	}
	if ord.State == StateActive {
		return true
	}
	if !canTransition(ord.State, StateActive) {
		m.warnRefused(ord, StateActive)
		return false
	}
	ord.State = StateActive
	return true
}

// MarkFilled records fill progress. A partial fill keeps the order active in
// PARTIALLY_FILLED; a complete fill is terminal and migrates to history.
func (m *Manager) MarkFilled(clientID string, filledQty, avgPrice, commission decimal.Decimal, partial bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ord, ok := m.active[clientID]
	if !ok {
		if prior := m.findHistory(clientID); prior != nil && prior.State == StateFilled &&
			prior.FilledQuantity.Equal(filledQty) && prior.AvgFillPrice.Equal(avgPrice) {
			return true // repeated identical terminal call
		}
		m.logger.Printf("order: mark_filled for unknown client_id=%s", clientID)
		return false
	}

	target := StateFilled
	if partial {
		target = StatePartiallyFilled
	}
	if !canTransition(ord.State, target) {
		m.warnRefused(ord, target)
		return false
	}
	if ord.Quantity.Sign() > 0 && filledQty.GreaterThan(ord.Quantity) {
		m.logger.Printf("order: clamping filled quantity %s above requested %s client_id=%s",
			filledQty, ord.Quantity, clientID)
		filledQty = ord.Quantity
	}
	ord.State = target
	ord.FilledQuantity = filledQty
	ord.AvgFillPrice = avgPrice
	ord.Commission = commission
	if !partial {
		ord.FilledAt = time.Now().UTC()
		m.retire(ord)
	}
	return true
}

// MarkFailed terminates the order as REJECTED (venue refusal) or FAILED.
func (m *Manager) MarkFailed(clientID, errText string, rejected bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ord, ok := m.active[clientID]
	if !ok {
		if prior := m.findHistory(clientID); prior != nil &&
			(prior.State == StateRejected || prior.State == StateFailed) && prior.LastError == errText {
			return true
		}
		m.logger.Printf("order: mark_failed for unknown client_id=%s", clientID)
		return false
	}

	target := StateFailed
	if rejected {
		target = StateRejected
	}
	if !canTransition(ord.State, target) {
		m.warnRefused(ord, target)
		return false
	}
	ord.State = target
	ord.LastError = errText
	m.retire(ord)
	return true
}

// MarkCancelled terminates the order as CANCELLED.
func (m *Manager) MarkCancelled(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ord, ok := m.active[clientID]
	if !ok {
		if prior := m.findHistory(clientID); prior != nil && prior.State == StateCancelled {
			return true
		}
		m.logger.Printf("order: mark_cancelled for unknown client_id=%s", clientID)
		return false
	}
	if !canTransition(ord.State, StateCancelled) {
		m.warnRefused(ord, StateCancelled)
		return false
	}
	ord.State = StateCancelled
	ord.CancelledAt = time.Now().UTC()
	m.retire(ord)
	return true
}

// SetQuantity records the sized quantity once the risk stage computes it.
// Refused after submission: quantity is immutable from SUBMITTED onward.
func (m *Manager) SetQuantity(clientID string, quantity decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ord, ok := m.active[clientID]
	if !ok || ord.State != StatePending {
		m.logger.Printf("order: refused quantity update client_id=%s", clientID)
		return false
	}
	ord.Quantity = quantity
	return true
}

// SetRetryInfo records how many placement retries the order consumed and the
// last transient error observed. Works for active and retired orders alike.
func (m *Manager) SetRetryInfo(clientID string, retries int, lastErr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ord, ok := m.active[clientID]
	if !ok {
		if ord = m.findHistory(clientID); ord == nil {
			return
		}
	}
	ord.RetryCount = retries
	if lastErr != "" {
		ord.LastError = lastErr
	}
}

// Get returns the order for a client id from either index.
func (m *Manager) Get(clientID string) (ManagedOrder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if ord, ok := m.active[clientID]; ok {
		return *ord, true
	}
	if ord := m.findHistory(clientID); ord != nil {
		return *ord, true
	}
	return ManagedOrder{}, false
}

// GetByExchangeID resolves an exchange id to the managed order.
func (m *Manager) GetByExchangeID(exchangeID string) (ManagedOrder, bool) {
	m.mu.RLock()
	clientID, ok := m.byExchID[exchangeID]
	m.mu.RUnlock()
	if !ok {
		return ManagedOrder{}, false
	}
	return m.Get(clientID)
}

// Query filters orders by symbol. Empty symbol matches all; limit <= 0 means
// unbounded.
type Query struct {
	Symbol string
	Limit  int
}

// Active lists non-terminal orders, newest first.
func (m *Manager) Active(q Query) []ManagedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ManagedOrder, 0, len(m.active))
	for _, ord := range m.active {
		if q.Symbol != "" && ord.Symbol != q.Symbol {
			continue
		}
		out = append(out, *ord)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// History lists terminal orders, oldest first.
func (m *Manager) History(q Query) []ManagedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ManagedOrder, 0, len(m.history))
	for i := 0; i < len(m.history); i++ {
		ord := m.history[(m.histHead+i)%len(m.history)]
		if q.Symbol != "" && ord.Symbol != q.Symbol {
			continue
		}
		out = append(out, *ord)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// ActiveCount reports the number of non-terminal orders.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// retire moves a terminal order from the active index into the history ring.
// Caller holds the write lock.
func (m *Manager) retire(ord *ManagedOrder) {
	delete(m.active, ord.ClientID)
	if len(m.history) < m.histCap {
		m.history = append(m.history, ord)
		return
	}
	evicted := m.history[m.histHead]
	if evicted.ExchangeID != "" {
		delete(m.byExchID, evicted.ExchangeID)
	}
	m.history[m.histHead] = ord
	m.histHead = (m.histHead + 1) % m.histCap
}

// findHistory scans the ring for a client id. Caller holds a lock.
func (m *Manager) findHistory(clientID string) *ManagedOrder {
	for _, ord := range m.history {
		if ord.ClientID == clientID {
			return ord
		}
	}
	return nil
}

func (m *Manager) warnRefused(ord *ManagedOrder, target State) {
	m.logger.Printf("order: refused transition %s → %s client_id=%s", ord.State, target, ord.ClientID)
}
