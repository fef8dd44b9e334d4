package records

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/angelmondragon/vehiclehealth-backend/pkg/db/models"
	"github.com/angelmondragon/vehiclehealth-backend/pkg/enums"
)

const defaultSubscriberBuffer = 32

// Change is emitted after a committed write.
type Change struct {
	Kind      enums.ChangeKind         `json:"kind"`
	RecordID  uuid.UUID                `json:"record_id"`
	OwnerID   uuid.UUID                `json:"owner_id"`
	VehicleID uuid.UUID                `json:"vehicle_id"`
	Record    *models.DiagnosticRecord `json:"record,omitempty"`
}

// Filter scopes a subscription to an owner and optionally one vehicle.
type Filter struct {
	OwnerID   uuid.UUID
	VehicleID *uuid.UUID
}

func (f Filter) matches(c Change) bool {
	if f.OwnerID != uuid.Nil && f.OwnerID != c.OwnerID {
		return false
	}
	if f.VehicleID != nil && *f.VehicleID != c.VehicleID {
		return false
	}
	return true
}

type subscription struct {
	filter Filter
	ch     chan Change
}

type hub struct {
	mu     sync.RWMutex
	next   uint64
	subs   map[uint64]*subscription
	buffer int
}

func newHub(buffer int) *hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &hub{subs: make(map[uint64]*subscription), buffer: buffer}
}

// subscribe registers a listener; the returned cancel func is idempotent.
func (h *hub) subscribe(ctx context.Context, filter Filter) (<-chan Change, func()) {
	sub := &subscription{filter: filter, ch: make(chan Change, h.buffer)}

	h.mu.Lock()
	h.next++
	id := h.next
	h.subs[id] = sub
	h.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(sub.ch)
			close(done)
		})
	}
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-done:
			}
		}()
	}
	return sub.ch, cancel
}

// publish never blocks; a full subscriber misses the change. Returns the
// number of dropped deliveries.
func (h *hub) publish(c Change) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for _, sub := range h.subs {
		if !sub.filter.matches(c) {
			continue
		}
		payload := c
		if c.Record != nil {
			rec := *c.Record
			payload.Record = &rec
		}
		select {
		case sub.ch <- payload:
		default:
			dropped++
		}
	}
	return dropped
}

func (h *hub) count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
