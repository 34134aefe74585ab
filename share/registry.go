package wrshare

import (
	"hash/crc32"
	"net/http"
	"sync"

	"github.com/sammck-go/logger"
)

// ClientRecord tracks one live tunnel client: its control connection plus the
// RequestIDs currently routed to it. pending holds ids whose response has not
// yet begun; active holds ids whose response body is still streaming. The two
// sets are disjoint: an id moves from pending to active when its response
// header frame arrives.
type ClientRecord struct {
	// ID is the client-chosen ClientId, stable across reconnects
	ID string

	// Conn is the control connection bound to this record
	Conn *ControlConn

	lock    sync.Mutex
	pending map[string]struct{}
	active  map[string]struct{}
}

func newClientRecord(id string, conn *ControlConn) *ClientRecord {
	return &ClientRecord{
		ID:      id,
		Conn:    conn,
		pending: make(map[string]struct{}),
		active:  make(map[string]struct{}),
	}
}

// AddPending records a freshly dispatched RequestID
func (rec *ClientRecord) AddPending(id string) {
	rec.lock.Lock()
	rec.pending[id] = struct{}{}
	rec.lock.Unlock()
}

// RemovePending forgets a RequestID whose dispatch has completed or been
// abandoned
func (rec *ClientRecord) RemovePending(id string) {
	rec.lock.Lock()
	delete(rec.pending, id)
	rec.lock.Unlock()
}

// BeginResponse moves a RequestID from pending to active when its streaming
// response begins
func (rec *ClientRecord) BeginResponse(id string) {
	rec.lock.Lock()
	delete(rec.pending, id)
	rec.active[id] = struct{}{}
	rec.lock.Unlock()
}

// EndResponse forgets a RequestID whose response body has finished streaming
func (rec *ClientRecord) EndResponse(id string) {
	rec.lock.Lock()
	delete(rec.active, id)
	rec.lock.Unlock()
}

// takeAll empties and returns both id sets, for disconnect cleanup
func (rec *ClientRecord) takeAll() (pending []string, active []string) {
	rec.lock.Lock()
	for id := range rec.pending {
		pending = append(pending, id)
	}
	for id := range rec.active {
		active = append(active, id)
	}
	rec.pending = make(map[string]struct{})
	rec.active = make(map[string]struct{})
	rec.lock.Unlock()
	return pending, active
}

// ClientRegistry is the ordered mapping from ClientId to ClientRecord. A
// disconnected client's slot is set to a tombstone (nil record) rather than
// deleted, so a reconnect reoccupies the same position in the load-balancing
// ring and sticky traffic for surviving clients does not move.
type ClientRegistry struct {
	logger.Logger
	reqs *RequestRegistry

	lock  sync.Mutex
	order []string
	slots map[string]*ClientRecord
}

// NewClientRegistry creates an empty registry. Disconnect cleanup resolves
// per-request state through reqs.
func NewClientRegistry(log logger.Logger, reqs *RequestRegistry) *ClientRegistry {
	return &ClientRegistry{
		Logger: log.ForkLogStr("registry"),
		reqs:   reqs,
		slots:  make(map[string]*ClientRecord),
	}
}

// Bind installs a fresh ClientRecord for a newly opened control connection.
// If the ClientId already has a live record (a redeployed client reconnecting
// before its old socket died), the old record is dropped first, so at most
// one record per ClientId is ever live. Returns the new record.
func (cr *ClientRegistry) Bind(clientID string, conn *ControlConn) *ClientRecord {
	cr.lock.Lock()
	old := cr.slots[clientID]
	if _, known := cr.slots[clientID]; !known {
		cr.order = append(cr.order, clientID)
	}
	rec := newClientRecord(clientID, conn)
	cr.slots[clientID] = rec
	cr.lock.Unlock()

	if old != nil {
		cr.DLogf("Client \"%s\" rebound while live; dropping stale record", clientID)
		cr.cleanupRecord(old)
		old.Conn.StartShutdown(cr.Errorf("Superseded by new connection for client \"%s\"", clientID))
	}
	return rec
}

// Drop tears down a record after its control connection has closed: every
// pending RequestTask resolves with a synthetic 500 so inbound callers do not
// hang, every active response writer is closed so truncated responses surface
// immediately, and the slot is tombstoned in place.
func (cr *ClientRegistry) Drop(rec *ClientRecord) {
	cr.lock.Lock()
	// a newer record may have taken the slot already; only tombstone our own
	if cr.slots[rec.ID] == rec {
		cr.slots[rec.ID] = nil
	}
	cr.lock.Unlock()
	cr.cleanupRecord(rec)
}

func (cr *ClientRegistry) cleanupRecord(rec *ClientRecord) {
	pending, active := rec.takeAll()
	for _, id := range pending {
		if task := cr.reqs.RemoveTask(id); task != nil {
			task.Resolve(TaskResult{Response: &TunnelResponse{
				Status:     500,
				StatusText: "Internal Server Error",
				Header:     http.Header{},
			}})
		}
	}
	for _, id := range active {
		if w := cr.reqs.RemoveWriter(id); w != nil {
			w.Close()
		}
	}
	if len(pending) > 0 || len(active) > 0 {
		cr.DLogf("Client \"%s\" dropped with %d pending and %d active requests", rec.ID, len(pending), len(active))
	}
}

// Get returns the live record for a ClientId, or nil if the slot is empty or
// tombstoned
func (cr *ClientRegistry) Get(clientID string) *ClientRecord {
	cr.lock.Lock()
	rec := cr.slots[clientID]
	cr.lock.Unlock()
	return rec
}

// live returns the live records in slot insertion order, tombstones skipped.
// Must be called with cr.lock held.
func (cr *ClientRegistry) live() []*ClientRecord {
	recs := make([]*ClientRecord, 0, len(cr.order))
	for _, id := range cr.order {
		if rec := cr.slots[id]; rec != nil {
			recs = append(recs, rec)
		}
	}
	return recs
}

// LiveCount returns the number of currently connected clients
func (cr *ClientRegistry) LiveCount() int {
	cr.lock.Lock()
	n := len(cr.live())
	cr.lock.Unlock()
	return n
}

// Pick selects the client that serves requests from the given source IP:
// CRC32(ip) mod N over the live records in insertion order. The same IP
// sticks to the same client as long as the live set is unchanged, and a
// uniform IP population spreads evenly. Returns nil when no client is
// connected.
func (cr *ClientRegistry) Pick(ip string) *ClientRecord {
	cr.lock.Lock()
	defer cr.lock.Unlock()
	recs := cr.live()
	if len(recs) == 0 {
		return nil
	}
	index := int(crc32.ChecksumIEEE([]byte(ip)) % uint32(len(recs)))
	return recs[index]
}
