package eventstore

import (
	"context"
	"database/sql"
	"sync"

	"github.com/finvault/ledgercore/internal/domain"
	"github.com/finvault/ledgercore/internal/events"
)

// MemoryStore is an in-process Store for tests and ephemeral setups. It
// round-trips every event through serialization so the wire contract is
// exercised even without a database.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string]*memoryStream
	seen    map[string]struct{} // tenant + "\x00" + idempotency key
}

type memoryStream struct {
	tenantID string
	raw      [][]byte
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string]*memoryStream),
		seen:    make(map[string]struct{}),
	}
}

// Append commits the request's events under the store lock.
func (s *MemoryStore) Append(ctx context.Context, req AppendRequest) (AppendResult, error) {
	return s.AppendInTransaction(ctx, req, nil)
}

// AppendInTransaction commits the events and runs fn with a nil transaction.
// The lock is held across fn, matching the SQL store's atomicity.
func (s *MemoryStore) AppendInTransaction(ctx context.Context, req AppendRequest, fn func(tx *sql.Tx) error) (AppendResult, error) {
	if err := validateRequest(req); err != nil {
		return AppendResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[req.AggregateID]
	if stream != nil && stream.tenantID != req.TenantID {
		return AppendResult{}, domain.ErrTenantMismatch
	}

	if req.IdempotencyKey != "" {
		if _, ok := s.seen[req.TenantID+"\x00"+req.IdempotencyKey]; ok {
			head := 0
			if stream != nil {
				head = len(stream.raw)
			}
			return AppendResult{NewVersion: head, Replayed: true}, nil
		}
	}

	current := 0
	if stream != nil {
		current = len(stream.raw)
	}
	if current != req.ExpectedVersion {
		return AppendResult{}, domain.ErrConcurrencyConflict
	}

	serialized := make([][]byte, 0, len(req.Events))
	for _, ev := range req.Events {
		data, err := ev.Serialize()
		if err != nil {
			return AppendResult{}, err
		}
		serialized = append(serialized, data)
	}

	if stream == nil {
		stream = &memoryStream{tenantID: req.TenantID}
		s.streams[req.AggregateID] = stream
	}
	stream.raw = append(stream.raw, serialized...)
	if req.IdempotencyKey != "" {
		s.seen[req.TenantID+"\x00"+req.IdempotencyKey] = struct{}{}
	}

	res := AppendResult{NewVersion: len(stream.raw)}
	if fn != nil {
		if err := fn(nil); err != nil {
			// Roll back the append
			stream.raw = stream.raw[:current]
			if req.IdempotencyKey != "" {
				delete(s.seen, req.TenantID+"\x00"+req.IdempotencyKey)
			}
			if len(stream.raw) == 0 {
				delete(s.streams, req.AggregateID)
			}
			return AppendResult{}, err
		}
	}
	return res, nil
}

// HasIdempotencyKey reports whether the (tenant, key) pair was already used.
func (s *MemoryStore) HasIdempotencyKey(ctx context.Context, tenantID, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[tenantID+"\x00"+key]
	return ok, nil
}

// ReadStream returns the stream's events in version order.
func (s *MemoryStore) ReadStream(ctx context.Context, tenantID, aggregateID string) ([]events.Envelope, error) {
	return s.ReadStreamFrom(ctx, tenantID, aggregateID, 1)
}

// ReadStreamFrom returns the stream's events with version >= fromVersion.
func (s *MemoryStore) ReadStreamFrom(ctx context.Context, tenantID, aggregateID string, fromVersion int) ([]events.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[aggregateID]
	if stream == nil {
		return nil, nil
	}
	if stream.tenantID != tenantID {
		return nil, domain.ErrTenantMismatch
	}

	if fromVersion < 1 {
		fromVersion = 1
	}
	if fromVersion > len(stream.raw) {
		return nil, nil
	}
	raw := stream.raw[fromVersion-1:]
	out := make([]events.Envelope, 0, len(raw))
	for _, data := range raw {
		ev, err := events.Deserialize(data)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// CurrentVersion returns the stream head, 0 for an unknown stream.
func (s *MemoryStore) CurrentVersion(ctx context.Context, tenantID, aggregateID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream := s.streams[aggregateID]
	if stream == nil {
		return 0, nil
	}
	if stream.tenantID != tenantID {
		return 0, domain.ErrTenantMismatch
	}
	return len(stream.raw), nil
}
