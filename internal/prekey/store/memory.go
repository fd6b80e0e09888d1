package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
)

type keyIndex struct {
	identity domain.Identity
	class    domain.KeyClass
}

type memState struct {
	identities  map[domain.Identity]domain.IdentityKeyPair
	keys        map[keyIndex]map[uint32]domain.PreKey
	counters    map[keyIndex]uint32
	generations map[domain.Identity]int
}

func newMemState() *memState {
	return &memState{
		identities:  make(map[domain.Identity]domain.IdentityKeyPair),
		keys:        make(map[keyIndex]map[uint32]domain.PreKey),
		counters:    make(map[keyIndex]uint32),
		generations: make(map[domain.Identity]int),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.identities {
		c.identities[k] = v
	}
	for idx, keys := range s.keys {
		m := make(map[uint32]domain.PreKey, len(keys))
		for id, k := range keys {
			m[id] = k
		}
		c.keys[idx] = m
	}
	for k, v := range s.counters {
		c.counters[k] = v
	}
	for k, v := range s.generations {
		c.generations[k] = v
	}
	return c
}

// MemoryTxManager keeps all key material in process memory. Writers are
// serialised and work on a private copy that is published on commit, so
// readers always observe a committed snapshot.
type MemoryTxManager struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	state   *memState
}

func NewMemoryTxManager() *MemoryTxManager {
	return &MemoryTxManager{state: newMemState()}
}

func (m *MemoryTxManager) snapshot() *memState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *MemoryTxManager) WithReadTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	if err := ctx.Err(); err != nil {
		return persistenceError(err)
	}
	return fn(ctx, &memTx{state: m.snapshot(), readOnly: true})
}

func (m *MemoryTxManager) WithWriteTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return persistenceError(err)
	}

	working := m.snapshot().clone()
	if err := fn(ctx, &memTx{state: working}); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return persistenceError(fmt.Errorf("transaction rolled back: %w", err))
	}

	m.mu.Lock()
	m.state = working
	m.mu.Unlock()
	return nil
}

type memTx struct {
	state    *memState
	readOnly bool
}

func (t *memTx) PreKeys(identity domain.Identity, class domain.KeyClass) KeyStore {
	return &memKeyStore{tx: t, idx: keyIndex{identity: identity, class: class}}
}

func (t *memTx) IdentityKeys() IdentityKeyStore {
	return &memIdentityStore{tx: t}
}

func (t *memTx) KeyIDs(identity domain.Identity) KeyIDAllocator {
	return &memAllocator{tx: t, identity: identity}
}

func (t *memTx) Metadata(identity domain.Identity) MetadataStore {
	return &memMetadata{tx: t, identity: identity}
}

func (t *memTx) checkWritable() error {
	if t.readOnly {
		return persistenceError(commonerrors.ErrReadOnlyTransaction)
	}
	return nil
}

type memKeyStore struct {
	tx  *memTx
	idx keyIndex
}

func (s *memKeyStore) keys() map[uint32]domain.PreKey {
	return s.tx.state.keys[s.idx]
}

func (s *memKeyStore) Store(ctx context.Context, key domain.PreKey) error {
	if err := s.tx.checkWritable(); err != nil {
		return err
	}
	if key.Identity != s.idx.identity || key.Class != s.idx.class {
		return persistenceError(fmt.Errorf("key %s/%s stored in %s/%s store", key.Identity, key.Class, s.idx.identity, s.idx.class))
	}

	keys := s.keys()
	if keys == nil {
		keys = make(map[uint32]domain.PreKey)
		s.tx.state.keys[s.idx] = keys
	}
	if _, exists := keys[key.ID]; exists {
		return persistenceError(fmt.Errorf("duplicate %s key id %d for %s", key.Class, key.ID, key.Identity))
	}

	if key.State == "" {
		key.State = domain.KeyStatePending
	}
	keys[key.ID] = key
	return nil
}

func (s *memKeyStore) MarkCurrent(ctx context.Context, keyID uint32) (bool, error) {
	if err := s.tx.checkWritable(); err != nil {
		return false, err
	}
	keys := s.keys()
	key, ok := keys[keyID]
	if !ok {
		return false, persistenceError(commonerrors.ErrKeyNotFound.WithCause(fmt.Errorf("%s key %d for %s", s.idx.class, keyID, s.idx.identity)))
	}
	if key.State != domain.KeyStatePending {
		return false, nil
	}

	if s.idx.class.SingleCurrent() {
		for _, k := range keys {
			if k.State == domain.KeyStateCurrent && k.NewerThan(key) {
				key.State = domain.KeyStateSuperseded
				keys[keyID] = key
				return false, nil
			}
		}
		s.supersedeCurrent()
	}

	key.State = domain.KeyStateCurrent
	keys[keyID] = key
	return true, nil
}

func (s *memKeyStore) SupersedeCurrent(ctx context.Context) (int, error) {
	if err := s.tx.checkWritable(); err != nil {
		return 0, err
	}
	return s.supersedeCurrent(), nil
}

func (s *memKeyStore) supersedeCurrent() int {
	keys := s.keys()
	n := 0
	for id, k := range keys {
		if k.State == domain.KeyStateCurrent {
			k.State = domain.KeyStateSuperseded
			keys[id] = k
			n++
		}
	}
	return n
}

func (s *memKeyStore) MarkConsumed(ctx context.Context, keyID uint32) error {
	if err := s.tx.checkWritable(); err != nil {
		return err
	}
	if s.idx.class == domain.KeyClassSigned {
		return commonerrors.ErrKeyNotConsumable
	}
	keys := s.keys()
	key, ok := keys[keyID]
	if !ok {
		return persistenceError(commonerrors.ErrKeyNotFound.WithCause(fmt.Errorf("%s key %d for %s", s.idx.class, keyID, s.idx.identity)))
	}
	if !s.idx.class.Consumable() {
		return nil
	}

	key.State = domain.KeyStateConsumed
	keys[keyID] = key
	return nil
}

func (s *memKeyStore) FetchCurrent(ctx context.Context) (domain.Option[domain.PreKey], error) {
	var (
		found bool
		best  domain.PreKey
	)
	for _, k := range s.keys() {
		if k.State != domain.KeyStateCurrent {
			continue
		}
		if !found || k.NewerThan(best) {
			best = k
			found = true
		}
	}
	if !found {
		return domain.None[domain.PreKey](), nil
	}
	return domain.Some(best), nil
}

func (s *memKeyStore) FetchAll(ctx context.Context) ([]domain.PreKey, error) {
	keys := s.keys()
	out := make([]domain.PreKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memKeyStore) CountAvailable(ctx context.Context) (int, error) {
	n := 0
	for _, k := range s.keys() {
		if k.State == domain.KeyStateCurrent {
			n++
		}
	}
	return n, nil
}

type memIdentityStore struct {
	tx *memTx
}

func (s *memIdentityStore) Get(ctx context.Context, identity domain.Identity) (domain.Option[domain.IdentityKeyPair], error) {
	pair, ok := s.tx.state.identities[identity]
	if !ok {
		return domain.None[domain.IdentityKeyPair](), nil
	}
	return domain.Some(pair), nil
}

func (s *memIdentityStore) Put(ctx context.Context, identity domain.Identity, pair domain.IdentityKeyPair) error {
	if err := s.tx.checkWritable(); err != nil {
		return err
	}
	s.tx.state.identities[identity] = pair
	return nil
}

type memAllocator struct {
	tx       *memTx
	identity domain.Identity
}

func (a *memAllocator) Next(ctx context.Context, class domain.KeyClass, n int) ([]uint32, error) {
	if err := a.tx.checkWritable(); err != nil {
		return nil, err
	}
	idx := keyIndex{identity: a.identity, class: class}

	taken := make(map[uint32]struct{}, len(a.tx.state.keys[idx]))
	for id := range a.tx.state.keys[idx] {
		taken[id] = struct{}{}
	}

	ids, next, err := allocateIDs(a.tx.state.counters[idx], n, taken)
	if err != nil {
		return nil, persistenceError(err)
	}
	a.tx.state.counters[idx] = next
	return ids, nil
}

type memMetadata struct {
	tx       *memTx
	identity domain.Identity
}

func (m *memMetadata) KeyGeneration(ctx context.Context) (domain.Option[int], error) {
	gen, ok := m.tx.state.generations[m.identity]
	if !ok {
		return domain.None[int](), nil
	}
	return domain.Some(gen), nil
}

func (m *memMetadata) SetKeyGeneration(ctx context.Context, generation int) error {
	if err := m.tx.checkWritable(); err != nil {
		return err
	}
	m.tx.state.generations[m.identity] = generation
	return nil
}
