package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	pgx "github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/constants"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/db"
	commonerrors "github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/errors"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/common/logger"
	"github.com/AlibekovAA/dh-secure-chat/prekeys/internal/prekey/domain"
)

//go:embed schema.sql
var schemaSQL string

var errNoRows = errors.New("no rows")

// EnsureSchema creates the pre-key tables if they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	start := time.Now()
	_, err := pool.Exec(ctx, schemaSQL)
	if err := db.HandleExecError(err, "ensure prekey schema", start); err != nil {
		return persistenceError(err)
	}
	return nil
}

type PgTxManager struct {
	pool  *pgxpool.Pool
	log   *logger.Logger
	retry db.RetryConfig
}

func NewPgTxManager(pool *pgxpool.Pool, log *logger.Logger) *PgTxManager {
	return &PgTxManager{
		pool:  pool,
		log:   log,
		retry: db.DefaultRetryConfig,
	}
}

func (m *PgTxManager) WithReadTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	return m.withTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, true, fn)
}

func (m *PgTxManager) WithWriteTx(ctx context.Context, fn func(context.Context, Tx) error) error {
	return m.withTx(ctx, pgx.TxOptions{}, false, fn)
}

// withTx retries only the BEGIN; the body runs at most once.
func (m *PgTxManager) withTx(ctx context.Context, opts pgx.TxOptions, readOnly bool, fn func(context.Context, Tx) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, constants.DBQueryTimeout)
	defer cancel()

	var tx pgx.Tx
	beginErr := db.RetryWithBackoff(ctx, m.log, m.retry, func() error {
		var err error
		tx, err = m.pool.BeginTx(ctx, opts)
		return err
	})
	if beginErr != nil {
		return persistenceError(fmt.Errorf("begin transaction: %w", beginErr))
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		} else if err != nil {
			_ = tx.Rollback(ctx)
		} else if commitErr := tx.Commit(ctx); commitErr != nil {
			err = persistenceError(fmt.Errorf("commit transaction: %w", commitErr))
		}
	}()

	err = fn(ctx, &pgTx{tx: tx, readOnly: readOnly})
	return err
}

type pgTx struct {
	tx       pgx.Tx
	readOnly bool
}

func (t *pgTx) PreKeys(identity domain.Identity, class domain.KeyClass) KeyStore {
	return &pgKeyStore{tx: t, identity: identity, class: class}
}

func (t *pgTx) IdentityKeys() IdentityKeyStore {
	return &pgIdentityStore{tx: t}
}

func (t *pgTx) KeyIDs(identity domain.Identity) KeyIDAllocator {
	return &pgAllocator{tx: t, identity: identity}
}

func (t *pgTx) Metadata(identity domain.Identity) MetadataStore {
	return &pgMetadata{tx: t, identity: identity}
}

func (t *pgTx) checkWritable() error {
	if t.readOnly {
		return persistenceError(commonerrors.ErrReadOnlyTransaction)
	}
	return nil
}

type pgKeyStore struct {
	tx       *pgTx
	identity domain.Identity
	class    domain.KeyClass
}

func (s *pgKeyStore) notFound(keyID uint32) error {
	return persistenceError(commonerrors.ErrKeyNotFound.WithCause(
		fmt.Errorf("%s key %d for %s", s.class, keyID, s.identity),
	))
}

func (s *pgKeyStore) Store(ctx context.Context, key domain.PreKey) error {
	if err := s.tx.checkWritable(); err != nil {
		return err
	}
	if key.Identity != s.identity || key.Class != s.class {
		return persistenceError(fmt.Errorf("key %s/%s stored in %s/%s store", key.Identity, key.Class, s.identity, s.class))
	}
	state := key.State
	if state == "" {
		state = domain.KeyStatePending
	}

	start := time.Now()
	_, err := s.tx.tx.Exec(
		ctx,
		`INSERT INTO prekeys (identity, class, key_id, state, public_key, private_key, signature, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.identity.String(),
		s.class.String(),
		int64(key.ID),
		string(state),
		key.PublicKey,
		key.PrivateKey,
		key.Signature,
		key.CreatedAt,
	)
	return persistenceError(db.HandleExecError(err, "store prekey", start))
}

// lockKey row-locks one key and returns its id, state and creation time.
func (s *pgKeyStore) lockKey(ctx context.Context, keyID uint32) (domain.PreKey, error) {
	start := time.Now()
	row := s.tx.tx.QueryRow(
		ctx,
		`SELECT state, created_at FROM prekeys
		 WHERE identity = $1 AND class = $2 AND key_id = $3
		 FOR UPDATE`,
		s.identity.String(),
		s.class.String(),
		int64(keyID),
	)

	var (
		state     string
		createdAt time.Time
	)
	err := row.Scan(&state, &createdAt)
	if err := db.HandleQueryError(err, errNoRows, "lock prekey", start); err != nil {
		if errors.Is(err, errNoRows) {
			return domain.PreKey{}, s.notFound(keyID)
		}
		return domain.PreKey{}, persistenceError(err)
	}
	return domain.PreKey{ID: keyID, State: domain.KeyState(state), CreatedAt: createdAt}, nil
}

// lockCurrent row-locks the current key of a single-current class, if any.
func (s *pgKeyStore) lockCurrent(ctx context.Context) (domain.Option[domain.PreKey], error) {
	start := time.Now()
	row := s.tx.tx.QueryRow(
		ctx,
		`SELECT key_id, created_at FROM prekeys
		 WHERE identity = $1 AND class = $2 AND state = 'current'
		 FOR UPDATE`,
		s.identity.String(),
		s.class.String(),
	)

	var (
		id        int64
		createdAt time.Time
	)
	err := row.Scan(&id, &createdAt)
	if err := db.HandleQueryError(err, errNoRows, "lock current prekey", start); err != nil {
		if errors.Is(err, errNoRows) {
			return domain.None[domain.PreKey](), nil
		}
		return domain.Option[domain.PreKey]{}, persistenceError(err)
	}
	return domain.Some(domain.PreKey{ID: uint32(id), State: domain.KeyStateCurrent, CreatedAt: createdAt}), nil
}

func (s *pgKeyStore) setState(ctx context.Context, keyID uint32, state domain.KeyState, operation string) error {
	start := time.Now()
	_, err := s.tx.tx.Exec(
		ctx,
		`UPDATE prekeys SET state = $4
		 WHERE identity = $1 AND class = $2 AND key_id = $3`,
		s.identity.String(),
		s.class.String(),
		int64(keyID),
		string(state),
	)
	return persistenceError(db.HandleExecError(err, operation, start))
}

func (s *pgKeyStore) MarkCurrent(ctx context.Context, keyID uint32) (bool, error) {
	if err := s.tx.checkWritable(); err != nil {
		return false, err
	}
	key, err := s.lockKey(ctx, keyID)
	if err != nil {
		return false, err
	}
	if key.State != domain.KeyStatePending {
		return false, nil
	}

	if s.class.SingleCurrent() {
		current, err := s.lockCurrent(ctx)
		if err != nil {
			return false, err
		}
		if cur, ok, _ := current.Get(); ok && cur.NewerThan(key) {
			return false, s.setState(ctx, keyID, domain.KeyStateSuperseded, "supersede stale prekey")
		}
		if _, err := s.supersedeCurrent(ctx); err != nil {
			return false, err
		}
	}

	if err := s.setState(ctx, keyID, domain.KeyStateCurrent, "mark prekey current"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *pgKeyStore) SupersedeCurrent(ctx context.Context) (int, error) {
	if err := s.tx.checkWritable(); err != nil {
		return 0, err
	}
	return s.supersedeCurrent(ctx)
}

func (s *pgKeyStore) supersedeCurrent(ctx context.Context) (int, error) {
	start := time.Now()
	tag, err := s.tx.tx.Exec(
		ctx,
		`UPDATE prekeys SET state = 'superseded'
		 WHERE identity = $1 AND class = $2 AND state = 'current'`,
		s.identity.String(),
		s.class.String(),
	)
	if err := db.HandleExecError(err, "supersede current prekey", start); err != nil {
		return 0, persistenceError(err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *pgKeyStore) MarkConsumed(ctx context.Context, keyID uint32) error {
	if err := s.tx.checkWritable(); err != nil {
		return err
	}
	if s.class == domain.KeyClassSigned {
		return commonerrors.ErrKeyNotConsumable
	}
	if _, err := s.lockKey(ctx, keyID); err != nil {
		return err
	}
	if !s.class.Consumable() {
		return nil
	}
	return s.setState(ctx, keyID, domain.KeyStateConsumed, "mark prekey consumed")
}

func (s *pgKeyStore) scanKey(row pgx.Row) (domain.PreKey, error) {
	var (
		id    int64
		state string
		key   domain.PreKey
	)
	if err := row.Scan(&id, &state, &key.PublicKey, &key.PrivateKey, &key.Signature, &key.CreatedAt); err != nil {
		return domain.PreKey{}, err
	}
	key.Identity = s.identity
	key.Class = s.class
	key.ID = uint32(id)
	key.State = domain.KeyState(state)
	return key, nil
}

func (s *pgKeyStore) FetchCurrent(ctx context.Context) (domain.Option[domain.PreKey], error) {
	start := time.Now()
	row := s.tx.tx.QueryRow(
		ctx,
		`SELECT key_id, state, public_key, private_key, signature, created_at
		 FROM prekeys
		 WHERE identity = $1 AND class = $2 AND state = 'current'
		 ORDER BY created_at DESC, key_id DESC
		 LIMIT 1`,
		s.identity.String(),
		s.class.String(),
	)

	key, err := s.scanKey(row)
	if err := db.HandleQueryError(err, errNoRows, "fetch current prekey", start); err != nil {
		if errors.Is(err, errNoRows) {
			return domain.None[domain.PreKey](), nil
		}
		return domain.Option[domain.PreKey]{}, persistenceError(err)
	}
	return domain.Some(key), nil
}

func (s *pgKeyStore) FetchAll(ctx context.Context) ([]domain.PreKey, error) {
	start := time.Now()
	rows, err := s.tx.tx.Query(
		ctx,
		`SELECT key_id, state, public_key, private_key, signature, created_at
		 FROM prekeys
		 WHERE identity = $1 AND class = $2
		 ORDER BY key_id`,
		s.identity.String(),
		s.class.String(),
	)
	if err != nil {
		return nil, persistenceError(db.HandleQueryError(err, nil, "fetch prekeys", start))
	}
	defer rows.Close()

	var keys []domain.PreKey
	for rows.Next() {
		key, err := s.scanKey(rows)
		if err != nil {
			return nil, persistenceError(db.HandleQueryError(err, nil, "scan prekeys", start))
		}
		keys = append(keys, key)
	}
	if err := db.HandleQueryError(rows.Err(), nil, "fetch prekeys", start); err != nil {
		return nil, persistenceError(err)
	}
	return keys, nil
}

func (s *pgKeyStore) CountAvailable(ctx context.Context) (int, error) {
	start := time.Now()
	row := s.tx.tx.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM prekeys
		 WHERE identity = $1 AND class = $2 AND state = 'current'`,
		s.identity.String(),
		s.class.String(),
	)

	var count int
	err := row.Scan(&count)
	if err := db.HandleQueryError(err, nil, "count available prekeys", start); err != nil {
		return 0, persistenceError(err)
	}
	return count, nil
}

type pgIdentityStore struct {
	tx *pgTx
}

func (s *pgIdentityStore) Get(ctx context.Context, identity domain.Identity) (domain.Option[domain.IdentityKeyPair], error) {
	start := time.Now()
	row := s.tx.tx.QueryRow(
		ctx,
		`SELECT public_key, private_key, created_at FROM identity_keys WHERE identity = $1`,
		identity.String(),
	)

	var (
		pub, priv []byte
		pair      domain.IdentityKeyPair
	)
	err := row.Scan(&pub, &priv, &pair.CreatedAt)
	if err := db.HandleQueryError(err, errNoRows, "get identity key", start); err != nil {
		if errors.Is(err, errNoRows) {
			return domain.None[domain.IdentityKeyPair](), nil
		}
		return domain.Option[domain.IdentityKeyPair]{}, persistenceError(err)
	}
	pair.PublicKey = pub
	pair.PrivateKey = priv
	return domain.Some(pair), nil
}

func (s *pgIdentityStore) Put(ctx context.Context, identity domain.Identity, pair domain.IdentityKeyPair) error {
	if err := s.tx.checkWritable(); err != nil {
		return err
	}
	start := time.Now()
	_, err := s.tx.tx.Exec(
		ctx,
		`INSERT INTO identity_keys (identity, public_key, private_key, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (identity) DO UPDATE
		 SET public_key = EXCLUDED.public_key,
		     private_key = EXCLUDED.private_key,
		     created_at = EXCLUDED.created_at`,
		identity.String(),
		[]byte(pair.PublicKey),
		[]byte(pair.PrivateKey),
		pair.CreatedAt,
	)
	return persistenceError(db.HandleExecError(err, "put identity key", start))
}

type pgAllocator struct {
	tx       *pgTx
	identity domain.Identity
}

func (a *pgAllocator) Next(ctx context.Context, class domain.KeyClass, n int) ([]uint32, error) {
	if err := a.tx.checkWritable(); err != nil {
		return nil, err
	}

	start := time.Now()
	_, err := a.tx.tx.Exec(
		ctx,
		`INSERT INTO prekey_id_counters (identity, class, next_id)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (identity, class) DO NOTHING`,
		a.identity.String(),
		class.String(),
	)
	if err := db.HandleExecError(err, "init id counter", start); err != nil {
		return nil, persistenceError(err)
	}

	start = time.Now()
	var next int64
	err = a.tx.tx.QueryRow(
		ctx,
		`SELECT next_id FROM prekey_id_counters
		 WHERE identity = $1 AND class = $2
		 FOR UPDATE`,
		a.identity.String(),
		class.String(),
	).Scan(&next)
	if err := db.HandleQueryError(err, nil, "lock id counter", start); err != nil {
		return nil, persistenceError(err)
	}

	taken, err := a.takenIDs(ctx, class)
	if err != nil {
		return nil, err
	}

	ids, newNext, err := allocateIDs(uint32(next), n, taken)
	if err != nil {
		return nil, persistenceError(err)
	}

	start = time.Now()
	_, err = a.tx.tx.Exec(
		ctx,
		`UPDATE prekey_id_counters SET next_id = $3 WHERE identity = $1 AND class = $2`,
		a.identity.String(),
		class.String(),
		int64(newNext),
	)
	if err := db.HandleExecError(err, "advance id counter", start); err != nil {
		return nil, persistenceError(err)
	}
	return ids, nil
}

func (a *pgAllocator) takenIDs(ctx context.Context, class domain.KeyClass) (map[uint32]struct{}, error) {
	start := time.Now()
	rows, err := a.tx.tx.Query(
		ctx,
		`SELECT key_id FROM prekeys WHERE identity = $1 AND class = $2`,
		a.identity.String(),
		class.String(),
	)
	if err != nil {
		return nil, persistenceError(db.HandleQueryError(err, nil, "list taken key ids", start))
	}
	defer rows.Close()

	taken := make(map[uint32]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, persistenceError(db.HandleQueryError(err, nil, "scan taken key ids", start))
		}
		taken[uint32(id)] = struct{}{}
	}
	if err := db.HandleQueryError(rows.Err(), nil, "list taken key ids", start); err != nil {
		return nil, persistenceError(err)
	}
	return taken, nil
}

type pgMetadata struct {
	tx       *pgTx
	identity domain.Identity
}

func (m *pgMetadata) KeyGeneration(ctx context.Context) (domain.Option[int], error) {
	start := time.Now()
	var gen int
	err := m.tx.tx.QueryRow(
		ctx,
		`SELECT key_generation FROM prekey_metadata WHERE identity = $1`,
		m.identity.String(),
	).Scan(&gen)
	if err := db.HandleQueryError(err, errNoRows, "get key generation metadata", start); err != nil {
		if errors.Is(err, errNoRows) {
			return domain.None[int](), nil
		}
		return domain.Option[int]{}, persistenceError(err)
	}
	return domain.Some(gen), nil
}

func (m *pgMetadata) SetKeyGeneration(ctx context.Context, generation int) error {
	if err := m.tx.checkWritable(); err != nil {
		return err
	}
	start := time.Now()
	_, err := m.tx.tx.Exec(
		ctx,
		`INSERT INTO prekey_metadata (identity, key_generation)
		 VALUES ($1, $2)
		 ON CONFLICT (identity) DO UPDATE SET key_generation = EXCLUDED.key_generation`,
		m.identity.String(),
		generation,
	)
	return persistenceError(db.HandleExecError(err, "set key generation metadata", start))
}
