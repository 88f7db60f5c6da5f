package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/lib/pq"

	"github.com/mbd888/fiatescrow/internal/identity"
)

// uniqueViolation is the Postgres SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// PostgresStore persists escrow records in PostgreSQL. The record body is the
// fixed binary layout; the remaining columns exist for indexing.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, rec Record) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO escrows (
			escrow_key, escrow_id, trade_id, seller, buyer, arbitrator,
			state, counter, data
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.Key().String(),
		strconv.FormatUint(rec.EscrowID, 10), strconv.FormatUint(rec.TradeID, 10),
		rec.Seller.String(), rec.Buyer.String(), rec.Arbitrator.String(),
		rec.State.String(), int64(rec.Counter), data,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, key Key) (Record, error) {
	row := p.db.QueryRowContext(ctx, `SELECT data FROM escrows WHERE escrow_key = $1`, key.String())

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	if rec.Key() != key {
		return Record{}, fmt.Errorf("%w: row %s holds record %s", ErrAddressDerivation, key, rec.Key())
	}
	return rec, nil
}

func (p *PostgresStore) CompareAndSwap(ctx context.Context, rec Record, expected uint64, transfers []Transfer) error {
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	key := rec.Key().String()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE escrows SET state = $1, counter = $2, data = $3, updated_at = NOW()
		WHERE escrow_key = $4 AND counter = $5`,
		rec.State.String(), int64(rec.Counter), data, key, int64(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		var current int64
		err := tx.QueryRowContext(ctx, `SELECT counter FROM escrows WHERE escrow_key = $1`, key).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: stored %d, expected %d", ErrStaleCounter, current, expected)
	}

	for _, t := range transfers {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO escrow_transfers (id, escrow_key, counter, leg, from_id, to_id, amount)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (id) DO NOTHING`,
			t.ID, key, int64(t.Counter), string(t.Leg), t.From.String(), t.To.String(), int64(t.Amount),
		)
		if err != nil {
			return fmt.Errorf("enqueue transfer %s: %w", t.ID, err)
		}
	}
	if len(transfers) > 0 {
		_, err := tx.ExecContext(ctx, `
			UPDATE escrow_transfers t SET parked_at = NOW(), park_reason = $2
			FROM escrows e
			WHERE e.escrow_key = $1 AND e.transfers_parked
			  AND t.escrow_key = $1 AND t.dispatched_at IS NULL AND t.parked_at IS NULL`,
			key, parkedOnArrival,
		)
		if err != nil {
			return fmt.Errorf("park transfers behind %s: %w", key, err)
		}
	}

	return tx.Commit()
}

func (p *PostgresStore) ListByParty(ctx context.Context, party identity.ID, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	id := party.String()
	rows, err := p.db.QueryContext(ctx, `
		SELECT data
		FROM escrows
		WHERE seller = $1 OR buyer = $1 OR arbitrator = $1
		ORDER BY created_at DESC
		LIMIT $2`, id, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) ListByState(ctx context.Context, state State, limit int) ([]Record, error) {
	return p.ListByStateFrom(ctx, state, 0, limit)
}

func (p *PostgresStore) ListByStateFrom(ctx context.Context, state State, offset, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT data
		FROM escrows
		WHERE state = $1
		ORDER BY created_at, escrow_key
		LIMIT $2 OFFSET $3`, state.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

func (p *PostgresStore) PendingTransfers(ctx context.Context, limit int) ([]Transfer, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_key, counter, leg, from_id, to_id, amount
		FROM escrow_transfers
		WHERE dispatched_at IS NULL AND parked_at IS NULL
		ORDER BY seq
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) MarkTransferDone(ctx context.Context, id string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transfers SET dispatched_at = NOW()
		WHERE id = $1 AND dispatched_at IS NULL`, id)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err != nil || rows > 0 {
		return err
	}
	var exists bool
	err = p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM escrow_transfers WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return errUnknownTransfer(id)
	}
	return nil
}

func (p *PostgresStore) ParkTransfer(ctx context.Context, id, reason string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		key                string
		dispatched, parked bool
	)
	err = tx.QueryRowContext(ctx, `
		SELECT escrow_key, dispatched_at IS NOT NULL, parked_at IS NOT NULL
		FROM escrow_transfers
		WHERE id = $1
		FOR UPDATE`, id).Scan(&key, &dispatched, &parked)
	if err == sql.ErrNoRows {
		return errUnknownTransfer(id)
	}
	if err != nil {
		return err
	}
	switch {
	case dispatched:
		return errTransferDispatched(id)
	case parked:
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE escrow_transfers
		SET parked_at = NOW(), park_reason = CASE WHEN id = $2 THEN $3 ELSE $4 END
		WHERE escrow_key = $1 AND dispatched_at IS NULL AND parked_at IS NULL`,
		key, id, reason, blockedBy(id),
	)
	if err != nil {
		return fmt.Errorf("park transfers of %s: %w", key, err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE escrows SET transfers_parked = TRUE WHERE escrow_key = $1`, key); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) ParkedTransfers(ctx context.Context, limit int) ([]ParkedTransfer, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, escrow_key, counter, leg, from_id, to_id, amount, park_reason
		FROM escrow_transfers
		WHERE dispatched_at IS NULL AND parked_at IS NOT NULL
		ORDER BY seq
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []ParkedTransfer
	for rows.Next() {
		var reason sql.NullString
		t, err := scanTransfer(rows, &reason)
		if err != nil {
			return nil, err
		}
		result = append(result, ParkedTransfer{Transfer: t, Reason: reason.String})
	}
	return result, rows.Err()
}

func (p *PostgresStore) RequeueParked(ctx context.Context, key Key) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE escrow_transfers SET parked_at = NULL, park_reason = NULL
		WHERE escrow_key = $1 AND dispatched_at IS NULL AND parked_at IS NOT NULL`, key.String())
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE escrows SET transfers_parked = FALSE WHERE escrow_key = $1`, key.String()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (Record, error) {
	var data []byte
	if err := s.Scan(&data); err != nil {
		return Record{}, err
	}
	return DecodeRecord(data)
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var result []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// scanTransfer reads the seven transfer columns followed by any extra
// destinations.
func scanTransfer(s scanner, extra ...interface{}) (Transfer, error) {
	var (
		t                  Transfer
		key, leg, from, to string
		counter, amount    int64
	)
	dest := append([]interface{}{&t.ID, &key, &counter, &leg, &from, &to, &amount}, extra...)
	if err := s.Scan(dest...); err != nil {
		return Transfer{}, err
	}
	var err error
	if t.Key, err = ParseKey(key); err != nil {
		return Transfer{}, err
	}
	if t.From, err = identity.Parse(from); err != nil {
		return Transfer{}, err
	}
	if t.To, err = identity.Parse(to); err != nil {
		return Transfer{}, err
	}
	t.Counter = uint64(counter)
	t.Leg = Leg(leg)
	t.Amount = uint64(amount)
	return t, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
