package escrow

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mbd888/fiatescrow/internal/identity"
)

const (
	boltRecordsBucket       = "escrow_records"        // key -> encoded record
	boltOrderBucket         = "escrow_order"          // seq -> key
	boltTransfersBucket     = "escrow_transfers"      // transfer id -> JSON
	boltPendingBucket       = "escrow_pending"        // seq -> transfer id
	boltPendingIndexBucket  = "escrow_pending_index"  // transfer id -> seq
	boltParkedBucket        = "escrow_parked"         // seq -> transfer id
	boltParkedIndexBucket   = "escrow_parked_index"   // transfer id -> seq || reason
	boltParkedEscrowsBucket = "escrow_parked_escrows" // key -> 1
	boltEscrowOutboxBucket  = "escrow_outbox_by_key"  // key || seq -> transfer id
)

var boltBuckets = []string{
	boltRecordsBucket, boltOrderBucket, boltTransfersBucket, boltPendingBucket, boltPendingIndexBucket,
	boltParkedBucket, boltParkedIndexBucket, boltParkedEscrowsBucket, boltEscrowOutboxBucket,
}

// BoltStore is an embedded single-node escrow store. Every write runs in
// one bbolt transaction, which gives CompareAndSwap its atomicity.
type BoltStore struct {
	db *bbolt.DB
}

// OpenBoltStore opens (or creates) a BoltDB file at path.
func OpenBoltStore(path string) (*BoltStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open escrow db: %w", err)
	}

	store := &BoltStore{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *BoltStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *BoltStore) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range boltBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}

func (s *BoltStore) Insert(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	key := rec.Key()

	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(boltRecordsBucket))
		if records.Get(key[:]) != nil {
			return ErrAlreadyExists
		}
		if err := records.Put(key[:], data); err != nil {
			return err
		}
		order := tx.Bucket([]byte(boltOrderBucket))
		seq, err := order.NextSequence()
		if err != nil {
			return err
		}
		return order.Put(seqKey(seq), key[:])
	})
}

func (s *BoltStore) Get(ctx context.Context, key Key) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var rec Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(boltRecordsBucket)).Get(key[:])
		if data == nil {
			return ErrNotFound
		}
		return rec.UnmarshalBinary(data)
	})
	if err != nil {
		return Record{}, err
	}
	if rec.Key() != key {
		return Record{}, fmt.Errorf("%w: entry %s holds record %s", ErrAddressDerivation, key, rec.Key())
	}
	return rec, nil
}

func (s *BoltStore) CompareAndSwap(ctx context.Context, rec Record, expected uint64, transfers []Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	key := rec.Key()

	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(boltRecordsBucket))
		cur := records.Get(key[:])
		if cur == nil {
			return ErrNotFound
		}
		stored, err := DecodeRecord(cur)
		if err != nil {
			return err
		}
		if stored.Counter != expected {
			return fmt.Errorf("%w: stored %d, expected %d", ErrStaleCounter, stored.Counter, expected)
		}
		if err := records.Put(key[:], data); err != nil {
			return err
		}

		all := tx.Bucket([]byte(boltTransfersBucket))
		pending := tx.Bucket([]byte(boltPendingBucket))
		byKey := tx.Bucket([]byte(boltEscrowOutboxBucket))
		parked := tx.Bucket([]byte(boltParkedEscrowsBucket)).Get(key[:]) != nil
		for _, t := range transfers {
			if all.Get([]byte(t.ID)) != nil {
				continue
			}
			payload, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("encode transfer %s: %w", t.ID, err)
			}
			seq, err := pending.NextSequence()
			if err != nil {
				return err
			}
			if err := all.Put([]byte(t.ID), payload); err != nil {
				return err
			}
			if err := byKey.Put(escrowSeqKey(key, seq), []byte(t.ID)); err != nil {
				return err
			}
			if parked {
				err = parkEntry(tx, t.ID, seqKey(seq), parkedOnArrival)
			} else {
				err = queueEntry(tx, t.ID, seqKey(seq))
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) ListByParty(ctx context.Context, party identity.ID, limit int) ([]Record, error) {
	return s.scan(ctx, limit, func(r Record) bool {
		return r.Seller == party || r.Buyer == party || r.Arbitrator == party
	})
}

func (s *BoltStore) ListByState(ctx context.Context, state State, limit int) ([]Record, error) {
	return s.ListByStateFrom(ctx, state, 0, limit)
}

func (s *BoltStore) ListByStateFrom(ctx context.Context, state State, offset, limit int) ([]Record, error) {
	return s.scanFrom(ctx, offset, limit, func(r Record) bool { return r.State == state })
}

func (s *BoltStore) scan(ctx context.Context, limit int, match func(Record) bool) ([]Record, error) {
	return s.scanFrom(ctx, 0, limit, match)
}

// scanFrom walks records in creation order. Fine for the embedded backend's
// single-node scale; the SQL and Redis stores keep real indexes.
func (s *BoltStore) scanFrom(ctx context.Context, offset, limit int, match func(Record) bool) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var result []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket([]byte(boltRecordsBucket))
		c := tx.Bucket([]byte(boltOrderBucket)).Cursor()
		for k, key := c.First(); k != nil; k, key = c.Next() {
			rec, err := DecodeRecord(records.Get(key))
			if err != nil {
				return err
			}
			if !match(rec) {
				continue
			}
			if offset > 0 {
				offset--
				continue
			}
			result = append(result, rec)
			if len(result) >= limit {
				return nil
			}
		}
		return nil
	})
	return result, err
}

func (s *BoltStore) PendingTransfers(ctx context.Context, limit int) ([]Transfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var result []Transfer
	err := s.db.View(func(tx *bbolt.Tx) error {
		all := tx.Bucket([]byte(boltTransfersBucket))
		c := tx.Bucket([]byte(boltPendingBucket)).Cursor()
		for k, id := c.First(); k != nil; k, id = c.Next() {
			var t Transfer
			if err := json.Unmarshal(all.Get(id), &t); err != nil {
				return fmt.Errorf("decode transfer %s: %w", id, err)
			}
			result = append(result, t)
			if len(result) >= limit {
				return nil
			}
		}
		return nil
	})
	return result, err
}

func (s *BoltStore) MarkTransferDone(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		index := tx.Bucket([]byte(boltPendingIndexBucket))
		seq := index.Get([]byte(id))
		if seq == nil {
			if tx.Bucket([]byte(boltTransfersBucket)).Get([]byte(id)) != nil {
				return nil
			}
			return errUnknownTransfer(id)
		}
		if err := tx.Bucket([]byte(boltPendingBucket)).Delete(seq); err != nil {
			return err
		}
		return index.Delete([]byte(id))
	})
}

func (s *BoltStore) ParkTransfer(ctx context.Context, id, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(boltParkedIndexBucket)).Get([]byte(id)) != nil {
			return nil
		}
		payload := tx.Bucket([]byte(boltTransfersBucket)).Get([]byte(id))
		if payload == nil {
			return errUnknownTransfer(id)
		}
		if tx.Bucket([]byte(boltPendingIndexBucket)).Get([]byte(id)) == nil {
			return errTransferDispatched(id)
		}
		var t Transfer
		if err := json.Unmarshal(payload, &t); err != nil {
			return fmt.Errorf("decode transfer %s: %w", id, err)
		}

		pendingIndex := tx.Bucket([]byte(boltPendingIndexBucket))
		err := forEachEscrowTransfer(tx, t.Key, func(other string, seq []byte) error {
			if pendingIndex.Get([]byte(other)) == nil {
				return nil
			}
			if err := unqueueEntry(tx, other, seq); err != nil {
				return err
			}
			why := blockedBy(id)
			if other == id {
				why = reason
			}
			return parkEntry(tx, other, seq, why)
		})
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(boltParkedEscrowsBucket)).Put(t.Key[:], []byte{1})
	})
}

func (s *BoltStore) ParkedTransfers(ctx context.Context, limit int) ([]ParkedTransfer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	var result []ParkedTransfer
	err := s.db.View(func(tx *bbolt.Tx) error {
		all := tx.Bucket([]byte(boltTransfersBucket))
		index := tx.Bucket([]byte(boltParkedIndexBucket))
		c := tx.Bucket([]byte(boltParkedBucket)).Cursor()
		for k, id := c.First(); k != nil; k, id = c.Next() {
			var t Transfer
			if err := json.Unmarshal(all.Get(id), &t); err != nil {
				return fmt.Errorf("decode transfer %s: %w", id, err)
			}
			var reason string
			if entry := index.Get(id); len(entry) > 8 {
				reason = string(entry[8:])
			}
			result = append(result, ParkedTransfer{Transfer: t, Reason: reason})
			if len(result) >= limit {
				return nil
			}
		}
		return nil
	})
	return result, err
}

func (s *BoltStore) RequeueParked(ctx context.Context, key Key) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		parkedIndex := tx.Bucket([]byte(boltParkedIndexBucket))
		err := forEachEscrowTransfer(tx, key, func(id string, seq []byte) error {
			if parkedIndex.Get([]byte(id)) == nil {
				return nil
			}
			if err := tx.Bucket([]byte(boltParkedBucket)).Delete(seq); err != nil {
				return err
			}
			if err := parkedIndex.Delete([]byte(id)); err != nil {
				return err
			}
			n++
			return queueEntry(tx, id, seq)
		})
		if err != nil {
			return err
		}
		return tx.Bucket([]byte(boltParkedEscrowsBucket)).Delete(key[:])
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func queueEntry(tx *bbolt.Tx, id string, seq []byte) error {
	if err := tx.Bucket([]byte(boltPendingBucket)).Put(seq, []byte(id)); err != nil {
		return err
	}
	return tx.Bucket([]byte(boltPendingIndexBucket)).Put([]byte(id), seq)
}

func unqueueEntry(tx *bbolt.Tx, id string, seq []byte) error {
	if err := tx.Bucket([]byte(boltPendingBucket)).Delete(seq); err != nil {
		return err
	}
	return tx.Bucket([]byte(boltPendingIndexBucket)).Delete([]byte(id))
}

func parkEntry(tx *bbolt.Tx, id string, seq []byte, reason string) error {
	if err := tx.Bucket([]byte(boltParkedBucket)).Put(seq, []byte(id)); err != nil {
		return err
	}
	entry := append(append(make([]byte, 0, len(seq)+len(reason)), seq...), reason...)
	return tx.Bucket([]byte(boltParkedIndexBucket)).Put([]byte(id), entry)
}

// forEachEscrowTransfer visits every transfer ever enqueued for key in
// enqueue order.
func forEachEscrowTransfer(tx *bbolt.Tx, key Key, fn func(id string, seq []byte) error) error {
	c := tx.Bucket([]byte(boltEscrowOutboxBucket)).Cursor()
	for k, v := c.Seek(key[:]); k != nil && bytes.HasPrefix(k, key[:]); k, v = c.Next() {
		seq := append([]byte(nil), k[len(key):]...)
		if err := fn(string(v), seq); err != nil {
			return err
		}
	}
	return nil
}

func escrowSeqKey(key Key, seq uint64) []byte {
	return append(append(make([]byte, 0, len(key)+8), key[:]...), seqKey(seq)...)
}

func seqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

var _ Store = (*BoltStore)(nil)
