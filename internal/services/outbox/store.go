package outbox

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"godown-edge-go/internal/metrics"
	"godown-edge-go/internal/models"
)

var (
	// ErrPayloadTooLarge is returned when a payload exceeds the configured maximum
	ErrPayloadTooLarge = errors.New("outbox payload too large")
	// ErrNotFound is returned for an unknown record id
	ErrNotFound = errors.New("outbox record not found")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("outbox closed")
)

// Status is the delivery state of a record
type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusDead    Status = "dead"
)

// Record is one durable outbound message
type Record struct {
	ID            uint64    `json:"id"`
	CreatedAt     time.Time `json:"created_at"`
	EventType     string    `json:"event_type"`
	CameraID      string    `json:"camera_id"`
	GodownID      string    `json:"godown_id"`
	Payload       []byte    `json:"payload"`
	Topic         string    `json:"topic"`
	Transport     string    `json:"transport"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	LastError     string    `json:"last_error,omitempty"`
	Status        Status    `json:"status"`
}

// Options configures the store
type Options struct {
	Path        string
	InMemory    bool
	SyncWrites  bool
	MaxQueue    int
	MaxAttempts int
	MaxPayload  int
}

// Key layout:
//
//	rec:<id>                       record JSON, ids zero padded so keys sort oldest first
//	idx:pending:<next_attempt>:<id> empty value, pending rows ordered by due time
const (
	prefixRecord  = "rec:"
	prefixPending = "idx:pending:"
	sequenceKey   = "seq:outbox"
)

// Store is a capacity-bounded durable outbox on BadgerDB. Writes are serialised by a mutex
// so read-modify-write sequences and the in-memory counters stay consistent.
type Store struct {
	db   *badger.DB
	seq  *badger.Sequence
	opts Options
	log  zerolog.Logger

	mu     sync.Mutex
	closed bool
	counts map[Status]int
}

// Open opens (or creates) the outbox and rebuilds its counters
func Open(opts Options, logger zerolog.Logger) (*Store, error) {
	if opts.MaxQueue <= 0 {
		opts.MaxQueue = 10000
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = 256 * 1024
	}

	bopts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.SyncWrites = opts.SyncWrites
	// Edge nodes are small: keep the memtable and value log files modest
	bopts.MemTableSize = 16 << 20
	bopts.ValueLogFileSize = 64 << 20
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("outbox sequence: %w", err)
	}

	s := &Store{
		db:     db,
		seq:    seq,
		opts:   opts,
		log:    logger,
		counts: map[Status]int{},
	}
	if err := s.recount(); err != nil {
		seq.Release()
		db.Close()
		return nil, err
	}

	logger.Info().
		Str("path", opts.Path).
		Bool("in_memory", opts.InMemory).
		Int("pending", s.counts[StatusPending]).
		Int("sent", s.counts[StatusSent]).
		Int("dead", s.counts[StatusDead]).
		Msg("Outbox opened")
	return s, nil
}

func recordKey(id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixRecord, id))
}

func pendingKey(next time.Time, id uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d:%020d", prefixPending, next.UnixNano(), id))
}

// Delay is the retry delay after the given number of failed attempts: 2^attempts seconds,
// exponent capped at 6 and the result capped at 60s
func Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 6 {
		attempts = 6
	}
	secs := 1 << attempts
	if secs > 60 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

// Enqueue stores a pending record, evicting the oldest rows when the queue is full.
// The returned record carries its assigned id.
func (s *Store) Enqueue(rec Record, now time.Time) (Record, error) {
	if len(rec.Payload) > s.opts.MaxPayload {
		return Record{}, fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(rec.Payload), s.opts.MaxPayload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}

	next, err := s.seq.Next()
	if err != nil {
		return Record{}, fmt.Errorf("outbox sequence: %w", err)
	}
	rec.ID = next + 1
	rec.CreatedAt = now.UTC()
	rec.NextAttemptAt = rec.CreatedAt
	rec.Attempts = 0
	rec.LastError = ""
	rec.Status = StatusPending

	data, err := json.Marshal(&rec)
	if err != nil {
		return Record{}, fmt.Errorf("marshal outbox record: %w", err)
	}

	evicted := map[Status]int{}
	excess := s.total() + 1 - s.opts.MaxQueue
	err = s.db.Update(func(txn *badger.Txn) error {
		if excess > 0 {
			if err := s.evictOldest(txn, excess, evicted); err != nil {
				return err
			}
		}
		if err := txn.Set(recordKey(rec.ID), data); err != nil {
			return err
		}
		return txn.Set(pendingKey(rec.NextAttemptAt, rec.ID), nil)
	})
	if err != nil {
		return Record{}, fmt.Errorf("write outbox record: %w", err)
	}

	for status, n := range evicted {
		s.counts[status] -= n
		metrics.OutboxEvictedTotal.Add(float64(n))
	}
	if n := evicted[StatusPending] + evicted[StatusSent] + evicted[StatusDead]; n > 0 {
		s.log.Warn().Int("evicted", n).Int("max_queue", s.opts.MaxQueue).Msg("Outbox full, evicted oldest rows")
	}
	s.counts[StatusPending]++
	s.publishCounts()
	return rec, nil
}

// evictOldest deletes the n lowest-id records and their index entries
func (s *Store) evictOldest(txn *badger.Txn, n int, evicted map[Status]int) error {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = true
	it := txn.NewIterator(opts)

	var victims []Record
	prefix := []byte(prefixRecord)
	for it.Seek(prefix); it.ValidForPrefix(prefix) && len(victims) < n; it.Next() {
		var rec Record
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			it.Close()
			return fmt.Errorf("unmarshal outbox record: %w", err)
		}
		victims = append(victims, rec)
	}
	// The iterator must be closed before the deletes below
	it.Close()

	for _, rec := range victims {
		if err := txn.Delete(recordKey(rec.ID)); err != nil {
			return err
		}
		if rec.Status == StatusPending {
			if err := txn.Delete(pendingKey(rec.NextAttemptAt, rec.ID)); err != nil {
				return err
			}
		}
		evicted[rec.Status]++
	}
	return nil
}

// Due returns up to limit pending records whose next attempt is at or before now, earliest first
func (s *Store) Due(now time.Time, limit int) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixPending)
		cutoff := now.UnixNano()
		var ids []uint64
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(ids) >= limit {
				break
			}
			due, id, ok := parsePendingKey(it.Item().Key())
			if !ok {
				continue
			}
			if due > cutoff {
				break
			}
			ids = append(ids, id)
		}

		for _, id := range ids {
			rec, err := getRecord(txn, id)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("select due outbox rows: %w", err)
	}
	return out, nil
}

// MarkSent records a positive acknowledgement for a pending record
func (s *Store) MarkSent(id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var prev Status
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		prev = rec.Status
		if prev != StatusPending {
			return nil
		}
		if err := txn.Delete(pendingKey(rec.NextAttemptAt, rec.ID)); err != nil {
			return err
		}
		rec.Status = StatusSent
		rec.LastError = ""
		return putRecord(txn, rec)
	})
	if err != nil {
		return err
	}
	if prev == StatusPending {
		s.counts[StatusPending]--
		s.counts[StatusSent]++
		s.publishCounts()
	}
	return nil
}

// MarkFailed counts a failed attempt and reschedules the record, or dead-letters it once
// attempts reach the maximum. It returns the updated record.
func (s *Store) MarkFailed(id uint64, reason string, now time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}

	var updated Record
	var wasPending bool
	err := s.db.Update(func(txn *badger.Txn) error {
		rec, err := getRecord(txn, id)
		if err != nil {
			return err
		}
		updated = rec
		if rec.Status != StatusPending {
			return nil
		}
		wasPending = true
		if err := txn.Delete(pendingKey(rec.NextAttemptAt, rec.ID)); err != nil {
			return err
		}

		rec.Attempts++
		rec.LastError = reason
		if rec.Attempts >= s.opts.MaxAttempts {
			rec.Status = StatusDead
		} else {
			rec.NextAttemptAt = now.UTC().Add(Delay(rec.Attempts))
			if err := txn.Set(pendingKey(rec.NextAttemptAt, rec.ID), nil); err != nil {
				return err
			}
		}
		updated = rec
		return putRecord(txn, rec)
	})
	if err != nil {
		return Record{}, err
	}

	if wasPending && updated.Status == StatusDead {
		s.counts[StatusPending]--
		s.counts[StatusDead]++
		s.publishCounts()
		s.log.Error().
			Uint64("id", updated.ID).
			Str("event_type", updated.EventType).
			Str("camera_id", updated.CameraID).
			Int("attempts", updated.Attempts).
			Str("last_error", updated.LastError).
			Msg("Outbox record dead-lettered")
	}
	return updated, nil
}

// Get returns a record by id
func (s *Store) Get(id uint64) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, ErrClosed
	}

	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, id)
		return err
	})
	return rec, err
}

// Stats returns row counts by status
func (s *Store) Stats() models.OutboxStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.OutboxStats{
		Total:   s.total(),
		Pending: s.counts[StatusPending],
		Sent:    s.counts[StatusSent],
		Dead:    s.counts[StatusDead],
	}
}

// Close releases the sequence and closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if err := s.seq.Release(); err != nil {
		errs = append(errs, fmt.Errorf("release outbox sequence: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close outbox: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Store) total() int {
	return s.counts[StatusPending] + s.counts[StatusSent] + s.counts[StatusDead]
}

func (s *Store) publishCounts() {
	metrics.SetOutboxRows(s.counts[StatusPending], s.counts[StatusSent], s.counts[StatusDead])
}

// recount rebuilds the status counters from the stored records
func (s *Store) recount() error {
	counts := map[Status]int{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixRecord)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				s.log.Warn().Err(err).Str("key", string(it.Item().Key())).Msg("Skipping unreadable outbox record")
				continue
			}
			counts[rec.Status]++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan outbox: %w", err)
	}
	s.counts = counts
	s.publishCounts()
	return nil
}

func getRecord(txn *badger.Txn, id uint64) (Record, error) {
	var rec Record
	item, err := txn.Get(recordKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return rec, fmt.Errorf("get outbox record: %w", err)
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return rec, fmt.Errorf("unmarshal outbox record: %w", err)
	}
	return rec, nil
}

func putRecord(txn *badger.Txn, rec Record) error {
	data, err := json.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("marshal outbox record: %w", err)
	}
	return txn.Set(recordKey(rec.ID), data)
}

// parsePendingKey splits idx:pending:<due>:<id>
func parsePendingKey(key []byte) (int64, uint64, bool) {
	rest := bytes.TrimPrefix(key, []byte(prefixPending))
	dueRaw, idRaw, ok := bytes.Cut(rest, []byte(":"))
	if !ok {
		return 0, 0, false
	}
	due, err := strconv.ParseInt(string(dueRaw), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	id, err := strconv.ParseUint(string(idRaw), 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return due, id, true
}
