package challenge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	challengeKeyPrefix = "challenge:"
	expiryKeyPrefix    = "expiry:"
)

// LevelDBPersistence stores challenges in LevelDB with a secondary index
// ordered by expiry so pruning is a prefix scan.
type LevelDBPersistence struct {
	db *leveldb.DB
}

type storedChallenge struct {
	Nonce     string          `json:"nonce"`
	IssuedAt  int64           `json:"issuedAt"`
	ExpiresAt int64           `json:"expiresAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewLevelDBPersistence opens (or creates) a LevelDB database at path.
func NewLevelDBPersistence(path string) (*LevelDBPersistence, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb challenge persistence path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb challenge path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb challenge store: %w", err)
	}
	return &LevelDBPersistence{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (p *LevelDBPersistence) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

// SaveChallenge writes rec, replacing any challenge stored under the same key.
func (p *LevelDBPersistence) SaveChallenge(ctx context.Context, rec PersistedRecord) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	composite := compositeKey(rec.Namespace, rec.Key)
	primary := []byte(challengeKeyPrefix + composite)
	batch := new(leveldb.Batch)
	if previous, err := p.load(primary); err != nil {
		return err
	} else if previous != nil {
		batch.Delete([]byte(expiryKey(previous.ExpiresAt, composite)))
	}
	encoded, err := json.Marshal(storedChallenge{
		Nonce:     rec.Nonce,
		IssuedAt:  rec.IssuedAt.UTC().UnixNano(),
		ExpiresAt: rec.ExpiresAt.UTC().UnixNano(),
		Payload:   rec.Payload,
	})
	if err != nil {
		return fmt.Errorf("encode challenge: %w", err)
	}
	batch.Put(primary, encoded)
	batch.Put([]byte(expiryKey(rec.ExpiresAt.UTC().UnixNano(), composite)), nil)
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("record challenge: %w", err)
	}
	return nil
}

// DeleteChallenge removes the challenge stored for namespace and key, if any.
func (p *LevelDBPersistence) DeleteChallenge(ctx context.Context, namespace, key string) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	composite := compositeKey(namespace, key)
	primary := []byte(challengeKeyPrefix + composite)
	previous, err := p.load(primary)
	if err != nil {
		return err
	}
	if previous == nil {
		return nil
	}
	batch := new(leveldb.Batch)
	batch.Delete(primary)
	batch.Delete([]byte(expiryKey(previous.ExpiresAt, composite)))
	if err := p.db.Write(batch, nil); err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	return nil
}

// LiveChallenges returns the namespace's challenges that expire after now.
func (p *LevelDBPersistence) LiveChallenges(ctx context.Context, namespace string, now time.Time) ([]PersistedRecord, error) {
	if p == nil || p.db == nil {
		return nil, fmt.Errorf("leveldb persistence not configured")
	}
	prefix := []byte(challengeKeyPrefix + namespace + "|")
	iter := p.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	cutoff := now.UTC().UnixNano()
	records := make([]PersistedRecord, 0)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		var stored storedChallenge
		if err := json.Unmarshal(iter.Value(), &stored); err != nil {
			continue
		}
		if stored.ExpiresAt <= cutoff {
			continue
		}
		records = append(records, PersistedRecord{
			Namespace: namespace,
			Key:       strings.TrimPrefix(string(iter.Key()), string(prefix)),
			Nonce:     stored.Nonce,
			IssuedAt:  time.Unix(0, stored.IssuedAt).UTC(),
			ExpiresAt: time.Unix(0, stored.ExpiresAt).UTC(),
			Payload:   append(json.RawMessage(nil), stored.Payload...),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate challenges: %w", err)
	}
	return records, nil
}

// PruneChallenges deletes every challenge that expired at or before cutoff.
func (p *LevelDBPersistence) PruneChallenges(ctx context.Context, cutoff time.Time) error {
	if p == nil || p.db == nil {
		return fmt.Errorf("leveldb persistence not configured")
	}
	limit := cutoff.UTC().UnixNano()
	iter := p.db.NewIterator(util.BytesPrefix([]byte(expiryKeyPrefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	for iter.Next() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		composite, nanos, ok := parseExpiryKey(iter.Key())
		if !ok {
			continue
		}
		if nanos > limit {
			break
		}
		batch.Delete(append([]byte(nil), iter.Key()...))
		batch.Delete([]byte(challengeKeyPrefix + composite))
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterate challenge expiries: %w", err)
	}
	if batch.Len() > 0 {
		if err := p.db.Write(batch, nil); err != nil {
			return fmt.Errorf("prune challenges: %w", err)
		}
	}
	return nil
}

func (p *LevelDBPersistence) load(primary []byte) (*storedChallenge, error) {
	raw, err := p.db.Get(primary, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("load challenge: %w", err)
	}
	var stored storedChallenge
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	return &stored, nil
}

func compositeKey(namespace, key string) string {
	return namespace + "|" + key
}

func expiryKey(nanos int64, composite string) string {
	return fmt.Sprintf("%s%020d:%s", expiryKeyPrefix, nanos, composite)
}

func parseExpiryKey(key []byte) (string, int64, bool) {
	parts := strings.SplitN(string(key), ":", 3)
	if len(parts) != 3 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[2], nanos, true
}
