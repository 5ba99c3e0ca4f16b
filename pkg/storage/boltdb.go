package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/minoots/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketTimers          = []byte("timers")
	bucketTimersByClient  = []byte("timers_by_client_id")
	bucketPolicies        = []byte("tenant_policies")
	bucketPoliciesByKeyID = []byte("tenant_policies_by_api_key")
	bucketUsage           = []byte("usage_counters")
	bucketCommandLog      = []byte("command_log")
	bucketDeadLetters     = []byte("dead_letters")
)

// BoltStore implements Store on a single embedded bbolt file. Every node in
// the replica set runs its own BoltStore; the FSM applies the same
// committed sequence of commands against it, so each replica's file
// converges to the same bytes (modulo bbolt's own page layout).
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) the kernel's data file under
// dataDir and ensures every bucket exists.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "minoots.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketTimers,
			bucketTimersByClient,
			bucketPolicies,
			bucketPoliciesByKeyID,
			bucketUsage,
			bucketCommandLog,
			bucketDeadLetters,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func timerKey(tenantID, id string) []byte {
	return append(append([]byte(tenantID), 0x00), []byte(id)...)
}

func clientIDKey(tenantID, clientTimerID string) []byte {
	return append(append([]byte(tenantID), 0x00), []byte(clientTimerID)...)
}

// Timers

func (s *BoltStore) PutTimer(timer *types.Timer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(timer)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketTimers).Put(timerKey(timer.TenantID, timer.ID), data); err != nil {
			return err
		}
		if timer.ClientTimerID != "" {
			if err := tx.Bucket(bucketTimersByClient).Put(
				clientIDKey(timer.TenantID, timer.ClientTimerID), []byte(timer.ID),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetTimer(tenantID, id string) (*types.Timer, error) {
	var timer types.Timer
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTimers).Get(timerKey(tenantID, id))
		if data == nil {
			return fmt.Errorf("timer not found: %s/%s", tenantID, id)
		}
		return json.Unmarshal(data, &timer)
	})
	if err != nil {
		return nil, err
	}
	return &timer, nil
}

func (s *BoltStore) GetTimerByClientID(tenantID, clientTimerID string) (*types.Timer, error) {
	var timer types.Timer
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketTimersByClient).Get(clientIDKey(tenantID, clientTimerID))
		if id == nil {
			return fmt.Errorf("timer not found: %s/client/%s", tenantID, clientTimerID)
		}
		data := tx.Bucket(bucketTimers).Get(timerKey(tenantID, string(id)))
		if data == nil {
			return fmt.Errorf("timer not found: %s/%s", tenantID, string(id))
		}
		return json.Unmarshal(data, &timer)
	})
	if err != nil {
		return nil, err
	}
	return &timer, nil
}

func (s *BoltStore) ListTimers() ([]*types.Timer, error) {
	var timers []*types.Timer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTimers).ForEach(func(k, v []byte) error {
			var timer types.Timer
			if err := json.Unmarshal(v, &timer); err != nil {
				return err
			}
			timers = append(timers, &timer)
			return nil
		})
	})
	return timers, err
}

func (s *BoltStore) ListTimersByTenant(tenantID string) ([]*types.Timer, error) {
	var timers []*types.Timer
	prefix := append([]byte(tenantID), 0x00)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTimers).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var timer types.Timer
			if err := json.Unmarshal(v, &timer); err != nil {
				return err
			}
			timers = append(timers, &timer)
		}
		return nil
	})
	return timers, err
}

// ListActiveTimers returns every timer not yet in a terminal status, used
// to rebuild the wheel after a restart or leadership change.
func (s *BoltStore) ListActiveTimers() ([]*types.Timer, error) {
	var timers []*types.Timer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTimers).ForEach(func(k, v []byte) error {
			var timer types.Timer
			if err := json.Unmarshal(v, &timer); err != nil {
				return err
			}
			if !timer.Status.Terminal() {
				timers = append(timers, &timer)
			}
			return nil
		})
	})
	return timers, err
}

func (s *BoltStore) DeleteTimer(tenantID, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTimers).Delete(timerKey(tenantID, id))
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Tenant policies

func (s *BoltStore) PutPolicy(policy *types.TenantPolicy) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(policy)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketPolicies).Put([]byte(policy.TenantID), data); err != nil {
			return err
		}
		if policy.APIKeyID != "" {
			if err := tx.Bucket(bucketPoliciesByKeyID).Put([]byte(policy.APIKeyID), []byte(policy.TenantID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetPolicy(tenantID string) (*types.TenantPolicy, error) {
	var policy types.TenantPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPolicies).Get([]byte(tenantID))
		if data == nil {
			return fmt.Errorf("tenant policy not found: %s", tenantID)
		}
		return json.Unmarshal(data, &policy)
	})
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

func (s *BoltStore) GetPolicyByAPIKeyID(apiKeyID string) (*types.TenantPolicy, error) {
	var policy types.TenantPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		tenantID := tx.Bucket(bucketPoliciesByKeyID).Get([]byte(apiKeyID))
		if tenantID == nil {
			return fmt.Errorf("tenant policy not found for api key: %s", apiKeyID)
		}
		data := tx.Bucket(bucketPolicies).Get(tenantID)
		if data == nil {
			return fmt.Errorf("tenant policy not found: %s", string(tenantID))
		}
		return json.Unmarshal(data, &policy)
	})
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

func (s *BoltStore) ListPolicies() ([]*types.TenantPolicy, error) {
	var policies []*types.TenantPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPolicies).ForEach(func(k, v []byte) error {
			var policy types.TenantPolicy
			if err := json.Unmarshal(v, &policy); err != nil {
				return err
			}
			policies = append(policies, &policy)
			return nil
		})
	})
	return policies, err
}

func (s *BoltStore) DeletePolicy(tenantID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPolicies).Delete([]byte(tenantID))
	})
}

// Usage counters

func (s *BoltStore) GetUsage(tenantID string) (*types.UsageCounters, error) {
	var usage types.UsageCounters
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsage).Get([]byte(tenantID))
		if data == nil {
			usage = types.UsageCounters{TenantID: tenantID}
			return nil
		}
		return json.Unmarshal(data, &usage)
	})
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

func (s *BoltStore) PutUsage(usage *types.UsageCounters) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(usage)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsage).Put([]byte(usage.TenantID), data)
	})
}

// Command log

func commandLogKey(tenantID string, sequence uint64) []byte {
	seq := make([]byte, 8)
	binary.BigEndian.PutUint64(seq, sequence)
	return append(append([]byte(tenantID), 0x00), seq...)
}

func (s *BoltStore) AppendCommandLog(entry *types.CommandLogEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCommandLog).Put(commandLogKey(entry.TenantID, entry.Sequence), data)
	})
}

func (s *BoltStore) ListCommandLog(tenantID string, limit int) ([]*types.CommandLogEntry, error) {
	var entries []*types.CommandLogEntry
	prefix := append([]byte(tenantID), 0x00)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketCommandLog).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var entry types.CommandLogEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return err
			}
			entries = append(entries, &entry)
			if limit > 0 && len(entries) >= limit {
				break
			}
		}
		return nil
	})
	return entries, err
}

// Dead letters

func (s *BoltStore) PutDeadLetter(rec *types.DeadLetterRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		key := rec.ConsumerName
		if rec.OriginalEnvelope != nil {
			key = rec.OriginalEnvelope.ID
		}
		return tx.Bucket(bucketDeadLetters).Put([]byte(key), data)
	})
}

func (s *BoltStore) ListDeadLetters() ([]*types.DeadLetterRecord, error) {
	var recs []*types.DeadLetterRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetters).ForEach(func(k, v []byte) error {
			var rec types.DeadLetterRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) DeleteDeadLetter(eventID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDeadLetters).Delete([]byte(eventID))
	})
}
