package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/buildnet/buildnet/pkg/errdefs"
	bolt "go.etcd.io/bbolt"
)

var bucketKV = []byte("kv")

// Bolt is a bbolt-backed Backend. One file per database, advisory-locked
// by bbolt itself, fsync per write transaction. Pub/sub and leases are
// in-process: a Bolt database belongs to exactly one daemon.
type Bolt struct {
	db     *bolt.DB
	hub    *hub
	leases *leaseTable
	now    func() time.Time
}

type boltValue struct {
	Value   []byte    `json:"value"`
	Expires time.Time `json:"expires,omitempty"`
}

// NewBolt opens (or creates) the backend database under dataDir.
func NewBolt(dataDir string) (*Bolt, error) {
	dbPath := filepath.Join(dataDir, "buildnet.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "failed to open database %s", dbPath)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "failed to create bucket")
	}

	return &Bolt{
		db:     db,
		hub:    newHub(),
		leases: newLeaseTable(time.Now),
		now:    time.Now,
	}, nil
}

func (b *Bolt) Get(_ context.Context, key string) ([]byte, bool, error) {
	var out []byte
	found := false
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketKV).Get([]byte(key))
		if data == nil {
			return nil
		}
		var v boltValue
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		if !v.Expires.IsZero() && !v.Expires.After(b.now()) {
			return nil
		}
		out = append([]byte(nil), v.Value...)
		found = true
		return nil
	})
	if err != nil {
		return nil, false, errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "get %s", key)
	}
	return out, found, nil
}

func (b *Bolt) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := boltValue{Value: value}
	if ttl > 0 {
		v.Expires = b.now().Add(ttl)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Put([]byte(key), data)
	})
	if err != nil {
		return errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "set %s", key)
	}
	return nil
}

func (b *Bolt) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKV).Delete([]byte(key))
	})
	if err != nil {
		return errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "delete %s", key)
	}
	return nil
}

func (b *Bolt) Keys(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketKV).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var bv boltValue
			if err := json.Unmarshal(v, &bv); err != nil {
				return err
			}
			if !bv.Expires.IsZero() && !bv.Expires.After(b.now()) {
				continue
			}
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "keys %s", prefix)
	}
	return keys, nil
}

func (b *Bolt) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	accepted := false
	v := boltValue{Value: value}
	if ttl > 0 {
		v.Expires = b.now().Add(ttl)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(bucketKV)
		if existing := bkt.Get([]byte(key)); existing != nil {
			var ev boltValue
			if err := json.Unmarshal(existing, &ev); err != nil {
				return err
			}
			if ev.Expires.IsZero() || ev.Expires.After(b.now()) {
				return nil
			}
		}
		accepted = true
		return bkt.Put([]byte(key), data)
	})
	if err != nil {
		return false, errdefs.Wrap(errdefs.CodeBackendUnavailable, err, "set_if_absent %s", key)
	}
	return accepted, nil
}

func (b *Bolt) AcquireLease(_ context.Context, resource string, ttl time.Duration) (string, bool, error) {
	token, ok := b.leases.acquire(resource, ttl)
	return token, ok, nil
}

func (b *Bolt) RenewLease(_ context.Context, token string, ttl time.Duration) (bool, error) {
	return b.leases.renew(token, ttl), nil
}

func (b *Bolt) ReleaseLease(_ context.Context, token string) error {
	b.leases.release(token)
	return nil
}

func (b *Bolt) Publish(_ context.Context, channel string, message []byte) error {
	b.hub.publish(channel, message)
	return nil
}

func (b *Bolt) Subscribe(channel string, fn func([]byte)) (func(), error) {
	return b.hub.subscribe(channel, fn), nil
}

func (b *Bolt) Close() error {
	b.hub.close()
	return b.db.Close()
}
