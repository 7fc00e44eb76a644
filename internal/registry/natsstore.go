package registry

import (
	"context"
	"errors"
	"time"

	"github.com/nats-io/nats.go"
)

// NewNATSStore builds a Store backed by a NATS JetStream KV bucket, creating
// it if absent. This is the intended production backing named in §4.1: a
// "shared, TTL-capable key/value store" — JetStream KV buckets support a
// native per-bucket TTL that refreshes on every Put, which is exactly the
// staleness contract the Registry needs.
func NewNATSStore(nc *nats.Conn, bucket string, ttl time.Duration) (Store, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, err
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket: bucket,
			TTL:    ttl,
		})
	}
	if err != nil {
		return nil, err
	}
	return &natsStore{kv: kv}, nil
}

type natsStore struct {
	kv nats.KeyValue
}

func (s *natsStore) Put(_ context.Context, key string, value []byte) error {
	_, err := s.kv.Put(key, value)
	return err
}

func (s *natsStore) Get(_ context.Context, key string) ([]byte, error) {
	entry, err := s.kv.Get(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return entry.Value(), nil
}

func (s *natsStore) Delete(_ context.Context, key string) error {
	err := s.kv.Delete(key)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (s *natsStore) Keys(_ context.Context, prefix string) ([]string, error) {
	keys, err := s.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}
