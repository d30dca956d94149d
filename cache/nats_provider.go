package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSProvider backs the cache contract with a NATS JetStream
// key-value bucket: get maps to KeyValue.Get, set to KeyValue.Put, clear
// to KeyValue.Delete. This wires the nats-io/nats.go dependency for the
// cluster cache role it was never exercised for in the teacher's own
// tree (the teacher's go.mod carries it but no file under ws/ imports
// it) — here it backs the shared discovery cache spec.md §4.5 assumes
// rather than a pub/sub bus, since the cache contract this broker needs
// is key-value, not subject-based messaging.
type NATSProvider struct {
	kv jetstream.KeyValue
}

// NewNATSProvider connects to url and opens (creating if necessary) a
// JetStream KV bucket named bucket for cluster cache keys.
func NewNATSProvider(ctx context.Context, url, bucket string) (*NATSProvider, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("cache: connect to nats: %w", err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("cache: open jetstream: %w", err)
	}
	kv, err := js.KeyValue(ctx, bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: bucket})
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("cache: open kv bucket %q: %w", bucket, err)
	}
	return &NATSProvider{kv: kv}, nil
}

func (p *NATSProvider) Get(ctx context.Context, key string) (string, bool, error) {
	entry, err := p.kv.Get(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return string(entry.Value()), true, nil
}

func (p *NATSProvider) Set(ctx context.Context, key, value string) error {
	_, err := p.kv.Put(ctx, encodeKey(key), []byte(value))
	return err
}

func (p *NATSProvider) Clear(ctx context.Context, key string) error {
	err := p.kv.Delete(ctx, encodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}

// encodeKey maps arbitrary cache keys (which may contain characters
// JetStream KV keys disallow, like dots used freely in this broker's
// cache key layout) onto the subset JetStream accepts.
func encodeKey(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out[i] = c
		default:
			out[i] = '_'
		}
	}
	return string(out)
}
