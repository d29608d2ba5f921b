package commands

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/aapid/internal/protocol"
	"github.com/danmuck/aapid/internal/protocol/dispatch"
	"github.com/danmuck/aapid/internal/protocol/frame"
)

// Store is the in-memory key/value state behind the kv.* commands. It is
// shared by every connection.
type Store struct {
	mu    sync.RWMutex
	store map[string]string
}

func NewStore() *Store {
	return &Store{
		store: make(map[string]string),
	}
}

func (s *Store) put(_ context.Context, req frame.Payload, result *frame.Payload, length *dispatch.ResultLength) error {
	key, val, ok := strings.Cut(string(req.Data), "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return protocol.Errorf(protocol.CodeBadRequest, "kv.put: expected key=value")
	}
	s.mu.Lock()
	s.store[key] = val
	s.mu.Unlock()
	dispatch.Reply(result, length, []byte("ok"))
	return nil
}

func (s *Store) get(_ context.Context, req frame.Payload, result *frame.Payload, length *dispatch.ResultLength) error {
	key, err := requireKey("kv.get", req)
	if err != nil {
		return err
	}
	s.mu.RLock()
	val, ok := s.store[key]
	s.mu.RUnlock()
	if !ok {
		return protocol.Errorf(protocol.CodeNotFound, "kv.get: missing key=%s", key)
	}
	dispatch.Reply(result, length, []byte(val))
	return nil
}

func (s *Store) delete(_ context.Context, req frame.Payload, result *frame.Payload, length *dispatch.ResultLength) error {
	key, err := requireKey("kv.delete", req)
	if err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.store, key)
	s.mu.Unlock()
	dispatch.Reply(result, length, []byte("ok"))
	return nil
}

func (s *Store) list(_ context.Context, req frame.Payload, result *frame.Payload, length *dispatch.ResultLength) error {
	prefix := strings.TrimSpace(string(req.Data))
	s.mu.RLock()
	keys := make([]string, 0, len(s.store))
	for k := range s.store {
		if prefix == "" || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	dispatch.Reply(result, length, []byte(strings.Join(keys, "\n")))
	return nil
}

func requireKey(op string, req frame.Payload) (string, error) {
	key := string(bytes.TrimSpace(req.Data))
	if key == "" {
		return "", protocol.Errorf(protocol.CodeBadRequest, "%s: missing key", op)
	}
	return key, nil
}
