package server

import (
	"context"
	"fmt"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
	"k8s.io/klog/v2"

	"github.com/tensorfleet/gradsync/pkg/core"
	"github.com/tensorfleet/gradsync/pkg/store"
)

const snapshotVersion = 1

type snapshotFile struct {
	Version    int           `msgpack:"version"`
	NumWorkers int           `msgpack:"num_workers"`
	Keys       []snapshotKey `msgpack:"keys"`
}

type snapshotKey struct {
	Key     uint64 `msgpack:"key"`
	DType   int    `msgpack:"dtype"`
	Request int    `msgpack:"request"`
	Rounds  int    `msgpack:"rounds"`
	Value   []byte `msgpack:"value"`
}

// Snapshot serializes every committed value. Open merge rounds are
// transient worker state and are not captured.
func (s *Server) Snapshot() ([]byte, error) {
	s.mu.Lock()
	file := snapshotFile{
		Version:    snapshotVersion,
		NumWorkers: s.numWorkers,
	}
	for k, ks := range s.keys {
		if ks.stored == nil {
			continue
		}
		file.Keys = append(file.Keys, snapshotKey{
			Key:     k,
			DType:   int(ks.dtype),
			Request: int(ks.request),
			Rounds:  ks.committedRounds,
			Value:   append([]byte(nil), ks.stored...),
		})
	}
	s.mu.Unlock()

	sort.Slice(file.Keys, func(i, j int) bool { return file.Keys[i].Key < file.Keys[j].Key })

	data, err := msgpack.Marshal(&file)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return data, nil
}

// Restore replaces the server's committed state with a snapshot.
// Keys with open merge rounds are rejected; restore before serving.
func (s *Server) Restore(data []byte) error {
	var file snapshotFile
	if err := msgpack.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}
	if file.Version != snapshotVersion {
		return fmt.Errorf("snapshot version %d, this server reads version %d", file.Version, snapshotVersion)
	}
	if file.NumWorkers != s.numWorkers {
		return fmt.Errorf("snapshot taken with %d workers, server configured for %d", file.NumWorkers, s.numWorkers)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ks := range s.keys {
		if ks.merge != nil {
			return fmt.Errorf("cannot restore over an open merge round")
		}
	}

	s.keys = make(map[uint64]*keyState, len(file.Keys))
	for _, sk := range file.Keys {
		dtype := core.DataType(sk.DType)
		if !dtype.Valid() {
			return fmt.Errorf("snapshot key %d has unknown element type %d", sk.Key, sk.DType)
		}
		s.keys[sk.Key] = &keyState{
			dtype:           dtype,
			request:         core.RequestType(sk.Request),
			stored:          append([]byte(nil), sk.Value...),
			committedRounds: sk.Rounds,
		}
	}
	s.cond.Broadcast()
	return nil
}

// SaveSnapshot writes the current snapshot to a store.
func (s *Server) SaveSnapshot(ctx context.Context, st store.SnapshotStore, name string) error {
	log := klog.FromContext(ctx)

	data, err := s.Snapshot()
	if err != nil {
		return err
	}
	if err := st.Save(ctx, name, data); err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}
	log.Info("saved server snapshot", "name", name, "keys", s.KeyCount(), "bytes", len(data))
	return nil
}

// LoadSnapshot restores the server from a stored snapshot.
func (s *Server) LoadSnapshot(ctx context.Context, st store.SnapshotReader, name string) error {
	log := klog.FromContext(ctx)

	data, err := st.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}
	if err := s.Restore(data); err != nil {
		return err
	}
	log.Info("restored server snapshot", "name", name, "keys", s.KeyCount())
	return nil
}
