// Package server implements the aggregating side of the key/value
// transport: it collects one push per worker rank into a merge round,
// commits the combined value once every rank has contributed, and
// serves committed values to pulls. The push acknowledgement doubles
// as the synchronization barrier: a push does not return until the
// round it joined has committed.
package server

import (
	"context"
	"fmt"
	"sync"

	"k8s.io/klog/v2"

	"github.com/tensorfleet/gradsync/pkg/core"
	"github.com/tensorfleet/gradsync/pkg/reduce"
)

// Config configures a Server.
type Config struct {
	// NumWorkers is the push group size: a merge round commits once
	// this many distinct ranks have contributed. Defaults to 1.
	NumWorkers int
}

// Server is safe for concurrent use by any number of transport
// frontends.
type Server struct {
	numWorkers int

	mu   sync.Mutex
	cond *sync.Cond
	keys map[uint64]*keyState
}

// keyState tracks one transport key. The first push of an unknown
// key seeds its committed value directly and acknowledges
// immediately; aggregation groups therefore seed their keys from a
// single rank before the first full round.
type keyState struct {
	dtype   core.DataType
	request core.RequestType

	// stored is the committed value served to pulls, nil until the
	// first commit.
	stored []byte

	// merge accumulates the open round. contributors holds the ranks
	// already merged into it.
	merge        []byte
	contributors map[int]struct{}

	// committedRounds counts commits, the seeding push included.
	committedRounds int
}

// New builds a server for a fixed worker group.
func New(cfg Config) *Server {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	s := &Server{
		numWorkers: cfg.NumWorkers,
		keys:       make(map[uint64]*keyState),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// NumWorkers returns the configured push group size.
func (s *Server) NumWorkers() int { return s.numWorkers }

// KeyCount returns the number of keys the server has seen.
func (s *Server) KeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// Push contributes the caller's bytes for the given keys and blocks
// until every key's round has committed, or ctx is cancelled. vals
// holds the per-key payloads concatenated in key order, partitioned
// by lens.
func (s *Server) Push(ctx context.Context, rank int, keys []uint64, vals []byte, lens []int, cmd int) error {
	req, dtype := core.DecodeCommandType(cmd)
	if err := validateKeyedPayload(req, dtype, keys, lens, len(vals)); err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate every key against the open state before mutating any
	// of them, so a rejected push leaves no partial contribution.
	for i, k := range keys {
		ks := s.keys[k]
		if ks == nil {
			continue
		}
		if ks.dtype != dtype {
			return core.PreconditionError("key %d holds %s, push carries %s", k, ks.dtype, dtype).Err()
		}
		if req != core.CompressedPushPull {
			if ks.merge != nil && len(ks.merge) != lens[i] {
				return core.PreconditionError("key %d open round holds %d bytes, push carries %d", k, len(ks.merge), lens[i]).Err()
			}
			if ks.merge == nil && ks.stored != nil && len(ks.stored) != lens[i] {
				return core.PreconditionError("key %d holds %d bytes, push carries %d", k, len(ks.stored), lens[i]).Err()
			}
		}
		if ks.merge != nil {
			if _, dup := ks.contributors[rank]; dup {
				return core.PreconditionError("rank %d already contributed to the open round for key %d", rank, k).Err()
			}
		}
	}

	// Contribute and remember, per key, which round to wait for.
	target := make([]int, len(keys))
	off := 0
	for i, k := range keys {
		chunk := vals[off : off+lens[i]]
		off += lens[i]
		target[i] = s.contribute(rank, k, req, dtype, chunk)
	}

	for i, k := range keys {
		ks := s.keys[k]
		for ks.committedRounds < target[i] {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("waiting for round commit on key %d: %w", k, err)
			}
			s.cond.Wait()
		}
	}
	return nil
}

// contribute merges one rank's bytes for one key and returns the
// round index whose commit acknowledges the push. Caller holds mu.
func (s *Server) contribute(rank int, key uint64, req core.RequestType, dtype core.DataType, chunk []byte) int {
	ks := s.keys[key]
	if ks == nil {
		ks = &keyState{dtype: dtype, request: req}
		s.keys[key] = ks
	}

	if ks.committedRounds == 0 && ks.merge == nil {
		// Seeding push.
		ks.stored = append([]byte(nil), chunk...)
		ks.committedRounds = 1
		s.cond.Broadcast()
		return 1
	}

	round := ks.committedRounds + 1
	if ks.merge == nil {
		ks.merge = append([]byte(nil), chunk...)
		ks.contributors = map[int]struct{}{rank: {}}
	} else {
		if req == core.CompressedPushPull {
			// Opaque payloads cannot be summed here; the round keeps
			// the latest contribution and the codec owns combining.
			ks.merge = append(ks.merge[:0], chunk...)
		} else if err := reduce.Sum(dtype, ks.merge, chunk); err != nil {
			// Lengths and dtype were validated up front.
			klog.Background().Error(err, "merge failed", "key", key)
		}
		ks.contributors[rank] = struct{}{}
	}

	if len(ks.contributors) == s.numWorkers {
		ks.stored = ks.merge
		ks.merge = nil
		ks.contributors = nil
		ks.committedRounds = round
		s.cond.Broadcast()
	}
	return round
}

// Pull copies the committed values for the given keys into a buffer
// partitioned by lens, blocking until each key has a committed value
// or ctx is cancelled.
func (s *Server) Pull(ctx context.Context, rank int, keys []uint64, lens []int, cmd int) ([]byte, error) {
	req, dtype := core.DecodeCommandType(cmd)
	total := 0
	for _, l := range lens {
		total += l
	}
	if err := validateKeyedPayload(req, dtype, keys, lens, total); err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	out := make([]byte, total)

	s.mu.Lock()
	defer s.mu.Unlock()

	off := 0
	for i, k := range keys {
		var ks *keyState
		for {
			ks = s.keys[k]
			if ks != nil && ks.stored != nil {
				break
			}
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("waiting for first commit on key %d: %w", k, err)
			}
			s.cond.Wait()
		}
		if req != core.CompressedPushPull && len(ks.stored) != lens[i] {
			return nil, core.PreconditionError("key %d holds %d bytes, pull wants %d", k, len(ks.stored), lens[i]).Err()
		}
		copy(out[off:off+lens[i]], ks.stored)
		off += lens[i]
	}
	return out, nil
}

func validateKeyedPayload(req core.RequestType, dtype core.DataType, keys []uint64, lens []int, totalBytes int) error {
	if !dtype.Valid() {
		return core.InvalidArgument("unknown element type in command").Err()
	}
	if len(keys) == 0 {
		return core.InvalidArgument("no keys").Err()
	}
	if len(keys) != len(lens) {
		return core.InvalidArgument("%d keys but %d lens", len(keys), len(lens)).Err()
	}
	sum := 0
	for i, l := range lens {
		if l < 0 {
			return core.InvalidArgument("negative length for key %d", keys[i]).Err()
		}
		if req != core.CompressedPushPull && l%dtype.Size() != 0 {
			return core.InvalidArgument("length %d for key %d is not a multiple of %s element size", l, keys[i], dtype).Err()
		}
		sum += l
	}
	if sum != totalBytes {
		return core.InvalidArgument("lens sum to %d but payload is %d bytes", sum, totalBytes).Err()
	}
	return nil
}
