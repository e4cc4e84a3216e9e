package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/tensorfleet/gradsync/pkg/core"
)

// GRPCClient implements Client over a gRPC connection to a KV
// service.
type GRPCClient struct {
	rank int
	conn *grpc.ClientConn
}

var _ Client = (*GRPCClient)(nil)

// DialGRPC connects to the server at target. The connection is
// plaintext; extra dial options are appended after the defaults.
func DialGRPC(target string, rank int, opts ...grpc.DialOption) (*GRPCClient, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %q: %w", target, err)
	}
	return &GRPCClient{rank: rank, conn: conn}, nil
}

func (c *GRPCClient) Push(ctx context.Context, keys []uint64, vals []byte, lens []int, cmd int, done func(error)) {
	go func() {
		req := &PushRequest{Rank: c.rank, Keys: keys, Vals: vals, Lens: lens, Cmd: cmd}
		if err := c.conn.Invoke(ctx, pushFullMethod, req, new(PushResponse)); err != nil {
			done(fromRPCError(err))
			return
		}
		done(nil)
	}()
}

func (c *GRPCClient) Pull(ctx context.Context, keys []uint64, dst []byte, lens []int, cmd int, done func(error)) {
	go func() {
		req := &PullRequest{Rank: c.rank, Keys: keys, Lens: lens, Cmd: cmd}
		resp := new(PullResponse)
		if err := c.conn.Invoke(ctx, pullFullMethod, req, resp); err != nil {
			done(fromRPCError(err))
			return
		}
		copy(dst, resp.Vals)
		done(nil)
	}()
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// fromRPCError recovers the status classification rpcError encoded.
func fromRPCError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.FailedPrecondition:
		return core.PreconditionError("%s", st.Message()).Err()
	case codes.InvalidArgument:
		return core.InvalidArgument("%s", st.Message()).Err()
	case codes.Aborted:
		return core.Aborted("%s", st.Message()).Err()
	default:
		return err
	}
}
