package control

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/gpu-offload/pkg/types"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Stats is one executor's answer to the Stats call.
type Stats struct {
	Address         string
	Uptime          time.Duration
	Workers         int
	CacheablePlans  int
	Partitions      int
	ResidentBuffers int
	PinnedBuffers   int
	DeviceBuffers   int
	DeviceBytes     int64
	Uploads         int64
	Downloads       int64
}

// Client talks to one executor.
type Client struct {
	addr string
	conn *grpc.ClientConn
}

// Dial creates a client for addr. The connection is established lazily.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial executor %s: %w", addr, err)
	}
	return &Client{addr: addr, conn: conn}, nil
}

// Addr returns the executor address.
func (c *Client) Addr() string { return c.addr }

// MarkCacheable marks id cache-eligible on the executor.
func (c *Client) MarkCacheable(ctx context.Context, id types.PlanIdentity) error {
	return c.conn.Invoke(ctx, markMethod, wrapperspb.String(id.String()), new(emptypb.Empty))
}

// Evict releases id on the executor.
func (c *Client) Evict(ctx context.Context, id types.PlanIdentity) error {
	return c.conn.Invoke(ctx, evictMethod, wrapperspb.String(id.String()), new(emptypb.Empty))
}

// Stats fetches the executor's counters.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, statsMethod, new(emptypb.Empty), out); err != nil {
		return Stats{}, err
	}
	num := func(key string) float64 { return out.GetFields()[key].GetNumberValue() }
	return Stats{
		Address:         c.addr,
		Uptime:          time.Duration(num("uptime_seconds") * float64(time.Second)),
		Workers:         int(num("workers")),
		CacheablePlans:  int(num("cacheable_plans")),
		Partitions:      int(num("partitions")),
		ResidentBuffers: int(num("resident_buffers")),
		PinnedBuffers:   int(num("pinned_buffers")),
		DeviceBuffers:   int(num("device_buffers")),
		DeviceBytes:     int64(num("device_bytes")),
		Uploads:         int64(num("uploads")),
		Downloads:       int64(num("downloads")),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ============================================================================
// Fleet - fan-out over every executor
// ============================================================================

// Fleet sends each call to all executors concurrently. A call fails if any
// executor fails; the first error cancels the remaining calls.
type Fleet struct {
	clients []*Client
	timeout time.Duration
}

// NewFleet groups clients. timeout bounds each per-executor call; 0 means
// no bound beyond the caller's context.
func NewFleet(timeout time.Duration, clients ...*Client) *Fleet {
	return &Fleet{clients: clients, timeout: timeout}
}

// DialFleet dials every peer.
func DialFleet(peers []string, timeout time.Duration, opts ...grpc.DialOption) (*Fleet, error) {
	clients := make([]*Client, 0, len(peers))
	for _, p := range peers {
		c, err := Dial(p, opts...)
		if err != nil {
			for _, open := range clients {
				open.Close()
			}
			return nil, err
		}
		clients = append(clients, c)
	}
	return NewFleet(timeout, clients...), nil
}

// Size returns the number of executors.
func (f *Fleet) Size() int { return len(f.clients) }

func (f *Fleet) each(ctx context.Context, call func(ctx context.Context, i int, c *Client) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, c := range f.clients {
		g.Go(func() error {
			callCtx, cancel := ctx, context.CancelFunc(func() {})
			if f.timeout > 0 {
				callCtx, cancel = context.WithTimeout(ctx, f.timeout)
			}
			defer cancel()
			if err := call(callCtx, i, c); err != nil {
				return fmt.Errorf("executor %s: %w", c.addr, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// MarkCacheable marks id on every executor.
func (f *Fleet) MarkCacheable(ctx context.Context, id types.PlanIdentity) error {
	return f.each(ctx, func(ctx context.Context, _ int, c *Client) error {
		return c.MarkCacheable(ctx, id)
	})
}

// Evict releases id on every executor.
func (f *Fleet) Evict(ctx context.Context, id types.PlanIdentity) error {
	return f.each(ctx, func(ctx context.Context, _ int, c *Client) error {
		return c.Evict(ctx, id)
	})
}

// Stats collects every executor's counters, in peer order.
func (f *Fleet) Stats(ctx context.Context) ([]Stats, error) {
	out := make([]Stats, len(f.clients))
	err := f.each(ctx, func(ctx context.Context, i int, c *Client) error {
		st, err := c.Stats(ctx)
		out[i] = st
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes every connection.
func (f *Fleet) Close() error {
	var errs []error
	for _, c := range f.clients {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
