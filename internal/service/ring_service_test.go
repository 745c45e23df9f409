package service

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/RaphaelDarley/messagedisk/internal/config"
	"github.com/RaphaelDarley/messagedisk/internal/errors"
	"github.com/RaphaelDarley/messagedisk/internal/metrics"
	"github.com/RaphaelDarley/messagedisk/internal/model"
	"github.com/RaphaelDarley/messagedisk/internal/transport"
)

const testChunkSize = 16

var (
	addrA = model.MustParseNodeAddress("127.0.0.1:6001")
	addrB = model.MustParseNodeAddress("127.0.0.1:6002")
	addrC = model.MustParseNodeAddress("127.0.0.1:6003")
	addrX = model.MustParseNodeAddress("127.0.0.1:6099")
)

// loopback connects in-process nodes. Envelopes go through the wire encoding so no
// node ever shares memory with another.
type loopback struct {
	mu    sync.RWMutex
	nodes map[model.NodeAddress]*RingService
}

func newLoopback() *loopback {
	return &loopback{nodes: make(map[model.NodeAddress]*RingService)}
}

func (l *loopback) Deliver(ctx context.Context, to model.NodeAddress, env *model.Envelope) error {
	l.mu.RLock()
	node, ok := l.nodes[to]
	l.mu.RUnlock()
	if !ok {
		return errors.DeliveryFailed(to.String(), fmt.Errorf("no route to host"))
	}

	raw, err := transport.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	decoded, err := transport.DecodeEnvelope(raw)
	if err != nil {
		return err
	}
	return node.Deliver(ctx, decoded)
}

func testRingConfig() config.RingConfig {
	return config.RingConfig{
		ChunkSize:         testChunkSize,
		DefaultChunkNum:   8,
		MaxSpliceHops:     64,
		InjectConcurrency: 4,
	}
}

func (l *loopback) addNode(t *testing.T, addr model.NodeAddress, cfg config.RingConfig) *RingService {
	t.Helper()
	svc := NewRingService(cfg, addr, actor.NewActorSystem(), l,
		metrics.NewMetrics(prometheus.NewRegistry(), addr.String()), zap.NewNop())

	l.mu.Lock()
	l.nodes[addr] = svc
	l.mu.Unlock()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
	})
	return svc
}

func requireDownstream(t *testing.T, svc *RingService, id model.RingID, want model.NodeAddress) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := svc.Status(context.Background(), id)
		return err == nil && st.Downstream == want
	}, 3*time.Second, 2*time.Millisecond, "downstream of %s should become %s", svc.Self(), want)
}

func pattern(b byte) []byte {
	return bytes.Repeat([]byte{b}, testChunkSize)
}

func TestRingService_CreateIsSelfLoop(t *testing.T) {
	net := newLoopback()
	a := net.addNode(t, addrA, testRingConfig())

	id, err := a.Create(context.Background(), 0, 8)
	require.NoError(t, err)
	assert.NotZero(t, id)

	requireDownstream(t, a, id, addrA)
	assert.Equal(t, []model.RingInfo{{RingID: id, ChunkNum: 8}}, a.Discover())

	_, err = a.Create(context.Background(), id, 8)
	assert.True(t, errors.Is(err, errors.ErrCodeRingExists))
}

func TestRingService_JoinSplicesIntoRing(t *testing.T) {
	net := newLoopback()
	a := net.addNode(t, addrA, testRingConfig())
	b := net.addNode(t, addrB, testRingConfig())
	c := net.addNode(t, addrC, testRingConfig())
	ctx := context.Background()

	id, err := a.Create(ctx, 42, 8)
	require.NoError(t, err)

	// B joins at A: A -> B -> A
	require.NoError(t, b.Join(ctx, id, addrA, 8))
	requireDownstream(t, a, id, addrB)
	requireDownstream(t, b, id, addrA)

	// C joins at A: the splice passes A, B absorbs it. A -> B -> C -> A
	require.NoError(t, c.Join(ctx, id, addrA, 8))
	requireDownstream(t, b, id, addrC)
	requireDownstream(t, c, id, addrA)
	requireDownstream(t, a, id, addrB)
}

func TestRingService_ReadAndWriteAcrossRing(t *testing.T) {
	net := newLoopback()
	a := net.addNode(t, addrA, testRingConfig())
	b := net.addNode(t, addrB, testRingConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := a.Create(ctx, 7, 4)
	require.NoError(t, err)
	require.NoError(t, b.Start(ctx, id, addrA, 4))
	requireDownstream(t, a, id, addrB)

	// fresh tokens are zero-filled
	data, err := a.Read(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, testChunkSize), data)

	require.NoError(t, b.Write(ctx, id, 2, pattern(0x5A)))

	data, err = a.Read(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, pattern(0x5A), data)

	data, err = b.Read(ctx, id, 2)
	require.NoError(t, err)
	assert.Equal(t, pattern(0x5A), data)

	// other indices are untouched
	data, err = b.Read(ctx, id, 3)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, testChunkSize), data)

	// past the end reads as zeros without a token
	data, err = b.Read(ctx, id, 99)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, testChunkSize), data)
}

func TestRingService_WriteValidation(t *testing.T) {
	net := newLoopback()
	a := net.addNode(t, addrA, testRingConfig())
	ctx := context.Background()

	id, err := a.Create(ctx, 0, 4)
	require.NoError(t, err)

	err = a.Write(ctx, id, 0, make([]byte, testChunkSize-1))
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidChunkSize))

	err = a.Write(ctx, id, 4, pattern(1))
	assert.True(t, errors.Is(err, errors.ErrCodeChunkOutOfRange))

	err = a.Write(ctx, id+1, 0, pattern(1))
	assert.True(t, errors.Is(err, errors.ErrCodeUnknownRing))

	_, err = a.Read(ctx, id+1, 0)
	assert.True(t, errors.Is(err, errors.ErrCodeUnknownRing))
}

func TestRingService_RequestTimeout(t *testing.T) {
	cfg := testRingConfig()
	cfg.RequestTimeout = 50 * time.Millisecond

	net := newLoopback()
	a := net.addNode(t, addrA, cfg)

	// no tokens were injected, so nothing ever serves the read
	id, err := a.Create(context.Background(), 0, 4)
	require.NoError(t, err)

	_, err = a.Read(context.Background(), id, 0)
	assert.True(t, errors.Is(err, errors.ErrCodeTimeout))

	err = a.Write(context.Background(), id, 0, pattern(1))
	assert.True(t, errors.Is(err, errors.ErrCodeTimeout))
}

func TestRingService_JoinRollsBackWhenEntryUnreachable(t *testing.T) {
	net := newLoopback()
	a := net.addNode(t, addrA, testRingConfig())

	err := a.Join(context.Background(), 5, addrX, 4)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeDeliveryFailed))
	assert.Empty(t, a.Discover())

	// the ring id is free again
	require.NoError(t, a.Join(context.Background(), 5, addrA, 4))
}

func TestRingService_JoinValidation(t *testing.T) {
	net := newLoopback()
	a := net.addNode(t, addrA, testRingConfig())

	assert.True(t, errors.Is(a.Join(context.Background(), 1, addrA, 0), errors.ErrCodeInvalidArgument))
	assert.True(t, errors.Is(a.Join(context.Background(), 1, model.NodeAddress{}, 4), errors.ErrCodeInvalidAddress))
}

func TestRingService_DeliverBoundary(t *testing.T) {
	net := newLoopback()
	a := net.addNode(t, addrA, testRingConfig())

	err := a.Deliver(context.Background(), model.NewChunkEnvelope(3, 0, pattern(0)))
	assert.True(t, errors.Is(err, errors.ErrCodeUnknownRing))

	id, err := a.Create(context.Background(), 3, 4)
	require.NoError(t, err)

	bad := model.NewChunkEnvelope(id, 0, pattern(0))
	bad.Payload.Chunk.Checksum++
	err = a.Deliver(context.Background(), bad)
	assert.True(t, errors.Is(err, errors.ErrCodeChecksumFailed))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.ChecksumFailTotal))

	err = a.Deliver(context.Background(), model.NewChunkEnvelope(id, 0, []byte{1}))
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidChunkSize))

	err = a.Deliver(context.Background(), model.NewChunkEnvelope(id, 4, pattern(0)))
	assert.True(t, errors.Is(err, errors.ErrCodeChunkOutOfRange))
	st, err := a.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), st.Forwarded)
}

func TestRingService_ConcurrentCreateOfOneRing(t *testing.T) {
	net := newLoopback()
	a := net.addNode(t, addrA, testRingConfig())

	const n = 32
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Create(context.Background(), 77, 4)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		if err == nil {
			created++
			continue
		}
		assert.True(t, errors.Is(err, errors.ErrCodeRingExists), "got %v", err)
	}
	assert.Equal(t, 1, created)
	assert.Len(t, a.Discover(), 1)
}

func TestRingService_Shutdown(t *testing.T) {
	net := newLoopback()
	a := net.addNode(t, addrA, testRingConfig())
	ctx := context.Background()

	id, err := a.Create(ctx, 0, 4)
	require.NoError(t, err)
	require.NoError(t, a.Inject(ctx, id, addrA, 4))

	waiting := make(chan error, 1)
	go func() {
		_, err := a.Read(ctx, id, 1000)
		waiting <- err
	}()
	require.NoError(t, <-waiting)

	require.NoError(t, a.Shutdown(ctx))
	assert.True(t, a.ShuttingDown())
	assert.Empty(t, a.Discover())
	assert.Equal(t, 0, a.RingCount())

	err = a.Join(ctx, 9, addrA, 4)
	assert.True(t, errors.Is(err, errors.ErrCodeShuttingDown))
	err = a.Deliver(ctx, model.NewChunkEnvelope(id, 0, pattern(0)))
	assert.True(t, errors.Is(err, errors.ErrCodeShuttingDown))
}

type staticPeers map[model.RingID]model.NodeAddress

func (p staticPeers) FindRing(id model.RingID) (model.NodeAddress, uint64, bool) {
	addr, ok := p[id]
	return addr, 8, ok
}

func TestRingService_ResolveEntry(t *testing.T) {
	net := newLoopback()
	a := net.addNode(t, addrA, testRingConfig())

	_, _, err := a.ResolveEntry(1)
	assert.True(t, errors.Is(err, errors.ErrCodeNoPeer))

	a.SetPeerFinder(staticPeers{1: addrB})
	addr, chunkNum, err := a.ResolveEntry(1)
	require.NoError(t, err)
	assert.Equal(t, addrB, addr)
	assert.Equal(t, uint64(8), chunkNum)

	_, _, err = a.ResolveEntry(2)
	assert.True(t, errors.Is(err, errors.ErrCodeNoPeer))
}

func TestRingService_ApplyManifest(t *testing.T) {
	net := newLoopback()
	a := net.addNode(t, addrA, testRingConfig())
	b := net.addNode(t, addrB, testRingConfig())
	ctx := context.Background()

	_, err := a.Create(ctx, 11, 4)
	require.NoError(t, err)

	m := &config.Manifest{Rings: []config.RingSpec{
		{Action: config.ActionCreate, RingID: 10},
		{Action: config.ActionStart, RingID: 11, Target: addrA.String(), ChunkNum: 4},
		{Action: config.ActionJoin, RingID: 12, Target: addrX.String(), ChunkNum: 4},
	}}

	err = b.ApplyManifest(ctx, m, config.BootstrapConfig{Workers: 2, QueueSize: 4})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 3")

	assert.Equal(t, []model.RingInfo{
		{RingID: 10, ChunkNum: 8},
		{RingID: 11, ChunkNum: 4},
	}, b.Discover())
	requireDownstream(t, a, 11, addrB)
}
