package watcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ozmonitor/orchestrator/pkg/types"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	latest    uint64
	blocks    map[uint64]types.Block
	failTimes int
	calls     int
}

func (f *fakeClient) GetLatestBlockNumber(ctx context.Context) (uint64, error) {
	if f.calls < f.failTimes {
		f.calls++
		return 0, errors.New("transient rpc error")
	}
	return f.latest, nil
}

func (f *fakeClient) GetBlocks(ctx context.Context, start, end uint64) ([]types.Block, error) {
	var out []types.Block
	for h := start; h <= end; h++ {
		b, ok := f.blocks[h]
		if !ok {
			b = types.Block{Height: h}
		}
		out = append(out, b)
	}
	return out, nil
}

func descriptor() types.NetworkDescriptor {
	return types.NetworkDescriptor{Slug: "eth-mainnet", NetworkType: types.NetworkTypeEVM, ConfirmationBlocks: 2}
}

func TestScanIterationColdStart(t *testing.T) {
	w := New(Config{MaxBlocksPerFetch: 100, RetryAttempts: 3, RetryDelayMs: 1}, nil)
	w.AddNetwork(descriptor())
	sub := w.Subscribe()

	client := &fakeClient{latest: 100}
	advanced := w.scanIteration(context.Background(), descriptor(), client, 0)
	require.True(t, advanced)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, lag, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Zero(t, lag)
	require.Len(t, ev.Blocks, 1)
	require.Equal(t, uint64(98), ev.Blocks[0].Height)

	st, ok := w.State("eth-mainnet")
	require.True(t, ok)
	require.Equal(t, uint64(98), st.LastProcessedBlock)
}

func TestScanIterationBoundedByMaxBlocksPerFetch(t *testing.T) {
	w := New(Config{MaxBlocksPerFetch: 3, RetryAttempts: 3, RetryDelayMs: 1}, nil)
	w.AddNetwork(descriptor())
	w.Subscribe()

	client := &fakeClient{latest: 105}
	advanced := w.scanIteration(context.Background(), descriptor(), client, 98)
	require.True(t, advanced)

	st, _ := w.State("eth-mainnet")
	require.Equal(t, uint64(101), st.LastProcessedBlock)
}

func TestScanIterationNoProgressWhenCaughtUp(t *testing.T) {
	w := New(Config{MaxBlocksPerFetch: 100, RetryAttempts: 3, RetryDelayMs: 1}, nil)
	w.AddNetwork(descriptor())

	client := &fakeClient{latest: 100}
	advanced := w.scanIteration(context.Background(), descriptor(), client, 98)
	require.False(t, advanced)
}

func TestScanIterationRetriesThenSucceeds(t *testing.T) {
	w := New(Config{MaxBlocksPerFetch: 100, RetryAttempts: 3, RetryDelayMs: 10}, nil)
	w.AddNetwork(descriptor())
	w.Subscribe()

	client := &fakeClient{latest: 100, failTimes: 2}
	start := time.Now()
	advanced := w.scanIteration(context.Background(), descriptor(), client, 0)
	elapsed := time.Since(start)

	require.True(t, advanced)
	require.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestScanIterationAbandonsAfterRetriesExhausted(t *testing.T) {
	w := New(Config{MaxBlocksPerFetch: 100, RetryAttempts: 3, RetryDelayMs: 1}, nil)
	w.AddNetwork(descriptor())

	client := &fakeClient{latest: 100, failTimes: 10}
	advanced := w.scanIteration(context.Background(), descriptor(), client, 0)
	require.False(t, advanced)

	st, _ := w.State("eth-mainnet")
	require.Equal(t, uint64(0), st.LastProcessedBlock)
}

func TestAddNetworkIsIdempotent(t *testing.T) {
	w := New(Config{}, nil)
	w.AddNetwork(descriptor())
	w.AddNetwork(descriptor())

	w.mu.RLock()
	count := len(w.networks)
	w.mu.RUnlock()
	require.Equal(t, 1, count)
}

func TestSubscriptionReportsLagOnOverflow(t *testing.T) {
	w := New(Config{ChannelBufferSize: 2}, nil)
	sub := w.Subscribe()

	for i := 0; i < 5; i++ {
		w.broadcast(&types.BlockEvent{Network: "n", Blocks: []types.Block{{Height: uint64(i)}}})
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, lag, err := sub.Recv(ctx)
	require.NoError(t, err)
	require.Positive(t, lag)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	w := New(Config{}, nil)
	sub := w.Subscribe()
	w.Unsubscribe(sub)

	_, _, err := sub.Recv(context.Background())
	require.Error(t, err)
}

func TestBroadcastWithNoSubscribersStillSucceeds(t *testing.T) {
	w := New(Config{}, nil)
	count := w.broadcast(&types.BlockEvent{Network: "n"})
	require.Zero(t, count)
}
