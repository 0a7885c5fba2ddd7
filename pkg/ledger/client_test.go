package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropledger-labs/cropledger/pkg/ledger"
)

func fastPolicy() ledger.RetryPolicy {
	return ledger.RetryPolicy{
		MaxAttempts: 3,
		Base:        time.Millisecond,
		Max:         5 * time.Millisecond,
		MaxJitter:   time.Millisecond,
	}
}

func startClient(t *testing.T, node ledger.Node, account string) *ledger.Client {
	t.Helper()
	client := ledger.NewClient(node, account, 0, fastPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-client.Done()
	})
	return client
}

func TestClientSubmitAdvancesSequence(t *testing.T) {
	node := ledger.NewMemNode(0)
	client := startClient(t, node, "acct")
	ctx := context.Background()

	ref, err := client.Submit(ctx, "batch/BTH-A1", []byte(`{"digest":"d1"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, uint64(1), client.Sequence())

	raw, err := node.ReadState(ctx, "batch/BTH-A1")
	require.NoError(t, err)
	assert.Equal(t, `{"digest":"d1"}`, string(raw))
}

func TestClientRetriesTransientFailures(t *testing.T) {
	node := ledger.NewMemNode(0)
	node.FailSubmits(ledger.ErrNodeUnavailable, 2)
	client := startClient(t, node, "acct")

	ref, err := client.Submit(context.Background(), "batch/BTH-A1", []byte("v"))
	require.NoError(t, err)
	assert.NotEmpty(t, ref)
	assert.Equal(t, uint64(1), client.Sequence())
	assert.Equal(t, 1, node.TxCount())
}

func TestClientExhaustsRetries(t *testing.T) {
	node := ledger.NewMemNode(0)
	node.FailSubmits(ledger.ErrNodeUnavailable, 3)
	client := startClient(t, node, "acct")

	_, err := client.Submit(context.Background(), "batch/BTH-A1", []byte("v"))
	require.ErrorIs(t, err, ledger.ErrNodeUnavailable)
	assert.Equal(t, uint64(0), client.Sequence(), "failed submission must not consume the sequence")

	// The identity recovers on the next call.
	_, err = client.Submit(context.Background(), "batch/BTH-A1", []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), client.Sequence())
}

func TestClientDoesNotRetryFatalErrors(t *testing.T) {
	node := ledger.NewMemNode(0)
	client := startClient(t, node, "acct")

	node.FailSubmits(ledger.ErrUnderfunded, 1)
	_, err := client.Submit(context.Background(), "batch/BTH-A1", []byte("v"))
	require.ErrorIs(t, err, ledger.ErrUnderfunded)
	assert.Equal(t, 0, node.TxCount(), "fatal errors must not be retried")
	assert.Equal(t, uint64(0), client.Sequence())
}

func TestClientSerializesConcurrentSubmits(t *testing.T) {
	node := ledger.NewMemNode(0)
	client := startClient(t, node, "acct")

	const workers = 20
	refs := make([]ledger.TxRef, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = client.Submit(context.Background(), "batch/BTH-A1", []byte{byte(i + 1)})
		}(i)
	}
	wg.Wait()

	seen := make(map[ledger.TxRef]bool, workers)
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[refs[i]], "tx refs must be unique")
		seen[refs[i]] = true
	}
	assert.Equal(t, uint64(workers), client.Sequence())
	assert.Equal(t, workers, node.TxCount())

	ok, msg := node.VerifyChain()
	assert.True(t, ok, msg)
}

func TestClientSubmitAfterStop(t *testing.T) {
	node := ledger.NewMemNode(0)
	client := ledger.NewClient(node, "acct", 0, fastPolicy())

	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx)
	cancel()
	<-client.Done()

	_, err := client.Submit(context.Background(), "batch/BTH-A1", []byte("v"))
	require.Error(t, err)
}

func TestClientReceipt(t *testing.T) {
	node := ledger.NewMemNode(0)
	client := startClient(t, node, "acct")
	ctx := context.Background()

	ref, err := client.Submit(ctx, "batch/BTH-A1", []byte("v"))
	require.NoError(t, err)

	rcpt, err := client.Receipt(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusConfirmed, rcpt.Status)
}
