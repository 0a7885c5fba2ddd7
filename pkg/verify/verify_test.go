package verify_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropledger-labs/cropledger/pkg/anchor"
	"github.com/cropledger-labs/cropledger/pkg/canonical"
	"github.com/cropledger-labs/cropledger/pkg/ledger"
	"github.com/cropledger-labs/cropledger/pkg/verify"
)

func batchRecord() canonical.Record {
	return canonical.Record{
		"batchId":     "BTH-A1",
		"name":        "Mango",
		"farmId":      "F1",
		"harvestDate": "2024-03-01T10:00:00Z",
	}
}

// anchored writes rec's digest to a fresh node and returns the node and
// ledger key.
func anchored(t *testing.T, rec canonical.Record) (*ledger.MemNode, string) {
	t.Helper()
	node := ledger.NewMemNode(0)
	client := ledger.NewClient(node, "signer", 0, ledger.DefaultRetryPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-client.Done()
	})

	svc := anchor.New(anchor.NewMemStore(), client)
	ticket, err := svc.Anchor(ctx, "BTH-A1", canonical.RecordProduceBatch, rec)
	require.NoError(t, err)
	return node, ticket.LedgerKey
}

func TestVerifySymmetry(t *testing.T) {
	node, key := anchored(t, batchRecord())
	svc := verify.New(node)

	// The same logical record, with an explicit null and a different
	// sub-day timestamp, still verifies.
	rec := batchRecord()
	rec["harvestDate"] = "2024-03-01T23:59:00Z"
	rec["certifications"] = nil

	res, err := svc.Verify(context.Background(), "BTH-A1", canonical.RecordProduceBatch, rec, key)
	require.NoError(t, err)
	assert.True(t, res.Match)
	assert.Equal(t, res.RecomputedHex, res.AnchoredHex)
}

func TestVerifyDetectsMutation(t *testing.T) {
	node, key := anchored(t, batchRecord())
	svc := verify.New(node)

	rec := batchRecord()
	rec["name"] = "Papaya"

	res, err := svc.Verify(context.Background(), "BTH-A1", canonical.RecordProduceBatch, rec, key)
	require.NoError(t, err)
	assert.False(t, res.Match)
	assert.NotEqual(t, res.RecomputedHex, res.AnchoredHex)
}

func TestVerifyRecordNotFound(t *testing.T) {
	node, _ := anchored(t, batchRecord())
	svc := verify.New(node)

	_, err := svc.Verify(context.Background(), "BTH-A1", canonical.RecordProduceBatch, batchRecord(), "batch/BTH-MISSING")
	require.ErrorIs(t, err, verify.ErrRecordNotFound)
}

func TestVerifyUnreachableIsNotAMismatch(t *testing.T) {
	node, key := anchored(t, batchRecord())
	node.SetUnreachable(true)
	svc := verify.New(node)

	res, err := svc.Verify(context.Background(), "BTH-A1", canonical.RecordProduceBatch, batchRecord(), key)
	require.ErrorIs(t, err, verify.ErrLedgerUnreachable)
	assert.Nil(t, res, "an unreachable ledger must never be reported as a verdict")
}

func TestVerifySubjectMismatch(t *testing.T) {
	node, key := anchored(t, batchRecord())
	svc := verify.New(node)

	_, err := svc.Verify(context.Background(), "BTH-OTHER", canonical.RecordProduceBatch, batchRecord(), key)
	require.ErrorIs(t, err, verify.ErrRecordNotFound)
}

func TestVerifyInvalidRecord(t *testing.T) {
	node, key := anchored(t, batchRecord())
	svc := verify.New(node)

	_, err := svc.Verify(context.Background(), "BTH-A1", canonical.RecordProduceBatch,
		canonical.Record{"batchId": "BTH-A1"}, key)
	require.ErrorIs(t, err, canonical.ErrInvalidRecord)
}

func TestVerifyMalformedEnvelope(t *testing.T) {
	node := ledger.NewMemNode(0)
	client := ledger.NewClient(node, "signer", 0, ledger.DefaultRetryPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	go client.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-client.Done()
	})

	_, err := client.Submit(ctx, "batch/BTH-A1", []byte("not json"))
	require.NoError(t, err)

	svc := verify.New(node)
	_, err = svc.Verify(ctx, "BTH-A1", canonical.RecordProduceBatch, batchRecord(), "batch/BTH-A1")
	require.Error(t, err)
}
