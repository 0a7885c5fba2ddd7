//go:build property
// +build property

package canonical_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/cropledger-labs/cropledger/pkg/canonical"
)

// TestDigestDeterminism verifies the digest is a pure function of record
// content: hashing the same record twice, or a rebuilt copy, yields the same
// hex string.
func TestDigestDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("digest is deterministic", prop.ForAll(
		func(batchID, name, farmID string, qty float64) bool {
			if batchID == "" || name == "" || farmID == "" || qty < 0 {
				return true
			}
			rec := canonical.Record{
				"batchId":     batchID,
				"name":        name,
				"farmId":      farmID,
				"harvestDate": "2024-03-01",
				"quantityKg":  qty,
			}
			copyRec := canonical.Record{
				"quantityKg":  qty,
				"harvestDate": "2024-03-01T00:00:00Z",
				"farmId":      farmID,
				"name":        name,
				"batchId":     batchID,
			}
			d1, err1 := canonical.Digest(canonical.RecordProduceBatch, rec)
			d2, err2 := canonical.Digest(canonical.RecordProduceBatch, copyRec)
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			return d1 == d2
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
		gen.Float64Range(0, 1e9),
	))

	properties.TestingRun(t)
}

// TestDigestSensitivityProperty verifies any single semantic field change
// changes the digest.
func TestDigestSensitivityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("distinct batch ids produce distinct digests", prop.ForAll(
		func(batchID, other string) bool {
			if batchID == "" || other == "" || batchID == other {
				return true
			}
			base := canonical.Record{
				"batchId": batchID, "name": "Mango", "farmId": "F1",
				"harvestDate": "2024-03-01",
			}
			mutated := canonical.Record{
				"batchId": other, "name": "Mango", "farmId": "F1",
				"harvestDate": "2024-03-01",
			}
			d1, err1 := canonical.Digest(canonical.RecordProduceBatch, base)
			d2, err2 := canonical.Digest(canonical.RecordProduceBatch, mutated)
			if err1 != nil || err2 != nil {
				return false
			}
			return d1 != d2
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
