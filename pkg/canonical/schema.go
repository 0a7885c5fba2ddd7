package canonical

import (
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// fieldSpec declares a semantically significant field of a record kind.
type fieldSpec struct {
	name     string
	required bool
	date     bool
}

type descriptor struct {
	kind       string
	fields     []fieldSpec
	fieldIndex map[string]int
	schema     *jsonschema.Schema
}

func newDescriptor(kind, schemaDoc string, fields []fieldSpec) descriptor {
	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		idx[f.name] = i
	}
	return descriptor{
		kind:       kind,
		fields:     fields,
		fieldIndex: idx,
		schema:     jsonschema.MustCompileString(kind+".schema.json", schemaDoc),
	}
}

const produceBatchSchema = `{
  "type": "object",
  "properties": {
    "batchId":        {"type": "string", "minLength": 1},
    "name":           {"type": "string", "minLength": 1},
    "farmId":         {"type": "string", "minLength": 1},
    "harvestDate":    {"type": "string"},
    "quantityKg":     {"type": "number", "minimum": 0},
    "certifications": {"type": "object"},
    "evidenceRef":    {"type": "string"}
  },
  "required": ["batchId", "name", "farmId", "harvestDate"]
}`

const claimOutcomeSchema = `{
  "type": "object",
  "properties": {
    "claimId":      {"type": "string", "minLength": 1},
    "amount":       {"type": "number", "minimum": 0},
    "decision":     {"type": "string", "enum": ["approved", "rejected"]},
    "oracleResult": {"type": "number"},
    "decidedDate":  {"type": "string"},
    "evidenceRef":  {"type": "string"}
  },
  "required": ["claimId", "amount", "decision"]
}`

var descriptors = map[string]descriptor{
	RecordProduceBatch: newDescriptor(RecordProduceBatch, produceBatchSchema, []fieldSpec{
		{name: "batchId", required: true},
		{name: "name", required: true},
		{name: "farmId", required: true},
		{name: "harvestDate", required: true, date: true},
		{name: "quantityKg"},
		{name: "certifications"},
		{name: "evidenceRef"},
	}),
	RecordClaimOutcome: newDescriptor(RecordClaimOutcome, claimOutcomeSchema, []fieldSpec{
		{name: "claimId", required: true},
		{name: "amount", required: true},
		{name: "decision", required: true},
		{name: "oracleResult"},
		{name: "decidedDate", date: true},
		{name: "evidenceRef"},
	}),
}
