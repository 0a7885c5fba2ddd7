package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cropledger-labs/cropledger/pkg/anchor"
	"github.com/cropledger-labs/cropledger/pkg/canonical"
	"github.com/cropledger-labs/cropledger/pkg/settlement"
)

// failingAnchorer makes every outcome anchoring fail, so a synchronous
// callback surfaces a downstream error through Deliver.
type failingAnchorer struct{}

func (failingAnchorer) Anchor(ctx context.Context, subjectID, kind string, rec canonical.Record) (*anchor.Ticket, error) {
	return nil, anchor.ErrAnchorFailed
}

func TestHandleOracleResultStatusCodes(t *testing.T) {
	policy, err := settlement.NewDecisionPolicy(settlement.Policy{
		Version:    "1.0.0",
		Expression: "result >= threshold",
		Threshold:  50,
	})
	require.NoError(t, err)
	oracle := settlement.NewMemOracle(policy)
	coordinator := settlement.NewCoordinator(settlement.NewMemStore(), oracle, failingAnchorer{}, policy)
	oracle.Subscribe(coordinator)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	api := newAPIServer(nil, coordinator, nil, oracle, settlement.Query{}, logger)
	mux := http.NewServeMux()
	api.register(mux)

	// Unknown request reference: the caller's fault.
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/oracle/results",
		strings.NewReader(`{"requestRef":"oreq-missing","value":72}`)))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	// Known request whose settlement fails downstream: not a 404.
	st, err := coordinator.RequestEvaluation(context.Background(), "CLM-9", 500,
		settlement.Query{Region: "nashik", Metric: "rainfall_mm", WindowDays: 30})
	require.NoError(t, err)
	rr = httptest.NewRecorder()
	body := fmt.Sprintf(`{"requestRef":%q,"value":72}`, st.RequestRef)
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/oracle/results", strings.NewReader(body)))
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}
