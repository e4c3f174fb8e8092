package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/settlement/pkg/contracts"
	"github.com/Mindburn-Labs/settlement/pkg/settlement"
	"github.com/Mindburn-Labs/settlement/pkg/store/memory"
	"github.com/Mindburn-Labs/settlement/pkg/trigger"
)

const milestoneDoc = `{
	"id": "c-1",
	"deal_room_id": "room-1",
	"trigger_type": "milestone",
	"trigger_conditions": {"milestone_id": "M1"},
	"payout_rules": [{"participant_id": "X", "percentage": 100}],
	"is_active": true
}`

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	st := memory.New()
	eval, err := trigger.NewEvaluator()
	require.NoError(t, err)
	srv := NewServer(settlement.New(st, eval), st, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, st
}

func do(t *testing.T, method, url, contentType, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func TestStatusFor(t *testing.T) {
	cases := map[contracts.ReasonCode]int{
		contracts.ReasonCompleted:            http.StatusOK,
		contracts.ReasonTriggerNotMet:        http.StatusOK,
		contracts.ReasonNoAmountToDistribute: http.StatusOK,
		contracts.ReasonDuplicate:            http.StatusOK,
		contracts.ReasonPendingConfirmation:  http.StatusAccepted,
		contracts.ReasonWorkflowsPaused:      http.StatusPaymentRequired,
		contracts.ReasonInsufficientEscrow:   http.StatusPaymentRequired,
		contracts.ReasonContractNotFound:     http.StatusNotFound,
		contracts.ReasonContractInactive:     http.StatusConflict,
		contracts.ReasonConfirmationRejected: http.StatusOK,
		contracts.ReasonConfirmationExpired:  http.StatusOK,
		contracts.ReasonFailed:               http.StatusInternalServerError,
	}
	for reason, want := range cases {
		assert.Equal(t, want, StatusFor(reason), reason)
	}
}

func TestAPI_ContractDepositExecuteFlow(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, http.MethodPut, ts.URL+"/v1/contracts/c-1", "application/json", milestoneDoc)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/deal-rooms/room-1/deposits", "application/json",
		`{"amount":"1000","create_if_missing":true,"source_entity":"wire:w-1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/contracts/c-1/execute", "application/json",
		`{"trigger_event":"milestone_completed","trigger_data":{"milestoneId":"M1","amount":300}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res contracts.ExecutionResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, contracts.ReasonCompleted, res.ReasonCode)
	assert.True(t, res.DistributedAmount.Equal(decimal.NewFromInt(300)))

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/executions/"+res.ExecutionID, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var execResp struct {
		Execution contracts.Execution `json:"execution"`
		Payouts   []contracts.Payout  `json:"payouts"`
	}
	require.NoError(t, json.Unmarshal(body, &execResp))
	assert.Equal(t, contracts.ExecutionCompleted, execResp.Execution.Status)
	require.Len(t, execResp.Payouts, 1)

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/deal-rooms/room-1/escrow", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var escResp struct {
		Escrow       contracts.Escrow              `json:"escrow"`
		Transactions []contracts.EscrowTransaction `json:"transactions"`
	}
	require.NoError(t, json.Unmarshal(body, &escResp))
	assert.True(t, escResp.Escrow.CurrentBalance.Equal(decimal.NewFromInt(700)))
	assert.Len(t, escResp.Transactions, 2)

	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/contracts/c-1/execute", "application/json",
		`{"trigger_event":"milestone_completed","trigger_data":{"milestoneId":"M1","amount":300}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_ExecuteKeepsExactAmount(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := do(t, http.MethodPut, ts.URL+"/v1/contracts/c-1", "application/json", milestoneDoc)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	resp, body = do(t, http.MethodPost, ts.URL+"/v1/deal-rooms/room-1/deposits", "application/json",
		`{"amount":"99999999999999999999","create_if_missing":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/contracts/c-1/execute", "application/json",
		`{"trigger_event":"milestone_completed","trigger_data":{"milestoneId":"M1","amount":12345678901234567.89}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res contracts.ExecutionResult
	require.NoError(t, json.Unmarshal(body, &res))
	require.Equal(t, contracts.ReasonCompleted, res.ReasonCode)
	require.NotNil(t, res.DistributedAmount)
	assert.Equal(t, "12345678901234567.89", res.DistributedAmount.String())

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/deal-rooms/room-1/escrow", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var escResp struct {
		Escrow contracts.Escrow `json:"escrow"`
	}
	require.NoError(t, json.Unmarshal(body, &escResp))
	assert.Equal(t, "87654321098765432.11", escResp.Escrow.CurrentBalance.String())
}

func TestAPI_StatusMapping(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.SaveContract(ctx, &contracts.SettlementContract{
		ID:          "gated",
		DealRoomID:  "room-1",
		TriggerType: contracts.TriggerManual,
		PayoutRules: []contracts.PayoutRule{{ParticipantID: "ops", Percentage: decimal.NewFromInt(100)}},
		IsActive:    true,
		CreatedAt:   time.Now(),

		ExternalConfirmationRequired: true,
	}))
	require.NoError(t, st.SaveContract(ctx, &contracts.SettlementContract{
		ID:          "inactive",
		DealRoomID:  "room-1",
		TriggerType: contracts.TriggerManual,
		PayoutRules: []contracts.PayoutRule{{ParticipantID: "ops", Percentage: decimal.NewFromInt(100)}},
	}))
	require.NoError(t, st.SaveEscrow(ctx, &contracts.Escrow{
		ID: "esc-2", DealRoomID: "room-2", CurrentBalance: decimal.NewFromInt(40), MinimumBalanceThreshold: decimal.NewFromInt(50),
	}))
	require.NoError(t, st.SaveContract(ctx, &contracts.SettlementContract{
		ID:          "paused",
		DealRoomID:  "room-2",
		TriggerType: contracts.TriggerManual,
		PayoutRules: []contracts.PayoutRule{{ParticipantID: "ops", Percentage: decimal.NewFromInt(100)}},
		IsActive:    true,
	}))

	manual := `{"trigger_event":"manual_trigger","trigger_data":{"amount":10}}`
	resp, body := do(t, http.MethodPost, ts.URL+"/v1/contracts/gated/execute", "application/json", manual)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/contracts/inactive/execute", "application/json", manual)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/contracts/missing/execute", "application/json", manual)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/contracts/paused/execute", "application/json", manual)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	var res contracts.ExecutionResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, contracts.ReasonWorkflowsPaused, res.ReasonCode)
	assert.True(t, res.CurrentBalance.Equal(decimal.NewFromInt(40)))

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/contracts/gated/execute", "application/json", `{"trigger_event":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "application/problem+json", resp.Header.Get("Content-Type"))
	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, http.StatusBadRequest, problem.Status)
	assert.Equal(t, "/v1/contracts/gated/execute", problem.Instance)
	assert.NotEmpty(t, problem.TraceID)

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/executions/nope", "", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_ResolveConfirmation(t *testing.T) {
	ts, st := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, st.SaveContract(ctx, &contracts.SettlementContract{
		ID:          "gated",
		DealRoomID:  "room-1",
		TriggerType: contracts.TriggerManual,
		PayoutRules: []contracts.PayoutRule{{ParticipantID: "ops", Percentage: decimal.NewFromInt(100)}},
		IsActive:    true,

		ExternalConfirmationRequired: true,
	}))

	_, body := do(t, http.MethodPost, ts.URL+"/v1/contracts/gated/execute", "application/json",
		`{"trigger_event":"manual_trigger","trigger_data":{"amount":10}}`)
	var pending contracts.ExecutionResult
	require.NoError(t, json.Unmarshal(body, &pending))
	conf, err := st.GetConfirmationByExecution(ctx, pending.ExecutionID)
	require.NoError(t, err)

	resp, _ := do(t, http.MethodPost, ts.URL+"/v1/confirmations/"+conf.ID+"/resolve", "application/json", `{"outcome":"maybe"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/confirmations/"+conf.ID+"/resolve", "application/json", `{"outcome":"rejected"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res contracts.ExecutionResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, contracts.ReasonConfirmationRejected, res.ReasonCode)

	resp, _ = do(t, http.MethodPost, ts.URL+"/v1/confirmations/unknown/resolve", "application/json", `{"outcome":"confirmed"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_PutContractRejectsInvalid(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := do(t, http.MethodPut, ts.URL+"/v1/contracts/other", "application/json", milestoneDoc)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPut, ts.URL+"/v1/contracts/c-1", "application/json", `{"id":"c-1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	yamlDoc := "id: c-2\ndeal_room_id: room-1\ntrigger_type: manual\npayout_rules:\n  - participant_id: ops\n    percentage: 100\nis_active: true\n"
	resp, body := do(t, http.MethodPut, ts.URL+"/v1/contracts/c-2", "application/yaml", yamlDoc)
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, _ = do(t, http.MethodGet, ts.URL+"/v1/contracts/c-2", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_DispatchAndHealth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp, _ := do(t, http.MethodGet, ts.URL+"/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(headerRequestID))

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/deal-rooms/empty/events", "application/json",
		`{"trigger_event":"manual_trigger","trigger_data":{"amount":10}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"results":[]}`, string(body))
}
