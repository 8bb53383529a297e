package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/optiforge/optiforge/internal/engine"
	"github.com/optiforge/optiforge/internal/faults"
	"github.com/optiforge/optiforge/internal/model"
)

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

func postExecution(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/executions", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST /v1/executions: %v", err)
	}
	return resp
}

func TestCreateExecutionWaited(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postExecution(t, ts, `{"graph": `+validGraphJSON()+`, "wait": true}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body engine.Response
	decodeBody(t, resp, &body)
	if !body.Success {
		t.Fatalf("response = %+v, want success", body)
	}
	if body.Result == nil {
		t.Error("no result in waited response")
	}

	e := waitForExecutionStatus(t, srv, body.ExecutionID, model.StatusCompleted)
	if e.Tier == "" || e.Priority == 0 {
		t.Errorf("execution record missing profile: %+v", e)
	}
}

func TestCreateExecutionAsync(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postExecution(t, ts, `{"graph": `+validGraphJSON()+`}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var body engine.Response
	decodeBody(t, resp, &body)
	if body.ExecutionID == "" {
		t.Fatal("no execution id in async response")
	}

	waitForExecutionStatus(t, srv, body.ExecutionID, model.StatusCompleted)
}

func TestCreateExecutionInvalidBody(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	for name, body := range map[string]string{
		"not json":    `{{{`,
		"no graph":    `{}`,
		"empty graph": `{"graph": {"nodes": []}}`,
	} {
		resp := postExecution(t, ts, body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestCreateExecutionValidationFailure(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// Optimizer without a repository fails graph validation.
	body := `{"graph": {
		"nodes": [
			{"id": "p1", "kind": "problem", "parameters": {"repository": "acme/sphere"}},
			{"id": "o1", "kind": "optimizer"}
		],
		"edges": [{"source_id": "p1", "target_id": "o1"}]
	}, "wait": true}`

	resp := postExecution(t, ts, body)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}

	var out engine.Response
	decodeBody(t, resp, &out)
	if out.ErrorType != faults.KindValidation {
		t.Errorf("error_type = %q, want %q", out.ErrorType, faults.KindValidation)
	}
	if out.Recommendation == "" {
		t.Error("no recommendation in validation failure")
	}
}

func TestGetExecution(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := postExecution(t, ts, `{"graph": `+validGraphJSON()+`, "wait": true}`)
	var body engine.Response
	decodeBody(t, created, &body)
	created.Body.Close()

	resp, err := http.Get(ts.URL + "/v1/executions/" + body.ExecutionID)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var e model.Execution
	decodeBody(t, resp, &e)
	if e.ID != body.ExecutionID || e.Status != model.StatusCompleted {
		t.Errorf("execution = %+v", e)
	}
}

func TestGetExecutionNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/executions/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListExecutions(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postExecution(t, ts, `{"graph": `+validGraphJSON()+`, "wait": true}`)
	resp.Body.Close()

	listResp, err := http.Get(ts.URL + "/v1/executions?limit=10")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer listResp.Body.Close()

	var body listExecutionsResponse
	decodeBody(t, listResp, &body)
	if body.Total != 1 || len(body.Executions) != 1 {
		t.Errorf("list = %+v, want one execution", body)
	}
}

func TestCancelFinishedExecutionConflicts(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	created := postExecution(t, ts, `{"graph": `+validGraphJSON()+`, "wait": true}`)
	var body engine.Response
	decodeBody(t, created, &body)
	created.Body.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/executions/"+body.ExecutionID, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusConflict {
		t.Errorf("status = %d, want 409", resp.StatusCode)
	}
}

func TestCancelUnknownExecution(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/executions/nonexistent", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
