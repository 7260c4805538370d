package openset

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (http.Handler, *Services) {
	t.Helper()
	svc := newTestServices(t)
	return NewServer(svc), svc
}

func doRequest(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServerTableLifecycle(t *testing.T) {
	h, _ := newTestServer(t)

	rec := doRequest(t, h, http.MethodPost, "/v1/table/events", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create table: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPut, "/v1/table/events/property/amount?type=double", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add property: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/table/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get table: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodDelete, "/v1/table/events/property/amount", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("remove property: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodDelete, "/v1/table/events", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("drop table: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/v1/table/events", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get dropped table: expected 404, got %d", rec.Code)
	}
}

func TestServerInsertAndFetchCustomer(t *testing.T) {
	h, _ := newTestServer(t)

	doRequest(t, h, http.MethodPost, "/v1/table/events", nil)
	doRequest(t, h, http.MethodPut, "/v1/table/events/property/amount?type=double", nil)

	body := []map[string]interface{}{
		{
			"person": "customer-a",
			"stamp":  time.Now().UnixMilli(),
			"_":      map[string]interface{}{"event": "purchase", "amount": 9.5},
		},
	}
	rec := doRequest(t, h, http.MethodPost, "/v1/insert/events", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("insert: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var acceptedResp map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &acceptedResp); err != nil {
		t.Fatalf("decode insert response: %v", err)
	}
	if acceptedResp["accepted"] != 1 {
		t.Fatalf("expected 1 accepted row, got %+v", acceptedResp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec = doRequest(t, h, http.MethodGet, "/v1/query/events/customer?id=customer-a", nil)
		if rec.Code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for insert to drain: %d %s", rec.Code, rec.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}

	var row struct {
		Rows []map[string]interface{} `json:"rows"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &row); err != nil {
		t.Fatalf("decode customer row: %v", err)
	}
	if len(row.Rows) != 1 {
		t.Fatalf("expected 1 row, got %d", len(row.Rows))
	}
}

func TestServerClusterInitRejectsBadCount(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doRequest(t, h, http.MethodPut, "/v1/cluster/init?partitions=0", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for partitions=0, got %d", rec.Code)
	}
}

func TestServerIsMember(t *testing.T) {
	h, svc := newTestServer(t)
	rec := doRequest(t, h, http.MethodGet, "/v1/internode/is_member", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]int64
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["node_id"] != svc.Cluster.LocalNode() {
		t.Fatalf("expected node_id %d, got %d", svc.Cluster.LocalNode(), resp["node_id"])
	}
}

func TestServerSegmentUpsertBuildsImmediately(t *testing.T) {
	h, _ := newTestServer(t)

	doRequest(t, h, http.MethodPost, "/v1/table/events", nil)
	doRequest(t, h, http.MethodPut, "/v1/table/events/property/amount?type=double", nil)

	insertBody := []map[string]interface{}{
		{"person": "big-spender", "stamp": time.Now().UnixMilli(), "_": map[string]interface{}{"event": "purchase", "amount": 50.0}},
	}
	doRequest(t, h, http.MethodPost, "/v1/insert/events", insertBody)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := doRequest(t, h, http.MethodGet, "/v1/query/events/customer?id=big-spender", nil)
		if rec.Code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for insert to drain")
		}
		time.Sleep(10 * time.Millisecond)
	}

	segBody := map[string]interface{}{"script": "return amount > 10"}
	rec := doRequest(t, h, http.MethodPost, "/v1/query/events/segment?name=spenders", segBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("segment upsert: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestServerBatchRunsSegmentsThenQueries(t *testing.T) {
	h, _ := newTestServer(t)

	doRequest(t, h, http.MethodPost, "/v1/table/events", nil)
	doRequest(t, h, http.MethodPut, "/v1/table/events/property/amount?type=double", nil)

	insertBody := []map[string]interface{}{
		{"person": "batch-customer", "stamp": time.Now().UnixMilli(), "_": map[string]interface{}{"event": "purchase", "amount": 25.0}},
	}
	doRequest(t, h, http.MethodPost, "/v1/insert/events", insertBody)

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := doRequest(t, h, http.MethodGet, "/v1/query/events/customer?id=batch-customer", nil)
		if rec.Code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for insert to drain")
		}
		time.Sleep(10 * time.Millisecond)
	}

	batchBody := map[string]interface{}{
		"segments": []map[string]interface{}{
			{"name": "spenders", "script": "return amount > 10"},
		},
		"queries": []map[string]interface{}{
			{
				"name":     "count_all",
				"query":    "tally 1",
				"columns":  []map[string]string{{"label": "count", "mode": "count"}},
				"segments": []string{},
			},
		},
	}
	rec := doRequest(t, h, http.MethodPost, "/v1/query/events/batch", batchBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("batch: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var decoded struct {
		Results map[string]struct {
			Result json.RawMessage `json:"result"`
			Error  string          `json:"error"`
		} `json:"results"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode batch response: %v", err)
	}
	if decoded.Results["spenders"].Error != "" {
		t.Fatalf("expected spenders segment to build cleanly, got error %q", decoded.Results["spenders"].Error)
	}
	if decoded.Results["count_all"].Error != "" {
		t.Fatalf("expected count_all query to run cleanly, got error %q", decoded.Results["count_all"].Error)
	}
	if len(decoded.Results["count_all"].Result) == 0 {
		t.Fatal("expected count_all to carry a result payload")
	}
}

func TestServerTransferIsHonestStub(t *testing.T) {
	h, _ := newTestServer(t)
	rec := doRequest(t, h, http.MethodPut, "/v1/internode/transfer?partition=0", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}
