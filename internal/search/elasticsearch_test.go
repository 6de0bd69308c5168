package search

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/irfnriza/flowin-swm-server/config"
	"github.com/irfnriza/flowin-swm-server/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildBulkBody(t *testing.T) {
	body, err := BuildBulkBody("b1", []models.Record{
		{"device_id": "D1", "flow_rate": 1.5},
		{"device_id": "D1", "flow_rate": 2.5},
	})
	require.NoError(t, err)

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.Len(t, lines, 4)
	assert.Equal(t, "b1-0", lines[0]["index"].(map[string]interface{})["_id"])
	assert.Equal(t, "b1", lines[1]["batch_id"])
	assert.Equal(t, 2.5, lines[3]["flow_rate"])
}

func newFakeElastic(t *testing.T, response string, status int, captured *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		if captured != nil {
			*captured = r.URL.Path + "\n" + string(data)
		}
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIndexRecordsSendsBulkToIndex(t *testing.T) {
	var captured string
	srv := newFakeElastic(t, `{"took":1,"errors":false,"items":[]}`, http.StatusOK, &captured)

	client, err := NewElasticClient(config.ElasticConfig{Enabled: true, URL: srv.URL, Index: "flowin-telemetry"})
	require.NoError(t, err)

	err = client.IndexRecords(context.Background(), "b1", []models.Record{{"device_id": "D1"}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(captured, "/flowin-telemetry/_bulk"))
	assert.Contains(t, captured, `"_id":"b1-0"`)
}

func TestIndexRecordsReportsItemErrors(t *testing.T) {
	response := `{"errors":true,"items":[{"index":{"_id":"b1-0","status":400,"error":{"type":"mapper_parsing_exception","reason":"bad field"}}}]}`
	srv := newFakeElastic(t, response, http.StatusOK, nil)

	client, err := NewElasticClient(config.ElasticConfig{Enabled: true, URL: srv.URL, Index: "idx"})
	require.NoError(t, err)

	err = client.IndexRecords(context.Background(), "b1", []models.Record{{"device_id": "D1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestIndexRecordsHTTPError(t *testing.T) {
	srv := newFakeElastic(t, `{"error":"boom"}`, http.StatusInternalServerError, nil)

	client, err := NewElasticClient(config.ElasticConfig{Enabled: true, URL: srv.URL, Index: "idx"})
	require.NoError(t, err)

	err = client.IndexRecords(context.Background(), "b1", []models.Record{{"device_id": "D1"}})
	assert.Error(t, err)
}

func TestDisabledIndexerIsNoop(t *testing.T) {
	indexer, err := NewIndexer(config.ElasticConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, indexer.IndexRecords(context.Background(), "b1", []models.Record{{"a": 1}}))
}
