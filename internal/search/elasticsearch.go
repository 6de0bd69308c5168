package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/irfnriza/flowin-swm-server/config"
	"github.com/irfnriza/flowin-swm-server/internal/models"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/pkg/errors"
)

// Indexer projects committed telemetry records into a search index
type Indexer interface {
	IndexRecords(ctx context.Context, batchID string, records []models.Record) error
}

// ElasticClient indexes records into Elasticsearch with the bulk API
type ElasticClient struct {
	client *elasticsearch.Client
	index  string
}

// noopIndexer is used when elastic.enabled is false
type noopIndexer struct{}

// NewIndexer creates an Elasticsearch indexer, or a no-op one when disabled
func NewIndexer(cfg config.ElasticConfig) (Indexer, error) {
	if !cfg.Enabled {
		return noopIndexer{}, nil
	}
	return NewElasticClient(cfg)
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		index:  cfg.Index,
	}, nil
}

// DocumentID is the search document id of the i-th record in a batch
func DocumentID(batchID string, i int) string {
	return fmt.Sprintf("%s-%d", batchID, i)
}

// BuildBulkBody renders the NDJSON bulk request for a batch
func BuildBulkBody(batchID string, records []models.Record) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, rec := range records {
		action := map[string]interface{}{
			"index": map[string]interface{}{"_id": DocumentID(batchID, i)},
		}
		if err := enc.Encode(action); err != nil {
			return nil, errors.Wrap(err, "failed to encode bulk action")
		}
		doc := rec.Clone()
		doc["batch_id"] = batchID
		if err := enc.Encode(doc); err != nil {
			return nil, errors.Wrapf(err, "failed to encode record %d", i)
		}
	}
	return buf.Bytes(), nil
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

// IndexRecords bulk-indexes the records of one committed batch
func (c *ElasticClient) IndexRecords(ctx context.Context, batchID string, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	body, err := BuildBulkBody(batchID, records)
	if err != nil {
		return err
	}

	res, err := c.client.Bulk(
		bytes.NewReader(body),
		c.client.Bulk.WithContext(ctx),
		c.client.Bulk.WithIndex(c.index),
	)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch bulk request")
	}
	defer res.Body.Close()

	if res.IsError() {
		return errors.Errorf("Elasticsearch bulk error: %s", res.String())
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return errors.Wrap(err, "failed to parse Elasticsearch bulk response")
	}
	if parsed.Errors {
		for _, item := range parsed.Items {
			for _, result := range item {
				if result.Error != nil {
					return errors.Errorf("Elasticsearch rejected document %s: %s: %s",
						result.ID, result.Error.Type, result.Error.Reason)
				}
			}
		}
		return errors.New("Elasticsearch bulk request reported errors")
	}

	return nil
}

func (noopIndexer) IndexRecords(ctx context.Context, batchID string, records []models.Record) error {
	return nil
}
