package search

import (
	"bytes"
	"context"
	"encoding/json"

	"example.com/marketplace/services/fulfillment/config"
	"example.com/marketplace/services/fulfillment/internal/models"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ElasticClient provides integration with Elasticsearch
type ElasticClient struct {
	client *elasticsearch.Client
	config config.ElasticConfig
}

// NewElasticClient creates a new Elasticsearch client
func NewElasticClient(cfg config.ElasticConfig) (*ElasticClient, error) {
	esConfig := elasticsearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
	}

	client, err := elasticsearch.NewClient(esConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Elasticsearch client")
	}

	return &ElasticClient{
		client: client,
		config: cfg,
	}, nil
}

// IndexOrder indexes a terminal order in the archive index. The document id
// is the order id, so re-indexing after a partial archival run is a no-op
// overwrite rather than a duplicate.
func (c *ElasticClient) IndexOrder(ctx context.Context, order *models.Order) error {
	log.Info().Str("order_id", order.ID.String()).Msg("indexing order")

	items := make([]map[string]interface{}, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, map[string]interface{}{
			"product_id":       item.ProductID.String(),
			"quantity":         item.Quantity,
			"unit_price_cents": item.UnitPriceCents,
		})
	}

	orderDoc := map[string]interface{}{
		"id":               order.ID.String(),
		"buyer_id":         order.BuyerID.String(),
		"merchant_id":      order.MerchantID.String(),
		"status":           order.Status,
		"payment_status":   order.PaymentStatus,
		"subtotal_cents":   order.SubtotalCents,
		"delivery_cents":   order.DeliveryFeeCents,
		"total_cents":      order.TotalCents,
		"currency":         order.Currency,
		"delivery_address": order.DeliveryAddress,
		"items":            items,
		"created_at":       order.CreatedAt,
		"updated_at":       order.UpdatedAt,
	}
	if order.AgentID != nil {
		orderDoc["agent_id"] = order.AgentID.String()
	}
	if order.TerminalReason != nil {
		orderDoc["terminal_reason"] = *order.TerminalReason
	}
	if order.DeliveredAt != nil {
		orderDoc["delivered_at"] = *order.DeliveredAt
	}

	docJson, err := json.Marshal(orderDoc)
	if err != nil {
		return errors.Wrap(err, "failed to marshal order document")
	}

	indexName := config.FormatIndex(c.config, c.config.Index)
	req := esapi.IndexRequest{
		Index:      indexName,
		DocumentID: order.ID.String(),
		Body:       bytes.NewReader(docJson),
		Refresh:    "true",
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return errors.Wrap(err, "failed to execute Elasticsearch index request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return errors.Errorf("Elasticsearch index error: %v", e)
	}

	log.Info().Str("order_id", order.ID.String()).Msg("order indexed successfully")
	return nil
}

// SearchOrders searches archived orders with the given criteria
func (c *ElasticClient) SearchOrders(ctx context.Context, query map[string]interface{}) ([]map[string]interface{}, error) {
	queryJSON, err := json.Marshal(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal search query")
	}

	indexName := config.FormatIndex(c.config, c.config.Index)
	req := esapi.SearchRequest{
		Index: []string{indexName},
		Body:  bytes.NewReader(queryJSON),
	}

	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, errors.Wrap(err, "failed to execute Elasticsearch search request")
	}
	defer res.Body.Close()

	if res.IsError() {
		var e map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil {
			return nil, errors.Wrap(err, "failed to parse Elasticsearch error response")
		}
		return nil, errors.Errorf("Elasticsearch search error: %v", e)
	}

	var result map[string]interface{}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "failed to parse Elasticsearch search response")
	}

	hits, ok := result["hits"].(map[string]interface{})
	if !ok {
		return nil, errors.New("unexpected search result format")
	}

	hitsArray, ok := hits["hits"].([]interface{})
	if !ok {
		return nil, errors.New("unexpected hits format")
	}

	var docs []map[string]interface{}
	for _, hit := range hitsArray {
		hitMap, ok := hit.(map[string]interface{})
		if !ok {
			continue
		}

		source, ok := hitMap["_source"].(map[string]interface{})
		if !ok {
			continue
		}

		docs = append(docs, source)
	}

	return docs, nil
}
