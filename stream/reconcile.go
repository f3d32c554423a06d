// Package stream provides a DynamoDB Streams handler that reconciles the
// catalog after documents are removed.
//
// Catalog mutations keep the key space consistent on their own. Removals
// made outside the catalog client (a console delete, a partially applied
// chunked transaction) leave sub-trees and index entries behind; the handler
// prunes them as the REMOVE records arrive.
package stream

import (
	"context"
	"errors"

	"github.com/aws/aws-lambda-go/events"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/jacentio/magicdb/catalog"
)

// sortKeyAttr is the stream key attribute holding the catalog key.
const sortKeyAttr = "sk"

// Handler processes DynamoDB stream events for catalog reconciliation.
type Handler struct {
	client *catalog.Client
	logger *zap.Logger
}

// NewHandler creates a new stream handler.
func NewHandler(client *catalog.Client, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		client: client,
		logger: logger,
	}
}

// target is an entity whose document was removed.
type target struct {
	db    string
	table string
}

// HandleCatalogEvents prunes what removed database and table documents left
// behind. Each entity is pruned once per event; tables of a database pruned
// in the same event are skipped. Rejected prunes are logged and skipped,
// other failures are returned together so the batch is retried.
// This function is designed to be used as an AWS Lambda handler.
func (h *Handler) HandleCatalogEvents(ctx context.Context, event events.DynamoDBEvent) error {
	targets := h.collect(event.Records)
	if len(targets) == 0 {
		return nil
	}

	var result *multierror.Error
	for _, t := range targets {
		var err error
		if t.table == "" {
			err = h.client.PruneDatabase(ctx, t.db)
		} else {
			err = h.client.PruneTable(ctx, t.db, t.table)
		}

		fields := []zap.Field{zap.String("database", t.db)}
		if t.table != "" {
			fields = append(fields, zap.String("table", t.table))
		}
		switch {
		case err == nil:
			h.logger.Info("pruned removed entity", fields...)
		case catalog.IsRejected(err):
			h.logger.Warn("skipped prune", append(fields, zap.Error(err))...)
		default:
			h.logger.Error("failed to prune", append(fields, zap.Error(err))...)
			result = multierror.Append(result, err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			break
		}
	}
	return result.ErrorOrNil()
}

// collect returns the distinct prune targets of the REMOVE records, in
// record order.
func (h *Handler) collect(records []events.DynamoDBEventRecord) []target {
	keys := h.client.Keys()
	databases := make(map[string]bool)
	seen := make(map[target]bool)
	var candidates []target

	for _, record := range records {
		if record.EventName != string(events.DynamoDBOperationTypeRemove) {
			continue
		}
		key := getStringAttr(record.Change.Keys, sortKeyAttr)
		ref := keys.Parse(key)

		var t target
		switch ref.Kind {
		case catalog.KindDatabase:
			t = target{db: ref.Database}
			databases[ref.Database] = true
		case catalog.KindTable:
			t = target{db: ref.Database, table: ref.Table}
		default:
			continue
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		h.logger.Debug("removed catalog document",
			zap.String("event_id", record.EventID),
			zap.String("key", key),
		)
		candidates = append(candidates, t)
	}

	targets := candidates[:0]
	for _, t := range candidates {
		if t.table != "" && databases[t.db] {
			continue
		}
		targets = append(targets, t)
	}
	return targets
}

// getStringAttr extracts a string attribute from a DynamoDB stream image.
func getStringAttr(image map[string]events.DynamoDBAttributeValue, key string) string {
	if v, ok := image[key]; ok && v.DataType() == events.DataTypeString {
		return v.String()
	}
	return ""
}
