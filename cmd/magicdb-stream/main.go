// Command magicdb-stream is the Lambda function attached to the catalog
// table's DynamoDB stream. It prunes what removed databases and tables
// leave behind.
//
// Environment:
//
//	MAGICDB_TABLE      DynamoDB table (default magicdb_kv)
//	MAGICDB_NAMESPACE  catalog namespace (default magicdb)
//	MAGICDB_SHARDS     partition shards of the table (default 1)
//	MAGICDB_LOCK_TTL   catalog lock TTL (default 10s)
//	MAGICDB_LOG_LEVEL  log level (default info)
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/jacentio/magicdb/catalog"
	"github.com/jacentio/magicdb/internal/backend"
	"github.com/jacentio/magicdb/internal/config"
	"github.com/jacentio/magicdb/internal/logging"
	"github.com/jacentio/magicdb/kv/dynamokv"
	"github.com/jacentio/magicdb/stream"
)

func main() {
	cfg, err := fromEnv(os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "magicdb-stream:", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Log.Level, false)
	if err != nil {
		fmt.Fprintln(os.Stderr, "magicdb-stream:", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	client, err := backend.NewDynamoClient(context.Background(), cfg.DynamoDB)
	if err != nil {
		logger.Fatal("failed to create DynamoDB client", zap.Error(err))
	}
	store := dynamokv.New(client, cfg.DynamoStore(), logger)
	handler := stream.NewHandler(catalog.New(store, cfg.Catalog(), logger), logger)

	lambda.Start(handler.HandleCatalogEvents)
}

// fromEnv builds the configuration from environment variables over the
// defaults.
func fromEnv(getenv func(string) string) (config.Config, error) {
	cfg := config.Default()
	cfg.Backend = config.BackendDynamoDB

	if v := getenv("MAGICDB_TABLE"); v != "" {
		cfg.DynamoDB.Table = v
	}
	if v := getenv("MAGICDB_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := getenv("MAGICDB_SHARDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return config.Config{}, fmt.Errorf("MAGICDB_SHARDS: %w", err)
		}
		cfg.DynamoDB.NumShards = n
	}
	if v := getenv("MAGICDB_LOCK_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return config.Config{}, fmt.Errorf("MAGICDB_LOCK_TTL: %w", err)
		}
		cfg.LockTTL = d
	}
	if v := getenv("MAGICDB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	return cfg, cfg.Validate()
}
