// Package backend opens the kv.Store selected by the configuration.
package backend

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"github.com/jacentio/magicdb/internal/config"
	"github.com/jacentio/magicdb/kv"
	"github.com/jacentio/magicdb/kv/consulkv"
	"github.com/jacentio/magicdb/kv/dynamokv"
	"github.com/jacentio/magicdb/kv/etcdkv"
)

// Open connects to the configured backend. The caller closes the store.
func Open(ctx context.Context, cfg config.Config, logger *zap.Logger) (kv.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("backend", cfg.Backend))

	switch cfg.Backend {
	case config.BackendMemory:
		logger.Warn("using the in-memory backend; the catalog is lost on exit")
		return kv.NewMemoryStore(), nil

	case config.BackendEtcd:
		store, err := etcdkv.Dial(cfg.EtcdStore(), logger)
		if err != nil {
			return nil, fmt.Errorf("connect to etcd: %w", err)
		}
		return store, nil

	case config.BackendConsul:
		store, err := consulkv.Dial(cfg.ConsulStore(), logger)
		if err != nil {
			return nil, fmt.Errorf("connect to consul: %w", err)
		}
		return store, nil

	case config.BackendDynamoDB:
		client, err := NewDynamoClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		storeCfg := cfg.DynamoStore()
		if cfg.DynamoDB.CreateTable {
			logger.Info("ensuring table", zap.String("table", storeCfg.Table))
			if err := dynamokv.CreateTable(ctx, client, storeCfg.Table); err != nil {
				return nil, fmt.Errorf("create table %s: %w", storeCfg.Table, err)
			}
		}
		return dynamokv.New(client, storeCfg, logger), nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// NewDynamoClient builds a DynamoDB client from the default AWS credential
// chain, with optional region and endpoint overrides.
func NewDynamoClient(ctx context.Context, cfg config.DynamoDB) (*dynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}
