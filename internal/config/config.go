// Package config loads the magicdb command configuration.
//
// Values are layered: defaults, then the YAML file, then command-line flags
// applied by the caller.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jacentio/magicdb/catalog"
	"github.com/jacentio/magicdb/internal/interp"
	"github.com/jacentio/magicdb/kv/consulkv"
	"github.com/jacentio/magicdb/kv/dynamokv"
	"github.com/jacentio/magicdb/kv/etcdkv"
)

// Backend names.
const (
	BackendMemory   = "memory"
	BackendEtcd     = "etcd"
	BackendConsul   = "consul"
	BackendDynamoDB = "dynamodb"
)

// Config is the full command configuration.
type Config struct {
	Backend   string        `yaml:"backend"`
	Namespace string        `yaml:"namespace"`
	LockTTL   time.Duration `yaml:"lock_ttl"`

	// RequestTimeout bounds each statement. A backend that stops answering
	// ends the session instead of hanging it.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// MetricsAddr serves /metrics when set, e.g. ":9090".
	MetricsAddr string `yaml:"metrics_addr"`
	HistoryFile string `yaml:"history_file"`

	Log        Log        `yaml:"log"`
	Properties Properties `yaml:"properties"`
	Etcd       Etcd       `yaml:"etcd"`
	Consul     Consul     `yaml:"consul"`
	DynamoDB   DynamoDB   `yaml:"dynamodb"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Properties overrides the required property keys of create statements.
type Properties struct {
	Database []string `yaml:"database"`
	Table    []string `yaml:"table"`
}

type Etcd struct {
	Endpoints   []string      `yaml:"endpoints"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	LockPrefix  string        `yaml:"lock_prefix"`
}

type Consul struct {
	Address    string `yaml:"address"`
	Scheme     string `yaml:"scheme"`
	Token      string `yaml:"token"`
	Datacenter string `yaml:"datacenter"`
	Prefix     string `yaml:"prefix"`
	LockPrefix string `yaml:"lock_prefix"`
}

type DynamoDB struct {
	Table  string `yaml:"table"`
	Region string `yaml:"region"`
	// Endpoint overrides the service endpoint (DynamoDB Local).
	Endpoint  string `yaml:"endpoint"`
	NumShards int    `yaml:"num_shards"`
	// CreateTable creates the table on startup if it is missing.
	CreateTable bool `yaml:"create_table"`
}

// Default returns the configuration used when no file is given: an
// in-memory catalog named "magicdb".
func Default() Config {
	cat := catalog.DefaultConfig()
	etcd := etcdkv.DefaultConfig()
	consul := consulkv.DefaultConfig()
	dynamo := dynamokv.DefaultConfig()
	return Config{
		Backend:        BackendMemory,
		Namespace:      cat.Namespace,
		LockTTL:        cat.LockTTL,
		RequestTimeout: interp.DefaultConfig().RequestTimeout,
		Log:            Log{Level: "info"},
		Etcd: Etcd{
			Endpoints:   etcd.Endpoints,
			DialTimeout: etcd.DialTimeout,
			LockPrefix:  etcd.LockPrefix,
		},
		Consul: Consul{
			Address:    consul.Address,
			Scheme:     consul.Scheme,
			LockPrefix: consul.LockPrefix,
		},
		DynamoDB: DynamoDB{
			Table:     dynamo.Table,
			NumShards: dynamo.NumShards,
		},
	}
}

// Load reads the YAML file at path over the defaults. Unknown keys are
// rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports settings the command cannot run with.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendEtcd, BackendConsul, BackendDynamoDB:
	default:
		return fmt.Errorf("unknown backend %q (want memory, etcd, consul or dynamodb)", c.Backend)
	}
	if c.Namespace == "" {
		return errors.New("namespace must not be empty")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("lock_ttl must be positive, got %s", c.LockTTL)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.Backend == BackendEtcd && len(c.Etcd.Endpoints) == 0 {
		return errors.New("etcd backend needs at least one endpoint")
	}
	return nil
}

// Interpreter returns the statement interpreter configuration.
func (c Config) Interpreter() interp.Config {
	return interp.Config{RequestTimeout: c.RequestTimeout}
}

// Catalog returns the catalog client configuration.
func (c Config) Catalog() catalog.Config {
	return catalog.Config{
		Namespace:          c.Namespace,
		LockTTL:            c.LockTTL,
		DatabaseProperties: c.Properties.Database,
		TableProperties:    c.Properties.Table,
	}
}

func (c Config) EtcdStore() etcdkv.Config {
	return etcdkv.Config{
		Endpoints:   c.Etcd.Endpoints,
		DialTimeout: c.Etcd.DialTimeout,
		Username:    c.Etcd.Username,
		Password:    c.Etcd.Password,
		LockPrefix:  c.Etcd.LockPrefix,
	}
}

func (c Config) ConsulStore() consulkv.Config {
	return consulkv.Config{
		Address:    c.Consul.Address,
		Scheme:     c.Consul.Scheme,
		Token:      c.Consul.Token,
		Datacenter: c.Consul.Datacenter,
		Prefix:     c.Consul.Prefix,
		LockPrefix: c.Consul.LockPrefix,
	}
}

// DynamoStore returns the store configuration. Partition keys are rooted
// at the namespace so several catalogs can share a table.
func (c Config) DynamoStore() dynamokv.Config {
	return dynamokv.Config{
		Table:     c.DynamoDB.Table,
		Root:      c.Namespace,
		NumShards: c.DynamoDB.NumShards,
	}
}
