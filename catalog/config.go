package catalog

import "time"

// Config holds configuration for the catalog Client.
type Config struct {
	// Namespace is the root of the catalog key space and the name of the
	// catalog-wide lock.
	// Default: "magicdb"
	Namespace string

	// LockTTL bounds how long a mutation may hold the catalog lock. Work still
	// running when it expires is cancelled.
	// Default: 10s
	LockTTL time.Duration

	// DatabaseProperties are the property keys CreateDatabase requires.
	// Default: access_key, secret_key, bucket, endpoint, platform
	DatabaseProperties []string

	// TableProperties are the property keys CreateTable requires.
	// Default: data_path, meta_path
	TableProperties []string
}

const (
	defaultNamespace = "magicdb"
	defaultLockTTL   = 10 * time.Second
)

// propertyAliases lists accepted legacy spellings of required keys.
var propertyAliases = map[string][]string{
	"platform": {"plaform"},
}

// DefaultConfig returns the configuration of the reference catalog.
func DefaultConfig() Config {
	return Config{
		Namespace:          defaultNamespace,
		LockTTL:            defaultLockTTL,
		DatabaseProperties: []string{"access_key", "secret_key", "bucket", "endpoint", "platform"},
		TableProperties:    []string{"data_path", "meta_path"},
	}
}

// validate ensures config values are usable.
func (c *Config) validate() {
	def := DefaultConfig()
	if c.Namespace == "" {
		c.Namespace = def.Namespace
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	if c.DatabaseProperties == nil {
		c.DatabaseProperties = def.DatabaseProperties
	}
	if c.TableProperties == nil {
		c.TableProperties = def.TableProperties
	}
}
