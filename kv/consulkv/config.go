package consulkv

// Config holds configuration for the Store.
type Config struct {
	// Address is the consul agent address.
	// Default: "127.0.0.1:8500"
	Address string

	// Scheme is "http" or "https".
	// Default: "http"
	Scheme string

	// Token is the ACL token, if any.
	Token string

	// Datacenter overrides the agent's datacenter when set.
	Datacenter string

	// Prefix is prepended to every catalog key in consul's key space.
	// Catalog keys are absolute ("/ns/..."); their leading slash is dropped.
	Prefix string

	// LockPrefix is prepended to lock names.
	// Default: "magicdb-locks/"
	LockPrefix string
}

const (
	defaultAddress    = "127.0.0.1:8500"
	defaultScheme     = "http"
	defaultLockPrefix = "magicdb-locks/"
)

// DefaultConfig returns a config for a local consul agent.
func DefaultConfig() Config {
	return Config{
		Address:    defaultAddress,
		Scheme:     defaultScheme,
		LockPrefix: defaultLockPrefix,
	}
}

func (c *Config) validate() {
	if c.Address == "" {
		c.Address = defaultAddress
	}
	if c.Scheme == "" {
		c.Scheme = defaultScheme
	}
	if c.LockPrefix == "" {
		c.LockPrefix = defaultLockPrefix
	}
}
