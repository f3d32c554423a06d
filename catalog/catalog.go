package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jacentio/magicdb/internal/metrics"
	"github.com/jacentio/magicdb/kv"
)

// Operation names used in logs and metrics.
const (
	opCreateDatabase       = "create_database"
	opDropDatabase         = "drop_database"
	opAddMachine           = "add_machine"
	opDeleteMachine        = "delete_machine"
	opCreateTable          = "create_table"
	opDropTable            = "drop_table"
	opAddVersion           = "add_version"
	opUpdateCurrentVersion = "update_current_version"
	opDropVersion          = "drop_version"
	opLoadData             = "load_data"
	opPruneDatabase        = "prune_database"
	opPruneTable           = "prune_table"
	opRepair               = "repair"
)

// Client is the catalog of one namespace.
type Client struct {
	store  kv.Store
	keys   Keys
	config Config
	logger *zap.Logger
	now    func() time.Time
}

// New creates a catalog client on store.
func New(store kv.Store, config Config, logger *zap.Logger) *Client {
	config.validate()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		store:  store,
		keys:   NewKeys(config.Namespace),
		config: config,
		logger: logger.With(zap.String("namespace", config.Namespace)),
		now:    time.Now,
	}
}

// Keys returns the key space of the client's namespace.
func (c *Client) Keys() Keys { return c.keys }

// Config returns the effective configuration.
func (c *Client) Config() Config { return c.config }

// --- Databases ---

// CreateDatabase creates database name with props and registers it in the engine index.
func (c *Client) CreateDatabase(ctx context.Context, name string, props Properties) (err error) {
	defer c.observe(opCreateDatabase, time.Now(), &err)

	if err := validateDatabaseName(name); err != nil {
		return err
	}
	if err := requireProperties(props, c.config.DatabaseProperties); err != nil {
		return fmt.Errorf("database %q: %w", name, err)
	}

	return c.mutate(ctx, opCreateDatabase, func(ctx context.Context) error {
		key := c.keys.Database(name)
		exists, err := c.exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("database %q: %w", name, ErrAlreadyExists)
		}

		engine, _, err := c.GetEngineInfo(ctx)
		if err != nil {
			return err
		}
		engine.Databases = appendUnique(engine.Databases, name)

		doc := Database{Properties: props.Clone()}
		doc.normalize()

		txn, err := c.txn([]kv.Cond{kv.Absent(key)}, put(key, doc), put(c.keys.Engine(), engine))
		if err != nil {
			return err
		}
		if err := c.commit(ctx, txn); err != nil {
			if errors.Is(err, kv.ErrConditionFailed) {
				return fmt.Errorf("database %q: %w", name, ErrAlreadyExists)
			}
			return err
		}
		c.logger.Info("database created", zap.String("database", name))
		return nil
	})
}

// DropDatabase removes database name with all of its machines, tables,
// versions and current-version pointers, and prunes it from the engine index.
func (c *Client) DropDatabase(ctx context.Context, name string) (err error) {
	defer c.observe(opDropDatabase, time.Now(), &err)

	if err := validateDatabaseName(name); err != nil {
		return err
	}

	return c.mutate(ctx, opDropDatabase, func(ctx context.Context) error {
		key := c.keys.Database(name)
		db, found, err := c.GetDatabaseInfo(ctx, name)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("database %q: %w", name, ErrNotFound)
		}

		var writes []write
		for _, m := range db.Machines {
			machine, found, err := c.GetMachineInfo(ctx, m)
			if err != nil {
				return err
			}
			// A listed machine rebound elsewhere belongs to the other database now.
			if found && machine.Database != name {
				c.logger.Warn("skipping machine bound to another database",
					zap.String("database", name),
					zap.String("machine", m),
					zap.String("bound_to", machine.Database),
				)
				continue
			}
			writes = append(writes, del(c.keys.Machine(m)))
		}
		writes = append(writes,
			delPrefix(c.keys.CurrentVersionsOf(name)),
			delPrefix(c.keys.VersionsOf(name)),
			delPrefix(c.keys.TablesOf(name)),
			del(key),
		)

		engine, _, err := c.GetEngineInfo(ctx)
		if err != nil {
			return err
		}
		engine.Databases = remove(engine.Databases, name)
		writes = append(writes, put(c.keys.Engine(), engine))

		txn, err := c.txn([]kv.Cond{kv.Present(key)}, writes...)
		if err != nil {
			return err
		}
		if err := c.commit(ctx, txn); err != nil {
			if errors.Is(err, kv.ErrConditionFailed) {
				return fmt.Errorf("database %q: %w", name, ErrNotFound)
			}
			return err
		}
		c.logger.Info("database dropped",
			zap.String("database", name),
			zap.Int("machines", len(db.Machines)),
			zap.Int("tables", len(db.Tables)),
		)
		return nil
	})
}

// ShowDatabases returns the engine's database list.
func (c *Client) ShowDatabases(ctx context.Context) ([]string, error) {
	engine, _, err := c.GetEngineInfo(ctx)
	if err != nil {
		return nil, err
	}
	return engine.Databases, nil
}

// GetEngineInfo returns the engine document; an empty one if absent.
func (c *Client) GetEngineInfo(ctx context.Context) (Engine, bool, error) {
	var engine Engine
	found, err := c.read(ctx, c.keys.Engine(), &engine)
	engine.normalize()
	return engine, found, err
}

// GetDatabaseInfo returns the document of database name; an empty one if absent.
func (c *Client) GetDatabaseInfo(ctx context.Context, name string) (Database, bool, error) {
	var db Database
	found, err := c.read(ctx, c.keys.Database(name), &db)
	db.normalize()
	return db, found, err
}

// --- Machines ---

// AddMachine binds machine to database db.
func (c *Client) AddMachine(ctx context.Context, db, machine string) (err error) {
	defer c.observe(opAddMachine, time.Now(), &err)

	if err := validateDatabaseName(db); err != nil {
		return err
	}
	if err := validateName("machine", machine); err != nil {
		return err
	}

	return c.mutate(ctx, opAddMachine, func(ctx context.Context) error {
		dbKey := c.keys.Database(db)
		doc, found, err := c.GetDatabaseInfo(ctx, db)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("database %q: %w", db, ErrNotFound)
		}

		existing, bound, err := c.GetMachineInfo(ctx, machine)
		if err != nil {
			return err
		}
		if bound && existing.Database != db {
			return fmt.Errorf("machine %q bound to %q: %w", machine, existing.Database, ErrMachineInUse)
		}

		doc.Machines = appendUnique(doc.Machines, machine)
		txn, err := c.txn([]kv.Cond{kv.Present(dbKey)},
			put(c.keys.Machine(machine), Machine{Database: db}),
			put(dbKey, doc),
		)
		if err != nil {
			return err
		}
		if err := c.commit(ctx, txn); err != nil {
			if errors.Is(err, kv.ErrConditionFailed) {
				return fmt.Errorf("database %q: %w", db, ErrNotFound)
			}
			return err
		}
		c.logger.Info("machine added", zap.String("database", db), zap.String("machine", machine))
		return nil
	})
}

// DeleteMachine unbinds machine from database db.
func (c *Client) DeleteMachine(ctx context.Context, db, machine string) (err error) {
	defer c.observe(opDeleteMachine, time.Now(), &err)

	if err := validateDatabaseName(db); err != nil {
		return err
	}
	if err := validateName("machine", machine); err != nil {
		return err
	}

	return c.mutate(ctx, opDeleteMachine, func(ctx context.Context) error {
		key := c.keys.Machine(machine)
		existing, found, err := c.GetMachineInfo(ctx, machine)
		if err != nil {
			return err
		}
		if !found || existing.Database != db {
			return fmt.Errorf("machine %q in database %q: %w", machine, db, ErrNotFound)
		}

		writes := []write{del(key)}
		doc, dbFound, err := c.GetDatabaseInfo(ctx, db)
		if err != nil {
			return err
		}
		if dbFound {
			doc.Machines = remove(doc.Machines, machine)
			writes = append(writes, put(c.keys.Database(db), doc))
		}

		txn, err := c.txn([]kv.Cond{kv.Present(key)}, writes...)
		if err != nil {
			return err
		}
		if err := c.commit(ctx, txn); err != nil {
			if errors.Is(err, kv.ErrConditionFailed) {
				return fmt.Errorf("machine %q in database %q: %w", machine, db, ErrNotFound)
			}
			return err
		}
		c.logger.Info("machine deleted", zap.String("database", db), zap.String("machine", machine))
		return nil
	})
}

// ShowMachines returns the machine list of database db.
func (c *Client) ShowMachines(ctx context.Context, db string) ([]string, error) {
	doc, _, err := c.GetDatabaseInfo(ctx, db)
	if err != nil {
		return nil, err
	}
	return doc.Machines, nil
}

// GetMachineInfo returns the document of machine; an empty one if absent.
func (c *Client) GetMachineInfo(ctx context.Context, machine string) (Machine, bool, error) {
	var m Machine
	found, err := c.read(ctx, c.keys.Machine(machine), &m)
	return m, found, err
}

// --- Tables ---

// CreateTable creates table db.table with props.
func (c *Client) CreateTable(ctx context.Context, db, table string, props Properties) (err error) {
	defer c.observe(opCreateTable, time.Now(), &err)

	if err := validateTableRef(db, table); err != nil {
		return err
	}
	if err := requireProperties(props, c.config.TableProperties); err != nil {
		return fmt.Errorf("table %s.%s: %w", db, table, err)
	}

	return c.mutate(ctx, opCreateTable, func(ctx context.Context) error {
		key := c.keys.Table(db, table)
		dbKey := c.keys.Database(db)

		exists, err := c.exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("table %s.%s: %w", db, table, ErrAlreadyExists)
		}
		doc, found, err := c.GetDatabaseInfo(ctx, db)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("database %q: %w", db, ErrNotFound)
		}

		tdoc := Table{Properties: props.Clone(), Database: db}
		tdoc.normalize()
		doc.Tables = appendUnique(doc.Tables, table)

		txn, err := c.txn([]kv.Cond{kv.Absent(key), kv.Present(dbKey)},
			put(key, tdoc),
			put(dbKey, doc),
		)
		if err != nil {
			return err
		}
		if err := c.commit(ctx, txn); err != nil {
			if errors.Is(err, kv.ErrConditionFailed) {
				return c.classifyCreate(ctx, key, fmt.Sprintf("table %s.%s", db, table), db)
			}
			return err
		}
		c.logger.Info("table created", zap.String("database", db), zap.String("table", table))
		return nil
	})
}

// DropTable removes table db.table with its versions and current-version pointer.
func (c *Client) DropTable(ctx context.Context, db, table string) (err error) {
	defer c.observe(opDropTable, time.Now(), &err)

	if err := validateTableRef(db, table); err != nil {
		return err
	}

	return c.mutate(ctx, opDropTable, func(ctx context.Context) error {
		key := c.keys.Table(db, table)
		exists, err := c.exists(ctx, key)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("table %s.%s: %w", db, table, ErrNotFound)
		}

		writes := []write{
			del(c.keys.CurrentVersion(db, table)),
			delPrefix(c.keys.VersionsOfTable(db, table)),
			del(key),
		}
		doc, found, err := c.GetDatabaseInfo(ctx, db)
		if err != nil {
			return err
		}
		if found {
			doc.Tables = remove(doc.Tables, table)
			writes = append(writes, put(c.keys.Database(db), doc))
		}

		txn, err := c.txn([]kv.Cond{kv.Present(key)}, writes...)
		if err != nil {
			return err
		}
		if err := c.commit(ctx, txn); err != nil {
			if errors.Is(err, kv.ErrConditionFailed) {
				return fmt.Errorf("table %s.%s: %w", db, table, ErrNotFound)
			}
			return err
		}
		c.logger.Info("table dropped", zap.String("database", db), zap.String("table", table))
		return nil
	})
}

// ShowTables returns the table list of database db.
func (c *Client) ShowTables(ctx context.Context, db string) ([]string, error) {
	doc, _, err := c.GetDatabaseInfo(ctx, db)
	if err != nil {
		return nil, err
	}
	return doc.Tables, nil
}

// GetTableInfo returns the document of db.table; an empty one if absent.
func (c *Client) GetTableInfo(ctx context.Context, db, table string) (Table, bool, error) {
	var t Table
	found, err := c.read(ctx, c.keys.Table(db, table), &t)
	t.normalize()
	return t, found, err
}

// --- Versions ---

// AddVersion records version of db.table.
func (c *Client) AddVersion(ctx context.Context, db, table, version string) (err error) {
	defer c.observe(opAddVersion, time.Now(), &err)

	if err := validateVersionRef(db, table, version); err != nil {
		return err
	}

	return c.mutate(ctx, opAddVersion, func(ctx context.Context) error {
		key := c.keys.Table(db, table)
		doc, found, err := c.GetTableInfo(ctx, db, table)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("table %s.%s: %w", db, table, ErrNotFound)
		}

		doc.Versions = appendUnique(doc.Versions, version)
		txn, err := c.txn([]kv.Cond{kv.Present(key)},
			putRaw(c.keys.Version(db, table, version), version),
			put(key, doc),
		)
		if err != nil {
			return err
		}
		if err := c.commit(ctx, txn); err != nil {
			if errors.Is(err, kv.ErrConditionFailed) {
				return fmt.Errorf("table %s.%s: %w", db, table, ErrNotFound)
			}
			return err
		}
		c.logger.Info("version added",
			zap.String("database", db),
			zap.String("table", table),
			zap.String("version", version),
		)
		return nil
	})
}

// UpdateCurrentVersion promotes an existing version of db.table to current.
func (c *Client) UpdateCurrentVersion(ctx context.Context, db, table, version string) (err error) {
	defer c.observe(opUpdateCurrentVersion, time.Now(), &err)

	if err := validateVersionRef(db, table, version); err != nil {
		return err
	}

	return c.mutate(ctx, opUpdateCurrentVersion, func(ctx context.Context) error {
		key := c.keys.Table(db, table)
		versionKey := c.keys.Version(db, table, version)

		doc, found, err := c.GetTableInfo(ctx, db, table)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("table %s.%s: %w", db, table, ErrNotFound)
		}
		exists, err := c.exists(ctx, versionKey)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("version %q of %s.%s: %w", version, db, table, ErrNotFound)
		}

		doc.Versions = appendUnique(doc.Versions, version)
		doc.CurrentVersion = version
		txn, err := c.txn([]kv.Cond{kv.Present(versionKey), kv.Present(key)},
			putRaw(c.keys.CurrentVersion(db, table), version),
			put(key, doc),
		)
		if err != nil {
			return err
		}
		if err := c.commit(ctx, txn); err != nil {
			if errors.Is(err, kv.ErrConditionFailed) {
				return fmt.Errorf("version %q of %s.%s: %w", version, db, table, ErrNotFound)
			}
			return err
		}
		c.logger.Info("current version updated",
			zap.String("database", db),
			zap.String("table", table),
			zap.String("version", version),
		)
		return nil
	})
}

// DropVersion removes version of db.table, resetting the current version
// to NoVersion if it was current.
func (c *Client) DropVersion(ctx context.Context, db, table, version string) (err error) {
	defer c.observe(opDropVersion, time.Now(), &err)

	if err := validateVersionRef(db, table, version); err != nil {
		return err
	}

	return c.mutate(ctx, opDropVersion, func(ctx context.Context) error {
		key := c.keys.Table(db, table)
		versionKey := c.keys.Version(db, table, version)

		doc, found, err := c.GetTableInfo(ctx, db, table)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("table %s.%s: %w", db, table, ErrNotFound)
		}
		exists, err := c.exists(ctx, versionKey)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("version %q of %s.%s: %w", version, db, table, ErrNotFound)
		}

		writes := []write{del(versionKey)}
		doc.Versions = remove(doc.Versions, version)
		if doc.CurrentVersion == version {
			doc.CurrentVersion = NoVersion
			writes = append(writes, putRaw(c.keys.CurrentVersion(db, table), NoVersion))
		}
		writes = append(writes, put(key, doc))

		txn, err := c.txn([]kv.Cond{kv.Present(versionKey)}, writes...)
		if err != nil {
			return err
		}
		if err := c.commit(ctx, txn); err != nil {
			if errors.Is(err, kv.ErrConditionFailed) {
				return fmt.Errorf("version %q of %s.%s: %w", version, db, table, ErrNotFound)
			}
			return err
		}
		c.logger.Info("version dropped",
			zap.String("database", db),
			zap.String("table", table),
			zap.String("version", version),
		)
		return nil
	})
}

// LoadData registers a new version of db.table loaded from source and
// promotes it to current in one locked step. The version id is taken from
// the "version" property when present, otherwise generated. It returns the
// version id.
func (c *Client) LoadData(ctx context.Context, db, table, source string, props Properties) (version string, err error) {
	defer c.observe(opLoadData, time.Now(), &err)

	version = c.newVersionID()
	if v, ok := props["version"]; ok {
		version = fmt.Sprint(v)
	}
	if err := validateVersionRef(db, table, version); err != nil {
		return "", err
	}

	err = c.mutate(ctx, opLoadData, func(ctx context.Context) error {
		key := c.keys.Table(db, table)
		doc, found, err := c.GetTableInfo(ctx, db, table)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("table %s.%s: %w", db, table, ErrNotFound)
		}

		doc.Versions = appendUnique(doc.Versions, version)
		doc.CurrentVersion = version
		txn, err := c.txn([]kv.Cond{kv.Present(key)},
			putRaw(c.keys.Version(db, table, version), version),
			putRaw(c.keys.CurrentVersion(db, table), version),
			put(key, doc),
		)
		if err != nil {
			return err
		}
		if err := c.commit(ctx, txn); err != nil {
			if errors.Is(err, kv.ErrConditionFailed) {
				return fmt.Errorf("table %s.%s: %w", db, table, ErrNotFound)
			}
			return err
		}
		c.logger.Info("data loaded",
			zap.String("database", db),
			zap.String("table", table),
			zap.String("version", version),
			zap.String("source", source),
			zap.Int("properties", len(props)),
		)
		return nil
	})
	if err != nil {
		return "", err
	}
	return version, nil
}

// ShowVersions returns the version list of db.table.
func (c *Client) ShowVersions(ctx context.Context, db, table string) ([]string, error) {
	doc, _, err := c.GetTableInfo(ctx, db, table)
	if err != nil {
		return nil, err
	}
	return doc.Versions, nil
}

// ShowCurrentVersion returns the current version of db.table, NoVersion if unset or absent.
func (c *Client) ShowCurrentVersion(ctx context.Context, db, table string) (string, error) {
	doc, _, err := c.GetTableInfo(ctx, db, table)
	if err != nil {
		return NoVersion, err
	}
	return doc.CurrentVersion, nil
}

// --- Reconciliation ---

// PruneDatabase removes what is left of database name after its document
// disappeared: sub-trees, machines bound to it and its engine index entry.
// It does nothing if the database exists.
func (c *Client) PruneDatabase(ctx context.Context, name string) (err error) {
	defer c.observe(opPruneDatabase, time.Now(), &err)

	if err := validateDatabaseName(name); err != nil {
		return err
	}

	return c.mutate(ctx, opPruneDatabase, func(ctx context.Context) error {
		key := c.keys.Database(name)
		exists, err := c.exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		writes := []write{
			delPrefix(c.keys.CurrentVersionsOf(name)),
			delPrefix(c.keys.VersionsOf(name)),
			delPrefix(c.keys.TablesOf(name)),
		}
		machines, err := c.machinesBoundTo(ctx, name)
		if err != nil {
			return err
		}
		for _, m := range machines {
			writes = append(writes, del(c.keys.Machine(m)))
		}
		engine, _, err := c.GetEngineInfo(ctx)
		if err != nil {
			return err
		}
		if contains(engine.Databases, name) {
			engine.Databases = remove(engine.Databases, name)
			writes = append(writes, put(c.keys.Engine(), engine))
		}

		txn, err := c.txn([]kv.Cond{kv.Absent(key)}, writes...)
		if err != nil {
			return err
		}
		if err := c.commit(ctx, txn); err != nil {
			if errors.Is(err, kv.ErrConditionFailed) {
				return nil
			}
			return err
		}
		c.logger.Info("database pruned", zap.String("database", name), zap.Int("machines", len(machines)))
		return nil
	})
}

// PruneTable removes the versions, pointer and index entry of table
// db.table after its document disappeared. It does nothing if the table exists.
func (c *Client) PruneTable(ctx context.Context, db, table string) (err error) {
	defer c.observe(opPruneTable, time.Now(), &err)

	if err := validateTableRef(db, table); err != nil {
		return err
	}

	return c.mutate(ctx, opPruneTable, func(ctx context.Context) error {
		key := c.keys.Table(db, table)
		exists, err := c.exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		writes := []write{
			del(c.keys.CurrentVersion(db, table)),
			delPrefix(c.keys.VersionsOfTable(db, table)),
		}
		doc, found, err := c.GetDatabaseInfo(ctx, db)
		if err != nil {
			return err
		}
		if found && contains(doc.Tables, table) {
			doc.Tables = remove(doc.Tables, table)
			writes = append(writes, put(c.keys.Database(db), doc))
		}

		txn, err := c.txn([]kv.Cond{kv.Absent(key)}, writes...)
		if err != nil {
			return err
		}
		if err := c.commit(ctx, txn); err != nil {
			if errors.Is(err, kv.ErrConditionFailed) {
				return nil
			}
			return err
		}
		c.logger.Info("table pruned", zap.String("database", db), zap.String("table", table))
		return nil
	})
}

// machinesBoundTo lists the machine documents naming db as owner.
func (c *Client) machinesBoundTo(ctx context.Context, db string) ([]string, error) {
	keys, err := c.store.List(ctx, c.keys.MachinesPrefix())
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	var machines []string
	for _, key := range keys {
		ref := c.keys.Parse(key)
		if ref.Kind != KindMachine {
			continue
		}
		var m Machine
		found, err := c.read(ctx, key, &m)
		if err != nil && !errors.Is(err, ErrCorruptDocument) {
			return nil, err
		}
		if found && m.Database == db {
			machines = append(machines, ref.Machine)
		}
	}
	sort.Strings(machines)
	return machines, nil
}

// --- Lock and store helpers ---

// mutate runs fn while holding the namespace lock. The context passed to fn
// is cancelled with cause kv.ErrLockLost if the lock is lost before fn returns.
func (c *Client) mutate(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()
	lock, err := c.store.Lock(ctx, c.config.Namespace, c.config.LockTTL)
	if err != nil {
		return fmt.Errorf("acquire catalog lock: %w", err)
	}
	metrics.LockWait.Observe(time.Since(start).Seconds())

	lockCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	go func() {
		select {
		case <-lock.Lost():
			cancel(kv.ErrLockLost)
		case <-done:
		}
	}()

	err = fn(lockCtx)

	close(done)
	lost := errors.Is(context.Cause(lockCtx), kv.ErrLockLost)
	cancel(nil)
	if uerr := lock.Unlock(context.WithoutCancel(ctx)); uerr != nil {
		c.logger.Warn("failed to release catalog lock", zap.String("op", op), zap.Error(uerr))
	}

	if err != nil && lost {
		metrics.LocksLost.Inc()
		c.logger.Error("catalog lock lost during mutation",
			zap.String("op", op),
			zap.Duration("ttl", c.config.LockTTL),
			zap.Duration("elapsed", time.Since(start)),
		)
		if !errors.Is(err, kv.ErrLockLost) {
			err = fmt.Errorf("%w: %w", kv.ErrLockLost, err)
		}
	}
	return err
}

// commit applies txn unless the lock was lost in the meantime.
func (c *Client) commit(ctx context.Context, txn kv.Txn) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	if err := c.store.Apply(ctx, txn); err != nil {
		if errors.Is(err, kv.ErrConditionFailed) {
			return err
		}
		if cause := context.Cause(ctx); errors.Is(cause, kv.ErrLockLost) {
			return fmt.Errorf("%w: %w", cause, err)
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// observe records the outcome of a public mutation.
func (c *Client) observe(op string, start time.Time, errp *error) {
	err := *errp
	switch {
	case err == nil:
		metrics.ObserveOperation(op, metrics.ResultOK, start)
	case IsRejected(err):
		metrics.ObserveOperation(op, metrics.ResultRejected, start)
		c.logger.Debug("operation rejected", zap.String("op", op), zap.Error(err))
	default:
		metrics.ObserveOperation(op, metrics.ResultError, start)
	}
}

// read decodes the document at key into v. Absent keys return found=false
// and leave v untouched.
func (c *Client) read(ctx context.Context, key string, v any) (bool, error) {
	data, err := c.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode %s: %w: %v", key, ErrCorruptDocument, err)
	}
	return true, nil
}

func (c *Client) exists(ctx context.Context, key string) (bool, error) {
	_, err := c.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	return true, nil
}

// classifyCreate explains a failed create condition after the fact.
func (c *Client) classifyCreate(ctx context.Context, key, what, db string) error {
	exists, err := c.exists(ctx, key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%s: %w", what, ErrAlreadyExists)
	}
	return fmt.Errorf("database %q: %w", db, ErrNotFound)
}

func (c *Client) newVersionID() string {
	return c.now().UTC().Format("20060102150405") + "-" + uuid.NewString()[:8]
}

// write is a pending store write whose document is encoded by txn.
type write struct {
	op  kv.OpType
	key string
	doc any
	raw []byte
}

func put(key string, doc any) write { return write{op: kv.OpPut, key: key, doc: doc} }
func putRaw(key, value string) write { return write{op: kv.OpPut, key: key, raw: []byte(value)} }
func del(key string) write { return write{op: kv.OpDelete, key: key} }
func delPrefix(prefix string) write { return write{op: kv.OpDeletePrefix, key: prefix} }

// txn encodes writes into a kv.Txn.
func (c *Client) txn(conds []kv.Cond, writes ...write) (kv.Txn, error) {
	txn := kv.Txn{Conds: conds, Ops: make([]kv.Op, 0, len(writes))}
	for _, w := range writes {
		switch {
		case w.op != kv.OpPut:
			txn.Ops = append(txn.Ops, kv.Op{Type: w.op, Key: w.key})
		case w.raw != nil:
			txn.Ops = append(txn.Ops, kv.Put(w.key, w.raw))
		default:
			data, err := json.Marshal(w.doc)
			if err != nil {
				return kv.Txn{}, fmt.Errorf("encode %s: %w", w.key, err)
			}
			txn.Ops = append(txn.Ops, kv.Put(w.key, data))
		}
	}
	return txn, nil
}

// requireProperties checks that every required key (or a legacy alias) is present.
func requireProperties(props Properties, required []string) error {
	var missing []string
	for _, key := range required {
		if props.Has(key) {
			continue
		}
		aliased := false
		for _, alias := range propertyAliases[key] {
			if props.Has(alias) {
				aliased = true
				break
			}
		}
		if !aliased {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing %v: %w", missing, ErrInvalidProperties)
	}
	return nil
}

func validateTableRef(db, table string) error {
	if err := validateDatabaseName(db); err != nil {
		return err
	}
	return validateName("table", table)
}

func validateVersionRef(db, table, version string) error {
	if err := validateTableRef(db, table); err != nil {
		return err
	}
	return validateName("version", version)
}
