package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/jacentio/magicdb/internal/metrics"
	"github.com/jacentio/magicdb/kv"
)

// Problem classifies an index inconsistency.
type Problem string

const (
	ProblemUnindexedDatabase Problem = "unindexed_database"
	ProblemDanglingDatabase  Problem = "dangling_database"
	ProblemOrphanMachine     Problem = "orphan_machine"
	ProblemUnindexedMachine  Problem = "unindexed_machine"
	ProblemDanglingMachine   Problem = "dangling_machine"
	ProblemOrphanTable       Problem = "orphan_table"
	ProblemTableOwner        Problem = "table_owner_mismatch"
	ProblemUnindexedTable    Problem = "unindexed_table"
	ProblemDanglingTable     Problem = "dangling_table"
	ProblemOrphanVersion     Problem = "orphan_version"
	ProblemUnindexedVersion  Problem = "unindexed_version"
	ProblemDanglingVersion   Problem = "dangling_version"
	ProblemBadCurrentVersion Problem = "bad_current_version"
	ProblemPointerMismatch   Problem = "pointer_mismatch"
	ProblemOrphanPointer     Problem = "orphan_pointer"
	ProblemCorruptDocument   Problem = "corrupt_document"
)

// Inconsistency is one violated index invariant.
type Inconsistency struct {
	Kind   Problem
	Key    string
	Detail string
}

func (i Inconsistency) String() string {
	return fmt.Sprintf("%s %s: %s", i.Kind, i.Key, i.Detail)
}

// Check scans the namespace and reports every index inconsistency. It does
// not take the lock, so findings may include the effect of a mutation in
// progress.
func (c *Client) Check(ctx context.Context) ([]Inconsistency, error) {
	snap, err := c.scan(ctx)
	if err != nil {
		return nil, err
	}
	findings, _ := c.plan(snap)
	return findings, nil
}

// Repair scans the namespace under the lock and fixes what Check reports.
// Corrupt documents are reported but left in place.
func (c *Client) Repair(ctx context.Context) (findings []Inconsistency, err error) {
	defer c.observe(opRepair, time.Now(), &err)

	err = c.mutate(ctx, opRepair, func(ctx context.Context) error {
		snap, err := c.scan(ctx)
		if err != nil {
			return err
		}
		var writes []write
		findings, writes = c.plan(snap)

		var result *multierror.Error
		for _, f := range findings {
			if f.Kind == ProblemCorruptDocument {
				result = multierror.Append(result, fmt.Errorf("%s: %w", f.Key, ErrCorruptDocument))
			}
		}
		if len(writes) == 0 {
			return result.ErrorOrNil()
		}

		txn, err := c.txn(nil, writes...)
		if err != nil {
			return multierror.Append(result, err).ErrorOrNil()
		}
		if err := c.commit(ctx, txn); err != nil {
			return multierror.Append(result, err).ErrorOrNil()
		}
		for _, f := range findings {
			if f.Kind != ProblemCorruptDocument {
				metrics.Repairs.WithLabelValues(string(f.Kind)).Inc()
			}
		}
		c.logger.Info("catalog repaired",
			zap.Int("findings", len(findings)),
			zap.Int("writes", len(txn.Ops)),
		)
		return result.ErrorOrNil()
	})
	return findings, err
}

type tableRef struct {
	db, table string
}

// snapshot is the decoded content of one namespace.
type snapshot struct {
	engine    Engine
	databases map[string]*Database
	machines  map[string]*Machine
	tables    map[tableRef]*Table
	versions  map[tableRef]map[string]bool
	pointers  map[tableRef]string

	// Corrupt documents are left alone, and so is everything hanging off them.
	corrupt         []string
	corruptEngine   bool
	corruptDBs      map[string]bool
	corruptMachines map[string]bool
	corruptTables   map[tableRef]bool
}

func (c *Client) scan(ctx context.Context) (*snapshot, error) {
	s := &snapshot{
		databases: make(map[string]*Database),
		machines:  make(map[string]*Machine),
		tables:    make(map[tableRef]*Table),
		versions:  make(map[tableRef]map[string]bool),
		pointers:  make(map[tableRef]string),

		corruptDBs:      make(map[string]bool),
		corruptMachines: make(map[string]bool),
		corruptTables:   make(map[tableRef]bool),
	}

	engine, _, err := c.GetEngineInfo(ctx)
	if err != nil {
		if !errors.Is(err, ErrCorruptDocument) {
			return nil, err
		}
		s.corrupt = append(s.corrupt, c.keys.Engine())
		s.corruptEngine = true
	}
	s.engine = engine

	keys, err := c.store.List(ctx, c.keys.DatabasesPrefix())
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", c.keys.DatabasesPrefix(), err)
	}

	for _, key := range keys {
		ref := c.keys.Parse(key)
		tref := tableRef{ref.Database, ref.Table}

		switch ref.Kind {
		case KindDatabase:
			var doc Database
			found, corrupt, err := c.decodeInto(ctx, s, key, &doc)
			switch {
			case err != nil:
				return nil, err
			case corrupt:
				s.corruptDBs[ref.Database] = true
			case found:
				doc.normalize()
				s.databases[ref.Database] = &doc
			}
		case KindMachine:
			var doc Machine
			found, corrupt, err := c.decodeInto(ctx, s, key, &doc)
			switch {
			case err != nil:
				return nil, err
			case corrupt:
				s.corruptMachines[ref.Machine] = true
			case found:
				s.machines[ref.Machine] = &doc
			}
		case KindTable:
			var doc Table
			found, corrupt, err := c.decodeInto(ctx, s, key, &doc)
			switch {
			case err != nil:
				return nil, err
			case corrupt:
				s.corruptTables[tref] = true
			case found:
				doc.normalize()
				s.tables[tref] = &doc
			}
		case KindVersion:
			if s.versions[tref] == nil {
				s.versions[tref] = make(map[string]bool)
			}
			s.versions[tref][ref.Version] = true
		case KindCurrentVersion:
			value, err := c.store.Get(ctx, key)
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("get %s: %w", key, err)
			}
			s.pointers[tref] = normalizeVersion(string(value))
		default:
			c.logger.Debug("ignoring unrecognized key", zap.String("key", key))
		}
	}
	return s, nil
}

// decodeInto reads key into v, recording corrupt documents on s.
func (c *Client) decodeInto(ctx context.Context, s *snapshot, key string, v any) (found, corrupt bool, err error) {
	found, err = c.read(ctx, key, v)
	if errors.Is(err, ErrCorruptDocument) {
		s.corrupt = append(s.corrupt, key)
		return false, true, nil
	}
	return found, false, err
}

func normalizeVersion(v string) string {
	if v == "" || v == "nil" {
		return NoVersion
	}
	return v
}

// planner accumulates findings and the writes that fix them.
type planner struct {
	keys     Keys
	findings []Inconsistency
	writes   []write
	dirtyDBs map[string]bool
	dirtyTbl map[tableRef]bool
}

func (p *planner) report(kind Problem, key, format string, args ...any) {
	p.findings = append(p.findings, Inconsistency{Kind: kind, Key: key, Detail: fmt.Sprintf(format, args...)})
}

// plan reports the inconsistencies of s and returns the writes that bring
// it back to a consistent state. The documents of s are updated in place.
func (c *Client) plan(s *snapshot) ([]Inconsistency, []write) {
	p := &planner{
		keys:     c.keys,
		dirtyDBs: make(map[string]bool),
		dirtyTbl: make(map[tableRef]bool),
	}

	for _, key := range s.corrupt {
		p.report(ProblemCorruptDocument, key, "document cannot be decoded")
	}

	p.planEngine(s)
	p.planMachines(s)
	p.planTables(s)
	p.planVersions(s)

	for _, db := range sortedKeys(p.dirtyDBs) {
		p.writes = append(p.writes, put(p.keys.Database(db), s.databases[db]))
	}
	for _, ref := range sortedRefs(p.dirtyTbl) {
		p.writes = append(p.writes, put(p.keys.Table(ref.db, ref.table), s.tables[ref]))
	}
	return p.findings, p.writes
}

func (p *planner) planEngine(s *snapshot) {
	if s.corruptEngine {
		return
	}
	key := p.keys.Engine()
	dirty := false
	listed := make([]string, 0, len(s.engine.Databases))
	for _, db := range s.engine.Databases {
		if s.databases[db] == nil && !s.corruptDBs[db] {
			p.report(ProblemDanglingDatabase, key, "database %q listed without a document", db)
			dirty = true
			continue
		}
		listed = appendUnique(listed, db)
	}
	for _, db := range sortedKeys(s.databases) {
		if !contains(listed, db) {
			p.report(ProblemUnindexedDatabase, p.keys.Database(db), "database missing from the engine list")
			listed = append(listed, db)
			dirty = true
		}
	}
	if dirty {
		s.engine.Databases = listed
		p.writes = append(p.writes, put(key, s.engine))
	}
}

func (p *planner) planMachines(s *snapshot) {
	for _, m := range sortedKeys(s.machines) {
		key := p.keys.Machine(m)
		owner := s.machines[m].Database
		doc := s.databases[owner]
		switch {
		case doc == nil && s.corruptDBs[owner]:
		case doc == nil:
			p.report(ProblemOrphanMachine, key, "bound to missing database %q", owner)
			p.writes = append(p.writes, del(key))
			delete(s.machines, m)
		case !contains(doc.Machines, m):
			p.report(ProblemUnindexedMachine, key, "missing from machine list of %q", owner)
			doc.Machines = append(doc.Machines, m)
			p.dirtyDBs[owner] = true
		}
	}

	for _, db := range sortedKeys(s.databases) {
		doc := s.databases[db]
		kept := make([]string, 0, len(doc.Machines))
		for _, m := range doc.Machines {
			machine := s.machines[m]
			dangling := machine != nil && machine.Database != db
			if machine == nil && !s.corruptMachines[m] {
				dangling = true
			}
			if dangling {
				p.report(ProblemDanglingMachine, p.keys.Database(db), "machine %q listed but not bound here", m)
				p.dirtyDBs[db] = true
				continue
			}
			kept = append(kept, m)
		}
		doc.Machines = kept
	}
}

func (p *planner) planTables(s *snapshot) {
	for _, ref := range sortedRefs(s.tables) {
		key := p.keys.Table(ref.db, ref.table)
		doc := s.databases[ref.db]
		if doc == nil && s.corruptDBs[ref.db] {
			continue
		}
		if doc == nil {
			p.report(ProblemOrphanTable, key, "database %q does not exist", ref.db)
			p.writes = append(p.writes,
				del(p.keys.CurrentVersion(ref.db, ref.table)),
				delPrefix(p.keys.VersionsOfTable(ref.db, ref.table)),
				del(key),
			)
			delete(s.tables, ref)
			delete(s.versions, ref)
			delete(s.pointers, ref)
			continue
		}
		table := s.tables[ref]
		if table.Database != ref.db {
			p.report(ProblemTableOwner, key, "db field is %q", table.Database)
			table.Database = ref.db
			p.dirtyTbl[ref] = true
		}
		if !contains(doc.Tables, ref.table) {
			p.report(ProblemUnindexedTable, key, "missing from table list of %q", ref.db)
			doc.Tables = append(doc.Tables, ref.table)
			p.dirtyDBs[ref.db] = true
		}
	}

	for _, db := range sortedKeys(s.databases) {
		doc := s.databases[db]
		kept := make([]string, 0, len(doc.Tables))
		for _, t := range doc.Tables {
			ref := tableRef{db, t}
			if s.tables[ref] == nil && !s.corruptTables[ref] {
				p.report(ProblemDanglingTable, p.keys.Database(db), "table %q listed without a document", t)
				p.dirtyDBs[db] = true
				continue
			}
			kept = append(kept, t)
		}
		doc.Tables = kept
	}
}

func (p *planner) planVersions(s *snapshot) {
	for _, ref := range sortedRefs(s.versions) {
		table := s.tables[ref]
		if table == nil && s.corruptTables[ref] {
			continue
		}
		for _, v := range sortedKeys(s.versions[ref]) {
			key := p.keys.Version(ref.db, ref.table, v)
			switch {
			case table == nil:
				p.report(ProblemOrphanVersion, key, "table %s.%s does not exist", ref.db, ref.table)
				p.writes = append(p.writes, del(key))
			case !contains(table.Versions, v):
				p.report(ProblemUnindexedVersion, key, "missing from version list")
				table.Versions = append(table.Versions, v)
				p.dirtyTbl[ref] = true
			}
		}
	}

	for _, ref := range sortedRefs(s.tables) {
		key := p.keys.Table(ref.db, ref.table)
		table := s.tables[ref]
		kept := make([]string, 0, len(table.Versions))
		for _, v := range table.Versions {
			if !s.versions[ref][v] {
				p.report(ProblemDanglingVersion, key, "version %q listed without a key", v)
				p.dirtyTbl[ref] = true
				continue
			}
			kept = append(kept, v)
		}
		table.Versions = kept

		if table.CurrentVersion != NoVersion && !contains(table.Versions, table.CurrentVersion) {
			p.report(ProblemBadCurrentVersion, key, "current version %q is not a version", table.CurrentVersion)
			table.CurrentVersion = NoVersion
			p.dirtyTbl[ref] = true
		}

		pointerKey := p.keys.CurrentVersion(ref.db, ref.table)
		pointer, ok := s.pointers[ref]
		if !ok {
			pointer = NoVersion
		}
		if pointer != table.CurrentVersion {
			p.report(ProblemPointerMismatch, pointerKey, "pointer %q, table says %q", pointer, table.CurrentVersion)
			p.writes = append(p.writes, putRaw(pointerKey, table.CurrentVersion))
		}
	}

	for _, ref := range sortedRefs(s.pointers) {
		if s.tables[ref] == nil && !s.corruptTables[ref] {
			key := p.keys.CurrentVersion(ref.db, ref.table)
			p.report(ProblemOrphanPointer, key, "table %s.%s does not exist", ref.db, ref.table)
			p.writes = append(p.writes, del(key))
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedRefs[V any](m map[tableRef]V) []tableRef {
	out := make([]tableRef, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].db != out[j].db {
			return out[i].db < out[j].db
		}
		return out[i].table < out[j].table
	})
	return out
}
