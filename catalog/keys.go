package catalog

import (
	"fmt"
	"strings"
)

// Kind identifies the entity a key addresses.
type Kind int

const (
	KindUnknown Kind = iota
	KindEngine
	KindDatabase
	KindTable
	KindMachine
	KindVersion
	KindCurrentVersion
)

func (k Kind) String() string {
	switch k {
	case KindEngine:
		return "engine"
	case KindDatabase:
		return "database"
	case KindTable:
		return "table"
	case KindMachine:
		return "machine"
	case KindVersion:
		return "version"
	case KindCurrentVersion:
		return "current_version"
	}
	return "unknown"
}

// Sub-tree names under /{ns}/databases/. A database may not use them as its name.
const (
	tablesDir          = "tables"
	machinesDir        = "machines"
	versionsDir        = "versions"
	currentVersionsDir = "current_versions"
)

var reservedNames = map[string]bool{
	tablesDir:          true,
	machinesDir:        true,
	versionsDir:        true,
	currentVersionsDir: true,
}

// Keys maps catalog entities of one namespace to store keys.
//
//	engine           /{ns}
//	database         /{ns}/databases/{db}
//	table            /{ns}/databases/tables/{db}/{table}
//	machine          /{ns}/databases/machines/{machine}
//	version          /{ns}/databases/versions/{db}/{table}/{version}
//	current version  /{ns}/databases/current_versions/{db}/{table}
type Keys struct {
	ns              string
	engine          string
	databases       string
	tables          string
	machines        string
	versions        string
	currentVersions string
}

// NewKeys returns the key space of namespace ns.
func NewKeys(ns string) Keys {
	engine := "/" + ns
	databases := engine + "/databases"
	return Keys{
		ns:              ns,
		engine:          engine,
		databases:       databases,
		tables:          databases + "/" + tablesDir,
		machines:        databases + "/" + machinesDir,
		versions:        databases + "/" + versionsDir,
		currentVersions: databases + "/" + currentVersionsDir,
	}
}

// Namespace returns the namespace the keys were built for.
func (k Keys) Namespace() string { return k.ns }

// Engine returns the engine root key.
func (k Keys) Engine() string { return k.engine }

// Database returns the key of database db.
func (k Keys) Database(db string) string { return k.databases + "/" + db }

// Table returns the key of table db.table.
func (k Keys) Table(db, table string) string { return k.tables + "/" + db + "/" + table }

// Machine returns the key of machine.
func (k Keys) Machine(machine string) string { return k.machines + "/" + machine }

// Version returns the key of one version of db.table.
func (k Keys) Version(db, table, version string) string {
	return k.versions + "/" + db + "/" + table + "/" + version
}

// CurrentVersion returns the current-version pointer key of db.table.
func (k Keys) CurrentVersion(db, table string) string {
	return k.currentVersions + "/" + db + "/" + table
}

// Namespace-wide prefixes, used for listing.

func (k Keys) DatabasesPrefix() string       { return k.databases + "/" }
func (k Keys) TablesPrefix() string          { return k.tables + "/" }
func (k Keys) MachinesPrefix() string        { return k.machines + "/" }
func (k Keys) VersionsPrefix() string        { return k.versions + "/" }
func (k Keys) CurrentVersionsPrefix() string { return k.currentVersions + "/" }

// Cascade prefixes. They end in "/" so that db1 never matches db10.

// TablesOf returns the prefix of every table document of db.
func (k Keys) TablesOf(db string) string { return k.tables + "/" + db + "/" }

// VersionsOf returns the prefix of every version key of db.
func (k Keys) VersionsOf(db string) string { return k.versions + "/" + db + "/" }

// VersionsOfTable returns the prefix of every version key of db.table.
func (k Keys) VersionsOfTable(db, table string) string {
	return k.versions + "/" + db + "/" + table + "/"
}

// CurrentVersionsOf returns the prefix of every current-version pointer of db.
func (k Keys) CurrentVersionsOf(db string) string { return k.currentVersions + "/" + db + "/" }

// Ref is a parsed catalog key.
type Ref struct {
	Kind     Kind
	Database string
	Table    string
	Machine  string
	Version  string
}

// Parse classifies a key of this namespace. Keys outside the namespace or
// with an unexpected shape return KindUnknown.
func (k Keys) Parse(key string) Ref {
	if key == k.engine {
		return Ref{Kind: KindEngine}
	}
	rest, ok := strings.CutPrefix(key, k.databases+"/")
	if !ok {
		return Ref{}
	}
	parts := strings.Split(rest, "/")
	for _, p := range parts {
		if p == "" {
			return Ref{}
		}
	}

	switch {
	case len(parts) == 1 && !reservedNames[parts[0]]:
		return Ref{Kind: KindDatabase, Database: parts[0]}
	case parts[0] == tablesDir && len(parts) == 3:
		return Ref{Kind: KindTable, Database: parts[1], Table: parts[2]}
	case parts[0] == machinesDir && len(parts) == 2:
		return Ref{Kind: KindMachine, Machine: parts[1]}
	case parts[0] == versionsDir && len(parts) == 4:
		return Ref{Kind: KindVersion, Database: parts[1], Table: parts[2], Version: parts[3]}
	case parts[0] == currentVersionsDir && len(parts) == 3:
		return Ref{Kind: KindCurrentVersion, Database: parts[1], Table: parts[2]}
	}
	return Ref{}
}

// validateName checks an identifier used as a single key segment.
func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s name is empty: %w", kind, ErrInvalidName)
	}
	if strings.Contains(name, "/") {
		return fmt.Errorf("%s name %q contains '/': %w", kind, name, ErrInvalidName)
	}
	return nil
}

func validateDatabaseName(name string) error {
	if err := validateName("database", name); err != nil {
		return err
	}
	if reservedNames[name] {
		return fmt.Errorf("database name %q is reserved: %w", name, ErrInvalidName)
	}
	return nil
}
