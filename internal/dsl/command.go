// Package dsl parses magicdb catalog statements.
//
// A statement is one command terminated by an optional ';'. Keywords are
// case-insensitive; identifiers are bare words or back-quoted. Property
// values are typed literals (double-quoted string, integer, float, true,
// false) and are never evaluated.
//
//	create database [if not exists] db with properties("k"=v, ...);
//	drop database [if exists] db;
//	show databases;
//	alter database db add machine("id");
//	alter database db drop machine("id");
//	show machines db;
//	create table [if not exists] db.t with properties(...);
//	drop table [if exists] db.t;
//	desc [table] db.t;
//	desc database db;
//	show tables db;
//	show versions db.t;
//	show current version db.t;
//	alter table db.t update version("v");
//	alter table db.t drop version("v");
//	load data "src" into table db.t [with properties(...)];
//	check catalog;
//	repair catalog;
package dsl

import (
	"fmt"

	"github.com/jacentio/magicdb/catalog"
)

// Kind is the kind of a parsed command.
type Kind int

const (
	KindInvalid Kind = iota
	KindCreateDatabase
	KindDropDatabase
	KindShowDatabases
	KindAddMachine
	KindDropMachine
	KindShowMachines
	KindCreateTable
	KindDropTable
	KindDescTable
	KindDescDatabase
	KindShowTables
	KindShowVersions
	KindShowCurrentVersion
	KindUpdateVersion
	KindDropVersion
	KindLoadData
	KindCheckCatalog
	KindRepairCatalog
)

var kindNames = map[Kind]string{
	KindCreateDatabase:     "create-database",
	KindDropDatabase:       "drop-database",
	KindShowDatabases:      "show-databases",
	KindAddMachine:         "add-machine",
	KindDropMachine:        "drop-machine",
	KindShowMachines:       "show-machines",
	KindCreateTable:        "create-table",
	KindDropTable:          "drop-table",
	KindDescTable:          "desc-table",
	KindDescDatabase:       "desc-database",
	KindShowTables:         "show-tables",
	KindShowVersions:       "show-versions",
	KindShowCurrentVersion: "show-current-version",
	KindUpdateVersion:      "update-version",
	KindDropVersion:        "drop-version",
	KindLoadData:           "load-data",
	KindCheckCatalog:       "check-catalog",
	KindRepairCatalog:      "repair-catalog",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "invalid"
}

// Command is a parsed statement.
type Command struct {
	Kind     Kind
	Database string
	Table    string

	// Arg is the machine id, version id or load source, depending on Kind.
	Arg string

	Properties  catalog.Properties
	IfExists    bool
	IfNotExists bool
}

// SyntaxError reports a malformed statement.
type SyntaxError struct {
	Line   int
	Column int
	Near   string // offending token, empty at end of input
	Msg    string
}

func (e *SyntaxError) Error() string {
	if e.Near == "" {
		return fmt.Sprintf("%d:%d: %s at end of statement", e.Line, e.Column, e.Msg)
	}
	return fmt.Sprintf("%d:%d: %s near %q", e.Line, e.Column, e.Msg, e.Near)
}
