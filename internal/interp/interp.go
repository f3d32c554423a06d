// Package interp executes parsed statements against a catalog client and
// renders their output.
package interp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jacentio/magicdb/catalog"
	"github.com/jacentio/magicdb/internal/dsl"
)

// Config holds configuration for the Interpreter.
type Config struct {
	// RequestTimeout bounds each statement, including the wait for the
	// catalog lock. A statement that runs out of time fails with
	// context.DeadlineExceeded, which is not a rejection.
	// Default: 30s
	RequestTimeout time.Duration
}

const defaultRequestTimeout = 30 * time.Second

// DefaultConfig returns the default interpreter configuration.
func DefaultConfig() Config {
	return Config{RequestTimeout: defaultRequestTimeout}
}

func (c *Config) validate() {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
}

// Interpreter runs commands on one catalog.
type Interpreter struct {
	client *catalog.Client
	config Config
	logger *zap.Logger
}

// New creates an interpreter for client.
func New(client *catalog.Client, config Config, logger *zap.Logger) *Interpreter {
	config.validate()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Interpreter{client: client, config: config, logger: logger}
}

// Run parses and executes a single statement. Parse failures are returned
// as *dsl.SyntaxError.
func (in *Interpreter) Run(ctx context.Context, stmt string) (string, error) {
	cmd, err := dsl.Parse(stmt)
	if err != nil {
		return "", err
	}
	return in.Execute(ctx, cmd)
}

// Execute runs cmd and returns its rendered output. Rejected operations
// (missing entities, duplicates, invalid properties) render a "fail" line
// and return a nil error; any other error is returned as is.
func (in *Interpreter) Execute(ctx context.Context, cmd dsl.Command) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, in.config.RequestTimeout)
	defer cancel()

	c := in.client
	switch cmd.Kind {
	case dsl.KindCreateDatabase:
		err := c.CreateDatabase(ctx, cmd.Database, cmd.Properties)
		return in.status(cmd, "create db "+cmd.Database, err)

	case dsl.KindDropDatabase:
		err := c.DropDatabase(ctx, cmd.Database)
		return in.status(cmd, "drop db "+cmd.Database, err)

	case dsl.KindShowDatabases:
		dbs, err := c.ShowDatabases(ctx)
		return in.list(cmd, "database", dbs, err)

	case dsl.KindAddMachine:
		err := c.AddMachine(ctx, cmd.Database, cmd.Arg)
		return in.status(cmd, "add machine "+quote(cmd.Arg), err)

	case dsl.KindDropMachine:
		err := c.DeleteMachine(ctx, cmd.Database, cmd.Arg)
		return in.status(cmd, "drop machine "+quote(cmd.Arg), err)

	case dsl.KindShowMachines:
		machines, err := c.ShowMachines(ctx, cmd.Database)
		return in.list(cmd, "machine", machines, err)

	case dsl.KindCreateTable:
		err := c.CreateTable(ctx, cmd.Database, cmd.Table, cmd.Properties)
		return in.status(cmd, "create table "+quote(cmd.Table), err)

	case dsl.KindDropTable:
		err := c.DropTable(ctx, cmd.Database, cmd.Table)
		return in.status(cmd, "drop table "+quote(cmd.Table), err)

	case dsl.KindDescTable:
		doc, found, err := c.GetTableInfo(ctx, cmd.Database, cmd.Table)
		if err == nil && !found {
			err = fmt.Errorf("table %s.%s: %w", cmd.Database, cmd.Table, catalog.ErrNotFound)
		}
		return in.describe(cmd, "desc table "+quote(cmd.Database+"."+cmd.Table), doc, err)

	case dsl.KindDescDatabase:
		doc, found, err := c.GetDatabaseInfo(ctx, cmd.Database)
		if err == nil && !found {
			err = fmt.Errorf("database %q: %w", cmd.Database, catalog.ErrNotFound)
		}
		return in.describe(cmd, "desc db "+cmd.Database, doc, err)

	case dsl.KindShowTables:
		tables, err := c.ShowTables(ctx, cmd.Database)
		return in.list(cmd, "table", tables, err)

	case dsl.KindShowVersions:
		versions, err := c.ShowVersions(ctx, cmd.Database, cmd.Table)
		return in.list(cmd, "version", versions, err)

	case dsl.KindShowCurrentVersion:
		version, err := c.ShowCurrentVersion(ctx, cmd.Database, cmd.Table)
		if err != nil {
			return in.status(cmd, "show current version of "+quote(cmd.Table), err)
		}
		return currentVersion(version), nil

	case dsl.KindUpdateVersion:
		if err := c.UpdateCurrentVersion(ctx, cmd.Database, cmd.Table, cmd.Arg); err != nil {
			return in.status(cmd, "update version "+quote(cmd.Arg), err)
		}
		version, err := c.ShowCurrentVersion(ctx, cmd.Database, cmd.Table)
		if err != nil {
			return "", err
		}
		return currentVersion(version), nil

	case dsl.KindDropVersion:
		err := c.DropVersion(ctx, cmd.Database, cmd.Table, cmd.Arg)
		return in.status(cmd, "drop version "+quote(cmd.Arg), err)

	case dsl.KindLoadData:
		version, err := c.LoadData(ctx, cmd.Database, cmd.Table, cmd.Arg, cmd.Properties)
		if err != nil {
			return in.status(cmd, "load data into "+quote(cmd.Table), err)
		}
		return "load data " + quote(version) + " success", nil

	case dsl.KindCheckCatalog:
		findings, err := c.Check(ctx)
		if err != nil {
			return in.status(cmd, "check catalog", err)
		}
		return renderFindings(findings), nil

	case dsl.KindRepairCatalog:
		findings, err := c.Repair(ctx)
		if err != nil {
			out, serr := in.status(cmd, "repair catalog", err)
			if serr != nil || len(findings) == 0 {
				return out, serr
			}
			return renderFindings(findings) + "\n" + out, nil
		}
		if len(findings) == 0 {
			return renderFindings(nil), nil
		}
		return fmt.Sprintf("repaired %d inconsistencies:\n%s", len(findings), joinFindings(findings)), nil
	}
	return "", fmt.Errorf("unsupported command %s", cmd.Kind)
}

// status renders "<action> success" or "<action> fail". An error the
// command's if [not] exists clause covers counts as success.
func (in *Interpreter) status(cmd dsl.Command, action string, err error) (string, error) {
	switch {
	case err == nil,
		cmd.IfExists && errors.Is(err, catalog.ErrNotFound),
		cmd.IfNotExists && errors.Is(err, catalog.ErrAlreadyExists):
		return action + " success", nil
	case catalog.IsRejected(err):
		in.logger.Warn("command rejected",
			zap.Stringer("command", cmd.Kind),
			zap.String("database", cmd.Database),
			zap.String("table", cmd.Table),
			zap.Error(err),
		)
		return action + " fail", nil
	}
	return "", err
}

func (in *Interpreter) list(cmd dsl.Command, entity string, items []string, err error) (string, error) {
	if err != nil {
		return in.status(cmd, "show "+entity+"s", err)
	}
	quoted := make([]string, len(items))
	for i, item := range items {
		quoted[i] = quote(item)
	}
	return entity + " list: \n[" + strings.Join(quoted, "\n") + "]", nil
}

func (in *Interpreter) describe(cmd dsl.Command, action string, doc any, err error) (string, error) {
	if err != nil {
		return in.status(cmd, action, err)
	}
	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("render %s: %w", cmd.Kind, err)
	}
	return string(out), nil
}

func currentVersion(v string) string {
	return "current version: " + quote(v)
}

func renderFindings(findings []catalog.Inconsistency) string {
	if len(findings) == 0 {
		return "catalog consistent"
	}
	return fmt.Sprintf("%d inconsistencies:\n%s", len(findings), joinFindings(findings))
}

func joinFindings(findings []catalog.Inconsistency) string {
	lines := make([]string, len(findings))
	for i, f := range findings {
		lines[i] = f.String()
	}
	return strings.Join(lines, "\n")
}

func quote(s string) string { return "`" + s + "`" }
