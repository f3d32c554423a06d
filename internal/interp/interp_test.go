package interp_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/jacentio/magicdb/catalog"
	"github.com/jacentio/magicdb/internal/dsl"
	"github.com/jacentio/magicdb/internal/interp"
	"github.com/jacentio/magicdb/kv"
)

func newInterpreter(t *testing.T) (*interp.Interpreter, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	client := catalog.New(store, catalog.DefaultConfig(), nil)
	return interp.New(client, interp.DefaultConfig(), nil), store
}

const (
	createDB1 = `create database db1 with properties("access_key"="ak","secret_key"="sk","bucket"="b","endpoint"="e","plaform"="s3");`
	createT1  = `create table db1.t1 with properties("data_path"="/d","meta_path"="/m","replicas"=3);`
)

// TestInterpreter_Session runs a scripted session and compares every output.
func TestInterpreter_Session(t *testing.T) {
	in, _ := newInterpreter(t)
	ctx := context.Background()

	steps := []struct {
		stmt string
		want string
	}{
		{`show databases;`, "database list: \n[]"},
		{createDB1, "create db db1 success"},
		{createDB1, "create db db1 fail"},
		{strings.Replace(createDB1, "database db1", "database if not exists db1", 1), "create db db1 success"},
		{`create database db2 with properties("bucket"="b");`, "create db db2 fail"},
		{`show databases;`, "database list: \n[`db1`]"},
		{`alter database db1 add machine("10.0.0.1");`, "add machine `10.0.0.1` success"},
		{`alter database db1 add machine("10.0.0.2");`, "add machine `10.0.0.2` success"},
		{`alter database nope add machine("10.0.0.3");`, "add machine `10.0.0.3` fail"},
		{`show machines db1;`, "machine list: \n[`10.0.0.1`\n`10.0.0.2`]"},
		{`alter database db1 drop machine("10.0.0.2");`, "drop machine `10.0.0.2` success"},
		{`alter database db1 drop machine("10.0.0.2");`, "drop machine `10.0.0.2` fail"},
		{createT1, "create table `t1` success"},
		{`create table nope.t1 with properties("data_path"="/d","meta_path"="/m");`, "create table `t1` fail"},
		{`show tables db1;`, "table list: \n[`t1`]"},
		{`show versions db1.t1;`, "version list: \n[]"},
		{`show current version db1.t1;`, "current version: `none`"},
		{`load data "s3://lake/p1" into table db1.t1 with properties("version"="v1");`, "load data `v1` success"},
		{`load data "s3://lake/p2" into table db1.t1 with properties("version"="v2");`, "load data `v2` success"},
		{`load data "s3://lake/p3" into table db1.t9;`, "load data into `t9` fail"},
		{`show versions db1.t1;`, "version list: \n[`v1`\n`v2`]"},
		{`show current version db1.t1;`, "current version: `v2`"},
		{`alter table db1.t1 update version("v1");`, "current version: `v1`"},
		{`alter table db1.t1 update version("v7");`, "update version `v7` fail"},
		{`alter table db1.t1 drop version("v1");`, "drop version `v1` success"},
		{`show current version db1.t1;`, "current version: `none`"},
		{`alter table db1.t1 drop version("v1");`, "drop version `v1` fail"},
		{`check catalog;`, "catalog consistent"},
		{`drop table db1.t1;`, "drop table `t1` success"},
		{`drop table db1.t1;`, "drop table `t1` fail"},
		{`drop table if exists db1.t1;`, "drop table `t1` success"},
		{`drop database db1;`, "drop db db1 success"},
		{`drop database db1;`, "drop db db1 fail"},
		{`drop database if exists db1;`, "drop db db1 success"},
		{`show databases;`, "database list: \n[]"},
	}

	for i, step := range steps {
		got, err := in.Run(ctx, step.stmt)
		if err != nil {
			t.Fatalf("step %d %q: %v", i, step.stmt, err)
		}
		if got != step.want {
			t.Errorf("step %d %q:\ngot  %q\nwant %q", i, step.stmt, got, step.want)
		}
	}
}

func TestInterpreter_DescTable(t *testing.T) {
	in, _ := newInterpreter(t)
	ctx := context.Background()
	for _, stmt := range []string{createDB1, createT1, `load data "s3://x" into table db1.t1 with properties("version"="v1");`} {
		if _, err := in.Run(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	got, err := in.Run(ctx, `desc db1.t1;`)
	if err != nil {
		t.Fatal(err)
	}
	want := `{
  "properties": {
    "data_path": "/d",
    "meta_path": "/m",
    "replicas": 3
  },
  "db": "db1",
  "versions": [
    "v1"
  ],
  "current_version": "v1"
}`
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("desc table (-want +got):\n%s", diff)
	}

	got, err = in.Run(ctx, `desc table db1.t2;`)
	if err != nil {
		t.Fatal(err)
	}
	if got != "desc table `db1.t2` fail" {
		t.Errorf("desc missing table = %q", got)
	}
}

func TestInterpreter_DescDatabase(t *testing.T) {
	in, _ := newInterpreter(t)
	ctx := context.Background()
	for _, stmt := range []string{createDB1, createT1} {
		if _, err := in.Run(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	got, err := in.Run(ctx, `desc database db1;`)
	if err != nil {
		t.Fatal(err)
	}
	for _, fragment := range []string{`"plaform": "s3"`, `"tables": [`, `"t1"`, `"machines": []`} {
		if !strings.Contains(got, fragment) {
			t.Errorf("desc database output missing %s:\n%s", fragment, got)
		}
	}

	got, err = in.Run(ctx, `desc database db9;`)
	if err != nil {
		t.Fatal(err)
	}
	if got != "desc db db9 fail" {
		t.Errorf("desc missing database = %q", got)
	}
}

func TestInterpreter_LoadDataGeneratesVersion(t *testing.T) {
	in, _ := newInterpreter(t)
	ctx := context.Background()
	for _, stmt := range []string{createDB1, createT1} {
		if _, err := in.Run(ctx, stmt); err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
	}

	got, err := in.Run(ctx, `load data "s3://x" into table db1.t1;`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "load data `") || !strings.HasSuffix(got, "` success") {
		t.Fatalf("unexpected output %q", got)
	}
	version := strings.TrimSuffix(strings.TrimPrefix(got, "load data `"), "` success")

	current, err := in.Run(ctx, `show current version db1.t1;`)
	if err != nil {
		t.Fatal(err)
	}
	if want := "current version: `" + version + "`"; current != want {
		t.Errorf("current version = %q, want %q", current, want)
	}
}

func TestInterpreter_CheckAndRepair(t *testing.T) {
	in, store := newInterpreter(t)
	ctx := context.Background()
	if _, err := in.Run(ctx, createDB1); err != nil {
		t.Fatal(err)
	}
	keys := catalog.NewKeys("magicdb")
	if err := store.Put(ctx, keys.Engine(), []byte(`{"databases":["db1","ghost"]}`)); err != nil {
		t.Fatal(err)
	}

	want := "1 inconsistencies:\n" + `dangling_database /magicdb: database "ghost" listed without a document`
	got, err := in.Run(ctx, `check catalog;`)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Errorf("check catalog:\ngot  %q\nwant %q", got, want)
	}

	got, err = in.Run(ctx, `repair catalog;`)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "repaired 1 inconsistencies:\n") {
		t.Errorf("repair catalog = %q", got)
	}

	for _, stmt := range []string{`check catalog;`, `repair catalog;`} {
		got, err := in.Run(ctx, stmt)
		if err != nil {
			t.Fatal(err)
		}
		if got != "catalog consistent" {
			t.Errorf("%s after repair = %q", stmt, got)
		}
	}
}

func TestInterpreter_SyntaxError(t *testing.T) {
	in, _ := newInterpreter(t)
	_, err := in.Run(context.Background(), `show tablez db1;`)
	var syntaxErr *dsl.SyntaxError
	if !errors.As(err, &syntaxErr) {
		t.Fatalf("expected *dsl.SyntaxError, got %v", err)
	}
}

func TestInterpreter_UnsupportedCommand(t *testing.T) {
	in, _ := newInterpreter(t)
	if _, err := in.Execute(context.Background(), dsl.Command{}); err == nil {
		t.Error("expected error for invalid command")
	}
}

var errUnavailable = errors.New("store unavailable")

// unavailableStore fails every lock acquisition.
type unavailableStore struct {
	*kv.MemoryStore
}

func (s unavailableStore) Lock(context.Context, string, time.Duration) (kv.Lock, error) {
	return nil, errUnavailable
}

func TestInterpreter_StoreErrorsAreFatal(t *testing.T) {
	store := unavailableStore{kv.NewMemoryStore()}
	t.Cleanup(func() { store.Close() })
	in := interp.New(catalog.New(store, catalog.DefaultConfig(), nil), interp.DefaultConfig(), nil)

	tests := []string{
		createDB1,
		`drop database if exists db1;`,
		`create table if not exists db1.t1 with properties("data_path"="/d","meta_path"="/m");`,
		`repair catalog;`,
	}
	for _, stmt := range tests {
		out, err := in.Run(context.Background(), stmt)
		if !errors.Is(err, errUnavailable) {
			t.Errorf("%s: err = %v, want %v", stmt, err, errUnavailable)
		}
		if out != "" {
			t.Errorf("%s: unexpected output %q", stmt, out)
		}
	}
}

// hangingStore never answers; every call waits for its context.
type hangingStore struct {
	*kv.MemoryStore
}

func (s hangingStore) Get(ctx context.Context, _ string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s hangingStore) List(ctx context.Context, _ string) ([]string, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s hangingStore) Lock(ctx context.Context, _ string, _ time.Duration) (kv.Lock, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestInterpreter_RequestTimeout(t *testing.T) {
	store := hangingStore{kv.NewMemoryStore()}
	t.Cleanup(func() { store.Close() })
	in := interp.New(catalog.New(store, catalog.DefaultConfig(), nil), interp.Config{RequestTimeout: 20 * time.Millisecond}, nil)

	tests := []string{
		`show databases;`,
		`show tables db1;`,
		`desc db1.t1;`,
		`show current version db1.t1;`,
		createDB1,
		`drop database if exists db1;`,
		`check catalog;`,
	}
	for _, stmt := range tests {
		done := make(chan struct{})
		var (
			out string
			err error
		)
		go func() {
			defer close(done)
			out, err = in.Run(context.Background(), stmt)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("%s: still blocked after 5s", stmt)
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("%s: err = %v, want DeadlineExceeded", stmt, err)
		}
		if catalog.IsRejected(err) {
			t.Errorf("%s: timeout reported as a rejection", stmt)
		}
		if out != "" {
			t.Errorf("%s: unexpected output %q", stmt, out)
		}
	}
}
