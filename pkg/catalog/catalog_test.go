package catalog

import (
	"errors"
	"testing"

	"docgate/pkg/dberrors"
	"docgate/pkg/docdb"
	"docgate/pkg/types"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(16)
	if err != nil {
		t.Fatalf("failed to create catalog: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

var accountColumns = []Column{
	{Name: "id", Type: TypeInt, Key: true},
	{Name: "owner", Type: TypeText},
	{Name: "balance", Type: TypeFloat, Nullable: true},
}

func TestCatalog_CreateAndResolve(t *testing.T) {
	c := newTestCatalog(t)

	desc, err := c.CreateTable("accounts", accountColumns)
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	// twice: the second lookup may hit the cache
	for i := 0; i < 2; i++ {
		got, err := c.Resolve(desc.ID())
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if got != desc {
			t.Fatalf("expected the same descriptor")
		}
	}

	byName, err := c.ResolveName("accounts")
	if err != nil || byName != desc {
		t.Fatalf("ResolveName: %v", err)
	}

	if _, err := c.CreateTable("accounts", accountColumns); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected duplicate table error, got %v", err)
	}
}

func TestCatalog_ResolveUnknown(t *testing.T) {
	c := newTestCatalog(t)

	if _, err := c.Resolve(types.NewTableID()); !errors.Is(err, dberrors.ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound, got %v", err)
	}
}

func TestCatalog_DropMakesDescriptorStale(t *testing.T) {
	c := newTestCatalog(t)

	desc, err := c.CreateTable("accounts", accountColumns)
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}
	if _, err := c.Resolve(desc.ID()); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if err := c.DropTable(desc.ID()); err != nil {
		t.Fatalf("DropTable failed: %v", err)
	}

	if _, err := c.Resolve(desc.ID()); !errors.Is(err, dberrors.ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound after drop, got %v", err)
	}
	if _, err := desc.NewUpdate(); !errors.Is(err, dberrors.ErrTableNotFound) {
		t.Fatalf("stale descriptor must not create requests, got %v", err)
	}
}

func TestTableDesc_NewWriteOps(t *testing.T) {
	c := newTestCatalog(t)

	desc, err := c.CreateTable("accounts", accountColumns)
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	factories := map[docdb.StmtType]func() (*docdb.WriteOp, error){
		docdb.StmtInsert: desc.NewInsert,
		docdb.StmtUpdate: desc.NewUpdate,
		docdb.StmtDelete: desc.NewDelete,
	}

	for stmt, newOp := range factories {
		op, err := newOp()
		if err != nil {
			t.Fatalf("%s: %v", stmt, err)
		}
		req := op.Request()
		if req.StmtType != stmt || req.TableID != desc.ID() || req.IsSingleRowTxn {
			t.Fatalf("%s: unexpected request %+v", stmt, req)
		}
		if op.TableName() != "accounts" || len(op.KeyColumns()) != 1 {
			t.Fatalf("%s: op is not bound to the table", stmt)
		}
	}
}

func TestTableDesc_CheckValue(t *testing.T) {
	c := newTestCatalog(t)
	desc, err := c.CreateTable("accounts", accountColumns)
	if err != nil {
		t.Fatalf("CreateTable failed: %v", err)
	}

	cases := []struct {
		col   string
		v     any
		valid bool
	}{
		{"id", int64(1), true},
		{"id", "1", false},
		{"id", nil, false},
		{"owner", "bob", true},
		{"owner", nil, false},
		{"balance", nil, true},
		{"balance", int64(3), true},
		{"balance", 3.5, true},
		{"nope", int64(1), false},
	}

	for _, tc := range cases {
		err := desc.CheckValue(tc.col, tc.v)
		if (err == nil) != tc.valid {
			t.Fatalf("CheckValue(%s, %v): valid=%v, err=%v", tc.col, tc.v, tc.valid, err)
		}
	}
}

func TestCatalog_Load(t *testing.T) {
	c := newTestCatalog(t)

	const schema = `
tables:
  - id: 6f1f7c1e-8a4b-4c3e-9d2a-1b2c3d4e5f60
    name: users
    version: 3
    columns:
      - {name: tenant, type: text, key: true}
      - {name: id, type: int, key: true}
      - {name: email, type: text}
  - name: events
    columns:
      - {name: id, type: int, key: true}
`
	if err := c.Load([]byte(schema)); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	users, err := c.ResolveName("users")
	if err != nil {
		t.Fatalf("ResolveName failed: %v", err)
	}
	if users.ID().String() != "6f1f7c1e-8a4b-4c3e-9d2a-1b2c3d4e5f60" || users.Version() != 3 {
		t.Fatalf("unexpected users descriptor: %s v%d", users.ID(), users.Version())
	}
	if keys := users.KeyColumns(); len(keys) != 2 || keys[0] != "tenant" || keys[1] != "id" {
		t.Fatalf("unexpected key columns: %v", keys)
	}

	if _, err := c.ResolveName("events"); err != nil {
		t.Fatalf("events not registered: %v", err)
	}

	if err := c.Load([]byte("tables:\n  - name: bad\n    columns: []\n")); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected invalid schema error, got %v", err)
	}
}
