package catalog

import (
	"fmt"
	"sync/atomic"

	"docgate/pkg/dberrors"
	"docgate/pkg/docdb"
	"docgate/pkg/types"
)

type ColumnType string

const (
	TypeInt   ColumnType = "int"
	TypeFloat ColumnType = "float"
	TypeText  ColumnType = "text"
	TypeBool  ColumnType = "bool"
)

type Column struct {
	Name     string     `yaml:"name" json:"name"`
	Type     ColumnType `yaml:"type" json:"type"`
	Key      bool       `yaml:"key" json:"key,omitempty"`
	Nullable bool       `yaml:"nullable" json:"nullable,omitempty"`
}

// TableDesc holds resolved table metadata and creates write ops bound to
// the table.
type TableDesc struct {
	id         types.TableID
	name       string
	version    uint32
	columns    []Column
	byName     map[string]int
	keyColumns []string

	dropped atomic.Bool
}

func newTableDesc(id types.TableID, name string, version uint32, columns []Column) (*TableDesc, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty table name", dberrors.ErrInvalidArgument)
	}

	d := &TableDesc{
		id:      id,
		name:    name,
		version: version,
		columns: columns,
		byName:  make(map[string]int, len(columns)),
	}

	for i, c := range columns {
		if c.Name == "" {
			return nil, fmt.Errorf("%w: table %s: column %d has no name", dberrors.ErrInvalidArgument, name, i)
		}
		if _, ok := d.byName[c.Name]; ok {
			return nil, fmt.Errorf("%w: table %s: duplicate column %q", dberrors.ErrInvalidArgument, name, c.Name)
		}
		switch c.Type {
		case TypeInt, TypeFloat, TypeText, TypeBool:
		default:
			return nil, fmt.Errorf("%w: table %s: column %q has unknown type %q", dberrors.ErrInvalidArgument, name, c.Name, c.Type)
		}
		d.byName[c.Name] = i
		if c.Key {
			d.keyColumns = append(d.keyColumns, c.Name)
		}
	}

	if len(d.keyColumns) == 0 {
		return nil, fmt.Errorf("%w: table %s has no key columns", dberrors.ErrInvalidArgument, name)
	}

	return d, nil
}

func (d *TableDesc) ID() types.TableID    { return d.id }
func (d *TableDesc) Name() string         { return d.name }
func (d *TableDesc) Version() uint32      { return d.version }
func (d *TableDesc) Columns() []Column    { return d.columns }
func (d *TableDesc) KeyColumns() []string { return d.keyColumns }

func (d *TableDesc) Column(name string) (Column, bool) {
	i, ok := d.byName[name]
	if !ok {
		return Column{}, false
	}
	return d.columns[i], true
}

func (d *TableDesc) IsDropped() bool {
	return d.dropped.Load()
}

func (d *TableDesc) NewInsert() (*docdb.WriteOp, error) {
	return d.newWriteOp(docdb.StmtInsert)
}

func (d *TableDesc) NewUpdate() (*docdb.WriteOp, error) {
	return d.newWriteOp(docdb.StmtUpdate)
}

func (d *TableDesc) NewDelete() (*docdb.WriteOp, error) {
	return d.newWriteOp(docdb.StmtDelete)
}

func (d *TableDesc) newWriteOp(stmt docdb.StmtType) (*docdb.WriteOp, error) {
	if d.IsDropped() {
		return nil, fmt.Errorf("%w: %s (%s) was dropped", dberrors.ErrTableNotFound, d.name, d.id)
	}

	req := &docdb.WriteRequest{
		TableID:       d.id,
		SchemaVersion: d.version,
		StmtType:      stmt,
	}
	return docdb.NewWriteOp(d.name, d.keyColumns, req), nil
}

// CheckValue validates a normalized datum against the column type.
func (d *TableDesc) CheckValue(column string, v any) error {
	c, ok := d.Column(column)
	if !ok {
		return fmt.Errorf("%w: table %s has no column %q", dberrors.ErrInvalidArgument, d.name, column)
	}

	if v == nil {
		if c.Nullable && !c.Key {
			return nil
		}
		return fmt.Errorf("%w: column %q is not nullable", dberrors.ErrInvalidArgument, column)
	}

	var valid bool
	switch c.Type {
	case TypeInt:
		_, valid = v.(int64)
	case TypeFloat:
		switch v.(type) {
		case int64, float64:
			valid = true
		}
	case TypeText:
		_, valid = v.(string)
	case TypeBool:
		_, valid = v.(bool)
	}
	if !valid {
		return fmt.Errorf("%w: column %q expects %s, got %T", dberrors.ErrInvalidArgument, column, c.Type, v)
	}
	return nil
}
