package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"docgate/pkg/catalog"
	"docgate/pkg/dberrors"
	"docgate/pkg/docdb"
	"docgate/pkg/pggate"
)

// Statement is the JSON form of one DML write.
type Statement struct {
	Table     string            `json:"table,omitempty"`
	Stmt      string            `json:"stmt,omitempty"`
	SingleRow bool              `json:"single_row"`
	Key       map[string]any    `json:"key"`
	Set       map[string]any    `json:"set,omitempty"`
	Where     []docdb.Condition `json:"where,omitempty"`
}

type txnBlockRequest struct {
	Statements []Statement `json:"statements"`
}

type tableView struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Version uint32           `json:"version"`
	Columns []catalog.Column `json:"columns"`
}

func (s *Server) newSession() *pggate.Session {
	return pggate.NewSession(s.deps.Catalog, s.deps.Router, s.deps.Txns)
}

// buildOp allocates and binds the write op of one statement. On error the
// op is closed.
func (s *Server) buildOp(session *pggate.Session, st Statement) (pggate.WriteOperation, error) {
	desc, err := s.deps.Catalog.ResolveName(st.Table)
	if err != nil {
		return nil, err
	}

	var op pggate.WriteOperation
	switch strings.ToLower(st.Stmt) {
	case "insert":
		op, err = pggate.NewInsert(session, desc.ID(), st.SingleRow)
	case "update":
		op, err = pggate.NewUpdate(session, desc.ID(), st.SingleRow)
	case "delete":
		op, err = pggate.NewDelete(session, desc.ID(), st.SingleRow)
	default:
		return nil, fmt.Errorf("%w: unknown statement %q", dberrors.ErrInvalidArgument, st.Stmt)
	}
	if err != nil {
		return nil, err
	}

	if err := bindStatement(op, st); err != nil {
		op.Close()
		return nil, err
	}
	return op, nil
}

func bindStatement(op pggate.WriteOperation, st Statement) error {
	if err := op.AllocWriteRequest(); err != nil {
		return err
	}
	for _, col := range sortedKeys(st.Key) {
		if err := op.BindKey(col, st.Key[col]); err != nil {
			return err
		}
	}
	for _, col := range sortedKeys(st.Set) {
		if err := op.AssignColumn(col, st.Set[col]); err != nil {
			return err
		}
	}
	for _, c := range st.Where {
		if err := op.AddWhere(c.Column, c.Op, c.Value); err != nil {
			return err
		}
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// runStatement executes one statement in its own session.
func (s *Server) runStatement(ctx context.Context, st Statement) (int, error) {
	session := s.newSession()
	defer session.Close()

	op, err := s.buildOp(session, st)
	if err != nil {
		return 0, err
	}
	defer op.Close()

	if err := op.Exec(ctx); err != nil {
		return 0, err
	}
	if err := session.Flush(ctx); err != nil {
		return 0, err
	}
	return op.RowsAffected()
}

// runTxnBlock executes the statements in one explicit transaction.
func (s *Server) runTxnBlock(ctx context.Context, stmts []Statement) ([]int, error) {
	session := s.newSession()
	defer session.Close()

	if err := session.BeginTxn(); err != nil {
		return nil, err
	}

	ops := make([]pggate.WriteOperation, 0, len(stmts))
	defer func() {
		for _, op := range ops {
			op.Close()
		}
	}()

	for i, st := range stmts {
		op, err := s.buildOp(session, st)
		if err == nil {
			ops = append(ops, op)
			err = op.Exec(ctx)
		}
		if err != nil {
			_ = session.AbortTxn()
			return nil, fmt.Errorf("statement %d: %w", i, err)
		}
	}

	if err := session.CommitTxn(ctx); err != nil {
		return nil, err
	}

	results := make([]int, len(ops))
	for i, op := range ops {
		n, err := op.RowsAffected()
		if err != nil {
			return nil, err
		}
		results[i] = n
	}
	return results, nil
}

func (s *Server) handleStatement(w http.ResponseWriter, r *http.Request) {
	var st Statement
	if err := decodeJSON(r, &st); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse body: "+err.Error()))
		return
	}
	st.Table = chi.URLParam(r, "table")
	st.Stmt = chi.URLParam(r, "stmt")

	start := time.Now()
	n, err := s.runStatement(r.Context(), st)
	s.observe(strings.ToLower(st.Stmt), start, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewAffectedResponse(n))
}

func (s *Server) handleTxnBlock(w http.ResponseWriter, r *http.Request) {
	var req txnBlockRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse body: "+err.Error()))
		return
	}
	if len(req.Statements) == 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("No statements"))
		return
	}

	start := time.Now()
	results, err := s.runTxnBlock(r.Context(), req.Statements)
	s.observe("txn", start, err)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := NewSuccessResponse()
	resp.Results = results
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables := s.deps.Catalog.Tables()
	out := make([]tableView, 0, len(tables))
	for _, d := range tables {
		out = append(out, tableView{
			ID:      d.ID().String(),
			Name:    d.Name(),
			Version: d.Version(),
			Columns: d.Columns(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

// handleGetRow reads a row by its primary key given as query parameters,
// e.g. /api/tables/accounts/row?id=7
func (s *Server) handleGetRow(w http.ResponseWriter, r *http.Request) {
	desc, err := s.deps.Catalog.ResolveName(chi.URLParam(r, "table"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	values := make(map[string]any, len(desc.KeyColumns()))
	for _, name := range desc.KeyColumns() {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key column "+name))
			return
		}
		col, _ := desc.Column(name)
		v, err := parseDatum(col, raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		values[name] = v
	}

	key, err := docdb.EncodeDocKey(desc.ID(), desc.KeyColumns(), values)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err))
		return
	}

	row, found, err := s.deps.Router.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeError(w, fmt.Errorf("%w: row of %s", dberrors.ErrNotFound, desc.Name()))
		return
	}
	s.writeJSON(w, http.StatusOK, NewRowResponse(row))
}

func (s *Server) handleScanRows(w http.ResponseWriter, r *http.Request) {
	desc, err := s.deps.Catalog.ResolveName(chi.URLParam(r, "table"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Bad limit"))
			return
		}
	}

	id := desc.ID()
	rows, err := s.deps.Router.Scan(r.Context(), id[:], limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewRowsResponse(rows))
}

// parseDatum converts a query parameter into a datum of the column type.
func parseDatum(col catalog.Column, raw string) (any, error) {
	var (
		v   any
		err error
	)
	switch col.Type {
	case catalog.TypeInt:
		v, err = strconv.ParseInt(raw, 10, 64)
	case catalog.TypeFloat:
		v, err = strconv.ParseFloat(raw, 64)
	case catalog.TypeBool:
		v, err = strconv.ParseBool(raw)
	case catalog.TypeText:
		v = raw
	default:
		err = errors.New("unsupported column type")
	}
	if err != nil {
		return nil, fmt.Errorf("%w: column %q: %v", dberrors.ErrInvalidArgument, col.Name, err)
	}
	// тот же вид, что и при BindKey
	return docdb.Normalize(v)
}
