package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"docgate/pkg/cluster"
	"docgate/pkg/dberrors"
	"docgate/pkg/types"
)

// Ручки, которые дергают другие ноды через cluster.HTTPClient.

func (s *Server) tablet(w http.ResponseWriter, r *http.Request) (cluster.Tablet, bool) {
	t, err := s.deps.Router.LocalTablet(types.TabletID(chi.URLParam(r, "tablet")))
	if err != nil {
		s.writeTabletError(w, err)
		return nil, false
	}
	return t, true
}

func (s *Server) writeTabletError(w http.ResponseWriter, err error) {
	status, code := errorStatus(err)
	s.writeJSON(w, status, cluster.ErrorResponse{Error: err.Error(), Code: code})
}

func (s *Server) decodeBatch(w http.ResponseWriter, r *http.Request) (cluster.BatchRequest, bool) {
	var req cluster.BatchRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeTabletError(w, fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err))
		return req, false
	}
	if err := cluster.NormalizeBatch(&req.Batch); err != nil {
		s.writeTabletError(w, fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err))
		return req, false
	}
	return req, true
}

func (s *Server) handleTabletGet(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tablet(w, r)
	if !ok {
		return
	}
	var req cluster.GetRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeTabletError(w, fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err))
		return
	}

	row, found, err := t.Get(r.Context(), req.Key)
	if err != nil {
		s.writeTabletError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cluster.GetResponse{Found: found, Row: row})
}

func (s *Server) handleTabletScan(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tablet(w, r)
	if !ok {
		return
	}
	var req cluster.ScanRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeTabletError(w, fmt.Errorf("%w: %v", dberrors.ErrInvalidArgument, err))
		return
	}

	rows, err := t.Scan(r.Context(), req.Prefix, req.Limit)
	if err != nil {
		s.writeTabletError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cluster.ScanResponse{Rows: rows})
}

func (s *Server) handleTabletCheck(w http.ResponseWriter, r *http.Request) {
	t, ok := s.tablet(w, r)
	if !ok {
		return
	}
	req, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}

	if err := t.Check(r.Context(), req.Batch); err != nil {
		s.writeTabletError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleTabletApply(w http.ResponseWriter, r *http.Request) {
	s.affected(w, r, func(ctx context.Context, t cluster.Tablet, req cluster.BatchRequest) ([]int, error) {
		return t.Apply(ctx, req.Batch)
	})
}

func (s *Server) handleTabletPrepare(w http.ResponseWriter, r *http.Request) {
	s.affected(w, r, func(ctx context.Context, t cluster.Tablet, req cluster.BatchRequest) ([]int, error) {
		return nil, t.Prepare(ctx, req.TxnID, req.Batch)
	})
}

func (s *Server) handleTabletCommit(w http.ResponseWriter, r *http.Request) {
	s.affected(w, r, func(ctx context.Context, t cluster.Tablet, req cluster.BatchRequest) ([]int, error) {
		return t.Commit(ctx, req.TxnID)
	})
}

func (s *Server) handleTabletAbort(w http.ResponseWriter, r *http.Request) {
	s.affected(w, r, func(ctx context.Context, t cluster.Tablet, req cluster.BatchRequest) ([]int, error) {
		return nil, t.Abort(ctx, req.TxnID)
	})
}

// affected decodes a batch or txn request (TxnRequest is a subset of
// BatchRequest on the wire) and runs fn on the tablet.
func (s *Server) affected(w http.ResponseWriter, r *http.Request, fn func(context.Context, cluster.Tablet, cluster.BatchRequest) ([]int, error)) {
	t, ok := s.tablet(w, r)
	if !ok {
		return
	}
	req, ok := s.decodeBatch(w, r)
	if !ok {
		return
	}

	res, err := fn(r.Context(), t, req)
	if err != nil {
		s.writeTabletError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, cluster.AffectedResponse{Affected: res})
}

func (s *Server) handleListTxns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Txns == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("No transaction coordinator"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Txns.Records())
}

func (s *Server) handleGetTxn(w http.ResponseWriter, r *http.Request) {
	if s.deps.Txns == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("No transaction coordinator"))
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Bad transaction id"))
		return
	}

	rec, ok := s.deps.Txns.Record(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Transaction not found"))
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}
