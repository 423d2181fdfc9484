package http

import (
	"errors"
	"net/http"

	"docgate/pkg/cluster"
	"docgate/pkg/dberrors"
)

type Status string

const (
	// StatusOK is used for health-check responses.
	StatusOK Status = "OK"

	// StatusSuccess indicates an operation completed successfully.
	StatusSuccess Status = "success"

	// StatusError indicates an operation failed.
	StatusError Status = "error"
)

// Response represents the standard API response format.
type Response struct {
	Status Status `json:"status,omitempty"`

	RowsAffected *int             `json:"rows_affected,omitempty"`
	Results      []int            `json:"results,omitempty"`
	Row          map[string]any   `json:"row,omitempty"`
	Rows         []map[string]any `json:"rows,omitempty"`

	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

func NewOKResponse() Response {
	return Response{Status: StatusOK}
}

func NewSuccessResponse() Response {
	return Response{Status: StatusSuccess}
}

func NewAffectedResponse(n int) Response {
	return Response{Status: StatusSuccess, RowsAffected: &n}
}

func NewRowResponse(row map[string]any) Response {
	return Response{Status: StatusSuccess, Row: row}
}

func NewRowsResponse(rows []map[string]any) Response {
	if rows == nil {
		rows = []map[string]any{}
	}
	return Response{Status: StatusSuccess, Rows: rows}
}

func NewErrorResponse(err string) Response {
	return Response{Status: StatusError, Error: err}
}

// errorStatus maps an error to the HTTP status and the wire code.
func errorStatus(err error) (int, string) {
	code := dberrors.Code(err)
	switch code {
	case "duplicate_key", "write_conflict", "txn_aborted":
		return http.StatusConflict, code
	case "not_found", "table_not_found":
		return http.StatusNotFound, code
	case "invalid_argument", "invalid_state":
		return http.StatusBadRequest, code
	case "invalid_session", "closed":
		return http.StatusServiceUnavailable, code
	}

	switch {
	case errors.Is(err, cluster.ErrUnknownTablet):
		return http.StatusNotFound, code
	case errors.Is(err, cluster.ErrNotInitialized), errors.Is(err, cluster.ErrNoTablets):
		return http.StatusServiceUnavailable, code
	}
	return http.StatusInternalServerError, code
}
