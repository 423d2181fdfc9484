package txn

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	"github.com/zhangyunhao116/skipmap"

	"docgate/pkg/types"
)

type State uint8

const (
	StatePending State = iota + 1
	StateCommitted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateCommitted:
		return "COMMITTED"
	case StateAborted:
		return "ABORTED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Record is the coordinator-side status of a distributed transaction.
type Record struct {
	ID        uuid.UUID        `json:"id"`
	State     State            `json:"state"`
	Tablets   []types.TabletID `json:"tablets"`
	Writes    int              `json:"writes"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at,omitempty"`
	Err       string           `json:"error,omitempty"`
}

// records is the table of transaction records ordered by id.
type records struct {
	m *skipmap.FuncMap[uuid.UUID, Record]
}

func newRecords() *records {
	return &records{
		m: skipmap.NewFunc[uuid.UUID, Record](func(a, b uuid.UUID) bool {
			return bytes.Compare(a[:], b[:]) < 0
		}),
	}
}

func (r *records) put(rec Record) {
	r.m.Store(rec.ID, rec)
}

func (r *records) get(id uuid.UUID) (Record, bool) {
	return r.m.Load(id)
}

func (r *records) remove(id uuid.UUID) {
	r.m.Delete(id)
}

func (r *records) list() []Record {
	out := make([]Record, 0, r.m.Len())
	r.m.Range(func(_ uuid.UUID, rec Record) bool {
		out = append(out, rec)
		return true
	})
	return out
}
