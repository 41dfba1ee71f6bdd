package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"github.com/amiable-dev/llm-council/internal/council"
)

// fakeCommandTag satisfies pgconnCommandTag without depending on pgconn.
type fakeCommandTag struct{ n int64 }

func (f fakeCommandTag) RowsAffected() int64 { return f.n }

// fakeRow satisfies pgx.Row for a single canned Scan call.
type fakeRow struct {
	values []interface{}
	err    error
}

func (r fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	for i, d := range dest {
		switch v := d.(type) {
		case *string:
			*v = r.values[i].(string)
		case *[]byte:
			*v = r.values[i].([]byte)
		case *time.Time:
			*v = r.values[i].(time.Time)
		default:
			return fmt.Errorf("fakeRow: unsupported scan target %T", d)
		}
	}
	return nil
}

var _ pgx.Row = fakeRow{}

// fakeExecutor records every statement it was asked to run and plays back a
// scripted row for QueryRow, so these tests exercise the store's SQL-shaping
// and JSON-marshaling logic without a live Postgres instance.
type fakeExecutor struct {
	execs   []string
	execArgs [][]interface{}
	execErr error
	row     fakeRow
}

func (f *fakeExecutor) Exec(ctx context.Context, sql string, args ...interface{}) (pgconnCommandTag, error) {
	f.execs = append(f.execs, sql)
	f.execArgs = append(f.execArgs, args)
	if f.execErr != nil {
		return nil, f.execErr
	}
	return fakeCommandTag{n: 1}, nil
}

func (f *fakeExecutor) QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row {
	return f.row
}

func newTestStore() (*Store, *fakeExecutor) {
	exec := &fakeExecutor{}
	return &Store{db: exec, log: nil}, exec
}

func TestStoreWriteRequestMarshalsAndUpserts(t *testing.T) {
	store, exec := newTestStore()
	q := council.Query{ID: "q1", Prompt: "hello", Tier: council.TierStandard, CreatedAt: time.Now()}

	err := store.WriteRequest(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, exec.execs, 1)
	require.Contains(t, exec.execs[0], "ON CONFLICT (query_id) DO UPDATE SET request")
	require.Equal(t, "q1", exec.execArgs[0][0])

	var decoded council.Query
	require.NoError(t, json.Unmarshal(exec.execArgs[0][1].([]byte), &decoded))
	require.Equal(t, "hello", decoded.Prompt)
}

func TestStoreWriteStageColumnsUseDistinctColumnNames(t *testing.T) {
	store, exec := newTestStore()

	require.NoError(t, store.WriteStage1(context.Background(), "q1", []council.StageOneResponse{{SlotIndex: 0, Content: "a"}}))
	require.NoError(t, store.WriteStage2(context.Background(), "q1", []council.PeerReview{{ReviewerSlot: 0}}))
	require.NoError(t, store.WriteStage3(context.Background(), "q1", "final", council.AggregateResult{Confidence: 0.9}))
	require.NoError(t, store.WriteResult(context.Background(), council.DeliberationResult{QueryID: "q1", ExitCode: council.ExitPass}))

	require.Len(t, exec.execs, 4)
	require.Contains(t, exec.execs[0], "stage1")
	require.Contains(t, exec.execs[1], "stage2")
	require.Contains(t, exec.execs[2], "stage3")
	require.Contains(t, exec.execs[3], "result")

	var stage3 stage3Payload
	require.NoError(t, json.Unmarshal(exec.execArgs[2][1].([]byte), &stage3))
	require.Equal(t, "final", stage3.Synthesis)
	require.InDelta(t, 0.9, stage3.Aggregate.Confidence, 1e-9)
}

func TestStoreAppendEventIsIdempotentByConstruction(t *testing.T) {
	store, exec := newTestStore()
	ev := &council.LayerEvent{Type: council.EventCouncilStarted, QueryID: "q1", SeqNum: 1, Timestamp: time.Now()}

	require.NoError(t, store.AppendEvent(context.Background(), ev))
	require.Contains(t, exec.execs[0], "ON CONFLICT (query_id, seq_num) DO NOTHING")
	require.Equal(t, "q1", exec.execArgs[0][0])
	require.Equal(t, uint64(1), exec.execArgs[0][1])
}

func TestStoreWriteRequestPropagatesExecError(t *testing.T) {
	store, exec := newTestStore()
	exec.execErr = fmt.Errorf("connection refused")

	err := store.WriteRequest(context.Background(), council.Query{ID: "q1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection refused")
}

func TestLocationFormatsByQueryID(t *testing.T) {
	require.Equal(t, "council_transcripts/q1", Location("q1"))
}

func TestStoreGetByQueryIDScansAllColumns(t *testing.T) {
	store, exec := newTestStore()
	now := time.Now()
	exec.row = fakeRow{values: []interface{}{
		"q1",
		[]byte(`{"prompt":"hi"}`),
		[]byte(`[]`),
		[]byte(`[]`),
		[]byte(`{}`),
		[]byte(`{}`),
		now,
		now,
	}}

	snap, err := store.GetByQueryID(context.Background(), "q1")
	require.NoError(t, err)
	require.Equal(t, "q1", snap.QueryID)
	require.JSONEq(t, `{"prompt":"hi"}`, string(snap.Request))
}

func TestStoreGetByQueryIDPropagatesScanError(t *testing.T) {
	store, exec := newTestStore()
	exec.row = fakeRow{err: fmt.Errorf("no rows in result set")}

	_, err := store.GetByQueryID(context.Background(), "missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no rows in result set")
}
