package journal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"modelgate/pkg/models"
)

type fakeDB struct {
	execFn  func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	queryFn func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execSQL []string
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	if f.execFn != nil {
		return f.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, sql, args...)
	}
	return &fakeRows{}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{err: pgx.ErrNoRows}
}

type fakeRow struct {
	err error
}

func (r fakeRow) Scan(dest ...any) error { return r.err }

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.err != nil || r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	current := r.rows[r.idx-1]
	if len(dest) != len(current) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignScan(dest[i], current[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

func assignScan(dest any, value any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := value.(string)
		if !ok {
			return errors.New("value is not string")
		}
		*d = v
	case *json.RawMessage:
		v, ok := value.([]byte)
		if !ok {
			return errors.New("value is not json raw")
		}
		*d = append((*d)[:0], v...)
	case *int:
		v, ok := value.(int)
		if !ok {
			return errors.New("value is not int")
		}
		*d = v
	case *time.Time:
		v, ok := value.(time.Time)
		if !ok {
			return errors.New("value is not time.Time")
		}
		*d = v
	default:
		return errors.New("unsupported scan destination")
	}
	return nil
}

func TestHashActorSalted(t *testing.T) {
	a := HashActor("user-1", []byte("salt-a"))
	b := HashActor("user-1", []byte("salt-b"))
	if a == b {
		t.Fatal("expected different salts to produce different hashes")
	}
	if a != HashActor("user-1", []byte("salt-a")) {
		t.Fatal("expected hash to be deterministic for a fixed salt")
	}
	if strings.Contains(a, "user-1") {
		t.Fatal("hash must not contain the raw actor id")
	}
}

func TestRecordDecision(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db, HashSalt: []byte("s")}
	err := w.RecordDecision(context.Background(), DecisionRecord{
		RequestID: "req-1",
		ReceiptID: "rcpt-1",
		TenantID:  "tenant-a",
		Decision:  models.DecisionAllowed,
		Reason:    models.ReasonOK,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "INSERT INTO decisions") {
		t.Fatalf("unexpected exec SQL: %+v", db.execSQL)
	}
}

func TestSaveDeadLetterIdempotent(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db}
	rec := models.Receipt{ReceiptID: "rcpt-1", RequestID: "req-1", TenantID: "tenant-a"}
	if err := w.SaveDeadLetter(context.Background(), rec, "dispatch exhausted"); err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if !strings.Contains(db.execSQL[0], "ON CONFLICT") {
		t.Fatalf("dead letter insert must tolerate duplicates, got: %s", db.execSQL[0])
	}
}

func TestUpsertIncident(t *testing.T) {
	db := &fakeDB{}
	w := &Writer{DB: db, HashSalt: []byte("s")}
	now := time.Now().UTC()
	err := w.UpsertIncident(context.Background(), models.SafetyIncident{
		IncidentID:  "inc-1",
		DedupeKey:   "tenant-a:R1:abc",
		RiskClass:   models.RiskInjection,
		Severity:    models.SeverityCritical,
		TenantID:    "tenant-a",
		ActorID:     "agent-7",
		FirstSeenAt: now,
		LastSeenAt:  now,
		Count:       1,
		Status:      models.IncidentStatusOpen,
	})
	if err != nil {
		t.Fatalf("unexpected error: %+v", err)
	}
	if !strings.Contains(db.execSQL[0], "ON CONFLICT (dedupe_key)") {
		t.Fatalf("upsert must key on dedupe_key, got: %s", db.execSQL[0])
	}
}

func TestListIncidents(t *testing.T) {
	now := time.Now().UTC()
	hints, _ := json.Marshal([]string{"agent-7", "gpt-large"})
	row := []any{"inc-1", "tenant-a:R1:abc", "R1", "CRITICAL", "tenant-a", "hash", []byte(hints), now, now, 3, "OPEN"}

	t.Run("tenant_scoped", func(t *testing.T) {
		var gotSQL string
		db := &fakeDB{queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			gotSQL = sql
			return &fakeRows{rows: [][]any{row}}, nil
		}}
		w := &Writer{DB: db}
		items, err := w.ListIncidents(context.Background(), "tenant-a", "", 10)
		if err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}
		if !strings.Contains(gotSQL, "tenant_id=$1") {
			t.Fatalf("expected tenant filter in SQL: %s", gotSQL)
		}
		if len(items) != 1 || items[0].IncidentID != "inc-1" || items[0].Count != 3 {
			t.Fatalf("unexpected items: %+v", items)
		}
		if len(items[0].CorrelationHints) != 2 {
			t.Fatalf("expected hints decoded, got %+v", items[0].CorrelationHints)
		}
	})

	t.Run("unscoped_with_status", func(t *testing.T) {
		var gotSQL string
		db := &fakeDB{queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			gotSQL = sql
			return &fakeRows{}, nil
		}}
		w := &Writer{DB: db}
		if _, err := w.ListIncidents(context.Background(), "", "OPEN", 10); err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}
		if strings.Contains(gotSQL, "tenant_id") || !strings.Contains(gotSQL, "status=$1") {
			t.Fatalf("expected status-only filter in SQL: %s", gotSQL)
		}
	})
}

func TestSetIncidentStatus(t *testing.T) {
	t.Run("acknowledge_open", func(t *testing.T) {
		db := &fakeDB{execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 1"), nil
		}}
		w := &Writer{DB: db}
		ok, err := w.SetIncidentStatus(context.Background(), "inc-1", models.IncidentStatusAcknowledged)
		if err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}
		if !ok {
			t.Fatal("expected transition to apply")
		}
	})

	t.Run("resolve_already_resolved", func(t *testing.T) {
		db := &fakeDB{execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}}
		w := &Writer{DB: db}
		ok, err := w.SetIncidentStatus(context.Background(), "inc-1", models.IncidentStatusResolved)
		if err != nil {
			t.Fatalf("unexpected error: %+v", err)
		}
		if ok {
			t.Fatal("expected no-op on untransitionable incident")
		}
	})

	t.Run("unsupported_status", func(t *testing.T) {
		w := &Writer{DB: &fakeDB{}}
		if _, err := w.SetIncidentStatus(context.Background(), "inc-1", "REOPENED"); err == nil {
			t.Fatal("expected error for unsupported status")
		}
	})
}
