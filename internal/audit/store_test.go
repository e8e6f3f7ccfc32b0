package audit

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/atlasgw/atlas/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type storeFactory func(t *testing.T) Store

func backends(t *testing.T) map[string]storeFactory {
	t.Helper()
	b := map[string]storeFactory{
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"bolt": func(t *testing.T) Store {
			s, err := NewBoltStore(filepath.Join(t.TempDir(), "test.bolt"), testLogger())
			if err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
	if dsn := os.Getenv("ATLAS_TEST_POSTGRES_DSN"); dsn != "" {
		b["postgres"] = func(t *testing.T) Store {
			s, err := NewPostgresStore(context.Background(), dsn, testLogger())
			if err != nil {
				t.Fatal(err)
			}
			if _, err := s.pool.Exec(context.Background(), "TRUNCATE approval_log, audit_events"); err != nil {
				t.Fatal(err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		}
	}
	return b
}

// flush waits for async event writes where the backend has them.
func flush(s Store) {
	if f, ok := s.(interface{ Flush() }); ok {
		f.Flush()
	}
}

func record(reqID, kind, status string) *Record {
	return &Record{
		RequestID:        reqID,
		CommandRequestID: "cmd-" + reqID,
		Kind:             kind,
		Status:           status,
		Tier:             "dangerous",
		Command:          "git push origin main",
		RequestedBy:      "agent-a",
	}
}

func TestAppendAndLatest(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			req := record("r1", KindRequested, "pending")
			req.ExpiresAt = time.Now().Add(time.Minute).UTC().Truncate(time.Millisecond)
			if err := s.Append(ctx, req); err != nil {
				t.Fatal(err)
			}
			if req.Seq == 0 {
				t.Error("seq not set")
			}
			if err := s.Append(ctx, record("r1", KindApproved, "approved")); err != nil {
				t.Fatal(err)
			}

			got, err := s.Latest(ctx, "r1")
			if err != nil {
				t.Fatal(err)
			}
			if got.Kind != KindApproved || got.Status != "approved" {
				t.Errorf("latest = %s/%s, want approved/approved", got.Kind, got.Status)
			}
			if got.Command != "git push origin main" {
				t.Errorf("command = %q", got.Command)
			}

			hist, err := s.History(ctx, HistoryQuery{RequestID: "r1"})
			if err != nil {
				t.Fatal(err)
			}
			if len(hist) != 2 {
				t.Fatalf("got %d records, want 2", len(hist))
			}
			if hist[0].Kind != KindApproved || hist[1].Kind != KindRequested {
				t.Errorf("history order = %s, %s; want newest first", hist[0].Kind, hist[1].Kind)
			}
			if !hist[1].ExpiresAt.Equal(req.ExpiresAt) {
				t.Errorf("expires_at = %v, want %v", hist[1].ExpiresAt, req.ExpiresAt)
			}
		})
	}
}

func TestLatest_NotFound(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := open(t).Latest(context.Background(), "missing")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestAppend_SingleTerminalPerRequest(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			if err := s.Append(ctx, record("r1", KindDenied, "denied")); err != nil {
				t.Fatal(err)
			}
			err := s.Append(ctx, record("r1", KindExpired, "expired"))
			if !errors.Is(err, ErrDuplicateTerminal) {
				t.Fatalf("err = %v, want ErrDuplicateTerminal", err)
			}
			// Execution outcomes are not terminal transitions.
			if err := s.Append(ctx, record("r1", KindExecutionFailed, "denied")); err != nil {
				t.Errorf("non-terminal append: %v", err)
			}

			hist, _ := s.History(ctx, HistoryQuery{RequestID: "r1"})
			terminal := 0
			for _, r := range hist {
				if IsTerminal(r.Kind) {
					terminal++
				}
			}
			if terminal != 1 {
				t.Errorf("terminal records = %d, want 1", terminal)
			}
		})
	}
}

func TestAppend_ConcurrentTerminalWrites(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			var wg sync.WaitGroup
			errs := make(chan error, 8)
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					kind, status := KindApproved, "approved"
					if i%2 == 1 {
						kind, status = KindExpired, "expired"
					}
					errs <- s.Append(ctx, record("race", kind, status))
				}(i)
			}
			wg.Wait()
			close(errs)

			ok := 0
			for err := range errs {
				switch {
				case err == nil:
					ok++
				case !errors.Is(err, ErrDuplicateTerminal):
					t.Errorf("unexpected error: %v", err)
				}
			}
			if ok != 1 {
				t.Errorf("successful terminal writes = %d, want 1", ok)
			}
		})
	}
}

func TestHistoryFilters(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			a := record("r1", KindAutoApproved, "auto_approved")
			b := record("r2", KindRejected, "rejected")
			b.RequestedBy = "agent-b"
			c := record("r3", KindDenied, "denied")
			for _, r := range []*Record{a, b, c} {
				if err := s.Append(ctx, r); err != nil {
					t.Fatal(err)
				}
			}

			got, err := s.History(ctx, HistoryQuery{Status: "rejected"})
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].RequestID != "r2" {
				t.Errorf("status filter = %+v", got)
			}

			got, _ = s.History(ctx, HistoryQuery{RequestedBy: "agent-a"})
			if len(got) != 2 {
				t.Errorf("requested_by filter = %d records, want 2", len(got))
			}

			got, _ = s.History(ctx, HistoryQuery{Limit: 1})
			if len(got) != 1 || got[0].RequestID != "r3" {
				t.Errorf("limit = %+v, want newest record only", got)
			}

			got, _ = s.History(ctx, HistoryQuery{Since: time.Now().Add(time.Hour)})
			if len(got) != 0 {
				t.Errorf("since filter = %d records, want 0", len(got))
			}
		})
	}
}

func TestUnresolved(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			for _, r := range []*Record{
				record("open", KindRequested, "pending"),
				record("done", KindRequested, "pending"),
				record("done", KindApproved, "approved"),
				record("auto", KindAutoApproved, "auto_approved"),
			} {
				if err := s.Append(ctx, r); err != nil {
					t.Fatal(err)
				}
			}

			got, err := s.Unresolved(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 1 || got[0].RequestID != "open" {
				t.Errorf("unresolved = %+v, want only 'open'", got)
			}
		})
	}
}

func TestRecordEvents(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			ctx := context.Background()

			s.Record(ctx, EventInjectionDetected, SeverityHigh, "injection attempt from web source", map[string]any{"source": "web"})
			s.Record(ctx, EventCommandRejected, SeverityMedium, "blocked command", nil)
			flush(s)

			all, err := s.Events(ctx, EventQuery{})
			if err != nil {
				t.Fatal(err)
			}
			if len(all) != 2 {
				t.Fatalf("got %d events, want 2", len(all))
			}

			inj, _ := s.Events(ctx, EventQuery{Type: EventInjectionDetected})
			if len(inj) != 1 {
				t.Fatalf("got %d injection events, want 1", len(inj))
			}
			if inj[0].Metadata["source"] != "web" {
				t.Errorf("metadata = %v", inj[0].Metadata)
			}
			if inj[0].ID == "" || inj[0].Timestamp.IsZero() {
				t.Errorf("event missing id or timestamp: %+v", inj[0])
			}
		})
	}
}

func TestSQLiteStore_RecordAfterClose(t *testing.T) {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	// Must not panic.
	s.Record(context.Background(), EventOutputBlocked, SeverityHigh, "late", nil)
	s.Flush()
	if err := s.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(ctx, config.PersistenceConfig{Driver: "bolt", Path: filepath.Join(dir, "a.bolt")}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*BoltStore); !ok {
		t.Errorf("driver bolt opened %T", s)
	}
	_ = s.Close()

	s, err = Open(ctx, config.PersistenceConfig{Path: filepath.Join(dir, "a.db")}, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*SQLiteStore); !ok {
		t.Errorf("default driver opened %T", s)
	}
	_ = s.Close()

	if _, err := Open(ctx, config.PersistenceConfig{Driver: "mongo"}, testLogger()); err == nil {
		t.Error("unknown driver should fail")
	}
}

func TestIsTerminal(t *testing.T) {
	for _, k := range []string{KindRejected, KindAutoApproved, KindApproved, KindDenied, KindExpired} {
		if !IsTerminal(k) {
			t.Errorf("IsTerminal(%q) = false", k)
		}
	}
	for _, k := range []string{KindRequested, KindExecuted, KindExecutionFailed, KindOutputWithheld} {
		if IsTerminal(k) {
			t.Errorf("IsTerminal(%q) = true", k)
		}
	}
}
