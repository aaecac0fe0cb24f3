package history

import (
	"errors"
	"testing"
	"time"

	"backrun/internal/core"
)

// storeUnderTest builds each implementation fresh per subtest.
func storeUnderTest(t *testing.T, kind string) core.HistoryStore {
	t.Helper()
	switch kind {
	case "memory":
		return NewMemoryStore()
	case "sqlite":
		s, err := NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatalf("NewSQLiteStore() error = %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	default:
		t.Fatalf("unknown store kind %q", kind)
		return nil
	}
}

func TestHistoryStore(t *testing.T) {
	for _, kind := range []string{"memory", "sqlite"} {
		t.Run(kind, func(t *testing.T) {
			t.Run("run lifecycle", func(t *testing.T) {
				s := storeUnderTest(t, kind)
				start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

				if err := s.CreateRun("run-1", "manual", start); err != nil {
					t.Fatalf("CreateRun() error = %v", err)
				}
				if err := s.FinishRun("run-1", start.Add(time.Minute), "success"); err != nil {
					t.Fatalf("FinishRun() error = %v", err)
				}

				runs, err := s.ListRuns(10)
				if err != nil {
					t.Fatalf("ListRuns() error = %v", err)
				}
				if len(runs) != 1 {
					t.Fatalf("ListRuns() returned %d runs, want 1", len(runs))
				}
				if runs[0].Status != "success" {
					t.Errorf("Status = %q, want %q", runs[0].Status, "success")
				}
				if runs[0].FinishedAt.IsZero() {
					t.Errorf("FinishedAt not recorded")
				}
			})

			t.Run("finish unknown run", func(t *testing.T) {
				s := storeUnderTest(t, kind)
				if err := s.FinishRun("nope", time.Now(), "success"); err == nil {
					t.Errorf("FinishRun() on unknown run: expected error")
				}
			})

			t.Run("adapter results", func(t *testing.T) {
				s := storeUnderTest(t, kind)
				start := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
				if err := s.CreateRun("run-1", "scheduled", start); err != nil {
					t.Fatalf("CreateRun() error = %v", err)
				}

				results := []core.AdapterResult{
					{AdapterID: "drive", Kind: "clouddrive", Duration: 2 * time.Second, Bytes: 2048},
					{AdapterID: "s3", Kind: "objectstore", Err: errors.New("bucket gone")},
				}
				for _, r := range results {
					if err := s.RecordAdapterResult("run-1", r); err != nil {
						t.Fatalf("RecordAdapterResult() error = %v", err)
					}
				}

				recs, err := s.ListAdapterResults("run-1")
				if err != nil {
					t.Fatalf("ListAdapterResults() error = %v", err)
				}
				if len(recs) != 2 {
					t.Fatalf("got %d records, want 2", len(recs))
				}
				byID := map[string]*core.AdapterRecord{}
				for _, r := range recs {
					byID[r.AdapterID] = r
				}
				if byID["drive"].Error != "" {
					t.Errorf("drive error = %q, want empty", byID["drive"].Error)
				}
				if byID["drive"].Bytes != 2048 {
					t.Errorf("drive bytes = %d, want 2048", byID["drive"].Bytes)
				}
				if byID["s3"].Error != "bucket gone" {
					t.Errorf("s3 error = %q, want %q", byID["s3"].Error, "bucket gone")
				}
			})

			t.Run("list order and limit", func(t *testing.T) {
				s := storeUnderTest(t, kind)
				base := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
				for i, id := range []string{"a", "b", "c"} {
					if err := s.CreateRun(id, "manual", base.Add(time.Duration(i)*time.Hour)); err != nil {
						t.Fatalf("CreateRun(%s) error = %v", id, err)
					}
				}

				runs, err := s.ListRuns(2)
				if err != nil {
					t.Fatalf("ListRuns() error = %v", err)
				}
				if len(runs) != 2 {
					t.Fatalf("got %d runs, want 2", len(runs))
				}
				if runs[0].ID != "c" || runs[1].ID != "b" {
					t.Errorf("order = [%s %s], want [c b]", runs[0].ID, runs[1].ID)
				}
			})
		})
	}
}

func TestAdapterResult_Throughput(t *testing.T) {
	r := core.AdapterResult{Bytes: 1 << 20, Duration: 2 * time.Second}
	if got := r.Throughput(); got != float64(1<<19) {
		t.Errorf("Throughput() = %v, want %v", got, float64(1<<19))
	}

	zero := core.AdapterResult{Bytes: 100}
	if got := zero.Throughput(); got != 0 {
		t.Errorf("Throughput() with zero duration = %v, want 0", got)
	}
}
