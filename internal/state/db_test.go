package state

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// tempDBPath returns a path to a temp database file.
func tempDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.db")
}

// setupTestDB creates a new temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	if err := db.Migrate(); err != nil {
		t.Fatalf("failed to migrate test db: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestOpen(t *testing.T) {
	path := tempDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("database file does not exist at %s", path)
	}
}

func TestOpenProject(t *testing.T) {
	root := t.TempDir()
	db, err := OpenProject(root)
	if err != nil {
		t.Fatalf("OpenProject failed: %v", err)
	}
	defer db.Close()

	want := filepath.Join(root, ".marathon", "history.db")
	if db.Path() != want {
		t.Errorf("Path() = %q, want %q", db.Path(), want)
	}
	if _, err := db.ListRuns(1); err != nil {
		t.Errorf("OpenProject did not migrate: %v", err)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Migrate(); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	var version int
	if err := db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("query schema version: %v", err)
	}
	if version != 2 {
		t.Errorf("schema version = %d, want 2", version)
	}

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		t.Fatalf("count schema versions: %v", err)
	}
	if count != 2 {
		t.Errorf("schema_version rows = %d, want 2", count)
	}
}

func TestRunLifecycle(t *testing.T) {
	db := setupTestDB(t)
	started := time.Date(2026, 5, 5, 12, 0, 0, 0, time.UTC)

	run := &Run{
		ID:            "run-1",
		ProjectDir:    "/tmp/app",
		Backend:       "cli",
		PlanningModel: "opus",
		CodingModel:   "sonnet",
		StartedAt:     started,
	}
	if err := db.CreateRun(run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := db.GetRun("run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil {
		t.Fatal("GetRun returned nil")
	}
	if got.Outcome != RunRunning || got.EndedAt != nil {
		t.Errorf("new run = %+v", got)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}

	ended := started.Add(2 * time.Hour)
	if err := db.FinishRun("run-1", RunComplete, 7, ended); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	got, _ = db.GetRun("run-1")
	if got.Outcome != RunComplete || got.Sessions != 7 {
		t.Errorf("finished run = %+v", got)
	}
	if got.EndedAt == nil || !got.EndedAt.Equal(ended) {
		t.Errorf("EndedAt = %v, want %v", got.EndedAt, ended)
	}

	missing, err := db.GetRun("nope")
	if err != nil || missing != nil {
		t.Errorf("GetRun(missing) = %v, %v", missing, err)
	}
}

func TestListRuns(t *testing.T) {
	db := setupTestDB(t)
	base := time.Date(2026, 5, 5, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		if err := db.CreateRun(&Run{ID: id, ProjectDir: ".", Backend: "cli", PlanningModel: "m", CodingModel: "m",
			StartedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("CreateRun(%s): %v", id, err)
		}
	}
	runs, err := db.ListRuns(2)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "c" || runs[1].ID != "b" {
		t.Errorf("ListRuns(2) = %+v", runs)
	}
}

func TestAttempts(t *testing.T) {
	db := setupTestDB(t)
	start := time.Date(2026, 5, 5, 12, 0, 0, 0, time.UTC)
	if err := db.CreateRun(&Run{ID: "r", ProjectDir: ".", Backend: "cli", PlanningModel: "opus", CodingModel: "sonnet", StartedAt: start}); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	attempts := []*Attempt{
		{RunID: "r", SessionIndex: 1, Attempt: 1, Kind: "initializer", Model: "opus", Outcome: AttemptSucceeded,
			TotalAfter: 20, StartedAt: start, FinishedAt: start.Add(10 * time.Minute)},
		{RunID: "r", SessionIndex: 2, Attempt: 2, Kind: "coding", Model: "sonnet", Outcome: AttemptRateLimited,
			ExitCode: 1, WaitSeconds: 3660, WaitConfidence: "parsed", Detail: "limit reached, resets 3pm",
			StartedAt: start.Add(11 * time.Minute), FinishedAt: start.Add(12 * time.Minute)},
		{RunID: "r", SessionIndex: 2, Attempt: 3, Kind: "coding", Model: "sonnet", Continued: true, Outcome: AttemptSucceeded,
			PassingBefore: 0, TotalBefore: 20, PassingAfter: 3, TotalAfter: 20,
			StartedAt: start.Add(2 * time.Hour), FinishedAt: start.Add(3 * time.Hour)},
	}
	for _, a := range attempts {
		if err := db.RecordAttempt(a); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
		if a.ID == 0 {
			t.Error("RecordAttempt did not set ID")
		}
	}

	list, err := db.ListAttempts("r")
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("ListAttempts returned %d, want 3", len(list))
	}
	if list[1].SessionIndex != list[2].SessionIndex {
		t.Error("retry should share the session index")
	}
	if !list[2].Continued || list[1].Continued {
		t.Errorf("Continued flags = %v, %v", list[1].Continued, list[2].Continued)
	}
	if list[1].WaitConfidence != "parsed" || list[1].Detail == "" {
		t.Errorf("rate-limited attempt = %+v", list[1])
	}
	if list[0].Duration() != 10*time.Minute {
		t.Errorf("Duration() = %v, want 10m", list[0].Duration())
	}

	recent, err := db.RecentAttempts(1)
	if err != nil {
		t.Fatalf("RecentAttempts: %v", err)
	}
	if len(recent) != 1 || recent[0].Attempt != 3 {
		t.Errorf("RecentAttempts(1) = %+v", recent)
	}
}

func TestAttempt_RequiresRun(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()
	err := db.RecordAttempt(&Attempt{RunID: "ghost", SessionIndex: 1, Attempt: 1, Kind: "coding", Model: "m",
		Outcome: AttemptFailed, StartedAt: now, FinishedAt: now})
	if err == nil {
		t.Error("expected foreign key violation for unknown run")
	}
}

func TestPurgeOldRuns(t *testing.T) {
	db := setupTestDB(t)
	old := time.Now().Add(-48 * time.Hour)
	fresh := time.Now()
	for id, at := range map[string]time.Time{"old": old, "fresh": fresh} {
		if err := db.CreateRun(&Run{ID: id, ProjectDir: ".", Backend: "cli", PlanningModel: "m", CodingModel: "m", StartedAt: at}); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	if err := db.RecordAttempt(&Attempt{RunID: "old", SessionIndex: 1, Attempt: 1, Kind: "coding", Model: "m",
		Outcome: AttemptFailed, StartedAt: old, FinishedAt: old}); err != nil {
		t.Fatalf("RecordAttempt: %v", err)
	}

	n, err := db.PurgeOldRuns(24 * time.Hour)
	if err != nil {
		t.Fatalf("PurgeOldRuns: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d runs, want 1", n)
	}
	attempts, _ := db.ListAttempts("old")
	if len(attempts) != 0 {
		t.Errorf("attempts of purged run remain: %d", len(attempts))
	}
}

func TestFormatAndParseTime(t *testing.T) {
	original := time.Date(2026, 1, 2, 20, 0, 0, 0, time.UTC)
	parsed, err := parseTime(formatTime(original))
	if err != nil {
		t.Fatalf("parseTime: %v", err)
	}
	if !parsed.Equal(original) {
		t.Errorf("round trip = %v, want %v", parsed, original)
	}
}

func TestParseNullableTime(t *testing.T) {
	if got := parseNullableTime(sql.NullString{}); got != nil {
		t.Errorf("null = %v, want nil", got)
	}
	if got := parseNullableTime(sql.NullString{String: "garbage", Valid: true}); got != nil {
		t.Errorf("garbage = %v, want nil", got)
	}
	if got := parseNullableTime(sql.NullString{String: "2026-01-02T20:00:00Z", Valid: true}); got == nil {
		t.Error("valid time parsed as nil")
	}
}
