package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/hospital/ops/internal/config"
	"github.com/hospital/ops/internal/domain/allocation"
	"github.com/hospital/ops/internal/domain/records"
	"github.com/hospital/ops/internal/platform/lock"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Env:            "test",
		LogLevel:       "error",
		StoreDriver:    config.DriverMemory,
		LockTTL:        30 * time.Second,
		LockWait:       time.Second,
		BatchWorkers:   2,
		MetricsEnabled: true,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := buildApp(context.Background(), cfg, io.Discard)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestNewLogger_Level(t *testing.T) {
	cfg := memoryConfig()
	cfg.LogLevel = "warn"
	var buf bytes.Buffer
	logger := newLogger(cfg, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	if strings.Contains(buf.String(), "hidden") {
		t.Error("expected info to be filtered at warn level")
	}
	if !strings.Contains(buf.String(), "shown") {
		t.Error("expected warn line to be written")
	}
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreDriver = config.DriverSQLite
	cfg.SQLitePath = t.TempDir() + "/ops.db"

	repo, pool, closer, err := openStore(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer closer()
	if pool != nil {
		t.Error("expected no pgx pool for sqlite")
	}
	if err := repo.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.StoreDriver = "cassandra"
	if _, _, _, err := openStore(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestNewLocker_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.RedisURL = "redis://" + mr.Addr() + "/0"

	locker, closer, err := newLocker(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("newLocker: %v", err)
	}
	defer closer()
	if _, ok := locker.(*lock.RedisLocker); !ok {
		t.Fatalf("expected redis locker, got %T", locker)
	}

	release, err := locker.Acquire(context.Background(), "bed:ICU-01")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !mr.Exists("hospital-ops:lock:bed:ICU-01") {
		t.Error("expected lock key in redis")
	}
	release()
}

func TestNewLocker_RedisUnreachable(t *testing.T) {
	cfg := memoryConfig()
	cfg.RedisURL = "redis://127.0.0.1:1/0"
	if _, _, err := newLocker(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected ping failure")
	}
}

func TestSeedAndReconcileFiles(t *testing.T) {
	a := newTestApp(t, memoryConfig())
	ctx := context.Background()

	sum, err := seedFromFile(ctx, a.repo, "testdata/ward.yaml")
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if sum.Beds != 3 || sum.Staff != 2 || sum.Equipment != 1 {
		t.Fatalf("unexpected seed summary: %+v", sum)
	}

	again, err := seedFromFile(ctx, a.repo, "testdata/ward.yaml")
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if again.Skipped != 6 {
		t.Errorf("expected reseed to skip all 6 records, got %+v", again)
	}

	res, err := reconcileFile(ctx, a.svc, "testdata/admissions.json")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.Added != 1 || res.Errors != 2 {
		t.Fatalf("unexpected batch result: %+v", res)
	}
	if res.ErrorDetails[0].Kind != allocation.KindInvalidState || res.ErrorDetails[1].Kind != allocation.KindValidation {
		t.Errorf("unexpected error kinds: %+v", res.ErrorDetails)
	}

	bed, err := a.repo.GetBed(ctx, "ICU-01")
	if err != nil {
		t.Fatalf("get bed: %v", err)
	}
	if bed.Status != records.BedOccupied || bed.Occupant.PatientID != "PT-100" {
		t.Errorf("expected ICU-01 occupied by PT-100, got %+v", bed)
	}

	rep, err := a.svc.CheckConsistency(ctx)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !rep.Consistent() {
		t.Errorf("expected consistent store, got %+v", rep)
	}
}

func TestSeedFromFile_Missing(t *testing.T) {
	a := newTestApp(t, memoryConfig())
	if _, err := seedFromFile(context.Background(), a.repo, "testdata/nope.yaml"); err == nil {
		t.Fatal("expected error for missing fixture")
	}
}

func TestNewServer_Routes(t *testing.T) {
	a := newTestApp(t, memoryConfig())
	if _, err := seedFromFile(context.Background(), a.repo, "testdata/ward.yaml"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	e := newServer(a)

	tests := []struct {
		method string
		target string
		body   string
		want   int
	}{
		{http.MethodGet, "/health", "", http.StatusOK},
		{http.MethodGet, "/api/v1/beds", "", http.StatusOK},
		{http.MethodPost, "/api/v1/beds/GEN-01/reserve", `{"name":"Tom Reyes"}`, http.StatusOK},
		{http.MethodPost, "/api/v1/beds/GEN-02/release", "", http.StatusConflict},
		{http.MethodGet, "/metrics", "", http.StatusOK},
	}
	for _, tt := range tests {
		var body io.Reader
		if tt.body != "" {
			body = strings.NewReader(tt.body)
		}
		req := httptest.NewRequest(tt.method, tt.target, body)
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d: %s", tt.method, tt.target, tt.want, rec.Code, rec.Body.String())
		}
		if rec.Header().Get("X-Request-ID") == "" {
			t.Errorf("%s %s: expected X-Request-ID header", tt.method, tt.target)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if !strings.Contains(rec.Body.String(), `hospital_ops_operations_total{operation="reserve_bed",outcome="ok"} 1`) {
		t.Errorf("expected reserve counted in metrics, got:\n%s", rec.Body.String())
	}
}

func TestNewServer_NoMetricsRoute(t *testing.T) {
	cfg := memoryConfig()
	cfg.MetricsEnabled = false
	e := newServer(newTestApp(t, cfg))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 with metrics disabled, got %d", rec.Code)
	}
}

func TestRootCmd_Commands(t *testing.T) {
	want := map[string]bool{"serve": false, "migrate": false, "seed": false, "reconcile": false, "recount": false, "check": false}
	for _, c := range rootCmd().Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("missing command %q", name)
		}
	}
}

func TestCheckCmd_MemoryStore(t *testing.T) {
	t.Setenv("STORE_DRIVER", config.DriverMemory)
	t.Setenv("ENV", "test")
	t.Setenv("LOG_LEVEL", "error")

	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"check"})
	if err := root.Execute(); err != nil {
		t.Fatalf("check: %v", err)
	}

	var rep allocation.ConsistencyReport
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if !rep.Consistent() {
		t.Errorf("expected empty store to be consistent")
	}
}
