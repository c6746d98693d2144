package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestProbeRunnerAggregates(t *testing.T) {
	healthy := CheckerFunc(func(context.Context) CheckResult { return CheckResult{Name: "a", Healthy: true} })
	broken := CheckerFunc(func(context.Context) CheckResult { return CheckResult{Name: "b", Error: "down"} })

	ready, results := NewProbeRunner(time.Second, 0, healthy).Ready(context.Background())
	if !ready || len(results) != 1 {
		t.Fatalf("expected ready with one result, got %v %+v", ready, results)
	}
	ready, results = NewProbeRunner(time.Second, 0, healthy, broken).Ready(context.Background())
	if ready || len(results) != 2 || results[1].Name != "b" {
		t.Fatalf("expected unready with ordered results, got %v %+v", ready, results)
	}
}

func TestProbeRunnerTimesOutSlowChecks(t *testing.T) {
	slow := CheckerFunc(func(ctx context.Context) CheckResult {
		<-ctx.Done()
		return finish(CheckResult{Name: "slow"}, ctx.Err())
	})
	ready, results := NewProbeRunner(20*time.Millisecond, 0, slow).Ready(context.Background())
	if ready || results[0].Error != "timeout" {
		t.Fatalf("expected timeout result, got %v %+v", ready, results)
	}
}

func TestProbeRunnerCachesResults(t *testing.T) {
	var calls atomic.Int32
	c := CheckerFunc(func(context.Context) CheckResult {
		calls.Add(1)
		return CheckResult{Name: "c", Healthy: true}
	})
	p := NewProbeRunner(time.Second, time.Minute, c)
	p.Ready(context.Background())
	p.Ready(context.Background())
	if calls.Load() != 1 {
		t.Fatalf("expected cached second probe, got %d calls", calls.Load())
	}
}

func TestRedisChecker(t *testing.T) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if res := RedisChecker(client).Check(context.Background()); !res.Healthy {
		t.Fatalf("expected healthy redis, got %+v", res)
	}
	server.Close()
	if res := RedisChecker(client).Check(context.Background()); res.Healthy {
		t.Fatal("expected unhealthy redis after shutdown")
	}
	if res := RedisChecker(nil).Check(context.Background()); !res.Healthy {
		t.Fatal("nil redis client must be reported healthy")
	}
}

func TestDBChecker(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:health_checker?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}

	if res := DBChecker(db).Check(context.Background()); !res.Healthy {
		t.Fatalf("expected healthy db, got %+v", res)
	}
	_ = sqlDB.Close()
	if res := DBChecker(db).Check(context.Background()); res.Healthy {
		t.Fatal("expected unhealthy db after close")
	}
	if res := DBChecker(nil).Check(context.Background()); res.Healthy {
		t.Fatal("nil db must be unhealthy")
	}
}
