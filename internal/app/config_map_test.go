package app

import (
	"os"
	"testing"
	"time"

	"fanout/internal/config"
	"fanout/internal/fanout"
	"fanout/internal/reconcile"
)

func TestMapDefaults(t *testing.T) {
	cfg := &config.Config{}

	eng, err := mapTaskEngineConfig(cfg)
	if err != nil || !eng.Enabled {
		t.Fatalf("engine: %+v %v", eng, err)
	}
	fcfg, pcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if fcfg.BatchSize != 0 || pcfg.CallTimeout != fanout.DefaultPushCallTimeout {
		t.Fatalf("dispatch: %+v %+v", fcfg, pcfg)
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.Driver != "memory" || sc.BusyTimeout != time.Second {
		t.Fatalf("storage: %+v %v", sc, err)
	}
	rc, err := mapReconcileConfig(cfg)
	if err != nil || !rc.Enabled || rc.StaleAfter != reconcile.DefaultStaleAfter {
		t.Fatalf("reconcile: %+v %v", rc, err)
	}
	if _, ok := mapRedisConfig(cfg); ok {
		t.Fatalf("redis should be off by default")
	}
}

func TestMapExampleConfig(t *testing.T) {
	b, err := os.ReadFile("../../config.example.yaml")
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Decode("config.example.yaml", b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	eng, err := mapTaskEngineConfig(cfg)
	if err != nil || eng.Workers != 4 || eng.QueueSize != 64 {
		t.Fatalf("engine: %+v %v", eng, err)
	}
	_, pcfg, err := mapDispatchConfig(cfg)
	if err != nil || pcfg.Defaults.ClickURL != "/notifications" {
		t.Fatalf("dispatch: %+v %v", pcfg, err)
	}
	push, err := mapPushConfig(cfg)
	if err != nil || push.TTL != 24*time.Hour || push.RatePerSec != 100 {
		t.Fatalf("push: %+v %v", push, err)
	}
	hc, err := mapHTTPConfig(cfg)
	if err != nil || hc.Addr != "127.0.0.1:8080" || hc.WriteTimeout != 15*time.Second {
		t.Fatalf("http: %+v %v", hc, err)
	}
	sc, err := mapStorageConfig(cfg)
	if err != nil || sc.Driver != "sqlite" || sc.QueryLimit != 10 {
		t.Fatalf("storage: %+v %v", sc, err)
	}
}

func TestMapRejectsBadDurations(t *testing.T) {
	cfg := &config.Config{TaskEngine: &config.TaskEngineConfig{MaxQueueDelay: "later"}}
	if _, err := mapTaskEngineConfig(cfg); err == nil {
		t.Fatalf("expected error")
	}
	cfg = &config.Config{Reconcile: &config.ReconcileConfig{StaleAfter: "-5m"}}
	if _, err := mapReconcileConfig(cfg); err == nil {
		t.Fatalf("expected error")
	}
}
