package config

import (
	"path/filepath"
	"testing"
)

func TestLoadRequiresIfaces(t *testing.T) {
	t.Setenv("IFACES", "")
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Error("expected error for empty IFACES")
	}
}

func TestLoadParsesIfaceList(t *testing.T) {
	t.Setenv("IFACES", "eth0, eth1,wlan0")
	t.Setenv("SYSTEMD", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"eth0", "eth1", "wlan0"}
	if len(cfg.Ifaces) != len(want) {
		t.Fatalf("Ifaces = %v, want %v", cfg.Ifaces, want)
	}
	for i := range want {
		if cfg.Ifaces[i] != want[i] {
			t.Fatalf("Ifaces = %v, want %v", cfg.Ifaces, want)
		}
	}
	if !cfg.SystemdNative {
		t.Error("SYSTEMD= (empty value, present) should enable SystemdNative")
	}
}

func TestLoadDefaultsMaxTasks(t *testing.T) {
	t.Setenv("IFACES", "eth0")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxNrTasks != defaultMaxNrTasks {
		t.Errorf("MaxNrTasks = %d, want %d", cfg.MaxNrTasks, defaultMaxNrTasks)
	}
	if cfg.MaxTasks < minMaxTasksFor(cfg.MaxNrTasks) {
		t.Errorf("MaxTasks = %d below required minimum", cfg.MaxTasks)
	}
}

func TestValidateCapacityRejectsTooSmallTable(t *testing.T) {
	if err := validateCapacity(1000, 1000); err == nil {
		t.Error("expected error: max_tasks must exceed max_nr_tasks by 12.5%")
	}
	if err := validateCapacity(1000, 1125); err != nil {
		t.Errorf("unexpected error at the boundary: %v", err)
	}
}

func TestEnvBoolParsesBoolsAndTreatsOtherValuesAsSet(t *testing.T) {
	t.Setenv("SYSTEMD", "false")
	if envBool("SYSTEMD") {
		t.Error("SYSTEMD=false should resolve to false")
	}

	t.Setenv("SYSTEMD", "garbage")
	if !envBool("SYSTEMD") {
		t.Error("unparseable non-empty value should still count as set/true")
	}
}
