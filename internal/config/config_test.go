package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 12345 {
		t.Errorf("Port = %v, want 12345", cfg.Port)
	}
	if cfg.ListenAddr() != ":12345" {
		t.Errorf("ListenAddr() = %q, want :12345", cfg.ListenAddr())
	}
	if cfg.MaxConnections != 32 {
		t.Errorf("MaxConnections = %v, want 32", cfg.MaxConnections)
	}
	if cfg.MaxPacketsPerSecond != 1000 {
		t.Errorf("MaxPacketsPerSecond = %v, want 1000", cfg.MaxPacketsPerSecond)
	}
	if cfg.BanDuration != 3600*time.Second {
		t.Errorf("BanDuration = %v, want 3600s", cfg.BanDuration)
	}
	if cfg.MaxConnectionsPerIP != 3 {
		t.Errorf("MaxConnectionsPerIP = %v, want 3", cfg.MaxConnectionsPerIP)
	}
	if cfg.PacketBurstLimit != 100 {
		t.Errorf("PacketBurstLimit = %v, want 100", cfg.PacketBurstLimit)
	}
	if cfg.MaxPacketProcessingTime != 100*time.Millisecond {
		t.Errorf("MaxPacketProcessingTime = %v, want 100ms", cfg.MaxPacketProcessingTime)
	}
	if !cfg.EnableHWIDBan {
		t.Error("EnableHWIDBan should default true")
	}
	if cfg.HWIDBanDuration != 7776000*time.Second {
		t.Errorf("HWIDBanDuration = %v, want 7776000s", cfg.HWIDBanDuration)
	}
	if cfg.AllowVirtualMachine {
		t.Error("AllowVirtualMachine should default false")
	}
}

func TestLoadMissingFileErrors(t *testing.T) {
	if _, err := Load("/nonexistent/path/bae0net.yaml"); err == nil {
		t.Error("expected error loading a nonexistent config file")
	}
}
