package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.conf")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadFileParsesKeyValuePairs(t *testing.T) {
	path := writeTempConfig(t, "# comment\nrpcserverip = 127.0.0.1\nrpcserverport = 8000\n\nzookeeperip=127.0.0.1\nzookeeperport=2181\n")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if got := cfg.RPCServerIP(); got != "127.0.0.1" {
		t.Fatalf("RPCServerIP() = %q, want 127.0.0.1", got)
	}
	if got := cfg.RPCServerPort(); got != 8000 {
		t.Fatalf("RPCServerPort() = %d, want 8000", got)
	}
	if got := cfg.ZookeeperAddr(); got != "127.0.0.1:2181" {
		t.Fatalf("ZookeeperAddr() = %q, want 127.0.0.1:2181", got)
	}
}

func TestGetMissingKeyReturnsEmptyString(t *testing.T) {
	path := writeTempConfig(t, "rpcserverip=10.0.0.1\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got := cfg.Get("nonexistent"); got != "" {
		t.Fatalf("Get(nonexistent) = %q, want empty", got)
	}
	if got := cfg.RPCServerPort(); got != 0 {
		t.Fatalf("RPCServerPort() = %d, want 0", got)
	}
}

func TestLoadFileMissingFileErrors(t *testing.T) {
	if _, err := LoadFile("/nonexistent/path/does/not/exist.conf"); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadRequiresDashIFlag(t *testing.T) {
	if _, err := Load([]string{}); err == nil {
		t.Fatalf("expected error when -i is not supplied")
	}
}

func TestLoadParsesDashIFlag(t *testing.T) {
	path := writeTempConfig(t, "rpcserverip=127.0.0.1\nrpcserverport=9000\n")
	cfg, err := Load([]string{"-i", path})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.RPCServerAddr(); got != "127.0.0.1:9000" {
		t.Fatalf("RPCServerAddr() = %q, want 127.0.0.1:9000", got)
	}
}
