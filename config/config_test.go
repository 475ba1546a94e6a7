package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dermesser/flowrpc"
	"github.com/dermesser/flowrpc/valve"

	"github.com/juju/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flowrpc.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Protocol().Version != flowrpc.ProtocolLegacy || cfg.Protocol().HeaderRoutineID != "requestId" {
		t.Fatal("unexpected protocol:", cfg.Protocol())
	}
	read, write, call := cfg.HTTPMasterTimeouts()
	if read != 20*time.Second || write != 20*time.Second || call != 180*time.Second {
		t.Fatal("unexpected timeouts:", read, write, call)
	}
	if v, err := cfg.NewValve(nil, nil); v != nil || err != nil {
		t.Fatal("valve enabled by default:", v, err)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
protocol_version: "1"
log:
  level: debug
http_master:
  endpoints: ["http://a/routines/{signature}", "http://b/routines/{signature}"]
  call_timeout: 3s
valve:
  capacity: 8
  policy: bounded-wait
  bounded_wait: 250ms
server:
  workers: 16
  reply_to: replies
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Protocol().HeaderRoutineID != "oxId" {
		t.Fatal("unexpected protocol:", cfg.Protocol())
	}
	if _, _, call := cfg.HTTPMasterTimeouts(); call != 3*time.Second {
		t.Fatal("unexpected call timeout:", call)
	}
	if len(cfg.HTTPMaster.Endpoints) != 2 || cfg.Server.Workers != 16 || cfg.Server.ReplyTo != "replies" {
		t.Fatal("unexpected config:", cfg)
	}
	if cfg.HTTPMaster.ReadTimeout != 20*time.Second {
		t.Fatal("default lost:", cfg.HTTPMaster.ReadTimeout)
	}

	v, err := cfg.NewValve(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.Capacity() != 8 || v.Policy() != valve.BoundedWait {
		t.Fatal("unexpected valve:", v.Capacity(), v.Policy())
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "protocol_version: \"0\"\nvalve:\n  capacity: 2\n")
	t.Setenv("FLOWRPC_PROTOCOL_VERSION", "1")
	t.Setenv("FLOWRPC_VALVE_POLICY", "reject")
	t.Setenv("FLOWRPC_HTTP_MASTER_READ_TIMEOUT", "5s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ProtocolVersion != "1" || cfg.Valve.Policy != "reject" || cfg.HTTPMaster.ReadTimeout != 5*time.Second {
		t.Fatal("environment ignored:", cfg.ProtocolVersion, cfg.Valve.Policy, cfg.HTTPMaster.ReadTimeout)
	}
	if cfg.Valve.Capacity != 2 {
		t.Fatal("file value lost:", cfg.Valve.Capacity)
	}
}

func TestLoadInvalid(t *testing.T) {
	for _, content := range []string{
		"protocol_version: \"7\"\n",
		"log:\n  level: loud\n",
		"valve:\n  policy: sometimes\n",
		"valve:\n  capacity: -1\n",
	} {
		if _, err := Load(writeConfig(t, content)); !errors.Is(err, errors.NotValid) {
			t.Error("expected NotValid for", content, "got", err)
		}
	}
	if _, err := Load(writeConfig(t, "protocol_version: [")); err == nil {
		t.Error("broken YAML accepted")
	}
}
