package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type etcdSection struct {
	Endpoints   []string      `yaml:"endpoints" json:"endpoints" toml:"endpoints"`
	DialTimeout time.Duration `yaml:"dialTimeout" json:"dialTimeout" toml:"dialTimeout"`
}

type appConfig struct {
	Name string      `yaml:"name" json:"name" toml:"name"`
	Etcd etcdSection `yaml:"etcd" json:"etcd" toml:"etcd"`
}

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeTemp(t, "app.yaml", `
name: registrar
etcd:
  endpoints:
    - 127.0.0.1:2379
    - 127.0.0.1:22379
  dialTimeout: 3s
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if got := cfg.GetString("name"); got != "registrar" {
		t.Errorf("GetString(name) = %q", got)
	}
	if got := cfg.GetStringSlice("etcd.endpoints"); len(got) != 2 || got[0] != "127.0.0.1:2379" {
		t.Errorf("GetStringSlice(etcd.endpoints) = %v", got)
	}
	if !cfg.Has("etcd.dialTimeout") {
		t.Error("Has(etcd.dialTimeout) = false")
	}
	if got := cfg.GetDuration("etcd.dialTimeout"); got != 3*time.Second {
		t.Errorf("GetDuration(etcd.dialTimeout) = %v", got)
	}
	if got := cfg.GetDuration("name"); got != 0 {
		t.Errorf("GetDuration(name) = %v, want 0 for a non-duration", got)
	}

	var app appConfig
	if err := cfg.Unmarshal(&app); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if app.Name != "registrar" || app.Etcd.DialTimeout != 3*time.Second {
		t.Errorf("Unmarshal produced %+v", app)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeTemp(t, "app.toml", `
name = "registrar"

[etcd]
endpoints = ["127.0.0.1:2379"]
dialTimeout = "1500ms"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var app appConfig
	if err := cfg.Unmarshal(&app); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if app.Etcd.DialTimeout != 1500*time.Millisecond {
		t.Errorf("dialTimeout = %v", app.Etcd.DialTimeout)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeTemp(t, "app.json", `{"name":"registrar","etcd":{"endpoints":["e1:2379"],"dialTimeout":"2s"}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var app appConfig
	if err := cfg.Unmarshal(&app); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if len(app.Etcd.Endpoints) != 1 || app.Etcd.Endpoints[0] != "e1:2379" {
		t.Errorf("endpoints = %v", app.Etcd.Endpoints)
	}
}

func TestLoadUnknownExtension(t *testing.T) {
	path := writeTemp(t, "app.conf", "x=1")
	if _, err := Load(path); err == nil {
		t.Error("Load accepted an unknown extension")
	}
}

func TestEnvExpansion(t *testing.T) {
	t.Setenv("REGISTRAR_HOST", "db-7")
	os.Unsetenv("REGISTRAR_ZONE")

	path := writeTemp(t, "app.yaml", `
host: ${REGISTRAR_HOST}
zone: ${REGISTRAR_ZONE:zone-a}
plain: no-refs-here
list:
  - ${REGISTRAR_HOST}:2379
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.GetString("host"); got != "db-7" {
		t.Errorf("host = %q, want db-7", got)
	}
	if got := cfg.GetString("zone"); got != "zone-a" {
		t.Errorf("zone = %q, want default zone-a", got)
	}
	if got := cfg.GetString("plain"); got != "no-refs-here" {
		t.Errorf("plain = %q", got)
	}
	if got := cfg.GetStringSlice("list"); len(got) != 1 || got[0] != "db-7:2379" {
		t.Errorf("list = %v", got)
	}
}

func TestUnmarshalKey(t *testing.T) {
	path := writeTemp(t, "app.yaml", `
etcd:
  endpoints: [a:1]
  dialTimeout: 250ms
`)
	cfg := MustLoad(path)

	var section etcdSection
	if err := cfg.UnmarshalKey("etcd", &section); err != nil {
		t.Fatalf("UnmarshalKey failed: %v", err)
	}
	if section.DialTimeout != 250*time.Millisecond {
		t.Errorf("dialTimeout = %v", section.DialTimeout)
	}

	if err := cfg.UnmarshalKey("missing", &section); err == nil {
		t.Error("UnmarshalKey accepted a missing key")
	}
	if err := cfg.UnmarshalKey("etcd.dialTimeout", &section); err == nil {
		t.Error("UnmarshalKey accepted a scalar key")
	}
}

func TestMustUnmarshal(t *testing.T) {
	path := writeTemp(t, "app.yaml", "name: ok")
	var app appConfig
	MustUnmarshal(path, &app)
	if app.Name != "ok" {
		t.Errorf("name = %q", app.Name)
	}
}

func TestSection(t *testing.T) {
	path := writeTemp(t, "app.yaml", "etcd:\n  endpoints: [a:1]\n")
	cfg := MustLoad(path)
	if s := cfg.Section("etcd"); len(s) != 1 {
		t.Errorf("Section(etcd) = %v", s)
	}
	if s := cfg.Section("nope"); len(s) != 0 {
		t.Errorf("Section(nope) = %v", s)
	}
}
