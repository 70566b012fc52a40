package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/httpapi"
	"github.com/zulandar/switchboard/internal/webhook"
)

func loadConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.Load(writeConfig(t, extra))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	return cfg
}

func TestServeCmd_Help(t *testing.T) {
	out, err := run(t, "serve", "--help")
	if err != nil {
		t.Fatalf("serve --help failed: %v", err)
	}
	for _, want := range []string{"webhook endpoint", "--port", "--config", "switchboard.yaml"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected help to mention %q, got: %s", want, out)
		}
	}
}

func TestBuildApp_Minimal(t *testing.T) {
	var out bytes.Buffer
	a, err := buildApp(loadConfig(t, ""), &out)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	if a.reaper != nil {
		t.Error("reaper built without a schedule")
	}
	if a.router.Deliveries != nil {
		t.Error("audit log wired while disabled")
	}
	if out.Len() != 0 {
		t.Errorf("unexpected output: %s", out.String())
	}
	if _, err := httpapi.NewRouter(a.router); err != nil {
		t.Errorf("router: %v", err)
	}
}

func TestBuildApp_OptionalComponents(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	extra := `
sessions:
  reap_schedule: "*/15 * * * *"
  max_age: 2h
classifier:
  enabled: true
  api_key: sk-test
notify:
  slack:
    bot_token: xoxb-test
    channel_id: C123
audit:
  enabled: true
  path: ` + dbPath + "\n"

	var out bytes.Buffer
	a, err := buildApp(loadConfig(t, extra), &out)
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	if a.reaper == nil {
		t.Error("reaper not built")
	}
	if a.router.Deliveries == nil {
		t.Error("audit log not wired")
	}
	for _, want := range []string{"Stage classifier: gpt-4o-mini", "Slack notifications: channel C123", "Audit log: sqlite " + dbPath, "Session reaper"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestBuildApp_AuditedWebhookShowsInAuditCmd(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	extra := "audit:\n  enabled: true\n  path: " + dbPath + "\n"
	cfgPath := writeConfig(t, extra)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatal(err)
	}

	a, err := buildApp(cfg, new(bytes.Buffer))
	if err != nil {
		t.Fatalf("buildApp: %v", err)
	}
	router, err := httpapi.NewRouter(a.router)
	if err != nil {
		t.Fatal(err)
	}

	body := `{"type":"conversation.update","data":{"conversation_id":"conv-audit"}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("elevenlabs-signature", webhook.Sign([]byte("whsec_test"), []byte(body)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("webhook status = %d: %s", w.Code, w.Body)
	}

	out, err := run(t, "audit", "--config", cfgPath)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !strings.Contains(out, "conv-audit") || !strings.Contains(out, "none") {
		t.Errorf("audit output:\n%s", out)
	}
}

func TestDBMigrateAndEmptyAudit(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "audit.db")
	cfgPath := writeConfig(t, "audit:\n  path: "+dbPath+"\n")

	out, err := run(t, "db", "migrate", "--config", cfgPath)
	if err != nil {
		t.Fatalf("db migrate: %v", err)
	}
	if !strings.Contains(out, "Migrated 2 tables") || !strings.Contains(out, "sqlite "+dbPath) {
		t.Errorf("output = %s", out)
	}

	out, err = run(t, "audit", "--config", cfgPath)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !strings.Contains(out, "No deliveries recorded.") {
		t.Errorf("output = %s", out)
	}
}

func TestAuditTarget(t *testing.T) {
	got := auditTarget(config.AuditConfig{Driver: config.AuditDriverMySQL, User: "root", Host: "db", Port: 3306, Database: "sb"})
	if got != "mysql root@db:3306/sb" {
		t.Errorf("got %q", got)
	}
}
