package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"notifyd/internal/storage"
	logx "notifyd/pkg/logx"
)

func TestListAndAudit(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "state")
	cfgPath := filepath.Join(dir, "config.json")
	cfg := `{"logging":{"level":"error"},"storage":{"driver":"file","path":"` + base + `"}}`
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	st, err := storage.Open(storage.Config{Driver: "file", Path: base}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	now := time.Now().Add(-3 * time.Minute)
	payload, _ := json.Marshal(map[string]any{"title": "Backup finished"})
	ctx := context.Background()
	if err := st.PutActive(ctx, storage.ActiveRecord{Tag: "backup", ID: 7, Revision: 2, Payload: payload, PostedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.AppendAudit(ctx, storage.AuditEntry{At: now, Identifier: "backup", Code: -1, ExceptionType: "dispatch.payload", ExceptionMessage: "malformed"}); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	var out bytes.Buffer
	if err := runList([]string{"-config", cfgPath}, &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	if s := out.String(); !strings.Contains(s, "backup") || !strings.Contains(s, "Backup finished") || !strings.Contains(s, "minutes ago") {
		t.Fatalf("list output:\n%s", s)
	}

	out.Reset()
	if err := runAudit([]string{"-config", cfgPath, "-n", "5"}, &out); err != nil {
		t.Fatalf("audit: %v", err)
	}
	if s := out.String(); !strings.Contains(s, "dispatch.payload: malformed") {
		t.Fatalf("audit output:\n%s", s)
	}
}

func TestListWithoutStorage(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := runList([]string{"-config", cfgPath}, &bytes.Buffer{}); !errors.Is(err, storage.ErrDisabled) {
		t.Fatalf("err=%v", err)
	}
}

func TestPresentOneShot(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(cfgPath, []byte(`{"logging":{"level":"error"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	var out bytes.Buffer
	if err := runPresent([]string{"-config", cfgPath, "-id", "hello", "-request", `{"title":"Hi"}`}, &out); err != nil {
		t.Fatalf("present: %v", err)
	}
	if !strings.Contains(out.String(), "presented hello") {
		t.Fatalf("out=%q", out.String())
	}
	err := runPresent([]string{"-config", cfgPath, "-id", "bad", "-request", `{nope`}, &out)
	if err == nil || !strings.Contains(err.Error(), "dispatch.payload") {
		t.Fatalf("err=%v", err)
	}
}
