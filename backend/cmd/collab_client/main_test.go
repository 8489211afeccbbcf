package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateSessionID_StableAcrossInvocations(t *testing.T) {
	queuePath := filepath.Join(t.TempDir(), "sync.db")

	first, err := loadOrCreateSessionID(queuePath)
	if err != nil {
		t.Fatalf("loadOrCreateSessionID: %v", err)
	}
	if first == "" {
		t.Fatal("generated session id is empty")
	}

	// 第二次调用（模拟新的进程）必须拿到同一个会话标识
	second, err := loadOrCreateSessionID(queuePath)
	if err != nil {
		t.Fatalf("loadOrCreateSessionID (reuse): %v", err)
	}
	if second != first {
		t.Fatalf("session id changed across invocations: %q -> %q", first, second)
	}
}

func TestLoadOrCreateSessionID_RegeneratesWhenFileEmpty(t *testing.T) {
	queuePath := filepath.Join(t.TempDir(), "sync.db")
	if err := os.WriteFile(queuePath+".session", []byte("\n"), 0o600); err != nil {
		t.Fatalf("seed empty file: %v", err)
	}

	id, err := loadOrCreateSessionID(queuePath)
	if err != nil {
		t.Fatalf("loadOrCreateSessionID: %v", err)
	}
	if id == "" {
		t.Fatal("empty session file should yield a fresh id")
	}
}
