package main

import (
	"runtime"
	"strings"
	"testing"
)

func TestVersionDefaults(t *testing.T) {
	origVersion := Version
	origGitCommit := GitCommit
	origBuildDate := BuildDate
	defer func() {
		Version = origVersion
		GitCommit = origGitCommit
		BuildDate = origBuildDate
	}()

	Version = "0.1.0-test"
	GitCommit = "abc123"
	BuildDate = "2026-03-01"

	out, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	for _, want := range []string{"Spendgate 0.1.0-test", "Git Commit: abc123", "Build Date: 2026-03-01", runtime.Version()} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got %q", want, out)
		}
	}
}

func TestVersionCommandExists(t *testing.T) {
	if versionCmd == nil {
		t.Fatal("versionCmd is nil")
	}
	if versionCmd.Use != "version" {
		t.Errorf("versionCmd.Use = %q, want %q", versionCmd.Use, "version")
	}
	if versionCmd.Short == "" {
		t.Error("versionCmd.Short should not be empty")
	}
	if versionCmd.Run == nil {
		t.Error("versionCmd.Run should not be nil")
	}
}
