package main

import (
	"strings"
	"testing"
)

func TestRunVersionFlag(t *testing.T) {
	if err := run([]string{"-version"}); err != nil {
		t.Fatal(err)
	}
}

func TestRunRejectsUnknownFlag(t *testing.T) {
	if err := run([]string{"-definitely-not-a-flag"}); err == nil {
		t.Fatal("expected flag parse error")
	}
}

func TestRunRequiresOutputRoot(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("BUILDER_OUTPUT_ROOT", "")

	err := run(nil)
	if err == nil {
		t.Fatal("expected config validation error")
	}
	if !strings.Contains(err.Error(), "output") {
		t.Errorf("err = %v", err)
	}
}
