// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package runtimeEnv_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ClusterCockpit/cc-engine/internal/runtimeEnv"
)

func writeEnvFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadEnvSetsSimpleVariables(t *testing.T) {
	path := writeEnvFile(t, "FOO=bar\nBAZ=qux\n")
	if err := runtimeEnv.LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if os.Getenv("FOO") != "bar" || os.Getenv("BAZ") != "qux" {
		t.Fatalf("got FOO=%q BAZ=%q", os.Getenv("FOO"), os.Getenv("BAZ"))
	}
}

func TestLoadEnvSkipsCommentsAndBlankLines(t *testing.T) {
	path := writeEnvFile(t, "# a comment\n\nFOO=bar\n")
	if err := runtimeEnv.LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if os.Getenv("FOO") != "bar" {
		t.Fatalf("got FOO=%q", os.Getenv("FOO"))
	}
}

func TestLoadEnvStripsExportPrefix(t *testing.T) {
	path := writeEnvFile(t, "export FOO=bar\n")
	if err := runtimeEnv.LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if os.Getenv("FOO") != "bar" {
		t.Fatalf("got FOO=%q", os.Getenv("FOO"))
	}
}

func TestLoadEnvUnquotesAndUnescapesStrings(t *testing.T) {
	path := writeEnvFile(t, `FOO="line one\nline two"`+"\n")
	if err := runtimeEnv.LoadEnv(path); err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if want := "line one\nline two"; os.Getenv("FOO") != want {
		t.Fatalf("got %q, want %q", os.Getenv("FOO"), want)
	}
}

func TestLoadEnvRejectsMidLineHash(t *testing.T) {
	path := writeEnvFile(t, "FOO=bar # inline comment\n")
	if err := runtimeEnv.LoadEnv(path); err == nil {
		t.Fatal("expected an error for a '#' that is not at the start of a line")
	}
}

func TestLoadEnvRejectsUnterminatedQuote(t *testing.T) {
	path := writeEnvFile(t, `FOO="unterminated`+"\n")
	if err := runtimeEnv.LoadEnv(path); err == nil {
		t.Fatal("expected an error for an unterminated quoted value")
	}
}

func TestLoadEnvRejectsMissingEquals(t *testing.T) {
	path := writeEnvFile(t, "NOTANASSIGNMENT\n")
	if err := runtimeEnv.LoadEnv(path); err == nil {
		t.Fatal("expected an error for a line with no '='")
	}
}

func TestLoadEnvMissingFile(t *testing.T) {
	if err := runtimeEnv.LoadEnv(filepath.Join(t.TempDir(), "does-not-exist.env")); err == nil {
		t.Fatal("expected an error opening a missing file")
	}
}
