package common

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeEnvFile(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	return file
}

func TestLoadEnvFileMissingIsNoop(t *testing.T) {
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing env file should be ignored: %v", err)
	}
}

func TestLoadEnvFileKeepsProcessEnvironment(t *testing.T) {
	t.Setenv("KEYGATE_BASE_URL", "http://from-shell:8080")
	t.Setenv("KEYGATE_KEYSYSTEM", "")
	t.Setenv("KEYGATE_PROFILE", "")
	os.Unsetenv("KEYGATE_KEYSYSTEM")
	os.Unsetenv("KEYGATE_PROFILE")

	file := writeEnvFile(t, `# loadgen defaults
KEYGATE_BASE_URL=http://from-file:8080
export KEYGATE_KEYSYSTEM='ks-123'
KEYGATE_PROFILE = "flow"
not a pair
=orphan
`)
	if err := LoadEnvFile(file); err != nil {
		t.Fatalf("load env file: %v", err)
	}

	for key, want := range map[string]string{
		"KEYGATE_BASE_URL":  "http://from-shell:8080",
		"KEYGATE_KEYSYSTEM": "ks-123",
		"KEYGATE_PROFILE":   "flow",
	} {
		if got := os.Getenv(key); got != want {
			t.Fatalf("%s=%q want %q", key, got, want)
		}
	}
}

func TestLoadEnvFileDirectoryFails(t *testing.T) {
	err := LoadEnvFile(t.TempDir())
	if err == nil {
		t.Fatal("expected error when path is a directory")
	}
	var pathErr *os.PathError
	if !errors.As(err, &pathErr) {
		t.Fatalf("expected wrapped path error, got %T: %v", err, err)
	}
}

func TestWriteCIResult(t *testing.T) {
	var buf bytes.Buffer
	writeCIResult(&buf, false, "loadgen", nil, errors.New("server unreachable"))

	var got ciResult
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v (%s)", err, buf.String())
	}
	if got.OK || got.Command != "loadgen" || got.Error != "server unreachable" {
		t.Fatalf("unexpected result: %+v", got)
	}
	if got.Details == nil || len(got.Details) != 0 {
		t.Fatalf("expected empty details array, got %#v", got.Details)
	}
}
