package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := `# a comment
GOHELM_TEST_A=alpha

GOHELM_TEST_B = beta
not-a-pair
=nokey
GOHELM_TEST_C=has=equals
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOHELM_TEST_A", "")
	t.Setenv("GOHELM_TEST_B", "")
	t.Setenv("GOHELM_TEST_C", "")
	os.Unsetenv("GOHELM_TEST_A")
	os.Unsetenv("GOHELM_TEST_B")
	os.Unsetenv("GOHELM_TEST_C")

	loadDotEnv(path)

	if got := os.Getenv("GOHELM_TEST_A"); got != "alpha" {
		t.Errorf("GOHELM_TEST_A = %q, want alpha", got)
	}
	if got := os.Getenv("GOHELM_TEST_B"); got != "beta" {
		t.Errorf("GOHELM_TEST_B = %q, want beta (whitespace should be trimmed)", got)
	}
	if got := os.Getenv("GOHELM_TEST_C"); got != "has=equals" {
		t.Errorf("GOHELM_TEST_C = %q, want has=equals (split on first =)", got)
	}
}

func TestLoadDotEnv_DoesNotOverrideExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("GOHELM_TEST_KEEP=fromfile\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOHELM_TEST_KEEP", "fromenv")

	loadDotEnv(path)

	if got := os.Getenv("GOHELM_TEST_KEEP"); got != "fromenv" {
		t.Errorf("existing env var overridden: got %q, want fromenv", got)
	}
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	// Must be a no-op, not a panic or error.
	loadDotEnv(filepath.Join(t.TempDir(), "does-not-exist.env"))
}

type countingHandler struct {
	slog.Handler
	calls *int
}

func (c countingHandler) Handle(ctx context.Context, rec slog.Record) error {
	*c.calls++
	return c.Handler.Handle(ctx, rec)
}

func TestTeeHandler_FansOutToBoth(t *testing.T) {
	var aCalls, bCalls int
	discard := slog.NewJSONHandler(io.Discard, nil)
	tee := teeHandler{
		a: countingHandler{discard, &aCalls},
		b: countingHandler{discard, &bCalls},
	}
	logger := slog.New(tee)
	logger.Info("hello", "k", "v")
	if aCalls != 1 || bCalls != 1 {
		t.Fatalf("handler calls = (%d, %d), want (1, 1)", aCalls, bCalls)
	}
}

func TestTeeHandler_RespectsLevels(t *testing.T) {
	var aCalls, bCalls int
	debugSink := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})
	warnSink := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn})
	tee := teeHandler{
		a: countingHandler{debugSink, &aCalls},
		b: countingHandler{warnSink, &bCalls},
	}
	logger := slog.New(tee)
	logger.Info("info goes to a only")
	if aCalls != 1 || bCalls != 0 {
		t.Fatalf("handler calls = (%d, %d), want (1, 0)", aCalls, bCalls)
	}
}
