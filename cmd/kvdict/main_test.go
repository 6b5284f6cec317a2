package main

import (
	"bytes"
	"io"
	"path/filepath"
	"strings"
	"testing"
)

func TestCLI(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	sst := filepath.Join(t.TempDir(), "batch.sst")
	common := []string{"-d", dir, "-k", "int64", "-t", "text"}

	run(t, "", append([]string{"put"}, append(common, "1", "one")...)...)
	eq(t, run(t, "", append([]string{"get"}, append(common, "1")...)...), "one\n")

	out := run(t, "2\ttwo\n3\tthree\n", append([]string{"sst", "build", "--compression", "snappy"}, append(common, sst)...)...)
	if !strings.Contains(out, "2 entries") {
		t.Errorf("sst build output: %q", out)
	}
	run(t, "", append([]string{"ingest"}, append(common, sst)...)...)

	eq(t, run(t, "", append([]string{"scan"}, common...)...), "1\tone\n2\ttwo\n3\tthree\n")

	run(t, "", append([]string{"delete"}, append(common, "2")...)...)
	eq(t, run(t, "", append([]string{"scan", "--keys-only"}, common...)...), "1\n3\n")

	err := execute("", append([]string{"get"}, append(common, "2")...)...)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("get of a deleted key: %v", err)
	}
}

func TestReadEntries(t *testing.T) {
	flagKeyType, flagValueType = "int64", "text"
	t.Cleanup(func() { flagKeyType, flagValueType = "text", "text" })

	entries, err := readEntries(strings.NewReader("10\tten\n\n-5\tminus five\n0\tzero\n"))
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, e := range entries {
		keys = append(keys, e.key.String()+"="+e.value.String())
	}
	eq(t, strings.Join(keys, " "), `-5="minus five" 0="zero" 10="ten"`)

	bad := map[string]string{
		"1\ta\n1\tb\n": "duplicate key 1",
		"1 a\n":        "line 1: missing tab",
		"x\ta\n":       "line 1:",
	}
	for input, msg := range bad {
		_, err := readEntries(strings.NewReader(input))
		if err == nil || !strings.Contains(err.Error(), msg) {
			t.Errorf("readEntries(%q) = %v, wanted %q", input, err, msg)
		}
	}
}

func execute(stdin string, args ...string) error {
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(io.Discard)
	rootCmd.SetErr(io.Discard)
	return rootCmd.Execute()
}

func run(t testing.TB, stdin string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("kvdict %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func eq(t testing.TB, a, e string) {
	if a != e {
		t.Helper()
		t.Errorf("** got %q, wanted %q", a, e)
	}
}
