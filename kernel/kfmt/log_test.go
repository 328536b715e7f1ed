package kfmt

import (
	"bytes"
	"testing"
)

func TestLogHelpersPrefixAndTerminateLines(t *testing.T) {
	var buf bytes.Buffer
	SetOutputSink(&buf)
	defer SetOutputSink(nil)
	buf.Reset() // drop anything drained out of the early ring buffer

	Info("booted cpu %d", 2)
	Warn("fallback engaged")
	Error("already terminated\n")

	exp := "[info] booted cpu 2\n" +
		"[warn] fallback engaged\n" +
		"[error] already terminated\n"

	if got := buf.String(); got != exp {
		t.Fatalf("expected:\n%q\ngot:\n%q", exp, got)
	}
}
