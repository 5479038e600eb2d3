// SPDX-License-Identifier: AGPL-3.0-only
package runner

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestBuildArgv(t *testing.T) {
	got := BuildArgv([]string{"yt-dlp", "-o", "{outdir}/out.mp4", "{url}"}, "http://x/1", "/tmp/jobs/1")
	want := []string{"yt-dlp", "-o", "/tmp/jobs/1/out.mp4", "http://x/1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("arg %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRunCapturesLinesAndExitsZero(t *testing.T) {
	dir := t.TempDir()
	var pid int
	var lines []string

	res := Run(context.Background(), Options{
		JobID: 1,
		Argv:  []string{"/bin/sh", "-c", "echo one; echo two"},
		Dir:   dir,
		OnPID: func(p int) { pid = p },
		OnLine: func(seq int64, line string) {
			lines = append(lines, line)
		},
	})

	if res.Reason != Normal {
		t.Fatalf("reason = %v, want Normal", res.Reason)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit code = %d, want 0", res.ExitCode)
	}
	if pid == 0 {
		t.Fatal("OnPID was never called")
	}
	if len(lines) < 2 {
		t.Fatalf("got %d lines, want at least 2: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], "one") {
		t.Fatalf("first line = %q, want to contain %q", lines[0], "one")
	}
}

func TestRunNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	res := Run(context.Background(), Options{
		JobID: 1,
		Argv:  []string{"/bin/sh", "-c", "exit 7"},
		Dir:   dir,
	})
	if res.Reason != Normal {
		t.Fatalf("reason = %v, want Normal", res.Reason)
	}
	if res.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", res.ExitCode)
	}
}

func TestRunSpawnFailure(t *testing.T) {
	res := Run(context.Background(), Options{
		JobID: 1,
		Argv:  []string{"/no/such/binary-low-tide-test"},
		Dir:   t.TempDir(),
	})
	if res.Reason != SpawnFailed {
		t.Fatalf("reason = %v, want SpawnFailed", res.Reason)
	}
	if res.Err == nil {
		t.Fatal("expected a spawn error")
	}
}

func TestRunCancellation(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Result, 1)
	go func() {
		done <- Run(ctx, Options{
			JobID: 1,
			Argv:  []string{"/bin/sh", "-c", "trap 'exit 0' TERM; sleep 30"},
			Dir:   dir,
		})
	}()

	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		if res.Reason != Cancelled {
			t.Fatalf("reason = %v, want Cancelled", res.Reason)
		}
	case <-time.After(gracePeriod + 5*time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestLineSplitterSequencing(t *testing.T) {
	var got []string
	ls := &lineSplitter{onLine: func(seq int64, line string) {
		got = append(got, line)
		if seq != int64(len(got)) {
			t.Errorf("seq %d out of order", seq)
		}
	}}

	ls.feed([]byte("alpha\nbeta\npart"))
	ls.feed([]byte("ial\n"))
	ls.flush()

	want := []string{"alpha", "beta", "partial"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("line %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLineSplitterLongLineIsCapped(t *testing.T) {
	var got []string
	ls := &lineSplitter{onLine: func(_ int64, line string) {
		got = append(got, line)
	}}

	ls.feed(make([]byte, maxLineBytes+10))
	ls.flush()

	if len(got) < 2 {
		t.Fatalf("expected the oversized line to be split, got %d pieces", len(got))
	}
	if len(got[0]) != maxLineBytes {
		t.Fatalf("first piece len = %d, want %d", len(got[0]), maxLineBytes)
	}
}

func TestSanitizeUTF8ReplacesInvalidBytes(t *testing.T) {
	s := sanitizeUTF8([]byte{'o', 'k', 0xff, 0xfe})
	if !strings.HasPrefix(s, "ok") {
		t.Fatalf("got %q, want prefix %q", s, "ok")
	}
	if !strings.Contains(s, string(rune(0xFFFD))) {
		t.Fatalf("got %q, want replacement char", s)
	}
}
