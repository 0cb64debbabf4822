//go:build !windows

package detector

import (
	"context"
	"strings"
	"testing"
)

func TestBuildShellAwareCommand(t *testing.T) {
	ctx := context.Background()
	// empty -> /bin/true
	c := buildShellAwareCommand(ctx, "")
	if !strings.Contains(c.String(), "/bin/true") {
		t.Fatalf("expected /bin/true, got %q", c.String())
	}
	// simple no metachar -> direct exec
	c = buildShellAwareCommand(ctx, "curl -fsS http://localhost:8000/")
	if len(c.Args) == 0 || c.Args[0] != "curl" {
		t.Fatalf("expected direct exec curl, got %#v", c.Args)
	}
	// with shell meta -> sh -c
	c = buildShellAwareCommand(ctx, "echo hi | cat")
	if len(c.Args) < 2 || c.Args[0] != "/bin/sh" || c.Args[1] != "-c" {
		t.Fatalf("expected /bin/sh -c, got %#v", c.Args)
	}
}

func TestCommandDetectorReadyAndDescribe(t *testing.T) {
	ctx := context.Background()
	d := CommandDetector{Command: "true"}
	ok, err := d.Ready(ctx)
	if err != nil || !ok {
		t.Fatalf("true should be ready, got ok=%v err=%v", ok, err)
	}
	if d.Describe() != "cmd:true" {
		t.Fatalf("Describe mismatch: %q", d.Describe())
	}

	d = CommandDetector{Command: "sh -c 'exit 3'"}
	ok, err = d.Ready(ctx)
	if err != nil || ok {
		t.Fatalf("non-zero exit expected false,nil, got ok=%v err=%v", ok, err)
	}

	d = CommandDetector{Command: "__definitely_not_exists__"}
	ok, err = d.Ready(ctx)
	if err == nil || ok {
		t.Fatalf("expected error for missing binary, got ok=%v err=%v", ok, err)
	}

	d = CommandDetector{Command: "test \"$PROBE\" = yes", Env: []string{"PROBE=yes"}}
	if ok, err := d.Ready(ctx); !ok || err != nil {
		t.Fatalf("env must reach the probe: ok=%v err=%v", ok, err)
	}
}
