package handlers

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
)

func execute(args ...string) (string, error) {
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func exitCode(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return -1
}

func TestNoArgumentPrintsUsage(t *testing.T) {
	out, err := execute()
	if exitCode(err) != 1 {
		t.Fatalf("Expected exit code 1, got %v", err)
	}
	if !strings.Contains(out, "Usage:") || !strings.Contains(out, "ainews [daily|weekly|reconcile]") {
		t.Errorf("Expected usage on stdout, got %q", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	out, err := execute("monthly")
	if exitCode(err) != 1 {
		t.Fatalf("Expected exit code 1, got %v", err)
	}
	if strings.TrimSpace(out) != "Invalid command: monthly" {
		t.Errorf("Expected invalid command message, got %q", out)
	}
}

func TestRunCommandsExist(t *testing.T) {
	root := NewRootCmd()
	for _, name := range []string{"daily", "weekly", "reconcile"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Errorf("Expected %s subcommand, got %v (%v)", name, cmd, err)
		}
	}

	if root.PersistentFlags().Lookup("cached") == nil {
		t.Error("Expected --cached flag")
	}
	if root.PersistentFlags().Lookup("config") == nil {
		t.Error("Expected --config flag")
	}
}

func TestCachedFlagInEitherPosition(t *testing.T) {
	for _, args := range [][]string{{"--cached", "daily"}, {"weekly", "--cached"}} {
		root := NewRootCmd()
		cmd, rest, err := root.Find(args)
		if err != nil {
			t.Fatalf("Find(%v) failed: %v", args, err)
		}
		if cmd == root {
			t.Errorf("Expected %v to resolve to a subcommand", args)
		}
		if err := cmd.ParseFlags(rest); err != nil {
			t.Fatalf("Parsing %v failed: %v", rest, err)
		}
		if got, err := cmd.Flags().GetBool("cached"); err != nil || !got {
			t.Errorf("Expected --cached to be set for %v, got %v (%v)", args, got, err)
		}
	}
}

func TestCachedWithoutCommandPrintsUsage(t *testing.T) {
	out, err := execute("--cached")
	if exitCode(err) != 1 {
		t.Fatalf("Expected exit code 1, got %v", err)
	}
	if !strings.Contains(out, "Usage:") {
		t.Errorf("Expected usage on stdout, got %q", out)
	}
}
