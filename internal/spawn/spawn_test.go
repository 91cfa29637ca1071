package spawn

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"libcompart/pkg/compost"
)

// TestMain doubles as the re-executed child: with a role set it writes its
// bootstrap to the first inherited file and exits with a code derived from
// its index.
func TestMain(m *testing.M) {
	env, err := ReadEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if !env.Child() {
		os.Exit(m.Run())
	}

	b, err := ReadBootstrap()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(3)
	}
	out := os.NewFile(FirstInheritedFD, "out")
	fmt.Fprintf(out, "%s %s %s %d %d", env.Role, env.Run, b.Role, b.Index, len(b.Handles))
	_ = out.Close()
	if os.Getenv(EnvRole) != "" {
		os.Exit(4)
	}
	os.Exit(20 + b.Index)
}

func TestSpawnReexecutesWithRole(t *testing.T) {
	run := uuid.New()
	l, err := NewLauncher(run, 1)
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}

	path := filepath.Join(t.TempDir(), "child.out")
	out, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer out.Close()

	boot := Bootstrap{LogFD: -1, Handles: []compost.Handle{{Slot: compost.MonitorSlot, Name: "w", FD: 5}}}
	pid, err := l.Spawn(3, "hello", boot, []*os.File{out})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	select {
	case exit := <-l.Exits():
		if exit.PID != pid || exit.Index != 3 {
			t.Fatalf("exit = %+v, want pid %d index 3", exit, pid)
		}
		if exit.Code != 23 {
			t.Fatalf("exit code = %d, want 23", exit.Code)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("child did not exit")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := fmt.Sprintf("hello %s hello 3 1", run)
	if string(data) != want {
		t.Fatalf("child wrote %q, want %q", data, want)
	}
}

func TestKillReportsSignal(t *testing.T) {
	l, err := NewLauncher(uuid.New(), 1, WithCommand("/bin/sleep", "30"))
	if err != nil {
		t.Fatalf("new launcher: %v", err)
	}
	pid, err := l.Spawn(0, "sleeper", Bootstrap{}, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := Kill(pid); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case exit := <-l.Exits():
		if exit.Signal.String() != "killed" || exit.Code != -1 {
			t.Fatalf("exit = %+v, want killed", exit)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("killed child not reported")
	}
}

func TestBootstrapEncoding(t *testing.T) {
	in := Bootstrap{Run: "r", Role: "main", Index: 2, LogFD: 4, Handles: []compost.Handle{{Slot: 1, Name: "fd", FD: 9}}}
	var buf bytes.Buffer
	if err := WriteBootstrap(&buf, in); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := DecodeBootstrap(&buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Role != "main" || out.Index != 2 || out.LogFD != 4 || len(out.Handles) != 1 || out.Handles[0].FD != 9 {
		t.Fatalf("decoded %+v", out)
	}

	if _, err := DecodeBootstrap(strings.NewReader("")); err == nil {
		t.Fatal("expected error decoding empty input")
	}
}

func TestChildEnvReplacesRole(t *testing.T) {
	env := childEnv([]string{"PATH=/bin", EnvRole + "=old", EnvRun + "=old"}, "hello", "run-1")
	want := []string{"PATH=/bin", EnvRole + "=hello", EnvRun + "=run-1"}
	if strings.Join(env, ",") != strings.Join(want, ",") {
		t.Fatalf("env = %v, want %v", env, want)
	}
}
