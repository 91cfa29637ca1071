package privsep

import (
	stderrors "errors"
	"reflect"
	"testing"

	"libcompart/pkg/errors"
)

// fakeSystem records calls and follows the kernel's rule that only uid 0
// may change credentials.
type fakeSystem struct {
	euid  int
	uid   int
	gid   int
	calls []string
	fail  map[string]error
}

func newFakeSystem() *fakeSystem {
	return &fakeSystem{fail: make(map[string]error)}
}

func (f *fakeSystem) Geteuid() int { return f.euid }

func (f *fakeSystem) step(name string) error {
	f.calls = append(f.calls, name)
	if err := f.fail[name]; err != nil {
		return err
	}
	return nil
}

func (f *fakeSystem) Chdir(string) error  { return f.step("chdir") }
func (f *fakeSystem) Chroot(string) error { return f.step("chroot") }

func (f *fakeSystem) Setgroups([]int) error {
	if f.euid != 0 {
		return stderrors.New("operation not permitted")
	}
	return f.step("setgroups")
}

func (f *fakeSystem) Setgid(gid int) error {
	if f.euid != 0 {
		return stderrors.New("operation not permitted")
	}
	if err := f.step("setgid"); err != nil {
		return err
	}
	f.gid = gid
	return nil
}

func (f *fakeSystem) Setuid(uid int) error {
	if err := f.step("setuid"); err != nil {
		return err
	}
	f.uid = uid
	f.euid = uid
	return nil
}

type recordingFilter struct {
	sys *fakeSystem
}

func (r recordingFilter) Install() error {
	r.sys.calls = append(r.sys.calls, "seccomp")
	return nil
}

func TestDropOrder(t *testing.T) {
	sys := newFakeSystem()
	d := New(sys)
	d.compile = func(string) (Filter, error) {
		sys.calls = append(sys.calls, "compile")
		return recordingFilter{sys: sys}, nil
	}

	err := d.Drop(Identity{Name: "server", UID: 1000, GID: 1000, Root: "/var/empty", SeccompProfile: "profile.json"})
	if err != nil {
		t.Fatalf("drop: %v", err)
	}
	want := []string{"compile", "chdir", "chroot", "setgroups", "setgid", "setuid", "seccomp"}
	if !reflect.DeepEqual(sys.calls, want) {
		t.Fatalf("calls = %v, want %v", sys.calls, want)
	}
}

func TestDropSetsIdentity(t *testing.T) {
	sys := newFakeSystem()
	if err := New(sys).Drop(Identity{Name: "server", UID: 1000, GID: 1000}); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if sys.uid != 1000 || sys.gid != 1000 || sys.euid != 1000 {
		t.Fatalf("ids = uid %d gid %d euid %d, want 1000", sys.uid, sys.gid, sys.euid)
	}
}

func TestUserBeforeGroupKeepsGroup(t *testing.T) {
	sys := newFakeSystem()
	if err := sys.Setuid(1000); err != nil {
		t.Fatalf("setuid: %v", err)
	}
	if err := sys.Setgid(1000); err == nil {
		t.Fatal("setgid after setuid should fail")
	}
	if sys.uid != 1000 || sys.gid != 0 {
		t.Fatalf("ids = uid %d gid %d, want uid 1000 gid 0", sys.uid, sys.gid)
	}
}

func TestDropWithoutRoot(t *testing.T) {
	sys := newFakeSystem()
	if err := New(sys).Drop(Identity{Name: "server", UID: 1, GID: 1}); err != nil {
		t.Fatalf("drop: %v", err)
	}
	want := []string{"setgroups", "setgid", "setuid"}
	if !reflect.DeepEqual(sys.calls, want) {
		t.Fatalf("calls = %v, want %v", sys.calls, want)
	}
}

func TestDropCannotBeRepeated(t *testing.T) {
	sys := newFakeSystem()
	d := New(sys)
	if err := d.Drop(Identity{Name: "server", UID: 1000, GID: 1000}); err != nil {
		t.Fatalf("first drop: %v", err)
	}
	err := d.Drop(Identity{Name: "server", UID: 0, GID: 0})
	if !errors.Is(err, errors.NotPrivileged) {
		t.Fatalf("second drop err = %v, want NotPrivileged", err)
	}
}

func TestDropFailures(t *testing.T) {
	boom := stderrors.New("boom")
	tests := []struct {
		name      string
		euid      int
		id        Identity
		fail      string
		want      errors.ErrorCode
		wantCalls []string
	}{
		{name: "not root", euid: 1000, id: Identity{Name: "server"}, want: errors.NotPrivileged},
		{name: "no role", id: Identity{}, want: errors.NoRole},
		{name: "chdir", id: Identity{Name: "s", Root: "/x"}, fail: "chdir", want: errors.FailedChdir, wantCalls: []string{"chdir"}},
		{name: "chroot", id: Identity{Name: "s", Root: "/x"}, fail: "chroot", want: errors.FailedChroot, wantCalls: []string{"chdir", "chroot"}},
		{name: "setgid", id: Identity{Name: "s"}, fail: "setgid", want: errors.FailedSetgid, wantCalls: []string{"setgroups", "setgid"}},
		{name: "setuid", id: Identity{Name: "s"}, fail: "setuid", want: errors.FailedSetuid, wantCalls: []string{"setgroups", "setgid", "setuid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sys := newFakeSystem()
			sys.euid = tt.euid
			if tt.fail != "" {
				sys.fail[tt.fail] = boom
			}
			err := New(sys).Drop(tt.id)
			if got := errors.GetCode(err); got != tt.want {
				t.Fatalf("code = %d, want %d (err %v)", got, tt.want, err)
			}
			if !reflect.DeepEqual(sys.calls, tt.wantCalls) {
				t.Fatalf("calls = %v, want %v", sys.calls, tt.wantCalls)
			}
		})
	}
}

func TestDropProfileError(t *testing.T) {
	sys := newFakeSystem()
	d := New(sys)
	d.compile = func(string) (Filter, error) { return nil, stderrors.New("bad profile") }
	err := d.Drop(Identity{Name: "s", Root: "/x", SeccompProfile: "missing.json"})
	if err == nil {
		t.Fatal("expected profile error")
	}
	if len(sys.calls) != 0 {
		t.Fatalf("no credential change expected before the profile is read, got %v", sys.calls)
	}
}
