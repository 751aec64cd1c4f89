package sandbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeRuntime lets each test swap in only the calls it cares about.
type fakeRuntime struct {
	createFn func(ctx context.Context, spec CreateSpec) (Created, error)
	execFn   func(ctx context.Context, runtimeID, command string) (ExecResult, error)
	statsFn  func(ctx context.Context, runtimeID string) (Stats, error)
	removeFn func(ctx context.Context, runtimeID string) error
	logsFn   func(ctx context.Context, runtimeID string, tail int) (string, error)
}

func (f *fakeRuntime) Create(ctx context.Context, spec CreateSpec) (Created, error) {
	if f.createFn != nil {
		return f.createFn(ctx, spec)
	}
	return Created{RuntimeID: "rt-" + spec.Name, SSHPort: 32768}, nil
}

func (f *fakeRuntime) Exec(ctx context.Context, runtimeID, command string) (ExecResult, error) {
	if f.execFn != nil {
		return f.execFn(ctx, runtimeID, command)
	}
	return ExecResult{ExitCode: 0, Output: "ok"}, nil
}

func (f *fakeRuntime) Stats(ctx context.Context, runtimeID string) (Stats, error) {
	if f.statsFn != nil {
		return f.statsFn(ctx, runtimeID)
	}
	return Stats{CPUUsagePercent: 50}, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, runtimeID string) error {
	if f.removeFn != nil {
		return f.removeFn(ctx, runtimeID)
	}
	return nil
}

func (f *fakeRuntime) Logs(ctx context.Context, runtimeID string, tail int) (string, error) {
	if f.logsFn != nil {
		return f.logsFn(ctx, runtimeID, tail)
	}
	return "", nil
}

func newTestManager(rt Runtime) *Manager {
	return NewManager(rt, time.Second, nil)
}

func mustCreate(t *testing.T, m *Manager, id string) *Sandbox {
	t.Helper()
	sb, err := m.Create(context.Background(), id, "sbx-"+id, "img", Limits{CPU: 2, MemBytes: 1 << 30})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return sb
}

func TestCreateTransitionsToRunning(t *testing.T) {
	m := newTestManager(&fakeRuntime{})
	sb := mustCreate(t, m, "a")

	if sb.State != StateRunning {
		t.Fatalf("state = %q, want %q", sb.State, StateRunning)
	}
	if sb.SSHPort != 32768 {
		t.Fatalf("ssh port = %d, want 32768", sb.SSHPort)
	}
}

func TestCreateRuntimeFailure(t *testing.T) {
	m := newTestManager(&fakeRuntime{
		createFn: func(ctx context.Context, spec CreateSpec) (Created, error) {
			return Created{}, errors.New("image pull failed")
		},
	})

	_, err := m.Create(context.Background(), "a", "sbx-a", "img", Limits{CPU: 1, MemBytes: 1 << 20})
	if !errors.Is(err, ErrCreateFailed) {
		t.Fatalf("err = %v, want ErrCreateFailed", err)
	}
	if len(m.List()) != 0 {
		t.Fatal("failed create must not register a sandbox")
	}
}

func TestExecuteCompleted(t *testing.T) {
	m := newTestManager(&fakeRuntime{
		execFn: func(ctx context.Context, runtimeID, command string) (ExecResult, error) {
			return ExecResult{ExitCode: 0, Output: "stress-ng: info"}, nil
		},
	})
	mustCreate(t, m, "a")

	out, err := m.Execute(context.Background(), "a", "stress-ng --cpu 2", 5*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != StatusCompleted {
		t.Fatalf("status = %q, want %q", out.Status, StatusCompleted)
	}

	sb, err := m.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sb.State != StateIdle {
		t.Fatalf("state after execute = %q, want %q", sb.State, StateIdle)
	}
}

func TestExecuteSecondChallengeRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var startedOnce sync.Once
	m := newTestManager(&fakeRuntime{
		execFn: func(ctx context.Context, runtimeID, command string) (ExecResult, error) {
			startedOnce.Do(func() { close(started) })
			<-release
			return ExecResult{ExitCode: 0}, nil
		},
	})
	mustCreate(t, m, "a")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := m.Execute(context.Background(), "a", "sleep 30", time.Minute); err != nil {
			t.Errorf("first Execute: %v", err)
		}
	}()

	<-started
	_, err := m.Execute(context.Background(), "a", "sleep 30", time.Minute)
	if !errors.Is(err, ErrChallengeInFlight) {
		t.Fatalf("second Execute err = %v, want ErrChallengeInFlight", err)
	}

	close(release)
	wg.Wait()

	// The sandbox must accept work again after the first run finishes.
	if _, err := m.Execute(context.Background(), "a", "true", time.Minute); err != nil {
		t.Fatalf("Execute after completion: %v", err)
	}
}

func TestExecuteTimeoutMapsToTimedOut(t *testing.T) {
	m := newTestManager(&fakeRuntime{
		execFn: func(ctx context.Context, runtimeID, command string) (ExecResult, error) {
			<-ctx.Done()
			return ExecResult{}, ctx.Err()
		},
	})
	mustCreate(t, m, "a")

	out, err := m.Execute(context.Background(), "a", "sleep 600", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != StatusTimedOut {
		t.Fatalf("status = %q, want %q", out.Status, StatusTimedOut)
	}

	sb, _ := m.Get("a")
	if sb.State != StateIdle {
		t.Fatalf("state after timeout = %q, want %q", sb.State, StateIdle)
	}
}

func TestExecuteTimeoutExitCodeMapsToTimedOut(t *testing.T) {
	m := newTestManager(&fakeRuntime{
		execFn: func(ctx context.Context, runtimeID, command string) (ExecResult, error) {
			return ExecResult{ExitCode: timeoutExitCode, Output: "killed"}, nil
		},
	})
	mustCreate(t, m, "a")

	out, err := m.Execute(context.Background(), "a", "sleep 600", time.Minute)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Status != StatusTimedOut {
		t.Fatalf("status = %q, want %q", out.Status, StatusTimedOut)
	}
}

func TestExecuteUnknownSandbox(t *testing.T) {
	m := newTestManager(&fakeRuntime{})
	_, err := m.Execute(context.Background(), "nope", "true", time.Second)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDestroyIdempotent(t *testing.T) {
	removed := 0
	m := newTestManager(&fakeRuntime{
		removeFn: func(ctx context.Context, runtimeID string) error {
			removed++
			return nil
		},
	})
	mustCreate(t, m, "a")

	if err := m.Destroy(context.Background(), "a"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := m.Destroy(context.Background(), "a"); err != nil {
		t.Fatalf("second Destroy: %v", err)
	}
	if err := m.Destroy(context.Background(), "never-existed"); err != nil {
		t.Fatalf("Destroy unknown: %v", err)
	}
	if removed != 1 {
		t.Fatalf("runtime Remove called %d times, want 1", removed)
	}

	if _, err := m.Get("a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after destroy err = %v, want ErrNotFound", err)
	}
}

func TestSampleBoundedByTimeout(t *testing.T) {
	m := newTestManager(&fakeRuntime{
		statsFn: func(ctx context.Context, runtimeID string) (Stats, error) {
			deadline, ok := ctx.Deadline()
			if !ok {
				t.Error("stats context has no deadline")
			}
			if until := time.Until(deadline); until > 2*time.Second {
				t.Errorf("deadline too far out: %v", until)
			}
			return Stats{CPUUsagePercent: 73.5, MemoryUsageBytes: 512 << 20, MemoryLimitBytes: 1 << 30, MemoryPercent: 50}, nil
		},
	})
	mustCreate(t, m, "a")

	stats, err := m.Sample(context.Background(), "a")
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if stats.CPUUsagePercent != 73.5 {
		t.Fatalf("cpu = %v, want 73.5", stats.CPUUsagePercent)
	}
}

func TestIdleSince(t *testing.T) {
	m := newTestManager(&fakeRuntime{})
	mustCreate(t, m, "old")
	mustCreate(t, m, "fresh")

	m.mu.Lock()
	m.sandboxes["old"].LastActive = time.Now().UTC().Add(-time.Hour)
	m.mu.Unlock()

	ids := m.IdleSince(time.Now().UTC().Add(-30 * time.Minute))
	if len(ids) != 1 || ids[0] != "old" {
		t.Fatalf("IdleSince = %v, want [old]", ids)
	}
}
