package supervisor

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/config"
	"github.com/cboxdk/worker-autoscaler/internal/ipc"
	"go.uber.org/zap/zaptest"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
}

func TestValidateWorkerBinary(t *testing.T) {
	requireShell(t)
	tmpDir := t.TempDir()

	notExecutable := filepath.Join(tmpDir, "worker.txt")
	if err := os.WriteFile(notExecutable, []byte("#!/bin/sh\n"), 0644); err != nil {
		t.Fatalf("Failed to create file: %v", err)
	}

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"absolute executable", "/bin/sh", false},
		{"found in PATH", "sh", false},
		{"missing from PATH", "definitely-not-a-worker-binary", true},
		{"missing absolute", filepath.Join(tmpDir, "missing"), true},
		{"directory", tmpDir, true},
		{"not executable", notExecutable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := validateWorkerBinary(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateWorkerBinary(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func newShellSpawner(t *testing.T, script string) *ExecSpawner {
	t.Helper()
	requireShell(t)
	spawner, err := NewExecSpawner(config.WorkerConfig{
		Command:        "/bin/sh",
		Args:           []string{"-c", script},
		Env:            map[string]string{"APP_MODE": "test"},
		ReportInterval: time.Second,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewExecSpawner failed: %v", err)
	}
	return spawner
}

func waitDone(t *testing.T, p Process) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
}

func TestExecSpawnerSpeaksIPC(t *testing.T) {
	script := `echo '{"type":"online"}'
echo 'not json'
echo "{\"type\":\"error\",\"error\":\"id=$WORKER_ID mode=$APP_MODE\"}"
echo '{"type":"request","responseTime":12.5}'
read line
exit 3`
	spawner := newShellSpawner(t, script)

	p, err := spawner.Spawn(context.Background(), 7)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if p.PID() <= 0 {
		t.Errorf("Expected a real pid, got %d", p.PID())
	}

	var got []ipc.Message
	for len(got) < 3 {
		select {
		case msg := <-p.Messages():
			got = append(got, msg)
		case <-time.After(5 * time.Second):
			t.Fatalf("Timed out after %d messages", len(got))
		}
	}

	if _, ok := got[0].(ipc.OnlineMsg); !ok {
		t.Errorf("Expected online first, got %#v", got[0])
	}
	if e, ok := got[1].(ipc.ErrorMsg); !ok || e.Error != "id=7 mode=test" {
		t.Errorf("Expected worker environment in error message, got %#v", got[1])
	}
	if r, ok := got[2].(ipc.RequestMsg); !ok || r.ResponseTime == nil || *r.ResponseTime != 12.5 {
		t.Errorf("Expected timed request, got %#v", got[2])
	}

	if err := p.Send(ipc.ShutdownMsg{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitDone(t, p)

	if _, open := <-p.Messages(); open {
		t.Error("Expected message channel to be closed after exit")
	}
	if code, signal := p.ExitStatus(); code != 3 || signal != "" {
		t.Errorf("Expected exit code 3, got code=%d signal=%q", code, signal)
	}
	if err := p.Send(ipc.ShutdownMsg{}); err == nil {
		t.Error("Expected send to an exited worker to fail")
	}
}

func TestExecSpawnerKill(t *testing.T) {
	spawner := newShellSpawner(t, "sleep 30")

	p, err := spawner.Spawn(context.Background(), 1)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if err := p.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	waitDone(t, p)

	if code, signal := p.ExitStatus(); code != -1 || signal != "SIGKILL" {
		t.Errorf("Expected SIGKILL exit, got code=%d signal=%q", code, signal)
	}
	if err := p.Kill(); err != nil {
		t.Errorf("Expected killing an exited worker to succeed, got %v", err)
	}
}

func TestExecSpawnerRejectsCancelledContext(t *testing.T) {
	spawner := newShellSpawner(t, "exit 0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := spawner.Spawn(ctx, 1); err == nil {
		t.Error("Expected spawn with cancelled context to fail")
	}
}

func TestExecSpawnerKeepsReadingAfterOversizedFrame(t *testing.T) {
	for _, tool := range []string{"head", "tr"} {
		if _, err := exec.LookPath(tool); err != nil {
			t.Skipf("%s not available", tool)
		}
	}
	script := `printf '{"type":"error","error":"'
head -c 200000 /dev/zero | tr '\0' x
printf '"}\n'
echo '{"type":"request","responseTime":5}'
read line
exit 0`
	spawner := newShellSpawner(t, script)

	p, err := spawner.Spawn(context.Background(), 8)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	select {
	case msg, ok := <-p.Messages():
		if !ok {
			t.Fatal("Message channel closed after an oversized frame")
		}
		if r, isReq := msg.(ipc.RequestMsg); !isReq || r.ResponseTime == nil || *r.ResponseTime != 5 {
			t.Errorf("Expected the frame after the oversized one, got %#v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the frame after the oversized one")
	}

	if err := p.Send(ipc.ShutdownMsg{}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	waitDone(t, p)
}
