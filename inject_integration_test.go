//go:build darwin && cgo

package inject

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

// TestInjectLiveProcess is the one end-to-end scenario this module
// cannot exercise against a fake target.Target: a real 64-bit process,
// a real dylib constructor, and the full exception round-trip through
// the kernel. It is gated behind MACINJECT_INTEGRATION=1 because it
// needs a Darwin host willing to grant task_for_pid on a child it
// spawned itself, and a prebuilt dylib at the path named below.
func TestInjectLiveProcess(t *testing.T) {
	if os.Getenv("MACINJECT_INTEGRATION") != "1" {
		t.Skip("set MACINJECT_INTEGRATION=1 on a darwin host to run this end-to-end")
	}

	libPath := os.Getenv("MACINJECT_TEST_DYLIB")
	if libPath == "" {
		t.Skip("set MACINJECT_TEST_DYLIB to a dylib whose constructor writes \"OK\" to MACINJECT_TEST_MARKER")
	}
	marker := os.Getenv("MACINJECT_TEST_MARKER")
	if marker == "" {
		t.Fatal("MACINJECT_TEST_MARKER must name the file the dylib constructor writes \"OK\" to")
	}
	os.Remove(marker)

	cmd := exec.Command("/bin/sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting target process: %v", err)
	}
	defer cmd.Process.Kill()

	if err := Inject(cmd.Process.Pid, libPath); err != nil {
		t.Fatalf("Inject returned error: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(marker)
		if err == nil && string(data) == "OK" {
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("marker file %s was never written with \"OK\"", marker)
}
