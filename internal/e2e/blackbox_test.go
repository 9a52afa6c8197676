package e2e

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"modelprobe/internal/testutil"
	"modelprobe/pkg/types"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func projectRoot(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// this file: <root>/internal/e2e/blackbox_test.go
	return filepath.Dir(filepath.Dir(filepath.Dir(thisFile)))
}

func buildBinary(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "modelprobe")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/modelprobe")
	cmd.Dir = projectRoot(t)
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("go build failed: %v\n%s", err, out)
	}
	return bin
}

// startServer runs "modelprobe serve" against roots and waits for /healthz.
func startServer(t *testing.T, bin string, roots ...string) string {
	t.Helper()
	port := findFreePort(t)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	cmd := exec.Command(bin, "serve", "--addr", fmt.Sprintf("127.0.0.1:%d", port), "--log-level", "error")
	cmd.Env = append(os.Environ(), "MODELPROBE_ROOTS="+strings.Join(roots, ","), "MODELPROBE_CONFIG=")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = cmd.Process.Kill(); _ = cmd.Wait() })

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return base
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not become healthy in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func waitReady(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, _ := httpGet(t, base+"/readyz")
		if resp.StatusCode == http.StatusOK {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("/readyz did not become ready in time; last=%d", resp.StatusCode)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestBlackbox_ServeFlow(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the binary")
	}
	bin := buildBinary(t)
	dir := mixedTree(t)
	base := startServer(t, bin, dir)
	waitReady(t, base)

	resp, body := httpGet(t, base+"/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/models %d %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("/models content-type=%s", ct)
	}
	var models struct {
		Models []map[string]any `json:"models"`
	}
	mustUnmarshal(t, body, &models)
	if len(models.Models) != 4 {
		t.Fatalf("expected 4 models, got %d", len(models.Models))
	}

	resp, body = httpGet(t, base+"/metrics")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "modelprobe_http_requests_total") {
		t.Fatalf("/metrics %d", resp.StatusCode)
	}
}

func TestBlackbox_ProbeMissing_404(t *testing.T) {
	if testing.Short() {
		t.Skip("builds the binary")
	}
	bin := buildBinary(t)
	dir := writeTree(t, map[string][]byte{"empty/.keep": nil})
	base := startServer(t, bin)

	resp, body := httpPostJSON(t, base+"/probe", types.ProbeRequest{Path: filepath.Join(dir, "missing.safetensors")})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d, body=%s", resp.StatusCode, body)
	}

	sd := filepath.Join(dir, "sd.safetensors")
	if err := os.WriteFile(sd, testutil.Safetensors(map[string]testutil.Tensor{attn2: testutil.T("F16", 320, 768)}, nil), 0o644); err != nil {
		t.Fatal(err)
	}
	resp, body = httpPostJSON(t, base+"/probe", types.ProbeRequest{Path: sd})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("probe %d %s", resp.StatusCode, body)
	}
}
