package e2e

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"modelprobe/internal/httpapi"
	"modelprobe/internal/probe"
	"modelprobe/internal/registry"
	"modelprobe/internal/search"
)

// writeTree creates files under a temporary directory and returns its path.
func writeTree(t *testing.T, files map[string][]byte) string {
	t.Helper()
	dir := t.TempDir()
	for name, data := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatalf("mkdir %s: %v", filepath.Dir(p), err)
		}
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatalf("write %s: %v", p, err)
		}
	}
	return dir
}

func newServer(t *testing.T, roots ...string) (*httptest.Server, *httpapi.Engine) {
	t.Helper()
	p, err := probe.New(probe.Config{Fs: afero.NewOsFs()})
	if err != nil {
		t.Fatalf("prober: %v", err)
	}
	engine := httpapi.NewEngine(httpapi.EngineConfig{
		Prober:   p,
		Searcher: search.New(search.Config{Prober: p}),
		Catalog:  registry.NewCatalog(zerolog.Nop()),
		Roots:    roots,
	})
	srv := httptest.NewServer(httpapi.NewMux(engine))
	t.Cleanup(srv.Close)
	return srv, engine
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func httpPostJSON(t *testing.T, url string, body any) (*http.Response, []byte) {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp, out
}

type streamLine struct {
	Path      string         `json:"path"`
	Config    map[string]any `json:"config"`
	Error     string         `json:"error"`
	ErrorKind string         `json:"error_kind"`
}

func ndjson(t *testing.T, body []byte) []streamLine {
	t.Helper()
	var out []streamLine
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var l streamLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		out = append(out, l)
	}
	return out
}

func mustUnmarshal(t *testing.T, b []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("json: %v (%s)", err, b)
	}
}
