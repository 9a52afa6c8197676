package e2e

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"modelprobe/internal/testutil"
	"modelprobe/pkg/types"
)

const attn2 = "model.diffusion_model.input_blocks.2.1.transformer_blocks.0.attn2.to_k.weight"

func mixedTree(t *testing.T) string {
	t.Helper()
	sd := testutil.Safetensors(map[string]testutil.Tensor{attn2: testutil.T("F16", 320, 768)}, nil)
	lora := map[string]testutil.Tensor{
		"lora_unet_down_blocks_0_attentions_0_transformer_blocks_0_attn2_to_k.lora_down.weight": testutil.T("F16", 4, 768),
		"lora_unet_down_blocks_0_attentions_0_transformer_blocks_0_attn2_to_k.lora_up.weight":   testutil.T("F16", 320, 4),
	}
	files := map[string][]byte{
		"sd/one.safetensors":            sd,
		"sd/copy/one-again.safetensors": sd,
		"lora/detail.pt":                testutil.TorchZip(lora, false),
		"junk/broken.safetensors":       []byte("garbage"),
		"notes/readme.txt":              []byte("not a model"),
	}
	files["xl/model.yaml"] = []byte("base: sdxl\ntype: main\nsubmodels:\n  unet: unet\n  text_encoder_2: text_encoder_2\n")
	files["xl/unet/diffusion_pytorch_model.safetensors"] = []byte("u")
	files["xl/text_encoder_2/model.safetensors"] = []byte("t")
	files["flux/flux1-dev-Q4_0.gguf"] = testutil.GGUF(map[string]string{"general.architecture": "flux"},
		[]testutil.GGUFTensor{{Name: "double_blocks.0.img_attn.norm.key_norm.scale", Dims: []uint64{128}}})
	return writeTree(t, files)
}

// TestE2E_SearchThenCatalog walks a mixed tree over HTTP, then reads the
// catalog the search filled.
func TestE2E_SearchThenCatalog(t *testing.T) {
	dir := mixedTree(t)
	srv, _ := newServer(t)

	resp, body := httpPostJSON(t, srv.URL+"/search", types.SearchRequest{Roots: []string{dir}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status=%d body=%s", resp.StatusCode, body)
	}
	lines := ndjson(t, body)
	byKind := map[string][]streamLine{}
	for _, l := range lines {
		byKind[l.ErrorKind] = append(byKind[l.ErrorKind], l)
	}
	if len(byKind[""]) != 4 || len(byKind["duplicate"]) != 1 || len(byKind["unrecognized_format"]) != 1 || len(lines) != 6 {
		t.Fatalf("unexpected stream: %+v", lines)
	}
	tags := map[string]bool{}
	for _, l := range byKind[""] {
		tags[l.Config["type"].(string)+"/"+l.Config["format"].(string)] = true
	}
	for _, want := range []string{"main/safetensors", "main/diffusers", "main/gguf_quantized", "lora/lycoris"} {
		if !tags[want] {
			t.Fatalf("missing %s in %v", want, tags)
		}
	}

	resp, body = httpGet(t, srv.URL+"/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("models status=%d", resp.StatusCode)
	}
	var models struct {
		Models []map[string]any `json:"models"`
	}
	mustUnmarshal(t, body, &models)
	if len(models.Models) != 4 {
		t.Fatalf("catalog has %d models", len(models.Models))
	}

	key := models.Models[0]["key"].(string)
	resp, _ = httpGet(t, srv.URL+"/models/"+key)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get model status=%d", resp.StatusCode)
	}
}

func TestE2E_ProbeSingleArtifacts(t *testing.T) {
	dir := mixedTree(t)
	srv, _ := newServer(t)

	resp, body := httpPostJSON(t, srv.URL+"/probe", types.ProbeRequest{Path: filepath.Join(dir, "xl")})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bundle status=%d body=%s", resp.StatusCode, body)
	}
	var rec map[string]any
	mustUnmarshal(t, body, &rec)
	if rec["base"] != "sdxl" || rec["name"] != "xl" {
		t.Fatalf("bundle record=%v", rec)
	}
	if subs, _ := rec["submodels"].(map[string]any); len(subs) != 2 {
		t.Fatalf("submodels=%v", rec["submodels"])
	}

	cases := []struct {
		path   string
		status int
		kind   string
	}{
		{"junk/broken.safetensors", http.StatusUnprocessableEntity, "unrecognized_format"},
		{"nope.safetensors", http.StatusNotFound, "not_found"},
		{"notes/readme.txt", http.StatusUnprocessableEntity, "unrecognized_format"},
	}
	for _, c := range cases {
		resp, body := httpPostJSON(t, srv.URL+"/probe", types.ProbeRequest{Path: filepath.Join(dir, filepath.FromSlash(c.path))})
		var er types.ErrorResponse
		mustUnmarshal(t, body, &er)
		if resp.StatusCode != c.status || er.Kind != c.kind {
			t.Fatalf("%s: status=%d body=%s", c.path, resp.StatusCode, body)
		}
	}
}

// TestE2E_ReadyAfterWarm checks /readyz flips once the configured roots are
// catalogued.
func TestE2E_ReadyAfterWarm(t *testing.T) {
	dir := mixedTree(t)
	srv, engine := newServer(t, dir)

	if resp, _ := httpGet(t, srv.URL+"/readyz"); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("readyz before warm: %d", resp.StatusCode)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sum, err := engine.Warm(ctx)
	if err != nil {
		t.Fatalf("warm: %v", err)
	}
	if sum.Found != 4 || sum.Duplicates != 1 || len(sum.Failed) != 1 {
		t.Fatalf("summary: found=%d dup=%d failed=%d", sum.Found, sum.Duplicates, len(sum.Failed))
	}
	if resp, _ := httpGet(t, srv.URL+"/readyz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz after warm: %d", resp.StatusCode)
	}

	// A search without roots uses the configured ones.
	resp, body := httpPostJSON(t, srv.URL+"/search", map[string]any{"exclude": []string{"junk"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status=%d", resp.StatusCode)
	}
	if lines := ndjson(t, body); len(lines) != 5 {
		t.Fatalf("lines=%d", len(lines))
	}
}
