package formats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"modelprobe/internal/testutil"
	"modelprobe/pkg/types"
)

var sd1Tensors = map[string]testutil.Tensor{
	"model.diffusion_model.input_blocks.0.0.weight":                                 testutil.T("F16", 320, 4, 3, 3),
	"model.diffusion_model.input_blocks.2.1.transformer_blocks.0.attn2.to_k.weight": testutil.T("F16", 320, 768),
	"first_stage_model.encoder.conv_in.weight":                                      testutil.T("F32", 128, 3, 3, 3),
}

func TestSafetensorsSniff(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := testutil.WriteFile(t, fs, "/m/sd15.safetensors", testutil.Safetensors(sd1Tensors, map[string]string{"modelspec.architecture": "stable-diffusion-v1"}))

	m := NewSafetensorsReader(fs, Limits{}).Sniff(p)
	if !m.Matched || m.Confidence != ConfidenceHigh {
		t.Fatalf("expected high confidence match, got %+v", m)
	}
	if m.Hints.Format != types.FormatSafetensors {
		t.Fatalf("format = %s", m.Hints.Format)
	}
	if d, ok := m.Hints.LastDim("model.diffusion_model.input_blocks.2.1.transformer_blocks.0.attn2.to_k.weight"); !ok || d != 768 {
		t.Fatalf("last dim = %d, %v", d, ok)
	}
	if m.Hints.Metadata["modelspec.architecture"] != "stable-diffusion-v1" {
		t.Fatalf("metadata not read: %v", m.Hints.Metadata)
	}
	if m.Hints.Precision != "fp16" {
		t.Fatalf("precision = %q", m.Hints.Precision)
	}
}

func TestSafetensorsRejectsMalformed(t *testing.T) {
	fs := afero.NewMemMapFs()
	good := testutil.Safetensors(sd1Tensors, nil)
	cases := map[string][]byte{
		"empty":     nil,
		"short":     good[:5],
		"truncated": good[:len(good)/2],
		"garbage":   []byte("this is not a model file at all, just text"),
		"huge len":  {0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f, '{', '}'},
		"not json":  append([]byte{8, 0, 0, 0, 0, 0, 0, 0}, []byte("[1,2,3] ")...),
	}
	r := NewSafetensorsReader(fs, Limits{})
	for name, data := range cases {
		p := testutil.WriteFile(t, fs, "/m/"+name+".safetensors", data)
		if m := r.Sniff(p); m.Matched {
			t.Fatalf("%s: unexpected match", name)
		} else if m.Reason == "" {
			t.Fatalf("%s: no reason given", name)
		}
	}
}

func TestSafetensorsRespectsHeaderLimit(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := testutil.WriteFile(t, fs, "/m/x.safetensors", testutil.Safetensors(sd1Tensors, nil))
	if m := NewSafetensorsReader(fs, Limits{MaxHeaderBytes: 16}).Sniff(p); m.Matched {
		t.Fatalf("expected header limit to reject file")
	}
}

func TestCheckpointSniffZipAndLegacy(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := NewCheckpointReader(fs, Limits{})
	files := map[string][]byte{
		"zip.ckpt":    testutil.TorchZip(sd1Tensors, true),
		"legacy.ckpt": testutil.TorchLegacy(sd1Tensors),
	}
	for name, data := range files {
		p := testutil.WriteFile(t, fs, "/m/"+name, data)
		m := r.Sniff(p)
		if !m.Matched || m.Confidence != ConfidenceHigh {
			t.Fatalf("%s: expected high match, got %+v", name, m)
		}
		if m.Hints.Format != types.FormatCheckpoint {
			t.Fatalf("%s: format = %s", name, m.Hints.Format)
		}
		s, ok := m.Hints.Shape("model.diffusion_model.input_blocks.0.0.weight")
		if !ok || len(s) != 4 || s[1] != 4 {
			t.Fatalf("%s: shape = %v", name, s)
		}
		if m.Hints.Precision != "fp16" {
			t.Fatalf("%s: precision = %q", name, m.Hints.Precision)
		}
	}
}

func TestCheckpointBarePickleIsMedium(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := testutil.WriteFile(t, fs, "/m/emb.pt", testutil.TorchPickle(map[string]testutil.Tensor{
		"emb_params": testutil.T("F32", 2, 768),
	}, false))
	m := NewCheckpointReader(fs, Limits{}).Sniff(p)
	if !m.Matched || m.Confidence != ConfidenceMedium {
		t.Fatalf("expected medium match, got %+v", m)
	}
}

func TestCheckpointRejectsGarbage(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := NewCheckpointReader(fs, Limits{})
	cases := map[string][]byte{
		"text":      []byte("hello world"),
		"bad pkl":   {0x80, 0x02, 0xff, 0xff},
		"zip magic": []byte("PK\x03\x04 not really a zip"),
	}
	for name, data := range cases {
		p := testutil.WriteFile(t, fs, "/m/"+name+".ckpt", data)
		if m := r.Sniff(p); m.Matched {
			t.Fatalf("%s: unexpected match", name)
		}
	}
}

func TestGGUFSniff(t *testing.T) {
	data := testutil.GGUF(
		map[string]string{"general.architecture": "flux", "general.name": "flux1-dev"},
		[]testutil.GGUFTensor{{Name: "double_blocks.0.img_attn.norm.key_norm.scale", Dims: []uint64{128}}},
	)

	mem := afero.NewMemMapFs()
	p := testutil.WriteFile(t, mem, "/m/flux.gguf", data)
	m := NewGGUFReader(mem).Sniff(p)
	if !m.Matched || m.Confidence != ConfidenceMedium || m.Hints.Format != types.FormatGGUFQuantized {
		t.Fatalf("expected medium gguf match on memfs, got %+v", m)
	}

	dir := t.TempDir()
	osPath := filepath.Join(dir, "flux.gguf")
	if err := os.WriteFile(osPath, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	m = NewGGUFReader(afero.NewOsFs()).Sniff(osPath)
	if !m.Matched || m.Confidence != ConfidenceHigh {
		t.Fatalf("expected high gguf match on disk, got %+v", m)
	}
	if !m.Hints.HasKey("double_blocks.0.img_attn.norm.key_norm.scale") {
		t.Fatalf("tensor infos not read: %v", m.Hints.Keys())
	}
	if m.Hints.Metadata["general.architecture"] != "flux" {
		t.Fatalf("metadata = %v", m.Hints.Metadata)
	}
}

func TestGGUFRejectsOtherFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	r := NewGGUFReader(fs)
	for name, data := range map[string][]byte{
		"short":   []byte("GGU"),
		"version": []byte("GGUF\x09\x00\x00\x00"),
		"text":    []byte("not gguf at all"),
	} {
		p := testutil.WriteFile(t, fs, "/m/"+name+".gguf", data)
		if m := r.Sniff(p); m.Matched {
			t.Fatalf("%s: unexpected match", name)
		}
	}
}

func TestONNXSniff(t *testing.T) {
	fs := afero.NewMemMapFs()
	data := testutil.ONNX(8, []testutil.ONNXInput{
		{Name: "sample", Elem: 10, Shape: []int64{-1, 4, 64, 64}},
		{Name: "timestep", Elem: 7, Shape: []int64{-1}},
		{Name: "encoder_hidden_states", Elem: 10, Shape: []int64{-1, 77, 768}},
	}, map[string]string{"modelspec.architecture": "stable-diffusion-v1"})
	p := testutil.WriteFile(t, fs, "/m/unet/model.onnx", data)

	m := NewONNXReader(fs, Limits{}).Sniff(p)
	if !m.Matched || m.Confidence != ConfidenceHigh || m.Hints.Format != types.FormatONNX {
		t.Fatalf("expected onnx match, got %+v", m)
	}
	if d, ok := m.Hints.LastDim("encoder_hidden_states"); !ok || d != 768 {
		t.Fatalf("encoder_hidden_states last dim = %d, %v", d, ok)
	}
	if s, _ := m.Hints.Shape("sample"); s[0] != -1 {
		t.Fatalf("symbolic dim not preserved: %v", s)
	}
	if m.Hints.Metadata["onnx.graph_name"] != "main_graph" || m.Hints.Metadata["onnx.producer_name"] != "pytorch" {
		t.Fatalf("metadata = %v", m.Hints.Metadata)
	}
	if m.Hints.Metadata["modelspec.architecture"] != "stable-diffusion-v1" {
		t.Fatalf("metadata_props not read: %v", m.Hints.Metadata)
	}
	if m.Hints.Precision != "fp16" {
		t.Fatalf("precision = %q", m.Hints.Precision)
	}
}

func TestONNXRejects(t *testing.T) {
	fs := afero.NewMemMapFs()
	valid := testutil.ONNX(8, nil, nil)
	cases := map[string][]byte{
		"ir zero":     testutil.ONNX(0, nil, nil),
		"ir future":   testutil.ONNX(99, nil, nil),
		"truncated":   valid[:len(valid)-3],
		"safetensors": testutil.Safetensors(sd1Tensors, nil),
		"text":        []byte("plain text is not a protobuf"),
	}
	r := NewONNXReader(fs, Limits{})
	for name, data := range cases {
		p := testutil.WriteFile(t, fs, "/m/"+name+".onnx", data)
		if m := r.Sniff(p); m.Matched {
			t.Fatalf("%s: unexpected match", name)
		}
	}
}

func TestONNXFieldLimit(t *testing.T) {
	fs := afero.NewMemMapFs()
	p := testutil.WriteFile(t, fs, "/m/x.onnx", testutil.ONNX(8, []testutil.ONNXInput{{Name: "a"}, {Name: "b"}}, nil))
	if m := NewONNXReader(fs, Limits{MaxProtoFields: 3}).Sniff(p); m.Matched {
		t.Fatalf("expected field limit to stop the scan")
	}
}

func TestBundlePipeline(t *testing.T) {
	fs := afero.NewMemMapFs()
	testutil.WriteJSON(t, fs, "/m/sdxl/model_index.json", map[string]any{
		"_class_name":       "StableDiffusionXLPipeline",
		"unet":              []any{"diffusers", "UNet2DConditionModel"},
		"text_encoder_2":    []any{"transformers", "CLIPTextModelWithProjection"},
		"vae":               []any{"diffusers", "AutoencoderKL"},
		"safety_checker":    []any{nil, nil},
		"feature_extractor": []any{"transformers", "CLIPImageProcessor"},
		"scheduler":         []any{"diffusers", "EulerDiscreteScheduler"},
	})
	testutil.WriteJSON(t, fs, "/m/sdxl/unet/config.json", map[string]any{"cross_attention_dim": 2048, "in_channels": 4})
	testutil.WriteJSON(t, fs, "/m/sdxl/scheduler/scheduler_config.json", map[string]any{"prediction_type": "epsilon"})
	testutil.Mkdir(t, fs, "/m/sdxl/text_encoder_2")
	testutil.Mkdir(t, fs, "/m/sdxl/vae")

	m := NewBundleReader(fs, Limits{}, nil, nil).Sniff("/m/sdxl")
	if !m.Matched || m.Hints.Layout != LayoutPipeline || m.Hints.Format != types.FormatDiffusers {
		t.Fatalf("expected pipeline match, got %+v", m)
	}
	if m.Hints.ClassName != "StableDiffusionXLPipeline" {
		t.Fatalf("class = %q", m.Hints.ClassName)
	}
	// safety_checker is null and feature_extractor has no directory
	want := []types.SubModelType{types.SubModelUNet, types.SubModelTextEncoder2, types.SubModelVAE, types.SubModelScheduler}
	if len(m.Hints.Components) != len(want) {
		t.Fatalf("components = %v", m.Hints.Components)
	}
	for _, w := range want {
		if m.Hints.Components[w] != string(w) {
			t.Fatalf("missing component %s: %v", w, m.Hints.Components)
		}
	}
	if m.Hints.SchedulerPrediction != "epsilon" {
		t.Fatalf("scheduler prediction = %q", m.Hints.SchedulerPrediction)
	}
	if m.Hints.Config["cross_attention_dim"] != float64(2048) {
		t.Fatalf("config = %v", m.Hints.Config)
	}
}

func TestBundleDeclaredAndFolders(t *testing.T) {
	fs := afero.NewMemMapFs()
	testutil.WriteFile(t, fs, "/m/decl/model.yaml", []byte("base: sdxl\ntype: main\nsubmodels:\n  unet: unet\n  text_encoder_2: te2\n"))
	testutil.Mkdir(t, fs, "/m/decl/unet")
	testutil.Mkdir(t, fs, "/m/decl/te2")
	testutil.WriteFile(t, fs, "/m/lora/pytorch_lora_weights.safetensors", testutil.Safetensors(map[string]testutil.Tensor{
		"unet.down_blocks.0.attentions.0.transformer_blocks.0.attn2.to_k.lora.down.weight": testutil.T("F16", 4, 768),
	}, nil))
	testutil.WriteFile(t, fs, "/m/ip/ip_adapter.bin", testutil.TorchZip(map[string]testutil.Tensor{
		"image_proj.proj.weight":      testutil.T("F16", 3072, 1024),
		"ip_adapter.1.to_k_ip.weight": testutil.T("F16", 320, 768),
	}, false))
	testutil.WriteFile(t, fs, "/m/ip/image_encoder.txt", []byte("ViT-H\n"))
	testutil.Mkdir(t, fs, "/m/empty")

	r := NewBundleReader(fs, Limits{}, nil, nil)

	m := r.Sniff("/m/decl")
	if !m.Matched || m.Hints.Layout != LayoutDeclared || m.Hints.Declared == nil {
		t.Fatalf("expected declared bundle, got %+v", m)
	}
	if m.Hints.Components[types.SubModelTextEncoder2] != "te2" {
		t.Fatalf("components = %v", m.Hints.Components)
	}

	// A broken pipeline index does not hide the declaration next to it.
	testutil.WriteFile(t, fs, "/m/broken/model.yaml", []byte("base: sdxl\ntype: main\nsubmodels:\n  unet: unet\n"))
	testutil.WriteFile(t, fs, "/m/broken/model_index.json", []byte("{not json"))
	testutil.Mkdir(t, fs, "/m/broken/unet")
	m = r.Sniff("/m/broken")
	if !m.Matched || m.Hints.Layout != LayoutDeclared || m.Hints.Declared == nil || m.Reason == "" {
		t.Fatalf("expected declared fallback, got %+v", m)
	}
	if m.Hints.Components[types.SubModelUNet] != "unet" {
		t.Fatalf("components = %v", m.Hints.Components)
	}
	testutil.WriteFile(t, fs, "/m/broken-undeclared/model_index.json", []byte("{not json"))
	if r.IsBundle("/m/broken-undeclared") {
		t.Fatalf("broken index without a declaration must not match")
	}

	m = r.Sniff("/m/lora")
	if !m.Matched || m.Hints.Layout != LayoutLoRAFolder || len(m.Hints.Tensors) != 1 {
		t.Fatalf("expected lora folder, got %+v", m)
	}

	m = r.Sniff("/m/ip")
	if !m.Matched || m.Hints.Layout != LayoutIPAdapterFolder || m.Hints.Metadata["image_encoder"] != "ViT-H" {
		t.Fatalf("expected ip adapter folder, got %+v", m)
	}

	if r.IsBundle("/m/empty") {
		t.Fatalf("empty directory is not a bundle")
	}
	if r.IsBundle("/m/lora/pytorch_lora_weights.safetensors") {
		t.Fatalf("a file is not a bundle")
	}
}

func TestBundleComponent(t *testing.T) {
	fs := afero.NewMemMapFs()
	testutil.WriteJSON(t, fs, "/m/vae/config.json", map[string]any{"_class_name": "AutoencoderKL", "latent_channels": 4})
	testutil.WriteFile(t, fs, "/m/vae/diffusion_pytorch_model.safetensors", testutil.Safetensors(map[string]testutil.Tensor{
		"encoder.conv_in.weight": testutil.T("BF16", 128, 3, 3, 3),
	}, nil))
	testutil.WriteJSON(t, fs, "/m/t5/config.json", map[string]any{"architectures": []string{"T5EncoderModel"}, "d_model": 4096})

	r := NewBundleReader(fs, Limits{}, nil, nil)
	m := r.Sniff("/m/vae")
	if !m.Matched || m.Hints.ClassName != "AutoencoderKL" || m.Hints.Precision != "bf16" {
		t.Fatalf("expected vae component, got %+v", m)
	}
	m = r.Sniff("/m/t5")
	if !m.Matched || m.Hints.ClassName != "T5EncoderModel" {
		t.Fatalf("expected t5 component, got %+v", m)
	}
}

func TestDeclarationFormatsAndValidation(t *testing.T) {
	fs := afero.NewMemMapFs()
	testutil.WriteFile(t, fs, "/d/a.json", []byte(`{"base":"sd-2","type":"main","prediction_type":"v"}`))
	testutil.WriteFile(t, fs, "/d/b.toml", []byte("base = \"flux\"\ntype = \"main\"\n"))
	testutil.WriteFile(t, fs, "/d/bad.yaml", []byte("base: sd-9\n"))
	testutil.WriteFile(t, fs, "/d/escape.yaml", []byte("submodels:\n  unet: ../../etc\n"))
	testutil.WriteFile(t, fs, "/d/c.ini", []byte("x"))

	if d, err := LoadDeclaration(fs, "/d/a.json", 1024); err != nil || d.PredictionType != "v" {
		t.Fatalf("json: %+v %v", d, err)
	}
	if d, err := LoadDeclaration(fs, "/d/b.toml", 1024); err != nil || d.Base != "flux" {
		t.Fatalf("toml: %+v %v", d, err)
	}
	for _, p := range []string{"/d/bad.yaml", "/d/escape.yaml", "/d/c.ini"} {
		if _, err := LoadDeclaration(fs, p, 1024); err == nil {
			t.Fatalf("%s: expected error", p)
		}
	}
	if _, err := LoadDeclaration(fs, "/d/a.json", 4); err == nil {
		t.Fatalf("expected size limit error")
	}
}

type fakeReader struct {
	name string
	kind Kind
	conf Confidence
}

func (f fakeReader) Name() string { return f.name }
func (f fakeReader) Kind() Kind   { return f.kind }
func (f fakeReader) Sniff(string) Match {
	if f.conf == ConfidenceNone {
		return noMatch(f.name, f.kind, "never matches")
	}
	return Match{Matched: true, Confidence: f.conf, Hints: Hints{Format: types.ModelFormat(f.name)}}
}

func TestRegistrySelectPriority(t *testing.T) {
	fs := afero.NewMemMapFs()
	testutil.WriteFile(t, fs, "/x.bin", []byte("x"))
	cases := []struct {
		name    string
		readers []Reader
		want    string
	}{
		{"confidence wins", []Reader{
			fakeReader{"ext", KindExtension, ConfidenceMedium},
			fakeReader{"magic", KindMagic, ConfidenceLow},
		}, "ext"},
		{"kind breaks ties", []Reader{
			fakeReader{"ext", KindExtension, ConfidenceHigh},
			fakeReader{"sniffed", KindSniffed, ConfidenceHigh},
			fakeReader{"magic", KindMagic, ConfidenceHigh},
		}, "magic"},
		{"order breaks remaining ties", []Reader{
			fakeReader{"first", KindMagic, ConfidenceHigh},
			fakeReader{"second", KindMagic, ConfidenceHigh},
		}, "first"},
		{"non matches ignored", []Reader{
			fakeReader{"none", KindBundle, ConfidenceNone},
			fakeReader{"ext", KindExtension, ConfidenceLow},
		}, "ext"},
	}
	for _, tc := range cases {
		reg := NewRegistry(fs, Limits{}, zerolog.Nop(), tc.readers...)
		m, ok := reg.Select("/x.bin")
		if !ok || m.Reader != tc.want {
			t.Fatalf("%s: selected %q (ok=%v), want %q", tc.name, m.Reader, ok, tc.want)
		}
	}
	reg := NewRegistry(fs, Limits{}, zerolog.Nop(), fakeReader{"none", KindMagic, ConfidenceNone})
	if _, ok := reg.Select("/x.bin"); ok {
		t.Fatalf("expected no selection")
	}
}

func TestRegistryAttachesSidecarDeclaration(t *testing.T) {
	fs := afero.NewMemMapFs()
	testutil.WriteFile(t, fs, "/m/model.safetensors", testutil.Safetensors(sd1Tensors, nil))
	testutil.WriteFile(t, fs, "/m/model.yaml", []byte("name: My Model\nbase: sd-1\n"))
	testutil.WriteFile(t, fs, "/m/other.safetensors", testutil.Safetensors(sd1Tensors, nil))
	testutil.WriteFile(t, fs, "/m/other.yaml", []byte("base: not-a-base\n"))

	reg := NewRegistry(fs, Limits{}, zerolog.Nop())
	if len(reg.Readers()) != 5 {
		t.Fatalf("default readers = %d", len(reg.Readers()))
	}
	m, ok := reg.Select("/m/model.safetensors")
	if !ok || m.Reader != "safetensors" {
		t.Fatalf("select: %+v %v", m, ok)
	}
	if m.Hints.Declared == nil || m.Hints.Declared.Name != "My Model" {
		t.Fatalf("sidecar not attached: %+v", m.Hints.Declared)
	}
	m, ok = reg.Select("/m/other.safetensors")
	if !ok || m.Hints.Declared != nil {
		t.Fatalf("ill-formed sidecar should be ignored: %+v", m.Hints.Declared)
	}
}
