package formats

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"modelprobe/pkg/types"
)

// Layout names the kind of directory bundle a reader recognised.
type Layout string

const (
	LayoutPipeline        Layout = "pipeline"
	LayoutComponent       Layout = "component"
	LayoutLoRAFolder      Layout = "lora_folder"
	LayoutEmbeddingFolder Layout = "embedding_folder"
	LayoutIPAdapterFolder Layout = "ip_adapter_folder"
	LayoutDeclared        Layout = "declared"
)

// Config fields copied from component configs. Everything else is dropped.
var configFields = []string{
	"_class_name", "cross_attention_dim", "in_channels", "out_channels",
	"latent_channels", "sample_size", "addition_embed_type", "projection_dim",
	"hidden_size", "d_model", "joint_attention_dim", "pooled_projection_dim",
	"num_layers", "adapter_type", "model_type", "scaling_factor",
}

// BundleReader recognises directory bundles from their manifests. Weight
// files inside a folder layout are inspected with the single-file readers.
type BundleReader struct {
	fs  afero.Fs
	lim Limits
	st  *SafetensorsReader
	ck  *CheckpointReader
}

func NewBundleReader(fs afero.Fs, lim Limits, st *SafetensorsReader, ck *CheckpointReader) *BundleReader {
	lim = lim.withDefaults()
	if st == nil {
		st = NewSafetensorsReader(fs, lim)
	}
	if ck == nil {
		ck = NewCheckpointReader(fs, lim)
	}
	return &BundleReader{fs: fs, lim: lim, st: st, ck: ck}
}

func (r *BundleReader) Name() string { return "bundle" }
func (r *BundleReader) Kind() Kind   { return KindBundle }

// IsBundle reports whether dir carries any manifest this reader knows.
func (r *BundleReader) IsBundle(dir string) bool {
	return r.Sniff(dir).Matched
}

func (r *BundleReader) Sniff(dir string) Match {
	st, err := r.fs.Stat(dir)
	if err != nil {
		return noMatch(r.Name(), r.Kind(), "stat: "+err.Error())
	}
	if !st.IsDir() {
		return noMatch(r.Name(), r.Kind(), "not a directory")
	}

	decl, _, declErr := bundleDeclaration(r.fs, dir, r.lim.MaxManifestBytes)
	h, ok, err := r.layout(dir)
	var reason string
	if err != nil {
		if decl == nil {
			return noMatch(r.Name(), r.Kind(), err.Error())
		}
		// A well-formed declaration stands on its own.
		reason = "layout ignored: " + err.Error()
		h, ok = Hints{}, false
	}
	if !ok {
		if decl == nil {
			reason := "no bundle manifest"
			if declErr != nil {
				reason = "declaration: " + declErr.Error()
			}
			return noMatch(r.Name(), r.Kind(), reason)
		}
		h = Hints{Layout: LayoutDeclared}
	}
	h.Format = types.FormatDiffusers
	h.Declared = decl
	if decl != nil && len(decl.SubModels) > 0 && len(h.Components) == 0 {
		h.Components = make(map[types.SubModelType]string, len(decl.SubModels))
		for name, rel := range decl.SubModels {
			h.Components[types.SubModelType(name)] = filepath.ToSlash(rel)
		}
	}
	return Match{Matched: true, Confidence: ConfidenceHigh, Hints: h, Reason: reason}
}

func (r *BundleReader) layout(dir string) (Hints, bool, error) {
	if r.isFile(filepath.Join(dir, "model_index.json")) {
		h, err := r.pipeline(dir)
		return h, err == nil, err
	}
	if r.isFile(filepath.Join(dir, "config.json")) {
		h, err := r.component(dir)
		if err == nil {
			return h, true, nil
		}
		if !errors.Is(err, errNoClass) {
			return Hints{}, false, err
		}
	}
	folders := []struct {
		layout Layout
		files  []string
	}{
		{LayoutLoRAFolder, []string{"pytorch_lora_weights.safetensors", "pytorch_lora_weights.bin"}},
		{LayoutEmbeddingFolder, []string{"learned_embeds.safetensors", "learned_embeds.bin"}},
		{LayoutIPAdapterFolder, []string{"ip_adapter.safetensors", "ip_adapter.bin"}},
	}
	for _, fl := range folders {
		for _, name := range fl.files {
			p := filepath.Join(dir, name)
			if !r.isFile(p) {
				continue
			}
			m := r.weights(p)
			if !m.Matched {
				return Hints{}, false, fmt.Errorf("%s: %s", name, m.Reason)
			}
			h := m.Hints
			h.Layout = fl.layout
			if fl.layout == LayoutIPAdapterFolder {
				if enc, err := r.readSmall(filepath.Join(dir, "image_encoder.txt")); err == nil {
					if h.Metadata == nil {
						h.Metadata = map[string]string{}
					}
					h.Metadata["image_encoder"] = strings.TrimSpace(string(enc))
				}
			}
			return h, true, nil
		}
	}
	return Hints{}, false, nil
}

func (r *BundleReader) pipeline(dir string) (Hints, error) {
	index, err := r.readJSON(filepath.Join(dir, "model_index.json"))
	if err != nil {
		return Hints{}, fmt.Errorf("model_index.json: %w", err)
	}
	cls, _ := index["_class_name"].(string)
	if cls == "" {
		return Hints{}, errors.New("model_index.json has no _class_name")
	}
	h := Hints{Layout: LayoutPipeline, ClassName: cls, Components: map[types.SubModelType]string{}}
	for key, v := range index {
		pair, ok := v.([]any)
		if !ok || len(pair) != 2 || pair[0] == nil || pair[1] == nil {
			continue
		}
		sub := types.SubModelType(key)
		if !sub.IsValid() || !r.isDir(filepath.Join(dir, key)) {
			continue
		}
		h.Components[sub] = key
	}
	if sched, err := r.readJSON(filepath.Join(dir, "scheduler", "scheduler_config.json")); err == nil {
		h.SchedulerPrediction, _ = sched["prediction_type"].(string)
	}
	for _, denoiser := range []string{"unet", "transformer"} {
		cfg, err := r.readJSON(filepath.Join(dir, denoiser, "config.json"))
		if err != nil {
			continue
		}
		h.Config = pick(cfg)
		if m := r.weights(r.firstFile(filepath.Join(dir, denoiser), diffusersWeights...)); m.Matched {
			h.Precision = m.Hints.Precision
		}
		break
	}
	return h, nil
}

var diffusersWeights = []string{
	"diffusion_pytorch_model.safetensors",
	"diffusion_pytorch_model.fp16.safetensors",
	"model.safetensors",
	"model.fp16.safetensors",
}

var errNoClass = errors.New("config.json names no class")

func (r *BundleReader) component(dir string) (Hints, error) {
	cfg, err := r.readJSON(filepath.Join(dir, "config.json"))
	if err != nil {
		return Hints{}, fmt.Errorf("config.json: %w", err)
	}
	cls, _ := cfg["_class_name"].(string)
	if cls == "" {
		if archs, ok := cfg["architectures"].([]any); ok && len(archs) > 0 {
			cls, _ = archs[0].(string)
		}
	}
	if cls == "" {
		return Hints{}, errNoClass
	}
	h := Hints{Layout: LayoutComponent, ClassName: cls, Config: pick(cfg)}
	if m := r.weights(r.firstFile(dir, diffusersWeights...)); m.Matched {
		h.Precision = m.Hints.Precision
		h.Tensors = m.Hints.Tensors
	}
	return h, nil
}

func (r *BundleReader) weights(p string) Match {
	if p == "" {
		return Match{}
	}
	if hasExt(p, ".safetensors") {
		return r.st.Sniff(p)
	}
	return r.ck.Sniff(p)
}

func (r *BundleReader) firstFile(dir string, names ...string) string {
	for _, n := range names {
		if p := filepath.Join(dir, n); r.isFile(p) {
			return p
		}
	}
	return ""
}

func (r *BundleReader) isFile(p string) bool {
	st, err := r.fs.Stat(p)
	return err == nil && !st.IsDir()
}

func (r *BundleReader) isDir(p string) bool {
	st, err := r.fs.Stat(p)
	return err == nil && st.IsDir()
}

func (r *BundleReader) readSmall(p string) ([]byte, error) {
	f, err := r.fs.Open(p)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	b, err := io.ReadAll(io.LimitReader(f, r.lim.MaxManifestBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > r.lim.MaxManifestBytes {
		return nil, fmt.Errorf("%s larger than %d bytes", filepath.Base(p), r.lim.MaxManifestBytes)
	}
	return b, nil
}

func (r *BundleReader) readJSON(p string) (map[string]any, error) {
	b, err := r.readSmall(p)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func pick(cfg map[string]any) map[string]any {
	out := make(map[string]any, len(configFields))
	for _, k := range configFields {
		if v, ok := cfg[k]; ok {
			out[k] = v
		}
	}
	return out
}
