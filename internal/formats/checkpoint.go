package formats

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"

	"modelprobe/internal/formats/pickle"
	"modelprobe/pkg/types"
)

var (
	zipMagic = []byte("PK\x03\x04")
	// Legacy torch.save writes this LONG1 integer as its first pickle.
	legacyTorchMagic = []byte{0x80, 0x02, 0x8a, 0x0a, 0x6c, 0xfc, 0x9c, 0x46, 0xf9, 0x20, 0x6a, 0xa8, 0x50, 0x19}
)

// CheckpointReader recognises PyTorch checkpoints: the zip layout written
// by torch.save since 1.6 and the older sequence-of-pickles layout. The
// pickle stream is interpreted without executing anything.
type CheckpointReader struct {
	fs  afero.Fs
	lim Limits
}

func NewCheckpointReader(fs afero.Fs, lim Limits) *CheckpointReader {
	return &CheckpointReader{fs: fs, lim: lim.withDefaults()}
}

func (r *CheckpointReader) Name() string { return "checkpoint" }
func (r *CheckpointReader) Kind() Kind   { return KindSniffed }

func (r *CheckpointReader) Sniff(path string) Match {
	f, size, reason := openFile(r.fs, path)
	if f == nil {
		return noMatch(r.Name(), r.Kind(), reason)
	}
	defer f.Close()

	head := make([]byte, len(legacyTorchMagic))
	n, _ := io.ReadFull(f, head)
	head = head[:n]

	var (
		tensors map[string]pickle.TensorInfo
		err     error
		conf    = ConfidenceHigh
	)
	switch {
	case bytes.HasPrefix(head, zipMagic):
		tensors, err = r.readZip(f, size)
	case bytes.Equal(head, legacyTorchMagic):
		tensors, err = r.readLegacy(f)
	case len(head) > 1 && head[0] == 0x80 && head[1] <= 5:
		// A bare pickled dict; plausible but unsigned.
		tensors, err = r.readPickle(f)
		conf = ConfidenceMedium
	default:
		return noMatch(r.Name(), r.Kind(), "no zip or pickle signature")
	}
	if err != nil {
		return noMatch(r.Name(), r.Kind(), err.Error())
	}
	out := make(map[string]Tensor, len(tensors))
	for k, t := range tensors {
		out[k] = Tensor{DType: t.DType, Shape: t.Shape}
	}
	return Match{
		Matched:    true,
		Confidence: conf,
		Hints: Hints{
			Format:    types.FormatCheckpoint,
			Tensors:   out,
			Precision: majorityPrecision(out),
		},
	}
}

func (r *CheckpointReader) readZip(f afero.File, size int64) (map[string]pickle.TensorInfo, error) {
	zr, err := zip.NewReader(f, size)
	if err != nil {
		return nil, fmt.Errorf("zip: %w", err)
	}
	var entry *zip.File
	for _, zf := range zr.File {
		if zf.Name == "data.pkl" || strings.HasSuffix(zf.Name, "/data.pkl") {
			entry = zf
			break
		}
	}
	if entry == nil {
		return nil, errors.New("zip has no data.pkl")
	}
	if entry.UncompressedSize64 > uint64(r.lim.MaxPickleBytes) {
		return nil, fmt.Errorf("data.pkl is %d bytes, limit %d", entry.UncompressedSize64, r.lim.MaxPickleBytes)
	}
	rc, err := entry.Open()
	if err != nil {
		return nil, fmt.Errorf("open data.pkl: %w", err)
	}
	defer rc.Close()
	v, err := pickle.Decode(io.LimitReader(rc, r.lim.MaxPickleBytes))
	if err != nil {
		return nil, err
	}
	return pickle.StateDict(v)
}

// readLegacy skips the magic number, protocol version and system info
// pickles and decodes the object that follows them.
func (r *CheckpointReader) readLegacy(f afero.File) (map[string]pickle.TensorInfo, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	dec := pickle.NewDecoder(io.LimitReader(f, r.lim.MaxPickleBytes), 0)
	for i := 0; i < 3; i++ {
		if _, err := dec.Decode(); err != nil {
			return nil, fmt.Errorf("legacy preamble: %w", err)
		}
	}
	v, err := dec.Decode()
	if err != nil {
		return nil, err
	}
	return pickle.StateDict(v)
}

func (r *CheckpointReader) readPickle(f afero.File) (map[string]pickle.TensorInfo, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	v, err := pickle.Decode(io.LimitReader(f, r.lim.MaxPickleBytes))
	if err != nil {
		return nil, err
	}
	return pickle.StateDict(v)
}
