// Package identity derives content identifiers for model artifacts.
package identity

import (
	"context"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/afero"
)

// Mode selects how much of each file is hashed.
type Mode string

const (
	// ModeSampled hashes the size and three fixed windows of each file.
	ModeSampled Mode = "sampled"
	// ModeFull hashes every byte.
	ModeFull Mode = "full"
)

// DefaultSampleBytes is the size of each sampled window.
const DefaultSampleBytes = 1 << 20

// Options configure a Hasher. Zero values select sha256 in sampled mode.
type Options struct {
	Algorithm   digest.Algorithm
	Mode        Mode
	SampleBytes int64
}

// Hasher computes digests through an afero filesystem.
type Hasher struct {
	fs   afero.Fs
	opts Options
}

// New validates opts and returns a Hasher.
func New(fs afero.Fs, opts Options) (*Hasher, error) {
	if opts.Algorithm == "" {
		opts.Algorithm = digest.SHA256
	}
	if !opts.Algorithm.Available() {
		return nil, fmt.Errorf("hash algorithm %q not available", opts.Algorithm)
	}
	switch opts.Mode {
	case "":
		opts.Mode = ModeSampled
	case ModeSampled, ModeFull:
	default:
		return nil, fmt.Errorf("unknown hash mode %q", opts.Mode)
	}
	if opts.SampleBytes <= 0 {
		opts.SampleBytes = DefaultSampleBytes
	}
	return &Hasher{fs: fs, opts: opts}, nil
}

// Digest returns the identifier of a file or a bundle directory. A
// directory digest covers the sorted relative paths and digests of every
// regular file beneath it, including files reached through a symlink.
func (h *Hasher) Digest(ctx context.Context, path string) (digest.Digest, error) {
	st, err := h.fs.Stat(path)
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		return h.file(ctx, path)
	}
	d := h.opts.Algorithm.Digester()
	err = afero.Walk(h.fs, path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			// Snapshot layouts link every file into a blob store.
			target, err := h.fs.Stat(p)
			if err != nil {
				return nil
			}
			info = target
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		fd, err := h.file(ctx, p)
		if err != nil {
			return err
		}
		fmt.Fprintf(d.Hash(), "%s\x00%s\n", filepath.ToSlash(rel), fd)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return d.Digest(), nil
}

func (h *Hasher) file(ctx context.Context, path string) (digest.Digest, error) {
	f, err := h.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := st.Size()
	d := h.opts.Algorithm.Digester()

	n := h.opts.SampleBytes
	if h.opts.Mode == ModeFull || size <= 3*n {
		if _, err := io.Copy(d.Hash(), ctxReader{ctx, f}); err != nil {
			return "", err
		}
		return d.Digest(), nil
	}

	var sz [8]byte
	binary.LittleEndian.PutUint64(sz[:], uint64(size))
	d.Hash().Write(sz[:])
	for _, off := range []int64{0, size/2 - n/2, size - n} {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if _, err := io.Copy(d.Hash(), io.NewSectionReader(f, off, n)); err != nil {
			return "", err
		}
	}
	return d.Digest(), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// namespace scopes catalog keys to this project.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://modelprobe/catalog"))

// Key derives the deterministic catalog key for a digest.
func Key(d digest.Digest) string {
	return uuid.NewSHA1(namespace, []byte(d.String())).String()
}

// ParseAlgorithm accepts "sha256", "sha384" or "sha512".
func ParseAlgorithm(s string) (digest.Algorithm, error) {
	a := digest.Algorithm(strings.ToLower(s))
	if !a.Available() {
		return "", fmt.Errorf("unknown hash algorithm %q", s)
	}
	return a, nil
}
