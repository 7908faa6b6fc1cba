package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Sample represents a paired record from a WebDataset shard.
type Sample struct {
	Key   string
	Image []byte
	Label int
}

// ErrPendingOverflow indicates the pairing map exceeded the configured bound.
var ErrPendingOverflow = errors.New("webdataset: pending pair buffer exceeded")

const defaultPendingCap = 1024

// ReadShard calls fn for every image/label pair of the shard at path, in
// the order the pair completes inside the archive. An error from fn stops
// the read and is returned as is.
func ReadShard(ctx context.Context, path string, pendingCap int, fn func(Sample) error) error {
	if pendingCap <= 0 {
		pendingCap = defaultPendingCap
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	pending := make(map[string]*partial)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		key := strings.TrimSuffix(name, filepath.Ext(name))

		part := pending[key]
		switch ext {
		case ".jpg", ".jpeg", ".png":
			data, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("read image %s: %w", name, err)
			}
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			part.image = data
		case ".cls":
			payload, err := io.ReadAll(tr)
			if err != nil {
				return fmt.Errorf("read label %s: %w", name, err)
			}
			label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
			if err != nil {
				return fmt.Errorf("parse label %s: %w", name, err)
			}
			if part == nil {
				part = &partial{}
				pending[key] = part
			}
			part.label = &label
		default:
			continue
		}

		if len(pending) > pendingCap {
			return ErrPendingOverflow
		}

		if part.ready() {
			delete(pending, key)
			if err := fn(Sample{Key: key, Image: part.image, Label: *part.label}); err != nil {
				return err
			}
		}
	}

	if len(pending) > 0 {
		return fmt.Errorf("%s: %d samples incomplete", path, len(pending))
	}
	return nil
}

type partial struct {
	image []byte
	label *int
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.label != nil
}
