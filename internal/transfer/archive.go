package transfer

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	ErrArchive     = errors.New("transfer: archive failed")
	ErrUnsafeEntry = errors.New("transfer: archive entry escapes destination")
)

// newCompressor is swapped in tests.
var newCompressor = NewCompressor

// ArchiveName is <session>_<node>.tar.<ext>.
func ArchiveName(sessionID, nodeID string, c Codec) string {
	return fmt.Sprintf("%s_%s.tar.%s", sessionID, nodeID, c.Ext())
}

// Archive describes a packed session on disk.
type Archive struct {
	Path      string
	Filename  string
	SizeBytes int64
	Files     int
}

// Pack streams srcDir into outDir/name as a compressed tar. Entries are
// rooted at the base name of srcDir. Files are copied one at a time, so
// memory use does not grow with session size.
func Pack(ctx context.Context, srcDir, outDir, name string, c Codec) (Archive, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Archive{}, fmt.Errorf("%w: %w", ErrArchive, err)
	}
	tmp, err := os.CreateTemp(outDir, ".pack-*")
	if err != nil {
		return Archive{}, fmt.Errorf("%w: %w", ErrArchive, err)
	}
	tmpName := tmp.Name()
	var zw io.WriteCloser
	fail := func(err error) (Archive, error) {
		if zw != nil {
			zw.Close()
		}
		tmp.Close()
		os.Remove(tmpName)
		return Archive{}, fmt.Errorf("%w: %w", ErrArchive, err)
	}

	zw, err = newCompressor(tmp, c)
	if err != nil {
		return fail(err)
	}
	tw := tar.NewWriter(zw)
	root := filepath.Base(filepath.Clean(srcDir))
	files := 0
	walkErr := filepath.WalkDir(srcDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = path.Join(root, filepath.ToSlash(rel))
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		_, err = io.Copy(tw, f)
		f.Close()
		if err != nil {
			return err
		}
		files++
		return nil
	})
	if walkErr != nil {
		return fail(walkErr)
	}
	if err := tw.Close(); err != nil {
		return fail(err)
	}
	err = zw.Close()
	zw = nil
	if err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	st, err := tmp.Stat()
	if err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return Archive{}, fmt.Errorf("%w: %w", ErrArchive, err)
	}
	final := filepath.Join(outDir, name)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return Archive{}, fmt.Errorf("%w: %w", ErrArchive, err)
	}
	log.Debug().Str("archive", final).Int64("bytes", st.Size()).Int("files", files).Msg("transfer.Pack archive written")
	return Archive{Path: final, Filename: name, SizeBytes: st.Size(), Files: files}, nil
}

// Unpack extracts an archive into destDir and returns the extracted file
// paths relative to destDir.
func Unpack(archivePath, destDir string) ([]string, error) {
	c, err := CodecForName(archivePath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	zr, err := NewDecompressor(f, c)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	var out []string
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("%w: %w", ErrArchive, err)
		}
		clean := path.Clean(hdr.Name)
		if path.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, "../") {
			return out, fmt.Errorf("%w: %q", ErrUnsafeEntry, hdr.Name)
		}
		target := filepath.Join(destDir, filepath.FromSlash(clean))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return out, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return out, err
			}
			w, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return out, err
			}
			_, err = io.Copy(w, tr)
			if cerr := w.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return out, err
			}
			out = append(out, filepath.ToSlash(clean))
		}
	}
}
