package providers

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// maxInflated caps what a single ".gz" object may expand to.
const maxInflated = 2 << 30

func gzipped(remotePath string) bool {
	return strings.HasSuffix(remotePath, ".gz")
}

// writeAtomic creates dst via a sibling temp file filled by fill, so readers
// never see a partial file and a failed transfer leaves nothing behind.
func writeAtomic(dst string, fill func(w io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(dst), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", dst, err)
	}
	err = fill(tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", dst, err)
	}
	return nil
}

// transcode copies src to dst, deflating when pack is set and inflating
// when unpack is set.
func transcode(dst, src string, pack, unpack bool) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}

	var r io.Reader = in
	if unpack {
		zr, err := gzip.NewReader(in)
		if err != nil {
			return fmt.Errorf("read %s: %w", src, err)
		}
		defer zr.Close()
		r = io.LimitReader(zr, maxInflated)
	}

	err = writeAtomic(dst, func(w io.Writer) error {
		if !pack {
			_, err := io.Copy(w, r)
			return err
		}
		zw := gzip.NewWriter(w)
		zw.Name = filepath.Base(src)
		zw.ModTime = info.ModTime()
		if _, err := io.Copy(zw, r); err != nil {
			return err
		}
		return zw.Close()
	})
	if err != nil || pack || unpack {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

func copyFile(src, dst string) error       { return transcode(dst, src, false, false) }
func compressFile(src, dst string) error   { return transcode(dst, src, true, false) }
func decompressFile(src, dst string) error { return transcode(dst, src, false, true) }

// openForUpload opens the bytes to send for remotePath: the file itself, or
// a gzip copy staged in the temp dir for ".gz" keys. release closes and
// removes whatever was opened.
func openForUpload(localPath, remotePath string) (f *os.File, release func(), err error) {
	path, cleanup := localPath, func() {}
	if gzipped(remotePath) {
		dir, err := os.MkdirTemp("", "breeze-mirror-*")
		if err != nil {
			return nil, nil, fmt.Errorf("stage upload: %w", err)
		}
		cleanup = func() { os.RemoveAll(dir) }
		path = filepath.Join(dir, filepath.Base(remotePath))
		if err := compressFile(localPath, path); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	if f, err = os.Open(path); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("open upload source: %w", err)
	}
	return f, func() { f.Close(); cleanup() }, nil
}

// downloadVia lets fetch write the raw object into a staging file, then
// moves (or inflates) it into localPath.
func downloadVia(remotePath, localPath string, fetch func(*os.File) error) error {
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(localPath), err)
	}
	staged, err := os.CreateTemp(filepath.Dir(localPath), ".mirror-*")
	if err != nil {
		return fmt.Errorf("stage download: %w", err)
	}
	defer os.Remove(staged.Name())

	err = fetch(staged)
	if cerr := staged.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if gzipped(remotePath) {
		return decompressFile(staged.Name(), localPath)
	}
	return os.Rename(staged.Name(), localPath)
}
