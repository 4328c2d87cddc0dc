// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package pkgstore

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"golang.org/x/crypto/blake2b"
)

// ArchiveKind classifies a file by how it is materialized.
type ArchiveKind int

// Archive kinds recognized by the store.
const (
	ArchiveNone ArchiveKind = iota
	// ArchiveKeg is a zip container with zstd-compressed entries.
	ArchiveKeg
	// ArchiveZip is a plain zip container.
	ArchiveZip
)

// String returns a readable name for the kind.
func (k ArchiveKind) String() string {
	switch k {
	case ArchiveKeg:
		return "keg"
	case ArchiveZip:
		return "zip"
	default:
		return "none"
	}
}

// ClassifyArchive returns the archive kind for path based on its extension.
func ClassifyArchive(path string) ArchiveKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ArchiveExt:
		return ArchiveKeg
	case ".zip":
		return ArchiveZip
	default:
		return ArchiveNone
	}
}

// DefaultCacheDirName is the cache directory created next to an archive when
// the store has no cache dir configured.
const DefaultCacheDirName = ".keg-cache"

// cacheDirFor returns the deterministic cache directory for an archive at the
// absolute path abs.
func (s *Store) cacheDirFor(abs string) string {
	root := s.cacheDir
	if root == "" {
		root = filepath.Join(filepath.Dir(abs), DefaultCacheDirName)
	}
	stem := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	sum := blake2b.Sum256([]byte(abs))
	return filepath.Join(root, stem+"-"+hex.EncodeToString(sum[:8]))
}

// materialize returns the cache directory for the archive at path, extracting
// it on first use.
func (s *Store) materialize(ctx context.Context, path string, kind ArchiveKind) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", oops.Code(CodeArchiveError).With("path", path).Wrap(err)
	}
	dest := s.cacheDirFor(abs)
	if isDir(dest) {
		return dest, nil
	}

	_, err, _ = s.extractions.Do(dest, func() (any, error) {
		return nil, s.extract(ctx, abs, kind, dest)
	})
	if err != nil {
		s.metrics.RecordExtraction("error")
		return "", err
	}
	return dest, nil
}

// extract unpacks the archive into a uniquely named sibling of dest and
// renames it into place. A half-extracted tree is never visible under dest.
func (s *Store) extract(ctx context.Context, abs string, kind ArchiveKind, dest string) error {
	if isDir(dest) {
		return nil
	}

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o750); err != nil {
		return oops.Code(CodeArchiveError).With("path", abs).Wrapf(err, "create cache dir")
	}
	prefix := stagingPrefix(dest)
	s.sweepStaging(parent, prefix, time.Now())
	tmp := filepath.Join(parent, prefix+ulid.Make().String())
	if err := os.Mkdir(tmp, 0o750); err != nil {
		return oops.Code(CodeArchiveError).With("path", abs).Wrapf(err, "create staging dir")
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	start := time.Now()
	n, err := unpack(abs, tmp)
	if err != nil {
		return oops.Code(CodeArchiveError).With("path", abs).With("kind", kind.String()).Wrap(err)
	}

	backoff := retry.WithMaxRetries(3, retry.NewExponential(10*time.Millisecond))
	err = retry.Do(ctx, backoff, func(_ context.Context) error {
		rerr := os.Rename(tmp, dest)
		if rerr == nil || isDir(dest) {
			return nil
		}
		return retry.RetryableError(rerr)
	})
	if err != nil {
		return oops.Code(CodeArchiveError).With("path", abs).Wrapf(err, "publish extracted package")
	}

	s.metrics.RecordExtraction("extracted")
	s.logger.Info("package archive extracted",
		"archive", abs,
		"kind", kind.String(),
		"dir", dest,
		"files", n,
		"duration", time.Since(start))
	return nil
}

// StaleStagingAge is how old a staging directory must be before extraction
// treats it as abandoned by a crashed process and removes it.
const StaleStagingAge = 15 * time.Minute

func stagingPrefix(dest string) string {
	return "." + filepath.Base(dest) + ".tmp-"
}

// sweepStaging removes staging directories for the same destination whose
// ULID suffix is older than StaleStagingAge. Entries it cannot date are left
// alone.
func (s *Store) sweepStaging(parent, prefix string, now time.Time) {
	entries, err := os.ReadDir(parent)
	if err != nil {
		return
	}
	for _, e := range entries {
		suffix, ok := strings.CutPrefix(e.Name(), prefix)
		if !ok || !e.IsDir() {
			continue
		}
		id, err := ulid.ParseStrict(suffix)
		if err != nil || now.Sub(ulid.Time(id.Time())) < StaleStagingAge {
			continue
		}
		path := filepath.Join(parent, e.Name())
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("failed to remove stale staging dir", "dir", path, "error", err)
			continue
		}
		s.logger.Debug("removed stale staging dir", "dir", path)
	}
}

// unpack writes every entry of the archive at src below dir and returns the
// number of files written.
func unpack(src, dir string) (int, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return 0, oops.Wrapf(err, "open archive")
	}
	defer func() { _ = r.Close() }()
	r.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	files := 0
	for _, f := range r.File {
		name := filepath.FromSlash(strings.TrimSuffix(f.Name, "/"))
		if name == "" || !filepath.IsLocal(name) {
			return files, oops.With("entry", f.Name).Errorf("archive entry escapes the package root")
		}
		target := filepath.Join(dir, name)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return files, oops.With("entry", f.Name).Wrap(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return files, oops.With("entry", f.Name).Wrap(err)
		}
		if err := writeEntry(f, target); err != nil {
			return files, oops.With("entry", f.Name).Wrap(err)
		}
		files++
	}
	return files, nil
}

func writeEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode) //nolint:gosec // target is checked to be local to the staging dir
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil { //nolint:gosec // archives are produced by the build tool
		_ = out.Close()
		return err
	}
	return out.Close()
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func isFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// WriteArchive writes files, given as slash-separated paths relative to root,
// into a keg archive on w using zstd at its highest compression level.
func WriteArchive(w io.Writer, root string, files []string) error {
	zw := zip.NewWriter(w)
	zw.RegisterCompressor(zstd.ZipMethodWinZip,
		zstd.ZipCompressor(zstd.WithEncoderLevel(zstd.SpeedBestCompression)))

	for _, rel := range files {
		if err := addEntry(zw, root, rel); err != nil {
			_ = zw.Close()
			return oops.Code(CodeArchiveError).With("entry", rel).Wrap(err)
		}
	}
	if err := zw.Close(); err != nil {
		return oops.Code(CodeArchiveError).Wrapf(err, "finish archive")
	}
	return nil
}

func addEntry(zw *zip.Writer, root, rel string) error {
	path := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = rel
	hdr.Method = zstd.ZipMethodWinZip

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	src, err := os.Open(path) //nolint:gosec // path is built from a walked package tree
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()
	_, err = io.Copy(dst, src)
	return err
}
