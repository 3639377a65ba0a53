package mirror

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/pypimirror/pypimirror/pkg/config"
	"github.com/pypimirror/pypimirror/pkg/errors"
	"github.com/pypimirror/pypimirror/pkg/index"
	"github.com/pypimirror/pypimirror/pkg/pypi"
	"github.com/pypimirror/pypimirror/pkg/storage"
	"github.com/pypimirror/pypimirror/pkg/upstream"
)

// syncPackage brings one package to at least the given serial: metadata
// fetch, filtering, blob downloads, and index page writes, in that order so
// pages never reference blobs that don't exist yet.
func (m *Mirror) syncPackage(ctx context.Context, name string, serial int64) error {
	pkg := pypi.NewPackage(name, serial)
	logger := log.WithFields(log.Fields{"package": pkg.Name, "serial": serial})

	var metadata pypi.Metadata
	err := upstream.WithStaleRetry(m.clock, func() error {
		var err error
		metadata, err = m.upstream.Package(ctx, pkg.Name, serial)
		return err
	})
	if err != nil {
		if _, gone := errors.RootCause(err).(errors.PackageNotFound); gone {
			logger.Info("Package was deleted upstream. Removing the local copy.")
			if err := m.removePackage(pkg, false); err != nil {
				return errors.WithContext(err, "remove deleted package")
			}
			m.noteAltered()
			m.finishPackage(name)
			return nil
		}
		return errors.WithContext(err, "fetch metadata")
	}
	pkg.Metadata = metadata

	// The metadata may already be newer than the changelog event that
	// queued this package. Record the serial we actually synced at.
	if metadata.LastSerial > pkg.Serial {
		pkg.Serial = metadata.LastSerial
	}

	if !m.filters.Apply(pkg) || pkg.Empty() {
		logger.Debug("Package fully filtered out. Skipping.")
		m.finishPackage(name)
		return nil
	}

	if err := m.syncFiles(ctx, pkg); err != nil {
		return errors.WithContext(err, "sync release files")
	}
	if err := m.writePackageIndexes(pkg); err != nil {
		return errors.WithContext(err, "write index pages")
	}

	m.noteAltered()
	m.finishPackage(name)
	logger.Debug("Package synced.")
	return nil
}

// syncFiles downloads every release file the filtered metadata references.
// Individual file failures don't abort the remaining downloads, but any
// failure fails the package as a whole.
func (m *Mirror) syncFiles(ctx context.Context, pkg *pypi.Package) error {
	failed := 0
	for _, file := range pkg.ReleaseFiles() {
		if err := m.syncFile(ctx, pkg, file); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"package": pkg.Name,
				"file":    file.Filename,
			}).Error("Failed to sync release file")
			failed++
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	if failed > 0 {
		return errors.Errorf("%d release files failed", failed)
	}
	return nil
}

func (m *Mirror) syncFile(ctx context.Context, pkg *pypi.Package, file pypi.ReleaseFile) error {
	path, err := pypi.BlobPath(file.URL)
	if err != nil {
		return errors.WithContext(err, "derive blob path")
	}

	if m.storage.Exists(path) {
		upToDate, err := m.fileUpToDate(path, file)
		if err != nil {
			return errors.WithContext(err, "compare existing blob")
		}
		if upToDate {
			return nil
		}
		log.WithFields(log.Fields{
			"package": pkg.Name,
			"file":    file.Filename,
		}).Info("Existing file differs from upstream. Re-downloading.")
	}

	expected := file.Digest(m.cfg.DigestName)
	err = m.storage.Rewrite(path, func(w io.Writer) error {
		hasher, err := storage.NewHasher(m.cfg.DigestName)
		if err != nil {
			return err
		}

		if _, err := m.upstream.DownloadFile(ctx, file.URL, io.MultiWriter(w, hasher)); err != nil {
			return errors.WithContext(err, "download")
		}

		// A digest mismatch aborts the rewrite, so corrupt bytes are
		// never published at the target path.
		actual := hex.EncodeToString(hasher.Sum(nil))
		if expected != "" && actual != expected {
			return errors.HashMismatch{
				Path:     path,
				Digest:   m.cfg.DigestName,
				Expected: expected,
				Actual:   actual,
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if !file.UploadTime.IsZero() {
		if err := m.storage.SetUploadTime(path, file.UploadTime); err != nil {
			// Purely advisory metadata. Losing it only degrades
			// staleness heuristics.
			log.WithError(err).WithField("path", path).Debug(
				"Failed to record upload time")
		}
	}
	return nil
}

// fileUpToDate reports whether an existing blob already matches the upstream
// declaration, per the configured comparison method.
func (m *Mirror) fileUpToDate(path string, file pypi.ReleaseFile) (bool, error) {
	if m.cfg.CompareMethod == config.CompareStat {
		size, err := m.storage.Size(path)
		if err != nil {
			return false, err
		}
		return size == file.Size, nil
	}

	expected := file.Digest(m.cfg.DigestName)
	if expected == "" {
		// Without a declared digest the size is the only signal left.
		size, err := m.storage.Size(path)
		if err != nil {
			return false, err
		}
		return size == file.Size, nil
	}

	actual, err := storage.Hash(m.storage, path, m.cfg.DigestName)
	if err != nil {
		return false, err
	}
	return actual == expected, nil
}

// writePackageIndexes publishes the package's metadata document and simple
// pages under every name variant.
func (m *Mirror) writePackageIndexes(pkg *pypi.Package) error {
	raw, err := json.Marshal(pkg.Metadata)
	if err != nil {
		return errors.WithContext(err, "encode metadata")
	}
	if _, err := m.storage.RewriteIfChanged(jsonDir+"/"+pkg.Name, raw); err != nil {
		return errors.WithContext(err, "write json metadata")
	}

	// Old clients fetch /pypi/<name>/json, mirroring the upstream URL
	// layout. Keep it as an alias of the canonical document.
	legacyPath := legacyJSONDir + "/" + pkg.Name + "/json"
	if err := m.storage.Link(jsonDir+"/"+pkg.Name, legacyPath); err != nil {
		return errors.WithContext(err, "write legacy json alias")
	}

	for _, dir := range m.simpleProjectDirs(pkg) {
		if err := m.writeSimpleDir(pkg, dir); err != nil {
			return errors.WithContext(err, fmt.Sprintf("write %s", dir))
		}
	}
	return nil
}

func (m *Mirror) writeSimpleDir(pkg *pypi.Package, dir string) error {
	opts := index.Options{
		DigestName:   m.cfg.DigestName,
		RootURI:      m.cfg.RootURI,
		RelativeRoot: relativeRoot(dir),
	}

	if m.cfg.SimpleFormat != config.SimpleFormatJSON {
		page := index.ProjectHTML(pkg, opts)
		if m.cfg.KeepIndexVersions > 0 {
			if err := m.archiveIndexVersion(dir, page); err != nil {
				return errors.WithContext(err, "archive index version")
			}
		} else if _, err := m.storage.RewriteIfChanged(dir+"/index.html", page); err != nil {
			return errors.WithContext(err, "write html page")
		}
	}

	if m.cfg.SimpleFormat != config.SimpleFormatHTML {
		page, err := index.ProjectJSON(pkg, opts)
		if err != nil {
			return errors.WithContext(err, "render json page")
		}
		if _, err := m.storage.RewriteIfChanged(dir+"/index.v1_json", page); err != nil {
			return errors.WithContext(err, "write json page")
		}
	}
	return nil
}

// archiveIndexVersion writes the page into a timestamped archive, prunes the
// archive down to the configured count, and points index.html at the newest
// copy.
func (m *Mirror) archiveIndexVersion(dir string, page []byte) error {
	versionsDir := dir + "/versions"
	name := fmt.Sprintf("index_%s.html",
		m.clock.Now().UTC().Format("2006-01-02T15-04-05.000000"))
	if _, err := m.storage.RewriteIfChanged(versionsDir+"/"+name, page); err != nil {
		return err
	}

	// The timestamp format sorts lexically, so List's order is also
	// chronological.
	entries, err := m.storage.List(versionsDir)
	if err != nil {
		return err
	}
	for len(entries) > m.cfg.KeepIndexVersions {
		if err := m.storage.Delete(versionsDir + "/" + entries[0]); err != nil {
			return err
		}
		entries = entries[1:]
	}

	return m.storage.Link(versionsDir+"/"+entries[len(entries)-1], dir+"/index.html")
}
