package mirror

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/pypimirror/pypimirror/pkg/errors"
	"github.com/pypimirror/pypimirror/pkg/pypi"
	"github.com/pypimirror/pypimirror/pkg/upstream"
)

// VerifyOptions control a verification pass.
type VerifyOptions struct {
	// DryRun reports repairs without making them.
	DryRun bool

	// DeleteUnowned removes release files no stored metadata references.
	DeleteUnowned bool
}

// Verify audits the replica against the upstream: it refreshes every stored
// metadata document, re-downloads corrupt or missing release files, removes
// packages deleted upstream, and optionally sweeps out unreferenced blobs.
func (m *Mirror) Verify(ctx context.Context, opts VerifyOptions) error {
	release, err := m.storage.Lock(lockPath, lockTimeout)
	if err != nil {
		if _, held := errors.RootCause(err).(errors.LockHeld); held {
			return errors.NewFriendlyError("Another process is using this "+
				"mirror (lock %q is held).", lockPath)
		}
		return errors.WithContext(err, "acquire mirror lock")
	}
	defer release()

	names, err := m.storage.List(jsonDir)
	if err != nil {
		if _, notFound := errors.RootCause(err).(errors.FileNotFound); notFound {
			log.Info("Mirror holds no packages. Nothing to verify.")
			return nil
		}
		return errors.WithContext(err, "list stored packages")
	}

	owned := map[string]bool{}
	failed := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !m.storage.IsFile(jsonDir + "/" + name) {
			continue
		}

		blobs, err := m.verifyPackage(ctx, name, opts)
		if err != nil {
			log.WithError(err).WithField("package", name).Error(
				"Failed to verify package")
			failed++
			// Keep its current blobs owned so a transient failure
			// doesn't feed the unowned sweep.
			blobs, _ = m.storedBlobPaths(name)
		}
		for _, blob := range blobs {
			owned[blob] = true
		}
	}

	if opts.DeleteUnowned {
		if err := m.sweepUnowned(owned, opts.DryRun); err != nil {
			return errors.WithContext(err, "sweep unowned files")
		}
	}

	if failed > 0 {
		return errors.Errorf("%d packages failed verification", failed)
	}
	if !opts.DryRun {
		return m.writeGlobalIndex()
	}
	return nil
}

// verifyPackage refreshes one package from the upstream and repairs its
// artifacts. It returns the blob paths the package owns after verification.
func (m *Mirror) verifyPackage(ctx context.Context, name string, opts VerifyOptions) ([]string, error) {
	pkg := pypi.NewPackage(name, 0)
	logger := log.WithField("package", pkg.Name)

	var metadata pypi.Metadata
	err := upstream.WithStaleRetry(m.clock, func() error {
		var err error
		metadata, err = m.upstream.Package(ctx, pkg.Name, 0)
		return err
	})
	if err != nil {
		if _, gone := errors.RootCause(err).(errors.PackageNotFound); gone {
			logger.Info("Package no longer exists upstream. Removing it.")
			if opts.DryRun {
				return nil, nil
			}
			return nil, m.removePackage(pkg, false)
		}
		return nil, errors.WithContext(err, "fetch metadata")
	}
	pkg.Metadata = metadata
	pkg.Serial = metadata.LastSerial

	// Verification deliberately bypasses the filter pipeline: it restores
	// what the upstream declares, and the next sync run re-applies policy.
	var blobs []string
	for _, file := range pkg.ReleaseFiles() {
		path, err := pypi.BlobPath(file.URL)
		if err != nil {
			continue
		}
		blobs = append(blobs, path)

		upToDate := false
		if m.storage.Exists(path) {
			upToDate, err = m.fileUpToDate(path, file)
			if err != nil {
				return blobs, errors.WithContext(err, "compare "+path)
			}
		}
		if upToDate {
			continue
		}

		if opts.DryRun {
			logger.WithField("path", path).Info("Would re-download")
			continue
		}
		logger.WithField("file", file.Filename).Info("Repairing release file.")
		if err := m.syncFile(ctx, pkg, file); err != nil {
			return blobs, errors.WithContext(err, "repair "+path)
		}
	}

	if opts.DryRun {
		return blobs, nil
	}
	if err := m.writePackageIndexes(pkg); err != nil {
		return blobs, errors.WithContext(err, "refresh index pages")
	}
	return blobs, nil
}

// sweepUnowned walks the package blob tree and removes every file no stored
// metadata document claims.
func (m *Mirror) sweepUnowned(owned map[string]bool, dryRun bool) error {
	if !m.storage.Exists(packagesDir) {
		return nil
	}

	return m.storage.Walk(packagesDir, func(path string, size int64) error {
		if owned[path] {
			return nil
		}
		if dryRun {
			log.WithFields(log.Fields{"path": path, "size": size}).Info(
				"Would delete unowned file")
			return nil
		}
		log.WithField("path", path).Info("Deleting unowned file.")
		return m.storage.Delete(path)
	})
}
