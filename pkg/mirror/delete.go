package mirror

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/pypimirror/pypimirror/pkg/errors"
	"github.com/pypimirror/pypimirror/pkg/pypi"
)

// DeletePackages removes the named packages from the replica: their index
// pages, metadata documents, and release files. With dryRun set it only
// reports what would be removed.
func (m *Mirror) DeletePackages(ctx context.Context, names []string, dryRun bool) error {
	release, err := m.storage.Lock(lockPath, lockTimeout)
	if err != nil {
		if _, held := errors.RootCause(err).(errors.LockHeld); held {
			return errors.NewFriendlyError("Another process is using this "+
				"mirror (lock %q is held).", lockPath)
		}
		return errors.WithContext(err, "acquire mirror lock")
	}
	defer release()

	failed := 0
	for _, name := range names {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pkg := pypi.NewPackage(name, 0)
		if err := m.removePackage(pkg, dryRun); err != nil {
			log.WithError(err).WithField("package", pkg.Name).Error(
				"Failed to delete package")
			failed++
		}
	}
	if failed > 0 {
		return errors.Errorf("%d packages failed to delete", failed)
	}

	if !dryRun {
		return m.writeGlobalIndex()
	}
	return nil
}

// removePackage deletes one package's artifacts. Blobs are discovered from
// the stored metadata document, so a package whose document is already gone
// only loses its remaining pages.
func (m *Mirror) removePackage(pkg *pypi.Package, dryRun bool) error {
	logger := log.WithField("package", pkg.Name)

	blobs, err := m.storedBlobPaths(pkg.Name)
	if err != nil {
		return errors.WithContext(err, "enumerate release files")
	}

	var targets []string
	targets = append(targets, blobs...)
	targets = append(targets, jsonDir+"/"+pkg.Name, legacyJSONDir+"/"+pkg.Name)
	targets = append(targets, m.simpleProjectDirs(pkg)...)

	for _, target := range targets {
		if !m.storage.Exists(target) {
			continue
		}
		if dryRun {
			logger.WithField("path", target).Info("Would delete")
			continue
		}
		if err := m.storage.DeleteAll(target); err != nil {
			return errors.WithContext(err, "delete "+target)
		}
	}
	return nil
}

// storedBlobPaths returns the release file paths referenced by the package's
// stored metadata document. A missing document is not an error: it means no
// blobs are attributable to the package.
func (m *Mirror) storedBlobPaths(name string) ([]string, error) {
	raw, err := m.storage.ReadFile(jsonDir + "/" + name)
	if err != nil {
		if _, notFound := errors.RootCause(err).(errors.FileNotFound); notFound {
			return nil, nil
		}
		return nil, err
	}

	metadata, err := pypi.ParseMetadata(raw)
	if err != nil {
		log.WithError(err).WithField("package", name).Warn(
			"Stored metadata is corrupt. Release files can't be attributed.")
		return nil, nil
	}

	pkg := pypi.NewPackage(name, 0)
	pkg.Metadata = metadata

	var paths []string
	for _, file := range pkg.ReleaseFiles() {
		path, err := pypi.BlobPath(file.URL)
		if err != nil {
			continue
		}
		paths = append(paths, path)
	}
	return paths, nil
}
