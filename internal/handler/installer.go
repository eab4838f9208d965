package handler

import (
	"archive/tar"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/woprhq/provisioner/internal/pkg/response"
)

// installerFiles is the fixed set of assets bundled into the installer
// tarball, relative to the configured installer directory. Missing
// files are skipped so a partial asset directory still serves.
var installerFiles = []string{
	"install.sh",
	"docker-compose.yml",
	"wopr.env.example",
	"README.md",
}

// InstallerHandler serves the self-host installer bundle.
type InstallerHandler struct {
	dir    string
	logger *slog.Logger
}

// NewInstallerHandler creates the installer download handler.
func NewInstallerHandler(dir string, logger *slog.Logger) *InstallerHandler {
	return &InstallerHandler{
		dir:    dir,
		logger: logger.With(slog.String("component", "installer")),
	}
}

// Latest handles GET /api/installer/latest.tar.gz by composing the
// tarball on the fly.
func (h *InstallerHandler) Latest(w http.ResponseWriter, r *http.Request) {
	if h.dir == "" {
		response.NotFound(w, "Installer")
		return
	}

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="wopr-installer-latest.tar.gz"`)
	w.WriteHeader(http.StatusOK)

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	for _, name := range installerFiles {
		if err := h.addFile(tw, name); err != nil {
			h.logger.Warn("skipping installer asset",
				slog.String("file", name),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := tw.Close(); err != nil {
		h.logger.Error("failed to finalize installer tarball", slog.String("error", err.Error()))
	}
	if err := gz.Close(); err != nil {
		h.logger.Error("failed to flush installer tarball", slog.String("error", err.Error()))
	}
}

func (h *InstallerHandler) addFile(tw *tar.Writer, name string) error {
	path := filepath.Join(h.dir, name)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
