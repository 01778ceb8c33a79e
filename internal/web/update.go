// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package web

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// MaxUpdateSize bounds an uploaded firmware image.
const MaxUpdateSize = 64 << 20

type updatePage struct {
	Message string
}

func (s *Server) handleUpdateGet(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "update", "Firmware Update", updatePage{})
}

// handleUpdatePost stores the uploaded image at UpdatePath. The running
// process is not touched; applying the image is left to the operator.
func (s *Server) handleUpdatePost(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Connection", "close")
	r.Body = http.MaxBytesReader(w, r.Body, MaxUpdateSize)

	file, name, err := uploadedFile(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Error: Image too large", http.StatusRequestEntityTooLarge)
			return
		}
		slog.Warn("Firmware upload without content", "err", err)
		http.Error(w, "Error: No content", http.StatusBadRequest)
		return
	}
	defer file.Close()

	n, err := writeAtomic(s.UpdatePath, file)
	if errors.Is(err, errEmpty) {
		http.Error(w, "Error: No content", http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("Firmware update failed", "path", s.UpdatePath, "err", err)
		http.Error(w, "Update failed", http.StatusInternalServerError)
		return
	}

	slog.Info("Firmware image stored", "name", name, "path", s.UpdatePath, "size", n)
	s.render(w, http.StatusOK, "update", "Firmware Update", updatePage{
		Message: fmt.Sprintf("Update stored (%d bytes). Reboot the device to apply it.", n),
	})
}

// uploadedFile returns the "firmware" or "file" part of a multipart upload.
func uploadedFile(r *http.Request) (multipart.File, string, error) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		return nil, "", err
	}
	for _, field := range []string{"firmware", "file"} {
		f, hdr, err := r.FormFile(field)
		if err == nil {
			return f, hdr.Filename, nil
		}
		if !errors.Is(err, http.ErrMissingFile) {
			return nil, "", err
		}
	}
	return nil, "", http.ErrMissingFile
}

var errEmpty = errors.New("empty upload")

// writeAtomic copies src to a temporary file next to path and renames it
// into place once it is complete and synced.
func writeAtomic(path string, src io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, src)
	if err == nil && n == 0 {
		err = errEmpty
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	return n, os.Rename(tmp.Name(), path)
}
