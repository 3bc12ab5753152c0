package server

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"dicommesh/pkg/dicomio"
	"dicommesh/pkg/meshcache"
	"dicommesh/pkg/stl"
)

func (s *Server) maxUploadBytes() int64 {
	return s.cfg.Server.MaxUploadMB << 20
}

// handleUpload accepts either a zip archive in "zipfile" or any number of
// slice files in "files" and creates a case from them.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes())

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, fmt.Sprintf("upload exceeds %d MB", s.cfg.Server.MaxUploadMB), http.StatusRequestEntityTooLarge)
			return
		}
		jsonError(w, "invalid multipart form: "+err.Error(), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	inputs, err := uploadInputs(r.MultipartForm)
	if errors.Is(err, dicomio.ErrUnsafeArchivePath) {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	info, err := s.cases.Ingest(r.Context(), inputs)
	if err != nil {
		s.fail(w, r, fmt.Errorf("failed to read DICOM series: %w", err))
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"case_id":  info.ID,
		"mesh_url": fmt.Sprintf("/mesh/%s.json", info.ID),
		"stl_url":  fmt.Sprintf("/mesh/%s.stl", info.ID),
		"case":     info,
	})
}

func uploadInputs(form *multipart.Form) ([]dicomio.Input, error) {
	if zf := form.File["zipfile"]; len(zf) > 0 && zf[0].Filename != "" {
		f, err := zf[0].Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read archive: %w", err)
		}
		inputs, err := dicomio.ZipInputs(data)
		if err != nil {
			return nil, fmt.Errorf("invalid zip archive: %w", err)
		}
		return inputs, nil
	}

	files := form.File["files"]
	if len(files) == 0 {
		return nil, errors.New("no files uploaded")
	}
	inputs := make([]dicomio.Input, 0, len(files))
	for _, fh := range files {
		inputs = append(inputs, dicomio.Input{
			Name: sanitizeFilename(fh.Filename),
			Size: fh.Size,
			Open: func() (io.ReadCloser, error) { return fh.Open() },
		})
	}
	return inputs, nil
}

func (s *Server) handleMeshJSON(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	threshold, err := meshcache.ParseThreshold(r.URL.Query().Get("threshold"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	data, err := s.cases.Meshes().GetOrComputeBytes(r.Context(), caseID, threshold)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Write(data)
}

func (s *Server) handleMeshSTL(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	threshold, err := meshcache.ParseThreshold(r.URL.Query().Get("threshold"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	mesh, err := s.cases.Meshes().GetOrCompute(r.Context(), caseID, threshold)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "model/stl")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.stl"`, caseID))
	if err := stl.Write(w, mesh); err != nil {
		s.log.Warn("failed to stream STL", "case", caseID, "error", err)
	}
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	ids, err := s.cases.List()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cases": ids})
}

func (s *Server) handleCaseInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.cases.Info(chi.URLParam(r, "caseID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	pos, err := strconv.Atoi(chi.URLParam(r, "pos"))
	if err != nil {
		jsonError(w, "slice position must be an integer", http.StatusBadRequest)
		return
	}

	data, err := s.cases.Preview(r.Context(), caseID, chi.URLParam(r, "axis"), pos)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(data)
}

func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "" || name == "." || name == "/" {
		name = "unnamed"
	}
	return name
}
