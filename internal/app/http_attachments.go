package app

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"facilityops/api/internal/rbac"
	"facilityops/api/internal/store"
)

const maxAttachmentBytes = 25 << 20

type attachmentResponse struct {
	ID             string    `json:"id"`
	FileName       string    `json:"fileName"`
	ContentType    string    `json:"contentType"`
	SizeBytes      int64     `json:"sizeBytes"`
	UploadedBy     string    `json:"uploadedBy"`
	UploadedByName string    `json:"uploadedByName"`
	CreatedAt      time.Time `json:"createdAt"`
}

func toAttachmentResponse(a store.Attachment) attachmentResponse {
	return attachmentResponse{
		ID:             a.ID,
		FileName:       a.FileName,
		ContentType:    a.ContentType,
		SizeBytes:      a.SizeBytes,
		UploadedBy:     a.UploadedBy,
		UploadedByName: a.UploadedByName,
		CreatedAt:      a.CreatedAt,
	}
}

// mountAttachments adds /attachments under a corrective action.
func (s *HTTPServer) mountAttachments(r chi.Router) {
	r.Route("/attachments", func(ar chi.Router) {
		ar.With(s.requireAction(rbac.ActionRead)).Get("/", s.handleListAttachments)
		ar.With(s.requireAction(rbac.ActionWrite)).Post("/", s.handleUploadAttachment)
		ar.With(s.requireAction(rbac.ActionRead)).Get("/{attachmentID}", s.handleDownloadAttachment)
		ar.With(s.requireAction(rbac.ActionWrite)).Delete("/{attachmentID}", s.handleDeleteAttachment)
	})
}

func (s *HTTPServer) handleListAttachments(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	atts, err := s.service.ListAttachments(r.Context(), sess, chi.URLParam(r, "id"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	out := make([]attachmentResponse, 0, len(atts))
	for _, a := range atts {
		out = append(out, toAttachmentResponse(a))
	}
	writeJSON(w, http.StatusOK, map[string]any{"attachments": out})
}

func (s *HTTPServer) handleUploadAttachment(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, maxAttachmentBytes+(1<<20))
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "Expected a multipart upload with a file field", nil)
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_UPLOAD", "Missing file field", nil)
		return
	}
	defer file.Close()
	if header.Size > maxAttachmentBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "Attachment exceeds the size limit", nil)
		return
	}

	att, err := s.service.UploadAttachment(r.Context(), sess, chi.URLParam(r, "id"), UploadInput{
		FileName:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"attachment": toAttachmentResponse(att)})
}

func (s *HTTPServer) handleDownloadAttachment(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	url, err := s.service.AttachmentURL(r.Context(), sess, chi.URLParam(r, "id"), chi.URLParam(r, "attachmentID"))
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": url, "expiresIn": int(downloadURLTTL.Seconds())})
}

func (s *HTTPServer) handleDeleteAttachment(w http.ResponseWriter, r *http.Request) {
	sess, _ := sessionFrom(r.Context())
	if err := s.service.DeleteAttachment(r.Context(), sess, chi.URLParam(r, "id"), chi.URLParam(r, "attachmentID")); err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
