package app

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"facilityops/api/internal/facility"
	"facilityops/api/internal/store"
)

func createCorrective(t *testing.T, env *testEnv) (id, version string) {
	t.Helper()
	sess := Session{UserID: editorUser.ID, UserName: editorUser.DisplayName, TenantID: testTenant}
	rec, err := env.svc.engines.Correctives.Create(context.Background(), sess.Actor(),
		facility.Corrective{Title: "Roof leak", Description: "Water ingress above B2", Severity: "high"}, nil)
	if err != nil {
		t.Fatalf("create corrective: %v", err)
	}
	return rec.Key.ID, string(rec.Version)
}

func uploadRequest(t *testing.T, path, token, fileName, body string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestAttachmentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	editor := env.token(t, editorUser)
	id, _ := createCorrective(t, env)
	base := "/api/correctives/" + id + "/attachments"

	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, uploadRequest(t, base, editor, "../Leak photo.jpg", "jpeg-bytes"))
	payload := expectStatus(t, rr, http.StatusCreated)
	att := payload["attachment"].(map[string]any)
	attID, _ := att["id"].(string)
	if attID == "" || att["sizeBytes"] != float64(len("jpeg-bytes")) || att["uploadedByName"] != "Eddie" {
		t.Fatalf("unexpected attachment %v", att)
	}
	if strings.Contains(att["fileName"].(string), "/") {
		t.Fatalf("expected cleaned file name, got %v", att["fileName"])
	}
	if len(env.objects.objects) != 1 {
		t.Fatalf("expected one stored object, got %d", len(env.objects.objects))
	}

	list := expectStatus(t, env.do(t, http.MethodGet, base, env.token(t, viewerUser), nil), http.StatusOK)
	if atts := list["attachments"].([]any); len(atts) != 1 {
		t.Fatalf("expected one attachment, got %v", atts)
	}

	link := expectStatus(t, env.do(t, http.MethodGet, base+"/"+attID, editor, nil), http.StatusOK)
	if url, _ := link["url"].(string); !strings.HasPrefix(url, "https://files.test/"+testTenant+"/") {
		t.Fatalf("unexpected download url %v", link["url"])
	}

	expectStatus(t, env.do(t, http.MethodDelete, base+"/"+attID, editor, nil), http.StatusOK)
	if len(env.objects.objects) != 0 || len(env.store.attachments) != 0 {
		t.Fatalf("expected attachment removed, objects=%d rows=%d", len(env.objects.objects), len(env.store.attachments))
	}
}

func TestAttachmentRequiresExistingCorrective(t *testing.T) {
	env := newTestEnv(t)
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, uploadRequest(t, "/api/correctives/missing/attachments", env.token(t, editorUser), "a.txt", "x"))
	expectStatus(t, rr, http.StatusNotFound)
	if len(env.objects.objects) != 0 {
		t.Fatal("no object should be stored for a missing corrective")
	}
}

func TestAttachmentViewerCannotUpload(t *testing.T) {
	env := newTestEnv(t)
	id, _ := createCorrective(t, env)
	rr := httptest.NewRecorder()
	env.server.ServeHTTP(rr, uploadRequest(t, "/api/correctives/"+id+"/attachments", env.token(t, viewerUser), "a.txt", "x"))
	expectStatus(t, rr, http.StatusForbidden)
}

func TestUploadRemovesObjectWhenInsertFails(t *testing.T) {
	env := newTestEnv(t)
	id, _ := createCorrective(t, env)
	env.store.insertErr = errors.New("db down")
	sess := Session{UserID: editorUser.ID, UserName: editorUser.DisplayName, TenantID: testTenant}

	_, err := env.svc.UploadAttachment(context.Background(), sess, id, UploadInput{
		FileName: "plan.pdf", Size: 3, Body: strings.NewReader("pdf"),
	})
	if err == nil {
		t.Fatal("expected insert failure")
	}
	if len(env.objects.objects) != 0 || len(env.objects.removed) != 1 {
		t.Fatalf("expected orphaned object removed, objects=%v removed=%v", env.objects.objects, env.objects.removed)
	}
}

func TestDeletingCorrectivePurgesAttachments(t *testing.T) {
	env := newTestEnv(t)
	id, version := createCorrective(t, env)
	sess := Session{UserID: editorUser.ID, UserName: editorUser.DisplayName, TenantID: testTenant}
	for _, name := range []string{"a.jpg", "b.jpg"} {
		if _, err := env.svc.UploadAttachment(context.Background(), sess, id, UploadInput{
			FileName: name, Size: 1, Body: strings.NewReader("x"),
		}); err != nil {
			t.Fatalf("upload %s: %v", name, err)
		}
	}

	expectStatus(t, env.do(t, http.MethodDelete, "/api/correctives/"+id+"?version="+url.QueryEscape(version), env.token(t, editorUser), nil), http.StatusOK)
	if len(env.store.attachments) != 0 || len(env.objects.objects) != 0 {
		t.Fatalf("expected attachments purged, rows=%d objects=%d", len(env.store.attachments), len(env.objects.objects))
	}
}

func TestAttachmentsUnavailableWithoutFileStore(t *testing.T) {
	env := newTestEnv(t)
	env.svc.files = nil
	id, _ := createCorrective(t, env)
	sess := Session{UserID: editorUser.ID, TenantID: testTenant}
	_, err := env.svc.UploadAttachment(context.Background(), sess, id, UploadInput{FileName: "a", Body: strings.NewReader("")})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "ATTACHMENTS_UNAVAILABLE" {
		t.Fatalf("expected ATTACHMENTS_UNAVAILABLE, got %v", err)
	}
}

func TestAttachmentOfOtherCorrectiveIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.store.attachments["att-1"] = store.Attachment{ID: "att-1", TenantID: testTenant, CorrectiveID: "other", ObjectKey: "k"}
	id, _ := createCorrective(t, env)
	expectStatus(t, env.do(t, http.MethodGet, "/api/correctives/"+id+"/attachments/att-1", env.token(t, editorUser), nil), http.StatusNotFound)
}
