package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"facilityops/api/internal/archive"
	"facilityops/api/internal/auth"
	"facilityops/api/internal/authpw"
	"facilityops/api/internal/config"
	"facilityops/api/internal/facility"
	"facilityops/api/internal/filestore"
	"facilityops/api/internal/rbac"
	"facilityops/api/internal/search"
	"facilityops/api/internal/session"
	"facilityops/api/internal/store"
	"facilityops/api/internal/util"
	"facilityops/api/internal/workflow"
)

// Session is the authenticated caller of a request.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	TenantID     string
	JTI          string
	ExpiresAt    time.Time
}

// Actor scopes workflow calls to the caller's tenant.
func (s Session) Actor() workflow.Actor {
	return workflow.Actor{UserID: s.UserID, DisplayName: s.UserName, TenantID: s.TenantID}
}

type dataStore interface {
	Ping(ctx context.Context) error
	GetUserByID(ctx context.Context, id string) (store.User, error)
	ListUsers(ctx context.Context, tenantID string) ([]store.User, error)
	UpdateUserRole(ctx context.Context, tenantID, userID, role string) error
	DeactivateUser(ctx context.Context, tenantID, userID string) error
	ListAuditEvents(ctx context.Context, kind, tenantID, recordID string, limit int) ([]store.AuditEvent, error)
	InsertAttachment(ctx context.Context, a store.Attachment) (store.Attachment, error)
	ListAttachments(ctx context.Context, tenantID, correctiveID string) ([]store.Attachment, error)
	GetAttachment(ctx context.Context, tenantID, id string) (store.Attachment, error)
	DeleteAttachment(ctx context.Context, tenantID, id string) error
}

type accountService interface {
	Register(ctx context.Context, req authpw.RegisterRequest) (store.User, error)
	SignIn(ctx context.Context, email, password string) (store.User, error)
	RequestPasswordReset(ctx context.Context, email string) (string, store.User, error)
	ResetPassword(ctx context.Context, token, newPassword string) error
}

type sessionStore interface {
	Save(ctx context.Context, tokenHash string, sess session.Session, expiresAt time.Time) error
	Consume(ctx context.Context, tokenHash string) (session.Session, error)
	Revoke(ctx context.Context, tokenHash string) error
	RevokeUser(ctx context.Context, userID string) error
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
}

type historyArchive interface {
	History(key workflow.Key, limit int) ([]archive.Entry, error)
	SnapshotAt(key workflow.Key, hash string) (archive.Snapshot, error)
}

type objectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	PresignedURL(ctx context.Context, key, fileName string, expiry time.Duration) (string, error)
	Remove(ctx context.Context, key string) error
}

type resetMailer interface {
	IsConfigured() bool
	SendPasswordResetEmail(to, userName, token string) error
}

type viewCache interface {
	Get(ctx context.Context, key workflow.Key) ([]byte, bool)
	Generation(ctx context.Context, key workflow.Key) (int64, bool)
	Set(ctx context.Context, key workflow.Key, gen int64, body []byte)
}

// Deps wires the service. Archive, Files, Mail and Cache are optional.
type Deps struct {
	Config   config.Config
	Store    dataStore
	Accounts accountService
	Sessions sessionStore
	Engines  facility.Engines
	Search   searcher
	Archive  historyArchive
	Files    objectStore
	Mail     resetMailer
	Cache    viewCache
	Logger   *zap.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	accounts accountService
	sessions sessionStore
	engines  facility.Engines
	search   searcher
	archive  historyArchive
	files    objectStore
	mail     resetMailer
	cache    viewCache
	log      *zap.Logger
	now      func() time.Time
}

func New(d Deps) *Service {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:      d.Config,
		store:    d.Store,
		accounts: d.Accounts,
		sessions: d.Sessions,
		engines:  d.Engines,
		search:   d.Search,
		archive:  d.Archive,
		files:    d.Files,
		mail:     d.Mail,
		cache:    d.Cache,
		log:      log,
		now:      time.Now,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token and re-reads the user, so role changes
// and deactivation apply at the next refresh.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, session.ErrSessionNotFound
	}
	sess, err := s.sessions.Consume(ctx, auth.HashToken(refreshToken))
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, session.ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	if !user.Active() {
		return Session{}, authpw.ErrDeactivated
	}
	if user.TenantID != sess.TenantID {
		return Session{}, session.ErrSessionNotFound
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:    user.ID,
		Name:   user.DisplayName,
		Role:   user.Role,
		Tenant: user.TenantID,
		JTI:    jti,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft")
	err = s.sessions.Save(ctx, auth.HashToken(refresh), session.Session{
		UserID:    user.ID,
		TenantID:  user.TenantID,
		CreatedAt: now.UTC(),
	}, now.Add(s.cfg.RefreshTTL))
	if err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		TenantID:     user.TenantID,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken verifies the access token and re-reads the user, so a
// deactivated account loses access at once.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if !user.Active() || user.TenantID != claims.Tenant {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		TenantID:  user.TenantID,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, auth.HashToken(refreshToken))
}

// RequestPasswordReset mails a reset token. When mail is not configured the
// token is returned so development setups can complete the flow.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) (devToken string, err error) {
	token, user, err := s.accounts.RequestPasswordReset(ctx, email)
	if err != nil || token == "" {
		return "", err
	}
	if s.mail == nil || !s.mail.IsConfigured() {
		return token, nil
	}
	if err := s.mail.SendPasswordResetEmail(user.Email, user.DisplayName, token); err != nil {
		s.log.Error("send password reset email", zap.String("user", user.ID), zap.Error(err))
	}
	return "", nil
}

func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	return s.accounts.ResetPassword(ctx, token, newPassword)
}

type ProvisionUserInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

// ProvisionUser creates an account in the caller's tenant.
func (s *Service) ProvisionUser(ctx context.Context, caller Session, in ProvisionUserInput) (store.User, error) {
	return s.accounts.Register(ctx, authpw.RegisterRequest{
		TenantID:    caller.TenantID,
		Email:       in.Email,
		Password:    in.Password,
		DisplayName: in.DisplayName,
		Role:        in.Role,
	})
}

func (s *Service) ListUsers(ctx context.Context, caller Session) ([]store.User, error) {
	return s.store.ListUsers(ctx, caller.TenantID)
}

func (s *Service) UpdateUserRole(ctx context.Context, caller Session, userID, role string) error {
	if !rbac.Valid(role) {
		return authpw.ErrUnknownRole
	}
	return s.store.UpdateUserRole(ctx, caller.TenantID, userID, role)
}

// DeactivateUser blocks the account and drops its refresh sessions.
func (s *Service) DeactivateUser(ctx context.Context, caller Session, userID string) error {
	if userID == caller.UserID {
		return domainError(422, "VALIDATION_ERROR", "You cannot deactivate your own account", nil)
	}
	if err := s.store.DeactivateUser(ctx, caller.TenantID, userID); err != nil {
		return err
	}
	if err := s.sessions.RevokeUser(ctx, userID); err != nil {
		s.log.Warn("revoke sessions of deactivated user", zap.String("user", userID), zap.Error(err))
	}
	return nil
}

func (s *Service) Search(ctx context.Context, caller Session, text string, kind workflow.Kind, limit, offset int) search.Response {
	return s.search.Search(ctx, search.Query{
		TenantID: caller.TenantID,
		Text:     text,
		Kind:     kind,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Service) Audit(ctx context.Context, key workflow.Key, limit int) ([]store.AuditEvent, error) {
	return s.store.ListAuditEvents(ctx, string(key.Kind), key.TenantID, key.ID, limit)
}

var errArchiveDisabled = domainError(503, "HISTORY_UNAVAILABLE", "Publication history is not configured", nil)

func (s *Service) History(key workflow.Key, limit int) ([]archive.Entry, error) {
	if s.archive == nil {
		return nil, errArchiveDisabled
	}
	return s.archive.History(key, limit)
}

func (s *Service) SnapshotAt(key workflow.Key, hash string) (archive.Snapshot, error) {
	if s.archive == nil {
		return archive.Snapshot{}, errArchiveDisabled
	}
	return s.archive.SnapshotAt(key, hash)
}

var errFilesDisabled = domainError(503, "ATTACHMENTS_UNAVAILABLE", "Attachment storage is not configured", nil)

const downloadURLTTL = 15 * time.Minute

type UploadInput struct {
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader
}

// UploadAttachment stores the object first and then its row; a failed insert
// removes the object again.
func (s *Service) UploadAttachment(ctx context.Context, caller Session, correctiveID string, in UploadInput) (store.Attachment, error) {
	if s.files == nil {
		return store.Attachment{}, errFilesDisabled
	}
	if _, err := s.engines.Correctives.Get(ctx, caller.Actor(), correctiveID); err != nil {
		return store.Attachment{}, err
	}
	name := filestore.CleanFileName(in.FileName)
	contentType := in.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	id := util.NewID("att")
	objectKey := filestore.ObjectKey(caller.TenantID, correctiveID, id, name)

	if err := s.files.Put(ctx, objectKey, in.Body, in.Size, contentType); err != nil {
		return store.Attachment{}, err
	}
	att, err := s.store.InsertAttachment(ctx, store.Attachment{
		ID:             id,
		TenantID:       caller.TenantID,
		CorrectiveID:   correctiveID,
		FileName:       name,
		ContentType:    contentType,
		SizeBytes:      in.Size,
		ObjectKey:      objectKey,
		UploadedBy:     caller.UserID,
		UploadedByName: caller.UserName,
	})
	if err != nil {
		if rmErr := s.files.Remove(ctx, objectKey); rmErr != nil {
			s.log.Warn("remove orphaned attachment object", zap.String("object", objectKey), zap.Error(rmErr))
		}
		return store.Attachment{}, err
	}
	return att, nil
}

func (s *Service) ListAttachments(ctx context.Context, caller Session, correctiveID string) ([]store.Attachment, error) {
	if _, err := s.engines.Correctives.Get(ctx, caller.Actor(), correctiveID); err != nil {
		return nil, err
	}
	return s.store.ListAttachments(ctx, caller.TenantID, correctiveID)
}

func (s *Service) AttachmentURL(ctx context.Context, caller Session, correctiveID, attachmentID string) (string, error) {
	if s.files == nil {
		return "", errFilesDisabled
	}
	att, err := s.attachment(ctx, caller, correctiveID, attachmentID)
	if err != nil {
		return "", err
	}
	return s.files.PresignedURL(ctx, att.ObjectKey, att.FileName, downloadURLTTL)
}

func (s *Service) DeleteAttachment(ctx context.Context, caller Session, correctiveID, attachmentID string) error {
	att, err := s.attachment(ctx, caller, correctiveID, attachmentID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAttachment(ctx, caller.TenantID, att.ID); err != nil {
		return err
	}
	s.removeObject(ctx, att.ObjectKey)
	return nil
}

func (s *Service) attachment(ctx context.Context, caller Session, correctiveID, attachmentID string) (store.Attachment, error) {
	att, err := s.store.GetAttachment(ctx, caller.TenantID, attachmentID)
	if err != nil {
		return store.Attachment{}, err
	}
	if att.CorrectiveID != correctiveID {
		return store.Attachment{}, store.ErrNotFound
	}
	return att, nil
}

func (s *Service) removeObject(ctx context.Context, objectKey string) {
	if s.files == nil {
		return
	}
	if err := s.files.Remove(ctx, objectKey); err != nil {
		s.log.Warn("remove attachment object", zap.String("object", objectKey), zap.Error(err))
	}
}

// Observe purges the attachments of deleted corrective actions.
func (s *Service) Observe(ctx context.Context, ev workflow.Event) error {
	if ev.Type != workflow.EventDeleted || ev.Key.Kind != facility.KindCorrective {
		return nil
	}
	atts, err := s.store.ListAttachments(ctx, ev.Key.TenantID, ev.Key.ID)
	if err != nil {
		return err
	}
	for _, att := range atts {
		if err := s.store.DeleteAttachment(ctx, att.TenantID, att.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		s.removeObject(ctx, att.ObjectKey)
	}
	return nil
}
