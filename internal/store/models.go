package store

import "time"

type Tenant struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

type User struct {
	ID            string
	TenantID      string
	Email         string
	DisplayName   string
	Role          string
	PasswordHash  string
	DeactivatedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (u User) Active() bool {
	return u.DeactivatedAt == nil
}

type Attachment struct {
	ID             string
	TenantID       string
	CorrectiveID   string
	FileName       string
	ContentType    string
	SizeBytes      int64
	ObjectKey      string
	UploadedBy     string
	UploadedByName string
	CreatedAt      time.Time
}

type AuditEvent struct {
	ID        int64
	Kind      string
	TenantID  string
	RecordID  string
	Event     string
	ActorID   string
	ActorName string
	Comment   string
	Version   string
	CreatedAt time.Time
}
