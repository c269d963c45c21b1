package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/moltty/termcast/internal/auth"
	"github.com/moltty/termcast/internal/buffer"
	"github.com/moltty/termcast/internal/tail"
)

var ErrNotFound = errors.New("session: not found")

// Repository is the session registry. Besides plain lookups it stores the
// clear points of recordings for the tail watcher and tells the buffer
// aggregator where a session is hosted.
type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(s *Session) error {
	return r.db.Create(s).Error
}

func (r *Repository) CreateRemote(rm *Remote) error {
	return r.db.Create(rm).Error
}

func (r *Repository) FindByID(ctx context.Context, id string) (*Session, error) {
	uid, err := uuid.Parse(id)
	if err != nil {
		return nil, ErrNotFound
	}
	var s Session
	if err := r.db.WithContext(ctx).First(&s, "id = ?", uid).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *Repository) FindByUserID(ctx context.Context, userID uuid.UUID) ([]Session, error) {
	var sessions []Session
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at desc").Find(&sessions).Error
	return sessions, err
}

func (r *Repository) FindRemote(ctx context.Context, id uuid.UUID) (*Remote, error) {
	var rm Remote
	if err := r.db.WithContext(ctx).First(&rm, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("find remote %s: %w", id, err)
	}
	return &rm, nil
}

// Authorize returns the session if subject may view it. Peer servers may
// view every session; users only their own.
func (r *Repository) Authorize(ctx context.Context, subject, sessionID string) (*Session, error) {
	s, err := r.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !visibleTo(s, subject) {
		return nil, ErrNotFound
	}
	return s, nil
}

func visibleTo(s *Session, subject string) bool {
	return auth.IsService(subject) || s.UserID.String() == subject
}

// Locate implements buffer.Registry.
func (r *Repository) Locate(ctx context.Context, subject, sessionID string) (*buffer.Remote, error) {
	s, err := r.Authorize(ctx, subject, sessionID)
	if err != nil {
		return nil, err
	}
	if s.RemoteID == nil {
		return nil, nil
	}
	rm, err := r.FindRemote(ctx, *s.RemoteID)
	if err != nil {
		return nil, err
	}
	return &buffer.Remote{ID: rm.ID.String(), URL: rm.URL, Token: rm.Token}, nil
}

// RecordingPath implements tail.MetadataStore.
func (r *Repository) RecordingPath(sessionID string) (string, error) {
	s, err := r.FindByID(context.Background(), sessionID)
	if err != nil {
		return "", err
	}
	if s.RemoteID != nil || s.RecordingPath == "" {
		return "", fmt.Errorf("session %s has no local recording: %w", sessionID, ErrNotFound)
	}
	return s.RecordingPath, nil
}

// ClearPoint implements tail.MetadataStore.
func (r *Repository) ClearPoint(sessionID string) (tail.ClearPoint, error) {
	s, err := r.FindByID(context.Background(), sessionID)
	if err != nil {
		return tail.ClearPoint{}, err
	}
	return tail.ClearPoint{Offset: s.ClearOffset, Cols: s.ClearCols, Rows: s.ClearRows}, nil
}

// SaveClearPoint implements tail.MetadataStore.
func (r *Repository) SaveClearPoint(sessionID string, p tail.ClearPoint) error {
	uid, err := uuid.Parse(sessionID)
	if err != nil {
		return ErrNotFound
	}
	return r.db.Model(&Session{}).Where("id = ?", uid).Updates(map[string]interface{}{
		"clear_offset": p.Offset,
		"clear_cols":   p.Cols,
		"clear_rows":   p.Rows,
	}).Error
}
