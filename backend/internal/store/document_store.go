package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"docsync/backend/internal/collab"
)

type DocumentStore struct{ db *sql.DB }

func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) GetDocumentID(ctx context.Context, title string) (string, error) {
	var docID string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM documents WHERE title = ?`,
		title,
	).Scan(&docID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", collab.ErrDocumentNotFound
	}
	return docID, err
}

func (s *DocumentStore) CreateDocument(ctx context.Context, ownerID uint64, title string) (string, error) {
	docID := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, owner_id, title) VALUES (?, ?, ?)`,
		docID, ownerID, title,
	)
	if err != nil {
		return "", err
	}
	return docID, nil
}
