package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/docchat/backend/internal/storage/models"
	"github.com/docchat/backend/pkg/logger"
)

// Client is the relational store. It holds the document metadata table and
// the append-only conversation log.
type Client struct {
	db  *sql.DB
	now func() time.Time
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec("PRAGMA journal_mode = WAL")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db, now: time.Now}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS document_store (
		id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		upload_timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_document_store_uploaded ON document_store(upload_timestamp);

	CREATE TABLE IF NOT EXISTS application_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		user_query TEXT NOT NULL,
		gpt_response TEXT NOT NULL,
		model TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_application_logs_session ON application_logs(session_id, created_at);
	`

	_, err := c.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")
	return nil
}

// InsertDocument creates a document record with a freshly minted id.
func (c *Client) InsertDocument(ctx context.Context, filename string) (*models.Document, error) {
	doc := &models.Document{
		ID:         uuid.New().String(),
		Filename:   filename,
		UploadedAt: c.now().UTC(),
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT INTO document_store (id, filename, upload_timestamp) VALUES (?, ?, ?)`,
		doc.ID,
		doc.Filename,
		doc.UploadedAt.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert document: %w", err)
	}

	logger.Debug("Document inserted", zap.String("doc_id", doc.ID), zap.String("filename", filename))
	return doc, nil
}

func (c *Client) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	var uploadedAt int64

	err := c.db.QueryRowContext(ctx,
		`SELECT id, filename, upload_timestamp FROM document_store WHERE id = ?`, id,
	).Scan(&doc.ID, &doc.Filename, &uploadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	doc.UploadedAt = time.Unix(0, uploadedAt).UTC()
	return &doc, nil
}

// ListDocuments returns all documents, newest first.
func (c *Client) ListDocuments(ctx context.Context) ([]models.Document, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT id, filename, upload_timestamp FROM document_store ORDER BY upload_timestamp DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	docs := make([]models.Document, 0)
	for rows.Next() {
		var d models.Document
		var uploadedAt int64
		if err := rows.Scan(&d.ID, &d.Filename, &uploadedAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		d.UploadedAt = time.Unix(0, uploadedAt).UTC()
		docs = append(docs, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}

	return docs, nil
}

// DeleteDocument removes the record; models.ErrNotFound if it did not exist.
func (c *Client) DeleteDocument(ctx context.Context, id string) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM document_store WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return models.ErrNotFound
	}

	logger.Debug("Document deleted", zap.String("doc_id", id))
	return nil
}

// AppendTurn writes one exchange to the conversation log. A zero CreatedAt
// is stamped with the current time.
func (c *Client) AppendTurn(ctx context.Context, turn *models.ConversationTurn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = c.now().UTC()
	}

	res, err := c.db.ExecContext(ctx,
		`INSERT INTO application_logs (session_id, user_query, gpt_response, model, created_at) VALUES (?, ?, ?, ?, ?)`,
		turn.SessionID,
		turn.UserQuery,
		turn.Answer,
		turn.Model,
		turn.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to append conversation turn: %w", err)
	}

	if id, err := res.LastInsertId(); err == nil {
		turn.ID = id
	}

	logger.Debug("Conversation turn recorded",
		zap.String("session_id", turn.SessionID),
		zap.String("model", turn.Model),
	)
	return nil
}

// History returns a session's turns in chronological order. Turns sharing a
// timestamp keep insertion order.
func (c *Client) History(ctx context.Context, sessionID string) ([]models.ConversationTurn, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, session_id, user_query, gpt_response, model, created_at
		FROM application_logs
		WHERE session_id = ?
		ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation history: %w", err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		var t models.ConversationTurn
		var createdAt int64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserQuery, &t.Answer, &t.Model, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		t.CreatedAt = time.Unix(0, createdAt).UTC()
		turns = append(turns, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history: %w", err)
	}

	return turns, nil
}
