package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailsync/internal/flags"
	"github.com/nhle/mailsync/internal/model"
)

// ErrNotFound is returned when a lookup references a row that does not exist.
var ErrNotFound = errors.New("not found")

// SortOrder selects the listing order for a folder page.
type SortOrder int

const (
	// SortDate orders by date descending with a message-id tie-break, so
	// paging is deterministic even for same-timestamp messages.
	SortDate SortOrder = iota

	// SortThreaded groups messages by thread, threads ordered by their most
	// recent message, messages within a thread by arrival order.
	SortThreaded
)

// SQLiteStore is the persistent cache: folders, message summaries, dual-truth
// flags, thread metadata, pending operations and the full-text index. One
// instance exclusively owns its database file; all cross-goroutine access
// goes through a Handle.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, enables WAL
// mode, and runs any pending schema migrations. A migration failure is fatal:
// the cache is unusable and the error is returned, never skipped.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// The store is driven by a single writer goroutine; a second connection
	// would only introduce lock contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// RebuildSearchIndex drops and repopulates the full-text index from the
// primary message rows. Safe to run at any time; the index is a derived
// projection and carries no primary data.
func (s *SQLiteStore) RebuildSearchIndex(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO message_fts(message_fts) VALUES('rebuild')",
	); err != nil {
		return fmt.Errorf("rebuilding search index: %w", err)
	}
	return nil
}

// === Folders ===

// SaveFolders replaces the cached folder set.
func (s *SQLiteStore) SaveFolders(ctx context.Context, folders []model.Folder) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM folders"); err != nil {
		return fmt.Errorf("clearing folders: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO folders (path, name, folder_id, unread_count, total_count)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing folder insert: %w", err)
	}
	defer stmt.Close()

	for _, f := range folders {
		_, err := stmt.ExecContext(ctx,
			f.Path, f.Name, int64(f.ID), f.UnreadCount, f.TotalCount,
		)
		if err != nil {
			return fmt.Errorf("inserting folder %s: %w", f.Path, err)
		}
	}

	return tx.Commit()
}

// ListFolders returns the cached folders, INBOX first, then by path.
func (s *SQLiteStore) ListFolders(ctx context.Context) ([]model.Folder, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT path, name, folder_id, unread_count, total_count
		FROM folders
		ORDER BY CASE WHEN path = 'INBOX' THEN 0 ELSE 1 END, path`)
	if err != nil {
		return nil, fmt.Errorf("querying folders: %w", err)
	}
	defer rows.Close()

	var folders []model.Folder
	for rows.Next() {
		var (
			f  model.Folder
			id int64
		)
		if err := rows.Scan(&f.Path, &f.Name, &id, &f.UnreadCount, &f.TotalCount); err != nil {
			return nil, fmt.Errorf("scanning folder row: %w", err)
		}
		f.ID = uint64(id)
		folders = append(folders, f)
	}

	return folders, rows.Err()
}

// === Messages ===

// messageColumns is the canonical column list consumed by scanMessage.
const messageColumns = `message_id, folder_id, uid, subject, sender, participants,
	date, size, has_attachments, flags_server, flags_local,
	thread_id, thread_depth, order_key, in_reply_to, refs`

// notDeletedExpr filters out messages whose effective flag state includes
// \Deleted: the local override wins where present, the server flag otherwise.
var notDeletedExpr = fmt.Sprintf(
	"(CASE WHEN (flags_local & %d) != 0 THEN (flags_local & %d) ELSE (flags_server & %d) END) = 0",
	int(flags.Deleted)<<8, int(flags.Deleted), int(flags.Deleted),
)

// UpsertMessages inserts or updates a batch of summaries for one folder in a
// single transaction. Server-side fields (including flags_server) are merged
// by stable message id; flags_local is never touched, so optimistic
// overrides survive any amount of resyncing. The same protection applies to
// an optimistic folder reassignment: while a move op is pending, a resync of
// the source folder must not drag the row back there.
func (s *SQLiteStore) UpsertMessages(ctx context.Context, batch []model.MessageSummary) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO messages (
			message_id, folder_id, uid, subject, sender, participants,
			date, size, has_attachments, flags_server,
			thread_id, thread_depth, order_key, in_reply_to, refs
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			folder_id = CASE WHEN EXISTS (
				SELECT 1 FROM pending_ops
				WHERE pending_ops.message_id = messages.message_id
				  AND pending_ops.kind = '%s'
			) THEN messages.folder_id ELSE excluded.folder_id END,
			uid             = excluded.uid,
			subject         = excluded.subject,
			sender          = excluded.sender,
			participants    = excluded.participants,
			date            = excluded.date,
			size            = excluded.size,
			has_attachments = excluded.has_attachments,
			flags_server    = excluded.flags_server,
			thread_id       = excluded.thread_id,
			thread_depth    = excluded.thread_depth,
			order_key       = excluded.order_key,
			in_reply_to     = excluded.in_reply_to,
			refs            = excluded.refs`, model.PendingMove)

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("preparing upsert statement: %w", err)
	}
	defer stmt.Close()

	for _, m := range batch {
		_, err := stmt.ExecContext(ctx,
			m.ID, int64(m.FolderID), m.UID, m.Subject, m.From,
			strings.Join(m.Participants, ", "),
			m.Date.UTC(), m.Size, boolToInt(m.HasAttachments), int(m.FlagsServer),
			m.ThreadID, m.ThreadDepth, m.OrderKey, m.InReplyTo,
			strings.Join(m.References, " "),
		)
		if err != nil {
			return fmt.Errorf("upserting message %s: %w", m.ID, err)
		}
	}

	return tx.Commit()
}

// ListPage returns one page of a folder's messages under a stable,
// deterministic ordering. Unconfirmed optimistic writes are visible;
// messages whose effective state is deleted are not.
func (s *SQLiteStore) ListPage(
	ctx context.Context,
	folderID uint64,
	offset, limit int,
	sort SortOrder,
) ([]model.MessageSummary, error) {
	var order string
	switch sort {
	case SortThreaded:
		order = `MAX(date) OVER (PARTITION BY thread_id) DESC, thread_id, order_key ASC`
	default:
		order = `date DESC, message_id DESC`
	}

	query := fmt.Sprintf(
		`SELECT %s FROM messages
		 WHERE folder_id = ? AND %s
		 ORDER BY %s
		 LIMIT ? OFFSET ?`,
		messageColumns, notDeletedExpr, order,
	)

	rows, err := s.db.QueryxContext(ctx, query, int64(folderID), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying message page: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// Search runs a full-text query over subject, participants and body text,
// ranked by relevance then recency.
func (s *SQLiteStore) Search(ctx context.Context, query string, limit int) ([]model.MessageSummary, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}

	sqlQuery := fmt.Sprintf(
		`SELECT %s FROM messages
		 JOIN (
			SELECT rowid AS fts_rowid, bm25(message_fts) AS rank
			FROM message_fts WHERE message_fts MATCH ?
		 ) AS hits ON messages.rowid = hits.fts_rowid
		 WHERE %s
		 ORDER BY hits.rank, date DESC
		 LIMIT ?`,
		messageColumns, notDeletedExpr,
	)

	rows, err := s.db.QueryxContext(ctx, sqlQuery, query, limit)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// GetMessage retrieves a single message summary by its stable identifier.
func (s *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*model.MessageSummary, error) {
	query := fmt.Sprintf("SELECT %s FROM messages WHERE message_id = ?", messageColumns)
	row := s.db.QueryRowxContext(ctx, query, messageID)

	m, err := scanMessageRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
		}
		return nil, fmt.Errorf("getting message %s: %w", messageID, err)
	}
	return &m, nil
}

// GetMessageByUID retrieves a message by its folder and protocol identifier,
// as reported by watch events.
func (s *SQLiteStore) GetMessageByUID(ctx context.Context, folderID uint64, uid uint32) (*model.MessageSummary, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM messages WHERE folder_id = ? AND uid = ?", messageColumns,
	)
	row := s.db.QueryRowxContext(ctx, query, int64(folderID), uid)

	m, err := scanMessageRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message uid %d in folder %d: %w", uid, folderID, ErrNotFound)
		}
		return nil, fmt.Errorf("getting message by uid %d: %w", uid, err)
	}
	return &m, nil
}

// CountMessages returns the number of listed (not effectively deleted)
// messages in a folder.
func (s *SQLiteStore) CountMessages(ctx context.Context, folderID uint64) (int, error) {
	var n int
	query := fmt.Sprintf(
		"SELECT COUNT(*) FROM messages WHERE folder_id = ? AND %s", notDeletedExpr,
	)
	if err := s.db.GetContext(ctx, &n, query, int64(folderID)); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

// RemoveMessage deletes a message row outright (confirmed expunge or delete).
func (s *SQLiteStore) RemoveMessage(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM messages WHERE message_id = ?", messageID,
	); err != nil {
		return fmt.Errorf("removing message %s: %w", messageID, err)
	}
	return nil
}

// SetMessageUID records a message's protocol identifier in its current
// folder, typically the destination UID reported when a move confirms. Zero
// means the identifier is unknown and must be re-resolved before the message
// is addressed on the server again.
func (s *SQLiteStore) SetMessageUID(ctx context.Context, messageID string, uid uint32) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET uid = ? WHERE message_id = ?", uid, messageID,
	)
	if err != nil {
		return fmt.Errorf("setting uid for %s: %w", messageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
	}
	return nil
}

// UpdateThreading patches thread placement for re-parented messages. Bounded
// to the affected subtree by construction: callers pass only the assignments
// the resolver reports as changed.
func (s *SQLiteStore) UpdateThreading(ctx context.Context, updates []model.ThreadAssignment) error {
	if len(updates) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		UPDATE messages SET thread_id = ?, thread_depth = ?, order_key = ?
		WHERE message_id = ?`)
	if err != nil {
		return fmt.Errorf("preparing thread update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.ThreadID, u.Depth, u.OrderKey, u.MessageID); err != nil {
			return fmt.Errorf("updating thread for %s: %w", u.MessageID, err)
		}
	}

	return tx.Commit()
}

// ListThreadSeeds returns every cached message's threading inputs in date
// order, oldest first, for rebuilding the resolver state at startup.
func (s *SQLiteStore) ListThreadSeeds(ctx context.Context) ([]model.MessageSummary, error) {
	query := fmt.Sprintf("SELECT %s FROM messages ORDER BY date ASC, message_id ASC", messageColumns)
	rows, err := s.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying thread seeds: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// === Dual-truth flag operations ===

// PatchFlags records user flag intent: it layers the override onto
// flags_local and enqueues a pending operation, atomically. A second patch
// for the same message replaces the outstanding flag op, so the last
// submitted intent is the only one reconciled.
func (s *SQLiteStore) PatchFlags(
	ctx context.Context,
	messageID string,
	values, mask flags.Set,
) (*model.PendingOp, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	local, folderID, uid, err := lockMessage(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}

	newLocal := local.Patch(values, mask)
	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET flags_local = ? WHERE message_id = ?",
		int(newLocal), messageID,
	); err != nil {
		return nil, fmt.Errorf("patching flags for %s: %w", messageID, err)
	}

	// One flag op per message: the op always carries the full current
	// override word, so replacing it preserves earlier unconfirmed intent.
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pending_ops WHERE message_id = ? AND kind = ?",
		messageID, string(model.PendingFlags),
	); err != nil {
		return nil, fmt.Errorf("replacing pending flag op for %s: %w", messageID, err)
	}

	opValues, opMask := newLocal.Decode()
	op := &model.PendingOp{
		ID:          uuid.New().String(),
		Kind:        model.PendingFlags,
		MessageID:   messageID,
		FolderID:    folderID,
		UID:         uid,
		TargetFlags: opValues,
		TargetMask:  opMask,
		EnqueuedAt:  time.Now().UTC(),
	}
	if err := insertPendingOp(ctx, tx, op); err != nil {
		return nil, err
	}

	return op, tx.Commit()
}

// ApplyConfirmedFlags records a confirmed server flag state. Overrides whose
// value now matches the server are cleared (reconciliation is idempotent);
// overrides that still differ are kept, since an in-flight pending op
// carries more specific intent than a concurrently observed event. When no
// override survives, the message's pending flag op is dropped too.
func (s *SQLiteStore) ApplyConfirmedFlags(ctx context.Context, messageID string, server flags.Set) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	local, _, _, err := lockMessage(ctx, tx, messageID)
	if err != nil {
		return err
	}

	values, mask := local.Decode()
	agreeing := mask &^ (values ^ server)
	newLocal := local.Clear(agreeing)

	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET flags_server = ?, flags_local = ? WHERE message_id = ?",
		int(server), int(newLocal), messageID,
	); err != nil {
		return fmt.Errorf("applying confirmed flags for %s: %w", messageID, err)
	}

	if newLocal.Overrides() == 0 {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM pending_ops WHERE message_id = ? AND kind = ?",
			messageID, string(model.PendingFlags),
		); err != nil {
			return fmt.Errorf("clearing pending flag op for %s: %w", messageID, err)
		}
	}

	return tx.Commit()
}

// RevertPendingOp drops all local overrides and pending ops for a message,
// restoring server truth. This is the explicit manual-refresh path; nothing
// calls it automatically.
func (s *SQLiteStore) RevertPendingOp(ctx context.Context, messageID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET flags_local = 0 WHERE message_id = ?", messageID,
	); err != nil {
		return fmt.Errorf("reverting flags for %s: %w", messageID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pending_ops WHERE message_id = ?", messageID,
	); err != nil {
		return fmt.Errorf("dropping pending ops for %s: %w", messageID, err)
	}

	return tx.Commit()
}

// === Move / delete ===

// MoveMessage optimistically reassigns a message to another folder and
// enqueues the remote move, atomically. The pending op keeps the original
// folder as the remote location until the move confirms.
func (s *SQLiteStore) MoveMessage(ctx context.Context, messageID string, target model.Folder) (*model.PendingOp, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, folderID, uid, err := lockMessage(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET folder_id = ? WHERE message_id = ?",
		int64(target.ID), messageID,
	); err != nil {
		return nil, fmt.Errorf("moving message %s: %w", messageID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pending_ops WHERE message_id = ? AND kind = ?",
		messageID, string(model.PendingMove),
	); err != nil {
		return nil, fmt.Errorf("replacing pending move op for %s: %w", messageID, err)
	}

	op := &model.PendingOp{
		ID:           uuid.New().String(),
		Kind:         model.PendingMove,
		MessageID:    messageID,
		FolderID:     folderID,
		UID:          uid,
		TargetFolder: target.Path,
		EnqueuedAt:   time.Now().UTC(),
	}
	if err := insertPendingOp(ctx, tx, op); err != nil {
		return nil, err
	}

	return op, tx.Commit()
}

// DeleteMessage optimistically hides a message (a \Deleted override) and
// enqueues the remote delete, atomically. The row is removed only once the
// delete confirms; until then the intent is visible and revertable.
func (s *SQLiteStore) DeleteMessage(ctx context.Context, messageID string) (*model.PendingOp, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	local, folderID, uid, err := lockMessage(ctx, tx, messageID)
	if err != nil {
		return nil, err
	}

	newLocal := local.Patch(flags.Deleted, flags.Deleted)
	if _, err := tx.ExecContext(ctx,
		"UPDATE messages SET flags_local = ? WHERE message_id = ?",
		int(newLocal), messageID,
	); err != nil {
		return nil, fmt.Errorf("marking message %s deleted: %w", messageID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pending_ops WHERE message_id = ? AND kind = ?",
		messageID, string(model.PendingDelete),
	); err != nil {
		return nil, fmt.Errorf("replacing pending delete op for %s: %w", messageID, err)
	}

	op := &model.PendingOp{
		ID:         uuid.New().String(),
		Kind:       model.PendingDelete,
		MessageID:  messageID,
		FolderID:   folderID,
		UID:        uid,
		EnqueuedAt: time.Now().UTC(),
	}
	if err := insertPendingOp(ctx, tx, op); err != nil {
		return nil, err
	}

	return op, tx.Commit()
}

// === Bodies ===

// SaveBody caches a fetched message body. Bodies are invalidated only by
// explicit eviction.
func (s *SQLiteStore) SaveBody(ctx context.Context, body model.MessageBody) error {
	attachments, err := json.Marshal(body.Attachments)
	if err != nil {
		return fmt.Errorf("marshaling attachments for %s: %w", body.MessageID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET body_text = ?, body_html = ?, attachments = ?, has_body = 1
		WHERE message_id = ?`,
		body.Text, body.HTML, string(attachments), body.MessageID,
	)
	if err != nil {
		return fmt.Errorf("saving body for %s: %w", body.MessageID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", body.MessageID, ErrNotFound)
	}
	return nil
}

// GetBody returns the cached body for a message, or nil if none was fetched.
func (s *SQLiteStore) GetBody(ctx context.Context, messageID string) (*model.MessageBody, error) {
	var (
		hasBody     int
		text, html  string
		attachments string
	)
	row := s.db.QueryRowxContext(ctx,
		"SELECT has_body, body_text, body_html, attachments FROM messages WHERE message_id = ?",
		messageID,
	)
	if err := row.Scan(&hasBody, &text, &html, &attachments); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
		}
		return nil, fmt.Errorf("loading body for %s: %w", messageID, err)
	}
	if hasBody == 0 {
		return nil, nil
	}

	body := &model.MessageBody{MessageID: messageID, Text: text, HTML: html}
	if attachments != "" {
		if err := json.Unmarshal([]byte(attachments), &body.Attachments); err != nil {
			return nil, fmt.Errorf("unmarshaling attachments for %s: %w", messageID, err)
		}
	}
	return body, nil
}

// EvictBody drops a cached body.
func (s *SQLiteStore) EvictBody(ctx context.Context, messageID string) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET body_text = '', body_html = '', attachments = '[]', has_body = 0
		WHERE message_id = ?`, messageID,
	); err != nil {
		return fmt.Errorf("evicting body for %s: %w", messageID, err)
	}
	return nil
}

// === Pending operations ===

// ListPendingOps returns all outstanding operations, oldest first.
func (s *SQLiteStore) ListPendingOps(ctx context.Context) ([]model.PendingOp, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, kind, message_id, folder_id, uid,
		       target_flags, target_mask, target_folder,
		       enqueued_at, attempts, last_error
		FROM pending_ops ORDER BY enqueued_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying pending ops: %w", err)
	}
	defer rows.Close()

	var ops []model.PendingOp
	for rows.Next() {
		var (
			op             model.PendingOp
			kind           string
			folderID       int64
			targets, masks int
			enqueuedAt     time.Time
		)
		err := rows.Scan(
			&op.ID, &kind, &op.MessageID, &folderID, &op.UID,
			&targets, &masks, &op.TargetFolder,
			&enqueuedAt, &op.Attempts, &op.LastError,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning pending op row: %w", err)
		}
		op.Kind = model.PendingOpKind(kind)
		op.FolderID = uint64(folderID)
		op.TargetFlags = flags.Set(targets)
		op.TargetMask = flags.Set(masks)
		op.EnqueuedAt = enqueuedAt
		ops = append(ops, op)
	}

	return ops, rows.Err()
}

// DeletePendingOp removes a pending operation by id.
func (s *SQLiteStore) DeletePendingOp(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pending_ops WHERE id = ?", id); err != nil {
		return fmt.Errorf("deleting pending op %s: %w", id, err)
	}
	return nil
}

// BumpPendingOp records a failed reconciliation attempt.
func (s *SQLiteStore) BumpPendingOp(ctx context.Context, id string, lastError string) error {
	if _, err := s.db.ExecContext(ctx,
		"UPDATE pending_ops SET attempts = attempts + 1, last_error = ? WHERE id = ?",
		lastError, id,
	); err != nil {
		return fmt.Errorf("updating pending op %s: %w", id, err)
	}
	return nil
}

// === Scan helpers ===

// lockMessage reads the flag and location state of a message inside a
// transaction, translating a missing row to ErrNotFound.
func lockMessage(ctx context.Context, tx *sqlx.Tx, messageID string) (flags.Local, uint64, uint32, error) {
	var (
		local    int
		folderID int64
		uid      uint32
	)
	row := tx.QueryRowxContext(ctx,
		"SELECT flags_local, folder_id, uid FROM messages WHERE message_id = ?", messageID,
	)
	if err := row.Scan(&local, &folderID, &uid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, 0, fmt.Errorf("message %s: %w", messageID, ErrNotFound)
		}
		return 0, 0, 0, fmt.Errorf("reading message %s: %w", messageID, err)
	}
	return flags.Local(local), uint64(folderID), uid, nil
}

func insertPendingOp(ctx context.Context, tx *sqlx.Tx, op *model.PendingOp) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO pending_ops (
			id, kind, message_id, folder_id, uid,
			target_flags, target_mask, target_folder,
			enqueued_at, attempts, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Kind), op.MessageID, int64(op.FolderID), op.UID,
		int(op.TargetFlags), int(op.TargetMask), op.TargetFolder,
		op.EnqueuedAt, op.Attempts, op.LastError,
	)
	if err != nil {
		return fmt.Errorf("enqueueing pending op for %s: %w", op.MessageID, err)
	}
	return nil
}

type messageScanner interface {
	Scan(dest ...interface{}) error
}

// scanMessage scans one messageColumns row.
func scanMessage(row messageScanner) (model.MessageSummary, error) {
	var (
		m            model.MessageSummary
		folderID     int64
		participants string
		date         time.Time
		hasAtt       int
		server       int
		local        int
		refs         string
	)

	err := row.Scan(
		&m.ID, &folderID, &m.UID, &m.Subject, &m.From, &participants,
		&date, &m.Size, &hasAtt, &server, &local,
		&m.ThreadID, &m.ThreadDepth, &m.OrderKey, &m.InReplyTo, &refs,
	)
	if err != nil {
		return model.MessageSummary{}, err
	}

	m.FolderID = uint64(folderID)
	m.Date = date
	m.HasAttachments = hasAtt != 0
	m.FlagsServer = flags.Set(server)
	m.FlagsLocal = flags.Local(local)
	if participants != "" {
		m.Participants = strings.Split(participants, ", ")
	}
	if refs != "" {
		m.References = strings.Fields(refs)
	}

	return m, nil
}

func scanMessageRow(row *sqlx.Row) (model.MessageSummary, error) {
	return scanMessage(row)
}

func collectMessages(rows *sqlx.Rows) ([]model.MessageSummary, error) {
	var out []model.MessageSummary
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// boolToInt converts a boolean to 0 or 1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
