package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"thesis/api/internal/domain"
	"thesis/api/internal/util"
)

const maxVersionAttempts = 5

const submissionColumns = `id, research_id, unit_type, part_name, title, version, filename, content_type, size,
	checksum, storage_ref, uploaded_at, uploaded_by, status, review_comment, reviewed_by, reviewed_at, review_attachments`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (domain.Submission, error) {
	var sub domain.Submission
	var unitType, status string
	var reviewedAt sql.NullTime
	var attachmentsRaw []byte
	if err := row.Scan(
		&sub.ID,
		&sub.ResearchID,
		&unitType,
		&sub.PartName,
		&sub.Title,
		&sub.Version,
		&sub.Filename,
		&sub.ContentType,
		&sub.Size,
		&sub.Checksum,
		&sub.StorageRef,
		&sub.UploadedAt,
		&sub.UploadedBy,
		&status,
		&sub.ReviewComment,
		&sub.ReviewedBy,
		&reviewedAt,
		&attachmentsRaw,
	); err != nil {
		return domain.Submission{}, err
	}
	sub.UnitType = domain.UnitType(unitType)
	sub.Status = domain.Status(status)
	if reviewedAt.Valid {
		value := reviewedAt.Time
		sub.ReviewedAt = &value
	}
	sub.ReviewAttachments = []domain.Attachment{}
	if len(attachmentsRaw) > 0 {
		if err := json.Unmarshal(attachmentsRaw, &sub.ReviewAttachments); err != nil {
			return domain.Submission{}, fmt.Errorf("decode review attachments: %w", err)
		}
	}
	return sub, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateSubmission assigns max(version)+1 within the unit. Concurrent uploads
// of one unit are serialized by a transaction-scoped advisory lock; a unique
// violation that still slips through is retried.
func (s *PostgresStore) CreateSubmission(ctx context.Context, sub domain.Submission) (domain.Submission, error) {
	if sub.ID == "" {
		sub.ID = util.NewID("sub")
	}
	sub.PartName = domain.NormalizePartString(sub.PartName)

	var lastErr error
	for attempt := 0; attempt < maxVersionAttempts; attempt++ {
		created, err := s.insertSubmission(ctx, sub)
		if err == nil {
			return created, nil
		}
		if !isUniqueViolation(err) {
			return domain.Submission{}, err
		}
		lastErr = err
	}
	return domain.Submission{}, fmt.Errorf("create submission: %w: %v", ErrVersionConflict, lastErr)
}

func (s *PostgresStore) insertSubmission(ctx context.Context, sub domain.Submission) (domain.Submission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("begin submission tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, sub.Key().String()); err != nil {
		return domain.Submission{}, fmt.Errorf("lock unit: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO submissions (id, research_id, unit_type, part_name, title, version, filename, content_type, size, checksum, storage_ref, uploaded_by, status, review_attachments)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::text, COALESCE(MAX(version), 0) + 1, $6::text, $7::text, $8::bigint, $9::text, $10::text, $11::text, 'pending', '[]'::jsonb
		FROM submissions
		WHERE research_id=$2::text AND unit_type=$3::text AND part_name=$4::text
		RETURNING `+submissionColumns,
		sub.ID, sub.ResearchID, string(sub.UnitType), sub.PartName, sub.Title,
		sub.Filename, sub.ContentType, sub.Size, sub.Checksum, sub.StorageRef, sub.UploadedBy,
	)
	created, err := scanSubmission(row)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Submission{}, fmt.Errorf("commit submission: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=$1`, id)
	sub, err := scanSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Submission{}, ErrNotFound
	}
	if err != nil {
		return domain.Submission{}, fmt.Errorf("get submission: %w", err)
	}
	return sub, nil
}

func (s *PostgresStore) ListSubmissions(ctx context.Context, researchID string, filter SubmissionFilter) iter.Seq2[domain.Submission, error] {
	return func(yield func(domain.Submission, error) bool) {
		query, args := buildSubmissionQuery(researchID, filter)
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(domain.Submission{}, fmt.Errorf("list submissions: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			sub, err := scanSubmission(rows)
			if err != nil {
				yield(domain.Submission{}, fmt.Errorf("scan submission: %w", err))
				return
			}
			if !yield(sub, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(domain.Submission{}, fmt.Errorf("iterate submissions: %w", err))
		}
	}
}

func buildSubmissionQuery(researchID string, filter SubmissionFilter) (string, []any) {
	clauses := []string{"research_id=$1"}
	args := []any{researchID}
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, strings.ReplaceAll(clause, "?", fmt.Sprintf("$%d", len(args))))
	}

	if filter.UnitType != "" {
		add("unit_type=?", string(filter.UnitType))
	}
	if filter.Status != "" {
		add("status=?", string(filter.Status))
	}
	if needle := strings.TrimSpace(filter.PartContains); needle != "" {
		add("part_name <> '"+domain.FullUnit+"' AND part_name ILIKE ?", likePattern(needle))
	}
	if filter.UploadedFrom != nil {
		add("uploaded_at >= ?", *filter.UploadedFrom)
	}
	if filter.UploadedTo != nil {
		add("uploaded_at < ?", *filter.UploadedTo)
	}
	if needle := strings.TrimSpace(filter.Query); needle != "" {
		add("(filename ILIKE ? OR title ILIKE ? OR (part_name <> '"+domain.FullUnit+"' AND part_name ILIKE ?))", likePattern(needle))
	}

	return `SELECT ` + submissionColumns + ` FROM submissions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY unit_type, part_name, version DESC`, args
}

func likePattern(needle string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(needle) + "%"
}

func (s *PostgresStore) ApplyReview(ctx context.Context, id string, from domain.Status, update ReviewUpdate) (domain.Submission, error) {
	attachments := update.Attachments
	if attachments == nil {
		attachments = []domain.Attachment{}
	}
	encoded, err := json.Marshal(attachments)
	if err != nil {
		return domain.Submission{}, fmt.Errorf("marshal review attachments: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE submissions
		SET status=$3, reviewed_by=$4, reviewed_at=$5, review_comment=$6, review_attachments=review_attachments || $7::jsonb
		WHERE id=$1 AND status=$2
		RETURNING `+submissionColumns,
		id, string(from), string(update.Status), update.ReviewedBy, update.ReviewedAt, update.Comment, string(encoded),
	)
	sub, err := scanSubmission(row)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Submission{}, fmt.Errorf("apply review: %w", err)
	}
	if _, getErr := s.GetSubmission(ctx, id); getErr != nil {
		return domain.Submission{}, getErr
	}
	return domain.Submission{}, fmt.Errorf("review %s from %s: %w", id, from, ErrStateChanged)
}

func (s *PostgresStore) DeleteSubmission(ctx context.Context, id string) (domain.Submission, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM submissions
		WHERE id=$1 AND status <> 'approved'
		RETURNING `+submissionColumns, id)
	sub, err := scanSubmission(row)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Submission{}, fmt.Errorf("delete submission: %w", err)
	}
	if _, getErr := s.GetSubmission(ctx, id); getErr != nil {
		return domain.Submission{}, getErr
	}
	return domain.Submission{}, ErrApprovedImmutable
}

func (s *PostgresStore) CreateResearch(ctx context.Context, research domain.Research, milestones []domain.Milestone) error {
	shared := research.SharedWith
	if shared == nil {
		shared = []string{}
	}
	encodedShares, err := json.Marshal(shared)
	if err != nil {
		return fmt.Errorf("marshal research shares: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin research tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO research (id, title, student_id, adviser_id, timezone, shared_with, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
	`, research.ID, research.Title, research.StudentID, research.AdviserID, research.Timezone, string(encodedShares), research.CreatedAt); err != nil {
		return fmt.Errorf("insert research: %w", err)
	}

	for _, milestone := range milestones {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO milestones (id, research_id, stage_key, title, description, unit_type, sort_order, due_date, status, completed_at, submission_link)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`, milestone.ID, research.ID, milestone.StageKey, milestone.Title, milestone.Description, string(milestone.Unit),
			milestone.SortOrder, nullTime(milestone.DueDate), string(milestone.Status), nullTime(milestone.CompletedAt), milestone.SubmissionLink); err != nil {
			return fmt.Errorf("insert milestone %s: %w", milestone.StageKey, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit research: %w", err)
	}
	return nil
}

const researchColumns = `id, title, student_id, adviser_id, timezone, shared_with, archived_at, deleted_at, created_at`

func scanResearch(row rowScanner) (domain.Research, error) {
	var research domain.Research
	var sharedRaw []byte
	var archivedAt, deletedAt sql.NullTime
	if err := row.Scan(&research.ID, &research.Title, &research.StudentID, &research.AdviserID, &research.Timezone, &sharedRaw, &archivedAt, &deletedAt, &research.CreatedAt); err != nil {
		return domain.Research{}, err
	}
	research.ArchivedAt = timePtr(archivedAt)
	research.DeletedAt = timePtr(deletedAt)
	research.SharedWith = []string{}
	if len(sharedRaw) > 0 {
		if err := json.Unmarshal(sharedRaw, &research.SharedWith); err != nil {
			return domain.Research{}, fmt.Errorf("decode research shares: %w", err)
		}
	}
	return research, nil
}

func (s *PostgresStore) GetResearch(ctx context.Context, id string) (domain.Research, error) {
	research, err := scanResearch(s.db.QueryRowContext(ctx, `SELECT `+researchColumns+` FROM research WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Research{}, ErrNotFound
	}
	if err != nil {
		return domain.Research{}, fmt.Errorf("get research: %w", err)
	}
	return research, nil
}

func (s *PostgresStore) ListResearch(ctx context.Context) ([]domain.Research, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+researchColumns+` FROM research WHERE deleted_at IS NULL ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list research: %w", err)
	}
	defer rows.Close()
	items := make([]domain.Research, 0)
	for rows.Next() {
		research, err := scanResearch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan research: %w", err)
		}
		items = append(items, research)
	}
	return items, rows.Err()
}

func (s *PostgresStore) SetResearchArchived(ctx context.Context, id string, at *time.Time) error {
	return s.updateResearch(ctx, "archive research", `UPDATE research SET archived_at=$2 WHERE id=$1`, id, nullTime(at))
}

func (s *PostgresStore) SetResearchDeleted(ctx context.Context, id string, at *time.Time) error {
	return s.updateResearch(ctx, "trash research", `UPDATE research SET deleted_at=$2 WHERE id=$1`, id, nullTime(at))
}

func (s *PostgresStore) updateResearch(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows: %w", op, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddResearchShares(ctx context.Context, id string, userIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin share tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var sharedRaw []byte
	err = tx.QueryRowContext(ctx, `SELECT shared_with FROM research WHERE id=$1 FOR UPDATE`, id).Scan(&sharedRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read research shares: %w", err)
	}
	existing := []string{}
	if len(sharedRaw) > 0 {
		if err := json.Unmarshal(sharedRaw, &existing); err != nil {
			return fmt.Errorf("decode research shares: %w", err)
		}
	}
	encoded, err := json.Marshal(mergeShares(existing, userIDs))
	if err != nil {
		return fmt.Errorf("marshal research shares: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE research SET shared_with=$2::jsonb WHERE id=$1`, id, string(encoded)); err != nil {
		return fmt.Errorf("update research shares: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit research shares: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeResearch(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purge tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var deletedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `SELECT deleted_at FROM research WHERE id=$1 FOR UPDATE`, id).Scan(&deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read research: %w", err)
	}
	if !deletedAt.Valid {
		return ErrNotTrashed
	}

	var protected bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM submissions WHERE research_id=$1 AND status='approved')`, id).Scan(&protected); err != nil {
		return fmt.Errorf("check approved submissions: %w", err)
	}
	if protected {
		return ErrProtected
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM research WHERE id=$1`, id); err != nil {
		return fmt.Errorf("purge research: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit purge: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMilestones(ctx context.Context, researchID string) ([]domain.Milestone, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM research WHERE id=$1)`, researchID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check research: %w", err)
	}
	if !exists {
		return nil, ErrNotFound
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, research_id, stage_key, title, description, unit_type, sort_order, due_date, status, completed_at, submission_link
		FROM milestones
		WHERE research_id=$1
		ORDER BY sort_order ASC, stage_key ASC
	`, researchID)
	if err != nil {
		return nil, fmt.Errorf("list milestones: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Milestone, 0)
	for rows.Next() {
		var item domain.Milestone
		var unitType, status string
		var dueDate, completedAt sql.NullTime
		if err := rows.Scan(&item.ID, &item.ResearchID, &item.StageKey, &item.Title, &item.Description, &unitType,
			&item.SortOrder, &dueDate, &status, &completedAt, &item.SubmissionLink); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		item.Unit = domain.UnitType(unitType)
		item.Status = domain.MilestoneStatus(status)
		item.DueDate = timePtr(dueDate)
		item.CompletedAt = timePtr(completedAt)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate milestones: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateMilestone(ctx context.Context, milestone domain.Milestone) error {
	return s.updateResearch(ctx, "update milestone", `
		UPDATE milestones
		SET due_date=$3, status=$4, completed_at=$5, submission_link=$6
		WHERE research_id=$1 AND id=$2
	`, milestone.ResearchID, milestone.ID, nullTime(milestone.DueDate), string(milestone.Status), nullTime(milestone.CompletedAt), milestone.SubmissionLink)
}

func nullTime(value *time.Time) sql.NullTime {
	if value == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *value, Valid: true}
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	out := value.Time
	return &out
}
