package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/iago/feedback-pipeline/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements the repositories over the product's existing
// feedback, projects and insights tables.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

const feedbackColumns = `f.id, f.project_id, f.text, f.rating, f.category, f.tags, f.sentiment,
	f.sentiment_score, f.sentiment_confidence, f.processing_status, f.created_at, f.processed_at`

func (s *PostgresStore) GetFeedback(ctx context.Context, feedbackID string) (*domain.Feedback, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+feedbackColumns+` FROM feedback f WHERE f.id = $1`, feedbackID)
	feedback, err := scanFeedback(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query feedback: %w", err)
	}
	return feedback, nil
}

func (s *PostgresStore) SetProcessingStatus(ctx context.Context, feedbackID string, status domain.ProcessingStatus) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE feedback
		SET processing_status = $2,
			updated_at = NOW()
		WHERE id = $1
	`, feedbackID, string(status))
	if err != nil {
		return fmt.Errorf("update feedback status: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveAnalysis(ctx context.Context, feedbackID string, update domain.FeedbackAnalysisUpdate) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE feedback
		SET sentiment = $2,
			sentiment_score = $3,
			sentiment_confidence = $4,
			category = $5,
			tags = $6,
			processing_status = $7,
			processed_at = $8,
			updated_at = $8
		WHERE id = $1
	`,
		feedbackID,
		string(update.Sentiment.Sentiment),
		update.Sentiment.Score,
		update.Sentiment.Confidence,
		string(update.Analysis.Category),
		update.Analysis.Tags,
		string(domain.ProcessingCompleted),
		update.At,
	)
	if err != nil {
		return fmt.Errorf("save feedback analysis: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListForInsights(ctx context.Context, query domain.FeedbackQuery) ([]domain.Feedback, error) {
	baseQuery, args := buildInsightFilters(query)
	listQuery := `SELECT ` + feedbackColumns + ` ` + baseQuery + ` ORDER BY f.created_at DESC, f.id DESC`
	if query.Limit > 0 {
		listQuery += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, query.Limit)
	}

	rows, err := s.pool.Query(ctx, listQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("list feedback for insights: %w", err)
	}
	defer rows.Close()

	items := make([]domain.Feedback, 0)
	for rows.Next() {
		feedback, err := scanFeedback(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feedback row: %w", err)
		}
		items = append(items, *feedback)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate feedback rows: %w", rows.Err())
	}
	return items, nil
}

func buildInsightFilters(query domain.FeedbackQuery) (string, []any) {
	builder := strings.Builder{}
	builder.WriteString("FROM feedback f JOIN projects p ON p.id = f.project_id WHERE p.owner_id = $1")

	args := []any{query.UserID}
	argIndex := 2

	if query.ProjectID != nil {
		builder.WriteString(fmt.Sprintf(" AND f.project_id = $%d", argIndex))
		args = append(args, *query.ProjectID)
		argIndex++
	}
	if query.Filters.StartDate != nil {
		builder.WriteString(fmt.Sprintf(" AND f.created_at >= $%d", argIndex))
		args = append(args, *query.Filters.StartDate)
		argIndex++
	}
	if query.Filters.EndDate != nil {
		builder.WriteString(fmt.Sprintf(" AND f.created_at <= $%d", argIndex))
		args = append(args, *query.Filters.EndDate)
		argIndex++
	}
	if query.Filters.Category != nil {
		builder.WriteString(fmt.Sprintf(" AND f.category = $%d", argIndex))
		args = append(args, string(*query.Filters.Category))
		argIndex++
	}
	if query.Filters.Sentiment != nil {
		builder.WriteString(fmt.Sprintf(" AND f.sentiment = $%d", argIndex))
		args = append(args, string(*query.Filters.Sentiment))
	}

	return builder.String(), args
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (*domain.Project, error) {
	var (
		project    domain.Project
		webhookURL *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, name, webhook_url
		FROM projects
		WHERE id = $1
	`, projectID).Scan(&project.ID, &project.OwnerID, &project.Name, &webhookURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query project: %w", err)
	}
	if webhookURL != nil {
		project.WebhookURL = *webhookURL
	}
	return &project, nil
}

func (s *PostgresStore) AppendInsight(ctx context.Context, record domain.InsightRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	filters, err := json.Marshal(record.Filters)
	if err != nil {
		return fmt.Errorf("encode insight filters: %w", err)
	}
	report, err := json.Marshal(record.Report)
	if err != nil {
		return fmt.Errorf("encode insight report: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO insights (id, user_id, project_id, filters, cache_key, report, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, record.ID, record.UserID, record.ProjectID, filters, record.CacheKey, report, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert insight: %w", err)
	}
	return nil
}

func (s *PostgresStore) LatestInsight(ctx context.Context, cacheKey string) (*domain.InsightRecord, error) {
	var (
		record  domain.InsightRecord
		filters []byte
		report  []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, project_id, filters, cache_key, report, created_at
		FROM insights
		WHERE cache_key = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, cacheKey).Scan(
		&record.ID,
		&record.UserID,
		&record.ProjectID,
		&filters,
		&record.CacheKey,
		&report,
		&record.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query latest insight: %w", err)
	}
	if err := json.Unmarshal(filters, &record.Filters); err != nil {
		return nil, fmt.Errorf("decode insight filters: %w", err)
	}
	if err := json.Unmarshal(report, &record.Report); err != nil {
		return nil, fmt.Errorf("decode insight report: %w", err)
	}
	return &record, nil
}

func scanFeedback(row pgx.Row) (*domain.Feedback, error) {
	var (
		feedback  domain.Feedback
		category  *string
		sentiment *string
		status    *string
		tags      []string
	)
	err := row.Scan(
		&feedback.ID,
		&feedback.ProjectID,
		&feedback.Text,
		&feedback.Rating,
		&category,
		&tags,
		&sentiment,
		&feedback.SentimentScore,
		&feedback.SentimentConfidence,
		&status,
		&feedback.CreatedAt,
		&feedback.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	if category != nil {
		feedback.Category = domain.FeedbackCategory(*category)
	}
	if sentiment != nil {
		feedback.Sentiment = domain.Sentiment(*sentiment)
	}
	feedback.ProcessingStatus = domain.ProcessingPending
	if status != nil {
		feedback.ProcessingStatus = domain.ProcessingStatus(*status)
	}
	feedback.Tags = tags
	return &feedback, nil
}
