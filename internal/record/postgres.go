package record

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/vachhanidhyey/llm-intercept/migrations"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) configure() error {
	s.db.SetMaxOpenConns(10)
	s.db.SetMaxIdleConns(5)
	return nil
}

func (s *PostgresStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverPostgres); err != nil {
		return fmt.Errorf("ensure postgres schema: %w", err)
	}
	return nil
}

const postgresInsertSQL = `
INSERT INTO exchanges (
    id,
    created_at,
    model,
    messages,
    temperature,
    max_tokens,
    top_p,
    frequency_penalty,
    presence_penalty,
    stream,
    functions,
    function_call,
    tools,
    tool_choice,
    response_body,
    tool_calls,
    elapsed_ms,
    status,
    status_code,
    error_detail,
    api_key_hash,
    correlation_id
) VALUES (
    $1,
    $2,
    $3,
    $4::jsonb,
    $5,
    $6,
    $7,
    $8,
    $9,
    $10,
    NULLIF($11, '')::jsonb,
    NULLIF($12, '')::jsonb,
    NULLIF($13, '')::jsonb,
    NULLIF($14, '')::jsonb,
    NULLIF($15, ''),
    NULLIF($16, '')::jsonb,
    $17,
    $18,
    $19,
    NULLIF($20, ''),
    $21,
    $22
)`

func postgresInsertArgs(row *Exchange) []any {
	return []any{
		row.ID,
		row.CreatedAt.UTC(),
		row.Model,
		row.MessagesJSON,
		row.Temperature,
		row.MaxTokens,
		row.TopP,
		row.FrequencyPenalty,
		row.PresencePenalty,
		row.Stream,
		row.FunctionsJSON,
		row.FunctionCallJSON,
		row.ToolsJSON,
		row.ToolChoiceJSON,
		row.ResponseBody,
		row.ToolCallsJSON,
		row.ElapsedMS,
		row.Status,
		row.StatusCode,
		row.ErrorDetail,
		row.APIKeyHash,
		row.CorrelationID,
	}
}

func (s *PostgresStore) WriteExchange(ctx context.Context, exchange *Exchange) error {
	if exchange == nil {
		return nil
	}

	row := normalizeExchange(exchange)
	if _, err := s.db.ExecContext(ctx, postgresInsertSQL, postgresInsertArgs(row)...); err != nil {
		return fmt.Errorf("write exchange %q: %w", row.ID, err)
	}

	return nil
}

func (s *PostgresStore) WriteBatch(ctx context.Context, exchanges []*Exchange) error {
	if len(exchanges) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin postgres batch transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, postgresInsertSQL)
	if err != nil {
		return fmt.Errorf("prepare postgres batch insert: %w", err)
	}
	defer stmt.Close()

	for _, exchange := range exchanges {
		if exchange == nil {
			continue
		}
		row := normalizeExchange(exchange)
		if _, err := stmt.ExecContext(ctx, postgresInsertArgs(row)...); err != nil {
			return fmt.Errorf("write exchange %q in batch: %w", row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit postgres batch transaction: %w", err)
	}

	return nil
}

const postgresSelectColumns = `
id,
created_at,
model,
messages::text,
temperature,
max_tokens,
top_p,
frequency_penalty,
presence_penalty,
stream,
functions::text,
function_call::text,
tools::text,
tool_choice::text,
response_body,
tool_calls::text,
elapsed_ms,
status,
status_code,
error_detail,
api_key_hash,
correlation_id
`

func (s *PostgresStore) GetExchange(ctx context.Context, id string) (*Exchange, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+postgresSelectColumns+" FROM exchanges WHERE id = $1 LIMIT 1", id)
	exchange, err := scanPostgresExchangeRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get exchange %q: %w", id, err)
	}
	return exchange, nil
}

func (s *PostgresStore) QueryExchanges(ctx context.Context, filter Filter) (*Result, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	whereSQL, args := buildPostgresExchangeWhere(filter)

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM exchanges WHERE "+whereSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count exchanges: %w", err)
	}

	query := fmt.Sprintf(
		"SELECT %s FROM exchanges WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d",
		postgresSelectColumns, whereSQL, len(args)+1, len(args)+2,
	)
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	items := make([]*Exchange, 0, limit)
	for rows.Next() {
		row, err := scanPostgresExchangeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exchange row: %w", err)
		}
		items = append(items, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate exchange rows: %w", err)
	}

	return &Result{
		Items: items,
		Total: total,
	}, nil
}

func (s *PostgresStore) Stats(ctx context.Context, filter Filter) (*Stats, error) {
	whereSQL, args := buildPostgresExchangeWhere(filter)

	stats := &Stats{}
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*),
	COALESCE(SUM(CASE WHEN stream THEN 1 ELSE 0 END), 0),
	COALESCE(AVG(elapsed_ms), 0)
FROM exchanges
WHERE `+whereSQL, args...)
	if err := row.Scan(&stats.TotalExchanges, &stats.StreamingCount, &stats.AvgElapsedMS); err != nil {
		return nil, fmt.Errorf("query exchange totals: %w", err)
	}

	modelRows, err := s.db.QueryContext(ctx,
		"SELECT model, COUNT(*) AS request_count FROM exchanges WHERE "+whereSQL+" GROUP BY model ORDER BY request_count DESC, model ASC",
		args...)
	if err != nil {
		return nil, fmt.Errorf("query model counts: %w", err)
	}
	defer modelRows.Close()

	for modelRows.Next() {
		var item ModelCount
		if err := modelRows.Scan(&item.Model, &item.Count); err != nil {
			return nil, fmt.Errorf("scan model count row: %w", err)
		}
		stats.ByModel = append(stats.ByModel, item)
	}
	if err := modelRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate model count rows: %w", err)
	}

	statusRows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM exchanges WHERE "+whereSQL+" GROUP BY status ORDER BY status ASC",
		args...)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer statusRows.Close()

	for statusRows.Next() {
		var item StatusCount
		if err := statusRows.Scan(&item.Status, &item.Count); err != nil {
			return nil, fmt.Errorf("scan status count row: %w", err)
		}
		stats.ByStatus = append(stats.ByStatus, item)
	}
	if err := statusRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status count rows: %w", err)
	}

	return stats, nil
}

func buildPostgresExchangeWhere(filter Filter) (string, []any) {
	where := make([]string, 0, 6)
	args := make([]any, 0, 6)

	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Model != "" {
		where = append(where, "model = "+arg(filter.Model))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(filter.Status))
	}
	if filter.APIKeyHash != "" {
		where = append(where, "api_key_hash = "+arg(filter.APIKeyHash))
	}
	if filter.Search != "" {
		where = append(where, "messages::text ILIKE '%' || "+arg(filter.Search)+" || '%'")
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= "+arg(filter.From.UTC()))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= "+arg(filter.To.UTC()))
	}

	if len(where) == 0 {
		return "1=1", args
	}
	return strings.Join(where, " AND "), args
}

func scanPostgresExchangeRow(scanner rowScanner) (*Exchange, error) {
	var (
		item             Exchange
		temperature      sql.NullFloat64
		maxTokens        sql.NullInt64
		topP             sql.NullFloat64
		frequencyPenalty sql.NullFloat64
		presencePenalty  sql.NullFloat64
		functions        sql.NullString
		functionCall     sql.NullString
		tools            sql.NullString
		toolChoice       sql.NullString
		responseBody     sql.NullString
		toolCalls        sql.NullString
		errorDetail      sql.NullString
		correlationID    sql.NullString
	)

	if err := scanner.Scan(
		&item.ID,
		&item.CreatedAt,
		&item.Model,
		&item.MessagesJSON,
		&temperature,
		&maxTokens,
		&topP,
		&frequencyPenalty,
		&presencePenalty,
		&item.Stream,
		&functions,
		&functionCall,
		&tools,
		&toolChoice,
		&responseBody,
		&toolCalls,
		&item.ElapsedMS,
		&item.Status,
		&item.StatusCode,
		&errorDetail,
		&item.APIKeyHash,
		&correlationID,
	); err != nil {
		return nil, err
	}

	item.CreatedAt = item.CreatedAt.UTC()
	if temperature.Valid {
		item.Temperature = &temperature.Float64
	}
	if maxTokens.Valid {
		v := int(maxTokens.Int64)
		item.MaxTokens = &v
	}
	if topP.Valid {
		item.TopP = &topP.Float64
	}
	if frequencyPenalty.Valid {
		item.FrequencyPenalty = &frequencyPenalty.Float64
	}
	if presencePenalty.Valid {
		item.PresencePenalty = &presencePenalty.Float64
	}
	if functions.Valid {
		item.FunctionsJSON = functions.String
	}
	if functionCall.Valid {
		item.FunctionCallJSON = functionCall.String
	}
	if tools.Valid {
		item.ToolsJSON = tools.String
	}
	if toolChoice.Valid {
		item.ToolChoiceJSON = toolChoice.String
	}
	if responseBody.Valid {
		item.ResponseBody = responseBody.String
	}
	if toolCalls.Valid {
		item.ToolCallsJSON = toolCalls.String
	}
	if errorDetail.Valid {
		item.ErrorDetail = errorDetail.String
	}
	if correlationID.Valid {
		item.CorrelationID = correlationID.String
	}

	return &item, nil
}
