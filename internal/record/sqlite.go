package record

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vachhanidhyey/llm-intercept/migrations"

	_ "modernc.org/sqlite"
)

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY contention when callers write concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
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

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const exchangeInsertSQL = `
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
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func exchangeInsertArgs(row *Exchange) []any {
	return []any{
		row.ID,
		row.CreatedAt,
		row.Model,
		row.MessagesJSON,
		row.Temperature,
		row.MaxTokens,
		row.TopP,
		row.FrequencyPenalty,
		row.PresencePenalty,
		row.Stream,
		nullableText(row.FunctionsJSON),
		nullableText(row.FunctionCallJSON),
		nullableText(row.ToolsJSON),
		nullableText(row.ToolChoiceJSON),
		nullableText(row.ResponseBody),
		nullableText(row.ToolCallsJSON),
		row.ElapsedMS,
		row.Status,
		row.StatusCode,
		nullableText(row.ErrorDetail),
		row.APIKeyHash,
		row.CorrelationID,
	}
}

func (s *SQLiteStore) WriteExchange(ctx context.Context, exchange *Exchange) error {
	if exchange == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	row := normalizeExchange(exchange)
	err := retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, exchangeInsertSQL, exchangeInsertArgs(row)...)
		return err
	})
	if err != nil {
		return fmt.Errorf("write exchange %q: %w", row.ID, err)
	}

	return nil
}

func (s *SQLiteStore) WriteBatch(ctx context.Context, exchanges []*Exchange) error {
	if len(exchanges) == 0 {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return retrySQLiteBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin sqlite batch transaction: %w", err)
		}
		defer func() {
			_ = tx.Rollback()
		}()

		stmt, err := tx.PrepareContext(ctx, exchangeInsertSQL)
		if err != nil {
			return fmt.Errorf("prepare sqlite batch insert: %w", err)
		}
		defer stmt.Close()

		for _, exchange := range exchanges {
			if exchange == nil {
				continue
			}
			row := normalizeExchange(exchange)
			if _, err := stmt.ExecContext(ctx, exchangeInsertArgs(row)...); err != nil {
				return fmt.Errorf("write exchange %q in batch: %w", row.ID, err)
			}
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sqlite batch transaction: %w", err)
		}

		return nil
	})
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention so queued exchanges are
// not dropped during concurrent writes.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}

		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

const exchangeSelectColumns = `
id,
CAST(created_at AS TEXT),
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
`

func (s *SQLiteStore) GetExchange(ctx context.Context, id string) (*Exchange, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+exchangeSelectColumns+" FROM exchanges WHERE id = ? LIMIT 1", id)
	exchange, err := scanExchangeRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get exchange %q: %w", id, err)
	}
	return exchange, nil
}

func (s *SQLiteStore) QueryExchanges(ctx context.Context, filter Filter) (*Result, error) {
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

	whereSQL, args := buildExchangeWhere(filter)

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM exchanges WHERE "+whereSQL, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count exchanges: %w", err)
	}

	query := "SELECT " + exchangeSelectColumns + " FROM exchanges WHERE " + whereSQL + " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	items := make([]*Exchange, 0, limit)
	for rows.Next() {
		row, err := scanExchangeRow(rows)
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

func (s *SQLiteStore) Stats(ctx context.Context, filter Filter) (*Stats, error) {
	whereSQL, args := buildExchangeWhere(filter)

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

func buildExchangeWhere(filter Filter) (string, []any) {
	where := make([]string, 0, 6)
	args := make([]any, 0, 6)

	if filter.Model != "" {
		where = append(where, "model = ?")
		args = append(args, filter.Model)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.APIKeyHash != "" {
		where = append(where, "api_key_hash = ?")
		args = append(args, filter.APIKeyHash)
	}
	if filter.Search != "" {
		where = append(where, "messages LIKE '%' || ? || '%'")
		args = append(args, filter.Search)
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, filter.To.UTC())
	}

	if len(where) == 0 {
		return "1=1", args
	}
	return strings.Join(where, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExchangeRow(scanner rowScanner) (*Exchange, error) {
	var (
		item             Exchange
		createdAtText    sql.NullString
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
		&createdAtText,
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

	if createdAtText.Valid {
		parsed, err := parseSQLiteTimestamp(createdAtText.String)
		if err != nil {
			return nil, fmt.Errorf("parse created_at %q: %w", createdAtText.String, err)
		}
		item.CreatedAt = parsed
	}
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

func nullableText(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ensureSchema() error {
	if err := migrations.Apply(context.Background(), s.db, migrations.DriverSQLite); err != nil {
		return fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return nil
}
