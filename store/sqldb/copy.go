package sqldb

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/shopspring/decimal"
)

// =============================================================================
// COPY BUFFER - Tab-delimited text rows with \x01 as NULL
// =============================================================================

// copyNull marks a NULL field. Empty strings are written as empty fields.
const copyNull = "\x01"

var errCopyOutsideTx = errors.New("bulk copy requires a transaction")

type copyBuffer struct {
	table   string
	columns []string
	buf     bytes.Buffer
	rows    int
}

func newCopyBuffer(table string, columns ...string) *copyBuffer {
	return &copyBuffer{table: table, columns: columns}
}

// add appends one row. values must be parallel to the buffer's columns.
func (b *copyBuffer) add(values ...any) error {
	if len(values) != len(b.columns) {
		return fmt.Errorf("copy into %s: got %d values for %d columns", b.table, len(values), len(b.columns))
	}
	for i, v := range values {
		if i > 0 {
			b.buf.WriteByte('\t')
		}
		field, null, err := copyField(v)
		if err != nil {
			return fmt.Errorf("copy into %s column %s: %w", b.table, b.columns[i], err)
		}
		if null {
			b.buf.WriteString(copyNull)
			continue
		}
		b.buf.WriteString(escapeCopy(field))
	}
	b.buf.WriteByte('\n')
	b.rows++
	return nil
}

func copyField(v any) (string, bool, error) {
	switch x := v.(type) {
	case nil:
		return "", true, nil
	case string:
		return x, false, nil
	case bool:
		if x {
			return "1", false, nil
		}
		return "0", false, nil
	case int:
		return strconv.Itoa(x), false, nil
	case int64:
		return strconv.FormatInt(x, 10), false, nil
	case *int64:
		if x == nil {
			return "", true, nil
		}
		return strconv.FormatInt(*x, 10), false, nil
	case sql.NullInt64:
		if !x.Valid {
			return "", true, nil
		}
		return strconv.FormatInt(x.Int64, 10), false, nil
	case decimal.Decimal:
		return x.String(), false, nil
	case decimal.NullDecimal:
		if !x.Valid {
			return "", true, nil
		}
		return x.Decimal.String(), false, nil
	case time.Time:
		return formatDate(x), false, nil
	}
	return "", false, fmt.Errorf("unsupported value type %T", v)
}

func escapeCopy(s string) string {
	if !strings.ContainsAny(s, "\\\t\n\r\x01") {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			sb.WriteString(`\\`)
		case '\t':
			sb.WriteString(`\t`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case '\x01':
			sb.WriteString(`\001`)
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String()
}

func unescapeCopy(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		if i+1 >= len(s) {
			return "", errors.New("trailing backslash in copy field")
		}
		i++
		switch s[i] {
		case '\\':
			sb.WriteByte('\\')
		case 't':
			sb.WriteByte('\t')
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		default:
			if i+3 > len(s) {
				return "", fmt.Errorf("bad escape in copy field %q", s)
			}
			n, err := strconv.ParseUint(s[i:i+3], 8, 8)
			if err != nil {
				return "", fmt.Errorf("bad escape in copy field %q", s)
			}
			sb.WriteByte(byte(n))
			i += 2
		}
	}
	return sb.String(), nil
}

// decodeCopyRows parses a buffer back into rows; NULL fields become nil.
func decodeCopyRows(data []byte, ncols int) ([][]any, error) {
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	lines := strings.Split(text, "\n")
	rows := make([][]any, 0, len(lines))
	for n, line := range lines {
		fields := strings.Split(line, "\t")
		if len(fields) != ncols {
			return nil, fmt.Errorf("copy row %d: got %d fields, want %d", n+1, len(fields), ncols)
		}
		row := make([]any, ncols)
		for i, f := range fields {
			if f == copyNull {
				continue
			}
			v, err := unescapeCopy(f)
			if err != nil {
				return nil, fmt.Errorf("copy row %d: %w", n+1, err)
			}
			row[i] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// =============================================================================
// COPY FROM - Dialect-specific bulk write
// =============================================================================

func (q *queries) copyFrom(ctx context.Context, b *copyBuffer) error {
	if b.rows == 0 {
		return nil
	}
	if !q.inTx {
		return errCopyOutsideTx
	}
	if q.dialect.postgres() {
		return q.copyPostgres(ctx, b)
	}
	return q.copySQLite(ctx, b)
}

func (q *queries) copyPostgres(ctx context.Context, b *copyBuffer) error {
	stmt := fmt.Sprintf(`COPY %s (%s) FROM STDIN WITH (FORMAT text, NULL E'\x01')`,
		b.table, strings.Join(b.columns, ", "))
	return q.conn.Raw(func(driverConn any) error {
		c, ok := driverConn.(*stdlib.Conn)
		if !ok {
			return fmt.Errorf("copy into %s: unexpected driver connection %T", b.table, driverConn)
		}
		tag, err := c.Conn().PgConn().CopyFrom(ctx, bytes.NewReader(b.buf.Bytes()), stmt)
		if err != nil {
			return fmt.Errorf("copy into %s: %w", b.table, err)
		}
		if tag.RowsAffected() != int64(b.rows) {
			return fmt.Errorf("copy into %s: wrote %d of %d rows", b.table, tag.RowsAffected(), b.rows)
		}
		return nil
	})
}

func (q *queries) copySQLite(ctx context.Context, b *copyBuffer) error {
	rows, err := decodeCopyRows(b.buf.Bytes(), len(b.columns))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", b.table, err)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(b.columns)), ", ")
	stmt, err := q.run.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		b.table, strings.Join(b.columns, ", "), placeholders))
	if err != nil {
		return fmt.Errorf("copy into %s: %w", b.table, err)
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("copy into %s: %w", b.table, err)
		}
	}
	return nil
}

// =============================================================================
// MANUAL SEQUENCE LOCK
// =============================================================================

// reserveIDs locks table and returns the first id of a contiguous range of
// n ids that no other writer can take until the transaction ends.
func (q *queries) reserveIDs(ctx context.Context, table string, n int) (int64, error) {
	if !q.inTx {
		return 0, errCopyOutsideTx
	}
	if q.dialect.postgres() {
		if _, err := q.run.ExecContext(ctx, "LOCK TABLE "+table+" IN EXCLUSIVE MODE"); err != nil {
			return 0, fmt.Errorf("lock %s: %w", table, err)
		}
		var first int64
		if err := q.run.QueryRowContext(ctx,
			"SELECT nextval(pg_get_serial_sequence($1, 'id'))", table).Scan(&first); err != nil {
			return 0, fmt.Errorf("reserve ids on %s: %w", table, err)
		}
		if _, err := q.run.ExecContext(ctx,
			"SELECT setval(pg_get_serial_sequence($1, 'id'), $2, false)", table, first+int64(n)); err != nil {
			return 0, fmt.Errorf("reserve ids on %s: %w", table, err)
		}
		return first, nil
	}

	// SQLite write transactions are immediate, so the database is already
	// locked against other writers.
	var maxID sql.NullInt64
	if err := q.run.QueryRowContext(ctx, "SELECT MAX(id) FROM "+table).Scan(&maxID); err != nil {
		return 0, fmt.Errorf("reserve ids on %s: %w", table, err)
	}
	var seq sql.NullInt64
	err := q.run.QueryRowContext(ctx, "SELECT seq FROM sqlite_sequence WHERE name = ?", table).Scan(&seq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("reserve ids on %s: %w", table, err)
	}
	return max(maxID.Int64, seq.Int64) + 1, nil
}
