package backend

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

// formatCopyTar is a tar stream with one binary COPY payload per table
const formatCopyTar = "pgcopy.tar"

const paxRowsKey = "MEMVAULT.rows"

// tableDump is the binary COPY output of one table. Sequence entries carry
// the sequence's last value as decimal text instead of COPY data.
type tableDump struct {
	Table    string
	Rows     int64
	Data     []byte
	Sequence bool
}

// quoteTable turns "schema.table" or "table" into a safely quoted identifier
func quoteTable(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// copyOut dumps every table through COPY TO STDOUT inside tx so all tables
// share one consistent view
func copyOut(ctx context.Context, tx pgx.Tx, tables []string) ([]tableDump, error) {
	dumps := make([]tableDump, 0, len(tables))
	for _, table := range tables {
		var buf bytes.Buffer
		tag, err := tx.Conn().PgConn().CopyTo(ctx, &buf,
			fmt.Sprintf("COPY %s TO STDOUT (FORMAT binary)", quoteTable(table)))
		if err != nil {
			return nil, fmt.Errorf("copy out %s: %w", table, err)
		}
		dumps = append(dumps, tableDump{Table: table, Rows: tag.RowsAffected(), Data: buf.Bytes()})
	}
	return dumps, nil
}

// copyIn truncates every table in the dump set and reloads it inside tx
func copyIn(ctx context.Context, tx pgx.Tx, dumps []tableDump) error {
	if len(dumps) == 0 {
		return nil
	}

	var tables, sequences []tableDump
	for _, d := range dumps {
		if d.Sequence {
			sequences = append(sequences, d)
		} else {
			tables = append(tables, d)
		}
	}

	if len(tables) > 0 {
		quoted := make([]string, len(tables))
		for i, d := range tables {
			quoted[i] = quoteTable(d.Table)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("TRUNCATE %s CASCADE", strings.Join(quoted, ", "))); err != nil {
			return fmt.Errorf("truncate: %w", err)
		}

		for i, d := range tables {
			if _, err := tx.Conn().PgConn().CopyFrom(ctx, bytes.NewReader(d.Data),
				fmt.Sprintf("COPY %s FROM STDIN (FORMAT binary)", quoted[i])); err != nil {
				return fmt.Errorf("copy in %s: %w", d.Table, err)
			}
		}
	}

	for _, seq := range sequences {
		value, err := strconv.ParseInt(string(seq.Data), 10, 64)
		if err != nil {
			return fmt.Errorf("sequence %s: invalid value %q", seq.Table, seq.Data)
		}
		if value < 1 {
			continue
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf("SELECT setval('%s', $1)", quoteTable(seq.Table)), value); err != nil {
			return fmt.Errorf("reset sequence %s: %w", seq.Table, err)
		}
	}
	return nil
}

// packTables writes the dumps as a tar stream, one entry per table
func packTables(dumps []tableDump, modTime time.Time) ([]byte, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	for _, d := range dumps {
		suffix := ".copy"
		if d.Sequence {
			suffix = ".seq"
		}
		hdr := &tar.Header{
			Name:    d.Table + suffix,
			Mode:    0600,
			Size:    int64(len(d.Data)),
			ModTime: modTime,
			PAXRecords: map[string]string{
				paxRowsKey: strconv.FormatInt(d.Rows, 10),
			},
			Format: tar.FormatPAX,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("write tar header for %s: %w", d.Table, err)
		}
		if _, err := tw.Write(d.Data); err != nil {
			return nil, fmt.Errorf("write tar entry for %s: %w", d.Table, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar stream: %w", err)
	}
	return buf.Bytes(), nil
}

// unpackTables reads a stream written by packTables
func unpackTables(data []byte) ([]tableDump, error) {
	tr := tar.NewReader(bytes.NewReader(data))

	var dumps []tableDump
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar header: %w", err)
		}

		var table string
		var sequence bool
		switch {
		case strings.HasSuffix(hdr.Name, ".copy"):
			table = strings.TrimSuffix(hdr.Name, ".copy")
		case strings.HasSuffix(hdr.Name, ".seq"):
			table = strings.TrimSuffix(hdr.Name, ".seq")
			sequence = true
		}
		if table == "" || strings.ContainsAny(table, "/\\'") {
			return nil, fmt.Errorf("unexpected tar entry %q", hdr.Name)
		}

		body, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read tar entry %s: %w", hdr.Name, err)
		}

		rows, _ := strconv.ParseInt(hdr.PAXRecords[paxRowsKey], 10, 64)
		dumps = append(dumps, tableDump{Table: table, Rows: rows, Data: body, Sequence: sequence})
	}
	return dumps, nil
}

func rowsOf(dumps []tableDump, table string) int64 {
	for _, d := range dumps {
		if d.Table == table {
			return d.Rows
		}
	}
	return 0
}

func totalRows(dumps []tableDump) int64 {
	var n int64
	for _, d := range dumps {
		n += d.Rows
	}
	return n
}
