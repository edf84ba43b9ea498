package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// CheckMode selects the integrity pragma.
type CheckMode string

const (
	// QuickCheck runs PRAGMA quick_check, which skips index content.
	QuickCheck CheckMode = "quick"
	// FullCheck runs PRAGMA integrity_check.
	FullCheck CheckMode = "full"
)

// ErrCorrupt is returned when the database fails its integrity check or is not
// a database at all.
var ErrCorrupt = errors.New("sqlite: database corrupt")

// CorruptError carries the diagnostic rows of a failed check.
type CorruptError struct {
	Path   string
	Issues []string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrCorrupt, e.Path, strings.Join(e.Issues, "; "))
}

func (e *CorruptError) Unwrap() error { return ErrCorrupt }

// VerifyIntegrity opens path read-only and runs the integrity pragma. It
// returns nil for a healthy database and a *CorruptError otherwise.
func VerifyIntegrity(ctx context.Context, path string, mode CheckMode) error {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(2000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open database for verification: %w", err)
	}
	defer func() { _ = db.Close() }()

	pragma := "PRAGMA quick_check;"
	if mode == FullCheck {
		pragma = "PRAGMA integrity_check;"
	}

	rows, err := db.QueryContext(ctx, pragma)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// "file is not a database" surfaces here rather than as rows.
		return &CorruptError{Path: path, Issues: []string{err.Error()}}
	}
	defer func() { _ = rows.Close() }()

	var issues []string
	for rows.Next() {
		var res string
		if err := rows.Scan(&res); err != nil {
			return fmt.Errorf("scan integrity result row: %w", err)
		}
		issues = append(issues, res)
	}
	if err := rows.Err(); err != nil {
		return &CorruptError{Path: path, Issues: append(issues, err.Error())}
	}

	switch {
	case len(issues) == 1 && strings.EqualFold(issues[0], "ok"):
		return nil
	case len(issues) == 0:
		return &CorruptError{Path: path, Issues: []string{"no results returned from integrity check"}}
	}
	return &CorruptError{Path: path, Issues: issues}
}

// Quarantine moves a corrupt database and its WAL side files out of the way
// and returns the new path of the main file.
func Quarantine(path string, now time.Time) (string, error) {
	dst := fmt.Sprintf("%s.corrupt-%s", path, now.UTC().Format("20060102T150405Z"))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("quarantine %s: %w", path, err)
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(path+suffix, dst+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return dst, fmt.Errorf("quarantine %s: %w", path+suffix, err)
		}
	}
	return dst, nil
}
