package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/apipat2499/omni-sales-sub013/internal/config"
	"github.com/apipat2499/omni-sales-sub013/internal/logger"
)

// MySQLClient stores records in a single table keyed by (resource_type, id)
// with the full record as a JSON column. updated_at is set server-side on
// every write and is the version the conflict detector compares against.
type MySQLClient struct {
	db *sql.DB
}

func NewMySQLClient(cfg config.RemoteConfig) (*MySQLClient, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_records (
			resource_type VARCHAR(64)  NOT NULL,
			id            VARCHAR(128) NOT NULL,
			payload       JSON         NOT NULL,
			updated_at    TIMESTAMP(6) NOT NULL,
			PRIMARY KEY (resource_type, id)
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sync_records table: %w", err)
	}

	logger.Log.Info("Connected to remote store",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return &MySQLClient{db: db}, nil
}

func (c *MySQLClient) Close() error {
	return c.db.Close()
}

func (c *MySQLClient) CheckConnection(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *MySQLClient) Create(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO sync_records (resource_type, id, payload, updated_at)
		VALUES (?, ?, ?, ?)`,
		rec.Type, rec.ID, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create %s/%s: %w", rec.Type, rec.ID, err)
	}
	return nil
}

func (c *MySQLClient) Update(ctx context.Context, resourceType, id string, patch map[string]any) error {
	return c.execTx(ctx, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx, `
			SELECT payload FROM sync_records
			WHERE resource_type = ? AND id = ? FOR UPDATE`,
			resourceType, id).Scan(&raw)
		if err == sql.ErrNoRows {
			return fmt.Errorf("update %s/%s: %w", resourceType, id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("update %s/%s: %w", resourceType, id, err)
		}

		var fields map[string]any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return fmt.Errorf("decode payload %s/%s: %w", resourceType, id, err)
		}
		for k, v := range patch {
			fields[k] = v
		}
		payload, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE sync_records SET payload = ?, updated_at = ?
			WHERE resource_type = ? AND id = ?`,
			payload, time.Now().UTC(), resourceType, id)
		if err != nil {
			return fmt.Errorf("update %s/%s: %w", resourceType, id, err)
		}
		return nil
	})
}

func (c *MySQLClient) Delete(ctx context.Context, resourceType, id string) error {
	_, err := c.db.ExecContext(ctx, `
		DELETE FROM sync_records WHERE resource_type = ? AND id = ?`,
		resourceType, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", resourceType, id, err)
	}
	return nil
}

func (c *MySQLClient) Get(ctx context.Context, resourceType, id string) (*Record, error) {
	var raw []byte
	var updatedAt time.Time
	err := c.db.QueryRowContext(ctx, `
		SELECT payload, updated_at FROM sync_records
		WHERE resource_type = ? AND id = ?`,
		resourceType, id).Scan(&raw, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", resourceType, id, err)
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("decode payload %s/%s: %w", resourceType, id, err)
	}

	return &Record{ID: id, Type: resourceType, Fields: fields, UpdatedAt: updatedAt}, nil
}

func (c *MySQLClient) List(ctx context.Context, resourceType string) ([]Record, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT id, payload, updated_at FROM sync_records
		WHERE resource_type = ? ORDER BY id`,
		resourceType)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", resourceType, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var raw []byte
		if err := rows.Scan(&rec.ID, &raw, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &rec.Fields); err != nil {
			return nil, fmt.Errorf("decode payload %s/%s: %w", resourceType, rec.ID, err)
		}
		rec.Type = resourceType
		records = append(records, rec)
	}
	return records, rows.Err()
}

// execTx executes a function within a transaction.
func (c *MySQLClient) execTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %v, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}
