package executor

import (
	"context"
	"encoding/json"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/canopyflow/canopy/internal/errorhandling"
	"github.com/canopyflow/canopy/pkg/models"
)

// DatabaseExecutor performs a single operation against a user-supplied
// postgres table.
type DatabaseExecutor struct {
	// defaultDSN is used when the node config omits a connection string.
	defaultDSN string
}

// NewDatabaseExecutor creates a database executor.
func NewDatabaseExecutor(defaultDSN string) *DatabaseExecutor {
	return &DatabaseExecutor{defaultDSN: defaultDSN}
}

type databaseConfig struct {
	DSN       string                 `json:"dsn"`
	Operation string                 `json:"operation"` // insert|find|update|delete
	Table     string                 `json:"table"`
	Values    map[string]interface{} `json:"values"`
	Where     map[string]interface{} `json:"where"`
	Limit     int                    `json:"limit"`
}

// Kind returns the node kind this executor handles.
func (e *DatabaseExecutor) Kind() models.NodeKind {
	return models.NodeKindDatabase
}

// Validate checks the node config.
func (e *DatabaseExecutor) Validate(config json.RawMessage) error {
	var cfg databaseConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return err
	}
	switch strings.ToLower(cfg.Operation) {
	case "insert", "find", "update", "delete":
	default:
		return errorhandling.New(errorhandling.KindValidation,
			"database operation must be one of insert|find|update|delete, got %q", cfg.Operation)
	}
	if cfg.Table == "" {
		return errorhandling.New(errorhandling.KindValidation, "database node requires a table")
	}
	return nil
}

// Execute opens a transient connection, performs the operation, and
// closes the connection on exit.
func (e *DatabaseExecutor) Execute(ctx context.Context, config json.RawMessage, rc RunContext) (*Result, error) {
	var cfg databaseConfig
	if err := decodeConfig(config, &cfg); err != nil {
		return nil, err
	}
	if err := e.Validate(config); err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if dsn == "" {
		dsn = e.defaultDSN
	}
	if dsn == "" {
		return nil, errorhandling.New(errorhandling.KindConfigMissing, "database node has no connection string")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "failed to connect")
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}()

	db = db.WithContext(ctx)

	var output interface{}
	switch strings.ToLower(cfg.Operation) {
	case "insert":
		result := db.Table(cfg.Table).Create(cfg.Values)
		if result.Error != nil {
			return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, result.Error, "insert failed")
		}
		output = map[string]interface{}{"inserted": result.RowsAffected}

	case "find":
		limit := cfg.Limit
		if limit <= 0 || limit > 1000 {
			limit = 100
		}
		var rows []map[string]interface{}
		query := db.Table(cfg.Table).Limit(limit)
		if len(cfg.Where) > 0 {
			query = query.Where(cfg.Where)
		}
		if err := query.Find(&rows).Error; err != nil {
			return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "find failed")
		}
		output = map[string]interface{}{"rows": rows, "count": len(rows)}

	case "update":
		if len(cfg.Where) == 0 {
			return nil, errorhandling.New(errorhandling.KindValidation, "update requires a where clause")
		}
		result := db.Table(cfg.Table).Where(cfg.Where).Updates(cfg.Values)
		if result.Error != nil {
			return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, result.Error, "update failed")
		}
		output = map[string]interface{}{"updated": result.RowsAffected}

	case "delete":
		if len(cfg.Where) == 0 {
			return nil, errorhandling.New(errorhandling.KindValidation, "delete requires a where clause")
		}
		result := db.Table(cfg.Table).Where(cfg.Where).Delete(nil)
		if result.Error != nil {
			return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, result.Error, "delete failed")
		}
		output = map[string]interface{}{"deleted": result.RowsAffected}
	}

	payload, err := json.Marshal(output)
	if err != nil {
		return nil, errorhandling.Wrap(errorhandling.KindExecutorFailure, err, "failed to encode result")
	}
	return &Result{Output: string(payload)}, nil
}
