package db

import (
	"context"
	"embed"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/txguard/dbtypes"
	"github.com/ethpandaops/txguard/types"
)

//go:embed schema/pgsql/*.sql
var EmbedPgsqlSchema embed.FS

//go:embed schema/sqlite/*.sql
var EmbedSqliteSchema embed.FS

var logger = logrus.StandardLogger().WithField("module", "db")

// Database holds the writer and reader connections of one engine.
type Database struct {
	Engine   dbtypes.DBEngineType
	WriterDb *sqlx.DB
	ReaderDb *sqlx.DB
}

func checkDbConn(ctx context.Context, dbConn *sqlx.DB, dataBaseName string) error {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := dbConn.PingContext(ctx); err != nil {
		return fmt.Errorf("unable to ping %s: %w", dataBaseName, err)
	}
	return nil
}

func initSqlite(ctx context.Context, config *types.SqliteDatabaseConfig) (*sqlx.DB, error) {
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 50
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.MaxOpenConns < config.MaxIdleConns {
		config.MaxIdleConns = config.MaxOpenConns
	}

	logger.Infof("initializing sqlite connection to %v with %v/%v conn limit", config.File, config.MaxIdleConns, config.MaxOpenConns)
	dbConn, err := sqlx.Open("sqlite", fmt.Sprintf("%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", config.File))
	if err != nil {
		return nil, fmt.Errorf("error opening sqlite database: %w", err)
	}

	if err := checkDbConn(ctx, dbConn, "database"); err != nil {
		dbConn.Close()
		return nil, err
	}
	dbConn.SetConnMaxIdleTime(0)
	dbConn.SetConnMaxLifetime(0)
	dbConn.SetMaxOpenConns(config.MaxOpenConns)
	dbConn.SetMaxIdleConns(config.MaxIdleConns)

	return dbConn, nil
}

func openPgsql(ctx context.Context, config *types.PgsqlDatabaseConfig, name string) (*sqlx.DB, error) {
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 50
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 10
	}
	if config.MaxOpenConns < config.MaxIdleConns {
		config.MaxIdleConns = config.MaxOpenConns
	}

	logger.Infof("initializing pgsql %v connection to %v with %v/%v conn limit", name, config.Host, config.MaxIdleConns, config.MaxOpenConns)
	dbConn, err := sqlx.Open("pgx", fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", config.Username, config.Password, config.Host, config.Port, config.Name))
	if err != nil {
		return nil, fmt.Errorf("error opening pgsql %v database: %w", name, err)
	}

	if err := checkDbConn(ctx, dbConn, name+" database"); err != nil {
		dbConn.Close()
		return nil, err
	}
	dbConn.SetConnMaxIdleTime(time.Second * 30)
	dbConn.SetConnMaxLifetime(time.Second * 60)
	dbConn.SetMaxOpenConns(config.MaxOpenConns)
	dbConn.SetMaxIdleConns(config.MaxIdleConns)
	return dbConn, nil
}

// InitDB connects to the configured engine.
func InitDB(ctx context.Context, config *types.DatabaseConfig) (*Database, error) {
	switch config.Engine {
	case "sqlite":
		if config.Sqlite == nil {
			return nil, fmt.Errorf("missing sqlite database config")
		}
		dbConn, err := initSqlite(ctx, config.Sqlite)
		if err != nil {
			return nil, err
		}
		return &Database{Engine: dbtypes.DBEngineSqlite, WriterDb: dbConn, ReaderDb: dbConn}, nil

	case "pgsql":
		if config.Pgsql == nil {
			return nil, fmt.Errorf("missing pgsql database config")
		}
		reader, err := openPgsql(ctx, config.Pgsql, "reader")
		if err != nil {
			return nil, err
		}

		writer := reader
		if config.PgsqlWriter != nil && config.PgsqlWriter.Host != "" {
			writer, err = openPgsql(ctx, (*types.PgsqlDatabaseConfig)(config.PgsqlWriter), "writer")
			if err != nil {
				reader.Close()
				return nil, err
			}
		}
		return &Database{Engine: dbtypes.DBEnginePgsql, WriterDb: writer, ReaderDb: reader}, nil

	default:
		return nil, fmt.Errorf("unknown database engine type: %s", config.Engine)
	}
}

func (d *Database) Close() {
	if err := d.WriterDb.Close(); err != nil {
		logger.Errorf("Error closing writer db connection: %v", err)
	}
	if d.ReaderDb != d.WriterDb {
		if err := d.ReaderDb.Close(); err != nil {
			logger.Errorf("Error closing reader db connection: %v", err)
		}
	}
}

// ApplyEmbeddedDbSchema migrates to version. -2 applies all migrations,
// -1 the next one.
func (d *Database) ApplyEmbeddedDbSchema(version int64) error {
	var engineDialect string
	var schemaDirectory string
	switch d.Engine {
	case dbtypes.DBEnginePgsql:
		goose.SetBaseFS(EmbedPgsqlSchema)
		engineDialect = "postgres"
		schemaDirectory = "schema/pgsql"
	case dbtypes.DBEngineSqlite:
		goose.SetBaseFS(EmbedSqliteSchema)
		engineDialect = "sqlite3"
		schemaDirectory = "schema/sqlite"
	default:
		return fmt.Errorf("unknown database engine")
	}

	if err := goose.SetDialect(engineDialect); err != nil {
		return err
	}

	switch version {
	case -2:
		return goose.Up(d.WriterDb.DB, schemaDirectory)
	case -1:
		return goose.UpByOne(d.WriterDb.DB, schemaDirectory)
	default:
		return goose.UpTo(d.WriterDb.DB, schemaDirectory, version)
	}
}

func (d *Database) EngineQuery(queryMap map[dbtypes.DBEngineType]string) string {
	if queryMap[d.Engine] != "" {
		return queryMap[d.Engine]
	}
	return queryMap[dbtypes.DBEngineAny]
}
