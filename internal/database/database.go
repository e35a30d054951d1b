package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/config"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/roles"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/store"
)

// Open connects the backend named by STORE_DRIVER and prepares its schema
// for every registered role.
func Open(ctx context.Context, cfg *config.Config, registry *roles.Registry) (store.Store, error) {
	var st store.Store
	switch cfg.StoreDriver {
	case "postgres":
		db, err := ConnectPostgres(cfg)
		if err != nil {
			return nil, err
		}
		st = store.NewPostgresStore(db)
	case "mongo":
		client, err := ConnectMongo(ctx, cfg)
		if err != nil {
			return nil, err
		}
		st = store.NewMongoStore(client, cfg.MongoDatabase, registry)
	case "memory":
		slog.Warn("using in-memory store, accounts are lost on restart")
		st = store.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if err := st.EnsureSchema(ctx, registry.All()); err != nil {
		_ = st.Close(ctx)
		return nil, fmt.Errorf("failed to prepare schema: %w", err)
	}
	return st, nil
}

func ConnectPostgres(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetMaxIdleConns(25)
	sqlDB.SetConnMaxLifetime(30 * time.Minute)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	slog.Info("database connected", "driver", "postgres")
	return db, nil
}

func ConnectMongo(ctx context.Context, cfg *config.Config) (*mongo.Client, error) {
	client, err := mongo.Connect(options.Client().
		ApplyURI(cfg.MongoURI).
		SetMaxPoolSize(50).
		SetServerSelectionTimeout(10 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	slog.Info("database connected", "driver", "mongo", "database", cfg.MongoDatabase)
	return client, nil
}
