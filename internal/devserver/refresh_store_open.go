package devserver

import (
	"context"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// ClosableRefreshTokenStore is a RefreshTokenStore that owns a connection.
type ClosableRefreshTokenStore interface {
	RefreshTokenStore
	Close() error
}

type memoryStoreCloser struct {
	*MemoryRefreshTokenStore
}

func (memoryStoreCloser) Close() error {
	return nil
}

// OpenRefreshTokenStore picks the store for databaseURL: in-memory when empty,
// pgx for postgres URLs and GORM for everything else.
func OpenRefreshTokenStore(ctx context.Context, databaseURL string, logger *zap.Logger) (ClosableRefreshTokenStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(databaseURL) == "" {
		logger.Info("using in-memory refresh token store", zap.String("code", "devserver.refresh_store.memory"))
		return memoryStoreCloser{NewMemoryRefreshTokenStore()}, nil
	}
	if parsed, err := url.Parse(databaseURL); err == nil {
		switch strings.ToLower(parsed.Scheme) {
		case "postgres", "postgresql":
			store, openErr := NewPostgresRefreshTokenStore(ctx, databaseURL)
			if openErr != nil {
				return nil, openErr
			}
			logger.Info("using persistent refresh token store", zap.String("code", "devserver.refresh_store.database"), zap.String("driver", store.Driver()))
			return store, nil
		}
	}
	store, err := NewDatabaseRefreshTokenStore(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	logger.Info("using persistent refresh token store", zap.String("code", "devserver.refresh_store.database"), zap.String("driver", store.Driver()))
	return store, nil
}
