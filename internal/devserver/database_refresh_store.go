package devserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tyemirov/authstate/internal/dbdialect"
	"gorm.io/gorm"
)

var errEmptyDatabaseURL = errors.New("refresh_store.empty_database_url")

// DatabaseRefreshTokenStore persists rotating refresh tokens using GORM.
type DatabaseRefreshTokenStore struct {
	handle      *dbdialect.Handle
	db          *gorm.DB
	driverLabel string
	now         func() time.Time
}

type refreshTokenRecord struct {
	TokenID         string `gorm:"column:token_id;primaryKey"`
	UserID          string `gorm:"column:user_id;index;not null"`
	TokenHash       string `gorm:"column:token_hash;uniqueIndex;not null"`
	ExpiresUnix     int64  `gorm:"column:expires_unix;not null"`
	RevokedAtUnix   int64  `gorm:"column:revoked_at_unix;not null;default:0"`
	PreviousTokenID string `gorm:"column:previous_token_id;not null;default:''"`
	IssuedAtUnix    int64  `gorm:"column:issued_at_unix;not null"`
}

func (refreshTokenRecord) TableName() string {
	return "refresh_tokens"
}

// NewDatabaseRefreshTokenStore opens databaseURL and migrates the refresh token table.
func NewDatabaseRefreshTokenStore(ctx context.Context, databaseURL string) (*DatabaseRefreshTokenStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("refresh_store.open: %w", errEmptyDatabaseURL)
	}
	handle, err := dbdialect.Open(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("refresh_store.open: %w", err)
	}
	if migrateErr := handle.DB.WithContext(ctx).AutoMigrate(&refreshTokenRecord{}); migrateErr != nil {
		_ = handle.Close()
		return nil, refreshStoreError("migrate", handle.Driver, migrateErr)
	}
	return &DatabaseRefreshTokenStore{
		handle:      handle,
		db:          handle.DB,
		driverLabel: handle.Driver,
		now:         time.Now,
	}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseRefreshTokenStore) Driver() string {
	return store.driverLabel
}

// Close releases the database connection.
func (store *DatabaseRefreshTokenStore) Close() error {
	return store.handle.Close()
}

// Issue inserts a new refresh token record and returns its identifiers.
func (store *DatabaseRefreshTokenStore) Issue(ctx context.Context, userID string, expiresUnix int64, previousTokenID string) (string, string, error) {
	opaqueToken, hashValue, randomErr := generateRefreshOpaque()
	if randomErr != nil {
		return "", "", refreshStoreError("issue", store.driverLabel, randomErr)
	}
	record := refreshTokenRecord{
		TokenID:         newRefreshTokenID(),
		UserID:          userID,
		TokenHash:       hashValue,
		ExpiresUnix:     expiresUnix,
		PreviousTokenID: previousTokenID,
		IssuedAtUnix:    store.now().UTC().Unix(),
	}
	if err := store.db.WithContext(ctx).Create(&record).Error; err != nil {
		return "", "", refreshStoreError("issue", store.driverLabel, err)
	}
	return record.TokenID, opaqueToken, nil
}

// Validate locates a refresh token by its opaque value.
func (store *DatabaseRefreshTokenStore) Validate(ctx context.Context, tokenOpaque string) (string, string, int64, error) {
	if strings.TrimSpace(tokenOpaque) == "" {
		return "", "", 0, refreshStoreError("validate", store.driverLabel, ErrRefreshTokenEmptyOpaque)
	}
	var record refreshTokenRecord
	err := store.db.WithContext(ctx).Where("token_hash = ?", hashOpaque(tokenOpaque)).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", 0, refreshStoreError("validate", store.driverLabel, ErrRefreshTokenNotFound)
		}
		return "", "", 0, refreshStoreError("validate", store.driverLabel, err)
	}
	if record.RevokedAtUnix != 0 {
		return "", "", 0, refreshStoreError("validate", store.driverLabel, ErrRefreshTokenRevoked)
	}
	if !time.Unix(record.ExpiresUnix, 0).After(store.now().UTC()) {
		return "", "", 0, refreshStoreError("validate", store.driverLabel, ErrRefreshTokenExpired)
	}
	return record.UserID, record.TokenID, record.ExpiresUnix, nil
}

// Revoke marks a refresh token as revoked.
func (store *DatabaseRefreshTokenStore) Revoke(ctx context.Context, tokenID string) error {
	result := store.db.WithContext(ctx).Model(&refreshTokenRecord{}).
		Where("token_id = ? AND revoked_at_unix = 0", tokenID).
		Update("revoked_at_unix", store.now().UTC().Unix())
	if result.Error != nil {
		return refreshStoreError("revoke", store.driverLabel, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	var record refreshTokenRecord
	findErr := store.db.WithContext(ctx).Where("token_id = ?", tokenID).Take(&record).Error
	if errors.Is(findErr, gorm.ErrRecordNotFound) {
		return refreshStoreError("revoke", store.driverLabel, ErrRefreshTokenNotFound)
	}
	if findErr != nil {
		return refreshStoreError("revoke", store.driverLabel, findErr)
	}
	if record.RevokedAtUnix != 0 {
		return refreshStoreError("revoke", store.driverLabel, ErrRefreshTokenAlreadyRevoked)
	}
	return nil
}
