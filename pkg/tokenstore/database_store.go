package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/authstate/internal/dbdialect"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultPollInterval    = 2 * time.Second
	defaultDatabaseTimeout = 5 * time.Second
)

// DatabaseStore persists tokens through GORM (sqlite or postgres). Deletions are
// kept as blank rows so pollers in other instances see them.
type DatabaseStore struct {
	db           *gorm.DB
	handle       *dbdialect.Handle
	instanceID   string
	pollInterval time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

type tokenRecord struct {
	Name        string `gorm:"column:name;primaryKey"`
	Value       string `gorm:"column:value;not null;default:''"`
	ExpiresUnix int64  `gorm:"column:expires_unix;not null;default:0"`
	WriterID    string `gorm:"column:writer_id;not null;default:''"`
	Revision    int64  `gorm:"column:revision;not null;index"`
}

func (tokenRecord) TableName() string {
	return "client_tokens"
}

// DatabaseStoreOption customizes a DatabaseStore.
type DatabaseStoreOption func(*DatabaseStore)

// WithPollInterval sets how often Watch polls for foreign writes.
func WithPollInterval(interval time.Duration) DatabaseStoreOption {
	return func(store *DatabaseStore) {
		if interval > 0 {
			store.pollInterval = interval
		}
	}
}

// WithDatabaseLogger sets the logger.
func WithDatabaseLogger(logger *zap.Logger) DatabaseStoreOption {
	return func(store *DatabaseStore) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// OpenDatabaseStore opens databaseURL (sqlite://, postgres://) and migrates the token table.
func OpenDatabaseStore(ctx context.Context, databaseURL string, options ...DatabaseStoreOption) (*DatabaseStore, error) {
	handle, err := dbdialect.Open(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("tokenstore.database.open: %w", err)
	}
	store, storeErr := NewDatabaseStore(ctx, handle.DB, options...)
	if storeErr != nil {
		_ = handle.Close()
		return nil, storeErr
	}
	store.handle = handle
	return store, nil
}

// NewDatabaseStore wraps an existing GORM handle and migrates the token table.
func NewDatabaseStore(ctx context.Context, db *gorm.DB, options ...DatabaseStoreOption) (*DatabaseStore, error) {
	if db == nil {
		return nil, errors.New("tokenstore.database.nil_db")
	}
	if migrateErr := db.WithContext(ctx).AutoMigrate(&tokenRecord{}); migrateErr != nil {
		return nil, fmt.Errorf("tokenstore.database.migrate: %w", migrateErr)
	}
	store := &DatabaseStore{
		db:           db,
		instanceID:   uuid.NewString(),
		pollInterval: defaultPollInterval,
		logger:       zap.NewNop(),
		now:          time.Now,
	}
	for _, option := range options {
		option(store)
	}
	return store, nil
}

// Close releases the connection when the store opened it.
func (store *DatabaseStore) Close() error {
	if store.handle == nil {
		return nil
	}
	return store.handle.Close()
}

// InstanceID identifies this store instance as a writer.
func (store *DatabaseStore) InstanceID() string {
	return store.instanceID
}

// SetCookies implements http.CookieJar.
func (store *DatabaseStore) SetCookies(target *url.URL, cookies []*http.Cookie) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultDatabaseTimeout)
	defer cancel()

	current, err := store.loadEntries(ctx)
	if err != nil {
		store.logger.Error("token table unreadable", zap.String("code", "tokenstore.database.load_failed"), zap.Error(err))
		return
	}
	changed := applyCookies(current, cookies, store.now())
	for _, name := range changed {
		next, present := current[name]
		if !present {
			next = entry{}
		}
		if writeErr := store.write(ctx, name, next); writeErr != nil {
			store.logger.Error("token write failed", zap.String("code", "tokenstore.database.write_failed"), zap.String("name", name), zap.Error(writeErr))
		}
	}
}

// Cookies implements http.CookieJar.
func (store *DatabaseStore) Cookies(target *url.URL) []*http.Cookie {
	ctx, cancel := context.WithTimeout(context.Background(), defaultDatabaseTimeout)
	defer cancel()
	entries, err := store.loadEntries(ctx)
	if err != nil {
		store.logger.Error("token table unreadable", zap.String("code", "tokenstore.database.load_failed"), zap.Error(err))
		return nil
	}
	return liveCookies(entries, store.now())
}

// Get returns the named token when present and unexpired.
func (store *DatabaseStore) Get(name string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultDatabaseTimeout)
	defer cancel()
	var record tokenRecord
	err := store.db.WithContext(ctx).Where("name = ?", name).Take(&record).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			store.logger.Error("token lookup failed", zap.String("code", "tokenstore.database.get_failed"), zap.String("name", name), zap.Error(err))
		}
		return "", false
	}
	value := record.toEntry()
	if !value.live(store.now()) {
		return "", false
	}
	return value.Value, true
}

// Delete blanks the named token.
func (store *DatabaseStore) Delete(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultDatabaseTimeout)
	defer cancel()
	result := store.db.WithContext(ctx).Model(&tokenRecord{}).
		Where("name = ? AND value <> ''", name).
		Updates(map[string]any{
			"value":        "",
			"expires_unix": 0,
			"writer_id":    store.instanceID,
			"revision":     store.nextRevision(),
		})
	if result.Error != nil {
		return fmt.Errorf("tokenstore.database.delete: %w", result.Error)
	}
	return nil
}

// Watch polls for rows written by other instances until ctx is done.
func (store *DatabaseStore) Watch(ctx context.Context) (<-chan Change, error) {
	lastRevision, err := store.maxRevision(ctx)
	if err != nil {
		return nil, fmt.Errorf("tokenstore.database.watch: %w", err)
	}
	changes := make(chan Change, 8)
	go func() {
		defer close(changes)
		ticker := time.NewTicker(store.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				var records []tokenRecord
				queryErr := store.db.WithContext(ctx).
					Where("revision > ?", lastRevision).
					Order("revision").
					Find(&records).Error
				if queryErr != nil {
					if ctx.Err() == nil {
						store.logger.Warn("token poll failed", zap.String("code", "tokenstore.database.poll_failed"), zap.Error(queryErr))
					}
					continue
				}
				var names []string
				for _, record := range records {
					if record.Revision > lastRevision {
						lastRevision = record.Revision
					}
					if record.WriterID != store.instanceID {
						names = append(names, record.Name)
					}
				}
				if len(names) == 0 {
					continue
				}
				select {
				case changes <- Change{Names: names, Origin: records[len(records)-1].WriterID}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return changes, nil
}

func (store *DatabaseStore) loadEntries(ctx context.Context) (map[string]entry, error) {
	var records []tokenRecord
	if err := store.db.WithContext(ctx).Where("value <> ''").Find(&records).Error; err != nil {
		return nil, err
	}
	entries := make(map[string]entry, len(records))
	for _, record := range records {
		entries[record.Name] = record.toEntry()
	}
	return entries, nil
}

func (store *DatabaseStore) write(ctx context.Context, name string, value entry) error {
	record := tokenRecord{
		Name:     name,
		Value:    value.Value,
		WriterID: store.instanceID,
		Revision: store.nextRevision(),
	}
	if !value.ExpiresAt.IsZero() {
		record.ExpiresUnix = value.ExpiresAt.Unix()
	}
	return store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_unix", "writer_id", "revision"}),
	}).Create(&record).Error
}

func (store *DatabaseStore) maxRevision(ctx context.Context) (int64, error) {
	var revision int64
	err := store.db.WithContext(ctx).Model(&tokenRecord{}).
		Select("COALESCE(MAX(revision), 0)").
		Scan(&revision).Error
	return revision, err
}

func (store *DatabaseStore) nextRevision() int64 {
	return store.now().UnixNano()
}

func (record tokenRecord) toEntry() entry {
	value := entry{Value: record.Value}
	if record.ExpiresUnix > 0 {
		value.ExpiresAt = time.Unix(record.ExpiresUnix, 0).UTC()
	}
	return value
}
