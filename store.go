package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// Store is the persistence gateway the broker coordinates through. All durable
// state lives behind this interface; in-process components hold only transient
// references during a single operation.
type Store interface {
	CreateNonce(ctx context.Context, value string) error
	EnsureNonce(ctx context.Context, value string) error
	NonceExists(ctx context.Context, value string) (bool, error)

	CreatePendingCallback(ctx context.Context, pending *PendingCallback) error
	PendingByState(ctx context.Context, state string) ([]PendingCallback, error)
	PendingByNonce(ctx context.Context, nonce string) ([]PendingCallback, error)
	PendingForUser(ctx context.Context, uid, provider string) ([]PendingCallback, error)
	DeletePendingCallback(ctx context.Context, id uint) error

	CreateWaiter(ctx context.Context, waiter *BlockingWaiter) error
	WaitersForProvider(ctx context.Context, provider string) ([]BlockingWaiter, error)
	WaitersByNonce(ctx context.Context, nonce string) ([]BlockingWaiter, error)
	DeleteWaiter(ctx context.Context, id uint) error

	GetUser(ctx context.Context, id string) (*User, error)
	GetOrCreateUser(ctx context.Context, id, name string) (*User, error)

	SaveToken(ctx context.Context, token *Token) error
	UpdateToken(ctx context.Context, token *Token) error
	TokensForUser(ctx context.Context, uid, provider string) ([]Token, error)
	TokensByNonce(ctx context.Context, nonce string) ([]Token, error)

	EnsureScopes(ctx context.Context, names []string) ([]Scope, error)

	MetadataCache(ctx context.Context, provider string) (*OIDCMetadataCache, error)
	UpsertMetadataCache(ctx context.Context, provider, document string, retrievedAt time.Time) error
}

// GormStore implements Store over a gorm database handle.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewStore migrates the schema and wraps the handle.
func NewStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(
		&Nonce{},
		&Scope{},
		&PendingCallback{},
		&BlockingWaiter{},
		&User{},
		&Token{},
		&OIDCMetadataCache{},
	); err != nil {
		return nil, fmt.Errorf("could not migrate schema: %w", err)
	}

	return &GormStore{db: db}, nil
}

// OpenStore opens (or creates) a sqlite database at path and migrates it.
func OpenStore(path string) (*GormStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("could not open database at %s: %w", path, err)
	}

	return NewStore(db)
}

func (s *GormStore) CreateNonce(ctx context.Context, value string) error {
	return s.db.WithContext(ctx).Create(&Nonce{Value: value}).Error
}

func (s *GormStore) EnsureNonce(ctx context.Context, value string) error {
	var n Nonce
	return s.db.WithContext(ctx).Where(Nonce{Value: value}).FirstOrCreate(&n).Error
}

func (s *GormStore) NonceExists(ctx context.Context, value string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Nonce{}).Where("value = ?", value).Count(&count).Error; err != nil {
		return false, err
	}

	return count > 0, nil
}

func (s *GormStore) CreatePendingCallback(ctx context.Context, pending *PendingCallback) error {
	return s.db.WithContext(ctx).Create(pending).Error
}

func (s *GormStore) PendingByState(ctx context.Context, state string) ([]PendingCallback, error) {
	var pendings []PendingCallback
	if err := s.db.WithContext(ctx).Preload("Scopes").Where("state = ?", state).Find(&pendings).Error; err != nil {
		return nil, err
	}

	return pendings, nil
}

func (s *GormStore) PendingByNonce(ctx context.Context, nonce string) ([]PendingCallback, error) {
	var pendings []PendingCallback
	if err := s.db.WithContext(ctx).Preload("Scopes").Where("nonce = ?", nonce).Find(&pendings).Error; err != nil {
		return nil, err
	}

	return pendings, nil
}

func (s *GormStore) PendingForUser(ctx context.Context, uid, provider string) ([]PendingCallback, error) {
	var pendings []PendingCallback
	if err := s.db.WithContext(ctx).Preload("Scopes").
		Where("uid = ? AND provider = ?", uid, provider).
		Find(&pendings).Error; err != nil {
		return nil, err
	}

	return pendings, nil
}

func (s *GormStore) DeletePendingCallback(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Select(clause.Associations).Delete(&PendingCallback{ID: id}).Error
}

func (s *GormStore) CreateWaiter(ctx context.Context, waiter *BlockingWaiter) error {
	return s.db.WithContext(ctx).Create(waiter).Error
}

func (s *GormStore) WaitersForProvider(ctx context.Context, provider string) ([]BlockingWaiter, error) {
	var waiters []BlockingWaiter
	if err := s.db.WithContext(ctx).Preload("Scopes").Where("provider = ?", provider).Find(&waiters).Error; err != nil {
		return nil, err
	}

	return waiters, nil
}

func (s *GormStore) WaitersByNonce(ctx context.Context, nonce string) ([]BlockingWaiter, error) {
	var waiters []BlockingWaiter
	if err := s.db.WithContext(ctx).Preload("Scopes").Where("nonce = ?", nonce).Find(&waiters).Error; err != nil {
		return nil, err
	}

	return waiters, nil
}

func (s *GormStore) DeleteWaiter(ctx context.Context, id uint) error {
	return s.db.WithContext(ctx).Select(clause.Associations).Delete(&BlockingWaiter{ID: id}).Error
}

func (s *GormStore) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &user, nil
}

func (s *GormStore) GetOrCreateUser(ctx context.Context, id, name string) (*User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where(User{ID: id}).Attrs(User{Name: name}).FirstOrCreate(&user).Error; err != nil {
		return nil, err
	}

	return &user, nil
}

func (s *GormStore) SaveToken(ctx context.Context, token *Token) error {
	return s.db.WithContext(ctx).Create(token).Error
}

func (s *GormStore) UpdateToken(ctx context.Context, token *Token) error {
	return s.db.WithContext(ctx).Save(token).Error
}

func (s *GormStore) TokensForUser(ctx context.Context, uid, provider string) ([]Token, error) {
	var tokens []Token
	if err := s.db.WithContext(ctx).Preload("Scopes").
		Where("user_id = ? AND provider = ? AND enabled = ?", uid, provider, true).
		Find(&tokens).Error; err != nil {
		return nil, err
	}

	return tokens, nil
}

func (s *GormStore) TokensByNonce(ctx context.Context, nonce string) ([]Token, error) {
	var tokens []Token
	if err := s.db.WithContext(ctx).Preload("Scopes").
		Where("nonce = ? AND enabled = ?", nonce, true).
		Find(&tokens).Error; err != nil {
		return nil, err
	}

	return tokens, nil
}

func (s *GormStore) EnsureScopes(ctx context.Context, names []string) ([]Scope, error) {
	scopes := make([]Scope, 0, len(names))
	for _, name := range names {
		var scope Scope
		if err := s.db.WithContext(ctx).Where(Scope{Name: name}).FirstOrCreate(&scope).Error; err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}

	return scopes, nil
}

func (s *GormStore) MetadataCache(ctx context.Context, provider string) (*OIDCMetadataCache, error) {
	var entry OIDCMetadataCache
	err := s.db.WithContext(ctx).Where("provider = ?", provider).First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &entry, nil
}

func (s *GormStore) UpsertMetadataCache(ctx context.Context, provider, document string, retrievedAt time.Time) error {
	entry := OIDCMetadataCache{
		Provider:    provider,
		Document:    document,
		RetrievedAt: retrievedAt,
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"document", "retrieved_at"}),
	}).Create(&entry).Error
}
