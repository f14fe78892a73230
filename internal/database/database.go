package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gluk-w/webterm/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrSettingNotFound = errors.New("setting not found")
)

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := Open(dbPath)
	if err != nil {
		return err
	}
	DB = db
	return nil
}

// Open opens and migrates the database at path. ":memory:" is accepted.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := db.AutoMigrate(&Setting{}, &Profile{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return db, nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	err := DB.Where("key = ?", key).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: %s", ErrSettingNotFound, key)
	}
	if err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Profile helpers

func ListProfiles() ([]Profile, error) {
	var profiles []Profile
	if err := DB.Order("name").Find(&profiles).Error; err != nil {
		return nil, err
	}
	return profiles, nil
}

func GetProfile(name string) (*Profile, error) {
	var p Profile
	err := DB.Where("name = ?", name).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProfile creates the profile or updates the one with the same name. An
// empty Secret keeps the stored one.
func SaveProfile(p *Profile) error {
	existing, err := GetProfile(p.Name)
	if errors.Is(err, ErrProfileNotFound) {
		return DB.Create(p).Error
	}
	if err != nil {
		return err
	}

	p.ID = existing.ID
	p.CreatedAt = existing.CreatedAt
	if p.Secret == "" {
		p.Secret = existing.Secret
	}
	return DB.Save(p).Error
}

func DeleteProfile(name string) error {
	res := DB.Where("name = ?", name).Delete(&Profile{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, name)
	}
	return nil
}
