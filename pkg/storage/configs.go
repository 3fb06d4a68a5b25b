package storage

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConfigRepository stores key/value entries with upsert semantics. The
// runner persists its checkpoint blobs here.
type ConfigRepository interface {
	Upsert(key, value, valueType, description string) error
	Get(key string) (*ConfigEntry, error)
	// UpsertJSON marshals v under key with value_type json.
	UpsertJSON(key string, v interface{}) error
	// GetJSON unmarshals the entry into out; the bool reports presence.
	GetJSON(key string, out interface{}) (bool, error)
	Delete(key string) error
}

type configRepo struct {
	db *gorm.DB
}

func (r *configRepo) Upsert(key, value, valueType, description string) error {
	entry := ConfigEntry{
		Key:         key,
		Value:       value,
		ValueType:   valueType,
		Description: description,
		UpdatedAt:   time.Now().UTC(),
	}
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&entry).Error
}

func (r *configRepo) Get(key string) (*ConfigEntry, error) {
	var e ConfigEntry
	err := r.db.Where("key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *configRepo) UpsertJSON(key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.Upsert(key, string(data), "json", "")
}

func (r *configRepo) GetJSON(key string, out interface{}) (bool, error) {
	entry, err := r.Get(key)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	if err := json.Unmarshal([]byte(entry.Value), out); err != nil {
		return false, err
	}
	return true, nil
}

func (r *configRepo) Delete(key string) error {
	return r.db.Where("key = ?", key).Delete(&ConfigEntry{}).Error
}
