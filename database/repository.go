package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	models "alin-engine/database/models_pkg"
)

// InitSchema performs auto-migration of every engine table
func (d *Database) InitSchema() error {
	err := d.db.AutoMigrate(
		&models.Prediction{},
		&models.Outcome{},
		&models.DomainState{},
		&models.DomainHistoryEntry{},
		&models.ConsequencePattern{},
		&models.BehavioralGene{},
		&models.GeneAuditEntry{},
		&models.CalibrationSnapshot{},
		&models.EngineFlag{},
	)
	if err != nil {
		return fmt.Errorf("InitSchema: %w", err)
	}
	return nil
}

// Transaction runs fn inside a single database transaction
func (d *Database) Transaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return d.db.WithContext(ctx).Transaction(fn)
}

// GetFlag returns a flag value and whether it is set
func (d *Database) GetFlag(ctx context.Context, key string) (string, bool, error) {
	var flag models.EngineFlag
	err := d.db.WithContext(ctx).Where("name = ?", key).First(&flag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, WrapDBError("GetFlag", err)
	}
	return flag.Value, true, nil
}

// SetFlag upserts a flag value
func (d *Database) SetFlag(ctx context.Context, key, value string) error {
	flag := models.EngineFlag{Name: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&flag).Error
	return WrapDBError("SetFlag", err)
}

// SetFlagIfAbsent writes value only when key has never been set and returns
// the stored value either way
func (d *Database) SetFlagIfAbsent(ctx context.Context, key, value string) (string, error) {
	flag := models.EngineFlag{Name: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := d.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&flag).Error
	if err != nil {
		return "", WrapDBError("SetFlagIfAbsent", err)
	}
	stored, _, err := d.GetFlag(ctx, key)
	return stored, err
}

// KillSwitch reports the global kill switch state
func (d *Database) KillSwitch(ctx context.Context) (bool, error) {
	v, ok, err := d.GetFlag(ctx, FlagKillSwitch)
	if err != nil || !ok {
		return false, err
	}
	on, _ := strconv.ParseBool(v)
	return on, nil
}

// SetKillSwitch flips the global kill switch
func (d *Database) SetKillSwitch(ctx context.Context, on bool) error {
	return d.SetFlag(ctx, FlagKillSwitch, strconv.FormatBool(on))
}

// GetTimeFlag parses an RFC3339 flag; zero time when unset
func (d *Database) GetTimeFlag(ctx context.Context, key string) (time.Time, error) {
	v, ok, err := d.GetFlag(ctx, key)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, WrapDBError("GetTimeFlag", err)
	}
	return t, nil
}

// HashText is the dedup key for a prediction's exact text
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
