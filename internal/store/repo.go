package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("record not found")

type Repo struct {
	db *gorm.DB
}

func OpenSQLite(path string) (*gorm.DB, error) {
	return gorm.Open(sqlite.Open(path), &gorm.Config{})
}

func New(db *gorm.DB) (*Repo, error) {
	if err := db.AutoMigrate(&DeploymentRecord{}, &DeviceSnapshot{}); err != nil {
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) CreateDeployment(ctx context.Context, rec *DeploymentRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now().UTC()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	rec.UpdatedAt = now
	return r.db.WithContext(ctx).Create(rec).Error
}

// UpdateStage records a stage change. Terminal stages also set the outcome
// and the finish time.
func (r *Repo) UpdateStage(ctx context.Context, id uuid.UUID, stage string, terminal bool, outcome string) error {
	now := time.Now().UTC()
	updates := map[string]any{"stage": stage, "updated_at": now}
	if terminal {
		updates["outcome"] = outcome
		updates["finished_at"] = now
	}
	res := r.db.WithContext(ctx).Model(&DeploymentRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Finish closes a record with an outcome and an optional error.
func (r *Repo) Finish(ctx context.Context, id uuid.UUID, outcome string, cause error) error {
	now := time.Now().UTC()
	updates := map[string]any{"outcome": outcome, "finished_at": now, "updated_at": now}
	if cause != nil {
		updates["error"] = cause.Error()
	}
	res := r.db.WithContext(ctx).Model(&DeploymentRecord{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) GetDeployment(ctx context.Context, id uuid.UUID) (*DeploymentRecord, error) {
	var rec DeploymentRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListDeployments returns the newest records first. kind filters when set.
func (r *Repo) ListDeployments(ctx context.Context, kind string, limit int) ([]DeploymentRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	q := r.db.WithContext(ctx).Model(&DeploymentRecord{})
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var out []DeploymentRecord
	err := q.Order(clause.OrderByColumn{Column: clause.Column{Name: "started_at"}, Desc: true}).
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *Repo) SaveDeviceSnapshot(ctx context.Context, deviceID string, cfg any) error {
	b, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	snap := &DeviceSnapshot{DeviceID: deviceID, Config: b, UpdatedAt: time.Now().UTC()}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"config", "updated_at"}),
	}).Create(snap).Error
}

func (r *Repo) GetDeviceSnapshot(ctx context.Context, deviceID string) (*DeviceSnapshot, error) {
	var snap DeviceSnapshot
	err := r.db.WithContext(ctx).First(&snap, &DeviceSnapshot{DeviceID: deviceID}).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}
