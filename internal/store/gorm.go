package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/netly/cnagent/config"
	"github.com/netly/cnagent/internal/logger"
	"github.com/netly/cnagent/internal/task"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// TaskRecord is the persisted form of a terminal task.Instance.
type TaskRecord struct {
	ID          string         `gorm:"primaryKey;size:64"`
	Type        string         `gorm:"size:64;index"`
	ResourceKey string         `gorm:"size:255"`
	State       string         `gorm:"size:16;index"`
	Progress    int            `gorm:"not null;default:0"`
	Result      string         `gorm:"type:text"`
	Error       string         `gorm:"type:text"`
	Events      []task.Message `gorm:"serializer:json;type:jsonb"`
	CreatedAt   time.Time      `gorm:"index"`
	StartedAt   *time.Time
	FinishedAt  *time.Time
}

func (TaskRecord) TableName() string { return "task_history" }

func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return db, nil
}

func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&TaskRecord{}); err != nil {
		return err
	}
	return db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_task_history_type_created
		ON task_history (type, created_at DESC)
	`).Error
}

type gormStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewGorm(db *gorm.DB, log *logger.Logger) Store {
	return &gormStore{db: db, log: log}
}

func (s *gormStore) Save(ctx context.Context, inst task.Instance) error {
	rec, err := toRecord(inst)
	if err != nil {
		s.log.Errorw("task_history_encode_failed", "id", inst.ID, "error", err)
		return err
	}
	if err := s.db.WithContext(ctx).Save(&rec).Error; err != nil {
		s.log.Errorw("task_history_save_failed", "id", inst.ID, "type", inst.Type, "error", err)
		return err
	}
	s.log.Debugw("task_history_save_ok", "id", inst.ID, "state", inst.State)
	return nil
}

func (s *gormStore) Get(ctx context.Context, id string) (task.Instance, error) {
	var rec TaskRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return task.Instance{}, task.ErrNotFound
	}
	if err != nil {
		s.log.Errorw("task_history_get_failed", "id", id, "error", err)
		return task.Instance{}, err
	}
	return fromRecord(rec), nil
}

func (s *gormStore) List(ctx context.Context, limit int) ([]task.Instance, error) {
	var recs []TaskRecord
	q := s.db.WithContext(ctx).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		s.log.Errorw("task_history_list_failed", "error", err)
		return nil, err
	}
	out := make([]task.Instance, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fromRecord(rec))
	}
	return out, nil
}

func (s *gormStore) CleanupOld(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&TaskRecord{})
	if res.Error != nil {
		s.log.Errorw("task_history_cleanup_failed", "error", res.Error)
		return 0, res.Error
	}
	s.log.Infow("task_history_cleanup_ok", "removed", res.RowsAffected)
	return res.RowsAffected, nil
}

func toRecord(inst task.Instance) (TaskRecord, error) {
	rec := TaskRecord{
		ID:          inst.ID,
		Type:        inst.Type,
		ResourceKey: inst.ResourceKey,
		State:       string(inst.State),
		Progress:    inst.Progress,
		Error:       inst.Error,
		Events:      inst.Events,
		CreatedAt:   inst.CreatedAt,
		StartedAt:   timePtr(inst.StartedAt),
		FinishedAt:  timePtr(inst.FinishedAt),
	}
	if inst.Result != nil {
		data, err := json.Marshal(inst.Result)
		if err != nil {
			return TaskRecord{}, fmt.Errorf("encode result: %w", err)
		}
		rec.Result = string(data)
	}
	return rec, nil
}

func fromRecord(rec TaskRecord) task.Instance {
	inst := task.Instance{
		ID:          rec.ID,
		Type:        rec.Type,
		ResourceKey: rec.ResourceKey,
		State:       task.State(rec.State),
		Progress:    rec.Progress,
		Error:       rec.Error,
		Events:      rec.Events,
		CreatedAt:   rec.CreatedAt,
	}
	if rec.StartedAt != nil {
		inst.StartedAt = *rec.StartedAt
	}
	if rec.FinishedAt != nil {
		inst.FinishedAt = *rec.FinishedAt
	}
	if rec.Result != "" {
		var result any
		if err := json.Unmarshal([]byte(rec.Result), &result); err == nil {
			inst.Result = result
		}
	}
	return inst
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
