package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"g3-engine/internal/logging"
)

// ErrJobNotFound is returned when a job id has no persisted record.
var ErrJobNotFound = errors.New("job not found")

// Store is the persistence boundary. The engine keeps no long-term state
// of its own beyond running jobs and live subscriber connections.
type Store interface {
	LoadJob(ctx context.Context, id uuid.UUID) (*Job, error)
	SaveJob(ctx context.Context, job *Job) error
	SaveArtifact(ctx context.Context, artifact *Artifact) error
	ListArtifacts(ctx context.Context, jobID uuid.UUID) ([]Artifact, error)
}

// GormStore persists jobs and artifacts through gorm. SQLite by default,
// PostgreSQL when a DATABASE_URL is configured.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database and migrates the job/artifact tables.
func NewGormStore(databaseURL, sqlitePath string) (*GormStore, error) {
	cfg := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	var db *gorm.DB
	var err error
	if databaseURL != "" {
		db, err = gorm.Open(postgres.Open(databaseURL), cfg)
	} else {
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&Job{}, &Artifact{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logging.S().Info("job store ready")
	return &GormStore{db: db}, nil
}

// LoadJob implements Store.
func (s *GormStore) LoadJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	var job Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	return &job, nil
}

// SaveJob implements Store.
func (s *GormStore) SaveJob(ctx context.Context, job *Job) error {
	if err := s.db.WithContext(ctx).Save(job).Error; err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

// SaveArtifact implements Store.
func (s *GormStore) SaveArtifact(ctx context.Context, artifact *Artifact) error {
	if err := s.db.WithContext(ctx).Save(artifact).Error; err != nil {
		return fmt.Errorf("save artifact %s: %w", artifact.ID, err)
	}
	return nil
}

// ListArtifacts implements Store.
func (s *GormStore) ListArtifacts(ctx context.Context, jobID uuid.UUID) ([]Artifact, error) {
	var artifacts []Artifact
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at asc").
		Find(&artifacts).Error
	if err != nil {
		return nil, fmt.Errorf("list artifacts for %s: %w", jobID, err)
	}
	return artifacts, nil
}

// MemoryStore is an in-memory Store for tests and ephemeral runs.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[uuid.UUID]Job
	artifacts map[uuid.UUID][]Artifact
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[uuid.UUID]Job),
		artifacts: make(map[uuid.UUID][]Artifact),
	}
}

// LoadJob implements Store.
func (s *MemoryStore) LoadJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	out := job
	return &out, nil
}

// SaveJob implements Store.
func (s *MemoryStore) SaveJob(ctx context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.UpdatedAt = time.Now()
	s.jobs[job.ID] = *job
	return nil
}

// SaveArtifact implements Store.
func (s *MemoryStore) SaveArtifact(ctx context.Context, artifact *Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifact.JobID] = append(s.artifacts[artifact.JobID], *artifact)
	return nil
}

// ListArtifacts implements Store.
func (s *MemoryStore) ListArtifacts(ctx context.Context, jobID uuid.UUID) ([]Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Artifact, len(s.artifacts[jobID]))
	copy(out, s.artifacts[jobID])
	return out, nil
}
