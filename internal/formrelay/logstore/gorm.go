package logstore

import (
	"context"
	"sync"
	"time"

	"gorm.io/gorm"

	"formrelay/internal/formrelay/domain"
	"formrelay/pkg/logger"
)

// recordModel maps log records to the database table. Seq is the per-job
// monotonic id from the data model; RowID exists only to give the table a
// conventional primary key.
type recordModel struct {
	RowID      uint64    `gorm:"primaryKey;autoIncrement"`
	JobID      string    `gorm:"size:36;uniqueIndex:idx_job_seq;index:idx_job_owner"`
	Seq        uint64    `gorm:"uniqueIndex:idx_job_seq"`
	Owner      string    `gorm:"size:36;index"`
	CampaignID string    `gorm:"size:36;index"`
	Level      string    `gorm:"size:8;index"`
	Message    string    `gorm:"type:text"`
	Timestamp  time.Time `gorm:"index"`
}

func (recordModel) TableName() string { return "log_records" }

// jobSeq serializes id allocation for one job in front of the database.
// The counter seeds from MAX(seq) on first touch so restarts continue the
// sequence instead of reusing ids.
type jobSeq struct {
	mu     sync.Mutex
	loaded bool
	next   uint64
}

// GormStore is the durable Store backend. Open it with any GORM dialector;
// formrelayd uses SQLite.
type GormStore struct {
	db     *gorm.DB
	mu     sync.Mutex
	seqs   map[string]*jobSeq
	logger *logger.Logger
}

var _ Store = (*GormStore)(nil)

// NewGormStore wraps an open gorm.DB and migrates the records table.
func NewGormStore(db *gorm.DB, log *logger.Logger) (*GormStore, error) {
	if log == nil {
		log = logger.WithField("component", "log-store")
	}
	if err := db.AutoMigrate(&recordModel{}); err != nil {
		return nil, err
	}
	return &GormStore{
		db:     db,
		seqs:   make(map[string]*jobSeq),
		logger: log,
	}, nil
}

func (s *GormStore) Append(ctx context.Context, req AppendRequest) (domain.LogRecord, error) {
	seq := s.seqFor(req.JobID)

	seq.mu.Lock()
	defer seq.mu.Unlock()

	if !seq.loaded {
		var max uint64
		err := s.db.WithContext(ctx).Model(&recordModel{}).
			Where("job_id = ?", req.JobID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&max).Error
		if err != nil {
			return domain.LogRecord{}, err
		}
		seq.next = max
		seq.loaded = true
	}

	m := recordModel{
		JobID:      req.JobID,
		Seq:        seq.next + 1,
		Owner:      req.Owner,
		CampaignID: req.CampaignID,
		Level:      string(req.Level),
		Message:    req.Message,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return domain.LogRecord{}, err
	}
	seq.next++

	return fromModel(m), nil
}

func (s *GormStore) Query(ctx context.Context, f Filter) ([]domain.LogRecord, int64, error) {
	q := s.db.WithContext(ctx).Model(&recordModel{})
	if f.JobID != "" {
		q = q.Where("job_id = ?", f.JobID)
	}
	if f.Owner != "" {
		q = q.Where("owner = ?", f.Owner)
	}
	if f.CampaignID != "" {
		q = q.Where("campaign_id = ?", f.CampaignID)
	}
	if f.Level != "" {
		q = q.Where("level = ?", string(f.Level))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	var rows []recordModel
	err := q.Order("job_id ASC").Order("seq ASC").
		Offset(offset).Limit(clampLimit(f.Limit)).
		Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}

	out := make([]domain.LogRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, fromModel(m))
	}
	return out, total, nil
}

func (s *GormStore) Tail(ctx context.Context, jobID string, afterID uint64) ([]domain.LogRecord, error) {
	var rows []recordModel
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND seq > ?", jobID, afterID).
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.LogRecord, 0, len(rows))
	for _, m := range rows {
		out = append(out, fromModel(m))
	}
	return out, nil
}

func (s *GormStore) Prune(ctx context.Context, jobID string) error {
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Delete(&recordModel{}).Error
	if err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.seqs, jobID)
	s.mu.Unlock()

	s.logger.Debug("pruned job records", "jobId", jobID)
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) seqFor(jobID string) *jobSeq {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.seqs[jobID]
	if !ok {
		seq = &jobSeq{}
		s.seqs[jobID] = seq
	}
	return seq
}

func fromModel(m recordModel) domain.LogRecord {
	return domain.LogRecord{
		ID:         m.Seq,
		JobID:      m.JobID,
		CampaignID: m.CampaignID,
		Timestamp:  m.Timestamp,
		Level:      domain.Level(m.Level),
		Message:    m.Message,
	}
}
