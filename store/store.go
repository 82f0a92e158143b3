package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/axiomesh/treasury/proposal"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"

	sqliteFileName = "treasury.sqlite"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrStaleState   = errors.New("proposal status changed concurrently")
	ErrReviewExists = errors.New("proposal already reviewed")
)

// CooldownError rejects a proposal whose author submitted another one at Latest.
type CooldownError struct {
	Author string
	Latest time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("author %s submitted a proposal at %s", e.Author, e.Latest.Format(time.RFC3339))
}

type Config struct {
	Driver string
	// DataDir holds the sqlite file; empty means an in-memory database.
	DataDir string
	DSN     string
}

type Store struct {
	db     *gorm.DB
	logger logrus.FieldLogger
	now    func() time.Time
}

func Open(cfg Config, logger logrus.FieldLogger) (*Store, error) {
	gormCfg := &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
		TranslateError:         true,
	}

	var db *gorm.DB
	var err error
	switch strings.ToLower(cfg.Driver) {
	case "", DriverSqlite:
		if cfg.DataDir != "" {
			if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
				return nil, errors.Wrap(err, "create database directory")
			}
		}
		db, err = gorm.Open(sqlite.Open(sqliteDSN(cfg.DataDir)), gormCfg)
		if err != nil {
			return nil, errors.Wrap(err, "open sqlite")
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// sqlite allows a single writer; one connection serializes statements
		sqlDB.SetMaxOpenConns(1)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, errors.New("postgres driver requires a dsn")
		}
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
		if err != nil {
			return nil, errors.Wrap(err, "open postgres")
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	s := &Store{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, model := range migrateModels {
		logger.Debugf("migrating table for %T", model)
		if err := db.AutoMigrate(model); err != nil {
			return nil, errors.Wrapf(err, "migrate %T", model)
		}
	}
	return s, nil
}

func sqliteDSN(dataDir string) string {
	if dataDir == "" {
		return fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	}
	return fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		filepath.Join(dataDir, sqliteFileName),
	)
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// CreateProposal inserts p and its creation audit entry.
func (s *Store) CreateProposal(ctx context.Context, p *proposal.Proposal) error {
	return s.CreateProposalAfterCooldown(ctx, p, 0)
}

// CreateProposalAfterCooldown inserts p unless its author created another
// proposal less than cooldown before p.CreatedAt, in which case it returns a
// *CooldownError. The check and the insert share one transaction; postgres
// serializes them per author with an advisory lock.
func (s *Store) CreateProposalAfterCooldown(ctx context.Context, p *proposal.Proposal, cooldown time.Duration) error {
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = p.CreatedAt
	rec := fromProposal(p)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if cooldown > 0 {
			if err := s.checkCooldown(tx, p.Author, p.CreatedAt.Add(-cooldown)); err != nil {
				return err
			}
		}
		if err := tx.Create(rec).Error; err != nil {
			return errors.Wrap(err, "insert proposal")
		}
		return tx.Create(&TransitionRecord{
			ProposalID: p.ID,
			ToStatus:   string(p.Status),
			Source:     string(proposal.SourceAPI),
			At:         p.CreatedAt,
		}).Error
	})
}

func (s *Store) checkCooldown(tx *gorm.DB, author string, since time.Time) error {
	// sqlite runs on a single connection, so its transactions are already serial
	if tx.Dialector.Name() == DriverPostgres {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(hashtext(?))", author).Error; err != nil {
			return errors.Wrap(err, "lock author")
		}
	}
	var rec ProposalRecord
	err := tx.Select("id", "created_at").
		Where("author = ? AND created_at > ?", author, since.UTC()).
		Order("created_at DESC").
		First(&rec).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil
	case err != nil:
		return errors.Wrap(err, "load latest proposal")
	}
	return &CooldownError{Author: author, Latest: rec.CreatedAt}
}

func (s *Store) GetProposal(ctx context.Context, id string) (*proposal.Proposal, error) {
	var rec ProposalRecord
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec.toProposal(), nil
}

func (s *Store) GetProposalByChainID(ctx context.Context, chainID *big.Int) (*proposal.Proposal, error) {
	if chainID == nil {
		return nil, ErrNotFound
	}
	var rec ProposalRecord
	if err := s.db.WithContext(ctx).Where("on_chain_id = ?", chainID.String()).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec.toProposal(), nil
}

// ListByStatus returns proposals in status, oldest first. A limit <= 0 means no limit.
func (s *Store) ListByStatus(ctx context.Context, status proposal.Status, limit int) ([]*proposal.Proposal, error) {
	var recs []ProposalRecord
	q := s.db.WithContext(ctx).Where("status = ?", string(status)).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*proposal.Proposal, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toProposal())
	}
	return out, nil
}

// CompareAndSwapStatus moves proposal id from one status to another and
// appends the audit entry. ErrStaleState means the row was not in from.
func (s *Store) CompareAndSwapStatus(ctx context.Context, id string, from, to proposal.Status, source proposal.Source) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.casLocked(tx, id, from, to, source)
	})
}

func (s *Store) casLocked(tx *gorm.DB, id string, from, to proposal.Status, source proposal.Source) error {
	now := s.now()
	result := tx.Model(&ProposalRecord{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{
			"status":     string(to),
			"updated_at": now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := tx.Model(&ProposalRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return ErrStaleState
	}
	return tx.Create(&TransitionRecord{
		ProposalID: id,
		FromStatus: string(from),
		ToStatus:   string(to),
		Source:     string(source),
		At:         now,
	}).Error
}

// RecordRegistration stores the on-chain references of a proposal. The chain
// id is written only once; a nil chainID records just the transaction.
func (s *Store) RecordRegistration(ctx context.Context, id string, chainID *big.Int, txRef string) error {
	updates := map[string]any{"updated_at": s.now()}
	if txRef != "" {
		updates["on_chain_tx_ref"] = txRef
	}
	q := s.db.WithContext(ctx).Model(&ProposalRecord{}).Where("id = ?", id)
	if chainID != nil {
		updates["on_chain_id"] = chainID.String()
		q = q.Where("on_chain_id IS NULL")
	}
	result := q.Updates(updates)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("chain id %s already bound to another proposal: %w", chainID, result.Error)
		}
		return result.Error
	}
	if result.RowsAffected == 0 {
		existing, err := s.GetProposal(ctx, id)
		if err != nil {
			return err
		}
		if chainID != nil && existing.OnChainID != nil && existing.OnChainID.Cmp(chainID) != 0 {
			return fmt.Errorf("proposal %s already registered as %s", id, existing.OnChainID)
		}
	}
	return nil
}

func (s *Store) RecordReviewTx(ctx context.Context, id, txRef string) error {
	return s.db.WithContext(ctx).Model(&ProposalRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"review_tx_ref": txRef, "updated_at": s.now()}).Error
}

func (s *Store) FlagDiscrepancy(ctx context.Context, id string, flag bool) error {
	return s.db.WithContext(ctx).Model(&ProposalRecord{}).
		Where("id = ?", id).
		Updates(map[string]any{"discrepancy": flag, "updated_at": s.now()}).Error
}

// ApplyReview inserts the immutable review and moves the proposal out of
// pending_review in one transaction.
func (s *Store) ApplyReview(ctx context.Context, r *proposal.Review, to proposal.Status, source proposal.Source) error {
	scores, err := json.Marshal(r.Scores)
	if err != nil {
		return err
	}
	rec := &ReviewRecord{
		ProposalID:        r.ProposalID,
		Decision:          string(r.Decision),
		Scores:            string(scores),
		AllocationPercent: r.AllocationPercent,
		Rationale:         r.Rationale,
		ReviewedAt:        r.ReviewedAt,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&ReviewRecord{}).Where("proposal_id = ?", r.ProposalID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrReviewExists
		}
		if err := tx.Create(rec).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrReviewExists
			}
			return errors.Wrap(err, "insert review")
		}
		return s.casLocked(tx, r.ProposalID, proposal.StatusPendingReview, to, source)
	})
}

func (s *Store) GetReview(ctx context.Context, proposalID string) (*proposal.Review, error) {
	var rec ReviewRecord
	if err := s.db.WithContext(ctx).Where("proposal_id = ?", proposalID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r := &proposal.Review{
		ProposalID: rec.ProposalID,
		Verdict: proposal.Verdict{
			Decision:          proposal.Decision(rec.Decision),
			AllocationPercent: rec.AllocationPercent,
			Rationale:         rec.Rationale,
		},
		ReviewedAt: rec.ReviewedAt,
	}
	if err := json.Unmarshal([]byte(rec.Scores), &r.Scores); err != nil {
		return nil, errors.Wrapf(err, "decode scores of review %s", proposalID)
	}
	return r, nil
}

// SaveAllocation upserts the ledger's view of an allocation.
func (s *Store) SaveAllocation(ctx context.Context, a *proposal.Allocation) error {
	rec := fromAllocation(a)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "proposal_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"recipient", "percent", "amount", "tx_ref", "status", "error", "updated_at"}),
	}).Create(rec).Error
}

func (s *Store) GetAllocation(ctx context.Context, proposalID string) (*proposal.Allocation, error) {
	var rec AllocationRecord
	if err := s.db.WithContext(ctx).Where("proposal_id = ?", proposalID).First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return rec.toAllocation(), nil
}

func (s *Store) ListAllocations(ctx context.Context) ([]*proposal.Allocation, error) {
	var recs []AllocationRecord
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*proposal.Allocation, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toAllocation())
	}
	return out, nil
}

func (s *Store) ListTransitions(ctx context.Context, proposalID string) ([]proposal.Transition, error) {
	var recs []TransitionRecord
	if err := s.db.WithContext(ctx).Where("proposal_id = ?", proposalID).Order("id ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]proposal.Transition, 0, len(recs))
	for _, r := range recs {
		out = append(out, proposal.Transition{
			ProposalID: r.ProposalID,
			From:       proposal.Status(r.FromStatus),
			To:         proposal.Status(r.ToStatus),
			Source:     proposal.Source(r.Source),
			At:         r.At,
		})
	}
	return out, nil
}
