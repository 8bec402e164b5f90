package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/fanout/internal/clock"
	ledgerdomain "github.com/smallbiznis/fanout/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/fanout/internal/observability/metrics"
	"github.com/smallbiznis/fanout/pkg/db"
	"github.com/smallbiznis/fanout/pkg/db/pagination"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var tracer = otel.Tracer("fanout/ledger")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Credit(ctx context.Context, req ledgerdomain.CreditRequest) (ledgerdomain.CreditResult, error) {
	req.BatchID = strings.TrimSpace(req.BatchID)
	if req.BatchID == "" {
		return ledgerdomain.CreditResult{}, ledgerdomain.ErrInvalidBatchID
	}
	if req.BeneficiaryID <= 0 || req.SourceUserID <= 0 {
		return ledgerdomain.CreditResult{}, ledgerdomain.ErrInvalidUser
	}
	if req.Level < 1 {
		return ledgerdomain.CreditResult{}, ledgerdomain.ErrInvalidLevel
	}
	if req.Amount.IsNegative() {
		return ledgerdomain.CreditResult{}, ledgerdomain.ErrInvalidAmount
	}
	column, err := ledgerdomain.BalanceColumn(req.Currency)
	if err != nil {
		return ledgerdomain.CreditResult{}, err
	}

	ctx, span := tracer.Start(ctx, "ledger.Credit", trace.WithAttributes(
		attribute.Int("level", req.Level),
		attribute.String("currency", string(req.Currency)),
	))
	defer span.End()

	now := s.clock.Now()
	entry := ledgerdomain.CommissionLedgerEntry{
		ID:                s.genID.Generate(),
		BatchID:           req.BatchID,
		BeneficiaryUserID: req.BeneficiaryID,
		SourceUserID:      req.SourceUserID,
		Level:             req.Level,
		Amount:            req.Amount.Truncate(ledgerdomain.AmountScale),
		Currency:          req.Currency,
		CreatedAt:         now,
	}

	inserted := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "batch_id"}, {Name: "level"}},
			DoNothing: true,
		}).Create(&entry)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			// credited by an earlier run of this batch
			return nil
		}

		update := tx.Exec(
			fmt.Sprintf(`UPDATE accounts SET %s = %s + ?, updated_at = ? WHERE user_id = ? AND frozen = ?`, column, column),
			entry.Amount,
			now,
			req.BeneficiaryID,
			false,
		)
		if update.Error != nil {
			return update.Error
		}
		if update.RowsAffected == 0 {
			return ledgerdomain.ErrBeneficiaryNotFound
		}
		inserted = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrBeneficiaryNotFound) {
			span.SetAttributes(attribute.Bool("beneficiary_unavailable", true))
			return ledgerdomain.CreditResult{}, err
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "credit failed")
		return ledgerdomain.CreditResult{}, db.WrapPersistence("ledger.credit", err)
	}

	if !inserted {
		s.log.Debug("commission already credited",
			zap.String("batch_id", req.BatchID),
			zap.Int("level", req.Level),
		)
		return ledgerdomain.CreditResult{}, nil
	}

	s.obsMetrics.RecordCommission(ctx, string(req.Currency), req.Level)
	return ledgerdomain.CreditResult{EntryID: entry.ID, Inserted: true}, nil
}

type batchTotalsRow struct {
	Total   decimal.Decimal
	Entries int
}

func (s *Service) SumByBatch(ctx context.Context, batchID string) (ledgerdomain.BatchTotals, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return ledgerdomain.BatchTotals{}, ledgerdomain.ErrInvalidBatchID
	}

	var row batchTotalsRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS total, COUNT(*) AS entries
		FROM commission_ledger
		WHERE batch_id = ?`,
		batchID,
	).Scan(&row).Error
	if err != nil {
		return ledgerdomain.BatchTotals{}, db.WrapPersistence("ledger.sum_by_batch", err)
	}

	// sqlite sums NUMERIC columns as REAL
	return ledgerdomain.BatchTotals{
		Total:   row.Total.Round(ledgerdomain.AmountScale),
		Entries: row.Entries,
	}, nil
}

func (s *Service) ListByBeneficiary(ctx context.Context, req ledgerdomain.HistoryRequest) (ledgerdomain.HistoryResponse, error) {
	if req.UserID <= 0 {
		return ledgerdomain.HistoryResponse{}, ledgerdomain.ErrInvalidUser
	}
	page := req.Pagination.Normalize()

	query := s.db.WithContext(ctx).
		Model(&ledgerdomain.CommissionLedgerEntry{}).
		Where("beneficiary_user_id = ?", req.UserID)

	if token := strings.TrimSpace(page.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return ledgerdomain.HistoryResponse{}, ledgerdomain.ErrInvalidPageToken
		}
		afterID, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return ledgerdomain.HistoryResponse{}, ledgerdomain.ErrInvalidPageToken
		}
		query = query.Where("id < ?", afterID)
	}

	var entries []ledgerdomain.CommissionLedgerEntry
	if err := query.Order("id DESC").Limit(page.PageSize + 1).Find(&entries).Error; err != nil {
		return ledgerdomain.HistoryResponse{}, db.WrapPersistence("ledger.list_by_beneficiary", err)
	}

	entries, info, err := pagination.BuildCursorPageInfo(entries, page.PageSize, func(e ledgerdomain.CommissionLedgerEntry) pagination.Cursor {
		return pagination.Cursor{ID: e.ID.String()}
	})
	if err != nil {
		return ledgerdomain.HistoryResponse{}, err
	}
	if entries == nil {
		entries = []ledgerdomain.CommissionLedgerEntry{}
	}
	return ledgerdomain.HistoryResponse{PageInfo: info, Entries: entries}, nil
}
