package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/txguard/cache"
	"github.com/ethpandaops/txguard/dbtypes"
	"github.com/ethpandaops/txguard/session"
	"github.com/ethpandaops/txguard/simulation"
)

var ErrNothingToExport = errors.New("no active simulation to export")

const cachedDecisionTTL = 30 * 24 * time.Hour

// DecisionStore persists sharing decisions by snapshot hash. It is
// implemented by *db.Database.
type DecisionStore interface {
	GetExportDecision(ctx context.Context, contentHash []byte) (*dbtypes.ExportDecision, error)
	SetExportDecision(ctx context.Context, decision *dbtypes.ExportDecision) error
}

// ExportResult is the outcome of an export request. Snapshot is only set
// when sharing was approved.
type ExportResult struct {
	Hash     common.Hash                `json:"hash"`
	Approved bool                       `json:"approved"`
	Memoized bool                       `json:"memoized"`
	Snapshot *simulation.ExportSnapshot `json:"snapshot,omitempty"`
}

type exportPrompt struct {
	Hash     common.Hash                `json:"hash"`
	Snapshot *simulation.ExportSnapshot `json:"snapshot"`
}

// ExportService exports simulation stacks and memoizes the caller's
// decision to share a given stack.
type ExportService struct {
	store  DecisionStore
	logger logrus.FieldLogger
	now    func() time.Time
}

func NewExportService(store DecisionStore, logger logrus.FieldLogger) *ExportService {
	return &ExportService{
		store:  store,
		logger: logger.WithField("module", "export"),
		now:    time.Now,
	}
}

// Snapshot builds the export snapshot of the connection's simulation.
func (s *ExportService) Snapshot(conn *Connection) (*simulation.ExportSnapshot, common.Hash, error) {
	state := conn.SimulationState()
	if state == nil || (state.IsEmpty() && len(state.SignedMessages()) == 0) {
		return nil, common.Hash{}, ErrNothingToExport
	}

	snapshot, err := simulation.NewExportSnapshot(state, BalanceDeltas(conn.BalanceChanges()))
	if err != nil {
		return nil, common.Hash{}, err
	}
	hash, err := snapshot.Hash()
	if err != nil {
		return nil, common.Hash{}, err
	}
	return snapshot, hash, nil
}

// Export asks the caller whether the simulation stack may be shared,
// unless a decision for identical content is already stored.
func (s *ExportService) Export(ctx context.Context, conn *Connection, origin string) (*ExportResult, error) {
	snapshot, hash, err := s.Snapshot(conn)
	if err != nil {
		return nil, err
	}

	result := &ExportResult{Hash: hash}

	decision, err := s.store.GetExportDecision(ctx, hash.Bytes())
	if err != nil {
		s.logger.WithField("hash", hash).Warnf("could not load export decision: %v", err)
	}
	if decision != nil {
		result.Approved = decision.Approved
		result.Memoized = true
	} else {
		approved, err := conn.Gate().Ask(ctx, session.PromptExportSimulation, &exportPrompt{
			Hash:     hash,
			Snapshot: snapshot,
		})
		if err != nil {
			return nil, err
		}
		result.Approved = approved

		err = s.store.SetExportDecision(ctx, &dbtypes.ExportDecision{
			ContentHash: hash.Bytes(),
			Approved:    approved,
			DecidedAt:   s.now().Unix(),
			Origin:      origin,
		})
		if err != nil {
			s.logger.WithField("hash", hash).Warnf("could not store export decision: %v", err)
		}
	}

	if result.Approved {
		result.Snapshot = snapshot
	}

	s.logger.WithFields(logrus.Fields{
		"hash":     hash,
		"approved": result.Approved,
		"memoized": result.Memoized,
	}).Debugf("exported simulation")

	return result, nil
}

// CacheDecisionStore keeps decisions in the tiered cache. It is used when
// no database is configured.
type CacheDecisionStore struct {
	cache *cache.TieredCache
}

func NewCacheDecisionStore(decisionCache *cache.TieredCache) *CacheDecisionStore {
	return &CacheDecisionStore{cache: decisionCache}
}

func decisionCacheKey(contentHash []byte) string {
	return fmt.Sprintf("export:%x", contentHash)
}

func (s *CacheDecisionStore) GetExportDecision(ctx context.Context, contentHash []byte) (*dbtypes.ExportDecision, error) {
	decision := &dbtypes.ExportDecision{}
	err := s.cache.Get(ctx, decisionCacheKey(contentHash), decision)
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decision, nil
}

func (s *CacheDecisionStore) SetExportDecision(ctx context.Context, decision *dbtypes.ExportDecision) error {
	return s.cache.Set(ctx, decisionCacheKey(decision.ContentHash), decision, cachedDecisionTTL)
}
