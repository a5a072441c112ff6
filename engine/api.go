package engine

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/flashbots/mev-executor/jsonrpcserver"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

var ErrOpportunityNotFound = errors.New("opportunity not found")

const (
	StatusEndpointName            = "executor_status"
	OpportunitiesEndpointName     = "executor_opportunities"
	DropOpportunityEndpointName   = "executor_dropOpportunity"
	defaultOpportunitiesListLimit = 100
)

type BlockTracker interface {
	CurrentBlock() uint64
}

type StatusResponse struct {
	Block      hexutil.Uint64        `json:"block"`
	NextNonce  hexutil.Uint64        `json:"nextNonce"`
	Cached     int                   `json:"cached"`
	Queued     int                   `json:"queued"`
	Inflight   int                   `json:"inflight"`
	Running    map[common.Hash]State `json:"running"`
	Strategies []string              `json:"strategies"`
}

// API is the operator surface of the executor, it never changes how opportunities are executed
type API struct {
	log *zap.Logger

	blocks     BlockTracker
	cache      *OpportunityCache
	scheduler  *Scheduler
	nonces     *NonceAllocator
	strategies *StrategySet
}

func NewAPI(log *zap.Logger, blocks BlockTracker, cache *OpportunityCache, scheduler *Scheduler, nonces *NonceAllocator, strategies *StrategySet) *API {
	return &API{
		log:        log.Named("api"),
		blocks:     blocks,
		cache:      cache,
		scheduler:  scheduler,
		nonces:     nonces,
		strategies: strategies,
	}
}

func (m *API) Methods() jsonrpcserver.Methods {
	return jsonrpcserver.Methods{
		StatusEndpointName:          m.Status,
		OpportunitiesEndpointName:   m.Opportunities,
		DropOpportunityEndpointName: m.DropOpportunity,
	}
}

func (m *API) Status(ctx context.Context) (StatusResponse, error) {
	strategies := m.strategies.Names()
	slices.Sort(strategies)
	return StatusResponse{
		Block:      hexutil.Uint64(m.blocks.CurrentBlock()),
		NextNonce:  hexutil.Uint64(m.nonces.Next()),
		Cached:     m.cache.Len(),
		Queued:     m.scheduler.Queued(),
		Inflight:   m.scheduler.Inflight(),
		Running:    m.scheduler.Running(),
		Strategies: strategies,
	}, nil
}

// Opportunities lists cached opportunities, most recently detected first.
// limit <= 0 means the default limit.
func (m *API) Opportunities(ctx context.Context, limit int) ([]Opportunity, error) {
	if limit <= 0 {
		limit = defaultOpportunitiesListLimit
	}
	opps := m.cache.Snapshot()
	slices.SortFunc(opps, func(a, b Opportunity) int {
		return b.DetectedAt.Compare(a.DetectedAt)
	})
	if len(opps) > limit {
		opps = opps[:limit]
	}
	return opps, nil
}

// DropOpportunity removes a cached opportunity, if it's already queued the scheduler skips it.
// Opportunities that are already executing are not affected.
func (m *API) DropOpportunity(ctx context.Context, identity common.Hash) (bool, error) {
	if !m.cache.Remove(identity) {
		if _, ok := m.scheduler.Running()[identity]; ok {
			return false, nil
		}
		return false, ErrOpportunityNotFound
	}
	m.log.Info("Opportunity dropped by operator",
		zap.String("opportunity", identity.Hex()),
		zap.String("operator", jsonrpcserver.GetOperator(ctx)),
		zap.String("remote_addr", jsonrpcserver.GetRemoteAddr(ctx)))
	return true, nil
}
