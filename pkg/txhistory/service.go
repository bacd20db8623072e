package txhistory

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/0xmhha/coinstack-go/internal/constants"
	"github.com/0xmhha/coinstack-go/pkg/storage"
	"github.com/0xmhha/coinstack-go/pkg/types"
)

// ErrInvalidPageSize is returned when a page size falls outside [1, 100]
var ErrInvalidPageSize = errors.New("invalid page size")

const (
	// ModeMerged merges indexer transactions with explorer internal transfers
	ModeMerged = "merged"
	// ModeIndexer serves indexer transactions enriched with node traces
	ModeIndexer = "indexer"
)

// Query holds the tx history request parameters
type Query struct {
	Cursor   string
	PageSize int
	// From and To are optional block height bounds
	From *int64
	To   *int64
}

func (q *Query) pageSize() (int, error) {
	if q.PageSize == 0 {
		return constants.DefaultPageSize, nil
	}
	if q.PageSize < constants.MinPageSize || q.PageSize > constants.MaxPageSize {
		return 0, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidPageSize, q.PageSize, constants.MinPageSize, constants.MaxPageSize)
	}
	return q.PageSize, nil
}

// Service serves paginated account transaction history
type Service interface {
	GetTxHistory(ctx context.Context, pubkey string, q Query) (*types.TxHistory, error)
	GetTransaction(ctx context.Context, txid string) (*types.Tx, error)
}

// PrimarySource is the transaction indexer (Source A)
type PrimarySource interface {
	TxPage(ctx context.Context, pubkey string, page, pageSize int, from, to *int64) (*types.TxPage, error)
	Transaction(ctx context.Context, txid string) (*types.Tx, error)
}

// InternalSource lists internal transfers (Source B)
type InternalSource interface {
	InternalTxPage(ctx context.Context, pubkey string, page, pageSize int, from, to *int64) (*types.InternalTxPage, error)
	InternalTransfers(ctx context.Context, txid string) ([]types.InternalTransfer, error)
}

// TraceSource derives internal transfers from node execution traces
type TraceSource interface {
	TraceTransaction(ctx context.Context, txid string) ([]types.InternalTransfer, error)
}

// Options are the dependencies of NewService
type Options struct {
	Mode     string
	Primary  PrimarySource
	Internal InternalSource
	Traces   TraceSource
	// TraceCache stores trace results of confirmed transactions; optional
	TraceCache storage.Store
	Metrics    *Metrics
	Logger     *zap.Logger
}

// NewService builds the Service implementation selected by opts.Mode
func NewService(opts Options) (Service, error) {
	if opts.Primary == nil {
		return nil, fmt.Errorf("primary source is required")
	}

	switch opts.Mode {
	case ModeMerged, "":
		if opts.Internal == nil {
			return nil, fmt.Errorf("internal source is required in %s mode", ModeMerged)
		}
		return NewMerger(opts.Primary, opts.Internal, opts.Metrics, opts.Logger), nil
	case ModeIndexer:
		if opts.Traces == nil {
			return nil, fmt.Errorf("trace source is required in %s mode", ModeIndexer)
		}
		return NewIndexerOnly(opts.Primary, opts.Traces, opts.TraceCache, opts.Metrics, opts.Logger), nil
	default:
		return nil, fmt.Errorf("unknown tx history mode %q", opts.Mode)
	}
}

func encodeNext(cursor *Cursor, hasMore bool) (string, error) {
	if !hasMore {
		return "", nil
	}
	return cursor.Encode()
}
