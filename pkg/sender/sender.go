// Package sender implements the server side of the asymmetric PSI
// protocol: it owns the OPRF key and the database, answers OPRF requests
// and evaluates encrypted queries.
package sender

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/optable/apsi/internal/he"
	"github.com/optable/apsi/internal/util"
	"github.com/optable/apsi/pkg/log"
	"github.com/optable/apsi/pkg/oprf"
	"github.com/optable/apsi/pkg/params"
	"github.com/optable/apsi/pkg/psi"
)

// DefaultMaxBundles bounds the number of cuckoo tables of a database
const DefaultMaxBundles = 64

// Config is the runtime configuration of a Server
type Config struct {
	// Threads bounds the parallelism of SetData, Query and RunOPRF.
	// 0 uses GOMAXPROCS.
	Threads int
	// MaxBundles bounds the number of cuckoo tables stacked to hold the
	// items. 0 uses DefaultMaxBundles.
	MaxBundles int
	// Ristretto selects the OPRF group implementation,
	// oprf.RistrettoTypeR255 (default) or oprf.RistrettoTypeGR.
	Ristretto int
}

func (c Config) maxBundles() int {
	if c.MaxBundles <= 0 {
		return DefaultMaxBundles
	}
	return c.MaxBundles
}

// Server holds the parameters, the OPRF key and the database. SetData and
// LoadDB replace the database wholesale; Query and SaveDB may run
// concurrently with each other but wait for a running SetData.
type Server struct {
	params params.Parameters
	key    *oprf.Key
	cfg    Config
	he     *he.Context

	mu sync.RWMutex
	db *database
}

// New returns a Server without data
func New(p params.Parameters, key *oprf.Key, cfg Config) (*Server, error) {
	if p.IsZero() {
		return nil, fmt.Errorf("%w: no parameters", psi.ErrInvalidArgument)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: no OPRF key", psi.ErrInvalidArgument)
	}

	heParams := p.HE()
	heCtx, err := he.NewContext(heParams.PolyModulusDegree, heParams.PlainModulus, heParams.CoeffModulusBits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", psi.ErrInvalidArgument, err)
	}

	return &Server{params: p, key: key, cfg: cfg, he: heCtx}, nil
}

// Params returns the server parameters
func (s *Server) Params() params.Parameters {
	return s.params
}

// Key returns the OPRF key
func (s *Server) Key() *oprf.Key {
	return s.key
}

// GetParameters returns the binary parameters blob to publish to
// clients. It fails before any data is set.
func (s *Server) GetParameters() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, fmt.Errorf("%w: no data set", psi.ErrInvalidArgument)
	}
	return s.params.MarshalBinary()
}

// RunOPRF answers an OPRF request with the server key
func (s *Server) RunOPRF(ctx context.Context, request []byte) ([]byte, error) {
	return RunOPRF(ctx, request, s.key, s.cfg)
}

// RunOPRF answers an OPRF request with key, without a Server
func RunOPRF(ctx context.Context, request []byte, key *oprf.Key, cfg Config) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: no OPRF key", psi.ErrInvalidArgument)
	}
	return oprf.EvaluateWith(ctx, oprf.NewRistretto(cfg.Ristretto, key), request, cfg.Threads)
}

// SetData replaces the database with items. Items are hashed through the
// OPRF, placed in cuckoo tables and turned into bin polynomials.
// Duplicates are stored once.
func (s *Server) SetData(ctx context.Context, items psi.Items) error {
	// fetch and set up logger
	logger := logr.FromContextOrDiscard(ctx)
	logger = logger.WithValues("protocol", "apsi", "role", "sender")

	// statistics
	start := time.Now()
	timer := start

	var hashed []psi.HashedItem
	var db *database

	// stage 1: hash the items with the OPRF key
	stage1 := func() error {
		logger.V(1).Info("Starting stage 1", "items", len(items))
		var err error
		if hashed, err = s.hashItems(ctx, items); err != nil {
			return err
		}
		timer = log.StageStats(logger, "hash", timer, start)
		return nil
	}

	// stage 2: place the hashed items in a stack of cuckoo tables
	stage2 := func() error {
		logger.V(1).Info("Starting stage 2")
		var err error
		if db, err = newDatabase(s.params, hashed, s.cfg.maxBundles()); err != nil {
			return err
		}
		logger.V(1).Info("Placed items", "unique", db.items, "bundles", len(db.bundles))
		for i, b := range db.bundles {
			logger.V(2).Info("Bundle", "index", i, "items", b.items, "load factor", b.load)
		}
		timer = log.StageStats(logger, "placement", timer, start)
		return nil
	}

	// stage 3: compute and encode the bin polynomials
	stage3 := func() error {
		logger.V(1).Info("Starting stage 3")
		if err := db.computePolynomials(ctx, s.params, s.cfg.Threads); err != nil {
			return err
		}
		if err := db.encodePlaintexts(ctx, s.params, s.he, s.cfg.Threads); err != nil {
			return err
		}
		timer = log.StageStats(logger, "polynomials", timer, start)
		return nil
	}

	for _, stage := range []func() error{stage1, stage2, stage3} {
		if err := util.Sel(ctx, stage); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.db = db
	s.mu.Unlock()
	logger.Info("Database ready", "items", db.items, "bundles", len(db.bundles))
	return nil
}

// hashItems evaluates the OPRF on every item
func (s *Server) hashItems(ctx context.Context, items psi.Items) ([]psi.HashedItem, error) {
	r := oprf.NewRistretto(s.cfg.Ristretto, s.key)
	hashed := make([]psi.HashedItem, len(items))
	err := util.ParallelFor(ctx, len(items), s.cfg.Threads, func(_ context.Context, i int) error {
		hashed[i] = oprf.HashWith(r, items[i])
		return nil
	})
	return hashed, err
}
