package sender

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/optable/apsi/internal/he"
	"github.com/optable/apsi/internal/message"
	"github.com/optable/apsi/internal/util"
	"github.com/optable/apsi/pkg/log"
	"github.com/optable/apsi/pkg/psi"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// batchGroup identifies the query ciphertexts of one bin group of one
// batch of client items
type batchGroup struct {
	batch, group uint32
}

func compareBatchGroup(a, b batchGroup) int {
	switch {
	case a.batch != b.batch:
		return int(a.batch) - int(b.batch)
	default:
		return int(a.group) - int(b.group)
	}
}

// Query evaluates the bin polynomials of every bundle at the encrypted
// query values and returns the serialized Result. It fails with
// psi.ErrParametersMismatch when the query was built for other
// parameters and with psi.ErrProtocol when it is malformed.
func (s *Server) Query(ctx context.Context, query []byte) ([]byte, error) {
	// fetch and set up logger
	logger := logr.FromContextOrDiscard(ctx)
	logger = logger.WithValues("protocol", "apsi", "role", "sender")

	// statistics
	start := time.Now()
	timer := start

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, fmt.Errorf("%w: no data set", psi.ErrInvalidArgument)
	}

	var q message.Query
	if err := q.UnmarshalBinary(query); err != nil {
		return nil, err
	}
	if fingerprint := s.params.Fingerprint(); q.Fingerprint != fingerprint {
		return nil, fmt.Errorf("%w: query fingerprint %x, database fingerprint %x", psi.ErrParametersMismatch, q.Fingerprint[:8], fingerprint[:8])
	}

	var rlk *rlwe.RelinearizationKey
	var sources map[batchGroup]map[uint32]*rlwe.Ciphertext
	var keys []batchGroup
	var results []message.ResultPart

	// stage 1: check and parse the query ciphertexts
	stage1 := func() error {
		logger.V(1).Info("Starting stage 1", "parts", len(q.Parts))
		var err error
		if rlk, err = s.relinKey(q.RelinKey); err != nil {
			return err
		}
		if sources, err = s.sources(q.Parts); err != nil {
			return err
		}
		keys = maps.Keys(sources)
		slices.SortFunc(keys, compareBatchGroup)
		timer = log.StageStats(logger, "parse", timer, start)
		return nil
	}

	// stage 2: evaluate every bundle at every (batch, group)
	stage2 := func() error {
		logger.V(1).Info("Starting stage 2", "batch groups", len(keys), "bundles", len(s.db.bundles))
		bundles := len(s.db.bundles)
		results = make([]message.ResultPart, len(keys)*bundles)
		evaluators := sync.Pool{New: func() any { return s.he.NewEvaluator(rlk) }}

		err := util.ParallelFor(ctx, len(keys), s.cfg.Threads, func(_ context.Context, k int) error {
			eval := evaluators.Get().(*he.Evaluator)
			defer evaluators.Put(eval)

			key := keys[k]
			xs, err := s.derivePowers(eval, sources[key])
			if err != nil {
				return err
			}
			for b, bdl := range s.db.bundles {
				ct, err := s.evaluate(eval, bdl.plaintexts[key.group], xs)
				if err != nil {
					return fmt.Errorf("bundle %d, batch %d, group %d: %w", b, key.batch, key.group, err)
				}
				raw, err := he.MarshalCiphertext(ct)
				if err != nil {
					return err
				}
				results[k*bundles+b] = message.ResultPart{Bundle: uint32(b), Batch: key.batch, Group: key.group, Ciphertext: raw}
				logger.V(2).Info("Evaluated", "bundle", b, "batch", key.batch, "group", key.group)
			}
			return nil
		})
		if err != nil {
			return err
		}
		timer = log.StageStats(logger, "evaluation", timer, start)
		return nil
	}

	for _, stage := range []func() error{stage1, stage2} {
		if err := util.Sel(ctx, stage); err != nil {
			return nil, err
		}
	}

	res := message.Result{Fingerprint: q.Fingerprint, Parts: results}
	return res.MarshalBinary()
}

// relinKey parses the relinearization key of a query. It is required
// exactly when the evaluation multiplies two ciphertexts.
func (s *Server) relinKey(raw []byte) (*rlwe.RelinearizationKey, error) {
	if !s.params.NeedsRelinearization() {
		return nil, nil
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing relinearization key", psi.ErrProtocol)
	}
	rlk, err := s.he.UnmarshalRelinKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", psi.ErrProtocol, err)
	}
	return rlk, nil
}

// sources parses the query ciphertexts and checks that every (batch,
// group) carries exactly one ciphertext per query power.
func (s *Server) sources(parts []message.QueryPart) (map[batchGroup]map[uint32]*rlwe.Ciphertext, error) {
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty query", psi.ErrProtocol)
	}

	queryPowers := s.params.Query().QueryPowers
	allowed := make(map[uint32]bool, len(queryPowers))
	for _, p := range queryPowers {
		allowed[p] = true
	}
	groups := uint32(s.params.GroupCount())

	sources := make(map[batchGroup]map[uint32]*rlwe.Ciphertext)
	for _, part := range parts {
		if part.Group >= groups {
			return nil, fmt.Errorf("%w: group %d, the table has %d", psi.ErrProtocol, part.Group, groups)
		}
		if !allowed[part.Power] {
			return nil, fmt.Errorf("%w: power %d is not a query power", psi.ErrProtocol, part.Power)
		}
		key := batchGroup{batch: part.Batch, group: part.Group}
		if sources[key] == nil {
			sources[key] = make(map[uint32]*rlwe.Ciphertext, len(queryPowers))
		}
		if _, ok := sources[key][part.Power]; ok {
			return nil, fmt.Errorf("%w: power %d repeated for batch %d, group %d", psi.ErrProtocol, part.Power, part.Batch, part.Group)
		}
		ct, err := s.he.UnmarshalCiphertext(part.Ciphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: batch %d, group %d, power %d: %v", psi.ErrProtocol, part.Batch, part.Group, part.Power, err)
		}
		sources[key][part.Power] = ct
	}

	for key, powers := range sources {
		if len(powers) != len(queryPowers) {
			return nil, fmt.Errorf("%w: batch %d, group %d has %d of the %d query powers", psi.ErrProtocol, key.batch, key.group, len(powers), len(queryPowers))
		}
	}
	return sources, nil
}

// derivePowers computes every target power from the query powers
func (s *Server) derivePowers(eval *he.Evaluator, sources map[uint32]*rlwe.Ciphertext) (map[uint32]*rlwe.Ciphertext, error) {
	xs := make(map[uint32]*rlwe.Ciphertext, len(s.params.Targets()))
	for _, node := range s.params.Powers().Nodes() {
		if node.IsSource() {
			xs[node.Power] = sources[node.Power]
			continue
		}
		ct, err := eval.Mul(xs[node.Left], xs[node.Right])
		if err != nil {
			return nil, err
		}
		xs[node.Power] = ct
	}
	return xs, nil
}

// evaluate returns the encrypted evaluation of the bin polynomials whose
// coefficients are packed in pts at the powers xs
func (s *Server) evaluate(eval *he.Evaluator, pts []*rlwe.Plaintext, xs map[uint32]*rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	if s.params.UsesPS() {
		return s.evaluatePS(eval, pts, xs)
	}
	return innerProduct(eval, pts, xs, 0, len(pts)-1)
}

// evaluatePS splits the polynomial in chunks of L+1 coefficients, L being
// ps_low_degree: sum_j x^(j(L+1)) * (sum_i c_(j(L+1)+i) * x^i).
func (s *Server) evaluatePS(eval *he.Evaluator, pts []*rlwe.Plaintext, xs map[uint32]*rlwe.Ciphertext) (*rlwe.Ciphertext, error) {
	high := int(s.params.Query().PSLowDegree) + 1
	degree := len(pts) - 1

	var acc *rlwe.Ciphertext
	for first := 0; first <= degree; first += high {
		last := first + high - 1
		if last > degree {
			last = degree
		}

		var chunk *rlwe.Ciphertext
		var err error
		switch {
		case first == 0:
			chunk, err = innerProduct(eval, pts, xs, 0, last)
		case first == last:
			// a lone constant: x^first * c_first
			chunk, err = eval.MulPlain(xs[uint32(first)], pts[first])
		default:
			var low *rlwe.Ciphertext
			if low, err = innerProduct(eval, pts, xs, first, last); err == nil {
				chunk, err = eval.Mul(low, xs[uint32(first)])
			}
		}
		if err != nil {
			return nil, err
		}

		if acc == nil {
			acc = chunk
			continue
		}
		if err := eval.Add(acc, chunk); err != nil {
			return nil, err
		}
	}
	return acc, nil
}

// innerProduct returns pts[first] + sum_(i in (first, last]) pts[i] * x^(i-first)
func innerProduct(eval *he.Evaluator, pts []*rlwe.Plaintext, xs map[uint32]*rlwe.Ciphertext, first, last int) (*rlwe.Ciphertext, error) {
	acc, err := eval.MulPlain(xs[1], pts[first+1])
	if err != nil {
		return nil, err
	}
	for i := first + 2; i <= last; i++ {
		term, err := eval.MulPlain(xs[uint32(i-first)], pts[i])
		if err != nil {
			return nil, err
		}
		if err := eval.Add(acc, term); err != nil {
			return nil, err
		}
	}
	if err := eval.Add(acc, pts[first]); err != nil {
		return nil, err
	}
	return acc, nil
}
