package sender

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/optable/apsi/internal/crypto"
	"github.com/optable/apsi/internal/cuckoo"
	"github.com/optable/apsi/internal/he"
	"github.com/optable/apsi/internal/poly"
	"github.com/optable/apsi/internal/util"
	"github.com/optable/apsi/pkg/params"
	"github.com/optable/apsi/pkg/psi"
	"github.com/tuneinsight/lattigo/v5/core/rlwe"
)

// evictionDomain separates the eviction seed derivation from other
// blake3 uses
const evictionDomain = "apsi 2024 cuckoo eviction"

// bundle is one cuckoo table turned into bin polynomials. Bin b, felt j
// has the D+1 coefficients (lowest degree first) at
// coeffs[(b*felts+j)*(D+1):], D being max_items_per_bin.
type bundle struct {
	items  int
	load   float64
	coeffs []uint64
	// plaintexts[g][i] packs coefficient i of every bin of group g
	plaintexts [][]*rlwe.Plaintext

	// bins is only set while the database is being built
	bins [][]psi.HashedItem
}

type database struct {
	items   int
	bundles []*bundle
}

// newDatabase places the unique hashed items in a stack of cuckoo
// tables. Items left homeless by a table go to the next one.
func newDatabase(p params.Parameters, hashed []psi.HashedItem, maxBundles int) (*database, error) {
	table := p.Table()
	fingerprint := p.Fingerprint()
	seeds := p.HashSeeds()

	pending := dedupe(hashed)
	db := &database{items: len(pending)}
	for len(pending) > 0 {
		if len(db.bundles) == maxBundles {
			return nil, fmt.Errorf("%w: %d items left after filling %d bundles", psi.ErrTableOverflow, len(pending), maxBundles)
		}

		var idx [4]byte
		binary.LittleEndian.PutUint32(idx[:], uint32(len(db.bundles)))
		rngSeed := crypto.DeriveInt64(evictionDomain, append(fingerprint[:], idx[:]...))
		c, err := cuckoo.NewCuckoo(uint64(table.TableSize), int(table.MaxItemsPerBin), int(table.HashType), seeds, rngSeed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", psi.ErrInvalidArgument, err)
		}

		var homeless []psi.HashedItem
		for _, item := range pending {
			h, err := c.Insert(item)
			if errors.Is(err, cuckoo.ErrTableOverflow) {
				homeless = append(homeless, h)
				continue
			}
			if err != nil {
				return nil, err
			}
		}

		b := &bundle{items: int(c.Inserted()), load: c.LoadFactor(), bins: make([][]psi.HashedItem, table.TableSize)}
		for i := range b.bins {
			b.bins[i] = c.Bin(uint64(i))
		}
		db.bundles = append(db.bundles, b)
		pending = homeless
	}

	return db, nil
}

// dedupe returns the distinct items in order of first appearance
func dedupe(items []psi.HashedItem) []psi.HashedItem {
	seen := make(map[psi.HashedItem]struct{}, len(items))
	unique := make([]psi.HashedItem, 0, len(items))
	for _, item := range items {
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		unique = append(unique, item)
	}
	return unique
}

// computePolynomials replaces the bin contents of every bundle with the
// coefficients of the polynomials vanishing on their encoded items. Free
// places in a bin are filled with the root t-1, which no felt can take.
func (db *database) computePolynomials(ctx context.Context, p params.Parameters, threads int) error {
	t := p.HE().PlainModulus
	degree := int(p.Table().MaxItemsPerBin)
	felts := int(p.Item().FeltsPerItem)
	c := p.Codec()

	for _, b := range db.bundles {
		b.coeffs = make([]uint64, len(b.bins)*felts*(degree+1))
		err := util.ParallelFor(ctx, len(b.bins), threads, func(_ context.Context, bin int) error {
			roots := make([][]uint64, felts)
			for j := range roots {
				roots[j] = make([]uint64, degree)
				for k := range roots[j] {
					roots[j][k] = t - 1
				}
			}
			for k, item := range b.bins[bin] {
				for j, felt := range c.Encode(item) {
					roots[j][k] = felt
				}
			}
			for j := range roots {
				copy(b.coeffs[(bin*felts+j)*(degree+1):], poly.FromRoots(roots[j], t))
			}
			return nil
		})
		if err != nil {
			return err
		}
		b.bins = nil
	}
	return nil
}

// encodePlaintexts packs the coefficients into plaintexts, one per
// (bundle, group, coefficient index).
func (db *database) encodePlaintexts(ctx context.Context, p params.Parameters, heCtx *he.Context, threads int) error {
	layout := p.Layout()
	degree := int(p.Table().MaxItemsPerBin)
	rows := layout.TableSize * layout.Felts
	perBundle := layout.GroupCount * (degree + 1)

	for _, b := range db.bundles {
		b.plaintexts = make([][]*rlwe.Plaintext, layout.GroupCount)
		for g := range b.plaintexts {
			b.plaintexts[g] = make([]*rlwe.Plaintext, degree+1)
		}
	}

	// encoders are not safe for concurrent use
	encoders := sync.Pool{New: func() any { return heCtx.NewEncoder() }}

	return util.ParallelFor(ctx, len(db.bundles)*perBundle, threads, func(_ context.Context, n int) error {
		b := db.bundles[n/perBundle]
		g, i := (n%perBundle)/(degree+1), (n%perBundle)%(degree+1)

		// slot s of group g holds row g*BinsPerGroup*Felts+s
		first := g * layout.BinsPerGroup * layout.Felts
		width := layout.BinsPerGroup * layout.Felts
		if first+width > rows {
			width = rows - first
		}
		values := make([]uint64, width)
		for s := range values {
			values[s] = b.coeffs[(first+s)*(degree+1)+i]
		}

		encoder := encoders.Get().(*he.Encoder)
		defer encoders.Put(encoder)
		pt, err := encoder.Encode(values)
		if err != nil {
			return err
		}
		b.plaintexts[g][i] = pt
		return nil
	})
}
