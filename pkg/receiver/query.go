package receiver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/optable/apsi/internal/he"
	"github.com/optable/apsi/internal/message"
	"github.com/optable/apsi/internal/poly"
	"github.com/optable/apsi/internal/util"
	"github.com/optable/apsi/pkg/log"
	"github.com/optable/apsi/pkg/psi"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// placement is one (batch, bin) slot range an item is queried at
type placement struct {
	batch uint32
	bin   int
}

type batchGroup struct {
	batch, group uint32
}

// bundleKey identifies one result ciphertext
type bundleKey struct {
	bundle uint32
	batchGroup
}

func compareBatchGroup(a, b batchGroup) int {
	if a.batch != b.batch {
		return int(a.batch) - int(b.batch)
	}
	return int(a.group) - int(b.group)
}

// queryState maps the query slots back to the items. It never leaves the
// client.
type queryState struct {
	// first[i] is the index of the first item equal to item i
	first []int
	// placements[i] lists where item i is queried, set for first
	// occurrences only
	placements [][]placement
	keys       map[batchGroup]bool
}

// CreateQuery encrypts the hashed items, one set of ciphertexts per
// (batch, bin group) touched. Every item is queried at each of its
// candidate bins, in the first batch where that bin is still free.
func (c *Client) CreateQuery(ctx context.Context, hashed []psi.HashedItem) ([]byte, error) {
	// fetch and set up logger
	logger := logr.FromContextOrDiscard(ctx)
	logger = logger.WithValues("protocol", "apsi", "role", "receiver")

	// statistics
	start := time.Now()
	timer := start

	if c.params.IsZero() {
		return nil, fmt.Errorf("%w: not valid state, no parameters", psi.ErrInvalidArgument)
	}
	if len(hashed) == 0 {
		return nil, fmt.Errorf("%w: no items to query", psi.ErrInvalidArgument)
	}
	c.query = nil

	var state *queryState
	var values map[batchGroup][]uint64
	var keys []batchGroup
	var parts []message.QueryPart

	// stage 1: place the items in (batch, bin) slots
	stage1 := func() error {
		logger.V(1).Info("Starting stage 1", "items", len(hashed))
		var err error
		if state, err = c.place(hashed); err != nil {
			return err
		}
		values = c.pack(hashed, state)
		keys = maps.Keys(values)
		slices.SortFunc(keys, compareBatchGroup)
		logger.V(1).Info("Placed items", "batch groups", len(keys))
		timer = log.StageStats(logger, "placement", timer, start)
		return nil
	}

	// stage 2: encrypt every query power of every (batch, group)
	stage2 := func() error {
		logger.V(1).Info("Starting stage 2")
		queryPowers := c.params.Query().QueryPowers
		t := c.params.HE().PlainModulus
		parts = make([]message.QueryPart, len(keys)*len(queryPowers))

		err := util.ParallelFor(ctx, len(parts), c.cfg.Threads, func(_ context.Context, n int) error {
			key, power := keys[n/len(queryPowers)], queryPowers[n%len(queryPowers)]
			base := values[key]
			raised := make([]uint64, len(base))
			for s, v := range base {
				raised[s] = powMod(v, power, t)
			}

			enc := c.encryptors.Get().(*he.Encryptor)
			defer c.encryptors.Put(enc)
			ct, err := enc.Encrypt(raised)
			if err != nil {
				return err
			}
			raw, err := he.MarshalCiphertext(ct)
			if err != nil {
				return err
			}
			parts[n] = message.QueryPart{Batch: key.batch, Group: key.group, Power: power, Ciphertext: raw}
			return nil
		})
		if err != nil {
			return err
		}
		timer = log.StageStats(logger, "encryption", timer, start)
		return nil
	}

	for _, stage := range []func() error{stage1, stage2} {
		if err := util.Sel(ctx, stage); err != nil {
			return nil, err
		}
	}

	q := message.Query{Fingerprint: c.params.Fingerprint(), Parts: parts}
	if c.params.NeedsRelinearization() {
		raw, err := he.MarshalRelinKey(c.rlk)
		if err != nil {
			return nil, err
		}
		q.RelinKey = raw
	}
	b, err := q.MarshalBinary()
	if err != nil {
		return nil, err
	}

	c.query = state
	return b, nil
}

// place assigns every distinct item one (batch, bin) per candidate bin.
// Two items never share a (batch, bin).
func (c *Client) place(hashed []psi.HashedItem) (*queryState, error) {
	hasher, err := c.params.CuckooHasher()
	if err != nil {
		return nil, err
	}

	state := &queryState{
		first:      make([]int, len(hashed)),
		placements: make([][]placement, len(hashed)),
		keys:       make(map[batchGroup]bool),
	}
	layout := c.params.Layout()
	seen := make(map[psi.HashedItem]int, len(hashed))
	used := make(map[placement]bool)

	for i, item := range hashed {
		if j, ok := seen[item]; ok {
			state.first[i] = j
			continue
		}
		seen[item] = i
		state.first[i] = i

		for _, bin := range hasher.CandidateBins(item) {
			pl := placement{bin: int(bin)}
			for used[pl] {
				pl.batch++
			}
			used[pl] = true
			state.placements[i] = append(state.placements[i], pl)

			group, _ := layout.Locate(pl.bin)
			state.keys[batchGroup{batch: pl.batch, group: uint32(group)}] = true
		}
	}
	return state, nil
}

// pack writes the felts of every placed item in the slots of its bins.
// Unused slots stay 0.
func (c *Client) pack(hashed []psi.HashedItem, state *queryState) map[batchGroup][]uint64 {
	layout := c.params.Layout()
	codec := c.params.Codec()

	values := make(map[batchGroup][]uint64, len(state.keys))
	for key := range state.keys {
		values[key] = make([]uint64, layout.SlotCount)
	}
	for i, pls := range state.placements {
		if len(pls) == 0 {
			continue
		}
		felts := codec.Encode(hashed[i])
		for _, pl := range pls {
			group, slot := layout.Locate(pl.bin)
			copy(values[batchGroup{batch: pl.batch, group: uint32(group)}][slot:], felts)
		}
	}
	return values
}

// ProcessResult decrypts the server result and returns, for every item
// given to CreateQuery and in the same order, whether the server holds it.
func (c *Client) ProcessResult(ctx context.Context, result []byte) ([]bool, error) {
	// fetch and set up logger
	logger := logr.FromContextOrDiscard(ctx)
	logger = logger.WithValues("protocol", "apsi", "role", "receiver")

	// statistics
	start := time.Now()

	if c.query == nil {
		return nil, fmt.Errorf("%w: not valid state, no query in flight", psi.ErrInvalidArgument)
	}

	var res message.Result
	if err := res.UnmarshalBinary(result); err != nil {
		return nil, err
	}
	if fingerprint := c.params.Fingerprint(); res.Fingerprint != fingerprint {
		return nil, fmt.Errorf("%w: result fingerprint %x, session fingerprint %x", psi.ErrParametersMismatch, res.Fingerprint[:8], fingerprint[:8])
	}

	bundles, err := c.checkResult(res.Parts)
	if err != nil {
		return nil, err
	}

	// decrypt every part
	decrypted := make([][]uint64, len(res.Parts))
	err = util.ParallelFor(ctx, len(res.Parts), c.cfg.Threads, func(_ context.Context, n int) error {
		part := res.Parts[n]
		ct, err := c.he.UnmarshalCiphertext(part.Ciphertext)
		if err != nil {
			return fmt.Errorf("%w: bundle %d, batch %d, group %d: %v", psi.ErrProtocol, part.Bundle, part.Batch, part.Group, err)
		}
		dec := c.decryptors.Get().(*he.Decryptor)
		defer c.decryptors.Put(dec)
		if decrypted[n], err = dec.Decrypt(ct); err != nil {
			return fmt.Errorf("%w: bundle %d, batch %d, group %d: %v", psi.ErrProtocol, part.Bundle, part.Batch, part.Group, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slots := make(map[bundleKey][]uint64, len(res.Parts))
	for n, part := range res.Parts {
		slots[bundleKey{part.Bundle, batchGroup{part.Batch, part.Group}}] = decrypted[n]
	}

	// an item matches if all its felts are zero at one of its placements
	layout := c.params.Layout()
	state := c.query
	matches := make([]bool, len(state.first))
	for i, first := range state.first {
		if first != i {
			matches[i] = matches[first]
			continue
		}
		for _, pl := range state.placements[i] {
			group, slot := layout.Locate(pl.bin)
			for b := uint32(0); b < bundles && !matches[i]; b++ {
				values := slots[bundleKey{b, batchGroup{pl.batch, uint32(group)}}]
				matches[i] = allZero(values[slot : slot+layout.Felts])
			}
		}
	}

	var found int
	for _, m := range matches {
		if m {
			found++
		}
	}
	logger.V(1).Info("Processed result", "items", len(matches), "matches", found, "time", time.Since(start).String())
	return matches, nil
}

// checkResult checks that the result holds exactly one part per bundle
// and queried (batch, group), and returns the number of bundles.
func (c *Client) checkResult(parts []message.ResultPart) (uint32, error) {
	keys := c.query.keys
	if len(parts)%len(keys) != 0 {
		return 0, fmt.Errorf("%w: %d result parts for %d queried batch groups", psi.ErrProtocol, len(parts), len(keys))
	}
	bundles := uint32(len(parts) / len(keys))

	seen := make(map[bundleKey]bool, len(parts))
	for _, part := range parts {
		key := bundleKey{part.Bundle, batchGroup{part.Batch, part.Group}}
		switch {
		case part.Bundle >= bundles:
			return 0, fmt.Errorf("%w: bundle %d, the result has %d", psi.ErrProtocol, part.Bundle, bundles)
		case !keys[key.batchGroup]:
			return 0, fmt.Errorf("%w: batch %d, group %d was not queried", psi.ErrProtocol, part.Batch, part.Group)
		case seen[key]:
			return 0, fmt.Errorf("%w: bundle %d, batch %d, group %d repeated", psi.ErrProtocol, part.Bundle, part.Batch, part.Group)
		}
		seen[key] = true
	}
	return bundles, nil
}

func allZero(values []uint64) bool {
	for _, v := range values {
		if v != 0 {
			return false
		}
	}
	return true
}

// powMod returns x^e mod t
func powMod(x uint64, e uint32, t uint64) uint64 {
	result, base := uint64(1), x%t
	for ; e > 0; e >>= 1 {
		if e&1 == 1 {
			result = poly.MulMod(result, base, t)
		}
		base = poly.MulMod(base, base, t)
	}
	return result
}
