package sender

import (
	"bytes"
	"context"
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/optable/apsi/internal/hash"
	"github.com/optable/apsi/internal/message"
	"github.com/optable/apsi/internal/poly"
	"github.com/optable/apsi/pkg/oprf"
	"github.com/optable/apsi/pkg/params"
	"github.com/optable/apsi/pkg/psi"
	"github.com/optable/apsi/pkg/receiver"
	"gotest.tools/v3/assert"
)

func testHE() params.HEParams {
	return params.HEParams{PlainModulus: 65537, PolyModulusDegree: 8192, CoeffModulusBits: []int{60, 60, 60, 60}}
}

func testParams(t *testing.T) params.Parameters {
	p, err := params.New(
		params.TableParams{HashFuncCount: 3, TableSize: 512, MaxItemsPerBin: 16},
		params.ItemParams{FeltsPerItem: 8},
		params.QueryParams{QueryPowers: []uint32{1, 3, 4, 5, 8}},
		testHE(),
	)
	assert.NilError(t, err)
	return p
}

// tinyParams has room for 2 items per bundle
func tinyParams(t *testing.T) params.Parameters {
	p, err := params.New(
		params.TableParams{HashFuncCount: 1, TableSize: 2, MaxItemsPerBin: 1},
		params.ItemParams{FeltsPerItem: 8},
		params.QueryParams{QueryPowers: []uint32{1}},
		testHE(),
	)
	assert.NilError(t, err)
	return p
}

func testServer(t *testing.T, p params.Parameters, cfg Config) *Server {
	key, err := oprf.NewKey()
	assert.NilError(t, err)
	s, err := New(p, key, cfg)
	assert.NilError(t, err)
	return s
}

func sequence(n int) psi.Items {
	items := make(psi.Items, n)
	for i := range items {
		items[i] = psi.NewItem(uint64(10*(i+1)), 0)
	}
	return items
}

func TestNew(t *testing.T) {
	key, _ := oprf.NewKey()
	_, err := New(params.Parameters{}, key, Config{})
	assert.ErrorIs(t, err, psi.ErrInvalidArgument)
	_, err = New(testParams(t), nil, Config{})
	assert.ErrorIs(t, err, psi.ErrInvalidArgument)
}

func TestNoData(t *testing.T) {
	s := testServer(t, testParams(t), Config{})

	_, err := s.GetParameters()
	assert.ErrorIs(t, err, psi.ErrInvalidArgument)
	_, err = s.Query(context.Background(), []byte("query"))
	assert.ErrorIs(t, err, psi.ErrInvalidArgument)
	assert.ErrorIs(t, s.SaveDB(&bytes.Buffer{}), psi.ErrInvalidArgument)
}

func TestGetParameters(t *testing.T) {
	p := testParams(t)
	s := testServer(t, p, Config{})
	assert.NilError(t, s.SetData(context.Background(), sequence(10)))

	blob, err := s.GetParameters()
	assert.NilError(t, err)
	loaded, err := params.FromBinary(blob)
	assert.NilError(t, err)
	assert.Equal(t, loaded.Fingerprint(), p.Fingerprint())
}

// binRoots returns true if the bin polynomials of some bundle vanish on
// every felt of item
func binRoots(s *Server, item psi.HashedItem) bool {
	p := s.params
	t := p.HE().PlainModulus
	degree := int(p.Table().MaxItemsPerBin)
	felts := p.Codec().Encode(item)
	hasher, _ := p.CuckooHasher()

	for _, b := range s.db.bundles {
		for _, bin := range hasher.CandidateBins(item) {
			zero := true
			for j, felt := range felts {
				row := (int(bin)*len(felts) + j) * (degree + 1)
				if poly.Eval(b.coeffs[row:row+degree+1], felt, t) != 0 {
					zero = false
					break
				}
			}
			if zero {
				return true
			}
		}
	}
	return false
}

func TestSetData(t *testing.T) {
	s := testServer(t, testParams(t), Config{Threads: 3})
	items := sequence(1000)
	assert.NilError(t, s.SetData(context.Background(), items))
	assert.Equal(t, s.db.items, 1000)

	for _, item := range items {
		assert.Assert(t, binRoots(s, s.key.Hash(item)), "item %v", item)
	}
	for _, item := range (psi.Items{{1, 0}, {2, 0}, {0, 10}, {11, 0}}) {
		assert.Assert(t, !binRoots(s, s.key.Hash(item)), "item %v", item)
	}

	// every bundle carries one plaintext per group and coefficient
	for _, b := range s.db.bundles {
		assert.Equal(t, len(b.plaintexts), s.params.GroupCount())
		for _, pts := range b.plaintexts {
			assert.Equal(t, len(pts), 17)
		}
	}
}

func TestSetDataHashTypes(t *testing.T) {
	for _, ht := range []uint32{hash.Metro, hash.Murmur3, hash.Highway} {
		p, err := params.New(
			params.TableParams{HashFuncCount: 3, TableSize: 512, MaxItemsPerBin: 16, HashType: ht},
			params.ItemParams{FeltsPerItem: 8},
			params.QueryParams{QueryPowers: []uint32{1, 3, 4, 5, 8}},
			testHE(),
		)
		assert.NilError(t, err)
		s := testServer(t, p, Config{})
		items := sequence(200)
		assert.NilError(t, s.SetData(context.Background(), items))
		for _, item := range items {
			assert.Assert(t, binRoots(s, s.key.Hash(item)), "hash type %d, item %v", ht, item)
		}
	}
}

func TestSetDataDuplicates(t *testing.T) {
	s := testServer(t, testParams(t), Config{})
	items := append(sequence(20), sequence(20)...)
	assert.NilError(t, s.SetData(context.Background(), items))
	assert.Equal(t, s.db.items, 20)
}

func TestSetDataEmpty(t *testing.T) {
	s := testServer(t, testParams(t), Config{})
	assert.NilError(t, s.SetData(context.Background(), nil))
	assert.Equal(t, len(s.db.bundles), 0)
	_, err := s.GetParameters()
	assert.NilError(t, err)
}

func TestSetDataBundles(t *testing.T) {
	p := tinyParams(t)
	items := sequence(5)

	s := testServer(t, p, Config{MaxBundles: 1})
	err := s.SetData(context.Background(), items)
	assert.ErrorIs(t, err, psi.ErrTableOverflow)
	assert.Assert(t, s.db == nil)

	s = testServer(t, p, Config{MaxBundles: 8})
	assert.NilError(t, s.SetData(context.Background(), items))
	assert.Assert(t, len(s.db.bundles) >= 3)
	var total int
	for _, b := range s.db.bundles {
		assert.Assert(t, b.items <= 2)
		total += b.items
	}
	assert.Equal(t, total, 5)
	for _, item := range items {
		assert.Assert(t, binRoots(s, s.key.Hash(item)))
	}
}

func TestSetDataDeterministic(t *testing.T) {
	p := testParams(t)
	key, _ := oprf.NewKey()
	s1, _ := New(p, key, Config{Threads: 1})
	s2, _ := New(p, key, Config{Threads: 4})
	assert.NilError(t, s1.SetData(context.Background(), sequence(500)))
	assert.NilError(t, s2.SetData(context.Background(), sequence(500)))

	b1, err := s1.SaveDBBytes()
	assert.NilError(t, err)
	b2, err := s2.SaveDBBytes()
	assert.NilError(t, err)
	assert.Assert(t, bytes.Equal(b1, b2))
}

func TestRunOPRF(t *testing.T) {
	key, _ := oprf.NewKey()
	r, err := oprf.NewReceiver(sequence(5))
	assert.NilError(t, err)

	want, err := oprf.Evaluate(key, r.Request())
	assert.NilError(t, err)
	for _, backend := range []int{oprf.RistrettoTypeR255, oprf.RistrettoTypeGR} {
		got, err := RunOPRF(context.Background(), r.Request(), key, Config{Ristretto: backend, Threads: 2})
		assert.NilError(t, err)
		assert.Assert(t, bytes.Equal(got, want), "backend %d", backend)
	}

	s, _ := New(testParams(t), key, Config{})
	got, err := s.RunOPRF(context.Background(), r.Request())
	assert.NilError(t, err)
	assert.Assert(t, bytes.Equal(got, want))

	_, err = RunOPRF(context.Background(), r.Request(), nil, Config{})
	assert.ErrorIs(t, err, psi.ErrInvalidArgument)
}

func TestSaveLoadDB(t *testing.T) {
	ctx := context.Background()
	s := testServer(t, tinyParams(t), Config{MaxBundles: 8})
	assert.NilError(t, s.SetData(ctx, sequence(5)))

	saved, err := s.SaveDBBytes()
	assert.NilError(t, err)
	loaded, err := LoadDBBytes(ctx, saved, Config{})
	assert.NilError(t, err)

	assert.Assert(t, loaded.Key().Equal(s.Key()))
	assert.Equal(t, loaded.Params().Fingerprint(), s.Params().Fingerprint())
	assert.Equal(t, loaded.db.items, 5)
	assert.Equal(t, len(loaded.db.bundles), len(s.db.bundles))
	for i, b := range loaded.db.bundles {
		assert.DeepEqual(t, b.coeffs, s.db.bundles[i].coeffs)
		assert.Equal(t, len(b.plaintexts), 1)
	}

	path := filepath.Join(t.TempDir(), "db.apsi")
	assert.NilError(t, s.SaveDBFile(path))
	fromFile, err := LoadDBFile(ctx, path, Config{})
	assert.NilError(t, err)
	resaved, err := fromFile.SaveDBBytes()
	assert.NilError(t, err)
	assert.Assert(t, bytes.Equal(resaved, saved))

	_, err = LoadDBFile(ctx, filepath.Join(t.TempDir(), "missing"), Config{})
	assert.Assert(t, err != nil)
}

func TestLoadDBCorrupt(t *testing.T) {
	ctx := context.Background()
	p := tinyParams(t)
	s := testServer(t, p, Config{MaxBundles: 8})
	assert.NilError(t, s.SetData(ctx, sequence(3)))
	saved, err := s.SaveDBBytes()
	assert.NilError(t, err)

	blob, _ := p.MarshalBinary()
	// offset of the first coefficient: header, params, key, bundle count
	// and bundle header
	firstCoeff := 12 + len(blob) + 4 + oprf.KeySize + 4 + 12

	badMagic := append([]byte(nil), saved...)
	badMagic[0] = 'X'
	badVersion := append([]byte(nil), saved...)
	badVersion[4] = 2
	badCoeff := append([]byte(nil), saved...)
	binary.LittleEndian.PutUint64(badCoeff[firstCoeff:], p.HE().PlainModulus)
	badCount := append([]byte(nil), saved...)
	binary.LittleEndian.PutUint64(badCount[firstCoeff-8:], 1)
	badParams := append([]byte(nil), saved...)
	badParams[12] = 'X'

	for name, b := range map[string][]byte{
		"empty":       nil,
		"magic":       badMagic,
		"version":     badVersion,
		"params":      badParams,
		"truncated":   saved[:len(saved)-3],
		"trailing":    append(append([]byte(nil), saved...), 0),
		"coefficient": badCoeff,
		"count":       badCount,
	} {
		_, err := LoadDBBytes(ctx, b, Config{MaxBundles: 8})
		assert.ErrorIs(t, err, psi.ErrCorruptData, name)
	}

	// more bundles than allowed
	_, err = LoadDBBytes(ctx, saved, Config{MaxBundles: 1})
	assert.ErrorIs(t, err, psi.ErrCorruptData)
}

// writeDB writes a database header, blob and key followed by one bundle
// claiming coeffs coefficients of which only the first few are present
func writeDB(t *testing.T, blob []byte, coeffs uint64) []byte {
	key, err := oprf.NewKey()
	assert.NilError(t, err)
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, DBMagic)
	binary.Write(&buf, binary.LittleEndian, DBVersion)
	binary.Write(&buf, binary.LittleEndian, uint32(len(blob)))
	buf.Write(blob)
	assert.NilError(t, key.Save(&buf))
	binary.Write(&buf, binary.LittleEndian, uint32(1))
	binary.Write(&buf, binary.LittleEndian, uint32(0))
	binary.Write(&buf, binary.LittleEndian, coeffs)
	binary.Write(&buf, binary.LittleEndian, []uint64{1, 2, 3})
	return buf.Bytes()
}

func TestLoadDBLargeTable(t *testing.T) {
	ctx := context.Background()

	// table_size 2^32-1 is rejected with the parameters
	blob, _ := testParams(t).MarshalBinary()
	huge := append([]byte(nil), blob...)
	binary.LittleEndian.PutUint32(huge[12:], 1<<32-1)
	_, err := LoadDBBytes(ctx, writeDB(t, huge, 1<<40), Config{})
	assert.ErrorIs(t, err, psi.ErrCorruptData)

	// a valid large table with missing coefficients
	p, err := params.New(
		params.TableParams{HashFuncCount: 3, TableSize: 1 << 16, MaxItemsPerBin: 16},
		params.ItemParams{FeltsPerItem: 8},
		params.QueryParams{QueryPowers: []uint32{1, 3, 4, 5, 8}},
		testHE(),
	)
	assert.NilError(t, err)
	blob, _ = p.MarshalBinary()
	_, err = LoadDBBytes(ctx, writeDB(t, blob, 1<<16*8*17), Config{})
	assert.ErrorIs(t, err, psi.ErrCorruptData)
}

func TestQueryErrors(t *testing.T) {
	ctx := context.Background()
	p := testParams(t)
	s := testServer(t, p, Config{})
	assert.NilError(t, s.SetData(ctx, sequence(10)))

	_, err := s.Query(ctx, []byte("garbage"))
	assert.ErrorIs(t, err, psi.ErrProtocol)

	query := func(q message.Query) []byte {
		b, err := q.MarshalBinary()
		assert.NilError(t, err)
		return b
	}

	var other [32]byte
	_, err = s.Query(ctx, query(message.Query{Fingerprint: other}))
	assert.ErrorIs(t, err, psi.ErrParametersMismatch)

	fp := p.Fingerprint()
	for name, q := range map[string]message.Query{
		"no relin key": {Fingerprint: fp, Parts: []message.QueryPart{{Power: 1}}},
		"bad relin key": {Fingerprint: fp, RelinKey: []byte{1, 2, 3},
			Parts: []message.QueryPart{{Power: 1}}},
	} {
		_, err = s.Query(ctx, query(q))
		assert.ErrorIs(t, err, psi.ErrProtocol, name)
	}
}

func TestQuerySources(t *testing.T) {
	s := testServer(t, testParams(t), Config{})

	for name, parts := range map[string][]message.QueryPart{
		"empty":     nil,
		"group":     {{Group: 1, Power: 1}},
		"power":     {{Power: 2}},
		"repeated":  {{Power: 1}, {Power: 1}},
		"malformed": {{Power: 1, Ciphertext: []byte{1, 2, 3}}},
	} {
		_, err := s.sources(parts)
		assert.ErrorIs(t, err, psi.ErrProtocol, name)
	}
}

func TestQueryMalformedParts(t *testing.T) {
	ctx := context.Background()
	p := testParams(t)
	s := testServer(t, p, Config{})
	assert.NilError(t, s.SetData(ctx, sequence(10)))

	c := receiver.New(receiver.Config{})
	assert.NilError(t, c.SetParams(p))
	request, err := c.CreateOPRFRequest(sequence(3))
	assert.NilError(t, err)
	response, err := s.RunOPRF(ctx, request)
	assert.NilError(t, err)
	hashed, err := c.ExtractHashes(response)
	assert.NilError(t, err)
	raw, err := c.CreateQuery(ctx, hashed)
	assert.NilError(t, err)

	_, err = s.Query(ctx, raw)
	assert.NilError(t, err)

	for name, edit := range map[string]func(q *message.Query){
		"truncated ciphertext": func(q *message.Query) {
			ct := q.Parts[0].Ciphertext
			q.Parts[0].Ciphertext = ct[:len(ct)/2]
		},
		"short ciphertext": func(q *message.Query) {
			ct := q.Parts[0].Ciphertext
			q.Parts[0].Ciphertext = ct[:len(ct)-1]
		},
		"truncated relin key": func(q *message.Query) {
			q.RelinKey = q.RelinKey[:len(q.RelinKey)/2]
		},
	} {
		var q message.Query
		assert.NilError(t, q.UnmarshalBinary(raw))
		edit(&q)
		b, err := q.MarshalBinary()
		assert.NilError(t, err)
		_, err = s.Query(ctx, b)
		assert.ErrorIs(t, err, psi.ErrProtocol, name)
	}
}
