package sender

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/optable/apsi/pkg/oprf"
	"github.com/optable/apsi/pkg/params"
	"github.com/optable/apsi/pkg/psi"
)

// DBVersion is the version of the database format
const DBVersion uint32 = 1

// DBMagic starts every saved database
var DBMagic = [4]byte{'A', 'P', 'S', 'D'}

// maxParamsSize bounds the parameters blob of a saved database
const maxParamsSize = 1 << 20

// SaveDB writes the parameters, the OPRF key and the bin polynomial
// coefficients of every bundle to w. All integers are little endian:
//
//	magic [4]byte | version uint32
//	params length uint32 | params blob
//	key length uint32 | key bytes
//	bundle count uint32
//	per bundle: item count uint32 | coefficient count uint64 | coefficients []uint64
func (s *Server) SaveDB(w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return fmt.Errorf("%w: no data set", psi.ErrInvalidArgument)
	}

	blob, err := s.params.MarshalBinary()
	if err != nil {
		return err
	}

	bw := bufio.NewWriter(w)
	write := func(v interface{}) {
		if err == nil {
			err = binary.Write(bw, binary.LittleEndian, v)
		}
	}

	write(DBMagic)
	write(DBVersion)
	write(uint32(len(blob)))
	write(blob)
	if err == nil {
		err = s.key.Save(bw)
	}
	write(uint32(len(s.db.bundles)))
	for _, b := range s.db.bundles {
		write(uint32(b.items))
		write(uint64(len(b.coeffs)))
		write(b.coeffs)
	}
	if err != nil {
		return err
	}

	return bw.Flush()
}

// SaveDBFile writes the database to a file, see SaveDB
func (s *Server) SaveDBFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := s.SaveDB(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// SaveDBBytes returns the database in the SaveDB format
func (s *Server) SaveDBBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := s.SaveDB(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// LoadDB reads a database written by SaveDB and returns a Server ready to
// answer queries. Malformed input returns psi.ErrCorruptData.
func LoadDB(ctx context.Context, r io.Reader, cfg Config) (*Server, error) {
	br := bufio.NewReader(r)

	var head struct {
		Magic      [4]byte
		Version    uint32
		ParamsSize uint32
	}
	if err := binary.Read(br, binary.LittleEndian, &head); err != nil {
		return nil, fmt.Errorf("%w: cannot read database header: %v", psi.ErrCorruptData, err)
	}
	switch {
	case head.Magic != DBMagic:
		return nil, fmt.Errorf("%w: bad database magic %q", psi.ErrCorruptData, head.Magic[:])
	case head.Version != DBVersion:
		return nil, fmt.Errorf("%w: unsupported database version %d", psi.ErrCorruptData, head.Version)
	case head.ParamsSize > maxParamsSize:
		return nil, fmt.Errorf("%w: parameters of %d bytes", psi.ErrCorruptData, head.ParamsSize)
	}

	blob := make([]byte, head.ParamsSize)
	if _, err := io.ReadFull(br, blob); err != nil {
		return nil, fmt.Errorf("%w: cannot read parameters: %v", psi.ErrCorruptData, err)
	}
	p, err := params.FromBinary(blob)
	if err != nil {
		return nil, err
	}
	key, err := oprf.LoadKey(br)
	if err != nil {
		return nil, err
	}

	s, err := New(p, key, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", psi.ErrCorruptData, err)
	}

	db, err := readBundles(br, p, cfg.maxBundles())
	if err != nil {
		return nil, err
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after the last bundle", psi.ErrCorruptData)
	}

	if err := db.encodePlaintexts(ctx, p, s.he, cfg.Threads); err != nil {
		return nil, err
	}
	s.db = db
	return s, nil
}

// LoadDBFile reads a database from a file, see LoadDB
func LoadDBFile(ctx context.Context, path string, cfg Config) (*Server, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadDB(ctx, f, cfg)
}

// LoadDBBytes reads a database from a buffer, see LoadDB
func LoadDBBytes(ctx context.Context, b []byte, cfg Config) (*Server, error) {
	return LoadDB(ctx, bytes.NewReader(b), cfg)
}

// readBundles reads the bundles and checks their sizes and coefficients
func readBundles(r io.Reader, p params.Parameters, maxBundles int) (*database, error) {
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: cannot read bundle count: %v", psi.ErrCorruptData, err)
	}
	if int(count) > maxBundles {
		return nil, fmt.Errorf("%w: %d bundles, at most %d allowed", psi.ErrCorruptData, count, maxBundles)
	}

	table := p.Table()
	t := p.HE().PlainModulus
	capacity := uint64(table.TableSize) * uint64(table.MaxItemsPerBin)
	want := uint64(table.TableSize) * uint64(p.Item().FeltsPerItem) * uint64(table.MaxItemsPerBin+1)

	db := &database{bundles: make([]*bundle, count)}
	for i := range db.bundles {
		var head struct {
			Items  uint32
			Coeffs uint64
		}
		if err := binary.Read(r, binary.LittleEndian, &head); err != nil {
			return nil, fmt.Errorf("%w: bundle %d: cannot read header: %v", psi.ErrCorruptData, i, err)
		}
		if uint64(head.Items) > capacity {
			return nil, fmt.Errorf("%w: bundle %d holds %d items, capacity is %d", psi.ErrCorruptData, i, head.Items, capacity)
		}
		if head.Coeffs != want {
			return nil, fmt.Errorf("%w: bundle %d has %d coefficients, want %d", psi.ErrCorruptData, i, head.Coeffs, want)
		}

		coeffs, err := readCoeffs(r, want, t)
		if err != nil {
			return nil, fmt.Errorf("%w: bundle %d: %v", psi.ErrCorruptData, i, err)
		}

		db.bundles[i] = &bundle{items: int(head.Items), coeffs: coeffs}
		db.items += int(head.Items)
	}
	return db, nil
}

// coeffChunk is the number of coefficients read at once
const coeffChunk = 1 << 16

// readCoeffs reads n coefficients reduced mod t. The slice grows with
// the data actually read, so a truncated stream fails before a full
// table is allocated.
func readCoeffs(r io.Reader, n, t uint64) ([]uint64, error) {
	coeffs := make([]uint64, 0, min(n, coeffChunk))
	chunk := make([]uint64, min(n, coeffChunk))
	for read := uint64(0); read < n; {
		c := chunk[:min(n-read, coeffChunk)]
		if err := binary.Read(r, binary.LittleEndian, c); err != nil {
			return nil, fmt.Errorf("cannot read coefficients %d to %d: %v", read, read+uint64(len(c)), err)
		}
		for j, v := range c {
			if v >= t {
				return nil, fmt.Errorf("coefficient %d is not reduced mod %d", read+uint64(j), t)
			}
		}
		coeffs = append(coeffs, c...)
		read += uint64(len(c))
	}
	return coeffs, nil
}
