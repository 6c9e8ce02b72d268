// ptau.go - Commons from a snarkjs / Perpetual Powers of Tau file
package crs

import (
	"encoding/binary"
	"fmt"
	"io"

	curve "github.com/consensys/gnark-crypto/ecc/bn254"
	"github.com/consensys/gnark-crypto/ecc/bn254/fp"
	gp "github.com/mdehoog/gnark-ptau"
)

// ptau section ids
const (
	ptauTauG2    = 3
	ptauAlphaG1  = 4
	ptauBetaG1   = 5
	ptauBetaG2   = 6
	ptauFileHead = 12 // magic, version, section count
	fpSize       = 32
)

type ptauSection struct {
	offset int64
	length uint64
}

// CommonsFromPtau reads the commons for domain from a ptau file. The τ
// powers in G1 come through gnark-ptau; the G2 powers and the α and β
// sections, which it does not expose, are read from their sections
// directly.
func CommonsFromPtau(r io.ReadSeeker, domain uint64) (*Commons, error) {
	if domain < 2 || domain&(domain-1) != 0 {
		return nil, fmt.Errorf("crs: domain %d is not a power of two >= 2", domain)
	}
	srs, err := gp.ToSRS(r)
	if err != nil {
		return nil, fmt.Errorf("crs: read ptau: %w", err)
	}
	n := int(domain)
	if len(srs.Pk.G1) < 2*n-1 {
		return nil, fmt.Errorf("crs: ptau holds %d powers, domain %d needs %d", len(srs.Pk.G1), domain, 2*n-1)
	}

	sections, err := scanPtau(r)
	if err != nil {
		return nil, err
	}
	c := &Commons{Source: "ptau"}
	c.G1.Tau = append([]curve.G1Affine(nil), srs.Pk.G1[:2*n-1]...)
	if c.G2.Tau, err = readPtauG2(r, sections, ptauTauG2, n); err != nil {
		return nil, err
	}
	if c.G1.AlphaTau, err = readPtauG1(r, sections, ptauAlphaG1, n); err != nil {
		return nil, err
	}
	if c.G1.BetaTau, err = readPtauG1(r, sections, ptauBetaG1, n); err != nil {
		return nil, err
	}
	beta, err := readPtauG2(r, sections, ptauBetaG2, 1)
	if err != nil {
		return nil, err
	}
	c.G2.Beta = beta[0]

	for i := range c.G1.Tau {
		if !c.G1.Tau[i].IsInSubGroup() {
			return nil, fmt.Errorf("%w: ptau tau G1[%d] not in subgroup", ErrMalformed, i)
		}
	}
	return c, c.Validate()
}

// scanPtau indexes the sections of the file by id
func scanPtau(r io.ReadSeeker) (map[uint32]ptauSection, error) {
	if _, err := r.Seek(ptauFileHead, io.SeekStart); err != nil {
		return nil, err
	}
	sections := make(map[uint32]ptauSection)
	var hdr [12]byte
	for {
		if _, err := io.ReadFull(r, hdr[:]); err == io.EOF {
			return sections, nil
		} else if err != nil {
			return nil, fmt.Errorf("%w: ptau section header: %v", ErrMalformed, err)
		}
		id := binary.LittleEndian.Uint32(hdr[:4])
		length := binary.LittleEndian.Uint64(hdr[4:])
		offset, err := r.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, err
		}
		sections[id] = ptauSection{offset: offset, length: length}
		if _, err := r.Seek(int64(length), io.SeekCurrent); err != nil {
			return nil, err
		}
	}
}

func seekPtau(r io.ReadSeeker, sections map[uint32]ptauSection, id uint32, need uint64) error {
	s, ok := sections[id]
	if !ok {
		return fmt.Errorf("%w: ptau has no section %d", ErrMalformed, id)
	}
	if s.length < need {
		return fmt.Errorf("%w: ptau section %d holds %d bytes, need %d", ErrMalformed, id, s.length, need)
	}
	_, err := r.Seek(s.offset, io.SeekStart)
	return err
}

func readPtauG1(r io.ReadSeeker, sections map[uint32]ptauSection, id uint32, n int) ([]curve.G1Affine, error) {
	if err := seekPtau(r, sections, id, uint64(n)*2*fpSize); err != nil {
		return nil, err
	}
	points := make([]curve.G1Affine, n)
	for i := range points {
		if err := readPtauElements(r, &points[i].X, &points[i].Y); err != nil {
			return nil, fmt.Errorf("%w: ptau section %d point %d: %v", ErrMalformed, id, i, err)
		}
		if !points[i].IsInSubGroup() {
			return nil, fmt.Errorf("%w: ptau section %d point %d not in subgroup", ErrMalformed, id, i)
		}
	}
	return points, nil
}

func readPtauG2(r io.ReadSeeker, sections map[uint32]ptauSection, id uint32, n int) ([]curve.G2Affine, error) {
	if err := seekPtau(r, sections, id, uint64(n)*4*fpSize); err != nil {
		return nil, err
	}
	points := make([]curve.G2Affine, n)
	for i := range points {
		p := &points[i]
		if err := readPtauElements(r, &p.X.A0, &p.X.A1, &p.Y.A0, &p.Y.A1); err != nil {
			return nil, fmt.Errorf("%w: ptau section %d point %d: %v", ErrMalformed, id, i, err)
		}
		if !p.IsInSubGroup() {
			return nil, fmt.Errorf("%w: ptau section %d point %d not in subgroup", ErrMalformed, id, i)
		}
	}
	return points, nil
}

// readPtauElements reads little-endian Montgomery limbs, the layout
// snarkjs writes and gnark-ptau reads
func readPtauElements(r io.Reader, out ...*fp.Element) error {
	var b [fpSize]byte
	for _, z := range out {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		for k := range z {
			z[k] = binary.LittleEndian.Uint64(b[8*k:])
		}
	}
	return nil
}
