// import.go - Bulk registration from CSV
package ceremony

import (
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

var registrationHeader = []string{"id", "scheme", "public_key", "priority"}

// LoadRegistrations reads registrations from CSV with the header
// id,scheme,public_key,priority. public_key is hex; priority may be empty.
func LoadRegistrations(r io.Reader) ([]Registration, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = len(registrationHeader)

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("registrations: empty input")
		}
		return nil, fmt.Errorf("registrations: header: %w", err)
	}
	for i, want := range registrationHeader {
		if strings.ToLower(strings.TrimSpace(header[i])) != want {
			return nil, fmt.Errorf("registrations: column %d is %q, want %q", i+1, header[i], want)
		}
	}

	var regs []Registration
	seen := make(map[string]bool)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("registrations: line %d: %w", line, err)
		}

		id := strings.TrimSpace(rec[0])
		if id == "" {
			return nil, fmt.Errorf("registrations: line %d: empty id", line)
		}
		if seen[id] {
			return nil, fmt.Errorf("registrations: line %d: duplicate id %q", line, id)
		}
		seen[id] = true

		scheme, err := ParseScheme(strings.TrimSpace(rec[1]))
		if err != nil {
			return nil, fmt.Errorf("registrations: line %d: %w", line, err)
		}
		pub, err := hex.DecodeString(strings.TrimSpace(rec[2]))
		if err != nil {
			return nil, fmt.Errorf("registrations: line %d: public key: %w", line, err)
		}
		if err := ValidatePublicKey(scheme, pub); err != nil {
			return nil, fmt.Errorf("registrations: line %d: %w", line, err)
		}
		prio, err := ParsePriority(rec[3])
		if err != nil {
			return nil, fmt.Errorf("registrations: line %d: %w", line, err)
		}

		regs = append(regs, Registration{ID: id, Scheme: scheme, PublicKey: pub, Priority: prio})
	}
	return regs, nil
}

// WriteRegistrations is the inverse of LoadRegistrations
func WriteRegistrations(w io.Writer, regs []Registration) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(registrationHeader); err != nil {
		return err
	}
	for _, r := range regs {
		row := []string{r.ID, string(r.Scheme), hex.EncodeToString(r.PublicKey), r.Priority.String()}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
