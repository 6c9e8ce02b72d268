// hashfile.go - BLAKE2b digests of large files and audit hash listings
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"

	"trustedsetup/internal/ceremony"
	"trustedsetup/internal/crs"
	"trustedsetup/internal/transcript"
)

// hashReader streams r through BLAKE2b-512
func hashReader(r io.Reader) (crs.Digest, error) {
	var d crs.Digest
	h, err := blake2b.New512(nil)
	if err != nil {
		return d, err
	}
	if _, err := io.Copy(h, bufio.NewReaderSize(r, 1<<20)); err != nil {
		return d, err
	}
	h.Sum(d[:0])
	return d, nil
}

// hashFile writes the hex digest of path to path_hash and returns it
func hashFile(path string) (crs.Digest, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return crs.Digest{}, "", err
	}
	defer f.Close()

	d, err := hashReader(f)
	if err != nil {
		return crs.Digest{}, "", fmt.Errorf("hash %s: %w", path, err)
	}
	out := path + "_hash"
	if err := os.WriteFile(out, []byte(d.String()+"\n"), 0o644); err != nil {
		return crs.Digest{}, "", err
	}
	return d, out, nil
}

// writeContributionHashes lists one "<hash> round <n>" line per accepted
// round, the hash binding every circuit's chain
func writeContributionHashes(w io.Writer, rec *ceremony.Record) error {
	bw := bufio.NewWriter(w)
	for i, e := range rec.Tracks[0].Transcript.Entries() {
		if _, err := fmt.Fprintf(bw, "%s round %d\n", rec.ContributionHash(i), e.Round); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// writeChallenges lists the challenge each entry of one chain was bound to:
// the transcript origin, then the hash of the entry before
func writeChallenges(w io.Writer, tr *transcript.Transcript) error {
	bw := bufio.NewWriter(w)
	challenge := tr.Origin()
	for _, e := range tr.Entries() {
		if _, err := fmt.Fprintf(bw, "%s round %d\n", challenge, e.Round); err != nil {
			return err
		}
		challenge = e.Hash
	}
	return bw.Flush()
}
