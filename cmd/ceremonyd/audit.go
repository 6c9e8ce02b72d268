// audit.go - Offline verification commands
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"trustedsetup/internal/ceremony"
	"trustedsetup/internal/store"
)

func newVerifyCmd() *cobra.Command {
	var outDir, keysDir string
	cmd := &cobra.Command{
		Use:   "verify <record>",
		Short: "Re-verify every contribution of a live record or archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := store.Open(args[0])
			if err != nil {
				return err
			}
			if outDir == "" {
				outDir = filepath.Dir(args[0])
			}
			failed, err := auditRecord(cmd.OutOrStdout(), rec, outDir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ceremony %s phase %s: %d circuits, %d contributions, head %s\n",
				rec.ID, rec.Phase, len(rec.Tracks), rec.Contributions(), rec.Head())
			if failed > 0 {
				return fmt.Errorf("%d contributions failed verification", failed)
			}
			if err := rec.Verify(); err != nil {
				return err
			}
			if keysDir != "" {
				written, err := exportKeys(keysDir, rec)
				if err != nil {
					return err
				}
				for _, path := range written {
					fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&outDir, "out", "", "directory for the hash listings (default: next to the record)")
	cmd.Flags().StringVar(&keysDir, "keys", "", "rebuild the proving and verifying keys of a closed record into this directory")
	return cmd
}

// auditRecord prints one verdict per entry of every circuit, writes the hash
// listings to outDir and returns the number of failed entries
func auditRecord(w io.Writer, rec *ceremony.Record, outDir string) (int, error) {
	failed := 0
	for _, t := range rec.Tracks {
		entries := t.Transcript.Entries()
		for i, verdict := range t.Transcript.Audit() {
			e := entries[i]
			if verdict != nil {
				failed++
				fmt.Fprintf(w, "%s round %d by %s: FAIL %v\n", t.Circuit.Name, e.Round, e.Contributor, verdict)
				continue
			}
			fmt.Fprintf(w, "%s round %d by %s: ok %s\n", t.Circuit.Name, e.Round, e.Contributor, e.Hash.Short())
		}
		out := filepath.Join(outDir, t.Circuit.Name+"_computed_challenges")
		if err := writeFile(out, func(w io.Writer) error { return writeChallenges(w, t.Transcript) }); err != nil {
			return failed, err
		}
	}
	out := filepath.Join(outDir, "contribution_hashes.txt")
	return failed, writeFile(out, func(w io.Writer) error { return writeContributionHashes(w, rec) })
}

func writeFile(path string, fill func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := fill(f); err != nil {
		return err
	}
	return f.Close()
}

// exportKeys writes <circuit>.pk and <circuit>.vk for each circuit of a
// closed record
func exportKeys(dir string, rec *ceremony.Record) ([]string, error) {
	if !rec.Closed() {
		return nil, fmt.Errorf("%w: record %s has not been sealed", ceremony.ErrWrongPhase, rec.ID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	var written []string
	for i := range rec.Tracks {
		t := &rec.Tracks[i]
		pk, vk, err := t.Keys()
		if err != nil {
			return written, fmt.Errorf("circuit %s: %w", t.Circuit.Name, err)
		}
		for _, out := range []struct {
			ext string
			key io.WriterTo
		}{{".pk", pk}, {".vk", vk}} {
			key := out.key
			path := filepath.Join(dir, t.Circuit.Name+out.ext)
			if err := writeFile(path, func(w io.Writer) error {
				_, err := key.WriteTo(w)
				return err
			}); err != nil {
				return written, err
			}
			written = append(written, path)
		}
	}
	return written, nil
}

func newHashFileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-file <path>",
		Short: "Write the BLAKE2b-512 digest of a file to <path>_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, out, err := hashFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s (written to %s)\n", d, args[0], out)
			return nil
		},
	}
}
