// participant.go - Commands run by ceremony participants
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"trustedsetup/internal/ceremony"
	"trustedsetup/internal/sealed"
	"trustedsetup/p2p"
)

func newKeygenCmd() *cobra.Command {
	var (
		id           string
		scheme       string
		out          string
		priority     string
		passwordFile string
	)
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a sealed participant key and print its registry line",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			sc, err := ceremony.ParseScheme(scheme)
			if err != nil {
				return err
			}
			prio, err := ceremony.ParsePriority(priority)
			if err != nil {
				return err
			}
			password, err := readPassword(passwordFile)
			if err != nil {
				return err
			}
			signer, err := ceremony.GenerateSigner(sc)
			if err != nil {
				return err
			}
			if out == "" {
				out = id + ".key"
			}
			if _, err := os.Stat(out); err == nil {
				return fmt.Errorf("%s already exists", out)
			}
			if err := saveKey(out, id, signer, password, sealed.DefaultParams()); err != nil {
				return err
			}
			reg := ceremony.Registration{ID: id, Scheme: sc, PublicKey: signer.PublicKey(), Priority: prio}
			if err := ceremony.WriteRegistrations(cmd.OutOrStdout(), []ceremony.Registration{reg}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "sealed key written to %s\n", out)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "participant id")
	f.StringVar(&scheme, "scheme", string(ceremony.SchemeEdDSA), "none, eddsa-bn254 or ed25519")
	f.StringVar(&out, "out", "", "key file (default <id>.key)")
	f.StringVar(&priority, "priority", "normal", "queue priority: high, normal or low")
	f.StringVar(&passwordFile, "password-file", "", "read the password from this file instead of "+passwordEnv)
	return cmd
}

func newContributeCmd() *cobra.Command {
	var (
		keyPath      string
		server       string
		passwordFile string
		register     bool
		priority     string
	)
	cmd := &cobra.Command{
		Use:   "contribute",
		Short: "Wait for a turn and submit one contribution",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, log, err := setup(cmd)
			if err != nil {
				return err
			}
			defer log.Close()

			password, err := readPassword(passwordFile)
			if err != nil {
				return err
			}
			id, signer, err := loadKey(keyPath, password)
			if err != nil {
				return err
			}
			client := p2p.NewClient(server, id, nil)
			if register {
				prio, err := ceremony.ParsePriority(priority)
				if err != nil {
					return err
				}
				reg := ceremony.Registration{ID: id, Scheme: signer.Scheme(), PublicKey: signer.PublicKey(), Priority: prio}
				if err := client.Register(cmd.Context(), reg); err != nil && !isAlreadyRegistered(err) {
					return err
				}
			}

			lc := ceremony.NewLocalContributor(id, signer)
			receipt, err := p2p.Contribute(cmd.Context(), client, lc, log.Zerolog().With().Str("participant", id).Logger())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "round %d accepted, transcript hash %s\n", receipt.Round, hex.EncodeToString(receipt.Hash[:]))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&keyPath, "key", "", "sealed key file from keygen")
	f.StringVar(&server, "server", "http://127.0.0.1:8700", "coordinator URL")
	f.StringVar(&passwordFile, "password-file", "", "read the password from this file instead of "+passwordEnv)
	f.BoolVar(&register, "register", false, "register before waiting for a turn")
	f.StringVar(&priority, "priority", "normal", "priority used with --register")
	_ = cmd.MarkFlagRequired("key")
	return cmd
}

func newImportRegistryCmd() *cobra.Command {
	var server string
	cmd := &cobra.Command{
		Use:   "import-registry <csv>",
		Short: "Register the participants listed in a CSV with a running coordinator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			regs, err := ceremony.LoadRegistrations(f)
			if err != nil {
				return err
			}
			added := 0
			for _, r := range regs {
				err := p2p.NewClient(server, r.ID, nil).Register(cmd.Context(), r)
				switch {
				case err == nil:
					added++
				case isAlreadyRegistered(err):
					fmt.Fprintf(cmd.ErrOrStderr(), "%s already registered\n", r.ID)
				default:
					return fmt.Errorf("register %s: %w", r.ID, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %d of %d participants\n", added, len(regs))
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://127.0.0.1:8700", "coordinator URL")
	return cmd
}

func isAlreadyRegistered(err error) bool {
	return errors.Is(err, ceremony.ErrAlreadyRegistered)
}
