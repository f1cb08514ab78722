// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/printfarm/cmd/printfarm/cli"
	"github.com/bureau-foundation/printfarm/lib/sealed"
	"github.com/bureau-foundation/printfarm/lib/secret"
)

func (a *app) keygenCommand() *cli.Command {
	var output string
	return &cli.Command{
		Name:    "keygen",
		Summary: "Generate an identity for sealing access codes",
		Description: `Generate an age identity for sealing printer access codes.

Point paths.identity at the identity file and seal each access code
to its public key with "printfarm seal". The identity is written to
--output (which must not exist) or to stdout.`,
		Usage: "printfarm keygen [--output PATH]",
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
			flagSet.StringVarP(&output, "output", "o", "", "write the identity to this file")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 0 {
				return cli.UsageError("keygen takes no arguments")
			}
			keypair, err := sealed.GenerateKeypair()
			if err != nil {
				return err
			}
			defer keypair.Close()

			header := fmt.Sprintf("# created: %s\n# public key: %s\n",
				time.Now().UTC().Format(time.RFC3339), keypair.PublicKey)

			if output == "" {
				fmt.Fprint(a.stdout, header)
				fmt.Fprintln(a.stdout, keypair.PrivateKey.String())
				return nil
			}

			file, err := os.OpenFile(output, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
			if err != nil {
				return fmt.Errorf("creating identity file: %w", err)
			}
			_, writeErr := fmt.Fprintf(file, "%s%s\n", header, keypair.PrivateKey.String())
			if closeErr := file.Close(); writeErr == nil {
				writeErr = closeErr
			}
			if writeErr != nil {
				os.Remove(output)
				return fmt.Errorf("writing identity file: %w", writeErr)
			}
			fmt.Fprintf(a.stdout, "Public key: %s\n", keypair.PublicKey)
			return nil
		},
	}
}

func (a *app) sealCommand() *cli.Command {
	var (
		recipients []string
		identity   string
	)
	return &cli.Command{
		Name:    "seal",
		Summary: "Encrypt an access code for access_code_sealed",
		Description: `Encrypt a printer access code for the access_code_sealed config field.

The code is read from FILE, or from stdin when FILE is "-" or
omitted. Seal to one or more --recipient public keys, or to the
public key of an existing --identity file.`,
		Usage: "printfarm seal (--recipient KEY... | --identity PATH) [FILE|-]",
		Examples: []cli.Example{
			{Description: "Seal a code typed on stdin", Command: "printfarm seal --identity /etc/printfarm/identity.txt"},
		},
		Flags: func() *pflag.FlagSet {
			flagSet := pflag.NewFlagSet("seal", pflag.ContinueOnError)
			flagSet.StringArrayVarP(&recipients, "recipient", "r", nil, "age public key to seal to (repeatable)")
			flagSet.StringVarP(&identity, "identity", "i", "", "seal to the public key of this identity file")
			return flagSet
		},
		Run: func(args []string) error {
			if len(args) > 1 {
				return cli.UsageError("expected at most one input file")
			}
			keys := append([]string(nil), recipients...)
			if identity != "" {
				publicKey, err := identityPublicKey(identity)
				if err != nil {
					return err
				}
				keys = append(keys, publicKey)
			}
			if len(keys) == 0 {
				return cli.UsageError("one of --recipient or --identity is required")
			}
			for _, key := range keys {
				if err := sealed.ParsePublicKey(key); err != nil {
					return cli.UsageError("recipient %q: %v", key, err)
				}
			}

			path := "-"
			if len(args) == 1 {
				path = args[0]
			}
			var (
				code *secret.Buffer
				err  error
			)
			if path == "-" {
				code, err = secret.ReadFrom(a.stdin)
			} else {
				code, err = secret.ReadFromPath(path)
			}
			if err != nil {
				return fmt.Errorf("reading access code: %w", err)
			}
			defer code.Close()

			ciphertext, err := sealed.Encrypt(code.Bytes(), keys)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, ciphertext)
			return nil
		},
	}
}

func identityPublicKey(path string) (string, error) {
	privateKey, err := secret.ReadFromPath(path)
	if err != nil {
		return "", fmt.Errorf("reading identity %s: %w", path, err)
	}
	defer privateKey.Close()
	return sealed.PublicKeyOf(privateKey)
}
