// SPDX-FileCopyrightText: Copyright (C) 2022  Yawning Angel, David Stainton, Masala
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"fmt"
	"os"

	"github.com/katzenpost/qrterminal"
	"github.com/spf13/cobra"

	"github.com/katzenpost/katzentunnel/internal/common"
)

func newRootCommand() *cobra.Command {
	var isQRCode bool

	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate a tunnel preshared secret",
		Long: `Generate a fresh random preshared secret for the [Tunnel] block of
both the client and the server configuration.  The secret can also be
printed as a QR code for transfer to another device.`,
		Example: `  genkey
  genkey -q`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := common.NewSecret()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "PresharedKey = %q\n", secret)

			if isQRCode {
				qrterminal.GenerateWithConfig(secret, qrterminal.Config{
					Level:      qrterminal.L,
					Writer:     os.Stdout,
					HalfBlocks: true,
					QuietZone:  1,
				})
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&isQRCode, "qr", "q", false, "also print the secret to stdout as a QR code")
	return cmd
}

func main() {
	common.ExecuteWithFang(newRootCommand())
}
