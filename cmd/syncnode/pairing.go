package main

import (
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/xelth-com/eckmesh/internal/config"
	"github.com/xelth-com/eckmesh/internal/security"
)

func newPairingCmd() *cobra.Command {
	var out string
	var size int

	cmd := &cobra.Command{
		Use:   "pairing-qr",
		Short: "Print a QR code identifying this node to new peers",
		Long: `pairing-qr encodes the node id, service name, registration key hash and
advertised address. The registration secret itself is never included; a new
node still needs the secret to join.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			content := pairingString(cfg)

			if out != "" {
				if err := qrcode.WriteFile(content, qrcode.Medium, size, out); err != nil {
					return fmt.Errorf("write qr code: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pairing QR written to %s\n", out)
				return nil
			}

			q, err := qrcode.New(content, qrcode.Medium)
			if err != nil {
				return fmt.Errorf("encode qr code: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), q.ToSmallString(false))
			fmt.Fprintln(cmd.OutOrStdout(), content)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "write a PNG to this path instead of the terminal")
	cmd.Flags().IntVar(&size, "size", 256, "PNG size in pixels")
	return cmd
}

// pairingString renders ECKSYNC$1$NODEID$SERVICE$KEYHASH$ADDRESS with the
// node id compacted to 32 upper case hex digits.
func pairingString(cfg *config.Config) string {
	compactID := strings.ToUpper(strings.ReplaceAll(cfg.Node.ID, "-", ""))
	address := fmt.Sprintf("%s:%d", cfg.Node.AdvertiseAddress, cfg.Node.Port)
	keyHash := security.HashRegistrationKey(cfg.Security.RegistrationSecret, cfg.Node.ServiceName)
	return strings.Join([]string{"ECKSYNC", "1", compactID, cfg.Node.ServiceName, keyHash, address}, "$")
}
