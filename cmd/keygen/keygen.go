package keygen

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/stephnangue/turnstile/cipher"
)

var KeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate ticket encryption and signing keys",
	Long: `
Usage: turnstile keygen

  Prints a fresh AES-256 encryption key and HMAC signing key, base64
  encoded, ready for the key and signing_key attributes of the crypto block.
  `,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := cipher.GenerateKey()
		if err != nil {
			return err
		}
		signingKey, err := cipher.GenerateSigningKey()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "key         = %q\n", base64.StdEncoding.EncodeToString(key))
		fmt.Fprintf(out, "signing_key = %q\n", base64.StdEncoding.EncodeToString(signingKey))
		return nil
	},
}
