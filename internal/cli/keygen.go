package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/betlink/betlinkd/internal/crypto"
)

var keygenPrefix string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate service and partner credentials",
	Long: `Generate a fresh 256-bit encryption key for security.encryption_key,
plus a partner API key with its storable SHA-256 digest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		encKey, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		apiKey, err := crypto.GenerateAPIKey(keygenPrefix)
		if err != nil {
			return err
		}

		fmt.Printf("encryption key: %s\n", encKey)
		fmt.Printf("api key:        %s\n", apiKey)
		fmt.Printf("api key hash:   %s\n", crypto.HashAPIKey(apiKey))
		fmt.Println()
		fmt.Println("Store the encryption key in security.encryption_key (or BETLINK_SECURITY_ENCRYPTION_KEY).")
		fmt.Println("Hand the api key to the partner; only the hash goes in the database.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().StringVar(&keygenPrefix, "prefix", "blk", "api key prefix")
}
