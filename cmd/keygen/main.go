package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/drmaatic/backend/pkg/utils/crypto"
	"github.com/drmaatic/backend/pkg/utils/sshkeygen"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "drmaatic-keygen",
	Short: "Prepare credentials for the ssh cluster transport",
}

var (
	keyDir    string
	keyName   string
	overwrite bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Create an Ed25519 key pair for the cluster head node",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := keyDir
		if dir == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return fmt.Errorf("failed to get home directory: %w", err)
			}
			dir = filepath.Join(homeDir, ".ssh")
		}

		pair, err := sshkeygen.GenerateEd25519KeyPair(dir, keyName, overwrite)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Private key: %s\n", pair.PrivatePath)
		fmt.Fprintf(out, "Public key: %s\n", pair.PublicPath)
		if pair.Created {
			fmt.Fprintln(out, "✓ Key pair generated successfully")
		} else {
			fmt.Fprintln(out, "✓ Key pair already exists (skipped)")
		}
		fmt.Fprintf(out, "\nAppend to ~/.ssh/authorized_keys on the head node:\n%s\n", pair.AuthorizedKey)
		return nil
	},
}

var encryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Seal an ssh password for cluster.ssh.encrypted_password",
	Long: `Reads the password from stdin and prints the sealed value. The
passphrase is taken from DRMAATIC_SECURITY_ENCRYPTION_KEY.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		box, err := crypto.NewBox(os.Getenv("DRMAATIC_SECURITY_ENCRYPTION_KEY"))
		if err != nil {
			return err
		}

		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read password: %w", err)
		}
		sealed, err := box.Seal(strings.TrimRight(line, "\r\n"))
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sealed)
		return nil
	},
}

func init() {
	generateCmd.Flags().StringVar(&keyDir, "dir", "", "directory for the key pair (default ~/.ssh)")
	generateCmd.Flags().StringVar(&keyName, "name", "id_ed25519", "file name of the private key")
	generateCmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace an existing key pair")

	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(encryptCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
