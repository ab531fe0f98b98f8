package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ledgerlock/ledgerlock/internal/httpapi"
	"github.com/ledgerlock/ledgerlock/internal/ledger"
	"github.com/ledgerlock/ledgerlock/internal/signing"
)

func init() {
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(hashSecretCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(crosslinkCmd)
}

// ── keygen ───────────────────────────────────────────────────────────────────

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate the RSA checkpoint-signing keypair",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := viper.GetString("signing.key_dir")
		privPath, pubPath, err := signing.Generate(dir)
		if err != nil {
			return err
		}
		_, pemBytes, err := signing.LoadPublicKey(pubPath)
		if err != nil {
			return err
		}
		fmt.Printf("private key: %s\n", privPath)
		fmt.Printf("public key:  %s\n", pubPath)
		fmt.Printf("fingerprint: %s\n", signing.FingerprintPEM(pemBytes))
		return nil
	},
}

// ── hash-secret ──────────────────────────────────────────────────────────────

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret <secret>",
	Short: "Bcrypt-hash an admin secret for ledgerd configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := httpapi.HashAdminSecret(args[0])
		if err != nil {
			return err
		}
		fmt.Println(h)
		return nil
	},
}

// ── token ────────────────────────────────────────────────────────────────────

var (
	tokenOperator string
	tokenIssuer   string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin bearer token for the re-anchoring endpoint",
	Long: `Token signs a short-lived RS256 admin token with the checkpoint signing
key. ledgerd verifies it against the same key, so no shared secret leaves
this machine.

  export LEDGERD_TOKEN=$(ledgerlock token --operator ops@example.com)`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		signer, err := loadSigner()
		if err != nil {
			return err
		}
		issuer := httpapi.NewTokenIssuer(signer.Key(), tokenIssuer, tokenTTL)
		tok, err := issuer.Issue(tokenOperator)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenOperator, "operator", "admin", "operator identity recorded in the token subject")
	tokenCmd.Flags().StringVar(&tokenIssuer, "issuer", "", "issuer claim; must match ledgerd's issuer_url")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}

// ── bootstrap ────────────────────────────────────────────────────────────────

var (
	bootstrapPK     string
	bootstrapFields string
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap <stream>",
	Short: "Bring an existing table under ledger control",
	Long: `Bootstrap registers the table as a ledger stream, snapshots every
current row as a synthetic INSERT entry, and writes the stream's first
signed checkpoint.

  ledgerlock bootstrap customers --fields-to-hash name,email,balance`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		verifier, store, closeFn, err := newVerifier(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		signer, err := loadSigner()
		if err != nil {
			return err
		}

		pk := bootstrapPK
		if pk == "" {
			pk, err = store.DetectPrimaryKey(ctx, args[0])
			if err != nil {
				return fmt.Errorf("detect primary key: %w", err)
			}
		}
		cfg := &ledger.StreamConfig{
			Name:       args[0],
			PrimaryKey: pk,
		}
		if bootstrapFields != "" {
			cfg.FieldsToHash = strings.Split(bootstrapFields, ",")
		}

		res, err := verifier.Bootstrap(ctx, cfg, signer)
		if err != nil {
			return err
		}
		fmt.Printf("stream %q registered (primary key %q)\n", cfg.Name, cfg.PrimaryKey)
		fmt.Printf("records snapshotted: %d\n", res.RecordsSnapshotted)
		if res.Checkpoint != nil {
			fmt.Printf("initial root: %s\n", res.Checkpoint.RootHash)
		}
		return nil
	},
}

func init() {
	bootstrapCmd.Flags().StringVar(&bootstrapPK, "pk", "", "primary key column (auto-detected when empty)")
	bootstrapCmd.Flags().StringVar(&bootstrapFields, "fields-to-hash", "", "comma-separated fields to hash; empty hashes all fields")
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendBefore string
	appendAfter  string
)

var appendCmd = &cobra.Command{
	Use:   "append <stream> <record-id> <INSERT|UPDATE|DELETE>",
	Short: "Capture a change as a ledger entry",
	Long: `Append records one change event. Before/after images are JSON objects;
omit --before for inserts and --after for deletes.

  ledgerlock append customers 42 UPDATE \
    --before '{"balance": 100}' --after '{"balance": 250}'`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		op := ledger.Operation(strings.ToUpper(args[2]))
		if !op.Valid() {
			return fmt.Errorf("invalid operation %q", args[2])
		}
		before, err := parseImage(appendBefore)
		if err != nil {
			return fmt.Errorf("parse --before: %w", err)
		}
		after, err := parseImage(appendAfter)
		if err != nil {
			return fmt.Errorf("parse --after: %w", err)
		}

		store, closeFn, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		entry, err := store.Append(ctx, args[0], args[1], op, before, after)
		if err != nil {
			return err
		}
		fmt.Printf("appended sequence %d (hash %s)\n", entry.Sequence, entry.Hash)
		return nil
	},
}

func init() {
	appendCmd.Flags().StringVar(&appendBefore, "before", "", "JSON before-image (absent when empty)")
	appendCmd.Flags().StringVar(&appendAfter, "after", "", "JSON after-image (absent when empty)")
}

func parseImage(raw string) (ledger.Image, error) {
	if raw == "" {
		return nil, nil
	}
	var img ledger.Image
	if err := json.Unmarshal([]byte(raw), &img); err != nil {
		return nil, err
	}
	return img, nil
}

// ── crosslink ────────────────────────────────────────────────────────────────

var crosslinkCmd = &cobra.Command{
	Use:   "crosslink <stream-a> <stream-b>",
	Short: "Record reciprocal checkpoints between two streams",
	Long: `Crosslink writes a checkpoint on each stream committing to the other's
latest root, so tampering with one stream's checkpoint history is visible
from the other.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		verifier, _, closeFn, err := newVerifier(ctx)
		if err != nil {
			return err
		}
		defer closeFn()

		signer, err := loadSigner()
		if err != nil {
			return err
		}
		if err := verifier.CrossLink(ctx, args[0], args[1], signer); err != nil {
			return err
		}
		fmt.Printf("streams %q and %q cross-linked\n", args[0], args[1])
		return nil
	},
}
