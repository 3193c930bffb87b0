package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jmylchreest/hlsforge/internal/config"
	"github.com/jmylchreest/hlsforge/internal/http/handlers"
	"github.com/jmylchreest/hlsforge/internal/token"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue and inspect media capability tokens",
	Long: `Issue and verify the HMAC tokens that gate /media/ downloads.

Tokens are signed with token.secret (HLSFORGE_TOKEN_SECRET), so the same
secret must be configured here and on every server instance.`,
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a token for one file of a rendition",
	Example: `  hlsforge token issue --subject viewer-1 --media movie-1 --file index.m3u8
  hlsforge token issue --subject viewer-1 --media movie-1 --file index.m3u8 --ttl 1h`,
	RunE: runTokenIssue,
}

var tokenVerifyCmd = &cobra.Command{
	Use:   "verify TOKEN",
	Short: "Check a token's signature and expiry and print its claims",
	Args:  cobra.ExactArgs(1),
	RunE:  runTokenVerify,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenIssueCmd, tokenVerifyCmd)

	tokenIssueCmd.Flags().String("subject", "", "subject the token is bound to (required)")
	tokenIssueCmd.Flags().String("media", "", "media id (required)")
	tokenIssueCmd.Flags().String("file", "index.m3u8", "file within the rendition")
	tokenIssueCmd.Flags().Duration("ttl", 0, "token lifetime (default token.ttl)")
	_ = tokenIssueCmd.MarkFlagRequired("subject")
	_ = tokenIssueCmd.MarkFlagRequired("media")
}

func loadIssuer() (*token.Issuer, *config.Config, error) {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if cfg.Token.Secret == "" {
		return nil, nil, token.ErrNoSecret
	}
	return token.NewIssuer(cfg.Token.Secret), cfg, nil
}

func runTokenIssue(cmd *cobra.Command, _ []string) error {
	issuer, cfg, err := loadIssuer()
	if err != nil {
		return err
	}

	subject, _ := cmd.Flags().GetString("subject")
	mediaID, _ := cmd.Flags().GetString("media")
	file, _ := cmd.Flags().GetString("file")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	if ttl <= 0 {
		ttl = cfg.Token.TTL
	}

	resource, ok := handlers.MediaResource(mediaID, file)
	if !ok {
		return fmt.Errorf("invalid file %q", file)
	}

	tok, err := issuer.Issue(subject, handlers.MediaScope(cfg.Token.Scope, mediaID), resource, ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	out := map[string]any{
		"token":      tok,
		"resource":   resource,
		"expires_at": time.Now().Add(ttl).UTC().Truncate(time.Second),
		"url":        handlers.MediaURL(resource, tok, subject),
	}
	return printJSON(cmd, out)
}

func runTokenVerify(cmd *cobra.Command, args []string) error {
	issuer, _, err := loadIssuer()
	if err != nil {
		return err
	}

	claims, ok := issuer.Decode(args[0])
	if !ok {
		return errors.New("token is invalid or expired")
	}
	return printJSON(cmd, claims)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
