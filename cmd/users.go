package main

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Shugur-Network/inbox-relay/internal/logger"
	"github.com/Shugur-Network/inbox-relay/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var pubkeyPattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

func newAdmitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "admit <pubkey>",
		Short: "Admit a pubkey so it can authenticate and publish",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setAdmitted(cmd, args[0], true)
		},
	}
}

func newRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <pubkey>",
		Short: "Revoke a previously admitted pubkey",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setAdmitted(cmd, args[0], false)
		},
	}
}

func normalizePubkey(raw string) (string, error) {
	pubkey := strings.ToLower(strings.TrimSpace(raw))
	if !pubkeyPattern.MatchString(pubkey) {
		return "", fmt.Errorf("pubkey must be 64 hex characters, got %q", raw)
	}
	return pubkey, nil
}

func setAdmitted(cmd *cobra.Command, raw string, admitted bool) error {
	pubkey, err := normalizePubkey(raw)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	db, err := storage.InitDB(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer func() { _ = db.CloseDB() }()

	if err := db.InitializeSchema(ctx); err != nil {
		return err
	}
	if err := storage.NewUserStore(db).SetAdmitted(ctx, pubkey, admitted); err != nil {
		return err
	}

	logger.Info("User updated", zap.String("pubkey", pubkey), zap.Bool("admitted", admitted))
	fmt.Fprintf(cmd.OutOrStdout(), "%s admitted=%t\n", pubkey, admitted)
	return nil
}
