package main

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/diiisco/core/internal/config"
	"github.com/diiisco/core/internal/identity"
)

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Inspect or rotate the node's persisted key-pair",
	}
	cmd.AddCommand(newIdentityShowCmd())
	cmd.AddCommand(newIdentityRotateCmd())
	return cmd
}

func newIdentityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the node's peer id and public key",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := identityPath(cmd)
			if err != nil {
				return err
			}
			id, err := identity.LoadOrCreate(path)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			fmt.Printf("peer id:    %s\n", id.PeerID)
			fmt.Printf("public key: %s\n", base64.StdEncoding.EncodeToString(id.Public))
			return nil
		},
	}
}

func newIdentityRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Replace the persisted key-pair with a freshly generated one",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := identityPath(cmd)
			if err != nil {
				return err
			}
			id, err := identity.Rotate(path)
			if err != nil {
				return fmt.Errorf("rotate identity: %w", err)
			}
			fmt.Printf("rotated. new peer id: %s\n", id.PeerID)
			return nil
		},
	}
}

// identityPath resolves the identity file location the same way serve
// does: from the loaded config, or its default, never from a bare flag,
// so `identity show` always inspects the file a subsequent `serve` would
// use.
func identityPath(cmd *cobra.Command) (string, error) {
	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return "", err
	}
	cfg := config.Default()
	if cfgPath != "" {
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
	}
	return cfg.IdentityPath, nil
}
