package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/umbra-im/umbra-node/pkg/config"
	"github.com/umbra-im/umbra-node/pkg/crypto"
)

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the node identity",
	}
	cmd.AddCommand(newIdentityInitCmd())
	cmd.AddCommand(newIdentityRecoverCmd())
	cmd.AddCommand(newIdentityShowCmd())
	return cmd
}

func newIdentityInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate a new identity and save its mnemonic",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.MnemonicFile); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", cfg.MnemonicFile)
			}

			identity, err := crypto.GenerateIdentity()
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfg.MnemonicFile, []byte(identity.Mnemonic+"\n"), 0o600); err != nil {
				return err
			}

			fmt.Printf("Identity created: %s\n", identity.DID)
			fmt.Printf("Mnemonic saved to %s. Back it up; it is the only way to recover this identity.\n", cfg.MnemonicFile)
			return nil
		},
	}
}

func newIdentityRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover <mnemonic...>",
		Short: "Recover an identity from its 12-word mnemonic",
		Args:  cobra.MinimumNArgs(12),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			mnemonic := strings.Join(args, " ")
			identity, err := crypto.RecoverIdentity(mnemonic)
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfg.MnemonicFile, []byte(identity.Mnemonic+"\n"), 0o600); err != nil {
				return err
			}

			fmt.Printf("Identity recovered: %s\n", identity.DID)
			return nil
		},
	}
}

func newIdentityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the node's DID",
		RunE: func(cmd *cobra.Command, args []string) error {
			identity, err := loadIdentity()
			if err != nil {
				return err
			}
			fmt.Println(identity.DID)
			return nil
		},
	}
}

func loadIdentity() (*crypto.Identity, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(cfg.MnemonicFile)
	if err != nil {
		return nil, fmt.Errorf("no identity found, run 'umbra-node identity init' first: %v", err)
	}
	return crypto.RecoverIdentity(strings.TrimSpace(string(data)))
}
