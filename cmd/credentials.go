package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"xenlink/internal/adapter/wireguard"
	"xenlink/internal/tunnel"

	"github.com/spf13/cobra"
)

var (
	credentialsCmd = &cobra.Command{
		Use:   "credentials",
		Short: "manage profile secrets",
	}

	credentialsSetCmd = &cobra.Command{
		Use:   "set <profile> <kind>",
		Short: "store a secret read from stdin",
		Long: "Stores a secret for the profile. kind is one of " +
			"wireguard.private_key, wireguard.preshared_key, ssh.password, ssh.private_key.",
		Args: cobra.ExactArgs(2),
		RunE: setCredential,
	}

	credentialsGenKeyCmd = &cobra.Command{
		Use:   "genkey <profile>",
		Short: "generate and store a WireGuard private key, printing its public key",
		Args:  cobra.ExactArgs(1),
		RunE:  genKey,
	}
)

func setCredential(cmd *cobra.Command, args []string) error {
	kind := tunnel.SecretKind(args[1])
	switch kind {
	case tunnel.SecretWireGuardPrivateKey, tunnel.SecretWireGuardPresharedKey, tunnel.SecretSSHPassword, tunnel.SecretSSHPrivateKey:
	default:
		return fmt.Errorf("unknown secret kind %q", kind)
	}

	cfg := setup()
	ctx := cmd.Context()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.profileID(ctx, args[0])
	if err != nil {
		return err
	}

	var b strings.Builder
	sc := bufio.NewScanner(cmd.InOrStdin())
	for sc.Scan() {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(sc.Text())
	}
	if err := sc.Err(); err != nil {
		return err
	}
	value := strings.TrimSpace(b.String())
	if value == "" {
		return fmt.Errorf("empty secret on stdin")
	}
	if kind == tunnel.SecretSSHPrivateKey {
		value += "\n"
	}

	return a.creds.Set(ctx, id, kind, value)
}

func genKey(cmd *cobra.Command, args []string) error {
	cfg := setup()
	ctx := cmd.Context()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.profileID(ctx, args[0])
	if err != nil {
		return err
	}

	key, err := wireguard.GeneratePrivateKey()
	if err != nil {
		return err
	}
	if err := a.creds.Set(ctx, id, tunnel.SecretWireGuardPrivateKey, key.String()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key.PublicKey().String())
	return nil
}

func init() {
	credentialsCmd.AddCommand(credentialsSetCmd, credentialsGenKeyCmd)
	rootCmd.AddCommand(credentialsCmd)
}
