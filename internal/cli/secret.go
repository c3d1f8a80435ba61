package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/KafClaw/taskclaw/internal/config"
	"github.com/KafClaw/taskclaw/internal/provider"
	"github.com/KafClaw/taskclaw/internal/provider/credentials"
	"github.com/KafClaw/taskclaw/internal/secrets"
)

var (
	secretCmd = &cobra.Command{
		Use:   "secret",
		Short: "Manage provider API keys in the encrypted vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	secretSetCmd = &cobra.Command{
		Use:   "set <provider>",
		Short: "Store a key for a provider, optionally scoped to an agent or owner",
		Long:  "Store a key for a provider. The value is read from --value or, when omitted, from the first line of stdin.",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretSet,
	}

	secretListCmd = &cobra.Command{
		Use:   "list",
		Short: "List stored key names (values are never printed)",
		RunE:  runSecretList,
	}

	secretDeleteCmd = &cobra.Command{
		Use:   "delete <provider>",
		Short: "Remove a stored key",
		Args:  cobra.ExactArgs(1),
		RunE:  runSecretDelete,
	}
)

func init() {
	for _, c := range []*cobra.Command{secretSetCmd, secretDeleteCmd} {
		c.Flags().String("agent", "", "Scope the key to this agent (id or slug)")
		c.Flags().String("owner", "", "Scope the key to this owner")
	}
	secretSetCmd.Flags().String("value", "", "Key value (read from stdin when empty)")

	secretCmd.AddCommand(secretSetCmd, secretListCmd, secretDeleteCmd)
	rootCmd.AddCommand(secretCmd)
}

func openVault(cfg *config.Config) (*secrets.Vault, error) {
	key, err := secrets.LoadOrCreateMasterKey(secrets.KeyOptions{Dir: cfg.Paths.VaultDir})
	if err != nil {
		return nil, fmt.Errorf("master key: %w", err)
	}
	return secrets.OpenVault(cfg.Paths.VaultDir, key)
}

// secretName maps the provider and scope flags to a vault entry name.
func secretName(cmd *cobra.Command, cfg *config.Config, providerID string) (string, error) {
	agentRef, _ := cmd.Flags().GetString("agent")
	owner, _ := cmd.Flags().GetString("owner")
	id := provider.NormalizeProviderID(providerID)
	if id == "" {
		return "", fmt.Errorf("provider is required")
	}
	switch {
	case agentRef != "" && owner != "":
		return "", fmt.Errorf("use either --agent or --owner, not both")
	case agentRef != "":
		store, err := openStore(cfg)
		if err != nil {
			return "", err
		}
		defer store.Close()
		a, err := resolveAgent(store, agentRef)
		if err != nil {
			return "", err
		}
		return credentials.AgentKey(a.ID, id), nil
	case owner != "":
		return credentials.OwnerKey(owner, id), nil
	}
	return credentials.ProviderKey(id), nil
}

func runSecretSet(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	name, err := secretName(cmd, cfg, args[0])
	if err != nil {
		return err
	}
	value, _ := cmd.Flags().GetString("value")
	if value == "" {
		value, err = readLine(cmd.InOrStdin())
		if err != nil {
			return err
		}
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("empty key value")
	}

	vault, err := openVault(cfg)
	if err != nil {
		return err
	}
	if err := vault.Set(name, strings.TrimSpace(value)); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s\n", name)
	return nil
}

func runSecretList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	vault, err := openVault(cfg)
	if err != nil {
		return err
	}
	names, err := vault.Names()
	if err != nil {
		return err
	}
	w := cmd.OutOrStdout()
	if len(names) == 0 {
		fmt.Fprintln(w, "No stored keys.")
		return nil
	}
	for _, n := range names {
		fmt.Fprintln(w, n)
	}
	return nil
}

func runSecretDelete(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	name, err := secretName(cmd, cfg, args[0])
	if err != nil {
		return err
	}
	vault, err := openVault(cfg)
	if err != nil {
		return err
	}
	if err := vault.Delete(name); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", name)
	return nil
}

func readLine(r io.Reader) (string, error) {
	sc := bufio.NewScanner(r)
	if sc.Scan() {
		return sc.Text(), nil
	}
	if err := sc.Err(); err != nil {
		return "", fmt.Errorf("read key: %w", err)
	}
	return "", nil
}
