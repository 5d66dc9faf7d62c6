package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"xenlink/internal/tunnel"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	profilesCmd = &cobra.Command{
		Use:   "profiles",
		Short: "manage saved profiles",
	}

	profilesImportCmd = &cobra.Command{
		Use:   "import <file.toml>",
		Short: "create or update profiles from a TOML file",
		Args:  cobra.ExactArgs(1),
		RunE:  importProfiles,
	}

	profilesListCmd = &cobra.Command{
		Use:   "list",
		Short: "list profiles, most recently used first",
		Args:  cobra.NoArgs,
		RunE:  listProfiles,
	}

	profilesRemoveCmd = &cobra.Command{
		Use:   "remove <profile>",
		Short: "delete a profile and its secrets",
		Args:  cobra.ExactArgs(1),
		RunE:  removeProfile,
	}
)

func importProfiles(cmd *cobra.Command, args []string) error {
	cfg := setup()
	ctx := cmd.Context()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	imported, err := a.db.ImportProfiles(ctx, f)
	if err != nil {
		return err
	}
	for _, im := range imported {
		for kind, value := range im.Secrets {
			if err := a.creds.Set(ctx, im.Profile.ID, tunnel.SecretKind(kind), value); err != nil {
				return fmt.Errorf("profile %q: storing %s: %w", im.Profile.Name, kind, err)
			}
		}
		action := "updated"
		if im.Created {
			action = "created"
		}
		zap.S().Infow("profile "+action, "id", im.Profile.ID, "name", im.Profile.Name, "secrets", len(im.Secrets))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported %d profile(s)\n", len(imported))
	return nil
}

func listProfiles(cmd *cobra.Command, _ []string) error {
	cfg := setup()

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	list, err := a.db.Profiles(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPROTOCOL\tSERVER\tLAST USED")
	for _, p := range list {
		lastUsed := "never"
		if !p.LastUsed.IsZero() {
			lastUsed = p.LastUsed.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Protocol, p.Address(), lastUsed)
	}
	return w.Flush()
}

func removeProfile(cmd *cobra.Command, args []string) error {
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
	if err := a.creds.Delete(ctx, id); err != nil {
		return err
	}
	return a.db.DeleteProfile(ctx, id)
}

func init() {
	profilesCmd.AddCommand(profilesImportCmd, profilesListCmd, profilesRemoveCmd)
	rootCmd.AddCommand(profilesCmd)
}
