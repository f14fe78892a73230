package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/gluk-w/webterm/internal/config"
	"github.com/gluk-w/webterm/internal/database"
	"github.com/gluk-w/webterm/internal/profiles"
	"github.com/gluk-w/webterm/internal/wire"
	"github.com/spf13/cobra"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage saved connection profiles",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config.Load()
		if err := database.Init(); err != nil {
			return fmt.Errorf("database init: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		database.Close()
	},
}

var profilesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List saved profiles",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := profiles.List()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPROTOCOL\tTARGET")
		for _, p := range list {
			fmt.Fprintf(w, "%s\t%s\t%s@%s:%d\n", p.Name, p.Protocol, p.Username, p.Host, p.Port)
		}
		return w.Flush()
	},
}

var profilesAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create or replace a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		user, _ := cmd.Flags().GetString("user")
		proto, _ := cmd.Flags().GetString("protocol")
		ask, _ := cmd.Flags().GetBool("ask-password")

		e := profiles.Entry{
			Name:     args[0],
			Host:     host,
			Port:     port,
			Username: user,
			Protocol: wire.Protocol(proto),
		}
		if ask {
			secret, err := readSecret(fmt.Sprintf("Password for %s@%s: ", user, host))
			if err != nil {
				return err
			}
			e.Secret = secret
		}
		if err := profiles.Save(e); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Profile '%s' saved.\n", e.Name)
		return nil
	},
}

var profilesRmCmd = &cobra.Command{
	Use:     "rm NAME",
	Aliases: []string{"remove"},
	Short:   "Delete a profile",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return profiles.Remove(args[0])
	},
}

var profilesImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import profiles from a YAML file (- for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			r = f
		}
		n, err := profiles.Import(r)
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d profile(s).\n", n)
		return err
	},
}

var profilesExportCmd = &cobra.Command{
	Use:   "export [FILE]",
	Short: "Export profiles as YAML, without secrets",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 || args[0] == "-" {
			return profiles.Export(cmd.OutOrStdout())
		}
		f, err := os.OpenFile(args[0], os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		if err := profiles.Export(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	},
}

var profilesRotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Re-encrypt stored secrets under a new key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := profiles.RotateKey()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Re-encrypted %d secret(s).\n", n)
		return nil
	},
}

func init() {
	profilesAddCmd.Flags().String("host", "", "Remote host")
	profilesAddCmd.Flags().Int("port", 0, "Remote port (default 22 for ssh, 23 for telnet)")
	profilesAddCmd.Flags().String("user", "", "Remote username")
	profilesAddCmd.Flags().String("protocol", string(wire.ProtocolSSH), "ssh or telnet")
	profilesAddCmd.Flags().Bool("ask-password", false, "Prompt for a password to store encrypted")

	profilesCmd.AddCommand(profilesListCmd, profilesAddCmd, profilesRmCmd, profilesImportCmd, profilesExportCmd, profilesRotateKeyCmd)
	rootCmd.AddCommand(profilesCmd)
}
