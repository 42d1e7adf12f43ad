package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/genelink/internal/auth"
	"github.com/danmuck/genelink/internal/config"
	"github.com/danmuck/genelink/internal/logging"
	"github.com/danmuck/genelink/internal/node"
	"github.com/danmuck/genelink/internal/token"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "genelinkd",
	Short:         "Run and talk to genelink nodes",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.ConfigureRuntime()
		raw, _ := cmd.Flags().GetString("log-level")
		return applyLogLevel(raw)
	},
}

func applyLogLevel(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	level, ok := logging.ParseLevel(raw)
	if !ok {
		return fmt.Errorf("unknown log level %q", raw)
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a node until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg := node.DefaultConfig()
		if path != "" {
			loaded, err := config.Load(path)
			if err != nil {
				return err
			}
			cfg = loaded
			log.Info().Str("path", path).Msg("loaded node config")
		}
		if flag, _ := cmd.Flags().GetString("log-level"); flag == "" {
			if err := applyLogLevel(cfg.LogLevel); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		n, err := node.New(ctx, node.Options{Config: cfg})
		if err != nil {
			return err
		}
		fmt.Printf("genelink node %s (%s)\n", n.NodeID(), n.Kind())
		fmt.Printf("  public key : %s\n", n.Signer().PublicKey())
		fmt.Printf("  listening  : %s %s\n", cfg.Transport, n.Endpoint().LocalAddr())
		if cfg.Admin.Listen != "" {
			fmt.Printf("  admin      : http://%s\n", cfg.Admin.Listen)
		}
		return n.Run(ctx)
	},
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a node identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := token.GenerateSigner()
		if err != nil {
			return err
		}
		out, _ := cmd.Flags().GetString("out")
		if out != "" {
			if err := os.WriteFile(out, []byte(s.SeedHex()+"\n"), 0o600); err != nil {
				return err
			}
			fmt.Printf("seed written to %s\n", out)
		} else {
			fmt.Printf("signer_seed = %q\n", s.SeedHex())
		}
		fmt.Printf("public key  : %s\n", s.PublicKey())
		return nil
	},
}

var mintCmd = &cobra.Command{
	Use:   "mint",
	Short: "Sign tokens",
}

var mintAdminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Sign a bearer token for the admin surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := signerFromFlags(cmd, "seed")
		if err != nil {
			return err
		}
		tok, err := token.NewAuthenticationToken(s, auth.AdminBinding)
		if err != nil {
			return err
		}
		fmt.Println(tok.String())
		return nil
	},
}

// signerFromFlags reads a seed from --<name> or --<name>-file.
func signerFromFlags(cmd *cobra.Command, name string) (*token.Signer, error) {
	seed, _ := cmd.Flags().GetString(name)
	if file, _ := cmd.Flags().GetString(name + "-file"); file != "" {
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		seed = string(b)
	}
	if strings.TrimSpace(seed) == "" {
		return nil, fmt.Errorf("--%s or --%s-file is required", name, name)
	}
	return token.ParseSigner(seed)
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "", "trace|debug|info|warn|error|disabled")
	rootCmd.PersistentFlags().String("profile", "", "client profile TOML")

	serveCmd.Flags().String("config", "", "node config TOML (defaults when empty)")
	keygenCmd.Flags().String("out", "", "write the seed to this file")

	mintAdminCmd.Flags().String("seed", "", "hex seed of a key listed in admin.keys")
	mintAdminCmd.Flags().String("seed-file", "", "file holding the seed")
	mintCmd.AddCommand(mintAdminCmd)

	rootCmd.AddCommand(serveCmd, keygenCmd, mintCmd)
	addClientCommands(rootCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "genelinkd: %v\n", err)
		os.Exit(1)
	}
}
