package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/danmuck/genelink/internal/agreement"
	"github.com/danmuck/genelink/internal/dataserver"
	"github.com/danmuck/genelink/internal/protocol/session"
	"github.com/danmuck/genelink/internal/relay"
	"github.com/danmuck/genelink/internal/services"
	"github.com/danmuck/genelink/internal/token"
	"github.com/danmuck/genelink/internal/transport"
	"github.com/spf13/cobra"
)

// link is one dialed connection and the endpoint that owns it.
type link struct {
	profile  clientProfile
	signer   *token.Signer
	endpoint *session.Endpoint
	conn     *session.Connection
}

func dial(ctx context.Context, p clientProfile) (*link, error) {
	signer, err := token.GenerateSigner()
	if p.SignerSeed != "" {
		signer, err = token.ParseSigner(p.SignerSeed)
	}
	if err != nil {
		return nil, err
	}
	carrier, err := transport.Listen(ctx, p.Transport, ":0", transport.Options{
		UDP: transport.UDPOptions{MaxPacketLength: p.MaxPacketLength},
		QUIC: transport.QUICOptions{
			MaxPacketLength: p.MaxPacketLength,
			TLS:             transport.TLSConfig{Mode: p.TLSMode, CAFile: p.CAFile},
		},
	})
	if err != nil {
		return nil, err
	}
	cfg := session.DefaultConfig()
	cfg.MaxPacketLength = p.MaxPacketLength
	cfg.ConnectTimeout = p.ConnectTimeout
	cfg.RequestTimeout = p.RequestTimeout
	ep, err := session.NewEndpoint(carrier, session.Options{Config: cfg, Signer: signer})
	if err != nil {
		_ = carrier.Close()
		return nil, err
	}
	ep.Start()
	conn, err := ep.DialAddress(ctx, p.Remote)
	if err != nil {
		_ = ep.Close()
		return nil, fmt.Errorf("dial %s: %w", p.Remote, err)
	}
	return &link{profile: p, signer: signer, endpoint: ep, conn: conn}, nil
}

func (l *link) Close() error {
	return l.endpoint.Close()
}

// withLink runs fn on a fresh connection to the profile's remote.
func withLink(cmd *cobra.Command, fn func(ctx context.Context, l *link) error) error {
	path, _ := cmd.Flags().GetString("profile")
	p, err := loadClientProfile(path)
	if err != nil {
		return err
	}
	if remote, _ := cmd.Flags().GetString("remote"); remote != "" {
		p.Remote = remote
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), p.ConnectTimeout+p.RequestTimeout)
	defer cancel()
	l, err := dial(ctx, p)
	if err != nil {
		return err
	}
	defer l.Close()
	return fn(ctx, l)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Connect to a node and show the settled agreement",
	RunE: func(cmd *cobra.Command, args []string) error {
		started := time.Now()
		return withLink(cmd, func(ctx context.Context, l *link) error {
			a := l.conn.Agreement()
			fmt.Printf("connected to %s in %s\n", l.profile.Remote, time.Since(started).Round(time.Microsecond))
			fmt.Printf("  peer key    : %s\n", l.conn.RemotePublicKey())
			fmt.Printf("  block size  : %d\n", a.MaxBlockSize)
			fmt.Printf("  stream size : %d\n", a.MaxStreamLength)
			fmt.Printf("  buffer      : %d\n", a.StreamBufferSize)
			fmt.Printf("  retention   : %s\n", time.Duration(a.MinimumConnectionRetentionMics)*time.Microsecond)
			return nil
		})
	},
}

var echoCmd = &cobra.Command{
	Use:   "echo <message>",
	Short: "Round-trip a diagnostic block",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, _ := cmd.Flags().GetInt("size")
		async, _ := cmd.Flags().GetBool("async")
		return withLink(cmd, func(ctx context.Context, l *link) error {
			block := &services.TestBlock{Message: args[0], Number: time.Now().UnixNano(), Data: make([]byte, size)}
			started := time.Now()
			var (
				got *services.TestBlock
				err error
			)
			if async {
				got, err = services.EchoAsync.Invoke(ctx, l.conn, &services.AsyncTestBlock{TestBlock: *block})
			} else {
				got, err = services.Echo.Invoke(ctx, l.conn, block)
			}
			if err != nil {
				return err
			}
			if !block.Equal(got) {
				return fmt.Errorf("echo returned a different block")
			}
			fmt.Printf("%q (%d bytes) echoed in %s\n", got.Message, len(got.Data), time.Since(started).Round(time.Microsecond))
			return nil
		})
	},
}

var agreeCmd = &cobra.Command{
	Use:   "agree",
	Short: "Renegotiate the connection agreement",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLink(cmd, func(ctx context.Context, l *link) error {
			candidate := l.conn.Agreement()
			if v, _ := cmd.Flags().GetUint64("block"); v > 0 {
				candidate.MaxBlockSize = v
			}
			if v, _ := cmd.Flags().GetUint64("stream"); v > 0 {
				candidate.MaxStreamLength = v
			}
			if v, _ := cmd.Flags().GetUint64("buffer"); v > 0 {
				candidate.StreamBufferSize = v
			}
			if v, _ := cmd.Flags().GetDuration("retention"); v > 0 {
				candidate.MinimumConnectionRetentionMics = uint64(v.Microseconds())
			}
			got, err := services.ProposeAgreement(ctx, l.conn, l.signer, candidate)
			if err != nil {
				return err
			}
			printAgreement(got)
			return nil
		})
	},
}

func printAgreement(a agreement.Agreement) {
	out, _ := json.MarshalIndent(a, "", "  ")
	fmt.Println(string(out))
}

var getCmd = &cobra.Command{
	Use:   "get <identifier>",
	Short: "Download an object from a data node",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		return withLink(cmd, func(ctx context.Context, l *link) error {
			var w io.Writer = os.Stdout
			if out != "" && out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			entry, err := dataserver.Fetch(ctx, l.conn, args[0], w)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "%s  %d bytes  sha256:%x\n", entry.Identifier, entry.Size, entry.Digest)
			return nil
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <identifier> <file>",
	Short: "Upload a file to a data node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			return err
		}
		return withLink(cmd, func(ctx context.Context, l *link) error {
			entry, err := dataserver.Store(ctx, l.conn, args[0], f, info.Size())
			if err != nil {
				return err
			}
			fmt.Printf("%s  %d bytes  sha256:%x\n", entry.Identifier, entry.Size, entry.Digest)
			return nil
		})
	},
}

var listCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List a data node's catalog",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		return withLink(cmd, func(ctx context.Context, l *link) error {
			entries, err := dataserver.Entries(ctx, l.conn, prefix)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Printf("%-40s %12d  %s\n", e.Identifier, e.Size, e.Updated.Format(time.RFC3339))
			}
			return nil
		})
	},
}

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Request a relay exchange with a certificate from a local authority key",
	RunE: func(cmd *cobra.Command, args []string) error {
		ca, err := signerFromFlags(cmd, "ca-seed")
		if err != nil {
			return err
		}
		allowOpen, _ := cmd.Flags().GetBool("allow-open")
		allowUnknown, _ := cmd.Flags().GetBool("allow-unknown")
		outer, _ := cmd.Flags().GetString("outer")
		return withLink(cmd, func(ctx context.Context, l *link) error {
			cert, err := relay.Mint(ca, l.conn.Binding(), allowOpen, allowUnknown)
			if err != nil {
				return err
			}
			client, err := relay.Request(ctx, l.conn, cert)
			if err != nil {
				return err
			}
			a := client.Assignment
			fmt.Printf("inner %d  outer %d  points %d  retention %s  address %s\n",
				a.InnerRelayID, a.OuterRelayID, a.RelayPoint, client.Retention(), a.RelayNetAddress)
			if outer != "" {
				if _, err := client.SetupOuter(ctx, l.conn, outer); err != nil {
					return err
				}
				fmt.Printf("outer hop set up toward %s\n", outer)
			}
			return nil
		})
	},
}

var adminCmd = &cobra.Command{
	Use:   "admin <path>",
	Short: "Query a node's admin surface",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("profile")
		p, err := loadClientProfile(path)
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, p.AdminURL+"/"+strings.TrimLeft(args[0], "/"), nil)
		if err != nil {
			return err
		}
		if p.AdminToken != "" {
			req.Header.Set("Authorization", "Bearer "+p.AdminToken)
		}
		client := &http.Client{Timeout: p.RequestTimeout}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if _, err := io.Copy(os.Stdout, resp.Body); err != nil {
			return err
		}
		fmt.Println()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("admin %s: %s", args[0], resp.Status)
		}
		return nil
	},
}

func addClientCommands(root *cobra.Command) {
	for _, c := range []*cobra.Command{pingCmd, echoCmd, agreeCmd, getCmd, putCmd, listCmd, relayCmd} {
		c.Flags().String("remote", "", "node address, overriding the profile")
	}
	echoCmd.Flags().Int("size", 0, "bytes of filler data to send")
	echoCmd.Flags().Bool("async", false, "use the async echo responder")
	agreeCmd.Flags().Uint64("block", 0, "max block size")
	agreeCmd.Flags().Uint64("stream", 0, "max stream length")
	agreeCmd.Flags().Uint64("buffer", 0, "stream buffer size")
	agreeCmd.Flags().Duration("retention", 0, "minimum connection retention")
	getCmd.Flags().String("out", "-", "destination file, - for stdout")
	relayCmd.Flags().String("ca-seed", "", "hex seed of the relay certificate authority")
	relayCmd.Flags().String("ca-seed-file", "", "file holding the authority seed")
	relayCmd.Flags().Bool("allow-open", false, "certificate allows open sesami")
	relayCmd.Flags().Bool("allow-unknown", false, "certificate allows unknown incoming peers")
	relayCmd.Flags().String("outer", "", "set up the outer hop toward this endpoint")

	root.AddCommand(pingCmd, echoCmd, agreeCmd, getCmd, putCmd, listCmd, relayCmd, adminCmd)
}
