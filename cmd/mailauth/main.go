// Command mailauth authenticates mail from the command line: verify runs
// the full SPF/DKIM/ARC/DMARC pipeline over a message, sign adds a DKIM
// signature, and spf checks a single session without a message.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/inboundmx/mailauth"
	"github.com/inboundmx/mailauth/authres"
	"github.com/inboundmx/mailauth/dkim"
	"github.com/inboundmx/mailauth/dns"
	"github.com/inboundmx/mailauth/message"
	"github.com/inboundmx/mailauth/signing"
	"github.com/inboundmx/mailauth/spf"
)

var (
	nameservers []string
	dnssec      bool
	verbose     bool
)

var rootCmd = &cobra.Command{
	Use:           "mailauth",
	Short:         "email authentication toolbox (SPF, DKIM, ARC, DMARC)",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func newResolver() dns.Resolver {
	resolver := dns.NewResolver(dns.ResolverConfig{
		Nameservers: nameservers,
		DNSSEC:      dnssec,
	})
	return dns.NewCache(resolver, dns.CacheConfig{})
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func readMessage(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func verifyCmd() *cobra.Command {
	var (
		remoteIP   string
		helo       string
		mailFrom   string
		authServID string
	)

	cmd := &cobra.Command{
		Use:   "verify <message-file>",
		Short: "run SPF, DKIM, ARC and DMARC over a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readMessage(args[0])
			if err != nil {
				return err
			}

			ip := net.ParseIP(remoteIP)
			if ip == nil {
				return fmt.Errorf("invalid --ip %q", remoteIP)
			}
			if authServID == "" {
				authServID, _ = os.Hostname()
			}

			logger := newLogger()
			verifier := &mailauth.Verifier{
				Resolver:   newResolver(),
				AuthServID: authServID,
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			result, err := verifier.Verify(ctx, raw, message.Envelope{
				RemoteIP: ip,
				HELO:     helo,
				MailFrom: mailFrom,
			})
			if err != nil {
				return err
			}

			logger.Debug("pipeline finished",
				"from_domain", result.FromDomain,
				"spf", result.SPF.Status,
				"dkim_signatures", len(result.DKIM),
				"arc", result.ARC.Status,
				"dmarc", result.DMARC.Status)

			fmt.Printf("Authentication-Results: %s\n", result.Header.Render())

			if result.DMARC.Reject {
				fmt.Fprintln(os.Stderr, "dmarc: policy asks for rejection")
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&remoteIP, "ip", "", "connecting client IP (required)")
	cmd.Flags().StringVar(&helo, "helo", "", "EHLO/HELO hostname")
	cmd.Flags().StringVar(&mailFrom, "mail-from", "", "RFC5321.MailFrom address, empty for bounces")
	cmd.Flags().StringVar(&authServID, "authserv-id", "", "authserv-id for the header (default: hostname)")
	cmd.MarkFlagRequired("ip")

	return cmd
}

func signCmd() *cobra.Command {
	var (
		keyPath  string
		domain   string
		selector string
		headers  []string
	)

	cmd := &cobra.Command{
		Use:   "sign <message-file>",
		Short: "add a DKIM signature and print the signed message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readMessage(args[0])
			if err != nil {
				return err
			}

			pem, err := os.ReadFile(keyPath)
			if err != nil {
				return err
			}
			key, err := signing.ParsePrivateKeyPEM(pem)
			if err != nil {
				return err
			}

			signer := dkim.Signer{
				Domain:     domain,
				Selector:   selector,
				PrivateKey: key,
				Headers:    headers,
			}
			header, err := signer.Sign(raw)
			if err != nil {
				return err
			}

			os.Stdout.WriteString(header)
			os.Stdout.Write(raw)
			return nil
		},
	}

	cmd.Flags().StringVar(&keyPath, "key", "", "PEM private key file (required)")
	cmd.Flags().StringVar(&domain, "domain", "", "signing domain, d= (required)")
	cmd.Flags().StringVar(&selector, "selector", "", "key selector, s= (required)")
	cmd.Flags().StringSliceVar(&headers, "headers", nil, "headers to sign (default: common set)")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("domain")
	cmd.MarkFlagRequired("selector")

	return cmd
}

func spfCmd() *cobra.Command {
	var (
		remoteIP string
		helo     string
		mailFrom string
	)

	cmd := &cobra.Command{
		Use:   "spf",
		Short: "evaluate SPF for one session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ip := net.ParseIP(remoteIP)
			if ip == nil {
				return fmt.Errorf("invalid --ip %q", remoteIP)
			}

			env := message.Envelope{RemoteIP: ip, HELO: helo, MailFrom: mailFrom}

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			result := spf.Verify(ctx, newResolver(), spf.Args{
				RemoteIP:       ip,
				MailFromDomain: env.MailFromDomain(),
				HelloDomain:    helo,
				Logger:         newLogger(),
			})

			fmt.Printf("result: %s\n", result.Status)
			if result.Mechanism != "" {
				fmt.Printf("mechanism: %s\n", result.Mechanism)
			}
			if result.Explanation != "" {
				fmt.Printf("explanation: %s\n", result.Explanation)
			}
			if result.Err != nil {
				fmt.Printf("error: %v\n", result.Err)
			}

			if result.Status == authres.StatusFail {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&remoteIP, "ip", "", "connecting client IP (required)")
	cmd.Flags().StringVar(&helo, "helo", "", "EHLO/HELO hostname")
	cmd.Flags().StringVar(&mailFrom, "mail-from", "", "RFC5321.MailFrom address")
	cmd.MarkFlagRequired("ip")

	return cmd
}

func main() {
	rootCmd.PersistentFlags().StringSliceVar(&nameservers, "nameserver", nil, "DNS server host:port (default: resolv.conf)")
	rootCmd.PersistentFlags().BoolVar(&dnssec, "dnssec", false, "request DNSSEC validation (AD bit)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(verifyCmd(), signCmd(), spfCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
