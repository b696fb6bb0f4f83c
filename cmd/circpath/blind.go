package main

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/cvsouth/tor-circmgr/keymanip"
)

func newBlindCommand() *cobra.Command {
	var (
		at           string
		periodLength int64
		param        string
	)
	cmd := &cobra.Command{
		Use:   "blind <ed25519-pubkey>",
		Short: "Blind an onion service identity key",
		Long: `blind prints the blinded form of an ed25519 public key, given in hex or
base64. By default the blinding parameter is derived for the time period
containing --time; --param supplies it directly instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pk, err := decodeKey(args[0])
			if err != nil {
				return err
			}
			var blinded ed25519.PublicKey
			if param != "" {
				raw, err := hex.DecodeString(param)
				if err != nil || len(raw) != 32 {
					return fmt.Errorf("--param must be 32 hex-encoded bytes")
				}
				blinded, err = keymanip.BlindPubkey(pk, [32]byte(raw))
				if err != nil {
					return err
				}
			} else {
				t := time.Now()
				if at != "" {
					if t, err = time.Parse(time.RFC3339, at); err != nil {
						return fmt.Errorf("--time: %w", err)
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "period %d\n", keymanip.TimePeriod(t, periodLength))
				if blinded, err = keymanip.BlindForPeriod(pk, t, periodLength); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), hex.EncodeToString(blinded))
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "time", "", "RFC 3339 time whose period to use (default now)")
	cmd.Flags().Int64Var(&periodLength, "period-length", keymanip.DefaultTimePeriodLength, "time period length in minutes")
	cmd.Flags().StringVar(&param, "param", "", "hex blinding parameter")
	return cmd
}

func decodeKey(s string) (ed25519.PublicKey, error) {
	if raw, err := hex.DecodeString(s); err == nil && len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key must be 32 bytes in hex or base64")
	}
	return ed25519.PublicKey(raw), nil
}
