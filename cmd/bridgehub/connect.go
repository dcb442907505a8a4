// Copyright 2024-2026 Aiku AI

package main

import (
	"errors"
	"fmt"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/aiku/bridgehub/pkg/bridge"
)

func connectCommand(a *app) *cobra.Command {
	var (
		network string
		address string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "connect <protocol>",
		Short: "Connect a bridge platform (discord, whatsapp, telegram, signal, irc)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			protocol := args[0]

			if err := a.registry.Refresh(ctx); err != nil {
				return err
			}

			_, err := a.orch.Connect(ctx, bridge.Request{
				Protocol: protocol,
				Network:  network,
				Address:  address,
				Timeout:  timeout,
			})
			var setupErr *bridge.SetupError
			if errors.As(err, &setupErr) {
				fmt.Println(styleErr.Render(setupErr.Error()))
				fmt.Println(setupErr.Instructions)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s %s\n", styleTitle.Render("Connecting"), protocol)

			for {
				select {
				case n := <-a.notifier.C:
					if n.Protocol != protocol {
						continue
					}
					switch n.Kind {
					case bridge.NotifyArtifact:
						renderArtifact(n.Payload)
					case bridge.NotifyConnected:
						fmt.Println(styleOK.Render("Connected ") + protocol)
						return nil
					case bridge.NotifyFailed:
						return fmt.Errorf("%s: %s", protocol, n.Reason)
					}
				case <-ctx.Done():
					a.orch.Cancel(protocol)
					return ctx.Err()
				}
			}
		},
	}
	cmd.Flags().StringVar(&network, "network", "", "sub-network for protocols that have them (e.g. irc)")
	cmd.Flags().StringVar(&address, "address", "", "account handle (telegram username, signal phone number)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "confirmation timeout (0 uses the configured default)")
	return cmd
}

// renderArtifact shows a bot-provided pairing payload. QR-encodable payloads
// are drawn as a terminal QR code for scanning from the phone app.
func renderArtifact(payload string) {
	fmt.Println(styleTitle.Render("Scan to link:"))
	qr, err := qrcode.New(payload, qrcode.Medium)
	if err != nil {
		fmt.Println(payload)
		return
	}
	fmt.Print(qr.ToSmallString(false))
}
