// Copyright 2024-2026 Aiku AI

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgehub/pkg/directory"
)

var (
	styleTitle = lipgloss.NewStyle().Bold(true)
	styleOK    = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleErr   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	styleDim   = lipgloss.NewStyle().Faint(true)
)

// promptPassword returns the --password flag value, or reads a line from
// stdin after a prompt.
func promptPassword(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func loginCommand(a *app) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Log into the homeserver and store the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := promptPassword(password)
			if err != nil {
				return err
			}
			creds, err := a.sess.Login(cmd.Context(), args[0], pw)
			if err != nil {
				return err
			}
			if err := saveCredentials(a.credsPath, creds); err != nil {
				return err
			}
			fmt.Println(styleOK.Render("Logged in as ") + string(creds.UserID))
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password (prompted when omitted)")
	return cmd
}

func registerCommand(a *app) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "register <username>",
		Short: "Register a new account and store the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := promptPassword(password)
			if err != nil {
				return err
			}
			creds, err := a.sess.Register(cmd.Context(), args[0], pw)
			if err != nil {
				return err
			}
			if err := saveCredentials(a.credsPath, creds); err != nil {
				return err
			}
			fmt.Println(styleOK.Render("Registered as ") + string(creds.UserID))
			return nil
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password (prompted when omitted)")
	return cmd
}

func logoutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "End the session on the homeserver and forget it locally",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logoutErr := a.sess.Logout(cmd.Context())
			// Stored credentials go away even when the server call failed;
			// the session is already cleared locally.
			if err := clearCredentials(a.credsPath); err != nil {
				return err
			}
			if logoutErr != nil {
				return logoutErr
			}
			fmt.Println(styleOK.Render("Logged out"))
			return nil
		},
	}
}

func roomsCommand(a *app) *cobra.Command {
	var withLast bool
	cmd := &cobra.Command{
		Use:   "rooms",
		Short: "List joined conversations and their bridge links",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			convs, err := a.dir.Conversations(cmd.Context())
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println(styleDim.Render("no joined rooms"))
				return nil
			}
			for _, conv := range convs {
				line := styleTitle.Render(conv.DisplayName)
				if conv.Kind == directory.KindBridged && conv.Bridge != nil {
					tag := conv.Bridge.Protocol
					if conv.Bridge.Network != "" {
						tag += "/" + conv.Bridge.Network
					}
					line += " " + styleOK.Render("["+tag+"]")
				}
				line += " " + styleDim.Render(string(conv.ID))
				fmt.Println(line)
				if withLast {
					body, err := a.dir.LastMessage(cmd.Context(), conv.ID)
					if err == nil && body != "" {
						fmt.Println("  " + styleDim.Render(body))
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&withLast, "last", false, "include the latest message per room")
	return cmd
}

func messagesCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "messages <room-id>",
		Short: "Show recent messages in a room",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, err := a.sess.Require()
			if err != nil {
				return err
			}
			events, err := transport.RoomMessages(cmd.Context(), id.RoomID(args[0]), limit)
			if err != nil {
				return err
			}
			// Newest first from the server; print oldest first.
			for i := len(events) - 1; i >= 0; i-- {
				evt := events[i]
				if evt.Body == "" {
					continue
				}
				fmt.Printf("%s %s\n", styleDim.Render(string(evt.Sender)), evt.Body)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of messages")
	return cmd
}

func sendCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "send <room-id> <text>...",
		Short: "Send a text message to a room",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			transport, err := a.sess.Require()
			if err != nil {
				return err
			}
			roomID := id.RoomID(args[0])
			text := strings.Join(args[1:], " ")
			if err := transport.SendText(cmd.Context(), roomID, text); err != nil {
				return err
			}
			fmt.Println(styleOK.Render("Sent to ") + string(roomID))
			return nil
		},
	}
}

func bridgesCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "bridges",
		Short: "List bridge protocols and their availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.registry.Refresh(cmd.Context()); err != nil {
				return err
			}
			for _, desc := range a.registry.Descriptors() {
				status := styleErr.Render("unavailable")
				if desc.Available {
					status = styleOK.Render("available")
				}
				fmt.Printf("%s  %s  %s\n",
					styleTitle.Render(desc.Protocol), status, styleDim.Render(desc.Description))
				if len(desc.Networks) > 0 {
					fmt.Println("  networks: " + strings.Join(desc.Networks, ", "))
				}
				if !desc.Available {
					fmt.Println("  " + styleDim.Render(desc.SetupInstructions))
				}
			}
			return nil
		},
	}
}

func platformsCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "platforms",
		Short: "List connected bridge platforms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			platforms, err := a.view.Connected(cmd.Context())
			if err != nil {
				return err
			}
			if len(platforms) == 0 {
				fmt.Println(styleDim.Render("no connected platforms"))
				return nil
			}
			for _, p := range platforms {
				fmt.Println(styleOK.Render(p.Protocol) + " " + styleDim.Render(string(p.RoomID)))
			}
			return nil
		},
	}
}
