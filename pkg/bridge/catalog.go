// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// MarkerOutcome is what a matched marker means for the attempt.
type MarkerOutcome int

const (
	// OutcomeArtifact delivers an intermediate artifact (QR payload)
	// without changing the attempt state.
	OutcomeArtifact MarkerOutcome = iota
	// OutcomeSuccess drives the attempt to connected.
	OutcomeSuccess
	// OutcomeFailure drives the attempt to failed.
	OutcomeFailure
)

// Marker is one substring pattern on inbound bot replies. Markers are
// evaluated in declaration order, case-sensitive, first match wins. There
// is no structured bridge-bot protocol; free-text matching is the actual
// contract these bots offer.
type Marker struct {
	Substring string
	Outcome   MarkerOutcome
}

// Descriptor is one catalog entry for a bridge protocol. Immutable except
// for Available, which the registry recomputes from the homeserver's
// supported-protocol report.
type Descriptor struct {
	Protocol    string
	Name        string
	Description string
	// Networks is the ordered sub-network list, empty for protocols
	// without a network selector.
	Networks []string
	// Available is recomputed on every registry refresh.
	Available bool
	// DefaultAvailable marks protocols usable without the homeserver
	// reporting them (e.g. the built-in IRC appservice).
	DefaultAvailable  bool
	SetupInstructions string

	// RequiresNetwork rejects connect requests without a network selection.
	RequiresNetwork bool
	// RequiresAddress rejects connect requests without a protocol-specific
	// address (Telegram username, Signal phone number).
	RequiresAddress bool
	AddressHint     string

	// BotUserID is invited into the bridge room on creation, when known.
	BotUserID id.UserID
	// ControlRoomAlias is the well-known room some bots use for
	// connection-wide commands and confirmations.
	ControlRoomAlias string
	// PostSuccessCommand is sent best-effort after a success marker
	// (e.g. the WhatsApp chat sync command). Its failure never changes
	// the attempt's terminal state.
	PostSuccessCommand string

	Markers []Marker
}

// MatchMarker returns the first marker whose substring occurs in body.
// Matching is case-sensitive.
func (d *Descriptor) MatchMarker(body string) (Marker, bool) {
	for _, m := range d.Markers {
		if m.Substring != "" && strings.Contains(body, m.Substring) {
			return m, true
		}
	}
	return Marker{}, false
}

// LinkCommand builds the protocol-specific command sent to the bridge bot.
// The network is included only for protocols with a network selector; the
// address carries the Telegram username or Signal phone number.
func (d *Descriptor) LinkCommand(network, address string) string {
	switch d.Protocol {
	case ProtocolDiscord:
		return "!discord link"
	case ProtocolWhatsApp:
		return "!wa link"
	case ProtocolTelegram:
		return fmt.Sprintf("!tg login %s", address)
	case ProtocolSignal:
		return fmt.Sprintf("!signal link %s", address)
	default:
		if len(d.Networks) > 0 && network != "" {
			return fmt.Sprintf("!%s link %s", d.Protocol, network)
		}
		return fmt.Sprintf("!%s link", d.Protocol)
	}
}

// Known protocol keys.
const (
	ProtocolDiscord  = "discord"
	ProtocolWhatsApp = "whatsapp"
	ProtocolTelegram = "telegram"
	ProtocolSignal   = "signal"
	ProtocolIRC      = "irc"
)

// genericMarkers cover protocols the catalog doesn't know. Bridge bots
// overwhelmingly phrase their replies this way.
var genericMarkers = []Marker{
	{Substring: "Successfully", Outcome: OutcomeSuccess},
	{Substring: "Failed", Outcome: OutcomeFailure},
	{Substring: "Error", Outcome: OutcomeFailure},
}

// catalog is the static descriptor list in display order. Copied on
// registry construction so refreshes never mutate package state.
var catalog = []Descriptor{
	{
		Protocol:    ProtocolDiscord,
		Name:        "Discord",
		Description: "Bridge Discord servers and DMs into your chats",
		SetupInstructions: "Invite the Discord bridge bot to your homeserver, then run connect again. " +
			"You will authorize the link from your Discord client.",
		BotUserID: "@discordbot:matrix.org",
		Markers: []Marker{
			{Substring: "Successfully linked", Outcome: OutcomeSuccess},
			{Substring: "Failed to link", Outcome: OutcomeFailure},
			{Substring: "Error", Outcome: OutcomeFailure},
		},
	},
	{
		Protocol:    ProtocolWhatsApp,
		Name:        "WhatsApp",
		Description: "Bridge WhatsApp chats by scanning a QR code from your phone",
		SetupInstructions: "The WhatsApp bridge needs the mautrix-whatsapp appservice on your homeserver. " +
			"Once connected you will be shown a QR code to scan.",
		BotUserID:          "@whatsappbot:matrix.org",
		ControlRoomAlias:   "#whatsapp:matrix.org",
		PostSuccessCommand: "!wa sync",
		Markers: []Marker{
			{Substring: "QR code", Outcome: OutcomeArtifact},
			{Substring: "Successfully logged in", Outcome: OutcomeSuccess},
			{Substring: "Failed to log in", Outcome: OutcomeFailure},
			{Substring: "timed out", Outcome: OutcomeFailure},
		},
	},
	{
		Protocol:        ProtocolTelegram,
		Name:            "Telegram",
		Description:     "Bridge Telegram chats using your Telegram username",
		RequiresAddress: true,
		AddressHint:     "Telegram username",
		SetupInstructions: "The Telegram bridge needs the mautrix-telegram appservice on your homeserver. " +
			"Connecting requires your Telegram username.",
		BotUserID: "@telegrambot:matrix.org",
		Markers: []Marker{
			{Substring: "Successfully logged in", Outcome: OutcomeSuccess},
			{Substring: "Failed", Outcome: OutcomeFailure},
		},
	},
	{
		Protocol:        ProtocolSignal,
		Name:            "Signal",
		Description:     "Bridge Signal conversations using your phone number",
		RequiresAddress: true,
		AddressHint:     "phone number",
		SetupInstructions: "The Signal bridge needs the mautrix-signal appservice on your homeserver. " +
			"Connecting requires the phone number registered with Signal.",
		BotUserID: "@signalbot:matrix.org",
		Markers: []Marker{
			{Substring: "Successfully linked", Outcome: OutcomeSuccess},
			{Substring: "Failed", Outcome: OutcomeFailure},
		},
	},
	{
		Protocol:         ProtocolIRC,
		Name:             "IRC",
		Description:      "Bridge IRC channels on well-known networks",
		Networks:         []string{"libera", "oftc", "hackint"},
		RequiresNetwork:  true,
		DefaultAvailable: true,
		SetupInstructions: "IRC bridging is provided by the built-in appservice; pick a network " +
			"and connect.",
		BotUserID: "@appservice-irc:matrix.org",
		Markers: []Marker{
			{Substring: "Connected to", Outcome: OutcomeSuccess},
			{Substring: "Failed to connect", Outcome: OutcomeFailure},
		},
	},
}
