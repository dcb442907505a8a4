// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge orchestrates bot-mediated bridge connections from a
// Matrix session to external messaging platforms.
//
// # Core Types
//
// [Registry] merges a static protocol catalog (Discord, WhatsApp, Telegram,
// Signal, IRC) with the homeserver's supported third-party protocol report.
// Catalog entries the homeserver doesn't support stay listed as unavailable
// so their setup instructions can be shown; protocols only the homeserver
// knows are surfaced with generic markers and commands.
//
// [Orchestrator] is the connection state machine. An accepted request moves
// through pending, room-created and awaiting-confirmation before reaching a
// terminal connected or failed state. Confirmation is event-driven: the
// orchestrator subscribes to the bridge room's timeline (plus a well-known
// control room for protocols that confirm out-of-band) and matches inbound
// message bodies against the descriptor's ordered marker list. Artifact
// markers (WhatsApp QR codes) are emitted to the UI without changing state.
//
// [View] lists the confirmed platforms by scanning joined rooms for
// m.bridge state markers, merged with just-connected attempts so a
// confirmation is visible without waiting for the bot to publish state.
//
// Marker matching is substring-based on free-text bot replies. That is
// fragile, but it is the contract the bridge bots actually offer; no
// structured confirmation protocol exists to target instead.
package bridge
