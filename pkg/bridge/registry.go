// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aiku/bridgehub/pkg/session"
)

// Registry merges the static protocol catalog with what the homeserver
// actually reports as supported. The catalog is an enrichment, not a
// filter: unknown homeserver protocols are surfaced too, and catalog
// entries the homeserver doesn't know stay listed as unavailable so their
// setup instructions can be shown.
type Registry struct {
	sess *session.Session
	log  zerolog.Logger

	mu sync.Mutex
	// known holds catalog entries in catalog order; learned holds
	// homeserver-only protocols in sorted report order.
	known   []Descriptor
	learned []Descriptor
}

// NewRegistry creates a registry seeded from the static catalog. Entries
// start with their default availability; call Refresh to fold in the
// homeserver's report.
func NewRegistry(sess *session.Session, log zerolog.Logger) *Registry {
	known := make([]Descriptor, len(catalog))
	copy(known, catalog)
	for i := range known {
		known[i].Available = known[i].DefaultAvailable
	}
	return &Registry{
		sess:  sess,
		log:   log.With().Str("component", "bridge_registry").Logger(),
		known: known,
	}
}

// Refresh fetches the homeserver's supported third-party protocols and
// recomputes availability. A protocol is available if the homeserver
// reports it or the catalog marks it available by default.
func (r *Registry) Refresh(ctx context.Context) error {
	transport, err := r.sess.Require()
	if err != nil {
		return err
	}
	supported, err := transport.ThirdPartyProtocols(ctx)
	if err != nil {
		return fmt.Errorf("fetch supported protocols: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(r.known))
	for i := range r.known {
		d := &r.known[i]
		seen[d.Protocol] = struct{}{}
		_, reported := supported[d.Protocol]
		d.Available = reported || d.DefaultAvailable
	}

	// Surface protocols the homeserver supports but the catalog doesn't
	// know, with homeserver-provided naming and generic markers. Sorted
	// for a stable order across refreshes.
	keys := make([]string, 0, len(supported))
	for key := range supported {
		if _, ok := seen[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	r.learned = r.learned[:0]
	for _, key := range keys {
		info := supported[key]
		d := Descriptor{
			Protocol:          key,
			Name:              titleCase(key),
			Description:       fmt.Sprintf("Bridge %s conversations (reported by your homeserver)", titleCase(key)),
			Available:         true,
			SetupInstructions: fmt.Sprintf("Your homeserver supports the %s bridge; connect to link an account.", key),
			Markers:           genericMarkers,
		}
		for _, inst := range info.Instances {
			network := inst.NetworkID
			if network == "" {
				network = inst.Desc
			}
			if network != "" {
				d.Networks = append(d.Networks, network)
			}
		}
		r.learned = append(r.learned, d)
	}

	r.log.Info().
		Int("reported", len(supported)).
		Int("learned", len(r.learned)).
		Msg("Refreshed bridge availability")
	return nil
}

// Descriptors returns all known descriptors: catalog entries in catalog
// order, then homeserver-learned ones in report order. Stable across calls
// given stable inputs.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, 0, len(r.known)+len(r.learned))
	out = append(out, r.known...)
	out = append(out, r.learned...)
	return out
}

// Descriptor looks up a protocol by key.
func (r *Registry) Descriptor(protocol string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.known {
		if d.Protocol == protocol {
			return d, true
		}
	}
	for _, d := range r.learned {
		if d.Protocol == protocol {
			return d, true
		}
	}
	return Descriptor{}, false
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
