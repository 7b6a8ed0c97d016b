// Package channel tracks named voice channels, their media keys, and live
// membership. Channels are created on demand, keep the same key for the
// lifetime of the process, and stay listed after the last member leaves.
package channel

import (
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"sync"

	"github.com/gujial/voicePhone/internal/crypto"
	"github.com/gujial/voicePhone/internal/protocol"
)

// Member is one authenticated control connection as the registry sees it.
type Member interface {
	// Username returns the authenticated username.
	Username() string
	// SendClear writes a plaintext control frame to the client.
	SendClear(msg protocol.Message)
	// VoiceEndpoint returns the client's registered media address.
	VoiceEndpoint() (netip.AddrPort, bool)
}

type state struct {
	key     []byte
	members map[Member]struct{}
}

// Registry is the in-memory channel table.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*state
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{channels: make(map[string]*state)}
}

// Ensure returns the media key for name, creating the channel with a fresh
// key when it does not exist yet. The key never changes afterwards.
func (r *Registry) Ensure(name string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.ensureLocked(name)
	if err != nil {
		return nil, err
	}
	return st.key, nil
}

func (r *Registry) ensureLocked(name string) (*state, error) {
	if st, ok := r.channels[name]; ok {
		return st, nil
	}
	key, err := crypto.NewKey()
	if err != nil {
		return nil, fmt.Errorf("generate channel key: %w", err)
	}
	st := &state{key: key, members: make(map[Member]struct{})}
	r.channels[name] = st

	slog.Info("channel created", "channel", name, "total_channels", len(r.channels))
	return st, nil
}

// Join adds m to name, creating the channel if needed.
func (r *Registry) Join(name string, m Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.ensureLocked(name)
	if err != nil {
		return err
	}
	st.members[m] = struct{}{}

	slog.Debug("member joined", "channel", name, "username", m.Username(), "members", len(st.members))
	return nil
}

// Leave removes m from name and reports whether it was a member. The channel
// itself persists, key included, even when it empties out.
func (r *Registry) Leave(name string, m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.channels[name]
	if !ok {
		return false
	}
	if _, ok := st.members[m]; !ok {
		return false
	}
	delete(st.members, m)

	slog.Debug("member left", "channel", name, "username", m.Username(), "members", len(st.members))
	return true
}

// Key returns the media key of an existing channel.
func (r *Registry) Key(name string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.channels[name]
	if !ok {
		return nil, false
	}
	return st.key, true
}

// Members returns a snapshot of the membership of name.
func (r *Registry) Members(name string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.channels[name]
	if !ok {
		return nil
	}
	out := make([]Member, 0, len(st.members))
	for m := range st.members {
		out = append(out, m)
	}
	return out
}

// MemberNames returns the usernames in name, sorted.
func (r *Registry) MemberNames(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.channels[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(st.members))
	for m := range st.members {
		out = append(out, m.Username())
	}
	sort.Strings(out)
	return out
}

// Snapshot returns every channel with its member count, sorted by name.
func (r *Registry) Snapshot() []protocol.ChannelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.ChannelInfo, 0, len(r.channels))
	for name, st := range r.channels {
		out = append(out, protocol.ChannelInfo{Name: name, UserCount: len(st.members)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Count returns the number of channels.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Broadcast sends msg in clear to every member of name except exceptMember.
// Targets are collected under the read lock and written to after it is
// released so a slow client cannot stall the registry.
func (r *Registry) Broadcast(name string, msg protocol.Message, exceptMember Member) {
	r.mu.RLock()
	var targets []Member
	if st, ok := r.channels[name]; ok {
		targets = make([]Member, 0, len(st.members))
		for m := range st.members {
			if exceptMember != nil && m == exceptMember {
				continue
			}
			targets = append(targets, m)
		}
	}
	r.mu.RUnlock()

	for _, m := range targets {
		m.SendClear(msg)
	}
	slog.Debug("channel broadcast", "type", msg.Type, "channel", name, "recipients", len(targets))
}
