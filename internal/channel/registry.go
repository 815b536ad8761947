// Package channel maps connections to named channels and fans envelopes out
// to channel members.
package channel

import (
	"sort"
	"strings"
	"sync"

	"github.com/nmxmxh/iot-realtime/internal/event"
	"github.com/nmxmxh/iot-realtime/pkg/metrics"
	"go.uber.org/zap"
)

// Name identifies a channel.
type Name string

const (
	// Dashboard receives aggregate traffic for every device.
	Dashboard Name = "dashboard"
	// All addresses every registered connection regardless of membership.
	All Name = "*"

	devicePrefix = "device-"
)

// ForDevice returns the channel for a single device.
func ForDevice(deviceID string) Name {
	return Name(devicePrefix + deviceID)
}

// DeviceID returns the device id of a device channel.
func (n Name) DeviceID() (string, bool) {
	if !strings.HasPrefix(string(n), devicePrefix) {
		return "", false
	}
	return strings.TrimPrefix(string(n), devicePrefix), true
}

// Kind is the metrics label for a channel.
func (n Name) Kind() string {
	if _, ok := n.DeviceID(); ok {
		return "device"
	}
	return string(n)
}

// Subscriber is a connection that can receive envelopes. Deliver must not block;
// it reports whether the envelope was queued.
type Subscriber interface {
	ID() string
	Deliver(env event.Envelope) bool
}

// RelayFunc observes every non-local broadcast after local delivery.
type RelayFunc func(ch Name, env event.Envelope)

type member struct {
	sub      Subscriber
	channels map[Name]struct{}
}

// Registry tracks channel membership. Membership changes take the write lock;
// broadcasts snapshot members under the read lock and deliver outside it.
type Registry struct {
	log *zap.Logger

	mu       sync.RWMutex
	channels map[Name]map[string]Subscriber
	members  map[string]*member

	relayMu sync.RWMutex
	relay   RelayFunc
}

// New creates an empty registry.
func New(log *zap.Logger) *Registry {
	return &Registry{
		log:      log.With(zap.String("module", "channel")),
		channels: make(map[Name]map[string]Subscriber),
		members:  make(map[string]*member),
	}
}

// SetRelay installs fn to replicate broadcasts elsewhere, such as other processes.
func (r *Registry) SetRelay(fn RelayFunc) {
	r.relayMu.Lock()
	r.relay = fn
	r.relayMu.Unlock()
}

// Register makes sub addressable by Send and BroadcastAll. Join registers implicitly.
func (r *Registry) Register(sub Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.register(sub)
}

func (r *Registry) register(sub Subscriber) *member {
	m, ok := r.members[sub.ID()]
	if !ok {
		m = &member{sub: sub, channels: make(map[Name]struct{})}
		r.members[sub.ID()] = m
	}
	return m
}

// Join adds sub to ch. Joining twice has no further effect.
func (r *Registry) Join(sub Subscriber, ch Name) {
	if ch == "" || ch == All {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.register(sub)
	if _, ok := m.channels[ch]; ok {
		return
	}
	m.channels[ch] = struct{}{}

	set, ok := r.channels[ch]
	if !ok {
		set = make(map[string]Subscriber)
		r.channels[ch] = set
	}
	set[sub.ID()] = sub
	metrics.ChannelMembers.WithLabelValues(ch.Kind()).Inc()
	r.log.Debug("joined channel", zap.String("connection_id", sub.ID()), zap.String("channel", string(ch)))
}

// Leave removes connID from ch and reports whether it was a member.
func (r *Registry) Leave(connID string, ch Name) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leave(connID, ch)
}

func (r *Registry) leave(connID string, ch Name) bool {
	m, ok := r.members[connID]
	if !ok {
		return false
	}
	if _, joined := m.channels[ch]; !joined {
		return false
	}
	delete(m.channels, ch)

	if set, ok := r.channels[ch]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.channels, ch)
		}
	}
	metrics.ChannelMembers.WithLabelValues(ch.Kind()).Dec()
	r.log.Debug("left channel", zap.String("connection_id", connID), zap.String("channel", string(ch)))
	return true
}

// RemoveConnection drops connID from every channel and returns the channels it left.
func (r *Registry) RemoveConnection(connID string) []Name {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.members[connID]
	if !ok {
		return nil
	}
	left := make([]Name, 0, len(m.channels))
	for ch := range m.channels {
		left = append(left, ch)
	}
	for _, ch := range left {
		r.leave(connID, ch)
	}
	delete(r.members, connID)

	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })
	return left
}

// Broadcast delivers env to every member of ch, then relays it. It returns the
// number of local subscribers that accepted the envelope.
func (r *Registry) Broadcast(ch Name, env event.Envelope) int {
	n := r.deliver(ch, env, "")
	r.relayMu.RLock()
	relay := r.relay
	r.relayMu.RUnlock()
	if relay != nil {
		relay(ch, env)
	}
	return n
}

// BroadcastExcept is Broadcast without delivering to the connection exclude.
func (r *Registry) BroadcastExcept(ch Name, env event.Envelope, exclude string) int {
	n := r.deliver(ch, env, exclude)
	r.relayMu.RLock()
	relay := r.relay
	r.relayMu.RUnlock()
	if relay != nil {
		relay(ch, env)
	}
	return n
}

// BroadcastAll delivers env to every registered connection.
func (r *Registry) BroadcastAll(env event.Envelope) int {
	return r.Broadcast(All, env)
}

// BroadcastLocal delivers without relaying. Use it for envelopes that arrived
// from a relay.
func (r *Registry) BroadcastLocal(ch Name, env event.Envelope) int {
	return r.deliver(ch, env, "")
}

// Send delivers env to a single connection.
func (r *Registry) Send(connID string, env event.Envelope) bool {
	r.mu.RLock()
	m, ok := r.members[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if !m.sub.Deliver(env) {
		return false
	}
	metrics.Envelopes.WithLabelValues(string(env.Type)).Inc()
	return true
}

func (r *Registry) deliver(ch Name, env event.Envelope, exclude string) int {
	targets := r.snapshot(ch)
	delivered := 0
	for _, sub := range targets {
		if sub.ID() == exclude {
			continue
		}
		if sub.Deliver(env) {
			delivered++
		}
	}
	if delivered > 0 {
		metrics.Envelopes.WithLabelValues(string(env.Type)).Add(float64(delivered))
	}
	return delivered
}

func (r *Registry) snapshot(ch Name) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if ch == All {
		out := make([]Subscriber, 0, len(r.members))
		for _, m := range r.members {
			out = append(out, m.sub)
		}
		return out
	}
	set := r.channels[ch]
	out := make([]Subscriber, 0, len(set))
	for _, sub := range set {
		out = append(out, sub)
	}
	return out
}

// Members returns the sorted connection ids in ch.
func (r *Registry) Members(ch Name) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.channels[ch]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Count returns the number of members in ch.
func (r *Registry) Count(ch Name) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels[ch])
}

// Channels returns the sorted channels connID belongs to.
func (r *Registry) Channels(connID string) []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.members[connID]
	if !ok {
		return nil
	}
	out := make([]Name, 0, len(m.channels))
	for ch := range m.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Connections returns the number of registered connections.
func (r *Registry) Connections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}
