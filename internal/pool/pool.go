// Package pool shares one exchange client per credential across every tenant that trades with
// it. Clients are reference counted by tenant id and closed when the last owner leaves.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"futuresfleet/internal/credential"
	"futuresfleet/logger"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("client pool closed")

// Client is what the pool manages. Alive reports false once the underlying connection is
// known to be dead, which makes the next Acquire rebuild it.
type Client interface {
	Alive() bool
	Close() error
}

// Factory builds and connects a client for a credential.
type Factory[C Client] func(ctx context.Context, cred credential.Credential) (C, error)

type entry[C Client] struct {
	client   C
	owners   map[string]struct{}
	lastUsed time.Time
}

// dial is an in-flight client construction for one fingerprint. Tenants that arrive while it
// runs wait on done; owners collects tenants that were registered on a dead client.
type dial struct {
	done   chan struct{}
	owners map[string]struct{}
}

// Pool maps credential fingerprints to shared clients. Map and owner-set mutations happen
// under one mutex. Clients are built outside of it, one dial per fingerprint at a time, so a
// slow exchange for one credential never holds up another.
type Pool[C Client] struct {
	factory Factory[C]
	idleTTL time.Duration
	log     *logger.Log
	now     func() time.Time
	onEvict func(fingerprint string)

	mu      sync.Mutex
	entries map[string]*entry[C]
	dialing map[string]*dial
	closed  bool
}

type Option[C Client] func(*Pool[C])

func WithClock[C Client](now func() time.Time) Option[C] {
	return func(p *Pool[C]) { p.now = now }
}

// WithEvictHook runs after a fingerprint's client has been closed and removed.
func WithEvictHook[C Client](fn func(fingerprint string)) Option[C] {
	return func(p *Pool[C]) { p.onEvict = fn }
}

func New[C Client](factory Factory[C], idleTTL time.Duration, log *logger.Log, opts ...Option[C]) *Pool[C] {
	if log == nil {
		log = logger.GetLogger()
	}
	p := &Pool[C]{
		factory: factory,
		idleTTL: idleTTL,
		log:     log,
		now:     time.Now,
		entries: make(map[string]*entry[C]),
		dialing: make(map[string]*dial),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns the shared client for cred and registers tenantID as an owner. Concurrent
// acquires on one fingerprint share a single dial.
func (p *Pool[C]) Acquire(ctx context.Context, tenantID string, cred credential.Credential) (C, error) {
	var zero C
	fp := cred.Fingerprint()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return zero, ErrClosed
		}
		if d, ok := p.dialing[fp]; ok {
			p.mu.Unlock()
			select {
			case <-d.done:
				continue
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}

		d := &dial{done: make(chan struct{}), owners: map[string]struct{}{}}
		var dead C
		reconnect := false
		if e, ok := p.entries[fp]; ok {
			if e.client.Alive() {
				e.owners[tenantID] = struct{}{}
				e.lastUsed = p.now()
				p.mu.Unlock()
				return e.client, nil
			}
			dead, reconnect = e.client, true
			d.owners = e.owners
			delete(p.entries, fp)
		}
		p.dialing[fp] = d
		p.mu.Unlock()

		if reconnect {
			p.log.WithComponent("pool").WithUser(tenantID, fp).Warn("shared client is dead, reconnecting")
			if err := dead.Close(); err != nil {
				p.log.WithComponent("pool").WithError(err).Debug("closing dead client")
			}
		}
		return p.finishDial(ctx, fp, tenantID, cred, d, reconnect)
	}
}

func (p *Pool[C]) finishDial(ctx context.Context, fp, tenantID string, cred credential.Credential, d *dial, reconnect bool) (C, error) {
	var zero C
	client, err := p.factory(ctx, cred)

	p.mu.Lock()
	delete(p.dialing, fp)
	close(d.done)
	if err != nil {
		p.mu.Unlock()
		if reconnect {
			return zero, fmt.Errorf("reconnect shared client: %w", err)
		}
		return zero, fmt.Errorf("create shared client: %w", err)
	}
	if p.closed {
		p.mu.Unlock()
		p.closeClient(fp, client, "pool closed")
		return zero, ErrClosed
	}
	d.owners[tenantID] = struct{}{}
	p.entries[fp] = &entry[C]{client: client, owners: d.owners, lastUsed: p.now()}
	p.mu.Unlock()

	if !reconnect {
		p.log.WithComponent("pool").WithUser(tenantID, fp).Info("shared client created")
	}
	return client, nil
}

// Touch marks the client of cred as used now.
func (p *Pool[C]) Touch(cred credential.Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[cred.Fingerprint()]; ok {
		e.lastUsed = p.now()
	}
}

// Release drops tenantID from the owners of cred's client and closes it when none are left.
// Releasing an unknown tenant or fingerprint is a no-op.
func (p *Pool[C]) Release(tenantID string, cred credential.Credential) {
	fp := cred.Fingerprint()

	p.mu.Lock()
	if d, ok := p.dialing[fp]; ok {
		delete(d.owners, tenantID)
	}
	e, ok := p.entries[fp]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(e.owners, tenantID)
	if len(e.owners) > 0 {
		e.lastUsed = p.now()
		p.mu.Unlock()
		return
	}
	delete(p.entries, fp)
	p.mu.Unlock()

	p.closeClient(fp, e.client, "no owners left")
}

// Sweep closes clients idle for longer than the TTL, owners or not, and returns how many it
// evicted. A sweep is the backstop for owners that were never released.
func (p *Pool[C]) Sweep() int {
	now := p.now()
	type victim struct {
		fp     string
		client C
		owners int
	}
	var victims []victim

	p.mu.Lock()
	for fp, e := range p.entries {
		if now.Sub(e.lastUsed) > p.idleTTL {
			victims = append(victims, victim{fp: fp, client: e.client, owners: len(e.owners)})
			delete(p.entries, fp)
		}
	}
	p.mu.Unlock()

	for _, v := range victims {
		if v.owners > 0 {
			p.log.WithComponent("pool").WithFields(logger.Fields{
				"fingerprint": logger.ShortFingerprint(v.fp),
				"owners":      v.owners,
			}).Warn("evicting idle client that still has owners")
		}
		p.closeClient(v.fp, v.client, "idle")
	}
	return len(victims)
}

// Close shuts every client and refuses further acquires.
func (p *Pool[C]) Close() {
	p.mu.Lock()
	p.closed = true
	entries := p.entries
	p.entries = make(map[string]*entry[C])
	p.mu.Unlock()

	for fp, e := range entries {
		p.closeClient(fp, e.client, "pool closed")
	}
}

func (p *Pool[C]) closeClient(fp string, client C, reason string) {
	l := p.log.WithComponent("pool").WithFields(logger.Fields{
		"fingerprint": logger.ShortFingerprint(fp),
		"reason":      reason,
	})
	if err := client.Close(); err != nil {
		l.WithError(err).Warn("failed to close shared client")
	} else {
		l.Info("shared client closed")
	}
	if p.onEvict != nil {
		p.onEvict(fp)
	}
}

// Stats summarises sharing: ConnectionsSaved is what a one-client-per-user layout would cost extra.
type Stats struct {
	SharedClients    int            `json:"shared_clients"`
	UsersServed      int            `json:"users_served"`
	ConnectionsSaved int            `json:"connections_saved"`
	Owners           map[string]int `json:"owners"`
}

func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{SharedClients: len(p.entries), Owners: make(map[string]int, len(p.entries))}
	for fp, e := range p.entries {
		s.UsersServed += len(e.owners)
		s.Owners[logger.ShortFingerprint(fp)] = len(e.owners)
	}
	s.ConnectionsSaved = s.UsersServed - s.SharedClients
	if s.ConnectionsSaved < 0 {
		s.ConnectionsSaved = 0
	}
	return s
}

// Owners lists tenant ids of cred's client, sorted.
func (p *Pool[C]) Owners(cred credential.Credential) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[cred.Fingerprint()]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.owners))
	for id := range e.owners {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
