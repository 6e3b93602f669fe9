package mesh

import (
	"sync"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"meshchat/internal/event"
	"meshchat/internal/registry"
)

// Core is the process-wide mesh context handed to the web layer: at most
// one live listener, the active profile's registry, and the event stream.
// It replaces ambient globals with an explicit init/teardown lifecycle.
type Core struct {
	cfg Config
	db  *bolt.DB
	pub *event.Publisher
	log *logrus.Logger

	mu       sync.Mutex
	listener *Listener
	reg      *registry.Registry
	profile  *Profile
}

func NewCore(cfg Config, db *bolt.DB, log *logrus.Logger) *Core {
	return &Core{
		cfg: cfg,
		db:  db,
		pub: event.NewPublisher(),
		log: log,
	}
}

// SetProfile activates a profile. The old listener is fully stopped (socket
// closed, loop exited) before the new one starts, so two listeners never
// race on the registry. An invalid key or bind failure leaves the core
// stopped with no active profile.
func (c *Core) SetProfile(p Profile) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listener != nil {
		c.listener.Stop()
		c.listener = nil
		c.reg = nil
		c.profile = nil
	}

	reg, err := registry.Open(c.db, p.ID, c.log)
	if err != nil {
		return err
	}

	l, err := NewListener(c.cfg, p, reg, c.pub, c.log)
	if err != nil {
		return err
	}
	if err := l.Start(); err != nil {
		return err
	}

	c.listener = l
	c.reg = reg
	c.profile = &p

	if err := l.Announce(); err != nil {
		c.log.WithError(err).Warn("node-info announce failed")
	}
	return nil
}

// ClearProfile stops the active listener, if any.
func (c *Core) ClearProfile() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener != nil {
		c.listener.Stop()
		c.listener = nil
		c.reg = nil
		c.profile = nil
	}
}

// Send broadcasts a chat message under the active profile.
func (c *Core) Send(text string) error {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		return ErrNotListening
	}
	return l.SendText(text)
}

// Subscribe taps the event stream.
func (c *Core) Subscribe() (<-chan event.Event, func()) {
	return c.pub.Subscribe()
}

// Nodes returns the active profile's node table, newest first. Empty when
// no profile is active.
func (c *Core) Nodes() []registry.Node {
	c.mu.Lock()
	reg := c.reg
	c.mu.Unlock()
	if reg == nil {
		return nil
	}
	return reg.List()
}

// Status reports the listener state and counters for the UI.
func (c *Core) Status() (State, Stats, *Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.listener == nil {
		return StateStopped, Stats{}, nil
	}
	p := *c.profile
	return c.listener.State(), c.listener.Stats(), &p
}

// Close tears down the core: listener stopped, subscribers closed.
func (c *Core) Close() {
	c.ClearProfile()
	c.pub.Close()
}
