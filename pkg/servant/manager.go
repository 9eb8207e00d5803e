// Package servant implements the per-adapter table that resolves request
// identities to servants and identity categories to servant locators.
package servant

import (
	"fmt"
	"sync"

	"github.com/marmos91/dittorpc/internal/logger"
	"github.com/marmos91/dittorpc/pkg/rpc"
)

// Manager maps identities to servants and categories to servant locators
// for one object adapter.
//
// Both tables keep a single-entry hint for the most recently accessed key,
// which short-circuits the map lookup for sequential bursts against one
// identity. Any mutation of a table clears its hint.
//
// Thread safety:
// All table access is serialized by one mutex. Locator callbacks are never
// invoked with the mutex held, so a locator may call back into the
// Manager from Deactivate.
//
// After Destroy, mutations and a second Destroy fail with an
// rpc.CodeDeactivated error and lookups return nil.
type Manager struct {
	mu sync.Mutex

	adapterName string
	log         *logger.Logger

	servants map[rpc.Identity]rpc.Servant
	locators map[string]rpc.ServantLocator

	servantHint servantHint
	locatorHint locatorHint

	destroyed bool
}

type servantHint struct {
	valid   bool
	id      rpc.Identity
	servant rpc.Servant
}

type locatorHint struct {
	valid    bool
	category string
	locator  rpc.ServantLocator
}

// New creates an empty Manager for the named adapter.
func New(adapterName string, log *logger.Logger) *Manager {
	return &Manager{
		adapterName: adapterName,
		log:         logger.Or(log),
		servants:    make(map[rpc.Identity]rpc.Servant),
		locators:    make(map[string]rpc.ServantLocator),
	}
}

// AddServant registers servant under id.
//
// Returns:
//   - nil on success
//   - rpc.CodeAlreadyRegistered if id already has a servant
//   - rpc.CodeDeactivated after Destroy
//   - rpc.CodeUsage for a nil servant
func (m *Manager) AddServant(servant rpc.Servant, id rpc.Identity) error {
	if servant == nil {
		return rpc.Errorf(rpc.CodeUsage, "nil servant for %s", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return m.deactivatedError()
	}
	if _, exists := m.servants[id]; exists {
		return rpc.AlreadyRegistered("servant", id.String())
	}

	m.servants[id] = servant
	m.servantHint = servantHint{}
	return nil
}

// RemoveServant unregisters the servant for id.
//
// Returns rpc.CodeNotRegistered if id has no servant and
// rpc.CodeDeactivated after Destroy.
func (m *Manager) RemoveServant(id rpc.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return m.deactivatedError()
	}
	if _, exists := m.servants[id]; !exists {
		return rpc.NotRegistered("servant", id.String())
	}

	delete(m.servants, id)
	m.servantHint = servantHint{}
	return nil
}

// FindServant returns the servant registered for id, or nil.
func (m *Manager) FindServant(id rpc.Identity) rpc.Servant {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.servantHint.valid && m.servantHint.id == id {
		return m.servantHint.servant
	}

	servant, ok := m.servants[id]
	if !ok {
		return nil
	}
	m.servantHint = servantHint{valid: true, id: id, servant: servant}
	return servant
}

// AddServantLocator registers locator for category. The empty category
// registers the default locator, consulted for identities whose category
// has no locator of its own.
//
// Returns rpc.CodeAlreadyRegistered if category already has a locator and
// rpc.CodeDeactivated after Destroy.
func (m *Manager) AddServantLocator(locator rpc.ServantLocator, category string) error {
	if locator == nil {
		return rpc.Errorf(rpc.CodeUsage, "nil servant locator for category %q", category)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.destroyed {
		return m.deactivatedError()
	}
	if _, exists := m.locators[category]; exists {
		return rpc.AlreadyRegistered("servant locator", fmt.Sprintf("%q", category))
	}

	m.locators[category] = locator
	m.locatorHint = locatorHint{}
	return nil
}

// RemoveServantLocator unregisters the locator for category and calls its
// Deactivate hook once the table lock has been released.
func (m *Manager) RemoveServantLocator(category string) error {
	m.mu.Lock()

	if m.destroyed {
		m.mu.Unlock()
		return m.deactivatedError()
	}
	locator, exists := m.locators[category]
	if !exists {
		m.mu.Unlock()
		return rpc.NotRegistered("servant locator", fmt.Sprintf("%q", category))
	}

	delete(m.locators, category)
	m.locatorHint = locatorHint{}
	m.mu.Unlock()

	locator.Deactivate(category)
	return nil
}

// FindServantLocator returns the locator registered for category, or nil.
func (m *Manager) FindServantLocator(category string) rpc.ServantLocator {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locatorHint.valid && m.locatorHint.category == category {
		return m.locatorHint.locator
	}

	locator, ok := m.locators[category]
	if !ok {
		return nil
	}
	m.locatorHint = locatorHint{valid: true, category: category, locator: locator}
	return locator
}

// Destroy clears both tables and deactivates every registered locator.
// Each locator receives exactly one Deactivate call.
//
// A locator that panics during Deactivate is logged and skipped so that the
// remaining locators are still deactivated.
//
// Returns rpc.CodeDeactivated when called a second time.
func (m *Manager) Destroy() error {
	m.mu.Lock()

	if m.destroyed {
		m.mu.Unlock()
		return m.deactivatedError()
	}
	m.destroyed = true

	locators := m.locators
	m.servants = make(map[rpc.Identity]rpc.Servant)
	m.locators = make(map[string]rpc.ServantLocator)
	m.servantHint = servantHint{}
	m.locatorHint = locatorHint{}
	m.mu.Unlock()

	for category, locator := range locators {
		m.deactivate(category, locator)
	}
	return nil
}

func (m *Manager) deactivate(category string, locator rpc.ServantLocator) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Adapter %s: servant locator for category %q panicked during deactivate: %v",
				m.adapterName, category, r)
		}
	}()
	locator.Deactivate(category)
}

// Len returns the number of registered servants and locators.
func (m *Manager) Len() (servants, locators int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.servants), len(m.locators)
}

func (m *Manager) deactivatedError() error {
	return &rpc.Error{
		Code:        rpc.CodeDeactivated,
		Kind:        "servant manager",
		Description: m.adapterName,
		Message:     "has been destroyed",
	}
}
