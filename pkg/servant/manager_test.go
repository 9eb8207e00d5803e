package servant

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/dittorpc/pkg/rpc"
)

func nopServant() rpc.Servant {
	return rpc.ServantFunc(func(context.Context, *rpc.Current, []byte) ([]byte, error) {
		return nil, nil
	})
}

type recordingLocator struct {
	mu           sync.Mutex
	deactivated  []string
	onDeactivate func()
	panicOn      bool
}

func (l *recordingLocator) Locate(context.Context, *rpc.Current) (rpc.Servant, rpc.Cookie, error) {
	return nil, nil, nil
}

func (l *recordingLocator) Finished(context.Context, *rpc.Current, rpc.Servant, rpc.Cookie) error {
	return nil
}

func (l *recordingLocator) Deactivate(category string) {
	l.mu.Lock()
	l.deactivated = append(l.deactivated, category)
	l.mu.Unlock()

	if l.onDeactivate != nil {
		l.onDeactivate()
	}
	if l.panicOn {
		panic("locator exploded")
	}
}

func (l *recordingLocator) calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.deactivated...)
}

func TestAddFindRemoveServant(t *testing.T) {
	m := New("test", nil)
	id := rpc.Identity{Category: "c", Name: "a"}
	s := nopServant()

	assert.Nil(t, m.FindServant(id))

	require.NoError(t, m.AddServant(s, id))
	assert.NotNil(t, m.FindServant(id))
	assert.NotNil(t, m.FindServant(id), "hit via hint")

	err := m.AddServant(nopServant(), id)
	assert.True(t, rpc.IsAlreadyRegistered(err), "got %v", err)

	require.NoError(t, m.RemoveServant(id))
	assert.Nil(t, m.FindServant(id), "hint must be invalidated on removal")

	err = m.RemoveServant(id)
	assert.True(t, rpc.IsNotRegistered(err), "got %v", err)
}

func TestAddServantRejectsNil(t *testing.T) {
	m := New("test", nil)
	err := m.AddServant(nil, rpc.Identity{Name: "x"})
	code, ok := rpc.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, rpc.CodeUsage, code)
}

// The set of identities FindServant resolves always equals the set added
// and not yet removed.
func TestServantTableMatchesModel(t *testing.T) {
	m := New("test", nil)
	model := make(map[rpc.Identity]bool)
	rng := rand.New(rand.NewSource(42))

	ids := make([]rpc.Identity, 8)
	for i := range ids {
		ids[i] = rpc.Identity{Category: "c", Name: fmt.Sprint(i)}
	}

	for step := 0; step < 500; step++ {
		id := ids[rng.Intn(len(ids))]

		if rng.Intn(2) == 0 {
			err := m.AddServant(nopServant(), id)
			if model[id] {
				assert.True(t, rpc.IsAlreadyRegistered(err))
			} else {
				require.NoError(t, err)
				model[id] = true
			}
		} else {
			err := m.RemoveServant(id)
			if model[id] {
				require.NoError(t, err)
				delete(model, id)
			} else {
				assert.True(t, rpc.IsNotRegistered(err))
			}
		}

		// Probe a random identity so the hint points somewhere arbitrary.
		m.FindServant(ids[rng.Intn(len(ids))])

		for _, probe := range ids {
			assert.Equal(t, model[probe], m.FindServant(probe) != nil, "step %d identity %s", step, probe)
		}
	}
}

func TestServantLocators(t *testing.T) {
	m := New("test", nil)
	loc := &recordingLocator{}

	assert.Nil(t, m.FindServantLocator("accounts"))
	require.NoError(t, m.AddServantLocator(loc, "accounts"))
	assert.Same(t, loc, m.FindServantLocator("accounts"))
	assert.Same(t, loc, m.FindServantLocator("accounts"))
	assert.Nil(t, m.FindServantLocator(""))

	err := m.AddServantLocator(&recordingLocator{}, "accounts")
	assert.True(t, rpc.IsAlreadyRegistered(err))

	require.NoError(t, m.RemoveServantLocator("accounts"))
	assert.Equal(t, []string{"accounts"}, loc.calls())
	assert.Nil(t, m.FindServantLocator("accounts"))

	err = m.RemoveServantLocator("accounts")
	assert.True(t, rpc.IsNotRegistered(err))
}

// Deactivate may call back into the manager without deadlocking.
func TestRemoveServantLocatorDeactivatesOutsideLock(t *testing.T) {
	m := New("test", nil)
	loc := &recordingLocator{}
	loc.onDeactivate = func() {
		assert.Nil(t, m.FindServantLocator("reentrant"))
		require.NoError(t, m.AddServant(nopServant(), rpc.Identity{Name: "from-deactivate"}))
	}

	require.NoError(t, m.AddServantLocator(loc, "reentrant"))
	require.NoError(t, m.RemoveServantLocator("reentrant"))
	assert.NotNil(t, m.FindServant(rpc.Identity{Name: "from-deactivate"}))
}

func TestDestroyDeactivatesEveryLocatorOnce(t *testing.T) {
	m := New("test", nil)

	good1 := &recordingLocator{}
	broken := &recordingLocator{panicOn: true}
	good2 := &recordingLocator{}

	require.NoError(t, m.AddServantLocator(good1, "a"))
	require.NoError(t, m.AddServantLocator(broken, "b"))
	require.NoError(t, m.AddServantLocator(good2, ""))
	require.NoError(t, m.AddServant(nopServant(), rpc.Identity{Name: "x"}))

	require.NoError(t, m.Destroy())

	assert.Equal(t, []string{"a"}, good1.calls())
	assert.Equal(t, []string{"b"}, broken.calls())
	assert.Equal(t, []string{""}, good2.calls())

	servants, locators := m.Len()
	assert.Zero(t, servants)
	assert.Zero(t, locators)

	// Second destroy is rejected and does not deactivate again.
	assert.True(t, rpc.IsDeactivated(m.Destroy()))
	assert.Len(t, good1.calls(), 1)
}

func TestMutationAfterDestroy(t *testing.T) {
	m := New("test", nil)
	require.NoError(t, m.Destroy())

	id := rpc.Identity{Name: "x"}
	assert.True(t, rpc.IsDeactivated(m.AddServant(nopServant(), id)))
	assert.True(t, rpc.IsDeactivated(m.RemoveServant(id)))
	assert.True(t, rpc.IsDeactivated(m.AddServantLocator(&recordingLocator{}, "c")))
	assert.True(t, rpc.IsDeactivated(m.RemoveServantLocator("c")))

	assert.Nil(t, m.FindServant(id))
	assert.Nil(t, m.FindServantLocator("c"))
}

func TestConcurrentAccess(t *testing.T) {
	m := New("test", nil)
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := rpc.Identity{Category: fmt.Sprint(w), Name: fmt.Sprint(i)}
				assert.NoError(t, m.AddServant(nopServant(), id))
				assert.NotNil(t, m.FindServant(id))
				assert.NoError(t, m.RemoveServant(id))
			}
		}(w)
	}
	wg.Wait()

	servants, _ := m.Len()
	assert.Zero(t, servants)
}
