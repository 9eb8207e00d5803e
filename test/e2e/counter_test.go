package e2e

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/marmos91/dittorpc/internal/counter"
	"github.com/marmos91/dittorpc/pkg/client"
	"github.com/marmos91/dittorpc/pkg/rpc"
)

// TestCounterLifecycle creates, mutates, reads and destroys a counter
func TestCounterLifecycle(t *testing.T) {
	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		tc.CreateCounter("hits", 10)

		v, err := tc.Add(tc.Client, "hits", 5)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		if v != 15 {
			t.Errorf("Expected 15 after add, got %d", v)
		}

		if v, err = tc.Get("hits"); err != nil || v != 15 {
			t.Errorf("Expected get to return 15, got %d (%v)", v, err)
		}

		err = tc.Invoke(tc.Client, counter.FactoryIdentity, counter.OpCreate, rpc.Normal,
			&counter.CreateArgs{Name: "hits"}, nil)
		var userErr *rpc.UserError
		if !errors.As(err, &userErr) {
			t.Errorf("Expected user error creating a duplicate counter, got %v", err)
		}

		err = tc.Invoke(tc.Client, counter.FactoryIdentity, counter.OpDestroy, rpc.Normal,
			&counter.CreateArgs{Name: "hits"}, nil)
		if err != nil {
			t.Fatalf("Destroy failed: %v", err)
		}

		if _, err := tc.Get("hits"); !rpc.IsObjectNotFound(err) {
			t.Errorf("Expected object not found after destroy, got %v", err)
		}
	})
}

// TestUnknownObjectsAndOperations checks the not-found reply statuses
func TestUnknownObjectsAndOperations(t *testing.T) {
	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		if _, err := tc.Get("missing"); !rpc.IsObjectNotFound(err) {
			t.Errorf("Expected object not found, got %v", err)
		}

		tc.CreateCounter("present", 0)
		err := tc.Invoke(tc.Client, counter.Identity("present"), "reset", rpc.Normal, nil, nil)
		if code, ok := rpc.CodeOf(err); !ok || code != rpc.CodeOperationNotExist {
			t.Errorf("Expected operation not exist, got %v", err)
		}

		err = tc.Invoke(tc.Client, rpc.Identity{Category: "nobody", Name: "x"}, "get", rpc.Normal, nil, nil)
		if !rpc.IsObjectNotFound(err) {
			t.Errorf("Expected object not found for unknown category, got %v", err)
		}
	})
}

// TestCountersSurviveRestart verifies that state written through a small
// cache is reloaded by a new server over the same store
func TestCountersSurviveRestart(t *testing.T) {
	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		const counters = 12
		for i := 0; i < counters; i++ {
			name := fmt.Sprintf("c%d", i)
			tc.CreateCounter(name, 0)
			if _, err := tc.Add(tc.Client, name, int64(i)); err != nil {
				t.Fatalf("Add %s failed: %v", name, err)
			}
		}

		tc.Restart()

		for i := 0; i < counters; i++ {
			name := fmt.Sprintf("c%d", i)
			v, err := tc.Get(name)
			if err != nil {
				t.Fatalf("Get %s after restart failed: %v", name, err)
			}
			if v != int64(i) {
				t.Errorf("Counter %s: expected %d after restart, got %d", name, i, v)
			}
		}
	})
}

// TestConcurrentClients runs several connections against a working set
// larger than the evictor
func TestConcurrentClients(t *testing.T) {
	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		const (
			clients   = 4
			perClient = 25
			counters  = 6
		)

		for i := 0; i < counters; i++ {
			tc.CreateCounter(fmt.Sprintf("shared%d", i), 0)
		}

		var wg sync.WaitGroup
		errs := make(chan error, clients*perClient)
		for c := 0; c < clients; c++ {
			conn := tc.Dial()
			wg.Add(1)
			go func(c int, conn *client.Client) {
				defer wg.Done()
				defer conn.Close()
				for i := 0; i < perClient; i++ {
					name := fmt.Sprintf("shared%d", (c+i)%counters)
					if _, err := tc.Add(conn, name, 1); err != nil {
						errs <- err
					}
				}
			}(c, conn)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			t.Errorf("Add failed: %v", err)
		}

		var total int64
		for i := 0; i < counters; i++ {
			v, err := tc.Get(fmt.Sprintf("shared%d", i))
			if err != nil {
				t.Fatalf("Get failed: %v", err)
			}
			total += v
		}
		if total != clients*perClient {
			t.Errorf("Expected total %d, got %d", clients*perClient, total)
		}
	})
}
