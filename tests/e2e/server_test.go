package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/sprintloop/internal/agent"
	"github.com/nidhogg/sprintloop/internal/api"
	"github.com/nidhogg/sprintloop/internal/capability"
	"github.com/nidhogg/sprintloop/internal/event"
	"github.com/nidhogg/sprintloop/internal/pool"
	"github.com/nidhogg/sprintloop/internal/workflow"
	"github.com/nidhogg/sprintloop/internal/workspace"
)

// TestServerArchivesFinishedLoops drives a loop over HTTP and reads it
// back from the archive endpoints.
func TestServerArchivesFinishedLoops(t *testing.T) {
	st := requireStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := newRegistry(t)
	bus := event.NewBus(100, testLogger)
	mgr := agent.NewManager(reg, bus, testLogger, agent.WithArchiver(st))
	catalog := workflow.NewCatalog(testLogger)
	h := api.NewHandler(ctx, api.Deps{
		Detector:  capability.NewDetector(capability.EnvServer),
		Registry:  reg,
		Agents:    mgr,
		Catalog:   catalog,
		Workflows: workflow.NewExecutor(catalog, reg, bus, testLogger, workflow.WithArchiver(st)),
		Pool:      pool.New(pool.Config{Size: 1}, mgr, workspace.NewManager(t.TempDir(), t.TempDir(), testLogger), bus, testLogger),
		Bus:       bus,
		Store:     st,
	}, testLogger)
	srv := httptest.NewServer(h.Router())
	defer srv.Close()

	body, _ := json.Marshal(map[string]any{"task": "explain goroutines", "mode": "autonomous"})
	resp, err := http.Post(srv.URL+"/api/agents/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var started agent.LoopContext
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, err = mgr.Wait(ctx, started.ID)
	require.NoError(t, err)

	var archived agent.LoopContext
	require.Eventually(t, func() bool {
		resp, err := http.Get(srv.URL + "/api/archive/loops/" + started.ID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		return json.NewDecoder(resp.Body).Decode(&archived) == nil
	}, 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, agent.StatusCompleted, archived.Status)
	assert.Equal(t, "explain goroutines", archived.Task)

	resp, err = http.Get(srv.URL + "/api/archive/loops/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
}

