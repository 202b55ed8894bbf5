package ensemble

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetrics_Snapshot(t *testing.T) {
	m := NewMetrics()

	m.invocationDone(10*time.Millisecond, true)
	m.invocationDone(20*time.Millisecond, false)
	m.entityWritten(true)
	m.entityWritten(true)
	m.entityLoaded(false)
	m.routeRetried()
	m.clusterMessage("out", CmdInvokeEntityFunc)

	snap := m.Snapshot()
	assert.Equal(t, 1.0, snap["ensemble_entity_invocations_total{result=ok}"])
	assert.Equal(t, 1.0, snap["ensemble_entity_invocations_total{result=error}"])
	assert.Equal(t, 2.0, snap["ensemble_entity_invocation_duration_seconds_count"])
	assert.Equal(t, 2.0, snap["ensemble_entity_writes_total{result=ok}"])
	assert.Equal(t, 1.0, snap["ensemble_entity_loads_total{found=false}"])
	assert.Equal(t, 1.0, snap["ensemble_router_retries_total"])
	assert.Equal(t, 1.0, snap["ensemble_cluster_messages_total{cmd=ef,direction=out}"])
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics

	m.invocationDone(time.Millisecond, true)
	m.slowInvocation()
	m.redirected()
	m.entityEvicted()
	m.nearCacheLookup(OwnershipMapName, true)

	assert.Empty(t, m.Snapshot())
}

func TestMetrics_RegistriesAreIndependent(t *testing.T) {
	a, b := NewMetrics(), NewMetrics()
	a.entityDeleted()

	assert.Equal(t, 1.0, a.Snapshot()["ensemble_entity_deletes_total"])
	assert.Equal(t, 0.0, b.Snapshot()["ensemble_entity_deletes_total"])
}
