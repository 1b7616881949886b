package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	acerr "github.com/tradecore/acctsvc/internal/common/errors"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	return &Manager{BaseDir: t.TempDir()}
}

func TestRegionCreateAndOpen(t *testing.T) {
	m := testManager(t)

	created, err := m.Open("/test_region", 4096, ModeCreate)
	require.NoError(t, err)
	assert.True(t, created.Created)
	assert.Equal(t, 4096, created.Size())

	created.Data[0] = 0xAB
	require.NoError(t, created.Close())

	opened, err := m.Open("/test_region", 4096, ModeOpen)
	require.NoError(t, err)
	assert.False(t, opened.Created)
	assert.Equal(t, byte(0xAB), opened.Data[0], "mapping must see prior writes")
	require.NoError(t, opened.Close())
}

func TestRegionCreateExclusive(t *testing.T) {
	m := testManager(t)

	first, err := m.Open("/test_region", 4096, ModeCreate)
	require.NoError(t, err)
	defer first.Close()

	_, err = m.Open("/test_region", 4096, ModeCreate)
	assert.Error(t, err, "second exclusive create must fail")
}

func TestRegionOpenMissing(t *testing.T) {
	m := testManager(t)
	_, err := m.Open("/does_not_exist", 4096, ModeOpen)
	assert.Error(t, err)
}

func TestRegionOpenOrCreate(t *testing.T) {
	m := testManager(t)

	first, err := m.Open("/test_region", 4096, ModeOpenOrCreate)
	require.NoError(t, err)
	assert.True(t, first.Created)
	require.NoError(t, first.Close())

	second, err := m.Open("/test_region", 4096, ModeOpenOrCreate)
	require.NoError(t, err)
	assert.False(t, second.Created)
	require.NoError(t, second.Close())
}

// Scenario F: a pre-truncated segment must be refused with ShmResizeFailed.
func TestRegionSizeMismatchIsFatal(t *testing.T) {
	m := testManager(t)

	stub, err := m.Open("/strategy_order_shm", ShmHeaderSize, ModeCreate)
	require.NoError(t, err)
	require.NoError(t, stub.Close())

	acerr.GlobalRegistry().Reset()
	before := acerr.GlobalRegistry().Count(acerr.ShmResizeFailed)

	_, err = m.OpenUpstream("/strategy_order_shm", ModeOpen)
	require.Error(t, err)
	assert.Equal(t, before+1, acerr.GlobalRegistry().Count(acerr.ShmResizeFailed))
	assert.Equal(t, acerr.SeverityCritical, acerr.Classify(acerr.ShmResizeFailed))
}

func TestRegionUnlink(t *testing.T) {
	m := testManager(t)

	region, err := m.Open("/test_region", 4096, ModeCreate)
	require.NoError(t, err)
	require.NoError(t, region.Close())

	require.NoError(t, m.Unlink("/test_region"))
	_, err = m.Open("/test_region", 4096, ModeOpen)
	assert.Error(t, err)
}

func TestQueueSegmentHeaderValidation(t *testing.T) {
	m := testManager(t)

	seg, err := m.OpenUpstream("/strategy_order_shm", ModeCreate)
	require.NoError(t, err)
	assert.Equal(t, ShmMagic, seg.Header.Magic)
	assert.Equal(t, ShmVersion, seg.Header.Version)

	// Corrupt the magic and reopen.
	seg.Header.Magic = 0x12345678
	require.NoError(t, seg.Region.Close())

	_, err = m.OpenUpstream("/strategy_order_shm", ModeOpen)
	assert.Error(t, err, "bad magic must be rejected")
}
