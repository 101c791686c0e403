package uplink

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyrillknecht/smartpatch-basestation-software/internal/domain"
)

func openTestStore(t *testing.T) *LocalStore {
	t.Helper()
	store, err := OpenLocalStore(LocalStoreConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLocalStoreDeliverAndIterate(t *testing.T) {
	store := openTestStore(t)
	batch := testBatch()

	require.NoError(t, store.Deliver(context.Background(), batch))
	// redelivery must not duplicate
	require.NoError(t, store.Deliver(context.Background(), batch))

	var all []domain.Sample
	require.NoError(t, store.Iterate("", func(s domain.Sample) error {
		all = append(all, s)
		return nil
	}))
	require.Len(t, all, 3)
	assert.Equal(t, batch.Samples[0], all[0])
	assert.Equal(t, batch.Samples[1], all[1])
	assert.Equal(t, domain.PeripheralID("CC:DD"), all[2].Peripheral.ID)

	var one []uint32
	require.NoError(t, store.Iterate("CC:DD", func(s domain.Sample) error {
		one = append(one, s.Seq)
		return nil
	}))
	assert.Equal(t, []uint32{9}, one)
}

func TestLocalStoreIterateStopsOnError(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.Deliver(context.Background(), testBatch()))

	stop := errors.New("stop")
	var seen int
	err := store.Iterate("", func(domain.Sample) error {
		seen++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, seen)
}

func TestLocalStoreCancelledContextIsTransient(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Deliver(ctx, testBatch())
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestOpenLocalStoreRequiresDir(t *testing.T) {
	_, err := OpenLocalStore(LocalStoreConfig{})
	require.Error(t, err)
}
