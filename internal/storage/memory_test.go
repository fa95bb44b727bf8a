package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/legacy-reconcile/internal/common"
	"github.com/Veraticus/legacy-reconcile/internal/model"
)

func TestMemoryStore_WritesCountOnlyCommitted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	seeded := store.Seed(model.EntityCustomer, "", model.Fields{model.FieldEmail: "a@x.com"})
	assert.Equal(t, 0, store.Writes(), "seeding is not a write")

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, model.EntityCustomer, seeded.ID, model.Fields{model.FieldName: "N"}))
	require.NoError(t, tx.Rollback())
	assert.Equal(t, 0, store.Writes())

	tx, err = store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, model.EntityCustomer, seeded.ID, model.Fields{model.FieldName: "N"}))
	require.NoError(t, tx.LinkLegacyID(ctx, model.EntityCustomer, seeded.ID, "5"))
	require.NoError(t, tx.Commit())
	assert.Equal(t, 2, store.Writes())

	got, ok := store.Get(model.EntityCustomer, seeded.ID)
	require.True(t, ok)
	assert.Equal(t, "5", got.LegacyID)
	assert.Len(t, store.All(model.EntityCustomer), 1)
}

func TestMemoryStore_Fault(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	boom := errors.New("boom")
	store.Fault = func(op string, entity model.Entity, legacyID string) error {
		if op == OpInsert && legacyID == "6" {
			return boom
		}
		return nil
	}

	tx, err := store.BeginTx(ctx)
	require.NoError(t, err)
	_, err = tx.Insert(ctx, model.EntityCustomer, "5", model.Fields{model.FieldEmail: "a@x.com"})
	require.NoError(t, err)
	_, err = tx.Insert(ctx, model.EntityCustomer, "6", model.Fields{model.FieldEmail: "b@x.com"})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, tx.Rollback())

	assert.Empty(t, store.All(model.EntityCustomer))
}

func TestMemoryStore_PingErr(t *testing.T) {
	store := NewMemoryStore()
	store.PingErr = errors.New("down")
	assert.ErrorIs(t, store.Ping(context.Background()), common.ErrStoreUnavailable)
}

func TestMemoryStore_CommitTwice(t *testing.T) {
	store := NewMemoryStore()
	tx, err := store.BeginTx(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Error(t, tx.Commit())
}
