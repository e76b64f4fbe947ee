package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civictrack/internal/domain"
	"civictrack/internal/ledger"
)

func TestApplyDeltaClampsTrust(t *testing.T) {
	t.Parallel()
	p := domain.ActorProfile{ID: "c1", Kind: domain.ActorCitizen, TrustPoints: 98}

	ch, err := ledger.ApplyDelta(&p, ledger.TrustPoints, 3, ledger.TrustBounds)
	require.NoError(t, err)
	assert.Equal(t, ledger.Change{ActorID: "c1", Counter: ledger.TrustPoints, Before: 98, After: 100}, ch)

	p.TrustPoints = 4
	_, err = ledger.ApplyDelta(&p, ledger.TrustPoints, -10, ledger.TrustBounds)
	require.NoError(t, err)
	assert.Equal(t, 0, p.TrustPoints)
}

func TestApplyDeltaRefusesDecreasingMonotone(t *testing.T) {
	t.Parallel()
	p := domain.ActorProfile{ID: "s1", Kind: domain.ActorStaff, EfficiencyPoints: 7}
	_, err := ledger.ApplyDelta(&p, ledger.EfficiencyPoints, -1, ledger.None)
	require.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 7, p.EfficiencyPoints)
}

func TestApplyDeltaChecksKind(t *testing.T) {
	t.Parallel()
	staff := domain.ActorProfile{ID: "s1", Kind: domain.ActorStaff}
	_, err := ledger.ApplyDelta(&staff, ledger.UtilityPoints, 1, ledger.None)
	require.ErrorIs(t, err, domain.ErrValidation)

	official := domain.ActorProfile{ID: "o1", Kind: domain.ActorOfficial}
	_, err = ledger.ApplyDelta(&official, ledger.TrustPoints, 1, ledger.TrustBounds)
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = ledger.ApplyDelta(&staff, ledger.Counter("karma"), 1, ledger.None)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestApplyAllIsAllOrNothing(t *testing.T) {
	t.Parallel()
	p := domain.ActorProfile{ID: "s1", Kind: domain.ActorStaff, TrustPoints: 50}
	_, err := ledger.ApplyAll(&p, ledger.Trust(5), ledger.Add(ledger.UtilityPoints, 1))
	require.Error(t, err)
	assert.Equal(t, 50, p.TrustPoints)

	changes, err := ledger.ApplyAll(&p, ledger.Trust(5), ledger.Add(ledger.EfficiencyPoints, 6))
	require.NoError(t, err)
	assert.Len(t, changes, 2)
	assert.Equal(t, 55, p.TrustPoints)
	assert.Equal(t, 6, p.EfficiencyPoints)
}

type actorStoreMock struct {
	profiles map[string]domain.ActorProfile
	updates  int
}

func (m *actorStoreMock) GetActor(_ context.Context, id string) (domain.ActorProfile, error) {
	p, ok := m.profiles[id]
	if !ok {
		return domain.ActorProfile{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *actorStoreMock) UpdateActor(_ context.Context, p *domain.ActorProfile) error {
	m.updates++
	m.profiles[p.ID] = *p
	return nil
}

func TestLedgerApplyReadsAndWritesThroughStore(t *testing.T) {
	t.Parallel()
	store := &actorStoreMock{profiles: map[string]domain.ActorProfile{
		"s1": {ID: "s1", Kind: domain.ActorStaff, TrustPoints: 97},
	}}
	p, changes, err := ledger.Ledger{}.Apply(context.Background(), store, "s1",
		ledger.Add(ledger.EfficiencyPoints, 6), ledger.Trust(5))
	require.NoError(t, err)
	assert.Equal(t, 1, store.updates)
	assert.Equal(t, 100, p.TrustPoints)
	assert.Equal(t, 6, store.profiles["s1"].EfficiencyPoints)
	assert.Len(t, changes, 2)

	_, _, err = ledger.Ledger{}.Apply(context.Background(), store, "nobody", ledger.Trust(1))
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, store.updates)
}
