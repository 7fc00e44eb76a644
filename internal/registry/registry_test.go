package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/coordinator/internal/domain"
)

func newTestRegistry() *Registry {
	return New(NewMemStore(time.Minute), time.Minute)
}

func TestRegisterThenListInstancesForType(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	summary, err := r.Register(ctx, "instance-1", "127.0.0.1", 8080,
		[]string{"CreateUser"}, nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.CommandsRegistered)

	ids, err := r.ListInstancesForType(ctx, domain.KindCommand, "CreateUser", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"instance-1"}, ids)
}

func TestRegisterIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	_, err := r.Register(ctx, "instance-1", "127.0.0.1", 8080, []string{"CreateUser"}, nil, nil, nil)
	require.NoError(t, err)
	_, err = r.Register(ctx, "instance-1", "127.0.0.1", 8080, []string{"CreateUser"}, nil, nil, nil)
	require.NoError(t, err)

	ids, err := r.ListInstancesForType(ctx, domain.KindCommand, "CreateUser", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"instance-1"}, ids, "re-registration must not duplicate bindings")
}

func TestRegisterRejectsDuplicateTypesInOneSet(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	_, err := r.Register(ctx, "instance-1", "127.0.0.1", 8080,
		[]string{"CreateUser", "CreateUser"}, nil, nil, nil)
	require.Error(t, err)
}

func TestReRegisterReplacesHandlerSets(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	_, err := r.Register(ctx, "instance-1", "127.0.0.1", 8080, []string{"CreateUser"}, nil, nil, nil)
	require.NoError(t, err)

	_, err = r.Register(ctx, "instance-1", "127.0.0.1", 8080, []string{"DeleteUser"}, nil, nil, nil)
	require.NoError(t, err)

	ids, err := r.ListInstancesForType(ctx, domain.KindCommand, "CreateUser", true)
	require.NoError(t, err)
	assert.Empty(t, ids, "prior binding must be replaced, not merged")

	ids, err = r.ListInstancesForType(ctx, domain.KindCommand, "DeleteUser", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"instance-1"}, ids)
}

func TestUnregisterOfUnknownInstanceIsNoOp(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	err := r.Unregister(ctx, "never-registered", nil, nil, nil)
	assert.NoError(t, err)
}

func TestUnregisterEntireInstance(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	_, err := r.Register(ctx, "instance-1", "127.0.0.1", 8080, []string{"CreateUser"}, []string{"GetUser"}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, r.Unregister(ctx, "instance-1", nil, nil, nil))

	ids, err := r.ListInstancesForType(ctx, domain.KindCommand, "CreateUser", true)
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = r.GetInstance(ctx, "instance-1")
	assert.Error(t, err)
}

func TestListInstancesForTypeExcludesExpiredWhenOnlyHealthy(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	_, err := r.Register(ctx, "instance-1", "127.0.0.1", 8080, []string{"CreateUser"}, nil, nil, nil)
	require.NoError(t, err)

	require.NoError(t, r.SetState(ctx, "instance-1", domain.HealthExpired))

	ids, err := r.ListInstancesForType(ctx, domain.KindCommand, "CreateUser", true)
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = r.ListInstancesForType(ctx, domain.KindCommand, "CreateUser", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"instance-1"}, ids)
}

func TestListInstancesForTypeIsLexicographicallySorted(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		_, err := r.Register(ctx, id, "127.0.0.1", 8080, []string{"CreateUser"}, nil, nil, nil)
		require.NoError(t, err)
	}

	ids, err := r.ListInstancesForType(ctx, domain.KindCommand, "CreateUser", true)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, ids)
}
