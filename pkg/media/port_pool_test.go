package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortPool(t *testing.T) {
	t.Run("sequential allocation", func(t *testing.T) {
		pool, err := NewPortPool(16384, 16392, PortAllocationSequential)
		require.NoError(t, err)
		assert.Equal(t, 4, pool.Available())

		pair1, err := pool.Allocate()
		require.NoError(t, err)
		assert.Equal(t, PortPair{Data: 16384, Control: 16385}, pair1)

		pair2, err := pool.Allocate()
		require.NoError(t, err)
		assert.Equal(t, 16386, pair2.Data)

		require.NoError(t, pool.Release(pair1))
		assert.Equal(t, 3, pool.Available())

		// освобожденная пара выдается снова первой
		pair3, err := pool.Allocate()
		require.NoError(t, err)
		assert.Equal(t, pair1, pair3)
	})

	t.Run("random allocation stays in range", func(t *testing.T) {
		pool, err := NewPortPool(DefaultMinPort, DefaultMaxPort, PortAllocationRandom)
		require.NoError(t, err)

		seen := make(map[int]bool)
		for i := 0; i < 50; i++ {
			pair, err := pool.Allocate()
			require.NoError(t, err)
			assert.False(t, seen[pair.Data], "Порт %d уже был выделен", pair.Data)
			seen[pair.Data] = true
			assert.True(t, pair.Data >= DefaultMinPort && pair.Control < DefaultMaxPort)
			assert.Equal(t, 0, pair.Data%2, "Порт данных должен быть четным")
			assert.Equal(t, pair.Data+1, pair.Control)
		}
	})

	t.Run("exhaustion", func(t *testing.T) {
		pool, err := NewPortPool(20000, 20004, PortAllocationSequential)
		require.NoError(t, err)

		_, err = pool.Allocate()
		require.NoError(t, err)
		_, err = pool.Allocate()
		require.NoError(t, err)

		_, err = pool.Allocate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "нет доступных портов")
	})

	t.Run("invalid release", func(t *testing.T) {
		pool, err := NewPortPool(20000, 20010, PortAllocationSequential)
		require.NoError(t, err)

		assert.Error(t, pool.Release(PortPair{Data: 20000, Control: 20001}), "пара не выделялась")
		assert.Error(t, pool.Release(PortPair{Data: 30000, Control: 30001}), "пара вне диапазона")

		pair, err := pool.Allocate()
		require.NoError(t, err)
		require.NoError(t, pool.Release(pair))
		assert.Error(t, pool.Release(pair), "повторное освобождение")
	})

	t.Run("invalid range", func(t *testing.T) {
		_, err := NewPortPool(20000, 20001, PortAllocationSequential)
		assert.Error(t, err)
		_, err = NewPortPool(0, 100, PortAllocationSequential)
		assert.Error(t, err)
	})

	t.Run("strategy names", func(t *testing.T) {
		s, err := ParsePortAllocationStrategy("random")
		require.NoError(t, err)
		assert.Equal(t, PortAllocationRandom, s)
		assert.Equal(t, "sequential", PortAllocationSequential.String())

		_, err = ParsePortAllocationStrategy("round-robin")
		assert.Error(t, err)
	})
}

func TestDirection(t *testing.T) {
	t.Run("parse", func(t *testing.T) {
		d, ok := ParseDirection(" RecvOnly ")
		require.True(t, ok)
		assert.Equal(t, DirectionRecvOnly, d)

		_, ok = ParseDirection("rtcp-mux")
		assert.False(t, ok)
	})

	t.Run("mirror", func(t *testing.T) {
		assert.Equal(t, DirectionRecvOnly, DirectionSendOnly.Mirror())
		assert.Equal(t, DirectionSendOnly, DirectionRecvOnly.Mirror())
		assert.Equal(t, DirectionSendRecv, DirectionSendRecv.Mirror())
		assert.Equal(t, DirectionInactive, DirectionInactive.Mirror())
	})

	t.Run("capabilities", func(t *testing.T) {
		assert.True(t, DirectionSendOnly.CanSend())
		assert.False(t, DirectionSendOnly.CanReceive())
		assert.False(t, DirectionInactive.CanSend())
		assert.Equal(t, "inactive", DirectionInactive.String())
	})
}
