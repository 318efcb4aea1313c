package symbols

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrAdd(t *testing.T) {
	reg := NewRegistry()

	id := reg.GetOrAdd("BTCUSDT")
	require.Equal(t, uint32(1), id)
	assert.Equal(t, id, reg.GetOrAdd("BTCUSDT"))
	assert.Equal(t, uint32(2), reg.GetOrAdd("ETHUSDT"))
	assert.Equal(t, "BTCUSDT", reg.ByID(1))
	assert.Equal(t, "ETHUSDT", reg.ByID(2))
}

func TestReservedAndUnknownIDs(t *testing.T) {
	reg := NewRegistry()
	reg.GetOrAdd("BTCUSDT")

	assert.Equal(t, uint32(0), reg.GetOrAdd(""))
	assert.Equal(t, "", reg.ByID(0))
	assert.Equal(t, "", reg.ByID(99))
}

func TestListAllInsertionOrder(t *testing.T) {
	reg := NewRegistry()
	names := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}
	for _, n := range names {
		reg.GetOrAdd(n)
	}

	entries := reg.ListAll()
	require.Len(t, entries, 3)
	for i, e := range entries {
		assert.Equal(t, uint32(i+1), e.ID)
		assert.Equal(t, names[i], e.Symbol)
	}
	assert.Equal(t, 3, reg.Len())
}

func TestConcurrentGetOrAdd(t *testing.T) {
	reg := NewRegistry()
	const goroutines = 16
	const symbols = 50

	var wg sync.WaitGroup
	ids := make([][]uint32, goroutines)
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			ids[g] = make([]uint32, symbols)
			for i := 0; i < symbols; i++ {
				ids[g][i] = reg.GetOrAdd(fmt.Sprintf("SYM%03d", i))
			}
		}(g)
	}
	wg.Wait()

	// Every goroutine observed the same id for the same symbol.
	for g := 1; g < goroutines; g++ {
		assert.Equal(t, ids[0], ids[g])
	}
	assert.Equal(t, symbols, reg.Len())
	for i := 0; i < symbols; i++ {
		assert.Equal(t, fmt.Sprintf("SYM%03d", i), reg.ByID(ids[0][i]))
	}
}
