package sliceaddr_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tardis-dev/tardis-client-go/internal/sliceaddr"
)

func minute(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}

	return t
}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("exchange is required", func(t *testing.T) {
		t.Parallel()

		_, err := sliceaddr.New("", minute("2019-06-01T00:00:00Z"), nil)
		assert.ErrorIs(t, err, sliceaddr.ErrExchangeRequired)
	})

	t.Run("unfiltered case uses the reserved marker", func(t *testing.T) {
		t.Parallel()

		addr, err := sliceaddr.New("bitmex", minute("2019-06-01T00:01:00Z"), nil)
		require.NoError(t, err)
		assert.Equal(t, "bitmex/2019-06-01/00/01/all.ndjson", addr.CachePath)
		assert.Equal(t, "2019/06/01/00/01.json.gz?filters=%5B%5D", addr.RemotePath)
	})

	t.Run("same filters produce the same address", func(t *testing.T) {
		t.Parallel()

		filters := []sliceaddr.Filter{
			{Channel: "trade", Symbols: []string{"XBTUSD", "ETHUSD"}},
			{Channel: "orderBookL2", Symbols: []string{"XBTUSD"}},
		}

		a1, err := sliceaddr.New("bitmex", minute("2019-06-01T00:00:00Z"), filters)
		require.NoError(t, err)

		a2, err := sliceaddr.New("bitmex", minute("2019-06-01T00:00:00Z"), filters)
		require.NoError(t, err)

		assert.Equal(t, a1, a2)
	})

	t.Run("differently-ordered symbols produce different addresses", func(t *testing.T) {
		t.Parallel()

		a1, err := sliceaddr.New("bitmex", minute("2019-06-01T00:00:00Z"), []sliceaddr.Filter{
			{Channel: "trade", Symbols: []string{"XBTUSD", "ETHUSD"}},
		})
		require.NoError(t, err)

		a2, err := sliceaddr.New("bitmex", minute("2019-06-01T00:00:00Z"), []sliceaddr.Filter{
			{Channel: "trade", Symbols: []string{"ETHUSD", "XBTUSD"}},
		})
		require.NoError(t, err)

		assert.NotEqual(t, a1.CachePath, a2.CachePath)
	})

	t.Run("different filter lists produce different addresses", func(t *testing.T) {
		t.Parallel()

		unfiltered, err := sliceaddr.New("bitmex", minute("2019-06-01T00:00:00Z"), nil)
		require.NoError(t, err)

		filtered, err := sliceaddr.New("bitmex", minute("2019-06-01T00:00:00Z"), []sliceaddr.Filter{
			{Channel: "trade"},
		})
		require.NoError(t, err)

		assert.NotEqual(t, unfiltered.CachePath, filtered.CachePath)
	})

	t.Run("exchange and calendar fields are embedded zero-padded", func(t *testing.T) {
		t.Parallel()

		addr, err := sliceaddr.New("deribit", minute("2020-01-02T03:04:00Z"), nil)
		require.NoError(t, err)
		assert.Equal(t, "deribit/2020-01-02/03/04/all.ndjson", addr.CachePath)
	})
}
