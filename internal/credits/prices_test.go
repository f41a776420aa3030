package credits

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriceTable(t *testing.T) {
	prices, err := NewPriceTable(map[string]int64{"Image_Analysis": 1, "image_generation": 2})
	require.NoError(t, err)

	price, err := prices.Price(" image_analysis ")
	require.NoError(t, err)
	require.EqualValues(t, 1, price)

	_, err = prices.Price("speech")
	require.ErrorIs(t, err, ErrUnknownAction)
	require.Equal(t, []string{"image_analysis", "image_generation"}, prices.Actions())
}

func TestPriceTableRejectsBadPrices(t *testing.T) {
	for name, in := range map[string]map[string]int64{
		"empty":    {},
		"zero":     {"image_analysis": 0},
		"negative": {"image_analysis": -2},
		"blank":    {" ": 1},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewPriceTable(in)
			require.Error(t, err)
		})
	}
}
