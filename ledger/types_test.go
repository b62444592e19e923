package ledger_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/stock-ledger/branch"
	"github.com/warp/stock-ledger/docstore/memory"
	"github.com/warp/stock-ledger/ledger"
)

func TestMergeItems(t *testing.T) {
	tests := []struct {
		name  string
		items []ledger.Item
		want  []ledger.Item
	}{
		{
			name:  "distinct products keep order",
			items: []ledger.Item{{ProductID: "b", Delta: 1}, {ProductID: "a", Delta: -1}},
			want:  []ledger.Item{{ProductID: "b", Delta: 1}, {ProductID: "a", Delta: -1}},
		},
		{
			name:  "duplicates are summed at first position",
			items: []ledger.Item{{ProductID: "a", Delta: -2}, {ProductID: "b", Delta: 4}, {ProductID: "a", Delta: -3}},
			want:  []ledger.Item{{ProductID: "a", Delta: -5}, {ProductID: "b", Delta: 4}},
		},
		{
			name:  "net zero is kept",
			items: []ledger.Item{{ProductID: "a", Delta: 2}, {ProductID: "a", Delta: -2}},
			want:  []ledger.Item{{ProductID: "a", Delta: 0}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ledger.MergeItems(tc.items)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMergeItems_Rejects(t *testing.T) {
	_, err := ledger.MergeItems(nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)

	_, err = ledger.MergeItems([]ledger.Item{{ProductID: "a", Delta: 1}, {Delta: 2}})
	var argErr *ledger.ArgumentError
	require.ErrorAs(t, err, &argErr)
	assert.Equal(t, "items[1].productId", argErr.Field)
}

func TestChange_Applied(t *testing.T) {
	c := ledger.Change{Before: 6, After: 10, Delta: 4}
	assert.Equal(t, int64(4), c.Applied())
	assert.False(t, c.Clamped())
}

func TestStockKey(t *testing.T) {
	assert.Equal(t, "SANCAK_42", ledger.StockKey("SANCAK", "42"))
}

func TestScopeFor(t *testing.T) {
	binder := branch.NewBinder(branch.MustRegistry("SANCAK", "MERKEZ"), memory.NewMemory(), nil)

	_, err := ledger.ScopeFor(binder, "t1", "dev1")
	assert.ErrorIs(t, err, ledger.ErrNoBranchSelected)
	assert.True(t, ledger.IsClientError(err))

	_, err = ledger.ScopeFor(binder, "", "dev1")
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)

	_, err = binder.Bind(context.Background(), "t1", "dev1", "MERKEZ", "web")
	require.NoError(t, err)

	scope, err := ledger.ScopeFor(binder, "t1", "dev1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Scope{TenantID: "t1", Branch: "MERKEZ", DeviceID: "dev1"}, scope)
	assert.NoError(t, scope.Validate())
	assert.ErrorIs(t, ledger.Scope{TenantID: "t1"}.Validate(), ledger.ErrInvalidArgument)
}
