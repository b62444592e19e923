package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// RETRY POLICY TESTS
// =============================================================================

func TestRetryPolicy_RetriesOnlyConflicts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, Backoff: time.Millisecond}

	calls := 0
	err := p.Run(context.Background(), func(n int) error {
		calls++
		if n < 3 {
			return ErrConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	calls = 0
	boom := errors.New("boom")
	err = p.Run(context.Background(), func(int) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrTransactionFailed, "non-conflict errors are returned as-is")
	assert.Equal(t, 1, calls)
}

func TestRetryPolicy_Exhausted(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}

	err := p.Run(context.Background(), func(int) error { return ErrConflict })

	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	assert.Equal(t, 3, txErr.Attempts)
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.ErrorIs(t, err, ErrConflict)
	assert.True(t, IsRetryable(txErr.Cause))
}

func TestRetryPolicy_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := RetryPolicy{MaxAttempts: 5}.Run(ctx, func(int) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestRetryPolicy_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := RetryPolicy{}.Run(context.Background(), func(int) error {
		calls++
		return ErrConflict
	})
	assert.ErrorIs(t, err, ErrTransactionFailed)
	assert.Equal(t, 1, calls)
}

// =============================================================================
// DOCUMENT HELPER TESTS
// =============================================================================

func TestEncodeDecode(t *testing.T) {
	type record struct {
		Branch string `json:"branch"`
		Stock  int64  `json:"stock"`
	}

	doc, err := Encode(record{Branch: "SANCAK", Stock: 7})
	require.NoError(t, err)
	assert.Equal(t, "SANCAK", doc["branch"])
	assert.True(t, ValuesEqual(doc["stock"], 7))

	var out record
	require.NoError(t, Decode(doc, &out))
	assert.Equal(t, record{Branch: "SANCAK", Stock: 7}, out)

	_, err = Encode(make(chan int))
	assert.Error(t, err)
}

func TestEncodeDecode_LargeIntegersAreExact(t *testing.T) {
	type record struct {
		Stock int64 `json:"stock"`
	}

	for _, v := range []int64{1<<53 + 1, math.MaxInt64} {
		doc, err := Encode(record{Stock: v})
		require.NoError(t, err)
		assert.IsType(t, json.Number(""), doc["stock"])

		var out record
		require.NoError(t, Decode(doc, &out))
		assert.Equal(t, v, out.Stock)
	}
}

func TestUnmarshal_KeepsNumbers(t *testing.T) {
	doc, err := Unmarshal([]byte(`{"stock":9007199254740993,"branch":"SANCAK"}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), doc["stock"])
	assert.Equal(t, "SANCAK", doc["branch"])

	_, err = Unmarshal([]byte(`{"stock":`))
	assert.Error(t, err)
}

func TestMergeInto_KeepsForeignFields(t *testing.T) {
	base := Document{"stock": 3, "note": "shelf B"}
	merged := MergeInto(base, Document{"stock": 5})

	assert.Equal(t, Document{"stock": 5, "note": "shelf B"}, merged)
	assert.Equal(t, 3, base["stock"], "base is not modified")
	assert.Equal(t, Document{"a": 1}, MergeInto(nil, Document{"a": 1}))
	assert.Nil(t, Clone(nil))
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, ValuesEqual(int64(42), float64(42)))
	assert.True(t, ValuesEqual("SANCAK", "SANCAK"))
	assert.False(t, ValuesEqual("42", 42))
	assert.False(t, ValuesEqual("SANCAK", "MERKEZ"))
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("branchStocks", "SANCAK_42"))
	assert.ErrorIs(t, ValidateKey("", "k"), ErrInvalidKey)
	assert.ErrorIs(t, ValidateKey("c", ""), ErrInvalidKey)
}
