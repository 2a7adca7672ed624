package checkpoint

import (
	"errors"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ledger = ".specforge/checkpoints.json"

func TestRun_ExecutesOnceAndReplays(t *testing.T) {
	t.Parallel()
	fs := memfs.New()
	store, err := Open(fs, ledger, nil)
	require.NoError(t, err)

	calls := 0
	fn := func() (string, error) {
		calls++
		return "value", nil
	}

	got, err := Run(store, "unit/models", fn)
	require.NoError(t, err)
	assert.Equal(t, "value", got)

	got, err = Run(store, "unit/models", fn)
	require.NoError(t, err)
	assert.Equal(t, "value", got)
	assert.Equal(t, 1, calls, "completed operation must not run again")
}

func TestRun_ReplaysAcrossReopen(t *testing.T) {
	t.Parallel()
	fs := memfs.New()
	store, err := Open(fs, ledger, nil)
	require.NoError(t, err)

	type result struct {
		Files []string `json:"files"`
	}
	_, err = Run(store, "unit/models", func() (result, error) {
		return result{Files: []string{"a.ts", "b.ts"}}, nil
	})
	require.NoError(t, err)

	reopened, err := Open(fs, ledger, nil)
	require.NoError(t, err)
	assert.True(t, reopened.HasRecords())

	got, err := Run(reopened, "unit/models", func() (result, error) {
		t.Fatal("stored operation must not re-run after reopen")
		return result{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.ts", "b.ts"}, got.Files)
}

func TestRun_FailureLeavesOperationRetryable(t *testing.T) {
	t.Parallel()
	fs := memfs.New()
	store, err := Open(fs, ledger, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = Run(store, "unit/models", func() (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
	assert.False(t, store.HasRecords())

	got, err := Run(store, "unit/models", func() (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestIterate_ResumesFromLastIndex(t *testing.T) {
	t.Parallel()
	fs := memfs.New()
	store, err := Open(fs, ledger, nil)
	require.NoError(t, err)

	items := []string{"a", "b", "c", "d"}
	boom := errors.New("boom")

	processed := 0
	_, err = Iterate(store, "unit/tests", items, []string(nil), func(item string, acc []string) ([]string, error) {
		if item == "c" {
			return acc, boom
		}
		processed++
		return append(acc, item), nil
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, processed)

	// A fresh store over the same ledger resumes at the failed item.
	reopened, err := Open(fs, ledger, nil)
	require.NoError(t, err)

	var resumed []string
	acc, err := Iterate(reopened, "unit/tests", items, []string(nil), func(item string, acc []string) ([]string, error) {
		resumed = append(resumed, item)
		return append(acc, item), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "d"}, resumed, "completed items must not be reprocessed")
	assert.Equal(t, []string{"a", "b", "c", "d"}, acc, "accumulator must carry across the restart")
}

func TestIterate_CompleteReplaysAccumulator(t *testing.T) {
	t.Parallel()
	fs := memfs.New()
	store, err := Open(fs, ledger, nil)
	require.NoError(t, err)

	items := []int{1, 2, 3}
	sum, err := Iterate(store, "unit/sum", items, 0, func(item, acc int) (int, error) {
		return acc + item, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 6, sum)

	sum, err = Iterate(store, "unit/sum", items, 0, func(item, acc int) (int, error) {
		t.Fatal("completed iteration must not re-run")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 6, sum)
}

func TestClear_RemovesLedger(t *testing.T) {
	t.Parallel()
	fs := memfs.New()
	store, err := Open(fs, ledger, nil)
	require.NoError(t, err)

	_, err = Run(store, "op", func() (bool, error) { return true, nil })
	require.NoError(t, err)
	require.True(t, store.HasRecords())

	require.NoError(t, store.Clear())
	assert.False(t, store.HasRecords())

	reopened, err := Open(fs, ledger, nil)
	require.NoError(t, err)
	assert.False(t, reopened.HasRecords())

	// Clearing an already-clean store is fine.
	require.NoError(t, reopened.Clear())
}

func TestOpen_CorruptLedgerIsIOError(t *testing.T) {
	t.Parallel()
	fs := memfs.New()
	f, err := fs.Create(ledger)
	require.NoError(t, err)
	_, err = f.Write([]byte("{not json"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(fs, ledger, nil)
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr), "want IOError, got %T", err)
}
