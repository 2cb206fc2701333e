package gitstate

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/stretchr/testify/require"
)

// TestSnapshotRestoreRoundTripProperty verifies the snapshot/restore
// invariant spec.md §8 places on Workspace State: restoring a commit id
// returned by Snapshot always reproduces the file content staged at
// snapshot time, regardless of what happens to the working tree afterwards.
func TestSnapshotRestoreRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("restore reproduces the content staged at snapshot time", prop.ForAll(
		func(tc snapshotTestCase) bool {
			dir := t.TempDir()
			state, err := Open(dir)
			if err != nil {
				return false
			}
			ctx := context.Background()

			path := filepath.Join(dir, tc.fileName)
			if err := os.WriteFile(path, []byte(tc.before), 0o644); err != nil {
				return false
			}
			commitID, err := state.Snapshot(ctx, tc.label)
			if err != nil || commitID == "" {
				return false
			}

			if err := os.WriteFile(path, []byte(tc.after), 0o644); err != nil {
				return false
			}

			ok, err := state.Restore(ctx, commitID, "", true)
			if err != nil || !ok {
				return false
			}

			restored, err := os.ReadFile(path)
			if err != nil {
				return false
			}
			return string(restored) == tc.before
		},
		genSnapshotTestCase(),
	))

	properties.TestingRun(t)
}

// TestEnsureBranchIsIdempotentProperty verifies that pointing the same
// branch at the same commit twice leaves DescribeHead unchanged, matching
// spec.md §8's idempotence requirement for branch bookkeeping.
func TestEnsureBranchIsIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 40
	properties := gopter.NewProperties(parameters)

	properties.Property("EnsureBranch is idempotent", prop.ForAll(
		func(tc snapshotTestCase) bool {
			dir := t.TempDir()
			state, err := Open(dir)
			if err != nil {
				return false
			}
			ctx := context.Background()

			path := filepath.Join(dir, tc.fileName)
			if err := os.WriteFile(path, []byte(tc.before), 0o644); err != nil {
				return false
			}
			commitID, err := state.Snapshot(ctx, tc.label)
			if err != nil || commitID == "" {
				return false
			}

			if err := state.EnsureBranch(ctx, "property-branch", commitID, true); err != nil {
				return false
			}
			first, err := state.DescribeHead(ctx)
			if err != nil {
				return false
			}
			if err := state.EnsureBranch(ctx, "property-branch", commitID, true); err != nil {
				return false
			}
			second, err := state.DescribeHead(ctx)
			if err != nil {
				return false
			}
			return first == second
		},
		genSnapshotTestCase(),
	))

	properties.TestingRun(t)
}

type snapshotTestCase struct {
	fileName string
	label    string
	before   string
	after    string
}

func genSnapshotTestCase() gopter.Gen {
	return gopter.CombineGens(
		genAlphaFileName(),
		genAlphaString(0, 20),
		genAlphaString(1, 40),
		genAlphaString(1, 40),
	).Map(func(vals []any) snapshotTestCase {
		return snapshotTestCase{
			fileName: vals[0].(string),
			label:    vals[1].(string),
			before:   vals[2].(string),
			after:    vals[3].(string),
		}
	})
}

func genAlphaFileName() gopter.Gen {
	return genAlphaString(1, 12).Map(func(s string) string {
		return s + ".txt"
	})
}

func genAlphaString(min, max int) gopter.Gen {
	return gen.IntRange(min, max).FlatMap(func(length any) gopter.Gen {
		return gen.SliceOfN(length.(int), gen.AlphaChar()).Map(func(chars []rune) string {
			return string(chars)
		})
	}, reflect.TypeOf(""))
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	first, err := Open(dir)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := Open(dir)
	require.NoError(t, err)
	require.NotNil(t, second)
}
