package diff

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageAndListPending(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	a := r.Stage("c1", "a.txt", "old\n", "new\n")
	b := r.Stage("c1", "b.txt", "x\n", "y\n")

	pending, err := r.ListPending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	consumed, err := r.Accept(ctx, a.ID, "looks good")
	require.NoError(t, err)
	assert.True(t, consumed)

	pending, err = r.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
}

func TestResolveTwiceFails(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	p := r.Stage("c1", "a.txt", "old\n", "new\n")
	_, err := r.Reject(ctx, p.ID, "")
	require.NoError(t, err)

	_, err = r.Accept(ctx, p.ID, "")
	assert.ErrorIs(t, err, ErrNotPending)
}

func TestRevertRejectsConversationDiffs(t *testing.T) {
	r := NewRegistry()
	ctx := context.Background()

	r.Stage("c1", "a.txt", "old\n", "new\n")
	r.Stage("c2", "b.txt", "x\n", "y\n")

	require.NoError(t, r.Revert(ctx, "c1"))

	pending, err := r.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "c2", pending[0].ConversationID)
}

func TestFindByPath(t *testing.T) {
	r := NewRegistry()
	p := r.Stage("c1", "a.txt", "old\n", "new\n")

	found, ok := r.FindByPath("a.txt")
	require.True(t, ok)
	assert.Equal(t, p.ID, found.ID)

	_, ok = r.FindByPath("missing.txt")
	assert.False(t, ok)
}

func TestStageReplace(t *testing.T) {
	r := NewRegistry()
	p, err := r.StageReplace("c1", "a.go", "a\nb\nc\n", "b", "B", false)
	require.NoError(t, err)
	assert.Equal(t, "a\nB\nc\n", p.NewContent)

	_, err = r.StageReplace("c1", "a.go", "a\nb\nc\n", "zzz", "B", false)
	assert.Error(t, err)
}

func TestReplacePasses(t *testing.T) {
	tests := []struct {
		name       string
		content    string
		old        string
		new        string
		replaceAll bool
		want       string
		wantErr    bool
	}{
		{
			name:    "exact match",
			content: "one\ntwo\nthree\n",
			old:     "two",
			new:     "2",
			want:    "one\n2\nthree\n",
		},
		{
			name:    "trailing whitespace trimmed",
			content: "one\ntwo  \nthree\n",
			old:     "two",
			new:     "2",
			want:    "one\n2\nthree\n",
		},
		{
			name:    "all whitespace trimmed",
			content: "\tindented\n",
			old:     "indented",
			new:     "changed",
			want:    "changed\n",
		},
		{
			name:    "substring fallback",
			content: "prefix middle suffix\n",
			old:     "middle",
			new:     "center",
			want:    "prefix center suffix\n",
		},
		{
			name:       "replace all",
			content:    "a\nx\na\n",
			old:        "a",
			new:        "b",
			replaceAll: true,
			want:       "b\nx\nb\n",
		},
		{
			name:    "ambiguous match",
			content: "a\nx\na\n",
			old:     "a",
			new:     "b",
			wantErr: true,
		},
		{
			name:    "no-op",
			content: "a\n",
			old:     "same",
			new:     "same",
			wantErr: true,
		},
		{
			name:    "multi-line region",
			content: "a\nb\nc\nd\n",
			old:     "b\nc",
			new:     "bc",
			want:    "a\nbc\nd\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Replace(tt.content, tt.old, tt.new, tt.replaceAll)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
