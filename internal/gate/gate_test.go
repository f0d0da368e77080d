package gate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meigma/srcset/blobid"
	"github.com/meigma/srcset/internal/testutil"
)

func TestEnsure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		present   bool
		hasErr    error
		want      bool
		wantCalls int64
	}{
		{name: "present", present: true, want: true, wantCalls: 0},
		{name: "absent", present: false, want: false, wantCalls: 1},
		{name: "store error", present: true, hasErr: testutil.ErrInjected, want: false, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			store := testutil.NewBlobStore()
			id := blobid.Sum([]byte("blob"))
			if tt.present {
				store.Add([]byte("blob"))
			}
			if tt.hasErr != nil {
				store.SetHasError(tt.hasErr)
			}

			g := New(store, nil)
			assert.Equal(t, tt.want, g.Ensure(context.Background(), id))
			assert.Equal(t, int64(1), store.HasCalls.Load())
			assert.Equal(t, tt.wantCalls, store.WantCalls.Load())
			assert.Equal(t, int64(0), store.GetCalls.Load())
		})
	}
}
