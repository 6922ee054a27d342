package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-kit/offline"
	"github.com/c0deZ3R0/go-offline-kit/transport/httpclient"
)

func TestLastWriterWins(t *testing.T) {
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name     string
		op       offline.Operation
		local    time.Time
		record   *time.Time
		server   time.Time
		deleted  bool
		expected Resolution
	}{
		{name: "local newer", op: offline.OpUpdate, local: base.Add(time.Minute), server: base, expected: ResolutionRebaseLocal},
		{name: "server newer", op: offline.OpUpdate, local: base, server: base.Add(time.Minute), expected: ResolutionAdoptServer},
		{name: "tie prefers server", op: offline.OpUpdate, local: base, server: base, expected: ResolutionAdoptServer},
		{name: "record edited after enqueue", op: offline.OpUpdate, local: base.Add(-time.Hour), record: ptr(base.Add(time.Hour)), server: base, expected: ResolutionRebaseLocal},
		{name: "local delete", op: offline.OpDelete, local: base.Add(time.Hour), server: base, expected: ResolutionManualReview},
		{name: "server deleted", op: offline.OpUpdate, local: base.Add(time.Hour), server: base, deleted: true, expected: ResolutionManualReview},
		{name: "create conflict", op: offline.OpCreate, local: base.Add(time.Hour), server: base, expected: ResolutionManualReview},
	}

	r := &LastWriterWins{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Conflict{
				Entry:  offline.QueueEntry{Operation: tt.op, ModifiedAt: tt.local},
				Server: httpclient.Conflict{ModifiedAt: tt.server, Deleted: tt.deleted, Revision: 4},
			}
			if tt.record != nil {
				c.Local, c.LocalFound = offline.Record{LastModifiedAt: *tt.record}, true
			}
			d, err := r.Resolve(context.Background(), c)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, d.Resolution)
			assert.NotEmpty(t, d.Reasons)
		})
	}
}

func TestManualReviewResolver(t *testing.T) {
	d, err := (&ManualReview{Reason: "dispatcher policy"}).Resolve(context.Background(), Conflict{})
	require.NoError(t, err)
	assert.Equal(t, ResolutionManualReview, d.Resolution)
	assert.Contains(t, d.Reasons, "dispatcher policy")
}

func ptr[T any](v T) *T { return &v }
