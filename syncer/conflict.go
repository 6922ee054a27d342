package syncer

import (
	"context"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/offline"
	"github.com/c0deZ3R0/go-offline-kit/transport/httpclient"
)

// Resolution is the outcome of a conflict.
type Resolution string

const (
	// ResolutionRebaseLocal resends the local change on top of the server revision.
	ResolutionRebaseLocal Resolution = "rebase_local"
	// ResolutionAdoptServer drops the local change and stores the server copy.
	ResolutionAdoptServer Resolution = "adopt_server"
	// ResolutionManualReview fails the entry permanently for a human to reconcile.
	ResolutionManualReview Resolution = "manual_review"
)

// Conflict is a rejected write together with both sides' view of the record.
type Conflict struct {
	Entry offline.QueueEntry
	// Local is the stored record; LocalFound is false if it no longer exists.
	Local      offline.Record
	LocalFound bool
	Server     httpclient.Conflict
}

// localModifiedAt is the newest local modification time known for the record.
func (c Conflict) localModifiedAt() time.Time {
	if c.LocalFound && c.Local.LastModifiedAt.After(c.Entry.ModifiedAt) {
		return c.Local.LastModifiedAt
	}
	return c.Entry.ModifiedAt
}

// Decision is a resolver's verdict.
type Decision struct {
	Resolution Resolution
	Reasons    []string
}

// ConflictResolver decides how a conflict is settled.
type ConflictResolver interface {
	Resolve(ctx context.Context, c Conflict) (Decision, error)
}

var (
	_ ConflictResolver = (*LastWriterWins)(nil)
	_ ConflictResolver = (*ManualReview)(nil)
)

// LastWriterWins compares modification times. The local change wins only
// when strictly newer; ties go to the server. Conflicts involving a delete on
// either side are never resolved automatically.
type LastWriterWins struct{}

func (r *LastWriterWins) Resolve(ctx context.Context, c Conflict) (Decision, error) {
	switch {
	case c.Entry.Operation == offline.OpDelete:
		return Decision{Resolution: ResolutionManualReview, Reasons: []string{"local delete conflicts with a server update"}}, nil
	case c.Server.Deleted:
		return Decision{Resolution: ResolutionManualReview, Reasons: []string{"record was deleted on the server"}}, nil
	case c.Entry.Operation != offline.OpUpdate:
		return Decision{Resolution: ResolutionManualReview, Reasons: []string{"only updates are merged automatically"}}, nil
	}

	local := c.localModifiedAt()
	if local.After(c.Server.ModifiedAt) {
		return Decision{Resolution: ResolutionRebaseLocal, Reasons: []string{"local newer"}}, nil
	}
	if local.Equal(c.Server.ModifiedAt) {
		return Decision{Resolution: ResolutionAdoptServer, Reasons: []string{"equal timestamps, prefer server"}}, nil
	}
	return Decision{Resolution: ResolutionAdoptServer, Reasons: []string{"server newer"}}, nil
}

// ManualReview sends every conflict to manual reconciliation.
type ManualReview struct{ Reason string }

func (r *ManualReview) Resolve(ctx context.Context, c Conflict) (Decision, error) {
	reasons := []string{"manual review required"}
	if r.Reason != "" {
		reasons = append(reasons, r.Reason)
	}
	return Decision{Resolution: ResolutionManualReview, Reasons: reasons}, nil
}
