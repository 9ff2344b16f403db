package buffer

import (
	"github.com/perceptr/perceptr-go/internal/domain"
)

// SevenMegabytes is the hard per-upload size cap, chosen to stay under
// typical ingestion endpoint limits.
const SevenMegabytes = 7_000_000

// Split recursively halves a batch at the midpoint of its event list until
// every piece is under maxSize or holds a single event. Pieces inherit the
// parent's session, start and end times; the first piece keeps the parent's
// batch id, later pieces get fresh ones from newID. When the parent is a
// terminal batch, only the last piece carries the terminal flag.
func Split(b *domain.Batch, maxSize int, newID func() string) []*domain.Batch {
	pieces := split(b, maxSize, newID, true)
	if b.IsSessionEnded {
		for _, p := range pieces {
			p.IsSessionEnded = false
		}
		pieces[len(pieces)-1].IsSessionEnded = true
	}
	return pieces
}

func split(b *domain.Batch, maxSize int, newID func() string, keepID bool) []*domain.Batch {
	if b.Size < maxSize || len(b.Data) < 2 {
		if !keepID {
			b.BatchID = newID()
		}
		return []*domain.Batch{b}
	}

	mid := len(b.Data) / 2
	left := slice(b, b.Data[:mid])
	right := slice(b, b.Data[mid:])

	out := split(left, maxSize, newID, keepID)
	out = append(out, split(right, maxSize, newID, false)...)
	return out
}

// slice copies batch envelope fields around a sub-range of events,
// re-estimating size from the sub-range.
func slice(b *domain.Batch, events []domain.Event) *domain.Batch {
	return &domain.Batch{
		SessionID:      b.SessionID,
		BatchID:        b.BatchID,
		IsSessionEnded: b.IsSessionEnded,
		StartTime:      b.StartTime,
		EndTime:        b.EndTime,
		Size:           domain.EstimateSize(events),
		Data:           events,
		Metadata: domain.Metadata{
			EventCount: len(events),
			Compressed: b.Metadata.Compressed,
			SDKVersion: b.Metadata.SDKVersion,
		},
		UserIdentity: b.UserIdentity,
	}
}
