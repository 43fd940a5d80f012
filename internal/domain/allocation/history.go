package allocation

import (
	"time"

	"github.com/hospital/ops/internal/domain/records"
)

// appendHistory records the bed's current status and occupant. Entries are
// only ever appended.
func appendHistory(b *records.Bed, now time.Time) {
	entry := records.HistoryEntry{Timestamp: now, Status: b.Status}
	if b.Occupant != nil {
		name, id := b.Occupant.Name, b.Occupant.PatientID
		entry.OccupantName = &name
		entry.OccupantPatientID = &id
	}
	b.History = append(b.History, entry)
}
