package cmd

import (
	"io"
	"strconv"

	"github.com/google/uuid"

	"github.com/3leaps/depotwatch/pkg/depotstore"
	"github.com/3leaps/depotwatch/pkg/output"
	"github.com/3leaps/depotwatch/pkg/pipeline"
)

// newRecordWriter starts a JSONL stream with a fresh run id.
func newRecordWriter(w io.Writer, source string) *output.JSONLWriter {
	return output.NewJSONLWriter(w, uuid.NewString(), source)
}

func formatID(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func depotRecord(d depotstore.Depot) *output.DepotRecord {
	return &output.DepotRecord{
		DepotID:        d.DepotID,
		Name:           d.Name,
		ManifestID:     formatID(d.ManifestID),
		BuildID:        d.BuildID,
		LastManifestID: formatID(d.LastManifestID),
		LastUpdated:    d.LastUpdated.UTC(),
	}
}

func historyRecord(h depotstore.HistoryEntry) *output.HistoryRecord {
	return &output.HistoryRecord{
		ID:       h.ID,
		ChangeID: h.ChangeID,
		DepotID:  h.DepotID,
		Path:     h.Path,
		Action:   string(h.Action),
		OldValue: formatID(h.OldValue),
		NewValue: formatID(h.NewValue),
		Time:     h.Time.UTC(),
	}
}

func jobRecord(job pipeline.Job) *output.JobRecord {
	rec := &output.JobRecord{
		ChangeID:           job.ChangeID,
		DepotID:            job.DepotID,
		DepotName:          job.DepotName,
		ManifestID:         formatID(job.ManifestID),
		PreviousManifestID: formatID(job.PreviousManifestID),
		State:              string(job.State),
		Server:             job.Server,
	}
	if job.Err != nil {
		rec.Error = job.Err.Error()
	}
	if r := job.Result; r != nil {
		rec.Added = r.Added
		rec.Removed = r.Removed
		rec.Updated = r.Updated
		rec.HistoryRows = r.HistoryRows
	}
	return rec
}
