package archivestore

import (
	"encoding/json"

	"github.com/justapithecus/safe-run/types"
)

// canonicalReportJSON encodes a report using its declared struct field
// order (the wire contract), not the sorted canonical form the
// integrity digest is computed over.
func canonicalReportJSON(report types.RunReport) ([]byte, error) {
	return json.MarshalIndent(report, "", "  ")
}

func decodeReportJSON(data []byte) (types.RunReport, error) {
	var report types.RunReport
	if err := json.Unmarshal(data, &report); err != nil {
		return types.RunReport{}, err
	}
	return report, nil
}
