package environment

import (
	"encoding/json"
	"time"

	"github.com/i474232898/envirodata/internal/stats"
)

// Variable is an environmental quantity a Service answers for, together
// with the statistics computed for it.
type Variable struct {
	Name        string
	Units       string
	Description string
	Statistics  []stats.Statistic
}

// StatisticNames lists the statistic names in configured order.
func (v Variable) StatisticNames() []string {
	names := make([]string, len(v.Statistics))
	for i, s := range v.Statistics {
		names[i] = s.Name
	}
	return names
}

// RawSample is a single value read from a backend. Value is stats.Missing()
// when the backend holds no data for the point.
type RawSample struct {
	Time  time.Time
	Value float64
}

// Statistics maps statistic name to value.
type Statistics map[string]stats.Value

// Variables maps variable name to its statistics.
type Variables map[string]Statistics

// ServiceResult is the answer of one Service. Err is set when the service
// failed, in which case Variables is empty.
type ServiceResult struct {
	Variables Variables
	Err       error
}

// MarshalJSON renders a failed service as an error marker.
func (r ServiceResult) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(struct {
			Error string `json:"error"`
		}{Error: r.Err.Error()})
	}
	if r.Variables == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(r.Variables)
}

// Result maps service label to the service's answer.
type Result map[string]ServiceResult

// VariableMetadata describes a configured variable.
type VariableMetadata struct {
	Units       string   `json:"units"`
	Description string   `json:"description"`
	Statistics  []string `json:"statistics"`
}

// Metadata maps service label to variable name to metadata.
type Metadata map[string]map[string]VariableMetadata
