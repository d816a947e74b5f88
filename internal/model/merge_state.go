package model

import (
	"encoding/json"
	"fmt"
)

// MergePhase tags the resumable state of the merge step. The merge step's
// output_data is the persisted continuation of the pipeline across stateless
// invocations: the driver writes "ready", the poller moves it through
// "started" to "done".
type MergePhase string

const (
	MergePhaseReady   MergePhase = "ready"
	MergePhaseStarted MergePhase = "started"
	MergePhaseDone    MergePhase = "done"
)

// MergeState is the decoded continuation state carried in the merge step's
// output_data. All reads and writes of that field go through Decode/Encode so
// the stored shape stays consistent.
type MergeState struct {
	Phase               MergePhase `json:"phase,omitempty"`
	ReadyForMerge       bool       `json:"ready_for_merge,omitempty"`
	ImageURLs           []string   `json:"image_urls,omitempty"`
	VideoURLs           []string   `json:"video_urls,omitempty"`
	AudioURL            string     `json:"audio_url,omitempty"`
	OutputFormat        string     `json:"output_format,omitempty"`
	ProviderJobID       string     `json:"provider_job_id,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures,omitempty"`
	OutputURL           string     `json:"output_url,omitempty"`
}

// DecodeMergeState reads a MergeState from a step's output_data. A missing or
// empty map decodes to the zero state (no phase).
func DecodeMergeState(data JSONMap) (MergeState, error) {
	var state MergeState
	if len(data) == 0 {
		return state, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return state, fmt.Errorf("failed to encode merge state: %w", err)
	}
	if err := json.Unmarshal(b, &state); err != nil {
		return state, fmt.Errorf("failed to decode merge state: %w", err)
	}
	return state, nil
}

// Encode converts the state back to the output_data shape.
func (s MergeState) Encode() (JSONMap, error) {
	return ToJSONMap(s)
}

// MustEncode is Encode for states built from plain values, where
// serialization cannot fail.
func (s MergeState) MustEncode() JSONMap {
	m, err := s.Encode()
	if err != nil {
		panic(err)
	}
	return m
}
