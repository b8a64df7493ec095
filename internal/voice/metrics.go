package voice

// SessionMetrics carries per-session counters and latest-sample gauges.
// Latency fields are last-sample gauges, not histograms; counters are
// strictly monotonic.
type SessionMetrics struct {
	SttLatencyMs         int64 `json:"sttLatencyMs"`
	TranslationLatencyMs int64 `json:"translationLatencyMs"`
	TtsLatencyMs         int64 `json:"ttsLatencyMs"`
	PipelineLatencyMs    int64 `json:"pipelineLatencyMs"`
	DroppedFrames        int64 `json:"droppedFrames"`
	PassthroughFrames    int64 `json:"passthroughFrames"`
	TranslatedChunks     int64 `json:"translatedChunks"`
	EgressDropCount      int64 `json:"egressDropCount"`
	EgressQueuePeak      int   `json:"egressQueuePeak"`
}
