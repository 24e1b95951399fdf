// Benchmarks comparing Sonic to encoding/json on the payloads this repo
// actually serializes: graph nodes on the store path and node batches on
// the retrieval path.
package jsonx_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rmkernel/rmk/internal/graph"
	"github.com/rmkernel/rmk/internal/jsonx"
)

var (
	benchTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	entityNode = graph.Node{
		UID:         "0x4e2a",
		Name:        "Emma",
		Kind:        graph.KindEntity,
		Description: "User's sister, lives in Boston",
		Tags:        []string{"family", "sister"},
		Namespace:   "user_alice",
		Activation:  0.62,
		CreatedAt:   benchTime,
	}

	factNode = graph.Node{
		UID:         "0x4e2b",
		Name:        "Quarterly roadmap review",
		Kind:        graph.KindFact,
		Description: "The roadmap review moved to the first Monday of each quarter after the March planning change.",
		Tags:        []string{"work", "meeting", "schedule"},
		Attributes: map[string]string{
			"merge_count": "3",
			"source_job":  "9f1c2d",
			"confidence":  "0.87",
		},
		Namespace:    "group_platform",
		Activation:   0.81,
		AccessCount:  42,
		LastAccessed: benchTime,
		CreatedAt:    benchTime.Add(-90 * 24 * time.Hour),
		UpdatedAt:    benchTime,
		Embedding:    benchEmbedding(768),
	}
)

func benchEmbedding(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(i%13) / 13
	}
	return v
}

func benchNodeBatch(n int) []graph.Node {
	nodes := make([]graph.Node, n)
	for i := range nodes {
		nodes[i] = entityNode
		nodes[i].UID = entityNode.UID + string(rune('a'+i%26))
	}
	return nodes
}

func BenchmarkSonicMarshalNode(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = jsonx.Marshal(entityNode)
	}
}

func BenchmarkJSONMarshalNode(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = json.Marshal(entityNode)
	}
}

func BenchmarkSonicMarshalNodeWithEmbedding(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = jsonx.Marshal(factNode)
	}
}

func BenchmarkJSONMarshalNodeWithEmbedding(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = json.Marshal(factNode)
	}
}

func BenchmarkSonicUnmarshalNode(b *testing.B) {
	data, _ := json.Marshal(factNode)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var n graph.Node
		_ = jsonx.Unmarshal(data, &n)
	}
}

func BenchmarkJSONUnmarshalNode(b *testing.B) {
	data, _ := json.Marshal(factNode)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var n graph.Node
		_ = json.Unmarshal(data, &n)
	}
}

func BenchmarkSonicMarshalNodeBatch(b *testing.B) {
	batch := benchNodeBatch(100)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = jsonx.Marshal(batch)
	}
}

func BenchmarkJSONMarshalNodeBatch(b *testing.B) {
	batch := benchNodeBatch(100)
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = json.Marshal(batch)
	}
}

func BenchmarkSonicUnmarshalNodeBatch(b *testing.B) {
	data, _ := json.Marshal(benchNodeBatch(100))
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var nodes []graph.Node
		_ = jsonx.Unmarshal(data, &nodes)
	}
}

func BenchmarkJSONUnmarshalNodeBatch(b *testing.B) {
	data, _ := json.Marshal(benchNodeBatch(100))
	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var nodes []graph.Node
		_ = json.Unmarshal(data, &nodes)
	}
}
