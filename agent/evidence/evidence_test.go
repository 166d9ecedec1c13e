package evidence

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/curatedhealth/vital-expert-platform-sub045/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testEmbedder 按关键字映射到固定向量
type testEmbedder struct {
	calls   int
	queryFn func(ctx context.Context, query string) ([]float64, error)
}

func (e *testEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float64, error) {
	e.calls++
	out := make([][]float64, len(texts))
	for i, t := range texts {
		out[i] = keywordVector(t)
	}
	return out, nil
}

func (e *testEmbedder) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	if e.queryFn != nil {
		return e.queryFn(ctx, query)
	}
	return keywordVector(query), nil
}

func keywordVector(text string) []float64 {
	text = strings.ToLower(text)
	v := []float64{0, 0, 0}
	if strings.Contains(text, "cardio") {
		v[0] = 1
	}
	if strings.Contains(text, "renal") {
		v[1] = 1
	}
	if strings.Contains(text, "trial") {
		v[2] = 1
	}
	return v
}

func sampleDocs() []Document {
	return []Document{
		{ID: "d1", Title: "Cardio outcomes", Source: "NEJM", Content: "cardio outcomes in heart failure"},
		{ID: "d2", Title: "Renal dosing", Source: "KDIGO", Content: "renal dose adjustment guidance"},
		{ID: "d3", Title: "Trial design", Source: "FDA", URL: "https://example.org/trial", Content: "cardio trial endpoints"},
	}
}

func TestLibrary_AddAndSearch(t *testing.T) {
	emb := &testEmbedder{}
	lib := NewLibrary(zap.NewNop())
	require.NoError(t, lib.Add(context.Background(), emb, sampleDocs()))
	assert.Equal(t, 3, lib.Count())
	assert.Equal(t, 1, emb.calls)

	matches := lib.Search([]float64{1, 0, 0}, 5, 0.1)
	require.Len(t, matches, 2)
	assert.Equal(t, "d1", matches[0].Document.ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
	assert.Equal(t, "d3", matches[1].Document.ID)
	assert.Less(t, matches[1].Score, matches[0].Score)
}

func TestLibrary_SearchTiesAreOrderedByID(t *testing.T) {
	lib := NewLibrary(nil)
	docs := []Document{
		{ID: "b", Content: "x", Embedding: []float64{1, 0}},
		{ID: "a", Content: "y", Embedding: []float64{1, 0}},
		{ID: "c", Content: "z", Embedding: []float64{0, 1}},
	}
	require.NoError(t, lib.Add(context.Background(), nil, docs))

	matches := lib.Search([]float64{1, 0}, 2, 0)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].Document.ID)
	assert.Equal(t, "b", matches[1].Document.ID)

	assert.Empty(t, lib.Search([]float64{1, 0}, 0, 0))
	assert.Empty(t, lib.Search(nil, 3, 0))
}

func TestLibrary_AddReplacesByID(t *testing.T) {
	lib := NewLibrary(nil)
	ctx := context.Background()
	require.NoError(t, lib.Add(ctx, nil, []Document{{ID: "a", Content: "old", Embedding: []float64{1, 0}}}))
	require.NoError(t, lib.Add(ctx, nil, []Document{{ID: "a", Content: "new", Embedding: []float64{0, 1}}}))

	assert.Equal(t, 1, lib.Count())
	matches := lib.Search([]float64{0, 1}, 1, 0.5)
	require.Len(t, matches, 1)
	assert.Equal(t, "new", matches[0].Document.Content)
}

func TestLibrary_AddValidation(t *testing.T) {
	tests := []struct {
		name     string
		embedder DocumentEmbedder
		docs     []Document
		wantErr  string
	}{
		{"missing id", &testEmbedder{}, []Document{{Content: "x"}}, "no id"},
		{"missing content", &testEmbedder{}, []Document{{ID: "a", Content: "  "}}, "no content"},
		{"needs embedder", nil, []Document{{ID: "a", Content: "x"}}, "no embedder"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := NewLibrary(nil)
			err := lib.Add(context.Background(), tt.embedder, tt.docs)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Zero(t, lib.Count())
		})
	}
}

func TestLoadCorpus(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "corpus.yaml")
	content := `documents:
  - id: d1
    title: Cardio outcomes
    source: NEJM
    content: cardio outcomes in heart failure
  - id: d2
    title: Renal dosing
    source: KDIGO
    url: https://example.org/renal
    content: renal dose adjustment guidance
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	docs, err := LoadCorpus(path)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "d2", docs[1].ID)
	assert.Equal(t, "https://example.org/renal", docs[1].URL)

	_, err = LoadCorpus(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("documents: [unclosed"), 0o600))
	_, err = LoadCorpus(bad)
	assert.Error(t, err)
}

func TestSupplier_RetrieveEvidence(t *testing.T) {
	emb := &testEmbedder{}
	lib := NewLibrary(nil)
	require.NoError(t, lib.Add(context.Background(), emb, sampleDocs()))

	var seen string
	emb.queryFn = func(ctx context.Context, query string) ([]float64, error) {
		seen = query
		return keywordVector(query), nil
	}
	s := NewSupplier(lib, emb, Config{TopK: 1, MinScore: 0.5}, zap.NewNop())

	citations, err := s.RetrieveEvidence(context.Background(), "Which renal adjustment?", "nephrologist")
	require.NoError(t, err)
	require.Len(t, citations, 1)
	assert.Equal(t, "KDIGO", citations[0].Source)
	assert.Equal(t, "Renal dosing", citations[0].Title)
	assert.Equal(t, "renal dose adjustment guidance", citations[0].Snippet)
	assert.Contains(t, seen, "Perspective: nephrologist")
}

func TestSupplier_EmptyLibraryAndErrors(t *testing.T) {
	emb := &testEmbedder{queryFn: func(ctx context.Context, query string) ([]float64, error) {
		return nil, errors.New("embedding down")
	}}

	empty := NewSupplier(NewLibrary(nil), emb, DefaultConfig(), nil)
	citations, err := empty.RetrieveEvidence(context.Background(), "q", "")
	require.NoError(t, err)
	assert.Empty(t, citations)

	lib := NewLibrary(nil)
	require.NoError(t, lib.Add(context.Background(), nil, []Document{{ID: "a", Content: "x", Embedding: []float64{1}}}))
	_, err = NewSupplier(lib, emb, DefaultConfig(), nil).RetrieveEvidence(context.Background(), "q", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding down")
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "a b c", snippet("a\n  b\tc", 10))
	assert.Equal(t, "abc...", snippet("abcdef", 3))
	assert.Equal(t, "héé...", snippet("hééllo", 3))
}

func TestConfigFrom(t *testing.T) {
	cfg := ConfigFrom(config.EvidenceConfig{TopK: 5})
	assert.Equal(t, 5, cfg.TopK)
	assert.Equal(t, DefaultConfig().MinScore, cfg.MinScore)
	assert.Equal(t, 280, cfg.SnippetRunes)
}
