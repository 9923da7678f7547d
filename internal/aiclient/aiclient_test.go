package aiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sortkeep/curator/internal/model"
)

func TestParseEndpoints(t *testing.T) {
	eps, err := ParseEndpoints("http://localhost:11434|4|llama3,http://other:8080")
	require.NoError(t, err)
	require.Len(t, eps, 2)
	require.Equal(t, "http://localhost:11434", eps[0].URL)
	require.Equal(t, 4, eps[0].Workers)
	require.Equal(t, "llama3", eps[0].Model)
	require.Equal(t, 1, eps[1].Workers)
}

func TestParseEndpointsRejectsEmpty(t *testing.T) {
	_, err := ParseEndpoints("")
	require.Error(t, err)
}

func newOpenAIServer(t *testing.T, decisionJSON string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"data":[]}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		resp := openAIResponse{}
		resp.Choices = []struct {
			Message chatMessage `json:"message"`
		}{{Message: chatMessage{Role: "assistant", Content: decisionJSON}}}
		resp.Usage.PromptTokens = 42
		resp.Usage.CompletionTokens = 7
		json.NewEncoder(w).Encode(resp)
	})
	return httptest.NewServer(mux)
}

func TestClassifyFolderOpenAIProtocol(t *testing.T) {
	srv := newOpenAIServer(t, `{"decision":"keep","category":"Photos","confidence":0.9}`)
	defer srv.Close()

	eps, err := ParseEndpoints(srv.URL + "|1|test-model")
	require.NoError(t, err)
	client, err := New(Config{Endpoints: eps, RequestTimeout: 5 * time.Second})
	require.NoError(t, err)

	decision, err := client.ClassifyFolder(context.Background(), FolderQuery{FolderPath: "/src/Photos"})
	require.NoError(t, err)
	require.Equal(t, model.ActionKeep, decision.Action)
	require.Equal(t, "Photos", decision.Category)
	require.Equal(t, 42, decision.TokensIn)
	require.Equal(t, 7, decision.TokensOut)
}

func TestClassifyFoldersBatchesIndependentQueries(t *testing.T) {
	srv := newOpenAIServer(t, `{"decision":"disaggregate","category":"Misc","confidence":0.5}`)
	defer srv.Close()

	eps, err := ParseEndpoints(srv.URL + "|4|test-model")
	require.NoError(t, err)
	client, err := New(Config{Endpoints: eps, RequestTimeout: 5 * time.Second, BatchSize: 2})
	require.NoError(t, err)

	qs := []FolderQuery{
		{FolderPath: "/src/a"},
		{FolderPath: "/src/b"},
		{FolderPath: "/src/c"},
	}
	decisions, errs := client.ClassifyFolders(context.Background(), qs)
	require.Len(t, decisions, 3)
	require.Len(t, errs, 3)
	for i := range qs {
		require.NoError(t, errs[i])
		require.Equal(t, model.ActionDisaggregate, decisions[i].Action)
	}
}

func TestClassifyFileReturnsCategory(t *testing.T) {
	srv := newOpenAIServer(t, `{"category":"Documents/Receipts","confidence":0.8}`)
	defer srv.Close()

	eps, err := ParseEndpoints(srv.URL + "|1|test-model")
	require.NoError(t, err)
	client, err := New(Config{Endpoints: eps, RequestTimeout: 5 * time.Second})
	require.NoError(t, err)

	decision, err := client.ClassifyFile(context.Background(), FileQuery{FilePath: "/src/Downloads/r.pdf", MIME: "application/pdf"})
	require.NoError(t, err)
	require.Equal(t, "Documents/Receipts", decision.Category)
	require.Equal(t, 42, decision.TokensIn)
	require.Equal(t, 7, decision.TokensOut)
}

func TestClassifyFolderMalformedJSONIsUnavailableAfterRetries(t *testing.T) {
	srv := newOpenAIServer(t, `not json at all`)
	defer srv.Close()

	eps, err := ParseEndpoints(srv.URL + "|1")
	require.NoError(t, err)
	client, err := New(Config{Endpoints: eps, RequestTimeout: 5 * time.Second, MaxRetries: 1, BaseBackoff: time.Millisecond})
	require.NoError(t, err)

	_, err = client.ClassifyFolder(context.Background(), FolderQuery{FolderPath: "/src/Misc"})
	require.Error(t, err)
}

func TestClassifyFolderServerErrorFallsBackToUnavailable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	eps, err := ParseEndpoints(srv.URL + "|1")
	require.NoError(t, err)
	client, err := New(Config{Endpoints: eps, RequestTimeout: 5 * time.Second, MaxRetries: 1, BaseBackoff: time.Millisecond})
	require.NoError(t, err)

	_, err = client.ClassifyFolder(context.Background(), FolderQuery{FolderPath: "/src/Misc"})
	require.Error(t, err)
}

func TestNewRequiresAtLeastOneEndpoint(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}
