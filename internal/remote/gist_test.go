package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/schaermu/paksyncd/internal/model"
)

// fakeGitHub serves a minimal subset of the gist API
type fakeGitHub struct {
	mu       sync.Mutex
	gists    map[string]string
	status   int
	lastBody gistRequest
	headers  http.Header
	truncate bool
	srv      *httptest.Server
}

func newFakeGitHub(t *testing.T) *fakeGitHub {
	t.Helper()
	f := &fakeGitHub{gists: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /gists", func(w http.ResponseWriter, r *http.Request) {
		if !f.record(w, r) {
			return
		}
		f.mu.Lock()
		f.gists["g1"] = f.lastBody.Files[GistFileName].Content
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(gistResponse{ID: "g1"})
	})
	mux.HandleFunc("GET /gists/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !f.record(w, r) {
			return
		}
		f.mu.Lock()
		content, ok := f.gists[r.PathValue("id")]
		truncate := f.truncate
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		file := gistFile{Content: content}
		if truncate {
			file = gistFile{Content: content[:5], Truncated: true, RawURL: f.srv.URL + "/raw/" + r.PathValue("id")}
		}
		_ = json.NewEncoder(w).Encode(gistResponse{ID: r.PathValue("id"), Files: map[string]gistFile{GistFileName: file}})
	})
	mux.HandleFunc("GET /raw/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_, _ = io.WriteString(w, f.gists[r.PathValue("id")])
	})
	mux.HandleFunc("PATCH /gists/{id}", func(w http.ResponseWriter, r *http.Request) {
		if !f.record(w, r) {
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.gists[r.PathValue("id")]; !ok {
			http.NotFound(w, r)
			return
		}
		f.gists[r.PathValue("id")] = f.lastBody.Files[GistFileName].Content
		_ = json.NewEncoder(w).Encode(gistResponse{ID: r.PathValue("id")})
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGitHub) setStatus(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = code
}

func (f *fakeGitHub) record(w http.ResponseWriter, r *http.Request) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers = r.Header.Clone()
	if f.status != 0 {
		w.WriteHeader(f.status)
		return false
	}
	f.lastBody = gistRequest{}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&f.lastBody)
	}
	return true
}

func samplePayload() *model.Payload {
	return model.NewPayload(model.InstallationMap{
		model.ScopeUser: {
			ID:   "user",
			Path: "/home/u/.local/share/flatpak",
			Refs: []model.Ref{{
				Kind: model.KindApp, Ref: "app/org.example.App/x86_64/stable", ID: "org.example.App",
				Arch: "x86_64", Branch: "stable", Commit: "abc", Origin: "flathub",
			}},
			Remotes: []model.Remote{{Type: model.RemoteStatic, Name: "flathub", URL: model.Str("https://dl.flathub.org/repo/"), GPGVerify: true}},
		},
	}, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
}

func TestGistStore_CreateFetchUpdate(t *testing.T) {
	gh := newFakeGitHub(t)
	store := NewGistStore(Options{APIURL: gh.srv.URL})
	ctx := context.Background()

	id, err := store.Create(ctx, samplePayload(), false)
	require.NoError(t, err)
	require.Equal(t, "g1", id)
	require.NotNil(t, gh.lastBody.Public)
	require.False(t, *gh.lastBody.Public)
	require.Equal(t, gistDescription, gh.lastBody.Description)
	require.Equal(t, "application/vnd.github+json", gh.headers.Get("Accept"))
	require.Equal(t, "2022-11-28", gh.headers.Get("X-GitHub-Api-Version"))

	got, err := store.Fetch(ctx, id)
	require.NoError(t, err)
	require.True(t, got.AlteredAt.Equal(samplePayload().AlteredAt))
	require.Len(t, got.Installations[model.ScopeUser].Refs, 1)

	updated := samplePayload()
	updated.AlteredAt = updated.AlteredAt.Add(time.Hour)
	require.NoError(t, store.Update(ctx, id, updated))

	got, err = store.Fetch(ctx, id)
	require.NoError(t, err)
	require.True(t, got.AlteredAt.Equal(updated.AlteredAt))
}

func TestGistStore_FetchTruncated(t *testing.T) {
	gh := newFakeGitHub(t)
	store := NewGistStore(Options{APIURL: gh.srv.URL})
	ctx := context.Background()

	id, err := store.Create(ctx, samplePayload(), true)
	require.NoError(t, err)

	gh.mu.Lock()
	gh.truncate = true
	gh.mu.Unlock()
	got, err := store.Fetch(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Installations[model.ScopeUser].Remotes, 1)
}

func TestGistStore_Errors(t *testing.T) {
	gh := newFakeGitHub(t)
	store := NewGistStore(Options{APIURL: gh.srv.URL})
	ctx := context.Background()

	_, err := store.Fetch(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	gh.setStatus(http.StatusUnauthorized)
	_, err = store.Fetch(ctx, "missing")
	require.ErrorIs(t, err, ErrUnauthorized)

	gh.setStatus(http.StatusInternalServerError)
	err = store.Update(ctx, "g1", samplePayload())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrUnauthorized)
}

func TestGistStore_MissingFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(gistResponse{ID: "x", Files: map[string]gistFile{"other.txt": {Content: "hi"}}})
	}))
	defer srv.Close()

	_, err := NewGistStore(Options{APIURL: srv.URL}).Fetch(context.Background(), "x")
	require.ErrorIs(t, err, ErrMissingFile)
}

func TestGistStore_FetchDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewGistStore(Options{APIURL: srv.URL}).Fetch(ctx, "x")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew(t *testing.T) {
	s, err := New(KindGitHubGists, Options{})
	require.NoError(t, err)
	require.Equal(t, KindGitHubGists, s.Kind())
	require.Equal(t, "github-gists-secret", s.Kind().SecretPurpose())
	require.Equal(t, "github-gists-id", s.Kind().IDKey())

	_, err = New("dropbox", Options{})
	require.Error(t, err)
	_, err = ParseKind("dropbox")
	require.Error(t, err)
}
