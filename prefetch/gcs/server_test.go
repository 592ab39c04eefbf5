package gcs

import (
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/storage"
	jsoniter "github.com/json-iterator/go"
	"google.golang.org/api/option"
)

var wire = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	testBucket   = "test-bucket"
	testPageSize = 2
)

// fakeGCS is an in-memory stand-in for the GCS JSON and XML APIs, covering
// the calls Store makes: multipart uploads, object metadata, media reads
// with Range headers, paginated listing and deletes.
type fakeGCS struct {
	mu      sync.Mutex
	objects map[string][]byte
	ranges  []string
}

// newTestStore starts a fake server and returns a Store on it.
func newTestStore(t *testing.T, prefix string) (*Store, *fakeGCS) {
	t.Helper()

	fake := &fakeGCS{objects: make(map[string][]byte)}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := storage.NewClient(t.Context(),
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	if err != nil {
		t.Fatalf("storage.NewClient failed: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: testBucket, Prefix: prefix})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return store, fake
}

func (f *fakeGCS) put(name string, data []byte) {
	f.mu.Lock()
	f.objects[name] = data
	f.mu.Unlock()
}

func (f *fakeGCS) rangeHeaders() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ranges...)
}

func (f *fakeGCS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Path
	switch {
	case strings.HasPrefix(p, "/upload/storage/v1/b/"+testBucket+"/o"):
		f.upload(w, r)
	case p == "/storage/v1/b/"+testBucket+"/o" || p == "/storage/v1/b/"+testBucket+"/o/":
		f.list(w, r)
	case strings.HasPrefix(p, "/storage/v1/b/"+testBucket+"/o/"):
		name := strings.TrimPrefix(p, "/storage/v1/b/"+testBucket+"/o/")
		switch {
		case r.Method == http.MethodDelete:
			f.remove(w, name)
		case r.URL.Query().Get("alt") == "media":
			f.media(w, r, name)
		default:
			f.metadata(w, name)
		}
	case strings.HasPrefix(p, "/"+testBucket+"/"):
		f.media(w, r, strings.TrimPrefix(p, "/"+testBucket+"/"))
	default:
		writeError(w, http.StatusNotFound, "no route for "+p)
	}
}

func (f *fakeGCS) upload(w http.ResponseWriter, r *http.Request) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		writeError(w, http.StatusBadRequest, "expected a multipart upload")
		return
	}

	mr := multipart.NewReader(r.Body, params["boundary"])
	metaPart, err := mr.NextPart()
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing metadata part")
		return
	}
	var meta struct {
		Name string `json:"name"`
	}
	if err := wire.NewDecoder(metaPart).Decode(&meta); err != nil {
		writeError(w, http.StatusBadRequest, "bad metadata")
		return
	}
	if meta.Name == "" {
		meta.Name = r.URL.Query().Get("name")
	}
	mediaPart, err := mr.NextPart()
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing media part")
		return
	}
	data, err := io.ReadAll(mediaPart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad media")
		return
	}

	f.mu.Lock()
	_, exists := f.objects[meta.Name]
	if exists && r.URL.Query().Get("ifGenerationMatch") == "0" {
		f.mu.Unlock()
		writeError(w, http.StatusPreconditionFailed, "conditionNotMet")
		return
	}
	f.objects[meta.Name] = data
	f.mu.Unlock()

	writeJSON(w, objectResource(meta.Name, len(data)))
}

func (f *fakeGCS) metadata(w http.ResponseWriter, name string) {
	f.mu.Lock()
	data, ok := f.objects[name]
	f.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "No such object: "+testBucket+"/"+name)
		return
	}
	writeJSON(w, objectResource(name, len(data)))
}

func (f *fakeGCS) remove(w http.ResponseWriter, name string) {
	f.mu.Lock()
	_, ok := f.objects[name]
	delete(f.objects, name)
	f.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "No such object: "+testBucket+"/"+name)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// list serves at most testPageSize names per page; the page token is the
// last name of the previous page.
func (f *fakeGCS) list(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	token := r.URL.Query().Get("pageToken")

	f.mu.Lock()
	var names []string
	for name := range f.objects {
		if strings.HasPrefix(name, prefix) && name > token {
			names = append(names, name)
		}
	}
	sizes := make(map[string]int, len(names))
	for _, name := range names {
		sizes[name] = len(f.objects[name])
	}
	f.mu.Unlock()
	sort.Strings(names)

	resp := map[string]any{"kind": "storage#objects"}
	if len(names) > testPageSize {
		names = names[:testPageSize]
		resp["nextPageToken"] = names[len(names)-1]
	}
	items := make([]map[string]any, 0, len(names))
	for _, name := range names {
		items = append(items, objectResource(name, sizes[name]))
	}
	resp["items"] = items
	writeJSON(w, resp)
}

func (f *fakeGCS) media(w http.ResponseWriter, r *http.Request, name string) {
	rng := r.Header.Get("Range")

	f.mu.Lock()
	data, ok := f.objects[name]
	if rng != "" {
		f.ranges = append(f.ranges, rng)
	}
	f.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "No such object: "+testBucket+"/"+name)
		return
	}

	size := int64(len(data))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Last-Modified", time.Unix(0, 0).UTC().Format(http.TimeFormat))
	w.Header().Set("X-Goog-Generation", "1")
	w.Header().Set("X-Goog-Metageneration", "1")

	if rng == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	first, last, ok := strings.Cut(strings.TrimPrefix(rng, "bytes="), "-")
	start, err := strconv.ParseInt(first, 10, 64)
	if !ok || err != nil {
		writeError(w, http.StatusBadRequest, "malformed range "+rng)
		return
	}
	end := size - 1
	if last != "" {
		if end, err = strconv.ParseInt(last, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, "malformed range "+rng)
			return
		}
		end = min(end, size-1)
	}
	if start >= size {
		writeError(w, http.StatusRequestedRangeNotSatisfiable, "InvalidRange")
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	_, _ = w.Write(data[start : end+1])
}

func objectResource(name string, size int) map[string]any {
	return map[string]any{
		"kind":           "storage#object",
		"bucket":         testBucket,
		"name":           name,
		"size":           strconv.Itoa(size),
		"generation":     "1",
		"metageneration": "1",
		"contentType":    "application/octet-stream",
		"updated":        time.Unix(0, 0).UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = wire.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = wire.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}
