package translate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/databiosphere/import-service/internal/imperr"
	"github.com/databiosphere/import-service/internal/model"
	"github.com/databiosphere/import-service/jsonrs"
	"github.com/databiosphere/import-service/services/bus"
)

type fakeImportStore struct {
	imp         model.Import
	getErr      error
	acquireFail bool
	advanceFail bool

	transitions []string
	errorWrites []string
}

func (f *fakeImportStore) Get(_ context.Context, id string) (model.Import, error) {
	if f.getErr != nil {
		return model.Import{}, f.getErr
	}
	imp := f.imp
	imp.ID = id
	return imp, nil
}

func (f *fakeImportStore) UpdateStatusExclusively(_ context.Context, _ string, expected, next model.ImportStatus) (bool, error) {
	f.transitions = append(f.transitions, fmt.Sprintf("%s->%s", expected, next))
	if expected == model.ImportStatusPending && f.acquireFail {
		return false, nil
	}
	if expected == model.ImportStatusTranslating && f.advanceFail {
		return false, nil
	}
	return true, nil
}

func (f *fakeImportStore) WriteError(_ context.Context, _, message string) (bool, error) {
	f.errorWrites = append(f.errorWrites, message)
	return true, nil
}

type nopWriteCloser struct{ *bytes.Buffer }

func (nopWriteCloser) Close() error { return nil }

type fakeStaging struct {
	staged bytes.Buffer
	moves  []string
}

func (f *fakeStaging) Reader(context.Context, string, string) (io.ReadCloser, error) {
	return nil, errors.New("not used")
}

func (f *fakeStaging) ReaderAs(context.Context, oauth2.TokenSource, string, string) (io.ReadCloser, error) {
	return nil, errors.New("not used")
}

func (f *fakeStaging) Writer(context.Context, string, string) (io.WriteCloser, error) {
	return nopWriteCloser{&f.staged}, nil
}

func (f *fakeStaging) Move(_ context.Context, srcBucket, srcObject, dstBucket, dstObject string) error {
	f.moves = append(f.moves, fmt.Sprintf("%s/%s -> %s/%s", srcBucket, srcObject, dstBucket, dstObject))
	return nil
}

type fakePublisher struct {
	published []bus.Attributes
	err       error
}

func (f *fakePublisher) PublishDownstream(_ context.Context, attrs bus.Attributes) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, attrs)
	return nil
}

type fakePets struct{}

func (fakePets) PetTokenSource(string, string) oauth2.TokenSource { return nil }

func servePFB(t *testing.T) *httptest.Server {
	t.Helper()
	data, err := io.ReadAll(writePFB(t, []map[string]any{
		metadataRecord(),
		readsRecord("HG01101_cram", "dmFsaWRhdGVk", []any{}),
	}))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		if r.Method == http.MethodHead {
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestPipeline(store *fakeImportStore, staging *fakeStaging, pub *fakePublisher) *Pipeline {
	c := config.New()
	c.Set("ImportService.stagingBucket", "staging-bucket")
	return NewPipeline(c, logger.NOP, stats.NOP, store, staging, pub, fakePets{}, map[model.Filetype]Translator{
		model.FiletypePFB: NewPFBTranslator(config.New()),
	})
}

func TestPipelineRun(t *testing.T) {
	t.Run("pfb end to end", func(t *testing.T) {
		srv := servePFB(t)
		store := &fakeImportStore{imp: model.Import{
			WorkspaceNamespace: "ns",
			WorkspaceName:      "ws",
			Submitter:          "alice@example.com",
			ImportURL:          srv.URL + "/export.avro",
			Filetype:           model.FiletypePFB,
			IsUpsert:           true,
			Status:             model.ImportStatusPending,
		}}
		staging := &fakeStaging{}
		pub := &fakePublisher{}

		err := newTestPipeline(store, staging, pub).Run(context.Background(), "imp-1")
		require.NoError(t, err)

		require.Equal(t, []string{"Pending->Translating", "Translating->ReadyForUpsert"}, store.transitions)
		require.Empty(t, store.errorWrites)

		var entities []model.Entity
		require.NoError(t, jsonrs.Unmarshal(staging.staged.Bytes(), &entities))
		require.Len(t, entities, 1)
		require.Equal(t, "HG01101_cram", entities[0].Name)

		require.Len(t, pub.published, 1)
		require.Equal(t, bus.Attributes{
			"workspaceNamespace": "ns",
			"workspaceName":      "ws",
			"userEmail":          "alice@example.com",
			"jobId":              "imp-1",
			"upsertFile":         "gs://staging-bucket/imp-1.rawlsUpsert",
			"isUpsert":           "true",
		}, pub.published[0])
	})

	t.Run("duplicate delivery conflicts without touching the row", func(t *testing.T) {
		store := &fakeImportStore{
			imp:         model.Import{Filetype: model.FiletypePFB, Status: model.ImportStatusTranslating},
			acquireFail: true,
		}

		err := newTestPipeline(store, &fakeStaging{}, &fakePublisher{}).Run(context.Background(), "imp-1")
		require.True(t, imperr.IsKind(err, imperr.Conflict))
		require.Empty(t, store.errorWrites)
	})

	t.Run("translation failure is written to the row", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("not avro at all"))
		}))
		t.Cleanup(srv.Close)

		store := &fakeImportStore{imp: model.Import{
			ImportURL: srv.URL + "/bad.avro",
			Filetype:  model.FiletypePFB,
			Status:    model.ImportStatusPending,
		}}

		err := newTestPipeline(store, &fakeStaging{}, &fakePublisher{}).Run(context.Background(), "imp-1")
		require.True(t, imperr.IsKind(err, imperr.FileTranslation))
		require.Len(t, store.errorWrites, 1)
	})

	t.Run("oversized source refused at preflight", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Length", "9999999999")
		}))
		t.Cleanup(srv.Close)

		store := &fakeImportStore{imp: model.Import{
			ImportURL: srv.URL + "/huge.avro",
			Filetype:  model.FiletypePFB,
			Status:    model.ImportStatusPending,
		}}
		pub := &fakePublisher{}

		err := newTestPipeline(store, &fakeStaging{}, pub).Run(context.Background(), "imp-1")
		require.True(t, imperr.IsKind(err, imperr.FileTooBig))
		require.Len(t, store.errorWrites, 1)
		require.Empty(t, pub.published)
	})

	t.Run("oversized chunked source refused mid stream", func(t *testing.T) {
		// No Content-Length anywhere: the preflight learns nothing and the
		// ceiling must hold while the body streams.
		data, err := io.ReadAll(writePFB(t, []map[string]any{
			readsRecord("HG01101_cram", "dmFsaWRhdGVk", []any{}),
		}))
		require.NoError(t, err)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead {
				return
			}
			_, _ = w.Write(data)
			w.(http.Flusher).Flush()
		}))
		t.Cleanup(srv.Close)

		store := &fakeImportStore{imp: model.Import{
			ImportURL: srv.URL + "/huge.avro",
			Filetype:  model.FiletypePFB,
			Status:    model.ImportStatusPending,
		}}
		pub := &fakePublisher{}

		c := config.New()
		c.Set("ImportService.stagingBucket", "staging-bucket")
		c.Set("ImportService.maxDownloadBytes", 64)
		p := NewPipeline(c, logger.NOP, stats.NOP, store, &fakeStaging{}, pub, fakePets{}, map[model.Filetype]Translator{
			model.FiletypePFB: NewPFBTranslator(config.New()),
		})

		err = p.Run(context.Background(), "imp-1")
		typed, ok := imperr.As(err)
		require.True(t, ok)
		require.Equal(t, imperr.AckWithError, typed.Ack())
		require.Len(t, store.errorWrites, 1)
		require.Empty(t, pub.published)
	})

	t.Run("rawlsjson is moved, not translated", func(t *testing.T) {
		store := &fakeImportStore{imp: model.Import{
			ImportURL: "gs://staging-bucket/user-upload.json",
			Filetype:  model.FiletypeRawlsJSON,
			Status:    model.ImportStatusPending,
		}}
		staging := &fakeStaging{}
		pub := &fakePublisher{}

		err := newTestPipeline(store, staging, pub).Run(context.Background(), "imp-1")
		require.NoError(t, err)
		require.Equal(t, []string{"staging-bucket/user-upload.json -> staging-bucket/imp-1.rawlsUpsert"}, staging.moves)
		require.Len(t, pub.published, 1)
	})

	t.Run("lost ownership skips the publish", func(t *testing.T) {
		srv := servePFB(t)
		store := &fakeImportStore{
			imp: model.Import{
				ImportURL: srv.URL + "/export.avro",
				Filetype:  model.FiletypePFB,
				Status:    model.ImportStatusPending,
			},
			advanceFail: true,
		}
		pub := &fakePublisher{}

		err := newTestPipeline(store, &fakeStaging{}, pub).Run(context.Background(), "imp-1")
		require.NoError(t, err)
		require.Empty(t, pub.published)
	})

	t.Run("capped body reads past the limit fail typed", func(t *testing.T) {
		body := &cappedBody{
			body:      io.NopCloser(strings.NewReader(strings.Repeat("x", 100))),
			cancel:    func() {},
			limit:     64,
			remaining: 64,
		}
		_, err := io.ReadAll(body)
		require.True(t, imperr.IsKind(err, imperr.FileTooBig))

		under := &cappedBody{
			body:      io.NopCloser(strings.NewReader("small enough")),
			cancel:    func() {},
			limit:     64,
			remaining: 64,
		}
		data, err := io.ReadAll(under)
		require.NoError(t, err)
		require.Equal(t, "small enough", string(data))
	})

	t.Run("publish failure redelivers", func(t *testing.T) {
		srv := servePFB(t)
		store := &fakeImportStore{imp: model.Import{
			ImportURL: srv.URL + "/export.avro",
			Filetype:  model.FiletypePFB,
			Status:    model.ImportStatusPending,
		}}
		pub := &fakePublisher{err: errors.New("pubsub unavailable")}

		err := newTestPipeline(store, &fakeStaging{}, pub).Run(context.Background(), "imp-1")
		typed, ok := imperr.As(err)
		require.True(t, ok)
		require.Equal(t, imperr.Nack, typed.Ack())
		require.Empty(t, store.errorWrites, "system failures must not error the row")
	})
}
