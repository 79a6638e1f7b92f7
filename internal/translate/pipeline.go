package translate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	"golang.org/x/oauth2"

	"github.com/databiosphere/import-service/internal/imperr"
	"github.com/databiosphere/import-service/internal/model"
	"github.com/databiosphere/import-service/services/bus"
	"github.com/databiosphere/import-service/services/objstore"
	"github.com/databiosphere/import-service/utils/httputil"
)

// stagingSuffix is appended to the import id to name the staged upsert blob.
const stagingSuffix = ".rawlsUpsert"

type importStore interface {
	Get(ctx context.Context, id string) (model.Import, error)
	UpdateStatusExclusively(ctx context.Context, id string, expected, next model.ImportStatus) (bool, error)
	WriteError(ctx context.Context, id, message string) (bool, error)
}

type stagingStore interface {
	Reader(ctx context.Context, bucket, object string) (io.ReadCloser, error)
	ReaderAs(ctx context.Context, ts oauth2.TokenSource, bucket, object string) (io.ReadCloser, error)
	Writer(ctx context.Context, bucket, object string) (io.WriteCloser, error)
	Move(ctx context.Context, srcBucket, srcObject, dstBucket, dstObject string) error
}

type downstreamPublisher interface {
	PublishDownstream(ctx context.Context, attrs bus.Attributes) error
}

type petCredentials interface {
	PetTokenSource(googleProject, userEmail string) oauth2.TokenSource
}

// Pipeline runs one import's translation end to end: acquire the row, stream
// the source through its translator into the staging bucket, and hand the
// staged blob to the downstream service.
type Pipeline struct {
	logger logger.Logger
	stats  stats.Stats

	store      importStore
	staging    stagingStore
	publisher  downstreamPublisher
	pets       petCredentials
	translator map[model.Filetype]Translator

	httpClient *http.Client

	stagingBucket    string
	maxDownloadBytes int64
	downloadTimeout  time.Duration
}

func NewPipeline(
	conf *config.Config,
	log logger.Logger,
	stat stats.Stats,
	store importStore,
	staging stagingStore,
	publisher downstreamPublisher,
	pets petCredentials,
	translators map[model.Filetype]Translator,
) *Pipeline {
	return &Pipeline{
		logger:           log.Child("translate"),
		stats:            stat,
		store:            store,
		staging:          staging,
		publisher:        publisher,
		pets:             pets,
		translator:       translators,
		httpClient:       &http.Client{},
		stagingBucket:    conf.GetString("ImportService.stagingBucket", ""),
		maxDownloadBytes: conf.GetInt64("ImportService.maxDownloadBytes", 2<<30),
		downloadTimeout:  conf.GetDuration("ImportService.downloadTimeout", 30, time.Minute),
	}
}

// Run processes one translate message. Errors are typed: FileTranslation-class
// failures are written onto the row and acknowledged; System failures
// propagate so the bus redelivers.
func (p *Pipeline) Run(ctx context.Context, importID string) error {
	err := p.run(ctx, importID)
	if err == nil {
		return nil
	}

	if e, ok := imperr.As(err); ok && e.Ack() == imperr.AckWithError &&
		e.Kind != imperr.Conflict && e.Kind != imperr.NotFound {
		updated, werr := p.store.WriteError(ctx, importID, e.Message)
		if werr != nil {
			p.logger.Errorf("import %s: recording error failed: %v", importID, werr)
		} else if !updated {
			p.logger.Warnf("import %s: error not recorded, row already terminal", importID)
		}
		p.stats.NewTaggedStat("imports_translated", stats.CountType, stats.Tags{"outcome": "failure"}).Increment()
	}
	return err
}

func (p *Pipeline) run(ctx context.Context, importID string) error {
	imp, err := p.store.Get(ctx, importID)
	if err != nil {
		return imperr.Wrap(imperr.NotFound, err, "import %s", importID)
	}

	acquired, err := p.store.UpdateStatusExclusively(ctx, importID, model.ImportStatusPending, model.ImportStatusTranslating)
	if err != nil {
		return imperr.Wrap(imperr.System, err, "acquiring import %s", importID)
	}
	if !acquired {
		p.logger.Infof("import %s: duplicate delivery, row is not Pending", importID)
		return imperr.New(imperr.Conflict, "import %s is already being processed", importID)
	}

	destObject := importID + stagingSuffix

	if imp.Filetype == model.FiletypeRawlsJSON {
		if err := p.stageRawlsJSON(ctx, &imp, destObject); err != nil {
			return err
		}
	} else {
		if err := p.translateSource(ctx, &imp, destObject); err != nil {
			return err
		}
	}

	advanced, err := p.store.UpdateStatusExclusively(ctx, importID, model.ImportStatusTranslating, model.ImportStatusReadyForUpsert)
	if err != nil {
		return imperr.Wrap(imperr.System, err, "completing import %s", importID)
	}
	if !advanced {
		// Lost ownership mid-flight, most likely a janitor timeout.
		p.logger.Warnf("import %s: no longer Translating after staging, skipping publish", importID)
		return nil
	}

	destFile := fmt.Sprintf("gs://%s/%s", p.stagingBucket, destObject)
	err = p.publisher.PublishDownstream(ctx, bus.Attributes{
		"workspaceNamespace": imp.WorkspaceNamespace,
		"workspaceName":      imp.WorkspaceName,
		"userEmail":          imp.Submitter,
		"jobId":              imp.ID,
		"upsertFile":         destFile,
		"isUpsert":           strconv.FormatBool(imp.IsUpsert),
	})
	if err != nil {
		return imperr.Wrap(imperr.System, err, "publishing staged upsert for import %s", importID)
	}

	p.stats.NewTaggedStat("imports_translated", stats.CountType, stats.Tags{"outcome": "success"}).Increment()
	return nil
}

// stageRawlsJSON moves an already-canonical upsert blob into place.
func (p *Pipeline) stageRawlsJSON(ctx context.Context, imp *model.Import, destObject string) error {
	srcBucket, srcObject, err := objstore.ParseGSURL(imp.ImportURL)
	if err != nil {
		return imperr.Wrap(imperr.FileTranslation, err, "source URL for import %s", imp.ID)
	}
	if err := p.staging.Move(ctx, srcBucket, srcObject, p.stagingBucket, destObject); err != nil {
		return imperr.Wrap(imperr.System, err, "moving staged upsert for import %s", imp.ID)
	}
	return nil
}

// translateSource streams the remote source through the filetype's translator
// into the staging object.
func (p *Pipeline) translateSource(ctx context.Context, imp *model.Import, destObject string) error {
	translator, ok := p.translator[imp.Filetype]
	if !ok {
		return imperr.New(imperr.InvalidFiletype, "no translator for filetype %s", imp.Filetype)
	}

	src, err := p.openSource(ctx, imp)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	it, err := translator.Translate(ctx, imp, src)
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()

	w, err := p.staging.Writer(ctx, p.stagingBucket, destObject)
	if err != nil {
		return imperr.Wrap(imperr.System, err, "opening staging object for import %s", imp.ID)
	}

	start := time.Now()
	count, err := WriteEntityArray(ctx, w, it, p.logger)
	if err != nil {
		_ = w.Close()
		if _, ok := imperr.As(err); ok {
			return err
		}
		// Untyped failures here come from the staging writer.
		return imperr.Wrap(imperr.System, err, "writing staging object for import %s", imp.ID)
	}
	if err := w.Close(); err != nil {
		return imperr.Wrap(imperr.System, err, "finalizing staging object for import %s", imp.ID)
	}

	p.stats.NewTaggedStat("translate_duration_seconds", stats.TimerType, stats.Tags{
		"filetype": imp.Filetype.String(),
	}).Since(start)
	p.logger.Infof("import %s: translated %d entities in %s", imp.ID, count, time.Since(start))
	return nil
}

func (p *Pipeline) openSource(ctx context.Context, imp *model.Import) (io.ReadCloser, error) {
	if imp.Filetype == model.FiletypeTDRExport {
		if bucket, object, err := objstore.ParseGSURL(imp.ImportURL); err == nil {
			ts := p.pets.PetTokenSource(imp.WorkspaceGoogleProject, imp.Submitter)
			rc, err := p.staging.ReaderAs(ctx, ts, bucket, object)
			if err != nil {
				return nil, imperr.Wrap(imperr.FileTranslation, err, "opening source for import %s", imp.ID)
			}
			return rc, nil
		}
	}
	return p.openHTTPSource(ctx, imp)
}

// openHTTPSource fetches a plain-HTTP source, refusing files over the size
// ceiling via a HEAD preflight.
func (p *Pipeline) openHTTPSource(ctx context.Context, imp *model.Import) (io.ReadCloser, error) {
	headCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	head, err := http.NewRequestWithContext(headCtx, http.MethodHead, imp.ImportURL, nil)
	if err != nil {
		return nil, imperr.Wrap(imperr.FileTranslation, err, "building preflight for import %s", imp.ID)
	}
	headResp, err := p.httpClient.Do(head)
	if err == nil {
		length := headResp.ContentLength
		httputil.CloseResponse(headResp)
		if length > p.maxDownloadBytes {
			return nil, imperr.New(imperr.FileTooBig,
				"source is %d bytes, over the %d byte limit", length, p.maxDownloadBytes)
		}
	}

	getCtx, cancelGet := context.WithTimeout(ctx, p.downloadTimeout)
	get, err := http.NewRequestWithContext(getCtx, http.MethodGet, imp.ImportURL, nil)
	if err != nil {
		cancelGet()
		return nil, imperr.Wrap(imperr.FileTranslation, err, "building download for import %s", imp.ID)
	}
	resp, err := p.httpClient.Do(get)
	if err != nil {
		cancelGet()
		return nil, imperr.Wrap(imperr.FileTranslation, err, "downloading source for import %s", imp.ID)
	}
	if resp.StatusCode != http.StatusOK {
		httputil.CloseResponse(resp)
		cancelGet()
		return nil, imperr.New(imperr.FileTranslation, "source returned %d for import %s", resp.StatusCode, imp.ID)
	}
	return &cappedBody{
		body:      resp.Body,
		cancel:    cancelGet,
		limit:     p.maxDownloadBytes,
		remaining: p.maxDownloadBytes,
	}, nil
}

// cappedBody enforces the size ceiling while the body streams. The HEAD
// preflight is advisory only; a source that omits Content-Length still may
// not exceed the limit. Close releases the download deadline.
type cappedBody struct {
	body      io.ReadCloser
	cancel    context.CancelFunc
	limit     int64
	remaining int64
}

func (c *cappedBody) Read(p []byte) (int, error) {
	n, err := c.body.Read(p)
	c.remaining -= int64(n)
	if c.remaining < 0 {
		return n, imperr.New(imperr.FileTooBig, "source exceeds the %d byte limit", c.limit)
	}
	return n, err
}

func (c *cappedBody) Close() error {
	err := c.body.Close()
	c.cancel()
	return err
}
