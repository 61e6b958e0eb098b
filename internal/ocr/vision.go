package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/iterator"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/Lllllllleong/proposalingest/internal/gcp"
)

const (
	manifestName     = "job.json"
	operationFile    = "operation"
	defaultBatchSize = 20
	maxShardReaders  = 8
)

var shardPattern = regexp.MustCompile(`^output-(\d+)-to-(\d+)\.json$`)

// VisionConfig locates the OCR output written by Cloud Vision.
type VisionConfig struct {
	ProjectID    string
	Location     string
	OutputBucket string
	OutputPrefix string
	// BatchSize is how many pages Vision writes per output shard.
	BatchSize int
}

// VisionProvider runs DOCUMENT_TEXT_DETECTION as Cloud Vision async batch
// jobs. Each job writes JSON shards under <prefix>/<jobID>/ plus a manifest
// recording how many pages the shards must cover.
type VisionProvider struct {
	annotator *vision.ImageAnnotatorClient
	storage   *storage.Client
	config    VisionConfig
	now       func() time.Time
	poll      operationPoller
}

// operationPoller fetches the state of a long-running operation. A finished
// operation that failed reports done with its error.
type operationPoller func(ctx context.Context, name string) (done bool, err error)

type jobManifest struct {
	JobID       string    `json:"jobId"`
	Source      string    `json:"source"`
	ContentType string    `json:"contentType"`
	PageCount   int       `json:"pageCount"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// NewVisionProvider wraps existing clients.
func NewVisionProvider(annotator *vision.ImageAnnotatorClient, storageClient *storage.Client, cfg VisionConfig) (*VisionProvider, error) {
	if cfg.OutputBucket == "" {
		return nil, fmt.Errorf("OCR output bucket must be provided")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	cfg.OutputPrefix = strings.Trim(cfg.OutputPrefix, "/")
	p := &VisionProvider{
		annotator: annotator,
		storage:   storageClient,
		config:    cfg,
		now:       time.Now,
	}
	p.poll = p.pollVision
	return p, nil
}

func (p *VisionProvider) pollVision(ctx context.Context, name string) (bool, error) {
	op := p.annotator.AsyncBatchAnnotateFilesOperation(name)
	_, err := op.Poll(ctx)
	return op.Done(), err
}

func (p *VisionProvider) jobDir(jobID string) string {
	if p.config.OutputPrefix == "" {
		return jobID + "/"
	}
	return p.config.OutputPrefix + "/" + jobID + "/"
}

// Submit starts one async annotation job and returns its job id. The
// manifest is written first so readiness can be judged for every shard.
// The operation name is recorded after submission; jobs of unknown length
// are complete only when that operation is.
func (p *VisionProvider) Submit(ctx context.Context, ref ObjectRef) (string, error) {
	jobID := uuid.NewString()
	dir := p.jobDir(jobID)
	logCtx := slog.With("externalJobId", jobID, "source", ref.URI())

	contentType := ref.ContentType
	if contentType == "" {
		contentType = ContentTypePDF
	}

	manifest, err := json.Marshal(jobManifest{
		JobID:       jobID,
		Source:      ref.URI(),
		ContentType: contentType,
		PageCount:   ref.PageCount,
		SubmittedAt: p.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal job manifest: %w", err)
	}
	bucket := p.storage.Bucket(p.config.OutputBucket)
	if _, err := gcp.SaveToGCSAtomically(ctx, bucket, dir+manifestName, string(manifest)); err != nil {
		return "", fmt.Errorf("failed to write job manifest: %w", err)
	}

	req := &visionpb.AsyncBatchAnnotateFilesRequest{
		Requests: []*visionpb.AsyncAnnotateFileRequest{{
			InputConfig: &visionpb.InputConfig{
				GcsSource: &visionpb.GcsSource{Uri: ref.URI()},
				MimeType:  contentType,
			},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
			OutputConfig: &visionpb.OutputConfig{
				GcsDestination: &visionpb.GcsDestination{Uri: fmt.Sprintf("gs://%s/%s", p.config.OutputBucket, dir)},
				BatchSize:      int32(p.config.BatchSize),
			},
		}},
	}
	if p.config.ProjectID != "" && p.config.Location != "" {
		req.Parent = fmt.Sprintf("projects/%s/locations/%s", p.config.ProjectID, p.config.Location)
	}

	op, err := p.annotator.AsyncBatchAnnotateFiles(ctx, req)
	if err != nil {
		return "", fmt.Errorf("vision AsyncBatchAnnotateFiles: %w", err)
	}
	logCtx.Info("Submitted OCR job.", "operation", op.Name(), "pageCount", ref.PageCount)

	if _, err := gcp.SaveToGCSAtomically(ctx, bucket, dir+operationFile, op.Name()); err != nil {
		if ref.PageCount <= 0 {
			return "", fmt.Errorf("failed to record vision operation %s: %w", op.Name(), err)
		}
		logCtx.Warn("Failed to record vision operation.", "operation", op.Name(), "error", err)
	}
	return jobID, nil
}

// JobIDFromOutputObject returns the job that wrote objectName, if objectName
// is an output shard under prefix.
func JobIDFromOutputObject(prefix, objectName string) (string, bool) {
	prefix = strings.Trim(prefix, "/")
	rest := objectName
	if prefix != "" {
		if !strings.HasPrefix(objectName, prefix+"/") {
			return "", false
		}
		rest = strings.TrimPrefix(objectName, prefix+"/")
	}
	jobID, file, found := strings.Cut(rest, "/")
	if !found || jobID == "" || strings.Contains(file, "/") {
		return "", false
	}
	if !shardPattern.MatchString(file) {
		return "", false
	}
	return jobID, true
}

// JobIDFromOutputObject resolves objectName against the provider's output prefix.
func (p *VisionProvider) JobIDFromOutputObject(objectName string) (string, bool) {
	return JobIDFromOutputObject(p.config.OutputPrefix, objectName)
}

type pageRange struct {
	first, last int
}

// parseShardName returns the page range an output shard covers.
func parseShardName(name string) (pageRange, bool) {
	m := shardPattern.FindStringSubmatch(path.Base(name))
	if m == nil {
		return pageRange{}, false
	}
	first, err1 := strconv.Atoi(m[1])
	last, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || first < 1 || last < first {
		return pageRange{}, false
	}
	return pageRange{first: first, last: last}, true
}

// covers reports whether ranges cover pages 1..pageCount with no gap. Ranges
// alone never cover an unknown page count.
func covers(ranges []pageRange, pageCount int) bool {
	if len(ranges) == 0 || pageCount <= 0 {
		return false
	}
	sorted := make([]pageRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].first < sorted[j].first })

	next := 1
	for _, r := range sorted {
		if r.first > next {
			return false
		}
		if r.last >= next {
			next = r.last + 1
		}
	}
	return next > pageCount
}

func (p *VisionProvider) readManifest(ctx context.Context, jobID string) (*jobManifest, error) {
	r, err := p.storage.Bucket(p.config.OutputBucket).Object(p.jobDir(jobID) + manifestName).NewReader(ctx)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var m jobManifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode job manifest: %w", err)
	}
	return &m, nil
}

func (p *VisionProvider) readOperationName(ctx context.Context, jobID string) (string, error) {
	r, err := p.storage.Bucket(p.config.OutputBucket).Object(p.jobDir(jobID) + operationFile).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read vision operation name: %w", err)
	}
	defer r.Close()
	name, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("failed to read vision operation name: %w", err)
	}
	return strings.TrimSpace(string(name)), nil
}

// operationDone polls the Vision operation behind jobID.
func (p *VisionProvider) operationDone(ctx context.Context, jobID string) (bool, error) {
	name, err := p.readOperationName(ctx, jobID)
	if err != nil {
		return false, err
	}
	return pollOperation(ctx, name, p.poll)
}

// pollOperation returns ErrOperationRunning while the operation is in flight
// or not yet recorded, and ErrOperationFailed with done set once it failed.
func pollOperation(ctx context.Context, name string, poll operationPoller) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("%w: operation not recorded yet", ErrOperationRunning)
	}
	done, err := poll(ctx, name)
	switch {
	case done && err != nil:
		return true, fmt.Errorf("%w: %s: %v", ErrOperationFailed, name, err)
	case done:
		return true, nil
	case err != nil:
		return false, fmt.Errorf("failed to poll vision operation %s: %w", name, err)
	}
	return false, fmt.Errorf("%w: %s", ErrOperationRunning, name)
}

// jobReady decides readiness from the shards present. With an unknown page
// count the shards cannot tell, so the operation itself must have finished.
// A failed operation counts as ready; FetchResult then reports the failure.
func jobReady(ctx context.Context, pageCount int, ranges []pageRange, operationDone func(context.Context) (bool, error)) (bool, error) {
	if pageCount > 0 {
		return covers(ranges, pageCount), nil
	}
	if len(ranges) == 0 {
		return false, nil
	}
	done, err := operationDone(ctx)
	if errors.Is(err, ErrOperationFailed) {
		return true, nil
	}
	return done, err
}

func (p *VisionProvider) listShards(ctx context.Context, jobID string) ([]string, []pageRange, error) {
	it := p.storage.Bucket(p.config.OutputBucket).Objects(ctx, &storage.Query{Prefix: p.jobDir(jobID)})
	var names []string
	var ranges []pageRange
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to list OCR output: %w", err)
		}
		r, ok := parseShardName(attrs.Name)
		if !ok {
			continue
		}
		names = append(names, attrs.Name)
		ranges = append(ranges, r)
	}
	return names, ranges, nil
}

// Ready reports whether the job's shards cover every page in its manifest,
// or for documents of unknown length, whether the Vision operation finished.
// While such an operation runs Ready returns ErrOperationRunning so the
// notification is redelivered. A job without a manifest was not started here
// and is never ready.
func (p *VisionProvider) Ready(ctx context.Context, jobID string) (bool, error) {
	m, err := p.readManifest(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read job manifest: %w", err)
	}
	_, ranges, err := p.listShards(ctx, jobID)
	if err != nil {
		return false, err
	}
	return jobReady(ctx, m.PageCount, ranges, func(ctx context.Context) (bool, error) {
		return p.operationDone(ctx, jobID)
	})
}

// FetchResult reads every output shard of the job in parallel and returns
// the pages in order.
func (p *VisionProvider) FetchResult(ctx context.Context, jobID string) (*Result, error) {
	names, ranges, err := p.listShards(ctx, jobID)
	if err != nil {
		return nil, err
	}
	m, err := p.readManifest(ctx, jobID)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("job %s has no manifest: %w", jobID, ErrResultNotReady)
		}
		return nil, fmt.Errorf("failed to read job manifest: %w", err)
	}
	complete := covers(ranges, m.PageCount)
	if m.PageCount <= 0 && len(ranges) > 0 {
		complete, err = p.operationDone(ctx, jobID)
		if err != nil && !errors.Is(err, ErrOperationRunning) {
			return nil, fmt.Errorf("job %s: %w", jobID, err)
		}
	}
	if !complete {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrResultNotReady)
	}

	bucket := p.storage.Bucket(p.config.OutputBucket)
	shards := make([]shardResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxShardReaders)
	for i, name := range names {
		g.Go(func() error {
			r, err := bucket.Object(name).NewReader(gctx)
			if err != nil {
				return fmt.Errorf("failed to open shard %s: %w", name, err)
			}
			defer r.Close()
			data, err := io.ReadAll(r)
			if err != nil {
				return fmt.Errorf("failed to read shard %s: %w", name, err)
			}
			shard, err := parseShard(data)
			if err != nil {
				return fmt.Errorf("shard %s: %w", name, err)
			}
			shards[i] = shard
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return assemble(jobID, ranges, shards), nil
}

type shardResult struct {
	pages    []Page
	warnings []string
}

// parseShard decodes one Vision output file. Pages the service failed on are
// reported as warnings rather than failing the job.
func parseShard(data []byte) (shardResult, error) {
	var resp visionpb.AnnotateFileResponse
	if err := (protojson.UnmarshalOptions{DiscardUnknown: true}).Unmarshal(data, &resp); err != nil {
		return shardResult{}, fmt.Errorf("failed to decode OCR output: %w", err)
	}
	var out shardResult
	for i, page := range resp.GetResponses() {
		number := int(page.GetContext().GetPageNumber())
		if number == 0 {
			number = i + 1
		}
		if e := page.GetError(); e != nil && e.GetMessage() != "" {
			out.warnings = append(out.warnings, fmt.Sprintf("page %d: %s", number, e.GetMessage()))
			continue
		}
		out.pages = append(out.pages, Page{Number: number, Text: page.GetFullTextAnnotation().GetText()})
	}
	return out, nil
}

// assemble merges shards. Shards written with a per-shard page numbering are
// rebased onto the range in their file name.
func assemble(jobID string, ranges []pageRange, shards []shardResult) *Result {
	res := &Result{JobID: jobID}
	seen := make(map[int]bool)
	for i, s := range shards {
		for _, page := range s.pages {
			if page.Number < ranges[i].first && ranges[i].first > 1 {
				page.Number += ranges[i].first - 1
			}
			if seen[page.Number] {
				continue
			}
			seen[page.Number] = true
			res.Pages = append(res.Pages, page)
		}
		res.Warnings = append(res.Warnings, s.warnings...)
	}
	sort.Slice(res.Pages, func(i, j int) bool { return res.Pages[i].Number < res.Pages[j].Number })
	return res
}
