package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/otcheredev/viewer-core/internal/adapters"
	"github.com/otcheredev/viewer-core/internal/collection"
	"github.com/otcheredev/viewer-core/internal/imagecache"
	"github.com/otcheredev/viewer-core/internal/loading"
	"github.com/otcheredev/viewer-core/internal/metadata"
	"github.com/otcheredev/viewer-core/internal/metrics"
	"github.com/otcheredev/viewer-core/internal/models"
	"github.com/otcheredev/viewer-core/internal/prefetch"
	"github.com/otcheredev/viewer-core/internal/provider"
	"github.com/otcheredev/viewer-core/internal/session"
	"github.com/otcheredev/viewer-core/pkg/logger"
)

var (
	ErrStudyNotFound      = errors.New("study not loaded")
	ErrDisplaySetNotFound = errors.New("display set not found")
	ErrViewportNotFound   = errors.New("viewport not found")
)

const recordTimeout = 5 * time.Second

// LoadRecordStore persists stack load history
type LoadRecordStore interface {
	Create(ctx context.Context, record *models.LoadRecord) error
}

// ViewerConfig holds configuration for the viewer service
type ViewerConfig struct {
	ImageCacheMaxBytes   int64
	Workers              int
	Prefetch             prefetch.Config
	FileStatsItemsLimit  int
	StackStatsItemsLimit int
}

// ViewerService holds the studies loaded from one archive together with
// the image cache, request pool, loading listeners and prefetcher that
// operate on them.
type ViewerService struct {
	adapter  adapters.Adapter
	records  LoadRecordStore
	session  *session.Session
	studies  *collection.Collection[*metadata.StudyMetadata]
	provider *provider.Provider
	cache    *imagecache.Cache
	pool     *imagecache.Pool
	loading  *loading.Manager
	prefetch *prefetch.Prefetcher
	log      zerolog.Logger

	// serialises LoadStudy so a study is retrieved once
	loadMu sync.Mutex

	imagesMu sync.RWMutex
	images   map[string]*metadata.InstanceMetadata
	files    map[string]*provider.Part10Dataset
}

// NewViewerService creates a new viewer service. records may be nil when
// no database is configured.
func NewViewerService(adapter adapters.Adapter, records LoadRecordStore, sess *session.Session, config ViewerConfig) *ViewerService {
	s := &ViewerService{
		adapter:  adapter,
		records:  records,
		session:  sess,
		studies:  collection.New[*metadata.StudyMetadata](),
		provider: provider.New(),
		cache:    imagecache.NewCache(config.ImageCacheMaxBytes),
		log:      logger.Component("viewer"),
		images:   make(map[string]*metadata.InstanceMetadata),
		files:    make(map[string]*provider.Part10Dataset),
	}
	s.pool = imagecache.NewPool(s.cache, adapter, imagecache.PoolConfig{Workers: config.Workers})
	s.loading = loading.NewManager(s.cache, sess, loading.ManagerConfig{
		FileStatsItemsLimit:  config.FileStatsItemsLimit,
		StackStatsItemsLimit: config.StackStatsItemsLimit,
		OnComplete:           s.recordCompletion,
	})
	s.prefetch = prefetch.New(s.studies, s.cache, s.pool, config.Prefetch)
	return s
}

// Run drains the request pool until ctx is cancelled
func (s *ViewerService) Run(ctx context.Context) {
	s.pool.Run(ctx)
}

// Cache returns the image cache
func (s *ViewerService) Cache() *imagecache.Cache {
	return s.cache
}

// Session returns the session progress is published to
func (s *ViewerService) Session() *session.Session {
	return s.session
}

// Prefetcher returns the study prefetcher
func (s *ViewerService) Prefetcher() *prefetch.Prefetcher {
	return s.prefetch
}

// SearchStudies queries the archive for studies
func (s *ViewerService) SearchStudies(ctx context.Context, params models.QueryParams) ([]models.StudySummary, error) {
	studies, err := s.adapter.SearchStudies(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to search studies: %w", err)
	}
	return studies, nil
}

// LoadStudy retrieves the metadata of a study, derives its display sets and
// registers the metadata of every image. Loading a study already held is a
// no-op.
func (s *ViewerService) LoadStudy(ctx context.Context, studyUID string) (models.LoadedStudy, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	if study, ok := s.findStudy(studyUID); ok {
		return toLoadedStudy(study), nil
	}

	datasets, err := s.adapter.RetrieveStudyMetadata(ctx, studyUID)
	if err != nil {
		return models.LoadedStudy{}, fmt.Errorf("failed to retrieve study metadata: %w", err)
	}

	server := s.adapter.Server()
	study, err := metadata.BuildStudy(studyUID, datasets,
		metadata.WithWADORoot(server.WADORoot),
		metadata.WithImageIDScheme(metadata.ImageIDScheme(server.ImageIDScheme)))
	if err != nil {
		return models.LoadedStudy{}, fmt.Errorf("failed to build study: %w", err)
	}
	displaySets, err := metadata.CreateDisplaySets(study)
	if err != nil {
		return models.LoadedStudy{}, fmt.Errorf("failed to create display sets: %w", err)
	}

	images := 0
	for _, ds := range displaySets {
		images += s.registerImages(study, ds)
	}

	s.studies.Insert(study)
	metrics.StudiesLoaded.Set(float64(s.studies.Count()))

	s.log.Info().
		Str("study", studyUID).
		Int("series", study.GetSeriesCount()).
		Int("display_sets", len(displaySets)).
		Int("images", images).
		Msg("Study loaded")
	return toLoadedStudy(study), nil
}

func (s *ViewerService) registerImages(study *metadata.StudyMetadata, ds *metadata.ImageSet) int {
	images := ds.Images()
	s.imagesMu.Lock()
	defer s.imagesMu.Unlock()
	for _, img := range images {
		switch img := img.(type) {
		case *metadata.InstanceMetadata:
			s.provider.AddMetadata(img.ImageID(), provider.ImageData{
				Instance:  img,
				Series:    img.Series(),
				Study:     study,
				NumImages: len(images),
			})
			s.images[img.ImageID()] = img
		case metadata.FrameImage:
			s.provider.AddMetadata(img.ImageID(), provider.ImageData{
				Instance:    img.Instance,
				Series:      img.Instance.Series(),
				Study:       study,
				NumImages:   len(images),
				FrameNumber: img.Frame + 1,
			})
			s.images[img.ImageID()] = img.Instance
		}
	}
	return len(images)
}

// Studies lists the loaded studies, sorted by the given [property, order]
// pairs
func (s *ViewerService) Studies(sort [][]string) ([]models.LoadedStudy, error) {
	specs, err := collection.ParseSort(sort)
	if err != nil {
		return nil, err
	}
	studies, err := s.studies.All(&collection.QueryOptions{Sort: specs})
	if err != nil {
		return nil, err
	}
	out := make([]models.LoadedStudy, 0, len(studies))
	for _, study := range studies {
		out = append(out, toLoadedStudy(study))
	}
	return out, nil
}

// Study returns a loaded study
func (s *ViewerService) Study(studyUID string) (models.LoadedStudy, error) {
	study, ok := s.findStudy(studyUID)
	if !ok {
		return models.LoadedStudy{}, ErrStudyNotFound
	}
	return toLoadedStudy(study), nil
}

// DisplaySets returns the display sets of a loaded study in display order
func (s *ViewerService) DisplaySets(studyUID string) ([]models.DisplaySet, error) {
	study, ok := s.findStudy(studyUID)
	if !ok {
		return nil, ErrStudyNotFound
	}
	displaySets := study.GetDisplaySets()
	out := make([]models.DisplaySet, 0, len(displaySets))
	for _, ds := range displaySets {
		out = append(out, toDisplaySet(ds))
	}
	return out, nil
}

// UnloadStudy drops a study along with the listeners and image metadata of
// its display sets
func (s *ViewerService) UnloadStudy(studyUID string) error {
	study, ok := s.findStudy(studyUID)
	if !ok {
		return ErrStudyNotFound
	}

	s.imagesMu.Lock()
	for _, ds := range study.GetDisplaySets() {
		s.loading.RemoveStack(ds.UID())
		for _, id := range prefetch.GetImageIDsFromDisplaySet(ds) {
			s.provider.Remove(id)
			delete(s.images, id)
			delete(s.files, imagecache.DatasetURL(id))
		}
	}
	s.imagesMu.Unlock()
	s.studies.Remove(collection.Props{"studyInstanceUID": studyUID})
	metrics.StudiesLoaded.Set(float64(s.studies.Count()))

	s.log.Info().Str("study", studyUID).Msg("Study unloaded")
	return nil
}

// Metadata answers a metadata provider query
func (s *ViewerService) Metadata(typ, imageID string) any {
	return s.provider.GetProvider()(typ, imageID)
}

// ActivateViewport shows a display set in a viewport and makes it the
// active one. The displayed image is requested with interaction priority.
func (s *ViewerService) ActivateViewport(viewportID, displaySetUID string, index int) (string, error) {
	_, ds, ok := s.findDisplaySet(displaySetUID)
	if !ok {
		return "", ErrDisplaySetNotFound
	}

	v, ok := s.prefetch.Viewport(viewportID)
	if !ok {
		v = prefetch.NewViewport(viewportID)
		s.prefetch.RegisterViewport(v)
	}
	v.SetStack(prefetch.GetImageIDsFromDisplaySet(ds), index)
	s.prefetch.SetActiveViewport(viewportID)

	imageID, _ := v.CurrentImageID()
	s.requestImage(imageID, imagecache.RequestInteraction)
	return imageID, nil
}

// SetViewportImage scrolls a viewport to an image of its stack
func (s *ViewerService) SetViewportImage(viewportID string, index int) (string, error) {
	v, ok := s.prefetch.Viewport(viewportID)
	if !ok {
		return "", ErrViewportNotFound
	}
	v.SetImageIndex(index)

	imageID, _ := v.CurrentImageID()
	s.requestImage(imageID, imagecache.RequestInteraction)
	return imageID, nil
}

// LoadStack attaches a loading listener to a display set and requests all
// of its images as thumbnails. Progress is published to the session.
func (s *ViewerService) LoadStack(displaySetUID string) (loading.Listener, error) {
	_, ds, ok := s.findDisplaySet(displaySetUID)
	if !ok {
		return nil, ErrDisplaySetNotFound
	}

	imageIDs := prefetch.GetImageIDsFromDisplaySet(ds)
	l := s.loading.AddStack(displaySetUID, imageIDs)
	for _, id := range imageIDs {
		if !s.cache.Contains(id) {
			s.pool.AddRequest(imagecache.Request{
				ImageID:   id,
				Type:      imagecache.RequestThumbnail,
				OnSuccess: s.onImageLoaded,
				OnFailure: s.onRequestFailed,
			})
		}
	}
	s.pool.StartGrabbing()
	return l, nil
}

// ReleaseStack destroys the loading listener of a display set
func (s *ViewerService) ReleaseStack(ctx context.Context, displaySetUID string) error {
	study, _, ok := s.findDisplaySet(displaySetUID)
	if !ok {
		return ErrDisplaySetNotFound
	}
	if !s.loading.RemoveStack(displaySetUID) {
		return nil
	}
	if s.records == nil {
		return nil
	}
	return s.records.Create(ctx, &models.LoadRecord{
		StudyInstanceUID:      study.GetStudyInstanceUID(),
		DisplaySetInstanceUID: displaySetUID,
		Status:                models.LoadStatusReleased,
	})
}

// Progress returns the last progress published for a display set
func (s *ViewerService) Progress(ctx context.Context, displaySetUID string) (json.RawMessage, error) {
	raw, err := s.session.GetRaw(ctx, loading.SessionKey(displaySetUID))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, ErrDisplaySetNotFound
		}
		return nil, fmt.Errorf("failed to read progress: %w", err)
	}
	return raw, nil
}

// Close stops prefetching and drops every listener
func (s *ViewerService) Close() {
	s.prefetch.Close()
	s.pool.ClearRequestStack(imagecache.RequestPrefetch)
	s.pool.ClearRequestStack(imagecache.RequestThumbnail)
	s.pool.ClearRequestStack(imagecache.RequestInteraction)
	s.loading.Clear()
}

func (s *ViewerService) requestImage(imageID string, t imagecache.RequestType) {
	if imageID == "" || s.cache.Contains(imageID) {
		return
	}
	s.pool.AddRequest(imagecache.Request{
		ImageID:   imageID,
		Type:      t,
		OnSuccess: s.onImageLoaded,
		OnFailure: s.onRequestFailed,
	})
	s.pool.StartGrabbing()
}

// onImageLoaded backfills the metadata record of a loaded image. Part-10
// files are parsed once per file; frames of DICOMweb images are completed
// from the instance metadata.
func (s *ViewerService) onImageLoaded(imageID string, data []byte) {
	s.imagesMu.RLock()
	inst, ok := s.images[imageID]
	s.imagesMu.RUnlock()
	if !ok {
		return
	}

	image := provider.Image{ImageID: imageID, Instance: inst}
	if imagecache.IsFileImageID(imageID) {
		file, err := s.part10(imageID, data)
		if err != nil {
			s.log.Warn().Err(err).Str("image_id", imageID).Msg("Failed to read loaded file")
			return
		}
		image.Data = file
	} else {
		image.Data = provider.JSONDataset{Data: inst.Data()}
	}
	s.provider.UpdateMetadata(image)
}

func (s *ViewerService) part10(imageID string, data []byte) (*provider.Part10Dataset, error) {
	url := imagecache.DatasetURL(imageID)
	s.imagesMu.RLock()
	file, ok := s.files[url]
	s.imagesMu.RUnlock()
	if ok {
		return file, nil
	}

	file, err := provider.ParsePart10(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	s.imagesMu.Lock()
	s.files[url] = file
	s.imagesMu.Unlock()
	return file, nil
}

func (s *ViewerService) onRequestFailed(imageID string, err error) {
	if errors.Is(err, imagecache.ErrRequestCleared) {
		return
	}
	s.log.Debug().Err(err).Str("image_id", imageID).Msg("Image request failed")
}

func (s *ViewerService) recordCompletion(summary loading.Summary) {
	s.log.Info().
		Str("display_set", summary.DisplaySetInstanceUID).
		Str("kind", string(summary.Kind)).
		Dur("duration", summary.Duration).
		Int("frames", summary.FramesLoaded).
		Int64("bytes", summary.BytesLoaded).
		Msg("Stack loaded")

	if s.records == nil {
		return
	}
	study, _, _ := s.findDisplaySet(summary.DisplaySetInstanceUID)
	record := &models.LoadRecord{
		DisplaySetInstanceUID: summary.DisplaySetInstanceUID,
		Kind:                  string(summary.Kind),
		Status:                models.LoadStatusComplete,
		FramesLoaded:          summary.FramesLoaded,
		TotalFrames:           summary.TotalFrames,
		BytesLoaded:           summary.BytesLoaded,
		Duration:              summary.Duration.Milliseconds(),
	}
	if study != nil {
		record.StudyInstanceUID = study.GetStudyInstanceUID()
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := s.records.Create(ctx, record); err != nil {
			s.log.Warn().Err(err).Str("display_set", record.DisplaySetInstanceUID).Msg("Failed to record stack load")
		}
	}()
}

func (s *ViewerService) findStudy(studyUID string) (*metadata.StudyMetadata, bool) {
	return s.studies.Find(func(study *metadata.StudyMetadata, _ string, _ int) bool {
		return study.GetStudyInstanceUID() == studyUID
	})
}

func (s *ViewerService) findDisplaySet(displaySetUID string) (*metadata.StudyMetadata, *metadata.ImageSet, bool) {
	var found *metadata.ImageSet
	study, ok := s.studies.Find(func(study *metadata.StudyMetadata, _ string, _ int) bool {
		found = study.GetDisplaySetByUID(displaySetUID)
		return found != nil
	})
	return study, found, ok
}

func toLoadedStudy(study *metadata.StudyMetadata) models.LoadedStudy {
	return models.LoadedStudy{
		StudyInstanceUID: study.GetStudyInstanceUID(),
		PatientName:      study.GetStringValue(metadata.TagPatientName, 0, ""),
		PatientID:        study.GetStringValue(metadata.TagPatientID, 0, ""),
		StudyDate:        study.GetStringValue(metadata.TagStudyDate, 0, ""),
		StudyDescription: study.GetStringValue(metadata.TagStudyDescription, 0, ""),
		SeriesCount:      study.GetSeriesCount(),
		InstanceCount:    study.GetInstanceCount(),
		DisplaySetCount:  study.GetDisplaySetCount(),
	}
}

func toDisplaySet(ds *metadata.ImageSet) models.DisplaySet {
	out := models.DisplaySet{
		DisplaySetInstanceUID: ds.UID(),
		SeriesInstanceUID:     ds.StringAttribute(metadata.AttrSeriesInstanceUID),
		SeriesDescription:     ds.StringAttribute(metadata.AttrSeriesDescription),
		Modality:              ds.StringAttribute(metadata.AttrModality),
		ImageIDs:              prefetch.GetImageIDsFromDisplaySet(ds),
	}
	out.SeriesNumber, _ = ds.GetAttribute(metadata.AttrSeriesNumber).(int)
	out.IsMultiFrame, _ = ds.GetAttribute(metadata.AttrIsMultiFrame).(bool)
	out.NumImageFrames, _ = ds.GetAttribute(metadata.AttrNumImageFrames).(int)
	return out
}
