// Package provider turns the study tree into flat per-image metadata records
// that a renderer looks up by image ID and module type.
package provider

import (
	"maps"
	"strconv"
	"strings"
	"sync"

	"github.com/suyashkumar/dicom/pkg/tag"
	"gonum.org/v1/gonum/stat"

	"github.com/otcheredev/viewer-core/internal/metadata"
)

// Module types understood by the lookup returned from GetProvider.
const (
	TypeStudy            = "study"
	TypeSeries           = "series"
	TypePatient          = "patient"
	TypeInstance         = "instance"
	TypeImagePlane       = "imagePlane"
	TypeImagePlaneModule = "imagePlaneModule"
	TypeMultiframe       = "multiframeModule"
)

// ImageData is what AddMetadata needs to build a record.
type ImageData struct {
	Instance    *metadata.InstanceMetadata
	Series      *metadata.SeriesMetadata
	Study       *metadata.StudyMetadata
	NumImages   int
	FrameNumber int
}

// Image is a loaded image handed back by the renderer.
type Image struct {
	ImageID  string
	Rows     int
	Columns  int
	Instance *metadata.InstanceMetadata
	Data     Dataset
}

type StudyModule struct {
	AccessionNumber  string `json:"accessionNumber,omitempty"`
	PatientID        string `json:"patientId,omitempty"`
	StudyInstanceUID string `json:"studyInstanceUid,omitempty"`
	StudyDate        string `json:"studyDate,omitempty"`
	StudyTime        string `json:"studyTime,omitempty"`
	StudyDescription string `json:"studyDescription,omitempty"`
	InstitutionName  string `json:"institutionName,omitempty"`
	PatientHistory   string `json:"patientHistory,omitempty"`
}

type SeriesModule struct {
	SeriesDescription string `json:"seriesDescription,omitempty"`
	SeriesNumber      int    `json:"seriesNumber,omitempty"`
	SeriesDate        string `json:"seriesDate,omitempty"`
	SeriesTime        string `json:"seriesTime,omitempty"`
	Modality          string `json:"modality,omitempty"`
	SeriesInstanceUID string `json:"seriesInstanceUid,omitempty"`
	NumImages         int    `json:"numImages,omitempty"`
}

type PatientModule struct {
	Name      string `json:"name,omitempty"`
	ID        string `json:"id,omitempty"`
	BirthDate string `json:"birthDate,omitempty"`
	Sex       string `json:"sex,omitempty"`
	Age       string `json:"age,omitempty"`
}

// InstanceModule keeps instance attributes in their DICOM string form.
type InstanceModule struct {
	SOPInstanceUID              string `json:"sopInstanceUid,omitempty"`
	SOPClassUID                 string `json:"sopClassUid,omitempty"`
	InstanceNumber              int    `json:"instanceNumber,omitempty"`
	FrameNumber                 int    `json:"frameNumber,omitempty"`
	Rows                        int    `json:"rows,omitempty"`
	Columns                     int    `json:"columns,omitempty"`
	PixelSpacing                string `json:"pixelSpacing,omitempty"`
	FrameOfReferenceUID         string `json:"frameOfReferenceUID,omitempty"`
	ImageOrientationPatient     string `json:"imageOrientationPatient,omitempty"`
	ImagePositionPatient        string `json:"imagePositionPatient,omitempty"`
	SliceThickness              string `json:"sliceThickness,omitempty"`
	SliceLocation               string `json:"sliceLocation,omitempty"`
	TablePosition               string `json:"tablePosition,omitempty"`
	SpacingBetweenSlices        string `json:"spacingBetweenSlices,omitempty"`
	LossyImageCompression       string `json:"lossyImageCompression,omitempty"`
	LossyImageCompressionRatio  string `json:"lossyImageCompressionRatio,omitempty"`
	LossyImageCompressionMethod string `json:"lossyImageCompressionMethod,omitempty"`
	PhotometricInterpretation   string `json:"photometricInterpretation,omitempty"`
	WindowCenter                string `json:"windowCenter,omitempty"`
	WindowWidth                 string `json:"windowWidth,omitempty"`
	RescaleIntercept            string `json:"rescaleIntercept,omitempty"`
	RescaleSlope                string `json:"rescaleSlope,omitempty"`
}

// ImagePlane is the geometry a renderer needs to place an image in patient
// space.
type ImagePlane struct {
	FrameOfReferenceUID  string     `json:"frameOfReferenceUID"`
	Rows                 int        `json:"rows"`
	Columns              int        `json:"columns"`
	RowCosines           [3]float64 `json:"rowCosines"`
	ColumnCosines        [3]float64 `json:"columnCosines"`
	ImagePositionPatient [3]float64 `json:"imagePositionPatient"`
	RowPixelSpacing      float64    `json:"rowPixelSpacing"`
	ColumnPixelSpacing   float64    `json:"columnPixelSpacing"`
}

// MultiframeModule holds frame timing.
type MultiframeModule struct {
	FrameIncrementPointer string    `json:"frameIncrementPointer,omitempty"`
	FrameTime             float64   `json:"frameTime"`
	FrameTimeVector       []float64 `json:"frameTimeVector,omitempty"`
	AverageFrameRate      float64   `json:"averageFrameRate"`
	NumberOfFrames        int       `json:"numberOfFrames"`
	IsMultiframeImage     bool      `json:"isMultiframeImage"`
}

// ImageMetadata is the record stored per image ID. A nil ImagePlane means
// the geometry could not be derived.
type ImageMetadata struct {
	Study      StudyModule       `json:"study"`
	Series     SeriesModule      `json:"series"`
	Patient    PatientModule     `json:"patient"`
	Instance   InstanceModule    `json:"instance"`
	ImagePlane *ImagePlane       `json:"imagePlane,omitempty"`
	Multiframe *MultiframeModule `json:"multiframeModule,omitempty"`
	Modules    map[string]any    `json:"modules,omitempty"`
}

// Provider stores ImageMetadata records keyed by image ID.
type Provider struct {
	mu      sync.RWMutex
	records map[string]*ImageMetadata
	lookup  func(typ, imageID string) any
}

// New creates an empty provider
func New() *Provider {
	p := &Provider{records: make(map[string]*ImageMetadata)}
	p.lookup = p.get
	return p
}

// AddMetadata builds and stores the record of imageID, replacing any
// previous one.
func (p *Provider) AddMetadata(imageID string, data ImageData) {
	src := chain(instanceSource(data.Instance), seriesSource(data.Series), studySource(data.Study))

	rec := &ImageMetadata{
		Study: StudyModule{
			AccessionNumber:  src.str(tag.AccessionNumber),
			PatientID:        src.str(tag.PatientID),
			StudyInstanceUID: src.str(tag.StudyInstanceUID),
			StudyDate:        src.str(tag.StudyDate),
			StudyTime:        src.str(tag.StudyTime),
			StudyDescription: src.str(tag.StudyDescription),
			InstitutionName:  src.str(tag.InstitutionName),
			PatientHistory:   src.str(tag.AdditionalPatientHistory),
		},
		Series: SeriesModule{
			SeriesDescription: src.str(tag.SeriesDescription),
			SeriesNumber:      src.integer(tag.SeriesNumber),
			SeriesDate:        src.str(tag.SeriesDate),
			SeriesTime:        src.str(tag.SeriesTime),
			Modality:          src.str(tag.Modality),
			SeriesInstanceUID: src.str(tag.SeriesInstanceUID),
			NumImages:         data.NumImages,
		},
		Patient: PatientModule{
			Name:      src.str(tag.PatientName),
			ID:        src.str(tag.PatientID),
			BirthDate: src.str(tag.PatientBirthDate),
			Sex:       src.str(tag.PatientSex),
			Age:       src.str(tag.PatientAge),
		},
		Modules: make(map[string]any),
	}
	fillInstance(&rec.Instance, src)
	rec.Instance.FrameNumber = data.FrameNumber
	if rec.Instance.SOPInstanceUID == "" && data.Instance != nil {
		rec.Instance.SOPInstanceUID = data.Instance.GetSOPInstanceUID()
	}
	rec.ImagePlane = imagePlane(rec.Instance)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.records[imageID] = rec
}

// GetMetadata returns a copy of the record of imageID.
func (p *Provider) GetMetadata(imageID string) (ImageMetadata, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[imageID]
	if !ok {
		return ImageMetadata{}, false
	}
	return rec.clone(), true
}

// AddSpecificMetadata stores data under typ on an existing record. It does
// nothing when imageID has no record.
func (p *Provider) AddSpecificMetadata(imageID, typ string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[imageID]
	if !ok {
		return
	}
	switch typ {
	case TypeImagePlane, TypeImagePlaneModule:
		if plane, ok := data.(*ImagePlane); ok {
			rec.ImagePlane = plane
			return
		}
	case TypeMultiframe:
		if mf, ok := data.(*MultiframeModule); ok {
			rec.Multiframe = mf
			return
		}
	}
	rec.Modules[typ] = data
}

// UpdateMetadata backfills empty fields of the record of image.ImageID from
// the loaded image. Fields that already hold a value are never changed. It
// reports whether a record exists.
func (p *Provider) UpdateMetadata(image Image) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[image.ImageID]
	if !ok {
		return false
	}

	src := chain(datasetSource(image.Data), instanceSource(image.Instance))

	fillString(&rec.Patient.Age, src.str(tag.PatientAge))
	fillString(&rec.Patient.Sex, src.str(tag.PatientSex))
	fillString(&rec.Patient.BirthDate, src.str(tag.PatientBirthDate))
	fillInt(&rec.Instance.Rows, image.Rows)
	fillInt(&rec.Instance.Columns, image.Columns)
	fillInstance(&rec.Instance, src)

	if rec.ImagePlane == nil {
		rec.ImagePlane = imagePlane(rec.Instance)
	}
	if rec.Multiframe == nil {
		if mf := p.multiframe(image); mf.IsMultiframeImage {
			rec.Multiframe = &mf
		}
	}
	return true
}

// GetMultiframeModuleMetadata derives frame timing for image. Frame Time
// Vector timing is averaged; any Frame Increment Pointer other than Frame
// Time or Frame Time Vector leaves the timing fields at zero.
func (p *Provider) GetMultiframeModuleMetadata(image Image) MultiframeModule {
	return p.multiframe(image)
}

func (p *Provider) multiframe(image Image) MultiframeModule {
	var info MultiframeModule
	src := chain(instanceSource(image.Instance), datasetSource(image.Data))

	frames := src.integer(tag.NumberOfFrames)
	if frames <= 0 {
		return info
	}
	info.IsMultiframeImage = true
	info.NumberOfFrames = frames

	pointer, _ := metadata.NormalizeTag(src.str(tag.FrameIncrementPointer))
	info.FrameIncrementPointer = pointer

	switch pointer {
	case metadata.TagKey(tag.FrameTimeVector):
		vector := parseFloats(src.str(tag.FrameTimeVector))
		if len(vector) == 0 {
			return info
		}
		info.FrameTimeVector = vector
		info.FrameTime = stat.Mean(vector, nil)
	case metadata.TagKey(tag.FrameTime):
		info.FrameTime = parseFloat(src.str(tag.FrameTime))
	}
	if info.FrameTime > 0 {
		info.AverageFrameRate = 1000 / info.FrameTime
	}
	return info
}

// GetProvider returns the lookup function registered with the renderer. The
// same function is returned on every call.
func (p *Provider) GetProvider() func(typ, imageID string) any {
	return p.lookup
}

func (p *Provider) get(typ, imageID string) any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.records[imageID]
	if !ok {
		return nil
	}

	switch typ {
	case TypeStudy:
		return rec.Study
	case TypeSeries:
		return rec.Series
	case TypePatient:
		return rec.Patient
	case TypeInstance:
		return rec.Instance
	case TypeImagePlane, TypeImagePlaneModule:
		if rec.ImagePlane == nil {
			return nil
		}
		plane := *rec.ImagePlane
		return plane
	case TypeMultiframe:
		if rec.Multiframe == nil {
			return nil
		}
		return rec.Multiframe.clone()
	}
	if v, ok := rec.Modules[typ]; ok {
		return v
	}
	return nil
}

// Remove drops the record of imageID.
func (p *Provider) Remove(imageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, imageID)
}

// Purge drops every record.
func (p *Provider) Purge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = make(map[string]*ImageMetadata)
}

// Len returns the number of records.
func (p *Provider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}

func (m *ImageMetadata) clone() ImageMetadata {
	out := *m
	if m.ImagePlane != nil {
		plane := *m.ImagePlane
		out.ImagePlane = &plane
	}
	if m.Multiframe != nil {
		mf := m.Multiframe.clone()
		out.Multiframe = &mf
	}
	out.Modules = maps.Clone(m.Modules)
	return out
}

func (m MultiframeModule) clone() MultiframeModule {
	if m.FrameTimeVector != nil {
		m.FrameTimeVector = append([]float64(nil), m.FrameTimeVector...)
	}
	return m
}

func fillInstance(dst *InstanceModule, src source) {
	fillString(&dst.SOPInstanceUID, src.str(tag.SOPInstanceUID))
	fillString(&dst.SOPClassUID, src.str(tag.SOPClassUID))
	fillInt(&dst.InstanceNumber, src.integer(tag.InstanceNumber))
	fillInt(&dst.Rows, src.integer(tag.Rows))
	fillInt(&dst.Columns, src.integer(tag.Columns))
	fillString(&dst.PixelSpacing, src.str(tag.PixelSpacing))
	fillString(&dst.FrameOfReferenceUID, src.str(tag.FrameOfReferenceUID))
	fillString(&dst.ImageOrientationPatient, src.str(tag.ImageOrientationPatient))
	fillString(&dst.ImagePositionPatient, src.str(tag.ImagePositionPatient))
	fillString(&dst.SliceThickness, src.str(tag.SliceThickness))
	fillString(&dst.SliceLocation, src.str(tag.SliceLocation))
	fillString(&dst.TablePosition, src.str(tag.TablePosition))
	fillString(&dst.SpacingBetweenSlices, src.str(tag.SpacingBetweenSlices))
	fillString(&dst.LossyImageCompression, src.str(tag.LossyImageCompression))
	fillString(&dst.LossyImageCompressionRatio, src.str(tag.LossyImageCompressionRatio))
	fillString(&dst.LossyImageCompressionMethod, src.str(tag.LossyImageCompressionMethod))
	fillString(&dst.PhotometricInterpretation, src.str(tag.PhotometricInterpretation))
	fillString(&dst.WindowCenter, src.str(tag.WindowCenter))
	fillString(&dst.WindowWidth, src.str(tag.WindowWidth))
	fillString(&dst.RescaleIntercept, src.str(tag.RescaleIntercept))
	fillString(&dst.RescaleSlope, src.str(tag.RescaleSlope))
}

// imagePlane returns nil unless rows, columns, pixel spacing, frame of
// reference, orientation and position are all known.
func imagePlane(inst InstanceModule) *ImagePlane {
	if inst.Rows == 0 || inst.Columns == 0 || inst.PixelSpacing == "" || inst.FrameOfReferenceUID == "" ||
		inst.ImageOrientationPatient == "" || inst.ImagePositionPatient == "" {
		return nil
	}
	spacing := parseFloats(inst.PixelSpacing)
	orientation := parseFloats(inst.ImageOrientationPatient)
	position := parseFloats(inst.ImagePositionPatient)
	if len(spacing) < 2 || len(orientation) < 6 || len(position) < 3 {
		return nil
	}

	return &ImagePlane{
		FrameOfReferenceUID:  inst.FrameOfReferenceUID,
		Rows:                 inst.Rows,
		Columns:              inst.Columns,
		RowCosines:           [3]float64{orientation[0], orientation[1], orientation[2]},
		ColumnCosines:        [3]float64{orientation[3], orientation[4], orientation[5]},
		ImagePositionPatient: [3]float64{position[0], position[1], position[2]},
		RowPixelSpacing:      spacing[0],
		ColumnPixelSpacing:   spacing[1],
	}
}

func fillString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func fillInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}

// source reads a tag in DICOM string form.
type source func(t tag.Tag) (string, bool)

func chain(sources ...source) source {
	return func(t tag.Tag) (string, bool) {
		for _, s := range sources {
			if v, ok := s(t); ok && v != "" {
				return v, true
			}
		}
		return "", false
	}
}

func (s source) str(t tag.Tag) string {
	v, _ := s(t)
	return v
}

func (s source) integer(t tag.Tag) int {
	v, ok := s(t)
	if !ok {
		return 0
	}
	first, _, _ := strings.Cut(v, `\`)
	f, err := strconv.ParseFloat(strings.TrimSpace(first), 64)
	if err != nil {
		return 0
	}
	return int(f)
}

type tagLookup interface {
	LookupTag(tagOrKeyword string) (any, bool)
}

func lookupSource(l tagLookup) source {
	return func(t tag.Tag) (string, bool) {
		v, ok := l.LookupTag(metadata.TagKey(t))
		s, isString := v.(string)
		return s, ok && isString
	}
}

func instanceSource(inst *metadata.InstanceMetadata) source {
	if inst == nil {
		return none
	}
	return func(t tag.Tag) (string, bool) {
		v, ok := inst.LookupTag(metadata.TagKey(t), false)
		s, isString := v.(string)
		return s, ok && isString
	}
}

func seriesSource(series *metadata.SeriesMetadata) source {
	if series == nil {
		return none
	}
	return lookupSource(series)
}

func studySource(study *metadata.StudyMetadata) source {
	if study == nil {
		return none
	}
	return lookupSource(study)
}

func datasetSource(ds Dataset) source {
	if ds == nil {
		return none
	}
	return ds.String
}

func none(tag.Tag) (string, bool) {
	return "", false
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

// parseFloats returns nil if any component is not a number.
func parseFloats(s string) []float64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, `\`)
	out := make([]float64, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil
		}
		out[i] = f
	}
	return out
}
