package provider

import (
	"bytes"
	"math"
	"testing"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/otcheredev/viewer-core/internal/metadata"
)

func attr(vr string, values ...any) metadata.Attribute {
	return metadata.NewAttribute(vr, values...)
}

func buildInstance(t *testing.T, extra metadata.Dataset) (*metadata.StudyMetadata, *metadata.SeriesMetadata, *metadata.InstanceMetadata) {
	t.Helper()
	data := metadata.Dataset{
		metadata.TagStudyInstanceUID:  attr("UI", "1.2"),
		metadata.TagSeriesInstanceUID: attr("UI", "1.2.1"),
		metadata.TagSOPInstanceUID:    attr("UI", "1.2.1.1"),
		metadata.TagPatientName:       attr("PN", map[string]string{"Alphabetic": "Doe^John"}),
		metadata.TagModality:          attr("CS", "CT"),
		metadata.TagSeriesNumber:      attr("IS", 4),
	}
	for k, v := range extra {
		data[k] = v
	}
	study, err := metadata.BuildStudy("1.2", []metadata.Dataset{data}, metadata.WithWADORoot("http://pacs"))
	if err != nil {
		t.Fatalf("BuildStudy: %v", err)
	}
	series := study.GetFirstSeries()
	return study, series, series.GetFirstInstance()
}

func planeTags() metadata.Dataset {
	return metadata.Dataset{
		metadata.TagKey(tag.Rows):                    attr("US", 512),
		metadata.TagKey(tag.Columns):                 attr("US", 256),
		metadata.TagKey(tag.PixelSpacing):            attr("DS", "1.0", "2.0"),
		metadata.TagKey(tag.FrameOfReferenceUID):     attr("UI", "1.2.3.4"),
		metadata.TagKey(tag.ImageOrientationPatient): attr("DS", 1, 0, 0, 0, 1, 0),
		metadata.TagKey(tag.ImagePositionPatient):    attr("DS", -10, -20, 30.5),
	}
}

func TestAddMetadata(t *testing.T) {
	study, series, inst := buildInstance(t, nil)
	p := New()
	p.AddMetadata("img-1", ImageData{Instance: inst, Series: series, Study: study, NumImages: 7, FrameNumber: 0})

	rec, ok := p.GetMetadata("img-1")
	if !ok {
		t.Fatal("record not stored")
	}
	if rec.Study.StudyInstanceUID != "1.2" || rec.Series.Modality != "CT" || rec.Series.SeriesNumber != 4 {
		t.Errorf("study/series modules = %+v / %+v", rec.Study, rec.Series)
	}
	if rec.Series.NumImages != 7 {
		t.Errorf("NumImages = %d, want 7", rec.Series.NumImages)
	}
	if rec.Patient.Name != "Doe^John" {
		t.Errorf("patient name = %q", rec.Patient.Name)
	}
	if rec.Instance.SOPInstanceUID != "1.2.1.1" {
		t.Errorf("sop = %q", rec.Instance.SOPInstanceUID)
	}

	if _, ok := p.GetMetadata("missing"); ok {
		t.Error("missing image reported present")
	}
}

func TestImagePlaneGating(t *testing.T) {
	t.Run("missing frame of reference", func(t *testing.T) {
		extra := planeTags()
		delete(extra, metadata.TagKey(tag.FrameOfReferenceUID))
		_, _, inst := buildInstance(t, extra)
		p := New()
		p.AddMetadata("img", ImageData{Instance: inst})

		rec, _ := p.GetMetadata("img")
		if rec.ImagePlane != nil {
			t.Errorf("ImagePlane = %+v, want nil", rec.ImagePlane)
		}
		if v := p.GetProvider()(TypeImagePlane, "img"); v != nil {
			t.Errorf("provider imagePlane = %v, want nil", v)
		}
	})

	t.Run("all fields present", func(t *testing.T) {
		_, _, inst := buildInstance(t, planeTags())
		p := New()
		p.AddMetadata("img", ImageData{Instance: inst})

		rec, _ := p.GetMetadata("img")
		plane := rec.ImagePlane
		if plane == nil {
			t.Fatal("ImagePlane not derived")
		}
		if plane.RowPixelSpacing != 1.0 || plane.ColumnPixelSpacing != 2.0 {
			t.Errorf("spacing = (%v, %v), want (1, 2)", plane.RowPixelSpacing, plane.ColumnPixelSpacing)
		}
		if plane.RowCosines != [3]float64{1, 0, 0} || plane.ColumnCosines != [3]float64{0, 1, 0} {
			t.Errorf("cosines = %v %v", plane.RowCosines, plane.ColumnCosines)
		}
		if plane.ImagePositionPatient != [3]float64{-10, -20, 30.5} {
			t.Errorf("position = %v", plane.ImagePositionPatient)
		}
		if plane.Rows != 512 || plane.Columns != 256 || plane.FrameOfReferenceUID != "1.2.3.4" {
			t.Errorf("plane = %+v", plane)
		}
	})
}

func TestUpdateMetadataBackfill(t *testing.T) {
	_, _, inst := buildInstance(t, nil)
	p := New()
	p.AddMetadata("img", ImageData{Instance: inst})

	raw := JSONDataset{Data: planeTags()}
	raw.Data[metadata.TagKey(tag.PatientAge)] = attr("AS", "042Y")
	raw.Data[metadata.TagSOPInstanceUID] = attr("UI", "other")

	if !p.UpdateMetadata(Image{ImageID: "img", Rows: 512, Columns: 256, Data: raw}) {
		t.Fatal("UpdateMetadata returned false for a known image")
	}
	first, _ := p.GetMetadata("img")
	if first.Patient.Age != "042Y" {
		t.Errorf("age not backfilled: %q", first.Patient.Age)
	}
	if first.Instance.SOPInstanceUID != "1.2.1.1" {
		t.Errorf("populated SOP instance UID overwritten: %q", first.Instance.SOPInstanceUID)
	}
	if first.ImagePlane == nil {
		t.Fatal("image plane not derived after backfill")
	}

	changed := JSONDataset{Data: metadata.Dataset{
		metadata.TagKey(tag.PatientAge):   attr("AS", "099Y"),
		metadata.TagKey(tag.PixelSpacing): attr("DS", 9, 9),
	}}
	p.UpdateMetadata(Image{ImageID: "img", Rows: 1, Columns: 1, Data: changed})
	second, _ := p.GetMetadata("img")
	if second.Patient != first.Patient || second.Instance != first.Instance || *second.ImagePlane != *first.ImagePlane {
		t.Errorf("second update altered populated fields:\nfirst  %+v\nsecond %+v", first, second)
	}

	if p.UpdateMetadata(Image{ImageID: "unknown"}) {
		t.Error("UpdateMetadata on unknown image returned true")
	}
}

func TestMultiframeModule(t *testing.T) {
	p := New()

	t.Run("frame time vector", func(t *testing.T) {
		_, _, inst := buildInstance(t, metadata.Dataset{
			metadata.TagNumberOfFrames:                 attr("IS", 3),
			metadata.TagKey(tag.FrameIncrementPointer): attr("AT", "00181065"),
			metadata.TagKey(tag.FrameTimeVector):       attr("DS", 0, 40, 60),
		})
		mf := p.GetMultiframeModuleMetadata(Image{Instance: inst})
		if !mf.IsMultiframeImage || mf.NumberOfFrames != 3 {
			t.Fatalf("module = %+v", mf)
		}
		if mf.FrameTime != 100.0/3 || math.Abs(mf.AverageFrameRate-30) > 1e-9 {
			t.Errorf("frameTime = %v, rate = %v", mf.FrameTime, mf.AverageFrameRate)
		}
		if len(mf.FrameTimeVector) != 3 {
			t.Errorf("vector = %v", mf.FrameTimeVector)
		}
	})

	t.Run("frame time scalar", func(t *testing.T) {
		_, _, inst := buildInstance(t, metadata.Dataset{
			metadata.TagNumberOfFrames:                 attr("IS", 10),
			metadata.TagKey(tag.FrameIncrementPointer): attr("AT", "00181063"),
			metadata.TagKey(tag.FrameTime):             attr("DS", 50),
		})
		mf := p.GetMultiframeModuleMetadata(Image{Instance: inst})
		if mf.FrameTime != 50 || mf.AverageFrameRate != 20 {
			t.Errorf("module = %+v", mf)
		}
	})

	t.Run("unknown pointer", func(t *testing.T) {
		_, _, inst := buildInstance(t, metadata.Dataset{
			metadata.TagNumberOfFrames:                 attr("IS", 2),
			metadata.TagKey(tag.FrameIncrementPointer): attr("AT", "00540080"),
		})
		mf := p.GetMultiframeModuleMetadata(Image{Instance: inst})
		if !mf.IsMultiframeImage || mf.FrameTime != 0 || mf.AverageFrameRate != 0 {
			t.Errorf("module = %+v", mf)
		}
	})

	t.Run("single frame", func(t *testing.T) {
		_, _, inst := buildInstance(t, nil)
		if mf := p.GetMultiframeModuleMetadata(Image{Instance: inst}); mf.IsMultiframeImage {
			t.Errorf("module = %+v", mf)
		}
	})
}

func TestGetProvider(t *testing.T) {
	_, _, inst := buildInstance(t, planeTags())
	p := New()
	p.AddMetadata("img", ImageData{Instance: inst})

	lookup := p.GetProvider()
	plane, ok := lookup(TypeImagePlaneModule, "img").(ImagePlane)
	if !ok || plane.RowPixelSpacing != 1 {
		t.Errorf("imagePlaneModule alias = %v", lookup(TypeImagePlaneModule, "img"))
	}
	if _, ok := lookup(TypeSeries, "img").(SeriesModule); !ok {
		t.Error("series module missing")
	}
	if lookup(TypeStudy, "nope") != nil || lookup("unknownModule", "img") != nil {
		t.Error("missing lookups should be nil")
	}

	p.AddSpecificMetadata("img", "overlayPlane", map[string]int{"count": 1})
	if lookup("overlayPlane", "img") == nil {
		t.Error("specific metadata not stored")
	}
	p.AddSpecificMetadata("nope", "overlayPlane", 1)
	if p.Len() != 1 {
		t.Error("AddSpecificMetadata created a record")
	}

	p.Remove("img")
	if lookup(TypeStudy, "img") != nil {
		t.Error("record survived Remove")
	}
	p.AddMetadata("a", ImageData{Instance: inst})
	p.Purge()
	if p.Len() != 0 {
		t.Error("Purge left records")
	}
}

func TestPart10Dataset(t *testing.T) {
	age, err := dicom.NewElement(tag.PatientAge, []string{"030Y"})
	if err != nil {
		t.Fatalf("NewElement: %v", err)
	}
	rows, err := dicom.NewElement(tag.Rows, []int{128})
	if err != nil {
		t.Fatalf("NewElement: %v", err)
	}
	ds := &Part10Dataset{Data: dicom.Dataset{Elements: []*dicom.Element{age, rows}}}

	if v, ok := ds.String(tag.PatientAge); !ok || v != "030Y" {
		t.Errorf("PatientAge = (%q, %v)", v, ok)
	}
	if v, ok := ds.String(tag.Rows); !ok || v != "128" {
		t.Errorf("Rows = (%q, %v)", v, ok)
	}
	if _, ok := ds.String(tag.PatientSex); ok {
		t.Error("absent tag reported present")
	}
}

func TestParsePart10(t *testing.T) {
	var ds dicom.Dataset
	for _, v := range []struct {
		tag   tag.Tag
		value any
	}{
		{tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.7"}},
		{tag.MediaStorageSOPInstanceUID, []string{"1.2.1.1"}},
		{tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}},
		{tag.SOPInstanceUID, []string{"1.2.1.1"}},
		{tag.PatientSex, []string{"O"}},
		{tag.Rows, []int{64}},
		{tag.NumberOfFrames, []string{"2"}},
	} {
		elem, err := dicom.NewElement(v.tag, v.value)
		if err != nil {
			t.Fatalf("NewElement(%v): %v", v.tag, err)
		}
		ds.Elements = append(ds.Elements, elem)
	}
	var buf bytes.Buffer
	if err := dicom.Write(&buf, ds); err != nil {
		t.Fatalf("Write: %v", err)
	}

	parsed, err := ParsePart10(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("ParsePart10: %v", err)
	}
	if v, ok := parsed.String(tag.PatientSex); !ok || v != "O" {
		t.Errorf("PatientSex = (%q, %v)", v, ok)
	}

	_, _, inst := buildInstance(t, nil)
	p := New()
	p.AddMetadata("img", ImageData{Instance: inst})
	p.UpdateMetadata(Image{ImageID: "img", Instance: inst, Data: parsed})
	rec, _ := p.GetMetadata("img")
	if rec.Instance.Rows != 64 || rec.Patient.Sex != "O" {
		t.Errorf("backfilled record = %+v %+v", rec.Instance, rec.Patient)
	}
	if rec.Multiframe == nil || rec.Multiframe.NumberOfFrames != 2 {
		t.Errorf("multiframe = %+v", rec.Multiframe)
	}

	if _, err := ParsePart10(bytes.NewReader([]byte("not dicom")), 9); err == nil {
		t.Error("garbage parsed without error")
	}
}
