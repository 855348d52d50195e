package metadata

import (
	"errors"
	"strings"
	"testing"
)

func instanceDataset(study, series, sop string, number int) Dataset {
	return Dataset{
		TagStudyInstanceUID:  NewAttribute("UI", study),
		TagSeriesInstanceUID: NewAttribute("UI", series),
		TagSOPInstanceUID:    NewAttribute("UI", sop),
		TagInstanceNumber:    NewAttribute("IS", number),
	}
}

func TestNormalizeTag(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"x00280030", "00280030", true},
		{"00280030", "00280030", true},
		{"0020000d", "0020000D", true},
		{"(0028,0030)", "00280030", true},
		{"PixelSpacing", "00280030", true},
		{"SOPInstanceUID", "00080018", true},
		{"", "", false},
		{"NotADicomKeyword", "", false},
		{"x0028003G", "", false},
	}
	for _, tt := range tests {
		got, ok := NormalizeTag(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NormalizeTag(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestDatasetResolve(t *testing.T) {
	ds := Dataset{
		"00100010": NewAttribute("PN", map[string]string{"Alphabetic": "Doe^Jane"}),
		"00280030": NewAttribute("DS", 0.5, 0.25),
		"00200013": NewAttribute("IS"),
		"00081115": NewAttribute("SQ", Dataset{"0020000E": NewAttribute("UI", "1.2")}),
	}

	if got := ds.String("PatientName"); got != "Doe^Jane" {
		t.Errorf("PatientName = %q, want Doe^Jane", got)
	}
	if got := ds.String("x00280030"); got != `0.5\0.25` {
		t.Errorf("PixelSpacing = %q", got)
	}
	if _, ok := ds.Lookup("InstanceNumber"); ok {
		t.Error("attribute without values reported as present")
	}
	v, ok := ds.Lookup("00081115")
	items, isSeq := v.([]Dataset)
	if !ok || !isSeq || len(items) != 1 || items[0].String("SeriesInstanceUID") != "1.2" {
		t.Errorf("sequence lookup = (%v, %v)", v, ok)
	}
}

func TestParseDatasets(t *testing.T) {
	body := `[{"0020000D":{"vr":"UI","Value":["1.2.3"]},"00280010":{"vr":"US","Value":[512]}}]`
	datasets, err := ParseDatasets([]byte(body))
	if err != nil {
		t.Fatalf("ParseDatasets: %v", err)
	}
	if len(datasets) != 1 {
		t.Fatalf("got %d datasets, want 1", len(datasets))
	}
	if got := datasets[0].String(TagStudyInstanceUID); got != "1.2.3" {
		t.Errorf("StudyInstanceUID = %q", got)
	}
	if got := datasets[0].String("Rows"); got != "512" {
		t.Errorf("Rows = %q, want 512", got)
	}

	if _, err := ParseDatasets([]byte("{")); err == nil {
		t.Error("expected decode error")
	}
}

func TestLookupFallsBackToSeriesAndStudy(t *testing.T) {
	study := NewStudyMetadata(Dataset{
		TagStudyInstanceUID: NewAttribute("UI", "1.2.3"),
		TagStudyDate:        NewAttribute("DA", "20240101"),
	}, "")
	series := NewSeriesMetadata(Dataset{
		TagSeriesInstanceUID: NewAttribute("UI", "1.2.3.1"),
		"00280030":           NewAttribute("DS", 0.7, 0.7),
	}, "")
	inst := NewInstanceMetadata(Dataset{
		TagSOPInstanceUID: NewAttribute("UI", "1.2.3.1.1"),
	}, "")
	study.AddSeries(series)
	series.AddInstance(inst)

	if got := inst.GetTagValue("x00280030", nil); got != `0.7\0.7` {
		t.Errorf("PixelSpacing from series = %v", got)
	}
	if got := inst.GetStringValue("StudyDate", 0, ""); got != "20240101" {
		t.Errorf("StudyDate from study = %q", got)
	}
	if inst.TagExists("PatientWeight") {
		t.Error("missing attribute reported as present")
	}
	if got := inst.GetTagValue("PatientWeight", "none"); got != "none" {
		t.Errorf("default = %v, want none", got)
	}
}

func TestLookupCache(t *testing.T) {
	study := NewStudyMetadata(Dataset{TagStudyInstanceUID: NewAttribute("UI", "1")}, "")
	series := NewSeriesMetadata(Dataset{TagSeriesInstanceUID: NewAttribute("UI", "1.1")}, "")
	inst := NewInstanceMetadata(Dataset{TagSOPInstanceUID: NewAttribute("UI", "1.1.1")}, "")
	study.AddSeries(series)
	series.AddInstance(inst)

	if _, ok := inst.LookupTag("Modality", false); ok {
		t.Fatal("Modality unexpectedly present")
	}
	if study.TagCache().Len() != 1 {
		t.Fatalf("cache len = %d, want 1", study.TagCache().Len())
	}

	series.data[TagModality] = NewAttribute("CS", "CT")

	if _, ok := inst.LookupTag("Modality", false); ok {
		t.Error("cached miss not served from cache")
	}
	v, ok := inst.LookupTag("Modality", true)
	if !ok || v != "CT" {
		t.Errorf("bypassCache lookup = (%v, %v), want (CT, true)", v, ok)
	}
	if v, _ := inst.LookupTag("Modality", false); v != "CT" {
		t.Errorf("refreshed cache = %v, want CT", v)
	}

	study.TagCache().Reset()
	if study.TagCache().Len() != 0 {
		t.Error("Reset left entries behind")
	}
}

func TestSharedTagCache(t *testing.T) {
	shared := NewTagCache()
	a := NewStudyMetadata(Dataset{}, "a", WithTagCache(shared))
	if a.TagCache() != shared {
		t.Error("WithTagCache ignored")
	}
	b := NewStudyMetadata(Dataset{}, "b")
	if b.TagCache() == nil || b.TagCache() == shared {
		t.Error("study without option should own a fresh cache")
	}
}

func TestTypedAccessors(t *testing.T) {
	inst := NewInstanceMetadata(Dataset{
		TagSOPInstanceUID: NewAttribute("UI", "9"),
		"00280030":        NewAttribute("DS", 1.5, 2.5, 3.5),
		"00180050":        NewAttribute("DS", "abc"),
		TagNumberOfFrames: NewAttribute("IS", "3.0"),
	}, "")

	got := inst.GetFloatValues("x00280030")
	if len(got) != 3 || got[0] != 1.5 || got[1] != 2.5 || got[2] != 3.5 {
		t.Errorf("GetFloatValues = %v", got)
	}
	if v := inst.GetFloatValue("x00280030", 1, 0); v != 2.5 {
		t.Errorf("GetFloatValue(1) = %v, want 2.5", v)
	}
	if v := inst.GetFloatValue("x00280030", 9, -1); v != -1 {
		t.Errorf("GetFloatValue(9) = %v, want default", v)
	}
	if v := inst.GetFloatValues("SliceThickness"); v != nil {
		t.Errorf("unparsable values = %v, want nil", v)
	}
	if v := inst.GetStringValues("x00280030"); len(v) != 3 || v[2] != "3.5" {
		t.Errorf("GetStringValues = %v", v)
	}
	if n := inst.NumberOfFrames(); n != 3 || !inst.IsMultiframe() {
		t.Errorf("NumberOfFrames = %d", n)
	}
	if n := inst.GetIntValue("Rows", 0, 42); n != 42 {
		t.Errorf("missing int = %d, want default", n)
	}
}

func TestAddSeriesRejectsDuplicates(t *testing.T) {
	study := NewStudyMetadata(Dataset{}, "1")
	first := NewSeriesMetadata(Dataset{}, "S1")
	if !study.AddSeries(first) {
		t.Fatal("first AddSeries failed")
	}
	if study.AddSeries(NewSeriesMetadata(Dataset{}, "S1")) {
		t.Error("duplicate series accepted")
	}
	if study.AddSeries(nil) {
		t.Error("nil series accepted")
	}
	if study.GetSeriesCount() != 1 {
		t.Errorf("GetSeriesCount = %d, want 1", study.GetSeriesCount())
	}
	if !study.ContainsSeries(NewSeriesMetadata(Dataset{}, "S1")) {
		t.Error("ContainsSeries should match by UID")
	}

	if !first.AddInstance(NewInstanceMetadata(Dataset{}, "I1")) {
		t.Fatal("AddInstance failed")
	}
	if first.AddInstance(NewInstanceMetadata(Dataset{}, "I1")) {
		t.Error("duplicate instance accepted")
	}
}

func TestFirstInstanceIsMemoised(t *testing.T) {
	series := NewSeriesMetadata(Dataset{}, "S")
	if series.GetFirstInstance() != nil {
		t.Fatal("empty series has a first instance")
	}
	i1 := NewInstanceMetadata(Dataset{}, "I1")
	series.AddInstance(i1)
	if series.GetFirstInstance() != i1 {
		t.Fatal("first instance not I1")
	}
	series.AddInstance(NewInstanceMetadata(Dataset{}, "I2"))
	if series.GetFirstInstance() != i1 {
		t.Error("first instance changed after AddInstance")
	}

	study := NewStudyMetadata(Dataset{}, "ST")
	study.AddSeries(series)
	if study.GetFirstSeries() != series || study.GetFirstInstance() != i1 {
		t.Error("study first series/instance mismatch")
	}
}

func TestStudyScenario(t *testing.T) {
	datasets := []Dataset{
		instanceDataset("1.2", "S1", "I1", 1),
		instanceDataset("1.2", "S1", "I2", 2),
		instanceDataset("1.2", "S2", "I3", 1),
		instanceDataset("1.2", "S2", "I4", 2),
	}
	study, err := BuildStudy("1.2", datasets, WithWADORoot("https://pacs.example/dicom-web/"))
	if err != nil {
		t.Fatalf("BuildStudy: %v", err)
	}

	if study.GetSeriesCount() != 2 || study.GetInstanceCount() != 4 {
		t.Fatalf("counts = %d series, %d instances", study.GetSeriesCount(), study.GetInstanceCount())
	}

	match := func(inst *InstanceMetadata, _ int) bool { return inst.GetSOPInstanceUID() == "I2" }
	series, inst := study.FindSeriesAndInstanceByInstance(match)
	if series == nil || series.GetSeriesInstanceUID() != "S1" || inst == nil || inst.GetSOPInstanceUID() != "I2" {
		t.Fatalf("FindSeriesAndInstanceByInstance = (%v, %v)", series, inst)
	}
	if study.FindSeriesByInstance(match) != series || study.FindInstance(match) != inst {
		t.Error("FindSeriesByInstance/FindInstance disagree")
	}
	if s, i := study.FindSeriesAndInstanceByInstance(func(*InstanceMetadata, int) bool { return false }); s != nil || i != nil {
		t.Error("no match should return nils")
	}

	if inst.Study() != study {
		t.Error("instance not linked to study")
	}
	want := "wadors:https://pacs.example/dicom-web/studies/1.2/series/S1/instances/I2/frames/1"
	if got := inst.ImageID(); got != want {
		t.Errorf("ImageID = %q, want %q", got, want)
	}
}

func TestWADOURIImageID(t *testing.T) {
	ds := instanceDataset("1.2", "S1", "I1", 1)
	ds[TagNumberOfFrames] = NewAttribute("IS", 4)
	study, err := BuildStudy("1.2", []Dataset{ds},
		WithWADORoot("https://pacs.example/wado"), WithImageIDScheme(SchemeWADOURI))
	if err != nil {
		t.Fatalf("BuildStudy: %v", err)
	}
	inst := study.GetFirstInstance()
	id := inst.GetImageID(2)
	if !strings.HasPrefix(id, "wadouri:https://pacs.example/wado?") {
		t.Errorf("unexpected prefix: %s", id)
	}
	for _, part := range []string{"objectUID=I1", "seriesUID=S1", "studyUID=1.2", "&frame=2"} {
		if !strings.Contains(id, part) {
			t.Errorf("image id %s missing %s", id, part)
		}
	}
}

func TestBuildStudyErrors(t *testing.T) {
	if _, err := BuildStudy("1", nil); err == nil {
		t.Error("expected error for empty input")
	}
	_, err := BuildStudy("1", []Dataset{instanceDataset("2", "S", "I", 1)})
	var mErr *Error
	if !errors.As(err, &mErr) {
		t.Errorf("foreign study error = %v, want *Error", err)
	}
}

func TestCreateDisplaySets(t *testing.T) {
	s1a := instanceDataset("1", "S1", "A2", 2)
	s1a[TagSeriesNumber] = NewAttribute("IS", 2)
	s1b := instanceDataset("1", "S1", "A1", 1)
	s1b[TagSeriesNumber] = NewAttribute("IS", 2)
	mf := instanceDataset("1", "S2", "M1", 1)
	mf[TagSeriesNumber] = NewAttribute("IS", 1)
	mf[TagNumberOfFrames] = NewAttribute("IS", 3)

	study, err := BuildStudy("1", []Dataset{s1a, s1b, mf}, WithWADORoot("http://x"))
	if err != nil {
		t.Fatalf("BuildStudy: %v", err)
	}
	sets, err := CreateDisplaySets(study)
	if err != nil {
		t.Fatalf("CreateDisplaySets: %v", err)
	}
	if len(sets) != 2 || study.GetDisplaySetCount() != 2 {
		t.Fatalf("got %d display sets", len(sets))
	}

	multi := sets[0]
	if multi.GetAttribute(AttrIsMultiFrame) != true || multi.ImageCount() != 3 {
		t.Errorf("multiframe set attrs = %v, images = %d", multi.Attributes(), multi.ImageCount())
	}
	if img, ok := multi.GetImage(2).(FrameImage); !ok || !strings.HasSuffix(img.ImageID(), "/frames/3") {
		t.Errorf("frame image = %#v", multi.GetImage(2))
	}

	single := sets[1]
	if got := single.GetImage(0).GetSOPInstanceUID(); got != "A1" {
		t.Errorf("first image = %s, want A1 (instance number order)", got)
	}
	if study.GetSeriesByIndex(0).GetSeriesInstanceUID() != "S2" {
		t.Error("series not reordered to follow display sets")
	}
	if study.GetDisplaySetByUID(single.UID()) != single || study.IndexOfDisplaySet(single) != 1 {
		t.Error("display set lookups failed")
	}
}

func TestSortSeriesByDisplaySets(t *testing.T) {
	study := NewStudyMetadata(Dataset{}, "1")
	for _, uid := range []string{"A", "B", "C"} {
		study.AddSeries(NewSeriesMetadata(Dataset{}, uid))
	}
	for _, uid := range []string{"C", "A", "C"} {
		ds, err := NewImageSet([]Image{})
		if err != nil {
			t.Fatal(err)
		}
		ds.SetAttribute(AttrSeriesInstanceUID, uid)
		study.AddDisplaySet(ds)
	}

	if err := study.SortSeriesByDisplaySets(); err != nil {
		t.Fatalf("SortSeriesByDisplaySets: %v", err)
	}
	var got []string
	study.ForEachSeries(func(s *SeriesMetadata, _ int) { got = append(got, s.GetSeriesInstanceUID()) })
	if strings.Join(got, ",") != "C,A,B" {
		t.Errorf("order = %v, want C,A,B", got)
	}
	if study.GetSeriesByUID("B") != study.GetSeriesByIndex(2) {
		t.Error("UID index stale after sort")
	}

	study.displaySets = append(study.displaySets, nil)
	var mErr *Error
	if err := study.SortSeriesByDisplaySets(); !errors.As(err, &mErr) {
		t.Errorf("nil display set error = %v, want *Error", err)
	}
}

func TestImageSet(t *testing.T) {
	if _, err := NewImageSet(nil); err == nil {
		t.Error("NewImageSet(nil) should fail")
	}

	a := NewInstanceMetadata(Dataset{TagInstanceNumber: NewAttribute("IS", 3)}, "a")
	b := NewInstanceMetadata(Dataset{TagInstanceNumber: NewAttribute("IS", 1)}, "b")
	ds, err := NewImageSet([]Image{a, b})
	if err != nil {
		t.Fatal(err)
	}
	other, _ := NewImageSet([]Image{})
	if ds.UID() == "" || ds.UID() == other.UID() {
		t.Error("image set UIDs should be unique")
	}

	sorted := ds.SortBy(func(x, y Image) int { return instanceNumber(x) - instanceNumber(y) })
	if sorted[0] != b || ds.GetImage(0) != b {
		t.Error("SortBy did not sort in place")
	}
	if ds.IndexOfSOPInstanceUID("a") != 1 || ds.ContainsSOPInstanceUID("z") {
		t.Error("SOP instance lookups wrong")
	}
	if ds.GetImage(5) != nil {
		t.Error("out of range image should be nil")
	}

	ds.SetAttributes(map[string]any{"x": 1, "y": "two"})
	if ds.GetAttribute("x") != 1 || ds.StringAttribute("y") != "two" || ds.StringAttribute("x") != "" {
		t.Error("attribute accessors wrong")
	}
}

func TestCustomAttributes(t *testing.T) {
	inst := NewInstanceMetadata(Dataset{}, "I")
	if inst.CustomAttributeExists("k") {
		t.Fatal("unexpected custom attribute")
	}
	inst.SetCustomAttribute("k", 1)
	inst.SetCustomAttributes(map[string]any{"j": "v"})
	if inst.CustomAttribute("k") != 1 || inst.CustomAttribute("j") != "v" || !inst.CustomAttributeExists("j") {
		t.Error("custom attribute round trip failed")
	}
	if inst.UID() != "I" || inst.GetSOPInstanceUID() != "I" {
		t.Errorf("uid fallback: UID=%q SOP=%q", inst.UID(), inst.GetSOPInstanceUID())
	}
}

func TestStudyProperty(t *testing.T) {
	var nilStudy *StudyMetadata
	if _, ok := nilStudy.Property("studyDate"); ok {
		t.Error("nil study returned a property")
	}
	study := NewStudyMetadata(Dataset{
		TagStudyInstanceUID: NewAttribute("UI", "1"),
		TagStudyDate:        NewAttribute("DA", "20200101"),
		"00080050":          NewAttribute("SH", "ACC1"),
	}, "")
	if v, _ := study.Property("studyDate"); v != "20200101" {
		t.Errorf("studyDate = %v", v)
	}
	if v, _ := study.Property("AccessionNumber"); v != "ACC1" {
		t.Errorf("AccessionNumber = %v", v)
	}
	if v, _ := study.Property("seriesCount"); v != 0 {
		t.Errorf("seriesCount = %v", v)
	}
}
