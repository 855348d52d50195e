package metadata

import (
	"cmp"
	"slices"
)

// BuildStudy assembles a study tree from the instance datasets of a DICOMweb
// metadata response. Instances are grouped by Series Instance UID in the
// order they first appear; datasets without a SOP Instance UID are skipped.
// Study and series datasets hold the study- and series-level attributes of
// the first instance that introduced them.
func BuildStudy(studyInstanceUID string, datasets []Dataset, opts ...StudyOption) (*StudyMetadata, error) {
	if len(datasets) == 0 {
		return nil, newError("BuildStudy", "no instances for study %s", studyInstanceUID)
	}

	study := NewStudyMetadata(datasets[0].subset(studyLevelTags), studyInstanceUID, opts...)
	want := studyInstanceUID
	if want == "" {
		want = study.GetStudyInstanceUID()
	}
	for _, ds := range datasets {
		if ds.String(TagSOPInstanceUID) == "" {
			continue
		}
		if uid := ds.String(TagStudyInstanceUID); uid != "" && uid != want {
			return nil, newError("BuildStudy", "instance %s belongs to study %s", ds.String(TagSOPInstanceUID), uid)
		}

		seriesUID := ds.String(TagSeriesInstanceUID)
		series := study.GetSeriesByUID(seriesUID)
		if series == nil {
			series = NewSeriesMetadata(ds.subset(seriesLevelTags), seriesUID)
			study.AddSeries(series)
		}
		series.AddInstance(NewInstanceMetadata(ds, ""))
	}
	if study.GetSeriesCount() == 0 {
		return nil, newError("BuildStudy", "no usable instances for study %s", studyInstanceUID)
	}
	return study, nil
}

// CreateDisplaySets derives the display sets of study. Single-frame
// instances of a series form one display set ordered by Instance Number;
// every multiframe instance gets a display set of its own with one image
// per frame. Display sets follow Series Number and the study's series are
// then reordered to match.
func CreateDisplaySets(study *StudyMetadata) ([]*ImageSet, error) {
	if study == nil {
		return nil, newError("CreateDisplaySets", "study is nil")
	}

	series := study.Series()
	slices.SortStableFunc(series, func(a, b *SeriesMetadata) int {
		return cmp.Compare(a.GetIntValue(TagSeriesNumber, 0, 0), b.GetIntValue(TagSeriesNumber, 0, 0))
	})

	var created []*ImageSet
	for _, se := range series {
		var single []Image
		for _, inst := range se.Instances() {
			if !inst.IsMultiframe() {
				single = append(single, inst)
				continue
			}
			frames := make([]Image, inst.NumberOfFrames())
			for f := range frames {
				frames[f] = FrameImage{Instance: inst, Frame: f}
			}
			ds, err := newDisplaySet(study, se, frames)
			if err != nil {
				return nil, err
			}
			ds.SetAttributes(map[string]any{
				AttrIsMultiFrame:   true,
				AttrNumImageFrames: len(frames),
				AttrSOPInstanceUID: inst.GetSOPInstanceUID(),
			})
			created = append(created, ds)
		}

		if len(single) == 0 {
			continue
		}
		ds, err := newDisplaySet(study, se, single)
		if err != nil {
			return nil, err
		}
		ds.SortBy(func(a, b Image) int {
			return cmp.Compare(instanceNumber(a), instanceNumber(b))
		})
		ds.SetAttributes(map[string]any{
			AttrIsMultiFrame:   false,
			AttrNumImageFrames: len(single),
		})
		created = append(created, ds)
	}

	for _, ds := range created {
		study.AddDisplaySet(ds)
	}
	if err := study.SortSeriesByDisplaySets(); err != nil {
		return nil, err
	}
	return created, nil
}

func newDisplaySet(study *StudyMetadata, series *SeriesMetadata, images []Image) (*ImageSet, error) {
	ds, err := NewImageSet(images)
	if err != nil {
		return nil, err
	}
	ds.SetAttributes(map[string]any{
		AttrDisplaySetInstanceUID: ds.UID(),
		AttrStudyInstanceUID:      study.GetStudyInstanceUID(),
		AttrSeriesInstanceUID:     series.GetSeriesInstanceUID(),
		AttrSeriesNumber:          series.GetIntValue(TagSeriesNumber, 0, 0),
		AttrSeriesDescription:     series.GetStringValue(TagSeriesDescription, 0, ""),
		AttrModality:              series.GetStringValue(TagModality, 0, ""),
	})
	return ds, nil
}

func instanceNumber(img Image) int {
	inst, ok := img.(*InstanceMetadata)
	if !ok {
		return 0
	}
	return inst.GetIntValue(TagInstanceNumber, 0, 0)
}
