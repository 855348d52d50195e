package metadata

import (
	"fmt"
	"strings"
	"sync"

	"github.com/suyashkumar/dicom/pkg/tag"
)

// Keys of the attributes the model itself reads.
var (
	TagStudyInstanceUID  = TagKey(tag.StudyInstanceUID)
	TagSeriesInstanceUID = TagKey(tag.SeriesInstanceUID)
	TagSOPInstanceUID    = TagKey(tag.SOPInstanceUID)
	TagSOPClassUID       = TagKey(tag.SOPClassUID)
	TagInstanceNumber    = TagKey(tag.InstanceNumber)
	TagSeriesNumber      = TagKey(tag.SeriesNumber)
	TagSeriesDescription = TagKey(tag.SeriesDescription)
	TagModality          = TagKey(tag.Modality)
	TagNumberOfFrames    = TagKey(tag.NumberOfFrames)
	TagStudyDate         = TagKey(tag.StudyDate)
	TagStudyDescription  = TagKey(tag.StudyDescription)
	TagPatientName       = TagKey(tag.PatientName)
	TagPatientID         = TagKey(tag.PatientID)
)

var keywordCache sync.Map // keyword -> tag key

// TagKey formats t as the 8-digit key used by DICOM JSON.
func TagKey(t tag.Tag) string {
	return fmt.Sprintf("%04X%04X", t.Group, t.Element)
}

// NormalizeTag accepts "x00280030", "00280030", "(0028,0030)" or a
// dictionary keyword such as "PixelSpacing" and returns the DICOM JSON key.
func NormalizeTag(s string) (string, bool) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) == 9 && (s[0] == 'x' || s[0] == 'X') && isHex(s[1:]):
		return strings.ToUpper(s[1:]), true
	case len(s) == 8 && isHex(s):
		return strings.ToUpper(s), true
	case len(s) == 11 && s[0] == '(' && s[5] == ',' && s[10] == ')' && isHex(s[1:5]) && isHex(s[6:10]):
		return strings.ToUpper(s[1:5] + s[6:10]), true
	case s == "":
		return "", false
	}

	if v, ok := keywordCache.Load(s); ok {
		return v.(string), true
	}
	info, err := tag.FindByName(s)
	if err != nil {
		return "", false
	}
	key := TagKey(info.Tag)
	keywordCache.Store(s, key)
	return key, true
}

func isHex(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f', r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return s != ""
}

// study and series level attributes copied out of instance datasets by
// BuildStudy
var (
	studyLevelTags = tagSet(
		tag.StudyInstanceUID, tag.StudyDate, tag.StudyTime, tag.StudyDescription,
		tag.StudyID, tag.AccessionNumber, tag.ReferringPhysicianName,
		tag.InstitutionName, tag.ModalitiesInStudy,
		tag.PatientName, tag.PatientID, tag.PatientBirthDate, tag.PatientSex,
		tag.PatientAge, tag.PatientWeight,
	)
	seriesLevelTags = tagSet(
		tag.SeriesInstanceUID, tag.SeriesNumber, tag.SeriesDescription,
		tag.SeriesDate, tag.SeriesTime, tag.Modality, tag.BodyPartExamined,
		tag.ProtocolName, tag.FrameOfReferenceUID,
	)
)

func tagSet(tags ...tag.Tag) map[string]struct{} {
	out := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		out[TagKey(t)] = struct{}{}
	}
	return out
}
