package models

import (
	"strconv"
	"strings"

	"github.com/otcheredev/viewer-core/internal/metadata"
)

// QueryParams represents QIDO-RS study query parameters
type QueryParams struct {
	PatientID        string `json:"patient_id,omitempty"`
	PatientName      string `json:"patient_name,omitempty"`
	StudyDate        string `json:"study_date,omitempty"`
	AccessionNumber  string `json:"accession_number,omitempty"`
	Modality         string `json:"modality,omitempty"`
	StudyDescription string `json:"study_description,omitempty"`
	Limit            int    `json:"limit,omitempty"`
	Offset           int    `json:"offset,omitempty"`
}

// StudySummary is one QIDO-RS study match
type StudySummary struct {
	StudyInstanceUID  string   `json:"study_instance_uid"`
	PatientID         string   `json:"patient_id"`
	PatientName       string   `json:"patient_name"`
	StudyDate         string   `json:"study_date"`
	StudyTime         string   `json:"study_time"`
	StudyDescription  string   `json:"study_description"`
	AccessionNumber   string   `json:"accession_number"`
	NumberOfSeries    int      `json:"number_of_series"`
	NumberOfInstances int      `json:"number_of_instances"`
	ModalitiesInStudy []string `json:"modalities_in_study"`
}

// NewStudySummary reads a QIDO-RS result dataset
func NewStudySummary(ds metadata.Dataset) StudySummary {
	s := StudySummary{
		StudyInstanceUID: ds.String("StudyInstanceUID"),
		PatientID:        ds.String("PatientID"),
		PatientName:      ds.String("PatientName"),
		StudyDate:        ds.String("StudyDate"),
		StudyTime:        ds.String("StudyTime"),
		StudyDescription: ds.String("StudyDescription"),
		AccessionNumber:  ds.String("AccessionNumber"),
	}
	s.NumberOfSeries, _ = strconv.Atoi(ds.String("00201206"))
	s.NumberOfInstances, _ = strconv.Atoi(ds.String("00201208"))
	if modalities := ds.String("00080061"); modalities != "" {
		s.ModalitiesInStudy = strings.Split(modalities, `\`)
	}
	return s
}

// LoadedStudy describes a study held in memory by the viewer
type LoadedStudy struct {
	StudyInstanceUID string `json:"study_instance_uid"`
	PatientName      string `json:"patient_name"`
	PatientID        string `json:"patient_id"`
	StudyDate        string `json:"study_date"`
	StudyDescription string `json:"study_description"`
	SeriesCount      int    `json:"series_count"`
	InstanceCount    int    `json:"instance_count"`
	DisplaySetCount  int    `json:"display_set_count"`
}

// DisplaySet describes a display set of a loaded study
type DisplaySet struct {
	DisplaySetInstanceUID string   `json:"display_set_instance_uid"`
	SeriesInstanceUID     string   `json:"series_instance_uid"`
	SeriesNumber          int      `json:"series_number"`
	SeriesDescription     string   `json:"series_description"`
	Modality              string   `json:"modality"`
	IsMultiFrame          bool     `json:"is_multi_frame"`
	NumImageFrames        int      `json:"num_image_frames"`
	ImageIDs              []string `json:"image_ids"`
}
