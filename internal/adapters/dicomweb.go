package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/otcheredev/viewer-core/internal/imagecache"
	"github.com/otcheredev/viewer-core/internal/metadata"
	"github.com/otcheredev/viewer-core/internal/models"
)

const (
	acceptDICOMJSON = "application/dicom+json"
	acceptFrames    = `multipart/related; type="application/octet-stream"; transfer-syntax=*`
	acceptFile      = "application/dicom"
)

// DICOMWebAdapter implements Adapter for the DICOMweb protocol
type DICOMWebAdapter struct {
	BaseAdapter
	client   *http.Client
	wadoRoot string
	qidoRoot string
	username string
	password string
	apiKey   string
}

// NewDICOMWebAdapter creates a new DICOMweb adapter
func NewDICOMWebAdapter(server models.ServerConfig, timeout time.Duration) (*DICOMWebAdapter, error) {
	if _, err := url.ParseRequestURI(server.WADORoot); err != nil {
		return nil, fmt.Errorf("invalid WADO root %q: %w", server.WADORoot, err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &DICOMWebAdapter{
		BaseAdapter: BaseAdapter{server: server},
		client: &http.Client{
			Timeout: timeout,
		},
		wadoRoot: strings.TrimRight(server.WADORoot, "/"),
		qidoRoot: strings.TrimRight(server.SearchRoot(), "/"),
		username: server.Username,
		password: server.Password,
		apiKey:   server.APIKey,
	}, nil
}

// Capabilities lists the DICOMweb services used
func (d *DICOMWebAdapter) Capabilities() []string {
	return []string{"QIDO-RS", "WADO-RS", "WADO-URI"}
}

// SearchStudies queries for studies using QIDO-RS
func (d *DICOMWebAdapter) SearchStudies(ctx context.Context, params models.QueryParams) ([]models.StudySummary, error) {
	queryURL := fmt.Sprintf("%s/studies", d.qidoRoot)

	urlParams := url.Values{}
	if params.PatientID != "" {
		urlParams.Add("PatientID", params.PatientID)
	}
	if params.PatientName != "" {
		urlParams.Add("PatientName", params.PatientName)
	}
	if params.StudyDate != "" {
		urlParams.Add("StudyDate", params.StudyDate)
	}
	if params.AccessionNumber != "" {
		urlParams.Add("AccessionNumber", params.AccessionNumber)
	}
	if params.Modality != "" {
		urlParams.Add("ModalitiesInStudy", params.Modality)
	}
	if params.StudyDescription != "" {
		urlParams.Add("StudyDescription", params.StudyDescription)
	}
	if params.Limit > 0 {
		urlParams.Add("limit", fmt.Sprintf("%d", params.Limit))
	}
	if params.Offset > 0 {
		urlParams.Add("offset", fmt.Sprintf("%d", params.Offset))
	}
	if len(urlParams) > 0 {
		queryURL = queryURL + "?" + urlParams.Encode()
	}

	body, err := d.getJSON(ctx, queryURL)
	if err != nil {
		return nil, err
	}
	// QIDO-RS answers 204 without a body when nothing matches
	if len(bytes.TrimSpace(body)) == 0 {
		return []models.StudySummary{}, nil
	}

	datasets, err := metadata.ParseDatasets(body)
	if err != nil {
		return nil, err
	}
	studies := make([]models.StudySummary, 0, len(datasets))
	for _, ds := range datasets {
		studies = append(studies, models.NewStudySummary(ds))
	}
	return studies, nil
}

// RetrieveStudyMetadata retrieves the metadata of every instance of a
// study using WADO-RS
func (d *DICOMWebAdapter) RetrieveStudyMetadata(ctx context.Context, studyUID string) ([]metadata.Dataset, error) {
	metadataURL := fmt.Sprintf("%s/studies/%s/metadata", d.wadoRoot, url.PathEscape(studyUID))

	body, err := d.getJSON(ctx, metadataURL)
	if err != nil {
		return nil, err
	}
	return metadata.ParseDatasets(body)
}

// Load retrieves the payload behind an image ID: a WADO-RS frame for
// wadors: IDs, the whole Part-10 file for wadouri: and dicomweb: IDs.
// Multipart responses are unwrapped to their first part. progress receives
// the bytes read so far and the announced length (0 when unknown).
func (d *DICOMWebAdapter) Load(ctx context.Context, imageID string, progress func(loaded, total int64)) ([]byte, error) {
	target, accept, err := resolveImageID(imageID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	d.addAuth(req)
	req.Header.Set("Accept", accept)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("archive returned status %d: %s", resp.StatusCode, string(body))
	}

	var r io.Reader = resp.Body
	if progress != nil {
		r = &progressReader{r: resp.Body, total: max(resp.ContentLength, 0), fn: progress}
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read image %s: %w", imageID, err)
	}

	return unwrapMultipart(resp.Header.Get("Content-Type"), data)
}

// TestConnection tests the archive connection
func (d *DICOMWebAdapter) TestConnection(ctx context.Context) (*models.ConnectionStatus, error) {
	start := time.Now()
	status := &models.ConnectionStatus{
		LastChecked: start,
	}

	_, err := d.SearchStudies(ctx, models.QueryParams{Limit: 1})

	status.ResponseTime = time.Since(start).Milliseconds()

	if err != nil {
		status.IsConnected = false
		status.ErrorMessage = err.Error()
		return status, err
	}

	status.IsConnected = true
	status.Capabilities = d.Capabilities()
	return status, nil
}

// Close closes the adapter
func (d *DICOMWebAdapter) Close() error {
	d.client.CloseIdleConnections()
	return nil
}

func (d *DICOMWebAdapter) getJSON(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	d.addAuth(req)
	req.Header.Set("Accept", acceptDICOMJSON)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("archive returned status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

// addAuth adds authentication to the request
func (d *DICOMWebAdapter) addAuth(req *http.Request) {
	if d.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", d.apiKey))
	} else if d.username != "" && d.password != "" {
		req.SetBasicAuth(d.username, d.password)
	}
}

// resolveImageID returns the URL and Accept header an image ID is fetched
// with
func resolveImageID(imageID string) (string, string, error) {
	switch {
	case strings.HasPrefix(imageID, "wadors:"):
		return strings.TrimPrefix(imageID, "wadors:"), acceptFrames, nil
	case imagecache.IsFileImageID(imageID):
		return imagecache.DatasetURL(imageID), acceptFile, nil
	}
	return "", "", fmt.Errorf("unsupported image ID scheme: %s", imageID)
}

// unwrapMultipart returns the first part of a multipart/related body, or
// data unchanged for single part responses
func unwrapMultipart(contentType string, data []byte) ([]byte, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return data, nil
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("multipart response without boundary")
	}

	part, err := multipart.NewReader(bytes.NewReader(data), boundary).NextPart()
	if err != nil {
		return nil, fmt.Errorf("failed to read multipart response: %w", err)
	}
	defer part.Close()

	payload, err := io.ReadAll(part)
	if err != nil {
		return nil, fmt.Errorf("failed to read multipart response: %w", err)
	}
	return payload, nil
}

type progressReader struct {
	r      io.Reader
	loaded int64
	total  int64
	fn     func(loaded, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		p.fn(p.loaded, p.total)
	}
	return n, err
}
