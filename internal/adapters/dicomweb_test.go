package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/otcheredev/viewer-core/internal/models"
)

const studyMetadata = `[
 {"0020000D":{"vr":"UI","Value":["1.2"]},"0020000E":{"vr":"UI","Value":["1.2.1"]},"00080018":{"vr":"UI","Value":["1.2.1.1"]}},
 {"0020000D":{"vr":"UI","Value":["1.2"]},"0020000E":{"vr":"UI","Value":["1.2.1"]},"00080018":{"vr":"UI","Value":["1.2.1.2"]}}
]`

const studySearch = `[
 {"0020000D":{"vr":"UI","Value":["1.2"]},"00100010":{"vr":"PN","Value":[{"Alphabetic":"Doe^John"}]},
  "00080061":{"vr":"CS","Value":["CT","SR"]},"00201206":{"vr":"IS","Value":[3]}}
]`

func newTestServer(t *testing.T) (*httptest.Server, *DICOMWebAdapter) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/dicom-web/studies", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("PatientID") == "none" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/dicom+json")
		w.Write([]byte(studySearch))
	})
	mux.HandleFunc("/dicom-web/studies/1.2/metadata", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/dicom+json")
		w.Write([]byte(studyMetadata))
	})
	mux.HandleFunc("/dicom-web/studies/1.2/series/1.2.1/instances/1.2.1.1/frames/1", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Accept"), "multipart/related") {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
		w.Header().Set("Content-Type", `multipart/related; type="application/octet-stream"; boundary=frame`)
		w.Write([]byte("--frame\r\nContent-Type: application/octet-stream\r\n\r\nPIXELS\r\n--frame--\r\n"))
	})
	mux.HandleFunc("/wado", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("frame") {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/dicom")
		w.Write([]byte("DICM-FILE"))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	adapter, err := NewDICOMWebAdapter(models.ServerConfig{
		Name:     "test",
		WADORoot: srv.URL + "/dicom-web/",
		APIKey:   "secret",
	}, 0)
	if err != nil {
		t.Fatalf("NewDICOMWebAdapter: %v", err)
	}
	t.Cleanup(func() { adapter.Close() })
	return srv, adapter
}

func TestSearchStudies(t *testing.T) {
	_, adapter := newTestServer(t)

	studies, err := adapter.SearchStudies(context.Background(), models.QueryParams{PatientName: "Doe*"})
	if err != nil {
		t.Fatalf("SearchStudies: %v", err)
	}
	if len(studies) != 1 {
		t.Fatalf("got %d studies, want 1", len(studies))
	}
	s := studies[0]
	if s.StudyInstanceUID != "1.2" || s.PatientName != "Doe^John" || s.NumberOfSeries != 3 {
		t.Errorf("study = %+v", s)
	}
	if len(s.ModalitiesInStudy) != 2 || s.ModalitiesInStudy[1] != "SR" {
		t.Errorf("ModalitiesInStudy = %v", s.ModalitiesInStudy)
	}

	empty, err := adapter.SearchStudies(context.Background(), models.QueryParams{PatientID: "none"})
	if err != nil || len(empty) != 0 {
		t.Errorf("no content search = (%v, %v)", empty, err)
	}
}

func TestRetrieveStudyMetadata(t *testing.T) {
	_, adapter := newTestServer(t)

	datasets, err := adapter.RetrieveStudyMetadata(context.Background(), "1.2")
	if err != nil {
		t.Fatalf("RetrieveStudyMetadata: %v", err)
	}
	if len(datasets) != 2 || datasets[1].String("SOPInstanceUID") != "1.2.1.2" {
		t.Errorf("datasets = %v", datasets)
	}

	if _, err := adapter.RetrieveStudyMetadata(context.Background(), "9.9"); err == nil {
		t.Error("missing study returned no error")
	}
}

func TestLoad(t *testing.T) {
	srv, adapter := newTestServer(t)
	ctx := context.Background()

	t.Run("wadors frame", func(t *testing.T) {
		var calls int
		var last int64
		data, err := adapter.Load(ctx, "wadors:"+srv.URL+"/dicom-web/studies/1.2/series/1.2.1/instances/1.2.1.1/frames/1",
			func(loaded, total int64) {
				calls++
				last = loaded
			})
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if string(data) != "PIXELS" {
			t.Errorf("data = %q, want the unwrapped part", data)
		}
		if calls == 0 || last == 0 {
			t.Error("progress not reported")
		}
	})

	t.Run("wadouri file", func(t *testing.T) {
		data, err := adapter.Load(ctx, "wadouri:"+srv.URL+"/wado?objectUID=1&frame=2", nil)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if string(data) != "DICM-FILE" {
			t.Errorf("data = %q", data)
		}
	})

	t.Run("unknown scheme", func(t *testing.T) {
		if _, err := adapter.Load(ctx, "http://example/1", nil); err == nil {
			t.Error("Load accepted an image ID without a loader scheme")
		}
	})
}

func TestTestConnection(t *testing.T) {
	_, adapter := newTestServer(t)
	status, err := adapter.TestConnection(context.Background())
	if err != nil || !status.IsConnected {
		t.Fatalf("TestConnection = (%+v, %v)", status, err)
	}

	bad, err := NewDICOMWebAdapter(models.ServerConfig{Name: "bad", WADORoot: adapter.wadoRoot}, 0)
	if err != nil {
		t.Fatalf("NewDICOMWebAdapter: %v", err)
	}
	status, err = bad.TestConnection(context.Background())
	if err == nil || status.IsConnected || status.ErrorMessage == "" {
		t.Errorf("unauthorised TestConnection = (%+v, %v)", status, err)
	}

	if _, err := NewDICOMWebAdapter(models.ServerConfig{WADORoot: "not a url"}, 0); err == nil {
		t.Error("invalid WADO root accepted")
	}
}

func TestAdapterFactory(t *testing.T) {
	_, adapter := newTestServer(t)
	f := NewAdapterFactory(0)
	server := adapter.Server()

	a1, err := f.GetAdapter(server)
	if err != nil {
		t.Fatalf("GetAdapter: %v", err)
	}
	a2, _ := f.GetAdapter(server)
	if a1 != a2 {
		t.Error("GetAdapter did not reuse the adapter")
	}
	if err := f.RemoveAdapter(server.Name); err != nil {
		t.Errorf("RemoveAdapter: %v", err)
	}
	if err := f.CloseAll(); err != nil {
		t.Errorf("CloseAll: %v", err)
	}
}
