package uploader

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/acequia-iot/telemetry-node/journal"
	"github.com/acequia-iot/telemetry-node/model"
)

func testSample() model.Sample {
	return model.Sample{
		TSUs:        1700000000123456,
		Measurement: model.MeasurementFlow,
		Sensor:      "flow1",
		Value:       12.345,
		Source:      model.SourceWifi,
	}
}

func TestUploadClassifiesStatus200WithOKBodyAsOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}))
	defer srv.Close()

	u := New(srv.Client(), srv.URL, "key", "AA:BB:CC:DD:EE:FF")
	out := u.Upload(context.Background(), testSample())
	if out.Kind != journal.UploadOK {
		t.Errorf("Kind = %v, want UploadOK", out.Kind)
	}
}

func TestUploadClassifies204AsOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	u := New(srv.Client(), srv.URL, "key", "AA:BB:CC:DD:EE:FF")
	out := u.Upload(context.Background(), testSample())
	if out.Kind != journal.UploadOK {
		t.Errorf("Kind = %v, want UploadOK", out.Kind)
	}
}

func TestUploadClassifies200WithoutOKBodyAsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("nope"))
	}))
	defer srv.Close()

	u := New(srv.Client(), srv.URL, "key", "AA:BB:CC:DD:EE:FF")
	out := u.Upload(context.Background(), testSample())
	if out.Kind != journal.UploadHTTPError {
		t.Errorf("Kind = %v, want UploadHTTPError", out.Kind)
	}
	if out.HTTPStatus != http.StatusOK {
		t.Errorf("HTTPStatus = %d, want 200", out.HTTPStatus)
	}
}

func TestUploadClassifies500AsHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	u := New(srv.Client(), srv.URL, "key", "AA:BB:CC:DD:EE:FF")
	out := u.Upload(context.Background(), testSample())
	if out.Kind != journal.UploadHTTPError {
		t.Errorf("Kind = %v, want UploadHTTPError", out.Kind)
	}
}

func TestUploadClassifiesConnectFailureAsTransportError(t *testing.T) {
	u := New(http.DefaultClient, "http://127.0.0.1:1", "key", "AA:BB:CC:DD:EE:FF")
	out := u.Upload(context.Background(), testSample())
	if out.Kind != journal.UploadTransportError {
		t.Errorf("Kind = %v, want UploadTransportError", out.Kind)
	}
}

func TestBuildRequestStripsColonsFromMAC(t *testing.T) {
	u := New(http.DefaultClient, "http://example.invalid", "key", "AA:BB:CC:DD:EE:FF")
	req, err := u.buildRequest(context.Background(), testSample())
	if err != nil {
		t.Fatalf("buildRequest: %v", err)
	}
	values, err := url.ParseQuery(req.URL.RawQuery)
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if got := values.Get("mac"); got != "AABBCCDDEEFF" {
		t.Errorf("mac = %q, want AABBCCDDEEFF (colons stripped)", got)
	}
	if got := values.Get("valor"); got != "12.35" {
		t.Errorf("valor = %q, want 12.35 (two decimals)", got)
	}
	if got := values.Get("ts"); got != "1700000000123456" {
		t.Errorf("ts = %q, want decimal microseconds", got)
	}
}
